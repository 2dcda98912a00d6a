// Package iscsidriver implements the iscsidirect storage type: one raw
// LUN per volume on a remote target, addressed by URL rather than a
// local path (spec.md SPEC_FULL "Additional registered storage
// types"). Content is restricted to images; there is no file-level
// layout to manage, so this driver supports only path/alloc/free and
// reports ErrNotSupported for every snapshot/clone/resize capability.
package iscsidriver

import (
	"context"
	"fmt"

	"github.com/nimbusvc/vstorage/pkg/backend"
	"github.com/nimbusvc/vstorage/pkg/sectioncfg"
	"github.com/nimbusvc/vstorage/pkg/volid"
)

// TypeName is the plugin type_name this driver registers under.
const TypeName = "iscsidirect"

// Driver is the raw-LUN iSCSI backend.
type Driver struct{}

// New constructs a Driver. No command runner is needed: this backend
// never shells out and keeps no state, it only formats names and URLs.
func New() *Driver { return &Driver{} }

func (d *Driver) TypeName() string { return TypeName }

func (d *Driver) ParseVolname(volname string) (volid.ParsedVolName, error) {
	return volid.ParseZFSVolName(volname)
}

func (d *Driver) ActivateStorage(context.Context, sectioncfg.Section) error          { return nil }
func (d *Driver) DeactivateStorage(context.Context, sectioncfg.Section) error        { return nil }
func (d *Driver) ActivateVolume(context.Context, sectioncfg.Section, string) error   { return nil }
func (d *Driver) DeactivateVolume(context.Context, sectioncfg.Section, string) error { return nil }

// Path returns the iscsi://<portal>/<target>/<lun> URL for volname
// (spec.md §4.E: "may be a file path, block device, or URL").
func (d *Driver) Path(_ context.Context, scfg sectioncfg.Section, volname, _ string) (string, string, volid.VType, error) {
	p, err := volid.ParseZFSVolName(volname)
	if err != nil {
		return "", "", "", err
	}
	portal := scfg.Props["portal"]
	target := scfg.Props["target"]
	url := fmt.Sprintf("iscsi://%s/%s/%s", portal, target, volname)
	return url, p.VMID, volid.VTypeImage, nil
}

// BaseDevicePath returns the local device node open-iscsi's udev
// rules create for this target's LUN 0, the raw disk an LVM storage
// can build a volume group on top of (spec.md §4.D's base-storage
// cross-reference; backend.BaseDeviceResolver).
func (d *Driver) BaseDevicePath(scfg sectioncfg.Section) string {
	portal := scfg.Props["portal"]
	target := scfg.Props["target"]
	return fmt.Sprintf("/dev/disk/by-path/ip-%s-iscsi-%s-lun-0", portal, target)
}

// AllocImage returns name, or "vm-<vmid>-disk-1" when name is empty;
// nothing is recorded, and the actual LUN provisioning on
// the target appliance is out of this core's scope (the appliance is
// an opaque collaborator, spec.md §6).
func (d *Driver) AllocImage(_ context.Context, _ sectioncfg.Section, vmid string, _ volid.Format, name string, _ uint64) (string, error) {
	if name != "" {
		return name, nil
	}
	return fmt.Sprintf("vm-%s-disk-1", vmid), nil
}

// FreeImage is a no-op at this layer: LUN teardown happens on the
// target appliance, which this driver treats as opaque.
func (d *Driver) FreeImage(context.Context, sectioncfg.Section, string, bool) error { return nil }

func (d *Driver) ListImages(context.Context, sectioncfg.Section, string, []string) ([]backend.ImageInfo, error) {
	return nil, backend.NewNotSupported(TypeName, "list_images")
}

func (d *Driver) Status(context.Context, sectioncfg.Section) (backend.StatusInfo, error) {
	return backend.StatusInfo{Active: false}, nil
}

func (d *Driver) CloneImage(context.Context, sectioncfg.Section, string, string, string) (string, error) {
	return "", backend.NewNotSupported(TypeName, "clone_image")
}

func (d *Driver) CreateBase(context.Context, sectioncfg.Section, string) (string, error) {
	return "", backend.NewNotSupported(TypeName, "create_base")
}

func (d *Driver) VolumeResize(context.Context, sectioncfg.Section, string, uint64) (uint64, error) {
	return 0, backend.NewNotSupported(TypeName, "volume_resize")
}

func (d *Driver) VolumeSnapshot(context.Context, sectioncfg.Section, string, string) error {
	return backend.NewNotSupported(TypeName, "volume_snapshot")
}

func (d *Driver) VolumeSnapshotDelete(context.Context, sectioncfg.Section, string, string) error {
	return backend.NewNotSupported(TypeName, "volume_snapshot_delete")
}

func (d *Driver) VolumeSnapshotRollback(context.Context, sectioncfg.Section, string, string) error {
	return backend.NewNotSupported(TypeName, "volume_snapshot_rollback")
}

func (d *Driver) VolumeRollbackIsPossible(context.Context, sectioncfg.Section, string, string) (bool, error) {
	return false, backend.NewNotSupported(TypeName, "volume_rollback_is_possible")
}

func (d *Driver) VolumeHasFeature(_ backend.Feature, _ backend.VolumeState, _ volid.Format) bool {
	return false
}

var (
	_ backend.Driver             = (*Driver)(nil)
	_ backend.BaseDeviceResolver = (*Driver)(nil)
)

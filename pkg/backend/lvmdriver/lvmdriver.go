// Package lvmdriver implements the lvm/lvmthin storage types:
// block-device-per-volume, one logical volume per image under a named
// volume group (spec.md SPEC_FULL "Additional registered storage
// types"). Command construction is intentionally minimal — spec.md
// scopes LVM detail out of the core and covers only the config-side
// precondition (base storage must be iSCSI, enforced in
// pkg/configapi) in depth.
package lvmdriver

import (
	"context"
	"fmt"

	"github.com/nimbusvc/vstorage/pkg/backend"
	"github.com/nimbusvc/vstorage/pkg/runner"
	"github.com/nimbusvc/vstorage/pkg/sectioncfg"
	"github.com/nimbusvc/vstorage/pkg/volid"
)

// TypeName is the plugin type_name this driver registers under.
const TypeName = "lvm"

// ThinTypeName is the copy-on-write variant's type_name; it shares
// this driver's command shapes (lvcreate gains "-T"/"--thinpool" in a
// full implementation, not modeled here per the scoping note above).
const ThinTypeName = "lvmthin"

// Driver is the LVM block-device backend.
type Driver struct {
	Run  runner.Runner
	thin bool
}

// New constructs a thick-provisioned lvm Driver.
func New(run runner.Runner) *Driver { return &Driver{Run: run} }

// NewThin constructs an lvmthin Driver.
func NewThin(run runner.Runner) *Driver { return &Driver{Run: run, thin: true} }

func (d *Driver) TypeName() string {
	if d.thin {
		return ThinTypeName
	}
	return TypeName
}

func (d *Driver) ParseVolname(volname string) (volid.ParsedVolName, error) {
	return volid.ParseZFSVolName(volname)
}

// CreateVG runs vgcreate against device, the raw block device backing
// this storage's base iSCSI entry (spec.md §4.D; backend.VGCreator).
// configapi calls this once, at create() time, before the entry's own
// ActivateStorage ever runs against it.
func (d *Driver) CreateVG(ctx context.Context, scfg sectioncfg.Section, device string) error {
	vg := scfg.Props["vgname"]
	if _, err := d.Run.Run(ctx, runner.Request{Argv: []string{"vgcreate", vg, device}}); err != nil {
		return fmt.Errorf("lvmdriver: create_vg: %w", err)
	}
	return nil
}

func (d *Driver) ActivateStorage(ctx context.Context, scfg sectioncfg.Section) error {
	vg := scfg.Props["vgname"]
	_, err := d.Run.Run(ctx, runner.Request{Argv: []string{"vgs", "--noheadings", "-o", "vg_name", vg}})
	if err != nil {
		return fmt.Errorf("lvmdriver: activate_storage: volume group %q not found: %w", vg, err)
	}
	return nil
}

func (d *Driver) DeactivateStorage(context.Context, sectioncfg.Section) error        { return nil }
func (d *Driver) ActivateVolume(context.Context, sectioncfg.Section, string) error   { return nil }
func (d *Driver) DeactivateVolume(context.Context, sectioncfg.Section, string) error { return nil }

// Path returns /dev/<vgname>/<volname> (spec.md SPEC_FULL).
func (d *Driver) Path(_ context.Context, scfg sectioncfg.Section, volname, _ string) (string, string, volid.VType, error) {
	p, err := volid.ParseZFSVolName(volname)
	if err != nil {
		return "", "", "", err
	}
	vg := scfg.Props["vgname"]
	return "/dev/" + vg + "/" + volname, p.VMID, volid.VTypeImage, nil
}

// AllocImage shells out to lvcreate for a new logical volume.
func (d *Driver) AllocImage(ctx context.Context, scfg sectioncfg.Section, vmid string, _ volid.Format, name string, sizeKB uint64) (string, error) {
	if name == "" {
		name = fmt.Sprintf("vm-%s-disk-1", vmid)
	}
	vg := scfg.Props["vgname"]
	argv := []string{"lvcreate", "-L", fmt.Sprintf("%dk", sizeKB), "-n", name, vg}
	if _, err := d.Run.Run(ctx, runner.Request{Argv: argv}); err != nil {
		return "", fmt.Errorf("lvmdriver: alloc_image: %w", err)
	}
	return name, nil
}

// FreeImage removes the logical volume via lvremove.
func (d *Driver) FreeImage(ctx context.Context, scfg sectioncfg.Section, volname string, _ bool) error {
	vg := scfg.Props["vgname"]
	if _, err := d.Run.Run(ctx, runner.Request{Argv: []string{"lvremove", "-f", vg + "/" + volname}}); err != nil {
		return fmt.Errorf("lvmdriver: free_image: %w", err)
	}
	return nil
}

func (d *Driver) ListImages(context.Context, sectioncfg.Section, string, []string) ([]backend.ImageInfo, error) {
	return nil, backend.NewNotSupported(d.TypeName(), "list_images")
}

func (d *Driver) Status(context.Context, sectioncfg.Section) (backend.StatusInfo, error) {
	return backend.StatusInfo{Active: false}, nil
}

func (d *Driver) CloneImage(context.Context, sectioncfg.Section, string, string, string) (string, error) {
	return "", backend.NewNotSupported(d.TypeName(), "clone_image")
}

func (d *Driver) CreateBase(context.Context, sectioncfg.Section, string) (string, error) {
	return "", backend.NewNotSupported(d.TypeName(), "create_base")
}

// VolumeResize shells out to lvextend; LVM only grows, it never shrinks.
func (d *Driver) VolumeResize(ctx context.Context, scfg sectioncfg.Section, volname string, sizeBytes uint64) (uint64, error) {
	vg := scfg.Props["vgname"]
	argv := []string{"lvextend", "-L", fmt.Sprintf("%db", sizeBytes), vg + "/" + volname}
	if _, err := d.Run.Run(ctx, runner.Request{Argv: argv}); err != nil {
		return 0, fmt.Errorf("lvmdriver: volume_resize: %w", err)
	}
	return sizeBytes, nil
}

func (d *Driver) VolumeSnapshot(context.Context, sectioncfg.Section, string, string) error {
	return backend.NewNotSupported(d.TypeName(), "volume_snapshot")
}

func (d *Driver) VolumeSnapshotDelete(context.Context, sectioncfg.Section, string, string) error {
	return backend.NewNotSupported(d.TypeName(), "volume_snapshot_delete")
}

func (d *Driver) VolumeSnapshotRollback(context.Context, sectioncfg.Section, string, string) error {
	return backend.NewNotSupported(d.TypeName(), "volume_snapshot_rollback")
}

func (d *Driver) VolumeRollbackIsPossible(context.Context, sectioncfg.Section, string, string) (bool, error) {
	return false, backend.NewNotSupported(d.TypeName(), "volume_rollback_is_possible")
}

// VolumeHasFeature: lvmthin supports snapshot/clone via thin-pool
// snapshots; plain lvm supports neither (spec.md SPEC_FULL scoping note).
func (d *Driver) VolumeHasFeature(feature backend.Feature, state backend.VolumeState, _ volid.Format) bool {
	if !d.thin {
		return false
	}
	switch feature {
	case backend.FeatureSnapshot, backend.FeatureClone:
		return state == backend.StateBase || state == backend.StateCurrent
	default:
		return false
	}
}

var (
	_ backend.Driver    = (*Driver)(nil)
	_ backend.VGCreator = (*Driver)(nil)
)

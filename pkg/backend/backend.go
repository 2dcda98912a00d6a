// Package backend defines the capability contract every storage
// driver implements (spec.md §4.E). The registry (pkg/registry) and
// the storage-level façade (pkg/storagemgr) depend only on this
// interface, never on a concrete driver package, so new backends plug
// in by registering a Driver and a plugin descriptor.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/nimbusvc/vstorage/pkg/sectioncfg"
	"github.com/nimbusvc/vstorage/pkg/volid"
)

// Feature is one of the capabilities volume_has_feature queries.
type Feature string

const (
	FeatureSnapshot Feature = "snapshot"
	FeatureClone    Feature = "clone"
	FeatureTemplate Feature = "template"
	FeatureCopy     Feature = "copy"
)

// VolumeState is the lifecycle position volume_has_feature is
// evaluated against (spec.md §4.E).
type VolumeState string

const (
	StateBase    VolumeState = "base"
	StateCurrent VolumeState = "current"
	StateSnap    VolumeState = "snap"
)

// ErrNotSupported is returned by a driver for any capability outside
// its implemented subset. Never returned silently: callers must see
// this error, not a zero-value success.
var ErrNotSupported = errors.New("backend: operation not supported")

// NewNotSupported wraps ErrNotSupported naming the missing capability.
func NewNotSupported(driver, op string) error {
	return fmt.Errorf("%w: %s does not implement %s", ErrNotSupported, driver, op)
}

// ImageInfo describes one volume as returned by ListImages.
type ImageInfo struct {
	VolID  volid.VolumeID
	Size   uint64 // bytes
	Format volid.Format
	VMID   string
	Used   uint64 // bytes actually consumed; 0 if unknown
	Parent string // base volname for linked clones, else ""
}

// StatusInfo is the result of Status: spec.md §4.E requires this to
// never throw — on transport failure it degrades to Active=false.
type StatusInfo struct {
	TotalBytes uint64
	FreeBytes  uint64
	UsedBytes  uint64
	Active     bool
}

// Driver is the capability set every backend implements (spec.md
// §4.E). Every method's context carries the ambient timeout/
// cancellation for whatever external process or RPC it performs.
type Driver interface {
	// TypeName is the registered plugin type_name this driver serves.
	TypeName() string

	// ParseVolname is deterministic and performs no I/O.
	ParseVolname(volname string) (volid.ParsedVolName, error)

	// Path resolves a volname to a path, block device, or URL. snap,
	// if non-empty, names a snapshot within that volume.
	Path(ctx context.Context, scfg sectioncfg.Section, volname, snap string) (path string, vmid string, vtype volid.VType, err error)

	AllocImage(ctx context.Context, scfg sectioncfg.Section, vmid string, format volid.Format, name string, sizeKB uint64) (volname string, err error)
	FreeImage(ctx context.Context, scfg sectioncfg.Section, volname string, isBase bool) error
	ListImages(ctx context.Context, scfg sectioncfg.Section, vmid string, volnameAllowList []string) ([]ImageInfo, error)
	Status(ctx context.Context, scfg sectioncfg.Section) (StatusInfo, error)

	ActivateStorage(ctx context.Context, scfg sectioncfg.Section) error
	DeactivateStorage(ctx context.Context, scfg sectioncfg.Section) error
	ActivateVolume(ctx context.Context, scfg sectioncfg.Section, volname string) error
	DeactivateVolume(ctx context.Context, scfg sectioncfg.Section, volname string) error

	// CloneImage is only valid on a base image.
	CloneImage(ctx context.Context, scfg sectioncfg.Section, volname, vmid, snap string) (newVolname string, err error)
	// CreateBase renames a vm-* volume to base-* and write-protects it.
	CreateBase(ctx context.Context, scfg sectioncfg.Section, volname string) (newVolname string, err error)

	VolumeResize(ctx context.Context, scfg sectioncfg.Section, volname string, sizeBytes uint64) (newSizeBytes uint64, err error)
	VolumeSnapshot(ctx context.Context, scfg sectioncfg.Section, volname, snap string) error
	VolumeSnapshotDelete(ctx context.Context, scfg sectioncfg.Section, volname, snap string) error
	VolumeSnapshotRollback(ctx context.Context, scfg sectioncfg.Section, volname, snap string) error
	VolumeRollbackIsPossible(ctx context.Context, scfg sectioncfg.Section, volname, snap string) (bool, error)

	VolumeHasFeature(feature Feature, state VolumeState, format volid.Format) bool
}

// VGCreator is an optional capability: block-device backends that can
// provision a new volume group on a raw device implement it. configapi
// type-asserts for it when creating an LVM-backed entry with a `base`
// (spec.md §4.D: "...resolve the base storage..., activate it, and
// invoke LVM VG creation on the backing block device").
type VGCreator interface {
	CreateVG(ctx context.Context, scfg sectioncfg.Section, device string) error
}

// BaseDeviceResolver is an optional capability: backends whose storage
// maps onto a single local block device (as opposed to a per-volume
// path) implement it so another driver can build on top of that
// device directly, as LVM does over an iSCSI-attached disk.
type BaseDeviceResolver interface {
	BaseDevicePath(scfg sectioncfg.Section) string
}

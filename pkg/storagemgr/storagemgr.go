// Package storagemgr implements the storage-level façade from spec.md
// §4.I: resolving a storeid against a parsed config into a concrete
// section, enforcing the disable/node-restriction rules, and
// dispatching every backend operation through an idempotent
// activate_storage.
package storagemgr

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/nimbusvc/vstorage/pkg/backend"
	"github.com/nimbusvc/vstorage/pkg/metrics"
	"github.com/nimbusvc/vstorage/pkg/registry"
	"github.com/nimbusvc/vstorage/pkg/sectioncfg"
	"github.com/nimbusvc/vstorage/pkg/volid"
)

var (
	ErrStoreIDNotFound = errors.New("storagemgr: storeid not found")
	ErrDisabled        = errors.New("storagemgr: storage is disabled")
	ErrNodeRestricted  = errors.New("storagemgr: storage is not enabled on this node")
)

// Manager is the façade: it holds only the plugin Registry, never a
// copy of the config, so every call site passes the config it just
// read (spec.md §4.I's resolve(cfg, storeid, local_node?)).
type Manager struct {
	Registry *registry.Registry

	// activateOnce collapses concurrent activate_storage calls for the
	// same storeid into one, since it is idempotent but may be
	// expensive (zpool import, mount checks, …).
	activateOnce singleflight.Group
}

// New constructs a Manager bound to reg.
func New(reg *registry.Registry) *Manager {
	return &Manager{Registry: reg}
}

// Resolve implements spec.md §4.I's resolve: looks storeid up in cfg,
// and rejects a disabled or node-restricted entry unless noErr is set,
// in which case the entry (and its disabled/restricted status) is
// returned without an error.
func Resolve(cfg sectioncfg.Config, storeid, localNode string, noErr bool) (sectioncfg.Section, error) {
	var section sectioncfg.Section
	found := false
	for _, s := range cfg.Sections {
		if s.StoreID == storeid {
			section = s
			found = true
			break
		}
	}
	if !found {
		return sectioncfg.Section{}, fmt.Errorf("%w: %q", ErrStoreIDNotFound, storeid)
	}

	if section.Props["disable"] == "1" {
		if noErr {
			return section, nil
		}
		return sectioncfg.Section{}, fmt.Errorf("%w: %q", ErrDisabled, storeid)
	}

	if localNode != "" {
		nodes := splitNodes(section.Props["nodes"])
		if len(nodes) > 0 && !containsNode(nodes, localNode) {
			if noErr {
				return section, nil
			}
			return sectioncfg.Section{}, fmt.Errorf("%w: %q not enabled on %q", ErrNodeRestricted, storeid, localNode)
		}
	}

	return section, nil
}

func splitNodes(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func containsNode(nodes []string, node string) bool {
	for _, n := range nodes {
		if n == node {
			return true
		}
	}
	return false
}

func (m *Manager) driverFor(scfg sectioncfg.Section) (backend.Driver, error) {
	plugin, err := m.Registry.Lookup(scfg.Type)
	if err != nil {
		return nil, err
	}
	return plugin.Driver, nil
}

// ensureActive dispatches activate_storage, collapsing concurrent
// calls for the same storeid into one (spec.md §4.I: "idempotent").
func (m *Manager) ensureActive(ctx context.Context, driver backend.Driver, scfg sectioncfg.Section) error {
	_, err, _ := m.activateOnce.Do(scfg.StoreID, func() (interface{}, error) {
		return nil, driver.ActivateStorage(ctx, scfg)
	})
	return err
}

func (m *Manager) dispatch(ctx context.Context, scfg sectioncfg.Section, op string, fn func(backend.Driver) error) error {
	driver, err := m.driverFor(scfg)
	if err != nil {
		return err
	}
	if err := m.ensureActive(ctx, driver, scfg); err != nil {
		return fmt.Errorf("storagemgr: activating %q: %w", scfg.StoreID, err)
	}

	timer := metrics.NewBackendTimer(scfg.Type, op)
	if err := fn(driver); err != nil {
		timer.ObserveError()
		return err
	}
	timer.ObserveSuccess()
	return nil
}

// Path resolves volname (and optional snap) to a path/device/URL.
func (m *Manager) Path(ctx context.Context, scfg sectioncfg.Section, volname, snap string) (path, vmid string, vtype volid.VType, err error) {
	driver, err := m.driverFor(scfg)
	if err != nil {
		return "", "", "", err
	}
	if err := m.ensureActive(ctx, driver, scfg); err != nil {
		return "", "", "", fmt.Errorf("storagemgr: activating %q: %w", scfg.StoreID, err)
	}
	return driver.Path(ctx, scfg, volname, snap)
}

// AllocImage allocates a new volume under scfg.
func (m *Manager) AllocImage(ctx context.Context, scfg sectioncfg.Section, vmid string, format volid.Format, name string, sizeKB uint64) (volname string, err error) {
	err = m.dispatch(ctx, scfg, metrics.OpAllocImage, func(d backend.Driver) error {
		var e error
		volname, e = d.AllocImage(ctx, scfg, vmid, format, name, sizeKB)
		return e
	})
	return volname, err
}

// FreeImage removes a volume's backing store.
func (m *Manager) FreeImage(ctx context.Context, scfg sectioncfg.Section, volname string, isBase bool) error {
	return m.dispatch(ctx, scfg, metrics.OpFreeImage, func(d backend.Driver) error {
		return d.FreeImage(ctx, scfg, volname, isBase)
	})
}

// ListImages lists volumes under scfg, optionally filtered.
func (m *Manager) ListImages(ctx context.Context, scfg sectioncfg.Section, vmid string, volnameAllowList []string) (images []backend.ImageInfo, err error) {
	err = m.dispatch(ctx, scfg, metrics.OpListImages, func(d backend.Driver) error {
		var e error
		images, e = d.ListImages(ctx, scfg, vmid, volnameAllowList)
		return e
	})
	return images, err
}

// Status reports capacity for scfg and records it in the storage
// capacity gauges. Per spec.md §4.E, Status itself never returns an
// error from the driver's side (it degrades to Active=false); errors
// from this method come from resolving the driver or from
// activate_storage failing.
func (m *Manager) Status(ctx context.Context, scfg sectioncfg.Section) (info backend.StatusInfo, err error) {
	driver, err := m.driverFor(scfg)
	if err != nil {
		return backend.StatusInfo{}, err
	}
	if err := m.ensureActive(ctx, driver, scfg); err != nil {
		return backend.StatusInfo{}, fmt.Errorf("storagemgr: activating %q: %w", scfg.StoreID, err)
	}

	timer := metrics.NewBackendTimer(scfg.Type, metrics.OpStatus)
	info, err = driver.Status(ctx, scfg)
	if err != nil || !info.Active {
		timer.ObserveError()
	} else {
		timer.ObserveSuccess()
	}
	if err == nil {
		metrics.SetStorageCapacity(scfg.StoreID, info.TotalBytes, info.FreeBytes, info.UsedBytes)
	}
	return info, err
}

// CloneImage clones a base image.
func (m *Manager) CloneImage(ctx context.Context, scfg sectioncfg.Section, volname, vmid, snap string) (newVolname string, err error) {
	err = m.dispatch(ctx, scfg, metrics.OpCloneImage, func(d backend.Driver) error {
		var e error
		newVolname, e = d.CloneImage(ctx, scfg, volname, vmid, snap)
		return e
	})
	return newVolname, err
}

// CreateBase promotes a volume to a write-protected base image.
func (m *Manager) CreateBase(ctx context.Context, scfg sectioncfg.Section, volname string) (newVolname string, err error) {
	err = m.dispatch(ctx, scfg, metrics.OpCreateBase, func(d backend.Driver) error {
		var e error
		newVolname, e = d.CreateBase(ctx, scfg, volname)
		return e
	})
	return newVolname, err
}

// VolumeResize resizes a volume.
func (m *Manager) VolumeResize(ctx context.Context, scfg sectioncfg.Section, volname string, sizeBytes uint64) (newSizeBytes uint64, err error) {
	err = m.dispatch(ctx, scfg, metrics.OpVolumeResize, func(d backend.Driver) error {
		var e error
		newSizeBytes, e = d.VolumeResize(ctx, scfg, volname, sizeBytes)
		return e
	})
	return newSizeBytes, err
}

// VolumeSnapshot creates a snapshot.
func (m *Manager) VolumeSnapshot(ctx context.Context, scfg sectioncfg.Section, volname, snap string) error {
	return m.dispatch(ctx, scfg, metrics.OpVolumeSnapshot, func(d backend.Driver) error {
		return d.VolumeSnapshot(ctx, scfg, volname, snap)
	})
}

// VolumeSnapshotDelete deletes a snapshot.
func (m *Manager) VolumeSnapshotDelete(ctx context.Context, scfg sectioncfg.Section, volname, snap string) error {
	return m.dispatch(ctx, scfg, metrics.OpVolumeSnapshotDelete, func(d backend.Driver) error {
		return d.VolumeSnapshotDelete(ctx, scfg, volname, snap)
	})
}

// VolumeSnapshotRollback rolls a volume back to snap.
func (m *Manager) VolumeSnapshotRollback(ctx context.Context, scfg sectioncfg.Section, volname, snap string) error {
	return m.dispatch(ctx, scfg, metrics.OpVolumeSnapshotRollback, func(d backend.Driver) error {
		return d.VolumeSnapshotRollback(ctx, scfg, volname, snap)
	})
}

// VolumeRollbackIsPossible reports whether snap is the newest snapshot.
func (m *Manager) VolumeRollbackIsPossible(ctx context.Context, scfg sectioncfg.Section, volname, snap string) (bool, error) {
	driver, err := m.driverFor(scfg)
	if err != nil {
		return false, err
	}
	if err := m.ensureActive(ctx, driver, scfg); err != nil {
		return false, fmt.Errorf("storagemgr: activating %q: %w", scfg.StoreID, err)
	}
	return driver.VolumeRollbackIsPossible(ctx, scfg, volname, snap)
}

// VolumeHasFeature is deterministic and performs no I/O, so it
// dispatches directly without activating storage.
func (m *Manager) VolumeHasFeature(scfg sectioncfg.Section, feature backend.Feature, state backend.VolumeState, format volid.Format) (bool, error) {
	driver, err := m.driverFor(scfg)
	if err != nil {
		return false, err
	}
	return driver.VolumeHasFeature(feature, state, format), nil
}

// ParseVolname is deterministic and dispatches to the type's driver
// without activating storage.
func (m *Manager) ParseVolname(scfg sectioncfg.Section, volname string) (volid.ParsedVolName, error) {
	driver, err := m.driverFor(scfg)
	if err != nil {
		return volid.ParsedVolName{}, err
	}
	return driver.ParseVolname(volname)
}

// ActivateVolume and DeactivateVolume are per-volume idempotent hooks
// (spec.md §4.E); unlike activate_storage these are not deduplicated
// since they key on (storeid, volname), not storeid alone.
func (m *Manager) ActivateVolume(ctx context.Context, scfg sectioncfg.Section, volname string) error {
	return m.dispatch(ctx, scfg, "ActivateVolume", func(d backend.Driver) error {
		return d.ActivateVolume(ctx, scfg, volname)
	})
}

func (m *Manager) DeactivateVolume(ctx context.Context, scfg sectioncfg.Section, volname string) error {
	driver, err := m.driverFor(scfg)
	if err != nil {
		return err
	}
	return driver.DeactivateVolume(ctx, scfg, volname)
}

// DeactivateStorage tears a storage entry down without going through
// the activation dedup path; no resolve/dispatch path calls it, so it
// runs only when a caller invokes it directly.
func (m *Manager) DeactivateStorage(ctx context.Context, scfg sectioncfg.Section) error {
	driver, err := m.driverFor(scfg)
	if err != nil {
		return err
	}
	return driver.DeactivateStorage(ctx, scfg)
}

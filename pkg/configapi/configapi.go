// Package configapi implements the configuration API operations from
// spec.md §4.D: list, read, create, update, delete against the
// cluster's storage.cfg. Create, update and delete each run inside a
// cluster lock and persist all-or-nothing; list and read take no lock.
package configapi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/nimbusvc/vstorage/internal/clusterfs"
	"github.com/nimbusvc/vstorage/pkg/backend"
	"github.com/nimbusvc/vstorage/pkg/clusterlock"
	"github.com/nimbusvc/vstorage/pkg/metrics"
	"github.com/nimbusvc/vstorage/pkg/registry"
	"github.com/nimbusvc/vstorage/pkg/sectioncfg"
)

var (
	ErrDigestMismatch  = errors.New("configapi: digest does not match current config")
	ErrStoreIDExists   = errors.New("configapi: storeid already exists")
	ErrStoreIDNotFound = errors.New("configapi: storeid not found")
	ErrLocalImmutable  = errors.New("configapi: the local entry cannot be deleted")
	ErrTypeImmutable   = errors.New("configapi: type cannot be changed after creation")
	ErrBaseInUse       = errors.New("configapi: storeid is referenced as a base by another entry")
	ErrBaseNotFound    = errors.New("configapi: base storeid not found")
	ErrBaseNotISCSI    = errors.New("configapi: base storage must be an iSCSI direct storage")
)

const defaultLockTimeout = 10 * time.Second

// lockName is the single cluster lock every config mutation takes;
// storage.cfg is one cluster-wide file, not one lock per storeid
// (spec.md §4.B, §4.H).
const lockName = "storage.cfg"

// API implements spec.md §4.D against a clusterfs.FS-backed config
// file, a plugin Registry for validation and driver dispatch, and a
// pair of Lockers for the node-local/cluster-wide halves of
// with_config_lock.
type API struct {
	FS         clusterfs.FS
	ConfigPath string
	Registry   *registry.Registry

	Local   clusterlock.Locker
	Cluster clusterlock.Locker

	// Shared selects which locker with_config_lock uses: false (the
	// default) for a single node, true for a clustered deployment
	// where storage.cfg is a cluster-wide resource (spec.md §4.H).
	Shared bool

	LockTimeout time.Duration
}

// New constructs an API with the canonical config path and a
// 10-second lock timeout.
func New(fs clusterfs.FS, reg *registry.Registry, local, cluster clusterlock.Locker) *API {
	return &API{
		FS:          fs,
		ConfigPath:  clusterfs.ConfigPath,
		Registry:    reg,
		Local:       local,
		Cluster:     cluster,
		LockTimeout: defaultLockTimeout,
	}
}

func (a *API) loadConfig(ctx context.Context) (sectioncfg.Config, error) {
	data, err := a.FS.ReadFile(ctx, a.ConfigPath)
	if err != nil {
		if errors.Is(err, clusterfs.ErrNotExist) {
			return sectioncfg.Parse(nil)
		}
		return sectioncfg.Config{}, fmt.Errorf("configapi: loading config: %w", err)
	}
	return sectioncfg.Parse(data)
}

func (a *API) persist(ctx context.Context, cfg sectioncfg.Config) error {
	data, _ := sectioncfg.Write(cfg)
	if err := a.FS.AtomicWrite(ctx, a.ConfigPath, data, 0o640); err != nil {
		return fmt.Errorf("configapi: persisting config: %w", err)
	}
	return nil
}

func (a *API) withLock(ctx context.Context, fn func() error) error {
	return clusterlock.WithConfigLock(ctx, a.Local, a.Cluster, lockName, a.Shared, a.LockTimeout, fn)
}

// List returns every entry the caller is asked about, optionally
// filtered by type, plus the digest of the config they were read
// from. Reads never take the cluster lock (spec.md §3: "last-write-wins
// consistency is acceptable because updates use digest preconditions").
func (a *API) List(ctx context.Context, typeFilter string) ([]sectioncfg.Section, sectioncfg.Digest, error) {
	timer := metrics.NewConfigTimer(metrics.OpConfigList)
	cfg, err := a.loadConfig(ctx)
	if err != nil {
		timer.ObserveError()
		return nil, "", err
	}
	timer.ObserveSuccess()

	if typeFilter == "" {
		return cfg.Sections, cfg.Digest, nil
	}
	filtered := make([]sectioncfg.Section, 0, len(cfg.Sections))
	for _, s := range cfg.Sections {
		if s.Type == typeFilter {
			filtered = append(filtered, s)
		}
	}
	return filtered, cfg.Digest, nil
}

// Read returns the single entry for storeid plus the digest it was
// read under.
func (a *API) Read(ctx context.Context, storeid string) (sectioncfg.Section, sectioncfg.Digest, error) {
	timer := metrics.NewConfigTimer(metrics.OpConfigRead)
	cfg, err := a.loadConfig(ctx)
	if err != nil {
		timer.ObserveError()
		return sectioncfg.Section{}, "", err
	}

	for _, s := range cfg.Sections {
		if s.StoreID == storeid {
			timer.ObserveSuccess()
			return s, cfg.Digest, nil
		}
	}
	timer.ObserveError()
	return sectioncfg.Section{}, "", fmt.Errorf("%w: %q", ErrStoreIDNotFound, storeid)
}

func findSection(cfg sectioncfg.Config, storeid string) (sectioncfg.Section, int) {
	for i, s := range cfg.Sections {
		if s.StoreID == storeid {
			return s, i
		}
	}
	return sectioncfg.Section{}, -1
}

// Create implements spec.md §4.D's create(params): validate against
// the plugin's createSchema, reject duplicate storeid, resolve and
// activate an LVM base if declared, attempt local activation if
// enabled, and persist only if every prior step succeeded.
func (a *API) Create(ctx context.Context, params map[string]string) error {
	timer := metrics.NewConfigTimer(metrics.OpConfigCreate)
	err := a.withLock(ctx, func() error { return a.create(ctx, params) })
	if err != nil {
		timer.ObserveError()
		return err
	}
	timer.ObserveSuccess()
	return nil
}

func (a *API) create(ctx context.Context, params map[string]string) error {
	typeName := params["type"]
	storeid := params["storage"]

	plugin, err := a.Registry.Lookup(typeName)
	if err != nil {
		return err
	}
	if err := plugin.ValidateCreate(params); err != nil {
		return err
	}

	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}
	if _, idx := findSection(cfg, storeid); idx >= 0 {
		return fmt.Errorf("%w: %q", ErrStoreIDExists, storeid)
	}

	section := sectioncfg.Section{Type: typeName, StoreID: storeid, Props: map[string]string{}}
	for k, v := range params {
		if k == "type" || k == "storage" {
			continue
		}
		section.Props[k] = v
	}

	if base, ok := params["base"]; ok && base != "" && isLVMType(typeName) {
		baseSection, idx := findSection(cfg, base)
		if idx < 0 {
			return fmt.Errorf("%w: %q", ErrBaseNotFound, base)
		}
		baseType := baseSection.Type
		if !isISCSIType(baseType) {
			return fmt.Errorf("%w: %q is type %q", ErrBaseNotISCSI, base, baseType)
		}
		basePlugin, err := a.Registry.Lookup(baseType)
		if err != nil {
			return err
		}
		if err := basePlugin.Driver.ActivateStorage(ctx, baseSection); err != nil {
			return fmt.Errorf("configapi: activating base storage %q: %w", base, err)
		}

		resolver, ok := basePlugin.Driver.(backend.BaseDeviceResolver)
		if !ok {
			return fmt.Errorf("configapi: base storage %q's driver cannot resolve a backing device", base)
		}
		creator, ok := plugin.Driver.(backend.VGCreator)
		if !ok {
			return fmt.Errorf("configapi: %q's driver cannot create a volume group", typeName)
		}
		if err := creator.CreateVG(ctx, section, resolver.BaseDevicePath(baseSection)); err != nil {
			return fmt.Errorf("configapi: creating volume group for %q: %w", storeid, err)
		}
	}

	if !isDisabled(section) {
		if err := plugin.Driver.ActivateStorage(ctx, section); err != nil {
			return fmt.Errorf("configapi: activating %q: %w", storeid, err)
		}
	}

	cfg.Sections = append(cfg.Sections, section)
	if err := a.persist(ctx, cfg); err != nil {
		return err
	}
	klog.Infof("configapi: created storage %q (type %q)", storeid, typeName)
	return nil
}

// isISCSIType reports whether typeName names an iSCSI-backed storage,
// the LVM base precondition from spec.md §4.D/§3.
func isISCSIType(typeName string) bool {
	return typeName == "iscsidirect"
}

// isLVMType reports whether typeName is one of the block-device-per-volume
// LVM storage types, the only types spec.md §4.D's base resolution
// applies to.
func isLVMType(typeName string) bool {
	return typeName == "lvm" || typeName == "lvmthin"
}

func isDisabled(s sectioncfg.Section) bool {
	return s.Props["disable"] == "1"
}

// Update implements spec.md §4.D's update(storeid, params, digest):
// digest precondition, type is immutable, and matching keys merge
// key-wise with last-write-wins (per spec.md §9's resolution of the
// suspicious iteration shape in the distilled source).
func (a *API) Update(ctx context.Context, storeid string, params map[string]string, digest sectioncfg.Digest) error {
	timer := metrics.NewConfigTimer(metrics.OpConfigUpdate)
	err := a.withLock(ctx, func() error { return a.update(ctx, storeid, params, digest) })
	if err != nil {
		timer.ObserveError()
		return err
	}
	timer.ObserveSuccess()
	return nil
}

func (a *API) update(ctx context.Context, storeid string, params map[string]string, digest sectioncfg.Digest) error {
	if _, present := params["type"]; present {
		return fmt.Errorf("%w: %q", ErrTypeImmutable, storeid)
	}

	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}
	if cfg.Digest != digest {
		return fmt.Errorf("%w: storeid %q", ErrDigestMismatch, storeid)
	}

	existing, idx := findSection(cfg, storeid)
	if idx < 0 {
		return fmt.Errorf("%w: %q", ErrStoreIDNotFound, storeid)
	}

	plugin, err := a.Registry.Lookup(existing.Type)
	if err != nil {
		return err
	}
	if err := plugin.ValidateUpdate(params); err != nil {
		return err
	}

	for k, v := range params {
		if k == "digest" {
			continue
		}
		existing.Props[k] = v
	}
	cfg.Sections[idx] = existing

	if err := a.persist(ctx, cfg); err != nil {
		return err
	}
	klog.Infof("configapi: updated storage %q", storeid)
	return nil
}

// Delete implements spec.md §4.D's delete(storeid): rejects deleting
// "local", rejects deleting an entry still referenced as another
// entry's base, otherwise removes and persists.
func (a *API) Delete(ctx context.Context, storeid string) error {
	timer := metrics.NewConfigTimer(metrics.OpConfigDelete)
	err := a.withLock(ctx, func() error { return a.del(ctx, storeid) })
	if err != nil {
		timer.ObserveError()
		return err
	}
	timer.ObserveSuccess()
	metrics.DeleteStorageCapacity(storeid)
	return nil
}

func (a *API) del(ctx context.Context, storeid string) error {
	if storeid == sectioncfg.LocalStoreID {
		return fmt.Errorf("%w: %q", ErrLocalImmutable, storeid)
	}

	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}

	_, idx := findSection(cfg, storeid)
	if idx < 0 {
		return fmt.Errorf("%w: %q", ErrStoreIDNotFound, storeid)
	}

	for _, s := range cfg.Sections {
		if s.StoreID != storeid && s.Props["base"] == storeid {
			return fmt.Errorf("%w: %q is the base of %q", ErrBaseInUse, storeid, s.StoreID)
		}
	}

	cfg.Sections = append(cfg.Sections[:idx], cfg.Sections[idx+1:]...)
	if err := a.persist(ctx, cfg); err != nil {
		return err
	}
	klog.Infof("configapi: deleted storage %q", storeid)
	return nil
}

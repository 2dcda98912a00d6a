// Package zfsdriver implements the ZFS pool backend (spec.md §4.G):
// volumes are zvols or filesystem datasets under scfg.pool, managed
// through the zfs/zpool CLIs with bounded timeouts.
package zfsdriver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/nimbusvc/vstorage/pkg/backend"
	"github.com/nimbusvc/vstorage/pkg/retry"
	"github.com/nimbusvc/vstorage/pkg/runner"
	"github.com/nimbusvc/vstorage/pkg/sectioncfg"
	"github.com/nimbusvc/vstorage/pkg/volid"
)

// TypeName is the plugin type_name this driver registers under.
const TypeName = "zfspool"

const (
	cmdTimeout  = 5 * time.Second
	listTimeout = 10 * time.Second
	udevTimeout = 10 * time.Second
)

const maxDiskIndex = 99

var (
	ErrPoolMissing    = errors.New("zfsdriver: pool not found and import failed")
	ErrCloneNotBase   = errors.New("zfsdriver: clone_image source is not a base image")
	ErrNoFreeDiskname = errors.New("zfsdriver: no free disk name available")
	ErrNotNewest      = errors.New("zfsdriver: rollback refused, a more recent snapshot exists")
)

// Driver is the ZFS pool backend.
type Driver struct {
	Run runner.Runner
}

// New constructs a Driver using the given command runner.
func New(run runner.Runner) *Driver {
	return &Driver{Run: run}
}

func (d *Driver) TypeName() string { return TypeName }

func (d *Driver) ParseVolname(volname string) (volid.ParsedVolName, error) {
	return volid.ParseZFSVolName(volname)
}

func (d *Driver) run(ctx context.Context, timeout time.Duration, argv ...string) (runner.Result, error) {
	return d.Run.Run(ctx, runner.Request{Argv: argv, Timeout: timeout})
}

// ActivateStorage runs "zpool list"; if the pool root is absent, it
// attempts "zpool import -d /dev/disk/by-id/ -a" (spec.md §4.G).
func (d *Driver) ActivateStorage(ctx context.Context, scfg sectioncfg.Section) error {
	poolRoot := strings.SplitN(scfg.Props["pool"], "/", 2)[0]

	res, err := d.run(ctx, cmdTimeout, "zpool", "list", "-o", "name", "-H")
	if err == nil {
		for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
			if strings.TrimSpace(line) == poolRoot {
				return nil
			}
		}
	}

	if _, err := d.run(ctx, cmdTimeout, "zpool", "import", "-d", "/dev/disk/by-id/", "-a"); err != nil {
		return fmt.Errorf("%w: pool=%s: %w", ErrPoolMissing, poolRoot, err)
	}
	return nil
}

func (d *Driver) DeactivateStorage(context.Context, sectioncfg.Section) error { return nil }
func (d *Driver) ActivateVolume(context.Context, sectioncfg.Section, string) error   { return nil }
func (d *Driver) DeactivateVolume(context.Context, sectioncfg.Section, string) error { return nil }

// Path resolves raw volumes to /dev/zvol/<pool>/<name>[@snap] and
// filesystem datasets (subvol) to /<pool>/<name>[/.zfs/snapshot/<snap>]
// (spec.md §4.G).
func (d *Driver) Path(_ context.Context, scfg sectioncfg.Section, volname, snap string) (string, string, volid.VType, error) {
	p, err := volid.ParseZFSVolName(volname)
	if err != nil {
		return "", "", "", err
	}
	pool := scfg.Props["pool"]
	full := volid.FormatZFSVolName(p)

	if p.VType == volid.VTypeRootdir {
		path := "/" + pool + "/" + full
		if snap != "" {
			path = path + "/.zfs/snapshot/" + snap
		}
		return path, p.VMID, p.VType, nil
	}

	path := "/dev/zvol/" + pool + "/" + full
	if snap != "" {
		path = path + "@" + snap
	}
	return path, p.VMID, p.VType, nil
}

func findFreeZFSName(existing map[int]struct{}, prefix, vmid string) (string, error) {
	for n := 1; n <= maxDiskIndex; n++ {
		if _, ok := existing[n]; !ok {
			return fmt.Sprintf("%s-%s-disk-%d", prefix, vmid, n), nil
		}
	}
	return "", fmt.Errorf("%w: vmid=%s", ErrNoFreeDiskname, vmid)
}

func (d *Driver) usedDiskIndices(ctx context.Context, scfg sectioncfg.Section, vmid, prefix string) (map[int]struct{}, error) {
	images, err := d.ListImages(ctx, scfg, vmid, nil)
	if err != nil {
		return nil, err
	}
	used := map[int]struct{}{}
	wantPrefix := prefix + "-" + vmid + "-disk-"
	for _, img := range images {
		name := img.VolID.VolName
		if !strings.HasPrefix(name, wantPrefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(name, wantPrefix))
		if err == nil {
			used[n] = struct{}{}
		}
	}
	return used, nil
}

// AllocImage creates a raw zvol ("-V") or a subvol filesystem dataset
// ("acltype=posixacl", "refquota"), per spec.md §4.G.
func (d *Driver) AllocImage(ctx context.Context, scfg sectioncfg.Section, vmid string, format volid.Format, name string, sizeKB uint64) (string, error) {
	pool := scfg.Props["pool"]
	isSubvol := format == volid.FormatNone

	prefix := "vm"
	if isSubvol {
		prefix = "subvol"
	}

	if name == "" {
		used, err := d.usedDiskIndices(ctx, scfg, vmid, prefix)
		if err != nil {
			return "", err
		}
		name, err = findFreeZFSName(used, prefix, vmid)
		if err != nil {
			return "", err
		}
	}

	full := pool + "/" + name
	if isSubvol {
		argv := []string{"zfs", "create", "-o", "acltype=posixacl", "-o", "xattr=sa",
			"-o", fmt.Sprintf("refquota=%dk", sizeKB), full}
		if _, err := d.run(ctx, cmdTimeout, argv...); err != nil {
			return "", fmt.Errorf("zfsdriver: alloc_image: %w", err)
		}
		return name, nil
	}

	argv := []string{"zfs", "create", "-V", fmt.Sprintf("%dk", sizeKB), full}
	if _, err := d.run(ctx, cmdTimeout, argv...); err != nil {
		return "", fmt.Errorf("zfsdriver: alloc_image: %w", err)
	}
	if _, err := d.run(ctx, udevTimeout, "udevadm", "trigger", "--subsystem-match=block"); err != nil {
		klog.Warningf("zfsdriver: udevadm trigger failed (best effort): %v", err)
	}
	devPath := "/dev/zvol/" + pool + "/" + name
	if _, err := d.run(ctx, udevTimeout, "udevadm", "settle", "--timeout=10", "--exit-if-exists="+devPath); err != nil {
		klog.Warningf("zfsdriver: udevadm settle failed (best effort): %v", err)
	}
	return name, nil
}

// FreeImage runs "zfs destroy -r", retrying on "dataset is busy" up to
// 6 attempts (spec.md §4.G, §7.4); a "does not exist" error is treated
// as success.
func (d *Driver) FreeImage(ctx context.Context, scfg sectioncfg.Section, volname string, _ bool) error {
	pool := scfg.Props["pool"]
	full := pool + "/" + volname

	cfg := retry.ZFSBusyConfig("zfs destroy " + full)
	err := retry.WithRetryNoResult(ctx, cfg, func() error {
		_, err := d.run(ctx, cmdTimeout, "zfs", "destroy", "-r", full)
		return err
	})
	if err != nil {
		if strings.Contains(err.Error(), "dataset does not exist") {
			return nil
		}
		return fmt.Errorf("zfsdriver: free_image: %w", err)
	}
	return nil
}

// ListImages parses "zfs list -o name,volsize,origin,type,refquota -t
// volume,filesystem -Hr", filtering to names under scfg.pool matching
// (vm|base|subvol)-<vmid>-<suffix> (spec.md §4.G).
func (d *Driver) ListImages(ctx context.Context, scfg sectioncfg.Section, vmid string, vollist []string) ([]backend.ImageInfo, error) {
	pool := scfg.Props["pool"]
	res, err := d.run(ctx, listTimeout, "zfs", "list", "-o", "name,volsize,origin,type,refquota", "-t", "volume,filesystem", "-Hr", pool)
	if err != nil {
		return nil, fmt.Errorf("zfsdriver: list_images: %w", err)
	}

	allow := map[string]struct{}{}
	for _, v := range vollist {
		allow[v] = struct{}{}
	}

	var out []backend.ImageInfo
	prefix := pool + "/"
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 5 {
			continue
		}
		name, volsize, origin, _, refquota := fields[0], fields[1], fields[2], fields[3], fields[4]
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		leaf := strings.TrimPrefix(name, prefix)
		p, err := volid.ParseZFSVolName(leaf)
		if err != nil {
			continue
		}
		if vmid != "" && p.VMID != vmid {
			continue
		}
		if len(allow) > 0 {
			if _, ok := allow[leaf]; !ok {
				continue
			}
		}

		size := parseZFSSize(volsize)
		if size == 0 {
			size = parseZFSSize(refquota)
		}
		parent := ""
		if origin != "" && origin != "-" {
			parent = originToVolname(origin, pool)
		}

		out = append(out, backend.ImageInfo{
			VolID:  volid.VolumeID{StoreID: scfg.StoreID, VolName: leaf},
			Size:   size,
			VMID:   p.VMID,
			Parent: parent,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VolID.VolName < out[j].VolID.VolName })
	return out, nil
}

func parseZFSSize(s string) uint64 {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// originToVolname strips the pool prefix and "@__base__" suffix from a
// zfs "origin" field, e.g. "tank/base-100-disk-1@__base__" -> "base-100-disk-1".
func originToVolname(origin, pool string) string {
	name := strings.TrimPrefix(origin, pool+"/")
	if idx := strings.IndexByte(name, '@'); idx >= 0 {
		name = name[:idx]
	}
	return name
}

// Status reports pool usage via "zfs get -Hp -o value available,used";
// on any parse failure it degrades to Active=false (spec.md §4.G).
func (d *Driver) Status(ctx context.Context, scfg sectioncfg.Section) (backend.StatusInfo, error) {
	pool := scfg.Props["pool"]
	res, err := d.run(ctx, cmdTimeout, "zfs", "get", "-Hp", "-o", "value", "available,used", pool)
	if err != nil {
		klog.Warningf("zfsdriver: status probe for %q failed: %v", scfg.StoreID, err)
		return backend.StatusInfo{Active: false}, nil
	}
	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	if len(lines) != 2 {
		klog.Warningf("zfsdriver: unexpected zfs get output for %q: %q", scfg.StoreID, res.Stdout)
		return backend.StatusInfo{Active: false}, nil
	}
	avail, err1 := strconv.ParseUint(strings.TrimSpace(lines[0]), 10, 64)
	used, err2 := strconv.ParseUint(strings.TrimSpace(lines[1]), 10, 64)
	if err1 != nil || err2 != nil {
		return backend.StatusInfo{Active: false}, nil
	}
	return backend.StatusInfo{TotalBytes: avail + used, FreeBytes: avail, UsedBytes: used, Active: true}, nil
}

// CloneImage clones "<pool>/<base>@__base__" into a new name; only
// valid on a base volume (spec.md §4.G).
func (d *Driver) CloneImage(ctx context.Context, scfg sectioncfg.Section, volname, vmid, _ string) (string, error) {
	p, err := volid.ParseZFSVolName(volname)
	if err != nil {
		return "", err
	}
	if !p.IsBase {
		return "", fmt.Errorf("%w: %q", ErrCloneNotBase, volname)
	}
	pool := scfg.Props["pool"]

	prefix := "vm"
	if p.VType == volid.VTypeRootdir {
		prefix = "subvol"
	}
	used, err := d.usedDiskIndices(ctx, scfg, vmid, prefix)
	if err != nil {
		return "", err
	}
	name, err := findFreeZFSName(used, prefix, vmid)
	if err != nil {
		return "", err
	}

	argv := []string{"zfs", "clone", pool + "/" + volname + "@__base__", pool + "/" + name}
	if _, err := d.run(ctx, cmdTimeout, argv...); err != nil {
		return "", fmt.Errorf("zfsdriver: clone_image: %w", err)
	}
	return volname + "/" + name, nil
}

// CreateBase renames vm-* to base-* then snapshots @__base__ (spec.md §4.G).
func (d *Driver) CreateBase(ctx context.Context, scfg sectioncfg.Section, volname string) (string, error) {
	p, err := volid.ParseZFSVolName(volname)
	if err != nil {
		return "", err
	}
	pool := scfg.Props["pool"]
	oldPrefix := "vm-"
	if p.VType == volid.VTypeRootdir {
		oldPrefix = "subvol-"
	}
	newName := strings.Replace(volname, oldPrefix, "base-", 1)

	if _, err := d.run(ctx, cmdTimeout, "zfs", "rename", pool+"/"+volname, pool+"/"+newName); err != nil {
		return "", fmt.Errorf("zfsdriver: create_base: rename: %w", err)
	}
	if _, err := d.run(ctx, cmdTimeout, "zfs", "snapshot", pool+"/"+newName+"@__base__"); err != nil {
		return "", fmt.Errorf("zfsdriver: create_base: snapshot: %w", err)
	}
	return newName, nil
}

// VolumeResize sets the zvol's size with "zfs set volsize=<bytes>" on
// <pool>/<volname>.
func (d *Driver) VolumeResize(ctx context.Context, scfg sectioncfg.Section, volname string, sizeBytes uint64) (uint64, error) {
	pool := scfg.Props["pool"]
	full := pool + "/" + volname
	if _, err := d.run(ctx, cmdTimeout, "zfs", "set", fmt.Sprintf("volsize=%d", sizeBytes), full); err != nil {
		return 0, fmt.Errorf("zfsdriver: volume_resize: %w", err)
	}
	return sizeBytes, nil
}

func (d *Driver) VolumeSnapshot(ctx context.Context, scfg sectioncfg.Section, volname, snap string) error {
	pool := scfg.Props["pool"]
	if _, err := d.run(ctx, cmdTimeout, "zfs", "snapshot", pool+"/"+volname+"@"+snap); err != nil {
		return fmt.Errorf("zfsdriver: volume_snapshot: %w", err)
	}
	return nil
}

func (d *Driver) VolumeSnapshotDelete(ctx context.Context, scfg sectioncfg.Section, volname, snap string) error {
	pool := scfg.Props["pool"]
	if _, err := d.run(ctx, cmdTimeout, "zfs", "destroy", pool+"/"+volname+"@"+snap); err != nil {
		return fmt.Errorf("zfsdriver: volume_snapshot_delete: %w", err)
	}
	return nil
}

// VolumeSnapshotRollback runs "zfs rollback" after verifying snap is
// the newest snapshot (spec.md §4.G).
func (d *Driver) VolumeSnapshotRollback(ctx context.Context, scfg sectioncfg.Section, volname, snap string) error {
	ok, err := d.VolumeRollbackIsPossible(ctx, scfg, volname, snap)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: volume=%s snap=%s", ErrNotNewest, volname, snap)
	}
	pool := scfg.Props["pool"]
	if _, err := d.run(ctx, cmdTimeout, "zfs", "rollback", pool+"/"+volname+"@"+snap); err != nil {
		return fmt.Errorf("zfsdriver: volume_snapshot_rollback: %w", err)
	}
	return nil
}

// VolumeRollbackIsPossible lists snapshots ordered by creation time and
// checks that snap is the last (newest) entry (spec.md §4.G).
func (d *Driver) VolumeRollbackIsPossible(ctx context.Context, scfg sectioncfg.Section, volname, snap string) (bool, error) {
	pool := scfg.Props["pool"]
	res, err := d.run(ctx, listTimeout, "zfs", "list", "-t", "snapshot", "-o", "name", "-s", "creation", "-Hr", pool+"/"+volname)
	if err != nil {
		return false, fmt.Errorf("zfsdriver: listing snapshots: %w", err)
	}
	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return false, nil
	}
	newest := lines[len(lines)-1]
	want := pool + "/" + volname + "@" + snap
	return newest == want, nil
}

// VolumeHasFeature: zvols and subvols both support snapshot/clone via
// ZFS's native mechanism regardless of "format" (ZFS has no analogous
// per-file format); format is accepted only to satisfy the Driver
// interface.
func (d *Driver) VolumeHasFeature(feature backend.Feature, state backend.VolumeState, _ volid.Format) bool {
	switch feature {
	case backend.FeatureSnapshot:
		return true
	case backend.FeatureClone:
		return state == backend.StateBase
	case backend.FeatureTemplate:
		return state == backend.StateBase
	case backend.FeatureCopy:
		return true
	default:
		return false
	}
}

var _ backend.Driver = (*Driver)(nil)

// Package dirdriver implements the POSIX filesystem backend (spec.md
// §4.F): storage rooted at scfg.path, disk images managed through
// qemu-img, laid out as images/<vmid>/, private/<vmid>, template/iso,
// template/cache, and dump.
package dirdriver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/nimbusvc/vstorage/pkg/backend"
	"github.com/nimbusvc/vstorage/pkg/runner"
	"github.com/nimbusvc/vstorage/pkg/sectioncfg"
	"github.com/nimbusvc/vstorage/pkg/volid"
)

// TypeName is the plugin type_name this driver registers under.
const TypeName = "dir"

var (
	ErrPathMissing       = errors.New("dirdriver: storage path does not exist")
	ErrFormatMismatch    = errors.New("dirdriver: requested format does not match the volume's extension")
	ErrNoFreeDiskname    = errors.New("dirdriver: no free disk name available (scanned up to the bound)")
	ErrCloneNotBase      = errors.New("dirdriver: clone_image source is not a base image")
	ErrCreateBaseNotOwn  = errors.New("dirdriver: create_base requires an owned vm-* image, not a linked clone")
	ErrUnsupportedFormat = errors.New("dirdriver: format does not support this operation")
	ErrNotNewest         = errors.New("dirdriver: rollback refused, a more recent snapshot exists")
)

const maxDiskIndex = 99

// Driver is the dir/file backend (spec.md §4.F).
type Driver struct {
	Run runner.Runner
}

// New constructs a Driver using the given command runner.
func New(run runner.Runner) *Driver {
	return &Driver{Run: run}
}

func (d *Driver) TypeName() string { return TypeName }

func (d *Driver) ParseVolname(volname string) (volid.ParsedVolName, error) {
	return volid.ParseFileVolName(volname)
}

// ActivateStorage requires scfg.path to exist and creates the subdirs
// for every declared content type, plus dump when rootdir is declared
// (spec.md §4.F).
func (d *Driver) ActivateStorage(_ context.Context, scfg sectioncfg.Section) error {
	path := scfg.Props["path"]
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %q", ErrPathMissing, path)
	}

	content := scfg.Props["content"]
	needed := map[string]string{}
	for _, c := range strings.Split(content, ",") {
		switch strings.TrimSpace(c) {
		case "images":
			needed["images"] = "images"
		case "iso":
			needed["iso"] = filepath.Join("template", "iso")
		case "vztmpl":
			needed["vztmpl"] = filepath.Join("template", "cache")
		case "backup":
			needed["backup"] = "dump"
		case "rootdir":
			needed["rootdir"] = "private"
			needed["dump"] = "dump"
		}
	}
	for _, sub := range needed {
		full := filepath.Join(path, sub)
		if err := os.MkdirAll(full, 0o750); err != nil {
			return fmt.Errorf("dirdriver: creating %q: %w", full, err)
		}
	}
	return nil
}

func (d *Driver) DeactivateStorage(context.Context, sectioncfg.Section) error { return nil }

func (d *Driver) ActivateVolume(context.Context, sectioncfg.Section, string) error   { return nil }
func (d *Driver) DeactivateVolume(context.Context, sectioncfg.Section, string) error { return nil }

// Path resolves a volname to the file path under scfg.path, per the
// layout in spec.md §4.F.
func (d *Driver) Path(_ context.Context, scfg sectioncfg.Section, volname, snap string) (string, string, volid.VType, error) {
	p, err := volid.ParseFileVolName(volname)
	if err != nil {
		return "", "", "", err
	}
	root := scfg.Props["path"]

	var rel string
	switch p.VType {
	case volid.VTypeISO:
		rel = filepath.Join("template", "iso", p.Name)
	case volid.VTypeVZTmpl:
		rel = filepath.Join("template", "cache", p.Name)
	case volid.VTypeBackup:
		rel = filepath.Join("dump", p.Name)
	case volid.VTypeRootdir:
		rel = filepath.Join("private", p.VMID)
	default:
		// linked clones live in their own vmid's image dir too; the
		// base is only referenced as the qcow2 backing file.
		rel = filepath.Join("images", p.VMID, p.Name)
	}
	full := filepath.Join(root, rel)
	if snap != "" {
		full = full + "@" + snap
	}
	return full, p.VMID, p.VType, nil
}

// findFreeDiskname scans imgdir for (vm|base)-<vmid>-disk-N.<anyext>
// and returns the smallest N >= 1 not present, bounded at
// maxDiskIndex (spec.md §4.F).
func findFreeDiskname(imgdir, vmid string, format volid.Format) (string, error) {
	entries, err := os.ReadDir(imgdir)
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("dirdriver: scanning %q: %w", imgdir, err)
	}

	used := map[int]struct{}{}
	prefix := "vm-" + vmid + "-disk-"
	basePrefix := "base-" + vmid + "-disk-"
	for _, e := range entries {
		name := e.Name()
		var rest string
		switch {
		case strings.HasPrefix(name, prefix):
			rest = strings.TrimPrefix(name, prefix)
		case strings.HasPrefix(name, basePrefix):
			rest = strings.TrimPrefix(name, basePrefix)
		default:
			continue
		}
		dot := strings.IndexByte(rest, '.')
		if dot < 0 {
			continue
		}
		n, err := strconv.Atoi(rest[:dot])
		if err != nil {
			continue
		}
		used[n] = struct{}{}
	}

	for n := 1; n <= maxDiskIndex; n++ {
		if _, ok := used[n]; !ok {
			return fmt.Sprintf("vm-%s-disk-%d.%s", vmid, n, format.Extension()), nil
		}
	}
	return "", fmt.Errorf("%w: vmid=%s", ErrNoFreeDiskname, vmid)
}

// AllocImage runs qemu-img create for a new owned image (spec.md §4.F).
func (d *Driver) AllocImage(ctx context.Context, scfg sectioncfg.Section, vmid string, format volid.Format, name string, sizeKB uint64) (string, error) {
	root := scfg.Props["path"]
	imgdir := filepath.Join(root, "images", vmid)
	if err := os.MkdirAll(imgdir, 0o750); err != nil {
		return "", fmt.Errorf("dirdriver: creating %q: %w", imgdir, err)
	}

	if name == "" {
		var err error
		name, err = findFreeDiskname(imgdir, vmid, format)
		if err != nil {
			return "", err
		}
	} else if ext := filepath.Ext(name); strings.TrimPrefix(ext, ".") != format.Extension() {
		return "", fmt.Errorf("%w: name=%q format=%s", ErrFormatMismatch, name, format)
	}

	full := filepath.Join(imgdir, name)
	argv := []string{"qemu-img", "create"}
	if format == volid.FormatQcow2 {
		argv = append(argv, "-o", "preallocation=metadata")
	}
	argv = append(argv, "-f", string(format), full, fmt.Sprintf("%dK", sizeKB))

	if _, err := d.Run.Run(ctx, runner.Request{Argv: argv}); err != nil {
		return "", fmt.Errorf("dirdriver: alloc_image: %w", err)
	}
	return vmid + "/" + name, nil
}

// FreeImage removes the backing file. Base images must already have
// write protection cleared by the caller (spec.md §4.E).
func (d *Driver) FreeImage(_ context.Context, scfg sectioncfg.Section, volname string, isBase bool) error {
	full, _, _, err := d.Path(context.Background(), scfg, volname, "")
	if err != nil {
		return err
	}
	if isBase {
		if err := os.Chmod(full, 0o644); err != nil && !os.IsNotExist(err) {
			klog.Warningf("dirdriver: clearing write protection on %q before removal: %v", full, err)
		}
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("dirdriver: free_image: %w", err)
	}
	return nil
}

// ListImages enumerates images/<vmid>/* (or every vmid directory when
// vmid is empty), optionally filtered to vollist.
func (d *Driver) ListImages(ctx context.Context, scfg sectioncfg.Section, vmid string, vollist []string) ([]backend.ImageInfo, error) {
	root := filepath.Join(scfg.Props["path"], "images")
	var vmids []string
	if vmid != "" {
		vmids = []string{vmid}
	} else {
		entries, err := os.ReadDir(root)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("dirdriver: listing %q: %w", root, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				vmids = append(vmids, e.Name())
			}
		}
	}

	allow := map[string]struct{}{}
	for _, v := range vollist {
		allow[v] = struct{}{}
	}

	var out []backend.ImageInfo
	for _, id := range vmids {
		dir := filepath.Join(root, id)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("dirdriver: listing %q: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			volname := id + "/" + e.Name()
			if len(allow) > 0 {
				if _, ok := allow[volname]; !ok {
					continue
				}
			}
			p, err := volid.ParseFileVolName(volname)
			if err != nil {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			out = append(out, backend.ImageInfo{
				VolID:  volid.VolumeID{StoreID: scfg.StoreID, VolName: volname},
				Size:   uint64(info.Size()),
				Format: p.Format,
				VMID:   p.VMID,
				Parent: p.BaseName,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VolID.VolName < out[j].VolID.VolName })
	return out, nil
}

// Status reports filesystem usage under scfg.path via statfs semantics
// exposed by the df-equivalent call; failures degrade to Active=false
// (spec.md §4.E), never an error return.
func (d *Driver) Status(ctx context.Context, scfg sectioncfg.Section) (backend.StatusInfo, error) {
	root := scfg.Props["path"]
	res, err := d.Run.Run(ctx, runner.Request{
		Argv:    []string{"df", "-B1", "--output=size,used,avail", root},
		Timeout: dfTimeout,
	})
	if err != nil {
		klog.Warningf("dirdriver: status probe for %q failed: %v", scfg.StoreID, err)
		return backend.StatusInfo{Active: false}, nil
	}
	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	if len(lines) < 2 {
		klog.Warningf("dirdriver: unexpected df output for %q: %q", scfg.StoreID, res.Stdout)
		return backend.StatusInfo{Active: false}, nil
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) != 3 {
		return backend.StatusInfo{Active: false}, nil
	}
	total, err1 := strconv.ParseUint(fields[0], 10, 64)
	used, err2 := strconv.ParseUint(fields[1], 10, 64)
	free, err3 := strconv.ParseUint(fields[2], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return backend.StatusInfo{Active: false}, nil
	}
	return backend.StatusInfo{TotalBytes: total, UsedBytes: used, FreeBytes: free, Active: true}, nil
}

// dfTimeout is the "2 s df" bound from spec.md §5.
const dfTimeout = 2 * time.Second

// CloneImage creates a qcow2 whose backing file is the relative path
// to the base image, invoked with the clone's image dir as cwd so the
// reference resolves (spec.md §4.F).
func (d *Driver) CloneImage(ctx context.Context, scfg sectioncfg.Section, volname, vmid, snap string) (string, error) {
	p, err := volid.ParseFileVolName(volname)
	if err != nil {
		return "", err
	}
	if !p.IsBase {
		return "", fmt.Errorf("%w: %q", ErrCloneNotBase, volname)
	}

	root := scfg.Props["path"]
	cloneDir := filepath.Join(root, "images", vmid)
	if err := os.MkdirAll(cloneDir, 0o750); err != nil {
		return "", fmt.Errorf("dirdriver: creating %q: %w", cloneDir, err)
	}

	name, err := findFreeDiskname(cloneDir, vmid, p.Format)
	if err != nil {
		return "", err
	}
	backingRel := filepath.Join("..", p.VMID, p.Name)

	argv := []string{"qemu-img", "create", "-f", "qcow2", "-F", "qcow2", "-b", backingRel, name}
	if _, err := d.Run.Run(ctx, runner.Request{Argv: argv, Dir: cloneDir}); err != nil {
		return "", fmt.Errorf("dirdriver: clone_image: %w", err)
	}

	newVolname := p.VMID + "/" + p.Name + "/" + vmid + "/" + name
	return newVolname, nil
}

// CreateBase renames vm-* to base-*, chmods 0444, and best-effort
// chattr +i (spec.md §4.F). Warnings from chattr never abort.
func (d *Driver) CreateBase(ctx context.Context, scfg sectioncfg.Section, volname string) (string, error) {
	p, err := volid.ParseFileVolName(volname)
	if err != nil {
		return "", err
	}
	if p.BaseName != "" || p.IsBase {
		return "", fmt.Errorf("%w: %q", ErrCreateBaseNotOwn, volname)
	}

	root := scfg.Props["path"]
	imgdir := filepath.Join(root, "images", p.VMID)
	oldPath := filepath.Join(imgdir, p.Name)
	newName := strings.Replace(p.Name, "vm-", "base-", 1)
	newPath := filepath.Join(imgdir, newName)

	if _, err := d.Run.Run(ctx, runner.Request{Argv: []string{"qemu-img", "info", oldPath}}); err != nil {
		return "", fmt.Errorf("dirdriver: create_base: verifying %q: %w", oldPath, err)
	}

	if err := os.Rename(oldPath, newPath); err != nil {
		return "", fmt.Errorf("dirdriver: create_base: rename: %w", err)
	}
	if err := os.Chmod(newPath, 0o444); err != nil {
		return "", fmt.Errorf("dirdriver: create_base: chmod: %w", err)
	}
	if _, err := d.Run.Run(ctx, runner.Request{Argv: []string{"chattr", "+i", newPath}}); err != nil {
		klog.Warningf("dirdriver: chattr +i on %q failed (best effort): %v", newPath, err)
	}

	return p.VMID + "/" + newName, nil
}

// VolumeResize delegates to qemu-img resize; only raw/qcow2 support it.
func (d *Driver) VolumeResize(ctx context.Context, scfg sectioncfg.Section, volname string, sizeBytes uint64) (uint64, error) {
	p, err := volid.ParseFileVolName(volname)
	if err != nil {
		return 0, err
	}
	if p.Format != volid.FormatRaw && p.Format != volid.FormatQcow2 {
		return 0, fmt.Errorf("%w: resize on %s", ErrUnsupportedFormat, p.Format)
	}
	full, _, _, err := d.Path(ctx, scfg, volname, "")
	if err != nil {
		return 0, err
	}
	if _, err := d.Run.Run(ctx, runner.Request{Argv: []string{"qemu-img", "resize", full, strconv.FormatUint(sizeBytes, 10)}}); err != nil {
		return 0, fmt.Errorf("dirdriver: volume_resize: %w", err)
	}
	return sizeBytes, nil
}

// VolumeSnapshot delegates to "qemu-img snapshot -c"; only qcow2
// supports snapshots (see VolumeHasFeature).
func (d *Driver) VolumeSnapshot(ctx context.Context, scfg sectioncfg.Section, volname, snap string) error {
	return d.snapshotOp(ctx, scfg, volname, snap, "-c")
}

func (d *Driver) VolumeSnapshotDelete(ctx context.Context, scfg sectioncfg.Section, volname, snap string) error {
	return d.snapshotOp(ctx, scfg, volname, snap, "-d")
}

// VolumeSnapshotRollback runs "qemu-img snapshot -a" after verifying
// snap is the newest snapshot (spec.md §4.E); qemu-img itself does not
// enforce that precondition.
func (d *Driver) VolumeSnapshotRollback(ctx context.Context, scfg sectioncfg.Section, volname, snap string) error {
	ok, err := d.VolumeRollbackIsPossible(ctx, scfg, volname, snap)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: volume=%s snap=%s", ErrNotNewest, volname, snap)
	}
	return d.snapshotOp(ctx, scfg, volname, snap, "-a")
}

func (d *Driver) snapshotOp(ctx context.Context, scfg sectioncfg.Section, volname, snap, flag string) error {
	p, err := volid.ParseFileVolName(volname)
	if err != nil {
		return err
	}
	if !d.VolumeHasFeature(backend.FeatureSnapshot, backend.StateCurrent, p.Format) {
		return fmt.Errorf("%w: snapshot on %s", ErrUnsupportedFormat, p.Format)
	}
	full, _, _, err := d.Path(ctx, scfg, volname, "")
	if err != nil {
		return err
	}
	if _, err := d.Run.Run(ctx, runner.Request{Argv: []string{"qemu-img", "snapshot", flag, snap, full}}); err != nil {
		return fmt.Errorf("dirdriver: snapshot op %s: %w", flag, err)
	}
	return nil
}

// VolumeRollbackIsPossible inspects "qemu-img snapshot -l" output;
// rollback is only possible when no newer snapshot exists than snap.
func (d *Driver) VolumeRollbackIsPossible(ctx context.Context, scfg sectioncfg.Section, volname, snap string) (bool, error) {
	full, _, _, err := d.Path(ctx, scfg, volname, "")
	if err != nil {
		return false, err
	}
	res, err := d.Run.Run(ctx, runner.Request{Argv: []string{"qemu-img", "snapshot", "-l", full}})
	if err != nil {
		return false, fmt.Errorf("dirdriver: listing snapshots: %w", err)
	}
	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	found := false
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if fields[1] == snap {
			found = true
		} else if found {
			// any snapshot listed after snap is newer
			return false, nil
		}
	}
	return found, nil
}

// VolumeHasFeature implements the feature matrix for the qcow2/raw/vmdk
// formats this driver supports (spec.md §4.E).
func (d *Driver) VolumeHasFeature(feature backend.Feature, state backend.VolumeState, format volid.Format) bool {
	switch feature {
	case backend.FeatureSnapshot:
		return format == volid.FormatQcow2
	case backend.FeatureClone:
		return format == volid.FormatQcow2 && state == backend.StateBase
	case backend.FeatureTemplate:
		return state == backend.StateBase
	case backend.FeatureCopy:
		return true
	default:
		return false
	}
}

var _ backend.Driver = (*Driver)(nil)

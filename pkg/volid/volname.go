package volid

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// VType identifies the role of a volume, per spec.md §3.
type VType string

const (
	VTypeImage   VType = "images"
	VTypeISO     VType = "iso"
	VTypeVZTmpl  VType = "vztmpl"
	VTypeBackup  VType = "backup"
	VTypeRootdir VType = "rootdir"
)

// Format identifies a disk image's on-disk encoding.
type Format string

const (
	FormatRaw   Format = "raw"
	FormatQcow2 Format = "qcow2"
	FormatVmdk  Format = "vmdk"
	// FormatNone applies to non-image volumes (iso/vztmpl/backup/rootdir).
	FormatNone Format = ""
)

// ParsedVolName is the tuple produced by parsing a backend volname,
// per spec.md §3/§4.A: (vtype, name, vmid, basename?, basevmid?, isBase, format).
type ParsedVolName struct {
	VType    VType
	Name     string // the filename/dataset-leaf component, without directory prefix
	VMID     string
	BaseName string // set only for linked clones
	BaseVMID string // set only for linked clones
	IsBase   bool
	Format   Format
}

// Static errors. Each failure names the volname that didn't parse.
var (
	ErrEmptyVolName    = errors.New("volname must not be empty")
	ErrInvalidVolName  = errors.New("volname does not match any known grammar")
	ErrUnknownFormat   = errors.New("unrecognized image format extension")
	ErrBadImageName    = errors.New("image name must start with vm-<vmid>- or base-<vmid>-")
	ErrVMIDMismatch    = errors.New("vmid in path does not match vmid embedded in name")
	ErrBadBackupFile   = errors.New("backup filename does not match vzdump naming convention")
	ErrBadZFSName      = errors.New("zfs volume name does not match (vm|base|subvol)-<vmid>-<suffix>")
	ErrBadLinkedClone  = errors.New("linked clone path does not match <basevmid>/<basename>/<vmid>/<name>")
)

// formatByExt maps a file extension (without the dot) to a Format.
var formatByExt = map[string]Format{
	"raw":   FormatRaw,
	"qcow2": FormatQcow2,
	"vmdk":  FormatVmdk,
}

// Extension returns the canonical filename extension for a format.
func (f Format) Extension() string {
	return string(f)
}

// imageNameRegex matches "(vm|base)-<vmid>-<rest>.<ext>".
var imageNameRegex = regexp.MustCompile(`^(vm|base)-(\d+)-(.+)\.([A-Za-z0-9]+)$`)

// backupFileRegex enforces the vzdump naming convention from spec.md §3.
var backupFileRegex = regexp.MustCompile(`^vzdump-(openvz|qemu)-(\d+)-.+\.(tar|tar\.gz|tar\.lzo|tgz|vma|vma\.gz|vma\.lzo)$`)

// ParseFileVolName parses a POSIX-file-backend volname: the grammar
// used by the dir/nfspve/glusterfs drivers (§4.F).
//
//nolint:cyclop // one dispatch per top-level directory prefix, inherent to the grammar
func ParseFileVolName(volname string) (ParsedVolName, error) {
	if volname == "" {
		return ParsedVolName{}, ErrEmptyVolName
	}

	switch {
	case strings.HasPrefix(volname, "iso/"):
		file := strings.TrimPrefix(volname, "iso/")
		if file == "" || !strings.HasSuffix(file, ".iso") {
			return ParsedVolName{}, fmt.Errorf("%w: %q", ErrInvalidVolName, volname)
		}
		return ParsedVolName{VType: VTypeISO, Name: file}, nil

	case strings.HasPrefix(volname, "vztmpl/"):
		file := strings.TrimPrefix(volname, "vztmpl/")
		if file == "" || !strings.HasSuffix(file, ".tar.gz") {
			return ParsedVolName{}, fmt.Errorf("%w: %q", ErrInvalidVolName, volname)
		}
		return ParsedVolName{VType: VTypeVZTmpl, Name: file}, nil

	case strings.HasPrefix(volname, "backup/"):
		file := strings.TrimPrefix(volname, "backup/")
		m := backupFileRegex.FindStringSubmatch(file)
		if m == nil {
			return ParsedVolName{}, fmt.Errorf("%w: %q", ErrBadBackupFile, volname)
		}
		return ParsedVolName{VType: VTypeBackup, Name: file, VMID: m[2]}, nil

	case strings.HasPrefix(volname, "rootdir/"):
		vmid := strings.TrimPrefix(volname, "rootdir/")
		if vmid == "" || !isDigits(vmid) {
			return ParsedVolName{}, fmt.Errorf("%w: %q", ErrInvalidVolName, volname)
		}
		return ParsedVolName{VType: VTypeRootdir, Name: vmid, VMID: vmid}, nil

	default:
		return parseImageOrClone(volname)
	}
}

// parseImageOrClone handles the two image-volume grammars from spec.md §3:
// "<vmid>/<name>.<ext>" and the linked-clone
// "<basevmid>/<basename>/<vmid>/<name>".
func parseImageOrClone(volname string) (ParsedVolName, error) {
	parts := strings.Split(volname, "/")
	switch len(parts) {
	case 2:
		return parseOwnedImage(parts[0], parts[1], volname)
	case 4:
		return parseLinkedClone(parts[0], parts[1], parts[2], parts[3], volname)
	default:
		return ParsedVolName{}, fmt.Errorf("%w: %q", ErrInvalidVolName, volname)
	}
}

func parseOwnedImage(dirVMID, name, orig string) (ParsedVolName, error) {
	if !isDigits(dirVMID) {
		return ParsedVolName{}, fmt.Errorf("%w: %q", ErrInvalidVolName, orig)
	}
	m := imageNameRegex.FindStringSubmatch(name)
	if m == nil {
		return ParsedVolName{}, fmt.Errorf("%w: %q", ErrBadImageName, orig)
	}
	kind, nameVMID, ext := m[1], m[2], m[4]
	if nameVMID != dirVMID {
		return ParsedVolName{}, fmt.Errorf("%w: %q", ErrVMIDMismatch, orig)
	}
	format, ok := formatByExt[ext]
	if !ok {
		return ParsedVolName{}, fmt.Errorf("%w: %q", ErrUnknownFormat, orig)
	}
	return ParsedVolName{
		VType:  VTypeImage,
		Name:   name,
		VMID:   dirVMID,
		IsBase: kind == "base",
		Format: format,
	}, nil
}

func parseLinkedClone(baseVMID, baseName, vmid, name, orig string) (ParsedVolName, error) {
	if !isDigits(baseVMID) || !isDigits(vmid) {
		return ParsedVolName{}, fmt.Errorf("%w: %q", ErrBadLinkedClone, orig)
	}
	baseM := imageNameRegex.FindStringSubmatch(baseName)
	if baseM == nil || baseM[1] != "base" || baseM[2] != baseVMID {
		return ParsedVolName{}, fmt.Errorf("%w: %q", ErrBadLinkedClone, orig)
	}
	m := imageNameRegex.FindStringSubmatch(name)
	if m == nil || m[1] != "vm" || m[2] != vmid {
		return ParsedVolName{}, fmt.Errorf("%w: %q", ErrBadLinkedClone, orig)
	}
	format, ok := formatByExt[m[4]]
	if !ok {
		return ParsedVolName{}, fmt.Errorf("%w: %q", ErrUnknownFormat, orig)
	}
	return ParsedVolName{
		VType:    VTypeImage,
		Name:     name,
		VMID:     vmid,
		BaseName: baseName,
		BaseVMID: baseVMID,
		IsBase:   false,
		Format:   format,
	}, nil
}

// FormatFileVolName is the inverse of ParseFileVolName: it always
// round-trips a value produced by the parser (spec.md §8 property:
// format(parse(V)) == V).
func FormatFileVolName(p ParsedVolName) string {
	switch p.VType {
	case VTypeISO:
		return "iso/" + p.Name
	case VTypeVZTmpl:
		return "vztmpl/" + p.Name
	case VTypeBackup:
		return "backup/" + p.Name
	case VTypeRootdir:
		return "rootdir/" + p.VMID
	case VTypeImage:
		if p.BaseName != "" {
			return p.BaseVMID + "/" + p.BaseName + "/" + p.VMID + "/" + p.Name
		}
		return p.VMID + "/" + p.Name
	default:
		return ""
	}
}

// zfsNameRegex matches "(vm|base|subvol)-<vmid>-<suffix>".
var zfsNameRegex = regexp.MustCompile(`^(vm|base|subvol)-(\d+)-(.+)$`)

// ParseZFSVolName parses a ZFS-pool-backend volname per spec.md §3/§4.G:
// "(vm|base|subvol)-<vmid>-<suffix>", optionally prefixed
// "base-<vmid>-<suffix>/" for linked clones.
func ParseZFSVolName(volname string) (ParsedVolName, error) {
	if volname == "" {
		return ParsedVolName{}, ErrEmptyVolName
	}

	if idx := strings.IndexByte(volname, '/'); idx >= 0 {
		baseName, name := volname[:idx], volname[idx+1:]
		baseM := zfsNameRegex.FindStringSubmatch(baseName)
		if baseM == nil || baseM[1] != "base" {
			return ParsedVolName{}, fmt.Errorf("%w: %q", ErrBadLinkedClone, volname)
		}
		m := zfsNameRegex.FindStringSubmatch(name)
		if m == nil {
			return ParsedVolName{}, fmt.Errorf("%w: %q", ErrBadZFSName, volname)
		}
		return ParsedVolName{
			VType:    zfsVType(m[1]),
			Name:     name,
			VMID:     m[2],
			BaseName: baseName,
			BaseVMID: baseM[2],
			IsBase:   false,
		}, nil
	}

	m := zfsNameRegex.FindStringSubmatch(volname)
	if m == nil {
		return ParsedVolName{}, fmt.Errorf("%w: %q", ErrBadZFSName, volname)
	}
	return ParsedVolName{
		VType:  zfsVType(m[1]),
		Name:   volname,
		VMID:   m[2],
		IsBase: m[1] == "base",
	}, nil
}

// FormatZFSVolName is the inverse of ParseZFSVolName.
func FormatZFSVolName(p ParsedVolName) string {
	if p.BaseName != "" {
		return p.BaseName + "/" + p.Name
	}
	return p.Name
}

func zfsVType(kind string) VType {
	if kind == "subvol" {
		return VTypeRootdir
	}
	return VTypeImage
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// MustAtoi is a small helper for call sites that have already validated
// a numeric field via isDigits/ParsedVolName.VMID.
func MustAtoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		panic(fmt.Sprintf("volid: invariant violated, non-numeric vmid %q", s))
	}
	return n
}

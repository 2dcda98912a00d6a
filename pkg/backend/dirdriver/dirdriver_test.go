package dirdriver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/nimbusvc/vstorage/pkg/backend"
	"github.com/nimbusvc/vstorage/pkg/runner"
	"github.com/nimbusvc/vstorage/pkg/sectioncfg"
	"github.com/nimbusvc/vstorage/pkg/volid"
)

func testSection(t *testing.T, content string) sectioncfg.Section {
	t.Helper()
	root := t.TempDir()
	return sectioncfg.Section{
		Type:    TypeName,
		StoreID: "local",
		Props:   map[string]string{"path": root, "content": content},
	}
}

func TestActivateStorageCreatesSubdirs(t *testing.T) {
	scfg := testSection(t, "images,iso,vztmpl,backup,rootdir")
	d := New(runner.NewFake())
	if err := d.ActivateStorage(context.Background(), scfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	root := scfg.Props["path"]
	for _, sub := range []string{"images", filepath.Join("template", "iso"), filepath.Join("template", "cache"), "dump", "private"} {
		if _, err := os.Stat(filepath.Join(root, sub)); err != nil {
			t.Errorf("expected subdir %q to exist: %v", sub, err)
		}
	}
}

func TestActivateStorageMissingPath(t *testing.T) {
	scfg := sectioncfg.Section{Type: TypeName, StoreID: "x", Props: map[string]string{"path": "/nonexistent/path/xyz", "content": "images"}}
	d := New(runner.NewFake())
	if err := d.ActivateStorage(context.Background(), scfg); err == nil {
		t.Fatal("expected error for missing path")
	}
}

func TestAllocImageAutoName(t *testing.T) {
	scfg := testSection(t, "images")
	fake := runner.NewFake()
	d := New(fake)

	root := scfg.Props["path"]
	full := filepath.Join(root, "images", "100", "vm-100-disk-1.qcow2")
	fake.On(runner.FakeResponse{}, "qemu-img", "create", "-o", "preallocation=metadata", "-f", "qcow2", full, "1048576K")

	volname, err := d.AllocImage(context.Background(), scfg, "100", volid.FormatQcow2, "", 1048576)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if volname != "100/vm-100-disk-1.qcow2" {
		t.Fatalf("unexpected volname: %s", volname)
	}
}

func TestAllocImageFormatMismatch(t *testing.T) {
	scfg := testSection(t, "images")
	d := New(runner.NewFake())
	if _, err := d.AllocImage(context.Background(), scfg, "100", volid.FormatRaw, "vm-100-disk-1.qcow2", 1024); err == nil {
		t.Fatal("expected format mismatch error")
	}
}

func TestFindFreeDisknameSkipsUsed(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "vm-100-disk-1.qcow2"), nil, 0o640); err != nil {
		t.Fatal(err)
	}
	name, err := findFreeDiskname(dir, "100", volid.FormatQcow2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "vm-100-disk-2.qcow2" {
		t.Fatalf("expected disk-2, got %s", name)
	}
}

func TestFreeImageRemovesFile(t *testing.T) {
	scfg := testSection(t, "images")
	root := scfg.Props["path"]
	imgdir := filepath.Join(root, "images", "100")
	if err := os.MkdirAll(imgdir, 0o750); err != nil {
		t.Fatal(err)
	}
	full := filepath.Join(imgdir, "vm-100-disk-1.qcow2")
	if err := os.WriteFile(full, []byte("x"), 0o640); err != nil {
		t.Fatal(err)
	}

	d := New(runner.NewFake())
	if err := d.FreeImage(context.Background(), scfg, "100/vm-100-disk-1.qcow2", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(full); !os.IsNotExist(err) {
		t.Fatal("expected file to be removed")
	}
}

func TestCloneImageRequiresBase(t *testing.T) {
	scfg := testSection(t, "images")
	d := New(runner.NewFake())
	if _, err := d.CloneImage(context.Background(), scfg, "100/vm-100-disk-1.qcow2", "200", ""); err == nil {
		t.Fatal("expected error cloning a non-base image")
	}
}

func TestVolumeHasFeatureMatrix(t *testing.T) {
	d := New(runner.NewFake())
	if !d.VolumeHasFeature(backend.FeatureSnapshot, backend.StateCurrent, volid.FormatQcow2) {
		t.Fatal("expected qcow2 to support snapshot")
	}
	if d.VolumeHasFeature(backend.FeatureSnapshot, backend.StateCurrent, volid.FormatRaw) {
		t.Fatal("expected raw to not support snapshot")
	}
	if !d.VolumeHasFeature(backend.FeatureClone, backend.StateBase, volid.FormatQcow2) {
		t.Fatal("expected base qcow2 to support clone")
	}
}

func TestVolumeResizeUnsupportedFormat(t *testing.T) {
	scfg := testSection(t, "images")
	d := New(runner.NewFake())
	if _, err := d.VolumeResize(context.Background(), scfg, "100/vm-100-disk-1.vmdk", 2048); err == nil {
		t.Fatal("expected error resizing vmdk")
	}
}

func TestVolumeSnapshotRollbackRefusesNonNewest(t *testing.T) {
	scfg := testSection(t, "images")
	root := scfg.Props["path"]
	fake := runner.NewFake()
	d := New(fake)

	full := filepath.Join(root, "images", "100", "vm-100-disk-1.qcow2")
	fake.On(runner.FakeResponse{Stdout: "Snapshots:\nID TAG\n1  before\n2  after\n"},
		"qemu-img", "snapshot", "-l", full)

	err := d.VolumeSnapshotRollback(context.Background(), scfg, "100/vm-100-disk-1.qcow2", "before")
	if !errors.Is(err, ErrNotNewest) {
		t.Fatalf("expected ErrNotNewest, got %v", err)
	}
}

func TestVolumeSnapshotRollbackAllowsNewest(t *testing.T) {
	scfg := testSection(t, "images")
	root := scfg.Props["path"]
	fake := runner.NewFake()
	d := New(fake)

	full := filepath.Join(root, "images", "100", "vm-100-disk-1.qcow2")
	fake.On(runner.FakeResponse{Stdout: "Snapshots:\nID TAG\n1  before\n2  after\n"},
		"qemu-img", "snapshot", "-l", full)
	fake.On(runner.FakeResponse{}, "qemu-img", "snapshot", "-a", "after", full)

	if err := d.VolumeSnapshotRollback(context.Background(), scfg, "100/vm-100-disk-1.qcow2", "after"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

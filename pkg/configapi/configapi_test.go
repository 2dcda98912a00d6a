package configapi

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/nimbusvc/vstorage/internal/clusterfs"
	"github.com/nimbusvc/vstorage/pkg/backend/dirdriver"
	"github.com/nimbusvc/vstorage/pkg/backend/iscsidriver"
	"github.com/nimbusvc/vstorage/pkg/backend/lvmdriver"
	"github.com/nimbusvc/vstorage/pkg/clusterlock"
	"github.com/nimbusvc/vstorage/pkg/registry"
	"github.com/nimbusvc/vstorage/pkg/runner"
)

func testAPI(t *testing.T) (*API, *runner.Fake) {
	t.Helper()
	fake := runner.NewFake()
	reg := registry.New()
	if err := reg.Register(registry.Plugin{
		TypeName:       dirdriver.TypeName,
		ContentAllowed: map[string]struct{}{"images": {}, "rootdir": {}},
		ContentDefault: map[string]struct{}{"images": {}},
		Options: []registry.OptionDescriptor{
			{Name: "path", Kind: registry.OptionFixed, Required: true},
		},
		Driver: dirdriver.New(fake),
	}); err != nil {
		t.Fatalf("registering dir plugin: %v", err)
	}
	if err := reg.Register(registry.Plugin{
		TypeName:       iscsidriver.TypeName,
		ContentAllowed: map[string]struct{}{"images": {}},
		ContentDefault: map[string]struct{}{"images": {}},
		Options: []registry.OptionDescriptor{
			{Name: "portal", Kind: registry.OptionFixed, Required: true},
			{Name: "target", Kind: registry.OptionFixed, Required: true},
		},
		Driver: iscsidriver.New(),
	}); err != nil {
		t.Fatalf("registering iscsi plugin: %v", err)
	}
	if err := reg.Register(registry.Plugin{
		TypeName:       lvmdriver.TypeName,
		ContentAllowed: map[string]struct{}{"images": {}},
		ContentDefault: map[string]struct{}{"images": {}},
		Options: []registry.OptionDescriptor{
			{Name: "vgname", Kind: registry.OptionFixed, Required: true},
			{Name: "base", Kind: registry.OptionFixed},
		},
		Driver: lvmdriver.New(fake),
	}); err != nil {
		t.Fatalf("registering lvm plugin: %v", err)
	}

	a := New(clusterfs.NewLocalFS(), reg, &clusterlock.LocalFileLocker{Dir: t.TempDir()}, clusterlock.NewInProcessLocker())
	a.ConfigPath = filepath.Join(t.TempDir(), "storage.cfg")
	return a, fake
}

func TestCreateThenReadRoundTrips(t *testing.T) {
	a, _ := testAPI(t)
	ctx := context.Background()

	dir := t.TempDir()
	err := a.Create(ctx, map[string]string{
		"type": "dir", "storage": "extra", "path": dir, "content": "images",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	section, digest, err := a.Read(ctx, "extra")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if section.Type != "dir" || section.Props["path"] != dir {
		t.Fatalf("unexpected section: %+v", section)
	}
	if digest == "" {
		t.Fatal("expected non-empty digest")
	}
}

func TestCreateRejectsDuplicateStoreID(t *testing.T) {
	a, _ := testAPI(t)
	ctx := context.Background()
	dir := t.TempDir()

	params := map[string]string{"type": "dir", "storage": "dup", "path": dir, "content": "images"}
	if err := a.Create(ctx, params); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := a.Create(ctx, params); err == nil {
		t.Fatal("expected error creating a duplicate storeid")
	}
}

func TestCreateMissingFixedOptionFails(t *testing.T) {
	a, _ := testAPI(t)
	if err := a.Create(context.Background(), map[string]string{"type": "dir", "storage": "bad"}); err == nil {
		t.Fatal("expected error for missing required 'path'")
	}
}

func TestCreateActivationFailureLeavesNoTrace(t *testing.T) {
	a, _ := testAPI(t)
	ctx := context.Background()

	missing := filepath.Join(t.TempDir(), "does-not-exist")
	err := a.Create(ctx, map[string]string{
		"type": "dir", "storage": "willfail", "path": missing, "content": "images",
	})
	if err == nil {
		t.Fatal("expected activation failure")
	}

	if _, err := os.Stat(a.ConfigPath); !os.IsNotExist(err) {
		t.Fatal("expected no config file to have been written after a failed create")
	}
}

func TestUpdateRequiresMatchingDigest(t *testing.T) {
	a, _ := testAPI(t)
	ctx := context.Background()
	dir := t.TempDir()

	if err := a.Create(ctx, map[string]string{"type": "dir", "storage": "s1", "path": dir, "content": "images"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := a.Update(ctx, "s1", map[string]string{"content": "images,rootdir"}, "stale-digest"); err == nil {
		t.Fatal("expected digest mismatch error")
	}

	_, digest, err := a.Read(ctx, "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := a.Update(ctx, "s1", map[string]string{"content": "images,rootdir"}, digest); err != nil {
		t.Fatalf("unexpected error with correct digest: %v", err)
	}

	section, _, err := a.Read(ctx, "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if section.Props["content"] != "images,rootdir" {
		t.Fatalf("expected merged content, got %q", section.Props["content"])
	}
}

func TestUpdateRejectsTypeChange(t *testing.T) {
	a, _ := testAPI(t)
	ctx := context.Background()
	dir := t.TempDir()
	if err := a.Create(ctx, map[string]string{"type": "dir", "storage": "s1", "path": dir, "content": "images"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, digest, _ := a.Read(ctx, "s1")
	if err := a.Update(ctx, "s1", map[string]string{"type": "zfspool"}, digest); err == nil {
		t.Fatal("expected error changing type on update")
	}
}

func TestDeleteRejectsLocal(t *testing.T) {
	a, _ := testAPI(t)
	if err := a.Delete(context.Background(), "local"); err == nil {
		t.Fatal("expected error deleting the local entry")
	}
}

func TestDeleteRejectsWhenReferencedAsBase(t *testing.T) {
	a, fake := testAPI(t)
	ctx := context.Background()
	device := "/dev/disk/by-path/ip-10.0.0.1:3260-iscsi-iqn.test-lun-0"
	fake.On(runner.FakeResponse{}, "vgcreate", "myvg", device)
	fake.On(runner.FakeResponse{}, "vgs", "--noheadings", "-o", "vg_name", "myvg")

	if err := a.Create(ctx, map[string]string{
		"type": "iscsidirect", "storage": "lun0", "portal": "10.0.0.1:3260", "target": "iqn.test",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := a.Create(ctx, map[string]string{
		"type": "lvm", "storage": "deriv", "vgname": "myvg", "base": "lun0",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := a.Delete(ctx, "lun0"); err == nil {
		t.Fatal("expected error deleting a storeid referenced as another entry's base")
	}
}

func TestCreateLVMWithBaseCreatesVolumeGroup(t *testing.T) {
	a, fake := testAPI(t)
	ctx := context.Background()
	device := "/dev/disk/by-path/ip-10.0.0.1:3260-iscsi-iqn.test-lun-0"
	fake.On(runner.FakeResponse{}, "vgcreate", "myvg", device)
	fake.On(runner.FakeResponse{}, "vgs", "--noheadings", "-o", "vg_name", "myvg")

	if err := a.Create(ctx, map[string]string{
		"type": "iscsidirect", "storage": "lun0", "portal": "10.0.0.1:3260", "target": "iqn.test",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := a.Create(ctx, map[string]string{
		"type": "lvm", "storage": "deriv", "vgname": "myvg", "base": "lun0",
	}); err != nil {
		t.Fatalf("unexpected error creating lvm storage with base: %v", err)
	}
}

func TestCreateWithNonISCSIBaseFails(t *testing.T) {
	a, fake := testAPI(t)
	ctx := context.Background()
	fake.On(runner.FakeResponse{}, "vgs", "--noheadings", "-o", "vg_name", "myvg")

	if err := a.Create(ctx, map[string]string{
		"type": "dir", "storage": "notiscsi", "path": t.TempDir(), "content": "images",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := a.Create(ctx, map[string]string{
		"type": "lvm", "storage": "deriv", "vgname": "myvg", "base": "notiscsi",
	})
	if err == nil {
		t.Fatal("expected error: base storage must be iSCSI")
	}
}

func TestListFiltersByType(t *testing.T) {
	a, _ := testAPI(t)
	ctx := context.Background()

	if err := a.Create(ctx, map[string]string{"type": "dir", "storage": "d1", "path": t.TempDir(), "content": "images"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := a.Create(ctx, map[string]string{
		"type": "iscsidirect", "storage": "i1", "portal": "10.0.0.1:3260", "target": "iqn.test",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sections, _, err := a.List(ctx, "iscsidirect")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sections) != 1 || sections[0].StoreID != "i1" {
		t.Fatalf("expected only i1, got %+v", sections)
	}
}

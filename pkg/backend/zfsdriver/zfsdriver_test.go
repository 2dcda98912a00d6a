package zfsdriver

import (
	"context"
	"testing"

	"github.com/nimbusvc/vstorage/pkg/backend"
	"github.com/nimbusvc/vstorage/pkg/runner"
	"github.com/nimbusvc/vstorage/pkg/sectioncfg"
	"github.com/nimbusvc/vstorage/pkg/volid"
)

func testSection() sectioncfg.Section {
	return sectioncfg.Section{Type: TypeName, StoreID: "tank", Props: map[string]string{"pool": "tank"}}
}

func TestActivateStoragePoolPresent(t *testing.T) {
	fake := runner.NewFake()
	fake.On(runner.FakeResponse{Result: runner.Result{Stdout: "tank\nrpool\n"}}, "zpool", "list", "-o", "name", "-H")
	d := New(fake)
	if err := d.ActivateStorage(context.Background(), testSection()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestActivateStorageImportsMissingPool(t *testing.T) {
	fake := runner.NewFake()
	fake.On(runner.FakeResponse{Result: runner.Result{Stdout: "rpool\n"}}, "zpool", "list", "-o", "name", "-H")
	fake.On(runner.FakeResponse{}, "zpool", "import", "-d", "/dev/disk/by-id/", "-a")
	d := New(fake)
	if err := d.ActivateStorage(context.Background(), testSection()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPathRaw(t *testing.T) {
	d := New(runner.NewFake())
	path, vmid, vtype, err := d.Path(context.Background(), testSection(), "vm-7-disk-1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "/dev/zvol/tank/vm-7-disk-1" || vmid != "7" || vtype != volid.VTypeImage {
		t.Fatalf("unexpected path resolution: %s %s %s", path, vmid, vtype)
	}
}

func TestPathSubvolWithSnapshot(t *testing.T) {
	d := New(runner.NewFake())
	path, _, vtype, err := d.Path(context.Background(), testSection(), "subvol-8-disk-1", "daily")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "/tank/subvol-8-disk-1/.zfs/snapshot/daily" || vtype != volid.VTypeRootdir {
		t.Fatalf("unexpected path: %s", path)
	}
}

func TestAllocImageRawZvol(t *testing.T) {
	fake := runner.NewFake()
	fake.On(runner.FakeResponse{}, "zfs", "list", "-o", "name,volsize,origin,type,refquota", "-t", "volume,filesystem", "-Hr", "tank")
	fake.On(runner.FakeResponse{}, "zfs", "create", "-V", "1048576k", "tank/vm-7-disk-1")
	fake.On(runner.FakeResponse{}, "udevadm", "trigger", "--subsystem-match=block")
	fake.On(runner.FakeResponse{}, "udevadm", "settle", "--timeout=10", "--exit-if-exists=/dev/zvol/tank/vm-7-disk-1")

	d := New(fake)
	name, err := d.AllocImage(context.Background(), testSection(), "7", volid.FormatRaw, "", 1048576)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "vm-7-disk-1" {
		t.Fatalf("unexpected name: %s", name)
	}
}

func TestFreeImageRetriesOnBusy(t *testing.T) {
	fake := runner.NewFake()
	fake.On(runner.FakeResponse{Err: errAsErr("cannot destroy 'tank/vm-7-disk-1': dataset is busy")}, "zfs", "destroy", "-r", "tank/vm-7-disk-1")
	d := New(fake)

	err := d.FreeImage(context.Background(), testSection(), "vm-7-disk-1", false)
	if err == nil {
		t.Fatal("expected error after exhausting retries (fake always returns busy)")
	}
}

func TestFreeImageNotExistIsSuccess(t *testing.T) {
	fake := runner.NewFake()
	fake.On(runner.FakeResponse{Err: errAsErr("cannot open 'tank/vm-7-disk-1': dataset does not exist")}, "zfs", "destroy", "-r", "tank/vm-7-disk-1")
	d := New(fake)
	if err := d.FreeImage(context.Background(), testSection(), "vm-7-disk-1", false); err != nil {
		t.Fatalf("expected nil error for already-gone dataset, got %v", err)
	}
}

func TestListImagesParsesOrigin(t *testing.T) {
	fake := runner.NewFake()
	out := "tank/vm-7-disk-1\t10737418240\t-\tvolume\t-\n" +
		"tank/base-7-disk-1\t0\t-\tvolume\t-\n" +
		"tank/base-7-disk-1/vm-9-disk-1\t0\ttank/base-7-disk-1@__base__\tvolume\t-\n"
	fake.On(runner.FakeResponse{Result: runner.Result{Stdout: out}}, "zfs", "list", "-o", "name,volsize,origin,type,refquota", "-t", "volume,filesystem", "-Hr", "tank")

	d := New(fake)
	images, err := d.ListImages(context.Background(), testSection(), "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := false
	for _, img := range images {
		if img.VolID.VolName == "base-7-disk-1/vm-9-disk-1" {
			found = true
			if img.Parent != "base-7-disk-1" {
				t.Fatalf("unexpected parent: %s", img.Parent)
			}
		}
	}
	if !found {
		t.Fatal("expected linked-clone entry in results")
	}
}

func TestVolumeRollbackIsPossible(t *testing.T) {
	fake := runner.NewFake()
	fake.On(runner.FakeResponse{Result: runner.Result{Stdout: "tank/vm-7-disk-1@old\ntank/vm-7-disk-1@new\n"}},
		"zfs", "list", "-t", "snapshot", "-o", "name", "-s", "creation", "-Hr", "tank/vm-7-disk-1")

	d := New(fake)
	ok, err := d.VolumeRollbackIsPossible(context.Background(), testSection(), "vm-7-disk-1", "old")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected rollback to old snapshot to be refused (newer snapshot exists)")
	}

	ok, err = d.VolumeRollbackIsPossible(context.Background(), testSection(), "vm-7-disk-1", "new")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected rollback to newest snapshot to be allowed")
	}
}

func TestVolumeHasFeature(t *testing.T) {
	d := New(runner.NewFake())
	if !d.VolumeHasFeature(backend.FeatureSnapshot, backend.StateCurrent, volid.FormatNone) {
		t.Fatal("expected zfs snapshot feature to always be true")
	}
	if d.VolumeHasFeature(backend.FeatureClone, backend.StateCurrent, volid.FormatNone) {
		t.Fatal("expected clone to require a base state")
	}
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

func errAsErr(s string) error { return fakeErr(s) }

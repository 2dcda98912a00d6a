package clusterfs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalFSReadFileNotExist(t *testing.T) {
	fs := NewLocalFS()
	_, err := fs.ReadFile(context.Background(), filepath.Join(t.TempDir(), "missing.cfg"))
	if !errors.Is(err, ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestLocalFSAtomicWriteThenRead(t *testing.T) {
	fs := NewLocalFS()
	path := filepath.Join(t.TempDir(), "nested", "storage.cfg")

	if err := fs.AtomicWrite(context.Background(), path, []byte("dir: local\n\tpath /var/lib/vstorage\n"), 0o640); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := fs.ReadFile(context.Background(), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "dir: local\n\tpath /var/lib/vstorage\n" {
		t.Fatalf("unexpected contents: %q", data)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("expected temp file to be renamed away, not left behind")
	}
}

func TestLocalFSAtomicWriteOverwritesCleanly(t *testing.T) {
	fs := NewLocalFS()
	path := filepath.Join(t.TempDir(), "storage.cfg")

	if err := fs.AtomicWrite(context.Background(), path, []byte("first"), 0o640); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := fs.AtomicWrite(context.Background(), path, []byte("second"), 0o640); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := fs.ReadFile(context.Background(), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "second" {
		t.Fatalf("expected overwritten content, got %q", data)
	}
}

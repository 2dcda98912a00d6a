// Package clusterfs abstracts the distributed filesystem every node in
// a cluster mounts storage.cfg from (spec.md §4.D: "config
// distribution is an external collaborator; this module only defines
// the read/write contract against it"). LocalFS is the single-node
// stand-in used by tests and non-clustered deployments; a real
// deployment's FS is backed by whatever clustered filesystem the
// cluster runs (e.g. a Raft-replicated mount), which this package
// never names directly.
package clusterfs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"
)

// ErrNotExist is returned by ReadFile when the path has never been
// written.
var ErrNotExist = errors.New("clusterfs: file does not exist")

// FS is the read/write contract config distribution needs: read the
// current bytes, and atomically replace them. Implementations must
// make AtomicWrite crash-safe — a reader must never observe a partial
// write.
type FS interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	AtomicWrite(ctx context.Context, path string, data []byte, perm os.FileMode) error
}

// LocalFS implements FS against the local filesystem, via
// write-to-temp-then-rename (grounded on the same pattern the teacher
// uses for its formatted-volumes registry: a temp file sibling to the
// destination, then os.Rename for the atomic swap).
type LocalFS struct{}

// NewLocalFS constructs a LocalFS.
func NewLocalFS() LocalFS { return LocalFS{} }

// ReadFile reads path, translating a missing file into ErrNotExist.
func (LocalFS) ReadFile(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %q", ErrNotExist, path)
		}
		return nil, fmt.Errorf("clusterfs: reading %q: %w", path, err)
	}
	return data, nil
}

// AtomicWrite writes data to path by first writing "<path>.tmp" in the
// same directory, then renaming it into place, so every reader always
// sees either the old content or the new content in full.
func (LocalFS) AtomicWrite(_ context.Context, path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("clusterfs: creating directory %q: %w", dir, err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, perm); err != nil {
		return fmt.Errorf("clusterfs: writing temp file %q: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("clusterfs: renaming %q to %q: %w", tmpPath, path, err)
	}
	klog.V(4).Infof("clusterfs: wrote %d bytes to %q", len(data), path)
	return nil
}

// ConfigPath is the canonical path storage.cfg lives at under
// clusterfs (spec.md §4.A).
const ConfigPath = "/etc/vstorage/storage.cfg"

// Package glusterdriver implements the glusterfs storage type: like
// nfspve, a mounted POSIX tree reusing the dir backend's layout and
// qemu-img orchestration (spec.md SPEC_FULL "Additional registered
// storage types"). The scan side (enumerating exports via showmount)
// is an external collaborator's concern, out of this core's scope per
// Open Question resolution #2; this package only models the
// activation precondition and the single-segment volume naming the
// type schema assumes.
package glusterdriver

import (
	"context"
	"errors"
	"fmt"

	"github.com/nimbusvc/vstorage/pkg/backend"
	"github.com/nimbusvc/vstorage/pkg/backend/dirdriver"
	"github.com/nimbusvc/vstorage/pkg/runner"
	"github.com/nimbusvc/vstorage/pkg/sectioncfg"
)

// TypeName is the plugin type_name this driver registers under.
const TypeName = "glusterfs"

var ErrNotMounted = errors.New("glusterdriver: storage path is not mounted")

// Driver embeds dirdriver.Driver for file layout and qemu-img
// orchestration; only activation differs.
type Driver struct {
	*dirdriver.Driver
	Run runner.Runner
}

// New constructs a Driver using the given command runner.
func New(run runner.Runner) *Driver {
	return &Driver{Driver: dirdriver.New(run), Run: run}
}

func (d *Driver) TypeName() string { return TypeName }

// ActivateStorage requires scfg.path to already be a mount point
// before delegating subdir creation to the embedded dir driver.
func (d *Driver) ActivateStorage(ctx context.Context, scfg sectioncfg.Section) error {
	path := scfg.Props["path"]
	if _, err := d.Run.Run(ctx, runner.Request{Argv: []string{"findmnt", "-n", path}}); err != nil {
		return fmt.Errorf("%w: %q: %w", ErrNotMounted, path, err)
	}
	return d.Driver.ActivateStorage(ctx, scfg)
}

var _ backend.Driver = (*Driver)(nil)

// Package nfsdriver implements the nfspve storage type: a network
// filesystem mount whose on-disk layout, once mounted, is identical to
// the dir backend (spec.md SPEC_FULL "Additional registered storage
// types"). It wraps dirdriver.Driver rather than reimplementing the
// qemu-img orchestration, since the grammar and tool invocations are
// unchanged; only activation (mount vs. bare directory) differs.
package nfsdriver

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
const TypeName = "nfspve"

// ErrNotMounted is returned when scfg.path is not currently a mount
// point, which activate_storage here treats as a hard precondition
// rather than something it mounts on the caller's behalf (mounting is
// the cluster filesystem collaborator's job, out of this core's scope
// per spec.md §4.F's activate_storage contract, generalized).
var ErrNotMounted = errors.New("nfsdriver: storage path is not mounted")

// Driver embeds dirdriver.Driver for everything but activation: the
// file layout, naming, and qemu-img orchestration are identical once
// mounted (shared=true is implicit for this type).
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
// (checked via findmnt) before delegating subdir creation to the
// embedded dir driver.
func (d *Driver) ActivateStorage(ctx context.Context, scfg sectioncfg.Section) error {
	path := scfg.Props["path"]
	if _, err := d.Run.Run(ctx, runner.Request{Argv: []string{"findmnt", "-n", path}}); err != nil {
		return fmt.Errorf("%w: %q: %w", ErrNotMounted, path, err)
	}
	return d.Driver.ActivateStorage(ctx, scfg)
}

var _ backend.Driver = (*Driver)(nil)

package main

import (
	"errors"

	"github.com/spf13/cobra"
)

// errScanNotImplemented is returned by every *scan subcommand: the
// discovery utilities themselves (NFS/iSCSI showmount-style probing)
// are an external collaborator this core only depends on through its
// interface, never implements (spec.md's OUT OF SCOPE list names "scan
// utilities for NFS/iSCSI/USB" explicitly).
var errScanNotImplemented = errors.New("scan utilities are an external collaborator; this core only consumes their results")

// newScanCmd builds one of the nfsscan/iscsiscan/glusterfsscan
// subcommands named in spec.md §6's CLI surface. They are present in
// the command tree for completeness with that surface, but the probe
// itself is out of scope.
func newScanCmd(name string, _ *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <target>",
		Short: "Discover exports/targets available for a new storage entry (not implemented by this core)",
		RunE: func(*cobra.Command, []string) error {
			return errScanNotImplemented
		},
	}
}

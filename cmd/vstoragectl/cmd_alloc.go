package main

import (
	"fmt"

	"github.com/nimbusvc/vstorage/pkg/sectioncfg"
	"github.com/nimbusvc/vstorage/pkg/storagemgr"
	"github.com/nimbusvc/vstorage/pkg/volid"
	"github.com/spf13/cobra"
)

func newAllocCmd(flags *globalFlags) *cobra.Command {
	var vmid, format, name string
	var sizeKB uint64

	cmd := &cobra.Command{
		Use:   "alloc <storeid>",
		Short: "Allocate a new volume",
		Long: `Allocate a new volume under storeid (spec.md §4.E alloc_image),
activating the backend first if it isn't already active.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAlloc(cmd, flags, args[0], vmid, format, name, sizeKB)
		},
	}

	cmd.Flags().StringVar(&vmid, "vmid", "", "owning VM/CT id")
	cmd.Flags().StringVar(&format, "format", "raw", "disk image format (raw, qcow2, vmdk)")
	cmd.Flags().StringVar(&name, "name", "", "explicit volume name (default: first free vm-<vmid>-disk-N)")
	cmd.Flags().Uint64Var(&sizeKB, "size", 0, "volume size in KiB")
	_ = cmd.MarkFlagRequired("vmid")
	_ = cmd.MarkFlagRequired("size")

	return cmd
}

func runAlloc(cmd *cobra.Command, flags *globalFlags, storeid, vmid, format, name string, sizeKB uint64) error {
	a, err := newApp(flags)
	if err != nil {
		return err
	}

	raw, _, err := a.Config.Read(cmd.Context(), storeid)
	if err != nil {
		return fmt.Errorf("alloc %q: %w", storeid, err)
	}
	section, err := storagemgr.Resolve(sectioncfg.Config{Sections: []sectioncfg.Section{raw}}, storeid, flags.localNode(), false)
	if err != nil {
		return fmt.Errorf("alloc %q: %w", storeid, err)
	}

	volname, err := a.Storage.AllocImage(cmd.Context(), section, vmid, volid.Format(format), name, sizeKB)
	if err != nil {
		return fmt.Errorf("alloc %q: %w", storeid, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s:%s\n", storeid, volname)
	return nil
}

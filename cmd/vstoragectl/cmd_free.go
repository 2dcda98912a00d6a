package main

import (
	"fmt"

	"github.com/nimbusvc/vstorage/pkg/sectioncfg"
	"github.com/nimbusvc/vstorage/pkg/storagemgr"
	"github.com/spf13/cobra"
)

func newFreeCmd(flags *globalFlags) *cobra.Command {
	var isBase bool

	cmd := &cobra.Command{
		Use:   "free <storeid> <volname>",
		Short: "Remove a volume's backing store",
		Long:  `Remove volname's backing store under storeid (spec.md §4.E free_image).`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFree(cmd, flags, args[0], args[1], isBase)
		},
	}
	cmd.Flags().BoolVar(&isBase, "base", false, "volname is a base image (write protection is cleared before removal)")
	return cmd
}

func runFree(cmd *cobra.Command, flags *globalFlags, storeid, volname string, isBase bool) error {
	a, err := newApp(flags)
	if err != nil {
		return err
	}

	raw, _, err := a.Config.Read(cmd.Context(), storeid)
	if err != nil {
		return fmt.Errorf("free %q: %w", storeid, err)
	}
	section, err := storagemgr.Resolve(sectioncfg.Config{Sections: []sectioncfg.Section{raw}}, storeid, flags.localNode(), false)
	if err != nil {
		return fmt.Errorf("free %q: %w", storeid, err)
	}

	if err := a.Storage.FreeImage(cmd.Context(), section, volname, isBase); err != nil {
		return fmt.Errorf("free %s:%s: %w", storeid, volname, err)
	}

	colorSuccess.Fprintf(cmd.OutOrStdout(), "%s:%s freed\n", storeid, volname) //nolint:errcheck // writing to stdout
	return nil
}

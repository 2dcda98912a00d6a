package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRemoveCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <storeid>",
		Short: "Delete a storage entry",
		Long: `Delete storeid from storage.cfg under the cluster lock (spec.md §4.D).
Deleting "local" is always rejected, as is deleting an entry still
referenced as another entry's LVM base.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemove(cmd, flags, args[0])
		},
	}
	return cmd
}

func runRemove(cmd *cobra.Command, flags *globalFlags, storeid string) error {
	a, err := newApp(flags)
	if err != nil {
		return err
	}
	if err := a.Config.Delete(cmd.Context(), storeid); err != nil {
		return fmt.Errorf("remove %q: %w", storeid, err)
	}

	colorSuccess.Fprintf(cmd.OutOrStdout(), "storage %q removed\n", storeid) //nolint:errcheck // writing to stdout
	return nil
}

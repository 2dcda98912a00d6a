package main

import (
	"fmt"

	"github.com/nimbusvc/vstorage/pkg/sectioncfg"
	"github.com/spf13/cobra"
)

func newSetCmd(flags *globalFlags) *cobra.Command {
	var digest string
	var options []string

	cmd := &cobra.Command{
		Use:   "set <storeid>",
		Short: "Update an existing storage entry",
		Long: `Update storeid's properties under the cluster lock (spec.md §4.D):
requires the digest the entry was last read under, rejects a "type"
key outright (type is immutable after creation), and otherwise merges
the given options into the existing entry key-wise, last write wins.

Example:
  vstoragectl set extra --digest <digest-from-list> --option content=images,rootdir`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSet(cmd, flags, args[0], digest, options)
		},
	}

	cmd.Flags().StringVar(&digest, "digest", "", "digest the entry was last read under")
	cmd.Flags().StringArrayVar(&options, "option", nil, "key=value option, repeatable")
	_ = cmd.MarkFlagRequired("digest")

	return cmd
}

func runSet(cmd *cobra.Command, flags *globalFlags, storeid, digest string, options []string) error {
	params, err := parseOptions(options)
	if err != nil {
		return err
	}

	a, err := newApp(flags)
	if err != nil {
		return err
	}
	if err := a.Config.Update(cmd.Context(), storeid, params, sectioncfg.Digest(digest)); err != nil {
		return fmt.Errorf("set %q: %w", storeid, err)
	}

	colorSuccess.Fprintf(cmd.OutOrStdout(), "storage %q updated\n", storeid) //nolint:errcheck // writing to stdout
	return nil
}

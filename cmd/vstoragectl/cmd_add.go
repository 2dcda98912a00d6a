package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newAddCmd(flags *globalFlags) *cobra.Command {
	var typeName string
	var options []string

	cmd := &cobra.Command{
		Use:   "add <storeid>",
		Short: "Create a new storage entry",
		Long: `Create a new storage entry in storage.cfg, running create() under the
cluster lock (spec.md §4.D): the plugin's create schema validates the
options, an LVM "base" is resolved and activated first if declared,
and the new entry itself is activated unless --option disable=1 is
set. A failure at any step leaves storage.cfg untouched.

Examples:
  vstoragectl add extra --type dir --option path=/mnt/extra --option content=images
  vstoragectl add lun0 --type iscsidirect --option portal=10.0.0.1:3260 --option target=iqn.2024-01.example:lun0`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdd(cmd, flags, args[0], typeName, options)
		},
	}

	cmd.Flags().StringVar(&typeName, "type", "", "storage type (dir, zfspool, nfspve, iscsidirect, glusterfs, lvm, lvmthin, nexenta)")
	cmd.Flags().StringArrayVar(&options, "option", nil, "key=value option, repeatable")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

func runAdd(cmd *cobra.Command, flags *globalFlags, storeid, typeName string, options []string) error {
	params, err := parseOptions(options)
	if err != nil {
		return err
	}
	params["type"] = typeName
	params["storage"] = storeid

	a, err := newApp(flags)
	if err != nil {
		return err
	}
	if err := a.Config.Create(cmd.Context(), params); err != nil {
		return fmt.Errorf("add %q: %w", storeid, err)
	}

	colorSuccess.Fprintf(cmd.OutOrStdout(), "storage %q created\n", storeid) //nolint:errcheck // writing to stdout
	return nil
}

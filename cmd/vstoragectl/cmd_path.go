package main

import (
	"fmt"

	"github.com/nimbusvc/vstorage/pkg/sectioncfg"
	"github.com/nimbusvc/vstorage/pkg/storagemgr"
	"github.com/spf13/cobra"
)

func newPathCmd(flags *globalFlags) *cobra.Command {
	var snap string

	cmd := &cobra.Command{
		Use:   "path <storeid> <volname>",
		Short: "Resolve a volume to its path, device, or URL",
		Long:  `Resolve volname under storeid to whatever the backend's path() returns: a file path, a block device, or a URL (spec.md §4.E).`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPath(cmd, flags, args[0], args[1], snap)
		},
	}
	cmd.Flags().StringVar(&snap, "snap", "", "resolve this snapshot within volname instead of the current volume")
	return cmd
}

func runPath(cmd *cobra.Command, flags *globalFlags, storeid, volname, snap string) error {
	a, err := newApp(flags)
	if err != nil {
		return err
	}

	raw, _, err := a.Config.Read(cmd.Context(), storeid)
	if err != nil {
		return fmt.Errorf("path %q: %w", storeid, err)
	}
	section, err := storagemgr.Resolve(sectioncfg.Config{Sections: []sectioncfg.Section{raw}}, storeid, flags.localNode(), false)
	if err != nil {
		return fmt.Errorf("path %q: %w", storeid, err)
	}

	path, vmid, vtype, err := a.Storage.Path(cmd.Context(), section, volname, snap)
	if err != nil {
		return fmt.Errorf("path %s:%s: %w", storeid, volname, err)
	}

	switch flags.output {
	case outputFormatJSON, outputFormatYAML:
		return encodeAs(flags.output, struct {
			Path  string `json:"path" yaml:"path"`
			VMID  string `json:"vmid" yaml:"vmid"`
			VType string `json:"vtype" yaml:"vtype"`
		}{Path: path, VMID: vmid, VType: string(vtype)})
	default:
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	}
}

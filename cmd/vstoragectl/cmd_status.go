package main

import (
	"fmt"

	"github.com/nimbusvc/vstorage/pkg/sectioncfg"
	"github.com/nimbusvc/vstorage/pkg/storagemgr"
	"github.com/spf13/cobra"
)

// storageStatus is the status command's structured output.
type storageStatus struct {
	StoreID    string `json:"storeid" yaml:"storeid"`
	Type       string `json:"type" yaml:"type"`
	Active     bool   `json:"active" yaml:"active"`
	TotalBytes uint64 `json:"totalBytes" yaml:"totalBytes"`
	FreeBytes  uint64 `json:"freeBytes" yaml:"freeBytes"`
	UsedBytes  uint64 `json:"usedBytes" yaml:"usedBytes"`
}

func newStatusCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <storeid>",
		Short: "Show a storage entry's capacity and activation status",
		Long: `Resolve storeid (honoring the disable/node-restriction rules of
spec.md §4.I) and query its backend's capacity. A failure of the
capacity query itself degrades to active=false; a failure to activate
the storage first is returned as an error.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, flags, args[0])
		},
	}
	return cmd
}

func runStatus(cmd *cobra.Command, flags *globalFlags, storeid string) error {
	a, err := newApp(flags)
	if err != nil {
		return err
	}

	raw, _, err := a.Config.Read(cmd.Context(), storeid)
	if err != nil {
		return fmt.Errorf("status %q: %w", storeid, err)
	}
	section, err := storagemgr.Resolve(sectioncfg.Config{Sections: []sectioncfg.Section{raw}}, storeid, flags.localNode(), false)
	if err != nil {
		return fmt.Errorf("status %q: %w", storeid, err)
	}

	info, err := a.Storage.Status(cmd.Context(), section)
	if err != nil {
		return fmt.Errorf("status %q: %w", storeid, err)
	}

	status := storageStatus{
		StoreID:    storeid,
		Type:       section.Type,
		Active:     info.Active,
		TotalBytes: info.TotalBytes,
		FreeBytes:  info.FreeBytes,
		UsedBytes:  info.UsedBytes,
	}

	switch flags.output {
	case outputFormatJSON, outputFormatYAML:
		return encodeAs(flags.output, status)
	default:
		fmt.Fprintf(cmd.OutOrStdout(), "storeid:  %s\n", status.StoreID)
		fmt.Fprintf(cmd.OutOrStdout(), "type:     %s\n", status.Type)
		fmt.Fprintf(cmd.OutOrStdout(), "active:   %s\n", boolBadge(status.Active))
		fmt.Fprintf(cmd.OutOrStdout(), "total:    %d\n", status.TotalBytes)
		fmt.Fprintf(cmd.OutOrStdout(), "free:     %d\n", status.FreeBytes)
		fmt.Fprintf(cmd.OutOrStdout(), "used:     %d\n", status.UsedBytes)
		return nil
	}
}

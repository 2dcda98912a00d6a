package main

import (
	"fmt"

	"github.com/nimbusvc/vstorage/pkg/sectioncfg"
	"github.com/spf13/cobra"
)

func newListCmd(flags *globalFlags) *cobra.Command {
	var typeFilter string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List storage entries",
		Long: `List every entry in storage.cfg, optionally filtered by type
(spec.md §4.D). The digest printed at the end is what "set" needs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, flags, typeFilter)
		},
	}
	cmd.Flags().StringVar(&typeFilter, "type", "", "only list entries of this storage type")
	return cmd
}

func runList(cmd *cobra.Command, flags *globalFlags, typeFilter string) error {
	a, err := newApp(flags)
	if err != nil {
		return err
	}

	sections, digest, err := a.Config.List(cmd.Context(), typeFilter)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}

	switch flags.output {
	case outputFormatJSON, outputFormatYAML:
		return encodeAs(flags.output, struct {
			Digest  string               `json:"digest" yaml:"digest"`
			Entries []sectioncfg.Section `json:"entries" yaml:"entries"`
		}{Digest: string(digest), Entries: sections})

	case outputFormatTable, "":
		t := newStyledTable()
		t.AppendHeader(tableRow("storeid", "type", "content", "disabled", "nodes"))
		for _, s := range sections {
			t.AppendRow(tableRow(s.StoreID, s.Type, s.Props["content"], s.Props["disable"] == "1", s.Props["nodes"]))
		}
		t.Render()
		colorMuted.Fprintf(cmd.OutOrStdout(), "digest: %s\n", digest) //nolint:errcheck // writing to stdout
		return nil

	default:
		return errUnknownOutputFormat
	}
}

func tableRow(vals ...any) []any { return vals }

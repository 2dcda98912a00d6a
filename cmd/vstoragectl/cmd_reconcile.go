package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// reconcileResult reports whether a single storage entry's backend
// could be activated to match the config on disk.
type reconcileResult struct {
	StoreID string `json:"storeid" yaml:"storeid"`
	Type    string `json:"type" yaml:"type"`
	OK      bool   `json:"ok" yaml:"ok"`
	Error   string `json:"error,omitempty" yaml:"error,omitempty"`
}

func newReconcileCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Re-activate every storage entry and report drift",
		Long: `Re-run activate_storage against every entry in storage.cfg and report
which ones fail. This exists because a create/update can succeed on
the config side while a prior activation attempt failed transiently,
or vice versa (spec.md §7: "acknowledge the hazard [...] and expose a
reconcile command to the CLI collaborator" rather than attempting a
distributed transaction across the backend and the config write).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(cmd, flags)
		},
	}
	return cmd
}

func runReconcile(cmd *cobra.Command, flags *globalFlags) error {
	a, err := newApp(flags)
	if err != nil {
		return err
	}

	sections, _, err := a.Config.List(cmd.Context(), "")
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	results := make([]reconcileResult, 0, len(sections))
	failed := 0
	for _, s := range sections {
		r := reconcileResult{StoreID: s.StoreID, Type: s.Type, OK: true}
		if _, err := a.Storage.Status(cmd.Context(), s); err != nil {
			r.OK = false
			r.Error = err.Error()
			failed++
		}
		results = append(results, r)
	}

	switch flags.output {
	case outputFormatJSON, outputFormatYAML:
		if err := encodeAs(flags.output, results); err != nil {
			return err
		}
	default:
		t := newStyledTable()
		t.AppendHeader(tableRow("storeid", "type", "ok", "error"))
		for _, r := range results {
			t.AppendRow(tableRow(r.StoreID, r.Type, boolBadge(r.OK), r.Error))
		}
		t.Render()
	}

	if failed > 0 {
		return fmt.Errorf("reconcile: %d of %d entries failed to activate", failed, len(sections))
	}
	return nil
}

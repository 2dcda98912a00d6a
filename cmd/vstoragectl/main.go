// Package main implements vstoragectl, the operator CLI for the
// storage core (spec.md §6): add/set/remove/status/list/alloc/free/
// path/scan/reconcile, each mapped onto a single configapi or
// storagemgr call.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Build information (set via ldflags).
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:   "vstoragectl",
		Short: "Manage the storage core's configuration and volumes",
		Long: `vstoragectl operates storage.cfg and its backends directly: it is the
CLI collaborator spec.md §4.D/§4.I describe, not a network client of
anything. Every subcommand either reads/mutates storage.cfg through
the configuration API or dispatches a volume operation through the
storage-level facade.`,
		Version: version + " (" + commit + ")",
	}

	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to storage.cfg (default: the cluster filesystem's canonical path)")
	rootCmd.PersistentFlags().StringVar(&flags.node, "node", "", "local node name, for node-restriction checks (default: hostname)")
	rootCmd.PersistentFlags().BoolVar(&flags.shared, "shared", false, "treat storage.cfg as a cluster-wide resource guarded by the cluster locker")
	rootCmd.PersistentFlags().StringVarP(&flags.output, "output", "o", "table", "output format: table, yaml, json")

	rootCmd.AddCommand(newAddCmd(&flags))
	rootCmd.AddCommand(newSetCmd(&flags))
	rootCmd.AddCommand(newRemoveCmd(&flags))
	rootCmd.AddCommand(newListCmd(&flags))
	rootCmd.AddCommand(newStatusCmd(&flags))
	rootCmd.AddCommand(newAllocCmd(&flags))
	rootCmd.AddCommand(newFreeCmd(&flags))
	rootCmd.AddCommand(newPathCmd(&flags))
	rootCmd.AddCommand(newScanCmd("nfsscan", &flags))
	rootCmd.AddCommand(newScanCmd("iscsiscan", &flags))
	rootCmd.AddCommand(newScanCmd("glusterfsscan", &flags))
	rootCmd.AddCommand(newReconcileCmd(&flags))

	return rootCmd
}

package main

import (
	"os"

	"github.com/nimbusvc/vstorage/internal/clusterfs"
	"github.com/nimbusvc/vstorage/pkg/clusterlock"
	"github.com/nimbusvc/vstorage/pkg/configapi"
	"github.com/nimbusvc/vstorage/pkg/registry"
	"github.com/nimbusvc/vstorage/pkg/runner"
	"github.com/nimbusvc/vstorage/pkg/storagemgr"
)

// globalFlags holds the persistent flags every subcommand reads.
type globalFlags struct {
	configPath string
	node       string
	shared     bool
	output     string
}

// localNode resolves the --node flag, defaulting to the machine's
// hostname, per spec.md §4.I's local_node parameter.
func (f *globalFlags) localNode() string {
	if f.node != "" {
		return f.node
	}
	host, err := os.Hostname()
	if err != nil {
		return ""
	}
	return host
}

// app bundles the configuration API and the storage facade every
// subcommand dispatches through.
type app struct {
	Config  *configapi.API
	Storage *storagemgr.Manager
}

// newApp wires a fresh Registry with every built-in backend, a
// clusterfs-backed configapi.API, and a storagemgr.Manager sharing
// that registry, exactly the way a long-running daemon would
// construct them (spec.md §4.H's node-local/cluster-wide lock split
// is selected by flags.shared).
func newApp(flags *globalFlags) (*app, error) {
	reg := registry.New()
	if err := registry.RegisterBuiltins(reg, runner.NewExec()); err != nil {
		return nil, err
	}

	configAPI := configapi.New(clusterfs.NewLocalFS(), reg, clusterlock.NewLocalFileLocker(), clusterlock.NewInProcessLocker())
	if flags.configPath != "" {
		configAPI.ConfigPath = flags.configPath
	}
	configAPI.Shared = flags.shared

	return &app{
		Config:  configAPI,
		Storage: storagemgr.New(reg),
	}, nil
}

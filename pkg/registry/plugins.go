package registry

import (
	"github.com/nimbusvc/vstorage/pkg/backend/dirdriver"
	"github.com/nimbusvc/vstorage/pkg/backend/glusterdriver"
	"github.com/nimbusvc/vstorage/pkg/backend/iscsidriver"
	"github.com/nimbusvc/vstorage/pkg/backend/lvmdriver"
	"github.com/nimbusvc/vstorage/pkg/backend/nexentadriver"
	"github.com/nimbusvc/vstorage/pkg/backend/nfsdriver"
	"github.com/nimbusvc/vstorage/pkg/backend/zfsdriver"
	"github.com/nimbusvc/vstorage/pkg/runner"
)

// RegisterBuiltins registers the plugin descriptor for every storage
// type this core ships a driver for (spec.md §1/§3, generalized per
// SPEC_FULL.md "Additional registered storage types"). run is the
// command runner every shelling-out driver is built with; nexenta's
// HTTP client is constructed internally (http.DefaultClient).
func RegisterBuiltins(r *Registry, run runner.Runner) error {
	builtins := []Plugin{
		{
			TypeName:       dirdriver.TypeName,
			ContentAllowed: setOf("images", "iso", "vztmpl", "backup", "rootdir"),
			ContentDefault: setOf("images"),
			Options: []OptionDescriptor{
				{Name: "path", Kind: OptionFixed, Required: true},
				{Name: "maxfiles", Kind: OptionOptional},
			},
			Driver: dirdriver.New(run),
		},
		{
			TypeName:       zfsdriver.TypeName,
			ContentAllowed: setOf("images", "rootdir"),
			ContentDefault: setOf("images"),
			Options: []OptionDescriptor{
				{Name: "pool", Kind: OptionFixed, Required: true},
				{Name: "sparse", Kind: OptionOptional},
				{Name: "blocksize", Kind: OptionOptional},
			},
			Driver: zfsdriver.New(run),
		},
		{
			TypeName:       nfsdriver.TypeName,
			ContentAllowed: setOf("images", "iso", "vztmpl", "backup", "rootdir"),
			ContentDefault: setOf("images"),
			Options: []OptionDescriptor{
				{Name: "path", Kind: OptionFixed, Required: true},
				{Name: "server", Kind: OptionFixed, Required: true},
				{Name: "export", Kind: OptionFixed, Required: true},
				{Name: "options", Kind: OptionOptional},
			},
			Driver: nfsdriver.New(run),
		},
		{
			TypeName:       iscsidriver.TypeName,
			ContentAllowed: setOf("images"),
			ContentDefault: setOf("images"),
			Options: []OptionDescriptor{
				{Name: "portal", Kind: OptionFixed, Required: true},
				{Name: "target", Kind: OptionFixed, Required: true},
			},
			Driver: iscsidriver.New(),
		},
		{
			TypeName:       glusterdriver.TypeName,
			ContentAllowed: setOf("images", "iso", "vztmpl", "backup", "rootdir"),
			ContentDefault: setOf("images"),
			Options: []OptionDescriptor{
				{Name: "path", Kind: OptionFixed, Required: true},
				{Name: "server", Kind: OptionFixed, Required: true},
				{Name: "volume", Kind: OptionFixed, Required: true},
			},
			Driver: glusterdriver.New(run),
		},
		{
			TypeName:       lvmdriver.TypeName,
			ContentAllowed: setOf("images"),
			ContentDefault: setOf("images"),
			Options: []OptionDescriptor{
				{Name: "vgname", Kind: OptionFixed, Required: true},
				{Name: "base", Kind: OptionFixed},
				{Name: "saferemove", Kind: OptionOptional},
			},
			Driver: lvmdriver.New(run),
		},
		{
			TypeName:       lvmdriver.ThinTypeName,
			ContentAllowed: setOf("images"),
			ContentDefault: setOf("images"),
			Options: []OptionDescriptor{
				{Name: "vgname", Kind: OptionFixed, Required: true},
				{Name: "thinpool", Kind: OptionFixed, Required: true},
				{Name: "base", Kind: OptionFixed},
			},
			Driver: lvmdriver.NewThin(run),
		},
		{
			TypeName:       nexentadriver.TypeName,
			ContentAllowed: setOf("images"),
			ContentDefault: setOf("images"),
			Options: []OptionDescriptor{
				{Name: "url", Kind: OptionFixed, Required: true},
				{Name: "username", Kind: OptionFixed, Required: true},
				{Name: "password", Kind: OptionFixed, Required: true},
			},
			Driver: nexentadriver.New(nil),
		},
	}

	for _, p := range builtins {
		if err := r.Register(p); err != nil {
			return err
		}
	}
	return nil
}

// Package registry is the plugin registry and schema assembler
// (spec.md §4.C): each storage type registers a Plugin describing its
// content/format modes and option descriptors; the registry assembles
// the create and update schemas used to validate incoming parameters,
// and dispatches type_name to the backend.Driver that implements it.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nimbusvc/vstorage/pkg/backend"
)

// OptionKind tags an option descriptor as settable only at creation
// time, or mutable afterward (spec.md §4.C).
type OptionKind int

const (
	OptionFixed OptionKind = iota
	OptionOptional
)

// OptionDescriptor describes one type-specific configuration key.
type OptionDescriptor struct {
	Name     string
	Kind     OptionKind
	Required bool // required on create, regardless of Kind
}

// Plugin is what a storage type registers (spec.md §4.C).
type Plugin struct {
	TypeName string

	ContentAllowed map[string]struct{}
	ContentDefault map[string]struct{}

	// FormatAllowed is nil for types with no "format" property
	// (spec.md's optional format_modes).
	FormatAllowed map[string]struct{}
	FormatDefault string

	Options []OptionDescriptor

	Driver backend.Driver
}

var (
	ErrUnknownType       = errors.New("registry: unknown storage type")
	ErrAlreadyRegistered = errors.New("registry: type already registered")
	ErrUnknownKey        = errors.New("registry: unknown configuration key")
	ErrMissingRequired   = errors.New("registry: missing required key")
	ErrUnknownContent    = errors.New("registry: unknown or contradictory content value")
	ErrUnknownFormat     = errors.New("registry: format not in the type's allowed set")
	ErrUnknownNode       = errors.New("registry: unknown cluster node")
)

// commonKeys are accepted for every type, per spec.md §4.C's "union of
// the common descriptors plus, for each type, the type's options".
var commonKeys = map[string]struct{}{
	"type": {}, "storage": {}, "content": {}, "nodes": {},
	"format": {}, "disable": {}, "shared": {}, "digest": {},
}

// Registry maps type_name to a registered Plugin.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{plugins: map[string]Plugin{}}
}

// Register adds a plugin. Re-registering the same type_name is an error.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[p.TypeName]; exists {
		return fmt.Errorf("%w: %q", ErrAlreadyRegistered, p.TypeName)
	}
	r.plugins[p.TypeName] = p
	return nil
}

// Lookup returns the plugin registered for typeName.
func (r *Registry) Lookup(typeName string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[typeName]
	if !ok {
		return Plugin{}, fmt.Errorf("%w: %q", ErrUnknownType, typeName)
	}
	return p, nil
}

// TypeNames returns every registered type_name, sorted.
func (r *Registry) TypeNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ValidateCreate implements the createSchema rules (spec.md §4.C):
// type and storage required; fixed options required where declared;
// unknown keys rejected.
func (p Plugin) ValidateCreate(params map[string]string) error {
	return p.validate(params, true)
}

// ValidateUpdate implements the updateSchema rules: excludes fixed
// options, adds an optional digest, rejects unknown keys.
func (p Plugin) ValidateUpdate(params map[string]string) error {
	for _, opt := range p.Options {
		if opt.Kind == OptionFixed {
			if _, present := params[opt.Name]; present {
				return fmt.Errorf("%w: %q is fixed, not updatable", ErrUnknownKey, opt.Name)
			}
		}
	}
	return p.validate(params, false)
}

func (p Plugin) validate(params map[string]string, create bool) error {
	allowed := map[string]struct{}{}
	for k := range commonKeys {
		allowed[k] = struct{}{}
	}
	for _, opt := range p.Options {
		allowed[opt.Name] = struct{}{}
	}

	for k := range params {
		if _, ok := allowed[k]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownKey, k)
		}
	}

	if create {
		if _, ok := params["storage"]; !ok {
			return fmt.Errorf("%w: storage", ErrMissingRequired)
		}
		for _, opt := range p.Options {
			if opt.Required {
				if _, ok := params[opt.Name]; !ok {
					return fmt.Errorf("%w: %q", ErrMissingRequired, opt.Name)
				}
			}
		}
	}

	if content, ok := params["content"]; ok {
		if err := p.validateContent(content); err != nil {
			return err
		}
	}
	if format, ok := params["format"]; ok {
		if err := p.validateFormat(format); err != nil {
			return err
		}
	}
	return nil
}

// contentNone is spec.md §3's sentinel content value: every type
// accepts it regardless of its ContentAllowed set, but it cannot
// appear alongside any other content value.
const contentNone = "none"

func (p Plugin) validateContent(content string) error {
	values := 0
	hasNone := false
	for _, c := range strings.Split(content, ",") {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		values++
		if c == contentNone {
			hasNone = true
			continue
		}
		if _, ok := p.ContentAllowed[c]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownContent, c)
		}
	}
	if hasNone && values > 1 {
		return fmt.Errorf("%w: %q cannot combine with other content values", ErrUnknownContent, contentNone)
	}
	return nil
}

func (p Plugin) validateFormat(format string) error {
	if p.FormatAllowed == nil {
		return fmt.Errorf("%w: type %q has no format property", ErrUnknownFormat, p.TypeName)
	}
	if _, ok := p.FormatAllowed[format]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	return nil
}

// ValidateNodes checks a comma-separated "nodes" value against the
// cluster's known node set (spec.md §4.C). clusterNodes may be nil,
// meaning node validation is skipped (single-node deployments).
func ValidateNodes(nodes string, clusterNodes map[string]struct{}) error {
	if clusterNodes == nil {
		return nil
	}
	for _, n := range strings.Split(nodes, ",") {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := clusterNodes[n]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownNode, n)
		}
	}
	return nil
}

func setOf(items ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, i := range items {
		out[i] = struct{}{}
	}
	return out
}

// Package sectioncfg reads and writes the cluster's flat storage.cfg
// text format (spec.md §4.B): a sequence of sections, one per storage,
// each a "<type>: <storeid>" header followed by indented "key value"
// lines.
package sectioncfg

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"k8s.io/klog/v2"
)

// Digest is an opaque hash of a config's serialized bytes, used for
// optimistic concurrency on updates (spec.md §3 "ConfigDigest").
type Digest string

// Section is one storage declaration: its type, id, and raw key/value
// properties exactly as read (or about to be written).
type Section struct {
	Type    string
	StoreID string
	// Props holds every key seen for this section, including unknown
	// keys the current process doesn't understand — those are kept
	// and re-emitted verbatim for forward compatibility (spec.md §4.B).
	Props map[string]string
}

// Config is a fully parsed storage.cfg plus the digest of the bytes it
// was parsed from.
type Config struct {
	Sections []Section
	Digest   Digest
}

// LocalStoreID and LocalPath are the guaranteed "local" entry's fixed
// identity and path (spec.md §3).
const (
	LocalStoreID = "local"
	LocalType    = "dir"
	LocalPath    = "/var/lib/vstorage"
)

var headerRegex = func() func(string) (typ, id string, ok bool) {
	return func(line string) (string, string, bool) {
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			return "", "", false
		}
		typ := strings.TrimSpace(line[:idx])
		id := strings.TrimSpace(line[idx+1:])
		if typ == "" || id == "" {
			return "", "", false
		}
		return typ, id, true
	}
}()

// ErrMalformedLine is returned when a section header line is not
// "<type>: <storeid>", or an indented property line cannot be split
// into a key and a value.
var ErrMalformedLine = errors.New("malformed property line")

// Parse reads a storage.cfg document. Unknown keys are kept, not
// dropped. A duplicate storeid keeps the last occurrence and logs a
// warning, per spec.md §4.B. The "local" entry is injected afterward
// if absent, and its guaranteed attributes are enforced even if
// present (spec.md §3).
func Parse(data []byte) (Config, error) {
	digest := computeDigest(data)

	order := make([]string, 0, 8)
	byID := make(map[string]Section)

	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	var current *Section
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Text()
		if strings.TrimSpace(raw) == "" {
			continue
		}

		if !strings.HasPrefix(raw, "\t") && !strings.HasPrefix(raw, " ") {
			typ, id, ok := headerRegex(raw)
			if !ok {
				return Config{}, fmt.Errorf("line %d: %w: %q", lineNo, ErrMalformedLine, raw)
			}
			if _, exists := byID[id]; exists {
				klog.Warningf("storage.cfg: duplicate storeid %q, keeping last occurrence", id)
			} else {
				order = append(order, id)
			}
			sec := Section{Type: typ, StoreID: id, Props: map[string]string{}}
			byID[id] = sec
			current = &sec
			continue
		}

		if current == nil {
			return Config{}, fmt.Errorf("line %d: property line before any section header: %q", lineNo, raw)
		}
		key, val, ok := splitProperty(raw)
		if !ok {
			return Config{}, fmt.Errorf("line %d: %w: %q", lineNo, ErrMalformedLine, raw)
		}
		sec := byID[current.StoreID]
		sec.Props[key] = val
		byID[current.StoreID] = sec
		current = ptr(sec)
	}
	if err := scanner.Err(); err != nil {
		return Config{}, fmt.Errorf("scanning storage.cfg: %w", err)
	}

	sections := make([]Section, 0, len(order))
	for _, id := range order {
		sections = append(sections, byID[id])
	}

	sections = injectLocal(sections)

	return Config{Sections: sections, Digest: digest}, nil
}

func splitProperty(line string) (key, value string, ok bool) {
	trimmed := strings.TrimLeft(line, " \t")
	idx := strings.IndexAny(trimmed, " \t")
	if idx < 0 {
		return "", "", false
	}
	key = trimmed[:idx]
	value = strings.TrimSpace(trimmed[idx+1:])
	if key == "" {
		return "", "", false
	}
	return key, value, true
}

// injectLocal guarantees the "local" dir entry exists with its fixed
// attributes, per spec.md §3: path fixed, disable cleared, content
// augmented to include rootdir and vztmpl, never node-restricted.
func injectLocal(sections []Section) []Section {
	found := -1
	for i, s := range sections {
		if s.StoreID == LocalStoreID {
			found = i
			break
		}
	}

	if found < 0 {
		sections = append(sections, Section{
			Type:    LocalType,
			StoreID: LocalStoreID,
			Props:   map[string]string{},
		})
		found = len(sections) - 1
	}

	local := sections[found]
	local.Type = LocalType
	if local.Props == nil {
		local.Props = map[string]string{}
	}
	local.Props["path"] = LocalPath
	delete(local.Props, "disable")
	delete(local.Props, "nodes")

	content := splitSet(local.Props["content"])
	content["rootdir"] = struct{}{}
	content["vztmpl"] = struct{}{}
	local.Props["content"] = joinSet(content)

	sections[found] = local
	return sections
}

// Write serializes a Config back into storage.cfg form. Sections are
// emitted in stable sorted order by storeid; within a section,
// properties are ordered "type" first, then remaining keys
// alphabetically (spec.md §4.B). The returned Digest is the hash of
// the emitted bytes.
func Write(cfg Config) ([]byte, Digest) {
	sections := append([]Section(nil), cfg.Sections...)
	sort.Slice(sections, func(i, j int) bool { return sections[i].StoreID < sections[j].StoreID })

	var b strings.Builder
	for _, s := range sections {
		fmt.Fprintf(&b, "%s: %s\n", s.Type, s.StoreID)
		keys := make([]string, 0, len(s.Props))
		for k := range s.Props {
			if k == "type" {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "\t%s %s\n", k, s.Props[k])
		}
		b.WriteString("\n")
	}

	data := []byte(b.String())
	return data, computeDigest(data)
}

func computeDigest(data []byte) Digest {
	sum := sha256.Sum256(data)
	return Digest(hex.EncodeToString(sum[:]))
}

func ptr(s Section) *Section { return &s }

func splitSet(s string) map[string]struct{} {
	out := map[string]struct{}{}
	if s == "" {
		return out
	}
	for _, v := range strings.Split(s, ",") {
		v = strings.TrimSpace(v)
		if v != "" {
			out[v] = struct{}{}
		}
	}
	return out
}

func joinSet(set map[string]struct{}) string {
	items := make([]string, 0, len(set))
	for k := range set {
		items = append(items, k)
	}
	sort.Strings(items)
	return strings.Join(items, ",")
}

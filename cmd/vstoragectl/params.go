package main

import (
	"errors"
	"fmt"
	"strings"
)

var errBadOptionSyntax = errors.New("option must be key=value")

// parseOptions turns repeated "--option key=value" flags into the
// params map configapi.Create/Update expect.
func parseOptions(raw []string) (map[string]string, error) {
	params := make(map[string]string, len(raw))
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: %q", errBadOptionSyntax, kv)
		}
		params[k] = v
	}
	return params, nil
}

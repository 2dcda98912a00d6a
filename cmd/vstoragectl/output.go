package main

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"gopkg.in/yaml.v3"
)

// Output format constants.
const (
	outputFormatTable = "table"
	outputFormatJSON  = "json"
	outputFormatYAML  = "yaml"
)

var errUnknownOutputFormat = errors.New("unknown output format")

// Color variables for consistent styling across all commands.
var (
	colorSuccess = color.New(color.FgGreen)
	colorError   = color.New(color.FgRed, color.Bold)
	colorMuted   = color.New(color.Faint)
)

// newStyledTable creates a pre-configured go-pretty table with
// StyleLight, bold upper-case headers, and no row separators.
func newStyledTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)

	style := table.StyleLight
	style.Options.SeparateRows = false
	style.Options.DrawBorder = false
	style.Options.SeparateColumns = true
	style.Format.Header = text.FormatUpper
	style.Format.HeaderAlign = text.AlignLeft
	t.SetStyle(style)

	return t
}

// encodeAs marshals v as json or yaml to stdout. format must already
// be known to be one of the two; callers route "table" separately.
func encodeAs(format string, v any) error {
	switch format {
	case outputFormatJSON:
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputFormatYAML:
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		return enc.Encode(v)
	default:
		return errUnknownOutputFormat
	}
}

func boolBadge(b bool) string {
	if b {
		return colorSuccess.Sprint("yes")
	}
	return colorMuted.Sprint("no")
}

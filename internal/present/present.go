// Package present renders discovery matches for the terminal.
package present

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/guardian/prism/internal/prism"
	"github.com/mattn/go-runewidth"
)

// Delimiter separates table columns.
const Delimiter = "\t"

// Mode selects how records are rendered.
type Mode int

const (
	// ModeTable renders stage, stack, app, address and creation time.
	ModeTable Mode = iota
	// ModeShort renders one address per line.
	ModeShort
	// ModeFields renders the columns named by Renderer.Fields.
	ModeFields
)

// Renderer writes rows to Out and diagnostics to Err.
type Renderer struct {
	Out  io.Writer
	Err  io.Writer
	Mode Mode
	// Fields are slash-separated paths into each record's raw object, e.g.
	// "stage" or "app/0". Used by ModeFields.
	Fields []string
	// Noun names the records in the empty-result diagnostic, e.g. "hosts".
	Noun string
}

// Render writes records in the configured mode. An empty record list is not
// an error: a "No <noun> found" line goes to Err and nothing to Out.
func (r *Renderer) Render(records []prism.Record) error {
	if len(records) == 0 {
		noun := r.Noun
		if noun == "" {
			noun = "hosts"
		}
		_, err := fmt.Fprintf(r.Err, "No %s found\n", noun)
		return err
	}

	switch r.Mode {
	case ModeShort:
		for _, rec := range records {
			if _, err := fmt.Fprintln(r.Out, rec.Address()); err != nil {
				return err
			}
		}
		return nil
	case ModeFields:
		if len(r.Fields) == 0 {
			return fmt.Errorf("no fields selected")
		}
		rows := make([][]string, 0, len(records))
		for _, rec := range records {
			rows = append(rows, SelectFields(rec.Raw(), r.Fields))
		}
		return WriteTable(r.Out, rows)
	default:
		rows := make([][]string, 0, len(records))
		for _, rec := range records {
			rows = append(rows, rec.DisplayFields().Columns())
		}
		return WriteTable(r.Out, rows)
	}
}

// WriteTable writes rows with each column padded to its widest cell. The last
// column is not padded so lines carry no trailing whitespace.
func WriteTable(w io.Writer, rows [][]string) error {
	widths := ColumnWidths(rows)

	var b strings.Builder
	for _, row := range rows {
		b.Reset()
		for i, cell := range row {
			if i > 0 {
				b.WriteString(Delimiter)
			}
			if i == len(row)-1 {
				b.WriteString(cell)
				continue
			}
			b.WriteString(runewidth.FillRight(cell, widths[i]))
		}
		b.WriteByte('\n')
		if _, err := io.WriteString(w, b.String()); err != nil {
			return err
		}
	}
	return nil
}

// ColumnWidths returns the maximum display width of each column.
func ColumnWidths(rows [][]string) []int {
	var widths []int
	for _, row := range rows {
		for i, cell := range row {
			if i >= len(widths) {
				widths = append(widths, 0)
			}
			if w := runewidth.StringWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}
	return widths
}

// SelectFields resolves each path against raw and formats the values.
func SelectFields(raw map[string]any, paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		v, ok := Lookup(raw, p)
		if !ok {
			continue
		}
		out[i] = FormatValue(v)
	}
	return out
}

// Lookup walks a slash-separated path through nested objects and arrays.
// A leading slash is optional and "~1"/"~0" escape "/" and "~" as in JSON
// pointers.
func Lookup(raw map[string]any, path string) (any, bool) {
	path = strings.TrimPrefix(strings.TrimSpace(path), "/")
	if path == "" || raw == nil {
		return nil, false
	}

	var cur any = raw
	for _, part := range strings.Split(path, "/") {
		part = strings.NewReplacer("~1", "/", "~0", "~").Replace(part)
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// FormatValue renders a decoded JSON value as a table cell. Arrays are joined
// with "," and objects are written as compact JSON.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = FormatValue(item)
		}
		return strings.Join(parts, ",")
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

// ParseFields splits a comma-separated --fields value, dropping blanks.
func ParseFields(s string) []string {
	var fields []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, f)
		}
	}
	return fields
}

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"
	"text/tabwriter"
)

// OutputFormat selects how command results are printed.
type OutputFormat string

const (
	// FormatText prints aligned tables and key/value lines.
	FormatText OutputFormat = "text"
	// FormatJSON prints indented JSON.
	FormatJSON OutputFormat = "json"
)

// ParseFormat validates a --output value.
func ParseFormat(s string) (OutputFormat, error) {
	switch OutputFormat(strings.ToLower(s)) {
	case FormatText, "":
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unknown output format %q (supported: text, json)", s)
	}
}

// Printer writes command results.
type Printer struct {
	w      io.Writer
	format OutputFormat
}

// NewPrinter creates a printer writing to w.
func NewPrinter(w io.Writer, format OutputFormat) *Printer {
	return &Printer{w: w, format: format}
}

// JSON reports whether the printer emits JSON.
func (p *Printer) JSON() bool {
	return p.format == FormatJSON
}

// Table prints rows under headers. In JSON mode v is encoded instead, so
// callers pass the structured value the rows were built from.
func (p *Printer) Table(headers []string, rows [][]string, v any) error {
	if p.JSON() {
		return p.encode(v)
	}
	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

// Object prints a single value. Text mode renders its exported fields as
// aligned "Name: value" lines; maps print sorted by key.
func (p *Printer) Object(v any) error {
	if p.JSON() {
		return p.encode(v)
	}
	tw := tabwriter.NewWriter(p.w, 0, 0, 1, ' ', 0)
	for _, kv := range fields(v) {
		fmt.Fprintf(tw, "%s:\t%s\n", kv[0], kv[1])
	}
	return tw.Flush()
}

// Message prints a line in text mode and nothing in JSON mode.
func (p *Printer) Message(format string, args ...any) {
	if p.JSON() {
		return
	}
	fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *Printer) encode(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fields(v any) [][2]string {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}

	var out [][2]string
	switch rv.Kind() {
	case reflect.Struct:
		rt := rv.Type()
		for i := 0; i < rt.NumField(); i++ {
			f := rt.Field(i)
			if !f.IsExported() {
				continue
			}
			out = append(out, [2]string{f.Name, display(rv.Field(i))})
		}
	case reflect.Map:
		keys := rv.MapKeys()
		sort.Slice(keys, func(i, j int) bool {
			return fmt.Sprint(keys[i].Interface()) < fmt.Sprint(keys[j].Interface())
		})
		for _, k := range keys {
			out = append(out, [2]string{fmt.Sprint(k.Interface()), display(rv.MapIndex(k))})
		}
	default:
		out = append(out, [2]string{"Value", display(rv)})
	}
	return out
}

func display(v reflect.Value) string {
	if (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) && v.IsNil() {
		return "-"
	}
	if s, ok := v.Interface().(fmt.Stringer); ok {
		return s.String()
	}
	if v.Kind() == reflect.Pointer {
		v = v.Elem()
	}
	return fmt.Sprint(v.Interface())
}

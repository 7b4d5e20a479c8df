package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"cynsta/spendguard/pkg/evidence"
)

// JSONExporter writes records as a JSON array.
type JSONExporter struct {
	Pretty bool
}

// NewJSONExporter creates a JSON exporter.
func NewJSONExporter(pretty bool) *JSONExporter {
	return &JSONExporter{Pretty: pretty}
}

// Export writes records as one JSON array, "[]" when empty.
func (e *JSONExporter) Export(ctx context.Context, records []*evidence.Record, w io.Writer) error {
	if records == nil {
		records = []*evidence.Record{}
	}
	enc := json.NewEncoder(w)
	if e.Pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(records); err != nil {
		return &evidence.ExportError{Format: "json", Err: err}
	}
	return nil
}

// ExportStream writes records from ch as a JSON array until ch closes.
func (e *JSONExporter) ExportStream(ctx context.Context, ch <-chan *evidence.Record, w io.Writer) error {
	written := 0
	fail := func(err error) error {
		return &evidence.ExportError{Format: "json", Written: written, Err: err}
	}

	if _, err := io.WriteString(w, "["); err != nil {
		return fail(err)
	}
	for {
		select {
		case <-ctx.Done():
			return fail(ctx.Err())
		case record, ok := <-ch:
			if !ok {
				if _, err := io.WriteString(w, "]\n"); err != nil {
					return fail(err)
				}
				return nil
			}

			sep := ","
			if written == 0 {
				sep = ""
			}
			if e.Pretty {
				sep += "\n  "
			}
			data, err := e.marshal(record)
			if err != nil {
				return fail(err)
			}
			if _, err := fmt.Fprintf(w, "%s%s", sep, data); err != nil {
				return fail(err)
			}
			written++
		}
	}
}

func (e *JSONExporter) marshal(record *evidence.Record) ([]byte, error) {
	if e.Pretty {
		return json.MarshalIndent(record, "  ", "  ")
	}
	return json.Marshal(record)
}

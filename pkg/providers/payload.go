package providers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Decode unmarshals body into v, reporting failures as *PayloadError.
func Decode(provider string, endpoint Endpoint, body json.RawMessage, v any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return &PayloadError{Provider: provider, Endpoint: endpoint, Cause: fmt.Errorf("empty body")}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &PayloadError{Provider: provider, Endpoint: endpoint, Cause: err}
	}
	return nil
}

// SetField returns body with the value at path replaced (or created),
// preserving every other field and the original key order. Missing or
// non-object intermediates are replaced with objects.
func SetField(body json.RawMessage, value any, path ...string) (json.RawMessage, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("empty field path")
	}

	if len(bytes.TrimSpace(body)) == 0 {
		body = json.RawMessage("{}")
	}
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return nil, fmt.Errorf("body is not a JSON object")
	}

	out := []byte(body)
	for i := 1; i < len(path); i++ {
		prefix := fieldPath(path[:i])
		if v := gjson.GetBytes(out, prefix); v.Exists() && !v.IsObject() {
			var err error
			if out, err = sjson.SetRawBytes(out, prefix, []byte("{}")); err != nil {
				return nil, err
			}
		}
	}

	out, err := sjson.SetBytes(out, fieldPath(path), value)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// HasField reports whether body is an object with a non-null key.
func HasField(body json.RawMessage, key string) bool {
	if !gjson.ValidBytes(body) {
		return false
	}
	v := gjson.GetBytes(body, fieldPath([]string{key}))
	return v.Exists() && v.Type != gjson.Null
}

// fieldPath joins literal keys into a gjson/sjson path.
func fieldPath(keys []string) string {
	escaped := make([]string, len(keys))
	for i, k := range keys {
		escaped[i] = pathEscaper.Replace(k)
	}
	return strings.Join(escaped, ".")
}

var pathEscaper = strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`, "|", `\|`, "#", `\#`, "@", `\@`)

// NonNegative clamps provider counts at zero.
func NonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// TextOf returns the text of a JSON string, or the raw JSON text for any
// other value. It is used to size tool schemas and structured arguments.
func TextOf(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

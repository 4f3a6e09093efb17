// Package voucher normalizes gateway voucher payloads and detects error
// markers hidden inside them.
package voucher

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
)

// Voucher is the canonical receipt shape. Text is Lines joined with "\n".
type Voucher struct {
	Text  string   `json:"text"`
	Lines []string `json:"lines"`
}

// IsEmpty reports whether the voucher has no content.
func (v Voucher) IsEmpty() bool {
	return strings.TrimSpace(v.Text) == ""
}

// FromText splits a pre-joined voucher into lines.
func FromText(s string) Voucher {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	if s == "" {
		return Voucher{}
	}
	return Voucher{Text: s, Lines: strings.Split(s, "\n")}
}

// FromLines builds a voucher from ordered lines.
func FromLines(lines []string) Voucher {
	if len(lines) == 0 {
		return Voucher{}
	}
	out := make([]string, len(lines))
	copy(out, lines)
	return Voucher{Text: strings.Join(out, "\n"), Lines: out}
}

// preferred keys when the gateway sends the voucher as an object
var lineKeys = []string{"lineas", "linea", "lines", "line", "voucher", "texto", "text"}

// Parse accepts the raw JSON voucher in any of the shapes the gateway
// produces (string, array of strings, nested object) and returns the
// canonical form.
func Parse(raw json.RawMessage) Voucher {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Voucher{}
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return FromText(string(raw))
	}

	if s, ok := v.(string); ok {
		return FromText(s)
	}

	var lines []string
	collect(v, &lines)
	return FromLines(lines)
}

func collect(v any, lines *[]string) {
	switch t := v.(type) {
	case string:
		*lines = append(*lines, strings.Split(strings.ReplaceAll(t, "\r\n", "\n"), "\n")...)
	case []any:
		for _, e := range t {
			collect(e, lines)
		}
	case map[string]any:
		for _, k := range lineKeys {
			if inner, ok := t[k]; ok {
				collect(inner, lines)
				return
			}
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			collect(t[k], lines)
		}
	case nil:
	default:
		b, _ := json.Marshal(t)
		*lines = append(*lines, string(b))
	}
}

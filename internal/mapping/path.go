// Package mapping shapes upstream response bodies: path extraction, the
// sandboxed transform language, and the fuzzy result filter.
package mapping

import (
	"encoding/json"
	"regexp"

	"github.com/tidwall/gjson"
)

var bracketIndex = regexp.MustCompile(`\[(\d+)\]`)

// normalizePath accepts both "items.0.name" and "items[0].name".
func normalizePath(path string) string {
	return bracketIndex.ReplaceAllString(path, ".$1")
}

// Extract resolves a dot/array-index path against a JSON document.
func Extract(raw []byte, path string) (any, bool) {
	res := gjson.GetBytes(raw, normalizePath(path))
	if !res.Exists() {
		return nil, false
	}
	return resultValue(res), true
}

// resultValue decodes a gjson result into plain Go values.
func resultValue(res gjson.Result) any {
	var v any
	if err := json.Unmarshal([]byte(res.Raw), &v); err != nil {
		return res.Value()
	}
	return v
}

// Decode returns the parsed JSON body, or the body as a string when it is not JSON.
func Decode(raw []byte) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	if !gjson.ValidBytes(raw) {
		return string(raw), false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw), false
	}
	return v, true
}

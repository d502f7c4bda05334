// Package fieldpath resolves dotted paths such as "data.owner.id" or "items[0].id" inside
// decoded JSON documents.
package fieldpath

import (
	"encoding/json"
	"strings"

	"github.com/oliveagle/jsonpath"
)

// Lookup returns the value at path inside data. A leading "$." is optional. Missing keys,
// out-of-range indexes and null values report false.
func Lookup(data any, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}

	if !strings.HasPrefix(path, "$") {
		path = "$." + path
	}

	value, err := jsonpath.JsonPathLookup(Normalize(data), path)
	if err != nil || value == nil {
		return nil, false
	}

	return value, true
}

// Normalize converts arbitrary Go values into the map[string]any / []any shapes produced by
// encoding/json. Scalars are returned untouched.
func Normalize(data any) any {
	switch v := data.(type) {
	case nil, string, float64, bool, json.Number:
		return v
	}

	encoded, err := json.Marshal(data)
	if err != nil {
		return data
	}

	var out any
	if err := json.Unmarshal(encoded, &out); err != nil {
		return data
	}

	return out
}

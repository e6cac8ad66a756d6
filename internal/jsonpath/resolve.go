package jsonpath

import (
	"fmt"
	"strconv"
	"strings"
)

// Resolve walks a dot-notation path through decoded JSON. Object keys and
// array indexes are both path segments ("data.items.0.id"). A leading "$."
// is accepted and ignored.
func Resolve(data any, path string) (any, error) {
	path = strings.TrimPrefix(path, "$.")
	if path == "" || path == "$" {
		return data, nil
	}
	current := data
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[part]
			if !ok {
				return nil, fmt.Errorf("path %q: field %q not found", path, part)
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, fmt.Errorf("path %q: invalid index %q", path, part)
			}
			current = node[idx]
		default:
			return nil, fmt.Errorf("path %q: cannot traverse into %T at %q", path, current, part)
		}
	}
	return current, nil
}

// String resolves path and renders scalar results as text. Missing paths,
// nulls and non-scalar values yield "".
func String(data any, path string) string {
	val, err := Resolve(data, path)
	if err != nil {
		return ""
	}
	switch v := val.(type) {
	case nil, map[string]any, []any:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Bool resolves path and reports whether it holds boolean true.
func Bool(data any, path string) bool {
	val, err := Resolve(data, path)
	if err != nil {
		return false
	}
	b, ok := val.(bool)
	return ok && b
}

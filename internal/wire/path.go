// Package wire decodes the marketplace's packed realtime payloads. This
// file provides lookup helpers over decoded generic values. The event
// payload is a numerically keyed nested structure rather than a named
// object, so consumers navigate it with explicit path constants whose
// meaning is documented at the call site.
package wire

import "strconv"

// Get walks a decoded value along the given keys. Each key indexes a
// map[string]any by string; when the current value is a []any and the
// key parses as an integer, it indexes the slice instead. A miss at any
// step returns nil.
func Get(v any, path ...string) any {
	cur := v
	for _, key := range path {
		switch node := cur.(type) {
		case map[string]any:
			cur = node[key]
		case []any:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(node) {
				return nil
			}
			cur = node[i]
		default:
			return nil
		}
		if cur == nil {
			return nil
		}
	}
	return cur
}

// GetString returns the string at path, or "" when the path misses or
// the value is not a string. []byte values are converted, matching the
// platform's habit of encoding text fields as raw bytes.
func GetString(v any, path ...string) string {
	switch s := Get(v, path...).(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return ""
	}
}

// GetInt returns the integer at path, accepting int64 values, float64
// values from the JSON fallback path, and numeric strings, or 0 when the
// path misses.
func GetInt(v any, path ...string) int64 {
	switch n := Get(v, path...).(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}

// GetMap returns the map at path, or nil.
func GetMap(v any, path ...string) map[string]any {
	m, _ := Get(v, path...).(map[string]any)
	return m
}

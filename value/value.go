// Package value provides the dynamic payload model used for node inputs,
// outputs, trigger data and handler configuration. Payloads are JSON-shaped
// mappings; handlers access them through typed accessors rather than raw
// type assertions.
package value

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Map is a JSON-object shaped mapping. Values are restricted to the JSON
// kinds: nil, bool, float64, string, []any and Map (or map[string]any).
type Map map[string]any

// Normalize converts an arbitrary decoded value into the canonical JSON
// shape: json.Number and integer types become float64, map[string]any
// becomes Map, nested slices and maps are normalized recursively.
func Normalize(v any) any {
	switch t := v.(type) {
	case nil, bool, string, float64:
		return t
	case Map:
		return normalizeMap(map[string]any(t))
	case map[string]any:
		return normalizeMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Normalize(e)
		}
		return out
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		// Last resort: round-trip through JSON.
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		var decoded any
		if err := json.Unmarshal(data, &decoded); err != nil {
			return string(data)
		}
		return Normalize(decoded)
	}
}

func normalizeMap(m map[string]any) Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = Normalize(v)
	}
	return out
}

// FromJSON decodes a JSON object into a Map.
func FromJSON(data []byte) (Map, error) {
	if len(data) == 0 {
		return Map{}, nil
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return normalizeMap(raw), nil
}

// CanonicalJSON encodes v with lexicographically sorted object keys.
// encoding/json already sorts map keys, so a marshal of the normalized
// value is canonical. Used for webhook HMAC signatures.
func CanonicalJSON(v any) ([]byte, error) {
	return json.Marshal(Normalize(v))
}

// Clone returns a deep copy of the map.
func (m Map) Clone() Map {
	if m == nil {
		return nil
	}
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Map:
		return t.Clone()
	case map[string]any:
		return normalizeMap(t).Clone()
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return t
	}
}

// Merge deep-merges src into m and returns m. Nested maps merge
// recursively; any other kind in src overwrites the value in m.
func (m Map) Merge(src Map) Map {
	for k, v := range src {
		if dstChild, ok := m[k].(Map); ok {
			if srcChild, ok := asMap(v); ok {
				dstChild.Merge(srcChild)
				continue
			}
		}
		m[k] = cloneValue(v)
	}
	return m
}

func asMap(v any) (Map, bool) {
	switch t := v.(type) {
	case Map:
		return t, true
	case map[string]any:
		return normalizeMap(t), true
	default:
		return nil, false
	}
}

// String returns the string value at key, or the empty string.
func (m Map) String(key string) string {
	s, _ := m[key].(string)
	return s
}

// StringOr returns the string value at key or def when absent or empty.
func (m Map) StringOr(key, def string) string {
	if s := m.String(key); s != "" {
		return s
	}
	return def
}

// Int returns the integer value at key. JSON numbers decode as float64;
// integral floats convert losslessly.
func (m Map) Int(key string) (int, bool) {
	switch t := m[key].(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// IntOr returns the integer value at key or def.
func (m Map) IntOr(key string, def int) int {
	if n, ok := m.Int(key); ok {
		return n
	}
	return def
}

// Float returns the float value at key.
func (m Map) Float(key string) (float64, bool) {
	switch t := m[key].(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	default:
		return 0, false
	}
}

// Bool returns the boolean value at key.
func (m Map) Bool(key string) bool {
	b, _ := m[key].(bool)
	return b
}

// Map returns the nested map at key, or nil.
func (m Map) Map(key string) Map {
	child, _ := asMap(m[key])
	return child
}

// Slice returns the slice value at key, or nil.
func (m Map) Slice(key string) []any {
	s, _ := m[key].([]any)
	return s
}

// GetPath resolves a dotted path ("a.b.c", with numeric segments indexing
// into slices) against the map. The second return reports whether every
// segment resolved.
func (m Map) GetPath(path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = m
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case Map:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
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

// SetPath sets a dotted path, creating intermediate maps as needed.
func (m Map) SetPath(path string, v any) {
	segs := strings.Split(path, ".")
	cur := m
	for i, seg := range segs {
		if i == len(segs)-1 {
			cur[seg] = Normalize(v)
			return
		}
		child, ok := cur[seg].(Map)
		if !ok {
			child = Map{}
			cur[seg] = child
		}
		cur = child
	}
}

// Package overlay implements per-session configuration overlays: an
// immutable shared base with submission-supplied overrides layered on top.
// Concurrent sessions each get their own effective configuration and can
// never observe another session's overrides.
package overlay

import "encoding/json"

// Map is a configuration value tree. Nested objects decode as nested Maps
// when parsed from JSON.
type Map = map[string]any

// Overlay produces the effective configuration for one session: base with
// overrides applied on top. Nested maps are merged recursively; scalars and
// arrays in overrides replace the base value; override keys absent from the
// base are honored additively. Neither input is mutated and the result
// shares no mutable structure with either.
func Overlay(base, overrides Map) Map {
	out := deepCopy(base)
	for k, v := range overrides {
		if sub, ok := v.(map[string]any); ok {
			if baseSub, ok := out[k].(map[string]any); ok {
				out[k] = Overlay(baseSub, sub)
				continue
			}
			out[k] = deepCopy(sub)
			continue
		}
		out[k] = copyValue(v)
	}
	return out
}

// Get returns the nested value at the given key path, or ok=false if any
// segment is missing or not a map.
func Get(m Map, path ...string) (any, bool) {
	if len(path) == 0 {
		return nil, false
	}
	cur := m
	for _, key := range path[:len(path)-1] {
		next, ok := cur[key].(map[string]any)
		if !ok {
			return nil, false
		}
		cur = next
	}
	v, ok := cur[path[len(path)-1]]
	return v, ok
}

// Parse decodes a JSON object into a Map. A nil or empty payload yields an
// empty Map, never nil, so callers can overlay it without guarding.
func Parse(data []byte) (Map, error) {
	if len(data) == 0 {
		return Map{}, nil
	}
	var m Map
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = Map{}
	}
	return m, nil
}

func deepCopy(m Map) Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopy(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}

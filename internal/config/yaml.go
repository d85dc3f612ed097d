package config

import (
	"encoding/json"
	"fmt"
)

// jsonMarshal encodes a YAML-decoded value as JSON, turning non-string map
// keys into strings first.
func jsonMarshal(v any) ([]byte, error) {
	return json.Marshal(normalizeYAML(v))
}

func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalizeYAML(v)
		}
		return m
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = normalizeYAML(x[i])
		}
		return out
	default:
		return in
	}
}

package entity

import (
	"encoding/json"
	"fmt"
)

// Object is an open JSON object. Request bodies, tool-call arguments and
// provider payloads are dynamic; they are kept as plain decoded JSON and
// validated only at trust boundaries (ingress, switch output, provider output).
type Object = map[string]any

// DecodeObject parses raw JSON into an Object, rejecting non-object payloads.
func DecodeObject(raw []byte) (Object, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("body is %T, expected JSON object", v)
	}
	return obj, nil
}

// GetString returns obj[key] when it is a string.
func GetString(obj Object, key string) (string, bool) {
	if obj == nil {
		return "", false
	}
	s, ok := obj[key].(string)
	return s, ok
}

// GetBool returns obj[key] when it is a bool.
func GetBool(obj Object, key string) bool {
	if obj == nil {
		return false
	}
	b, _ := obj[key].(bool)
	return b
}

// GetNumber returns obj[key] when it is a JSON number.
func GetNumber(obj Object, key string) (float64, bool) {
	if obj == nil {
		return 0, false
	}
	n, ok := obj[key].(float64)
	return n, ok
}

// GetObject returns obj[key] when it is a nested object.
func GetObject(obj Object, key string) (Object, bool) {
	if obj == nil {
		return nil, false
	}
	m, ok := obj[key].(map[string]any)
	return m, ok
}

// GetSlice returns obj[key] when it is an array.
func GetSlice(obj Object, key string) ([]any, bool) {
	if obj == nil {
		return nil, false
	}
	s, ok := obj[key].([]any)
	return s, ok
}

// ObjectSlice returns obj[key] as a slice of objects, skipping non-object
// elements.
func ObjectSlice(obj Object, key string) []Object {
	raw, ok := GetSlice(obj, key)
	if !ok {
		return nil
	}
	out := make([]Object, 0, len(raw))
	for _, el := range raw {
		if m, ok := el.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// Clone deep-copies an Object via JSON round-trip. Used where a transform must
// not mutate the caller's payload (compatibility profiles, snapshots).
func Clone(obj Object) Object {
	if obj == nil {
		return nil
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return Object{}
	}
	var out Object
	if err := json.Unmarshal(raw, &out); err != nil {
		return Object{}
	}
	return out
}

// MustJSON marshals v, returning "{}" on failure. For log/snapshot payloads only.
func MustJSON(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return raw
}

package hitl

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Overlay returns proposed with every top-level field of modifications
// written over it. Fields absent from modifications keep their proposed
// value; an explicit null in modifications sets the field to null.
// Both inputs must be JSON objects (empty input counts as {}).
func Overlay(proposed, modifications json.RawMessage) (json.RawMessage, error) {
	base, err := decodeObject(proposed)
	if err != nil {
		return nil, fmt.Errorf("proposed data: %w", err)
	}
	mods, err := decodeObject(modifications)
	if err != nil {
		return nil, fmt.Errorf("modifications: %w", err)
	}
	for k, v := range mods {
		base[k] = v
	}
	return json.Marshal(base)
}

func decodeObject(raw json.RawMessage) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage)
	if len(bytes.TrimSpace(raw)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		// literal null
		out = make(map[string]json.RawMessage)
	}
	return out, nil
}

// sameJSON reports whether a and b encode the same value, ignoring key order
// and whitespace.
func sameJSON(a, b json.RawMessage) bool {
	var va, vb any
	if err := json.Unmarshal(a, &va); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		return false
	}
	ca, _ := json.Marshal(va)
	cb, _ := json.Marshal(vb)
	return bytes.Equal(ca, cb)
}

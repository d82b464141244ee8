// Package json routes JSON encoding through sonic while keeping the
// encoding/json API surface used by the rest of the codebase.
package json

import (
	stdjson "encoding/json"

	"github.com/bytedance/sonic"
)

// Number re-exports encoding/json's Number for callers that decode numeric
// fields without committing to a width.
type Number = stdjson.Number

// RawMessage re-exports encoding/json's RawMessage.
type RawMessage = stdjson.RawMessage

func Marshal(v any) ([]byte, error) {
	return sonic.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return sonic.ConfigDefault.MarshalIndent(v, prefix, indent)
}

// Valid reports whether data is well-formed JSON.
func Valid(data []byte) bool {
	return sonic.Valid(data)
}

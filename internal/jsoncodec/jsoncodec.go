// Package jsoncodec centralises JSON encoding so every component parses and
// formats MilleGrilles envelopes the same way.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// UnmarshalMap decodes a JSON object into a generic map.
func UnmarshalMap(data []byte) (map[string]any, error) {
	var out map[string]any
	if err := defaultConfig.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func Encode(w io.Writer, v any) error {
	return defaultConfig.NewEncoder(w).Encode(v)
}

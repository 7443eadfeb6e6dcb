// Package jsonutil centralizes JSON marshal/unmarshal behind bytedance/sonic
// so call sites never import encoding/json directly.
package jsonutil

import (
	"io"

	"github.com/bytedance/sonic"
)

var api = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

func MarshalString(v any) (string, error) {
	return api.MarshalToString(v)
}

// NewDecoder mirrors encoding/json's streaming decoder, backed by sonic.
func NewDecoder(r io.Reader) sonic.Decoder {
	return api.NewDecoder(r)
}

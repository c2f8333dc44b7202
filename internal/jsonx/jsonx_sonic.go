//go:build !nojsonsimd

// Package jsonx selects the JSON codec at build time: sonic by default,
// encoding/json with -tags nojsonsimd for platforms sonic does not cover.
package jsonx

import "github.com/bytedance/sonic"

var codec = sonic.ConfigDefault

func Marshal(v any) ([]byte, error) {
	return codec.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return codec.Unmarshal(data, v)
}

//go:build nojsonsimd

package jsonx

import stdjson "encoding/json"

func Marshal(v any) ([]byte, error) {
	return stdjson.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return stdjson.Unmarshal(data, v)
}

//go:build !nojsonsimd

package gostratum

import "github.com/bytedance/sonic"

// ConfigStd keeps encoding/json semantics (numbers decode to float64, map keys
// sorted) so both builds produce the same lines.
var fastJSON = sonic.ConfigStd

func fastJSONMarshal(v any) ([]byte, error) {
	return fastJSON.Marshal(v)
}

func fastJSONUnmarshal(data []byte, v any) error {
	return fastJSON.Unmarshal(data, v)
}

// Package jsoncodec is the single seam through which the runtime touches
// JSON. Envelopes and their payloads all encode through it, so swapping the
// implementation is a one-file change. Sonic runs in its stdlib-compatible
// configuration because envelope fields rely on encoding/json semantics for
// absent and null values.
package jsoncodec

import (
	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

// Marshal encodes v as compact JSON.
func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

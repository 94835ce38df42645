package codec

import json "github.com/goccy/go-json"

// JSON encodes values with goccy/go-json (encoding/json compatible tags).
// Strings must be valid UTF-8; invalid bytes are replaced on Encode.
type JSON[V any] struct{}

func (JSON[V]) Encode(v V) ([]byte, error) { return json.Marshal(v) }
func (JSON[V]) Decode(b []byte) (V, error) {
	var v V
	err := json.Unmarshal(b, &v)
	return v, err
}

// Package codec serializes values stored outside the process, such as
// pending operations in the file and Redis queue stores.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// ByName returns one of the built-in general purpose codecs:
// "json" (default for ""), "msgpack" or "cbor".
func ByName[V any](name string) (Codec[V], bool) {
	switch name {
	case "", "json":
		return JSON[V]{}, true
	case "msgpack":
		return Msgpack[V]{}, true
	case "cbor":
		c, err := NewCBOR[V](false)
		if err != nil {
			return nil, false
		}
		return c, true
	}
	return nil, false
}

// Package codec turns stored values into bytes and back.
// storage/kv uses a Codec[storage.Entry]; CBOR is its default.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

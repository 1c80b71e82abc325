package codec

import "encoding/json"

// JSON is a Codec over encoding/json. Bodies become base64 strings, so
// prefer CBOR or Msgpack for binary assets.
type JSON[V any] struct{}

func (JSON[V]) Encode(v V) ([]byte, error) { return json.Marshal(v) }
func (JSON[V]) Decode(b []byte) (V, error) {
	var v V
	err := json.Unmarshal(b, &v)
	return v, err
}

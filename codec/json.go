package codec

import (
	"bytes"
	"encoding/json"
)

// JSON uses encoding/json. The zero value is ready to use.
// Decode rejects unknown fields and trailing data so that a payload written
// for a different type is reported as corrupt instead of half-filled.
type JSON[V any] struct{}

var _ Codec[struct{}] = JSON[struct{}]{}

func (JSON[V]) Encode(v V) ([]byte, error) { return json.Marshal(v) }

func (JSON[V]) Decode(b []byte) (V, error) {
	var v V
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, err
	}
	if dec.More() {
		var zero V
		return zero, errTrailing
	}
	return v, nil
}

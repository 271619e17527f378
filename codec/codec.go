// Package codec converts domain values to and from the byte payloads stored
// in cache layers.
//
// A Decode error is how the coordinator recognizes a corrupt entry, so codecs
// should fail loudly on payloads that are not of the expected shape rather than
// return a zero value.
package codec

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

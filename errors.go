package layercache

import (
	"fmt"

	"github.com/unkn0wn-root/layercache/layer"
)

var ErrMiss = layer.ErrMiss

type (
	MissError                   = layer.MissError
	UnsupportedContentTypeError = layer.UnsupportedContentTypeError
	UnsupportedEncodingError    = layer.UnsupportedEncodingError
	BadPayloadError             = layer.BadPayloadError
)

// IsMiss reports whether err means no layer held the key.
func IsMiss(err error) bool { return layer.IsMiss(err) }

// DeserializeError is returned by Retrieve when layer Layer returned a payload
// the codec could not decode. By the time it is returned the entry has been
// removed from that layer and every slower one.
type DeserializeError struct {
	Key   string
	Layer int
	Err   error
}

func (e *DeserializeError) Error() string {
	return fmt.Sprintf("layercache: decode %q from layer %d: %v", e.Key, e.Layer, e.Err)
}

func (e *DeserializeError) Unwrap() error { return e.Err }

package layer

import (
	"errors"
	"fmt"
)

// ErrMiss is matched (errors.Is) by every "key not present" error.
var ErrMiss = errors.New("layercache: miss")

// MissError reports that Key is absent. It is the only error kind that lets
// the coordinator continue to the next layer.
type MissError struct {
	Key string
}

func (e *MissError) Error() string { return fmt.Sprintf("layercache: miss for %q", e.Key) }

func (e *MissError) Is(target error) bool { return target == ErrMiss }

// IsMiss reports whether err classifies as a miss.
func IsMiss(err error) bool { return errors.Is(err, ErrMiss) }

// UnsupportedContentTypeError is returned by layers that transcode payloads
// and received a content type they do not know.
type UnsupportedContentTypeError struct {
	Key         string
	ContentType string
}

func (e *UnsupportedContentTypeError) Error() string {
	return fmt.Sprintf("layercache: unsupported content type %q for %q", e.ContentType, e.Key)
}

// UnsupportedEncodingError is returned when a payload arrives with a transfer
// or content encoding the layer does not handle.
type UnsupportedEncodingError struct {
	Key      string
	Encoding string
}

func (e *UnsupportedEncodingError) Error() string {
	return fmt.Sprintf("layercache: unsupported encoding %q for %q", e.Encoding, e.Key)
}

// BadPayloadError means the payload was present but failed type specific
// decoding (for example malformed image bytes).
type BadPayloadError struct {
	Key string
	Err error
}

func (e *BadPayloadError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("layercache: bad payload for %q", e.Key)
	}
	return fmt.Sprintf("layercache: bad payload for %q: %v", e.Key, e.Err)
}

func (e *BadPayloadError) Unwrap() error { return e.Err }

// Package layer defines the storage abstraction every tier of a layercache
// stack implements.
//
// A Layer is a byte store. Implementations MUST be byte-for-byte transparent:
// Retrieve must return exactly the bytes previously passed to Store for a key.
// Internal transforms (compression, framing) must be fully reversed on read.
//
// The single most important contract detail is error classification on
// Retrieve. A key that is simply not present MUST be reported with an error
// for which errors.Is(err, ErrMiss) holds (return *MissError). Every other
// error is treated by the coordinator as a real failure and stops the read.
// A layer that reports "not found" any other way breaks fallback.
package layer

import "context"

// Layer is one backing store in the ordered stack.
// Must be safe for concurrent use.
type Layer interface {
	// Store writes payload under key. Best effort: the coordinator never
	// surfaces the returned error to its callers.
	Store(ctx context.Context, key string, payload []byte) error

	// Retrieve returns the payload for key.
	// On absence it returns a *MissError; any other error is a layer failure.
	Retrieve(ctx context.Context, key string) ([]byte, error)

	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error

	// RemoveAll deletes every key this layer holds.
	RemoveAll(ctx context.Context) error
}

// Named is implemented by layers that want a stable name in events and spans.
type Named interface {
	Name() string
}

// Closer is implemented by layers that own resources.
type Closer interface {
	Close(ctx context.Context) error
}

// NameOf returns l's name, or fallback when l does not implement Named.
func NameOf(l Layer, fallback string) string {
	if n, ok := l.(Named); ok {
		return n.Name()
	}
	return fallback
}

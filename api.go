package layercache

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"github.com/unkn0wn-root/layercache/codec"
	"github.com/unkn0wn-root/layercache/layer"
)

// Cache is a tiered object cache over an ordered list of layers.
// Index 0 is the fastest layer; the last one is the most authoritative.
// V is the caller's value type. Serialization is handled by a pluggable Codec[V].
type Cache[V any] interface {
	// Store encodes v once and writes it to every layer. Layer failures are
	// reported to the Observer/Logger and never returned; the only error is
	// an encode failure.
	Store(ctx context.Context, key string, v V) error

	// Retrieve walks the layers in order. A miss moves on to the next layer,
	// any other layer error is returned as is. A hit is promoted into every
	// faster layer. A payload that fails to decode is removed from the layer
	// that returned it and every slower one, and *DeserializeError is returned.
	// When no layer has the key the error is a *MissError.
	Retrieve(ctx context.Context, key string) (V, error)

	// Remove deletes key from every layer. Always nil.
	Remove(ctx context.Context, key string) error

	// RemoveAll clears every layer. Always nil.
	RemoveAll(ctx context.Context) error

	// Close waits for in-flight asynchronous writes and closes layers that
	// implement layer.Closer.
	Close(ctx context.Context) error

	// Layers returns a copy of the ordered stack.
	Layers() []layer.Layer
}

// Options configure a Cache.
// Only Codec and either Layers or Stack.Namespace are required.
type Options[V any] struct {
	// Explicit ordered stack, fastest first. When empty, Stack is used to
	// build the default volatile/durable(/origin) stack.
	Layers []layer.Layer
	Stack  StackOptions

	Codec codec.Codec[V] // required

	Logger   Logger       // nil => NopLogger
	Observer Observer     // nil => NopObserver
	Tracer   trace.Tracer // nil => otel global tracer provider

	// AsyncWrites runs layer writes (store, promote, invalidate, remove) in
	// background goroutines detached from the caller's cancellation.
	// Close waits for them.
	AsyncWrites bool

	// CoalesceReads shares a single walk between concurrent Retrieve calls
	// for the same key. Callers then receive the same decoded value.
	CoalesceReads bool
}

func New[V any](opts Options[V]) (Cache[V], error) {
	return newCache[V](opts)
}

package layercache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/unkn0wn-root/layercache/codec"
	"github.com/unkn0wn-root/layercache/internal/keys"
	"github.com/unkn0wn-root/layercache/layer"
)

type cache[V any] struct {
	layers []layer.Layer
	names  []string
	codec  codec.Codec[V]
	log    Logger
	obs    Observer
	tracer trace.Tracer

	async    bool
	coalesce bool
	sf       singleflight.Group

	mu     sync.RWMutex // guards closed against wg.Add
	closed bool
	wg     sync.WaitGroup
}

func newCache[V any](opts Options[V]) (*cache[V], error) {
	if opts.Codec == nil {
		return nil, errors.New("layercache: codec is required")
	}

	layers := opts.Layers
	if len(layers) == 0 {
		if opts.Stack.Namespace == "" {
			return nil, errors.New("layercache: at least one layer or a stack namespace is required")
		}
		var err error
		if layers, err = BuildStack(opts.Stack); err != nil {
			return nil, err
		}
	}

	c := &cache[V]{
		layers:   append([]layer.Layer(nil), layers...),
		names:    make([]string, len(layers)),
		codec:    opts.Codec,
		async:    opts.AsyncWrites,
		coalesce: opts.CoalesceReads,
	}
	for i, l := range c.layers {
		if l == nil {
			return nil, fmt.Errorf("layercache: layer %d is nil", i)
		}
		c.names[i] = layer.NameOf(l, fmt.Sprintf("layer%d", i))
	}

	// defaults
	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.obs = coalesce[Observer](opts.Observer, NopObserver{})
	if opts.Tracer != nil {
		c.tracer = opts.Tracer
	} else {
		c.tracer = otel.Tracer(tracerName)
	}

	return c, nil
}

func (c *cache[V]) Layers() []layer.Layer {
	return append([]layer.Layer(nil), c.layers...)
}

func (c *cache[V]) Store(ctx context.Context, key string, v V) error {
	payload, err := c.codec.Encode(v)
	if err != nil {
		return fmt.Errorf("layercache: encode %q: %w", key, err)
	}

	ctx, span := c.startSpan(ctx, "layercache.Store", key)
	defer span.End()

	c.fanout(ctx, OpStore, key, 0, len(c.layers), func(ctx context.Context, l layer.Layer) error {
		return l.Store(ctx, key, payload)
	})
	return nil
}

func (c *cache[V]) Retrieve(ctx context.Context, key string) (V, error) {
	if !c.coalesce {
		return c.retrieve(ctx, key)
	}

	// the shared walk must not die with whichever caller happened to start it
	ch := c.sf.DoChan(key, func() (any, error) {
		return c.retrieve(context.WithoutCancel(ctx), key)
	})
	select {
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	case r := <-ch:
		v, _ := r.Val.(V)
		return v, r.Err
	}
}

func (c *cache[V]) retrieve(ctx context.Context, key string) (V, error) {
	var zero V
	ctx, span := c.startSpan(ctx, "layercache.Retrieve", key)
	defer span.End()

	for i, l := range c.layers {
		if err := ctx.Err(); err != nil {
			fail(span, err)
			return zero, err
		}

		start := time.Now()
		payload, err := l.Retrieve(ctx, key)
		took := time.Since(start)

		if err != nil {
			if layer.IsMiss(err) {
				c.emit(Event{Op: OpRetrieve, Key: key, Layer: i, Outcome: OutcomeMiss, Duration: took})
				continue
			}
			c.emit(Event{Op: OpRetrieve, Key: key, Layer: i, Outcome: OutcomeError, Err: err, Duration: took})
			c.log.Debug("layer retrieve failed", Fields{"key": keys.Redact(key), "layer": c.names[i], "err": err})
			fail(span, err)
			return zero, err
		}

		v, err := c.codec.Decode(payload)
		if err != nil {
			c.emit(Event{Op: OpRetrieve, Key: key, Layer: i, Outcome: OutcomeCorrupt, Err: err, Duration: took})
			c.log.Warn("undecodable payload; invalidating", Fields{"key": keys.Redact(key), "layer": c.names[i], "err": err})
			// a corrupt entry must not survive because the caller gave up
			c.fanout(context.WithoutCancel(ctx), OpInvalidate, key, i, len(c.layers), func(ctx context.Context, l layer.Layer) error {
				return l.Remove(ctx, key)
			})
			derr := &DeserializeError{Key: key, Layer: i, Err: err}
			fail(span, derr)
			return zero, derr
		}

		c.emit(Event{Op: OpRetrieve, Key: key, Layer: i, Outcome: OutcomeHit, Duration: took})
		span.SetAttributes(
			attribute.Int("layercache.hit_layer", i),
			attribute.String("layercache.hit_layer_name", c.names[i]),
		)
		if i > 0 {
			if c.async {
				payload = bytes.Clone(payload)
			}
			c.fanout(ctx, OpPromote, key, 0, i, func(ctx context.Context, l layer.Layer) error {
				return l.Store(ctx, key, payload)
			})
		}
		return v, nil
	}

	c.emit(Event{Op: OpRetrieve, Key: key, Layer: -1, Outcome: OutcomeMiss})
	span.SetAttributes(attribute.Bool("layercache.miss", true))
	return zero, &layer.MissError{Key: key}
}

func (c *cache[V]) Remove(ctx context.Context, key string) error {
	ctx, span := c.startSpan(ctx, "layercache.Remove", key)
	defer span.End()

	c.fanout(ctx, OpRemove, key, 0, len(c.layers), func(ctx context.Context, l layer.Layer) error {
		return l.Remove(ctx, key)
	})
	return nil
}

func (c *cache[V]) RemoveAll(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "layercache.RemoveAll")
	defer span.End()

	c.fanout(ctx, OpRemoveAll, "", 0, len(c.layers), func(ctx context.Context, l layer.Layer) error {
		return l.RemoveAll(ctx)
	})
	return nil
}

func (c *cache[V]) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.wg.Wait()

	var first error
	for i, l := range c.layers {
		cl, ok := l.(layer.Closer)
		if !ok {
			continue
		}
		if err := cl.Close(ctx); err != nil {
			c.log.Warn("layer close failed", Fields{"layer": c.names[i], "err": err})
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// fanout applies fn to layers[lo:hi]. Failures are reported, never returned.
// Synchronous writes run in index order; asynchronous ones run concurrently
// and outlive the caller's context.
func (c *cache[V]) fanout(ctx context.Context, op Op, key string, lo, hi int, fn func(context.Context, layer.Layer) error) {
	if !c.async {
		for i := lo; i < hi; i++ {
			c.write(ctx, op, key, i, fn)
		}
		return
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	dctx := context.WithoutCancel(ctx)
	for i := lo; i < hi; i++ {
		if c.closed {
			// layers are closing; keep the write observable instead of leaking it
			c.write(dctx, op, key, i, fn)
			continue
		}
		c.wg.Add(1)
		go func(i int) {
			defer c.wg.Done()
			c.write(dctx, op, key, i, fn)
		}(i)
	}
}

func (c *cache[V]) write(ctx context.Context, op Op, key string, i int, fn func(context.Context, layer.Layer) error) {
	start := time.Now()
	err := fn(ctx, c.layers[i])
	ev := Event{Op: op, Key: key, Layer: i, Outcome: OutcomeOK, Duration: time.Since(start)}
	if err != nil {
		ev.Outcome, ev.Err = OutcomeError, err
		c.log.Warn("layer write failed", Fields{"op": string(op), "key": keys.Redact(key), "layer": c.names[i], "err": err})
	}
	c.emit(ev)
}

func (c *cache[V]) emit(e Event) {
	if e.Layer >= 0 {
		e.LayerName = c.names[e.Layer]
	}
	c.obs.Observe(e)
}

// startSpan never records raw keys; they may carry user data. Log fields
// follow the same rule.
func (c *cache[V]) startSpan(ctx context.Context, name, key string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("layercache.key_hash", keys.Redact(key)),
		attribute.Int("layercache.layers", len(c.layers)),
	))
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

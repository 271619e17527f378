// Package asyncobserver moves event delivery off the cache's hot path.
//
// usage:
//
//	raw := slogobserver.New(slog.Default(), slogobserver.Options{HitEvery: 100})
//	obs := asyncobserver.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer obs.Close()
//
//	cache, _ := layercache.New[[]byte](layercache.Options[[]byte]{
//	    Stack:    layercache.StackOptions{Namespace: "assets"},
//	    Codec:    codec.Bytes{},
//	    Observer: obs,
//	})
//
// Events are dropped, not queued without bound, when the workers fall behind.
package asyncobserver

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/layercache"
)

type Observer struct {
	inner   layercache.Observer
	q       chan layercache.Event
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

var _ layercache.Observer = (*Observer)(nil)

func New(inner layercache.Observer, workers, qlen int) *Observer {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	o := &Observer{inner: inner, q: make(chan layercache.Event, qlen)}
	o.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer o.wg.Done()
			for e := range o.q {
				o.inner.Observe(e)
			}
		}()
	}
	return o
}

// Close stops accepting events and waits for queued ones to be delivered.
func (o *Observer) Close() {
	o.once.Do(func() {
		o.mu.Lock()
		o.closed = true
		close(o.q)
		o.mu.Unlock()
		o.wg.Wait()
	})
}

func (o *Observer) Observe(e layercache.Event) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		o.dropped.Add(1)
		return
	}
	select {
	case o.q <- e:
	default: // drop
		o.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because the queue was full
// or the observer was closed.
func (o *Observer) Dropped() uint64 { return o.dropped.Load() }

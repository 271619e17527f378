// Package memory is a map backed volatile layer with no eviction.
// Use it for small working sets and for tests; layer/ristretto is the
// bounded volatile layer.
package memory

import (
	"context"
	"sync"

	"github.com/unkn0wn-root/layercache/layer"
)

type Layer struct {
	name string
	mu   sync.RWMutex
	m    map[string][]byte
}

var _ layer.Layer = (*Layer)(nil)

// New returns an empty layer. name is used in events; "" => "memory".
func New(name string) *Layer {
	if name == "" {
		name = "memory"
	}
	return &Layer{name: name, m: make(map[string][]byte)}
}

func (l *Layer) Name() string { return l.name }

func (l *Layer) Store(_ context.Context, key string, payload []byte) error {
	cp := append([]byte(nil), payload...)
	l.mu.Lock()
	l.m[key] = cp
	l.mu.Unlock()
	return nil
}

func (l *Layer) Retrieve(_ context.Context, key string) ([]byte, error) {
	l.mu.RLock()
	b, ok := l.m[key]
	l.mu.RUnlock()
	if !ok {
		return nil, &layer.MissError{Key: key}
	}
	return append([]byte(nil), b...), nil
}

func (l *Layer) Remove(_ context.Context, key string) error {
	l.mu.Lock()
	delete(l.m, key)
	l.mu.Unlock()
	return nil
}

func (l *Layer) RemoveAll(_ context.Context) error {
	l.mu.Lock()
	l.m = make(map[string][]byte)
	l.mu.Unlock()
	return nil
}

// Len returns the number of stored keys.
func (l *Layer) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.m)
}

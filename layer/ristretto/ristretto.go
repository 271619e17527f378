// Package ristretto is the default volatile layer, backed by dgraph-io/ristretto.
// Capacity is byte based: each entry costs len(payload).
package ristretto

import (
	"context"
	"errors"
	"time"

	rc "github.com/dgraph-io/ristretto"

	"github.com/unkn0wn-root/layercache/layer"
)

// ErrRejected is returned by Store when the admission policy dropped the write.
var ErrRejected = errors.New("ristretto: write rejected")

type Layer struct {
	c    *rc.Cache
	ttl  time.Duration
	name string
}

var _ layer.Layer = (*Layer)(nil)

type Config struct {
	NumCounters int64         // 0 => 10x the expected item count heuristic (1e5)
	MaxCost     int64         // byte budget; required
	BufferItems int64         // 0 => 64
	Metrics     bool
	TTL         time.Duration // 0 => no expiry
	Name        string        // "" => "ristretto"
}

func New(cfg Config) (*Layer, error) {
	if cfg.MaxCost <= 0 {
		return nil, errors.New("ristretto: MaxCost must be > 0")
	}
	if cfg.NumCounters <= 0 {
		cfg.NumCounters = 1e5
	}
	if cfg.BufferItems <= 0 {
		cfg.BufferItems = 64
	}
	if cfg.Name == "" {
		cfg.Name = "ristretto"
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return &Layer{c: c, ttl: cfg.TTL, name: cfg.Name}, nil
}

func (l *Layer) Name() string { return l.name }

// Store waits for the buffered write to be applied so a Retrieve issued right
// after a promotion observes it.
func (l *Layer) Store(_ context.Context, key string, payload []byte) error {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	ok := l.c.SetWithTTL(key, cp, int64(len(cp)), l.ttl)
	l.c.Wait()
	if !ok {
		return ErrRejected
	}
	return nil
}

func (l *Layer) Retrieve(_ context.Context, key string) ([]byte, error) {
	v, ok := l.c.Get(key)
	if !ok {
		return nil, &layer.MissError{Key: key}
	}
	b, ok := v.([]byte)
	if !ok {
		// foreign entry shape; drop it and report absence
		l.c.Del(key)
		return nil, &layer.MissError{Key: key}
	}
	return append([]byte(nil), b...), nil
}

func (l *Layer) Remove(_ context.Context, key string) error {
	l.c.Del(key)
	return nil
}

func (l *Layer) RemoveAll(_ context.Context) error {
	l.c.Clear()
	return nil
}

func (l *Layer) Close(_ context.Context) error {
	l.c.Wait()
	l.c.Close()
	return nil
}

// Metrics exposes ristretto counters when Config.Metrics is set.
func (l *Layer) Metrics() *rc.Metrics { return l.c.Metrics }

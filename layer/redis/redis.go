// Package redis is a shared network layer backed by redis/go-redis/v9.
//
// Every key is stored under "lc:<len(namespace)>:<namespace>:<key>". The
// length makes the prefix unambiguous even when namespaces contain ':', and
// RemoveAll matches it literally, so several stacks can share one Redis.
package redis

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/layercache/layer"
)

var (
	ErrNilClient      = errors.New("redis layer: nil client")
	ErrEmptyNamespace = errors.New("redis layer: namespace is required")
)

const scanCount = 512

type Layer struct {
	rdb         goredis.UniversalClient
	prefix      string
	ttl         time.Duration
	closeClient bool
}

var _ layer.Layer = (*Layer)(nil)

type Config struct {
	Client      goredis.UniversalClient
	Namespace   string
	TTL         time.Duration // 0 => no expiry
	CloseClient bool          // set true only if this layer exclusively owns the client
}

func New(cfg Config) (*Layer, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	if cfg.Namespace == "" {
		return nil, ErrEmptyNamespace
	}
	if cfg.TTL < 0 {
		cfg.TTL = 0
	}
	return &Layer{
		rdb:         cfg.Client,
		prefix:      "lc:" + strconv.Itoa(len(cfg.Namespace)) + ":" + cfg.Namespace + ":",
		ttl:         cfg.TTL,
		closeClient: cfg.CloseClient,
	}, nil
}

func (l *Layer) Name() string { return "redis" }

func (l *Layer) key(k string) string { return l.prefix + k }

func (l *Layer) Store(ctx context.Context, key string, payload []byte) error {
	return l.rdb.Set(ctx, l.key(key), payload, l.ttl).Err()
}

func (l *Layer) Retrieve(ctx context.Context, key string) ([]byte, error) {
	b, err := l.rdb.Get(ctx, l.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, &layer.MissError{Key: key}
	}
	if err != nil {
		return nil, err // transport/server error
	}
	return b, nil
}

func (l *Layer) Remove(ctx context.Context, key string) error {
	return l.rdb.Del(ctx, l.key(key)).Err()
}

// RemoveAll walks the namespace with SCAN and deletes in batches.
func (l *Layer) RemoveAll(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := l.rdb.Scan(ctx, cursor, escapeGlob(l.prefix)+"*", scanCount).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := l.rdb.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Close releases the client only when this layer owns it.
// Safe to call multiple times.
func (l *Layer) Close(context.Context) error {
	if l.closeClient {
		if err := l.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}

// escapeGlob quotes the characters SCAN MATCH treats as pattern syntax.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

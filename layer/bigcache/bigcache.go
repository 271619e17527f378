// Package bigcache is a volatile layer backed by allegro/bigcache/v3.
// BigCache has no per-entry TTL; entries live for Config.LifeWindow.
package bigcache

import (
	"context"
	"errors"
	"time"

	bc "github.com/allegro/bigcache/v3"

	"github.com/unkn0wn-root/layercache/layer"
)

type Layer struct {
	c    *bc.BigCache
	name string
}

var _ layer.Layer = (*Layer)(nil)

type Config struct {
	LifeWindow         time.Duration // required
	CleanWindow        time.Duration
	MaxEntriesInWindow int
	MaxEntrySize       int
	HardMaxCacheSizeMB int // ~ memory limit; 0 = unlimited
	Name               string
}

func New(cfg Config) (*Layer, error) {
	if cfg.LifeWindow <= 0 {
		return nil, errors.New("bigcache: LifeWindow must be > 0")
	}
	conf := bc.DefaultConfig(cfg.LifeWindow)
	conf.Verbose = false
	if cfg.CleanWindow > 0 {
		conf.CleanWindow = cfg.CleanWindow
	}
	if cfg.MaxEntriesInWindow > 0 {
		conf.MaxEntriesInWindow = cfg.MaxEntriesInWindow
	}
	if cfg.MaxEntrySize > 0 {
		conf.MaxEntrySize = cfg.MaxEntrySize
	}
	if cfg.HardMaxCacheSizeMB > 0 {
		conf.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	}
	c, err := bc.NewBigCache(conf)
	if err != nil {
		return nil, err
	}
	name := cfg.Name
	if name == "" {
		name = "bigcache"
	}
	return &Layer{c: c, name: name}, nil
}

func (l *Layer) Name() string { return l.name }

func (l *Layer) Store(_ context.Context, key string, payload []byte) error {
	return l.c.Set(key, payload)
}

func (l *Layer) Retrieve(_ context.Context, key string) ([]byte, error) {
	b, err := l.c.Get(key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return nil, &layer.MissError{Key: key}
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (l *Layer) Remove(_ context.Context, key string) error {
	if err := l.c.Delete(key); err != nil && !errors.Is(err, bc.ErrEntryNotFound) {
		return err
	}
	return nil
}

func (l *Layer) RemoveAll(_ context.Context) error {
	return l.c.Reset()
}

func (l *Layer) Close(_ context.Context) error {
	return l.c.Close()
}

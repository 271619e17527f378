// Package config builds a layer stack from LAYERCACHE_* environment
// variables. It is what the layercache CLI uses; libraries embedding the cache
// usually construct Options directly instead.
package config

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"
	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/layercache"
	"github.com/unkn0wn-root/layercache/layer"
	"github.com/unkn0wn-root/layercache/layer/disk"
	"github.com/unkn0wn-root/layercache/layer/origin"
	"github.com/unkn0wn-root/layercache/layer/redis"
	"github.com/unkn0wn-root/layercache/layer/ristretto"
	"github.com/unkn0wn-root/layercache/layer/sqlite"
)

const (
	DurableDisk   = "disk"
	DurableSQLite = "sqlite"
)

// Config is the environment view of a layer stack. Sizes accept humanized
// values ("256MiB", "1GB").
type Config struct {
	Namespace    string `env:"LAYERCACHE_NAMESPACE" envDefault:"default"`
	Dir          string `env:"LAYERCACHE_DIR"`
	SizeLimit    string `env:"LAYERCACHE_SIZE_LIMIT" envDefault:"256MiB"`
	VolatileSize string `env:"LAYERCACHE_VOLATILE_SIZE" envDefault:"64MiB"`
	Compression  int    `env:"LAYERCACHE_COMPRESSION" envDefault:"3"` // zstd level; 0 disables
	Durable      string `env:"LAYERCACHE_DURABLE" envDefault:"disk"`  // disk | sqlite

	RedisAddr string        `env:"LAYERCACHE_REDIS_ADDR"`
	RedisTTL  time.Duration `env:"LAYERCACHE_REDIS_TTL"`

	OriginURL     string        `env:"LAYERCACHE_ORIGIN_URL"`
	OriginTimeout time.Duration `env:"LAYERCACHE_ORIGIN_TIMEOUT" envDefault:"10s"`
	OriginRPS     float64       `env:"LAYERCACHE_ORIGIN_RPS"`
	OriginRetries uint          `env:"LAYERCACHE_ORIGIN_RETRIES" envDefault:"2"`
	Passthrough   []string      `env:"LAYERCACHE_PASSTHROUGH" envSeparator:","`

	LogLevel string `env:"LAYERCACHE_LOG_LEVEL" envDefault:"info"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Namespace) == "" {
		return errors.New("config: namespace is required")
	}
	switch c.Durable {
	case DurableDisk, DurableSQLite:
	default:
		return fmt.Errorf("config: unknown durable layer %q (want disk or sqlite)", c.Durable)
	}
	if _, _, err := c.sizes(); err != nil {
		return err
	}
	return nil
}

func (c Config) sizes() (durable, volatile int64, err error) {
	d, err := humanize.ParseBytes(c.SizeLimit)
	if err != nil {
		return 0, 0, fmt.Errorf("config: size limit %q: %w", c.SizeLimit, err)
	}
	v, err := humanize.ParseBytes(c.VolatileSize)
	if err != nil {
		return 0, 0, fmt.Errorf("config: volatile size %q: %w", c.VolatileSize, err)
	}
	if d > math.MaxInt64 {
		return 0, 0, fmt.Errorf("config: size limit %q is too large", c.SizeLimit)
	}
	if v > math.MaxInt64 {
		return 0, 0, fmt.Errorf("config: volatile size %q is too large", c.VolatileSize)
	}
	return int64(d), int64(v), nil
}

func (c Config) originConfig() origin.Config {
	return origin.Config{
		BaseURL:           c.OriginURL,
		Timeout:           c.OriginTimeout,
		RequestsPerSecond: c.OriginRPS,
		MaxRetries:        c.OriginRetries,
		Passthrough:       c.Passthrough,
		UserAgent:         "layercache",
	}
}

// StackOptions maps the config onto the library's default stack. Redis and
// the sqlite durable layer are not part of that stack; Build adds them.
func (c Config) StackOptions() (layercache.StackOptions, error) {
	durable, volatile, err := c.sizes()
	if err != nil {
		return layercache.StackOptions{}, err
	}
	compression := c.Compression
	if compression == 0 {
		compression = -1
	}
	return layercache.StackOptions{
		Namespace:       c.Namespace,
		SizeLimit:       durable,
		IncludeOrigin:   c.OriginURL != "",
		Dir:             c.Dir,
		VolatileMaxCost: volatile,
		Compression:     compression,
		Origin:          c.originConfig(),
	}, nil
}

// Build opens every configured layer, fastest first:
// ristretto, redis (LAYERCACHE_REDIS_ADDR), disk or sqlite, origin
// (LAYERCACHE_ORIGIN_URL). Without redis and sqlite this is exactly
// layercache.BuildStack. On error the layers opened so far are closed.
func (c Config) Build() ([]layer.Layer, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.RedisAddr == "" && c.Durable == DurableDisk {
		so, err := c.StackOptions()
		if err != nil {
			return nil, err
		}
		return layercache.BuildStack(so)
	}
	durable, volatile, _ := c.sizes()

	dir := c.Dir
	if dir == "" {
		d, err := layercache.DefaultDir()
		if err != nil {
			return nil, err
		}
		dir = d
	}

	var layers []layer.Layer
	fail := func(err error) ([]layer.Layer, error) {
		for _, l := range layers {
			if cl, ok := l.(layer.Closer); ok {
				_ = cl.Close(context.Background())
			}
		}
		return nil, err
	}

	vol, err := ristretto.New(ristretto.Config{MaxCost: volatile, Name: "volatile"})
	if err != nil {
		return fail(fmt.Errorf("config: volatile layer: %w", err))
	}
	layers = append(layers, vol)

	if c.RedisAddr != "" {
		rl, err := redis.New(redis.Config{
			Client:      goredis.NewClient(&goredis.Options{Addr: c.RedisAddr}),
			Namespace:   c.Namespace,
			TTL:         c.RedisTTL,
			CloseClient: true,
		})
		if err != nil {
			return fail(fmt.Errorf("config: redis layer: %w", err))
		}
		layers = append(layers, rl)
	}

	switch c.Durable {
	case DurableSQLite:
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fail(fmt.Errorf("config: create %s: %w", dir, err))
		}
		sl, err := sqlite.Open(sqlite.Config{
			Path:      filepath.Join(dir, "layercache.db"),
			Namespace: c.Namespace,
			SizeLimit: durable,
		})
		if err != nil {
			return fail(fmt.Errorf("config: sqlite layer: %w", err))
		}
		layers = append(layers, sl)
	default:
		dl, err := disk.Open(disk.Config{
			Dir:              dir,
			Namespace:        c.Namespace,
			SizeLimit:        durable,
			CompressionLevel: c.Compression,
		})
		if err != nil {
			return fail(fmt.Errorf("config: disk layer: %w", err))
		}
		layers = append(layers, dl)
	}

	if c.OriginURL != "" {
		ol, err := origin.New(c.originConfig())
		if err != nil {
			return fail(fmt.Errorf("config: origin layer: %w", err))
		}
		layers = append(layers, ol)
	}
	return layers, nil
}

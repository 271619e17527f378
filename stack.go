package layercache

import (
	"context"
	"errors"
	"fmt"

	gap "github.com/muesli/go-app-paths"

	"github.com/unkn0wn-root/layercache/layer"
	"github.com/unkn0wn-root/layercache/layer/disk"
	"github.com/unkn0wn-root/layercache/layer/origin"
	"github.com/unkn0wn-root/layercache/layer/ristretto"
)

// StackOptions describe the default stack: a volatile in-process layer, a
// durable on-disk layer and, optionally, the HTTP origin as the last layer.
type StackOptions struct {
	Namespace       string        // required; isolates the durable layer
	SizeLimit       int64         // durable byte budget; 0 => 256 MiB
	IncludeOrigin   bool          // append the origin layer
	Dir             string        // durable root; "" => user cache dir
	VolatileMaxCost int64         // in-process byte budget; 0 => 64 MiB
	Compression     int           // zstd level on disk; 0 => 3, <0 disables
	Origin          origin.Config // used when IncludeOrigin
}

// BuildStack assembles [ristretto, disk, origin?] from o.
func BuildStack(o StackOptions) ([]layer.Layer, error) {
	if o.Namespace == "" {
		return nil, errors.New("layercache: stack namespace is required")
	}

	dir := o.Dir
	if dir == "" {
		d, err := DefaultDir()
		if err != nil {
			return nil, err
		}
		dir = d
	}

	vol, err := ristretto.New(ristretto.Config{
		MaxCost: coalesce(o.VolatileMaxCost, defaultVolatileMaxCost),
		Name:    "volatile",
	})
	if err != nil {
		return nil, fmt.Errorf("layercache: volatile layer: %w", err)
	}

	level := coalesce(o.Compression, defaultCompression)
	if level < 0 {
		level = 0
	}
	dur, err := disk.Open(disk.Config{
		Dir:              dir,
		Namespace:        o.Namespace,
		SizeLimit:        coalesce(o.SizeLimit, defaultSizeLimit),
		CompressionLevel: level,
	})
	if err != nil {
		_ = vol.Close(context.Background())
		return nil, fmt.Errorf("layercache: durable layer: %w", err)
	}

	layers := []layer.Layer{vol, dur}
	if o.IncludeOrigin {
		org, err := origin.New(o.Origin)
		if err != nil {
			_ = vol.Close(context.Background())
			_ = dur.Close(context.Background())
			return nil, fmt.Errorf("layercache: origin layer: %w", err)
		}
		layers = append(layers, org)
	}
	return layers, nil
}

// DefaultDir is the per-user cache directory used when StackOptions.Dir is
// empty (e.g. ~/.cache/layercache on Linux).
func DefaultDir() (string, error) {
	dir, err := gap.NewScope(gap.User, "layercache").CacheDir()
	if err != nil {
		return "", fmt.Errorf("layercache: resolve cache dir: %w", err)
	}
	return dir, nil
}

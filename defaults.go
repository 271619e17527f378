package layercache

const (
	defaultSizeLimit       = 256 << 20
	defaultVolatileMaxCost = 64 << 20
	defaultCompression     = 3
	tracerName             = "github.com/unkn0wn-root/layercache"
)

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

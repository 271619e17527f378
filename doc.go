// Package layercache implements a tiered object cache: an ordered list of
// storage layers, fastest first, sitting in front of a slow source of truth.
//
// Reads walk the layers in order and stop at the first hit or the first real
// failure; only a miss lets the walk continue. A hit is copied into every
// faster layer (promotion) so the next read is cheaper. A payload that cannot
// be decoded is removed from the layer that returned it and from every slower
// layer (defensive invalidation), and the read fails.
//
// Writes and removals go to every layer. Layer write failures never reach the
// caller; they are reported through Observer and Logger.
//
// Components:
//   - layer.Layer: byte store (memory, ristretto, bigcache, redis, disk,
//     sqlite, origin).
//   - codec.Codec[V]: (de)serializes V <-> []byte.
//   - Observer: per-layer events for metrics and logs (observer/...).
//
// Typical stack, built by BuildStack:
//
//	[0] ristretto   in-process, bounded by cost
//	[1] disk        durable, namespaced, LRU within SizeLimit
//	[2] origin      HTTP, read-only (IncludeOrigin)
//
// Usage:
//
//	c, _ := layercache.New(layercache.Options[image.Image]{
//		Stack: layercache.StackOptions{Namespace: "thumbs", IncludeOrigin: true},
//		Codec: codec.Image{},
//	})
//	img, err := c.Retrieve(ctx, "https://example.com/a.jpg")
package layercache

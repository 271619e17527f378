// Package slogobserver logs cache events with log/slog.
//
// Failures (layer errors, corrupt payloads, invalidations) are always logged.
// Hits, misses and promotions are logged at Debug and can be sampled.
package slogobserver

import (
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/layercache"
	"github.com/unkn0wn-root/layercache/internal/keys"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	HitEvery  uint64
	MissEvery uint64
	// Optional key redactor. Defaults to a SHA-256 prefix.
	Redact func(string) string
}

type Observer struct {
	l    *slog.Logger
	opts Options

	hitCtr  atomic.Uint64
	missCtr atomic.Uint64
}

var _ layercache.Observer = (*Observer)(nil)

func New(l *slog.Logger, opts Options) *Observer {
	return &Observer{l: l, opts: opts}
}

func (o *Observer) redact(k string) string {
	if o.opts.Redact != nil {
		return o.opts.Redact(k)
	}
	return keys.Redact(k)
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (o *Observer) Observe(e layercache.Event) {
	if o.l == nil {
		return
	}
	switch e.Outcome {
	case layercache.OutcomeError:
		o.l.Warn("layercache.layer_error",
			"op", string(e.Op),
			"key", o.redact(e.Key),
			"layer", e.LayerName,
			"err", e.Err)
	case layercache.OutcomeCorrupt:
		o.l.Warn("layercache.corrupt",
			"key", o.redact(e.Key),
			"layer", e.LayerName,
			"err", e.Err)
	case layercache.OutcomeHit:
		if sample(o.opts.HitEvery, &o.hitCtr) {
			o.l.Debug("layercache.hit",
				"key", o.redact(e.Key),
				"layer", e.LayerName,
				"took", e.Duration)
		}
	case layercache.OutcomeMiss:
		// per-layer misses are routine; only the stack-wide one is interesting
		if e.Layer == -1 && sample(o.opts.MissEvery, &o.missCtr) {
			o.l.Debug("layercache.miss", "key", o.redact(e.Key))
		}
	case layercache.OutcomeOK:
		switch e.Op {
		case layercache.OpInvalidate:
			o.l.Info("layercache.invalidated",
				"key", o.redact(e.Key),
				"layer", e.LayerName)
		case layercache.OpPromote:
			o.l.Debug("layercache.promoted",
				"key", o.redact(e.Key),
				"layer", e.LayerName)
		case layercache.OpRemoveAll:
			o.l.Info("layercache.cleared", "layer", e.LayerName)
		}
	}
}

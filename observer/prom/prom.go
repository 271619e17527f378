// Package promobserver exports cache events as Prometheus metrics.
package promobserver

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/unkn0wn-root/layercache"
)

// Metrics holds the Prometheus collectors fed by Observe.
type Metrics struct {
	Events   *prometheus.CounterVec
	Duration *prometheus.HistogramVec
	Misses   prometheus.Counter
}

var _ layercache.Observer = (*Metrics)(nil)

// NewMetrics creates and registers all metrics with the provided registry.
// namespace prefixes every metric name ("" => "layercache").
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "layercache"
	}

	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "layer_events_total",
		Help:      "Layer interactions by operation, layer and outcome",
	}, []string{"op", "layer", "outcome"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "layer_duration_seconds",
		Help:      "Latency of individual layer calls",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"op", "layer"})

	misses := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "misses_total",
		Help:      "Retrievals that missed in every layer",
	})

	reg.MustRegister(events, duration, misses)

	return &Metrics{
		Events:   events,
		Duration: duration,
		Misses:   misses,
	}
}

func (m *Metrics) Observe(e layercache.Event) {
	if e.Layer < 0 {
		if e.Op == layercache.OpRetrieve && e.Outcome == layercache.OutcomeMiss {
			m.Misses.Inc()
		}
		return
	}
	m.Events.WithLabelValues(string(e.Op), e.LayerName, string(e.Outcome)).Inc()
	m.Duration.WithLabelValues(string(e.Op), e.LayerName).Observe(e.Duration.Seconds())
}

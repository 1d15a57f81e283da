// Package metrics groups the Prometheus instruments for the masking
// pipeline and its service surface.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	Detections     *prometheus.CounterVec
	MaskedValues   *prometheus.CounterVec
	UnmaskMisses   prometheus.Counter
	LLMRequests    *prometheus.CounterVec
	CacheEvents    *prometheus.CounterVec
	ActiveSessions prometheus.Gauge
	MaskDuration   prometheus.Histogram
	LLMDuration    prometheus.Histogram
}

// New creates the instrument set under the given namespace, registered with
// the default registry.
func New(namespace string) *Metrics {
	return NewWith(namespace, prometheus.DefaultRegisterer)
}

// NewWith creates the instrument set against an explicit registerer. Tests
// pass a fresh registry so repeated construction cannot collide.
func NewWith(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Detections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Detected PII matches by category.",
		}, []string{"category"}),
		MaskedValues: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "masked_values_total",
			Help:      "Distinct values issued a token, by category.",
		}, []string{"category"}),
		UnmaskMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unmask_misses_total",
			Help:      "Token-shaped strings in replies that no session ever issued.",
		}),
		LLMRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Text service requests by provider and status.",
		}, []string{"provider", "status"}),
		CacheEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_events_total",
			Help:      "Masked-response cache lookups by result.",
		}, []string{"result"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live masking sessions.",
		}),
		MaskDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mask_duration_seconds",
			Help:      "Time spent detecting and masking one text.",
			Buckets:   prometheus.DefBuckets,
		}),
		LLMDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "Round-trip time of text service requests.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
	}
}

// ObserveMask records the duration of one mask pass.
func (m *Metrics) ObserveMask(d time.Duration) {
	m.MaskDuration.Observe(d.Seconds())
}

// ObserveLLM records one provider round trip.
func (m *Metrics) ObserveLLM(d time.Duration) {
	m.LLMDuration.Observe(d.Seconds())
}

// Handler returns the scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

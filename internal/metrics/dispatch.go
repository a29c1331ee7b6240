package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ballot_extract"

// Dispatch Prometheus metrics.
var (
	ExtractionRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extraction_requests_total",
			Help:      "Extraction requests sent to the model",
		},
		[]string{"mode", "outcome"}, // mode: single/batch; outcome: success/rate_limited/invalid/error
	)

	ExtractionRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "extraction_request_duration_seconds",
			Help:      "Extraction request duration in seconds, retries included",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60, 90, 120},
		},
		[]string{"mode"},
	)

	RateLimitHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Upstream quota rejections per key",
		},
		[]string{"key"},
	)

	KeyWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "key_wait_seconds",
			Help:      "Time spent waiting for a key to refill",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	ItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_total",
			Help:      "Work items reaching a terminal status",
		},
		[]string{"status"}, // "done" / "error"
	)

	BatchFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_fallbacks_total",
			Help:      "Items re-sent individually after a batch",
		},
		[]string{"reason"}, // "batch_failed" / "low_confidence"
	)

	KeyTokensAvailable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "key_tokens_available",
			Help:      "Available tokens per key at the last status read",
		},
		[]string{"key"},
	)

	KeyDailyUsed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "key_daily_used",
			Help:      "Requests counted against the key's current day",
		},
		[]string{"key"},
	)
)

var registerDispatch sync.Once

// RegisterDispatchMetrics registers dispatch metrics. Safe to call more than once.
func RegisterDispatchMetrics() {
	registerDispatch.Do(func() {
		prometheus.MustRegister(
			ExtractionRequestsTotal,
			ExtractionRequestDuration,
			RateLimitHitsTotal,
			KeyWaitSeconds,
			ItemsTotal,
			BatchFallbacksTotal,
			KeyTokensAvailable,
			KeyDailyUsed,
		)
	})
}

// ForgetKey drops per-key series of a retired key
func ForgetKey(id string) {
	RateLimitHitsTotal.DeleteLabelValues(id)
	KeyTokensAvailable.DeleteLabelValues(id)
	KeyDailyUsed.DeleteLabelValues(id)
}

// internal/utils/metrics.go
package utils

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's prometheus collectors
type Metrics struct {
	GenerationRequests *prometheus.CounterVec
	GenerationDuration *prometheus.HistogramVec
	GenerationTokens   *prometheus.HistogramVec
	Turns              *prometheus.CounterVec
	SessionsStarted    prometheus.Counter
	SessionsConcluded  prometheus.Counter
	ActiveSessionLocks prometheus.Gauge
	ImageRequests      *prometheus.CounterVec
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// GetMetrics returns collectors registered on the default registry
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return globalMetrics
}

// NewMetrics registers a fresh set of collectors on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		GenerationRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "storyforge_generation_requests_total",
			Help: "Structured generation requests by schema and status.",
		}, []string{"schema", "status"}),
		GenerationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storyforge_generation_duration_seconds",
			Help:    "Latency of structured generation requests.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		}, []string{"schema"}),
		GenerationTokens: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storyforge_generation_tokens",
			Help:    "Tokens used per generation request.",
			Buckets: prometheus.ExponentialBuckets(64, 2, 8),
		}, []string{"kind"}),
		Turns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "storyforge_turns_total",
			Help: "Completed turns by kind.",
		}, []string{"kind"}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "storyforge_sessions_started_total",
			Help: "Sessions started.",
		}),
		SessionsConcluded: factory.NewCounter(prometheus.CounterOpts{
			Name: "storyforge_sessions_concluded_total",
			Help: "Sessions that reached their final turn.",
		}),
		ActiveSessionLocks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "storyforge_active_session_locks",
			Help: "Per-session locks currently tracked.",
		}),
		ImageRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "storyforge_image_requests_total",
			Help: "Image generation requests by status.",
		}, []string{"status"}),
	}
}

// ObserveGeneration records one generation attempt
func (m *Metrics) ObserveGeneration(schema, status string, started time.Time, promptTokens, completionTokens int) {
	m.GenerationRequests.WithLabelValues(schema, status).Inc()
	m.GenerationDuration.WithLabelValues(schema).Observe(time.Since(started).Seconds())
	if promptTokens > 0 {
		m.GenerationTokens.WithLabelValues("prompt").Observe(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.GenerationTokens.WithLabelValues("completion").Observe(float64(completionTokens))
	}
}

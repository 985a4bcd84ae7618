// Package metrics holds the Prometheus instruments for inference streams and image generation.
//
// A nil *StreamingMetrics is valid and records nothing, so components can be built without a registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "inference_gateway"
	subsystem = "streaming"
)

// ErrorCode labels a terminal failure.
type ErrorCode string

const (
	ErrorCodeValidation       ErrorCode = "validation"
	ErrorCodeAttachment       ErrorCode = "attachment"
	ErrorCodeProvider         ErrorCode = "provider"
	ErrorCodeTimeout          ErrorCode = "timeout"
	ErrorCodePersistence      ErrorCode = "persistence"
	ErrorCodeInternal         ErrorCode = "internal"
	ErrorCodeClientDisconnect ErrorCode = "client_disconnect"
)

type StreamingMetrics struct {
	RequestsTotal            *prometheus.CounterVec
	ErrorsTotal              *prometheus.CounterVec
	TimeToFirstFragment      prometheus.Histogram
	StreamDurationSeconds    *prometheus.HistogramVec
	ActiveStreams            prometheus.Gauge
	ClientDisconnectsTotal   prometheus.Counter
	KeepAlivesTotal          prometheus.Counter
	ProviderRetriesTotal     *prometheus.CounterVec
	FragmentsTotal           *prometheus.CounterVec
	ImagesGeneratedTotal     prometheus.Counter
	ImageGenerationFailTotal prometheus.Counter
}

// New creates and registers all instruments on reg.
func New(reg prometheus.Registerer) *StreamingMetrics {
	f := promauto.With(reg)
	return &StreamingMetrics{
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_total",
			Help:      "Inference streams by terminal status.",
		}, []string{"status"}),
		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "errors_total",
			Help:      "Terminal inference errors by error code.",
		}, []string{"error_code"}),
		TimeToFirstFragment: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "time_to_first_fragment_seconds",
			Help:      "Time from request start to the first relayed fragment.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		}),
		StreamDurationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stream_duration_seconds",
			Help:      "Total stream duration by terminal status.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		}, []string{"status"}),
		ActiveStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_streams",
			Help:      "Inference streams currently open.",
		}),
		ClientDisconnectsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "client_disconnects_total",
			Help:      "Streams abandoned because the client went away.",
		}),
		KeepAlivesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "keepalives_total",
			Help:      "Keep-alive comments written to open streams.",
		}),
		ProviderRetriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "provider_retries_total",
			Help:      "Upstream calls retried before the first fragment.",
		}, []string{"provider"}),
		FragmentsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "fragments_total",
			Help:      "Fragments relayed to clients.",
		}, []string{"provider"}),
		ImagesGeneratedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "images",
			Name:      "generated_total",
			Help:      "Images returned by the image generator.",
		}),
		ImageGenerationFailTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "images",
			Name:      "failures_total",
			Help:      "Failed image generation calls.",
		}),
	}
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func (m *StreamingMetrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

// StreamEnded closes the bookkeeping opened by StreamStarted.
func (m *StreamingMetrics) StreamEnded(seconds float64, success bool) {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
	m.RequestsTotal.WithLabelValues(status(success)).Inc()
	m.StreamDurationSeconds.WithLabelValues(status(success)).Observe(seconds)
}

func (m *StreamingMetrics) RecordError(code ErrorCode) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(string(code)).Inc()
	if code == ErrorCodeClientDisconnect {
		m.ClientDisconnectsTotal.Inc()
	}
}

func (m *StreamingMetrics) RecordTimeToFirstFragment(seconds float64) {
	if m == nil {
		return
	}
	m.TimeToFirstFragment.Observe(seconds)
}

func (m *StreamingMetrics) RecordFragment(provider string) {
	if m == nil {
		return
	}
	m.FragmentsTotal.WithLabelValues(provider).Inc()
}

func (m *StreamingMetrics) RecordRetry(provider string) {
	if m == nil {
		return
	}
	m.ProviderRetriesTotal.WithLabelValues(provider).Inc()
}

func (m *StreamingMetrics) RecordKeepAlive() {
	if m == nil {
		return
	}
	m.KeepAlivesTotal.Inc()
}

func (m *StreamingMetrics) RecordImages(n int, success bool) {
	if m == nil {
		return
	}
	if !success {
		m.ImageGenerationFailTotal.Inc()
		return
	}
	m.ImagesGeneratedTotal.Add(float64(n))
}

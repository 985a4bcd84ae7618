package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestStreamLifecycle(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.StreamStarted()
	m.StreamStarted()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActiveStreams))

	m.StreamEnded(1.5, true)
	m.StreamEnded(0.2, false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveStreams))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("error")))
}

func TestRecordErrorCountsDisconnects(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordError(ErrorCodeClientDisconnect)
	m.RecordError(ErrorCodeProvider)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClientDisconnectsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("provider")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *StreamingMetrics
	assert.NotPanics(t, func() {
		m.StreamStarted()
		m.StreamEnded(1, true)
		m.RecordError(ErrorCodeTimeout)
		m.RecordFragment("echo")
		m.RecordRetry("echo")
		m.RecordKeepAlive()
		m.RecordTimeToFirstFragment(0.1)
		m.RecordImages(2, true)
	})
}

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.JobStarted()
		m.JobFinished("done")
		m.ObserveStage("extracting", time.Second)
		m.Asset("processed")
		m.Chunk(true)
		m.Rows(10)
		m.Retrieval("tree", "OK", time.Millisecond)
		m.HTTPRequest("/health", "200")
	})
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.JobStarted()
	m.JobFinished("Done")
	m.Asset("failed")
	m.Asset("failed")
	m.Chunk(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsTotal.WithLabelValues("Done")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.JobsInFlight))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AssetsTotal.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChunksTotal.WithLabelValues("failed")))
}

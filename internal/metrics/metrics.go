// Package metrics provides Prometheus metrics for ingestion and retrieval.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline's collectors. A nil *Metrics records nothing.
type Metrics struct {
	JobsTotal        *prometheus.CounterVec
	JobsInFlight     prometheus.Gauge
	StageDuration    *prometheus.HistogramVec
	AssetsTotal      *prometheus.CounterVec
	ChunksTotal      *prometheus.CounterVec
	RowsExtracted    prometheus.Counter
	RetrievalTotal   *prometheus.CounterVec
	RetrievalLatency *prometheus.HistogramVec
	HTTPRequests     *prometheus.CounterVec
}

// New registers the collectors with reg. Tests pass a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		JobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trojan_ingest_jobs_total",
			Help: "Ingestion jobs by final state",
		}, []string{"state"}),
		JobsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "trojan_ingest_jobs_in_flight",
			Help: "Ingestion jobs currently running",
		}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trojan_ingest_stage_duration_seconds",
			Help:    "Duration of each ingestion stage",
			Buckets: []float64{.05, .1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"stage"}),
		AssetsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trojan_ingest_assets_total",
			Help: "Embedded images by outcome",
		}, []string{"outcome"}),
		ChunksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trojan_ingest_chunks_total",
			Help: "Chunk uploads by outcome",
		}, []string{"outcome"}),
		RowsExtracted: f.NewCounter(prometheus.CounterOpts{
			Name: "trojan_ingest_rows_total",
			Help: "Breakdown rows extracted",
		}),
		RetrievalTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trojan_retrieval_requests_total",
			Help: "Retrieval operations by result code",
		}, []string{"operation", "code"}),
		RetrievalLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trojan_retrieval_duration_seconds",
			Help:    "Retrieval operation latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "trojan_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"route", "status"}),
	}
}

// JobStarted marks a job as running.
func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.JobsInFlight.Inc()
}

// JobFinished records a job's final state.
func (m *Metrics) JobFinished(state string) {
	if m == nil {
		return
	}
	m.JobsInFlight.Dec()
	m.JobsTotal.WithLabelValues(state).Inc()
}

// ObserveStage records how long a stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// Asset counts one image outcome: processed, failed, duplicate or unassigned.
func (m *Metrics) Asset(outcome string) {
	if m == nil {
		return
	}
	m.AssetsTotal.WithLabelValues(outcome).Inc()
}

// Chunk counts one chunk upload outcome.
func (m *Metrics) Chunk(ok bool) {
	if m == nil {
		return
	}
	outcome := "stored"
	if !ok {
		outcome = "failed"
	}
	m.ChunksTotal.WithLabelValues(outcome).Inc()
}

// Rows adds extracted rows.
func (m *Metrics) Rows(n int) {
	if m == nil {
		return
	}
	m.RowsExtracted.Add(float64(n))
}

// Retrieval records one retrieval operation.
func (m *Metrics) Retrieval(operation, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.RetrievalTotal.WithLabelValues(operation, code).Inc()
	m.RetrievalLatency.WithLabelValues(operation).Observe(d.Seconds())
}

// HTTPRequest counts one served request.
func (m *Metrics) HTTPRequest(route, status string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, status).Inc()
}

// Package metrics defines the Prometheus instruments for chat turns and
// document ingestion. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "docchat"

// Turn outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeQuota     = "quota"
	OutcomeError     = "error"
	OutcomeAbandoned = "abandoned"
)

// Ingest outcomes.
const (
	IngestOK        = "ok"
	IngestDuplicate = "duplicate"
	IngestError     = "error"
)

type Metrics struct {
	TurnsTotal        *prometheus.CounterVec
	TurnDuration      *prometheus.HistogramVec
	FragmentsTotal    prometheus.Counter
	RetrievalsTotal   *prometheus.CounterVec
	IngestionsTotal   *prometheus.CounterVec
	ChunksPerDocument prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TurnsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "turns_total",
			Help:      "Chat turns by outcome and mode.",
		}, []string{"outcome", "mode"}),
		TurnDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "turn_duration_seconds",
			Help:      "Wall time of a chat turn from request to commit.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
		}, []string{"outcome"}),
		FragmentsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "fragments_total",
			Help:      "Response fragments delivered to callers.",
		}),
		RetrievalsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rag",
			Name:      "retrievals_total",
			Help:      "Context retrievals by result.",
		}, []string{"result"}),
		IngestionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rag",
			Name:      "ingestions_total",
			Help:      "Document ingestions by outcome.",
		}, []string{"outcome"}),
		ChunksPerDocument: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rag",
			Name:      "chunks_per_document",
			Help:      "Number of chunks produced per ingested document.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
}

func (m *Metrics) ObserveTurn(outcome string, streaming bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	mode := "invoke"
	if streaming {
		mode = "stream"
	}
	m.TurnsTotal.WithLabelValues(outcome, mode).Inc()
	m.TurnDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveFragment() {
	if m == nil {
		return
	}
	m.FragmentsTotal.Inc()
}

func (m *Metrics) ObserveRetrieval(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.RetrievalsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveIngest(outcome string, chunks int) {
	if m == nil {
		return
	}
	m.IngestionsTotal.WithLabelValues(outcome).Inc()
	if outcome == IngestOK {
		m.ChunksPerDocument.Observe(float64(chunks))
	}
}

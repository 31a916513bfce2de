package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ingest outcome label values.
const (
	outcomeOK      = "ok"
	outcomeInvalid = "invalid"
	outcomeError   = "error"
)

// pipelineMetrics holds the Prometheus metrics owned by a Pipeline.
type pipelineMetrics struct {
	// ingestTotal counts IngestFiles attempts per file, by outcome.
	ingestTotal *prometheus.CounterVec

	// parseTotal counts parse attempts by resulting parsing status.
	parseTotal *prometheus.CounterVec

	// chunksIndexed counts chunk vectors written to the vector store.
	chunksIndexed prometheus.Counter

	// ingestDuration records per-file ingest+store+index latency.
	ingestDuration prometheus.Histogram
}

// newPipelineMetrics registers against reg so tests can use a private
// registry.
func newPipelineMetrics(reg prometheus.Registerer) *pipelineMetrics {
	factory := promauto.With(reg)

	return &pipelineMetrics{
		ingestTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docpipe",
			Subsystem: "pipeline",
			Name:      "ingest_total",
			Help:      "Files ingested, partitioned by outcome (ok, invalid, error).",
		}, []string{"outcome"}),

		parseTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docpipe",
			Subsystem: "pipeline",
			Name:      "parse_total",
			Help:      "Parse attempts, partitioned by resulting parsing status.",
		}, []string{"status"}),

		chunksIndexed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "docpipe",
			Subsystem: "pipeline",
			Name:      "chunks_indexed_total",
			Help:      "Chunk vectors written to the vector store.",
		}),

		ingestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "docpipe",
			Subsystem: "pipeline",
			Name:      "ingest_duration_seconds",
			Help:      "Wall-clock duration of ingesting, storing and indexing one file.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
		}),
	}
}

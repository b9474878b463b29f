package retrieval

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/54b3r/kpmatch-go/internal/kperr"
)

// engineMetrics holds the Prometheus metrics owned by an Engine.
type engineMetrics struct {
	// queriesTotal counts finished queries by mode and outcome ("ok" or an
	// error kind).
	queriesTotal *prometheus.CounterVec

	// queryDuration records end-to-end query latency by mode.
	queryDuration *prometheus.HistogramVec

	// stageDuration records embed, search and rerank latency.
	stageDuration *prometheus.HistogramVec

	// rerankDegraded counts lenient fallbacks to first-stage order.
	rerankDegraded prometheus.Counter

	indexBuilds  *prometheus.CounterVec
	indexLoads   *prometheus.CounterVec
	indexVectors prometheus.Gauge
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	factory := promauto.With(reg)

	return &engineMetrics{
		queriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kpmatch",
			Subsystem: "retrieval",
			Name:      "queries_total",
			Help:      "Total number of retrieval queries, partitioned by mode and outcome.",
		}, []string{"mode", "outcome"}),

		queryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kpmatch",
			Subsystem: "retrieval",
			Name:      "query_duration_seconds",
			Help:      "End-to-end latency of retrieval queries.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"mode"}),

		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kpmatch",
			Subsystem: "retrieval",
			Name:      "stage_duration_seconds",
			Help:      "Latency of individual retrieval stages.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"stage"}),

		rerankDegraded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kpmatch",
			Subsystem: "retrieval",
			Name:      "rerank_degraded_total",
			Help:      "Reranked queries answered in first-stage order because the reranker failed under the lenient policy.",
		}),

		indexBuilds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kpmatch",
			Subsystem: "index",
			Name:      "builds_total",
			Help:      "Index builds, partitioned by outcome.",
		}, []string{"outcome"}),

		indexLoads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kpmatch",
			Subsystem: "index",
			Name:      "initializations_total",
			Help:      "Successful index initialisations, partitioned by source (disk or build).",
		}, []string{"source"}),

		indexVectors: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "kpmatch",
			Subsystem: "index",
			Name:      "vectors",
			Help:      "Number of vectors in the index being served.",
		}),
	}
}

func (e *Engine) observe(mode string, start time.Time, err error) {
	e.metrics.queriesTotal.WithLabelValues(mode, outcome(err)).Inc()
	e.metrics.queryDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
}

// outcome maps err to a metric label: "ok", an error kind such as
// "rerank_unavailable", or "error".
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if k := kperr.KindOf(err); k != 0 {
		return strings.ReplaceAll(k.String(), " ", "_")
	}
	return "error"
}

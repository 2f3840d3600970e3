// Package metrics exposes Prometheus instruments for the definition engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "surveyhub"

// Engine groups the engine instruments. A nil *Engine records nothing.
type Engine struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	copied     *prometheus.CounterVec
	releases   prometheus.Counter
}

// NewEngine registers the instruments on reg.
func NewEngine(reg prometheus.Registerer) *Engine {
	factory := promauto.With(reg)
	return &Engine{
		// Labels: op (createSurvey, updateQuestion, ...), outcome (ok, validation, conflict, not_found, internal)
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Mutating engine operations by outcome",
		}, []string{"op", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "operation_duration_seconds",
			Help:      "Duration of mutating engine operations including commit",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"op"}),
		// Labels: kind (question, container, answer)
		copied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "copy_on_write",
			Name:      "nodes_total",
			Help:      "Nodes duplicated by copy-on-write",
		}, []string{"kind"}),
		releases: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "releases_total",
			Help:      "Survey versions released",
		}),
	}
}

func (e *Engine) ObserveOperation(op, outcome string, elapsed time.Duration) {
	if e == nil {
		return
	}
	e.operations.WithLabelValues(op, outcome).Inc()
	e.duration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (e *Engine) AddCopied(kind string, n int) {
	if e == nil || n <= 0 {
		return
	}
	e.copied.WithLabelValues(kind).Add(float64(n))
}

func (e *Engine) IncReleases() {
	if e == nil {
		return
	}
	e.releases.Inc()
}

// Package metrics exposes Prometheus instrumentation for the reliability pipeline.
//
// A Recorder built from a nil registerer is a null object: every method is safe
// to call and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"

	"citypulse/internal/alerting"
	"citypulse/internal/health"
	"citypulse/internal/resilience"
)

const namespace = "citypulse"

// Cycle results.
const (
	CycleCompleted = "completed"
	CycleFailed    = "failed"
	CycleSkipped   = "skipped"
)

// Recorder owns the collectors of one process.
type Recorder struct {
	enabled bool

	fetchAttempts     *prometheus.CounterVec
	fetchDuration     *prometheus.HistogramVec
	breakerState      *prometheus.GaugeVec
	cycleDuration     prometheus.Histogram
	cycles            *prometheus.CounterVec
	alerts            *prometheus.CounterVec
	loads             *prometheus.CounterVec
	qualityScore      *prometheus.GaugeVec
	sourceReliability *prometheus.GaugeVec
	sourcesByState    *prometheus.GaugeVec
}

// New registers the collectors on reg. A nil reg returns a disabled Recorder.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		return &Recorder{}
	}
	factory := promauto.With(reg)

	return &Recorder{
		enabled: true,
		fetchAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "attempts_total",
			Help:      "Upstream fetch attempts by operation, outcome and error kind",
		}, []string{"operation", "outcome", "kind"}),
		fetchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of single upstream fetch attempts",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
		}, []string{"operation"}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per operation (0 closed, 1 half-open, 2 open)",
		}, []string{"operation"}),
		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "monitoring",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of monitoring cycles",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		}),
		cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitoring",
			Name:      "cycles_total",
			Help:      "Monitoring cycles by result",
		}, []string{"result"}),
		alerts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerting",
			Name:      "alerts_total",
			Help:      "Alerts raised by type and severity",
		}, []string{"type", "severity"}),
		loads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "loads_total",
			Help:      "Data loads by domain and provenance",
		}, []string{"domain", "source"}),
		qualityScore: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "loader",
			Name:      "quality_score",
			Help:      "Quality score of the last payload served per domain",
		}, []string{"domain"}),
		sourceReliability: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "source_reliability",
			Help:      "Reliability score per source",
		}, []string{"source", "domain"}),
		sourcesByState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "sources",
			Help:      "Number of tracked sources per state",
		}, []string{"state"}),
	}
}

// Enabled reports whether collectors are registered.
func (r *Recorder) Enabled() bool {
	return r != nil && r.enabled
}

// ObserveFetch records one attempt of the retry loop.
func (r *Recorder) ObserveFetch(a resilience.FetchAttempt) {
	if !r.Enabled() {
		return
	}
	kind := string(a.Kind)
	if kind == "" {
		kind = "none"
	}
	r.fetchAttempts.WithLabelValues(a.OperationID, string(a.Outcome), kind).Inc()
	r.fetchDuration.WithLabelValues(a.OperationID).Observe(a.Duration.Seconds())
}

// BreakerChanged tracks circuit breaker transitions.
func (r *Recorder) BreakerChanged(name string, _, to gobreaker.State) {
	if !r.Enabled() {
		return
	}
	r.breakerState.WithLabelValues(name).Set(float64(to))
}

// ObserveCycle records the result and duration of a monitoring cycle.
func (r *Recorder) ObserveCycle(result string, d time.Duration) {
	if !r.Enabled() {
		return
	}
	r.cycles.WithLabelValues(result).Inc()
	if result != CycleSkipped {
		r.cycleDuration.Observe(d.Seconds())
	}
}

// CountAlerts records newly raised alerts.
func (r *Recorder) CountAlerts(alerts []alerting.Alert) {
	if !r.Enabled() {
		return
	}
	for _, a := range alerts {
		r.alerts.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
	}
}

// ObserveLoad records a served payload.
func (r *Recorder) ObserveLoad(domain, source string, qualityScore int) {
	if !r.Enabled() {
		return
	}
	r.loads.WithLabelValues(domain, source).Inc()
	r.qualityScore.WithLabelValues(domain).Set(float64(qualityScore))
}

// SetSourceStatuses replaces the per-source gauges with the given snapshot.
func (r *Recorder) SetSourceStatuses(statuses []health.Status) {
	if !r.Enabled() {
		return
	}
	r.sourceReliability.Reset()
	counts := map[health.State]int{
		health.StateUnknown:  0,
		health.StateActive:   0,
		health.StateDegraded: 0,
		health.StateInactive: 0,
	}
	for _, s := range statuses {
		r.sourceReliability.WithLabelValues(s.SourceID, string(s.Domain)).Set(s.ReliabilityScore)
		counts[s.State]++
	}
	for state, n := range counts {
		r.sourcesByState.WithLabelValues(string(state)).Set(float64(n))
	}
}

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"citypulse/internal/alerting"
	"citypulse/internal/health"
	"citypulse/internal/model"
	"citypulse/internal/resilience"
)

func TestNilRegistryIsNoop(t *testing.T) {
	r := New(nil)
	assert.False(t, r.Enabled())

	r.ObserveFetch(resilience.FetchAttempt{OperationID: "weather"})
	r.BreakerChanged("weather", gobreaker.StateClosed, gobreaker.StateOpen)
	r.ObserveCycle(CycleCompleted, time.Second)
	r.CountAlerts([]alerting.Alert{{Type: alerting.TypeStaleData}})
	r.ObserveLoad("weather", string(model.SourceLive), 100)
	r.SetSourceStatuses([]health.Status{{SourceID: "S1"}})

	var nilRecorder *Recorder
	assert.False(t, nilRecorder.Enabled())
	nilRecorder.ObserveCycle(CycleFailed, time.Second)
}

func TestRecorderCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)
	require.True(t, r.Enabled())

	r.ObserveFetch(resilience.FetchAttempt{OperationID: "weather", Outcome: resilience.OutcomeFailure, Kind: resilience.KindUnavailable, Duration: 200 * time.Millisecond})
	r.ObserveFetch(resilience.FetchAttempt{OperationID: "weather", Outcome: resilience.OutcomeSuccess, Duration: 100 * time.Millisecond})
	r.ObserveFetch(resilience.FetchAttempt{OperationID: "weather", Outcome: resilience.OutcomeFailure, Kind: resilience.KindUnavailable})

	assert.Equal(t, 2.0, testutil.ToFloat64(r.fetchAttempts.WithLabelValues("weather", "failure", "unavailable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.fetchAttempts.WithLabelValues("weather", "success", "none")))

	r.BreakerChanged("camera", gobreaker.StateClosed, gobreaker.StateOpen)
	assert.Equal(t, 2.0, testutil.ToFloat64(r.breakerState.WithLabelValues("camera")))

	r.ObserveCycle(CycleCompleted, 2*time.Second)
	r.ObserveCycle(CycleSkipped, 0)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.cycles.WithLabelValues(CycleCompleted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.cycles.WithLabelValues(CycleSkipped)))

	r.CountAlerts([]alerting.Alert{
		{Type: alerting.TypeConsecutiveFailures, Severity: alerting.SeverityError},
		{Type: alerting.TypeStaleData, Severity: alerting.SeverityWarning},
		{Type: alerting.TypeStaleData, Severity: alerting.SeverityWarning},
	})
	assert.Equal(t, 2.0, testutil.ToFloat64(r.alerts.WithLabelValues("stale_data", "warning")))

	r.ObserveLoad("camera", string(model.SourceFallbackGenerated), 30)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.loads.WithLabelValues("camera", string(model.SourceFallbackGenerated))))
	assert.Equal(t, 30.0, testutil.ToFloat64(r.qualityScore.WithLabelValues("camera")))
}

func TestSetSourceStatusesReplacesGauges(t *testing.T) {
	r := New(prometheus.NewRegistry())

	r.SetSourceStatuses([]health.Status{
		{SourceID: "S1", Domain: model.DomainWeather, State: health.StateActive, ReliabilityScore: 0.9},
		{SourceID: "S2", Domain: model.DomainWeather, State: health.StateInactive, ReliabilityScore: 0.1},
	})
	assert.Equal(t, 2, testutil.CollectAndCount(r.sourceReliability))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.sourcesByState.WithLabelValues("inactive")))

	r.SetSourceStatuses([]health.Status{
		{SourceID: "S1", Domain: model.DomainWeather, State: health.StateActive, ReliabilityScore: 1},
	})
	assert.Equal(t, 1, testutil.CollectAndCount(r.sourceReliability))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.sourceReliability.WithLabelValues("S1", "weather")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.sourcesByState.WithLabelValues("inactive")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.sourcesByState.WithLabelValues("active")))
}

package alerting

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"citypulse/internal/health"
)

var now = time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)

func status(id string, score float64, failures int, lastSeen time.Time) health.Status {
	return health.Status{
		SourceID:            id,
		State:               health.StateActive,
		FirstSeen:           now.Add(-48 * time.Hour),
		LastSeen:            lastSeen,
		ReliabilityScore:    score,
		ConsecutiveFailures: failures,
	}
}

func countByType(alerts []Alert, typ Type, source string) int {
	n := 0
	for _, a := range alerts {
		if a.Type == typ && a.SourceID == source {
			n++
		}
	}
	return n
}

func TestEvaluateHealthySourceRaisesNothing(t *testing.T) {
	alerts := NewEngine().Evaluate([]health.Status{status("S1", 1, 0, now)}, DefaultThresholds(), now)
	assert.Empty(t, alerts)
}

func TestEvaluateLowReliabilityIffBelowThreshold(t *testing.T) {
	e := NewEngine()
	th := DefaultThresholds()
	for _, score := range []float64{0, 0.5, 0.79, 0.7999, 0.8, 0.81, 1} {
		t.Run(fmt.Sprintf("%.4f", score), func(t *testing.T) {
			alerts := e.Evaluate([]health.Status{status("S1", score, 0, now)}, th, now)
			want := 0
			if score < th.Reliability {
				want = 1
			}
			assert.Equal(t, want, countByType(alerts, TypeLowReliability, "S1"))
		})
	}
}

func TestEvaluateConsecutiveFailures(t *testing.T) {
	alerts := NewEngine().Evaluate([]health.Status{
		status("S1", 0.9, 3, now),
		status("S2", 0.9, 2, now),
	}, DefaultThresholds(), now)

	require.Equal(t, 1, countByType(alerts, TypeConsecutiveFailures, "S1"))
	assert.Zero(t, countByType(alerts, TypeConsecutiveFailures, "S2"))

	for _, a := range alerts {
		if a.Type == TypeConsecutiveFailures {
			assert.Equal(t, SeverityError, a.Severity)
			assert.Equal(t, 3, a.Data["consecutive_failures"])
			assert.NotEmpty(t, a.ID)
			assert.Equal(t, now, a.Timestamp)
		}
	}
}

func TestEvaluateStaleData(t *testing.T) {
	never := status("S3", 0.9, 0, time.Time{})
	alerts := NewEngine().Evaluate([]health.Status{
		status("S1", 0.9, 0, now.Add(-time.Hour)),
		status("S2", 0.9, 0, now.Add(-time.Hour-time.Minute)),
		never,
	}, DefaultThresholds(), now)

	assert.Zero(t, countByType(alerts, TypeStaleData, "S1"))
	assert.Equal(t, 1, countByType(alerts, TypeStaleData, "S2"))
	assert.Equal(t, 1, countByType(alerts, TypeStaleData, "S3"), "first seen is used when a source never succeeded")
}

func TestEvaluateMultipleChecksForOneSource(t *testing.T) {
	alerts := NewEngine().Evaluate([]health.Status{status("S1", 0.2, 5, now.Add(-3*time.Hour))}, DefaultThresholds(), now)
	require.Len(t, alerts, 3)
	assert.Equal(t, TypeLowReliability, alerts[0].Type)
	assert.Equal(t, TypeConsecutiveFailures, alerts[1].Type)
	assert.Equal(t, TypeStaleData, alerts[2].Type)
	assert.NotEqual(t, alerts[0].ID, alerts[1].ID)
}

func TestParseSeverity(t *testing.T) {
	s, err := ParseSeverity("error")
	require.NoError(t, err)
	assert.Equal(t, SeverityError, s)
	assert.Greater(t, SeverityError.Rank(), SeverityWarning.Rank())

	_, err = ParseSeverity("critical")
	assert.Error(t, err)
}

func TestLogRetention(t *testing.T) {
	l := NewLog(0)
	l.Append(
		Alert{ID: "old", Timestamp: now.Add(-25 * time.Hour)},
		Alert{ID: "edge", Timestamp: now.Add(-24 * time.Hour)},
		Alert{ID: "new", Timestamp: now.Add(-time.Minute)},
	)

	assert.Equal(t, 1, l.Prune(now))
	assert.Equal(t, 2, l.Len())

	recent := l.Since(now.Add(-time.Hour))
	require.Len(t, recent, 1)
	assert.Equal(t, "new", recent[0].ID)

	all := l.Since(time.Time{})
	require.Len(t, all, 2)
	assert.Equal(t, "new", all[0].ID, "newest first")
}

func TestLogSnapshotRestore(t *testing.T) {
	l := NewLog(time.Hour)
	l.Append(Alert{ID: "a", Timestamp: now}, Alert{ID: "b", Timestamp: now})

	other := NewLog(time.Hour)
	other.Restore(l.Snapshot())
	assert.Equal(t, l.Snapshot(), other.Snapshot())

	l.Append(Alert{ID: "c", Timestamp: now})
	assert.Equal(t, 2, other.Len())
}

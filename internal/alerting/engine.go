package alerting

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"citypulse/internal/health"
)

// Type names the condition an alert reports.
type Type string

const (
	TypeLowReliability      Type = "low_reliability"
	TypeConsecutiveFailures Type = "consecutive_failures"
	TypeStaleData           Type = "stale_data"
)

// Severity of an alert.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Rank orders severities; unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityError:
		return 3
	default:
		return 0
	}
}

// ParseSeverity validates a configured severity name.
func ParseSeverity(raw string) (Severity, error) {
	s := Severity(raw)
	if s.Rank() == 0 {
		return "", fmt.Errorf("unknown severity %q", raw)
	}
	return s, nil
}

// Alert is an immutable record of one threshold crossing.
type Alert struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	SourceID  string         `json:"source_id"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Thresholds drive Evaluate.
type Thresholds struct {
	Reliability         float64       `json:"reliability"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	DataAge             time.Duration `json:"data_age"`
}

// DefaultThresholds returns the stock alert thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Reliability:         0.8,
		ConsecutiveFailures: 3,
		DataAge:             time.Hour,
	}
}

// Engine turns source health into alerts.
type Engine struct {
	newID func() string
}

// NewEngine constructs an Engine that stamps alerts with random UUIDs.
func NewEngine() *Engine {
	return &Engine{newID: uuid.NewString}
}

// Evaluate runs the reliability, failure-streak and staleness checks against every
// status. A source may trip several checks at once; nothing is suppressed.
func (e *Engine) Evaluate(statuses []health.Status, th Thresholds, now time.Time) []Alert {
	var alerts []Alert
	for _, st := range statuses {
		if st.ReliabilityScore < th.Reliability {
			alerts = append(alerts, e.alert(TypeLowReliability, SeverityWarning, st.SourceID, now,
				fmt.Sprintf("source %s reliability %.1f%% is below %.1f%%", st.SourceID, st.ReliabilityScore*100, th.Reliability*100),
				map[string]any{
					"reliability_score": st.ReliabilityScore,
					"threshold":         th.Reliability,
				}))
		}

		if th.ConsecutiveFailures > 0 && st.ConsecutiveFailures >= th.ConsecutiveFailures {
			alerts = append(alerts, e.alert(TypeConsecutiveFailures, SeverityError, st.SourceID, now,
				fmt.Sprintf("source %s failed %d times in a row", st.SourceID, st.ConsecutiveFailures),
				map[string]any{
					"consecutive_failures": st.ConsecutiveFailures,
					"threshold":            th.ConsecutiveFailures,
				}))
		}

		ref := st.Reference()
		if th.DataAge > 0 && !ref.IsZero() && now.Sub(ref) > th.DataAge {
			age := now.Sub(ref)
			alerts = append(alerts, e.alert(TypeStaleData, SeverityWarning, st.SourceID, now,
				fmt.Sprintf("source %s has not delivered data for %d minutes", st.SourceID, int(age.Minutes())),
				map[string]any{
					"last_seen":         ref,
					"age_minutes":       int(age.Minutes()),
					"threshold_minutes": int(th.DataAge.Minutes()),
				}))
		}
	}
	return alerts
}

func (e *Engine) alert(typ Type, sev Severity, source string, now time.Time, msg string, data map[string]any) Alert {
	return Alert{
		ID:        e.newID(),
		Type:      typ,
		SourceID:  source,
		Severity:  sev,
		Message:   msg,
		Timestamp: now,
		Data:      data,
	}
}

package service

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"citypulse/internal/alerting"
	"citypulse/internal/health"
	"citypulse/internal/model"
	"citypulse/internal/resilience"
)

const recentAlertLimit = 10

// Reliability ratings.
const (
	RatingExcellent = "excellent"
	RatingGood      = "good"
	RatingFair      = "fair"
	RatingPoor      = "poor"
)

// Rate buckets a reliability score.
func Rate(score float64) string {
	switch {
	case score >= 0.95:
		return RatingExcellent
	case score >= 0.80:
		return RatingGood
	case score >= 0.60:
		return RatingFair
	default:
		return RatingPoor
	}
}

// MonitoringStatus is the operator overview.
type MonitoringStatus struct {
	MonitoringActive   bool                    `json:"monitoring_active"`
	CycleRunning       bool                    `json:"cycle_running"`
	TotalSources       int                     `json:"total_sources"`
	ActiveSources      int                     `json:"active_sources"`
	DegradedSources    int                     `json:"degraded_sources"`
	InactiveSources    int                     `json:"inactive_sources"`
	AverageReliability float64                 `json:"average_reliability"`
	DataTypeCoverage   map[model.Metric]int    `json:"data_type_coverage"`
	LastCycleTimestamp *time.Time              `json:"last_cycle_timestamp"`
	RecentAlerts       []alerting.Alert        `json:"recent_alerts"`
	Thresholds         alerting.Thresholds     `json:"thresholds"`
	RetryStates        []resilience.RetryState `json:"retry_states,omitempty"`
}

// MonitoringStatus snapshots the tracker, the last cycle and the newest alerts.
func (s *Service) MonitoringStatus() MonitoringStatus {
	summary := s.tracker.Summarize()
	recent := s.alerts.Since(s.now().Add(-24 * time.Hour))
	if len(recent) > recentAlertLimit {
		recent = recent[:recentAlertLimit]
	}

	st := MonitoringStatus{
		MonitoringActive:   s.active.Load(),
		CycleRunning:       s.running.Load(),
		TotalSources:       summary.TotalSources,
		ActiveSources:      summary.ActiveSources,
		DegradedSources:    summary.DegradedSources,
		InactiveSources:    summary.InactiveSources,
		AverageReliability: summary.AverageReliability,
		DataTypeCoverage:   summary.DataTypeCoverage,
		RecentAlerts:       recent,
		Thresholds:         s.opts.Thresholds,
		RetryStates:        s.fetcher.RetryStates(),
	}

	s.mu.RLock()
	if s.lastCycle != nil {
		ts := s.lastCycle.Timestamp
		st.LastCycleTimestamp = &ts
	}
	s.mu.RUnlock()
	return st
}

// DataTypeReliability is the window summary of one source metric.
type DataTypeReliability struct {
	DataType         model.Metric `json:"data_type"`
	ReliabilityScore float64      `json:"reliability_score"`
	SuccessCount     int          `json:"success_count"`
	TotalCount       int          `json:"total_count"`
}

// StationReliability is one row of the reliability report.
type StationReliability struct {
	SourceID            string                `json:"source_id"`
	Domain              model.Domain          `json:"domain"`
	State               health.State          `json:"state"`
	ReliabilityScore    float64               `json:"reliability_score"`
	ReliabilityPct      decimal.Decimal       `json:"reliability_pct"`
	Rating              string                `json:"rating"`
	ReadingCount        int                   `json:"reading_count"`
	ConsecutiveFailures int                   `json:"consecutive_failures"`
	LastSeen            time.Time             `json:"last_seen"`
	DataTypes           []DataTypeReliability `json:"data_types"`
}

// ReliabilitySummary counts stations per rating.
type ReliabilitySummary struct {
	Excellent int `json:"excellent"`
	Good      int `json:"good"`
	Fair      int `json:"fair"`
	Poor      int `json:"poor"`
}

// ReliabilityReport ranks every tracked source.
type ReliabilityReport struct {
	Timestamp     time.Time            `json:"timestamp"`
	TotalStations int                  `json:"total_stations"`
	Stations      []StationReliability `json:"stations"`
	Summary       ReliabilitySummary   `json:"summary"`
}

var hundred = decimal.NewFromInt(100)

// StationReliabilityReport lists sources by descending reliability.
func (s *Service) StationReliabilityReport() ReliabilityReport {
	statuses := s.tracker.Statuses()
	report := ReliabilityReport{
		Timestamp:     s.now(),
		TotalStations: len(statuses),
		Stations:      make([]StationReliability, 0, len(statuses)),
	}

	for _, st := range statuses {
		row := StationReliability{
			SourceID:            st.SourceID,
			Domain:              st.Domain,
			State:               st.State,
			ReliabilityScore:    st.ReliabilityScore,
			ReliabilityPct:      decimal.NewFromFloat(st.ReliabilityScore).Mul(hundred).Round(1),
			Rating:              Rate(st.ReliabilityScore),
			ReadingCount:        st.ReadingCount,
			ConsecutiveFailures: st.ConsecutiveFailures,
			LastSeen:            st.LastSeen,
		}
		for _, rec := range s.tracker.Records(st.SourceID) {
			row.DataTypes = append(row.DataTypes, DataTypeReliability{
				DataType:         rec.DataType,
				ReliabilityScore: rec.ReliabilityScore,
				SuccessCount:     rec.SuccessCount,
				TotalCount:       rec.TotalCount,
			})
		}

		switch row.Rating {
		case RatingExcellent:
			report.Summary.Excellent++
		case RatingGood:
			report.Summary.Good++
		case RatingFair:
			report.Summary.Fair++
		default:
			report.Summary.Poor++
		}
		report.Stations = append(report.Stations, row)
	}

	sort.SliceStable(report.Stations, func(i, j int) bool {
		return report.Stations[i].ReliabilityScore > report.Stations[j].ReliabilityScore
	})
	return report
}

// ServiceHealth is the compact liveness view.
type ServiceHealth struct {
	ServiceActive            bool              `json:"service_active"`
	LastCycle                *CycleMetrics     `json:"last_cycle"`
	StationsMonitored        int               `json:"stations_monitored"`
	AverageReliability       float64           `json:"average_reliability"`
	RecentAlertCountLastHour int               `json:"recent_alert_count_last_hour"`
	StorageUsage             int               `json:"storage_usage"`
	LastPersisted            *time.Time        `json:"last_persisted,omitempty"`
	Breakers                 map[string]string `json:"breakers,omitempty"`
}

// ServiceHealth reports whether the monitor is alive and how it is doing.
func (s *Service) ServiceHealth() ServiceHealth {
	summary := s.tracker.Summarize()
	h := ServiceHealth{
		ServiceActive:            s.active.Load(),
		StationsMonitored:        summary.TotalSources,
		AverageReliability:       summary.AverageReliability,
		RecentAlertCountLastHour: len(s.alerts.Since(s.now().Add(-time.Hour))),
	}

	for _, up := range s.upstreams {
		if state, ok := s.fetcher.BreakerState(up.Name); ok {
			if h.Breakers == nil {
				h.Breakers = make(map[string]string)
			}
			h.Breakers[up.Name] = state.String()
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastCycle != nil {
		last := *s.lastCycle
		h.LastCycle = &last
	}
	h.StorageUsage = s.storageUsage
	if !s.lastPersist.IsZero() {
		ts := s.lastPersist
		h.LastPersisted = &ts
	}
	return h
}

// RecentAlerts returns alerts raised in the last hours, newest first. Non-positive
// hours means the whole retention window.
func (s *Service) RecentAlerts(hours int) []alerting.Alert {
	if hours <= 0 {
		return s.alerts.Since(time.Time{})
	}
	return s.alerts.Since(s.now().Add(-time.Duration(hours) * time.Hour))
}

// CycleHistory returns the cycle snapshots taken at or after since, oldest first.
func (s *Service) CycleHistory(since time.Time) []CycleMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CycleMetrics, 0, len(s.history))
	for _, cm := range s.history {
		if !cm.Timestamp.Before(since) {
			out = append(out, cm)
		}
	}
	return out
}

// MonitoringErrors returns the bounded cycle error log, oldest first.
func (s *Service) MonitoringErrors() []MonitoringError {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]MonitoringError(nil), s.errLog...)
}

// ResetSource forgets one source's health history.
func (s *Service) ResetSource(sourceID string) bool {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	ok := s.tracker.Reset(sourceID)
	if ok {
		s.logger.Info().Str("source", sourceID).Msg("source health reset")
	}
	return ok
}

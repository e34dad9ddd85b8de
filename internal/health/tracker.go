package health

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"citypulse/internal/model"
)

// State is a source's lifecycle state. There is no terminal state.
type State string

const (
	StateUnknown  State = "unknown"
	StateActive   State = "active"
	StateDegraded State = "degraded"
	StateInactive State = "inactive"
)

// Options configure the tracker.
type Options struct {
	WindowSize        int
	ReliabilityFloor  float64
	FailureCeiling    int
	StaleAfter        time.Duration
	RecoverySuccesses int
}

// DefaultOptions mirror the default alert thresholds.
func DefaultOptions() Options {
	return Options{
		WindowSize:        100,
		ReliabilityFloor:  0.8,
		FailureCeiling:    3,
		StaleAfter:        time.Hour,
		RecoverySuccesses: 2,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.WindowSize <= 0 {
		o.WindowSize = def.WindowSize
	}
	if o.FailureCeiling <= 0 {
		o.FailureCeiling = def.FailureCeiling
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = def.StaleAfter
	}
	if o.RecoverySuccesses <= 0 {
		o.RecoverySuccesses = 1
	}
	return o
}

// Reading is a single observation of one source/metric.
type Reading struct {
	SourceID  string
	Domain    model.Domain
	DataType  model.Metric
	Value     *float64
	Success   bool
	Timestamp time.Time
}

// Sample is one entry of a reliability window.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Value     *float64  `json:"value,omitempty"`
	Success   bool      `json:"success"`
}

// Record is the rolling reliability window of one (source, data type) pair.
type Record struct {
	SourceID         string       `json:"source_id"`
	DataType         model.Metric `json:"data_type"`
	Window           []Sample     `json:"window"`
	SuccessCount     int          `json:"success_count"`
	TotalCount       int          `json:"total_count"`
	ReliabilityScore float64      `json:"reliability_score"`
}

func (r *Record) push(s Sample, capacity int) {
	if len(r.Window) >= capacity {
		drop := len(r.Window) - capacity + 1
		for _, old := range r.Window[:drop] {
			if old.Success {
				r.SuccessCount--
			}
		}
		r.Window = append(r.Window[:0], r.Window[drop:]...)
	}
	r.Window = append(r.Window, s)
	if s.Success {
		r.SuccessCount++
	}
	r.TotalCount = len(r.Window)
	r.ReliabilityScore = float64(r.SuccessCount) / float64(r.TotalCount)
}

func (r Record) clone() Record {
	r.Window = append([]Sample(nil), r.Window...)
	return r
}

// Status is the health summary of one source.
type Status struct {
	SourceID             string         `json:"source_id"`
	Domain               model.Domain   `json:"domain"`
	State                State          `json:"state"`
	FirstSeen            time.Time      `json:"first_seen"`
	LastSeen             time.Time      `json:"last_seen"`
	LastReading          time.Time      `json:"last_reading"`
	DataTypesObserved    []model.Metric `json:"data_types_observed"`
	ReadingCount         int            `json:"reading_count"`
	ConsecutiveFailures  int            `json:"consecutive_failures"`
	ConsecutiveSuccesses int            `json:"consecutive_successes"`
	ReliabilityScore     float64        `json:"reliability_score"`
}

// Reference is the time staleness is measured from: the last successful reading,
// or the first observation for a source that never succeeded.
func (s Status) Reference() time.Time {
	if !s.LastSeen.IsZero() {
		return s.LastSeen
	}
	return s.FirstSeen
}

func (s Status) clone() Status {
	s.DataTypesObserved = append([]model.Metric(nil), s.DataTypesObserved...)
	return s
}

func (s *Status) observe(m model.Metric) {
	i := sort.Search(len(s.DataTypesObserved), func(i int) bool { return s.DataTypesObserved[i] >= m })
	if i < len(s.DataTypesObserved) && s.DataTypesObserved[i] == m {
		return
	}
	s.DataTypesObserved = append(s.DataTypesObserved, "")
	copy(s.DataTypesObserved[i+1:], s.DataTypesObserved[i:])
	s.DataTypesObserved[i] = m
}

// Tracker maintains per-source health and per-(source, metric) reliability windows.
type Tracker struct {
	opts   Options
	logger zerolog.Logger

	mu       sync.RWMutex
	statuses map[string]*Status
	records  map[string]map[model.Metric]*Record
}

// NewTracker constructs an empty tracker.
func NewTracker(opts Options, logger zerolog.Logger) *Tracker {
	return &Tracker{
		opts:     opts.withDefaults(),
		logger:   logger.With().Str("component", "health_tracker").Logger(),
		statuses: make(map[string]*Status),
		records:  make(map[string]map[model.Metric]*Record),
	}
}

// MetricReading is one data type inside an Observation.
type MetricReading struct {
	DataType model.Metric
	Value    *float64
	Success  bool
}

// Observation groups the readings of one source taken at the same time. Every
// reading lands in its own window while the consecutive counters move once: the
// observation succeeds when any of its readings succeeded.
type Observation struct {
	SourceID  string
	Domain    model.Domain
	Timestamp time.Time
	Readings  []MetricReading
}

// RecordReading applies one observation of a single data type and returns the
// source's updated status.
func (t *Tracker) RecordReading(r Reading) Status {
	return t.RecordObservation(Observation{
		SourceID:  r.SourceID,
		Domain:    r.Domain,
		Timestamp: r.Timestamp,
		Readings:  []MetricReading{{DataType: r.DataType, Value: r.Value, Success: r.Success}},
	})
}

// RecordObservation applies a grouped observation and returns the updated status.
// An observation without readings leaves the tracker untouched.
func (t *Tracker) RecordObservation(o Observation) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.statuses[o.SourceID]
	if len(o.Readings) == 0 {
		if !ok {
			return Status{}
		}
		return st.clone()
	}
	if !ok {
		st = &Status{
			SourceID:  o.SourceID,
			Domain:    o.Domain,
			State:     StateUnknown,
			FirstSeen: o.Timestamp,
		}
		t.statuses[o.SourceID] = st
		t.records[o.SourceID] = make(map[model.Metric]*Record)
	}

	recs := t.records[o.SourceID]
	success := false
	for _, r := range o.Readings {
		rec, ok := recs[r.DataType]
		if !ok {
			rec = &Record{SourceID: o.SourceID, DataType: r.DataType}
			recs[r.DataType] = rec
		}
		rec.push(Sample{Timestamp: o.Timestamp, Value: r.Value, Success: r.Success}, t.opts.WindowSize)
		st.observe(r.DataType)
		st.ReadingCount++
		success = success || r.Success
	}

	st.LastReading = o.Timestamp
	if st.Domain == "" {
		st.Domain = o.Domain
	}
	if success {
		st.ConsecutiveSuccesses++
		st.ConsecutiveFailures = 0
		st.LastSeen = o.Timestamp
	} else {
		st.ConsecutiveFailures++
		st.ConsecutiveSuccesses = 0
	}
	st.ReliabilityScore = meanScore(recs)

	prev := st.State
	st.State = t.nextState(st, success)
	if prev != st.State {
		t.logger.Info().Str("source", st.SourceID).
			Str("from", string(prev)).
			Str("to", string(st.State)).
			Float64("reliability", st.ReliabilityScore).
			Msg("source state changed")
	}
	return st.clone()
}

func (t *Tracker) nextState(st *Status, success bool) State {
	if !success {
		if st.ConsecutiveFailures >= t.opts.FailureCeiling {
			return StateInactive
		}
		switch st.State {
		case StateActive, StateDegraded:
			return t.liveState(st)
		default:
			return st.State
		}
	}

	switch st.State {
	case StateUnknown:
		return StateActive
	case StateInactive:
		if st.ConsecutiveSuccesses >= t.opts.RecoverySuccesses {
			return StateActive
		}
		return StateInactive
	default:
		return t.liveState(st)
	}
}

func (t *Tracker) liveState(st *Status) State {
	if st.ReliabilityScore < t.opts.ReliabilityFloor {
		return StateDegraded
	}
	return StateActive
}

func meanScore(recs map[model.Metric]*Record) float64 {
	if len(recs) == 0 {
		return 0
	}
	sum := 0.0
	for _, r := range recs {
		sum += r.ReliabilityScore
	}
	return sum / float64(len(recs))
}

// Sweep marks every source whose staleness reference is older than the stale window
// as inactive and returns the ids that changed.
func (t *Tracker) Sweep(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var changed []string
	for id, st := range t.statuses {
		if st.State == StateInactive {
			continue
		}
		if now.Sub(st.Reference()) > t.opts.StaleAfter {
			t.logger.Info().Str("source", id).
				Str("from", string(st.State)).
				Time("reference", st.Reference()).
				Msg("source went stale")
			st.State = StateInactive
			changed = append(changed, id)
		}
	}
	sort.Strings(changed)
	return changed
}

// Status returns a copy of one source's status.
func (t *Tracker) Status(sourceID string) (Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.statuses[sourceID]
	if !ok {
		return Status{}, false
	}
	return st.clone(), true
}

// Statuses returns copies of every status sorted by source id.
func (t *Tracker) Statuses() []Status {
	t.mu.RLock()
	out := make([]Status, 0, len(t.statuses))
	for _, st := range t.statuses {
		out = append(out, st.clone())
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

// Records returns copies of a source's reliability records sorted by data type.
func (t *Tracker) Records(sourceID string) []Record {
	t.mu.RLock()
	recs := t.records[sourceID]
	out := make([]Record, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.clone())
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DataType < out[j].DataType })
	return out
}

// SourcesForDomain returns the ids of every source ever seen for domain.
func (t *Tracker) SourcesForDomain(domain model.Domain) []string {
	t.mu.RLock()
	var ids []string
	for id, st := range t.statuses {
		if st.Domain == domain {
			ids = append(ids, id)
		}
	}
	t.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// DataTypes returns the metrics observed for a source.
func (t *Tracker) DataTypes(sourceID string) []model.Metric {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.statuses[sourceID]
	if !ok {
		return nil
	}
	return append([]model.Metric(nil), st.DataTypesObserved...)
}

// Reset forgets one source. It reports whether the source existed.
func (t *Tracker) Reset(sourceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.statuses[sourceID]; !ok {
		return false
	}
	delete(t.statuses, sourceID)
	delete(t.records, sourceID)
	return true
}

// Clear forgets every source.
func (t *Tracker) Clear() {
	t.mu.Lock()
	t.statuses = make(map[string]*Status)
	t.records = make(map[string]map[model.Metric]*Record)
	t.mu.Unlock()
}

// Summary aggregates the tracker state.
type Summary struct {
	TotalSources       int                  `json:"total_sources"`
	ActiveSources      int                  `json:"active_sources"`
	DegradedSources    int                  `json:"degraded_sources"`
	InactiveSources    int                  `json:"inactive_sources"`
	UnknownSources     int                  `json:"unknown_sources"`
	AverageReliability float64              `json:"average_reliability"`
	DataTypeCoverage   map[model.Metric]int `json:"data_type_coverage"`
}

// Summarize counts sources by state, averages their reliability and counts how many
// sources cover each data type.
func (t *Tracker) Summarize() Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	sum := Summary{DataTypeCoverage: make(map[model.Metric]int)}
	total := 0.0
	for _, st := range t.statuses {
		sum.TotalSources++
		total += st.ReliabilityScore
		switch st.State {
		case StateActive:
			sum.ActiveSources++
		case StateDegraded:
			sum.DegradedSources++
		case StateInactive:
			sum.InactiveSources++
		default:
			sum.UnknownSources++
		}
		for _, m := range st.DataTypesObserved {
			sum.DataTypeCoverage[m]++
		}
	}
	if sum.TotalSources > 0 {
		sum.AverageReliability = total / float64(sum.TotalSources)
	}
	return sum
}

// Snapshot is the serialisable tracker state.
type Snapshot struct {
	Statuses map[string]Status                  `json:"statuses"`
	Records  map[string]map[model.Metric]Record `json:"records"`
}

// Snapshot copies the tracker state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := Snapshot{
		Statuses: make(map[string]Status, len(t.statuses)),
		Records:  make(map[string]map[model.Metric]Record, len(t.records)),
	}
	for id, st := range t.statuses {
		snap.Statuses[id] = st.clone()
	}
	for id, recs := range t.records {
		m := make(map[model.Metric]Record, len(recs))
		for metric, r := range recs {
			m[metric] = r.clone()
		}
		snap.Records[id] = m
	}
	return snap
}

// Restore replaces the tracker state. Windows longer than the configured size are
// trimmed and their counts recomputed. Records of sources without a status are dropped.
func (t *Tracker) Restore(snap Snapshot) {
	statuses := make(map[string]*Status, len(snap.Statuses))
	for id, st := range snap.Statuses {
		st := st.clone()
		st.SourceID = id
		statuses[id] = &st
	}

	records := make(map[string]map[model.Metric]*Record, len(snap.Records))
	for id, recs := range snap.Records {
		st, ok := statuses[id]
		if !ok {
			continue
		}
		m := make(map[model.Metric]*Record, len(recs))
		for metric, r := range recs {
			rebuilt := &Record{SourceID: id, DataType: metric}
			for _, s := range r.Window {
				rebuilt.push(s, t.opts.WindowSize)
			}
			m[metric] = rebuilt
		}
		records[id] = m
		if len(m) > 0 {
			st.ReliabilityScore = meanScore(m)
		}
	}
	for id := range statuses {
		if _, ok := records[id]; !ok {
			records[id] = make(map[model.Metric]*Record)
		}
	}

	t.mu.Lock()
	t.statuses = statuses
	t.records = records
	t.mu.Unlock()
}

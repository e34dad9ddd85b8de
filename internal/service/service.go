package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"citypulse/internal/alerting"
	"citypulse/internal/fallback"
	"citypulse/internal/fetcher"
	"citypulse/internal/health"
	"citypulse/internal/metrics"
	"citypulse/internal/model"
	"citypulse/internal/quality"
	"citypulse/internal/resilience"
	"citypulse/internal/scheduler"
	"citypulse/internal/storage"
)

var (
	// ErrCycleInProgress is returned when a cycle is requested while another runs.
	ErrCycleInProgress = errors.New("monitoring cycle already in progress")
	// ErrLockHeld is returned when another instance holds the advisory lock.
	ErrLockHeld = errors.New("monitoring cycle skipped: advisory lock held elsewhere")
	// ErrNoUpstream is returned when a domain has no configured upstream.
	ErrNoUpstream = errors.New("no upstream configured for domain")
)

// Deps are the collaborators of a Service. Nil components are replaced by defaults.
type Deps struct {
	Upstreams  []fetcher.Upstream
	Fetcher    *resilience.Fetcher
	Validator  *quality.Validator
	Cache      *fallback.Cache
	Tracker    *health.Tracker
	Engine     *alerting.Engine
	Alerts     *alerting.Log
	Dispatcher *alerting.Dispatcher
	Store      storage.KV
	Scheduler  *scheduler.Scheduler
	Metrics    *metrics.Recorder
	Clock      func() time.Time
	Jitter     func(max time.Duration) time.Duration
	Logger     zerolog.Logger
}

// Options tune the orchestrator.
type Options struct {
	Thresholds       alerting.Thresholds
	CacheMaxAge      time.Duration
	CacheEvictAfter  time.Duration
	SyntheticScore   int
	ErrorLogSize     int
	HistoryRetention time.Duration
	PersistEvery     time.Duration
	PersistJitter    time.Duration
	LockKey          int64
}

// DefaultOptions returns the stock orchestrator settings.
func DefaultOptions() Options {
	return Options{
		Thresholds:       alerting.DefaultThresholds(),
		CacheMaxAge:      fallback.DefaultMaxAge,
		CacheEvictAfter:  24 * time.Hour,
		SyntheticScore:   30,
		ErrorLogSize:     50,
		HistoryRetention: 7 * 24 * time.Hour,
		PersistEvery:     15 * time.Minute,
		PersistJitter:    5 * time.Minute,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Thresholds == (alerting.Thresholds{}) {
		o.Thresholds = def.Thresholds
	}
	if o.CacheMaxAge <= 0 {
		o.CacheMaxAge = def.CacheMaxAge
	}
	if o.ErrorLogSize <= 0 {
		o.ErrorLogSize = def.ErrorLogSize
	}
	if o.HistoryRetention <= 0 {
		o.HistoryRetention = def.HistoryRetention
	}
	if o.SyntheticScore < 0 {
		o.SyntheticScore = 0
	}
	return o
}

// DomainOutcome describes how one upstream fared during a cycle.
type DomainOutcome struct {
	Source       model.Source         `json:"source"`
	QualityScore int                  `json:"quality_score"`
	FailureKind  resilience.ErrorKind `json:"failure_kind,omitempty"`
}

// CycleMetrics is the snapshot taken at the end of each monitoring cycle.
type CycleMetrics struct {
	Timestamp          time.Time                      `json:"timestamp"`
	Duration           time.Duration                  `json:"duration"`
	TotalSources       int                            `json:"total_sources"`
	ActiveSources      int                            `json:"active_sources"`
	DegradedSources    int                            `json:"degraded_sources"`
	InactiveSources    int                            `json:"inactive_sources"`
	AverageReliability float64                        `json:"average_reliability"`
	DataTypeCoverage   map[model.Metric]int           `json:"data_type_coverage"`
	Domains            map[model.Domain]DomainOutcome `json:"domains"`
	AlertsRaised       int                            `json:"alerts_raised"`
	StaleSources       []string                       `json:"stale_sources,omitempty"`
}

// MonitoringError is one entry of the bounded cycle error log.
type MonitoringError struct {
	Timestamp time.Time `json:"timestamp"`
	Stage     string    `json:"stage"`
	Message   string    `json:"message"`
}

// Service orchestrates fetching, validation, fallback, health tracking and alerting.
type Service struct {
	upstreams  []fetcher.Upstream
	fetcher    *resilience.Fetcher
	validator  *quality.Validator
	cache      *fallback.Cache
	tracker    *health.Tracker
	engine     *alerting.Engine
	alerts     *alerting.Log
	dispatcher *alerting.Dispatcher
	store      storage.KV
	locker     storage.AdvisoryLocker
	archive    storage.AlertStore
	scheduler  *scheduler.Scheduler
	metrics    *metrics.Recorder
	now        func() time.Time
	jitter     func(max time.Duration) time.Duration
	logger     zerolog.Logger
	opts       Options

	running atomic.Bool
	active  atomic.Bool

	// commitMu serialises every mutation of tracker, cache and alert log.
	commitMu sync.Mutex

	mu           sync.RWMutex
	lastCycle    *CycleMetrics
	history      []CycleMetrics
	errLog       []MonitoringError
	lastPersist  time.Time
	nextPersist  time.Time
	storageUsage int
}

// New constructs the orchestrator.
func New(deps Deps, opts Options) *Service {
	opts = opts.withDefaults()

	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	jitter := deps.Jitter
	if jitter == nil {
		jitter = func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return rand.N(max)
		}
	}

	s := &Service{
		upstreams:  deps.Upstreams,
		fetcher:    deps.Fetcher,
		validator:  deps.Validator,
		cache:      deps.Cache,
		tracker:    deps.Tracker,
		engine:     deps.Engine,
		alerts:     deps.Alerts,
		dispatcher: deps.Dispatcher,
		store:      deps.Store,
		scheduler:  deps.Scheduler,
		metrics:    deps.Metrics,
		now:        now,
		jitter:     jitter,
		logger:     deps.Logger.With().Str("component", "service").Logger(),
		opts:       opts,
	}
	if s.fetcher == nil {
		s.fetcher = resilience.NewFetcher(resilience.DefaultOptions(), deps.Logger, resilience.WithClock(now))
	}
	if s.validator == nil {
		s.validator = quality.NewValidator(quality.DefaultOptions(), now)
	}
	if s.cache == nil {
		s.cache = fallback.New(fallback.DefaultCapacity, now)
	}
	if s.tracker == nil {
		s.tracker = health.NewTracker(health.DefaultOptions(), deps.Logger)
	}
	if s.engine == nil {
		s.engine = alerting.NewEngine()
	}
	if s.alerts == nil {
		s.alerts = alerting.NewLog(alerting.DefaultRetention)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}
	if s.store != nil {
		if l, ok := storage.Capability[storage.AdvisoryLocker](s.store); ok {
			s.locker = l
		}
		if a, ok := storage.Capability[storage.AlertStore](s.store); ok {
			s.archive = a
		}
	}
	s.nextPersist = now().Add(s.persistDelay())
	return s
}

// Run drives monitoring cycles until ctx is cancelled, then persists state.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	s.active.Store(true)
	defer s.active.Store(false)

	s.logger.Info().Int("upstreams", len(s.upstreams)).Msg("monitoring started")
	err := s.scheduler.Run(ctx, s.ProcessCycle)

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if stopErr := s.Stop(stopCtx); stopErr != nil {
		s.logger.Error().Err(stopErr).Msg("failed to persist state on stop")
	}
	s.logger.Info().Msg("monitoring stopped")
	return err
}

// ProcessCycle is the scheduler tick. Skipped cycles are not errors.
func (s *Service) ProcessCycle(ctx context.Context, slot time.Time) error {
	_, err := s.RunCycle(ctx)
	if errors.Is(err, ErrCycleInProgress) || errors.Is(err, ErrLockHeld) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cycle %s: %w", slot.Format(time.RFC3339), err)
	}
	return nil
}

// RunCycle executes one monitoring cycle. Overlapping calls return ErrCycleInProgress.
func (s *Service) RunCycle(ctx context.Context) (cm CycleMetrics, err error) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn().Msg("monitoring cycle skipped: previous cycle still running")
		s.metrics.ObserveCycle(metrics.CycleSkipped, 0)
		return CycleMetrics{}, ErrCycleInProgress
	}
	defer s.running.Store(false)

	started := s.now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("monitoring cycle panicked: %v", r)
			s.recordError("cycle", err)
			s.metrics.ObserveCycle(metrics.CycleFailed, s.now().Sub(started))
		}
	}()

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		s.recordError("lock", err)
		s.metrics.ObserveCycle(metrics.CycleFailed, s.now().Sub(started))
		return CycleMetrics{}, err
	}
	if !proceed {
		s.logger.Debug().Msg("skip cycle because advisory lock held elsewhere")
		s.metrics.ObserveCycle(metrics.CycleSkipped, 0)
		return CycleMetrics{}, ErrLockHeld
	}
	if unlock != nil {
		defer unlock()
	}

	cm, err = s.executeCycle(ctx, started)
	if err != nil {
		s.recordError("cycle", err)
		s.metrics.ObserveCycle(metrics.CycleFailed, s.now().Sub(started))
		return cm, err
	}
	s.metrics.ObserveCycle(metrics.CycleCompleted, cm.Duration)
	return cm, nil
}

func (s *Service) executeCycle(ctx context.Context, started time.Time) (CycleMetrics, error) {
	outcomes := make(map[model.Domain]DomainOutcome, len(s.upstreams))
	for _, up := range s.upstreams {
		att := s.fetchAndValidate(ctx, up.Domain, up.Name, up.Fetch, nil)
		if err := ctx.Err(); err != nil {
			return CycleMetrics{}, fmt.Errorf("cycle interrupted: %w", err)
		}
		res := s.commit(up.Domain, att, true, 0)
		outcomes[up.Domain] = DomainOutcome{
			Source:       res.Metadata.Source,
			QualityScore: res.Metadata.QualityScore,
			FailureKind:  res.Metadata.FailureKind,
		}
	}

	s.commitMu.Lock()
	now := s.now()
	stale := s.tracker.Sweep(now)
	statuses := s.tracker.Statuses()
	raised := s.engine.Evaluate(statuses, s.opts.Thresholds, now)
	s.alerts.Append(raised...)
	pruned := s.alerts.Prune(now)
	evicted := 0
	if s.opts.CacheEvictAfter > 0 {
		evicted = s.cache.EvictOlderThan(now.Add(-s.opts.CacheEvictAfter))
	}
	summary := s.tracker.Summarize()
	s.commitMu.Unlock()

	cm := CycleMetrics{
		Timestamp:          now,
		Duration:           now.Sub(started),
		TotalSources:       summary.TotalSources,
		ActiveSources:      summary.ActiveSources,
		DegradedSources:    summary.DegradedSources,
		InactiveSources:    summary.InactiveSources,
		AverageReliability: summary.AverageReliability,
		DataTypeCoverage:   summary.DataTypeCoverage,
		Domains:            outcomes,
		AlertsRaised:       len(raised),
		StaleSources:       stale,
	}
	s.appendHistory(cm)

	s.metrics.CountAlerts(raised)
	s.metrics.SetSourceStatuses(statuses)

	s.logger.Info().
		Int("sources", cm.TotalSources).
		Int("active", cm.ActiveSources).
		Int("inactive", cm.InactiveSources).
		Float64("avg_reliability", cm.AverageReliability).
		Int("alerts", len(raised)).
		Int("alerts_pruned", pruned).
		Int("cache_evicted", evicted).
		Dur("duration", cm.Duration).
		Msg("monitoring cycle completed")

	if _, err := s.dispatcher.Dispatch(ctx, raised); err != nil {
		s.recordError("notify", err)
	}
	s.archiveAlerts(ctx, raised)
	s.maybePersist(ctx, now)
	return cm, nil
}

func (s *Service) appendHistory(cm CycleMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := cm.Timestamp.Add(-s.opts.HistoryRetention)
	kept := s.history[:0]
	for _, h := range s.history {
		if !h.Timestamp.Before(cutoff) {
			kept = append(kept, h)
		}
	}
	s.history = append(kept, cm)
	last := cm
	s.lastCycle = &last
}

func (s *Service) recordError(stage string, err error) {
	if err == nil {
		return
	}
	s.logger.Error().Err(err).Str("stage", stage).Msg("monitoring error")

	s.mu.Lock()
	defer s.mu.Unlock()
	s.errLog = append(s.errLog, MonitoringError{
		Timestamp: s.now(),
		Stage:     stage,
		Message:   err.Error(),
	})
	if over := len(s.errLog) - s.opts.ErrorLogSize; over > 0 {
		s.errLog = append(s.errLog[:0], s.errLog[over:]...)
	}
}

func (s *Service) archiveAlerts(ctx context.Context, alerts []alerting.Alert) {
	if s.archive == nil || len(alerts) == 0 {
		return
	}
	records := make([]storage.AlertRecord, 0, len(alerts))
	for _, a := range alerts {
		rec, err := toAlertRecord(a)
		if err != nil {
			s.recordError("archive", err)
			continue
		}
		records = append(records, rec)
	}
	if err := s.archive.InsertAlerts(ctx, records); err != nil {
		s.recordError("archive", err)
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

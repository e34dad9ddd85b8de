package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"citypulse/internal/alerting"
	"citypulse/internal/fallback"
	"citypulse/internal/health"
	"citypulse/internal/model"
	"citypulse/internal/storage"
)

// Keys under which state is persisted, relative to the store namespace.
const (
	KeySourceStatus       = "source_status"
	KeyReliabilityRecords = "reliability_records"
	KeyAlerts             = "alerts"
	KeyMonitoringErrors   = "monitoring_errors"
	KeyCycleMetrics       = "cycle_metrics"
	KeyFallbackCache      = "fallback_cache"
)

type persistedState struct {
	statuses map[string]health.Status
	records  map[string]map[model.Metric]health.Record
	alerts   []alerting.Alert
	errors   []MonitoringError
	cycles   []CycleMetrics
	cache    fallback.Snapshot
}

func (s *Service) persistDelay() time.Duration {
	if s.opts.PersistEvery <= 0 {
		return 0
	}
	return s.opts.PersistEvery + s.jitter(s.opts.PersistJitter)
}

func (s *Service) maybePersist(ctx context.Context, now time.Time) {
	if s.store == nil {
		return
	}
	s.mu.RLock()
	due := !now.Before(s.nextPersist)
	s.mu.RUnlock()
	if !due {
		return
	}
	if err := s.Persist(ctx); err != nil {
		s.recordError("persist", err)
	}
}

// Persist writes every piece of state to the store. Without a store it is a no-op.
func (s *Service) Persist(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	s.commitMu.Lock()
	snap := s.tracker.Snapshot()
	state := persistedState{
		statuses: snap.Statuses,
		records:  snap.Records,
		alerts:   s.alerts.Snapshot(),
		cache:    s.cache.Snapshot(),
	}
	s.commitMu.Unlock()

	s.mu.RLock()
	state.errors = append([]MonitoringError(nil), s.errLog...)
	state.cycles = append([]CycleMetrics(nil), s.history...)
	s.mu.RUnlock()

	entries := []struct {
		key   string
		value any
	}{
		{KeySourceStatus, state.statuses},
		{KeyReliabilityRecords, state.records},
		{KeyAlerts, state.alerts},
		{KeyMonitoringErrors, state.errors},
		{KeyCycleMetrics, state.cycles},
		{KeyFallbackCache, state.cache},
	}

	var errs []error
	written := 0
	for _, e := range entries {
		raw, err := json.Marshal(e.value)
		if err != nil {
			errs = append(errs, fmt.Errorf("encode %s: %w", e.key, err))
			continue
		}
		if err := s.store.Set(ctx, e.key, raw); err != nil {
			errs = append(errs, fmt.Errorf("persist %s: %w", e.key, err))
			continue
		}
		written += len(raw)
	}

	now := s.now()
	if s.archive != nil {
		if err := s.archive.DeleteAlertsBefore(ctx, now.Add(-s.opts.HistoryRetention)); err != nil {
			errs = append(errs, fmt.Errorf("prune alert archive: %w", err))
		}
	}

	s.mu.Lock()
	s.lastPersist = now
	s.nextPersist = now.Add(s.persistDelay())
	s.storageUsage = written
	s.mu.Unlock()

	s.logger.Debug().Int("bytes", written).Int("errors", len(errs)).Msg("state persisted")
	return errors.Join(errs...)
}

// Restore loads previously persisted state. Missing keys are skipped; corrupt
// values are reported and skipped so one bad key never blocks the rest.
func (s *Service) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	var (
		errs  []error
		state persistedState
	)
	load := func(key string, dst any) bool {
		raw, err := s.store.Get(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			return false
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", key, err))
			return false
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			errs = append(errs, fmt.Errorf("decode %s: %w", key, err))
			return false
		}
		return true
	}

	hasStatuses := load(KeySourceStatus, &state.statuses)
	hasRecords := load(KeyReliabilityRecords, &state.records)
	hasAlerts := load(KeyAlerts, &state.alerts)
	hasErrors := load(KeyMonitoringErrors, &state.errors)
	hasCycles := load(KeyCycleMetrics, &state.cycles)
	hasCache := load(KeyFallbackCache, &state.cache)

	now := s.now()
	s.commitMu.Lock()
	if hasStatuses || hasRecords {
		s.tracker.Restore(health.Snapshot{Statuses: state.statuses, Records: state.records})
	}
	if hasAlerts {
		s.alerts.Restore(state.alerts)
		s.alerts.Prune(now)
	}
	if hasCache {
		s.cache.Restore(state.cache)
	}
	s.commitMu.Unlock()

	s.mu.Lock()
	if hasErrors {
		if over := len(state.errors) - s.opts.ErrorLogSize; over > 0 {
			state.errors = state.errors[over:]
		}
		s.errLog = state.errors
	}
	if hasCycles {
		cutoff := now.Add(-s.opts.HistoryRetention)
		kept := state.cycles[:0]
		for _, cm := range state.cycles {
			if !cm.Timestamp.Before(cutoff) {
				kept = append(kept, cm)
			}
		}
		s.history = kept
		if len(kept) > 0 {
			last := kept[len(kept)-1]
			s.lastCycle = &last
		}
	}
	s.mu.Unlock()

	s.logger.Info().
		Int("sources", len(state.statuses)).
		Int("alerts", len(state.alerts)).
		Int("cycles", len(state.cycles)).
		Msg("state restored")
	return errors.Join(errs...)
}

// Stop persists state. It is called by Run on shutdown and may be called directly
// when cycles are driven externally.
func (s *Service) Stop(ctx context.Context) error {
	return s.Persist(ctx)
}

func toAlertRecord(a alerting.Alert) (storage.AlertRecord, error) {
	rec := storage.AlertRecord{
		ID:       a.ID,
		Type:     string(a.Type),
		SourceID: a.SourceID,
		Severity: string(a.Severity),
		Message:  a.Message,
		RaisedAt: a.Timestamp,
	}
	if len(a.Data) > 0 {
		raw, err := json.Marshal(a.Data)
		if err != nil {
			return storage.AlertRecord{}, fmt.Errorf("encode alert %s data: %w", a.ID, err)
		}
		rec.Data = raw
	}
	return rec, nil
}

package service

import (
	"context"
	"fmt"
	"time"

	"citypulse/internal/fallback"
	"citypulse/internal/health"
	"citypulse/internal/model"
	"citypulse/internal/quality"
	"citypulse/internal/resilience"
)

// LoadOptions tune a single LoadDataWithReliability call.
type LoadOptions struct {
	// OperationID keys retry state, breaker and limiter. Defaults to the domain.
	OperationID    string
	MaxRetries     *int
	AttemptTimeout time.Duration
	// MaxAge overrides how old a cached payload may be and still be served.
	MaxAge time.Duration
}

// Metadata explains where served data came from.
type Metadata struct {
	LoadTime     time.Duration        `json:"load_time"`
	QualityScore int                  `json:"quality_score"`
	DataAge      time.Duration        `json:"data_age"`
	Source       model.Source         `json:"source"`
	Cached       bool                 `json:"cached"`
	FailureKind  resilience.ErrorKind `json:"failure_kind,omitempty"`
	Issues       []string             `json:"issues,omitempty"`
}

// LoadResult is always a usable payload plus its provenance.
type LoadResult struct {
	Data     model.Payload `json:"data"`
	Metadata Metadata      `json:"metadata"`
}

type attempt struct {
	started time.Time
	payload model.Payload
	report  quality.Report
	err     error
}

func (a attempt) accepted() bool {
	return a.err == nil && a.report.Acceptable
}

// LoadDataWithReliability fetches domain data through the resilient fetcher and
// always returns something renderable: the live payload when it passes validation,
// otherwise a recent cached payload, otherwise a generated placeholder. Fetch errors
// are reported only as Metadata.FailureKind. The monitoring cycle is the only
// caller inside the service; it commits tracker and cache state.
func (s *Service) LoadDataWithReliability(ctx context.Context, domain model.Domain, fetch func(ctx context.Context) (model.Payload, error), opts LoadOptions) LoadResult {
	opID := opts.OperationID
	if opID == "" {
		opID = string(domain)
	}
	var execOpts []resilience.ExecOption
	if opts.MaxRetries != nil {
		execOpts = append(execOpts, resilience.WithMaxRetries(*opts.MaxRetries))
	}
	if opts.AttemptTimeout > 0 {
		execOpts = append(execOpts, resilience.WithAttemptTimeout(opts.AttemptTimeout))
	}

	att := s.fetchAndValidate(ctx, domain, opID, fetch, execOpts)
	// a cancelled caller says nothing about source health
	return s.commit(domain, att, ctx.Err() == nil, opts.MaxAge)
}

// Load serves what the monitoring cycle last committed for a configured domain: the
// most recent accepted payload while it is still usable, otherwise a generated
// placeholder. It never calls the upstream and never touches tracker or cache, so
// dashboard reads cannot move source health.
func (s *Service) Load(ctx context.Context, domain model.Domain) (LoadResult, error) {
	if !s.hasUpstream(domain) {
		return LoadResult{}, fmt.Errorf("%w: %s", ErrNoUpstream, domain)
	}
	if err := ctx.Err(); err != nil {
		return LoadResult{}, err
	}

	started := s.now()
	s.mu.RLock()
	var outcome DomainOutcome
	if s.lastCycle != nil {
		outcome = s.lastCycle.Domains[domain]
	}
	s.mu.RUnlock()

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	now := s.now()
	meta := Metadata{LoadTime: now.Sub(started), FailureKind: outcome.FailureKind}
	var res LoadResult
	if entry, ok := s.cache.Usable(domain, s.opts.CacheMaxAge); ok {
		meta.Source = model.SourceCacheFallback
		if outcome.Source == model.SourceLive {
			meta.Source = model.SourceLive
		}
		meta.QualityScore = entry.QualityScore
		meta.Cached = true
		meta.DataAge = entry.Age(now)
		res.Data = entry.Payload
	} else {
		meta.Source = model.SourceFallbackGenerated
		meta.QualityScore = s.opts.SyntheticScore
		res.Data = fallback.Generate(domain, now)
	}
	res.Metadata = meta
	s.metrics.ObserveLoad(string(domain), string(meta.Source), meta.QualityScore)
	return res, nil
}

func (s *Service) hasUpstream(domain model.Domain) bool {
	for _, up := range s.upstreams {
		if up.Domain == domain {
			return true
		}
	}
	return false
}

func (s *Service) fetchAndValidate(ctx context.Context, domain model.Domain, opID string, fetch func(ctx context.Context) (model.Payload, error), execOpts []resilience.ExecOption) attempt {
	att := attempt{started: s.now()}
	payload, err := resilience.Execute(ctx, s.fetcher, opID, fetch, execOpts...)
	if err != nil {
		att.err = err
		return att
	}
	if payload.Domain == "" {
		payload.Domain = domain
	}
	att.payload = payload
	att.report = s.validator.Validate(domain, payload)
	return att
}

// commit applies a fetch attempt to cache and tracker and picks what to serve.
func (s *Service) commit(domain model.Domain, att attempt, track bool, maxAge time.Duration) LoadResult {
	if maxAge <= 0 {
		maxAge = s.opts.CacheMaxAge
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	now := s.now()
	meta := Metadata{
		LoadTime:    now.Sub(att.started),
		FailureKind: resilience.Classify(att.err),
		Issues:      att.report.Issues,
	}
	var res LoadResult

	if att.accepted() {
		s.cache.Put(domain, att.payload, att.report.Score)
		if track {
			s.recordPayload(domain, att.payload, now)
		}
		meta.Source = model.SourceLive
		meta.QualityScore = att.report.Score
		meta.Cached = true
		if ts := att.payload.Timestamp(); !ts.IsZero() && now.After(ts) {
			meta.DataAge = now.Sub(ts)
		}
		res.Data = att.payload
	} else {
		if track {
			s.recordDomainFailure(domain, now)
		}
		event := s.logger.Warn().Str("domain", string(domain))
		if att.err != nil {
			event = event.Err(att.err)
		} else {
			event = event.Str("quality", att.report.Summary())
		}

		if entry, ok := s.cache.Usable(domain, maxAge); ok {
			meta.Source = model.SourceCacheFallback
			meta.QualityScore = entry.QualityScore
			meta.Cached = true
			meta.DataAge = entry.Age(now)
			res.Data = entry.Payload
		} else {
			meta.Source = model.SourceFallbackGenerated
			meta.QualityScore = s.opts.SyntheticScore
			res.Data = fallback.Generate(domain, now)
		}
		event.Str("source", string(meta.Source)).Msg("live data unusable, serving fallback")
	}

	res.Metadata = meta
	s.metrics.ObserveLoad(string(domain), string(meta.Source), meta.QualityScore)
	return res
}

// recordPayload records one observation per source present in an accepted payload
// and a failure for every known source of the domain that went missing.
func (s *Service) recordPayload(domain model.Domain, p model.Payload, now time.Time) {
	present := make(map[string]struct{})

	switch domain {
	case model.DomainWeather:
		if p.Weather == nil {
			break
		}
		grouped := make(map[string][]health.MetricReading)
		var order []string
		for _, r := range p.Weather.Readings {
			if r.StationID == "" {
				continue
			}
			if _, ok := grouped[r.StationID]; !ok {
				order = append(order, r.StationID)
			}
			grouped[r.StationID] = append(grouped[r.StationID], health.MetricReading{
				DataType: r.Metric,
				Value:    r.Value,
				Success:  r.Value != nil,
			})
		}
		for _, id := range order {
			s.tracker.RecordObservation(health.Observation{
				SourceID:  id,
				Domain:    domain,
				Timestamp: now,
				Readings:  grouped[id],
			})
			present[id] = struct{}{}
		}
	case model.DomainCamera:
		if p.Camera == nil {
			break
		}
		for _, c := range p.Camera.Captures {
			if c.CameraID == "" {
				continue
			}
			if _, dup := present[c.CameraID]; dup {
				continue
			}
			present[c.CameraID] = struct{}{}
			s.tracker.RecordObservation(health.Observation{
				SourceID:  c.CameraID,
				Domain:    domain,
				Timestamp: now,
				Readings:  []health.MetricReading{{DataType: model.MetricImage, Success: c.Complete()}},
			})
		}
	}

	for _, id := range s.tracker.SourcesForDomain(domain) {
		if _, ok := present[id]; !ok {
			s.recordSourceFailure(id, domain, now)
		}
	}
}

func (s *Service) recordDomainFailure(domain model.Domain, now time.Time) {
	for _, id := range s.tracker.SourcesForDomain(domain) {
		s.recordSourceFailure(id, domain, now)
	}
}

func (s *Service) recordSourceFailure(id string, domain model.Domain, now time.Time) {
	types := s.tracker.DataTypes(id)
	readings := make([]health.MetricReading, 0, len(types))
	for _, dt := range types {
		readings = append(readings, health.MetricReading{DataType: dt})
	}
	s.tracker.RecordObservation(health.Observation{
		SourceID:  id,
		Domain:    domain,
		Timestamp: now,
		Readings:  readings,
	})
}

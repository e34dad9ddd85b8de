package resilience

import (
	"context"
	"errors"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Options tune the retry loop.
type Options struct {
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxJitter      time.Duration
	AttemptTimeout time.Duration
}

// DefaultOptions returns the stock retry budget: 3 retries, 1s base, 30s cap, up to 1s jitter.
func DefaultOptions() Options {
	return Options{
		MaxRetries:     3,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		MaxJitter:      time.Second,
		AttemptTimeout: 20 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = def.BaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = def.MaxDelay
	}
	if o.MaxJitter < 0 {
		o.MaxJitter = 0
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = def.AttemptTimeout
	}
	return o
}

// Outcome is the result of a single attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
)

// FetchAttempt describes one attempt inside the retry loop. It is handed to the
// observer and then dropped.
type FetchAttempt struct {
	OperationID string
	Attempt     int
	StartedAt   time.Time
	Duration    time.Duration
	Outcome     Outcome
	Kind        ErrorKind
}

// RetryState is the per-operation bookkeeping exposed for health views.
type RetryState struct {
	OperationID string    `json:"operation_id"`
	Attempts    int       `json:"attempts"`
	LastAttempt time.Time `json:"last_attempt"`
	LastKind    ErrorKind `json:"last_kind,omitempty"`
}

// BreakerSettings configure the optional circuit breaker of one operation.
// A zero FailureThreshold disables the breaker.
type BreakerSettings struct {
	FailureThreshold uint32
	OpenTimeout      time.Duration
	HalfOpenRequests uint32
}

// LimitSettings configure the optional rate limiter of one operation.
// A non-positive RequestsPerSecond disables the limiter.
type LimitSettings struct {
	RequestsPerSecond float64
	Burst             int
}

// Option customises a Fetcher.
type Option func(*Fetcher)

// WithObserver registers a hook receiving every attempt.
func WithObserver(fn func(FetchAttempt)) Option {
	return func(f *Fetcher) { f.observer = fn }
}

// WithJitter replaces the random jitter source.
func WithJitter(fn func(max time.Duration) time.Duration) Option {
	return func(f *Fetcher) { f.jitter = fn }
}

// WithClock replaces time.Now.
func WithClock(fn func() time.Time) Option {
	return func(f *Fetcher) { f.now = fn }
}

// WithBreakerListener is notified when any breaker changes state.
func WithBreakerListener(fn func(name string, from, to gobreaker.State)) Option {
	return func(f *Fetcher) { f.onBreaker = fn }
}

type guard struct {
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// Fetcher runs fetch operations with bounded retries, backoff and optional
// breaker/limiter guards.
type Fetcher struct {
	opts      Options
	logger    zerolog.Logger
	observer  func(FetchAttempt)
	onBreaker func(name string, from, to gobreaker.State)
	jitter    func(max time.Duration) time.Duration
	now       func() time.Time

	mu     sync.RWMutex
	states map[string]RetryState
	guards map[string]*guard
}

// NewFetcher constructs a Fetcher.
func NewFetcher(opts Options, logger zerolog.Logger, options ...Option) *Fetcher {
	f := &Fetcher{
		opts:   opts.withDefaults(),
		logger: logger.With().Str("component", "resilient_fetcher").Logger(),
		jitter: randomJitter,
		now:    time.Now,
		states: make(map[string]RetryState),
		guards: make(map[string]*guard),
	}
	for _, opt := range options {
		opt(f)
	}
	return f
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max) + 1))
}

// Guard attaches a circuit breaker and/or rate limiter to an operation id.
func (f *Fetcher) Guard(operationID string, breaker BreakerSettings, limit LimitSettings) {
	g := &guard{}
	if breaker.FailureThreshold > 0 {
		threshold := breaker.FailureThreshold
		openTimeout := breaker.OpenTimeout
		if openTimeout <= 0 {
			openTimeout = time.Minute
		}
		halfOpen := breaker.HalfOpenRequests
		if halfOpen == 0 {
			halfOpen = 1
		}
		g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        operationID,
			MaxRequests: halfOpen,
			Timeout:     openTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				f.logger.Warn().Str("operation", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("circuit breaker state changed")
				if f.onBreaker != nil {
					f.onBreaker(name, from, to)
				}
			},
		})
	}
	if limit.RequestsPerSecond > 0 {
		burst := limit.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(limit.RequestsPerSecond), burst)
	}

	f.mu.Lock()
	f.guards[operationID] = g
	f.mu.Unlock()
}

// BreakerState reports the breaker state for an operation, if one is attached.
func (f *Fetcher) BreakerState(operationID string) (gobreaker.State, bool) {
	g := f.guardFor(operationID)
	if g == nil || g.breaker == nil {
		return gobreaker.StateClosed, false
	}
	return g.breaker.State(), true
}

// Delay returns the backoff applied before the given retry (1-based):
// min(base*2^(retry-1) + jitter, maxDelay).
func (f *Fetcher) Delay(retryNumber int) time.Duration {
	return f.delay(f.opts, retryNumber)
}

func (f *Fetcher) delay(opts Options, retryNumber int) time.Duration {
	if retryNumber < 1 {
		retryNumber = 1
	}
	backoff := opts.MaxDelay
	if shift := retryNumber - 1; shift < 32 {
		if d := opts.BaseDelay << uint(shift); d > 0 && d < opts.MaxDelay {
			backoff = d
		}
	}
	d := backoff + f.jitter(opts.MaxJitter)
	if d > opts.MaxDelay {
		d = opts.MaxDelay
	}
	return d
}

// RetryState returns the bookkeeping of an operation that has not yet succeeded.
func (f *Fetcher) RetryState(operationID string) (RetryState, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	st, ok := f.states[operationID]
	return st, ok
}

// RetryStates returns every pending retry state sorted by operation id.
func (f *Fetcher) RetryStates() []RetryState {
	f.mu.RLock()
	out := make([]RetryState, 0, len(f.states))
	for _, st := range f.states {
		out = append(out, st)
	}
	f.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].OperationID < out[j].OperationID })
	return out
}

func (f *Fetcher) guardFor(operationID string) *guard {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.guards[operationID]
}

func (f *Fetcher) markAttempt(operationID string, attempt int, at time.Time) {
	f.mu.Lock()
	st := f.states[operationID]
	st.OperationID = operationID
	st.Attempts = attempt
	st.LastAttempt = at
	f.states[operationID] = st
	f.mu.Unlock()
}

func (f *Fetcher) markFailure(operationID string, kind ErrorKind) {
	f.mu.Lock()
	st := f.states[operationID]
	st.OperationID = operationID
	st.LastKind = kind
	f.states[operationID] = st
	f.mu.Unlock()
}

func (f *Fetcher) clearState(operationID string) {
	f.mu.Lock()
	delete(f.states, operationID)
	f.mu.Unlock()
}

// ExecOption overrides Fetcher options for a single Execute call.
type ExecOption func(*Options)

// WithMaxRetries overrides the retry budget.
func WithMaxRetries(n int) ExecOption {
	return func(o *Options) {
		if n >= 0 {
			o.MaxRetries = n
		}
	}
}

// WithAttemptTimeout overrides the per-attempt timeout.
func WithAttemptTimeout(d time.Duration) ExecOption {
	return func(o *Options) {
		if d > 0 {
			o.AttemptTimeout = d
		}
	}
}

// Execute runs fn under the fetcher's retry policy for operationID. It makes at most
// MaxRetries+1 attempts, retries only retryable kinds, and returns the most recent
// error once the budget is spent.
func Execute[T any](ctx context.Context, f *Fetcher, operationID string, fn func(ctx context.Context) (T, error), opts ...ExecOption) (T, error) {
	cfg := f.opts
	for _, opt := range opts {
		opt(&cfg)
	}

	g := f.guardFor(operationID)
	if g == nil || g.breaker == nil {
		return runWithRetry(ctx, f, operationID, cfg, g, fn)
	}

	out, err := g.breaker.Execute(func() (interface{}, error) {
		return runWithRetry(ctx, f, operationID, cfg, g, fn)
	})
	if err != nil {
		var zero T
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			f.markFailure(operationID, KindCircuitOpen)
			return zero, NewFetchError(KindCircuitOpen, operationID, err)
		}
		return zero, err
	}
	value, _ := out.(T)
	return value, nil
}

func runWithRetry[T any](ctx context.Context, f *Fetcher, operationID string, cfg Options, g *guard, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		result  T
		lastErr error
		attempt int
	)

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(uint(cfg.MaxRetries+1)),
		retry.DelayType(func(_ uint, _ error, _ retry.DelayContext) time.Duration {
			return f.delay(cfg, attempt)
		}),
		retry.RetryIf(func(err error) bool {
			return Retryable(Classify(err))
		}),
	)

	doErr := r.Do(func() error {
		attempt++
		if g != nil && g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				lastErr = NewFetchError(KindCanceled, operationID, err)
				return lastErr
			}
		}

		started := f.now()
		f.markAttempt(operationID, attempt, started)

		attemptCtx, cancel := context.WithTimeout(ctx, cfg.AttemptTimeout)
		value, err := fn(attemptCtx)
		timedOut := errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()

		if err != nil && timedOut && Classify(err) != KindTimeout {
			err = NewFetchError(KindTimeout, operationID, err)
		}

		f.observe(operationID, attempt, started, err)
		if err != nil {
			lastErr = err
			kind := Classify(err)
			f.markFailure(operationID, kind)
			f.logger.Warn().Err(err).
				Str("operation", operationID).
				Int("attempt", attempt).
				Str("kind", string(kind)).
				Bool("retryable", Retryable(kind)).
				Msg("fetch attempt failed")
			return err
		}

		result = value
		return nil
	})

	if doErr != nil {
		if lastErr == nil {
			lastErr = doErr
		}
		var zero T
		return zero, lastErr
	}

	f.clearState(operationID)
	if attempt > 1 {
		f.logger.Info().Str("operation", operationID).Int("attempts", attempt).Msg("fetch recovered after retries")
	}
	return result, nil
}

func (f *Fetcher) observe(operationID string, attempt int, started time.Time, err error) {
	if f.observer == nil {
		return
	}
	outcome := OutcomeSuccess
	kind := Classify(err)
	switch {
	case err == nil:
	case kind == KindTimeout:
		outcome = OutcomeTimeout
	default:
		outcome = OutcomeFailure
	}
	f.observer(FetchAttempt{
		OperationID: operationID,
		Attempt:     attempt,
		StartedAt:   started,
		Duration:    f.now().Sub(started),
		Outcome:     outcome,
		Kind:        kind,
	})
}

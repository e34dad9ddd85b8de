package alerting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Dispatcher forwards alerts to a Notifier, holding back repeats of the same
// (type, source) pair inside the cooldown window and anything below minSeverity.
// The alert log itself is never filtered.
type Dispatcher struct {
	notifier    Notifier
	cooldown    time.Duration
	minSeverity Severity
	now         func() time.Time
	logger      zerolog.Logger

	mu   sync.Mutex
	sent map[string]time.Time
}

// NewDispatcher constructs a Dispatcher. A nil notifier makes Dispatch a no-op.
func NewDispatcher(notifier Notifier, cooldown time.Duration, minSeverity Severity, now func() time.Time, logger zerolog.Logger) *Dispatcher {
	if now == nil {
		now = time.Now
	}
	if minSeverity.Rank() == 0 {
		minSeverity = SeverityWarning
	}
	return &Dispatcher{
		notifier:    notifier,
		cooldown:    cooldown,
		minSeverity: minSeverity,
		now:         now,
		logger:      logger.With().Str("component", "alert_dispatcher").Logger(),
		sent:        make(map[string]time.Time),
	}
}

// Dispatch notifies every eligible alert and returns how many were delivered.
// Delivery failures do not stop the remaining alerts.
func (d *Dispatcher) Dispatch(ctx context.Context, alerts []Alert) (int, error) {
	if d == nil || d.notifier == nil {
		return 0, nil
	}

	var (
		delivered int
		errs      []error
	)
	for _, a := range alerts {
		if a.Severity.Rank() < d.minSeverity.Rank() {
			continue
		}
		key := string(a.Type) + "|" + a.SourceID
		if !d.due(key) {
			d.logger.Debug().Str("type", string(a.Type)).Str("source", a.SourceID).Msg("alert notification in cooldown")
			continue
		}
		if err := d.notifier.Notify(ctx, a); err != nil {
			d.logger.Error().Err(err).Str("alert_id", a.ID).Msg("failed to dispatch alert")
			errs = append(errs, fmt.Errorf("notify %s/%s: %w", a.Type, a.SourceID, err))
			continue
		}
		d.markSent(key)
		delivered++
	}
	return delivered, errors.Join(errs...)
}

func (d *Dispatcher) due(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	last, ok := d.sent[key]
	return !ok || d.now().Sub(last) >= d.cooldown
}

func (d *Dispatcher) markSent(key string) {
	d.mu.Lock()
	d.sent[key] = d.now()
	d.mu.Unlock()
}

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"citypulse/internal/alerting"
	"citypulse/internal/health"
	"citypulse/internal/model"
)

// SimulateOptions describe the fake source health fed to the alert engine.
type SimulateOptions struct {
	SourceID            string
	ConsecutiveFailures int
	Reliability         float64
	SilentFor           time.Duration
}

// SimulateAlert evaluates a made-up source status and pushes whatever it raises through
// the configured notifier, bypassing the cooldown. It exercises the alert path end to end.
func (a *App) SimulateAlert(ctx context.Context, out io.Writer, opts SimulateOptions) error {
	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("no alert channel configured")
	}
	if opts.SourceID == "" {
		opts.SourceID = "simulated-source"
	}

	now := time.Now().UTC()
	status := health.Status{
		SourceID:            opts.SourceID,
		Domain:              model.DomainWeather,
		State:               health.StateDegraded,
		FirstSeen:           now.Add(-opts.SilentFor),
		LastSeen:            now.Add(-opts.SilentFor),
		ConsecutiveFailures: opts.ConsecutiveFailures,
		ReliabilityScore:    opts.Reliability,
	}

	alerts := alerting.NewEngine().Evaluate([]health.Status{status}, a.thresholds(), now)
	if len(alerts) == 0 {
		fmt.Fprintln(out, "simulated status is within thresholds; nothing to send")
		return nil
	}

	dispatcher := alerting.NewDispatcher(notifier, 0, alerting.SeverityInfo, nil, a.Logger)
	sent, err := dispatcher.Dispatch(ctx, alerts)
	fmt.Fprintf(out, "raised %d alert(s), delivered %d\n", len(alerts), sent)
	return err
}

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"citypulse/internal/model"
	"citypulse/internal/service"
)

// Cycle runs monitoring cycles against restored state, prints a summary of each and
// persists the result. Cycles are spaced by opts.Interval.
func (a *App) Cycle(ctx context.Context, out io.Writer, opts CycleOptions) error {
	if opts.Count <= 0 {
		opts.Count = 1
	}

	svc, closeStore, err := a.restoredService(ctx, a.newNotifier())
	if err != nil {
		return err
	}
	defer closeStore()

	processed, failed := 0, 0
	for i := 0; i < opts.Count; i++ {
		if i > 0 && opts.Interval > 0 {
			timer := time.NewTimer(opts.Interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		cm, err := svc.RunCycle(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			failed++
			a.Logger.Error().Err(err).Int("cycle", i+1).Msg("monitoring cycle failed")
			continue
		}
		processed++
		writeCycle(out, cm)
	}

	if err := svc.Persist(ctx); err != nil {
		return err
	}
	a.Logger.Info().Int("processed", processed).Int("failed", failed).Msg("cycles finished")
	if failed > 0 {
		return fmt.Errorf("%d of %d cycles failed, check the logs", failed, opts.Count)
	}
	return nil
}

func writeCycle(out io.Writer, cm service.CycleMetrics) {
	fmt.Fprintf(out, "%s  sources %d (active %d, degraded %d, inactive %d)  reliability %.1f%%  alerts %d  took %s\n",
		cm.Timestamp.UTC().Format(time.RFC3339), cm.TotalSources, cm.ActiveSources, cm.DegradedSources,
		cm.InactiveSources, cm.AverageReliability*100, cm.AlertsRaised, cm.Duration.Round(time.Millisecond))

	domains := make([]string, 0, len(cm.Domains))
	for d := range cm.Domains {
		domains = append(domains, string(d))
	}
	sort.Strings(domains)
	for _, d := range domains {
		o := cm.Domains[model.Domain(d)]
		line := fmt.Sprintf("  %-8s %-18s quality %d", d, o.Source, o.QualityScore)
		if o.FailureKind != "" {
			line += fmt.Sprintf("  (%s)", o.FailureKind)
		}
		fmt.Fprintln(out, line)
	}
	if len(cm.StaleSources) > 0 {
		fmt.Fprintf(out, "  stale: %v\n", cm.StaleSources)
	}
}

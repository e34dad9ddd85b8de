package app

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"citypulse/internal/alerting"
	"citypulse/internal/model"
	"citypulse/internal/service"
	"citypulse/internal/storage"
)

// Status prints the monitoring overview from persisted state.
func (a *App) Status(ctx context.Context, out io.Writer) error {
	svc, closeStore, err := a.restoredService(ctx, nil)
	if err != nil {
		return err
	}
	defer closeStore()

	writeStatus(out, svc.MonitoringStatus())
	return nil
}

// Report prints every tracked source ranked by reliability.
func (a *App) Report(ctx context.Context, out io.Writer) error {
	svc, closeStore, err := a.restoredService(ctx, nil)
	if err != nil {
		return err
	}
	defer closeStore()

	writeReport(out, svc.StationReliabilityReport())
	return nil
}

// Alerts prints recent alerts. A Postgres store answers from the alert archive, which
// outlives the in-memory retention window.
func (a *App) Alerts(ctx context.Context, out io.Writer, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if archive, ok := storage.Capability[storage.AlertStore](store); ok {
		records, err := archive.ListRecentAlerts(ctx, opts.Limit)
		if err != nil {
			return err
		}
		writeArchivedAlerts(out, records)
		return nil
	}

	svc := a.newService(serviceParts{store: store})
	if err := svc.Restore(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("persisted state partially restored")
	}
	alerts := svc.RecentAlerts(opts.Hours)
	if opts.Limit > 0 && len(alerts) > opts.Limit {
		alerts = alerts[:opts.Limit]
	}
	writeAlerts(out, alerts)
	return nil
}

// ResetSource forgets the health history of one source and persists the result.
func (a *App) ResetSource(ctx context.Context, out io.Writer, sourceID string) error {
	svc, closeStore, err := a.restoredService(ctx, nil)
	if err != nil {
		return err
	}
	defer closeStore()

	if !svc.ResetSource(sourceID) {
		return fmt.Errorf("source %q is not tracked", sourceID)
	}
	if err := svc.Persist(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "source %s reset\n", sourceID)
	return nil
}

func writeStatus(out io.Writer, st service.MonitoringStatus) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	last := "never"
	if st.LastCycleTimestamp != nil {
		last = st.LastCycleTimestamp.UTC().Format(time.RFC3339)
	}
	fmt.Fprintf(w, "Last cycle\t%s\n", last)
	fmt.Fprintf(w, "Sources\t%d (active %d, degraded %d, inactive %d)\n",
		st.TotalSources, st.ActiveSources, st.DegradedSources, st.InactiveSources)
	fmt.Fprintf(w, "Average reliability\t%.1f%%\n", st.AverageReliability*100)

	metrics := make([]string, 0, len(st.DataTypeCoverage))
	for m := range st.DataTypeCoverage {
		metrics = append(metrics, string(m))
	}
	sort.Strings(metrics)
	for _, m := range metrics {
		fmt.Fprintf(w, "Coverage %s\t%d\n", m, st.DataTypeCoverage[model.Metric(m)])
	}
	fmt.Fprintf(w, "Thresholds\treliability %.2f, failures %d, data age %s\n",
		st.Thresholds.Reliability, st.Thresholds.ConsecutiveFailures, st.Thresholds.DataAge)
	for _, rs := range st.RetryStates {
		fmt.Fprintf(w, "Retrying %s\tattempt %d, last %s\n", rs.OperationID, rs.Attempts, rs.LastKind)
	}
	fmt.Fprintf(w, "Recent alerts\t%d\n", len(st.RecentAlerts))
	w.Flush()
}

func writeReport(out io.Writer, report service.ReliabilityReport) {
	if report.TotalStations == 0 {
		fmt.Fprintln(out, "no sources tracked yet")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "Source\tDomain\tState\tReliability%\tRating\tReadings\tFailures\tLast seen (UTC)")
	for _, row := range report.Stations {
		lastSeen := "-"
		if !row.LastSeen.IsZero() {
			lastSeen = row.LastSeen.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			row.SourceID, row.Domain, row.State, row.ReliabilityPct.StringFixed(1),
			row.Rating, row.ReadingCount, row.ConsecutiveFailures, lastSeen)
	}
	w.Flush()
	fmt.Fprintf(out, "\nexcellent %d, good %d, fair %d, poor %d\n",
		report.Summary.Excellent, report.Summary.Good, report.Summary.Fair, report.Summary.Poor)
}

func writeAlerts(out io.Writer, alerts []alerting.Alert) {
	if len(alerts) == 0 {
		fmt.Fprintln(out, "no alerts found")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "Time (UTC)\tSeverity\tType\tSource\tMessage")
	for _, a := range alerts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			a.Timestamp.UTC().Format(time.RFC3339), a.Severity, a.Type, a.SourceID, sanitizeInline(a.Message))
	}
	w.Flush()
}

func writeArchivedAlerts(out io.Writer, records []storage.AlertRecord) {
	if len(records) == 0 {
		fmt.Fprintln(out, "no alerts found")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "Time (UTC)\tSeverity\tType\tSource\tMessage")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.RaisedAt.UTC().Format(time.RFC3339), r.Severity, r.Type, r.SourceID, sanitizeInline(r.Message))
	}
	w.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

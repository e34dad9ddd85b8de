package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"citypulse/internal/model"
	"citypulse/internal/service"
)

// Export renders the persisted cycle history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	svc, closeStore, err := a.restoredService(ctx, nil)
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-a.Config.Monitoring.HistoryRetention)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	var cycles []service.CycleMetrics
	for _, cm := range svc.CycleHistory(from) {
		if cm.Timestamp.Before(to) {
			cycles = append(cycles, cm)
		}
	}
	if len(cycles) == 0 {
		a.Logger.Info().Msg("no cycles found for export window")
		return nil
	}

	downsampled := downsampleCycles(cycles, opts.MaxPoints)
	a.Logger.Info().Int("total", len(cycles)).Int("exported", len(downsampled)).Msg("exporting cycle history")

	if opts.CSVPath != "" {
		if err := writeCyclesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeCyclesPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}
	return nil
}

func downsampleCycles(cycles []service.CycleMetrics, max int) []service.CycleMetrics {
	if max <= 0 || len(cycles) <= max {
		return cycles
	}
	if max == 1 {
		return cycles[len(cycles)-1:]
	}

	result := make([]service.CycleMetrics, 0, max)
	step := float64(len(cycles)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(cycles) {
			idx = len(cycles) - 1
		}
		result = append(result, cycles[idx])
	}
	return result
}

func writeCyclesCSV(path string, cycles []service.CycleMetrics) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"timestamp", "duration_ms", "total_sources", "active_sources", "degraded_sources",
		"inactive_sources", "average_reliability_pct", "alerts_raised", "weather_source", "camera_source"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, cm := range cycles {
		record := []string{
			cm.Timestamp.UTC().Format(time.RFC3339),
			strconv.FormatInt(cm.Duration.Milliseconds(), 10),
			strconv.Itoa(cm.TotalSources),
			strconv.Itoa(cm.ActiveSources),
			strconv.Itoa(cm.DegradedSources),
			strconv.Itoa(cm.InactiveSources),
			reliabilityPct(cm.AverageReliability).StringFixed(2),
			strconv.Itoa(cm.AlertsRaised),
			string(cm.Domains[model.DomainWeather].Source),
			string(cm.Domains[model.DomainCamera].Source),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeCyclesPNG(path string, cycles []service.CycleMetrics) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(cycles))
	reliability := make([]float64, len(cycles))
	active := make([]float64, len(cycles))
	inactive := make([]float64, len(cycles))
	maxSources := 1.0

	for i, cm := range cycles {
		x[i] = cm.Timestamp
		reliability[i] = reliabilityPct(cm.AverageReliability).InexactFloat64()
		active[i] = float64(cm.ActiveSources)
		inactive[i] = float64(cm.InactiveSources)
		maxSources = math.Max(maxSources, float64(cm.TotalSources))
	}

	pctFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.1f")
	}
	countFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		// fixed ranges: flat series would otherwise yield an empty range
		YAxis: chart.YAxis{
			Name:           "Average reliability (%)",
			ValueFormatter: pctFormatter,
			Range:          &chart.ContinuousRange{Min: 0, Max: 100},
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Sources",
			ValueFormatter: countFormatter,
			Range:          &chart.ContinuousRange{Min: 0, Max: maxSources},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Reliability %",
				XValues: x,
				YValues: reliability,
			},
			chart.TimeSeries{
				Name:    "Active",
				XValues: x,
				YValues: active,
				YAxis:   chart.YAxisSecondary,
			},
			chart.TimeSeries{
				Name:    "Inactive",
				XValues: x,
				YValues: inactive,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func reliabilityPct(score float64) decimal.Decimal {
	return decimal.NewFromFloat(score).Mul(decimal.NewFromInt(100))
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

package fetcher

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"citypulse/internal/model"
	"citypulse/internal/resilience"
)

const weatherOp = "weather"

// Weather fetches station readings from the city weather API.
type Weather struct {
	opts   HTTPOptions
	logger zerolog.Logger
	client *http.Client
}

// NewWeather constructs a weather fetcher.
func NewWeather(opts HTTPOptions, logger zerolog.Logger) *Weather {
	opts.URL = strings.TrimSpace(opts.URL)
	return &Weather{
		opts:   opts,
		logger: logger.With().Str("component", "weather_fetcher").Logger(),
		client: newHTTPClient(opts.Timeout),
	}
}

// FetchWeather retrieves the latest readings of every station.
func (w *Weather) FetchWeather(ctx context.Context) (*model.WeatherPayload, error) {
	if w.opts.URL == "" {
		return nil, resilience.NewFetchError(resilience.KindClient, weatherOp, errors.New("weather api url not configured"))
	}

	var res weatherResponse
	if err := getJSON(ctx, w.client, weatherOp, w.opts.URL, w.opts.UserAgent, &res); err != nil {
		return nil, err
	}

	payload := res.toPayload()
	w.logger.Debug().
		Int("stations", len(payload.Stations)).
		Int("readings", len(payload.Readings)).
		Time("timestamp", payload.Timestamp).
		Msg("weather fetched")
	return payload, nil
}

type weatherResponse struct {
	Timestamp *time.Time `json:"timestamp"`
	Stations  []struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Location struct {
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
		} `json:"location"`
	} `json:"stations"`
	Readings []struct {
		StationID string   `json:"station_id"`
		Metric    string   `json:"metric"`
		Value     *float64 `json:"value"`
	} `json:"readings"`
}

func (r weatherResponse) toPayload() *model.WeatherPayload {
	out := &model.WeatherPayload{
		Stations: make([]model.Station, 0, len(r.Stations)),
		Readings: make([]model.WeatherReading, 0, len(r.Readings)),
	}
	if r.Timestamp != nil {
		out.Timestamp = r.Timestamp.UTC()
	}
	for _, s := range r.Stations {
		out.Stations = append(out.Stations, model.Station{
			ID:        s.ID,
			Name:      s.Name,
			Latitude:  s.Location.Latitude,
			Longitude: s.Location.Longitude,
		})
	}
	for _, rd := range r.Readings {
		out.Readings = append(out.Readings, model.WeatherReading{
			StationID: rd.StationID,
			Metric:    model.Metric(strings.ToLower(rd.Metric)),
			Value:     rd.Value,
		})
	}
	return out
}

var _ WeatherFetcher = (*Weather)(nil)

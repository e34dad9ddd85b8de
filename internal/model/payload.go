package model

import (
	"fmt"
	"strings"
	"time"
)

// Domain identifies which upstream data family a payload belongs to.
type Domain string

const (
	DomainWeather Domain = "weather"
	DomainCamera  Domain = "camera"
)

// Domains lists every supported domain in a stable order.
var Domains = []Domain{DomainWeather, DomainCamera}

// ParseDomain validates a raw domain name.
func ParseDomain(raw string) (Domain, error) {
	switch Domain(strings.ToLower(strings.TrimSpace(raw))) {
	case DomainWeather:
		return DomainWeather, nil
	case DomainCamera:
		return DomainCamera, nil
	default:
		return "", fmt.Errorf("unknown data domain %q", raw)
	}
}

// Metric names a weather reading type.
type Metric string

const (
	MetricTemperature Metric = "temperature"
	MetricHumidity    Metric = "humidity"
	MetricRainfall    Metric = "rainfall"
	MetricWindSpeed   Metric = "wind_speed"

	// MetricImage is the single data type tracked per camera.
	MetricImage Metric = "image"
)

// Station is a weather station as advertised by the upstream.
type Station struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// WeatherReading is one station/metric observation. A nil Value marks a reading the
// station failed to report.
type WeatherReading struct {
	StationID string   `json:"station_id"`
	Metric    Metric   `json:"metric"`
	Value     *float64 `json:"value"`
}

// WeatherPayload is the weather upstream's response.
type WeatherPayload struct {
	Timestamp time.Time        `json:"timestamp"`
	Stations  []Station        `json:"stations"`
	Readings  []WeatherReading `json:"readings"`
}

// StationIDs returns the distinct station ids that produced at least one reading.
func (w *WeatherPayload) StationIDs() []string {
	if w == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(w.Readings))
	ids := make([]string, 0, len(w.Readings))
	for _, r := range w.Readings {
		if r.StationID == "" {
			continue
		}
		if _, ok := seen[r.StationID]; ok {
			continue
		}
		seen[r.StationID] = struct{}{}
		ids = append(ids, r.StationID)
	}
	return ids
}

// CameraCapture is one traffic camera frame.
type CameraCapture struct {
	CameraID   string    `json:"camera_id"`
	Name       string    `json:"name"`
	ImageURL   string    `json:"image_url"`
	Latitude   *float64  `json:"latitude,omitempty"`
	Longitude  *float64  `json:"longitude,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
}

// Complete reports whether the capture carries every field the dashboard renders.
func (c CameraCapture) Complete() bool {
	return c.ImageURL != "" && c.Name != "" && c.Latitude != nil && c.Longitude != nil
}

// CameraPayload is the camera upstream's response. A nil Captures slice means the
// upstream returned no capture list at all.
type CameraPayload struct {
	Timestamp time.Time       `json:"timestamp"`
	Captures  []CameraCapture `json:"captures"`
}

// Payload is a tagged union over the supported domains.
type Payload struct {
	Domain    Domain          `json:"domain"`
	Weather   *WeatherPayload `json:"weather,omitempty"`
	Camera    *CameraPayload  `json:"camera,omitempty"`
	Synthetic bool            `json:"synthetic,omitempty"`
}

// NewWeatherPayload wraps a weather response.
func NewWeatherPayload(w *WeatherPayload) Payload {
	return Payload{Domain: DomainWeather, Weather: w}
}

// NewCameraPayload wraps a camera response.
func NewCameraPayload(c *CameraPayload) Payload {
	return Payload{Domain: DomainCamera, Camera: c}
}

// Timestamp returns the upstream's own timestamp for the payload, if any.
func (p Payload) Timestamp() time.Time {
	switch p.Domain {
	case DomainWeather:
		if p.Weather != nil {
			return p.Weather.Timestamp
		}
	case DomainCamera:
		if p.Camera != nil {
			return p.Camera.Timestamp
		}
	}
	return time.Time{}
}

// Source tags the provenance of data handed to consumers.
type Source string

const (
	SourceLive              Source = "live"
	SourceCacheFallback     Source = "cache_fallback"
	SourceFallbackGenerated Source = "fallback_generated"
)

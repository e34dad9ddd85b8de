package quality

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"citypulse/internal/model"
)

var now = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return now }

func ptr(v float64) *float64 { return &v }

func weatherWithStations(ts time.Time, ids ...string) model.Payload {
	w := &model.WeatherPayload{Timestamp: ts}
	for _, id := range ids {
		w.Stations = append(w.Stations, model.Station{ID: id})
		w.Readings = append(w.Readings,
			model.WeatherReading{StationID: id, Metric: model.MetricTemperature, Value: ptr(28.5)},
			model.WeatherReading{StationID: id, Metric: model.MetricHumidity, Value: ptr(80)},
		)
	}
	return model.NewWeatherPayload(w)
}

func camera(name string, complete bool) model.CameraCapture {
	c := model.CameraCapture{CameraID: name, Name: name, ImageURL: "https://img/" + name}
	if complete {
		c.Latitude, c.Longitude = ptr(1.35), ptr(103.8)
	}
	return c
}

func cameraPayload(ts time.Time, complete, incomplete int) model.Payload {
	p := &model.CameraPayload{Timestamp: ts, Captures: []model.CameraCapture{}}
	for i := 0; i < complete; i++ {
		p.Captures = append(p.Captures, camera(fmt.Sprintf("c%d", i), true))
	}
	for i := 0; i < incomplete; i++ {
		p.Captures = append(p.Captures, camera(fmt.Sprintf("x%d", i), false))
	}
	return model.NewCameraPayload(p)
}

func TestValidateWeatherHealthy(t *testing.T) {
	v := NewValidator(DefaultOptions(), fixedClock)
	r := v.Validate(model.DomainWeather, weatherWithStations(now.Add(-time.Minute), "S1", "S2", "S3"))

	assert.True(t, r.Acceptable)
	assert.Equal(t, 100, r.Score)
	assert.Empty(t, r.Issues)
	assert.Equal(t, 6, r.DataPointCount)
}

func TestValidateWeatherTooFewStations(t *testing.T) {
	v := NewValidator(DefaultOptions(), fixedClock)
	r := v.Validate(model.DomainWeather, weatherWithStations(now, "S1", "S2"))

	assert.True(t, r.Acceptable)
	assert.Equal(t, 75, r.Score)
	require.Len(t, r.Issues, 1)
	assert.Contains(t, r.Issues[0], "only 2 stations")
}

func TestValidateWeatherAcceptanceBoundary(t *testing.T) {
	opts := DefaultOptions()
	opts.AnchorStations = []string{"A1", "A2"}
	// missing timestamp (-30) and two missing anchors (-20) leave exactly 50
	payload := weatherWithStations(time.Time{}, "S1", "S2", "S3")

	r := NewValidator(opts, fixedClock).Validate(model.DomainWeather, payload)
	assert.Equal(t, 50, r.Score)
	assert.True(t, r.Acceptable)

	opts.WeatherAcceptScore = 51
	r = NewValidator(opts, fixedClock).Validate(model.DomainWeather, payload)
	assert.Equal(t, 50, r.Score)
	assert.False(t, r.Acceptable)

	opts.WeatherAcceptScore = 50
	opts.AnchorStations = []string{"A1", "A2", "A3"}
	r = NewValidator(opts, fixedClock).Validate(model.DomainWeather, payload)
	assert.Equal(t, 40, r.Score)
	assert.False(t, r.Acceptable)
}

func TestValidateWeatherStale(t *testing.T) {
	v := NewValidator(DefaultOptions(), fixedClock)
	r := v.Validate(model.DomainWeather, weatherWithStations(now.Add(-42*time.Minute), "S1", "S2", "S3"))

	assert.Equal(t, 80, r.Score)
	require.Len(t, r.Issues, 1)
	assert.Contains(t, r.Issues[0], "42 minutes old")
}

func TestValidateWeatherMissingStructure(t *testing.T) {
	v := NewValidator(DefaultOptions(), fixedClock)
	r := v.Validate(model.DomainWeather, model.Payload{Domain: model.DomainWeather})

	assert.False(t, r.Acceptable)
	assert.Zero(t, r.Score)
	assert.Len(t, r.Issues, 1)
}

func TestValidateWeatherScoreFloorsAtZero(t *testing.T) {
	opts := DefaultOptions()
	opts.AnchorStations = []string{"A1", "A2", "A3", "A4", "A5", "A6", "A7", "A8"}
	r := NewValidator(opts, fixedClock).Validate(model.DomainWeather, weatherWithStations(time.Time{}))

	assert.Zero(t, r.Score)
	assert.False(t, r.Acceptable)
}

func TestValidateIsDeterministic(t *testing.T) {
	opts := DefaultOptions()
	opts.AnchorStations = []string{"S9"}
	v := NewValidator(opts, fixedClock)
	payload := weatherWithStations(now.Add(-20*time.Minute), "S1")

	first := v.Validate(model.DomainWeather, payload)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, v.Validate(model.DomainWeather, payload))
	}
}

func TestValidateCamera(t *testing.T) {
	cases := []struct {
		name       string
		payload    model.Payload
		score      int
		acceptable bool
	}{
		{"all complete", cameraPayload(now, 5, 0), 100, true},
		{"at ratio", cameraPayload(now, 4, 1), 100, true},
		{"half complete", cameraPayload(now, 1, 1), 85, true},
		{"none complete", cameraPayload(now, 0, 4), 60, true},
		{"single camera", cameraPayload(now, 1, 0), 70, true},
		{"stale and sparse", cameraPayload(now.Add(-time.Hour), 0, 1), 15, false},
		{"empty list", cameraPayload(now, 0, 0), 30, false},
		{"missing timestamp", cameraPayload(time.Time{}, 3, 0), 85, true},
	}
	v := NewValidator(DefaultOptions(), fixedClock)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := v.Validate(model.DomainCamera, tc.payload)
			assert.Equal(t, tc.score, r.Score)
			assert.Equal(t, tc.acceptable, r.Acceptable)
		})
	}
}

func TestValidateCameraCompletenessRoundsHalfUp(t *testing.T) {
	// 2/3 complete: 40 * (0.8 - 0.6667) / 0.8 = 6.67 -> 7
	r := NewValidator(DefaultOptions(), fixedClock).Validate(model.DomainCamera, cameraPayload(now, 2, 1))
	assert.Equal(t, 93, r.Score)

	// 5/8 complete: 40 * 0.175 / 0.8 = 8.75 -> 9
	r = NewValidator(DefaultOptions(), fixedClock).Validate(model.DomainCamera, cameraPayload(now, 5, 3))
	assert.Equal(t, 91, r.Score)
}

func TestValidateCameraMissingList(t *testing.T) {
	v := NewValidator(DefaultOptions(), fixedClock)

	r := v.Validate(model.DomainCamera, model.NewCameraPayload(&model.CameraPayload{Timestamp: now}))
	assert.False(t, r.Acceptable)
	assert.Zero(t, r.Score)

	r = v.Validate(model.DomainCamera, model.Payload{Domain: model.DomainCamera})
	assert.False(t, r.Acceptable)
}

func TestValidateUnknownDomain(t *testing.T) {
	r := NewValidator(DefaultOptions(), fixedClock).Validate(model.Domain("traffic"), model.Payload{})
	assert.False(t, r.Acceptable)
	assert.Zero(t, r.Score)
	assert.Contains(t, r.Issues[0], "traffic")
}

func TestReportSummary(t *testing.T) {
	assert.Equal(t, "score=100 acceptable=true", Report{Score: 100, Acceptable: true}.Summary())
	assert.Equal(t, "score=0 acceptable=false issues=a; b", Report{Issues: []string{"a", "b"}}.Summary())
}

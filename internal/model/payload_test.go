package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDomain(t *testing.T) {
	d, err := ParseDomain(" Weather ")
	require.NoError(t, err)
	assert.Equal(t, DomainWeather, d)

	d, err = ParseDomain("camera")
	require.NoError(t, err)
	assert.Equal(t, DomainCamera, d)

	_, err = ParseDomain("traffic")
	assert.Error(t, err)
}

func TestWeatherPayloadStationIDs(t *testing.T) {
	v := 1.0
	w := &WeatherPayload{Readings: []WeatherReading{
		{StationID: "S1", Metric: MetricTemperature, Value: &v},
		{StationID: "S1", Metric: MetricHumidity, Value: &v},
		{StationID: "S2", Metric: MetricTemperature},
		{StationID: "", Metric: MetricTemperature, Value: &v},
	}}
	assert.Equal(t, []string{"S1", "S2"}, w.StationIDs())

	var nilPayload *WeatherPayload
	assert.Nil(t, nilPayload.StationIDs())
}

func TestCameraCaptureComplete(t *testing.T) {
	lat, lon := 1.3, 103.8
	c := CameraCapture{CameraID: "C1", Name: "Expressway", ImageURL: "http://img", Latitude: &lat, Longitude: &lon}
	assert.True(t, c.Complete())

	c.Longitude = nil
	assert.False(t, c.Complete())
}

func TestPayloadTimestamp(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, ts, NewWeatherPayload(&WeatherPayload{Timestamp: ts}).Timestamp())
	assert.Equal(t, ts, NewCameraPayload(&CameraPayload{Timestamp: ts}).Timestamp())
	assert.True(t, Payload{Domain: DomainCamera}.Timestamp().IsZero())
}

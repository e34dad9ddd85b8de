package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"citypulse/internal/model"
	"citypulse/internal/resilience"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestWeatherFetchMissingURL(t *testing.T) {
	w := NewWeather(HTTPOptions{}, noopLogger())
	_, err := w.FetchWeather(context.Background())
	if err == nil {
		t.Fatal("未配置 URL 时应返回错误")
	}
	if resilience.Classify(err) != resilience.KindClient {
		t.Fatalf("期望 client 错误, 实际 %s", resilience.Classify(err))
	}
}

func TestWeatherFetchHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "maintenance"})
	}))
	defer srv.Close()

	w := NewWeather(HTTPOptions{URL: srv.URL, Timeout: time.Second}, noopLogger())
	_, err := w.FetchWeather(context.Background())
	if err == nil {
		t.Fatal("HTTP 503 应返回错误")
	}

	var fe *resilience.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("应返回 FetchError, 实际 %T", err)
	}
	if fe.Kind != resilience.KindUnavailable || fe.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("错误分类不正确: %+v", fe)
	}
	if !resilience.Retryable(fe.Kind) {
		t.Fatal("503 应可重试")
	}
	if got := err.Error(); got != "weather: unavailable (status 503): api error: maintenance" {
		t.Fatalf("错误信息不正确: %s", got)
	}
}

func TestWeatherFetchMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>oops</html>"))
	}))
	defer srv.Close()

	w := NewWeather(HTTPOptions{URL: srv.URL, Timeout: time.Second}, noopLogger())
	_, err := w.FetchWeather(context.Background())
	if resilience.Classify(err) != resilience.KindBadResponse {
		t.Fatalf("非 JSON 响应应为 bad_response, 实际 %v", err)
	}
	if resilience.Retryable(resilience.Classify(err)) {
		t.Fatal("bad_response 不应重试")
	}
}

func TestWeatherFetchTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	w := NewWeather(HTTPOptions{URL: srv.URL, Timeout: 50 * time.Millisecond}, noopLogger())
	_, err := w.FetchWeather(context.Background())
	if resilience.Classify(err) != resilience.KindTimeout {
		t.Fatalf("超时应分类为 timeout, 实际 %v", err)
	}
}

func TestWeatherFetchSuccess(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"timestamp": "2026-04-01T10:00:00+08:00",
			"stations": [
				{"id": "S1", "name": "Changi", "location": {"latitude": 1.35, "longitude": 103.99}},
				{"id": "S2", "name": "Jurong", "location": {"latitude": 1.33, "longitude": 103.7}}
			],
			"readings": [
				{"station_id": "S1", "metric": "Temperature", "value": 29.5},
				{"station_id": "S2", "metric": "humidity", "value": null}
			]
		}`))
	}))
	defer srv.Close()

	w := NewWeather(HTTPOptions{URL: srv.URL, Timeout: time.Second, UserAgent: "test"}, noopLogger())
	payload, err := w.FetchWeather(context.Background())
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if gotUA != "test" {
		t.Fatalf("应发送配置的 User-Agent, 实际 %q", gotUA)
	}

	want := time.Date(2026, 4, 1, 2, 0, 0, 0, time.UTC)
	if !payload.Timestamp.Equal(want) {
		t.Fatalf("时间戳不正确: %s", payload.Timestamp)
	}
	if len(payload.Stations) != 2 || payload.Stations[0].Latitude != 1.35 {
		t.Fatalf("站点解析不正确: %+v", payload.Stations)
	}
	if len(payload.Readings) != 2 {
		t.Fatalf("期望 2 条读数, 实际 %d", len(payload.Readings))
	}
	if payload.Readings[0].Metric != model.MetricTemperature || *payload.Readings[0].Value != 29.5 {
		t.Fatalf("读数解析不正确: %+v", payload.Readings[0])
	}
	if payload.Readings[1].Value != nil {
		t.Fatal("null 读数应保持为 nil")
	}
}

func TestWeatherUpstreamWrapsPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"timestamp":"2026-04-01T02:00:00Z","stations":[],"readings":[]}`))
	}))
	defer srv.Close()

	up := WeatherUpstream("weather", NewWeather(HTTPOptions{URL: srv.URL}, noopLogger()))
	if up.Domain != model.DomainWeather {
		t.Fatalf("domain 不正确: %s", up.Domain)
	}
	p, err := up.Fetch(context.Background())
	if err != nil {
		t.Fatalf("不应报错: %v", err)
	}
	if p.Domain != model.DomainWeather || p.Weather == nil {
		t.Fatalf("应返回天气载荷: %+v", p)
	}
}

package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"citypulse/internal/model"
	"citypulse/internal/resilience"
)

const defaultUserAgent = "citypulse/1.0"

// maxBodyBytes bounds the size of an upstream response.
const maxBodyBytes = 16 << 20

// WeatherFetcher retrieves the current weather station readings.
type WeatherFetcher interface {
	FetchWeather(ctx context.Context) (*model.WeatherPayload, error)
}

// CameraFetcher retrieves the current traffic camera captures.
type CameraFetcher interface {
	FetchCameras(ctx context.Context) (*model.CameraPayload, error)
}

// Upstream binds a domain to a fetch function producing a tagged payload.
type Upstream struct {
	Domain model.Domain
	Name   string
	Fetch  func(ctx context.Context) (model.Payload, error)
}

// WeatherUpstream adapts a WeatherFetcher.
func WeatherUpstream(name string, f WeatherFetcher) Upstream {
	return Upstream{
		Domain: model.DomainWeather,
		Name:   name,
		Fetch: func(ctx context.Context) (model.Payload, error) {
			w, err := f.FetchWeather(ctx)
			if err != nil {
				return model.Payload{}, err
			}
			return model.NewWeatherPayload(w), nil
		},
	}
}

// CameraUpstream adapts a CameraFetcher.
func CameraUpstream(name string, f CameraFetcher) Upstream {
	return Upstream{
		Domain: model.DomainCamera,
		Name:   name,
		Fetch: func(ctx context.Context) (model.Payload, error) {
			c, err := f.FetchCameras(ctx)
			if err != nil {
				return model.Payload{}, err
			}
			return model.NewCameraPayload(c), nil
		},
	}
}

// HTTPOptions parameterise a JSON upstream client.
type HTTPOptions struct {
	URL       string
	Timeout   time.Duration
	UserAgent string
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// getJSON issues a GET and decodes a 200 response into out. Every failure is
// returned as a *resilience.FetchError.
func getJSON(ctx context.Context, client *http.Client, op, endpoint, userAgent string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return resilience.NewFetchError(resilience.KindClient, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(userAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", defaultUserAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return resilience.NewFetchError(resilience.Classify(err), op, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resilience.NewFetchError(resilience.Classify(err), op, err)
	}

	if resp.StatusCode != http.StatusOK {
		return resilience.NewStatusError(op, resp.StatusCode, parseHTTPError(payload))
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return resilience.NewFetchError(resilience.KindBadResponse, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

type errorResponse struct {
	Code    string `json:"code"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("api error: %s", apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("api error: %s", apiErr.Error)
		}
		if apiErr.Code != "" {
			return fmt.Errorf("api error: %s", apiErr.Code)
		}
	}
	if body := strings.TrimSpace(string(payload)); body != "" {
		if len(body) > 256 {
			body = body[:256]
		}
		return fmt.Errorf("api error: %s", body)
	}
	return errors.New("api error")
}

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

const cameraOp = "camera"

// Camera fetches traffic camera captures.
type Camera struct {
	opts   HTTPOptions
	logger zerolog.Logger
	client *http.Client
}

// NewCamera builds a new camera fetcher.
func NewCamera(opts HTTPOptions, logger zerolog.Logger) *Camera {
	opts.URL = strings.TrimSpace(opts.URL)
	return &Camera{
		opts:   opts,
		logger: logger.With().Str("component", "camera_fetcher").Logger(),
		client: newHTTPClient(opts.Timeout),
	}
}

// FetchCameras retrieves the latest capture of every camera. A response without a
// camera list yields a payload with nil Captures.
func (c *Camera) FetchCameras(ctx context.Context) (*model.CameraPayload, error) {
	if c.opts.URL == "" {
		return nil, resilience.NewFetchError(resilience.KindClient, cameraOp, errors.New("camera api url not configured"))
	}

	var res cameraResponse
	if err := getJSON(ctx, c.client, cameraOp, c.opts.URL, c.opts.UserAgent, &res); err != nil {
		return nil, err
	}

	payload := res.toPayload()
	c.logger.Debug().
		Int("captures", len(payload.Captures)).
		Time("timestamp", payload.Timestamp).
		Msg("cameras fetched")
	return payload, nil
}

type cameraResponse struct {
	Timestamp *time.Time `json:"timestamp"`
	Cameras   []struct {
		CameraID  string     `json:"camera_id"`
		Name      string     `json:"name"`
		Image     string     `json:"image"`
		Timestamp *time.Time `json:"timestamp"`
		Location  *struct {
			Latitude  *float64 `json:"latitude"`
			Longitude *float64 `json:"longitude"`
		} `json:"location"`
	} `json:"cameras"`
}

func (r cameraResponse) toPayload() *model.CameraPayload {
	out := &model.CameraPayload{}
	if r.Timestamp != nil {
		out.Timestamp = r.Timestamp.UTC()
	}
	if r.Cameras == nil {
		return out
	}
	out.Captures = make([]model.CameraCapture, 0, len(r.Cameras))
	for _, cam := range r.Cameras {
		capture := model.CameraCapture{
			CameraID: cam.CameraID,
			Name:     cam.Name,
			ImageURL: cam.Image,
		}
		if cam.Timestamp != nil {
			capture.CapturedAt = cam.Timestamp.UTC()
		}
		if cam.Location != nil {
			capture.Latitude = cam.Location.Latitude
			capture.Longitude = cam.Location.Longitude
		}
		out.Captures = append(out.Captures, capture)
	}
	return out
}

var _ CameraFetcher = (*Camera)(nil)

package quality

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"citypulse/internal/model"
)

// Report is the verdict on a single fetched payload.
type Report struct {
	Acceptable     bool     `json:"acceptable"`
	Score          int      `json:"score"`
	Issues         []string `json:"issues"`
	DataPointCount int      `json:"data_point_count"`
}

// Options holds the per-domain scoring thresholds.
type Options struct {
	Freshness time.Duration

	MinWeatherStations int
	AnchorStations     []string
	WeatherAcceptScore int

	MinCameraCaptures   int
	CameraCompleteRatio float64
	CameraMaxDeduction  int
	CameraAcceptScore   int
}

// DefaultOptions returns the stock thresholds.
func DefaultOptions() Options {
	return Options{
		Freshness:           15 * time.Minute,
		MinWeatherStations:  3,
		WeatherAcceptScore:  50,
		MinCameraCaptures:   2,
		CameraCompleteRatio: 0.8,
		CameraMaxDeduction:  40,
		CameraAcceptScore:   40,
	}
}

const (
	penaltyMissingTimestamp = 30
	penaltyStaleWeather     = 20
	penaltyFewStations      = 25
	penaltyMissingAnchor    = 10
	penaltyFewCaptures      = 30
	penaltyStaleCamera      = 15
)

// Validator scores payloads. It holds no mutable state.
type Validator struct {
	opts Options
	now  func() time.Time
}

// NewValidator constructs a Validator. A nil clock means time.Now.
func NewValidator(opts Options, now func() time.Time) *Validator {
	if now == nil {
		now = time.Now
	}
	return &Validator{opts: opts, now: now}
}

// Options returns the thresholds in effect.
func (v *Validator) Options() Options {
	return v.opts
}

// Validate scores payload as data of the given domain.
func (v *Validator) Validate(domain model.Domain, payload model.Payload) Report {
	switch domain {
	case model.DomainWeather:
		return v.validateWeather(payload.Weather)
	case model.DomainCamera:
		return v.validateCamera(payload.Camera)
	default:
		return reject(fmt.Sprintf("unknown data domain %q", domain))
	}
}

func reject(issue string) Report {
	return Report{Acceptable: false, Score: 0, Issues: []string{issue}}
}

type scorer struct {
	score  int
	issues []string
}

func (s *scorer) deduct(points int, format string, args ...any) {
	s.score -= points
	s.issues = append(s.issues, fmt.Sprintf(format, args...))
}

func (s *scorer) final() int {
	if s.score < 0 {
		return 0
	}
	return s.score
}

func (v *Validator) validateWeather(w *model.WeatherPayload) Report {
	if w == nil {
		return reject("weather payload is missing")
	}

	s := scorer{score: 100}
	v.checkTimestamp(&s, w.Timestamp, penaltyMissingTimestamp, penaltyStaleWeather)

	stations := w.StationIDs()
	if len(stations) < v.opts.MinWeatherStations {
		s.deduct(penaltyFewStations, "only %d stations reporting (minimum %d)", len(stations), v.opts.MinWeatherStations)
	}

	present := make(map[string]struct{}, len(stations))
	for _, id := range stations {
		present[id] = struct{}{}
	}
	for _, anchor := range v.opts.AnchorStations {
		if _, ok := present[anchor]; !ok {
			s.deduct(penaltyMissingAnchor, "required station %s is missing", anchor)
		}
	}

	score := s.final()
	return Report{
		Acceptable:     score >= v.opts.WeatherAcceptScore,
		Score:          score,
		Issues:         s.issues,
		DataPointCount: len(w.Readings),
	}
}

func (v *Validator) validateCamera(c *model.CameraPayload) Report {
	if c == nil || c.Captures == nil {
		return reject("camera capture list is missing")
	}

	s := scorer{score: 100}
	count := len(c.Captures)
	if count < v.opts.MinCameraCaptures {
		s.deduct(penaltyFewCaptures, "only %d cameras reporting (minimum %d)", count, v.opts.MinCameraCaptures)
	}

	complete := 0
	for _, capture := range c.Captures {
		if capture.Complete() {
			complete++
		}
	}
	if d := v.completenessDeduction(complete, count); d > 0 {
		s.deduct(d, "only %d of %d captures are complete", complete, count)
	}

	v.checkTimestamp(&s, c.Timestamp, penaltyStaleCamera, penaltyStaleCamera)

	score := s.final()
	return Report{
		Acceptable:     score >= v.opts.CameraAcceptScore,
		Score:          score,
		Issues:         s.issues,
		DataPointCount: count,
	}
}

func (v *Validator) checkTimestamp(s *scorer, ts time.Time, missingPenalty, stalePenalty int) {
	if ts.IsZero() {
		s.deduct(missingPenalty, "timestamp is missing")
		return
	}
	age := v.now().Sub(ts)
	if age > v.opts.Freshness {
		s.deduct(stalePenalty, "data is %d minutes old (limit %d)", int(age.Minutes()), int(v.opts.Freshness.Minutes()))
	}
}

// completenessDeduction scales the penalty linearly with how far the complete share
// falls below the required ratio, rounded half-up to whole points.
func (v *Validator) completenessDeduction(complete, total int) int {
	required := decimal.NewFromFloat(v.opts.CameraCompleteRatio)
	if !required.IsPositive() {
		return 0
	}
	fraction := decimal.Zero
	if total > 0 {
		fraction = decimal.NewFromInt(int64(complete)).Div(decimal.NewFromInt(int64(total)))
	}
	if !fraction.LessThan(required) {
		return 0
	}
	maxDeduction := decimal.NewFromInt(int64(v.opts.CameraMaxDeduction))
	d := maxDeduction.Mul(required.Sub(fraction)).Div(required).Round(0)
	if d.GreaterThan(maxDeduction) {
		d = maxDeduction
	}
	return int(d.IntPart())
}

// Summary renders a report on one line for logs.
func (r Report) Summary() string {
	if len(r.Issues) == 0 {
		return fmt.Sprintf("score=%d acceptable=%t", r.Score, r.Acceptable)
	}
	return fmt.Sprintf("score=%d acceptable=%t issues=%s", r.Score, r.Acceptable, strings.Join(r.Issues, "; "))
}

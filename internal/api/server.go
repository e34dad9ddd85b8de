// Package api serves the read-only monitoring views over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"citypulse/internal/alerting"
	"citypulse/internal/model"
	"citypulse/internal/service"
)

// Monitor is the subset of the orchestrator the API reads from.
type Monitor interface {
	MonitoringStatus() service.MonitoringStatus
	StationReliabilityReport() service.ReliabilityReport
	ServiceHealth() service.ServiceHealth
	RecentAlerts(hours int) []alerting.Alert
	CycleHistory(since time.Time) []service.CycleMetrics
	MonitoringErrors() []service.MonitoringError
	Load(ctx context.Context, domain model.Domain) (service.LoadResult, error)
}

// Options configure the listener.
type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server exposes Monitor over HTTP.
type Server struct {
	monitor  Monitor
	gatherer prometheus.Gatherer
	logger   zerolog.Logger
	router   chi.Router
	opts     Options
	srv      *http.Server
}

// New builds the router. A nil gatherer leaves /metrics unregistered.
func New(monitor Monitor, gatherer prometheus.Gatherer, opts Options, logger zerolog.Logger) *Server {
	s := &Server{
		monitor:  monitor,
		gatherer: gatherer,
		logger:   logger.With().Str("component", "api").Logger(),
		opts:     opts,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/status", s.handleStatus)
	r.Get("/report", s.handleReport)
	r.Get("/health", s.handleHealth)
	r.Get("/alerts", s.handleAlerts)
	r.Get("/cycles", s.handleCycles)
	r.Get("/errors", s.handleErrors)
	r.Get("/data/{domain}", s.handleData)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until Shutdown. http.ErrServerClosed is not an error.
func (s *Server) ListenAndServe() error {
	s.srv = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadTimeout:       s.opts.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.opts.WriteTimeout,
		IdleTimeout:       2 * time.Minute,
	}
	s.logger.Info().Str("addr", s.opts.Addr).Msg("http api listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(started)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.monitor.MonitoringStatus())
}

func (s *Server) handleReport(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.monitor.StationReliabilityReport())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.monitor.ServiceHealth())
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hours, err := queryHours(r, 24)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	alerts := s.monitor.RecentAlerts(hours)
	if alerts == nil {
		alerts = []alerting.Alert{}
	}
	s.writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleCycles(w http.ResponseWriter, r *http.Request) {
	hours, err := queryHours(r, 24)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var since time.Time
	if hours > 0 {
		since = time.Now().Add(-time.Duration(hours) * time.Hour)
	}
	s.writeJSON(w, http.StatusOK, s.monitor.CycleHistory(since))
}

func (s *Server) handleErrors(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.monitor.MonitoringErrors())
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	domain, err := model.ParseDomain(chi.URLParam(r, "domain"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	res, err := s.monitor.Load(r.Context(), domain)
	if errors.Is(err, service.ErrNoUpstream) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("domain", string(domain)).Msg("load failed")
		s.writeError(w, http.StatusInternalServerError, "load failed")
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// queryHours reads ?hours=, where 0 means everything retained.
func queryHours(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("hours")
	if raw == "" {
		return def, nil
	}
	hours, err := strconv.Atoi(raw)
	if err != nil || hours < 0 {
		return 0, errors.New("hours must be a non-negative integer")
	}
	return hours, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

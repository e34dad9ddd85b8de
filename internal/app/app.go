package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"citypulse/internal/alerting"
	"citypulse/internal/api"
	"citypulse/internal/config"
	"citypulse/internal/fallback"
	"citypulse/internal/fetcher"
	"citypulse/internal/health"
	"citypulse/internal/metrics"
	"citypulse/internal/model"
	"citypulse/internal/quality"
	"citypulse/internal/resilience"
	"citypulse/internal/scheduler"
	"citypulse/internal/service"
	"citypulse/internal/storage"
	"citypulse/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) thresholds() alerting.Thresholds {
	return alerting.Thresholds{
		Reliability:         a.Config.Alerting.ReliabilityThreshold,
		ConsecutiveFailures: a.Config.Alerting.ConsecutiveFailures,
		DataAge:             a.Config.Alerting.DataAge,
	}
}

func (a *App) newFetcher(rec *metrics.Recorder) *resilience.Fetcher {
	retry := a.Config.Retry
	f := resilience.NewFetcher(resilience.Options{
		MaxRetries:     retry.MaxRetries,
		BaseDelay:      retry.BaseDelay,
		MaxDelay:       retry.MaxDelay,
		MaxJitter:      retry.MaxJitter,
		AttemptTimeout: retry.AttemptTimeout,
	}, a.Logger,
		resilience.WithObserver(rec.ObserveFetch),
		resilience.WithBreakerListener(rec.BreakerChanged),
	)

	for _, up := range []struct {
		name string
		cfg  config.UpstreamConfig
	}{
		{string(model.DomainWeather), a.Config.Upstreams.Weather},
		{string(model.DomainCamera), a.Config.Upstreams.Camera},
	} {
		if !up.cfg.Enabled {
			continue
		}
		f.Guard(up.name, resilience.BreakerSettings{
			FailureThreshold: up.cfg.Breaker.FailureThreshold,
			OpenTimeout:      up.cfg.Breaker.OpenTimeout,
			HalfOpenRequests: up.cfg.Breaker.HalfOpenRequests,
		}, resilience.LimitSettings{
			RequestsPerSecond: up.cfg.RateLimit,
			Burst:             up.cfg.Burst,
		})
	}
	return f
}

func (a *App) newUpstreams() []fetcher.Upstream {
	var ups []fetcher.Upstream
	if w := a.Config.Upstreams.Weather; w.Enabled {
		client := fetcher.NewWeather(fetcher.HTTPOptions{
			URL:       w.URL,
			Timeout:   w.RequestTimeout,
			UserAgent: w.UserAgent,
		}, a.Logger)
		ups = append(ups, fetcher.WeatherUpstream(string(model.DomainWeather), client))
	}
	if c := a.Config.Upstreams.Camera; c.Enabled {
		client := fetcher.NewCamera(fetcher.HTTPOptions{
			URL:       c.URL,
			Timeout:   c.RequestTimeout,
			UserAgent: c.UserAgent,
		}, a.Logger)
		ups = append(ups, fetcher.CameraUpstream(string(model.DomainCamera), client))
	}
	return ups
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Title, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Namespaced, func(), error) {
	store, err := storage.Open(ctx, a.Config.Storage, a.Logger)
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		if err := store.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("failed to close store")
		}
	}
	return store, closer, nil
}

// serviceParts are the optional collaborators of newService.
type serviceParts struct {
	store     storage.KV
	recorder  *metrics.Recorder
	scheduler *scheduler.Scheduler
	notifier  alerting.Notifier
}

func (a *App) newService(parts serviceParts) *service.Service {
	cfg := a.Config
	now := time.Now
	th := a.thresholds()

	return service.New(service.Deps{
		Upstreams: a.newUpstreams(),
		Fetcher:   a.newFetcher(parts.recorder),
		Validator: quality.NewValidator(quality.Options{
			Freshness:           cfg.Quality.Freshness,
			MinWeatherStations:  cfg.Quality.MinWeatherStations,
			AnchorStations:      cfg.Quality.AnchorStations,
			WeatherAcceptScore:  cfg.Quality.WeatherAcceptScore,
			MinCameraCaptures:   cfg.Quality.MinCameraCaptures,
			CameraCompleteRatio: cfg.Quality.CameraCompleteRatio,
			CameraMaxDeduction:  cfg.Quality.CameraMaxDeduction,
			CameraAcceptScore:   cfg.Quality.CameraAcceptScore,
		}, now),
		Cache: fallback.New(cfg.Fallback.Capacity, now),
		Tracker: health.NewTracker(health.Options{
			WindowSize:        cfg.Health.WindowSize,
			ReliabilityFloor:  th.Reliability,
			FailureCeiling:    th.ConsecutiveFailures,
			StaleAfter:        th.DataAge,
			RecoverySuccesses: cfg.Health.RecoverySuccesses,
		}, a.Logger),
		Alerts: alerting.NewLog(cfg.Alerting.Retention),
		Dispatcher: alerting.NewDispatcher(parts.notifier, cfg.Alerting.Cooldown,
			alerting.Severity(cfg.Alerting.MinSeverity), now, a.Logger),
		Store:     parts.store,
		Scheduler: parts.scheduler,
		Metrics:   parts.recorder,
		Clock:     now,
		Logger:    a.Logger,
	}, service.Options{
		Thresholds:       th,
		CacheMaxAge:      cfg.Fallback.MaxAge,
		CacheEvictAfter:  cfg.Fallback.EvictAfter,
		SyntheticScore:   cfg.Fallback.SyntheticScore,
		ErrorLogSize:     cfg.Monitoring.ErrorLogSize,
		HistoryRetention: cfg.Monitoring.HistoryRetention,
		PersistEvery:     cfg.Storage.PersistEvery,
		PersistJitter:    cfg.Storage.PersistJitter,
		LockKey:          cfg.Scheduler.AdvisoryLockKey,
	})
}

// restoredService opens the store and rebuilds a service from persisted state for the
// one-shot commands. The returned closer releases the store.
func (a *App) restoredService(ctx context.Context, notifier alerting.Notifier) (*service.Service, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	svc := a.newService(serviceParts{store: store, notifier: notifier})
	if err := svc.Restore(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("persisted state partially restored")
	}
	return svc, closeStore, nil
}

// Run executes the long-running monitoring service and its HTTP API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.New(reg)

	sched := scheduler.New(scheduler.Options{
		Interval:      a.Config.Scheduler.Interval,
		AlignToBucket: a.Config.Scheduler.AlignToBucket,
		StartupDelay:  a.Config.Scheduler.StartupDelay,
		RunOnStart:    true,
	}, a.Logger)

	svc := a.newService(serviceParts{
		store:     store,
		recorder:  recorder,
		scheduler: sched,
		notifier:  a.newNotifier(),
	})
	if err := svc.Restore(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("persisted state partially restored")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info().Str("version", version.Version).Str("commit", version.Commit).Msg("starting monitoring service")
		return svc.Run(gctx)
	})

	if a.Config.HTTP.Enabled {
		srv := api.New(svc, reg, api.Options{
			Addr:         a.Config.HTTP.Addr,
			ReadTimeout:  a.Config.HTTP.ReadTimeout,
			WriteTimeout: a.Config.HTTP.WriteTimeout,
		}, a.Logger)
		g.Go(srv.ListenAndServe)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// ExportOptions hold parameters for exporting cycle history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the alerts command.
type ShowOptions struct {
	Hours int
	Limit int
}

// CycleOptions configure the cycle command.
type CycleOptions struct {
	Count    int
	Interval time.Duration
}

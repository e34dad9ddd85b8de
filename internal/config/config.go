package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"citypulse/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Upstreams  UpstreamsConfig  `mapstructure:"upstreams"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Quality    QualityConfig    `mapstructure:"quality"`
	Fallback   FallbackConfig   `mapstructure:"fallback"`
	Health     HealthConfig     `mapstructure:"health"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Storage    StorageConfig    `mapstructure:"storage"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// SchedulerConfig governs the monitoring cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// UpstreamsConfig lists the data upstreams.
type UpstreamsConfig struct {
	Weather UpstreamConfig `mapstructure:"weather"`
	Camera  UpstreamConfig `mapstructure:"camera"`
}

// UpstreamConfig describes one HTTP data upstream.
type UpstreamConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URL            string        `mapstructure:"url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	Burst          int           `mapstructure:"burst"`
	Breaker        BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig tunes the per-upstream circuit breaker. Zero failure threshold disables it.
type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
	HalfOpenRequests uint32        `mapstructure:"half_open_requests"`
}

// RetryConfig tunes the resilient fetcher.
type RetryConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	MaxJitter      time.Duration `mapstructure:"max_jitter"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

// QualityConfig holds payload scoring thresholds.
type QualityConfig struct {
	Freshness           time.Duration `mapstructure:"freshness"`
	MinWeatherStations  int           `mapstructure:"min_weather_stations"`
	AnchorStations      []string      `mapstructure:"anchor_stations"`
	WeatherAcceptScore  int           `mapstructure:"weather_accept_score"`
	MinCameraCaptures   int           `mapstructure:"min_camera_captures"`
	CameraCompleteRatio float64       `mapstructure:"camera_complete_ratio"`
	CameraMaxDeduction  int           `mapstructure:"camera_max_deduction"`
	CameraAcceptScore   int           `mapstructure:"camera_accept_score"`
}

// FallbackConfig tunes the known-good payload cache.
type FallbackConfig struct {
	Capacity       int           `mapstructure:"capacity"`
	MaxAge         time.Duration `mapstructure:"max_age"`
	EvictAfter     time.Duration `mapstructure:"evict_after"`
	SyntheticScore int           `mapstructure:"synthetic_score"`
}

// HealthConfig tunes source tracking.
type HealthConfig struct {
	WindowSize        int `mapstructure:"window_size"`
	RecoverySuccesses int `mapstructure:"recovery_successes"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	ReliabilityThreshold float64        `mapstructure:"reliability_threshold"`
	ConsecutiveFailures  int            `mapstructure:"consecutive_failures"`
	DataAge              time.Duration  `mapstructure:"data_age"`
	Retention            time.Duration  `mapstructure:"retention"`
	Cooldown             time.Duration  `mapstructure:"cooldown"`
	MinSeverity          string         `mapstructure:"min_severity"`
	Telegram             TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
	Title    string `mapstructure:"title"`
}

// MonitoringConfig bounds the orchestrator's in-memory logs.
type MonitoringConfig struct {
	ErrorLogSize     int           `mapstructure:"error_log_size"`
	HistoryRetention time.Duration `mapstructure:"history_retention"`
}

// StorageConfig selects and tunes the key/value persistence backend.
type StorageConfig struct {
	Driver        string         `mapstructure:"driver"`
	Namespace     string         `mapstructure:"namespace"`
	PersistEvery  time.Duration  `mapstructure:"persist_every"`
	PersistJitter time.Duration  `mapstructure:"persist_jitter"`
	Badger        BadgerConfig   `mapstructure:"badger"`
	Redis         RedisConfig    `mapstructure:"redis"`
	Postgres      DatabaseConfig `mapstructure:"postgres"`
}

// BadgerConfig configures the embedded store.
type BadgerConfig struct {
	Path       string `mapstructure:"path"`
	InMemory   bool   `mapstructure:"in_memory"`
	SyncWrites bool   `mapstructure:"sync_writes"`
}

// RedisConfig configures the Redis store.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// HTTPConfig configures the read-only status API.
type HTTPConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverBadger   = "badger"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CITYPULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "citypulse")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x63707573))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("upstreams.weather.enabled", true)
	v.SetDefault("upstreams.weather.url", "http://localhost:8081/weather")
	v.SetDefault("upstreams.weather.request_timeout", "10s")
	v.SetDefault("upstreams.weather.user_agent", "citypulse/1.0")
	v.SetDefault("upstreams.weather.rate_limit", 1.0)
	v.SetDefault("upstreams.weather.burst", 2)
	v.SetDefault("upstreams.weather.breaker.failure_threshold", 5)
	v.SetDefault("upstreams.weather.breaker.open_timeout", "2m")
	v.SetDefault("upstreams.weather.breaker.half_open_requests", 1)

	v.SetDefault("upstreams.camera.enabled", true)
	v.SetDefault("upstreams.camera.url", "http://localhost:8081/cameras")
	v.SetDefault("upstreams.camera.request_timeout", "10s")
	v.SetDefault("upstreams.camera.user_agent", "citypulse/1.0")
	v.SetDefault("upstreams.camera.rate_limit", 1.0)
	v.SetDefault("upstreams.camera.burst", 2)
	v.SetDefault("upstreams.camera.breaker.failure_threshold", 5)
	v.SetDefault("upstreams.camera.breaker.open_timeout", "2m")
	v.SetDefault("upstreams.camera.breaker.half_open_requests", 1)

	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay", "1s")
	v.SetDefault("retry.max_delay", "30s")
	v.SetDefault("retry.max_jitter", "1s")
	v.SetDefault("retry.attempt_timeout", "20s")

	v.SetDefault("quality.freshness", "15m")
	v.SetDefault("quality.min_weather_stations", 3)
	v.SetDefault("quality.anchor_stations", []string{})
	v.SetDefault("quality.weather_accept_score", 50)
	v.SetDefault("quality.min_camera_captures", 2)
	v.SetDefault("quality.camera_complete_ratio", 0.8)
	v.SetDefault("quality.camera_max_deduction", 40)
	v.SetDefault("quality.camera_accept_score", 40)

	v.SetDefault("fallback.capacity", 5)
	v.SetDefault("fallback.max_age", "10m")
	v.SetDefault("fallback.evict_after", "24h")
	v.SetDefault("fallback.synthetic_score", 30)

	v.SetDefault("health.window_size", 100)
	v.SetDefault("health.recovery_successes", 2)

	v.SetDefault("alerting.reliability_threshold", 0.8)
	v.SetDefault("alerting.consecutive_failures", 3)
	v.SetDefault("alerting.data_age", "1h")
	v.SetDefault("alerting.retention", "24h")
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.min_severity", "warning")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.title", "citypulse")

	v.SetDefault("monitoring.error_log_size", 50)
	v.SetDefault("monitoring.history_retention", "168h")

	v.SetDefault("storage.driver", DriverBadger)
	v.SetDefault("storage.namespace", "citypulse")
	v.SetDefault("storage.persist_every", "15m")
	v.SetDefault("storage.persist_jitter", "5m")
	v.SetDefault("storage.badger.path", "data/citypulse")
	v.SetDefault("storage.badger.sync_writes", true)
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.postgres.max_open_conns", 10)
	v.SetDefault("storage.postgres.max_idle_conns", 2)
	v.SetDefault("storage.postgres.conn_max_lifetime", "30m")

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "30s")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries cannot be negative")
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.base_delay must be positive and not exceed retry.max_delay")
	}
	for name, up := range map[string]UpstreamConfig{"weather": c.Upstreams.Weather, "camera": c.Upstreams.Camera} {
		if up.Enabled && up.URL == "" {
			return fmt.Errorf("upstreams.%s.url is required when enabled", name)
		}
		if up.RateLimit < 0 {
			return fmt.Errorf("upstreams.%s.rate_limit cannot be negative", name)
		}
	}
	if c.Quality.CameraCompleteRatio < 0 || c.Quality.CameraCompleteRatio > 1 {
		return fmt.Errorf("quality.camera_complete_ratio must be within [0,1]")
	}
	if c.Fallback.Capacity <= 0 {
		return fmt.Errorf("fallback.capacity must be greater than zero")
	}
	if c.Fallback.MaxAge <= 0 {
		return fmt.Errorf("fallback.max_age must be greater than zero")
	}
	if c.Fallback.SyntheticScore < 0 || c.Fallback.SyntheticScore > 100 {
		return fmt.Errorf("fallback.synthetic_score must be within [0,100]")
	}
	if c.Health.WindowSize <= 0 {
		return fmt.Errorf("health.window_size must be greater than zero")
	}
	if c.Alerting.ReliabilityThreshold < 0 || c.Alerting.ReliabilityThreshold > 1 {
		return fmt.Errorf("alerting.reliability_threshold must be within [0,1]")
	}
	if c.Alerting.ConsecutiveFailures <= 0 {
		return fmt.Errorf("alerting.consecutive_failures must be greater than zero")
	}
	switch c.Alerting.MinSeverity {
	case "info", "warning", "error":
	default:
		return fmt.Errorf("alerting.min_severity must be one of info, warning, error")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverBadger:
		if !c.Storage.Badger.InMemory && c.Storage.Badger.Path == "" {
			return fmt.Errorf("storage.badger.path is required")
		}
	case DriverRedis:
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required")
		}
	case DriverPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
	}
	if c.Storage.PersistEvery <= 0 {
		return fmt.Errorf("storage.persist_every must be greater than zero")
	}
	if c.Storage.PersistJitter < 0 {
		return fmt.Errorf("storage.persist_jitter cannot be negative")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

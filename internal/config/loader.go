package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "mesync.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	path := DefaultConfigFile
	if p := os.Getenv("MESYNC_CONFIG"); p != "" {
		path = p
	}
	return LoadFrom(path)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "MESYNC_PORT")
	setString(&cfg.Server.CORSOrigin, "MESYNC_CORS_ORIGIN")
	setDuration(&cfg.Server.RequestTimeout, "MESYNC_REQUEST_TIMEOUT")
	setFloat64(&cfg.Server.RateLimit, "MESYNC_RATE_LIMIT")
	setInt(&cfg.Server.RateBurst, "MESYNC_RATE_BURST")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "MESYNC_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "MESYNC_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "MESYNC_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "MESYNC_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "MESYNC_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Stream, "MESYNC_NATS_STREAM")
	setString(&cfg.Logging.Level, "MESYNC_LOG_LEVEL")
	setString(&cfg.Logging.Service, "MESYNC_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "MESYNC_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "MESYNC_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "MESYNC_BREAKER_TIMEOUT")

	// Tracker
	setString(&cfg.Tracker.Adapter, "MESYNC_TRACKER_ADAPTER")
	setString(&cfg.Tracker.BaseURL, "MESYNC_TRACKER_URL")
	setString(&cfg.Tracker.Token, "MESYNC_TRACKER_TOKEN")

	// Sync
	setBool(&cfg.Sync.Enabled, "MESYNC_SYNC_ENABLED")
	setInt(&cfg.Sync.BatchSize, "MESYNC_SYNC_BATCH_SIZE")
	setInt(&cfg.Sync.Concurrency, "MESYNC_SYNC_CONCURRENCY")
	setDuration(&cfg.Sync.PollInterval, "MESYNC_SYNC_POLL_INTERVAL")
	setDuration(&cfg.Sync.LockTimeout, "MESYNC_SYNC_LOCK_TIMEOUT")
	setDuration(&cfg.Sync.RemoteTimeout, "MESYNC_SYNC_REMOTE_TIMEOUT")
	setInt(&cfg.Sync.DefaultPriority, "MESYNC_SYNC_DEFAULT_PRIORITY")
	setInt(&cfg.Sync.DefaultMaxRetries, "MESYNC_SYNC_MAX_RETRIES")
	setDuration(&cfg.Sync.RetryBaseDelay, "MESYNC_SYNC_RETRY_BASE_DELAY")
	setDuration(&cfg.Sync.RetryMaxDelay, "MESYNC_SYNC_RETRY_MAX_DELAY")
	setFloat64(&cfg.Sync.RetryMultiplier, "MESYNC_SYNC_RETRY_MULTIPLIER")

	// Status
	setInt(&cfg.Status.Workers, "MESYNC_STATUS_WORKERS")
	setDuration(&cfg.Status.RetryInterval, "MESYNC_STATUS_RETRY_INTERVAL")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "MESYNC_CACHE_L1_SIZE_MB")
	setDuration(&cfg.Cache.L1TTL, "MESYNC_CACHE_L1_TTL")
	setString(&cfg.Cache.L2Bucket, "MESYNC_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "MESYNC_CACHE_L2_TTL")

	// OpenTelemetry
	setBool(&cfg.OTEL.Enabled, "MESYNC_OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.OTEL.ServiceName, "OTEL_SERVICE_NAME")
	setBool(&cfg.OTEL.Insecure, "MESYNC_OTEL_INSECURE")
	setFloat64(&cfg.OTEL.SampleRate, "MESYNC_OTEL_SAMPLE_RATE")
}

// validate checks that required fields are set and values are coherent.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Server.RequestTimeout <= 0 {
		return errors.New("server.request_timeout must be positive")
	}
	if cfg.Server.RateLimit < 0 || (cfg.Server.RateLimit > 0 && cfg.Server.RateBurst < 1) {
		return errors.New("server.rate_burst must be >= 1 when server.rate_limit is set")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Tracker.Adapter == "" {
		return errors.New("tracker.adapter is required")
	}

	s := cfg.Sync
	if s.BatchSize < 1 {
		return errors.New("sync.batch_size must be >= 1")
	}
	if s.Concurrency < 1 {
		return errors.New("sync.concurrency must be >= 1")
	}
	if s.PollInterval <= 0 || s.LockTimeout <= 0 || s.RemoteTimeout <= 0 {
		return errors.New("sync.poll_interval, sync.lock_timeout and sync.remote_timeout must be positive")
	}
	if s.LockTimeout <= s.RemoteTimeout {
		return errors.New("sync.lock_timeout must exceed sync.remote_timeout")
	}
	if s.DefaultPriority < 1 || s.DefaultPriority > 10 {
		return errors.New("sync.default_priority must be between 1 and 10")
	}
	if s.DefaultMaxRetries < 1 {
		return errors.New("sync.default_max_retries must be >= 1")
	}
	if s.RetryBaseDelay <= 0 || s.RetryMaxDelay < s.RetryBaseDelay {
		return errors.New("sync.retry_base_delay must be positive and <= sync.retry_max_delay")
	}
	if s.RetryMultiplier < 1 {
		return errors.New("sync.retry_multiplier must be >= 1")
	}

	if cfg.Status.Workers < 1 {
		return errors.New("status.workers must be >= 1")
	}
	r := cfg.Status.Risk
	if r.LowDays >= r.MediumDays || r.MediumDays >= r.HighDays || r.HighDays >= r.CriticalDays {
		return errors.New("status.risk thresholds must be strictly increasing")
	}
	if cfg.OTEL.SampleRate < 0 || cfg.OTEL.SampleRate > 1 {
		return errors.New("otel.sample_rate must be between 0 and 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

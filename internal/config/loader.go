package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/devgodzilla/devgodzilla/internal/domain"
)

// DefaultConfigFile is the path checked for YAML configuration when
// DEVGODZILLA_CONFIG is not set.
const DefaultConfigFile = "devgodzilla.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML file is optional; a missing file is not an error.
func Load() (*Config, error) {
	path := os.Getenv("DEVGODZILLA_CONFIG")
	if path == "" {
		path = DefaultConfigFile
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
		return nil, fmt.Errorf("config validate: %w: %w", err, domain.ErrConfiguration)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if os.IsNotExist(err) {
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
	setString(&cfg.Server.Host, "DEVGODZILLA_HOST")
	setString(&cfg.Server.Port, "DEVGODZILLA_PORT")
	setStringList(&cfg.Server.CORSAllowOrigins, "DEVGODZILLA_CORS_ALLOW_ORIGINS")
	setDuration(&cfg.Server.RequestTimeout, "DEVGODZILLA_REQUEST_TIMEOUT")

	setString(&cfg.Database.URL, "DEVGODZILLA_DB_URL")
	setString(&cfg.Database.Path, "DEVGODZILLA_DB_PATH")
	setInt32(&cfg.Database.PoolSize, "DEVGODZILLA_DB_POOL_SIZE")
	setInt32(&cfg.Database.MinConns, "DEVGODZILLA_DB_MIN_CONNS")
	setDuration(&cfg.Database.MaxConnLifetime, "DEVGODZILLA_DB_MAX_CONN_LIFETIME")
	setDuration(&cfg.Database.MaxConnIdleTime, "DEVGODZILLA_DB_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Database.HealthCheck, "DEVGODZILLA_DB_HEALTH_CHECK")

	setString(&cfg.Auth.APIToken, "DEVGODZILLA_API_TOKEN")
	setString(&cfg.Auth.APITokenHash, "DEVGODZILLA_API_TOKEN_HASH")
	setString(&cfg.Auth.WebhookToken, "DEVGODZILLA_WEBHOOK_TOKEN")

	setBool(&cfg.Windmill.Enabled, "DEVGODZILLA_WINDMILL_ENABLED")
	setString(&cfg.Windmill.URL, "DEVGODZILLA_WINDMILL_URL")
	setString(&cfg.Windmill.Token, "DEVGODZILLA_WINDMILL_TOKEN")
	setString(&cfg.Windmill.Workspace, "DEVGODZILLA_WINDMILL_WORKSPACE")
	setDuration(&cfg.Windmill.Timeout, "DEVGODZILLA_WINDMILL_TIMEOUT")
	setDuration(&cfg.Windmill.ReconcileInterval, "DEVGODZILLA_WINDMILL_RECONCILE_INTERVAL")

	setString(&cfg.Engines.DefaultID, "DEVGODZILLA_DEFAULT_ENGINE_ID")
	setDuration(&cfg.Engines.Timeout, "DEVGODZILLA_ENGINE_TIMEOUT")

	setInt(&cfg.QA.MaxAutoFixAttempts, "DEVGODZILLA_QA_MAX_AUTO_FIX_ATTEMPTS")
	setBool(&cfg.QA.DirectCompletion, "DEVGODZILLA_QA_DIRECT_COMPLETION")
	setDuration(&cfg.QA.GateTimeout, "DEVGODZILLA_QA_GATE_TIMEOUT")
	setFloat64(&cfg.QA.CoverageThreshold, "DEVGODZILLA_QA_COVERAGE_THRESHOLD")
	setStringList(&cfg.QA.DisabledGates, "DEVGODZILLA_QA_DISABLED_GATES")

	setDuration(&cfg.Recovery.Interval, "DEVGODZILLA_RECOVERY_INTERVAL")

	setDuration(&cfg.Events.PollInterval, "DEVGODZILLA_EVENTS_POLL_INTERVAL")
	setDuration(&cfg.Events.Heartbeat, "DEVGODZILLA_EVENTS_HEARTBEAT")
	setInt(&cfg.Events.BatchSize, "DEVGODZILLA_EVENTS_BATCH_SIZE")
	setInt(&cfg.Events.LogChunkSize, "DEVGODZILLA_EVENTS_LOG_CHUNK_SIZE")

	setString(&cfg.NATS.URL, "DEVGODZILLA_NATS_URL")
	setString(&cfg.NATS.StreamName, "DEVGODZILLA_NATS_STREAM")
	setString(&cfg.NATS.SubjectPrefix, "DEVGODZILLA_NATS_SUBJECT_PREFIX")

	setBool(&cfg.MCP.Enabled, "DEVGODZILLA_MCP_ENABLED")
	setString(&cfg.MCP.Addr, "DEVGODZILLA_MCP_ADDR")

	setInt64(&cfg.Cache.L1MaxSizeMB, "DEVGODZILLA_CACHE_L1_SIZE_MB")

	setString(&cfg.Storage.LogDir, "DEVGODZILLA_LOG_DIR")

	setInt(&cfg.Git.MaxConcurrent, "DEVGODZILLA_GIT_MAX_CONCURRENT")
	setInt(&cfg.Git.LockRetries, "DEVGODZILLA_GIT_LOCK_RETRIES")
	setDuration(&cfg.Git.LockBackoff, "DEVGODZILLA_GIT_LOCK_BACKOFF")

	setString(&cfg.Logging.Level, "DEVGODZILLA_LOG_LEVEL")
	setString(&cfg.Logging.Service, "DEVGODZILLA_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "DEVGODZILLA_LOG_ASYNC")

	setInt(&cfg.Breaker.MaxFailures, "DEVGODZILLA_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "DEVGODZILLA_BREAKER_TIMEOUT")

	setString(&cfg.Telemetry.ServiceName, "DEVGODZILLA_OTEL_SERVICE_NAME")
}

// validate checks that required fields are set and path contracts hold.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	if _, err := strconv.Atoi(cfg.Server.Port); err != nil {
		return fmt.Errorf("server.port must be numeric, got %q", cfg.Server.Port)
	}
	if cfg.Database.Path != "" {
		return fmt.Errorf("database.path (DEVGODZILLA_DB_PATH) points at a file-backed store; this build is PostgreSQL-only, set DEVGODZILLA_DB_URL")
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if cfg.Database.PoolSize < 1 {
		return fmt.Errorf("database.pool_size must be >= 1")
	}
	if cfg.Windmill.Enabled && cfg.Windmill.URL == "" {
		return fmt.Errorf("windmill.url is required when windmill.enabled is true")
	}
	if cfg.Engines.Timeout <= 0 {
		return fmt.Errorf("engines.timeout must be positive")
	}
	if cfg.QA.MaxAutoFixAttempts < 0 {
		return fmt.Errorf("qa.max_auto_fix_attempts must be >= 0")
	}
	if cfg.QA.CoverageThreshold < 0 || cfg.QA.CoverageThreshold > 100 {
		return fmt.Errorf("qa.coverage_threshold must be within [0, 100]")
	}
	if cfg.Events.BatchSize < 1 {
		return fmt.Errorf("events.batch_size must be >= 1")
	}
	if cfg.Events.LogChunkSize < 1 {
		return fmt.Errorf("events.log_chunk_size must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return fmt.Errorf("breaker.max_failures must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setStringList(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
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

// Package config loads EMPI service bootstrap settings (database connection,
// scheduler timing, lock behavior) from the environment, the way the teacher
// service's pkg/database.LoadConfigFromEnv loads its own settings. This is
// distinct from the per-Job linkage Config (potential/auto thresholds,
// linker_settings) in pkg/models, which is caller-supplied data, not process
// configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// DatabaseConfig mirrors the teacher's database.Config shape.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// DSNOverride, when non-empty, is used verbatim instead of the
	// Host/Port/... fields. Used by integration tests that connect to a
	// testcontainers-managed Postgres instance via a full connection string
	// (including a search_path query parameter DatabaseConfig has no field
	// for).
	DSNOverride string
}

// SchedulerConfig controls the Matching Service polling loop (§4.7).
type SchedulerConfig struct {
	PollInterval       time.Duration
	PollIntervalJitter time.Duration
	JobLockMaxWait     time.Duration
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
}

// LinkerConfig points to the out-of-process probabilistic comparison
// service (§6's opaque Linker collaborator).
type LinkerConfig struct {
	Endpoint string
	Timeout  time.Duration
}

// Config is the full process bootstrap configuration.
type Config struct {
	Database  DatabaseConfig
	Scheduler SchedulerConfig
	Linker    LinkerConfig
}

// Load reads configuration from a local .env file (if present, ignored if
// not) and the process environment, validating eagerly.
func Load() (Config, error) {
	// Best-effort: a missing .env is not an error, mirroring godotenv's own
	// convention for optional local overrides in development.
	_ = godotenv.Load()

	dbCfg, err := loadDatabaseConfig()
	if err != nil {
		return Config{}, err
	}

	schedCfg, err := loadSchedulerConfig()
	if err != nil {
		return Config{}, err
	}

	linkerCfg, err := loadLinkerConfig()
	if err != nil {
		return Config{}, err
	}

	return Config{Database: dbCfg, Scheduler: schedCfg, Linker: linkerCfg}, nil
}

func loadDatabaseConfig() (DatabaseConfig, error) {
	port, err := strconv.Atoi(getEnvOrDefault("EMPI_DB_PORT", "5432"))
	if err != nil {
		return DatabaseConfig{}, fmt.Errorf("invalid EMPI_DB_PORT: %w", err)
	}

	maxOpen, _ := strconv.Atoi(getEnvOrDefault("EMPI_DB_MAX_OPEN_CONNS", "25"))
	maxIdle, _ := strconv.Atoi(getEnvOrDefault("EMPI_DB_MAX_IDLE_CONNS", "10"))

	maxLifetime, err := time.ParseDuration(getEnvOrDefault("EMPI_DB_CONN_MAX_LIFETIME", "1h"))
	if err != nil {
		return DatabaseConfig{}, fmt.Errorf("invalid EMPI_DB_CONN_MAX_LIFETIME: %w", err)
	}
	maxIdleTime, err := time.ParseDuration(getEnvOrDefault("EMPI_DB_CONN_MAX_IDLE_TIME", "15m"))
	if err != nil {
		return DatabaseConfig{}, fmt.Errorf("invalid EMPI_DB_CONN_MAX_IDLE_TIME: %w", err)
	}

	cfg := DatabaseConfig{
		Host:            getEnvOrDefault("EMPI_DB_HOST", "localhost"),
		Port:            port,
		User:            getEnvOrDefault("EMPI_DB_USER", "empi"),
		Password:        os.Getenv("EMPI_DB_PASSWORD"),
		Database:        getEnvOrDefault("EMPI_DB_NAME", "empi"),
		SSLMode:         getEnvOrDefault("EMPI_DB_SSLMODE", "disable"),
		MaxOpenConns:    maxOpen,
		MaxIdleConns:    maxIdle,
		ConnMaxLifetime: maxLifetime,
		ConnMaxIdleTime: maxIdleTime,
	}

	if err := cfg.Validate(); err != nil {
		return DatabaseConfig{}, err
	}
	return cfg, nil
}

// Validate checks invariants on the connection pool settings.
func (c DatabaseConfig) Validate() error {
	if c.MaxIdleConns > c.MaxOpenConns {
		return fmt.Errorf("EMPI_DB_MAX_IDLE_CONNS (%d) cannot exceed EMPI_DB_MAX_OPEN_CONNS (%d)", c.MaxIdleConns, c.MaxOpenConns)
	}
	if c.MaxOpenConns < 1 {
		return fmt.Errorf("EMPI_DB_MAX_OPEN_CONNS must be at least 1")
	}
	if c.MaxIdleConns < 0 {
		return fmt.Errorf("EMPI_DB_MAX_IDLE_CONNS cannot be negative")
	}
	return nil
}

func loadSchedulerConfig() (SchedulerConfig, error) {
	poll, err := time.ParseDuration(getEnvOrDefault("EMPI_SCHEDULER_POLL_INTERVAL", "5s"))
	if err != nil {
		return SchedulerConfig{}, fmt.Errorf("invalid EMPI_SCHEDULER_POLL_INTERVAL: %w", err)
	}
	jitter, err := time.ParseDuration(getEnvOrDefault("EMPI_SCHEDULER_POLL_JITTER", "500ms"))
	if err != nil {
		return SchedulerConfig{}, fmt.Errorf("invalid EMPI_SCHEDULER_POLL_JITTER: %w", err)
	}
	lockWait, err := time.ParseDuration(getEnvOrDefault("EMPI_SCHEDULER_JOB_LOCK_MAX_WAIT", "0"))
	if err != nil {
		return SchedulerConfig{}, fmt.Errorf("invalid EMPI_SCHEDULER_JOB_LOCK_MAX_WAIT: %w", err)
	}
	backoffInitial, err := time.ParseDuration(getEnvOrDefault("EMPI_SCHEDULER_BACKOFF_INITIAL", "1s"))
	if err != nil {
		return SchedulerConfig{}, fmt.Errorf("invalid EMPI_SCHEDULER_BACKOFF_INITIAL: %w", err)
	}
	backoffMax, err := time.ParseDuration(getEnvOrDefault("EMPI_SCHEDULER_BACKOFF_MAX", "30s"))
	if err != nil {
		return SchedulerConfig{}, fmt.Errorf("invalid EMPI_SCHEDULER_BACKOFF_MAX: %w", err)
	}

	return SchedulerConfig{
		PollInterval:       poll,
		PollIntervalJitter: jitter,
		JobLockMaxWait:     lockWait,
		BackoffInitial:     backoffInitial,
		BackoffMax:         backoffMax,
	}, nil
}

func loadLinkerConfig() (LinkerConfig, error) {
	timeout, err := time.ParseDuration(getEnvOrDefault("EMPI_LINKER_TIMEOUT", "60s"))
	if err != nil {
		return LinkerConfig{}, fmt.Errorf("invalid EMPI_LINKER_TIMEOUT: %w", err)
	}
	return LinkerConfig{
		Endpoint: getEnvOrDefault("EMPI_LINKER_ENDPOINT", "http://localhost:9000/predict"),
		Timeout:  timeout,
	}, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// DSN renders the pgx-compatible connection string for DatabaseConfig.
func (c DatabaseConfig) DSN() string {
	if c.DSNOverride != "" {
		return c.DSNOverride
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

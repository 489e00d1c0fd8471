package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv           string
	Port             string
	StoreDriver      string
	SQLitePath       string
	DatabaseURL      string
	MaxRunningJobs   int
	DefaultPoolSize  int
	MaxPoolSize      int
	EventBuffer      int
	RateLimitPerMin  int
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	ShutdownTimeout  time.Duration
}

// Load reads an optional .env file and then the environment.
func Load() (*Config, error) {
	// Missing .env files are not an error.
	_ = godotenv.Load(".env", ".env.local")
	return FromEnv()
}

// FromEnv builds the configuration from environment variables only.
func FromEnv() (*Config, error) {
	cfg := &Config{
		AppEnv:           getEnv("APP_ENV", "development"),
		Port:             getEnv("PORT", "8080"),
		StoreDriver:      getEnv("STORE_DRIVER", DriverMemory),
		SQLitePath:       getEnv("SQLITE_PATH", "./jobs.db"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		MaxRunningJobs:   getEnvInt("MAX_RUNNING_JOBS", runtime.NumCPU()),
		DefaultPoolSize:  getEnvInt("DEFAULT_POOL_SIZE", runtime.GOMAXPROCS(0)),
		MaxPoolSize:      getEnvInt("MAX_POOL_SIZE", 64),
		EventBuffer:      getEnvInt("EVENT_BUFFER", 64),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		ShutdownTimeout:  time.Second * time.Duration(getEnvInt("SHUTDOWN_TIMEOUT_SECONDS", 30)),
	}

	switch cfg.StoreDriver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
	if cfg.MaxRunningJobs <= 0 {
		return nil, fmt.Errorf("MAX_RUNNING_JOBS must be positive")
	}
	if cfg.DefaultPoolSize <= 0 || cfg.MaxPoolSize <= 0 {
		return nil, fmt.Errorf("DEFAULT_POOL_SIZE and MAX_POOL_SIZE must be positive")
	}
	if cfg.DefaultPoolSize > cfg.MaxPoolSize {
		cfg.DefaultPoolSize = cfg.MaxPoolSize
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

// Package config reads process configuration from the environment, after
// loading an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

type Config struct {
	HTTPAddr  string `env:"HTTP_ADDR" envDefault:":8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	EventStoreDriver string `env:"EVENTSTORE_DRIVER" envDefault:"memory"`
	SQLitePath       string `env:"SQLITE_PATH" envDefault:"campaigns.db"`
	DatabaseURL      string `env:"DATABASE_URL"`

	ViewStoreDriver string `env:"VIEWSTORE_DRIVER" envDefault:"memory"`
	RedisURL        string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RedisPrefix     string `env:"REDIS_PREFIX" envDefault:"campaigns"`

	AMQPURL      string `env:"AMQP_URL"`
	AMQPExchange string `env:"AMQP_EXCHANGE" envDefault:"campaign.events"`

	SchedulerEnabled     bool   `env:"SCHEDULER_ENABLED" envDefault:"false"`
	SchedulerQueue       string `env:"SCHEDULER_QUEUE" envDefault:"campaigns"`
	SchedulerConcurrency int    `env:"SCHEDULER_CONCURRENCY" envDefault:"10"`
	// SchedulerWorker runs the task worker inside the server process.
	SchedulerWorker bool `env:"SCHEDULER_WORKER" envDefault:"false"`

	DispatchTimeout    time.Duration `env:"DISPATCH_TIMEOUT" envDefault:"10s"`
	CommandMaxAttempts int           `env:"COMMAND_MAX_ATTEMPTS" envDefault:"3"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// Load reads the .env files (a missing file is fine) and parses the
// environment.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}
	return Parse()
}

// Parse reads the environment only.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.EventStoreDriver = strings.ToLower(strings.TrimSpace(cfg.EventStoreDriver))
	cfg.ViewStoreDriver = strings.ToLower(strings.TrimSpace(cfg.ViewStoreDriver))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.EventStoreDriver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres event store")
		}
	default:
		return fmt.Errorf("unknown EVENTSTORE_DRIVER %q", c.EventStoreDriver)
	}
	switch c.ViewStoreDriver {
	case DriverMemory, DriverRedis:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres view store")
		}
	default:
		return fmt.Errorf("unknown VIEWSTORE_DRIVER %q", c.ViewStoreDriver)
	}
	if c.CommandMaxAttempts < 1 {
		return fmt.Errorf("COMMAND_MAX_ATTEMPTS must be at least 1")
	}
	if c.DispatchTimeout < 0 {
		return fmt.Errorf("DISPATCH_TIMEOUT must not be negative")
	}
	return nil
}

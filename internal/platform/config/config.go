package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"

	ProjectionSync      = "sync"
	ProjectionAsync     = "async"
	ProjectionJetStream = "jetstream"
)

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

type DBPool struct {
	MinConns          int           `env:"MIN_CONNS" envDefault:"2"`
	MaxConns          int           `env:"MAX_CONNS" envDefault:"20"`
	MaxConnLifetime   time.Duration `env:"MAX_CONN_LIFETIME" envDefault:"30m"`
	MaxConnIdleTime   time.Duration `env:"MAX_CONN_IDLE_TIME" envDefault:"5m"`
	HealthCheckPeriod time.Duration `env:"HEALTH_CHECK_PERIOD" envDefault:"30s"`
}

type Projection struct {
	Mode           string        `env:"MODE" envDefault:"sync"`
	Workers        int           `env:"WORKERS" envDefault:"4"`
	QueueSize      int           `env:"QUEUE_SIZE" envDefault:"256"`
	ApplyTimeout   time.Duration `env:"APPLY_TIMEOUT" envDefault:"3s"`
	RebuildOnStart bool          `env:"REBUILD_ON_START" envDefault:"false"`
}

// Config is shared by the todo-server and projector binaries.
type Config struct {
	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8080"`
	AllowedOrigin   string        `env:"ALLOWED_ORIGIN" envDefault:"*"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	ConsistencyWait time.Duration `env:"CONSISTENCY_WAIT" envDefault:"0s"`

	EventLogDriver  string `env:"EVENT_LOG_DRIVER" envDefault:"memory"`
	ReadModelDriver string `env:"READ_MODEL_DRIVER" envDefault:"memory"`
	SQLitePath      string `env:"SQLITE_PATH" envDefault:"todo-events.db"`
	DatabaseURL     string `env:"DATABASE_URL"`
	DB              DBPool `envPrefix:"DB_"`

	RedisAddr   string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisDB     int    `env:"REDIS_DB" envDefault:"0"`
	RedisPrefix string `env:"REDIS_PREFIX" envDefault:"todo:view"`

	Projection Projection `envPrefix:"PROJECTION_"`

	NATSURL            string        `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	NATSConnectTimeout time.Duration `env:"NATS_CONNECT_TIMEOUT" envDefault:"20s"`

	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat    string `env:"LOG_FORMAT" envDefault:"text"`
	OTelEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.EventLogDriver = strings.ToLower(strings.TrimSpace(cfg.EventLogDriver))
	cfg.ReadModelDriver = strings.ToLower(strings.TrimSpace(cfg.ReadModelDriver))
	cfg.Projection.Mode = strings.ToLower(strings.TrimSpace(cfg.Projection.Mode))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.EventLogDriver {
	case DriverMemory, DriverSQLite, DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("unsupported EVENT_LOG_DRIVER %q", c.EventLogDriver))
	}
	switch c.ReadModelDriver {
	case DriverMemory, DriverRedis, DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("unsupported READ_MODEL_DRIVER %q", c.ReadModelDriver))
	}
	switch c.Projection.Mode {
	case ProjectionSync, ProjectionAsync, ProjectionJetStream:
	default:
		errs = append(errs, fmt.Errorf("unsupported PROJECTION_MODE %q", c.Projection.Mode))
	}
	if c.UsesPostgres() && strings.TrimSpace(c.DatabaseURL) == "" {
		errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
	}
	if c.EventLogDriver == DriverSQLite && strings.TrimSpace(c.SQLitePath) == "" {
		errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite driver"))
	}
	if c.Projection.Mode == ProjectionJetStream {
		if strings.TrimSpace(c.NATSURL) == "" {
			errs = append(errs, errors.New("NATS_URL is required for jetstream projection"))
		}
		// The projector runs in its own process and must see the same stores.
		if c.ReadModelDriver == DriverMemory {
			errs = append(errs, errors.New("READ_MODEL_DRIVER=memory cannot be shared with the projector in jetstream mode"))
		}
		if c.EventLogDriver == DriverMemory {
			errs = append(errs, errors.New("EVENT_LOG_DRIVER=memory cannot be shared with the projector in jetstream mode"))
		}
	}
	if c.Projection.Workers <= 0 {
		errs = append(errs, errors.New("PROJECTION_WORKERS must be greater than zero"))
	}
	if c.Projection.QueueSize <= 0 {
		errs = append(errs, errors.New("PROJECTION_QUEUE_SIZE must be greater than zero"))
	}
	if c.DB.MaxConns <= 0 {
		errs = append(errs, errors.New("DB_MAX_CONNS must be greater than zero"))
	}
	return errors.Join(errs...)
}

func (c Config) UsesPostgres() bool {
	return c.EventLogDriver == DriverPostgres || c.ReadModelDriver == DriverPostgres
}

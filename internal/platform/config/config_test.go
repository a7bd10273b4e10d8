package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("expected default addr :8080, got %q", cfg.HTTPAddr)
	}
	if cfg.EventLogDriver != DriverMemory || cfg.ReadModelDriver != DriverMemory {
		t.Fatalf("expected memory drivers, got %q/%q", cfg.EventLogDriver, cfg.ReadModelDriver)
	}
	if cfg.Projection.Mode != ProjectionSync || cfg.Projection.Workers != 4 || cfg.Projection.ApplyTimeout != 3*time.Second {
		t.Fatalf("unexpected projection defaults: %+v", cfg.Projection)
	}
	if cfg.DB.MaxConns != 20 || cfg.DB.MaxConnLifetime != 30*time.Minute {
		t.Fatalf("unexpected pool defaults: %+v", cfg.DB)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("EVENT_LOG_DRIVER", "Postgres")
	t.Setenv("READ_MODEL_DRIVER", "redis")
	t.Setenv("DATABASE_URL", "postgres://app@localhost/app")
	t.Setenv("PROJECTION_MODE", "async")
	t.Setenv("PROJECTION_WORKERS", "8")
	t.Setenv("DB_MAX_CONNS", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.EventLogDriver != DriverPostgres || cfg.ReadModelDriver != DriverRedis {
		t.Fatalf("unexpected drivers: %q/%q", cfg.EventLogDriver, cfg.ReadModelDriver)
	}
	if cfg.Projection.Mode != ProjectionAsync || cfg.Projection.Workers != 8 {
		t.Fatalf("unexpected projection config: %+v", cfg.Projection)
	}
	if cfg.DB.MaxConns != 5 {
		t.Fatalf("expected DB_MAX_CONNS=5, got %d", cfg.DB.MaxConns)
	}
	if !cfg.UsesPostgres() {
		t.Fatal("expected UsesPostgres")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"unknown log driver", map[string]string{"EVENT_LOG_DRIVER": "kafka"}, "EVENT_LOG_DRIVER"},
		{"unknown read model", map[string]string{"READ_MODEL_DRIVER": "mongo"}, "READ_MODEL_DRIVER"},
		{"postgres without url", map[string]string{"READ_MODEL_DRIVER": "postgres"}, "DATABASE_URL"},
		{"zero workers", map[string]string{"PROJECTION_WORKERS": "0"}, "PROJECTION_WORKERS"},
		{"bad duration", map[string]string{"SHUTDOWN_TIMEOUT": "soon"}, "parse env:"},
		{"jetstream with memory read model", map[string]string{"PROJECTION_MODE": "jetstream"}, "READ_MODEL_DRIVER=memory"},
		{"jetstream with memory event log", map[string]string{
			"PROJECTION_MODE":   "jetstream",
			"READ_MODEL_DRIVER": "redis",
		}, "EVENT_LOG_DRIVER=memory"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadAcceptsJetStreamWithSharedStores(t *testing.T) {
	t.Setenv("PROJECTION_MODE", "jetstream")
	t.Setenv("EVENT_LOG_DRIVER", "postgres")
	t.Setenv("READ_MODEL_DRIVER", "redis")
	t.Setenv("DATABASE_URL", "postgres://app@localhost/app")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Projection.Mode != ProjectionJetStream {
		t.Fatalf("expected jetstream mode, got %q", cfg.Projection.Mode)
	}
}

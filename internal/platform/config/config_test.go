package config

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLoadAPIDefaults(t *testing.T) {
	cfg, err := LoadAPI()
	if err != nil {
		t.Fatalf("LoadAPI: %v", err)
	}
	if cfg.Addr != ":8080" || cfg.EventStore != StorePostgres || cfg.NowCapacity != 2 || cfg.MaxAttempts != 5 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.DB.MaxConns != 20 || cfg.DB.MaxConnLifetime != 30*time.Minute {
		t.Fatalf("unexpected pool defaults: %+v", cfg.DB)
	}
	if !cfg.NATSEnabled || cfg.OTel.Enabled || cfg.OTel.SampleRatio != 1 {
		t.Fatalf("unexpected transport defaults: %+v", cfg.Common)
	}
}

func TestLoadAPIOverrides(t *testing.T) {
	t.Setenv("TODO_API_ADDR", ":9999")
	t.Setenv("EVENT_STORE", "sqlite")
	t.Setenv("SQLITE_PATH", "/tmp/lists.db")
	t.Setenv("NOW_CAPACITY", "3")
	t.Setenv("TIMEZONE", "Europe/Berlin")
	t.Setenv("DB_MAX_CONNS", "4")
	t.Setenv("OTEL_ENABLED", "true")

	cfg, err := LoadAPI()
	if err != nil {
		t.Fatalf("LoadAPI: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.EventStore != StoreSQLite || cfg.SQLitePath != "/tmp/lists.db" || cfg.NowCapacity != 3 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.DB.MaxConns != 4 || !cfg.OTel.Enabled {
		t.Fatalf("nested overrides not applied: %+v", cfg.Common)
	}
	loc, err := cfg.Location()
	if err != nil || loc.String() != "Europe/Berlin" {
		t.Fatalf("Location = %v, %v", loc, err)
	}
}

func TestLoadAPIValidation(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"unknown store", "EVENT_STORE", "redis"},
		{"zero capacity", "NOW_CAPACITY", "0"},
		{"zero attempts", "COMMAND_MAX_ATTEMPTS", "0"},
		{"bad timezone", "TIMEZONE", "Mars/Olympus"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			if _, err := LoadAPI(); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestAPIValidateRequiresSecret(t *testing.T) {
	cfg, err := LoadAPI()
	if err != nil {
		t.Fatalf("LoadAPI: %v", err)
	}
	cfg.JWTSecret = ""
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestParseEnvError(t *testing.T) {
	t.Setenv("NOW_CAPACITY", "many")
	_, err := LoadAPI()
	if err == nil || !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env error, got %v", err)
	}
}

func TestLoadWorkerQueueGroup(t *testing.T) {
	cfg, err := LoadWorker("domain-engine")
	if err != nil {
		t.Fatalf("LoadWorker: %v", err)
	}
	if cfg.QueueGroup != "domain-engine" || cfg.MetricsAddr != ":9090" {
		t.Fatalf("unexpected worker config: %+v", cfg)
	}

	t.Setenv("QUEUE_GROUP", "engine-blue")
	if cfg, err = LoadWorker("domain-engine"); err != nil || cfg.QueueGroup != "engine-blue" {
		t.Fatalf("QUEUE_GROUP override: %+v, %v", cfg, err)
	}

	t.Setenv("NATS_ENABLED", "false")
	if _, err := LoadWorker("domain-engine"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig without NATS, got %v", err)
	}
}

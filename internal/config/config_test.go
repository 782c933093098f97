package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/pipeline")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Retry.Interval != 30*time.Second {
		t.Errorf("retry interval: got %s", cfg.Retry.Interval)
	}
	if cfg.Retry.BatchSize != 100 {
		t.Errorf("retry batch size: got %d", cfg.Retry.BatchSize)
	}
	if cfg.Retry.MaxAttempts != 8 {
		t.Errorf("retry max attempts: got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.Lease != 2*time.Minute {
		t.Errorf("retry lease: got %s", cfg.Retry.Lease)
	}
	if cfg.Consumer.Workers != 4 {
		t.Errorf("workers: got %d", cfg.Consumer.Workers)
	}
	if cfg.Broker.QueueSize != 64 {
		t.Errorf("queue size: got %d", cfg.Broker.QueueSize)
	}
	if cfg.Breaker.Threshold != 5 || cfg.Breaker.Cooldown != 30*time.Second {
		t.Errorf("breaker: got %+v", cfg.Breaker)
	}
	if cfg.Alert.Limit != 10 || cfg.Alert.Window != time.Minute {
		t.Errorf("alert: got %+v", cfg.Alert)
	}
	if cfg.Transport.Kind != "kafka" || cfg.Kafka.Topic != "pipeline-events" {
		t.Errorf("transport: got %s / %s", cfg.Transport.Kind, cfg.Kafka.Topic)
	}
	if cfg.LogLevel() != slog.LevelInfo {
		t.Errorf("log level: got %s", cfg.LogLevel())
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("STORE_KIND", "memory")
	t.Setenv("TRANSPORT", "jetstream")
	t.Setenv("NUM_WORKERS", "2")
	t.Setenv("RETRY_INTERVAL", "5s")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Store.Kind != "memory" || cfg.Transport.Kind != "jetstream" {
		t.Errorf("kinds: got %s / %s", cfg.Store.Kind, cfg.Transport.Kind)
	}
	if cfg.Consumer.Workers != 2 {
		t.Errorf("workers: got %d", cfg.Consumer.Workers)
	}
	if cfg.Retry.Interval != 5*time.Second {
		t.Errorf("retry interval: got %s", cfg.Retry.Interval)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("brokers: got %v", cfg.Kafka.Brokers)
	}
	if cfg.LogLevel() != slog.LevelDebug {
		t.Errorf("log level: got %s", cfg.LogLevel())
	}
}

func TestLoad_SeedUsersAndSharedPartitions(t *testing.T) {
	t.Setenv("STORE_KIND", "memory")
	t.Setenv("TRANSPORT", "jetstream")
	t.Setenv("NATS_PARTITIONS", "8")
	t.Setenv("NUM_WORKERS", "3")
	t.Setenv("SEED_USERS", "alice,bob,carol")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("more partitions than workers must be accepted: %v", err)
	}
	if len(cfg.Users.Seed) != 3 || cfg.Users.Seed[2] != "carol" {
		t.Errorf("seed users: got %v", cfg.Users.Seed)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
store:
  kind: memory
retry:
  batch_size: 25
  max_attempts: 3
consumer:
  workers: 6
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RETRY_MAX_ATTEMPTS", "12")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Retry.BatchSize != 25 {
		t.Errorf("batch size from file: got %d", cfg.Retry.BatchSize)
	}
	if cfg.Retry.MaxAttempts != 12 {
		t.Errorf("env must override file: got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Consumer.Workers != 6 {
		t.Errorf("workers from file: got %d", cfg.Consumer.Workers)
	}
	if cfg.Retry.Interval != 30*time.Second {
		t.Errorf("unset keys keep defaults: got %s", cfg.Retry.Interval)
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "missing database url",
			env:  map[string]string{},
			want: "DATABASE_URL",
		},
		{
			name: "unknown transport",
			env:  map[string]string{"STORE_KIND": "memory", "TRANSPORT": "carrier-pigeon"},
			want: "unknown transport",
		},
		{
			name: "unknown store",
			env:  map[string]string{"STORE_KIND": "sqlite"},
			want: "unknown store kind",
		},
		{
			name: "zero workers",
			env:  map[string]string{"STORE_KIND": "memory", "NUM_WORKERS": "0"},
			want: "workers must be positive",
		},
		{
			name: "zero batch size",
			env:  map[string]string{"STORE_KIND": "memory", "RETRY_BATCH_SIZE": "0"},
			want: "batch size must be positive",
		},
		{
			name: "zero attempt ceiling",
			env:  map[string]string{"STORE_KIND": "memory", "RETRY_MAX_ATTEMPTS": "0"},
			want: "max attempts must be positive",
		},
		{
			name: "too few partitions",
			env:  map[string]string{"STORE_KIND": "memory", "TRANSPORT": "jetstream", "NATS_PARTITIONS": "2"},
			want: "at least the worker count",
		},
		{
			name: "bad log level",
			env:  map[string]string{"STORE_KIND": "memory", "LOG_LEVEL": "loud"},
			want: "unknown log level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DATABASE_URL", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load("")
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for the application.
type Config struct {
	App       App       `yaml:"app"`
	HTTP      HTTP      `yaml:"http"`
	Log       Log       `yaml:"log"`
	Store     Store     `yaml:"store"`
	Postgres  Postgres  `yaml:"postgres"`
	Redis     Redis     `yaml:"redis"`
	Transport Transport `yaml:"transport"`
	Kafka     Kafka     `yaml:"kafka"`
	NATS      NATS      `yaml:"nats"`
	Consumer  Consumer  `yaml:"consumer"`
	Retry     Retry     `yaml:"retry"`
	Broker    Broker    `yaml:"broker"`
	Breaker   Breaker   `yaml:"breaker"`
	Alert     Alert     `yaml:"alert"`
	Users     Users     `yaml:"users"`
}

type App struct {
	Name    string `yaml:"name" env:"APP_NAME" env-default:"event-pipeline"`
	Version string `yaml:"version" env:"APP_VERSION" env-default:"1.0.0"`
}

type HTTP struct {
	Port            string        `yaml:"port" env:"PORT" env-default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"HTTP_READ_TIMEOUT" env-default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"HTTP_WRITE_TIMEOUT" env-default:"15s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT" env-default:"30s"`
}

type Log struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

// Store selects the ledger backend. "memory" keeps everything in process
// and is meant for local runs.
type Store struct {
	Kind string `yaml:"kind" env:"STORE_KIND" env-default:"postgres"`
}

type Postgres struct {
	URL      string `yaml:"url" env:"DATABASE_URL"`
	MaxConns int32  `yaml:"max_conns" env:"POSTGRES_MAX_CONNS" env-default:"20"`
	Migrate  bool   `yaml:"migrate" env:"POSTGRES_MIGRATE" env-default:"true"`
}

// Redis backs the circuit breaker and alert throttle. Both are disabled
// when URL is empty.
type Redis struct {
	URL      string `yaml:"url" env:"REDIS_URL"`
	PoolSize int    `yaml:"pool_size" env:"REDIS_POOL_SIZE" env-default:"20"`
}

type Transport struct {
	Kind string `yaml:"kind" env:"TRANSPORT" env-default:"kafka"`
}

type Kafka struct {
	Brokers     []string      `yaml:"brokers" env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	Topic       string        `yaml:"topic" env:"KAFKA_TOPIC" env-default:"pipeline-events"`
	GroupID     string        `yaml:"group_id" env:"KAFKA_GROUP_ID" env-default:"event-pipeline"`
	StartOffset string        `yaml:"start_offset" env:"KAFKA_START_OFFSET" env-default:"earliest"`
	MaxWait     time.Duration `yaml:"max_wait" env:"KAFKA_MAX_WAIT" env-default:"1s"`
}

// NATS configures JetStream. An empty URL starts an embedded server.
type NATS struct {
	URL          string        `yaml:"url" env:"NATS_URL"`
	Stream       string        `yaml:"stream" env:"NATS_STREAM" env-default:"PIPELINE"`
	Subject      string        `yaml:"subject" env:"NATS_SUBJECT" env-default:"pipeline.events"`
	Durable      string        `yaml:"durable" env:"NATS_DURABLE" env-default:"event-pipeline"`
	Partitions   int           `yaml:"partitions" env:"NATS_PARTITIONS" env-default:"4"`
	AckWait      time.Duration `yaml:"ack_wait" env:"NATS_ACK_WAIT" env-default:"30s"`
	MaxAge       time.Duration `yaml:"max_age" env:"NATS_MAX_AGE" env-default:"168h"`
	EmbeddedHost string        `yaml:"embedded_host" env:"NATS_EMBEDDED_HOST" env-default:"127.0.0.1"`
	EmbeddedPort int           `yaml:"embedded_port" env:"NATS_EMBEDDED_PORT" env-default:"4222"`
	StoreDir     string        `yaml:"store_dir" env:"NATS_STORE_DIR" env-default:"/tmp/event-pipeline/jetstream"`
}

type Consumer struct {
	Workers int `yaml:"workers" env:"NUM_WORKERS" env-default:"4"`
}

type Retry struct {
	Interval    time.Duration `yaml:"interval" env:"RETRY_INTERVAL" env-default:"30s"`
	BatchSize   int           `yaml:"batch_size" env:"RETRY_BATCH_SIZE" env-default:"100"`
	MaxAttempts int           `yaml:"max_attempts" env:"RETRY_MAX_ATTEMPTS" env-default:"8"`
	Lease       time.Duration `yaml:"lease" env:"RETRY_LEASE" env-default:"2m"`
}

type Broker struct {
	QueueSize int `yaml:"queue_size" env:"BROKER_QUEUE_SIZE" env-default:"64"`
}

type Breaker struct {
	Threshold int           `yaml:"threshold" env:"BREAKER_THRESHOLD" env-default:"5"`
	Cooldown  time.Duration `yaml:"cooldown" env:"BREAKER_COOLDOWN" env-default:"30s"`
}

// Alert configures operator alerts pushed through the broker.
type Alert struct {
	Receiver string        `yaml:"receiver" env:"ALERT_RECEIVER" env-default:"operators"`
	Limit    int           `yaml:"limit" env:"ALERT_LIMIT" env-default:"10"`
	Window   time.Duration `yaml:"window" env:"ALERT_WINDOW" env-default:"1m"`
}

// Users lists accounts provisioned at startup, for local runs where no user
// service creates them.
type Users struct {
	Seed []string `yaml:"seed" env:"SEED_USERS" env-separator:","`
}

// Load reads path when it exists and applies environment overrides on top.
// Without a file the environment alone is used.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if _, err := os.Stat(path); path != "" && err == nil {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("reading config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Kind {
	case "postgres":
		if c.Postgres.URL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown store kind %q", c.Store.Kind))
	}

	switch c.Transport.Kind {
	case "kafka":
		if len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "" {
			errs = append(errs, errors.New("kafka brokers and topic are required"))
		}
	case "jetstream":
		if c.NATS.Partitions < c.Consumer.Workers {
			errs = append(errs, fmt.Errorf("nats partitions (%d) must be at least the worker count (%d)", c.NATS.Partitions, c.Consumer.Workers))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport.Kind))
	}

	if c.Consumer.Workers <= 0 {
		errs = append(errs, errors.New("consumer workers must be positive"))
	}
	if c.Retry.Interval <= 0 {
		errs = append(errs, errors.New("retry interval must be positive"))
	}
	if c.Retry.BatchSize <= 0 {
		errs = append(errs, errors.New("retry batch size must be positive"))
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("retry max attempts must be positive"))
	}
	if c.Retry.Lease <= 0 {
		errs = append(errs, errors.New("retry lease must be positive"))
	}
	if c.Broker.QueueSize <= 0 {
		errs = append(errs, errors.New("broker queue size must be positive"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// LogLevel returns the configured slog level.
func (c *Config) LogLevel() slog.Level {
	lvl, _ := parseLevel(c.Log.Level)
	return lvl
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

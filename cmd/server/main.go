package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Priya8975/event-pipeline/internal/api"
	"github.com/Priya8975/event-pipeline/internal/config"
	"github.com/Priya8975/event-pipeline/internal/domain"
	"github.com/Priya8975/event-pipeline/internal/engine"
	"github.com/Priya8975/event-pipeline/internal/store"
	"github.com/Priya8975/event-pipeline/internal/supervisor"
	"github.com/Priya8975/event-pipeline/internal/transport"
	ws "github.com/Priya8975/event-pipeline/internal/websocket"
	"github.com/Priya8975/event-pipeline/internal/worker"
)

// pipelineStore is satisfied by both the Postgres and the in-memory store.
type pipelineStore interface {
	domain.Ledger
	domain.PendingStore
	api.Store
	Ping(ctx context.Context) error
}

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel()}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("pipeline stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("pipeline stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	for _, id := range cfg.Users.Seed {
		if err := st.EnsureUser(ctx, id); err != nil {
			return fmt.Errorf("seeding user %s: %w", id, err)
		}
	}
	if len(cfg.Users.Seed) > 0 {
		logger.Info("seeded users", "count", len(cfg.Users.Seed))
	}

	health := map[string]api.Pinger{"store": st}

	broker := ws.NewBroker(cfg.Broker.QueueSize, logger)

	var (
		throttle engine.Throttle
		breaker  *engine.CircuitBreaker
		opts     []engine.ProcessorOption
		breakers api.BreakerStates
	)
	if cfg.Redis.URL != "" {
		rdb, err := store.NewRedis(ctx, cfg.Redis.URL, cfg.Redis.PoolSize)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer rdb.Close()
		logger.Info("connected to Redis")

		breaker = engine.NewCircuitBreaker(rdb.Client(), logger, cfg.Breaker.Threshold, cfg.Breaker.Cooldown)
		throttle = engine.NewAlertThrottle(rdb.Client(), logger, cfg.Alert.Window)
		opts = append(opts, engine.WithBreaker(breaker))
		breakers = breaker
		health["redis"] = rdb
	} else {
		logger.Warn("REDIS_URL not set, circuit breaker and alert throttling disabled")
	}

	alerter := engine.NewAlerter(logger, broker, throttle, cfg.Alert.Receiver, cfg.Alert.Limit)
	opts = append(opts, engine.WithAlerter(alerter))

	registry, err := engine.DefaultRegistry()
	if err != nil {
		return fmt.Errorf("building applier registry: %w", err)
	}
	processor := engine.NewProcessor(st, broker, logger, opts...)

	sources, closeTransport, err := sourceFactory(cfg, logger)
	if err != nil {
		return err
	}
	defer closeTransport()

	consumer := worker.NewConsumer(registry, processor, st, alerter, logger)
	pool := worker.NewPool(cfg.Consumer.Workers, consumer, sources, logger)
	scheduler := worker.NewScheduler(st, st, registry, processor, alerter, logger, worker.SchedulerConfig{
		Interval:    cfg.Retry.Interval,
		BatchSize:   cfg.Retry.BatchSize,
		MaxAttempts: cfg.Retry.MaxAttempts,
		Lease:       cfg.Retry.Lease,
	})

	router := api.NewRouter(api.Deps{
		Store:    st,
		Retries:  scheduler,
		Broker:   broker,
		Breakers: breakers,
		Push:     broker.HandleWebSocket,
		Health:   health,
		Version:  cfg.App.Version,
		Logger:   logger,
	})
	server := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	tree := supervisor.NewTree(logger, supervisor.TreeConfig{ShutdownTimeout: cfg.HTTP.ShutdownTimeout})
	tree.AddDataService(scheduler)
	tree.AddMessagingService(broker)
	tree.AddMessagingService(pool)
	tree.AddAPIService(supervisor.NewHTTPService(server, cfg.HTTP.ShutdownTimeout))

	logger.Info("pipeline starting",
		"port", cfg.HTTP.Port,
		"transport", cfg.Transport.Kind,
		"store", cfg.Store.Kind,
		"workers", cfg.Consumer.Workers,
	)

	err = tree.Serve(ctx)
	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		logger.Error("services did not stop in time", "services", fmt.Sprint(report))
	}
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (pipelineStore, func(), error) {
	if cfg.Store.Kind == "memory" {
		logger.Warn("using in-memory store, state is lost on restart")
		return store.NewMemoryStore(), func() {}, nil
	}

	pg, err := store.NewPostgres(ctx, cfg.Postgres.URL, cfg.Postgres.MaxConns)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	logger.Info("connected to PostgreSQL")

	if cfg.Postgres.Migrate {
		if err := pg.RunMigrations(ctx, store.Migrations()); err != nil {
			pg.Close()
			return nil, nil, fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("database migrations applied")
	}
	return pg, pg.Close, nil
}

// sourceFactory returns the per-worker source constructor for the
// configured transport and a cleanup for anything it started.
func sourceFactory(cfg *config.Config, logger *slog.Logger) (worker.SourceFactory, func(), error) {
	switch cfg.Transport.Kind {
	case "jetstream":
		url := cfg.NATS.URL
		cleanup := func() {}
		if url == "" {
			ns, err := transport.StartEmbeddedNATS(cfg.NATS.EmbeddedHost, cfg.NATS.EmbeddedPort, cfg.NATS.StoreDir)
			if err != nil {
				return nil, nil, fmt.Errorf("starting embedded nats: %w", err)
			}
			url = ns.ClientURL()
			cleanup = ns.Shutdown
			logger.Info("embedded NATS JetStream started", "url", url)
		}

		jcfg := transport.JetStreamConfig{
			URL:        url,
			Stream:     cfg.NATS.Stream,
			Subject:    cfg.NATS.Subject,
			Durable:    cfg.NATS.Durable,
			Partitions: cfg.NATS.Partitions,
			Workers:    cfg.Consumer.Workers,
			MaxAge:     cfg.NATS.MaxAge,
			AckWait:    cfg.NATS.AckWait,
		}
		return func(ctx context.Context, w int) (transport.Source, error) {
			return transport.NewJetStreamSource(ctx, jcfg, w)
		}, cleanup, nil

	default:
		kcfg := transport.KafkaConfig{
			Brokers:     cfg.Kafka.Brokers,
			Topic:       cfg.Kafka.Topic,
			GroupID:     cfg.Kafka.GroupID,
			StartOffset: cfg.Kafka.StartOffset,
			MaxWait:     cfg.Kafka.MaxWait,
		}
		return func(ctx context.Context, w int) (transport.Source, error) {
			return transport.NewKafkaSource(kcfg), nil
		}, func() {}, nil
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ledger-saga/pkg/api"
	"ledger-saga/pkg/config"
	"ledger-saga/pkg/coordinator"
	"ledger-saga/pkg/events"
	"ledger-saga/pkg/events/kafka"
	"ledger-saga/pkg/events/rabbitmq"
	"ledger-saga/pkg/ledger"
	"ledger-saga/pkg/ledger/memory"
	"ledger-saga/pkg/ledger/mongo"
	"ledger-saga/pkg/ledger/postgres"
	"ledger-saga/pkg/logging"
	promcollector "ledger-saga/pkg/metrics/prometheus"
	"ledger-saga/pkg/recovery"
	recoveryredis "ledger-saga/pkg/recovery/redis"
	"ledger-saga/pkg/resilience"
	"ledger-saga/pkg/rollback"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ledgerd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := promcollector.NewPrometheusCollector("ledger")
	if err := collector.Register(registry); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	backend, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	store := resilience.NewResilientStoreWithMetrics(backend, cfg.Resilience, collector)
	defer store.Close()
	logger.Info("record store ready", zap.String("backend", backend.Name()))

	publisher, err := openPublisher(cfg.Events)
	if err != nil {
		return err
	}
	defer publisher.Close()

	coord := coordinator.New(store, coordinator.Config{
		MaxIterations: cfg.MaxIterations,
		Metrics:       collector,
		Publisher:     publisher,
	})
	manager := rollback.New(store, rollback.Config{
		Metrics:   collector,
		Publisher: publisher,
	})

	var leaser recovery.Leaser = recovery.NoOpLeaser{}
	if cfg.Recovery.RedisAddr != "" {
		leaseConfig := recoveryredis.DefaultLeaserConfig()
		leaseConfig.Addr = cfg.Recovery.RedisAddr
		leaseConfig.Password = cfg.Recovery.RedisPassword
		redisLeaser, err := recoveryredis.NewLeaser(leaseConfig)
		if err != nil {
			// Leases only avoid duplicate work between scanners.
			logger.Warn("redis lease unavailable, scanning without leases", zap.Error(err))
		} else {
			defer redisLeaser.Close()
			leaser = redisLeaser
		}
	}

	scanner := recovery.New(store, coord, manager, recovery.Config{
		StalenessThreshold: cfg.Recovery.StalenessThreshold,
		ScanInterval:       cfg.Recovery.ScanInterval,
		BatchSize:          cfg.Recovery.BatchSize,
		LeaseTTL:           cfg.Recovery.LeaseTTL,
		Queue: recovery.QueueConfig{
			QueueSize: cfg.Recovery.QueueSize,
			Workers:   cfg.Recovery.Workers,
		},
		Leaser:  leaser,
		Metrics: collector,
	})
	defer scanner.Close()

	serverConfig := api.DefaultServerConfig()
	serverConfig.Address = cfg.HTTPAddr
	serverConfig.Registry = registry
	server, err := api.NewServer(store, scanner, serverConfig)
	if err != nil {
		return fmt.Errorf("failed to create API server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scanner.Run(ctx)
	})
	g.Go(server.ListenAndServe)
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openStore(cfg config.StoreConfig) (ledger.Store, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		pgConfig := postgres.DefaultConfig()
		pgConfig.DSN = cfg.PostgresDSN
		return postgres.NewPostgresStore(pgConfig)
	case config.BackendMongo:
		mongoConfig := mongo.DefaultConfig()
		mongoConfig.URI = cfg.MongoURI
		mongoConfig.Database = cfg.MongoDatabase
		return mongo.NewMongoStore(mongoConfig)
	default:
		return memory.NewMemoryStore(memory.MemoryStoreConfig{}), nil
	}
}

func openPublisher(cfg config.EventsConfig) (events.Publisher, error) {
	switch cfg.Backend {
	case config.EventsKafka:
		kafkaConfig := kafka.DefaultPublisherConfig()
		kafkaConfig.Brokers = cfg.KafkaBrokers
		kafkaConfig.Topic = cfg.KafkaTopic
		return kafka.NewPublisher(kafkaConfig)
	case config.EventsRabbitMQ:
		rabbitConfig := rabbitmq.DefaultPublisherConfig()
		rabbitConfig.URL = cfg.RabbitMQURL
		rabbitConfig.Exchange = cfg.RabbitExchange
		return rabbitmq.NewPublisher(rabbitConfig)
	default:
		return events.NoOpPublisher{}, nil
	}
}

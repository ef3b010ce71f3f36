package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"catalog_watcher/internal/config"
	"catalog_watcher/internal/domain"
	"catalog_watcher/internal/service"
	"catalog_watcher/internal/source/rabbitmq"
	"catalog_watcher/internal/storage/postgres"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	target := flag.String("target", "", "crawl target label (overrides config)")
	resume := flag.String("resume", "", "session id of an interrupted session to resume")
	flag.Parse()

	logger := setupLogger("info")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *target != "" {
		cfg.Crawl.Target = *target
	}

	logger = setupLogger(cfg.LogLevel)

	db, err := sqlx.Connect("postgres", cfg.Database.DSN())
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	consumer, err := rabbitmq.NewConsumer(rabbitmq.Config{
		URL:        cfg.RabbitMQ.URL,
		Exchange:   cfg.RabbitMQ.Exchange,
		RoutingKey: cfg.RabbitMQ.RoutingKey,
		QueueName:  cfg.RabbitMQ.QueueName,
		Prefetch:   cfg.RabbitMQ.Prefetch,
	}, logger)
	if err != nil {
		logger.Error("failed to connect to rabbitmq", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	recordStore := postgres.NewRecordStore(db)
	changeLogStore := postgres.NewChangeLogStore(db)
	snapshotStore := postgres.NewSnapshotStore(db)
	checkpointStore := postgres.NewCheckpointStore(db)
	deadLetterStore := postgres.NewDeadLetterStore(db)
	txManager := postgres.NewTransactionManager(db)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	var checkpoint *service.CheckpointManager
	if *resume != "" {
		checkpoint, err = service.ResumeSession(ctx, checkpointStore, *resume, logger)
	} else {
		checkpoint, err = service.NewSession(ctx, checkpointStore, cfg.Crawl.Target, logger)
	}
	if err != nil {
		var violation *domain.IntegrityViolation
		if errors.As(err, &violation) {
			logger.Error("checkpoint integrity violation", "session_id", violation.SessionID, "reason", violation.Reason)
		} else {
			logger.Error("failed to open session", "error", err)
		}
		os.Exit(1)
	}

	metricsSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: promhttp.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	defer metricsSrv.Close()

	pipeline := service.NewPipeline(
		recordStore,
		changeLogStore,
		snapshotStore,
		deadLetterStore,
		txManager,
		checkpoint,
		logger,
		cfg.Crawl,
	)

	records, err := consumer.Records(ctx)
	if err != nil {
		logger.Error("failed to start consuming", "error", err)
		os.Exit(1)
	}

	logger.Info("starting catalog ingester",
		"session_id", checkpoint.SessionID(),
		"target", cfg.Crawl.Target,
		"workers", cfg.Crawl.Workers,
	)

	stats, err := pipeline.Run(ctx, records)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("pipeline error", "error", err)
		os.Exit(1)
	}

	logger.Info("session finished",
		"session_id", stats.SessionID,
		"state", checkpoint.State(),
		"processed", stats.Processed,
		"created", stats.Created,
		"updated", stats.Updated,
		"unchanged", stats.Unchanged,
		"skipped", stats.Skipped,
		"rejected", stats.Rejected,
		"dead_lettered", stats.DeadLettered,
		"snapshot_failures", stats.SnapshotFailures,
		"duration", stats.Duration,
	)
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler)
}

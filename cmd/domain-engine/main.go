package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/todo-1m/nowlater/internal/app/domainengine"
	"github.com/todo-1m/nowlater/internal/app/eventlog"
	"github.com/todo-1m/nowlater/internal/messaging"
	"github.com/todo-1m/nowlater/internal/platform/config"
	"github.com/todo-1m/nowlater/internal/platform/dbpool"
	"github.com/todo-1m/nowlater/internal/platform/logging"
	"github.com/todo-1m/nowlater/internal/platform/metrics"
	"github.com/todo-1m/nowlater/internal/platform/natsutil"
	"github.com/todo-1m/nowlater/internal/platform/ops"
	"github.com/todo-1m/nowlater/internal/platform/tracing"
	"github.com/todo-1m/nowlater/internal/todolist"
)

var version = "dev"

func main() {
	cfg, err := config.LoadWorker("domain-engine")
	if err != nil {
		bootLogger := logging.New("info", false, "domain-engine")
		bootLogger.Fatal().Err(err).Msg("load config")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogPretty, "domain-engine")
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("domain-engine stopped")
	}
}

func run(cfg config.Worker, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.OTel, "domain-engine", version)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	location, err := cfg.Location()
	if err != nil {
		return err
	}

	var pool *pgxpool.Pool
	if cfg.EventStore == config.StorePostgres {
		pool, err = dbpool.New(ctx, cfg.DatabaseURL, cfg.DB)
		if err != nil {
			return err
		}
		defer pool.Close()
	}
	store, closeStore, err := eventlog.Open(ctx, cfg.EventStore, cfg.SQLitePath, pool)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()
	if pg, ok := store.(*eventlog.PostgresStore); ok {
		if err := dbpool.EnsureSchema(ctx, cfg.ConnectTimeout, logger, pg.EnsureSchema); err != nil {
			return err
		}
	}

	client, err := natsutil.ConnectJetStreamWithRetry(ctx, cfg.NATSURL, "domain-engine", cfg.ConnectTimeout)
	if err != nil {
		return err
	}
	defer client.Close()

	publisher := natsutil.JetStreamPublisher{JS: client.JS}
	service := domainengine.NewService(store, publisher.Publish, todolist.WithNowCapacity(cfg.NowCapacity))
	service.Location = location
	service.MaxAttempts = cfg.MaxAttempts
	service.Logger = logger

	sub, err := natsutil.QueueSubscribe(ctx, client.JS, messaging.CommandSubjects, cfg.QueueGroup,
		service.Handle, domainengine.IsTerminal, logger)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Drain() }()
	logger.Info().
		Str("subject", sub.Subject).
		Str("queue", cfg.QueueGroup).
		Str("event_store", cfg.EventStore).
		Msg("domain-engine listening")

	mux := http.NewServeMux()
	ops.Mount(mux, func(ctx context.Context) error {
		if err := client.Ready(); err != nil {
			return err
		}
		if pool != nil {
			return pool.Ping(ctx)
		}
		return nil
	}, metrics.DefaultHandler())
	return ops.Serve(ctx, ops.NewServer(cfg.MetricsAddr, mux), cfg.ShutdownTimeout, logger)
}

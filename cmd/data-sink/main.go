package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/todo-1m/nowlater/internal/app/datasink"
	"github.com/todo-1m/nowlater/internal/app/eventlog"
	"github.com/todo-1m/nowlater/internal/app/replay"
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
	cfg, err := config.LoadWorker("data-sink")
	if err != nil {
		bootLogger := logging.New("info", false, "data-sink")
		bootLogger.Fatal().Err(err).Msg("load config")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogPretty, "data-sink")
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("data-sink stopped")
	}
}

func run(cfg config.Worker, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.OTel, "data-sink", version)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	// The projection lives in Postgres and rebuilds from the Postgres log.
	pool, err := dbpool.New(ctx, cfg.DatabaseURL, cfg.DB)
	if err != nil {
		return err
	}
	defer pool.Close()

	log := eventlog.NewPostgresStore(pool)
	repository := datasink.NewEventRepository(pool)
	if err := dbpool.EnsureSchema(ctx, cfg.ConnectTimeout, logger, log.EnsureSchema, repository.EnsureSchema); err != nil {
		return err
	}

	service := datasink.NewService(repository, replay.NewEngine(log, todolist.WithNowCapacity(cfg.NowCapacity)))
	service.Logger = logger

	client, err := natsutil.ConnectJetStreamWithRetry(ctx, cfg.NATSURL, "data-sink", cfg.ConnectTimeout)
	if err != nil {
		return err
	}
	defer client.Close()

	handle := func(ctx context.Context, _ string, data []byte) error {
		return service.Handle(ctx, data)
	}
	sub, err := natsutil.QueueSubscribe(ctx, client.JS, messaging.EventSubjects, cfg.QueueGroup,
		handle, datasink.IsTerminal, logger)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Drain() }()
	logger.Info().Str("subject", sub.Subject).Str("queue", cfg.QueueGroup).Msg("data-sink listening")

	mux := http.NewServeMux()
	ops.Mount(mux, func(ctx context.Context) error {
		if err := client.Ready(); err != nil {
			return err
		}
		return pool.Ping(ctx)
	}, metrics.DefaultHandler())
	return ops.Serve(ctx, ops.NewServer(cfg.MetricsAddr, mux), cfg.ShutdownTimeout, logger)
}

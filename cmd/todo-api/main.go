package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/todo-1m/nowlater/internal/app/commandapi"
	"github.com/todo-1m/nowlater/internal/app/domainengine"
	"github.com/todo-1m/nowlater/internal/app/eventlog"
	"github.com/todo-1m/nowlater/internal/app/identity"
	"github.com/todo-1m/nowlater/internal/app/query"
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
	cfg, err := config.LoadAPI()
	if err != nil {
		bootLogger := logging.New("info", false, "todo-api")
		bootLogger.Fatal().Err(err).Msg("load config")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogPretty, "todo-api")
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("todo-api stopped")
	}
}

func run(cfg config.API, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.OTel, "todo-api", version)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	location, err := cfg.Location()
	if err != nil {
		return err
	}

	// Postgres backs the event log, identity and the completed projection.
	// Without it everything runs in process.
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

	var identityRepo identity.Repository = identity.NewMemoryRepository()
	if pool != nil {
		pgStore := store.(*eventlog.PostgresStore)
		pgIdentity := identity.NewPostgresRepository(pool)
		if err := dbpool.EnsureSchema(ctx, cfg.ConnectTimeout, logger, pgStore.EnsureSchema, pgIdentity.EnsureSchema); err != nil {
			return err
		}
		identityRepo = pgIdentity
	} else {
		logger.Warn().Str("event_store", cfg.EventStore).Msg("users and sessions are kept in memory")
	}
	tokens := identity.NewTokenManager(cfg.JWTSecret)
	tokens.TTL = cfg.AccessTTL
	identitySvc := identity.NewService(identityRepo, tokens)

	var client *natsutil.Client
	var publish domainengine.PublishFunc
	var publishCommand commandapi.PublishFunc
	if cfg.NATSEnabled {
		client, err = natsutil.ConnectJetStreamWithRetry(ctx, cfg.NATSURL, "todo-api", cfg.ConnectTimeout)
		if err != nil {
			return err
		}
		defer client.Close()
		publisher := natsutil.JetStreamPublisher{JS: client.JS}
		publish = publisher.Publish
		publishCommand = publisher.PublishDedup
	}

	engine := domainengine.NewService(store, publish, todolist.WithNowCapacity(cfg.NowCapacity))
	engine.Location = location
	engine.MaxAttempts = cfg.MaxAttempts
	engine.Logger = logger.With().Str("component", "domainengine").Logger()

	lists := query.NewLists(engine.Engine, location)
	if pool != nil && cfg.NATSEnabled {
		// data-sink maintains the completed projection from the event stream.
		lists.Completed = query.NewCompletedRepository(pool)
	}

	service := commandapi.NewService(engine, publishCommand)
	handler := commandapi.NewHandler(service, identitySvc, lists, cfg.AllowedOrigin)
	handler.Logger = logger.With().Str("component", "http").Logger()

	mux := http.NewServeMux()
	ops.Mount(mux, func(ctx context.Context) error {
		return checkReadiness(ctx, pool, client)
	}, metrics.DefaultHandler())
	mux.Handle("/", handler.Router())

	logger.Info().
		Str("event_store", cfg.EventStore).
		Bool("nats", cfg.NATSEnabled).
		Int("now_capacity", cfg.NowCapacity).
		Str("timezone", location.String()).
		Msg("todo-api starting")
	return ops.Serve(ctx, ops.NewServer(cfg.Addr, mux), cfg.ShutdownTimeout, logger)
}

func checkReadiness(ctx context.Context, pool *pgxpool.Pool, client *natsutil.Client) error {
	if client != nil {
		if err := client.Ready(); err != nil {
			return err
		}
	}
	if pool != nil {
		return pool.Ping(ctx)
	}
	return nil
}

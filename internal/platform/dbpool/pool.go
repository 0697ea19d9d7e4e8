package dbpool

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/todo-1m/nowlater/internal/platform/config"
)

// New opens a pgx pool sized by cfg. Out of range sizes are clamped.
func New(ctx context.Context, databaseURL string, cfg config.DBPool) (*pgxpool.Pool, error) {
	poolCfg, err := Config(databaseURL, cfg)
	if err != nil {
		return nil, err
	}
	return pgxpool.NewWithConfig(ctx, poolCfg)
}

func Config(databaseURL string, cfg config.DBPool) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	minConns, maxConns := cfg.MinConns, cfg.MaxConns
	if minConns < 0 {
		minConns = 0
	}
	if maxConns <= 0 {
		maxConns = 1
	}
	if minConns > maxConns {
		minConns = maxConns
	}
	poolCfg.MinConns = int32(minConns)
	poolCfg.MaxConns = int32(maxConns)
	poolCfg.MaxConnLifetime = positive(cfg.MaxConnLifetime, poolCfg.MaxConnLifetime)
	poolCfg.MaxConnIdleTime = positive(cfg.MaxConnIdleTime, poolCfg.MaxConnIdleTime)
	poolCfg.HealthCheckPeriod = positive(cfg.HealthCheckPeriod, poolCfg.HealthCheckPeriod)
	return poolCfg, nil
}

// WaitReady pings the pool until it answers or timeout passes.
func WaitReady(ctx context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		lastErr = pool.Ping(attemptCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("postgres not ready after %s: %w", timeout, lastErr)
}

func positive(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// EnsureSchema runs each step until all succeed or timeout passes. Steps are
// retried together, so each must be idempotent.
func EnsureSchema(ctx context.Context, timeout time.Duration, logger zerolog.Logger, steps ...func(context.Context) error) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		lastErr = runSteps(ctx, steps)
		if lastErr == nil {
			return nil
		}
		logger.Warn().Err(lastErr).Msg("waiting for postgres schema readiness")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("ensure schema: %w", lastErr)
}

func runSteps(ctx context.Context, steps []func(context.Context) error) error {
	for _, step := range steps {
		attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := step(attemptCtx)
		cancel()
		if err != nil {
			return err
		}
	}
	return nil
}

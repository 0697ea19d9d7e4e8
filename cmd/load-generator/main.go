package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/todo-1m/nowlater/internal/platform/logging"
	"github.com/todo-1m/nowlater/internal/platform/metrics"
	"github.com/todo-1m/nowlater/internal/platform/ops"
)

type config struct {
	APIBase                 string        `env:"LOADGEN_API_BASE" envDefault:"http://todo-api:8080"`
	Users                   int           `env:"LOADGEN_USERS" envDefault:"200"`
	ListsPerUser            int           `env:"LOADGEN_LISTS_PER_USER" envDefault:"1"`
	WritersPerList          int           `env:"LOADGEN_WRITERS_PER_LIST" envDefault:"2"`
	SetupConcurrency        int           `env:"LOADGEN_SETUP_CONCURRENCY" envDefault:"25"`
	StartupWait             time.Duration `env:"LOADGEN_STARTUP_WAIT" envDefault:"2m"`
	Duration                time.Duration `env:"LOADGEN_DURATION" envDefault:"10m"`
	RampUp                  time.Duration `env:"LOADGEN_RAMP_UP" envDefault:"30s"`
	ActionsPerUserPerSecond float64       `env:"LOADGEN_ACTIONS_PER_USER_PER_SECOND" envDefault:"0.3"`
	RequestTimeout          time.Duration `env:"LOADGEN_REQUEST_TIMEOUT" envDefault:"10s"`
	MetricsAddr             string        `env:"LOADGEN_METRICS_ADDR" envDefault:":9099"`
	Password                string        `env:"LOADGEN_PASSWORD" envDefault:"load-test-pass-123"`
	Async                   bool          `env:"LOADGEN_ASYNC" envDefault:"false"`
	LogLevel                string        `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty               bool          `env:"LOG_PRETTY" envDefault:"false"`
}

func main() {
	cfg, err := env.ParseAs[config]()
	logger := logging.New(cfg.LogLevel, cfg.LogPretty, "load-generator")
	if err != nil {
		logger.Fatal().Err(err).Msg("parse env")
	}
	cfg.APIBase = strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/")
	if cfg.Users <= 0 || cfg.SetupConcurrency <= 0 || cfg.ListsPerUser <= 0 || cfg.WritersPerList <= 0 {
		logger.Fatal().Msg("LOADGEN_USERS, LOADGEN_SETUP_CONCURRENCY, LOADGEN_LISTS_PER_USER and LOADGEN_WRITERS_PER_LIST must be > 0")
	}

	baseCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx := baseCtx
	if cfg.Duration > 0 {
		timeoutCtx, cancel := context.WithTimeout(baseCtx, cfg.Duration)
		defer cancel()
		ctx = timeoutCtx
	}

	metrics.Default.MustRegister(requestsTotal, actionsTotal, virtualUsersGauge)
	mux := http.NewServeMux()
	ops.Mount(mux, nil, metrics.DefaultHandler())
	go func() {
		if err := ops.Serve(baseCtx, ops.NewServer(cfg.MetricsAddr, mux), 5*time.Second, logger); err != nil {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	transport := &http.Transport{
		MaxIdleConns:        cfg.Users * 4,
		MaxIdleConnsPerHost: cfg.Users * 4,
		IdleConnTimeout:     90 * time.Second,
	}
	r := &runner{
		cfg:    cfg,
		runID:  strconv.FormatInt(time.Now().UTC().UnixNano(), 36),
		client: &http.Client{Timeout: cfg.RequestTimeout, Transport: transport},
		logger: logger,
	}

	if err := r.waitForHTTPStatus(ctx, cfg.APIBase+"/readyz", http.StatusOK, cfg.StartupWait); err != nil {
		logger.Fatal().Err(err).Msg("todo-api not ready")
	}

	users := r.setupUsers(ctx)
	if len(users) == 0 {
		logger.Fatal().Msg("failed to initialize any users")
	}
	logger.Info().
		Int("users", len(users)).
		Int("lists_per_user", cfg.ListsPerUser).
		Int("writers_per_list", cfg.WritersPerList).
		Dur("duration", cfg.Duration).
		Float64("rate_per_writer", cfg.ActionsPerUserPerSecond).
		Msg("load generator initialized")

	go r.logProgress(ctx)

	var wg sync.WaitGroup
	for _, user := range users {
		for list := 0; list < cfg.ListsPerUser; list++ {
			for n := 0; n < cfg.WritersPerList; n++ {
				w := &writer{user: user, listID: "load-" + strconv.Itoa(list), seed: int64(user.Index*131 + list*17 + n)}
				wg.Add(1)
				go func() {
					defer wg.Done()
					r.runWriter(ctx, w)
				}()
			}
		}
	}

	<-ctx.Done()
	wg.Wait()
	logger.Info().
		Int64("success_requests", r.requestsSuccess.Load()).
		Int64("rejected_requests", r.requestsRejected.Load()).
		Int64("error_requests", r.requestsError.Load()).
		Msg("load test complete")
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"jobrelay/internal/config"
	"jobrelay/internal/events"
	"jobrelay/internal/handlers"
	"jobrelay/internal/jobs"
	"jobrelay/internal/logging"
	"jobrelay/internal/narrative"
	"jobrelay/internal/queue"
	"jobrelay/internal/store"
	"jobrelay/internal/telemetry"
	"jobrelay/internal/worker"
)

var (
	version = "dev"
	cli     struct {
		LogLevel    string           `help:"Log level." env:"LOG_LEVEL" default:"info"`
		LogFormat   string           `help:"Log format (json or console)." env:"LOG_FORMAT" default:"json" enum:"json,console"`
		Migrate     bool             `help:"Apply database migrations on startup." env:"RUN_MIGRATIONS" default:"true" negatable:""`
		Concurrency int              `help:"Jobs processed in parallel (overrides WORKER_CONCURRENCY)." default:"0"`
		Version     kong.VersionFlag `help:"Print version and exit."`
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kctx := kong.Parse(&cli,
		kong.Name("jobrelay-worker"),
		kong.Description("Consumes queued jobs and publishes their progress."),
		kong.Vars{"version": version})
	kctx.FatalIfErrorf(run(ctx))
}

func run(ctx context.Context) error {
	cfg := config.Load()
	cfg.LogLevel, cfg.LogFormat = cli.LogLevel, cli.LogFormat
	if cli.Concurrency > 0 {
		cfg.WorkerConcurrency = cli.Concurrency
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat).With().Str("service", "worker").Logger()

	shutdownTracing, err := telemetry.InitTracing(ctx, "jobrelay-worker", version, cfg.OTLPEndpoint, logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn().Err(err).Msg("flush traces")
		}
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer st.Close()
	if cli.Migrate {
		if err := st.RunMigrations(ctx); err != nil {
			return err
		}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	registry := jobs.NewRegistry()
	if err := handlers.Register(ctx, registry, cfg); err != nil {
		return err
	}

	processor := worker.NewProcessorWithID(cfg, worker.Deps{
		Queue:     queue.NewRedisQueue(rdb, cfg),
		Store:     st,
		Bus:       events.NewRedisBus(rdb, logger),
		Narrative: narrative.NewRedisLog(rdb, cfg.NarrativeTTL),
		Registry:  registry,
		Logger:    logger,
	}, workerID())

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
		return nil
	})
	g.Go(func() error {
		err := processor.Run(gctx)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	return g.Wait()
}

func workerID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	if hostname, _ := os.Hostname(); hostname != "" {
		return hostname
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}

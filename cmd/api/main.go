package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"jobrelay/internal/api"
	"jobrelay/internal/auth"
	"jobrelay/internal/config"
	"jobrelay/internal/events"
	"jobrelay/internal/handlers"
	"jobrelay/internal/jobs"
	"jobrelay/internal/logging"
	"jobrelay/internal/narrative"
	"jobrelay/internal/queue"
	"jobrelay/internal/ratelimit"
	"jobrelay/internal/store"
	"jobrelay/internal/stream"
	"jobrelay/internal/telemetry"
)

var (
	version = "dev"
	cli     struct {
		LogLevel  string           `help:"Log level." env:"LOG_LEVEL" default:"info"`
		LogFormat string           `help:"Log format (json or console)." env:"LOG_FORMAT" default:"json" enum:"json,console"`
		Migrate   bool             `help:"Apply database migrations on startup." env:"RUN_MIGRATIONS" default:"true" negatable:""`
		Version   kong.VersionFlag `help:"Print version and exit."`
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kctx := kong.Parse(&cli,
		kong.Name("jobrelay-api"),
		kong.Description("Job API and live progress streams."),
		kong.Vars{"version": version})
	kctx.FatalIfErrorf(run(ctx))
}

func run(ctx context.Context) error {
	cfg := config.Load()
	cfg.LogLevel, cfg.LogFormat = cli.LogLevel, cli.LogFormat
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat).With().Str("service", "api").Logger()

	shutdownTracing, err := telemetry.InitTracing(ctx, "jobrelay-api", version, cfg.OTLPEndpoint, logger)
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

	bus := events.NewRedisBus(rdb, logger)
	broker := queue.NewRedisQueue(rdb, cfg)
	svc := jobs.NewService(st, broker, bus, registry, logger)

	streams := stream.NewManager(bus, st, narrative.NewRedisLog(rdb, cfg.NarrativeTTL), stream.Options{
		Keepalive:           cfg.StreamKeepalive,
		MaxAge:              cfg.StreamMaxAge,
		TimeoutWarning:      cfg.StreamTimeoutWarning,
		StatusPoll:          cfg.StreamStatusPoll,
		PatternReadyTimeout: cfg.PatternReadyTimeout,
	}, logger)
	if err := streams.Start(ctx); err != nil {
		return err
	}

	limiter := ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	if cfg.JWTSecret == "" {
		logger.Warn().Msg("JWT_SECRET not set: bearer tokens will be rejected, only session identities work")
	}
	server := api.New(cfg, svc, streams, limiter, auth.NewAuthenticator(cfg.JWTSecret), logger).
		WithReadiness("postgres", st.Ping).
		WithReadiness("redis", broker.Ping)
	httpServer := configureHTTPServer(":"+cfg.HTTPPort, server.Router(), cfg.StreamMaxAge)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", httpServer.Addr).Strs("job_types", registry.Types()).Str("version", version).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(logger, streams, httpServer)
	})
	return g.Wait()
}

// shutdown closes live streams first so their handlers return, then drains HTTP.
func shutdown(logger zerolog.Logger, streams *stream.Manager, httpServer *http.Server) error {
	logger.Info().Int("open_streams", streams.ConnectionCount()).Msg("shutting down")
	streams.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}

func configureHTTPServer(addr string, handler http.Handler, streamMaxAge time.Duration) *http.Server {
	writeTimeout := 5 * time.Minute
	if streamMaxAge+time.Minute > writeTimeout {
		writeTimeout = streamMaxAge + time.Minute
	}
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       time.Minute,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       5 * time.Minute,
		MaxHeaderBytes:    8 * 1024,
	}
}

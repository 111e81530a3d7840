// Package main is the entry point for the work-request approval server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/solicitudes/internal/calendar"
	"github.com/pitabwire/solicitudes/internal/config"
	"github.com/pitabwire/solicitudes/internal/counter"
	"github.com/pitabwire/solicitudes/internal/idempotency"
	"github.com/pitabwire/solicitudes/internal/notify"
	"github.com/pitabwire/solicitudes/internal/observability"
	"github.com/pitabwire/solicitudes/internal/store"
	"github.com/pitabwire/solicitudes/internal/transport"
	"github.com/pitabwire/solicitudes/internal/workflow"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, observability.ServiceName, version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	location, err := cfg.Schedule.Location()
	if err != nil {
		logger.Error("schedule timezone invalid", zap.Error(err))
		return 1
	}

	// Step 4: Document store.
	docStore, storeCloser, err := buildStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("document store initialization failed", zap.Error(err))
		return 1
	}

	// Step 5: Idempotency store (optional).
	idemStore, idemChecker, idemCloser, err := buildIdempotencyStore(ctx, cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}

	// Step 6: Notifications, plus the in-process worker when enabled.
	notifier, worker, queueChecker, notifyCloser, err := buildNotifier(ctx, cfg.Notify, docStore, metrics, logger)
	if err != nil {
		logger.Error("notifier initialization failed", zap.Error(err))
		return 1
	}

	// Step 7: Domain services.
	engine := workflow.NewEngine(docStore, counter.NewService(docStore), notifier,
		workflow.WithMetrics(metrics),
		workflow.WithLogger(logger),
		workflow.WithLocation(location),
	)
	cal := calendar.NewService(docStore, location, metrics, logger)

	// Step 8: Build HTTP router.
	var jwks *transport.JWKSClient
	if cfg.Identity.JWKSURL != "" {
		jwks = transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)
	}
	var hmacSecret []byte
	if cfg.Identity.SigningKeyEnv != "" {
		hmacSecret = []byte(os.Getenv(cfg.Identity.SigningKeyEnv))
	}
	if jwks == nil && len(hmacSecret) == 0 {
		logger.Error("no token verification key available",
			zap.String("signing_key_env", cfg.Identity.SigningKeyEnv))
		return 1
	}

	readiness := observability.ReadinessChecks{
		IdempotencyStore: idemChecker,
		NotifyQueue:      queueChecker,
	}
	if hc, ok := docStore.(observability.HealthChecker); ok {
		readiness.Store = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, jwks, hmacSecret),
		Engine:       engine,
		Calendar:     cal,
		Idempotency: transport.ApprovalIdempotency{
			Store: idemStore,
			TTL:   cfg.Idempotency.Store.DefaultTTL,
		},
		Readiness: readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 9: Start background workers.
	if worker != nil {
		if err := worker.Start(); err != nil {
			logger.Error("notification worker start failed", zap.Error(err))
			return 1
		}
	}

	// Step 10: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.String("notify", cfg.Notify.Driver),
		zap.String("timezone", location.String()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		exitCode = 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if worker != nil {
		worker.Shutdown()
	}
	for _, closeFn := range []func(){notifyCloser, idemCloser, storeCloser} {
		if closeFn != nil {
			closeFn()
		}
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return exitCode
}

// buildStore creates the document store based on config.
func buildStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Warn("using in-memory document store; data is lost on restart")
		return store.NewMemoryStore(), nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("document store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("document store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("document store: connect: %w", err)
		}

		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("document store: ping: %w", err)
		}

		if cfg.AutoMigrate {
			if err := store.ApplyMigrations(ctx, pool); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("document store: migrate: %w", err)
			}
		}

		logger.Info("using postgres document store")
		s := store.NewPgStore(pool, store.RetryPolicy{
			MaxRetries:      cfg.CounterRetry.MaxRetries,
			InitialInterval: cfg.CounterRetry.InitialInterval,
			MaxInterval:     cfg.CounterRetry.MaxInterval,
		})
		return s, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported document store driver: %q", cfg.Driver)
	}
}

// buildIdempotencyStore creates the idempotency store based on config.
// Returns a nil store when idempotency is disabled.
func buildIdempotencyStore(ctx context.Context, cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, observability.HealthChecker, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil, nil
	}

	switch cfg.Store.Driver {
	case "memory", "":
		logger.Info("using in-memory idempotency store")
		s := idempotency.NewMemoryStore()
		return s, s, nil, nil
	case "redis":
		addr := os.Getenv(cfg.Store.AddrEnv)
		if addr == "" {
			return nil, nil, nil, fmt.Errorf("idempotency store: %s environment variable not set", cfg.Store.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, nil, fmt.Errorf("idempotency store: ping: %w", err)
		}
		logger.Info("using redis idempotency store", zap.String("addr", addr))
		s := idempotency.NewRedisStore(client)
		return s, s, func() { client.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Store.Driver)
	}
}

// buildNotifier creates the notifier based on config. The queue driver
// enqueues on Redis and optionally runs the mail worker in-process.
func buildNotifier(ctx context.Context, cfg config.NotifyConfig, s store.Store, metrics *observability.Metrics, logger *zap.Logger) (notify.Notifier, *notify.Worker, observability.HealthChecker, func(), error) {
	switch cfg.Driver {
	case "log", "":
		logger.Info("notifications are logged only")
		return notify.NewLogNotifier(logger), nil, nil, nil, nil
	case "queue":
		addr := os.Getenv(cfg.RedisAddrEnv)
		if addr == "" {
			return nil, nil, nil, nil, fmt.Errorf("notify queue: %s environment variable not set", cfg.RedisAddrEnv)
		}
		redisOpt := asynq.RedisClientOpt{Addr: addr, DB: cfg.RedisDB}

		ping := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.RedisDB})
		if err := ping.Ping(ctx).Err(); err != nil {
			ping.Close()
			return nil, nil, nil, nil, fmt.Errorf("notify queue: ping: %w", err)
		}

		client := asynq.NewClient(redisOpt)
		notifier := notify.NewQueueNotifier(client, notify.QueueOptions{
			Queue:    cfg.Queue,
			MaxRetry: cfg.MaxRetry,
			Timeout:  cfg.Timeout,
		})
		closer := func() {
			client.Close()
			ping.Close()
		}

		var worker *notify.Worker
		if cfg.Worker.Enabled {
			mailer := notify.NewMailer(notify.SMTPConfig{
				Host:     cfg.SMTP.Host,
				Port:     cfg.SMTP.Port,
				Username: cfg.SMTP.Username,
				Password: os.Getenv(cfg.SMTP.PasswordEnv),
				From:     cfg.SMTP.From,
				FromName: cfg.SMTP.FromName,
			})
			handler := notify.NewHandler(s, mailer, metrics, logger)
			worker = notify.NewWorker(redisOpt, notify.WorkerOptions{
				Concurrency: cfg.Worker.Concurrency,
				Queue:       cfg.Queue,
			}, handler, logger)
		}

		logger.Info("notifications are queued", zap.String("queue", cfg.Queue), zap.Bool("worker", worker != nil))
		return notifier, worker, redisChecker{ping}, closer, nil
	default:
		return nil, nil, nil, nil, fmt.Errorf("unsupported notify driver: %q", cfg.Driver)
	}
}

// redisChecker reports queue readiness by pinging its Redis.
type redisChecker struct {
	client *redis.Client
}

func (c redisChecker) HealthCheck(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Package main is the entry point for the Nexus dashboard BFF server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/nexusbff/internal/backend"
	"github.com/pitabwire/nexusbff/internal/capability"
	"github.com/pitabwire/nexusbff/internal/config"
	"github.com/pitabwire/nexusbff/internal/dashboard"
	"github.com/pitabwire/nexusbff/internal/guard"
	"github.com/pitabwire/nexusbff/internal/navigation"
	"github.com/pitabwire/nexusbff/internal/normalize"
	"github.com/pitabwire/nexusbff/internal/observability"
	"github.com/pitabwire/nexusbff/internal/openapi"
	"github.com/pitabwire/nexusbff/internal/query"
	"github.com/pitabwire/nexusbff/internal/session"
	"github.com/pitabwire/nexusbff/internal/transport"
	"github.com/pitabwire/nexusbff/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

const sessionSweepInterval = 10 * time.Minute

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (optional)")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before environment overrides")
	flag.Parse()

	// A missing .env is normal outside local development.
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "env file error: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

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

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "nexus-bff", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	client := backend.New(cfg.Backend, logger.Named("backend"), metrics)
	missing, err := checkDrift(cfg.Backend, logger)
	if err != nil {
		logger.Error("backend OpenAPI document could not be loaded", zap.Error(err))
		return 1
	}

	resolver, err := buildResolver(ctx, cfg.Capability, logger, metrics)
	if err != nil {
		logger.Error("capability resolver initialization failed", zap.Error(err))
		return 1
	}

	store, closeStore, err := buildSessionStore(ctx, cfg.Session, logger)
	if err != nil {
		logger.Error("session store initialization failed", zap.Error(err))
		return 1
	}
	defer closeStore()

	items := navigation.DefaultItems()
	if cfg.Navigation.File != "" {
		if items, err = navigation.LoadItems(cfg.Navigation.File); err != nil {
			logger.Error("navigation definition load failed", zap.Error(err))
			return 1
		}
	}

	queries := query.New(cfg.Query, logger.Named("query"), metrics)
	svc := dashboard.NewService(client, normalize.New(logger.Named("normalize"), metrics), queries, logger.Named("dashboard"))

	router := transport.NewRouter(transport.Dependencies{
		Config:     cfg,
		Sessions:   session.NewManager(store, client, cfg.Session, logger.Named("session"), metrics),
		Resolver:   resolver,
		Guard:      guard.New(cfg.Routes, guard.PagesFromNavigation(items), logger.Named("guard"), metrics),
		Navigation: navigation.NewProvider(items, svc, logger.Named("navigation")),
		Dashboard:  svc,
		Queries:    queries,
		Readiness: observability.ReadinessChecks{
			SessionStore:     store,
			Backend:          client,
			MissingEndpoints: func() []string { return missing },
		},
		Metrics: metrics,
		Logger:  logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("backend", cfg.Backend.BaseURL),
		zap.String("session_driver", cfg.Session.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// checkDrift compares the endpoints the client calls with the backend's
// OpenAPI document, when one is configured. Missing endpoints are logged and
// later reported by the readiness endpoint; they do not stop startup.
func checkDrift(cfg config.BackendConfig, logger *zap.Logger) ([]string, error) {
	if cfg.OpenAPISpec == "" {
		return nil, nil
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	idx := openapi.NewIndex()
	if err := idx.Load(cfg.OpenAPISpec, base.Path); err != nil {
		return nil, err
	}

	endpoints := backend.Endpoints()
	want := make([]openapi.Operation, len(endpoints))
	for i, e := range endpoints {
		want[i] = openapi.Operation{Method: e.Method, Path: e.Path}
	}
	missing := idx.Missing(want)
	for _, op := range missing {
		logger.Warn("backend does not declare an endpoint the client calls", zap.String("endpoint", op))
	}
	logger.Info("backend OpenAPI document loaded",
		zap.String("path", cfg.OpenAPISpec),
		zap.Int("operations", idx.Len()),
		zap.Int("missing", len(missing)),
	)
	return missing, nil
}

// buildResolver uses the built-in policy table unless a policy file is
// configured, in which case the file is loaded and optionally watched.
func buildResolver(ctx context.Context, cfg config.CapabilityConfig, logger *zap.Logger, metrics *observability.Metrics) (*capability.Resolver, error) {
	var evaluator model.PolicyEvaluator = capability.BuiltinPolicy{}
	if cfg.PolicyFile != "" {
		file, err := capability.NewFilePolicyEvaluator(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		if cfg.HotReload {
			if err := file.Watch(ctx, logger.Named("policy"), metrics); err != nil {
				return nil, err
			}
		}
		logger.Info("capability policy loaded",
			zap.String("path", cfg.PolicyFile),
			zap.Bool("hot_reload", cfg.HotReload),
		)
		evaluator = file
	}
	return capability.NewResolver(evaluator, cfg.FallbackRole)
}

// buildSessionStore creates the session store named by cfg.Driver. The
// returned closer releases its connections.
func buildSessionStore(ctx context.Context, cfg config.SessionConfig, logger *zap.Logger) (session.Store, func(), error) {
	switch cfg.Driver {
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("session store: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("session store: ping redis: %w", err)
		}
		logger.Info("using redis session store", zap.String("addr", addr))
		return session.NewRedisStore(client), func() { client.Close() }, nil

	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("session store: %s environment variable not set", cfg.DSNEnv)
		}
		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("session store: parse DSN: %w", err)
		}
		if cfg.MaxConns > 0 {
			poolCfg.MaxConns = cfg.MaxConns
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("session store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("session store: ping: %w", err)
		}

		store := session.NewPgStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("session store: %w", err)
		}
		go sweepExpiredSessions(ctx, store, logger)

		logger.Info("using postgres session store")
		return store, pool.Close, nil

	default:
		logger.Info("using in-memory session store")
		return session.NewMemoryStore(), func() {}, nil
	}
}

// sweepExpiredSessions periodically deletes expired postgres sessions. Redis
// and memory stores expire entries themselves.
func sweepExpiredSessions(ctx context.Context, store *session.PgStore, logger *zap.Logger) {
	ticker := time.NewTicker(sessionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.DeleteExpired(ctx)
			if err != nil {
				logger.Error("expired session sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Debug("expired sessions deleted", zap.Int64("count", n))
			}
		}
	}
}

// Package main is the entry point for the dealdesk edit-session server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/dealdesk/internal/capability"
	"github.com/pitabwire/dealdesk/internal/config"
	"github.com/pitabwire/dealdesk/internal/definition"
	"github.com/pitabwire/dealdesk/internal/invoker"
	"github.com/pitabwire/dealdesk/internal/observability"
	"github.com/pitabwire/dealdesk/internal/openapi"
	"github.com/pitabwire/dealdesk/internal/session"
	"github.com/pitabwire/dealdesk/internal/transport"
	"github.com/pitabwire/dealdesk/model"
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
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, cfg.Observability.ServiceName, version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.InitMetrics(promRegistry)

	// Step 4: Load OpenAPI specs and build index.
	oaIndex := openapi.NewIndex()
	specSources := buildSpecSources(cfg.Specs, cfg.Services)
	if err := oaIndex.Load(ctx, specSources); err != nil {
		logger.Error("OpenAPI index load failed", zap.Error(err))
		return 1
	}
	for _, src := range specSources {
		metrics.SetOpenAPIOperationsIndexed(src.ServiceID, float64(len(oaIndex.AllOperationIDs(src.ServiceID))))
	}

	// Step 5: Load definitions, validate, build registry.
	defs, err := loadDefinitions(cfg.Definitions, oaIndex, logger)
	if err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}
	registry := definition.NewRegistry(defs)
	metrics.SetDefinitionsLoaded(float64(registry.EntityCount()))

	// Step 6: Initialize capability resolver.
	evaluator, err := capability.NewStaticPolicyEvaluator(cfg.Capability.StaticPolicyFile)
	if err != nil {
		logger.Error("capability policy load failed", zap.Error(err))
		return 1
	}
	capResolver := capability.NewResolver(evaluator, cfg.Capability.Cache.TTL,
		capability.WithMaxEntries(cfg.Capability.Cache.MaxEntries),
		capability.WithCacheObserver(metrics.RecordCapabilityCache),
	)

	// Step 7: Initialize session store.
	sessionStore, sessionCloser, err := buildSessionStore(ctx, cfg.Sessions.Store, logger)
	if err != nil {
		logger.Error("session store initialization failed", zap.Error(err))
		return 1
	}

	// Step 8: Initialize idempotency store (optional).
	idempotencyStore, idempotencyCloser, err := buildIdempotencyStore(ctx, cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}

	// Step 9: Build invoker and session engine.
	restInvoker := invoker.NewOpenAPIInvoker(oaIndex, cfg.Services,
		invoker.WithLogger(logger),
		invoker.WithMetrics(metrics),
	)

	defaultLoc, err := time.LoadLocation(cfg.Sessions.DefaultTimezone)
	if err != nil {
		logger.Error("invalid default timezone", zap.String("timezone", cfg.Sessions.DefaultTimezone), zap.Error(err))
		return 1
	}

	engineOpts := []session.Option{
		session.WithLogger(logger),
		session.WithMetrics(metrics),
		session.WithIdleTimeout(cfg.Sessions.IdleTimeout),
		session.WithSaveLease(cfg.Sessions.SaveLease),
		session.WithDefaultLocation(defaultLoc),
		session.WithOpenAPIIndex(oaIndex),
	}
	if idempotencyStore != nil {
		engineOpts = append(engineOpts, session.WithIdempotency(idempotencyStore, cfg.Idempotency.Store.DefaultTTL))
	}
	engine := session.NewEngine(registry, sessionStore, restInvoker, capResolver, engineOpts...)

	// Step 10: Build HTTP router.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)

	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return registry.EntityCount() > 0 },
		OpenAPILoaded:     func() bool { return oaIndex.OperationCount() > 0 },
		SessionStore:      sessionStore,
	}
	if idempotencyStore != nil {
		readiness.IdempotencyStore = idempotencyStore
	}

	deps := transport.Dependencies{
		Config:             cfg,
		Logger:             logger,
		Authenticate:       transport.JWTAuthenticator(cfg.Identity, jwks),
		CapabilityResolver: capResolver,
		Registry:           registry,
		Sessions:           engine,
		Readiness:          readiness,
	}
	if cfg.Observability.Metrics.Enabled {
		deps.Metrics = metrics
		deps.Gatherer = promRegistry
	}
	router := transport.NewRouter(deps)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 11: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	go engine.RunSweeper(bgCtx, cfg.Sessions.SweepInterval)
	go watchReloads(bgCtx, cfg.Definitions, oaIndex, registry, capResolver, metrics, logger)

	// Step 12: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("entities", registry.EntityCount()),
		zap.String("session_store", cfg.Sessions.Store.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
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

	bgCancel()

	if sessionCloser != nil {
		sessionCloser()
	}
	if idempotencyCloser != nil {
		idempotencyCloser()
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildSpecSources converts config spec sources to openapi.SpecSource. A
// configured service base URL overrides the servers listed in the spec.
func buildSpecSources(specsCfg config.SpecsConfig, services map[string]config.ServiceConfig) []openapi.SpecSource {
	sources := make([]openapi.SpecSource, len(specsCfg.Sources))
	for i, s := range specsCfg.Sources {
		specPath := s.SpecFile
		if specsCfg.Directory != "" && !filepath.IsAbs(specPath) {
			specPath = filepath.Join(specsCfg.Directory, specPath)
		}
		sources[i] = openapi.SpecSource{
			ServiceID: s.ServiceID,
			BaseURL:   services[s.ServiceID].BaseURL,
			SpecPath:  specPath,
		}
	}
	return sources
}

// loadDefinitions reads and validates every definition file.
func loadDefinitions(cfg config.DefinitionsConfig, oaIndex *openapi.Index, logger *zap.Logger) ([]model.DomainDefinition, error) {
	defs, err := definition.NewLoader().LoadAll(cfg.Directories)
	if err != nil {
		return nil, err
	}
	if verrs := definition.NewValidator().Validate(defs, oaIndex); len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("definition validation error", zap.String("error", ve.Error()))
		}
		return nil, fmt.Errorf("%d definition validation errors", len(verrs))
	}
	return defs, nil
}

// watchReloads swaps in fresh definitions and capability policy on SIGHUP.
// Whatever fails to load is logged and the running copy is kept.
func watchReloads(
	ctx context.Context,
	cfg config.DefinitionsConfig,
	oaIndex *openapi.Index,
	registry *definition.Registry,
	capResolver *capability.Resolver,
	metrics *observability.Metrics,
	logger *zap.Logger,
) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := capResolver.Reload(); err != nil {
				logger.Error("policy reload failed; keeping current policy", zap.Error(err))
			} else {
				logger.Info("capability policy reloaded")
			}

			defs, err := loadDefinitions(cfg, oaIndex, logger)
			if err != nil {
				logger.Error("definition reload failed; keeping current definitions", zap.Error(err))
				continue
			}
			registry.Replace(defs)
			metrics.SetDefinitionsLoaded(float64(registry.EntityCount()))
			logger.Info("definitions reloaded",
				zap.Int("entities", registry.EntityCount()),
				zap.String("checksum", registry.Checksum()),
			)
		}
	}
}

// buildSessionStore creates the session store based on config.
func buildSessionStore(ctx context.Context, cfg config.SessionStoreConfig, logger *zap.Logger) (session.Store, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory session store")
		return session.NewMemoryStore(), nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("session store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("session store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("session store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("session store: ping: %w", err)
		}

		store := session.NewPGStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("session store: %w", err)
		}
		logger.Info("using postgres session store")
		return store, pool.Close, nil
	case "sqlite":
		store, err := session.OpenSQLiteStore(ctx, cfg.Path, session.SQLiteOptions{
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("session store: %w", err)
		}
		logger.Info("using sqlite session store", zap.String("path", cfg.Path))
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported session store driver: %q", cfg.Driver)
	}
}

// buildIdempotencyStore creates the idempotency store based on config.
// Returns a nil store when idempotency is disabled.
func buildIdempotencyStore(ctx context.Context, cfg config.IdempotencyConfig, logger *zap.Logger) (session.IdempotencyStore, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	switch cfg.Store.Driver {
	case "memory", "":
		logger.Info("using in-memory idempotency store")
		return session.NewMemoryIdempotencyStore(), nil, nil
	case "redis":
		addr := os.Getenv(cfg.Store.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("idempotency store: %s environment variable not set", cfg.Store.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("idempotency store: ping: %w", err)
		}
		logger.Info("using redis idempotency store")
		return session.NewRedisIdempotencyStore(client), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Store.Driver)
	}
}

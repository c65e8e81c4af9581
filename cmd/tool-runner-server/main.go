package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/triage-ai/palisade/services/tool_runner/internal/api"
	"github.com/triage-ai/palisade/services/tool_runner/internal/auth"
	"github.com/triage-ai/palisade/services/tool_runner/internal/chread"
	"github.com/triage-ai/palisade/services/tool_runner/internal/config"
	"github.com/triage-ai/palisade/services/tool_runner/internal/dispatch"
	"github.com/triage-ai/palisade/services/tool_runner/internal/metrics"
	"github.com/triage-ai/palisade/services/tool_runner/internal/ratelimit"
	"github.com/triage-ai/palisade/services/tool_runner/internal/registry"
	"github.com/triage-ai/palisade/services/tool_runner/internal/request"
	"github.com/triage-ai/palisade/services/tool_runner/internal/schema"
	"github.com/triage-ai/palisade/services/tool_runner/internal/security"
	"github.com/triage-ai/palisade/services/tool_runner/internal/server"
	"github.com/triage-ai/palisade/services/tool_runner/internal/service"
	"github.com/triage-ai/palisade/services/tool_runner/internal/storage"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// Logger
	logger := mustBuildLogger(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	logger.Info("starting tool runner server",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort),
		zap.String("grpc_port", cfg.GRPCPort),
		zap.Int("default_timeout_ms", cfg.DefaultTimeoutMs),
		zap.Strings("allowed_domains", cfg.AllowedDomains),
	)

	// Registry + auth: Postgres if DSN provided, otherwise in-memory and static
	var (
		toolRegistry  registry.ToolRegistry
		authenticator auth.Authenticator
	)
	if cfg.PostgresDSN != "" {
		db, err := sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(context.Background()); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
		toolRegistry = registry.NewPostgresToolRegistry(registry.PostgresToolRegistryConfig{
			DB:       db,
			CacheTTL: cfg.ToolCacheTTL,
			Logger:   logger,
		})
		authenticator = auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
			DB:       db,
			CacheTTL: cfg.AuthCacheTTL,
			Logger:   logger,
		})
		logger.Info("postgres registry and authenticator connected")
	} else {
		toolRegistry = registry.NewMemoryToolRegistry()
		authenticator = auth.NewStaticAuthenticator(cfg.StaticTenantID)
		logger.Info("no POSTGRES_DSN set, using in-memory registry and static authenticator",
			zap.String("tenant_id", cfg.StaticTenantID),
		)
	}

	promMetrics := metrics.NewPrometheusMetrics(nil)

	// Execution log: ClickHouse or LogWriter fallback, plus an in-process ring
	memLog := storage.NewMemoryLog(cfg.MemoryLogCapacity)
	var (
		writer storage.ExecutionWriter
		reader storage.ExecutionReader = memLog
	)
	if cfg.ClickHouseDSN != "" {
		conn, err := storage.OpenClickHouse(cfg.ClickHouseDSN)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer", zap.Error(err))
			writer = storage.MultiWriter{storage.NewLogWriter(logger), memLog}
		} else {
			chReader := chread.NewReader(conn, logger)
			defer func() { _ = chReader.Close() }()
			writer = storage.MultiWriter{storage.NewClickHouseWriter(conn, promMetrics, logger), memLog}
			reader = chReader
			logger.Info("clickhouse writer and reader connected")
		}
	} else {
		writer = storage.MultiWriter{storage.NewLogWriter(logger), memLog}
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}
	defer writer.Close()

	// Rate limit counters: Redis if configured, otherwise process-local
	var store ratelimit.Store
	if cfg.RedisAddr != "" {
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{cfg.RedisAddr}})
		defer func() { _ = client.Close() }()
		if err := client.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis ping failed, rate limits fail open until it recovers", zap.Error(err))
		}
		store = ratelimit.NewRedisStore(client)
		logger.Info("redis rate limit store configured", zap.String("addr", cfg.RedisAddr))
	} else {
		memStore := ratelimit.NewMemoryStore(cfg.RateLimitSweep)
		defer memStore.Close()
		store = memStore
	}

	// Dispatch
	enforcer := security.NewEnforcer(cfg.AllowedDomains, cfg.ForbiddenTerms)
	exporter := dispatch.NewSchemaExporter(toolRegistry, cfg.SchemaCacheTTL, promMetrics, logger)
	dispatcher := dispatch.NewDispatcher(dispatch.Config{
		Registry:  toolRegistry,
		Enforcer:  enforcer,
		Limiter:   ratelimit.NewLimiter(store, logger),
		Builder:   request.NewBuilder(cfg.UserAgent),
		Arguments: schema.NewArgumentValidator(),
		Writer:    writer,
		Metrics:   promMetrics,
		HTTPClient: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		BaseURL:          cfg.InternalBaseURL,
		DefaultTimeoutMs: cfg.DefaultTimeoutMs,
		Logger:           logger,
	})

	handler := api.NewRouter(&api.Dependencies{
		Auth:       authenticator,
		Tools:      service.NewToolService(toolRegistry, enforcer, exporter, logger),
		Dispatcher: dispatcher,
		Exporter:   exporter,
		Reader:     reader,
		Metrics:    promhttp.Handler(),
		Logger:     logger,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// gRPC health side-channel
	healthServer := server.NewHealthServer(logger)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("port", cfg.GRPCPort), zap.Error(err))
	}
	go func() {
		if err := healthServer.Serve(lis); err != nil {
			logger.Error("grpc health server failed", zap.Error(err))
		}
	}()
	healthServer.SetServing(true)

	// SIGHUP reloads the domain allow-list; SIGINT/SIGTERM shut down gracefully
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		sig := <-sigCh
		for sig == syscall.SIGHUP {
			reloadAllowList(enforcer, logger)
			sig = <-sigCh
		}
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		healthServer.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("http shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("tool runner http server listening", zap.String("addr", httpServer.Addr))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("http server failed", zap.Error(err))
	}
}

// reloadAllowList re-reads config and swaps the global domain allow-list.
// Dispatch re-checks every call, so tools outside the new list stop working
// immediately.
func reloadAllowList(enforcer *security.Enforcer, logger *zap.Logger) {
	cfg, err := config.Load()
	if err != nil {
		logger.Error("config reload failed, keeping current allow-list", zap.Error(err))
		return
	}
	enforcer.SetBaseDomains(cfg.AllowedDomains)
	logger.Info("domain allow-list reloaded", zap.Strings("allowed_domains", enforcer.BaseDomains()))
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

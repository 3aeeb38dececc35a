package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/copilot-gateway/config"
	"github.com/vnmchuo/copilot-gateway/internal/calllog"
	"github.com/vnmchuo/copilot-gateway/internal/gateway"
	"github.com/vnmchuo/copilot-gateway/internal/orchestrator"
	"github.com/vnmchuo/copilot-gateway/internal/policy"
	"github.com/vnmchuo/copilot-gateway/internal/provider"
	"github.com/vnmchuo/copilot-gateway/internal/provider/anthropic"
	"github.com/vnmchuo/copilot-gateway/internal/provider/ollama"
	"github.com/vnmchuo/copilot-gateway/internal/provider/openai"
	"github.com/vnmchuo/copilot-gateway/internal/provider/watsonx"
	"github.com/vnmchuo/copilot-gateway/internal/rag"
	"github.com/vnmchuo/copilot-gateway/internal/telemetry"
	"github.com/vnmchuo/copilot-gateway/internal/tools"
	"github.com/vnmchuo/copilot-gateway/internal/toolserver"
	"github.com/vnmchuo/copilot-gateway/internal/worker"
)

const serviceName = "copilot-gateway"

// app holds the components shared by serve and mcp. Everything in it is
// built once and read-only afterwards.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	pool     *pgxpool.Pool
	rdb      *redis.Client
	registry *prometheus.Registry
	metrics  *telemetry.Metrics
	calls    calllog.Store
	engine   rag.Engine
	memory   bool
	gateway  *gateway.Gateway
	orch     *orchestrator.Orchestrator
	tools    *toolserver.Server

	closers []func()
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, telemetry.NewLogger(os.Stderr, cfg.LogLevel), nil
}

func connectPostgres(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("postgres connected")
	return pool, nil
}

func connectRedis(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("redis connected")
	return rdb, nil
}

// newEngine returns the HTTP vector engine when VECTOR_STORE_URL is set and an
// in-process engine otherwise. The bool reports the in-process case.
func newEngine(cfg *config.Config) (rag.Engine, bool) {
	if cfg.VectorStoreURL == "" {
		return rag.NewMemoryEngine(), true
	}
	return rag.NewHTTPEngine(cfg.VectorStoreURL, 30*time.Second), false
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	cfg := a.cfg

	pool, err := connectPostgres(ctx, cfg, a.logger)
	if err != nil {
		return err
	}
	a.pool = pool
	a.closers = append(a.closers, pool.Close)

	rdb, err := connectRedis(ctx, cfg, a.logger)
	if err != nil {
		return err
	}
	a.rdb = rdb
	a.closers = append(a.closers, func() { _ = rdb.Close() })

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = telemetry.NewMetrics(a.registry)

	resolver, err := a.resolver(ctx)
	if err != nil {
		return err
	}

	recorder, err := a.recorder()
	if err != nil {
		return err
	}

	providers, err := provider.NewRegistry(
		openai.New(cfg.OpenAI),
		anthropic.New(cfg.Anthropic),
		watsonx.New(cfg.Watsonx),
		ollama.New(cfg.Ollama),
	)
	if err != nil {
		return fmt.Errorf("register providers: %w", err)
	}

	tracer := otel.Tracer(serviceName)
	a.gateway = gateway.New(resolver, providers, recorder, gateway.Options{
		FailureThreshold: cfg.BreakerFailureThreshold,
		OpenTimeout:      cfg.BreakerOpenTimeout,
		Tracer:           tracer,
		Metrics:          a.metrics,
		Logger:           a.logger.With("component", "gateway"),
	})

	a.engine, a.memory = newEngine(cfg)

	var caller tools.Caller
	if cfg.ToolGatewayURL != "" {
		caller = tools.NewContextGatewayClient(cfg.ToolGatewayURL, cfg.ToolGatewayTimeout)
	}
	toolbox := tools.NewToolbox(a.engine, caller, tools.Options{
		Tracer:  tracer,
		Metrics: a.metrics,
		Logger:  a.logger.With("component", "tools"),
	})

	a.orch, err = orchestrator.New(a.gateway, toolbox, orchestrator.Options{
		Tracer:  tracer,
		Metrics: a.metrics,
		Logger:  a.logger.With("component", "orchestrator"),
	}, orchestrator.DefaultFlows()...)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	var useCases []string
	for _, f := range a.orch.Flows() {
		useCases = append(useCases, f.UseCase)
	}
	a.tools = toolserver.New(a.orch, useCases, a.logger.With("component", "toolserver"))

	a.logger.Info("copilot ready",
		"providers", providers.Names(),
		"use_cases", useCases,
		"default_provider", resolver.Defaults().Name,
		"default_model", resolver.Defaults().Model,
		"in_memory_vectors", a.memory,
	)
	return nil
}

func (a *app) resolver(ctx context.Context) (*policy.Resolver, error) {
	defaults := policy.ProviderSpec{Name: a.cfg.DefaultProvider, Model: a.cfg.DefaultModel}

	var store policy.Store
	switch a.cfg.PolicySource {
	case config.PolicySourceNone:
		return policy.NewResolver(defaults, nil)
	case config.PolicySourceFile:
		fs, err := policy.LoadFile(a.cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		store = fs
	default:
		store = policy.NewPostgresStore(a.pool)
	}
	return policy.Load(ctx, store, defaults)
}

func (a *app) recorder() (calllog.Recorder, error) {
	switch a.cfg.CallLogDriver {
	case config.DriverSQLite:
		s, err := calllog.OpenSQLite(a.cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = s.Close() })
		a.calls = s
	default:
		a.calls = calllog.NewPostgresStore(a.pool)
	}

	sync := calllog.NewSyncRecorder(a.calls, a.logger.With("component", "calllog"), a.metrics.CallLogFailures)
	if !a.cfg.CallLogAsync {
		return sync, nil
	}

	pool := worker.NewPool(a.cfg.CallLogWorkers, a.cfg.CallLogQueueSize)
	a.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "copilot_call_log_queue_pending",
			Help: "Call-log entries queued but not yet written",
		},
		func() float64 { return float64(pool.Pending()) },
	))
	async := calllog.NewAsyncRecorder(sync, pool)
	// Registered after the store closers, so it runs before them.
	a.closers = append(a.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := async.Shutdown(ctx); err != nil {
			a.logger.Error("call log queue did not drain", "error", err)
		}
	})
	return async, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

type redisPinger struct{ rdb *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

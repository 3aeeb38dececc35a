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

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/copilot-gateway/internal/api"
	"github.com/vnmchuo/copilot-gateway/internal/auth"
	"github.com/vnmchuo/copilot-gateway/internal/db"
	"github.com/vnmchuo/copilot-gateway/internal/telemetry"
	"github.com/vnmchuo/copilot-gateway/pkg/ratelimit"
)

func serveCmd() *cobra.Command {
	var migrate, seed bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		Long:  `Serve the query, generate and call-log APIs, the tool interface under /mcp and the MCP endpoint at /mcp/stream.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), migrate, seed)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply database migrations before serving")
	cmd.Flags().BoolVar(&seed, "seed", false, "seed development data before serving")
	return cmd
}

func runServe(ctx context.Context, migrate, seed bool) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	shutdownTracer, err := telemetry.InitTracer(serviceName, version, cfg, logger)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdownTracer()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if migrate {
		if _, err := db.Migrate(ctx, a.pool, logger); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	authStore := auth.NewPostgresStore(a.pool)
	s := newSeeder(a.pool, a.engine, cfg.VectorDimension, logger)
	if seed {
		if err := s.Run(ctx); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
	} else if a.memory {
		// The in-process engine starts empty on every boot.
		if err := s.SeedDocuments(ctx); err != nil {
			return fmt.Errorf("seed documents: %w", err)
		}
	}

	limiter := ratelimit.NewLimiter(a.rdb, cfg.DefaultRateLimitTPM)
	a.tools.WithLimiter(limiter)
	tracer := otel.Tracer(serviceName)
	handler := api.NewHandler(a.orch, a.gateway, a.calls, limiter, tracer, a.metrics, logger.With("component", "api"))

	router := api.NewRouter(api.RouterConfig{
		Handler:  handler,
		Auth:     auth.NewMiddleware(authStore, a.rdb, logger.With("component", "auth")),
		Tools:    a.tools.Routes(),
		MCP:      a.tools.MCPHandler(version),
		Gatherer: a.registry,
		Ready: map[string]api.Pinger{
			"postgres": a.pool,
			"redis":    redisPinger{rdb: a.rdb},
		},
		Logger: logger,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("copilot gateway starting", "port", cfg.Port, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("server error: %w", err)
	case <-quit:
	}
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

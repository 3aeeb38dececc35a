package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vnmchuo/copilot-gateway/internal/auth"
)

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type RouterConfig struct {
	Handler  *Handler
	Auth     auth.Middleware
	Tools    http.Handler // JSON tool interface, mounted at /mcp
	MCP      http.Handler // streamable HTTP MCP endpoint, mounted at /mcp/stream
	Gatherer prometheus.Gatherer
	Ready    map[string]Pinger
	Logger   *slog.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(cfg.Logger))
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "copilot-gateway"})
	})
	r.Get("/readyz", readyHandler(cfg.Ready))
	r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(cfg.Auth)
		r.Post("/api/v1/{use_case}/query", cfg.Handler.HandleQuery)
		r.Post("/v1/generate", cfg.Handler.HandleGenerate)
		r.Get("/v1/calls", cfg.Handler.HandleCalls)
		if cfg.MCP != nil {
			r.Handle("/mcp/stream", cfg.MCP)
		}
		if cfg.Tools != nil {
			r.Mount("/mcp", cfg.Tools)
		}
	})
	return r
}

func readyHandler(deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		checks := make(map[string]string, len(deps))
		for name, p := range deps {
			if err := p.Ping(ctx); err != nil {
				checks[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}
		writeJSON(w, status, map[string]any{"checks": checks})
	}
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", ww.Header().Get("X-Request-ID"),
			)
		})
	}
}

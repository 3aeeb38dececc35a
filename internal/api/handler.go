// Package api is the HTTP surface of the service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/vnmchuo/copilot-gateway/internal/apperr"
	"github.com/vnmchuo/copilot-gateway/internal/auth"
	"github.com/vnmchuo/copilot-gateway/internal/calllog"
	"github.com/vnmchuo/copilot-gateway/internal/gateway"
	"github.com/vnmchuo/copilot-gateway/internal/orchestrator"
	"github.com/vnmchuo/copilot-gateway/internal/provider"
	"github.com/vnmchuo/copilot-gateway/internal/telemetry"
	"github.com/vnmchuo/copilot-gateway/pkg/ratelimit"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// defaultOutputBudget is the output-token estimate charged against the rate
// limit before the real usage is known.
const defaultOutputBudget = 1000

type Runner interface {
	Run(ctx context.Context, tenantID, useCase string, q *orchestrator.Query) (*orchestrator.Reply, error)
}

type Generator interface {
	Generate(ctx context.Context, req *gateway.Request) (*provider.Result, error)
}

type Handler struct {
	runner  Runner
	gateway Generator
	calls   calllog.Store
	limiter *ratelimit.Limiter
	tracer  trace.Tracer
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

func NewHandler(runner Runner, gw Generator, calls calllog.Store, limiter *ratelimit.Limiter, tracer trace.Tracer, metrics *telemetry.Metrics, logger *slog.Logger) *Handler {
	return &Handler{
		runner:  runner,
		gateway: gw,
		calls:   calls,
		limiter: limiter,
		tracer:  tracer,
		metrics: metrics,
		logger:  logger,
	}
}

// HandleQuery runs the use-case flow named in the path.
func (h *Handler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	useCase := chi.URLParam(r, "use_case")
	tenantID, requestID, ok := h.identity(w, r)
	if !ok {
		return
	}

	var q orchestrator.Query
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	q.RequestID = requestID

	ctx, span := h.tracer.Start(r.Context(), "api.query", trace.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("use_case", useCase),
		attribute.String("request_id", requestID),
	))
	defer span.End()

	if !h.allow(ctx, w, tenantID, estimateTokens(q.Message)) {
		return
	}

	reply, err := h.runner.Run(ctx, tenantID, useCase, &q)
	if err != nil {
		if errors.Is(err, orchestrator.ErrUnknownUseCase) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		h.logger.Warn("query failed", "tenant_id", tenantID, "use_case", useCase, "request_id", requestID, "error", err)
		writeError(w, apperr.HTTPStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

type generateRequest struct {
	UseCase  string                    `json:"use_case"`
	Messages []provider.Message        `json:"messages"`
	Tools    []provider.ToolDescriptor `json:"tools,omitempty"`
	Stream   bool                      `json:"stream"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

func newUsage(in, out int) usage {
	return usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out}
}

// HandleGenerate is a direct gateway call under the tenant's policy for the
// given use case. stream=true answers with server-sent events.
func (h *Handler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	tenantID, requestID, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UseCase == "" || len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "use_case and messages are required")
		return
	}
	for i, m := range req.Messages {
		if !m.Role.Valid() {
			err := &apperr.ValidationError{Field: fmt.Sprintf("messages[%d].role", i), Reason: fmt.Sprintf("unknown role %q", m.Role)}
			writeError(w, apperr.HTTPStatus(err), err.Error())
			return
		}
	}

	ctx, span := h.tracer.Start(r.Context(), "api.generate", trace.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("use_case", req.UseCase),
		attribute.String("request_id", requestID),
		attribute.Bool("stream", req.Stream),
	))
	defer span.End()

	var prompt int
	for _, m := range req.Messages {
		prompt += len(m.Content)
	}
	if !h.allow(ctx, w, tenantID, prompt/4+defaultOutputBudget) {
		return
	}

	result, err := h.gateway.Generate(ctx, &gateway.Request{
		TenantID:  tenantID,
		UseCase:   req.UseCase,
		Messages:  req.Messages,
		Tools:     req.Tools,
		Stream:    req.Stream,
		RequestID: requestID,
	})
	if err != nil {
		writeError(w, apperr.HTTPStatus(err), err.Error())
		return
	}

	if result.Streaming() {
		h.writeStream(w, result.Stream)
		return
	}

	resp := result.Response
	id := resp.ID
	if id == "" {
		id = uuid.New().String()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":            id,
		"provider":      resp.Provider,
		"model":         resp.Model,
		"content":       resp.Content,
		"tool_calls":    resp.ToolCalls,
		"finish_reason": resp.FinishReason,
		"usage":         newUsage(resp.InputTokens, resp.OutputTokens),
	})
}

// writeStream relays fragments as SSE. A client that goes away cancels the
// request context, and Close releases the upstream connection.
func (h *Handler) writeStream(w http.ResponseWriter, s *provider.Stream) {
	defer s.Close()

	ch, err := s.Chunks()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for chunk := range ch {
		switch {
		case chunk.Err != nil:
			writeEvent(w, "error", map[string]string{"error": chunk.Err.Error(), "error_kind": apperr.Kind(chunk.Err)})
			flusher.Flush()
			return
		case chunk.Done:
			writeEvent(w, "done", map[string]any{"usage": newUsage(chunk.InputTokens, chunk.OutputTokens)})
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
			return
		default:
			writeEvent(w, "", map[string]string{"delta": chunk.Delta})
			flusher.Flush()
		}
	}
	writeEvent(w, "error", map[string]string{"error": provider.ErrIncompleteStream.Error(), "error_kind": "UpstreamError"})
	flusher.Flush()
}

func writeEvent(w http.ResponseWriter, event string, v any) {
	data, _ := json.Marshal(v)
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// HandleCalls returns the tenant's call-log entries and per-provider totals
// for [from, to]. The window defaults to the last 30 days.
func (h *Handler) HandleCalls(w http.ResponseWriter, r *http.Request) {
	tenantID, _, ok := h.identity(w, r)
	if !ok {
		return
	}

	now := time.Now().UTC()
	from := now.AddDate(0, 0, -30)
	to := now

	var err error
	if s := r.URL.Query().Get("from"); s != "" {
		if from, err = time.Parse(time.RFC3339, s); err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'from' date format (use RFC3339)")
			return
		}
	}
	if s := r.URL.Query().Get("to"); s != "" {
		if to, err = time.Parse(time.RFC3339, s); err != nil {
			writeError(w, http.StatusBadRequest, "invalid 'to' date format (use RFC3339)")
			return
		}
	}
	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "'to' must not be before 'from'")
		return
	}

	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "invalid 'limit'")
			return
		}
	}

	ctx := r.Context()
	entries, err := h.calls.List(ctx, calllog.Filter{TenantID: tenantID, From: from, To: to, Limit: limit})
	if err != nil {
		h.logger.Error("list call log failed", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read call log")
		return
	}
	summary, err := h.calls.Summary(ctx, calllog.Filter{TenantID: tenantID, From: from, To: to})
	if err != nil {
		h.logger.Error("summarize call log failed", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read call log")
		return
	}

	var totalCost float64
	for _, u := range summary {
		totalCost += u.CostUSD
	}
	if entries == nil {
		entries = []*calllog.Entry{}
	}
	if summary == nil {
		summary = []*calllog.Usage{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id":      tenantID,
		"from":           from,
		"to":             to,
		"total_cost_usd": totalCost,
		"summary":        summary,
		"calls":          entries,
	})
}

func (h *Handler) identity(w http.ResponseWriter, r *http.Request) (tenantID, requestID string, ok bool) {
	ctx := r.Context()
	tenantID = auth.GetTenantID(ctx)
	if tenantID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return "", "", false
	}
	requestID = auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}
	return tenantID, requestID, true
}

func (h *Handler) allow(ctx context.Context, w http.ResponseWriter, tenantID string, tokens int) bool {
	allowed, err := h.limiter.Allow(ctx, tenantID, auth.GetRateLimit(ctx), tokens)
	if err != nil {
		h.logger.Error("rate limiter unavailable", "tenant_id", tenantID, "error", err)
	}
	if err != nil || !allowed {
		h.metrics.RateLimited.Inc()
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": "60s",
		})
		return false
	}
	return true
}

// estimateTokens is a rough prompt-size estimate plus the output budget.
func estimateTokens(text string) int {
	return len(text)/4 + defaultOutputBudget
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

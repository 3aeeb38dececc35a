// Package gateway is the single entry point for model calls. It resolves the
// tenant's provider, dispatches through a per-provider circuit breaker and
// records exactly one call-log entry per attempt.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"github.com/vnmchuo/copilot-gateway/internal/apperr"
	"github.com/vnmchuo/copilot-gateway/internal/calllog"
	"github.com/vnmchuo/copilot-gateway/internal/policy"
	"github.com/vnmchuo/copilot-gateway/internal/provider"
	"github.com/vnmchuo/copilot-gateway/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type Resolver interface {
	Resolve(tenantID, useCase string) policy.ProviderSpec
}

type Request struct {
	TenantID  string
	UseCase   string
	Messages  []provider.Message
	Tools     []provider.ToolDescriptor
	Stream    bool
	RequestID string
	TraceID   string
}

type Options struct {
	// Consecutive failures before a provider's breaker opens.
	FailureThreshold uint32
	// How long an open breaker rejects calls before probing again.
	OpenTimeout time.Duration

	Tracer  trace.Tracer
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

type Gateway struct {
	resolver Resolver
	registry *provider.Registry
	recorder calllog.Recorder
	breakers map[string]*gobreaker.CircuitBreaker
	tracer   trace.Tracer
	metrics  *telemetry.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func New(resolver Resolver, registry *provider.Registry, recorder calllog.Recorder, opts Options) *Gateway {
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 3
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("gateway")
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNopMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NopLogger()
	}

	breakers := make(map[string]*gobreaker.CircuitBreaker)
	for _, name := range registry.Names() {
		threshold := opts.FailureThreshold
		logger := opts.Logger
		settings := gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    0,
			Timeout:     opts.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			IsSuccessful: breakerSuccess,
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state changed", "provider", name, "from", from.String(), "to", to.String())
			},
		}
		breakers[name] = gobreaker.NewCircuitBreaker(settings)
	}

	return &Gateway{
		resolver: resolver,
		registry: registry,
		recorder: recorder,
		breakers: breakers,
		tracer:   opts.Tracer,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		now:      time.Now,
	}
}

// breakerSuccess keeps local misconfiguration and caller cancellation from
// counting against a provider's health.
func breakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	var cfgErr *apperr.ConfigurationError
	if errors.As(err, &cfgErr) {
		return true
	}
	return errors.Is(err, context.Canceled)
}

// Generate performs one model call for req. The returned error is the
// adapter's error value, unchanged; the call-log write can never replace it.
// An unregistered provider fails before dispatch and is not logged.
func (g *Gateway) Generate(ctx context.Context, req *Request) (*provider.Result, error) {
	spec := g.resolver.Resolve(req.TenantID, req.UseCase)
	logger := g.logger.With(
		"tenant_id", req.TenantID,
		"use_case", req.UseCase,
		"provider", spec.Name,
		"model", spec.Model,
		"request_id", req.RequestID,
	)

	adapter, ok := g.registry.Get(spec.Name)
	if !ok {
		logger.Warn("policy resolved to an unregistered provider")
		return nil, &apperr.UnknownProviderError{Name: spec.Name}
	}

	ctx, span := g.tracer.Start(ctx, "gateway.generate", trace.WithAttributes(
		attribute.String("tenant_id", req.TenantID),
		attribute.String("use_case", req.UseCase),
		attribute.String("provider", spec.Name),
		attribute.String("model", spec.Model),
		attribute.Bool("stream", req.Stream),
	))
	defer span.End()

	preq := &provider.Request{
		Model:       spec.Model,
		Messages:    req.Messages,
		Tools:       req.Tools,
		MaxTokens:   spec.MaxTokens,
		Temperature: spec.Temperature,
		Stream:      req.Stream,
		TenantID:    req.TenantID,
		RequestID:   req.RequestID,
	}
	if len(preq.Tools) > 0 && !adapter.SupportsTools() {
		logger.Warn("provider does not support tools, dropping them", "tools", len(preq.Tools))
		preq.Tools = nil
	}
	materialize := preq.Stream && !adapter.SupportsStreaming()
	if materialize {
		preq.Stream = false
	}

	logger.Debug("dispatching generation")
	start := g.now()
	result, err := g.dispatch(ctx, adapter, preq)
	latency := g.now().Sub(start)

	entry := &calllog.Entry{
		TenantID:     req.TenantID,
		UseCase:      req.UseCase,
		ProviderName: spec.Name,
		ModelName:    spec.Model,
		LatencyMs:    latency.Milliseconds(),
		RequestID:    req.RequestID,
		TraceID:      req.TraceID,
	}
	if entry.TraceID == "" {
		entry.TraceID = telemetry.TraceID(ctx)
	}

	if err != nil {
		entry.Status = calllog.StatusError
		entry.ErrorKind = apperr.Kind(err)
		entry.ErrorMessage = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, entry.ErrorKind)
		logger.Error("generation failed", "error", err, "error_kind", entry.ErrorKind, "latency_ms", entry.LatencyMs)
	} else {
		entry.Status = calllog.StatusSuccess
		if result.Response != nil {
			entry.TokensInput = result.Response.InputTokens
			entry.TokensOutput = result.Response.OutputTokens
		}
		entry.CostUSD = cost(adapter, entry.TokensInput, entry.TokensOutput)
		logger.Info("generation succeeded", "latency_ms", entry.LatencyMs,
			"tokens_input", entry.TokensInput, "tokens_output", entry.TokensOutput)
	}

	g.recorder.Record(ctx, entry)
	g.observe(entry)

	if err != nil {
		return nil, err
	}
	if materialize {
		result = streamOf(result.Response)
	}
	return result, nil
}

func (g *Gateway) dispatch(ctx context.Context, adapter provider.Adapter, req *provider.Request) (*provider.Result, error) {
	cb := g.breakers[adapter.Name()]
	out, err := cb.Execute(func() (interface{}, error) {
		return adapter.Generate(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &apperr.UpstreamError{Service: adapter.Name(), Err: err}
		}
		return nil, err
	}
	return out.(*provider.Result), nil
}

func (g *Gateway) observe(e *calllog.Entry) {
	g.metrics.GenerationCalls.WithLabelValues(e.ProviderName, e.ModelName, string(e.Status)).Inc()
	g.metrics.GenerationLatency.WithLabelValues(e.ProviderName, e.ModelName).Observe(float64(e.LatencyMs))
	if e.TokensInput > 0 {
		g.metrics.GenerationTokens.WithLabelValues(e.ProviderName, "input").Add(float64(e.TokensInput))
	}
	if e.TokensOutput > 0 {
		g.metrics.GenerationTokens.WithLabelValues(e.ProviderName, "output").Add(float64(e.TokensOutput))
	}
}

func cost(adapter provider.Adapter, in, out int) float64 {
	priced, ok := adapter.(provider.Priced)
	if !ok {
		return 0
	}
	return float64(in)*priced.CostPerInputToken() + float64(out)*priced.CostPerOutputToken()
}

// streamOf serves a stream request from a materialized response.
func streamOf(resp *provider.Response) *provider.Result {
	var chunks []*provider.Chunk
	if resp.Content != "" {
		chunks = append(chunks, &provider.Chunk{Delta: resp.Content, Raw: resp.Raw})
	}
	chunks = append(chunks, &provider.Chunk{Done: true, InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens})
	return &provider.Result{Stream: provider.StreamOf(chunks...)}
}

// Package tools holds the tenant-scoped tools a flow composes: retrieval over
// the tenant's vector indexes and calls through the tool-context gateway.
// Tools keep no state between calls.
package tools

import (
	"context"
	"errors"
	"log/slog"

	"github.com/vnmchuo/copilot-gateway/internal/apperr"
	"github.com/vnmchuo/copilot-gateway/internal/rag"
	"github.com/vnmchuo/copilot-gateway/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	DefaultSource = "kb"
	DefaultTopK   = 5
)

type Options struct {
	Tracer  trace.Tracer
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// Toolbox builds tools bound to one tenant. caller may be nil when no
// tool-context gateway is configured.
type Toolbox struct {
	engine  rag.Engine
	caller  Caller
	tracer  trace.Tracer
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

func NewToolbox(engine rag.Engine, caller Caller, opts Options) *Toolbox {
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("tools")
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNopMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NopLogger()
	}
	return &Toolbox{
		engine:  engine,
		caller:  caller,
		tracer:  opts.Tracer,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
}

// HasGateway reports whether external tool calls can be made.
func (b *Toolbox) HasGateway() bool {
	return b.caller != nil
}

func (b *Toolbox) Retrieval(tenantID, useCase string) *RetrievalTool {
	return &RetrievalTool{box: b, tenantID: tenantID, useCase: useCase}
}

func (b *Toolbox) External(tenantID string) *ExternalToolCall {
	return &ExternalToolCall{box: b, tenantID: tenantID}
}

func (b *Toolbox) observe(tool string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	b.metrics.ToolCalls.WithLabelValues(tool, status).Inc()
}

type QueryOptions struct {
	Source string // defaults to "kb"
	TopK   int    // defaults to 5
}

type RetrievalTool struct {
	box      *Toolbox
	tenantID string
	useCase  string
}

// Query searches the tenant's index for the given source. A missing index and
// an index without matches both yield an empty slice and no error.
func (t *RetrievalTool) Query(ctx context.Context, text string, opts QueryOptions) ([]rag.Document, error) {
	if opts.Source == "" {
		opts.Source = DefaultSource
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	index := rag.IndexName(t.tenantID, t.useCase, opts.Source)

	ctx, span := t.box.tracer.Start(ctx, "tools.retrieval", trace.WithAttributes(
		attribute.String("tenant_id", t.tenantID),
		attribute.String("use_case", t.useCase),
		attribute.String("index", index),
		attribute.Int("top_k", opts.TopK),
	))
	defer span.End()

	docs, err := t.box.engine.Query(ctx, index, text, opts.TopK)
	if errors.Is(err, rag.ErrIndexNotFound) {
		t.box.logger.Debug("retrieval index not provisioned", "tenant_id", t.tenantID, "index", index)
		docs, err = nil, nil
	}
	t.box.observe("retrieval", err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "retrieval failed")
		return nil, err
	}

	span.SetAttributes(attribute.Int("results", len(docs)))
	if docs == nil {
		docs = []rag.Document{}
	}
	return docs, nil
}

type ExternalToolCall struct {
	box      *Toolbox
	tenantID string
}

// Call invokes toolName on the tool-context gateway with the tenant attached.
// An unrecognized tool name fails with *apperr.ToolNotFoundError.
func (t *ExternalToolCall) Call(ctx context.Context, toolName string, args map[string]any) (map[string]any, error) {
	if t.box.caller == nil {
		return nil, &apperr.ConfigurationError{Component: "tools", Reason: "TOOL_GATEWAY_URL is not set"}
	}
	if args == nil {
		args = map[string]any{}
	}

	ctx, span := t.box.tracer.Start(ctx, "tools.external", trace.WithAttributes(
		attribute.String("tenant_id", t.tenantID),
		attribute.String("tool", toolName),
	))
	defer span.End()

	result, err := t.box.caller.CallTool(ctx, &CallRequest{
		ToolName:  toolName,
		Arguments: args,
		TenantID:  t.tenantID,
		TraceID:   telemetry.TraceID(ctx),
	})
	t.box.observe(toolName, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperr.Kind(err))
		t.box.logger.Warn("external tool call failed", "tenant_id", t.tenantID, "tool", toolName, "error", err)
		return nil, err
	}
	return result, nil
}

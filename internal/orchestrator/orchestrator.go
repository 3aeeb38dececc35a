// Package orchestrator runs a use-case flow end to end: it validates the
// query, retrieves tenant context, calls the generation gateway once and maps
// the result into a Reply.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/vnmchuo/copilot-gateway/internal/apperr"
	"github.com/vnmchuo/copilot-gateway/internal/gateway"
	"github.com/vnmchuo/copilot-gateway/internal/provider"
	"github.com/vnmchuo/copilot-gateway/internal/rag"
	"github.com/vnmchuo/copilot-gateway/internal/telemetry"
	"github.com/vnmchuo/copilot-gateway/internal/tools"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var ErrUnknownUseCase = errors.New("unknown use case")

type State string

const (
	StateIntake   State = "intake"
	StateRetrieve State = "retrieve"
	StateCompose  State = "compose"
	StateRespond  State = "respond"
	StateFailed   State = "failed"
)

const DefaultChannel = "web"

// FlowError is the single terminal error of a failed run. State is the state
// the flow was in when it failed.
type FlowError struct {
	UseCase string
	State   State
	Err     error
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("%s flow failed in %s: %v", e.UseCase, e.State, e.Err)
}

func (e *FlowError) Unwrap() error { return e.Err }

type Query struct {
	Message   string         `json:"message"`
	Channel   string         `json:"channel,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	RequestID string         `json:"-"`
}

type Reply struct {
	Answer           string   `json:"answer"`
	Sources          []string `json:"sources"`
	Confidence       *float64 `json:"confidence"`
	EscalationFlag   bool     `json:"escalation_flag"`
	EscalationReason string   `json:"escalation_reason,omitempty"`
}

// Generator is the part of the gateway a flow needs.
type Generator interface {
	Generate(ctx context.Context, req *gateway.Request) (*provider.Result, error)
}

type Options struct {
	Tracer  trace.Tracer
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// Orchestrator holds the flow registry. It is built once and shared by all
// requests; runs keep their state on the stack.
type Orchestrator struct {
	flows     map[string]Flow
	generator Generator
	toolbox   *tools.Toolbox
	tracer    trace.Tracer
	metrics   *telemetry.Metrics
	logger    *slog.Logger
}

func New(generator Generator, toolbox *tools.Toolbox, opts Options, flows ...Flow) (*Orchestrator, error) {
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("orchestrator")
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNopMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NopLogger()
	}

	o := &Orchestrator{
		flows:     make(map[string]Flow, len(flows)),
		generator: generator,
		toolbox:   toolbox,
		tracer:    opts.Tracer,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
	}
	for _, f := range flows {
		if f.UseCase == "" {
			return nil, errors.New("flow use case must not be empty")
		}
		if _, exists := o.flows[f.UseCase]; exists {
			return nil, fmt.Errorf("flow %q already registered", f.UseCase)
		}
		o.flows[f.UseCase] = f
	}
	return o, nil
}

// Flow returns the registered flow for useCase.
func (o *Orchestrator) Flow(useCase string) (Flow, bool) {
	f, ok := o.flows[useCase]
	return f, ok
}

// Flows returns the registered flows sorted by use case.
func (o *Orchestrator) Flows() []Flow {
	out := make([]Flow, 0, len(o.flows))
	for _, f := range o.flows {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UseCase < out[j].UseCase })
	return out
}

type run struct {
	flow     Flow
	tenantID string
	query    Query
	docs     []rag.Document
	extra    []string
	resp     *provider.Response
}

// Run executes the useCase flow for tenantID. Any failure ends the run in
// StateFailed and is returned as a *FlowError.
func (o *Orchestrator) Run(ctx context.Context, tenantID, useCase string, q *Query) (*Reply, error) {
	flow, ok := o.flows[useCase]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownUseCase, useCase)
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.run", trace.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("use_case", useCase),
	))
	defer span.End()

	logger := o.logger.With("tenant_id", tenantID, "use_case", useCase)
	r := &run{flow: flow, tenantID: tenantID}

	steps := []struct {
		state State
		fn    func(context.Context, *run, *Query) error
	}{
		{StateIntake, o.intake},
		{StateRetrieve, o.retrieve},
		{StateCompose, o.compose},
	}
	for _, step := range steps {
		logger.Debug("flow state", "state", step.state)
		if err := step.fn(ctx, r, q); err != nil {
			o.metrics.FlowRuns.WithLabelValues(useCase, string(StateFailed)).Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, string(step.state))
			logger.Warn("flow failed", "state", step.state, "error", err, "error_kind", apperr.Kind(err))
			return nil, &FlowError{UseCase: useCase, State: step.state, Err: err}
		}
	}

	reply := o.respond(r)
	o.metrics.FlowRuns.WithLabelValues(useCase, string(StateRespond)).Inc()
	span.SetAttributes(attribute.Int("sources", len(reply.Sources)), attribute.Bool("escalation", reply.EscalationFlag))
	logger.Info("flow completed", "sources", len(reply.Sources), "escalation", reply.EscalationFlag)
	return reply, nil
}

func (o *Orchestrator) intake(ctx context.Context, r *run, q *Query) error {
	if strings.TrimSpace(r.tenantID) == "" {
		return &apperr.ValidationError{Field: "tenant_id", Reason: "must not be empty"}
	}
	if q == nil || strings.TrimSpace(q.Message) == "" {
		return &apperr.ValidationError{Field: "message", Reason: "must not be empty"}
	}

	r.query = Query{
		Message:   strings.TrimSpace(q.Message),
		Channel:   q.Channel,
		Metadata:  q.Metadata,
		RequestID: q.RequestID,
	}
	if r.query.Channel == "" {
		r.query.Channel = DefaultChannel
	}
	if r.query.Metadata == nil {
		r.query.Metadata = map[string]any{}
	}
	return nil
}

func (o *Orchestrator) retrieve(ctx context.Context, r *run, _ *Query) error {
	docs, err := o.toolbox.Retrieval(r.tenantID, r.flow.UseCase).Query(ctx, r.query.Message, tools.QueryOptions{
		Source: r.flow.Source,
		TopK:   r.flow.TopK,
	})
	if err != nil {
		return err
	}
	r.docs = docs

	return o.enrich(ctx, r)
}

// enrich runs the flow's enrichment tools. They are optional context: without
// a tool gateway they are skipped, and a failed lookup is logged and left out
// of the prompt. Only an unknown tool or a cancelled request ends the run.
func (o *Orchestrator) enrich(ctx context.Context, r *run) error {
	logger := o.logger.With("tenant_id", r.tenantID, "use_case", r.flow.UseCase)
	for _, e := range r.flow.Enrichments {
		v, ok := r.query.Metadata[e.MetadataKey]
		if !ok || v == nil || v == "" {
			continue
		}
		if !o.toolbox.HasGateway() {
			logger.Debug("no tool gateway, skipping enrichment", "tool", e.Tool)
			continue
		}
		result, err := o.toolbox.External(r.tenantID).Call(ctx, e.Tool, map[string]any{e.Argument: v})
		if err != nil {
			var notFound *apperr.ToolNotFoundError
			if errors.As(err, &notFound) || ctx.Err() != nil {
				return err
			}
			logger.Warn("enrichment failed, continuing without it", "tool", e.Tool, "error", err)
			continue
		}
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encode %s result: %w", e.Tool, err)
		}
		r.extra = append(r.extra, fmt.Sprintf("%s: %s", e.Tool, b))
	}
	return nil
}

func (o *Orchestrator) compose(ctx context.Context, r *run, _ *Query) error {
	result, err := o.generator.Generate(ctx, &gateway.Request{
		TenantID:  r.tenantID,
		UseCase:   r.flow.UseCase,
		Messages:  Messages(r.flow, r.query.Message, r.docs, r.extra),
		RequestID: r.query.RequestID,
	})
	if err != nil {
		return err
	}

	if result.Streaming() {
		resp, err := result.Stream.Collect()
		if err != nil {
			return err
		}
		r.resp = resp
		return nil
	}
	r.resp = result.Response
	return nil
}

func (o *Orchestrator) respond(r *run) *Reply {
	sources := make([]string, 0, len(r.docs))
	for _, d := range r.docs {
		sources = append(sources, d.ID)
	}

	reply := &Reply{Answer: r.resp.Content, Sources: sources}
	if recommendsEscalation(reply.Answer) {
		reply.EscalationFlag = true
		reply.EscalationReason = "answer recommends escalation"
	}
	return reply
}

// Messages builds the prompt for one run: the flow's system instruction and
// a user turn carrying the message and the retrieved context. The context
// block is present even when nothing was retrieved.
func Messages(flow Flow, message string, docs []rag.Document, extra []string) []provider.Message {
	var snippets []string
	for _, d := range docs {
		if d.Text != "" {
			snippets = append(snippets, d.Text)
		}
	}
	snippets = append(snippets, extra...)

	return []provider.Message{
		{Role: provider.RoleSystem, Content: flow.SystemPrompt},
		{Role: provider.RoleUser, Content: fmt.Sprintf("User message: %s\n\nContext:\n%s", message, strings.Join(snippets, "\n\n"))},
	}
}

var escalationNegations = []string{"no need", "not ", "n't ", "never ", "without "}

// recommendsEscalation is a keyword heuristic: the answer mentions escalation
// and the mention is not negated earlier in the same sentence.
func recommendsEscalation(answer string) bool {
	lower := strings.ToLower(answer)
	for start := 0; ; {
		i := strings.Index(lower[start:], "escalat")
		if i < 0 {
			return false
		}
		i += start
		sentence := lower[strings.LastIndexAny(lower[:i], ".!?\n")+1 : i]
		negated := false
		for _, n := range escalationNegations {
			if strings.Contains(sentence, n) {
				negated = true
				break
			}
		}
		if !negated {
			return true
		}
		start = i + len("escalat")
	}
}

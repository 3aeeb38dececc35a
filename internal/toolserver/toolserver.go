// Package toolserver exposes the orchestrator flows as callable tools, both
// over a plain JSON interface and as an MCP server.
package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/vnmchuo/copilot-gateway/internal/apperr"
	"github.com/vnmchuo/copilot-gateway/internal/auth"
	"github.com/vnmchuo/copilot-gateway/internal/orchestrator"
	"github.com/vnmchuo/copilot-gateway/internal/provider"
)

// Runner executes a flow. *orchestrator.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, tenantID, useCase string, q *orchestrator.Query) (*orchestrator.Reply, error)
}

// SupportInput is the argument shape of support.answer_ticket.
type SupportInput struct {
	TenantID string         `json:"tenant_id,omitempty" jsonschema:"tenant identifier, required when not implied by the connection"`
	Message  string         `json:"message" jsonschema:"end-user message or ticket body"`
	Channel  string         `json:"channel,omitempty" jsonschema:"source channel such as web, email or slack"`
	Metadata map[string]any `json:"metadata,omitempty" jsonschema:"additional context such as ticket_id or customer_id"`
}

// HRInput is the argument shape of hr.answer_question.
type HRInput struct {
	TenantID   string `json:"tenant_id,omitempty" jsonschema:"tenant identifier, required when not implied by the connection"`
	Question   string `json:"question" jsonschema:"employee's HR question"`
	EmployeeID string `json:"employee_id,omitempty" jsonschema:"internal employee identifier"`
	Locale     string `json:"locale,omitempty" jsonschema:"locale used to pick regional policies"`
}

// ContractInput is the argument shape of legal.review_contract.
type ContractInput struct {
	TenantID         string  `json:"tenant_id,omitempty" jsonschema:"tenant identifier, required when not implied by the connection"`
	ContractText     string  `json:"contract_text" jsonschema:"full contract text or key clauses"`
	GoverningLaw     string  `json:"governing_law,omitempty" jsonschema:"jurisdiction of the contract"`
	CounterpartyName string  `json:"counterparty_name,omitempty"`
	DealValue        float64 `json:"deal_value,omitempty" jsonschema:"approximate deal value"`
}

func (in SupportInput) tenant() string  { return in.TenantID }
func (in HRInput) tenant() string       { return in.TenantID }
func (in ContractInput) tenant() string { return in.TenantID }

func (in SupportInput) query() *orchestrator.Query {
	return &orchestrator.Query{Message: in.Message, Channel: in.Channel, Metadata: in.Metadata}
}

func (in HRInput) query() *orchestrator.Query {
	md := map[string]any{}
	if in.EmployeeID != "" {
		md["employee_id"] = in.EmployeeID
	}
	if in.Locale != "" {
		md["locale"] = in.Locale
	}
	return &orchestrator.Query{Message: in.Question, Metadata: md}
}

func (in ContractInput) query() *orchestrator.Query {
	md := map[string]any{}
	if in.GoverningLaw != "" {
		md["governing_law"] = in.GoverningLaw
	}
	if in.CounterpartyName != "" {
		md["counterparty_name"] = in.CounterpartyName
	}
	if in.DealValue != 0 {
		md["deal_value"] = in.DealValue
	}
	return &orchestrator.Query{Message: in.ContractText, Metadata: md}
}

type input interface {
	tenant() string
	query() *orchestrator.Query
}

type tool struct {
	name        string
	useCase     string
	description string
	schema      map[string]any
	decode      func(args json.RawMessage) (*orchestrator.Query, error)
	register    func(srv *mcp.Server, s *Server, tenantID string, t tool)
}

func decodeInto[T input](args json.RawMessage) (*orchestrator.Query, error) {
	var in T
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, &apperr.ValidationError{Field: "arguments", Reason: err.Error()}
		}
	}
	return in.query(), nil
}

func objectSchema(required []string, props map[string]any) map[string]any {
	return map[string]any{"type": "object", "properties": props, "required": required}
}

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

var tools = []tool{
	{
		name:        "support.answer_ticket",
		useCase:     "support",
		description: "Answer a customer support message using the support knowledge base.",
		schema: objectSchema([]string{"message"}, map[string]any{
			"message":  str("End-user message or ticket body."),
			"channel":  str("Source channel, e.g. web, email, slack, sms."),
			"metadata": map[string]any{"type": "object", "description": "Additional context (ticket_id, customer_id, locale)."},
		}),
		decode:   decodeInto[SupportInput],
		register: addFlowTool[SupportInput],
	},
	{
		name:        "hr.answer_question",
		useCase:     "hr",
		description: "Answer an employee question about HR policies, benefits or procedures.",
		schema: objectSchema([]string{"question"}, map[string]any{
			"question":    str("Employee's HR question."),
			"employee_id": str("Internal employee identifier."),
			"locale":      str("Locale/region used to route to the correct policies."),
		}),
		decode:   decodeInto[HRInput],
		register: addFlowTool[HRInput],
	},
	{
		name:        "legal.review_contract",
		useCase:     "legal",
		description: "Review a contract and provide a risk analysis.",
		schema: objectSchema([]string{"contract_text"}, map[string]any{
			"contract_text":     str("Full contract text or key clauses to review."),
			"governing_law":     str("Jurisdiction for the contract (e.g. DE, US-CA)."),
			"counterparty_name": str("Counterparty name."),
			"deal_value":        map[string]any{"type": "number", "description": "Approximate value of the deal."},
		}),
		decode:   decodeInto[ContractInput],
		register: addFlowTool[ContractInput],
	},
}

// Limiter spends tokens from a tenant's budget. *ratelimit.Limiter
// satisfies it.
type Limiter interface {
	Allow(ctx context.Context, tenantID string, tpm int64, tokens int) (bool, error)
}

// ErrRateLimited is returned when a tenant's token budget is spent.
var ErrRateLimited = errors.New("rate limit exceeded")

// outputBudget matches the per-request output allowance the API charges.
const outputBudget = 1000

// Server dispatches tool calls to flows. Only tools whose use case has a
// registered flow are served.
type Server struct {
	runner  Runner
	tools   map[string]tool
	limiter Limiter
	logger  *slog.Logger
}

// New serves the built-in tools for the given use cases.
func New(runner Runner, useCases []string, logger *slog.Logger) *Server {
	enabled := make(map[string]bool, len(useCases))
	for _, uc := range useCases {
		enabled[uc] = true
	}
	s := &Server{runner: runner, tools: make(map[string]tool), logger: logger}
	for _, t := range tools {
		if enabled[t.useCase] {
			s.tools[t.name] = t
		}
	}
	return s
}

// WithLimiter charges every tool call against the calling tenant's budget.
func (s *Server) WithLimiter(l Limiter) *Server {
	s.limiter = l
	return s
}

// admit charges an estimate for one flow run. The tenant's own limit comes
// from the authenticated key when there is one.
func (s *Server) admit(ctx context.Context, tenantID string, q *orchestrator.Query) error {
	if s.limiter == nil {
		return nil
	}
	allowed, err := s.limiter.Allow(ctx, tenantID, auth.GetRateLimit(ctx), len(q.Message)/4+outputBudget)
	if err != nil {
		s.logger.Error("rate limiter unavailable", "tenant_id", tenantID, "error", err)
		return ErrRateLimited
	}
	if !allowed {
		return ErrRateLimited
	}
	return nil
}

// Tools lists the served tools sorted by name.
func (s *Server) Tools() []provider.ToolDescriptor {
	out := make([]provider.ToolDescriptor, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, provider.ToolDescriptor{Name: t.name, Description: t.description, InputSchema: t.schema})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Call runs the flow behind name for tenantID. Unknown names fail with
// *apperr.UnknownToolError and a spent budget with ErrRateLimited, both
// before any flow work.
func (s *Server) Call(ctx context.Context, tenantID, name string, args json.RawMessage) (*orchestrator.Reply, error) {
	t, ok := s.tools[name]
	if !ok {
		return nil, &apperr.UnknownToolError{Name: name}
	}
	q, err := t.decode(args)
	if err != nil {
		return nil, err
	}
	if err := s.admit(ctx, tenantID, q); err != nil {
		return nil, err
	}
	s.logger.Debug("tool call", "tool", name, "tenant_id", tenantID)
	return s.runner.Run(ctx, tenantID, t.useCase, q)
}

// tenantOf picks the tenant for a call: the authenticated one when present,
// which the requested one must then match.
func tenantOf(authenticated, requested string) (string, error) {
	switch {
	case authenticated == "":
		if requested == "" {
			return "", &apperr.ValidationError{Field: "tenant_id", Reason: "must not be empty"}
		}
		return requested, nil
	case requested == "" || requested == authenticated:
		return authenticated, nil
	default:
		return "", errTenantMismatch
	}
}

var errTenantMismatch = errors.New("tenant_id does not match the authenticated tenant")

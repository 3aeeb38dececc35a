package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vnmchuo/copilot-gateway/internal/apperr"
	"github.com/vnmchuo/copilot-gateway/internal/gateway"
	"github.com/vnmchuo/copilot-gateway/internal/provider"
	"github.com/vnmchuo/copilot-gateway/internal/rag"
	"github.com/vnmchuo/copilot-gateway/internal/telemetry"
	"github.com/vnmchuo/copilot-gateway/internal/tools"
)

type fakeGenerator struct {
	answer string
	err    error
	stream bool

	calls []*gateway.Request
}

func (f *fakeGenerator) Generate(ctx context.Context, req *gateway.Request) (*provider.Result, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	if f.stream {
		return &provider.Result{Stream: provider.StreamOf(&provider.Chunk{Delta: f.answer}, &provider.Chunk{Done: true})}, nil
	}
	return &provider.Result{Response: &provider.Response{Content: f.answer}}, nil
}

func newOrchestrator(t *testing.T, gen Generator, engine rag.Engine, caller tools.Caller) *Orchestrator {
	t.Helper()
	o, err := New(gen, tools.NewToolbox(engine, caller, tools.Options{}), Options{}, DefaultFlows()...)
	require.NoError(t, err)
	return o
}

func supportEngine(t *testing.T) rag.Engine {
	t.Helper()
	e := rag.NewMemoryEngine()
	require.NoError(t, rag.Ingest(context.Background(), e, telemetry.NopLogger(), "tenant_a", "support", "kb", []rag.Document{
		{ID: "refund-policy", Text: "Refunds are issued within 14 days of purchase."},
		{ID: "shipping", Text: "Shipping takes three business days."},
	}, 8))
	return e
}

func TestRun_Support(t *testing.T) {
	gen := &fakeGenerator{answer: "Refunds take 14 days."}
	o := newOrchestrator(t, gen, supportEngine(t), nil)

	reply, err := o.Run(context.Background(), "tenant_a", "support", &Query{Message: "  How long do refunds take?  ", RequestID: "req-1"})
	require.NoError(t, err)

	assert.Equal(t, "Refunds take 14 days.", reply.Answer)
	assert.Equal(t, []string{"refund-policy"}, reply.Sources)
	assert.False(t, reply.EscalationFlag)
	assert.Nil(t, reply.Confidence)

	require.Len(t, gen.calls, 1)
	req := gen.calls[0]
	assert.Equal(t, "tenant_a", req.TenantID)
	assert.Equal(t, "support", req.UseCase)
	assert.Equal(t, "req-1", req.RequestID)
	assert.False(t, req.Stream)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, provider.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, SupportFlow().SystemPrompt, req.Messages[0].Content)
	assert.Equal(t, "User message: How long do refunds take?\n\nContext:\nRefunds are issued within 14 days of purchase.", req.Messages[1].Content)
}

func TestRun_NoDocuments(t *testing.T) {
	gen := &fakeGenerator{answer: "I am not sure."}
	o := newOrchestrator(t, gen, rag.NewMemoryEngine(), nil)

	reply, err := o.Run(context.Background(), "tenant_a", "support", &Query{Message: "anything at all"})
	require.NoError(t, err)

	assert.NotNil(t, reply.Sources)
	assert.Empty(t, reply.Sources)
	require.Len(t, gen.calls, 1, "generation still proceeds with an empty context")
	assert.Equal(t, "User message: anything at all\n\nContext:\n", gen.calls[0].Messages[1].Content)

	b, err := json.Marshal(reply)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"sources":[]`)
}

func TestRun_Escalation(t *testing.T) {
	gen := &fakeGenerator{answer: "I am unsure. I recommend you Escalate this ticket."}
	o := newOrchestrator(t, gen, rag.NewMemoryEngine(), nil)

	reply, err := o.Run(context.Background(), "tenant_a", "support", &Query{Message: "help"})
	require.NoError(t, err)
	assert.True(t, reply.EscalationFlag)
	assert.NotEmpty(t, reply.EscalationReason)
}

func TestRun_StreamedResultIsCollected(t *testing.T) {
	gen := &fakeGenerator{answer: "streamed", stream: true}
	o := newOrchestrator(t, gen, rag.NewMemoryEngine(), nil)

	reply, err := o.Run(context.Background(), "tenant_a", "hr", &Query{Message: "vacation days?"})
	require.NoError(t, err)
	assert.Equal(t, "streamed", reply.Answer)
}

func TestRun_UnknownUseCase(t *testing.T) {
	gen := &fakeGenerator{}
	o := newOrchestrator(t, gen, rag.NewMemoryEngine(), nil)

	_, err := o.Run(context.Background(), "tenant_a", "finance", &Query{Message: "hi"})
	assert.ErrorIs(t, err, ErrUnknownUseCase)
	assert.Empty(t, gen.calls)
}

func TestRun_ValidationFailsFast(t *testing.T) {
	gen := &fakeGenerator{}
	o := newOrchestrator(t, gen, rag.NewMemoryEngine(), nil)

	for _, tc := range []struct {
		name   string
		tenant string
		query  *Query
		field  string
	}{
		{"empty message", "tenant_a", &Query{Message: "   "}, "message"},
		{"nil query", "tenant_a", nil, "message"},
		{"missing tenant", "", &Query{Message: "hi"}, "tenant_id"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := o.Run(context.Background(), tc.tenant, "support", tc.query)

			var flowErr *FlowError
			require.ErrorAs(t, err, &flowErr)
			assert.Equal(t, StateIntake, flowErr.State)

			var valErr *apperr.ValidationError
			require.ErrorAs(t, err, &valErr)
			assert.Equal(t, tc.field, valErr.Field)
		})
	}
	assert.Empty(t, gen.calls)
}

func TestRun_GenerationFailurePropagates(t *testing.T) {
	upstream := &apperr.UpstreamError{Service: "openai", StatusCode: http.StatusBadGateway}
	gen := &fakeGenerator{err: upstream}
	o := newOrchestrator(t, gen, supportEngine(t), nil)

	reply, err := o.Run(context.Background(), "tenant_a", "support", &Query{Message: "refunds"})
	assert.Nil(t, reply)

	var flowErr *FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, StateCompose, flowErr.State)
	assert.Equal(t, "support", flowErr.UseCase)

	var got *apperr.UpstreamError
	require.ErrorAs(t, err, &got)
	assert.Same(t, upstream, got)
}

func TestRun_RetrievalFailureStopsFlow(t *testing.T) {
	gen := &fakeGenerator{}
	o := newOrchestrator(t, gen, &brokenEngine{}, nil)

	_, err := o.Run(context.Background(), "tenant_a", "support", &Query{Message: "refunds"})

	var flowErr *FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, StateRetrieve, flowErr.State)
	assert.Empty(t, gen.calls)
}

type brokenEngine struct{ rag.Engine }

func (brokenEngine) Query(ctx context.Context, name, text string, topK int) ([]rag.Document, error) {
	return nil, errors.New("connection refused")
}

func TestRun_Enrichment(t *testing.T) {
	var got tools.CallRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"result":{"id":"c-9","name":"Ada","status":"gold"}}`)
	}))
	defer server.Close()

	gen := &fakeGenerator{answer: "Hi Ada."}
	o := newOrchestrator(t, gen, supportEngine(t), tools.NewContextGatewayClient(server.URL, time.Second))

	_, err := o.Run(context.Background(), "tenant_a", "support", &Query{
		Message:  "refunds",
		Metadata: map[string]any{"customer_id": "c-9"},
	})
	require.NoError(t, err)

	assert.Equal(t, "crm.lookup_customer", got.ToolName)
	assert.Equal(t, "tenant_a", got.TenantID)
	assert.Equal(t, "c-9", got.Arguments["customer_id"])

	prompt := gen.calls[0].Messages[1].Content
	assert.True(t, strings.HasSuffix(prompt, `crm.lookup_customer: {"id":"c-9","name":"Ada","status":"gold"}`), prompt)
}

func TestRun_EnrichmentToolNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	gen := &fakeGenerator{}
	o := newOrchestrator(t, gen, supportEngine(t), tools.NewContextGatewayClient(server.URL, time.Second))

	_, err := o.Run(context.Background(), "tenant_a", "support", &Query{
		Message:  "refunds",
		Metadata: map[string]any{"customer_id": "c-9"},
	})

	var notFound *apperr.ToolNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Empty(t, gen.calls)
}

func TestRun_EnrichmentSkippedWithoutGateway(t *testing.T) {
	gen := &fakeGenerator{answer: "Refunds take 14 days."}
	o := newOrchestrator(t, gen, supportEngine(t), nil)

	reply, err := o.Run(context.Background(), "tenant_a", "support", &Query{
		Message:  "refunds",
		Metadata: map[string]any{"customer_id": "c-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Refunds take 14 days.", reply.Answer)
	require.Len(t, gen.calls, 1)
	assert.NotContains(t, gen.calls[0].Messages[1].Content, "crm.lookup_customer")
}

func TestRun_EnrichmentLookupMissContinues(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/tools" {
			fmt.Fprint(w, `{"tools":[{"name":"crm.lookup_customer"}]}`)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"detail":"Customer not found"}`)
	}))
	defer server.Close()

	gen := &fakeGenerator{answer: "Refunds take 14 days."}
	o := newOrchestrator(t, gen, supportEngine(t), tools.NewContextGatewayClient(server.URL, time.Second))

	reply, err := o.Run(context.Background(), "tenant_a", "support", &Query{
		Message:  "refunds",
		Metadata: map[string]any{"customer_id": "nobody"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"refund-policy"}, reply.Sources)
	require.Len(t, gen.calls, 1)
	assert.NotContains(t, gen.calls[0].Messages[1].Content, "crm.lookup_customer")
}

func TestRecommendsEscalation(t *testing.T) {
	tests := []struct {
		answer string
		want   bool
	}{
		{"Please escalate this to a supervisor.", true},
		{"I am unsure. I recommend escalation.", true},
		{"There is no need to escalate, refunds take 14 days.", false},
		{"You don't need to escalate this.", false},
		{"This was resolved without escalation. If it recurs, escalate to tier 2.", true},
		{"Refunds take 14 days.", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, recommendsEscalation(tt.answer), tt.answer)
	}
}

func TestNew_DuplicateFlow(t *testing.T) {
	_, err := New(&fakeGenerator{}, tools.NewToolbox(rag.NewMemoryEngine(), nil, tools.Options{}), Options{}, SupportFlow(), SupportFlow())
	assert.Error(t, err)
}

func TestFlows_Sorted(t *testing.T) {
	o := newOrchestrator(t, &fakeGenerator{}, rag.NewMemoryEngine(), nil)

	var names []string
	for _, f := range o.Flows() {
		names = append(names, f.UseCase)
	}
	assert.Equal(t, []string{"hr", "legal", "support"}, names)
}

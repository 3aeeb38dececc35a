package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vnmchuo/copilot-gateway/internal/apperr"
	"github.com/vnmchuo/copilot-gateway/internal/rag"
	"github.com/vnmchuo/copilot-gateway/internal/telemetry"
)

type failingEngine struct {
	rag.Engine
	err error
}

func (f *failingEngine) Query(ctx context.Context, name, text string, topK int) ([]rag.Document, error) {
	return nil, f.err
}

func seededEngine(t *testing.T) *rag.MemoryEngine {
	t.Helper()
	e := rag.NewMemoryEngine()
	err := rag.Ingest(context.Background(), e, telemetry.NopLogger(), "tenant_a", "support", "kb", []rag.Document{
		{ID: "refunds", Text: "Refunds are issued within 14 days of purchase."},
		{ID: "shipping", Text: "Shipping takes three business days."},
	}, 8)
	require.NoError(t, err)
	return e
}

func TestRetrieval_Query(t *testing.T) {
	box := NewToolbox(seededEngine(t), nil, Options{})

	docs, err := box.Retrieval("tenant_a", "support").Query(context.Background(), "how do refunds work", QueryOptions{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "refunds", docs[0].ID)
}

func TestRetrieval_TenantIsolation(t *testing.T) {
	box := NewToolbox(seededEngine(t), nil, Options{})

	docs, err := box.Retrieval("tenant_b", "support").Query(context.Background(), "refunds", QueryOptions{})
	require.NoError(t, err)
	assert.NotNil(t, docs)
	assert.Empty(t, docs)
}

func TestRetrieval_NoMatches(t *testing.T) {
	box := NewToolbox(seededEngine(t), nil, Options{})

	docs, err := box.Retrieval("tenant_a", "support").Query(context.Background(), "zzz qqq", QueryOptions{TopK: 3})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestRetrieval_EngineFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)
	boom := errors.New("vector store down")
	box := NewToolbox(&failingEngine{err: boom}, nil, Options{Metrics: metrics})

	_, err := box.Retrieval("tenant_a", "support").Query(context.Background(), "refunds", QueryOptions{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ToolCalls.WithLabelValues("retrieval", "error")))
}

func TestContextGatewayClient_ListTools(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/tools", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"tools":[{"name":"crm.lookup_customer","description":"Look up a customer","input_schema":{"type":"object"}}]}`)
	}))
	defer server.Close()

	c := NewContextGatewayClient(server.URL, time.Second)
	tools, err := c.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "crm.lookup_customer", tools[0].Name)
}

func TestExternalToolCall_Call(t *testing.T) {
	var got CallRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tools/call", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"result":{"customer_id":"c-9","tier":"gold"}}`)
	}))
	defer server.Close()

	box := NewToolbox(nil, NewContextGatewayClient(server.URL, time.Second), Options{})
	result, err := box.External("tenant_a").Call(context.Background(), "crm.lookup_customer", map[string]any{"customer_id": "c-9"})
	require.NoError(t, err)

	assert.Equal(t, "crm.lookup_customer", got.ToolName)
	assert.Equal(t, "tenant_a", got.TenantID)
	assert.Equal(t, "c-9", got.Arguments["customer_id"])
	assert.Equal(t, "gold", result["tier"])
}

func TestExternalToolCall_ScalarResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"result":"ok"}`)
	}))
	defer server.Close()

	box := NewToolbox(nil, NewContextGatewayClient(server.URL, time.Second), Options{})
	result, err := box.External("tenant_a").Call(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result["value"])
}

func TestExternalToolCall_UnknownTool(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"unknown tool"}`)
	}))
	defer server.Close()

	engine := &countingEngine{}
	box := NewToolbox(engine, NewContextGatewayClient(server.URL, time.Second), Options{})
	_, err := box.External("tenant_a").Call(context.Background(), "unknown.tool", map[string]any{})

	var notFound *apperr.ToolNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "unknown.tool", notFound.Name)
	assert.Zero(t, engine.queries, "no retrieval should happen")
}

func toolGateway(listed ...string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/tools" {
			var tools []map[string]string
			for _, name := range listed {
				tools = append(tools, map[string]string{"name": name})
			}
			json.NewEncoder(w).Encode(map[string]any{"tools": tools})
			return
		}
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"detail":"Customer not found"}`)
	}))
}

func TestExternalToolCall_NotFoundForListedToolIsUpstream(t *testing.T) {
	server := toolGateway("crm.lookup_customer")
	defer server.Close()

	box := NewToolbox(nil, NewContextGatewayClient(server.URL, time.Second), Options{})
	_, err := box.External("tenant_a").Call(context.Background(), "crm.lookup_customer", map[string]any{"customer_id": "nobody"})

	var notFound *apperr.ToolNotFoundError
	assert.False(t, errors.As(err, &notFound), "a domain miss is not an unknown tool")
	var upstream *apperr.UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusNotFound, upstream.StatusCode)
	assert.Contains(t, upstream.Body, "Customer not found")
}

func TestExternalToolCall_NotFoundForUnlistedTool(t *testing.T) {
	server := toolGateway("crm.lookup_customer")
	defer server.Close()

	box := NewToolbox(nil, NewContextGatewayClient(server.URL, time.Second), Options{})
	_, err := box.External("tenant_a").Call(context.Background(), "crm.delete_customer", nil)

	var notFound *apperr.ToolNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "crm.delete_customer", notFound.Name)
}

func TestExternalToolCall_UpstreamFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	box := NewToolbox(nil, NewContextGatewayClient(server.URL, time.Second), Options{})
	_, err := box.External("tenant_a").Call(context.Background(), "crm.lookup_customer", nil)

	var upstream *apperr.UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusBadGateway, upstream.StatusCode)
}

func TestExternalToolCall_NotConfigured(t *testing.T) {
	box := NewToolbox(nil, nil, Options{})
	_, err := box.External("tenant_a").Call(context.Background(), "crm.lookup_customer", nil)

	var cfgErr *apperr.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

type countingEngine struct {
	rag.Engine
	queries int
}

func (c *countingEngine) Query(ctx context.Context, name, text string, topK int) ([]rag.Document, error) {
	c.queries++
	return nil, nil
}

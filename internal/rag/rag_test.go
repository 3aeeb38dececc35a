package rag

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vnmchuo/copilot-gateway/internal/telemetry"
)

func TestIndexName(t *testing.T) {
	assert.Equal(t, "tenant_a__support__kb", IndexName("tenant_a", "support", "kb"))
	assert.Equal(t, "tenantB__legal__contracts", IndexName("tenantB", "legal", "contracts"))

	// Pure: repeated calls agree.
	assert.Equal(t, IndexName("t", "u", "s"), IndexName("t", "u", "s"))
}

func TestIndexName_DistinctTriplesNeverCollide(t *testing.T) {
	triples := [][3]string{
		{"a", "b", "c"},
		{"a_", "b", "c"},
		{"a", "_b", "c"},
		{"a__b", "c", "d"},
		{"a", "b__c", "d"},
		{"a", "b", "c__d"},
		{"", "a", "b"},
		{"a", "", "b"},
		{"", "", "a__b"},
		{"a%5F", "b", "c"},
		{"a_", "_b", "c"},
		{"a", "__b", "c"},
		{"tenant_a", "support", "kb"},
		{"tenant", "a__support", "kb"},
	}

	seen := make(map[string][3]string)
	for _, tr := range triples {
		name := IndexName(tr[0], tr[1], tr[2])
		if prev, ok := seen[name]; ok {
			t.Fatalf("collision: %v and %v both map to %q", prev, tr, name)
		}
		seen[name] = tr
	}
}

func TestMemoryEngine_Query(t *testing.T) {
	ctx := context.Background()
	e := NewMemoryEngine()

	_, err := e.Query(ctx, "missing", "anything", 5)
	assert.ErrorIs(t, err, ErrIndexNotFound)

	require.NoError(t, e.CreateIndex(ctx, "idx", 8))
	require.NoError(t, e.Upsert(ctx, "idx", []Document{
		{ID: "refund-policy", Text: "Refunds are issued within 14 days of purchase."},
		{ID: "shipping", Text: "Shipping takes 3 to 5 business days."},
		{ID: "refund-digital", Text: "Digital purchase refunds require a support ticket."},
	}))

	docs, err := e.Query(ctx, "idx", "How do refunds work for a digital purchase?", 5)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "refund-digital", docs[0].ID)
	assert.Equal(t, "refund-policy", docs[1].ID)

	docs, err = e.Query(ctx, "idx", "warranty", 5)
	require.NoError(t, err)
	assert.Empty(t, docs)

	docs, err = e.Query(ctx, "idx", "refunds purchase", 1)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

type recordingEngine struct {
	created  []string
	upserted map[string][]Document
}

func (r *recordingEngine) CreateIndex(ctx context.Context, name string, dimension int) error {
	r.created = append(r.created, name)
	return nil
}

func (r *recordingEngine) Upsert(ctx context.Context, name string, docs []Document) error {
	if r.upserted == nil {
		r.upserted = make(map[string][]Document)
	}
	r.upserted[name] = append(r.upserted[name], docs...)
	return nil
}

func (r *recordingEngine) Query(ctx context.Context, name, text string, topK int) ([]Document, error) {
	return nil, nil
}

func TestIngest(t *testing.T) {
	e := &recordingEngine{}
	err := Ingest(context.Background(), e, telemetry.NopLogger(), "tenant_a", "support", "kb",
		[]Document{{ID: "d1", Text: "hello"}}, 1536)
	require.NoError(t, err)

	assert.Equal(t, []string{"tenant_a__support__kb"}, e.created)
	assert.Len(t, e.upserted["tenant_a__support__kb"], 1)
}

func TestIngest_EmptyBatch(t *testing.T) {
	e := &recordingEngine{}
	err := Ingest(context.Background(), e, telemetry.NopLogger(), "tenant_a", "support", "kb", nil, 1536)
	require.NoError(t, err)

	assert.Len(t, e.created, 1)
	assert.Empty(t, e.upserted)
}

func TestIngest_RejectsDocumentWithoutID(t *testing.T) {
	e := &recordingEngine{}
	err := Ingest(context.Background(), e, telemetry.NopLogger(), "tenant_a", "support", "kb",
		[]Document{{Text: "orphan"}}, 1536)
	assert.Error(t, err)
	assert.Empty(t, e.upserted)
}

func TestHTTPEngine(t *testing.T) {
	var queried map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/indexes":
			w.WriteHeader(http.StatusConflict)
		case "/upsert":
			w.WriteHeader(http.StatusNoContent)
		case "/query":
			_ = json.NewDecoder(r.Body).Decode(&queried)
			if queried["index"] == "missing__x__kb" {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"error":"no such index"}`))
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"results":[{"id":"d1","text":"hello","metadata":{"page":2}}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	ctx := context.Background()
	e := NewHTTPEngine(server.URL, time.Second)

	assert.NoError(t, e.CreateIndex(ctx, "tenant_a__support__kb", 1536), "409 means the index exists")
	assert.NoError(t, e.Upsert(ctx, "tenant_a__support__kb", []Document{{ID: "d1", Text: "hello"}}))

	docs, err := e.Query(ctx, "tenant_a__support__kb", "hello", 3)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "d1", docs[0].ID)
	assert.Equal(t, float64(3), queried["top_k"])

	_, err = e.Query(ctx, "missing__x__kb", "hello", 3)
	assert.True(t, errors.Is(err, ErrIndexNotFound))
}

func TestDecodeDocuments(t *testing.T) {
	doc, err := DecodeDocuments(strings.NewReader(`
tenant_id: tenant_a
use_case: support
documents:
  - id: faq-1
    text: Reset your password from the login page.
    metadata:
      title: Password reset
`))
	require.NoError(t, err)
	assert.Equal(t, "kb", doc.Source)
	require.Len(t, doc.Documents, 1)
	assert.Equal(t, "Password reset", doc.Documents[0].Metadata["title"])
}

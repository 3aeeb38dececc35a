package rag

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/vnmchuo/copilot-gateway/internal/apperr"
	"github.com/vnmchuo/copilot-gateway/internal/provider"
)

const service = "vector-store"

// HTTPEngine talks to a REST vector store:
//
//	POST /indexes {name, dimension}          409 when it already exists
//	POST /upsert  {index, documents}
//	POST /query   {index, query, top_k} ->   {results: [...]}
//
// A 404 from upsert or query means the index does not exist.
type HTTPEngine struct {
	baseURL string
	client  *http.Client
}

func NewHTTPEngine(baseURL string, timeout time.Duration) *HTTPEngine {
	return &HTTPEngine{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  provider.NewHTTPClient(timeout),
	}
}

func (e *HTTPEngine) CreateIndex(ctx context.Context, name string, dimension int) error {
	err := e.post(ctx, "/indexes", map[string]any{"name": name, "dimension": dimension}, nil)
	var upstream *apperr.UpstreamError
	if errors.As(err, &upstream) && upstream.StatusCode == http.StatusConflict {
		return nil
	}
	return err
}

func (e *HTTPEngine) Upsert(ctx context.Context, name string, docs []Document) error {
	return notFound(e.post(ctx, "/upsert", map[string]any{"index": name, "documents": docs}, nil))
}

func (e *HTTPEngine) Query(ctx context.Context, name, text string, topK int) ([]Document, error) {
	var out struct {
		Results []Document `json:"results"`
	}
	err := e.post(ctx, "/query", map[string]any{"index": name, "query": text, "top_k": topK}, &out)
	if err != nil {
		return nil, notFound(err)
	}
	return out.Results, nil
}

func (e *HTTPEngine) post(ctx context.Context, path string, payload, out any) error {
	req, err := provider.NewJSONRequest(ctx, fmt.Sprintf("%s%s", e.baseURL, path), payload)
	if err != nil {
		return err
	}
	resp, err := provider.Send(e.client, service, req)
	if err != nil {
		return err
	}
	if out == nil {
		resp.Body.Close()
		return nil
	}
	_, err = provider.DecodeBody(service, resp, out)
	return err
}

func notFound(err error) error {
	var upstream *apperr.UpstreamError
	if errors.As(err, &upstream) && upstream.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrIndexNotFound, upstream.Body)
	}
	return err
}

var _ Engine = (*HTTPEngine)(nil)

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/vnmchuo/copilot-gateway/internal/apperr"
	"github.com/vnmchuo/copilot-gateway/internal/provider"
)

const contextGatewayService = "tool-gateway"

type CallRequest struct {
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
	TenantID  string         `json:"tenant_id"`
	TraceID   string         `json:"trace_id,omitempty"`
}

// Caller is the tool-context gateway as seen by ExternalToolCall.
type Caller interface {
	ListTools(ctx context.Context) ([]provider.ToolDescriptor, error)
	CallTool(ctx context.Context, req *CallRequest) (map[string]any, error)
}

// ContextGatewayClient speaks the tool-context gateway's REST interface:
// GET /tools and POST /tools/call.
type ContextGatewayClient struct {
	baseURL string
	client  *http.Client
}

func NewContextGatewayClient(baseURL string, timeout time.Duration) *ContextGatewayClient {
	return &ContextGatewayClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  provider.NewHTTPClient(timeout),
	}
}

func (c *ContextGatewayClient) ListTools(ctx context.Context) ([]provider.ToolDescriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/tools", c.baseURL), nil)
	if err != nil {
		return nil, err
	}
	resp, err := provider.Send(c.client, contextGatewayService, req)
	if err != nil {
		return nil, err
	}

	var out struct {
		Tools []provider.ToolDescriptor `json:"tools"`
	}
	if _, err := provider.DecodeBody(contextGatewayService, resp, &out); err != nil {
		return nil, err
	}
	return out.Tools, nil
}

func (c *ContextGatewayClient) CallTool(ctx context.Context, call *CallRequest) (map[string]any, error) {
	req, err := provider.NewJSONRequest(ctx, fmt.Sprintf("%s/tools/call", c.baseURL), call)
	if err != nil {
		return nil, err
	}
	resp, err := provider.Send(c.client, contextGatewayService, req)
	if err != nil {
		var upstream *apperr.UpstreamError
		if errors.As(err, &upstream) && upstream.StatusCode == http.StatusNotFound && !c.offers(ctx, call.ToolName) {
			return nil, &apperr.ToolNotFoundError{Name: call.ToolName}
		}
		return nil, err
	}

	var out struct {
		Result json.RawMessage `json:"result"`
	}
	raw, err := provider.DecodeBody(contextGatewayService, resp, &out)
	if err != nil {
		return nil, err
	}

	result := map[string]any{}
	if len(out.Result) > 0 && string(out.Result) != "null" {
		if err := json.Unmarshal(out.Result, &result); err != nil {
			// Non-object results are wrapped so callers always get an object.
			var v any
			if err := json.Unmarshal(out.Result, &v); err != nil {
				return nil, &apperr.UpstreamError{Service: contextGatewayService, StatusCode: resp.StatusCode, Body: string(raw), Err: err}
			}
			result = map[string]any{"value": v}
		}
	}
	return result, nil
}

// offers reports whether the gateway lists name. Tool servers also answer 404
// for domain misses ("customer not found"), so a 404 only means an unknown
// tool when the tool is absent from the listing. A listing that cannot be read
// counts as absent.
func (c *ContextGatewayClient) offers(ctx context.Context, name string) bool {
	tools, err := c.ListTools(ctx)
	if err != nil {
		return false
	}
	for _, t := range tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

var _ Caller = (*ContextGatewayClient)(nil)

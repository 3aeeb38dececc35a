package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/vnmchuo/copilot-gateway/config"
	"github.com/vnmchuo/copilot-gateway/internal/apperr"
	"github.com/vnmchuo/copilot-gateway/internal/provider"
)

const (
	name             = "anthropic"
	defaultBaseURL   = "https://api.anthropic.com"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

type AnthropicProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
}

type anthropicContent struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type streamEvent struct {
	Type    string          `json:"type"`
	Message *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"delta"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func New(cfg config.ProviderConfig) *AnthropicProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &AnthropicProvider{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  provider.NewHTTPClient(cfg.Timeout),
	}
}

func (p *AnthropicProvider) Generate(ctx context.Context, req *provider.Request) (*provider.Result, error) {
	if p.apiKey == "" {
		return nil, &apperr.ConfigurationError{Component: name, Reason: "ANTHROPIC_API_KEY is not set"}
	}

	payload := p.mapRequest(req)
	if req.Stream {
		return p.generateStream(ctx, payload)
	}

	httpReq, err := p.newRequest(ctx, payload)
	if err != nil {
		return nil, err
	}
	resp, err := provider.Send(p.client, name, httpReq)
	if err != nil {
		return nil, err
	}

	var anthropicResp anthropicResponse
	raw, err := provider.DecodeBody(name, resp, &anthropicResp)
	if err != nil {
		return nil, err
	}

	idx := provider.ToolNameIndex(req.Tools)
	out := &provider.Response{
		ID:           anthropicResp.ID,
		FinishReason: anthropicResp.StopReason,
		InputTokens:  anthropicResp.Usage.InputTokens,
		OutputTokens: anthropicResp.Usage.OutputTokens,
		Model:        anthropicResp.Model,
		Provider:     name,
		Raw:          raw,
	}
	var text strings.Builder
	for _, block := range anthropicResp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, provider.ToolCall{
				ID:        block.ID,
				Name:      provider.OriginalToolName(idx, block.Name),
				Arguments: block.Input,
			})
		}
	}
	out.Content = text.String()

	return &provider.Result{Response: out}, nil
}

func (p *AnthropicProvider) generateStream(ctx context.Context, payload anthropicRequest) (*provider.Result, error) {
	payload.Stream = true

	ctx, cancel := context.WithCancel(ctx)
	httpReq, err := p.newRequest(ctx, payload)
	if err != nil {
		cancel()
		return nil, err
	}
	resp, err := provider.Send(p.client, name, httpReq)
	if err != nil {
		cancel()
		return nil, err
	}

	return &provider.Result{Stream: provider.NewStream(ctx, cancel, resp.Body, readStream)}, nil
}

func readStream(_ context.Context, body io.Reader, send func(*provider.Chunk) bool) {
	var usage anthropicUsage
	finished, stopped := false, false

	err := provider.ReadSSE(body, func(event, data string) bool {
		var ev streamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			finished = true
			send(&provider.Chunk{Err: &apperr.UpstreamError{Service: name, StatusCode: http.StatusOK, Body: data, Err: err}})
			return false
		}
		if event == "" {
			event = ev.Type
		}

		switch event {
		case "message_start":
			if ev.Message != nil {
				usage.InputTokens = ev.Message.Usage.InputTokens
			}
		case "content_block_delta":
			if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
				return send(&provider.Chunk{Delta: ev.Delta.Text, Raw: []byte(data)})
			}
		case "message_delta":
			if ev.Usage != nil {
				usage.OutputTokens = ev.Usage.OutputTokens
			}
		case "message_stop":
			stopped = true
			return false
		case "error":
			finished = true
			msg := "stream error"
			if ev.Error != nil {
				msg = ev.Error.Message
			}
			send(&provider.Chunk{Err: &apperr.UpstreamError{Service: name, StatusCode: http.StatusOK, Body: data, Err: fmt.Errorf("%s", msg)}})
			return false
		}
		return true
	})
	if err != nil {
		send(&provider.Chunk{Err: &apperr.UpstreamError{Service: name, Err: err}})
		return
	}
	if finished {
		return
	}
	if !stopped {
		send(&provider.Chunk{Err: &apperr.UpstreamError{Service: name, StatusCode: http.StatusOK, Err: provider.ErrIncompleteStream}})
		return
	}
	send(&provider.Chunk{Done: true, InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens})
}

func (p *AnthropicProvider) newRequest(ctx context.Context, payload anthropicRequest) (*http.Request, error) {
	httpReq, err := provider.NewJSONRequest(ctx, fmt.Sprintf("%s/v1/messages", p.baseURL), payload)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	return httpReq, nil
}

// mapRequest lifts system messages into the top-level system field. The
// messages API has no tool role, so tool output is sent as user content.
func (p *AnthropicProvider) mapRequest(req *provider.Request) anthropicRequest {
	var system []string
	var messages []anthropicMessage

	for _, m := range req.Messages {
		if m.Role == provider.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		role := "user"
		if m.Role == provider.RoleAssistant {
			role = "assistant"
		}
		messages = append(messages, anthropicMessage{
			Role:    role,
			Content: m.Content,
		})
	}

	var tools []anthropicTool
	for _, t := range req.Tools {
		schema := t.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		tools = append(tools, anthropicTool{
			Name:        provider.WireToolName(t.Name),
			Description: t.Description,
			InputSchema: schema,
		})
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	return anthropicRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		System:      strings.Join(system, "\n\n"),
		Messages:    messages,
		Tools:       tools,
		Temperature: req.Temperature,
	}
}

func (p *AnthropicProvider) Name() string {
	return name
}

func (p *AnthropicProvider) SupportsTools() bool {
	return true
}

func (p *AnthropicProvider) SupportsStreaming() bool {
	return true
}

func (p *AnthropicProvider) CostPerInputToken() float64 {
	return 0.000003
}

func (p *AnthropicProvider) CostPerOutputToken() float64 {
	return 0.000015
}

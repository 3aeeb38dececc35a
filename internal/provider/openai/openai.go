package openai

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
	name           = "openai"
	defaultBaseURL = "https://api.openai.com/v1"
)

type OpenAIProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type openAIRequest struct {
	Model         string          `json:"model"`
	Messages      []openAIMessage `json:"messages"`
	Tools         []openAITool    `json:"tools,omitempty"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	StreamOptions *streamOptions  `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage"`
	Model   string         `json:"model"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	Delta        openAIDelta   `json:"delta"`
	FinishReason string        `json:"finish_reason"`
}

type openAIDelta struct {
	Content string `json:"content"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func New(cfg config.ProviderConfig) *OpenAIProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &OpenAIProvider{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  provider.NewHTTPClient(cfg.Timeout),
	}
}

func (p *OpenAIProvider) Generate(ctx context.Context, req *provider.Request) (*provider.Result, error) {
	if p.apiKey == "" {
		return nil, &apperr.ConfigurationError{Component: name, Reason: "OPENAI_API_KEY is not set"}
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

	var openAIResp openAIResponse
	raw, err := provider.DecodeBody(name, resp, &openAIResp)
	if err != nil {
		return nil, err
	}
	if len(openAIResp.Choices) == 0 {
		return nil, &apperr.UpstreamError{Service: name, StatusCode: resp.StatusCode, Body: string(raw), Err: fmt.Errorf("no choices in response")}
	}

	choice := openAIResp.Choices[0]
	out := &provider.Response{
		ID:           openAIResp.ID,
		Content:      choice.Message.Content,
		ToolCalls:    mapToolCalls(choice.Message.ToolCalls, provider.ToolNameIndex(req.Tools)),
		FinishReason: choice.FinishReason,
		Model:        openAIResp.Model,
		Provider:     name,
		Raw:          raw,
	}
	if openAIResp.Usage != nil {
		out.InputTokens = openAIResp.Usage.PromptTokens
		out.OutputTokens = openAIResp.Usage.CompletionTokens
	}
	return &provider.Result{Response: out}, nil
}

func (p *OpenAIProvider) generateStream(ctx context.Context, payload openAIRequest) (*provider.Result, error) {
	payload.Stream = true
	payload.StreamOptions = &streamOptions{IncludeUsage: true}

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

func readStream(ctx context.Context, body io.Reader, send func(*provider.Chunk) bool) {
	var usage openAIUsage
	failed, complete := false, false

	err := provider.ReadSSE(body, func(_, data string) bool {
		if data == "[DONE]" {
			complete = true
			return false
		}

		var openAIResp openAIResponse
		if err := json.Unmarshal([]byte(data), &openAIResp); err != nil {
			failed = true
			send(&provider.Chunk{Err: &apperr.UpstreamError{Service: name, StatusCode: http.StatusOK, Body: data, Err: err}})
			return false
		}
		if openAIResp.Usage != nil {
			usage = *openAIResp.Usage
		}
		if len(openAIResp.Choices) > 0 && openAIResp.Choices[0].FinishReason != "" {
			complete = true
		}
		if len(openAIResp.Choices) > 0 && openAIResp.Choices[0].Delta.Content != "" {
			return send(&provider.Chunk{Delta: openAIResp.Choices[0].Delta.Content, Raw: []byte(data)})
		}
		return true
	})
	if err != nil {
		send(&provider.Chunk{Err: &apperr.UpstreamError{Service: name, Err: err}})
		return
	}
	if failed {
		return
	}
	if !complete {
		send(&provider.Chunk{Err: &apperr.UpstreamError{Service: name, StatusCode: http.StatusOK, Err: provider.ErrIncompleteStream}})
		return
	}
	send(&provider.Chunk{Done: true, InputTokens: usage.PromptTokens, OutputTokens: usage.CompletionTokens})
}

func (p *OpenAIProvider) newRequest(ctx context.Context, payload openAIRequest) (*http.Request, error) {
	httpReq, err := provider.NewJSONRequest(ctx, fmt.Sprintf("%s/chat/completions", p.baseURL), payload)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", p.apiKey))
	return httpReq, nil
}

func (p *OpenAIProvider) mapRequest(req *provider.Request) openAIRequest {
	messages := make([]openAIMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = openAIMessage{
			Role:    string(m.Role),
			Content: m.Content,
		}
	}

	var tools []openAITool
	for _, t := range req.Tools {
		tools = append(tools, openAITool{
			Type: "function",
			Function: openAIFunction{
				Name:        provider.WireToolName(t.Name),
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}

	return openAIRequest{
		Model:       req.Model,
		Messages:    messages,
		Tools:       tools,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
}

func mapToolCalls(calls []openAIToolCall, idx map[string]string) []provider.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]provider.ToolCall, len(calls))
	for i, c := range calls {
		args := json.RawMessage(c.Function.Arguments)
		if !json.Valid(args) {
			args, _ = json.Marshal(c.Function.Arguments)
		}
		out[i] = provider.ToolCall{
			ID:        c.ID,
			Name:      provider.OriginalToolName(idx, c.Function.Name),
			Arguments: args,
		}
	}
	return out
}

func (p *OpenAIProvider) Name() string {
	return name
}

func (p *OpenAIProvider) SupportsTools() bool {
	return true
}

func (p *OpenAIProvider) SupportsStreaming() bool {
	return true
}

func (p *OpenAIProvider) CostPerInputToken() float64 {
	return 0.00000040
}

func (p *OpenAIProvider) CostPerOutputToken() float64 {
	return 0.00000160
}

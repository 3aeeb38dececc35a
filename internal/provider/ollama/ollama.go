package ollama

import (
	"bufio"
	"bytes"
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
	name           = "ollama"
	defaultBaseURL = "http://localhost:11434"
)

// OllamaProvider talks to a local Ollama daemon. No credentials are needed.
type OllamaProvider struct {
	baseURL string
	client  *http.Client
}

type chatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *chatOptions    `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatOptions struct {
	NumPredict  int      `json:"num_predict,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// chatResponse is both the non-streaming body and one line of the
// newline-delimited stream.
type chatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error"`
}

func New(cfg config.ProviderConfig) *OllamaProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &OllamaProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  provider.NewHTTPClient(cfg.Timeout),
	}
}

func (p *OllamaProvider) Generate(ctx context.Context, req *provider.Request) (*provider.Result, error) {
	payload := p.mapRequest(req)
	if req.Stream {
		return p.generateStream(ctx, payload)
	}

	httpReq, err := provider.NewJSONRequest(ctx, fmt.Sprintf("%s/api/chat", p.baseURL), payload)
	if err != nil {
		return nil, err
	}
	resp, err := provider.Send(p.client, name, httpReq)
	if err != nil {
		return nil, err
	}

	var chatResp chatResponse
	raw, err := provider.DecodeBody(name, resp, &chatResp)
	if err != nil {
		return nil, err
	}

	return &provider.Result{Response: &provider.Response{
		Content:      chatResp.Message.Content,
		FinishReason: chatResp.DoneReason,
		InputTokens:  chatResp.PromptEvalCount,
		OutputTokens: chatResp.EvalCount,
		Model:        chatResp.Model,
		Provider:     name,
		Raw:          raw,
	}}, nil
}

func (p *OllamaProvider) generateStream(ctx context.Context, payload chatRequest) (*provider.Result, error) {
	payload.Stream = true

	ctx, cancel := context.WithCancel(ctx)
	httpReq, err := provider.NewJSONRequest(ctx, fmt.Sprintf("%s/api/chat", p.baseURL), payload)
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
	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadBytes('\n')
		line = bytes.TrimSpace(line)

		if len(line) > 0 {
			var chunk chatResponse
			if jerr := json.Unmarshal(line, &chunk); jerr != nil {
				send(&provider.Chunk{Err: &apperr.UpstreamError{Service: name, StatusCode: http.StatusOK, Body: string(line), Err: jerr}})
				return
			}
			if chunk.Error != "" {
				send(&provider.Chunk{Err: &apperr.UpstreamError{Service: name, StatusCode: http.StatusOK, Body: string(line), Err: fmt.Errorf("%s", chunk.Error)}})
				return
			}
			if chunk.Message.Content != "" {
				if !send(&provider.Chunk{Delta: chunk.Message.Content, Raw: append([]byte(nil), line...)}) {
					return
				}
			}
			if chunk.Done {
				send(&provider.Chunk{Done: true, InputTokens: chunk.PromptEvalCount, OutputTokens: chunk.EvalCount})
				return
			}
		}

		if err != nil {
			if err == io.EOF {
				// A complete stream returns on its done line before EOF.
				send(&provider.Chunk{Err: &apperr.UpstreamError{Service: name, StatusCode: http.StatusOK, Err: provider.ErrIncompleteStream}})
				return
			}
			send(&provider.Chunk{Err: &apperr.UpstreamError{Service: name, Err: err}})
			return
		}
	}
}

func (p *OllamaProvider) mapRequest(req *provider.Request) chatRequest {
	messages := make([]ollamaMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = ollamaMessage{Role: string(m.Role), Content: m.Content}
	}

	out := chatRequest{
		Model:    req.Model,
		Messages: messages,
	}
	if req.MaxTokens > 0 || req.Temperature != nil {
		out.Options = &chatOptions{NumPredict: req.MaxTokens, Temperature: req.Temperature}
	}
	return out
}

func (p *OllamaProvider) Name() string {
	return name
}

func (p *OllamaProvider) SupportsTools() bool {
	return false
}

func (p *OllamaProvider) SupportsStreaming() bool {
	return true
}

package watsonx

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/vnmchuo/copilot-gateway/config"
	"github.com/vnmchuo/copilot-gateway/internal/apperr"
	"github.com/vnmchuo/copilot-gateway/internal/provider"
)

const (
	name           = "watsonx"
	defaultBaseURL = "https://us-south.ml.cloud.ibm.com"
	defaultVersion = "2023-05-29"
)

// WatsonxProvider calls the watsonx.ai text generation endpoint. The endpoint
// takes a single prompt, so chat messages are flattened into one input.
type WatsonxProvider struct {
	apiKey    string
	projectID string
	baseURL   string
	version   string
	client    *http.Client
}

type generationRequest struct {
	ModelID    string           `json:"model_id"`
	Input      string           `json:"input"`
	ProjectID  string           `json:"project_id"`
	Parameters generationParams `json:"parameters"`
}

type generationParams struct {
	MaxNewTokens int      `json:"max_new_tokens,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
}

type generationResponse struct {
	ModelID string             `json:"model_id"`
	Results []generationResult `json:"results"`
}

type generationResult struct {
	GeneratedText       string `json:"generated_text"`
	GeneratedTokenCount int    `json:"generated_token_count"`
	InputTokenCount     int    `json:"input_token_count"`
	StopReason          string `json:"stop_reason"`
}

func New(cfg config.WatsonxConfig) *WatsonxProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	version := cfg.Version
	if version == "" {
		version = defaultVersion
	}
	return &WatsonxProvider{
		apiKey:    cfg.APIKey,
		projectID: cfg.ProjectID,
		baseURL:   strings.TrimRight(baseURL, "/"),
		version:   version,
		client:    provider.NewHTTPClient(cfg.Timeout),
	}
}

func (p *WatsonxProvider) Generate(ctx context.Context, req *provider.Request) (*provider.Result, error) {
	if p.apiKey == "" || p.projectID == "" {
		return nil, &apperr.ConfigurationError{Component: name, Reason: "WATSONX_API_KEY and WATSONX_PROJECT_ID must both be set"}
	}

	endpoint := fmt.Sprintf("%s/ml/v1/text/generation?version=%s", p.baseURL, url.QueryEscape(p.version))
	httpReq, err := provider.NewJSONRequest(ctx, endpoint, p.mapRequest(req))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", p.apiKey))

	resp, err := provider.Send(p.client, name, httpReq)
	if err != nil {
		return nil, err
	}

	var genResp generationResponse
	raw, err := provider.DecodeBody(name, resp, &genResp)
	if err != nil {
		return nil, err
	}
	if len(genResp.Results) == 0 {
		return nil, &apperr.UpstreamError{Service: name, StatusCode: resp.StatusCode, Body: string(raw), Err: fmt.Errorf("no results in response")}
	}

	result := genResp.Results[0]
	return &provider.Result{Response: &provider.Response{
		Content:      result.GeneratedText,
		FinishReason: result.StopReason,
		InputTokens:  result.InputTokenCount,
		OutputTokens: result.GeneratedTokenCount,
		Model:        genResp.ModelID,
		Provider:     name,
		Raw:          raw,
	}}, nil
}

func (p *WatsonxProvider) mapRequest(req *provider.Request) generationRequest {
	parts := make([]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		parts = append(parts, m.Content)
	}

	return generationRequest{
		ModelID:   req.Model,
		Input:     strings.Join(parts, "\n"),
		ProjectID: p.projectID,
		Parameters: generationParams{
			MaxNewTokens: req.MaxTokens,
			Temperature:  req.Temperature,
		},
	}
}

func (p *WatsonxProvider) Name() string {
	return name
}

func (p *WatsonxProvider) SupportsTools() bool {
	return false
}

func (p *WatsonxProvider) SupportsStreaming() bool {
	return false
}

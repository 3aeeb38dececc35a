package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/vnmchuo/copilot-gateway/internal/apperr"
)

const maxErrorBody = 64 << 10

// NewHTTPClient returns a client with its own pooled transport. Adapters keep
// one client for the life of the process. timeout bounds the wait for
// response headers so that long streams are not cut off.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: timeout,
		},
	}
}

// NewJSONRequest builds a POST request carrying payload as JSON.
func NewJSONRequest(ctx context.Context, url string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// Send performs req and converts transport failures and non-2xx responses into
// UpstreamError. On success the caller owns resp.Body.
func Send(client *http.Client, service string, req *http.Request) (*http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, &apperr.UpstreamError{Service: service, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &apperr.UpstreamError{
			Service:    service,
			StatusCode: resp.StatusCode,
			Body:       string(body),
		}
	}
	return resp, nil
}

// DecodeBody reads a JSON response body into v and returns the raw bytes.
func DecodeBody(service string, resp *http.Response, v any) (json.RawMessage, error) {
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &apperr.UpstreamError{Service: service, StatusCode: resp.StatusCode, Err: err}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, &apperr.UpstreamError{
			Service:    service,
			StatusCode: resp.StatusCode,
			Body:       string(raw),
			Err:        fmt.Errorf("decode response: %w", err),
		}
	}
	return raw, nil
}

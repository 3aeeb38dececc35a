// Package calllog persists one audit record per generation attempt.
package calllog

import (
	"context"
	"time"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Entry is append-only. Stores fill ID and CreatedAt on Append.
type Entry struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	UseCase      string    `json:"use_case"`
	ProviderName string    `json:"provider_name"`
	ModelName    string    `json:"model_name"`
	TokensInput  int       `json:"tokens_input"`
	TokensOutput int       `json:"tokens_output"`
	LatencyMs    int64     `json:"latency_ms"`
	Status       Status    `json:"status"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	RequestID    string    `json:"request_id,omitempty"`
	TraceID      string    `json:"trace_id,omitempty"`
	CostUSD      float64   `json:"cost_usd"`
	CreatedAt    time.Time `json:"created_at"`
}

// Filter selects entries for one tenant in [From, To]. Zero Limit means no
// limit.
type Filter struct {
	TenantID string
	From     time.Time
	To       time.Time
	Limit    int
}

// Usage aggregates entries per provider and model.
type Usage struct {
	ProviderName string  `json:"provider_name"`
	ModelName    string  `json:"model_name"`
	Calls        int64   `json:"calls"`
	Errors       int64   `json:"errors"`
	TokensInput  int64   `json:"tokens_input"`
	TokensOutput int64   `json:"tokens_output"`
	CostUSD      float64 `json:"cost_usd"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

type Store interface {
	Append(ctx context.Context, e *Entry) error
	List(ctx context.Context, f Filter) ([]*Entry, error)
	Summary(ctx context.Context, f Filter) ([]*Usage, error)
}

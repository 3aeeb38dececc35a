package provider

import (
	"context"
	"encoding/json"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ToolDescriptor describes a callable tool. Name uses a dotted namespace,
// e.g. "support.answer_ticket".
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type Request struct {
	Model       string
	Messages    []Message
	Tools       []ToolDescriptor
	MaxTokens   int      // 0 leaves the vendor default
	Temperature *float64 // nil leaves the vendor default
	Stream      bool
	// Metadata for logging
	TenantID  string
	RequestID string
}

type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type Response struct {
	ID           string
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	InputTokens  int
	OutputTokens int
	Model        string
	Provider     string
	// Raw is the vendor response body as received.
	Raw json.RawMessage
}

type Chunk struct {
	Delta string
	Raw   []byte
	Done  bool
	Err   error
	// Usage, when the vendor reports it, arrives on the terminal chunk.
	InputTokens  int
	OutputTokens int
}

// Result holds exactly one of Response or Stream.
type Result struct {
	Response *Response
	Stream   *Stream
}

func (r *Result) Streaming() bool {
	return r != nil && r.Stream != nil
}

// Adapter translates generic chat requests into one vendor's wire format.
// Implementations hold pooled HTTP clients and are safe for concurrent use.
// Adapters never retry.
type Adapter interface {
	Name() string
	SupportsTools() bool
	SupportsStreaming() bool
	Generate(ctx context.Context, req *Request) (*Result, error)
}

// Priced is implemented by adapters that can price their token usage.
type Priced interface {
	CostPerInputToken() float64 // cost in USD per 1 token
	CostPerOutputToken() float64
}

// WireToolName maps a dotted tool name to a name accepted by vendor APIs,
// which restrict function names to [a-zA-Z0-9_-].
func WireToolName(name string) string {
	return strings.ReplaceAll(name, ".", "__")
}

// ToolNameIndex returns wire name -> original name for the given tools.
func ToolNameIndex(tools []ToolDescriptor) map[string]string {
	idx := make(map[string]string, len(tools))
	for _, t := range tools {
		idx[WireToolName(t.Name)] = t.Name
	}
	return idx
}

// OriginalToolName resolves a wire name back through idx, falling back to the
// wire name when the vendor returned a tool that was not offered.
func OriginalToolName(idx map[string]string, wire string) string {
	if name, ok := idx[wire]; ok {
		return name
	}
	return wire
}

package policy

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var defaults = ProviderSpec{Name: "openai", Model: "gpt-4.1-mini"}

func TestResolve_DefaultWhenNoOverride(t *testing.T) {
	r, err := NewResolver(defaults, nil)
	require.NoError(t, err)

	spec := r.Resolve("tenant_a", "support")
	assert.Equal(t, "openai", spec.Name)
	assert.Equal(t, "gpt-4.1-mini", spec.Model)
	assert.Equal(t, defaults, r.Defaults())

	for i := 0; i < 3; i++ {
		assert.Equal(t, spec, r.Resolve("tenant_a", "support"), "resolve must be stable")
	}
}

func TestResolve_Override(t *testing.T) {
	r, err := NewResolver(defaults, []*TenantUseCaseConfig{
		{
			TenantID:  "tenant_a",
			UseCase:   "legal",
			LLMPolicy: map[string]any{"provider": "anthropic", "model": "claude-sonnet-4-5", "max_tokens": float64(800), "temperature": 0.2},
		},
		{
			TenantID:  "tenant_b",
			UseCase:   "support",
			LLMPolicy: map[string]any{"model": "gpt-4.1"},
		},
	})
	require.NoError(t, err)

	legal := r.Resolve("tenant_a", "legal")
	assert.Equal(t, "anthropic", legal.Name)
	assert.Equal(t, "claude-sonnet-4-5", legal.Model)
	assert.Equal(t, 800, legal.MaxTokens)
	require.NotNil(t, legal.Temperature)
	assert.InDelta(t, 0.2, *legal.Temperature, 1e-9)

	modelOnly := r.Resolve("tenant_b", "support")
	assert.Equal(t, "openai", modelOnly.Name)
	assert.Equal(t, "gpt-4.1", modelOnly.Model)

	// Other use cases of the same tenant keep the default.
	assert.Equal(t, defaults, r.Resolve("tenant_a", "support"))
}

func TestResolve_EmptyPolicyIsNotAnOverride(t *testing.T) {
	r, err := NewResolver(defaults, []*TenantUseCaseConfig{
		{TenantID: "tenant_a", UseCase: "hr", CrewName: "hr_crew_v1", LLMPolicy: map[string]any{}},
	})
	require.NoError(t, err)
	assert.Equal(t, defaults, r.Resolve("tenant_a", "hr"))
}

func TestNewResolver_Errors(t *testing.T) {
	_, err := NewResolver(ProviderSpec{}, nil)
	assert.Error(t, err)

	_, err = NewResolver(defaults, []*TenantUseCaseConfig{
		{TenantID: "t", UseCase: "u", LLMPolicy: map[string]any{"provider": 42}},
	})
	assert.Error(t, err)

	_, err = NewResolver(defaults, []*TenantUseCaseConfig{
		{TenantID: "t", UseCase: "u", LLMPolicy: map[string]any{"max_tokens": 1.5}},
	})
	assert.Error(t, err)
}

const policyYAML = `
configs:
  - tenant_id: tenant_a
    use_case: support
    crew_name: support_crew_v1
    flow_ids:
      main: support-flow
    llm_policy:
      provider: ollama
      model: llama3.1
      max_tokens: 512
  - tenant_id: tenant_a
    use_case: hr
    crew_name: hr_crew_v1
`

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(strings.NewReader(policyYAML))
	require.NoError(t, err)

	c, err := store.Get(context.Background(), "tenant_a", "support")
	require.NoError(t, err)
	assert.Equal(t, "support_crew_v1", c.CrewName)
	assert.Equal(t, "support-flow", c.FlowRefs["main"])

	_, err = store.Get(context.Background(), "tenant_a", "legal")
	assert.ErrorIs(t, err, ErrConfigNotFound)

	r, err := Load(context.Background(), store, defaults)
	require.NoError(t, err)

	spec := r.Resolve("tenant_a", "support")
	assert.Equal(t, "ollama", spec.Name)
	assert.Equal(t, "llama3.1", spec.Model)
	assert.Equal(t, 512, spec.MaxTokens)
	assert.Equal(t, defaults, r.Resolve("tenant_a", "hr"))
}

func TestFileStore_Duplicate(t *testing.T) {
	_, err := NewFileStore(strings.NewReader(`
configs:
  - {tenant_id: a, use_case: support}
  - {tenant_id: a, use_case: support}
`))
	assert.Error(t, err)
}

func TestFileStore_Empty(t *testing.T) {
	store, err := NewFileStore(strings.NewReader(""))
	require.NoError(t, err)

	configs, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, configs)
}

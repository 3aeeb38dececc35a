// Package policy decides which provider and model serve a tenant's use case.
package policy

import (
	"context"
	"errors"
	"fmt"
)

var ErrConfigNotFound = errors.New("tenant use-case config not found")

// ProviderSpec names the adapter and model for one generation call.
// MaxTokens and Temperature are optional tuning carried from llm_policy.
type ProviderSpec struct {
	Name        string
	Model       string
	MaxTokens   int
	Temperature *float64
}

type TenantUseCaseConfig struct {
	TenantID  string            `yaml:"tenant_id" json:"tenant_id"`
	UseCase   string            `yaml:"use_case" json:"use_case"`
	CrewName  string            `yaml:"crew_name" json:"crew_name"`
	FlowRefs  map[string]string `yaml:"flow_ids" json:"flow_ids"`
	LLMPolicy map[string]any    `yaml:"llm_policy" json:"llm_policy"`
}

// Store is the tenant configuration collaborator. Get returns
// ErrConfigNotFound when no row exists, which callers treat as "no override".
type Store interface {
	List(ctx context.Context) ([]*TenantUseCaseConfig, error)
	Get(ctx context.Context, tenantID, useCase string) (*TenantUseCaseConfig, error)
}

type key struct {
	tenantID string
	useCase  string
}

// Resolver holds an immutable snapshot of defaults and per-tenant overrides.
// It is built once at startup; a restart picks up configuration changes.
type Resolver struct {
	defaults  ProviderSpec
	overrides map[key]ProviderSpec
}

// NewResolver validates the defaults and precomputes every override so that
// Resolve cannot fail.
func NewResolver(defaults ProviderSpec, configs []*TenantUseCaseConfig) (*Resolver, error) {
	if defaults.Name == "" || defaults.Model == "" {
		return nil, errors.New("default provider and model are required")
	}

	r := &Resolver{
		defaults:  defaults,
		overrides: make(map[key]ProviderSpec, len(configs)),
	}
	for _, c := range configs {
		spec, ok, err := overrideSpec(defaults, c.LLMPolicy)
		if err != nil {
			return nil, fmt.Errorf("llm_policy for %s/%s: %w", c.TenantID, c.UseCase, err)
		}
		if ok {
			r.overrides[key{c.TenantID, c.UseCase}] = spec
		}
	}
	return r, nil
}

// Load reads every config from store and builds a Resolver from them.
func Load(ctx context.Context, store Store, defaults ProviderSpec) (*Resolver, error) {
	configs, err := store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant configs: %w", err)
	}
	return NewResolver(defaults, configs)
}

// Resolve returns the override for (tenantID, useCase) when one exists and
// the global default otherwise.
func (r *Resolver) Resolve(tenantID, useCase string) ProviderSpec {
	if spec, ok := r.overrides[key{tenantID, useCase}]; ok {
		return spec
	}
	return r.defaults
}

func (r *Resolver) Defaults() ProviderSpec {
	return r.defaults
}

// overrideSpec reads provider, model, max_tokens and temperature out of an
// llm_policy map. A policy that names neither provider nor model and sets no
// tuning is not an override.
func overrideSpec(defaults ProviderSpec, p map[string]any) (ProviderSpec, bool, error) {
	if len(p) == 0 {
		return ProviderSpec{}, false, nil
	}

	spec := defaults
	set := false

	if v, ok := p["provider"]; ok {
		s, isStr := v.(string)
		if !isStr {
			return ProviderSpec{}, false, fmt.Errorf("provider must be a string, got %T", v)
		}
		if s != "" {
			spec.Name = s
			set = true
		}
	}
	if v, ok := p["model"]; ok {
		s, isStr := v.(string)
		if !isStr {
			return ProviderSpec{}, false, fmt.Errorf("model must be a string, got %T", v)
		}
		if s != "" {
			spec.Model = s
			set = true
		}
	}
	if v, ok := p["max_tokens"]; ok {
		n, err := toFloat(v)
		if err != nil || n < 0 || n != float64(int(n)) {
			return ProviderSpec{}, false, fmt.Errorf("max_tokens must be a non-negative integer, got %v", v)
		}
		spec.MaxTokens = int(n)
		set = true
	}
	if v, ok := p["temperature"]; ok {
		f, err := toFloat(v)
		if err != nil {
			return ProviderSpec{}, false, fmt.Errorf("temperature: %w", err)
		}
		spec.Temperature = &f
		set = true
	}

	return spec, set, nil
}

// toFloat accepts the numeric shapes produced by the JSON and YAML decoders.
func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("expected a number, got %T", v)
}

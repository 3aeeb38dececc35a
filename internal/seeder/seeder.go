// Package seeder writes development data: a test API key, tenant_a's
// use-case configs and a handful of demo documents.
package seeder

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vnmchuo/copilot-gateway/internal/auth"
	"github.com/vnmchuo/copilot-gateway/internal/policy"
	"github.com/vnmchuo/copilot-gateway/internal/rag"
)

const (
	TestAPIKey   = "test-api-key-12345"
	TestTenantID = "tenant_a"
)

// ConfigWriter is satisfied by policy.PostgresStore.
type ConfigWriter interface {
	Upsert(ctx context.Context, c *policy.TenantUseCaseConfig) error
}

type Seeder struct {
	Keys      auth.Store
	Configs   ConfigWriter
	Engine    rag.Engine
	Dimension int
	Logger    *slog.Logger
}

// Run seeds everything. An existing API key is not an error; the other steps
// are idempotent upserts.
func (s *Seeder) Run(ctx context.Context) error {
	s.seedAPIKey(ctx)

	if err := s.seedConfigs(ctx); err != nil {
		return err
	}
	return s.SeedDocuments(ctx)
}

func (s *Seeder) seedAPIKey(ctx context.Context) {
	apiKey := &auth.APIKey{
		TenantID:  TestTenantID,
		KeyHash:   auth.HashKey(TestAPIKey),
		RateLimit: 1000000,
		Active:    true,
	}

	if err := s.Keys.Create(ctx, apiKey); err != nil {
		s.Logger.Info("api key may already exist, skipping", "error", err)
		return
	}
	s.Logger.Info("test api key created", "key", TestAPIKey, "tenant_id", TestTenantID)
}

// Configs returns the tenant_a rows written by Run.
func Configs() []*policy.TenantUseCaseConfig {
	var out []*policy.TenantUseCaseConfig
	for _, uc := range []string{"support", "hr", "legal"} {
		out = append(out, &policy.TenantUseCaseConfig{
			TenantID: TestTenantID,
			UseCase:  uc,
			CrewName: uc + "_crew_v1",
			FlowRefs: map[string]string{"main": uc + "_flow"},
			LLMPolicy: map[string]any{
				"provider": "openai",
				"model":    "gpt-4.1-mini",
			},
		})
	}
	return out
}

func (s *Seeder) seedConfigs(ctx context.Context) error {
	for _, c := range Configs() {
		if err := s.Configs.Upsert(ctx, c); err != nil {
			return fmt.Errorf("seed config %s/%s: %w", c.TenantID, c.UseCase, err)
		}
	}
	s.Logger.Info("tenant configs seeded", "tenant_id", TestTenantID)
	return nil
}

type demoBatch struct {
	useCase string
	source  string
	docs    []rag.Document
}

var demo = []demoBatch{
	{
		useCase: "support",
		source:  "kb",
		docs: []rag.Document{
			{ID: "kb-001", Text: "To reset your password, open Settings, choose Security and click Reset password. A link is emailed within five minutes."},
			{ID: "kb-002", Text: "Refunds are issued to the original payment method within 5 to 7 business days after the return is received."},
			{ID: "kb-003", Text: "Accounts locked after repeated failed logins unlock automatically after 30 minutes, or an agent can unlock them immediately."},
		},
	},
	{
		useCase: "hr",
		source:  "policies",
		docs: []rag.Document{
			{ID: "hr-001", Text: "Full-time employees accrue 1.5 days of paid vacation per month, up to 25 days per year."},
			{ID: "hr-002", Text: "Parental leave is 16 weeks at full pay for the primary caregiver and 6 weeks for the secondary caregiver."},
		},
	},
	{
		useCase: "legal",
		source:  "contracts",
		docs: []rag.Document{
			{ID: "lg-001", Text: "Standard liability cap: aggregate liability must not exceed the fees paid in the twelve months preceding the claim."},
			{ID: "lg-002", Text: "Contracts governed by foreign law require review by regional counsel before signature."},
		},
	},
}

// SeedDocuments ingests the demo documents for every tenant_a use case.
func (s *Seeder) SeedDocuments(ctx context.Context) error {
	for _, b := range demo {
		if err := rag.Ingest(ctx, s.Engine, s.Logger, TestTenantID, b.useCase, b.source, b.docs, s.Dimension); err != nil {
			return fmt.Errorf("seed %s documents: %w", b.useCase, err)
		}
	}
	return nil
}

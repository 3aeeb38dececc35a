package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	PolicySourcePostgres = "postgres"
	PolicySourceFile     = "file"
	PolicySourceNone     = "none"
)

type Config struct {
	// Server
	Port     string `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Database
	PostgresDSN string `env:"POSTGRES_DSN"`

	// Cache
	RedisAddr string `env:"REDIS_ADDR"`

	// Call log
	CallLogDriver    string `env:"CALL_LOG_DRIVER" envDefault:"postgres"`
	SQLitePath       string `env:"SQLITE_PATH" envDefault:"copilot.db"`
	CallLogAsync     bool   `env:"CALL_LOG_ASYNC" envDefault:"false"`
	CallLogWorkers   int    `env:"CALL_LOG_WORKERS" envDefault:"2"`
	CallLogQueueSize int    `env:"CALL_LOG_QUEUE_SIZE" envDefault:"256"`

	// Policy
	DefaultProvider string `env:"LLM_DEFAULT_PROVIDER" envDefault:"openai"`
	DefaultModel    string `env:"LLM_DEFAULT_MODEL" envDefault:"gpt-4.1-mini"`
	PolicySource    string `env:"POLICY_SOURCE" envDefault:"postgres"`
	PolicyFile      string `env:"POLICY_FILE"`

	// Providers
	OpenAI    ProviderConfig `envPrefix:"OPENAI_"`
	Anthropic ProviderConfig `envPrefix:"ANTHROPIC_"`
	Watsonx   WatsonxConfig  `envPrefix:"WATSONX_"`
	Ollama    ProviderConfig `envPrefix:"OLLAMA_"`

	// Circuit breaking
	BreakerFailureThreshold uint32        `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"3"`
	BreakerOpenTimeout      time.Duration `env:"BREAKER_OPEN_TIMEOUT" envDefault:"30s"`

	// Retrieval
	VectorStoreURL  string `env:"VECTOR_STORE_URL"`
	VectorDimension int    `env:"VECTOR_DIMENSION" envDefault:"1536"`

	// Tool-context gateway
	ToolGatewayURL     string        `env:"TOOL_GATEWAY_URL"`
	ToolGatewayTimeout time.Duration `env:"TOOL_GATEWAY_TIMEOUT" envDefault:"30s"`

	// Observability
	OTELExporterType     string `env:"OTEL_EXPORTER_TYPE" envDefault:"stdout"`
	OTELExporterEndpoint string `env:"OTEL_EXPORTER_ENDPOINT" envDefault:"localhost:4317"`

	// Rate Limiting
	DefaultRateLimitTPM int64 `env:"DEFAULT_RATE_LIMIT_TPM" envDefault:"100000"` // tokens per minute
}

// ProviderConfig holds connection settings for one upstream vendor. An empty
// APIKey is legal here; the adapter rejects calls at request time.
type ProviderConfig struct {
	APIKey  string        `env:"API_KEY"`
	BaseURL string        `env:"BASE_URL"`
	Timeout time.Duration `env:"TIMEOUT" envDefault:"30s"`
}

type WatsonxConfig struct {
	ProviderConfig
	ProjectID string `env:"PROJECT_ID"`
	Version   string `env:"VERSION" envDefault:"2023-05-29"`
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the process cannot start with. Missing
// provider credentials are deliberately not checked here.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DefaultProvider) == "" || strings.TrimSpace(c.DefaultModel) == "" {
		return errors.New("LLM_DEFAULT_PROVIDER and LLM_DEFAULT_MODEL are required")
	}

	switch c.CallLogDriver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("CALL_LOG_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.CallLogDriver)
	}

	switch c.PolicySource {
	case PolicySourcePostgres, PolicySourceNone:
	case PolicySourceFile:
		if c.PolicyFile == "" {
			return errors.New("POLICY_FILE is required when POLICY_SOURCE=file")
		}
	default:
		return fmt.Errorf("POLICY_SOURCE must be one of postgres, file, none; got %q", c.PolicySource)
	}

	// API keys live in Postgres regardless of the call-log driver.
	if c.PostgresDSN == "" {
		return errors.New("POSTGRES_DSN is required")
	}
	if c.RedisAddr == "" {
		return errors.New("REDIS_ADDR is required")
	}
	if c.CallLogAsync && (c.CallLogWorkers <= 0 || c.CallLogQueueSize <= 0) {
		return errors.New("CALL_LOG_WORKERS and CALL_LOG_QUEUE_SIZE must be positive")
	}
	if c.DefaultRateLimitTPM <= 0 {
		return fmt.Errorf("invalid DEFAULT_RATE_LIMIT_TPM: %d", c.DefaultRateLimitTPM)
	}

	return nil
}

package config

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMissingSecret is returned when a required secret is not set in the environment.
	ErrMissingSecret = errors.New("missing required secret")
	// ErrInvalid is returned when a configuration value is out of range or malformed.
	ErrInvalid = errors.New("invalid configuration")
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"

	// SearchAgentName is the prompts.yaml key of the place search agent.
	SearchAgentName = "SEARCH_AGENT"
)

// Config represents the main dosug configuration. File-backed sections come
// from config.yaml; Secrets and Prompts are filled by the Loader from the
// environment and prompts.yaml.
type Config struct {
	Agents  AgentsConfig  `json:"agents" mapstructure:"agents"`
	Bot     BotConfig     `json:"bot" mapstructure:"bot"`
	Storage StorageConfig `json:"storage" mapstructure:"storage"`
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory for the database, PID file and logs
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	Secrets Secrets `json:"-" mapstructure:"-"`
	Prompts Prompts `json:"-" mapstructure:"-"`
}

// AgentsConfig holds the declarative model defaults and run limits.
// Model parameters are pointers so an absent key stays distinguishable
// from an explicit zero.
type AgentsConfig struct {
	Provider    string   `json:"provider" mapstructure:"provider"` // openai, anthropic
	ModelName   *string  `json:"model_name,omitempty" mapstructure:"model_name"`
	Temperature *float64 `json:"temperature,omitempty" mapstructure:"temperature"`
	MaxTokens   *int     `json:"max_tokens,omitempty" mapstructure:"max_tokens"`
	TopP        *float64 `json:"top_p,omitempty" mapstructure:"top_p"`

	MaxSteps       int           `json:"max_steps" mapstructure:"max_steps"`
	RunTimeout     time.Duration `json:"run_timeout" mapstructure:"run_timeout"`
	ToolTimeout    time.Duration `json:"tool_timeout" mapstructure:"tool_timeout"`
	SearchToolName string        `json:"search_tool_name" mapstructure:"search_tool_name"`
	HistoryLimit   int           `json:"history_limit" mapstructure:"history_limit"`
	ReplyWithAgent bool          `json:"reply_with_agent" mapstructure:"reply_with_agent"`
}

// BotConfig holds Telegram transport settings
type BotConfig struct {
	APIEndpoint    string        `json:"api_endpoint" mapstructure:"api_endpoint"`
	PollTimeout    int           `json:"poll_timeout" mapstructure:"poll_timeout"`
	SendRate       float64       `json:"send_rate" mapstructure:"send_rate"` // messages per second
	SendBurst      int           `json:"send_burst" mapstructure:"send_burst"`
	StreamInterval time.Duration `json:"stream_interval" mapstructure:"stream_interval"`
	QueueSize      int           `json:"queue_size" mapstructure:"queue_size"`
	NotifyAdmins   bool          `json:"notify_admins" mapstructure:"notify_admins"`
}

// StorageConfig holds SQLite settings
type StorageConfig struct {
	Path              string `json:"path" mapstructure:"path"`
	RetentionDays     int    `json:"retention_days" mapstructure:"retention_days"`
	RetentionSchedule string `json:"retention_schedule" mapstructure:"retention_schedule"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// MetricsConfig holds the ops HTTP server settings
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// Secrets are read only from the process environment (and an optional .env file).
// They never come from config.yaml.
type Secrets struct {
	OpenAIAPIKey     string  `env:"OPENAI_API_KEY"`
	OpenAIBaseURL    string  `env:"OPENAI_BASE_URL"`
	AnthropicAPIKey  string  `env:"ANTHROPIC_API_KEY"`
	AnthropicBaseURL string  `env:"ANTHROPIC_BASE_URL"`
	SearchAPIKey     string  `env:"SEARCH_API_KEY"`
	SearchMCPURL     string  `env:"YANDEX_SEARCH_MCP_URL"`
	BotToken         string  `env:"BOT_TOKEN"`
	AdminIDs         []int64 `env:"ADMIN_IDS" envSeparator:","`
}

// AgentPrompt is one entry of prompts.yaml
type AgentPrompt struct {
	SystemPrompt string `yaml:"SYSTEM_PROMPT"`
}

// Prompts maps an agent name to its prompt block
type Prompts map[string]AgentPrompt

// SystemPrompts flattens the prompts into agent name -> system prompt.
func (p Prompts) SystemPrompts() map[string]string {
	out := make(map[string]string, len(p))
	for name, prompt := range p {
		out[name] = prompt.SystemPrompt
	}
	return out
}

// ProviderCredentials returns the api key and base url for the configured provider.
func (c *Config) ProviderCredentials() (apiKey, baseURL string) {
	switch c.Agents.Provider {
	case ProviderAnthropic:
		return c.Secrets.AnthropicAPIKey, c.Secrets.AnthropicBaseURL
	default:
		return c.Secrets.OpenAIAPIKey, c.Secrets.OpenAIBaseURL
	}
}

// SecretValues lists the configured secrets for log redaction.
func (c *Config) SecretValues() []string {
	return []string{
		c.Secrets.OpenAIAPIKey,
		c.Secrets.AnthropicAPIKey,
		c.Secrets.SearchAPIKey,
		c.Secrets.BotToken,
	}
}

// DefaultConfig returns a config with default values.
// Model parameters are left nil so the resolver's constants apply.
func DefaultConfig() *Config {
	return &Config{
		Agents: AgentsConfig{
			Provider:       ProviderOpenAI,
			MaxSteps:       10,
			RunTimeout:     2 * time.Minute,
			ToolTimeout:    30 * time.Second,
			SearchToolName: "yandex_search",
			HistoryLimit:   10,
		},
		Bot: BotConfig{
			PollTimeout:    60,
			SendRate:       25,
			SendBurst:      5,
			StreamInterval: time.Second,
			QueueSize:      64,
			NotifyAdmins:   true,
		},
		Storage: StorageConfig{
			Path:              "",
			RetentionDays:     0,
			RetentionSchedule: "@daily",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			Redaction: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9090",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "dosug",
			SampleRatio: 1,
		},
	}
}

// Validate checks the settings the agent core needs. A failure here is a
// fatal startup error.
func (c *Config) Validate() error {
	switch c.Agents.Provider {
	case ProviderOpenAI:
		if c.Secrets.OpenAIAPIKey == "" {
			return fmt.Errorf("%w: OPENAI_API_KEY", ErrMissingSecret)
		}
		if c.Secrets.OpenAIBaseURL == "" {
			return fmt.Errorf("%w: OPENAI_BASE_URL", ErrMissingSecret)
		}
	case ProviderAnthropic:
		if c.Secrets.AnthropicAPIKey == "" {
			return fmt.Errorf("%w: ANTHROPIC_API_KEY", ErrMissingSecret)
		}
	default:
		return fmt.Errorf("%w: unknown provider %q (must be: openai, anthropic)", ErrInvalid, c.Agents.Provider)
	}

	if c.Secrets.SearchMCPURL == "" {
		return fmt.Errorf("%w: YANDEX_SEARCH_MCP_URL", ErrMissingSecret)
	}

	v := NewValidator()
	if errs := v.ValidateConfig(c); len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}

	return nil
}

// ValidateBot checks the settings only the Telegram daemon needs.
func (c *Config) ValidateBot() error {
	if c.Secrets.BotToken == "" {
		return fmt.Errorf("%w: BOT_TOKEN", ErrMissingSecret)
	}
	if err := NewValidator().ValidateTelegramToken(c.Secrets.BotToken); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

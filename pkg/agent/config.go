package agent

import "github.com/rs/zerolog"

// Values used when neither an override nor a configured default is present.
const (
	DefaultModel       = "gpt-4o-mini"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 10000
	DefaultTopP        = 0.95
)

// Provider names accepted by BuildClient.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Credentials are the provider secrets. They are only ever read from the
// secret source and cannot be replaced by defaults or overrides.
type Credentials struct {
	Provider string
	APIKey   string
	BaseURL  string
}

// Defaults are the model settings read from the defaults file.
// A nil field is absent.
type Defaults struct {
	ModelName   *string
	Temperature *float64
	MaxTokens   *int
	TopP        *float64
}

// Overrides are per-call model settings. A nil field (or an empty model
// name) is absent.
type Overrides struct {
	ModelName   *string
	Temperature *float64
	MaxTokens   *int
	TopP        *float64
}

// ModelConfig is the fully resolved model configuration.
type ModelConfig struct {
	Provider    string
	Model       string
	Temperature float64
	MaxTokens   int
	TopP        float64
	APIKey      string
	BaseURL     string
}

// MarshalZerologObject logs the configuration without the API key.
func (c ModelConfig) MarshalZerologObject(e *zerolog.Event) {
	e.Str("provider", c.Provider).
		Str("model", c.Model).
		Float64("temperature", c.Temperature).
		Int("max_tokens", c.MaxTokens).
		Float64("top_p", c.TopP).
		Str("base_url", c.BaseURL).
		Bool("api_key_set", c.APIKey != "")
}

// ResolveModelConfig merges the three sources field by field: an override
// wins over a configured default, which wins over the built-in constant.
func ResolveModelConfig(creds Credentials, defaults Defaults, overrides Overrides) ModelConfig {
	provider := creds.Provider
	if provider == "" {
		provider = ProviderOpenAI
	}

	return ModelConfig{
		Provider:    provider,
		Model:       firstString(overrides.ModelName, defaults.ModelName, DefaultModel),
		Temperature: first(overrides.Temperature, defaults.Temperature, DefaultTemperature),
		MaxTokens:   first(overrides.MaxTokens, defaults.MaxTokens, DefaultMaxTokens),
		TopP:        first(overrides.TopP, defaults.TopP, DefaultTopP),
		APIKey:      creds.APIKey,
		BaseURL:     creds.BaseURL,
	}
}

func first[T any](override, def *T, fallback T) T {
	if override != nil {
		return *override
	}
	if def != nil {
		return *def
	}
	return fallback
}

func firstString(override, def *string, fallback string) string {
	if override != nil && *override != "" {
		return *override
	}
	if def != nil && *def != "" {
		return *def
	}
	return fallback
}

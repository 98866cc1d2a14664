package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"
)

var telegramTokenPattern = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]+$`)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateTelegramToken validates a Telegram bot token
func (v *Validator) ValidateTelegramToken(token string) error {
	if token == "" {
		return fmt.Errorf("telegram bot token cannot be empty")
	}

	// Telegram bot tokens have format: <bot_id>:<token>
	if !telegramTokenPattern.MatchString(token) {
		return fmt.Errorf("invalid Telegram bot token format")
	}

	return nil
}

// ValidateURL validates an absolute http(s) URL
func (v *Validator) ValidateURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must be an http(s) URL, got %q", name, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s is missing a host", name)
	}
	return nil
}

// ValidateModel validates a model name
func (v *Validator) ValidateModel(model string) error {
	if strings.TrimSpace(model) == "" {
		return fmt.Errorf("model name cannot be blank")
	}
	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", temp)
	}
	return nil
}

// ValidateTopP validates nucleus sampling value
func (v *Validator) ValidateTopP(topP float64) error {
	if topP < 0 || topP > 1 {
		return fmt.Errorf("top_p must be between 0 and 1, got %f", topP)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateSchedule validates a cron spec or descriptor such as @daily
func (v *Validator) ValidateSchedule(spec string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	a := cfg.Agents
	if a.ModelName != nil {
		if err := v.ValidateModel(*a.ModelName); err != nil {
			errors = append(errors, fmt.Errorf("agents.model_name: %w", err))
		}
	}
	if a.Temperature != nil {
		if err := v.ValidateTemperature(*a.Temperature); err != nil {
			errors = append(errors, fmt.Errorf("agents.temperature: %w", err))
		}
	}
	if a.TopP != nil {
		if err := v.ValidateTopP(*a.TopP); err != nil {
			errors = append(errors, fmt.Errorf("agents.top_p: %w", err))
		}
	}
	if a.MaxTokens != nil {
		if err := v.ValidateMaxTokens(*a.MaxTokens); err != nil {
			errors = append(errors, fmt.Errorf("agents.max_tokens: %w", err))
		}
	}
	if a.MaxSteps <= 0 {
		errors = append(errors, fmt.Errorf("agents.max_steps must be > 0"))
	}
	if a.RunTimeout < 0 {
		errors = append(errors, fmt.Errorf("agents.run_timeout must be >= 0"))
	}
	if a.HistoryLimit < 0 {
		errors = append(errors, fmt.Errorf("agents.history_limit must be >= 0"))
	}

	if cfg.Secrets.SearchMCPURL != "" {
		if err := v.ValidateURL("YANDEX_SEARCH_MCP_URL", cfg.Secrets.SearchMCPURL); err != nil {
			errors = append(errors, err)
		}
	}
	_, baseURL := cfg.ProviderCredentials()
	if baseURL != "" {
		if err := v.ValidateURL("provider base url", baseURL); err != nil {
			errors = append(errors, err)
		}
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	if cfg.Storage.RetentionDays < 0 {
		errors = append(errors, fmt.Errorf("storage.retention_days must be >= 0"))
	}
	if cfg.Storage.RetentionDays > 0 {
		if err := v.ValidateSchedule(cfg.Storage.RetentionSchedule); err != nil {
			errors = append(errors, fmt.Errorf("storage.retention_schedule: %w", err))
		}
	}

	if cfg.Bot.SendRate < 0 {
		errors = append(errors, fmt.Errorf("bot.send_rate must be >= 0"))
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errors = append(errors, fmt.Errorf("tracing.sample_ratio must be between 0 and 1"))
	}

	return errors
}

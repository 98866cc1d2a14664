package daemon

import (
	"fmt"

	"github.com/harun/dosug/internal/config"
	"github.com/harun/dosug/pkg/agent"
	"github.com/harun/dosug/pkg/toolexecutor"
	"github.com/rs/zerolog"
)

// ModelConfig resolves the model settings from the environment secrets,
// the agents section of config.yaml and the per-call overrides.
func ModelConfig(cfg *config.Config, overrides agent.Overrides) agent.ModelConfig {
	apiKey, baseURL := cfg.ProviderCredentials()

	return agent.ResolveModelConfig(
		agent.Credentials{
			Provider: cfg.Agents.Provider,
			APIKey:   apiKey,
			BaseURL:  baseURL,
		},
		agent.Defaults{
			ModelName:   cfg.Agents.ModelName,
			Temperature: cfg.Agents.Temperature,
			MaxTokens:   cfg.Agents.MaxTokens,
			TopP:        cfg.Agents.TopP,
		},
		overrides,
	)
}

// SearchToolset returns the MCP toolset of the remote search server. It
// does not connect until the first run.
func SearchToolset(cfg *config.Config, logger zerolog.Logger) *toolexecutor.MCPToolset {
	endpoint := toolexecutor.BuildEndpoint(
		cfg.Agents.SearchToolName,
		cfg.Secrets.SearchMCPURL,
		cfg.Secrets.SearchAPIKey,
	)
	return toolexecutor.NewMCPToolset(endpoint, logger)
}

// SessionOptions returns the session settings taken from cfg.
func SessionOptions(cfg *config.Config, logger zerolog.Logger) []agent.SessionOption {
	return []agent.SessionOption{
		agent.WithPrompts(cfg.Prompts.SystemPrompts()),
		agent.WithAgentName(config.SearchAgentName),
		agent.WithMaxSteps(cfg.Agents.MaxSteps),
		agent.WithRunTimeout(cfg.Agents.RunTimeout),
		agent.WithToolTimeout(cfg.Agents.ToolTimeout),
		agent.WithLogger(logger),
	}
}

// NewSearchSession builds the place search agent: resolved model client,
// search toolset and prompts. extra options are applied last.
func NewSearchSession(cfg *config.Config, logger zerolog.Logger, overrides agent.Overrides, extra ...agent.SessionOption) (*agent.Session, error) {
	modelCfg := ModelConfig(cfg, overrides)

	client, err := agent.BuildClient(modelCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build model client: %w", err)
	}

	logger.Info().EmbedObject(modelCfg).Msg("Model client ready")

	opts := SessionOptions(cfg, logger)
	opts = append(opts, agent.WithToolsets(SearchToolset(cfg, logger)))
	opts = append(opts, extra...)

	return agent.NewSession(client, opts...)
}

package cli

import (
	"io"

	"github.com/harun/dosug/internal/config"
	"github.com/harun/dosug/internal/logger"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

// globalFlags are shared by every command.
type globalFlags struct {
	configFile  string
	promptsFile string
	envFile     string
	logLevel    string
}

// NewRootCmd builds the dosug command tree.
func NewRootCmd() *cobra.Command {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "dosug",
		Short: "Dosug - Telegram bot for finding leisure in Moscow",
		Long: `Dosug is a Telegram bot that greets users, keeps their conversation
history and answers leisure requests with a language model that searches
the web through a remote MCP search tool.`,
		Version:      version,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&g.configFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&g.promptsFile, "prompts", "", "agent prompts file (default is ./prompts.yaml)")
	rootCmd.PersistentFlags().StringVar(&g.envFile, "env-file", "", "dotenv file with secrets (default is ./.env)")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level (debug, info, warn, error), overrides logging.level")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)

	rootCmd.AddCommand(
		newStartCmd(g),
		newStopCmd(g),
		newStatusCmd(g),
		newSearchCmd(g),
	)

	return rootCmd
}

// Execute runs the command line. It is called by main.main().
func Execute() error {
	return NewRootCmd().Execute()
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

// loadConfig reads the configuration files and the environment. The
// result is not validated.
func (g *globalFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.NewLoader(config.Paths{
		Config:  g.configFile,
		Prompts: g.promptsFile,
		EnvFile: g.envFile,
	}).Load()
	if err != nil {
		return nil, err
	}

	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, out io.Writer) (*logger.Logger, error) {
	return logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		Output:    out,
		Secrets:   cfg.SecretValues(),
	})
}

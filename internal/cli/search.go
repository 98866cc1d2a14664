package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/harun/dosug/internal/config"
	"github.com/harun/dosug/internal/daemon"
	"github.com/harun/dosug/pkg/agent"
	"github.com/spf13/cobra"
)

type searchFlags struct {
	stream      bool
	buffered    bool
	model       string
	temperature float64
	maxTokens   int
	topP        float64
}

func newSearchCmd(g *globalFlags) *cobra.Command {
	f := &searchFlags{}

	cmd := &cobra.Command{
		Use:   "search QUERY",
		Short: "Ask the place search agent",
		Long: `Run one query through the place search agent and print the answer.
Model flags override the agents section of the config file for this call.`,
		Example: `  dosug search "Куда сходить с детьми в выходные?"
  dosug search --stream --temperature 0.2 "Каток в центре"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd, g, f, strings.Join(args, " "))
		},
	}

	cmd.Flags().BoolVar(&f.stream, "stream", false, "print every step of the run as it happens")
	cmd.Flags().BoolVar(&f.buffered, "buffered", false, "print every step of the run once it has finished")
	cmd.Flags().StringVar(&f.model, "model", "", "model name")
	cmd.Flags().Float64Var(&f.temperature, "temperature", 0, "sampling temperature (0-2)")
	cmd.Flags().IntVar(&f.maxTokens, "max-tokens", 0, "maximum tokens in the answer")
	cmd.Flags().Float64Var(&f.topP, "top-p", 0, "nucleus sampling (0-1)")
	cmd.MarkFlagsMutuallyExclusive("stream", "buffered")

	return cmd
}

// overrides returns the model flags the user actually set.
func (f *searchFlags) overrides(cmd *cobra.Command) agent.Overrides {
	var o agent.Overrides
	flags := cmd.Flags()
	if flags.Changed("model") {
		o.ModelName = &f.model
	}
	if flags.Changed("temperature") {
		o.Temperature = &f.temperature
	}
	if flags.Changed("max-tokens") {
		o.MaxTokens = &f.maxTokens
	}
	if flags.Changed("top-p") {
		o.TopP = &f.topP
	}
	return o
}

// validateOverrides applies the config file's range checks to the flags.
func validateOverrides(o agent.Overrides) error {
	v := config.NewValidator()
	if o.ModelName != nil {
		if err := v.ValidateModel(*o.ModelName); err != nil {
			return fmt.Errorf("invalid --model: %w", err)
		}
	}
	if o.Temperature != nil {
		if err := v.ValidateTemperature(*o.Temperature); err != nil {
			return fmt.Errorf("invalid --temperature: %w", err)
		}
	}
	if o.MaxTokens != nil {
		if err := v.ValidateMaxTokens(*o.MaxTokens); err != nil {
			return fmt.Errorf("invalid --max-tokens: %w", err)
		}
	}
	if o.TopP != nil {
		if err := v.ValidateTopP(*o.TopP); err != nil {
			return fmt.Errorf("invalid --top-p: %w", err)
		}
	}
	return nil
}

func runSearch(cmd *cobra.Command, g *globalFlags, f *searchFlags, query string) error {
	overrides := f.overrides(cmd)
	if err := validateOverrides(overrides); err != nil {
		return err
	}

	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	session, err := daemon.NewSearchSession(cfg, log.Component("agent"), overrides)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()

	return agent.WithSession(session, func(s *agent.Session) error {
		switch {
		case f.stream:
			for node, err := range s.Iter(ctx, query) {
				if err != nil {
					return err
				}
				fmt.Fprintln(out, node.String())
			}
			return nil

		case f.buffered:
			nodes, err := s.RunStreaming(ctx, query)
			if err != nil {
				return err
			}
			for _, node := range nodes {
				fmt.Fprintln(out, node.String())
			}
			return nil

		default:
			answer, err := s.Run(ctx, query)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, answer)
			return nil
		}
	})
}

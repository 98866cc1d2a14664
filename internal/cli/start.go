package cli

import (
	"fmt"
	"os"

	"github.com/harun/dosug/internal/daemon"
	"github.com/spf13/cobra"
)

func newStartCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the Dosug bot",
		Long: `Start the Dosug bot in the foreground.
The bot polls Telegram until it receives SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, g)
		},
	}
}

func runStart(cmd *cobra.Command, g *globalFlags) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}

	pidFile := cfg.PIDFile()
	if daemon.IsRunning(pidFile) {
		return fmt.Errorf("daemon is already running (PID file: %s)", pidFile)
	}

	log, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}

	if err := d.Start(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Dosug bot started (PID %d)\n", os.Getpid())

	return d.Wait()
}

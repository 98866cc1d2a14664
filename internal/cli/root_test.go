package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the command line with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := NewRootCmd()
	cmd.SetArgs(args)

	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.Execute()
	return output.String(), err
}

// workspace writes a config file pointing the data directory at a temp
// dir and returns the flags selecting it.
func workspace(t *testing.T) (dataDir string, flags []string) {
	t.Helper()

	dir := t.TempDir()
	dataDir = filepath.Join(dir, "data")
	configFile := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("data_dir: "+dataDir+"\nlogging:\n  level: error\n"), 0644))

	return dataDir, []string{
		"--config", configFile,
		"--prompts", filepath.Join(dir, "prompts.yaml"),
		"--env-file", filepath.Join(dir, ".env"),
	}
}

func findCommand(root *cobra.Command, name string) *cobra.Command {
	for _, c := range root.Commands() {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		output, err := execute(t, "--version")
		require.NoError(t, err)

		assert.Contains(t, output, "dosug version")
		assert.Contains(t, output, GetVersion())
	})

	t.Run("help flag", func(t *testing.T) {
		output, err := execute(t, "--help")
		require.NoError(t, err)

		assert.Contains(t, output, "Dosug")
		assert.Contains(t, output, "leisure")
	})

	t.Run("global flags", func(t *testing.T) {
		cmd := NewRootCmd()

		for _, name := range []string{"config", "prompts", "env-file", "log-level"} {
			flag := cmd.PersistentFlags().Lookup(name)
			require.NotNil(t, flag, name)
			assert.Equal(t, "", flag.DefValue, name)
		}
	})

	t.Run("subcommands", func(t *testing.T) {
		cmd := NewRootCmd()
		for _, name := range []string{"start", "stop", "status", "search"} {
			assert.NotNil(t, findCommand(cmd, name), "%s command should exist", name)
		}
	})
}

func TestLoadConfigAppliesLogLevel(t *testing.T) {
	dataDir, flags := workspace(t)

	g := &globalFlags{configFile: flags[1], promptsFile: flags[3], envFile: flags[5]}
	cfg, err := g.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, dataDir, cfg.DataDir)
	assert.Equal(t, "error", cfg.Logging.Level)

	g.logLevel = "debug"
	cfg, err = g.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	assert.NotEmpty(t, version)
	assert.True(t, strings.HasPrefix(version, "0."))
}

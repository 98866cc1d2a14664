package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("create logger with console output", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := New(Config{Level: "info", Console: true, Output: &buf})
		require.NoError(t, err)
		defer logger.Close()

		logger.Info().Msg("hello")
		assert.Contains(t, buf.String(), `"message":"hello"`)
	})

	t.Run("create logger with file output", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "logs", "dosug.log")

		logger, err := New(Config{Level: "debug", File: logFile})
		require.NoError(t, err)

		logger.Debug().Msg("test message")
		require.NoError(t, logger.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), "test message")
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := New(Config{Level: "loud", Console: true, Output: &buf})
		require.NoError(t, err)

		logger.Debug().Msg("hidden")
		logger.Info().Msg("shown")
		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
		assert.Equal(t, zerolog.InfoLevel, logger.GetZerolog().GetLevel())
	})

	t.Run("redaction hides configured secrets", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := New(Config{
			Level:     "info",
			Console:   true,
			Output:    &buf,
			Redaction: true,
			Secrets:   []string{"search-key-123456"},
		})
		require.NoError(t, err)
		require.NotNil(t, logger.redactor)

		logger.Info().Str("header", "search-key-123456").Msg("connecting")
		assert.NotContains(t, buf.String(), "search-key-123456")
		assert.Contains(t, buf.String(), redactedMark)
	})
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: "info", Console: true, Output: &buf})
	require.NoError(t, err)

	child := logger.Component("telegram")
	child.Info().Msg("started")

	assert.Contains(t, buf.String(), `"component":"telegram"`)
}

func TestNop(t *testing.T) {
	logger := Nop()
	logger.Info().Msg("discarded")
	assert.NoError(t, logger.Close())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Redaction)
}

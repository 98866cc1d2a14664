package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleManagerStartStop(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "data", "dosug.pid")
	lm := NewLifecycleManager(pidFile, zerolog.Nop())
	assert.Equal(t, pidFile, lm.PIDFile())

	require.NoError(t, lm.Start())

	pid, err := ReadPID(pidFile)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, IsRunning(pidFile))

	uptime, err := Uptime(pidFile)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, uptime.Nanoseconds(), int64(0))

	require.NoError(t, lm.Stop())
	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))

	// Stopping twice is harmless.
	require.NoError(t, lm.Stop())
}

func TestLifecycleManagerReplacesStalePIDFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "dosug.pid")
	// PIDs this large are never handed out.
	require.NoError(t, os.WriteFile(pidFile, []byte("99999999"), 0644))

	lm := NewLifecycleManager(pidFile, zerolog.Nop())
	require.NoError(t, lm.Start())
	defer lm.Stop()

	pid, err := ReadPID(pidFile)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestLifecycleManagerRefusesLiveProcess(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "dosug.pid")
	// The parent of the test binary is alive for the duration of the test.
	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getppid())), 0644))

	lm := NewLifecycleManager(pidFile, zerolog.Nop())
	err := lm.Start()
	require.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestReadPID(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadPID(filepath.Join(dir, "missing.pid"))
	assert.Error(t, err)

	invalid := filepath.Join(dir, "invalid.pid")
	require.NoError(t, os.WriteFile(invalid, []byte("invalid"), 0644))
	_, err = ReadPID(invalid)
	assert.Error(t, err)
	assert.False(t, IsRunning(invalid))

	valid := filepath.Join(dir, "valid.pid")
	require.NoError(t, os.WriteFile(valid, []byte("1234\n"), 0644))
	pid, err := ReadPID(valid)
	require.NoError(t, err)
	assert.Equal(t, 1234, pid)
}

package daemon

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDFile(t *testing.T) {
	d := New(filepath.Join(t.TempDir(), "run", "stasis.pid"))

	running, _, err := d.IsRunning()
	require.NoError(t, err)
	assert.False(t, running)

	require.NoError(t, d.Acquire())
	pid, err := d.ReadPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	running, pid, err = d.IsRunning()
	require.NoError(t, err)
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), pid)

	// Re-acquiring from the owning process is allowed.
	require.NoError(t, d.Acquire())

	require.NoError(t, d.RemovePID())
	require.NoError(t, d.RemovePID())
}

func TestStalePIDFileIsRemoved(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stasis.pid")
	// PIDs are capped well below this on Linux.
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(1<<30)), 0o644))

	d := New(path)
	running, _, err := d.IsRunning()
	require.NoError(t, err)
	assert.False(t, running)
	assert.NoFileExists(t, path)

	assert.True(t, errors.Is(d.Stop(), ErrNotRunning))
}

func TestInvalidPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stasis.pid")
	require.NoError(t, os.WriteFile(path, []byte("not a pid"), 0o644))

	_, err := New(path).ReadPID()
	assert.Error(t, err)
}

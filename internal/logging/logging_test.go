package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLogPath(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", "/var/cache/test")
	assert.Equal(t, "/var/cache/test/stasis/stasis.log", DefaultLogPath())
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "stasis.log")
	l, err := New(&Config{Level: slog.LevelDebug, Output: "file", FilePath: path, MaxSize: 1})
	require.NoError(t, err)

	l.Component("scheduler").Debug("action fired", "action", "lock_screen")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "component=scheduler")
	assert.Contains(t, string(data), "action=lock_screen")
}

func TestLevelFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stasis.log")
	l, err := New(&Config{Level: slog.LevelInfo, Output: "file", FilePath: path, MaxSize: 1})
	require.NoError(t, err)

	l.Debug("hidden")
	l.Info("shown")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "shown")
}

func TestFileRotator(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stasis.log")
	r, err := NewFileRotator(path, 1, 2)
	require.NoError(t, err)
	defer r.Close()

	chunk := []byte(strings.Repeat("x", 600*1024))
	for i := 0; i < 5; i++ {
		_, err := r.Write(chunk)
		require.NoError(t, err)
	}

	assert.FileExists(t, path)
	assert.FileExists(t, path+".1")
	assert.FileExists(t, path+".2")
	assert.NoFileExists(t, path+".3", "only maxBackups files are kept")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.LessOrEqual(t, info.Size(), int64(1024*1024))
}

package logging

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewDisabled(t *testing.T) {
	logger, path, closeFn, err := New(Options{})
	require.NoError(t, err)
	assert.Empty(t, path)
	logger.Info("dropped")
	assert.NoError(t, closeFn())
}

func TestNewDebugWritesJSON(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "nested", "session.log")

	logger, path, closeFn, err := New(Options{Debug: true, LogFile: logFile})
	require.NoError(t, err)
	assert.Equal(t, logFile, path)

	logger.Debug("backend selected", zap.String("backend", "docker"))
	require.NoError(t, closeFn())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"backend selected"`)
	assert.Contains(t, string(data), `"backend":"docker"`)

	if runtime.GOOS != "windows" {
		target, err := os.Readlink(filepath.Join(dir, "nested", LatestLink))
		require.NoError(t, err)
		assert.Equal(t, "session.log", target)
	}
}

func TestDefaultPath(t *testing.T) {
	now := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	p := DefaultPath(now)
	assert.Equal(t, "codeagent-20240309-140507.log", filepath.Base(p))
	assert.Equal(t, "logs", filepath.Base(filepath.Dir(p)))
}

// Package logging builds the application logger. Debug sessions write JSON
// lines to a file; everything else gets a no-op logger so command output
// stays clean.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LatestLink is the name of the symlink pointing at the newest log file
const LatestLink = "latest.log"

// Options select where and whether to log
type Options struct {
	Debug   bool
	LogFile string // empty means DefaultPath
}

// New returns the logger described by opts and a function that flushes and
// closes it. The returned path is empty when logging is disabled.
func New(opts Options) (*zap.Logger, string, func() error, error) {
	if !opts.Debug {
		return zap.NewNop(), "", func() error { return nil }, nil
	}

	logPath := opts.LogFile
	if logPath == "" {
		logPath = DefaultPath(time.Now())
	}

	// Ensure the directory exists
	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, "", nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return nil, "", nil, fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(f),
		zap.NewAtomicLevelAt(zapcore.DebugLevel),
	)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	if err := linkLatest(logPath); err != nil {
		logger.Warn("failed to update latest.log symlink", zap.Error(err))
	}

	closeFn := func() error {
		_ = logger.Sync()
		return f.Close()
	}
	return logger, logPath, closeFn, nil
}

// DefaultPath is the per-session log file under the user cache directory
func DefaultPath(now time.Time) string {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		cacheDir = "."
	}
	name := fmt.Sprintf("codeagent-%s.log", now.Format("20060102-150405"))
	return filepath.Join(cacheDir, "codeagent", "logs", name)
}

func linkLatest(logPath string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	link := filepath.Join(filepath.Dir(logPath), LatestLink)
	_ = os.Remove(link)
	return os.Symlink(filepath.Base(logPath), link)
}

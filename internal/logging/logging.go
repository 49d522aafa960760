// Package logging sets up the slog loggers used by probecov.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// DiagnosticsFile is the name of the diagnostic log under the logs directory.
const DiagnosticsFile = "diagnostics.log"

// New returns a text logger writing to w at the given level.
func New(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Setup installs a stderr text logger at level as the default logger.
func Setup(level slog.Level) *slog.Logger {
	logger := New(os.Stderr, level)
	slog.SetDefault(logger)
	return logger
}

// FileLogger is a logger backed by a file the caller must close.
type FileLogger struct {
	*slog.Logger
	file *os.File
}

// NewFileLogger creates dir if needed and opens dir/diagnostics.log for
// appending. Bookkeeping mismatches are written there.
func NewFileLogger(dir string, level slog.Level) (*FileLogger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating logs directory: %w", err)
	}

	path := filepath.Join(dir, DiagnosticsFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	return &FileLogger{Logger: New(f, level), file: f}, nil
}

// Path returns the file the logger writes to.
func (l *FileLogger) Path() string {
	return l.file.Name()
}

// Close syncs and closes the underlying file.
func (l *FileLogger) Close() error {
	if err := l.file.Sync(); err != nil {
		_ = l.file.Close()
		return err
	}
	return l.file.Close()
}

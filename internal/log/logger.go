package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const retentionDays = 30

var (
	once   sync.Once
	logger *slog.Logger
)

// Setup initializes the global logger.
// logic: default to INFO. If level is invalid, fallback to INFO.
// Output goes to w (use OpenDailyFile for the on-disk log, os.Stderr for
// interactive runs).
func Setup(level, format string, w io.Writer) {
	once.Do(func() {
		var l slog.Level
		switch strings.ToUpper(level) {
		case "DEBUG":
			l = slog.LevelDebug
		case "WARN":
			l = slog.LevelWarn
		case "ERROR":
			l = slog.LevelError
		default:
			l = slog.LevelInfo
		}

		opts := &slog.HandlerOptions{
			Level: l,
		}
		var handler slog.Handler
		if strings.EqualFold(format, "json") {
			handler = slog.NewJSONHandler(w, opts)
		} else {
			handler = slog.NewTextHandler(w, opts)
		}
		logger = slog.New(handler)
		slog.SetDefault(logger)
	})
}

// Get returns the configured logger, or a default one if Setup hasn't been called.
func Get() *slog.Logger {
	if logger == nil {
		Setup("INFO", "text", os.Stderr)
	}
	return logger
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithInstance returns a logger with the instance field set.
func WithInstance(name string) *slog.Logger {
	return Get().With(slog.String("instance", name))
}

// OpenDailyFile opens (creating directories as needed) the dated log file
// logsDir/YYYY-MM-DD.log for appending and prunes files older than the
// retention window. Pruning failures are reported on stderr and do not
// prevent logging.
func OpenDailyFile(logsDir string) (*os.File, error) {
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create logs directory: %w", err)
	}

	name := time.Now().Format("2006-01-02") + ".log"
	f, err := os.OpenFile(filepath.Join(logsDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	if err := pruneOldFiles(logsDir, time.Now().AddDate(0, 0, -retentionDays)); err != nil {
		fmt.Fprintf(os.Stderr, "log retention sweep failed: %v\n", err)
	}
	return f, nil
}

// pruneOldFiles removes dated log files whose filename date is before cutoff.
// Files that don't parse as YYYY-MM-DD.log are left alone.
func pruneOldFiles(logsDir string, cutoff time.Time) error {
	entries, err := os.ReadDir(logsDir)
	if err != nil {
		return fmt.Errorf("list logs directory: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		dateStr, ok := strings.CutSuffix(e.Name(), ".log")
		if !ok {
			continue
		}
		day, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			if err := os.Remove(filepath.Join(logsDir, e.Name())); err != nil {
				return fmt.Errorf("remove old log %s: %w", e.Name(), err)
			}
		}
	}
	return nil
}

// Info logs at INFO level.
func Info(msg string, args ...any) {
	Get().Info(msg, args...)
}

// Debug logs at DEBUG level.
func Debug(msg string, args ...any) {
	Get().Debug(msg, args...)
}

// Warn logs at WARN level.
func Warn(msg string, args ...any) {
	Get().Warn(msg, args...)
}

// Error logs at ERROR level.
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}

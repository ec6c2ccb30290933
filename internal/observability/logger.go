package observability

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// buildLogger constructs the daemon's structured logger from the log
// configuration: text or JSON records at the configured level, written to
// stderr and, when a log file is configured, mirrored into a size- and
// age-rotated file sink.
func buildLogger(cfg Config) (*slog.Logger, error) {
	var sink io.Writer = os.Stderr

	if cfg.LogFile != "" {
		if mkdirErr := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); mkdirErr != nil {
			return nil, mkdirErr
		}

		rotating := &lumberjack.Logger{
			Filename: cfg.LogFile,
			MaxSize:  cfg.LogFileMaxSizeMB,
			MaxAge:   cfg.LogFileMaxAgeDays,
			Compress: true,
		}

		sink = io.MultiWriter(os.Stderr, rotating)
	}

	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	if cfg.LogJSON {
		handler = slog.NewJSONHandler(sink, opts)
	} else {
		handler = slog.NewTextHandler(sink, opts)
	}

	return slog.New(handler), nil
}

// ParseLevel maps the configuration level string onto a slog.Level,
// defaulting to info for unknown values.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New создаёт slog-логгер: format "json" или "text", level debug|info|warn|error.
func New(format, level string, output io.Writer) *slog.Logger {
	if output == nil {
		output = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}
	return slog.New(handler).With(slog.String("service", "escalation-service"))
}

// SetDefault делает логгер глобальным, в т.ч. для пакета log.
func SetDefault(l *slog.Logger) {
	slog.SetDefault(l)
}

// Discard — логгер для тестов.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

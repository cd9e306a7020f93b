package config

import (
	"log/slog"
	"os"
	"strings"
)

// InitLogger builds the service-wide JSON logger from LOG_LEVEL and installs it
// as the slog default.
func InitLogger() *slog.Logger {
	level := new(slog.LevelVar)
	level.Set(ParseLevel(LOG_LEVEL))
	l := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(l)
	return l
}

func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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

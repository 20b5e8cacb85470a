// Package observability provides logging, metrics, and tracing setup shared
// by the worker and ingress processes.
package observability

import (
	"log/slog"
	"os"
	"strings"

	"github.com/sidefxio/sidefx/internal/config"
)

// SetupLogger configures a JSON slog logger with environment fields, honoring
// LOG_LEVEL when set explicitly and falling back to env-based defaults.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: levelFor(cfg)}
	h := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
	return logger
}

func levelFor(cfg config.Config) slog.Level {
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "info":
		return slog.LevelInfo
	}
	if cfg.IsDev() {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

package main

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// logLevel is shared by every handler initLogger builds so a config reload
// can change verbosity without replacing the logger.
var logLevel slog.LevelVar

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// setLogLevel changes the level of the installed logger.
func setLogLevel(level string) {
	logLevel.Set(parseLevel(level))
}

// reloadLogLevel applies LOG_LEVEL from a reloaded config.
func reloadLogLevel(cfg *Config) {
	level := cfg.GetString("LOG_LEVEL", "info")
	setLogLevel(level)
	slog.Info("Configuration reloaded", "log_level", logLevel.Level().String())
}

// initLogger installs the default slog logger. Production gets JSON; anything
// else gets colourised text.
func initLogger(level, environment string) *slog.Logger {
	setLogLevel(level)

	var handler slog.Handler
	if environment == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: &logLevel})
	} else {
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      &logLevel,
			TimeFormat: time.Kitchen,
		})
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

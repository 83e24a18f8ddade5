package config

import (
	"flag"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port        int
	ContextsDir string
	DataDir     string
	LogLevel    slog.Level // Parsed log level (debug, info, warn, error)
	Mock        bool       // Run against a built-in fake daemon instead of Docker
	NoAuth      bool       // Skip authentication (all endpoints open)
}

func Parse() *Config {
	cfg := &Config{}

	var logLevel string
	flag.IntVar(&cfg.Port, "port", 5002, "HTTP server port")
	flag.StringVar(&cfg.ContextsDir, "contexts-dir", "/opt/kiln", "Path to build contexts directory")
	flag.StringVar(&cfg.DataDir, "data-dir", "./data", "Path to data directory")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.BoolVar(&cfg.Mock, "mock", false, "Use a built-in fake daemon instead of Docker")
	flag.BoolVar(&cfg.NoAuth, "no-auth", false, "Disable authentication (all endpoints open)")
	flag.Parse()

	// Env vars override flags (if set)
	if v := os.Getenv("KILN_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("KILN_CONTEXTS_DIR"); v != "" {
		cfg.ContextsDir = v
	}
	if v := os.Getenv("KILN_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("KILN_LOG_LEVEL"); v != "" {
		logLevel = v
	}
	if v := os.Getenv("KILN_MOCK"); v == "1" || v == "true" {
		cfg.Mock = true
	}
	if v := os.Getenv("KILN_NO_AUTH"); v == "1" || v == "true" {
		cfg.NoAuth = true
	}

	cfg.LogLevel = parseLogLevel(logLevel)

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// Command mock-engine runs a standalone fake build daemon on a Unix
// socket. Point DOCKER_HOST at the printed socket and kiln builds
// against it exactly as it would against Docker, without a daemon.
//
// Usage:
//
//	mock-engine --socket /tmp/kiln-mock/docker.sock
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cfilipov/kiln/internal/engine"
)

func main() {
	var (
		socketPath string
		logLevel   string
	)

	flag.StringVar(&socketPath, "socket", "", "Unix socket path (default: /tmp/kiln-mock-<pid>/docker.sock)")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(logLevel),
	})))

	// Default socket path if not specified
	if socketPath == "" {
		dir := fmt.Sprintf("/tmp/kiln-mock-%d", os.Getpid())
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("create socket dir", "err", err)
			os.Exit(1)
		}
		socketPath = dir + "/docker.sock"
	}

	_, cleanup, err := engine.StartFakeDaemonOnSocket(socketPath)
	if err != nil {
		slog.Error("start fake daemon", "err", err)
		os.Exit(1)
	}
	defer cleanup()

	// Print socket path to stdout so parent processes can discover it
	fmt.Println(socketPath)

	slog.Info("mock engine started", "socket", socketPath)

	// Wait for SIGINT/SIGTERM
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("mock engine shutting down")
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

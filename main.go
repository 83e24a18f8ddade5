package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cfilipov/kiln/internal/build"
	"github.com/cfilipov/kiln/internal/config"
	"github.com/cfilipov/kiln/internal/db"
	"github.com/cfilipov/kiln/internal/engine"
	"github.com/cfilipov/kiln/internal/handlers"
	"github.com/cfilipov/kiln/internal/manifest"
	"github.com/cfilipov/kiln/internal/models"
	"github.com/cfilipov/kiln/internal/ws"
)

// version is set at build time via -ldflags="-X main.version=..."
var version = "0.3.0"

func main() {
	// Quick healthcheck mode — used by Docker HEALTHCHECK from scratch image.
	// Avoids needing wget/curl in the container. The binary starts in ~10ms,
	// hits /healthz, and exits immediately — no server initialization.
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		port := "5002"
		if v := os.Getenv("KILN_PORT"); v != "" {
			port = v
		}
		resp, err := http.Get("http://127.0.0.1:" + port + "/healthz")
		if err != nil || resp.StatusCode != 200 {
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg := config.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})))

	slog.Info("starting kiln",
		"port", cfg.Port,
		"contextsDir", cfg.ContextsDir,
		"dataDir", cfg.DataDir,
		"logLevel", cfg.LogLevel,
		"mock", cfg.Mock,
		"noAuth", cfg.NoAuth,
	)

	// Open database
	database, err := db.Open(cfg.DataDir)
	if err != nil {
		slog.Error("database", "err", err)
		os.Exit(1)
	}
	defer database.Close()

	// WebSocket server
	wss := ws.NewServer()

	// HTTP mux
	mux := http.NewServeMux()
	mux.Handle("/ws", wss)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Models
	users := models.NewUserStore(database)
	settings := models.NewSettingStore(database)
	builds := models.NewBuildStore(database)

	// JWT secret (auto-generated on first run)
	jwtSecret, err := settings.EnsureJWTSecret()
	if err != nil {
		slog.Error("jwt secret", "err", err)
		os.Exit(1)
	}

	// Check if setup is needed
	userCount, err := users.Count()
	if err != nil {
		slog.Error("user count", "err", err)
		os.Exit(1)
	}

	// Engine — connects to whatever DOCKER_HOST points to. In mock mode a
	// built-in fake daemon is started and the SDK is pointed at its socket,
	// so the whole stack runs without Docker.
	var eng engine.Engine
	if cfg.Mock {
		host, _, cleanup, err := engine.StartFakeDaemon()
		if err != nil {
			slog.Error("fake daemon", "err", err)
			os.Exit(1)
		}
		defer cleanup()
		slog.Warn("mock mode: building against a fake daemon", "host", host)

		eng, err = engine.NewSDKEngineWithHost(host)
		if err != nil {
			slog.Error("engine client", "err", err)
			os.Exit(1)
		}
	} else {
		eng, err = engine.NewSDKEngine()
		if err != nil {
			slog.Error("engine client", "err", err)
			os.Exit(1)
		}
	}
	defer eng.Close()

	// Manifest cache
	manifests := manifest.NewCache()
	manifests.PopulateFromDisk(cfg.ContextsDir)

	// Wire up handlers
	app := &handlers.App{
		Users:       users,
		Settings:    settings,
		Builds:      builds,
		WS:          wss,
		Builder:     build.New(eng),
		Manifests:   manifests,
		JWTSecret:   jwtSecret,
		NeedSetup:   userCount == 0,
		Version:     version,
		ContextsDir: cfg.ContextsDir,
		NoAuth:      cfg.NoAuth,
	}
	handlers.RegisterAuthHandlers(app)
	handlers.RegisterBuildHandlers(app)

	if cfg.NoAuth {
		slog.Warn("authentication disabled (--no-auth)")
	}

	// Start background tasks
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Manifest watcher (fsnotify) — announces changes and triggers autobuild
	if err := manifest.StartWatcher(ctx, cfg.ContextsDir, manifests, app.ProjectChanged); err != nil {
		slog.Warn("manifest watcher failed to start", "err", err)
	}

	// Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
}

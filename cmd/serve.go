package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/koopa0/ease/api"
	"github.com/koopa0/ease/internal/app"
	"github.com/koopa0/ease/internal/config"
)

// runServe initializes and starts the HTTP gateway.
func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	addr, err := parseServeAddr(cfg.Addr)
	if err != nil {
		return fmt.Errorf("parsing address: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("starting Ease gateway", "version", Version)

	a, err := app.Setup(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			slog.Warn("shutdown error", "error", closeErr)
		}
	}()

	if a.Tools.Degraded() {
		a.Logger.Warn("running without tools: the model will answer from its own knowledge only")
	}

	server := api.NewServer(a.Engine, a.Store, a.Model, a.Tools, a.Logger)
	a.Logger.Info("HTTP gateway ready",
		"addr", addr,
		"api", "/api/*",
		"health", "/health, /ready",
	)
	return server.Run(ctx, addr)
}

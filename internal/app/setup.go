package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/koopa0/ease/internal/config"
	"github.com/koopa0/ease/internal/convo"
	"github.com/koopa0/ease/internal/engine"
	"github.com/koopa0/ease/internal/log"
	"github.com/koopa0/ease/internal/model"
	"github.com/koopa0/ease/internal/observability"
	"github.com/koopa0/ease/internal/toolhost"
)

// Setup creates and initializes the application.
// Returns an App with embedded cleanup; call Close() to release.
func Setup(ctx context.Context, cfg *config.Config) (_ *App, retErr error) {
	a := &App{Config: cfg}

	// On error, clean up everything already initialized
	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				slog.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	a.Logger = provideLogger(cfg)
	a.otelCleanup = provideOtelShutdown(ctx, cfg, a.Logger)

	a.Store = convo.NewStore(a.Logger)
	a.Model = provideModelClient(cfg, a.Logger)
	a.Tools = provideToolGateway(ctx, cfg, a.Logger)

	eng, err := provideEngine(cfg, a)
	if err != nil {
		return nil, err
	}
	a.Engine = eng

	// Set up lifecycle management
	_, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	return a, nil
}

// provideLogger builds the application logger from configuration.
func provideLogger(cfg *config.Config) log.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return log.New(log.Config{Level: level, JSON: cfg.LogJSON})
}

// provideOtelShutdown sets up OTLP trace export when enabled.
// Tracing failures never block startup.
func provideOtelShutdown(ctx context.Context, cfg *config.Config, logger log.Logger) func() {
	if !cfg.OtelEnabled {
		return func() {}
	}

	shutdown, err := observability.Setup(ctx, observability.Config{
		Endpoint:    cfg.OtelEndpoint,
		Environment: cfg.OtelEnvironment,
		ServiceName: cfg.OtelServiceName,
	})
	if err != nil {
		logger.Warn("setting up tracing", "error", err)
		return func() {}
	}

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Warn("shutting down tracer provider", "error", err)
		}
	}
}

// provideModelClient creates the chat-completions client.
func provideModelClient(cfg *config.Config, logger log.Logger) *model.Client {
	return model.NewClient(model.Config{
		BaseURL: cfg.ModelBaseURL,
		Model:   cfg.ModelName,
		APIKey:  cfg.ModelAPIKey,
		Timeout: time.Duration(cfg.ModelTimeoutSecs) * time.Second,
	}, logger)
}

// provideToolGateway connects to the configured tool host. An empty URL
// disables tools; an unreachable host degrades to an empty catalog.
func provideToolGateway(ctx context.Context, cfg *config.Config, logger log.Logger) *toolhost.Gateway {
	if cfg.ToolHostURL == "" {
		logger.Info("tool host disabled by configuration")
		return toolhost.Disabled(logger)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	invokeTimeout := time.Duration(cfg.ToolTimeoutSecs) * time.Second
	return toolhost.Dial(dialCtx, cfg.ToolHostURL, invokeTimeout, logger)
}

// provideEngine assembles the turn engine.
func provideEngine(cfg *config.Config, a *App) (*engine.Engine, error) {
	eng, err := engine.New(engine.Config{
		Model:             a.Model,
		Tools:             a.Tools,
		Store:             a.Store,
		Logger:            a.Logger,
		SystemPrompt:      cfg.SystemPrompt,
		MaxIterations:     cfg.MaxTurnIterations,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Retry:             engine.DefaultRetryConfig(),
		Breaker:           engine.DefaultCircuitBreakerConfig(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating turn engine: %w", err)
	}
	return eng, nil
}

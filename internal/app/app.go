// Package app provides application initialization and dependency wiring.
//
// App is the container that assembles the gateway: conversation store,
// model client, tool host gateway and turn engine. Construction happens in
// Setup; Close releases everything in reverse order.
package app

import (
	"context"

	"github.com/koopa0/ease/internal/config"
	"github.com/koopa0/ease/internal/convo"
	"github.com/koopa0/ease/internal/engine"
	"github.com/koopa0/ease/internal/log"
	"github.com/koopa0/ease/internal/model"
	"github.com/koopa0/ease/internal/toolhost"
)

// App is the core application container.
type App struct {
	// Configuration
	Config *config.Config

	// Core services
	Logger log.Logger
	Store  *convo.Store
	Model  *model.Client
	Tools  *toolhost.Gateway
	Engine *engine.Engine

	// Lifecycle management
	otelCleanup func()
	cancel      context.CancelFunc
}

// Close gracefully shuts down all resources.
func (a *App) Close() error {
	if a.Logger != nil {
		a.Logger.Info("shutting down application")
	}

	if a.cancel != nil {
		a.cancel()
	}

	var firstErr error
	if a.Tools != nil {
		if err := a.Tools.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.otelCleanup != nil {
		a.otelCleanup()
	}
	return firstErr
}

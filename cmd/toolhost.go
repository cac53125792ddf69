package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/koopa0/ease/internal/config"
	"github.com/koopa0/ease/internal/dbtools"
	"github.com/koopa0/ease/internal/log"
)

// runToolHost starts the reference SQLite MCP tool host.
//
// By default it serves streamable HTTP on tool_host_addr with the MCP
// endpoint at /mcp. With --stdio it speaks MCP over stdin/stdout instead,
// for use as a subprocess tool host.
func runToolHost() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ValidateToolHost(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	stdio := len(os.Args) > 2 && os.Args[2] == "--stdio"

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(log.Config{})
	kit, err := dbtools.NewKit(cfg.SQLitePath, logger)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer kit.Close()

	server, err := dbtools.NewServer(kit, Version, logger)
	if err != nil {
		return fmt.Errorf("creating tool host: %w", err)
	}

	if stdio {
		slog.Info("tool host serving on stdio", "db", cfg.SQLitePath)
		return server.Run(ctx, &mcp.StdioTransport{})
	}

	mux := http.NewServeMux()
	mux.Handle("/mcp", server.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              cfg.ToolHostAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("tool host serving HTTP",
		"addr", cfg.ToolHostAddr,
		"endpoint", "/mcp",
		"db", cfg.SQLitePath)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down tool host")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("tool host server: %w", err)
	}
}

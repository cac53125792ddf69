package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/koopa0/ease/internal/app"
	"github.com/koopa0/ease/internal/config"
	"github.com/koopa0/ease/internal/engine"
)

// runAsk answers a single question from the command line, streaming the
// answer to stdout as it is produced.
func runAsk() error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: ease ask <question>")
	}
	question := strings.Join(os.Args[2:], " ")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.Setup(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer a.Close()

	// One-shot thread; nothing refers to it after the process exits.
	threadID := uuid.NewString()

	_, err = a.Engine.StreamTurn(ctx, threadID, question, func(ev engine.Event) error {
		switch ev.Kind {
		case engine.EventTextChunk:
			fmt.Print(ev.Text)
		case engine.EventToolCall:
			fmt.Fprintf(os.Stderr, "[tool: %s]\n", ev.Tool)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("running turn: %w", err)
	}
	fmt.Println()
	return nil
}

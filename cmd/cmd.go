// Package cmd provides the CLI commands for Ease.
//
// Commands:
//   - serve: HTTP gateway with SSE streaming
//   - toolhost: reference MCP tool host over SQLite
//   - ask: one-shot question from the terminal
//
// Signal handling and graceful shutdown are implemented
// for all commands via context cancellation.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
)

// Execute is the main entry point for the Ease CLI application.
func Execute() error {
	// Initialize logger once at entry point
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if len(os.Args) < 2 {
		runHelp()
		return nil
	}

	switch os.Args[1] {
	case "serve":
		return runServe()
	case "toolhost":
		return runToolHost()
	case "ask":
		return runAsk()
	case "version", "--version", "-v":
		runVersion()
		return nil
	case "help", "--help", "-h":
		runHelp()
		return nil
	default:
		return fmt.Errorf("unknown command: %s", os.Args[1])
	}
}

// runHelp displays the help message.
func runHelp() {
	fmt.Println("Ease - conversational gateway for tool-using models")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  ease serve [addr]       Start the HTTP gateway (default: 127.0.0.1:8800)")
	fmt.Println("  ease toolhost [--stdio] Start the SQLite MCP tool host")
	fmt.Println("  ease ask <question>     Ask a one-shot question from the terminal")
	fmt.Println("  ease --version          Show version information")
	fmt.Println("  ease --help             Show this help")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  EASE_MODEL_BASE_URL    OpenAI-compatible endpoint (default: http://localhost:11434/v1)")
	fmt.Println("  EASE_MODEL_NAME        Model identifier (default: llama3.3)")
	fmt.Println("  EASE_MODEL_API_KEY     Bearer token, if the endpoint needs one")
	fmt.Println("  EASE_TOOL_HOST_URL     MCP tool host endpoint (empty disables tools)")
	fmt.Println("  DEBUG                  Enable debug logging")
	fmt.Println()
	fmt.Println("Configuration file: ~/.ease/config.yaml")
}

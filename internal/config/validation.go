package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidModelBaseURL indicates the model endpoint URL is invalid.
	ErrInvalidModelBaseURL = errors.New("invalid model base URL")

	// ErrInvalidModelName indicates the model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidMaxIterations indicates the turn iteration bound is out of range.
	ErrInvalidMaxIterations = errors.New("invalid max turn iterations")

	// ErrInvalidModelTimeout indicates the model timeout is out of range.
	ErrInvalidModelTimeout = errors.New("invalid model timeout")

	// ErrInvalidToolHostURL indicates the tool host URL is invalid.
	ErrInvalidToolHostURL = errors.New("invalid tool host URL")

	// ErrInvalidToolTimeout indicates the tool invocation timeout is out of range.
	ErrInvalidToolTimeout = errors.New("invalid tool timeout")

	// ErrInvalidLogLevel indicates the log level is not recognized.
	ErrInvalidLogLevel = errors.New("invalid log level")

	// ErrInvalidSQLitePath indicates the SQLite database path is invalid.
	ErrInvalidSQLitePath = errors.New("invalid sqlite path")
)

const (
	// MaxAllowedTurnIterations is the absolute bound on the tool loop.
	// A model that legitimately needs more tool rounds than this per turn
	// is better served by splitting the question.
	MaxAllowedTurnIterations = 100
)

// Validate validates configuration values.
// Returns sentinel errors that can be checked with errors.Is().
func (c *Config) Validate() error {
	// 0. Check for nil config (defensive programming)
	if c == nil {
		return ErrConfigNil
	}

	// 1. Model endpoint validation
	if err := validateHTTPURL(c.ModelBaseURL); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidModelBaseURL, err)
	}

	if c.ModelName == "" {
		return fmt.Errorf("%w: model_name cannot be empty", ErrInvalidModelName)
	}

	// 2. Turn engine validation
	if c.MaxTurnIterations < 1 || c.MaxTurnIterations > MaxAllowedTurnIterations {
		return fmt.Errorf("%w: must be between 1 and %d, got %d",
			ErrInvalidMaxIterations, MaxAllowedTurnIterations, c.MaxTurnIterations)
	}

	if c.ModelTimeoutSecs < 1 || c.ModelTimeoutSecs > 3600 {
		return fmt.Errorf("%w: must be between 1 and 3600 seconds, got %d",
			ErrInvalidModelTimeout, c.ModelTimeoutSecs)
	}

	// 3. Tool host validation (empty URL means tools are disabled)
	if c.ToolHostURL != "" {
		if err := validateHTTPURL(c.ToolHostURL); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidToolHostURL, err)
		}
	} else {
		slog.Warn("tool_host_url is empty, the gateway will answer without tools")
	}

	if c.ToolTimeoutSecs < 1 || c.ToolTimeoutSecs > 3600 {
		return fmt.Errorf("%w: must be between 1 and 3600 seconds, got %d",
			ErrInvalidToolTimeout, c.ToolTimeoutSecs)
	}

	// 4. Logging validation
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: %q is not one of debug, info, warn, error",
			ErrInvalidLogLevel, c.LogLevel)
	}

	// No API key warning: local endpoints (Ollama, llama.cpp) don't need one,
	// so absence is normal and never fatal.

	return nil
}

// ValidateToolHost validates the settings the reference SQLite tool host
// needs. Called by the toolhost command only; the serve command does not
// require a local database.
func (c *Config) ValidateToolHost() error {
	if c == nil {
		return ErrConfigNil
	}
	if c.SQLitePath == "" {
		return fmt.Errorf("%w: sqlite_path cannot be empty", ErrInvalidSQLitePath)
	}
	return nil
}

// validateHTTPURL checks a URL parses and uses an http(s) scheme.
func validateHTTPURL(raw string) error {
	if raw == "" {
		return errors.New("cannot be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

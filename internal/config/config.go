// Package config provides application configuration management with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.ease/config.yaml)
//  3. Default values (sensible defaults for quick start)
//
// Main configuration categories:
//   - Model: OpenAI-compatible endpoint, model name, system prompt
//   - Turn: iteration bound, retry and throttling for the turn engine
//   - Tools: MCP tool host endpoint and the reference SQLite tool host
//   - Observability: OTLP trace export (see observability settings)
//
// Security: Sensitive data (API keys) are never logged; config directory uses 0750 permissions.
//
// Error Handling:
//   - Uses sentinel errors for Go-idiomatic error checking with errors.Is()
//   - Wrap with context using fmt.Errorf("%w: details", ErrXxx)
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config stores application configuration.
// SECURITY: Sensitive fields are explicitly masked in MarshalJSON().
// When adding new sensitive fields (passwords, API keys, tokens), update MarshalJSON.
type Config struct {
	// Model endpoint configuration
	ModelBaseURL string `mapstructure:"model_base_url" json:"model_base_url"` // OpenAI-compatible root, e.g. "http://localhost:11434/v1"
	ModelName    string `mapstructure:"model_name" json:"model_name"`         // Model identifier (e.g. "llama3.3", "gpt-4o-mini")
	ModelAPIKey  string `mapstructure:"model_api_key" json:"model_api_key"`   // SENSITIVE: masked in MarshalJSON
	SystemPrompt string `mapstructure:"system_prompt" json:"system_prompt"`

	// Turn engine configuration
	MaxTurnIterations int     `mapstructure:"max_turn_iterations" json:"max_turn_iterations"`
	ModelTimeoutSecs  int     `mapstructure:"model_timeout_seconds" json:"model_timeout_seconds"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" json:"requests_per_second"` // 0 disables throttling

	// Tool host configuration
	ToolHostURL     string `mapstructure:"tool_host_url" json:"tool_host_url"` // empty disables tools
	ToolTimeoutSecs int    `mapstructure:"tool_timeout_seconds" json:"tool_timeout_seconds"`

	// Reference SQLite tool host (ease toolhost)
	SQLitePath   string `mapstructure:"sqlite_path" json:"sqlite_path"`
	ToolHostAddr string `mapstructure:"tool_host_addr" json:"tool_host_addr"`

	// HTTP server configuration
	Addr string `mapstructure:"addr" json:"addr"`

	// Logging configuration
	LogLevel string `mapstructure:"log_level" json:"log_level"` // debug, info, warn, error
	LogJSON  bool   `mapstructure:"log_json" json:"log_json"`

	// Observability configuration
	OtelEnabled     bool   `mapstructure:"otel_enabled" json:"otel_enabled"`
	OtelEndpoint    string `mapstructure:"otel_endpoint" json:"otel_endpoint"`
	OtelServiceName string `mapstructure:"otel_service_name" json:"otel_service_name"`
	OtelEnvironment string `mapstructure:"otel_environment" json:"otel_environment"`
}

// Load loads configuration.
// Priority: Environment variables > Configuration file > Default values
func Load() (*Config, error) {
	// Configuration directory: ~/.ease/
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".ease")

	// Ensure directory exists (use 0750 permission for better security)
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".") // Also support current directory

	setDefaults(v)
	bindEnvVariables(v)

	// Read configuration file (if exists)
	if err := v.ReadInConfig(); err != nil {
		// Configuration file not found is not an error, use default values
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."},
			"config_name", "config.yaml")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// Validate immediately (fail-fast)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults(v *viper.Viper) {
	// Model defaults target a local Ollama in OpenAI-compatible mode
	v.SetDefault("model_base_url", "http://localhost:11434/v1")
	v.SetDefault("model_name", "llama3.3")
	v.SetDefault("system_prompt", "You are a helpful assistant. Use the available tools when they help answer the question.")

	// Turn engine defaults
	v.SetDefault("max_turn_iterations", 25)
	v.SetDefault("model_timeout_seconds", 120)
	v.SetDefault("requests_per_second", 0)

	// Tool host defaults
	v.SetDefault("tool_host_url", "http://localhost:8801/mcp")
	v.SetDefault("tool_timeout_seconds", 30)
	v.SetDefault("tool_host_addr", "127.0.0.1:8801")
	v.SetDefault("sqlite_path", filepath.Join("data", "ease.db"))

	// Server defaults
	v.SetDefault("addr", "127.0.0.1:8800")

	// Logging defaults
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)

	// Observability defaults
	v.SetDefault("otel_enabled", false)
	v.SetDefault("otel_endpoint", "localhost:4318")
	v.SetDefault("otel_service_name", "ease")
	v.SetDefault("otel_environment", "dev")
}

// bindEnvVariables binds environment variable overrides explicitly.
func bindEnvVariables(v *viper.Viper) {
	// Helper to panic on unexpected bind errors (hardcoded strings can't fail)
	// If this panics, it's a BUG in our code, not a runtime error
	mustBind := func(key, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	// Model endpoint overrides
	mustBind("model_base_url", "EASE_MODEL_BASE_URL")
	mustBind("model_name", "EASE_MODEL_NAME")
	mustBind("model_api_key", "EASE_MODEL_API_KEY")
	mustBind("system_prompt", "EASE_SYSTEM_PROMPT")

	// Tool host overrides
	mustBind("tool_host_url", "EASE_TOOL_HOST_URL")
	mustBind("tool_timeout_seconds", "EASE_TOOL_TIMEOUT_SECONDS")
	mustBind("tool_host_addr", "EASE_TOOL_HOST_ADDR")
	mustBind("sqlite_path", "EASE_SQLITE_PATH")

	// Server overrides
	mustBind("addr", "EASE_ADDR")

	// Logging overrides
	mustBind("log_level", "EASE_LOG_LEVEL")
	mustBind("log_json", "EASE_LOG_JSON")

	// Observability overrides
	mustBind("otel_enabled", "EASE_OTEL_ENABLED")
	mustBind("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// maskedValue is the placeholder for masked sensitive data.
// Using ████████ (full-width blocks U+2588) to avoid substring matching
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging.
// Shows first 2 and last 2 characters, masks the rest.
// SECURITY: For secrets <=8 chars, fully masks to prevent substring attacks.
//
// THREAT MODEL: This defends against accidental logging of real secrets.
// It is NOT cryptographically secure - if logs are compromised, rotate secrets.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	// Fully mask short secrets to prevent substring matching attacks
	if len(s) <= 8 {
		return maskedValue
	}
	// For longer secrets, show first/last 2 chars for debug utility
	prefix := make([]byte, 2)
	suffix := make([]byte, 2)
	copy(prefix, s[:2])
	copy(suffix, s[len(s)-2:])
	return string(prefix) + "<" + maskedValue + ">" + string(suffix)
}

// MarshalJSON implements json.Marshaler with explicit sensitive field masking.
//
// Sensitive fields masked:
//   - ModelAPIKey
//
// When adding new sensitive fields, update this method.
// The compiler will remind you when tests fail.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.ModelAPIKey = maskSecret(a.ModelAPIKey)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}

// Package toolhost connects the gateway to an MCP tool host and exposes its
// tool catalog to the turn engine.
//
// The catalog is fetched once at connect time. An unreachable tool host is
// not fatal: the gateway degrades to an empty catalog so the service keeps
// answering from the model alone.
package toolhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/koopa0/ease/internal/log"
	"github.com/koopa0/ease/internal/model"
)

// DefaultInvokeTimeout bounds a single tool call when no timeout is
// configured.
const DefaultInvokeTimeout = 30 * time.Second

var (
	// ErrToolUnavailable indicates the requested tool is not in the catalog
	// or the tool host connection is down.
	ErrToolUnavailable = errors.New("tool unavailable")

	// ErrToolExecution indicates the tool ran and reported a failure.
	ErrToolExecution = errors.New("tool execution failed")
)

// Gateway holds one MCP client session and the tool catalog it advertised.
//
// Gateway methods are safe for concurrent use; the catalog is immutable
// after connect.
type Gateway struct {
	session *mcp.ClientSession
	tools   []*mcp.Tool
	timeout time.Duration
	logger  log.Logger
}

// Dial connects to an MCP tool host over streamable HTTP and fetches its
// tool catalog. invokeTimeout bounds each tool call; zero means
// DefaultInvokeTimeout. On failure it returns a degraded gateway with an
// empty catalog instead of an error; the caller decides whether that is
// fatal.
func Dial(ctx context.Context, endpoint string, invokeTimeout time.Duration, logger log.Logger) *Gateway {
	if logger == nil {
		logger = log.NewNop()
	}
	logger = logger.With("component", "toolhost")

	g, err := connect(ctx, &mcp.StreamableClientTransport{Endpoint: endpoint}, logger)
	if err != nil {
		logger.Warn("tool host unreachable, continuing without tools",
			"endpoint", endpoint, "error", err)
		return &Gateway{logger: logger}
	}
	g.timeout = invokeTimeout
	logger.Info("connected to tool host", "endpoint", endpoint, "tools", len(g.tools))
	return g
}

// Disabled returns a gateway with no tool host at all. Used when tools are
// turned off by configuration; every Invoke reports ErrToolUnavailable.
func Disabled(logger log.Logger) *Gateway {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Gateway{logger: logger.With("component", "toolhost")}
}

// NewWithTransport connects over an explicit transport. Used by tests and
// in-process tool hosts; unlike Dial, failures are returned.
func NewWithTransport(ctx context.Context, t mcp.Transport, logger log.Logger) (*Gateway, error) {
	if logger == nil {
		logger = log.NewNop()
	}
	return connect(ctx, t, logger.With("component", "toolhost"))
}

func connect(ctx context.Context, t mcp.Transport, logger log.Logger) (*Gateway, error) {
	client := mcp.NewClient(&mcp.Implementation{Name: "ease", Version: "dev"}, nil)
	session, err := client.Connect(ctx, t, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to tool host: %w", err)
	}

	listed, err := session.ListTools(ctx, nil)
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("listing tools: %w", err)
	}

	return &Gateway{
		session: session,
		tools:   listed.Tools,
		logger:  logger,
	}, nil
}

// Degraded reports whether the gateway is running without a tool host
// connection.
func (g *Gateway) Degraded() bool {
	return g.session == nil
}

// Definitions returns the catalog in the shape the model client advertises
// to the model. Empty in degraded mode.
func (g *Gateway) Definitions() []model.ToolDefinition {
	out := make([]model.ToolDefinition, 0, len(g.tools))
	for _, t := range g.tools {
		out = append(out, model.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}
	return out
}

// Invoke runs one tool by name and returns its textual output.
//
// Unknown tools and a missing connection report ErrToolUnavailable; a tool
// that ran but failed reports ErrToolExecution with the tool's own message.
func (g *Gateway) Invoke(ctx context.Context, name string, args json.RawMessage) (string, error) {
	if g.session == nil {
		return "", fmt.Errorf("%w: %s: no tool host connection", ErrToolUnavailable, name)
	}
	if !g.has(name) {
		return "", fmt.Errorf("%w: %s: not in catalog", ErrToolUnavailable, name)
	}

	timeout := g.timeout
	if timeout <= 0 {
		timeout = DefaultInvokeTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := g.session.CallTool(callCtx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		// A timeout reads the same as an unreachable host: the tool gave
		// no answer.
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %s: timed out after %s", ErrToolUnavailable, name, timeout)
		}
		return "", fmt.Errorf("%w: %s: %v", ErrToolUnavailable, name, err)
	}

	text := flatten(res.Content)
	if res.IsError {
		return "", fmt.Errorf("%w: %s: %s", ErrToolExecution, name, text)
	}
	g.logger.Debug("tool call succeeded", "tool", name, "output_bytes", len(text))
	return text, nil
}

// Close shuts down the tool host session. Safe to call in degraded mode.
func (g *Gateway) Close() error {
	if g.session == nil {
		return nil
	}
	return g.session.Close()
}

func (g *Gateway) has(name string) bool {
	for _, t := range g.tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// flatten joins the textual parts of a tool result. Non-text content is
// ignored; the reference tool hosts only emit text.
func flatten(content []mcp.Content) string {
	var sb strings.Builder
	for _, c := range content {
		if tc, ok := c.(*mcp.TextContent); ok {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

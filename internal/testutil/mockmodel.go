// Package testutil provides shared test doubles and helpers: a scriptable
// model client, an in-process tool gateway and an SSE stream parser.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/koopa0/ease/internal/convo"
	"github.com/koopa0/ease/internal/model"
	"github.com/koopa0/ease/internal/toolhost"
)

// MockModel provides deterministic model responses for testing.
// It matches the last user or tool message against registered patterns and
// returns the corresponding turn.
//
// Thread-safe for concurrent use.
type MockModel struct {
	mu       sync.Mutex
	rules    []mockRule
	fallback string
	calls    []MockCall
}

type mockRule struct {
	pattern  string // substring match, case-insensitive
	response string
	tools    []model.ToolCallRequest // tool calls to request (nil = text only)
	once     bool                    // consume the rule after first match
	matched  bool
}

// MockCall records a single call to the mock model.
type MockCall struct {
	Messages []convo.Message      // full input as sent
	Tools    []string             // advertised tool names
	Response *model.AssistantTurn // turn returned
}

// NewMockModel creates a mock model with the given fallback answer.
// The fallback is returned when no pattern matches.
func NewMockModel(fallback string) *MockModel {
	return &MockModel{fallback: fallback}
}

// AddResponse registers a pattern-answer pair.
// Patterns are checked in registration order; first match wins.
func (m *MockModel) AddResponse(pattern, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, mockRule{
		pattern:  strings.ToLower(pattern),
		response: response,
	})
}

// AddToolResponse registers a pattern that triggers tool calls. The rule is
// consumed on first match so the follow-up round falls through to later
// rules or the fallback, mirroring a model that stops requesting tools once
// it has results.
func (m *MockModel) AddToolResponse(pattern string, calls ...model.ToolCallRequest) {
	m.AddToolResponseWithText(pattern, "", calls...)
}

// AddToolResponseWithText registers a tool round that also carries content,
// like models that narrate before requesting tools.
func (m *MockModel) AddToolResponseWithText(pattern, response string, calls ...model.ToolCallRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, mockRule{
		pattern:  strings.ToLower(pattern),
		response: response,
		tools:    calls,
		once:     true,
	})
}

// Calls returns a copy of all recorded calls.
func (m *MockModel) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]MockCall, len(m.calls))
	copy(cp, m.calls)
	return cp
}

// Complete implements the engine's ModelClient interface.
func (m *MockModel) Complete(_ context.Context, msgs []convo.Message, tools []model.ToolDefinition) (*model.AssistantTurn, error) {
	return m.respond(msgs, tools), nil
}

// Stream implements the engine's ModelClient interface. The answer text is
// delivered in word-sized chunks so stream consumers see more than one
// event.
func (m *MockModel) Stream(ctx context.Context, msgs []convo.Message, tools []model.ToolDefinition, fn model.StreamFunc) (*model.AssistantTurn, error) {
	turn := m.respond(msgs, tools)

	// On callback error the partial turn mirrors what was delivered, like
	// the real client does. Content deltas precede tool-call deltas within
	// a round, matching the wire order of OpenAI-compatible backends.
	var delivered strings.Builder
	partial := func() *model.AssistantTurn {
		return &model.AssistantTurn{Content: delivered.String(), ToolCalls: turn.ToolCalls}
	}

	for _, word := range strings.SplitAfter(turn.Content, " ") {
		if word == "" {
			continue
		}
		delivered.WriteString(word)
		if err := fn(model.StreamEvent{Kind: model.KindTextChunk, Text: word}); err != nil {
			return partial(), err
		}
	}
	for _, call := range turn.ToolCalls {
		if err := fn(model.StreamEvent{Kind: model.KindToolCall, Tool: call.Name}); err != nil {
			return partial(), err
		}
	}
	if err := fn(model.StreamEvent{Kind: model.KindTurnEnd}); err != nil {
		return partial(), err
	}
	return turn, nil
}

func (m *MockModel) respond(msgs []convo.Message, tools []model.ToolDefinition) *model.AssistantTurn {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Match against the latest user or tool message.
	var latest string
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == convo.RoleUser || msgs[i].Role == convo.RoleTool {
			latest = strings.ToLower(msgs[i].Content)
			break
		}
	}

	turn := &model.AssistantTurn{Content: m.fallback}
	for i := range m.rules {
		r := &m.rules[i]
		if r.once && r.matched {
			continue
		}
		if strings.Contains(latest, r.pattern) {
			r.matched = true
			turn = &model.AssistantTurn{Content: r.response, ToolCalls: r.tools}
			break
		}
	}

	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	m.calls = append(m.calls, MockCall{Messages: msgs, Tools: names, Response: turn})
	return turn
}

// MockGateway is an in-process tool gateway with programmable handlers.
//
// Thread-safe for concurrent use.
type MockGateway struct {
	mu          sync.Mutex
	defs        []model.ToolDefinition
	handlers    map[string]func(args json.RawMessage) (string, error)
	invocations []string
}

// NewMockGateway creates an empty mock gateway.
func NewMockGateway() *MockGateway {
	return &MockGateway{handlers: make(map[string]func(json.RawMessage) (string, error))}
}

// AddTool registers a tool definition with its handler.
func (g *MockGateway) AddTool(name, description string, handler func(args json.RawMessage) (string, error)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.defs = append(g.defs, model.ToolDefinition{Name: name, Description: description})
	g.handlers[name] = handler
}

// Definitions implements the engine's ToolGateway interface.
func (g *MockGateway) Definitions() []model.ToolDefinition {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := make([]model.ToolDefinition, len(g.defs))
	copy(cp, g.defs)
	return cp
}

// Invoke implements the engine's ToolGateway interface.
func (g *MockGateway) Invoke(_ context.Context, name string, args json.RawMessage) (string, error) {
	g.mu.Lock()
	handler, ok := g.handlers[name]
	g.invocations = append(g.invocations, name)
	g.mu.Unlock()

	if !ok {
		return "", fmt.Errorf("%w: %s: not in catalog", toolhost.ErrToolUnavailable, name)
	}
	return handler(args)
}

// Invocations returns the names of all tools invoked, in order.
func (g *MockGateway) Invocations() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := make([]string, len(g.invocations))
	copy(cp, g.invocations)
	return cp
}

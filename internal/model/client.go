// Package model implements the chat-completions client for
// OpenAI-compatible model endpoints.
//
// The client speaks the plain HTTP wire protocol so it works unmodified
// against Ollama, llama.cpp, vLLM, LM Studio and hosted OpenAI-compatible
// gateways. Every transport, protocol or server-side failure is reported
// wrapped in ErrModelUnavailable so callers can classify with errors.Is
// instead of inspecting status codes.
package model

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/koopa0/ease/internal/convo"
	"github.com/koopa0/ease/internal/log"
)

// ErrModelUnavailable indicates the model endpoint could not produce a
// response: connection refused, timeout, auth failure or a non-2xx status.
var ErrModelUnavailable = errors.New("model unavailable")

const defaultTimeout = 120 * time.Second

// Config holds the model endpoint settings.
type Config struct {
	// BaseURL is the endpoint root, e.g. "http://localhost:11434/v1".
	BaseURL string
	// Model is the model identifier sent with every request.
	Model string
	// APIKey is optional; when set it is sent as a bearer token.
	APIKey string
	// Timeout bounds a single completion request. Default: 120s.
	Timeout time.Duration
}

// Client talks to one OpenAI-compatible chat-completions endpoint.
type Client struct {
	baseURL    string
	model      string
	apiKey     string
	httpClient *http.Client
	logger     log.Logger
}

// NewClient creates a model client. logger may be nil.
func NewClient(cfg Config, logger log.Logger) *Client {
	if logger == nil {
		logger = log.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "model"),
	}
}

// Complete requests one full (non-streaming) model response for the given
// message history and tool catalog.
func (c *Client) Complete(ctx context.Context, msgs []convo.Message, tools []ToolDefinition) (*AssistantTurn, error) {
	body, err := c.do(ctx, wireRequest{
		Model:    c.model,
		Messages: toWire(msgs),
		Tools:    toWireTools(tools),
	})
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var resp wireResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrModelUnavailable, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%w: %s", ErrModelUnavailable, resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: response contains no choices", ErrModelUnavailable)
	}

	msg := resp.Choices[0].Message
	turn := &AssistantTurn{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		turn.ToolCalls = append(turn.ToolCalls, ToolCallRequest{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return turn, nil
}

// Stream requests a streaming model response, invoking fn for each event as
// it arrives. It returns the accumulated turn; on mid-stream failure the
// turn holds whatever content arrived before the error, so callers can
// decide what to keep.
func (c *Client) Stream(ctx context.Context, msgs []convo.Message, tools []ToolDefinition, fn StreamFunc) (*AssistantTurn, error) {
	body, err := c.do(ctx, wireRequest{
		Model:    c.model,
		Messages: toWire(msgs),
		Tools:    toWireTools(tools),
		Stream:   true,
	})
	if err != nil {
		return nil, err
	}
	defer body.Close()

	turn := &AssistantTurn{}
	acc := newToolCallAccumulator()
	var content strings.Builder

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" || data == "[DONE]" {
			continue
		}

		var chunk wireChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Warn("skipping malformed stream chunk", "error", err)
			continue
		}
		if chunk.Error != nil {
			turn.Content = content.String()
			turn.ToolCalls = acc.calls()
			return turn, fmt.Errorf("%w: %s", ErrModelUnavailable, chunk.Error.Message)
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			content.WriteString(delta.Content)
			if err := fn(StreamEvent{Kind: KindTextChunk, Text: delta.Content}); err != nil {
				turn.Content = content.String()
				turn.ToolCalls = acc.calls()
				return turn, err
			}
		}
		for _, tc := range delta.ToolCalls {
			started := acc.add(tc.Index, tc.ID, tc.Function.Name, tc.Function.Arguments)
			if started {
				if err := fn(StreamEvent{Kind: KindToolCall, Tool: tc.Function.Name}); err != nil {
					turn.Content = content.String()
					turn.ToolCalls = acc.calls()
					return turn, err
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		turn.Content = content.String()
		turn.ToolCalls = acc.calls()
		return turn, fmt.Errorf("%w: reading stream: %v", ErrModelUnavailable, err)
	}

	turn.Content = content.String()
	turn.ToolCalls = acc.calls()
	if err := fn(StreamEvent{Kind: KindTurnEnd}); err != nil {
		return turn, err
	}
	return turn, nil
}

// Ping checks the endpoint is reachable by listing its models. Used by the
// readiness probe.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrModelUnavailable, resp.StatusCode)
	}
	return nil
}

// do sends one chat-completions request and returns the response body on a
// 2xx status. All failure modes are wrapped in ErrModelUnavailable.
func (c *Client) do(ctx context.Context, req wireRequest) (io.ReadCloser, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := readErrorBody(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d: %s", ErrModelUnavailable, resp.StatusCode, detail)
	}

	c.logger.Debug("model request accepted",
		"model", c.model,
		"messages", len(req.Messages),
		"stream", req.Stream,
		"elapsed", time.Since(start))
	return resp.Body, nil
}

// readErrorBody extracts a short error description from a failed response.
func readErrorBody(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return "no error detail"
	}
	var resp wireResponse
	if json.Unmarshal(raw, &resp) == nil && resp.Error != nil && resp.Error.Message != "" {
		return resp.Error.Message
	}
	return strings.TrimSpace(string(raw))
}

// toolCallAccumulator reassembles tool calls from indexed stream deltas.
// Arguments arrive fragmented across chunks and are concatenated per index.
type toolCallAccumulator struct {
	order []int
	byIdx map[int]*ToolCallRequest
	args  map[int]*strings.Builder
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{
		byIdx: make(map[int]*ToolCallRequest),
		args:  make(map[int]*strings.Builder),
	}
}

// add folds one delta into the accumulator and reports whether this delta
// started a new tool call.
func (a *toolCallAccumulator) add(index int, id, name, argFragment string) bool {
	tc, ok := a.byIdx[index]
	if !ok {
		tc = &ToolCallRequest{}
		a.byIdx[index] = tc
		a.args[index] = &strings.Builder{}
		a.order = append(a.order, index)
	}
	if id != "" {
		tc.ID = id
	}
	if name != "" {
		tc.Name = name
	}
	a.args[index].WriteString(argFragment)
	return !ok
}

func (a *toolCallAccumulator) calls() []ToolCallRequest {
	if len(a.order) == 0 {
		return nil
	}
	out := make([]ToolCallRequest, 0, len(a.order))
	for _, idx := range a.order {
		tc := *a.byIdx[idx]
		args := a.args[idx].String()
		if args == "" {
			args = "{}"
		}
		tc.Arguments = json.RawMessage(args)
		out = append(out, tc)
	}
	return out
}

// toWire converts conversation messages to the wire shape.
func toWire(msgs []convo.Message) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		wm := wireMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: wireFunction{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		out = append(out, wm)
	}
	return out
}

func toWireTools(tools []ToolDefinition) []wireTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]wireTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, wireTool{
			Type: "function",
			Function: wireToolSchema{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

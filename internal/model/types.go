package model

import "encoding/json"

// ToolDefinition describes one callable tool advertised to the model.
// Parameters holds a JSON-schema object for the tool's input.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  any
}

// AssistantTurn is one model response: either a final answer (no tool
// calls) or a request to invoke one or more tools.
type AssistantTurn struct {
	Content   string
	ToolCalls []ToolCallRequest
}

// ToolCallRequest is a single tool invocation requested by the model.
type ToolCallRequest struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// EventKind is the closed set of streaming event kinds.
// The kind is decided once here, at the model boundary; callers switch on
// the tag instead of re-parsing wire payloads.
type EventKind int

const (
	// KindTextChunk carries an increment of the answer text.
	KindTextChunk EventKind = iota
	// KindToolCall signals the model has started requesting a tool.
	KindToolCall
	// KindTurnEnd signals the model finished this response.
	KindTurnEnd
)

// StreamEvent is one event of a streaming completion.
type StreamEvent struct {
	Kind EventKind
	Text string // set for KindTextChunk
	Tool string // set for KindToolCall
}

// StreamFunc receives stream events as they arrive.
// Returning an error aborts the stream.
type StreamFunc func(StreamEvent) error

// Wire types for the OpenAI-compatible chat-completions API.

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireTool struct {
	Type     string         `json:"type"`
	Function wireToolSchema `json:"function"`
}

type wireToolSchema struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  any    `json:"parameters"`
}

type wireRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Tools    []wireTool    `json:"tools,omitempty"`
	Stream   bool          `json:"stream,omitempty"`
}

type wireResponse struct {
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
	} `json:"choices"`
	Error *wireError `json:"error,omitempty"`
}

type wireError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// wireChunk is one SSE data payload of a streaming completion.
type wireChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *wireError `json:"error,omitempty"`
}

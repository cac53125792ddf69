// Package convo holds the conversation data model and the in-memory
// conversation store.
//
// A conversation (thread) is an ordered, append-only sequence of messages
// keyed by an opaque client-supplied thread id. The store is the only
// mutable shared state in the gateway; it is safe for concurrent use across
// distinct threads and hands out a per-thread turn token so at most one
// turn is ever in flight per thread.
package convo

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a message.
type Role string

// Valid message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a tool invocation requested by the assistant.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is one utterance in a conversation.
//
// Content may be empty on assistant messages that only carry tool calls.
// ToolCallID is set only on tool-result messages and back-references the
// call id of the immediately preceding assistant message's tool call.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// SystemMessage builds a system-instruction message.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

// UserMessage builds a user message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// AssistantMessage builds a plain assistant answer message.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

// AssistantToolCallMessage builds an assistant message carrying tool-call
// requests alongside any partial content.
func AssistantToolCallMessage(text string, calls []ToolCall) Message {
	return Message{Role: RoleAssistant, Content: text, ToolCalls: calls}
}

// ToolResultMessage builds a tool-result message answering the given call id.
// Tool failures are reported through the same shape: the error description
// becomes the content, so the model sees failures as ordinary tool output.
func ToolResultMessage(callID, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID}
}

// ThreadInfo is a summary of one conversation, used by the listing API.
type ThreadInfo struct {
	ID        string    `json:"id"`
	Messages  int       `json:"messages"`
	UpdatedAt time.Time `json:"updated_at"`
}

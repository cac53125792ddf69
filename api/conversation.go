package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/koopa0/ease/internal/convo"
	"github.com/koopa0/ease/internal/engine"
	"github.com/koopa0/ease/internal/log"
	"github.com/koopa0/ease/internal/model"
)

// TurnRunner is the slice of the turn engine the API consumes.
type TurnRunner interface {
	RunTurn(ctx context.Context, threadID, question string) (string, error)
	StreamTurn(ctx context.Context, threadID, question string, emit func(engine.Event) error) (string, error)
}

// ConversationHandler handles the turn endpoints.
//
// Endpoints:
//   - POST /api/conversation        - Synchronous turn (JSON request/response)
//   - POST /api/conversation/stream - Streaming turn (SSE - Server-Sent Events)
//
// Both endpoints run the same turn loop; the stream variant additionally
// surfaces answer chunks and tool invocations as they happen.
type ConversationHandler struct {
	runner TurnRunner
	logger log.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(runner TurnRunner, logger log.Logger) *ConversationHandler {
	return &ConversationHandler{runner: runner, logger: logger}
}

// RegisterRoutes registers conversation routes on the given mux.
func (h *ConversationHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/conversation", h.handleAsk)
	mux.HandleFunc("POST /api/conversation/stream", h.handleStream)
}

// AskRequest is the request body for both turn endpoints.
// ThreadID is optional; when omitted the server starts a fresh thread.
type AskRequest struct {
	Question string `json:"question"`
	ThreadID string `json:"threadId,omitempty"`
}

// AskResponse is the response body for the synchronous endpoint.
type AskResponse struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
	ThreadID string `json:"threadId"`
}

// validate checks the request and fills in a generated thread id if needed.
func (r *AskRequest) validate() error {
	if r.Question == "" {
		return errors.New("question is required")
	}
	if r.ThreadID == "" {
		r.ThreadID = uuid.NewString()
	}
	return nil
}

// handleAsk runs one synchronous turn.
func (h *ConversationHandler) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	answer, err := h.runner.RunTurn(r.Context(), req.ThreadID, req.Question)
	if err != nil {
		status, code := classifyTurnError(err)
		h.logger.Error("turn failed", "threadId", req.ThreadID, "code", code, "error", err)
		writeError(w, status, code, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, AskResponse{
		Question: req.Question,
		Answer:   answer,
		ThreadID: req.ThreadID,
	})
}

// SSE payload shapes for the streaming endpoint.

// SSEChunkData is the data for "chunk" events.
type SSEChunkData struct {
	Text string `json:"text"`
}

// SSEToolData is the data for "tool" events.
type SSEToolData struct {
	Name string `json:"name"`
}

// SSEDoneData is the data for "done" events.
type SSEDoneData struct {
	Answer   string `json:"answer"`
	ThreadID string `json:"threadId"`
}

// SSEErrorData is the data for "error" events.
type SSEErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// handleStream runs one turn and streams its progress as Server-Sent
// Events.
//
// Event types:
//   - chunk: Partial answer text {"text": "..."}
//   - tool:  A tool is being invoked {"name": "..."}
//   - done:  Final answer {"answer": "...", "threadId": "..."}
//   - error: Turn failed {"code": "...", "message": "..."}
func (h *ConversationHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.logger.Error("streaming not supported")
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	var req AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeSSEError(w, flusher, "INVALID_REQUEST", fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := req.validate(); err != nil {
		h.writeSSEError(w, flusher, "INVALID_REQUEST", err.Error())
		return
	}

	ctx := r.Context()
	h.logger.Info("SSE stream started", "threadId", req.ThreadID)

	chunks := 0
	answer, err := h.runner.StreamTurn(ctx, req.ThreadID, req.Question, func(ev engine.Event) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch ev.Kind {
		case engine.EventTextChunk:
			chunks++
			h.writeSSEEvent(w, flusher, "chunk", SSEChunkData{Text: ev.Text})
		case engine.EventToolCall:
			h.writeSSEEvent(w, flusher, "tool", SSEToolData{Name: ev.Tool})
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			h.logger.Info("client disconnected", "threadId", req.ThreadID)
			return
		}
		_, code := classifyTurnError(err)
		h.logger.Error("stream failed", "threadId", req.ThreadID, "code", code, "error", err)
		h.writeSSEError(w, flusher, code, err.Error())
		return
	}

	h.writeSSEEvent(w, flusher, "done", SSEDoneData{Answer: answer, ThreadID: req.ThreadID})
	h.logger.Info("SSE stream completed",
		"threadId", req.ThreadID,
		"chunks", chunks,
		"answerLen", len(answer))
}

// writeSSEEvent writes one event to the SSE stream.
func (h *ConversationHandler) writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, _ := json.Marshal(data)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}

// writeSSEError writes an error event to the SSE stream.
func (h *ConversationHandler) writeSSEError(w http.ResponseWriter, flusher http.Flusher, code, message string) {
	h.writeSSEEvent(w, flusher, "error", SSEErrorData{Code: code, Message: message})
}

// classifyTurnError maps turn failures to an HTTP status and a stable
// machine-readable code.
func classifyTurnError(err error) (int, string) {
	switch {
	case errors.Is(err, convo.ErrThreadBusy):
		return http.StatusConflict, "THREAD_BUSY"
	case errors.Is(err, model.ErrModelUnavailable):
		return http.StatusBadGateway, "MODEL_UNAVAILABLE"
	case errors.Is(err, engine.ErrTurnAborted):
		return http.StatusBadGateway, "TURN_ABORTED"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

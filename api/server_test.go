package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/ease/api"
	"github.com/koopa0/ease/internal/convo"
	"github.com/koopa0/ease/internal/engine"
	"github.com/koopa0/ease/internal/model"
	"github.com/koopa0/ease/internal/testutil"
)

// stubRunner is a canned TurnRunner for handler tests.
type stubRunner struct {
	answer string
	err    error
	events []engine.Event

	gotThreadID string
	gotQuestion string
}

func (s *stubRunner) RunTurn(_ context.Context, threadID, question string) (string, error) {
	s.gotThreadID = threadID
	s.gotQuestion = question
	return s.answer, s.err
}

func (s *stubRunner) StreamTurn(_ context.Context, threadID, question string, emit func(engine.Event) error) (string, error) {
	s.gotThreadID = threadID
	s.gotQuestion = question
	for _, ev := range s.events {
		if err := emit(ev); err != nil {
			return "", err
		}
	}
	return s.answer, s.err
}

type stubPinger struct{ err error }

func (p *stubPinger) Ping(context.Context) error { return p.err }

type stubDegrader struct{ degraded bool }

func (d *stubDegrader) Degraded() bool { return d.degraded }

func newTestServer(t *testing.T, runner api.TurnRunner, store *convo.Store, pinger api.Pinger) http.Handler {
	t.Helper()
	if store == nil {
		store = convo.NewStore(nil)
	}
	return api.NewServer(runner, store, pinger, nil, nil).Handler()
}

func postJSON(t *testing.T, handler http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestConversationAsk(t *testing.T) {
	runner := &stubRunner{answer: "Paris"}
	handler := newTestServer(t, runner, nil, nil)

	rec := postJSON(t, handler, "/api/conversation",
		`{"question":"capital of France?","threadId":"t1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.AskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "capital of France?", resp.Question)
	assert.Equal(t, "Paris", resp.Answer)
	assert.Equal(t, "t1", resp.ThreadID)
	assert.Equal(t, "t1", runner.gotThreadID)
}

func TestConversationAskGeneratesThreadID(t *testing.T) {
	runner := &stubRunner{answer: "hello"}
	handler := newTestServer(t, runner, nil, nil)

	rec := postJSON(t, handler, "/api/conversation", `{"question":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.AskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ThreadID, "server must mint a thread id when the client omits one")
	assert.Equal(t, resp.ThreadID, runner.gotThreadID)
}

func TestConversationAskBadRequest(t *testing.T) {
	handler := newTestServer(t, &stubRunner{}, nil, nil)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{not json`},
		{"missing question", `{"threadId":"t1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(t, handler, "/api/conversation", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), "INVALID_REQUEST")
		})
	}
}

func TestConversationAskErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"thread busy", convo.ErrThreadBusy, http.StatusConflict, "THREAD_BUSY"},
		{"model unavailable", fmt.Errorf("calling model: %w", model.ErrModelUnavailable), http.StatusBadGateway, "MODEL_UNAVAILABLE"},
		{"turn aborted", engine.ErrTurnAborted, http.StatusBadGateway, "TURN_ABORTED"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := newTestServer(t, &stubRunner{err: tt.err}, nil, nil)
			rec := postJSON(t, handler, "/api/conversation", `{"question":"hi","threadId":"t1"}`)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantCode)
		})
	}
}

func TestConversationStream(t *testing.T) {
	runner := &stubRunner{
		answer: "it is 42",
		events: []engine.Event{
			{Kind: engine.EventToolCall, Tool: "calc"},
			{Kind: engine.EventTextChunk, Text: "it is "},
			{Kind: engine.EventTextChunk, Text: "42"},
		},
	}
	handler := newTestServer(t, runner, nil, nil)

	rec := postJSON(t, handler, "/api/conversation/stream",
		`{"question":"compute","threadId":"t1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := testutil.ParseSSEEvents(t, rec.Body.String())
	require.Len(t, events, 4)

	tool := testutil.FindEvent(events, "tool")
	require.NotNil(t, tool)
	assert.JSONEq(t, `{"name":"calc"}`, tool.Data)

	chunks := testutil.FindAllEvents(events, "chunk")
	require.Len(t, chunks, 2)
	var text strings.Builder
	for _, c := range chunks {
		var data api.SSEChunkData
		require.NoError(t, json.Unmarshal([]byte(c.Data), &data))
		text.WriteString(data.Text)
	}
	assert.Equal(t, "it is 42", text.String())

	done := testutil.FindEvent(events, "done")
	require.NotNil(t, done)
	var doneData api.SSEDoneData
	require.NoError(t, json.Unmarshal([]byte(done.Data), &doneData))
	assert.Equal(t, "it is 42", doneData.Answer)
	assert.Equal(t, "t1", doneData.ThreadID)
}

func TestConversationStreamError(t *testing.T) {
	runner := &stubRunner{
		err: fmt.Errorf("calling model: %w", model.ErrModelUnavailable),
		events: []engine.Event{
			{Kind: engine.EventTextChunk, Text: "par"},
		},
	}
	handler := newTestServer(t, runner, nil, nil)

	rec := postJSON(t, handler, "/api/conversation/stream",
		`{"question":"hi","threadId":"t1"}`)
	events := testutil.ParseSSEEvents(t, rec.Body.String())

	errEvent := testutil.FindEvent(events, "error")
	require.NotNil(t, errEvent)
	var data api.SSEErrorData
	require.NoError(t, json.Unmarshal([]byte(errEvent.Data), &data))
	assert.Equal(t, "MODEL_UNAVAILABLE", data.Code)
	assert.Nil(t, testutil.FindEvent(events, "done"))
}

func TestConversationStreamBusyThread(t *testing.T) {
	handler := newTestServer(t, &stubRunner{err: convo.ErrThreadBusy}, nil, nil)

	rec := postJSON(t, handler, "/api/conversation/stream",
		`{"question":"hi","threadId":"t1"}`)
	events := testutil.ParseSSEEvents(t, rec.Body.String())

	errEvent := testutil.FindEvent(events, "error")
	require.NotNil(t, errEvent)
	assert.Contains(t, errEvent.Data, "THREAD_BUSY")
}

func TestThreadList(t *testing.T) {
	store := convo.NewStore(nil)
	handler := newTestServer(t, &stubRunner{}, store, nil)

	// Empty store lists as an empty array, not null.
	req := httptest.NewRequest(http.MethodGet, "/api/threads", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"threads":[]}`, rec.Body.String())

	store.Append("t1", convo.UserMessage("hi"), convo.AssistantMessage("hello"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	var resp api.ThreadListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Threads, 1)
	assert.Equal(t, "t1", resp.Threads[0].ID)
	assert.Equal(t, 2, resp.Threads[0].Messages)
}

func TestThreadDelete(t *testing.T) {
	store := convo.NewStore(nil)
	store.Append("t1", convo.UserMessage("hi"))
	handler := newTestServer(t, &stubRunner{}, store, nil)

	req := httptest.NewRequest(http.MethodDelete, "/api/threads/t1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, store.Threads())
}

func TestHealthEndpoints(t *testing.T) {
	handler := newTestServer(t, &stubRunner{}, nil, &stubPinger{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadinessReportsDegradedTools(t *testing.T) {
	handler := api.NewServer(&stubRunner{}, convo.NewStore(nil),
		&stubPinger{}, &stubDegrader{degraded: true}, nil).Handler()

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tools degraded")
}

func TestReadinessFailsWhenModelDown(t *testing.T) {
	handler := newTestServer(t, &stubRunner{}, nil,
		&stubPinger{err: model.ErrModelUnavailable})

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

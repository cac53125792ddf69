package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/koopa0/ease/internal/convo"
	"github.com/koopa0/ease/internal/engine"
	"github.com/koopa0/ease/internal/model"
	"github.com/koopa0/ease/internal/testutil"
	"github.com/koopa0/ease/internal/toolhost"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newEngine(t *testing.T, mm engine.ModelClient, gw engine.ToolGateway, store *convo.Store, opts ...func(*engine.Config)) *engine.Engine {
	t.Helper()
	cfg := engine.Config{
		Model:        mm,
		Tools:        gw,
		Store:        store,
		SystemPrompt: "You are a helpful assistant.",
		Retry:        engine.RetryConfig{MaxRetries: 0, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	e, err := engine.New(cfg)
	require.NoError(t, err)
	return e
}

func TestRunTurnPlainAnswer(t *testing.T) {
	mm := testutil.NewMockModel("the capital of France is Paris")
	gw := testutil.NewMockGateway()
	gw.AddTool("list_tables", "List tables", func(json.RawMessage) (string, error) { return "", nil })
	store := convo.NewStore(nil)
	e := newEngine(t, mm, gw, store)

	answer, err := e.RunTurn(context.Background(), "t1", "capital of France?")
	require.NoError(t, err)
	assert.Equal(t, "the capital of France is Paris", answer)

	// One user and one assistant message, nothing else.
	history := store.History("t1")
	require.Len(t, history, 2)
	assert.Equal(t, convo.RoleUser, history[0].Role)
	assert.Equal(t, "capital of France?", history[0].Content)
	assert.Equal(t, convo.RoleAssistant, history[1].Role)
	assert.Equal(t, answer, history[1].Content)

	// Exactly one model call, with the system prompt and tool catalog attached.
	calls := mm.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, convo.RoleSystem, calls[0].Messages[0].Role)
	assert.Equal(t, []string{"list_tables"}, calls[0].Tools)
	assert.Empty(t, gw.Invocations())
}

func TestRunTurnWithToolRound(t *testing.T) {
	mm := testutil.NewMockModel("there are two tables")
	mm.AddToolResponse("what tables", model.ToolCallRequest{
		ID: "call_1", Name: "list_tables", Arguments: json.RawMessage(`{}`),
	})
	gw := testutil.NewMockGateway()
	gw.AddTool("list_tables", "List tables", func(json.RawMessage) (string, error) {
		return "users, orders", nil
	})
	store := convo.NewStore(nil)
	e := newEngine(t, mm, gw, store)

	answer, err := e.RunTurn(context.Background(), "t1", "what tables exist?")
	require.NoError(t, err)
	assert.Equal(t, "there are two tables", answer)
	assert.Equal(t, []string{"list_tables"}, gw.Invocations())

	// user, assistant(tool call), tool result, assistant answer.
	history := store.History("t1")
	require.Len(t, history, 4)
	assert.Equal(t, convo.RoleAssistant, history[1].Role)
	require.Len(t, history[1].ToolCalls, 1)
	assert.Equal(t, "call_1", history[1].ToolCalls[0].ID)
	assert.Equal(t, convo.RoleTool, history[2].Role)
	assert.Equal(t, "call_1", history[2].ToolCallID, "tool result must reference the call id")
	assert.Equal(t, "users, orders", history[2].Content)
	assert.Equal(t, convo.RoleAssistant, history[3].Role)

	// The second model call must include the tool result.
	calls := mm.Calls()
	require.Len(t, calls, 2)
}

func TestRunTurnToolFailureContinues(t *testing.T) {
	mm := testutil.NewMockModel("I could not check the tables")
	mm.AddToolResponse("tables", model.ToolCallRequest{
		ID: "call_1", Name: "list_tables", Arguments: json.RawMessage(`{}`),
	})
	gw := testutil.NewMockGateway()
	gw.AddTool("list_tables", "List tables", func(json.RawMessage) (string, error) {
		return "", fmt.Errorf("%w: list_tables: disk on fire", toolhost.ErrToolExecution)
	})
	store := convo.NewStore(nil)
	e := newEngine(t, mm, gw, store)

	answer, err := e.RunTurn(context.Background(), "t1", "what tables exist?")
	require.NoError(t, err, "a failing tool must not fail the turn")
	assert.Equal(t, "I could not check the tables", answer)

	history := store.History("t1")
	require.Len(t, history, 4)
	assert.Equal(t, convo.RoleTool, history[2].Role)
	assert.Contains(t, history[2].Content, "tool error:")
	assert.Contains(t, history[2].Content, "disk on fire")
}

func TestRunTurnUnknownToolContinues(t *testing.T) {
	mm := testutil.NewMockModel("never mind then")
	mm.AddToolResponse("weather", model.ToolCallRequest{
		ID: "call_1", Name: "get_weather", Arguments: json.RawMessage(`{}`),
	})
	gw := testutil.NewMockGateway()
	store := convo.NewStore(nil)
	e := newEngine(t, mm, gw, store)

	answer, err := e.RunTurn(context.Background(), "t1", "weather in Taipei?")
	require.NoError(t, err)
	assert.Equal(t, "never mind then", answer)

	history := store.History("t1")
	assert.Contains(t, history[2].Content, "tool error:")
}

func TestRunTurnAbortsAtIterationBound(t *testing.T) {
	// The model requests a tool on every round and never settles.
	mm := &loopingModel{}
	gw := testutil.NewMockGateway()
	gw.AddTool("spin", "Spin forever", func(json.RawMessage) (string, error) { return "again", nil })
	store := convo.NewStore(nil)
	e := newEngine(t, mm, gw, store, func(cfg *engine.Config) {
		cfg.MaxIterations = 3
	})

	_, err := e.RunTurn(context.Background(), "t1", "go")
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrTurnAborted)

	// Each iteration contributes an assistant message and a tool result.
	assert.Equal(t, 1+2*3, store.MessageCount("t1"))
	assert.Equal(t, 3, mm.rounds)
}

func TestRunTurnModelUnavailable(t *testing.T) {
	mm := &failingModel{err: fmt.Errorf("%w: connection refused to nobody", model.ErrModelUnavailable)}
	store := convo.NewStore(nil)
	e := newEngine(t, mm, testutil.NewMockGateway(), store)

	_, err := e.RunTurn(context.Background(), "t1", "hi")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrModelUnavailable)

	// The user message is committed even though no answer arrived.
	assert.Equal(t, 1, store.MessageCount("t1"))
}

func TestRunTurnThreadBusy(t *testing.T) {
	mm := &blockingModel{started: make(chan struct{}), release: make(chan struct{})}
	store := convo.NewStore(nil)
	e := newEngine(t, mm, testutil.NewMockGateway(), store)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		answer, err := e.RunTurn(context.Background(), "t1", "slow question")
		assert.NoError(t, err)
		assert.Equal(t, "done", answer)
	}()

	<-mm.started
	_, err := e.RunTurn(context.Background(), "t1", "impatient question")
	assert.ErrorIs(t, err, convo.ErrThreadBusy)

	// A different thread is not affected by t1's in-flight turn.
	answer, err := e.RunTurn(context.Background(), "t2", "other question")
	require.NoError(t, err)
	assert.Equal(t, "done", answer)

	close(mm.release)
	wg.Wait()
}

func TestRunTurnLazyThreadCreation(t *testing.T) {
	mm := testutil.NewMockModel("hello")
	store := convo.NewStore(nil)
	e := newEngine(t, mm, testutil.NewMockGateway(), store)

	require.Equal(t, 0, store.MessageCount("fresh-thread"))
	_, err := e.RunTurn(context.Background(), "fresh-thread", "hi")
	require.NoError(t, err)
	assert.Equal(t, 2, store.MessageCount("fresh-thread"))
}

func TestStreamTurnMatchesRunTurn(t *testing.T) {
	setup := func() (*engine.Engine, *convo.Store) {
		mm := testutil.NewMockModel("the answer is forty two")
		mm.AddToolResponse("compute", model.ToolCallRequest{
			ID: "call_1", Name: "calc", Arguments: json.RawMessage(`{"expr":"6*7"}`),
		})
		gw := testutil.NewMockGateway()
		gw.AddTool("calc", "Evaluate arithmetic", func(json.RawMessage) (string, error) {
			return "42", nil
		})
		store := convo.NewStore(nil)
		return newEngine(t, mm, gw, store), store
	}

	runEngine, runStore := setup()
	plain, err := runEngine.RunTurn(context.Background(), "t1", "compute 6*7")
	require.NoError(t, err)

	streamEngine, streamStore := setup()
	var chunks strings.Builder
	var toolEvents []string
	streamed, err := streamEngine.StreamTurn(context.Background(), "t1", "compute 6*7",
		func(ev engine.Event) error {
			switch ev.Kind {
			case engine.EventTextChunk:
				chunks.WriteString(ev.Text)
			case engine.EventToolCall:
				toolEvents = append(toolEvents, ev.Tool)
			}
			return nil
		})
	require.NoError(t, err)

	assert.Equal(t, plain, streamed)
	assert.Equal(t, streamed, chunks.String(), "concatenated chunks must equal the answer")
	assert.Equal(t, []string{"calc"}, toolEvents)
	assert.Equal(t, runStore.History("t1"), streamStore.History("t1"))
}

func TestStreamTurnCommitsPartialOnConsumerError(t *testing.T) {
	mm := testutil.NewMockModel("one two three four")
	store := convo.NewStore(nil)
	e := newEngine(t, mm, testutil.NewMockGateway(), store)

	gone := errors.New("consumer gone")
	seen := 0
	_, err := e.StreamTurn(context.Background(), "t1", "count",
		func(ev engine.Event) error {
			seen++
			if seen == 2 {
				return gone
			}
			return nil
		})
	require.ErrorIs(t, err, gone)

	// Only chunks the consumer accepted are recorded; the chunk whose
	// delivery failed is not.
	history := store.History("t1")
	require.Len(t, history, 2)
	assert.Equal(t, convo.RoleAssistant, history[1].Role)
	assert.Equal(t, "one ", history[1].Content)
}

func TestStreamTurnSuppressesToolRoundText(t *testing.T) {
	// Models narrate before requesting tools, and the wire delivers that
	// narration as content deltas ahead of the tool-call deltas. It must
	// not surface as answer text.
	mm := testutil.NewMockModel("the answer is 42")
	mm.AddToolResponseWithText("compute", "Let me check. ", model.ToolCallRequest{
		ID: "call_1", Name: "calc", Arguments: json.RawMessage(`{"expr":"6*7"}`),
	})
	gw := testutil.NewMockGateway()
	gw.AddTool("calc", "Evaluate arithmetic", func(json.RawMessage) (string, error) {
		return "42", nil
	})
	store := convo.NewStore(nil)
	e := newEngine(t, mm, gw, store)

	var chunks strings.Builder
	answer, err := e.StreamTurn(context.Background(), "t1", "compute 6*7",
		func(ev engine.Event) error {
			if ev.Kind == engine.EventTextChunk {
				chunks.WriteString(ev.Text)
			}
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, "the answer is 42", answer)
	assert.Equal(t, answer, chunks.String(),
		"concatenated chunks must equal the non-streaming answer")

	// The narration still reaches history on the tool-call message.
	history := store.History("t1")
	require.Len(t, history, 4)
	assert.Equal(t, "Let me check. ", history[1].Content)
}

func TestRunTurnNormalizesEmptyToolArguments(t *testing.T) {
	mm := testutil.NewMockModel("two tables")
	mm.AddToolResponse("tables", model.ToolCallRequest{
		ID: "call_1", Name: "list_tables",
	})
	gw := testutil.NewMockGateway()
	var gotArgs json.RawMessage
	gw.AddTool("list_tables", "List tables", func(args json.RawMessage) (string, error) {
		gotArgs = args
		return "users, orders", nil
	})
	store := convo.NewStore(nil)
	e := newEngine(t, mm, gw, store)

	_, err := e.RunTurn(context.Background(), "t1", "what tables exist?")
	require.NoError(t, err)

	// A call without arguments dispatches and persists as an empty object.
	assert.JSONEq(t, `{}`, string(gotArgs))
	history := store.History("t1")
	require.Len(t, history[1].ToolCalls, 1)
	assert.JSONEq(t, `{}`, string(history[1].ToolCalls[0].Arguments))
}

func TestSequentialTurnsShareHistory(t *testing.T) {
	mm := testutil.NewMockModel("hello")
	mm.AddResponse("my name is ada", "nice to meet you, Ada")
	mm.AddResponse("what is my name", "your name is Ada")
	store := convo.NewStore(nil)
	e := newEngine(t, mm, testutil.NewMockGateway(), store)

	first, err := e.RunTurn(context.Background(), "t1", "my name is Ada")
	require.NoError(t, err)
	assert.Equal(t, "nice to meet you, Ada", first)

	second, err := e.RunTurn(context.Background(), "t1", "what is my name?")
	require.NoError(t, err)
	assert.Equal(t, "your name is Ada", second)

	// Two messages per turn, in order.
	assert.Equal(t, 4, store.MessageCount("t1"))

	// The second model call carries the whole first turn.
	calls := mm.Calls()
	require.Len(t, calls, 2)
	msgs := calls[1].Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, convo.RoleSystem, msgs[0].Role)
	assert.Equal(t, "my name is Ada", msgs[1].Content)
	assert.Equal(t, first, msgs[2].Content)
	assert.Equal(t, "what is my name?", msgs[3].Content)
}

func TestRunTurnRetriesTransientFailure(t *testing.T) {
	mm := &flakyModel{failures: 2, err: fmt.Errorf("%w: status 503: overloaded", model.ErrModelUnavailable)}
	store := convo.NewStore(nil)
	e := newEngine(t, mm, testutil.NewMockGateway(), store, func(cfg *engine.Config) {
		cfg.Retry = engine.RetryConfig{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	})

	answer, err := e.RunTurn(context.Background(), "t1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "recovered", answer)
	assert.Equal(t, 3, mm.attempts)
}

func TestCircuitOpensAfterRepeatedFailures(t *testing.T) {
	mm := &failingModel{err: fmt.Errorf("%w: unauthorized", model.ErrModelUnavailable)}
	store := convo.NewStore(nil)
	e := newEngine(t, mm, testutil.NewMockGateway(), store, func(cfg *engine.Config) {
		cfg.Breaker = engine.CircuitBreakerConfig{FailureThreshold: 2, Timeout: time.Hour}
	})

	for i := 0; i < 2; i++ {
		_, err := e.RunTurn(context.Background(), fmt.Sprintf("t%d", i), "hi")
		require.ErrorIs(t, err, model.ErrModelUnavailable)
	}

	// Circuit is now open; the model must not be called again.
	before := mm.attempts
	_, err := e.RunTurn(context.Background(), "t9", "hi")
	assert.ErrorIs(t, err, model.ErrModelUnavailable)
	assert.Equal(t, before, mm.attempts)
}

// loopingModel requests the same tool on every round.
type loopingModel struct {
	rounds int
}

func (m *loopingModel) Complete(context.Context, []convo.Message, []model.ToolDefinition) (*model.AssistantTurn, error) {
	m.rounds++
	return &model.AssistantTurn{ToolCalls: []model.ToolCallRequest{
		{ID: fmt.Sprintf("call_%d", m.rounds), Name: "spin", Arguments: json.RawMessage(`{}`)},
	}}, nil
}

func (m *loopingModel) Stream(ctx context.Context, msgs []convo.Message, tools []model.ToolDefinition, fn model.StreamFunc) (*model.AssistantTurn, error) {
	return m.Complete(ctx, msgs, tools)
}

// failingModel always fails with a fixed error.
type failingModel struct {
	err      error
	attempts int
}

func (m *failingModel) Complete(context.Context, []convo.Message, []model.ToolDefinition) (*model.AssistantTurn, error) {
	m.attempts++
	return nil, m.err
}

func (m *failingModel) Stream(ctx context.Context, msgs []convo.Message, tools []model.ToolDefinition, fn model.StreamFunc) (*model.AssistantTurn, error) {
	return m.Complete(ctx, msgs, tools)
}

// flakyModel fails a fixed number of times, then answers.
type flakyModel struct {
	failures int
	attempts int
	err      error
}

func (m *flakyModel) Complete(context.Context, []convo.Message, []model.ToolDefinition) (*model.AssistantTurn, error) {
	m.attempts++
	if m.attempts <= m.failures {
		return nil, m.err
	}
	return &model.AssistantTurn{Content: "recovered"}, nil
}

func (m *flakyModel) Stream(ctx context.Context, msgs []convo.Message, tools []model.ToolDefinition, fn model.StreamFunc) (*model.AssistantTurn, error) {
	return m.Complete(ctx, msgs, tools)
}

// blockingModel parks until released, so tests can hold a turn in flight.
type blockingModel struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (m *blockingModel) Complete(ctx context.Context, msgs []convo.Message, _ []model.ToolDefinition) (*model.AssistantTurn, error) {
	block := false
	for _, msg := range msgs {
		if msg.Role == convo.RoleUser && strings.Contains(msg.Content, "slow") {
			block = true
		}
	}
	if block {
		m.once.Do(func() { close(m.started) })
		select {
		case <-m.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &model.AssistantTurn{Content: "done"}, nil
}

func (m *blockingModel) Stream(ctx context.Context, msgs []convo.Message, tools []model.ToolDefinition, fn model.StreamFunc) (*model.AssistantTurn, error) {
	return m.Complete(ctx, msgs, tools)
}

// Package engine runs conversation turns.
//
// A turn takes one user question, calls the model with the thread history
// and the tool catalog, executes any tool calls the model requests, feeds
// the results back, and repeats until the model answers in plain text. The
// loop is bounded so a model that keeps requesting tools cannot spin the
// gateway forever.
//
// Model calls go through a circuit breaker, a rate limiter and exponential
// backoff retry, in that order.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/koopa0/ease/internal/convo"
	"github.com/koopa0/ease/internal/log"
	"github.com/koopa0/ease/internal/model"
)

// ErrTurnAborted indicates the turn hit the iteration bound before the
// model produced a plain answer.
var ErrTurnAborted = errors.New("turn aborted: tool loop exceeded iteration bound")

// errEmit marks errors raised by the consumer's emit callback, so they are
// not mistaken for model failures by the breaker and retry logic.
var errEmit = errors.New("stream consumer failed")

// DefaultMaxIterations bounds the tool loop within one turn.
const DefaultMaxIterations = 25

// ModelClient is the slice of the model client the engine consumes.
type ModelClient interface {
	Complete(ctx context.Context, msgs []convo.Message, tools []model.ToolDefinition) (*model.AssistantTurn, error)
	Stream(ctx context.Context, msgs []convo.Message, tools []model.ToolDefinition, fn model.StreamFunc) (*model.AssistantTurn, error)
}

// ToolGateway is the slice of the tool host gateway the engine consumes.
type ToolGateway interface {
	Definitions() []model.ToolDefinition
	Invoke(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// EventKind is the closed set of turn event kinds surfaced to stream
// consumers.
type EventKind int

const (
	// EventTextChunk carries an increment of the answer text.
	EventTextChunk EventKind = iota
	// EventToolCall signals a tool is about to run.
	EventToolCall
)

// Event is one observable step of a streamed turn.
type Event struct {
	Kind EventKind
	Text string // set for EventTextChunk
	Tool string // set for EventToolCall
}

// Config assembles an Engine.
type Config struct {
	Model  ModelClient
	Tools  ToolGateway
	Store  *convo.Store
	Logger log.Logger

	// SystemPrompt is prepended to every model call. Optional.
	SystemPrompt string

	// MaxIterations bounds the tool loop. Default: DefaultMaxIterations.
	MaxIterations int

	// RequestsPerSecond throttles model calls. Zero disables throttling.
	RequestsPerSecond float64

	Retry   RetryConfig
	Breaker CircuitBreakerConfig
}

func (c Config) validate() error {
	if c.Model == nil {
		return errors.New("engine: model client is required")
	}
	if c.Tools == nil {
		return errors.New("engine: tool gateway is required")
	}
	if c.Store == nil {
		return errors.New("engine: conversation store is required")
	}
	return nil
}

// Engine drives the model/tool loop for conversation turns.
type Engine struct {
	model         ModelClient
	tools         ToolGateway
	store         *convo.Store
	logger        log.Logger
	systemPrompt  string
	maxIterations int

	retryConfig RetryConfig
	breaker     *CircuitBreaker
	rateLimiter *rate.Limiter
}

// New creates a turn engine from the given configuration.
func New(cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	retryCfg := cfg.Retry
	if retryCfg.MaxRetries == 0 && retryCfg.InitialInterval == 0 {
		retryCfg = DefaultRetryConfig()
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Engine{
		model:         cfg.Model,
		tools:         cfg.Tools,
		store:         cfg.Store,
		logger:        logger.With("component", "engine"),
		systemPrompt:  cfg.SystemPrompt,
		maxIterations: maxIter,
		retryConfig:   retryCfg,
		breaker:       NewCircuitBreaker(cfg.Breaker),
		rateLimiter:   limiter,
	}, nil
}

// RunTurn executes one turn and returns the final answer text.
//
// The user message and every assistant and tool message produced along the
// way are committed to the thread's history. A concurrent turn on the same
// thread fails fast with convo.ErrThreadBusy.
func (e *Engine) RunTurn(ctx context.Context, threadID, question string) (string, error) {
	return e.run(ctx, threadID, question, nil)
}

// StreamTurn executes one turn like RunTurn, additionally invoking emit for
// each answer chunk and tool invocation. The concatenation of the text
// chunks equals the returned answer exactly: text the model produces while
// deciding to call tools never reaches the consumer, only the final
// answer's chunks do.
//
// If emit returns an error (typically a gone consumer), the turn stops and
// any answer text already streamed is committed to history.
func (e *Engine) StreamTurn(ctx context.Context, threadID, question string, emit func(Event) error) (string, error) {
	if emit == nil {
		return "", errors.New("engine: emit callback is required")
	}
	return e.run(ctx, threadID, question, emit)
}

// run is the shared turn loop. emit is nil for non-streaming turns.
func (e *Engine) run(ctx context.Context, threadID, question string, emit func(Event) error) (string, error) {
	if err := e.store.BeginTurn(threadID); err != nil {
		return "", err
	}
	defer e.store.EndTurn(threadID)

	start := time.Now()
	e.store.Append(threadID, convo.UserMessage(question))

	tools := e.tools.Definitions()

	for iteration := 1; iteration <= e.maxIterations; iteration++ {
		input := e.modelInput(threadID)

		var streamed strings.Builder
		turn, err := e.callModel(ctx, input, tools, emit, &streamed)
		if err != nil {
			// Text already delivered to the consumer stays in history so
			// the thread matches what was observed.
			if streamed.Len() > 0 {
				e.store.Append(threadID, convo.AssistantMessage(streamed.String()))
			}
			return "", err
		}

		if len(turn.ToolCalls) == 0 {
			e.store.Append(threadID, convo.AssistantMessage(turn.Content))
			e.logger.Info("turn completed",
				"thread_id", threadID,
				"iterations", iteration,
				"elapsed", time.Since(start))
			return turn.Content, nil
		}

		calls := make([]convo.ToolCall, 0, len(turn.ToolCalls))
		for _, tc := range turn.ToolCalls {
			// Some backends omit the arguments object for parameterless
			// tools; the tool host expects valid JSON either way.
			args := tc.Arguments
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			calls = append(calls, convo.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: args})
		}
		e.store.Append(threadID, convo.AssistantToolCallMessage(turn.Content, calls))

		for _, call := range calls {
			if emit != nil {
				if err := emit(Event{Kind: EventToolCall, Tool: call.Name}); err != nil {
					return "", err
				}
			}
			result := e.invokeTool(ctx, call)
			e.store.Append(threadID, convo.ToolResultMessage(call.ID, result))
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
		}
	}

	e.logger.Warn("turn aborted at iteration bound",
		"thread_id", threadID,
		"max_iterations", e.maxIterations)
	return "", ErrTurnAborted
}

// modelInput builds the message list for one model call: the system prompt,
// when configured, followed by the full thread history.
func (e *Engine) modelInput(threadID string) []convo.Message {
	history := e.store.History(threadID)
	if e.systemPrompt == "" {
		return history
	}
	input := make([]convo.Message, 0, len(history)+1)
	input = append(input, convo.SystemMessage(e.systemPrompt))
	return append(input, history...)
}

// invokeTool runs one tool call and renders its outcome as tool-result
// content. Failures are folded into the content so the model can react to
// them; only the surrounding context decides whether to give up.
func (e *Engine) invokeTool(ctx context.Context, call convo.ToolCall) string {
	out, err := e.tools.Invoke(ctx, call.Name, call.Arguments)
	if err != nil {
		e.logger.Warn("tool call failed", "tool", call.Name, "error", err)
		return "tool error: " + err.Error()
	}
	return out
}

// callModel executes one model round through the breaker, the rate limiter
// and the retry loop. In streaming mode, text delivered to the consumer is
// recorded in streamed; a failed attempt never delivers anything, so
// retries cannot duplicate output.
func (e *Engine) callModel(ctx context.Context, msgs []convo.Message, tools []model.ToolDefinition, emit func(Event) error, streamed *strings.Builder) (*model.AssistantTurn, error) {
	if err := e.breaker.Allow(); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrModelUnavailable, err)
	}

	var lastErr error
	delay := e.retryConfig.InitialInterval

	for attempt := 0; attempt <= e.retryConfig.MaxRetries; attempt++ {
		if e.rateLimiter != nil {
			if err := e.rateLimiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limit wait: %w", err)
			}
		}

		turn, err := e.attempt(ctx, msgs, tools, emit, streamed)
		if err == nil {
			e.breaker.Success()
			return turn, nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errEmit) {
			return nil, err
		}
		if !retryableError(err) {
			e.breaker.Failure()
			return nil, err
		}
		if attempt == e.retryConfig.MaxRetries {
			break
		}

		e.logger.Debug("retrying model call",
			"attempt", attempt+1,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, e.retryConfig.MaxInterval)
		}
	}

	e.breaker.Failure()
	return nil, fmt.Errorf("model call after %d retries: %w",
		e.retryConfig.MaxRetries, lastErr)
}

// attempt performs a single model call. In streaming mode a round's text is
// withheld until the end marker: backends deliver content deltas before the
// tool-call deltas of the same round, so only the end of the stream reveals
// whether the text is the final answer or tool-round narration. Final-answer
// chunks are then emitted in order; tool-round text is dropped from the
// stream (it still reaches history on the assistant tool-call message), and
// tools are announced at invocation time instead.
func (e *Engine) attempt(ctx context.Context, msgs []convo.Message, tools []model.ToolDefinition, emit func(Event) error, streamed *strings.Builder) (*model.AssistantTurn, error) {
	if emit == nil {
		return e.model.Complete(ctx, msgs, tools)
	}

	sawToolCall := false
	var pending []string
	return e.model.Stream(ctx, msgs, tools, func(ev model.StreamEvent) error {
		switch ev.Kind {
		case model.KindTextChunk:
			if !sawToolCall {
				pending = append(pending, ev.Text)
			}
		case model.KindToolCall:
			sawToolCall = true
			pending = nil
		case model.KindTurnEnd:
			for _, text := range pending {
				if err := emit(Event{Kind: EventTextChunk, Text: text}); err != nil {
					return fmt.Errorf("%w: %w", errEmit, err)
				}
				streamed.WriteString(text)
			}
		}
		return nil
	})
}

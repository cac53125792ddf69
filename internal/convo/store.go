package convo

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/koopa0/ease/internal/log"
)

// ErrThreadBusy indicates a turn is already in flight for the thread.
// Callers should retry once the current turn completes.
var ErrThreadBusy = errors.New("thread busy: a turn is already in flight")

// thread is the per-conversation record. busy is the turn token: it is held
// for the duration of one turn so appends from concurrent turns can never
// interleave within a thread.
type thread struct {
	messages  []Message
	busy      bool
	updatedAt time.Time
}

// Store maps thread ids to their ordered message history.
//
// Threads are created lazily on first use; an unseen thread id is never an
// error. History lives in process memory only; the Store is the seam at
// which a durable backend could be substituted without touching the engine.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	mu      sync.Mutex
	threads map[string]*thread
	logger  log.Logger
}

// NewStore creates an empty conversation store.
// logger may be nil, in which case logging is disabled.
func NewStore(logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{
		threads: make(map[string]*thread),
		logger:  logger,
	}
}

// get returns the thread record, creating it lazily. Caller must hold mu.
func (s *Store) get(threadID string) *thread {
	t, ok := s.threads[threadID]
	if !ok {
		t = &thread{}
		s.threads[threadID] = t
		s.logger.Debug("created conversation", "thread_id", threadID)
	}
	return t
}

// BeginTurn acquires the per-thread turn token.
// It fails fast with ErrThreadBusy when a turn is already in flight;
// callers must release the token with EndTurn.
func (s *Store) BeginTurn(threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.get(threadID)
	if t.busy {
		return ErrThreadBusy
	}
	t.busy = true
	return nil
}

// EndTurn releases the per-thread turn token.
// Releasing a token that is not held is a no-op.
func (s *Store) EndTurn(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.threads[threadID]; ok {
		t.busy = false
	}
}

// Append appends messages to a thread in order, creating the thread lazily.
func (s *Store) Append(threadID string, msgs ...Message) {
	if len(msgs) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.get(threadID)
	t.messages = append(t.messages, msgs...)
	t.updatedAt = time.Now()
}

// History returns a copy of a thread's messages in chronological order,
// creating the thread lazily. The returned slice is owned by the caller.
func (s *Store) History(threadID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.get(threadID)
	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// MessageCount returns the number of messages in a thread without creating it.
func (s *Store) MessageCount(threadID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.threads[threadID]
	if !ok {
		return 0
	}
	return len(t.messages)
}

// Threads lists all known conversations, most recently updated first.
func (s *Store) Threads() []ThreadInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ThreadInfo, 0, len(s.threads))
	for id, t := range s.threads {
		out = append(out, ThreadInfo{
			ID:        id,
			Messages:  len(t.messages),
			UpdatedAt: t.updatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Delete removes a conversation and its history.
// Deleting an unknown thread is a no-op.
func (s *Store) Delete(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.threads, threadID)
	s.logger.Debug("deleted conversation", "thread_id", threadID)
}

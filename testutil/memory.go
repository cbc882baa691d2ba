// Package testutil provides in-memory implementations of the pipeline's
// storage and analysis contracts for unit tests.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/WOULDU-pres/sauron-backend-sub002/analysis"
	"github.com/WOULDU-pres/sauron-backend-sub002/errors"
	"github.com/WOULDU-pres/sauron-backend-sub002/message"
	"github.com/WOULDU-pres/sauron-backend-sub002/queue"
	"github.com/WOULDU-pres/sauron-backend-sub002/ratelimit"
	"github.com/WOULDU-pres/sauron-backend-sub002/store"
)

// MemoryCounterStore is an in-memory ratelimit.CounterStore. Set Fail to
// make every call return an error, for exercising fail-open behavior. Clock
// can be overridden to control window expiry.
type MemoryCounterStore struct {
	mu      sync.Mutex
	windows map[string]ratelimit.Window
	Fail    bool
	Clock   func() time.Time
}

// NewMemoryCounterStore creates an empty counter store
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		windows: make(map[string]ratelimit.Window),
		Clock:   time.Now,
	}
}

// Incr implements ratelimit.CounterStore
func (s *MemoryCounterStore) Incr(_ context.Context, key string, window time.Duration, max int) (int, bool, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Fail {
		return 0, false, 0, errors.ErrStoreUnavailable
	}

	now := s.Clock().UTC()
	w, ok := s.windows[key]
	if !ok || w.Expired(now) {
		w = ratelimit.Window{Count: 1, WindowEnd: now.Add(window)}
		s.windows[key] = w
		return 1, max >= 1, window, nil
	}

	if w.Count >= max {
		return w.Count, false, w.WindowEnd.Sub(now), nil
	}

	w.Count++
	s.windows[key] = w
	return w.Count, true, w.WindowEnd.Sub(now), nil
}

// Peek implements ratelimit.CounterStore
func (s *MemoryCounterStore) Peek(_ context.Context, key string) (int, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Fail {
		return 0, 0, errors.ErrStoreUnavailable
	}

	now := s.Clock().UTC()
	w, ok := s.windows[key]
	if !ok || w.Expired(now) {
		return 0, 0, nil
	}
	return w.Count, w.WindowEnd.Sub(now), nil
}

// Ping implements ratelimit.CounterStore
func (s *MemoryCounterStore) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Fail {
		return errors.ErrStoreUnavailable
	}
	return nil
}

// Reset implements ratelimit.CounterStore
func (s *MemoryCounterStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Fail {
		return errors.ErrStoreUnavailable
	}
	delete(s.windows, key)
	return nil
}

// MemoryQueue is an in-memory queue.Queue. Claimed records that are
// requeued go to the back of the queue; dead-lettered records accumulate in
// DeadLetters and are never redelivered. Claims records which consumer
// names have claimed, for asserting on poller identities.
type MemoryQueue struct {
	mu          sync.Mutex
	pending     []*queue.Record
	DeadLetters []*queue.Record
	Acked       []string
	Claims      map[string]int
}

// NewMemoryQueue creates an empty queue
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{Claims: make(map[string]int)}
}

// Enqueue implements queue.Queue
func (q *MemoryQueue) Enqueue(_ context.Context, id string, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, q.record(id, payload, 0, time.Now().UTC()))
	return nil
}

func (q *MemoryQueue) record(id string, payload []byte, retryCount int, enqueuedAt time.Time) *queue.Record {
	return queue.NewRecord(id, payload, enqueuedAt, retryCount, func(_ context.Context) error {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.Acked = append(q.Acked, id)
		return nil
	})
}

// Claim implements queue.Queue. An empty queue blocks up to maxWait the
// way a real fetch would, so pollers in tests do not spin.
func (q *MemoryQueue) Claim(ctx context.Context, consumer string, batchSize int, maxWait time.Duration) ([]*queue.Record, error) {
	q.mu.Lock()
	q.Claims[consumer]++
	q.mu.Unlock()

	deadline := time.Now().Add(maxWait)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		q.mu.Lock()
		if len(q.pending) > 0 {
			n := batchSize
			if n > len(q.pending) {
				n = len(q.pending)
			}
			claimed := q.pending[:n]
			q.pending = q.pending[n:]
			q.mu.Unlock()
			return claimed, nil
		}
		q.mu.Unlock()

		if !time.Now().Before(deadline) {
			return nil, nil
		}
		time.Sleep(time.Millisecond)
	}
}

// Consumers returns the distinct consumer names that have claimed
func (q *MemoryQueue) Consumers() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	names := make([]string, 0, len(q.Claims))
	for name := range q.Claims {
		names = append(names, name)
	}
	return names
}

// Requeue implements queue.Queue
func (q *MemoryQueue) Requeue(ctx context.Context, rec *queue.Record) error {
	q.mu.Lock()
	q.pending = append(q.pending, q.record(rec.ID, rec.Payload, rec.RetryCount+1, rec.EnqueuedAt))
	q.mu.Unlock()
	return rec.Ack(ctx)
}

// DeadLetter implements queue.Queue
func (q *MemoryQueue) DeadLetter(ctx context.Context, rec *queue.Record, _ string) error {
	q.mu.Lock()
	q.DeadLetters = append(q.DeadLetters, rec)
	q.mu.Unlock()
	return rec.Ack(ctx)
}

// Stats implements queue.Queue
func (q *MemoryQueue) Stats(_ context.Context) (queue.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return queue.Stats{
		Pending:    uint64(len(q.pending)),
		DeadLetter: uint64(len(q.DeadLetters)),
	}, nil
}

// Depth returns the number of pending records
func (q *MemoryQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// MemoryResultStore is an in-memory store.ResultStore
type MemoryResultStore struct {
	mu      sync.Mutex
	entries map[string]*store.Entry
}

// NewMemoryResultStore creates an empty result store
func NewMemoryResultStore() *MemoryResultStore {
	return &MemoryResultStore{entries: make(map[string]*store.Entry)}
}

// Get implements store.ResultStore
func (s *MemoryResultStore) Get(_ context.Context, messageID string) (*store.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[messageID]
	if !ok {
		return nil, errors.ErrKeyNotFound
	}
	copied := *e
	return &copied, nil
}

// BeginProcessing implements store.ResultStore
func (s *MemoryResultStore) BeginProcessing(_ context.Context, messageID string, retryCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[messageID]
	if ok && e.State.Terminal() {
		return errors.ErrAlreadyCompleted
	}
	s.entries[messageID] = &store.Entry{
		MessageID:  messageID,
		State:      store.StateProcessing,
		RetryCount: retryCount,
		UpdatedAt:  time.Now().UTC(),
	}
	return nil
}

// Complete implements store.ResultStore
func (s *MemoryResultStore) Complete(_ context.Context, messageID string, outcome *analysis.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[messageID]; ok && e.State.Terminal() {
		return errors.ErrAlreadyCompleted
	}
	s.entries[messageID] = &store.Entry{
		MessageID: messageID,
		State:     store.StateCompleted,
		Outcome:   outcome,
		UpdatedAt: time.Now().UTC(),
	}
	return nil
}

// Fail implements store.ResultStore
func (s *MemoryResultStore) Fail(_ context.Context, messageID string, retryCount int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[messageID]; ok && e.State.Terminal() {
		return errors.ErrAlreadyCompleted
	}
	s.entries[messageID] = &store.Entry{
		MessageID:  messageID,
		State:      store.StateFailed,
		RetryCount: retryCount,
		Reason:     reason,
		UpdatedAt:  time.Now().UTC(),
	}
	return nil
}

// DeadLetter implements store.ResultStore
func (s *MemoryResultStore) DeadLetter(_ context.Context, messageID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[messageID]; ok && e.State == store.StateCompleted {
		return errors.ErrAlreadyCompleted
	}
	s.entries[messageID] = &store.Entry{
		MessageID: messageID,
		State:     store.StateDeadLettered,
		Reason:    reason,
		UpdatedAt: time.Now().UTC(),
	}
	return nil
}

// ScriptedAnalyzer returns preconfigured outcomes or errors per message ID.
// Unscripted messages get a normal outcome. Calls counts invocations per
// message ID.
type ScriptedAnalyzer struct {
	mu       sync.Mutex
	outcomes map[string]*analysis.Outcome
	failures map[string]error
	Calls    map[string]int
}

// NewScriptedAnalyzer creates an analyzer with no scripted behavior
func NewScriptedAnalyzer() *ScriptedAnalyzer {
	return &ScriptedAnalyzer{
		outcomes: make(map[string]*analysis.Outcome),
		failures: make(map[string]error),
		Calls:    make(map[string]int),
	}
}

// Script sets the outcome returned for a message ID
func (a *ScriptedAnalyzer) Script(messageID string, detected analysis.DetectedType, confidence float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outcomes[messageID] = &analysis.Outcome{
		MessageID:  messageID,
		Detected:   detected,
		Confidence: confidence,
		AnalyzedAt: time.Now().UTC(),
	}
}

// ScriptError makes analysis of a message ID fail with err
func (a *ScriptedAnalyzer) ScriptError(messageID string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures[messageID] = err
}

// Analyze implements analysis.Analyzer
func (a *ScriptedAnalyzer) Analyze(_ context.Context, msg *message.ChatMessage) (*analysis.Outcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.Calls[msg.ID]++

	if err, ok := a.failures[msg.ID]; ok {
		return nil, fmt.Errorf("scripted failure for %s: %w", msg.ID, err)
	}
	if out, ok := a.outcomes[msg.ID]; ok {
		copied := *out
		return &copied, nil
	}
	return &analysis.Outcome{
		MessageID:  msg.ID,
		Detected:   analysis.DetectedNormal,
		Confidence: 1,
		AnalyzedAt: time.Now().UTC(),
	}, nil
}

// CallCount returns how many times a message was analyzed
func (a *ScriptedAnalyzer) CallCount(messageID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Calls[messageID]
}

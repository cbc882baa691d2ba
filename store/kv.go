package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/WOULDU-pres/sauron-backend-sub002/analysis"
	"github.com/WOULDU-pres/sauron-backend-sub002/errors"
	"github.com/WOULDU-pres/sauron-backend-sub002/natsclient"
	"github.com/WOULDU-pres/sauron-backend-sub002/pkg/retry"
)

// KVResultStore persists processing state in a NATS KV bucket. All state
// transitions go through compare-and-swap so concurrent workers racing on
// the same message cannot clobber each other.
type KVResultStore struct {
	kv     *natsclient.KVStore
	logger *slog.Logger
	retry  retry.Config
}

// NewKVResultStore wraps a KV bucket as a result store
func NewKVResultStore(kv *natsclient.KVStore, logger *slog.Logger) *KVResultStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &KVResultStore{
		kv:     kv,
		logger: logger.With("component", "resultstore"),
		retry:  retry.Quick(),
	}
}

// Get reads the entry for a message. Returns errors.ErrKeyNotFound when the
// message has never been seen.
func (s *KVResultStore) Get(ctx context.Context, messageID string) (*Entry, error) {
	kvEntry, err := s.kv.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return ParseEntry(kvEntry.Value)
}

// BeginProcessing transitions a message into the processing state. Returns
// errors.ErrAlreadyCompleted if a terminal state was already recorded.
func (s *KVResultStore) BeginProcessing(ctx context.Context, messageID string, retryCount int) error {
	return s.transition(ctx, messageID, func(cur *Entry) (*Entry, error) {
		if cur == nil {
			return &Entry{
				MessageID:  messageID,
				State:      StateProcessing,
				RetryCount: retryCount,
				UpdatedAt:  time.Now().UTC(),
			}, nil
		}
		if cur.State.Terminal() {
			return nil, errors.ErrAlreadyCompleted
		}
		if !cur.State.CanTransition(StateProcessing) && cur.State != StateProcessing {
			return nil, errors.WrapInvalid(
				fmt.Errorf("cannot begin processing from state %s", cur.State),
				"KVResultStore", "BeginProcessing", "check transition")
		}
		cur.State = StateProcessing
		cur.RetryCount = retryCount
		cur.UpdatedAt = time.Now().UTC()
		return cur, nil
	})
}

// Complete records a successful analysis outcome
func (s *KVResultStore) Complete(ctx context.Context, messageID string, outcome *analysis.Outcome) error {
	return s.transition(ctx, messageID, func(cur *Entry) (*Entry, error) {
		if cur != nil && cur.State.Terminal() {
			// Another worker finished first; keep its result
			return nil, errors.ErrAlreadyCompleted
		}
		e := cur
		if e == nil {
			e = &Entry{MessageID: messageID}
		}
		e.State = StateCompleted
		e.Outcome = outcome
		e.Reason = ""
		e.UpdatedAt = time.Now().UTC()
		return e, nil
	})
}

// Fail records a failed attempt without giving up on the message
func (s *KVResultStore) Fail(ctx context.Context, messageID string, retryCount int, reason string) error {
	return s.transition(ctx, messageID, func(cur *Entry) (*Entry, error) {
		if cur != nil && cur.State.Terminal() {
			return nil, errors.ErrAlreadyCompleted
		}
		e := cur
		if e == nil {
			e = &Entry{MessageID: messageID}
		}
		e.State = StateFailed
		e.RetryCount = retryCount
		e.Reason = reason
		e.UpdatedAt = time.Now().UTC()
		return e, nil
	})
}

// DeadLetter records that the message was moved to the dead-letter stream
func (s *KVResultStore) DeadLetter(ctx context.Context, messageID string, reason string) error {
	return s.transition(ctx, messageID, func(cur *Entry) (*Entry, error) {
		if cur != nil && cur.State == StateCompleted {
			return nil, errors.ErrAlreadyCompleted
		}
		e := cur
		if e == nil {
			e = &Entry{MessageID: messageID}
		}
		e.State = StateDeadLettered
		e.Reason = reason
		e.UpdatedAt = time.Now().UTC()
		return e, nil
	})
}

// transition applies mutate to the current entry under CAS, retrying on
// revision conflicts. mutate receives nil when no entry exists yet.
func (s *KVResultStore) transition(ctx context.Context, messageID string, mutate func(*Entry) (*Entry, error)) error {
	err := retry.Do(ctx, s.retry, func() error {
		kvEntry, err := s.kv.Get(ctx, messageID)

		switch {
		case stderrors.Is(err, errors.ErrKeyNotFound):
			next, err := mutate(nil)
			if err != nil {
				return retry.NonRetryable(err)
			}
			data, err := next.Marshal()
			if err != nil {
				return retry.NonRetryable(err)
			}
			if _, err := s.kv.Create(ctx, messageID, data); err != nil {
				if stderrors.Is(err, jetstream.ErrKeyExists) {
					// Lost the create race; re-read and retry
					return err
				}
				return err
			}
			return nil

		case err != nil:
			return err

		default:
			cur, err := ParseEntry(kvEntry.Value)
			if err != nil {
				return retry.NonRetryable(err)
			}
			next, err := mutate(cur)
			if err != nil {
				return retry.NonRetryable(err)
			}
			data, err := next.Marshal()
			if err != nil {
				return retry.NonRetryable(err)
			}
			if _, err := s.kv.Update(ctx, messageID, data, kvEntry.Revision); err != nil {
				return err
			}
			return nil
		}
	})

	if err != nil {
		var nre *retry.NonRetryableError
		if stderrors.As(err, &nre) {
			return nre.Unwrap()
		}
	}
	return err
}

package ratelimit

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/WOULDU-pres/sauron-backend-sub002/errors"
	"github.com/WOULDU-pres/sauron-backend-sub002/natsclient"
	"github.com/WOULDU-pres/sauron-backend-sub002/pkg/retry"
)

// KVCounterStore implements CounterStore on a NATS KV bucket. The bucket
// has no server-side increment, so counting is a compare-and-swap loop:
// read the window at its revision, bump the count, write back conditional
// on the revision. A lost race re-reads and tries again; the limit check
// sits inside the loop so the stored count can never exceed the maximum.
type KVCounterStore struct {
	kv    *natsclient.KVStore
	retry retry.Config
	clock func() time.Time
}

// NewKVCounterStore wraps a KV bucket as a counter store
func NewKVCounterStore(kv *natsclient.KVStore) *KVCounterStore {
	return &KVCounterStore{
		kv:    kv,
		retry: retry.Quick(),
		clock: time.Now,
	}
}

// Incr implements CounterStore
func (s *KVCounterStore) Incr(ctx context.Context, key string, window time.Duration, max int) (int, bool, time.Duration, error) {
	var (
		count      int
		allowed    bool
		retryAfter time.Duration
	)

	err := retry.Do(ctx, s.retry, func() error {
		now := s.clock().UTC()

		entry, err := s.kv.Get(ctx, key)
		if stderrors.Is(err, errors.ErrKeyNotFound) {
			// First message of a fresh window; anchor the window here
			w := Window{Count: 1, WindowEnd: now.Add(window)}
			data, err := w.Marshal()
			if err != nil {
				return retry.NonRetryable(err)
			}
			if _, err := s.kv.Create(ctx, key, data); err != nil {
				if stderrors.Is(err, jetstream.ErrKeyExists) {
					return err // lost the create race, re-read
				}
				return err
			}
			count, allowed = 1, max >= 1
			retryAfter = window
			return nil
		}
		if err != nil {
			return err
		}

		w, err := ParseWindow(entry.Value)
		if err != nil {
			return retry.NonRetryable(err)
		}

		if w.Expired(now) {
			// Previous window lapsed; open a new one anchored now
			next := Window{Count: 1, WindowEnd: now.Add(window)}
			data, err := next.Marshal()
			if err != nil {
				return retry.NonRetryable(err)
			}
			if _, err := s.kv.Update(ctx, key, data, entry.Revision); err != nil {
				return err
			}
			count, allowed = 1, max >= 1
			retryAfter = window
			return nil
		}

		if w.Count >= max {
			// Window full: report without writing
			count, allowed = w.Count, false
			retryAfter = w.WindowEnd.Sub(now)
			return nil
		}

		w.Count++
		data, err := w.Marshal()
		if err != nil {
			return retry.NonRetryable(err)
		}
		if _, err := s.kv.Update(ctx, key, data, entry.Revision); err != nil {
			return err
		}
		count, allowed = w.Count, true
		retryAfter = w.WindowEnd.Sub(now)
		return nil
	})

	if err != nil {
		var nre *retry.NonRetryableError
		if stderrors.As(err, &nre) {
			return 0, false, 0, nre.Unwrap()
		}
		return 0, false, 0, errors.WrapTransient(err, "KVCounterStore", "Incr", "increment counter")
	}
	return count, allowed, retryAfter, nil
}

// Peek implements CounterStore
func (s *KVCounterStore) Peek(ctx context.Context, key string) (int, time.Duration, error) {
	entry, err := s.kv.Get(ctx, key)
	if stderrors.Is(err, errors.ErrKeyNotFound) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}

	w, err := ParseWindow(entry.Value)
	if err != nil {
		return 0, 0, err
	}

	now := s.clock().UTC()
	if w.Expired(now) {
		return 0, 0, nil
	}
	return w.Count, w.WindowEnd.Sub(now), nil
}

// Reset implements CounterStore
func (s *KVCounterStore) Reset(ctx context.Context, key string) error {
	return s.kv.Delete(ctx, key)
}

// Ping implements CounterStore via the bucket's status request, which
// touches no counter key
func (s *KVCounterStore) Ping(ctx context.Context) error {
	return s.kv.Status(ctx)
}

// Package queue provides the durable work queue feeding the screening
// workers. Messages are enqueued once, claimed in batches by a named
// consumer group with at-least-once delivery, and either acknowledged,
// requeued with an incremented retry count, or dead-lettered.
package queue

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/WOULDU-pres/sauron-backend-sub002/errors"
)

// Record is a claimed queue entry awaiting acknowledgment. Each record may
// be acknowledged at most once; later attempts return ErrAlreadyAcked.
type Record struct {
	ID         string
	Payload    []byte
	EnqueuedAt time.Time
	RetryCount int

	acked   atomic.Bool
	ackFn   func(context.Context) error
	claimed time.Time
}

// NewRecord creates a claimed record. ackFn performs the underlying
// acknowledgment exactly once; it may be nil for records that need none.
func NewRecord(id string, payload []byte, enqueuedAt time.Time, retryCount int, ackFn func(context.Context) error) *Record {
	return &Record{
		ID:         id,
		Payload:    payload,
		EnqueuedAt: enqueuedAt,
		RetryCount: retryCount,
		ackFn:      ackFn,
		claimed:    time.Now(),
	}
}

// Ack acknowledges the record. The first call wins; every subsequent call
// returns ErrAlreadyAcked without touching the underlying queue.
func (r *Record) Ack(ctx context.Context) error {
	if !r.acked.CompareAndSwap(false, true) {
		return errors.ErrAlreadyAcked
	}
	if r.ackFn == nil {
		return nil
	}
	if err := r.ackFn(ctx); err != nil {
		return errors.WrapTransient(err, "Record", "Ack", "acknowledge record")
	}
	return nil
}

// Acked reports whether the record has already been acknowledged
func (r *Record) Acked() bool {
	return r.acked.Load()
}

// Age returns how long ago the record was first enqueued
func (r *Record) Age() time.Duration {
	return time.Since(r.EnqueuedAt)
}

// Stats is a point-in-time snapshot of queue depths
type Stats struct {
	Pending    uint64 `json:"pending"`
	DeadLetter uint64 `json:"deadLetter"`
}

// Queue is the durable message queue contract.
//
// Claim blocks up to maxWait for at least one record and returns at most
// batchSize records; an empty claim returns an empty slice, not an error.
// consumer names the group member making the claim; members of one group
// never receive the same record concurrently. Requeue re-enqueues a record
// with its retry count incremented and acknowledges the original claim.
// DeadLetter moves a record to the dead-letter stream and acknowledges the
// original claim; dead-lettered records are never redelivered to workers.
type Queue interface {
	Enqueue(ctx context.Context, id string, payload []byte) error
	Claim(ctx context.Context, consumer string, batchSize int, maxWait time.Duration) ([]*Record, error)
	Requeue(ctx context.Context, rec *Record) error
	DeadLetter(ctx context.Context, rec *Record, reason string) error
	Stats(ctx context.Context) (Stats, error)
}

// Package store tracks per-message processing state so that redelivered
// queue records are handled idempotently. A record that already reached a
// terminal state is acknowledged without being analyzed again.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/WOULDU-pres/sauron-backend-sub002/analysis"
	"github.com/WOULDU-pres/sauron-backend-sub002/errors"
)

// State is the processing state of a single message
type State string

// Processing states. Completed and DeadLettered are terminal; Failed is
// not, a failed message may be retried until its retry budget runs out.
const (
	StatePending      State = "pending"
	StateProcessing   State = "processing"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateDeadLettered State = "dead_lettered"
)

// Valid reports whether the state is known
func (s State) Valid() bool {
	switch s {
	case StatePending, StateProcessing, StateCompleted, StateFailed, StateDeadLettered:
		return true
	}
	return false
}

// Terminal reports whether the state admits no further transitions
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateDeadLettered
}

// CanTransition reports whether moving from s to next is legal
func (s State) CanTransition(next State) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case StatePending:
		return next == StateProcessing
	case StateProcessing:
		return next == StateCompleted || next == StateFailed || next == StateDeadLettered
	case StateFailed:
		return next == StateProcessing || next == StateDeadLettered
	}
	return false
}

// Entry is the stored processing record for one message
type Entry struct {
	MessageID  string            `json:"messageId"`
	State      State             `json:"state"`
	RetryCount int               `json:"retryCount"`
	Outcome    *analysis.Outcome `json:"outcome,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// Marshal serializes the entry
func (e *Entry) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Entry", "Marshal", "serialize entry")
	}
	return data, nil
}

// ParseEntry deserializes an entry
func ParseEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, errors.WrapInvalid(err, "Entry", "ParseEntry", "decode entry")
	}
	if !e.State.Valid() {
		return nil, errors.WrapInvalid(
			fmt.Errorf("unknown state %q", e.State),
			"Entry", "ParseEntry", "validate state")
	}
	return &e, nil
}

// ResultStore is the processing-state contract.
//
// BeginProcessing claims a message for analysis; it returns
// errors.ErrAlreadyCompleted when the message already reached a terminal
// state, which callers treat as "ack and skip". Complete, Fail and
// DeadLetter record the outcome of the attempt.
type ResultStore interface {
	Get(ctx context.Context, messageID string) (*Entry, error)
	BeginProcessing(ctx context.Context, messageID string, retryCount int) error
	Complete(ctx context.Context, messageID string, outcome *analysis.Outcome) error
	Fail(ctx context.Context, messageID string, retryCount int, reason string) error
	DeadLetter(ctx context.Context, messageID string, reason string) error
}

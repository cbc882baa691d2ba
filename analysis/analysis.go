// Package analysis screens chat messages for abusive or unwanted content.
// The Analyzer interface abstracts the screening backend; the production
// implementation delegates to an OpenAI-compatible chat completion API.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/WOULDU-pres/sauron-backend-sub002/errors"
	"github.com/WOULDU-pres/sauron-backend-sub002/message"
)

// DetectedType classifies the screening result of a message.
type DetectedType string

// Known detection categories. Normal means nothing objectionable was found;
// everything else raises an alert.
const (
	DetectedNormal        DetectedType = "normal"
	DetectedSpam          DetectedType = "spam"
	DetectedAbuse         DetectedType = "abuse"
	DetectedAdvertisement DetectedType = "advertisement"
	DetectedConflict      DetectedType = "conflict"
	DetectedAnnouncement  DetectedType = "announcement"
)

// Valid reports whether the detected type is a known category
func (d DetectedType) Valid() bool {
	switch d {
	case DetectedNormal, DetectedSpam, DetectedAbuse,
		DetectedAdvertisement, DetectedConflict, DetectedAnnouncement:
		return true
	}
	return false
}

// Alertable reports whether this detection should be fanned out to
// monitoring clients
func (d DetectedType) Alertable() bool {
	return d.Valid() && d != DetectedNormal
}

// Outcome is the result of screening a single message.
type Outcome struct {
	MessageID  string       `json:"messageId"`
	Detected   DetectedType `json:"detected"`
	Confidence float64      `json:"confidence"`
	Reasoning  string       `json:"reasoning,omitempty"`
	AnalyzedAt time.Time    `json:"analyzedAt"`
}

// Validate checks the outcome is well-formed
func (o *Outcome) Validate() error {
	if o.MessageID == "" {
		return errors.WrapInvalid(
			fmt.Errorf("message id is required"),
			"Outcome", "Validate", "check message id")
	}
	if !o.Detected.Valid() {
		return errors.WrapInvalid(
			fmt.Errorf("unknown detected type %q", o.Detected),
			"Outcome", "Validate", "check detected type")
	}
	if o.Confidence < 0 || o.Confidence > 1 {
		return errors.WrapInvalid(
			fmt.Errorf("confidence %f outside [0,1]", o.Confidence),
			"Outcome", "Validate", "check confidence")
	}
	return nil
}

// Marshal serializes the outcome to JSON
func (o *Outcome) Marshal() ([]byte, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Outcome", "Marshal", "serialize outcome")
	}
	return data, nil
}

// ParseOutcome deserializes an outcome
func ParseOutcome(data []byte) (*Outcome, error) {
	var o Outcome
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, errors.WrapInvalid(err, "Outcome", "ParseOutcome", "decode outcome")
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return &o, nil
}

// Analyzer screens a chat message and returns the detection outcome.
// Implementations must honor context cancellation; transient backend
// failures should be returned as transient errors so callers can retry.
type Analyzer interface {
	Analyze(ctx context.Context, msg *message.ChatMessage) (*Outcome, error)
}

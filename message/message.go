// Package message defines the wire types that flow through the screening
// pipeline: inbound chat messages, queue record envelopes, and outbound
// alert events delivered to monitoring clients.
package message

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/WOULDU-pres/sauron-backend-sub002/errors"
)

// MaxContentLength bounds the chat message content accepted at ingest.
// Longer content is rejected rather than truncated.
const MaxContentLength = 4096

// ChatMessage is a single chat message submitted for screening.
type ChatMessage struct {
	ID       string    `json:"id"`
	RoomID   string    `json:"roomId"`
	UserID   string    `json:"userId"`
	DeviceID string    `json:"deviceId,omitempty"`
	Content  string    `json:"content"`
	SentAt   time.Time `json:"sentAt"`
}

// NewChatMessage creates a message with a generated ID and current timestamp
func NewChatMessage(roomID, userID, content string) *ChatMessage {
	return &ChatMessage{
		ID:      uuid.New().String(),
		RoomID:  roomID,
		UserID:  userID,
		Content: content,
		SentAt:  time.Now().UTC(),
	}
}

// Validate checks that the message has all required fields
func (m *ChatMessage) Validate() error {
	if m.ID == "" {
		return errors.WrapInvalid(
			fmt.Errorf("message id is required"),
			"ChatMessage", "Validate", "check id")
	}
	if m.RoomID == "" {
		return errors.WrapInvalid(
			fmt.Errorf("room id is required"),
			"ChatMessage", "Validate", "check room id")
	}
	if m.UserID == "" {
		return errors.WrapInvalid(
			fmt.Errorf("user id is required"),
			"ChatMessage", "Validate", "check user id")
	}
	if strings.TrimSpace(m.Content) == "" {
		return errors.WrapInvalid(
			fmt.Errorf("content is empty"),
			"ChatMessage", "Validate", "check content")
	}
	if len(m.Content) > MaxContentLength {
		return errors.WrapInvalid(
			fmt.Errorf("content exceeds %d bytes", MaxContentLength),
			"ChatMessage", "Validate", "check content length")
	}
	if m.SentAt.IsZero() {
		return errors.WrapInvalid(
			fmt.Errorf("sentAt is required"),
			"ChatMessage", "Validate", "check timestamp")
	}
	return nil
}

// Marshal serializes the message to JSON
func (m *ChatMessage) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errors.WrapInvalid(err, "ChatMessage", "Marshal", "serialize message")
	}
	return data, nil
}

// ParseChatMessage deserializes and validates a chat message. A failure here
// means the payload is malformed and must not be retried.
func ParseChatMessage(data []byte) (*ChatMessage, error) {
	if len(data) == 0 {
		return nil, errors.WrapInvalid(errors.ErrMalformedRecord,
			"ChatMessage", "ParseChatMessage", "empty payload")
	}

	var m ChatMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrMalformedRecord, err),
			"ChatMessage", "ParseChatMessage", "decode payload")
	}

	if err := m.Validate(); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrMalformedRecord, err),
			"ChatMessage", "ParseChatMessage", "validate payload")
	}

	return &m, nil
}

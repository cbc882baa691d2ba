package message

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/WOULDU-pres/sauron-backend-sub002/errors"
)

// Event types delivered to monitoring clients.
const (
	EventTypeAlert     = "alert"
	EventTypeHeartbeat = "heartbeat"
	EventTypeTest      = "test"
)

// AlertEvent is pushed to every connected monitoring client when a message
// is flagged during screening.
type AlertEvent struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	MessageID  string    `json:"messageId,omitempty"`
	RoomID     string    `json:"roomId,omitempty"`
	UserID     string    `json:"userId,omitempty"`
	Detected   string    `json:"detected,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Summary    string    `json:"summary,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewAlertEvent creates an alert event for a flagged message
func NewAlertEvent(messageID, roomID, userID, detected string, confidence float64, summary string) *AlertEvent {
	return &AlertEvent{
		ID:         uuid.New().String(),
		Type:       EventTypeAlert,
		MessageID:  messageID,
		RoomID:     roomID,
		UserID:     userID,
		Detected:   detected,
		Confidence: confidence,
		Summary:    summary,
		Timestamp:  time.Now().UTC(),
	}
}

// NewTestEvent creates a synthetic event used to verify client connectivity
func NewTestEvent(summary string) *AlertEvent {
	return &AlertEvent{
		ID:        uuid.New().String(),
		Type:      EventTypeTest,
		Summary:   summary,
		Timestamp: time.Now().UTC(),
	}
}

// NewHeartbeatEvent creates a keepalive event
func NewHeartbeatEvent() *AlertEvent {
	return &AlertEvent{
		ID:        uuid.New().String(),
		Type:      EventTypeHeartbeat,
		Timestamp: time.Now().UTC(),
	}
}

// Marshal serializes the event to JSON
func (e *AlertEvent) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.WrapInvalid(err, "AlertEvent", "Marshal", "serialize event")
	}
	return data, nil
}

// ParseAlertEvent deserializes an alert event
func ParseAlertEvent(data []byte) (*AlertEvent, error) {
	var e AlertEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, errors.WrapInvalid(err, "AlertEvent", "ParseAlertEvent", "decode event")
	}
	return &e, nil
}

package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WOULDU-pres/sauron-backend-sub002/analysis"
)

func TestStateValid(t *testing.T) {
	for _, s := range []State{StatePending, StateProcessing, StateCompleted, StateFailed, StateDeadLettered} {
		assert.True(t, s.Valid(), "state %s should be valid", s)
	}
	assert.False(t, State("").Valid())
	assert.False(t, State("done").Valid())
}

func TestStateTerminal(t *testing.T) {
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateDeadLettered.Terminal())
	assert.False(t, StatePending.Terminal())
	assert.False(t, StateProcessing.Terminal())
	assert.False(t, StateFailed.Terminal())
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StatePending, StateProcessing, true},
		{StatePending, StateCompleted, false},
		{StateProcessing, StateCompleted, true},
		{StateProcessing, StateFailed, true},
		{StateProcessing, StateDeadLettered, true},
		{StateFailed, StateProcessing, true},
		{StateFailed, StateDeadLettered, true},
		{StateFailed, StateCompleted, false},
		{StateCompleted, StateProcessing, false},
		{StateCompleted, StateFailed, false},
		{StateDeadLettered, StateProcessing, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.from.CanTransition(tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestEntryRoundTrip(t *testing.T) {
	orig := &Entry{
		MessageID:  "msg-1",
		State:      StateCompleted,
		RetryCount: 1,
		Outcome: &analysis.Outcome{
			MessageID:  "msg-1",
			Detected:   analysis.DetectedSpam,
			Confidence: 0.93,
			AnalyzedAt: time.Now().UTC(),
		},
		UpdatedAt: time.Now().UTC(),
	}

	data, err := orig.Marshal()
	require.NoError(t, err)

	parsed, err := ParseEntry(data)
	require.NoError(t, err)
	assert.Equal(t, orig.MessageID, parsed.MessageID)
	assert.Equal(t, orig.State, parsed.State)
	require.NotNil(t, parsed.Outcome)
	assert.Equal(t, analysis.DetectedSpam, parsed.Outcome.Detected)
}

func TestParseEntryRejectsUnknownState(t *testing.T) {
	_, err := ParseEntry([]byte(`{"messageId":"msg-1","state":"bogus"}`))
	assert.Error(t, err)

	_, err = ParseEntry([]byte(`not json`))
	assert.Error(t, err)
}

package analysis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WOULDU-pres/sauron-backend-sub002/errors"
)

func TestDetectedTypeValid(t *testing.T) {
	for _, d := range []DetectedType{
		DetectedNormal, DetectedSpam, DetectedAbuse,
		DetectedAdvertisement, DetectedConflict, DetectedAnnouncement,
	} {
		assert.True(t, d.Valid(), "type %s should be valid", d)
	}

	assert.False(t, DetectedType("").Valid())
	assert.False(t, DetectedType("phishing").Valid())
}

func TestDetectedTypeAlertable(t *testing.T) {
	assert.False(t, DetectedNormal.Alertable())
	assert.False(t, DetectedType("bogus").Alertable())
	assert.True(t, DetectedSpam.Alertable())
	assert.True(t, DetectedAbuse.Alertable())
	assert.True(t, DetectedConflict.Alertable())
}

func TestOutcomeValidate(t *testing.T) {
	valid := Outcome{
		MessageID:  "msg-1",
		Detected:   DetectedSpam,
		Confidence: 0.9,
		AnalyzedAt: time.Now(),
	}
	assert.NoError(t, valid.Validate())

	missing := valid
	missing.MessageID = ""
	assert.Error(t, missing.Validate())

	unknown := valid
	unknown.Detected = "gibberish"
	assert.Error(t, unknown.Validate())

	outOfRange := valid
	outOfRange.Confidence = 1.5
	assert.Error(t, outOfRange.Validate())
}

func TestOutcomeRoundTrip(t *testing.T) {
	orig := Outcome{
		MessageID:  "msg-1",
		Detected:   DetectedAbuse,
		Confidence: 0.77,
		Reasoning:  "hostile language",
		AnalyzedAt: time.Now().UTC(),
	}

	data, err := orig.Marshal()
	require.NoError(t, err)

	parsed, err := ParseOutcome(data)
	require.NoError(t, err)
	assert.Equal(t, orig.MessageID, parsed.MessageID)
	assert.Equal(t, orig.Detected, parsed.Detected)
	assert.InDelta(t, orig.Confidence, parsed.Confidence, 1e-9)
}

func TestOpenAIConfigValidate(t *testing.T) {
	valid := OpenAIConfig{APIKey: "sk-test", Model: "gpt-4o-mini", Timeout: 10 * time.Second}
	assert.NoError(t, valid.Validate())

	noKey := valid
	noKey.APIKey = ""
	assert.ErrorIs(t, noKey.Validate(), errors.ErrMissingConfig)

	noModel := valid
	noModel.Model = ""
	assert.Error(t, noModel.Validate())

	badTimeout := valid
	badTimeout.Timeout = 0
	assert.ErrorIs(t, badTimeout.Validate(), errors.ErrInvalidConfig)
}

func TestParseClassification(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		wantType   DetectedType
		wantConf   float64
		wantReason string
	}{
		{
			name:     "clean json",
			content:  `{"category":"spam","confidence":0.95,"reason":"link flood"}`,
			wantType: DetectedSpam,
			wantConf: 0.95,
		},
		{
			name:     "code fenced",
			content:  "```json\n{\"category\":\"abuse\",\"confidence\":0.8,\"reason\":\"insult\"}\n```",
			wantType: DetectedAbuse,
			wantConf: 0.8,
		},
		{
			name:     "unknown category falls back to normal",
			content:  `{"category":"phishing","confidence":0.7}`,
			wantType: DetectedNormal,
			wantConf: 0.7,
		},
		{
			name:     "uppercase category normalized",
			content:  `{"category":"Advertisement","confidence":0.6}`,
			wantType: DetectedAdvertisement,
			wantConf: 0.6,
		},
		{
			name:     "confidence clamped",
			content:  `{"category":"conflict","confidence":1.4}`,
			wantType: DetectedConflict,
			wantConf: 1.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := parseClassification("msg-1", tt.content)
			require.NoError(t, err)
			assert.Equal(t, "msg-1", out.MessageID)
			assert.Equal(t, tt.wantType, out.Detected)
			assert.InDelta(t, tt.wantConf, out.Confidence, 1e-9)
		})
	}
}

func TestParseClassificationUnparseable(t *testing.T) {
	_, err := parseClassification("msg-1", "the model rambled instead of emitting JSON")
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err), "unparseable output should be retryable")
}

package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/WOULDU-pres/sauron-backend-sub002/errors"
	"github.com/WOULDU-pres/sauron-backend-sub002/message"
)

const systemPrompt = `You are a chat moderation classifier for an open group chat.
Classify the user message into exactly one category:
normal, spam, abuse, advertisement, conflict, announcement.

Respond with a single JSON object and nothing else:
{"category":"<category>","confidence":<0.0-1.0>,"reason":"<short explanation>"}`

// OpenAIConfig configures the OpenAI-backed analyzer
type OpenAIConfig struct {
	APIKey  string        `json:"apiKey"`
	BaseURL string        `json:"baseUrl,omitempty"` // for OpenAI-compatible endpoints
	Model   string        `json:"model"`
	Timeout time.Duration `json:"timeout"`
}

// Validate checks the configuration
func (c *OpenAIConfig) Validate() error {
	if c.APIKey == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			"OpenAIConfig", "Validate", "check api key")
	}
	if c.Model == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig,
			"OpenAIConfig", "Validate", "check model")
	}
	if c.Timeout <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: timeout must be positive", errors.ErrInvalidConfig),
			"OpenAIConfig", "Validate", "check timeout")
	}
	return nil
}

// OpenAIAnalyzer screens messages through an OpenAI-compatible chat API.
type OpenAIAnalyzer struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// NewOpenAIAnalyzer creates an analyzer from configuration
func NewOpenAIAnalyzer(cfg OpenAIConfig) (*OpenAIAnalyzer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIAnalyzer{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   cfg.Model,
		timeout: cfg.Timeout,
	}, nil
}

// Analyze sends the message content for classification
func (a *OpenAIAnalyzer) Analyze(ctx context.Context, msg *message.ChatMessage) (*Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       a.model,
		Temperature: 0,
		MaxTokens:   256,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: msg.Content},
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.WrapTransient(
				fmt.Errorf("%w: %v", errors.ErrAnalysisTimedOut, err),
				"OpenAIAnalyzer", "Analyze", "completion timed out")
		}
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrAnalysisFailed, err),
			"OpenAIAnalyzer", "Analyze", "create completion")
	}

	if len(resp.Choices) == 0 {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: empty response", errors.ErrAnalysisFailed),
			"OpenAIAnalyzer", "Analyze", "read completion")
	}

	return parseClassification(msg.ID, resp.Choices[0].Message.Content)
}

// classification mirrors the JSON shape the model is instructed to emit
type classification struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// parseClassification converts model output into an Outcome. Model output is
// untrusted: unknown categories and out-of-range confidence are normalized
// rather than failing the whole record.
func parseClassification(messageID, content string) (*Outcome, error) {
	content = strings.TrimSpace(content)

	// Models occasionally wrap JSON in a code fence despite instructions
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var c classification
	if err := json.Unmarshal([]byte(content), &c); err != nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: unparseable model output: %v", errors.ErrAnalysisFailed, err),
			"OpenAIAnalyzer", "Analyze", "parse classification")
	}

	detected := DetectedType(strings.ToLower(strings.TrimSpace(c.Category)))
	if !detected.Valid() {
		detected = DetectedNormal
	}

	confidence := c.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	return &Outcome{
		MessageID:  messageID,
		Detected:   detected,
		Confidence: confidence,
		Reasoning:  c.Reason,
		AnalyzedAt: time.Now().UTC(),
	}, nil
}

// Package genai provides the OpenAI-backed intent classifier for patient replies.
package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/risetaid/prima-sub007/internal/models"
)

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionService adapts the OpenAI SDK's chat completion service to the
// chatService seam so tests can substitute a canned implementation.
type completionService struct {
	completions openai.ChatCompletionService
}

func (s completionService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Classification is the classifier output for a single reply.
type Classification struct {
	Intent     models.Intent          `json:"intent"`
	Confidence float64                `json:"confidence"`
	Level      models.ConfidenceLevel `json:"confidence_level"`
	Reasoning  string                 `json:"reasoning,omitempty"`
}

// Classifier classifies a patient reply against a conversation context.
// Implementations must respect the caller's context deadline.
type Classifier interface {
	Classify(ctx context.Context, text string, contextType models.ContextType, subjectHint string) (Classification, error)
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey string
	Model  string
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat completion model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// Client wraps the OpenAI ChatCompletion service for reply classification.
type Client struct {
	chat  chatService
	model string
}

// NewClient initializes a new GenAI client. The API key falls back to the
// OPENAI_API_KEY environment variable when not provided via options.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4oMini
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return &Client{chat: completionService{completions: cli.Chat.Completions}, model: cfg.Model}, nil
}

// classifierResult is the JSON shape the model is instructed to return.
type classifierResult struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Classify classifies a patient reply. Errors and malformed model output are
// returned to the caller, which falls back to keyword matching.
func (c *Client) Classify(ctx context.Context, text string, contextType models.ContextType, subjectHint string) (Classification, error) {
	slog.Debug("GenAI Classify invoked", "context", contextType, "text_length", len(text))

	systemPrompt, err := classificationSystemPrompt(contextType, subjectHint)
	if err != nil {
		return Classification{}, err
	}

	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(text),
		},
	}

	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("GenAI Classify request failed", "error", err, "context", contextType)
		return Classification{}, fmt.Errorf("classification request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Classification{}, fmt.Errorf("no choices returned")
	}

	result, err := parseClassifierResult(resp.Choices[0].Message.Content, contextType)
	if err != nil {
		slog.Error("GenAI Classify parse failed", "error", err, "context", contextType)
		return Classification{}, err
	}

	slog.Info("GenAI Classify succeeded", "context", contextType, "intent", result.Intent, "confidence", result.Confidence, "level", result.Level)
	return result, nil
}

// classificationSystemPrompt builds the system prompt for a context's intent
// vocabulary.
func classificationSystemPrompt(contextType models.ContextType, subjectHint string) (string, error) {
	var task, labels string
	switch contextType {
	case models.ContextVerification:
		task = "The patient was asked to confirm willingness to receive health monitoring messages."
		labels = `"accept" (agrees), "decline" (refuses), or "invalid" (neither)`
	case models.ContextReminderConfirmation:
		task = "The patient was asked whether they completed a care reminder (e.g. taking medication)."
		labels = `"done" (completed), "not_yet" (not completed yet), or "invalid" (neither)`
	default:
		return "", fmt.Errorf("no classification vocabulary for context %s", contextType)
	}

	var b strings.Builder
	b.WriteString("You classify short Indonesian-language replies from elderly patients and caregivers. ")
	b.WriteString(task)
	if subjectHint != "" {
		b.WriteString(" The conversation concerns: " + subjectHint + ".")
	}
	b.WriteString(" Classify the reply as one of " + labels + ".")
	b.WriteString(` Reply with strict JSON only: {"intent": "...", "confidence": 0.0, "reasoning": "..."}.`)
	b.WriteString(" Confidence is between 0 and 1. When the reply is ambiguous or off-topic, use \"invalid\" with low confidence. Never guess a terminal intent from an unclear reply.")
	return b.String(), nil
}

// parseClassifierResult decodes and validates the model output.
func parseClassifierResult(content string, contextType models.ContextType) (Classification, error) {
	// Some models wrap JSON in a code fence despite instructions.
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var raw classifierResult
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &raw); err != nil {
		return Classification{}, fmt.Errorf("malformed classifier output: %w", err)
	}

	intent := models.Intent(strings.ToLower(strings.TrimSpace(raw.Intent)))
	if intent != models.IntentInvalid && !intent.ValidForContext(contextType) {
		return Classification{}, fmt.Errorf("classifier returned intent %q not valid for context %s", intent, contextType)
	}

	confidence := raw.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	return Classification{
		Intent:     intent,
		Confidence: confidence,
		Level:      models.ConfidenceLevelFromScore(confidence),
		Reasoning:  raw.Reasoning,
	}, nil
}

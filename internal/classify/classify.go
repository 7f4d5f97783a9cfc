// Package classify merges the probabilistic classifier and keyword matching
// into a single two-stage pipeline.
//
// The AI classifier runs first, bounded by a timeout. Its result is only
// authoritative when it yields a terminal intent at non-low confidence;
// anything else (low confidence, invalid intent, error, timeout) falls
// through to deterministic keyword matching. Classifier failures are never
// fatal to the request.
package classify

import (
	"context"
	"log/slog"
	"time"

	"github.com/risetaid/prima-sub007/internal/genai"
	"github.com/risetaid/prima-sub007/internal/keywords"
	"github.com/risetaid/prima-sub007/internal/models"
)

// DefaultClassifierTimeout bounds a single classifier call.
const DefaultClassifierTimeout = 10 * time.Second

// Result is the tagged outcome of the combined pipeline.
type Result struct {
	Intent     models.Intent
	Source     models.ClassificationSource
	Confidence float64
	Level      models.ConfidenceLevel
}

// Pipeline runs AI classification with keyword fallback.
type Pipeline struct {
	classifier genai.Classifier // nil disables the AI stage
	matcher    *keywords.Matcher
	timeout    time.Duration
}

// NewPipeline creates a classification pipeline. A nil classifier is allowed
// and leaves keyword matching as the only stage.
func NewPipeline(classifier genai.Classifier, matcher *keywords.Matcher, timeout time.Duration) *Pipeline {
	if timeout <= 0 {
		timeout = DefaultClassifierTimeout
	}
	return &Pipeline{classifier: classifier, matcher: matcher, timeout: timeout}
}

// Classify classifies a reply against the open conversation context.
func (p *Pipeline) Classify(ctx context.Context, text string, contextType models.ContextType, subjectHint string) Result {
	if p.classifier != nil {
		if res, ok := p.classifyAI(ctx, text, contextType, subjectHint); ok {
			return res
		}
	}
	return p.classifyKeyword(text, contextType)
}

// classifyAI runs the AI stage. The second return value reports whether the
// result is authoritative.
func (p *Pipeline) classifyAI(ctx context.Context, text string, contextType models.ContextType, subjectHint string) (Result, bool) {
	aiCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	c, err := p.classifier.Classify(aiCtx, text, contextType, subjectHint)
	if err != nil {
		slog.Warn("Classify AI stage failed, falling back to keywords", "error", err, "context", contextType)
		return Result{}, false
	}
	if c.Level == models.ConfidenceLow {
		slog.Debug("Classify AI confidence too low, falling back to keywords", "context", contextType, "intent", c.Intent, "confidence", c.Confidence)
		return Result{}, false
	}
	if !c.Intent.IsTerminal() || !c.Intent.ValidForContext(contextType) {
		slog.Debug("Classify AI intent not terminal for context, falling back to keywords", "context", contextType, "intent", c.Intent)
		return Result{}, false
	}

	return Result{
		Intent:     c.Intent,
		Source:     models.SourceAI,
		Confidence: c.Confidence,
		Level:      c.Level,
	}, true
}

// classifyKeyword runs the deterministic stage.
func (p *Pipeline) classifyKeyword(text string, contextType models.ContextType) Result {
	var intent models.Intent
	switch contextType {
	case models.ContextVerification:
		intent = p.matcher.MatchVerification(text)
	case models.ContextReminderConfirmation:
		intent = p.matcher.MatchConfirmation(text)
	default:
		intent = models.IntentInvalid
	}

	confidence := 0.0
	level := models.ConfidenceLow
	if intent.IsTerminal() {
		// An exact keyword match on a short reply is a deliberate choice.
		confidence = 1.0
		level = models.ConfidenceHigh
	}

	return Result{
		Intent:     intent,
		Source:     models.SourceKeyword,
		Confidence: confidence,
		Level:      level,
	}
}

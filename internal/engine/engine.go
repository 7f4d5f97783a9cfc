// Package engine implements the conversation state machine for patient
// messaging.
//
// The engine opens conversation contexts (sending the initiating prompt and
// arming expiry), classifies inbound replies against the open context, and
// applies terminal outcomes with idempotent side effects. Per-patient
// transitions are serialized with optimistic concurrency: every conversation
// state write is conditional on the row's last UpdatedAt and retried at most
// once on conflict.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/risetaid/prima-sub007/internal/classify"
	"github.com/risetaid/prima-sub007/internal/models"
	"github.com/risetaid/prima-sub007/internal/ratelimit"
	"github.com/risetaid/prima-sub007/internal/status"
	"github.com/risetaid/prima-sub007/internal/store"
)

// Notifier is the outbound message boundary consumed by the engine.
// Declared locally to avoid a dependency on the messaging package.
type Notifier interface {
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)
	SendMessage(ctx context.Context, to string, body string) error
}

// Default engine configuration.
const (
	// DefaultExpiryHorizon is how long an opened context stays answerable.
	DefaultExpiryHorizon = 48 * time.Hour
	// DefaultClarificationInterval is the minimum gap between clarification
	// messages for one context.
	DefaultClarificationInterval = 10 * time.Minute
	// DefaultSendTimeout bounds a single outbound send.
	DefaultSendTimeout = 15 * time.Second
)

// StateDataKeySubject stores the human-readable subject of the conversation
// (e.g. the reminder title) for prompts and classifier hints.
const StateDataKeySubject = "subject"

// Templates holds the outbound message texts. Message generation is outside
// the engine; these are plain strings supplied by configuration.
type Templates struct {
	VerificationPrompt        string
	ConfirmationPrompt        string // formatted with the reminder title
	VerificationClarification string
	ConfirmationClarification string
	AckAccept                 string
	AckDecline                string
	AckDone                   string
	AckNotYet                 string
}

// DefaultTemplates returns the shipped Indonesian message texts.
func DefaultTemplates() Templates {
	return Templates{
		VerificationPrompt:        "Halo! Kami dari layanan pendampingan PRIMA. Apakah Anda bersedia menerima pesan pemantauan kesehatan dari kami? Balas YA atau TIDAK.",
		ConfirmationPrompt:        "Halo! Apakah pengingat \"%s\" sudah dilakukan? Balas SUDAH atau BELUM.",
		VerificationClarification: "Maaf, kami belum memahami balasan Anda. Mohon balas YA jika bersedia, atau TIDAK jika tidak bersedia.",
		ConfirmationClarification: "Maaf, kami belum memahami balasan Anda. Mohon balas SUDAH jika sudah dilakukan, atau BELUM jika belum.",
		AckAccept:                 "Terima kasih! Anda akan menerima pesan pemantauan dari kami. 🙏",
		AckDecline:                "Baik, kami tidak akan mengirim pesan pemantauan. Terima kasih atas balasan Anda.",
		AckDone:                   "Terima kasih atas konfirmasinya! Semoga sehat selalu. 💙",
		AckNotYet:                 "Baik, jangan lupa dilakukan ya. Kami catat belum dilakukan.",
	}
}

// Config holds engine tuning parameters.
type Config struct {
	ExpiryHorizon         time.Duration
	ClarificationInterval time.Duration
	SendTimeout           time.Duration
	Templates             Templates
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		ExpiryHorizon:         DefaultExpiryHorizon,
		ClarificationInterval: DefaultClarificationInterval,
		SendTimeout:           DefaultSendTimeout,
		Templates:             DefaultTemplates(),
	}
}

// Engine orchestrates conversation state transitions.
type Engine struct {
	store    store.Store
	pipeline *classify.Pipeline
	limiter  *ratelimit.Limiter
	notifier Notifier
	updater  status.Updater
	cfg      Config
}

// New creates an Engine.
func New(st store.Store, pipeline *classify.Pipeline, limiter *ratelimit.Limiter, notifier Notifier, updater status.Updater, cfg Config) *Engine {
	if cfg.ExpiryHorizon <= 0 {
		cfg.ExpiryHorizon = DefaultExpiryHorizon
	}
	if cfg.ClarificationInterval <= 0 {
		cfg.ClarificationInterval = DefaultClarificationInterval
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	return &Engine{store: st, pipeline: pipeline, limiter: limiter, notifier: notifier, updater: updater, cfg: cfg}
}

// OpenContext opens a conversation context for a patient, superseding any
// existing active context, and sends the initiating prompt.
//
// The state write is durable before the prompt is sent. If the prompt send
// fails the context is left open: re-opening is idempotent and the fixed
// expiry horizon reaps unanswered contexts, so no rollback is attempted.
func (e *Engine) OpenContext(ctx context.Context, req models.OpenConversationRequest) (*models.ConversationState, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	slog.Debug("Engine OpenContext invoked", "patientID", req.PatientID, "context", req.Context)

	patient, err := e.store.GetPatient(req.PatientID)
	if err != nil {
		return nil, fmt.Errorf("failed to load patient %s: %w", req.PatientID, err)
	}
	if patient == nil {
		return nil, fmt.Errorf("patient %s: %w", req.PatientID, store.ErrNotFound)
	}

	recipient, err := e.notifier.ValidateAndCanonicalizeRecipient(patient.PhoneNumber)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient for patient %s: %w", req.PatientID, err)
	}

	prompt := e.cfg.Templates.VerificationPrompt
	stateData := make(map[string]string)
	if req.Context == models.ContextReminderConfirmation {
		subject := "pengingat Anda"
		if req.RelatedEntityID != "" {
			reminder, err := e.store.GetReminder(req.RelatedEntityID)
			if err != nil {
				return nil, fmt.Errorf("failed to load reminder %s: %w", req.RelatedEntityID, err)
			}
			if reminder != nil {
				subject = reminder.Title
			}
		}
		stateData[StateDataKeySubject] = subject
		prompt = fmt.Sprintf(e.cfg.Templates.ConfirmationPrompt, subject)
	}

	now := time.Now()
	// Supersede: a patient has at most one active context.
	if err := e.store.DeactivateConversationStates(req.PatientID, now); err != nil {
		return nil, fmt.Errorf("failed to supersede prior contexts for %s: %w", req.PatientID, err)
	}

	state := models.ConversationState{
		ID:                   uuid.NewString(),
		PatientID:            req.PatientID,
		PhoneNumber:          recipient,
		CurrentContext:       req.Context,
		ExpectedResponseType: models.ResponseTypeYesNo,
		RelatedEntityID:      req.RelatedEntityID,
		RelatedEntityType:    req.RelatedEntityType,
		StateData:            stateData,
		ContextSetAt:         now,
		ExpiresAt:            now.Add(e.cfg.ExpiryHorizon),
		IsActive:             true,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := e.store.CreateConversationState(state); err != nil {
		return nil, fmt.Errorf("failed to create conversation state: %w", err)
	}

	if err := e.send(ctx, recipient, prompt); err != nil {
		// Leave the context open; expiry reaps it if the patient never hears
		// from us and re-opening supersedes it.
		slog.Warn("Engine OpenContext prompt send failed, context left open", "error", err, "patientID", req.PatientID, "context", req.Context)
	}

	slog.Info("Engine context opened", "patientID", req.PatientID, "context", req.Context, "stateID", state.ID, "expiresAt", state.ExpiresAt)
	return &state, nil
}

// HandleInboundMessage evaluates one inbound message and returns a
// determinate outcome. Dependency failures never surface as errors here;
// every path resolves to dropped, pending, or resolved.
func (e *Engine) HandleInboundMessage(ctx context.Context, msg models.InboundMessage) (models.HandleResult, error) {
	sender, err := e.notifier.ValidateAndCanonicalizeRecipient(msg.From)
	if err != nil {
		slog.Debug("Engine dropping message from invalid sender", "error", err, "from", msg.From)
		return dropped(models.ReasonNoContext), nil
	}

	now := msg.ReceivedAt
	if now.IsZero() {
		now = time.Now()
	}

	// Step 1: resolve the active context for the sender.
	patient, err := e.store.GetPatientByPhone(sender)
	if err != nil {
		slog.Error("Engine failed to resolve sender", "error", err, "from", sender)
		return dropped(models.ReasonNoContext), nil
	}
	if patient == nil {
		slog.Debug("Engine dropping message from unknown sender", "from", sender)
		return dropped(models.ReasonNoContext), nil
	}

	state, err := e.store.GetActiveConversationState(patient.ID)
	if err != nil {
		slog.Error("Engine failed to load conversation state", "error", err, "patientID", patient.ID)
		return dropped(models.ReasonNoContext), nil
	}
	if !state.ActiveAt(now) {
		// Expired contexts are indistinguishable from absent ones.
		slog.Debug("Engine no active context for sender", "patientID", patient.ID, "from", sender)
		return dropped(models.ReasonNoContext), nil
	}

	// Step 2: rate limiting, before any state mutation or classifier spend.
	if res := e.limiter.CheckAndConsume(sender); !res.Allowed {
		slog.Warn("Engine dropping rate-limited message", "patientID", patient.ID, "from", sender, "retry_after", res.RetryAfter)
		return dropped(models.ReasonRateLimited), nil
	}

	// Step 3: two-stage classification.
	result := e.pipeline.Classify(ctx, msg.Body, state.CurrentContext, state.StateData[StateDataKeySubject])
	slog.Debug("Engine classified inbound message", "patientID", patient.ID, "intent", result.Intent, "source", result.Source, "confidence", result.Confidence)

	var outcome models.HandleResult
	if result.Intent.IsTerminal() {
		outcome = e.resolveTerminal(ctx, patient, state, result, now)
	} else {
		outcome = e.handleAmbiguous(ctx, state, sender, result, now)
	}

	e.logMessage(patient.ID, sender, msg.Body, outcome)
	return outcome, nil
}

// resolveTerminal applies the terminal outcome, clears the context, and sends
// the acknowledgement. The status update is the source of truth for
// resolution: if it fails after a retry the conversation stays open.
// Acknowledgement delivery is best-effort and never rolls back a resolution.
func (e *Engine) resolveTerminal(ctx context.Context, patient *models.Patient, state *models.ConversationState, result classify.Result, now time.Time) models.HandleResult {
	businessOutcome, ok := models.OutcomeForIntent(state.CurrentContext, result.Intent)
	if !ok {
		// The pipeline validates intents against the context, so this is a
		// programming error; treat the reply as ambiguous rather than guess.
		slog.Error("Engine terminal intent has no outcome mapping", "context", state.CurrentContext, "intent", result.Intent)
		return e.handleAmbiguous(ctx, state, state.PhoneNumber, result, now)
	}

	// The updater is idempotent, so one synchronous retry is safe even if a
	// concurrent duplicate delivery already applied the outcome.
	err := e.updater.Apply(ctx, patient.ID, businessOutcome, state.RelatedEntityID)
	if err != nil {
		slog.Warn("Engine status update failed, retrying once", "error", err, "patientID", patient.ID, "outcome", businessOutcome)
		err = e.updater.Apply(ctx, patient.ID, businessOutcome, state.RelatedEntityID)
	}
	if err != nil {
		slog.Error("Engine status update failed, leaving context open", "error", err, "patientID", patient.ID, "outcome", businessOutcome)
		return models.HandleResult{
			Status: models.HandleStatusPending,
			Reason: models.ReasonStatusUpdateFailed,
			Intent: result.Intent,
			Source: result.Source,
		}
	}

	cleared := e.clearContext(state, now)
	if !cleared {
		// A concurrent delivery already closed this context. The outcome is
		// applied (idempotently); the winner sends the acknowledgement.
		slog.Info("Engine context already resolved concurrently", "patientID", patient.ID, "stateID", state.ID)
		return dropped(models.ReasonNoContext)
	}

	ack := e.ackTemplate(result.Intent)
	if err := e.send(ctx, state.PhoneNumber, ack); err != nil {
		slog.Warn("Engine acknowledgement send failed", "error", err, "patientID", patient.ID, "intent", result.Intent)
	}

	slog.Info("Engine conversation resolved", "patientID", patient.ID, "context", state.CurrentContext, "intent", result.Intent, "source", result.Source, "outcome", businessOutcome)
	return models.HandleResult{
		Status:     models.HandleStatusResolved,
		Intent:     result.Intent,
		Source:     result.Source,
		Confidence: result.Confidence,
	}
}

// clearContext soft-deletes the state with a conditional write, retrying once
// on conflict. Returns false when the context was closed by a concurrent
// transition.
func (e *Engine) clearContext(state *models.ConversationState, now time.Time) bool {
	for attempt := 0; attempt < 2; attempt++ {
		expected := state.UpdatedAt
		deleted := now
		state.MessageCount++
		state.IsActive = false
		state.DeletedAt = &deleted
		state.CurrentContext = models.ContextNone
		state.RelatedEntityID = ""
		state.RelatedEntityType = ""

		err := e.store.UpdateConversationState(state, expected)
		if err == nil {
			return true
		}
		if !errors.Is(err, store.ErrConflict) {
			slog.Error("Engine clear context write failed", "error", err, "stateID", state.ID)
			// Outcome already applied; expiry reaps the dangling row.
			return true
		}

		fresh, ferr := e.store.GetActiveConversationState(state.PatientID)
		if ferr != nil || !fresh.ActiveAt(now) || fresh.ID != state.ID {
			return false
		}
		*state = *fresh
	}
	return false
}

// handleAmbiguous keeps the context open, bumps counters, and sends a
// throttled clarification.
func (e *Engine) handleAmbiguous(ctx context.Context, state *models.ConversationState, sender string, result classify.Result, now time.Time) models.HandleResult {
	clarify := false
	for attempt := 0; attempt < 2; attempt++ {
		expected := state.UpdatedAt
		state.AttemptCount++
		state.MessageCount++
		clarify = state.LastClarificationSentAt == nil || now.Sub(*state.LastClarificationSentAt) >= e.cfg.ClarificationInterval
		if clarify {
			sentAt := now
			state.LastClarificationSentAt = &sentAt
		}

		err := e.store.UpdateConversationState(state, expected)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrConflict) {
			slog.Error("Engine ambiguous-state write failed", "error", err, "stateID", state.ID)
			break
		}
		if attempt == 1 {
			slog.Error("Engine ambiguous-state write conflicted twice, giving up", "stateID", state.ID)
			break
		}

		fresh, ferr := e.store.GetActiveConversationState(state.PatientID)
		if ferr != nil || !fresh.ActiveAt(now) || fresh.ID != state.ID {
			// Context closed underneath us; nothing left to clarify.
			return dropped(models.ReasonNoContext)
		}
		*state = *fresh
	}

	if clarify {
		if err := e.send(ctx, sender, e.clarificationTemplate(state.CurrentContext)); err != nil {
			slog.Warn("Engine clarification send failed", "error", err, "stateID", state.ID)
		}
	} else {
		slog.Debug("Engine clarification throttled", "stateID", state.ID, "lastSentAt", state.LastClarificationSentAt)
	}

	slog.Info("Engine reply ambiguous, context remains open", "patientID", state.PatientID, "attemptCount", state.AttemptCount, "clarified", clarify)
	return models.HandleResult{
		Status: models.HandleStatusPending,
		Reason: models.ReasonInvalidResponse,
		Intent: models.IntentInvalid,
		Source: result.Source,
	}
}

// send delivers one outbound message bounded by the configured timeout.
func (e *Engine) send(ctx context.Context, to, body string) error {
	sendCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	defer cancel()
	return e.notifier.SendMessage(sendCtx, to, body)
}

func (e *Engine) ackTemplate(intent models.Intent) string {
	switch intent {
	case models.IntentAccept:
		return e.cfg.Templates.AckAccept
	case models.IntentDecline:
		return e.cfg.Templates.AckDecline
	case models.IntentDone:
		return e.cfg.Templates.AckDone
	default:
		return e.cfg.Templates.AckNotYet
	}
}

func (e *Engine) clarificationTemplate(ct models.ContextType) string {
	if ct == models.ContextReminderConfirmation {
		return e.cfg.Templates.ConfirmationClarification
	}
	return e.cfg.Templates.VerificationClarification
}

// logMessage records the evaluated message for audit. Best-effort.
func (e *Engine) logMessage(patientID, sender, body string, outcome models.HandleResult) {
	if outcome.Status == models.HandleStatusDropped {
		return
	}
	entry := models.MessageLog{
		ID:        uuid.NewString(),
		PatientID: patientID,
		From:      sender,
		Body:      body,
		Outcome:   string(outcome.Status),
		Intent:    outcome.Intent,
		Source:    string(outcome.Source),
		CreatedAt: time.Now(),
	}
	if err := e.store.AddMessageLog(entry); err != nil {
		slog.Warn("Engine message log write failed", "error", err, "patientID", patientID)
	}
}

func dropped(reason string) models.HandleResult {
	return models.HandleResult{Status: models.HandleStatusDropped, Reason: reason}
}

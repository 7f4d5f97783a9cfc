// Package models defines the core data structures for the PRIMA conversation engine.
//
// It includes conversation contexts, classification intents, inbound/outbound
// message types, and API response envelopes shared across modules.
package models

import (
	"errors"
	"time"
)

// ContextType identifies the conversation topic currently open for a patient.
type ContextType string

const (
	// ContextVerification is the patient enrollment verification conversation.
	ContextVerification ContextType = "verification"
	// ContextReminderConfirmation is the reminder completion confirmation conversation.
	ContextReminderConfirmation ContextType = "reminder_confirmation"
	// ContextNone indicates no conversation is open.
	ContextNone ContextType = "none"
)

// IsValidContextType checks if the given context type can be opened.
func IsValidContextType(ct ContextType) bool {
	switch ct {
	case ContextVerification, ContextReminderConfirmation:
		return true
	default:
		return false
	}
}

// ResponseType describes the shape of reply a conversation expects.
type ResponseType string

const (
	// ResponseTypeYesNo expects a short binary answer.
	ResponseTypeYesNo ResponseType = "yes_no"
)

// Intent is a classification outcome for an inbound reply.
type Intent string

const (
	// IntentAccept means the patient accepted a verification request.
	IntentAccept Intent = "accept"
	// IntentDecline means the patient declined a verification request.
	IntentDecline Intent = "decline"
	// IntentDone means the patient confirmed completing a reminder.
	IntentDone Intent = "done"
	// IntentNotYet means the patient has not completed a reminder.
	IntentNotYet Intent = "not_yet"
	// IntentInvalid means the reply could not be classified.
	IntentInvalid Intent = "invalid"
)

// IsTerminal reports whether the intent ends the open conversation.
func (i Intent) IsTerminal() bool {
	switch i {
	case IntentAccept, IntentDecline, IntentDone, IntentNotYet:
		return true
	default:
		return false
	}
}

// ValidForContext reports whether the intent is meaningful for the given context.
func (i Intent) ValidForContext(ct ContextType) bool {
	switch ct {
	case ContextVerification:
		return i == IntentAccept || i == IntentDecline
	case ContextReminderConfirmation:
		return i == IntentDone || i == IntentNotYet
	default:
		return false
	}
}

// ConfidenceLevel is the discretized bucket for a classifier confidence score.
type ConfidenceLevel string

const (
	ConfidenceLow    ConfidenceLevel = "low"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceHigh   ConfidenceLevel = "high"
)

// Confidence score thresholds for discretization.
const (
	ConfidenceHighThreshold   = 0.80
	ConfidenceMediumThreshold = 0.50
)

// ConfidenceLevelFromScore buckets a continuous confidence score.
func ConfidenceLevelFromScore(score float64) ConfidenceLevel {
	switch {
	case score >= ConfidenceHighThreshold:
		return ConfidenceHigh
	case score >= ConfidenceMediumThreshold:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// Outcome is the terminal business result applied by the status updater.
type Outcome string

const (
	// OutcomeVerified marks the patient as verified.
	OutcomeVerified Outcome = "verified"
	// OutcomeDeclined marks the patient as having declined enrollment.
	OutcomeDeclined Outcome = "declined"
	// OutcomeReminderConfirmed marks the related reminder as completed.
	OutcomeReminderConfirmed Outcome = "reminder_confirmed"
	// OutcomeReminderMissed marks the related reminder as not completed.
	OutcomeReminderMissed Outcome = "reminder_missed"
)

// OutcomeForIntent maps a terminal intent within a context to its business outcome.
func OutcomeForIntent(ct ContextType, intent Intent) (Outcome, bool) {
	switch {
	case ct == ContextVerification && intent == IntentAccept:
		return OutcomeVerified, true
	case ct == ContextVerification && intent == IntentDecline:
		return OutcomeDeclined, true
	case ct == ContextReminderConfirmation && intent == IntentDone:
		return OutcomeReminderConfirmed, true
	case ct == ContextReminderConfirmation && intent == IntentNotYet:
		return OutcomeReminderMissed, true
	default:
		return "", false
	}
}

// Error variables for better error handling and testability
var (
	ErrEmptyRecipient     = errors.New("recipient cannot be empty")
	ErrEmptyPatientID     = errors.New("patient_id is required")
	ErrInvalidContextType = errors.New("invalid context type")
	ErrEmptyBody          = errors.New("message body cannot be empty")
)

// InboundMessage is an incoming message event delivered to the engine.
type InboundMessage struct {
	From       string    `json:"from"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}

// Response represents a raw incoming message from a messaging channel.
type Response struct {
	From string `json:"from"`
	Body string `json:"body"`
	Time int64  `json:"time"`
}

// MessageStatus represents the delivery status of an outbound message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message was delivered.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// Receipt records a delivery status change for an outbound message.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// OpenConversationRequest is the payload for opening a conversation context.
type OpenConversationRequest struct {
	PatientID         string      `json:"patient_id"`
	Context           ContextType `json:"context"`
	RelatedEntityID   string      `json:"related_entity_id,omitempty"`
	RelatedEntityType string      `json:"related_entity_type,omitempty"`
}

// Validate checks the open-conversation payload.
func (r *OpenConversationRequest) Validate() error {
	if r.PatientID == "" {
		return ErrEmptyPatientID
	}
	if !IsValidContextType(r.Context) {
		return ErrInvalidContextType
	}
	return nil
}

// RegisterPatientRequest is the payload for registering a patient.
type RegisterPatientRequest struct {
	PhoneNumber string `json:"phone_number"`
	Name        string `json:"name,omitempty"`
}

// Validate checks the register-patient payload.
func (r *RegisterPatientRequest) Validate() error {
	if r.PhoneNumber == "" {
		return ErrEmptyRecipient
	}
	return nil
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

package models

import "time"

// ConversationState is the per-patient record of the active conversation.
// At most one row per patient is active (IsActive and not soft-deleted) at a
// time; opening a new context supersedes any prior active row.
type ConversationState struct {
	ID                      string            `json:"id"`
	PatientID               string            `json:"patient_id"`
	PhoneNumber             string            `json:"phone_number"`
	CurrentContext          ContextType       `json:"current_context"`
	ExpectedResponseType    ResponseType      `json:"expected_response_type"`
	RelatedEntityID         string            `json:"related_entity_id,omitempty"`
	RelatedEntityType       string            `json:"related_entity_type,omitempty"`
	StateData               map[string]string `json:"state_data,omitempty"`
	AttemptCount            int               `json:"attempt_count"`
	MessageCount            int               `json:"message_count"`
	ContextSetAt            time.Time         `json:"context_set_at"`
	LastClarificationSentAt *time.Time        `json:"last_clarification_sent_at,omitempty"`
	ExpiresAt               time.Time         `json:"expires_at"`
	IsActive                bool              `json:"is_active"`
	DeletedAt               *time.Time        `json:"deleted_at,omitempty"`
	CreatedAt               time.Time         `json:"created_at"`
	UpdatedAt               time.Time         `json:"updated_at"`
}

// ActiveAt reports whether the state is open at the given instant.
// A past ExpiresAt always means inactive, regardless of the IsActive flag;
// this guards against stale writes leaving the flag set.
func (s *ConversationState) ActiveAt(now time.Time) bool {
	if s == nil || !s.IsActive || s.DeletedAt != nil {
		return false
	}
	return s.ExpiresAt.After(now)
}

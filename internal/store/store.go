// Package store provides storage backends for the PRIMA conversation engine.
//
// It includes an in-memory store for tests and SQLite/PostgreSQL stores for
// persistent deployments. Conversation-state updates use optimistic
// concurrency: a conditional write keyed on the row's last UpdatedAt, so two
// racing transitions for the same patient cannot both act on the same open
// state.
package store

import (
	"errors"
	"strings"
	"time"

	"github.com/risetaid/prima-sub007/internal/models"
)

// Error variables shared by all backends.
var (
	// ErrConflict is returned when a conditional update observed a row whose
	// UpdatedAt no longer matches the expected value.
	ErrConflict = errors.New("conversation state was modified concurrently")
	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("record not found")
)

// Store defines persistence operations for patients, reminders, conversation
// states, and the inbound message audit log.
type Store interface {
	// Patients
	CreatePatient(p models.Patient) error
	GetPatient(id string) (*models.Patient, error)
	GetPatientByPhone(phone string) (*models.Patient, error)
	UpdatePatientStatus(id string, status models.PatientStatus) error

	// Reminders
	CreateReminder(r models.Reminder) error
	GetReminder(id string) (*models.Reminder, error)
	UpdateReminderStatus(id string, status models.ReminderStatus) error

	// Conversation states
	CreateConversationState(s models.ConversationState) error
	// GetActiveConversationState returns the single active (is_active, not
	// soft-deleted) state for the patient, or nil when none exists. Expiry is
	// not evaluated here; callers compare ExpiresAt lazily. If the
	// single-active invariant is violated the most recently created row is
	// returned and the violation logged at error severity.
	GetActiveConversationState(patientID string) (*models.ConversationState, error)
	// UpdateConversationState writes s only if the stored row's UpdatedAt
	// equals expectedUpdatedAt, returning ErrConflict otherwise. On success
	// s.UpdatedAt is advanced to the newly stored value.
	UpdateConversationState(s *models.ConversationState, expectedUpdatedAt time.Time) error
	// DeactivateConversationStates soft-deletes every active state for the
	// patient. Used to supersede prior contexts before opening a new one.
	DeactivateConversationStates(patientID string, now time.Time) error
	// PurgeConversationStatesExpiredBefore hard-deletes rows whose expiry
	// predates the cutoff. Housekeeping only; lazy expiry is the correctness
	// mechanism.
	PurgeConversationStatesExpiredBefore(cutoff time.Time) (int64, error)

	// Message audit log
	AddMessageLog(m models.MessageLog) error
	GetMessageLogs(patientID string) ([]models.MessageLog, error)

	Close() error
}

// DetectDSNType inspects a DSN and reports "postgres" or "sqlite".
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

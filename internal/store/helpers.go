package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/risetaid/prima-sub007/internal/models"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nilIfZeroTime returns nil for nil/zero time pointers.
func nilIfZeroTime(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return *t
}

// marshalStateData converts the state data map to a JSON column value.
func marshalStateData(data map[string]string) (interface{}, error) {
	if len(data) == 0 {
		return nil, nil
	}
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state data: %w", err)
	}
	return string(jsonBytes), nil
}

// scanPatient scans a Patient row.
func scanPatient(row rowScanner) (*models.Patient, error) {
	var p models.Patient
	var name sql.NullString
	err := row.Scan(&p.ID, &p.PhoneNumber, &name, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Name = name.String
	return &p, nil
}

// scanReminder scans a Reminder row.
func scanReminder(row rowScanner) (*models.Reminder, error) {
	var r models.Reminder
	err := row.Scan(&r.ID, &r.PatientID, &r.Title, &r.Status, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// scanConversationState scans a ConversationState row.
func scanConversationState(row rowScanner) (*models.ConversationState, error) {
	var s models.ConversationState
	var relatedID, relatedType, stateDataJSON sql.NullString
	var lastClarification, deletedAt sql.NullTime

	err := row.Scan(
		&s.ID, &s.PatientID, &s.PhoneNumber, &s.CurrentContext, &s.ExpectedResponseType,
		&relatedID, &relatedType, &stateDataJSON, &s.AttemptCount, &s.MessageCount,
		&s.ContextSetAt, &lastClarification, &s.ExpiresAt, &s.IsActive, &deletedAt,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.RelatedEntityID = relatedID.String
	s.RelatedEntityType = relatedType.String
	if lastClarification.Valid {
		s.LastClarificationSentAt = &lastClarification.Time
	}
	if deletedAt.Valid {
		s.DeletedAt = &deletedAt.Time
	}
	if stateDataJSON.Valid && stateDataJSON.String != "" {
		s.StateData = make(map[string]string)
		if err := json.Unmarshal([]byte(stateDataJSON.String), &s.StateData); err != nil {
			slog.Error("scanConversationState state data unmarshal failed", "error", err, "id", s.ID)
			// Continue with empty map rather than failing
			s.StateData = make(map[string]string)
		}
	}
	return &s, nil
}

// scanMessageLog scans a MessageLog row.
func scanMessageLog(row rowScanner) (*models.MessageLog, error) {
	var m models.MessageLog
	var intent, source sql.NullString
	err := row.Scan(&m.ID, &m.PatientID, &m.From, &m.Body, &m.Outcome, &intent, &source, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.Intent = models.Intent(intent.String)
	m.Source = source.String
	return &m, nil
}

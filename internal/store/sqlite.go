// Package store provides storage backends for the PRIMA conversation engine.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/risetaid/prima-sub007/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreatePatient(p models.Patient) error {
	_, err := s.db.Exec(
		`INSERT INTO patients (id, phone_number, name, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.PhoneNumber, nilIfEmpty(p.Name), p.Status, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreatePatient failed", "error", err, "id", p.ID)
		return fmt.Errorf("failed to insert patient %s: %w", p.ID, err)
	}
	slog.Debug("SQLiteStore CreatePatient succeeded", "id", p.ID)
	return nil
}

func (s *SQLiteStore) GetPatient(id string) (*models.Patient, error) {
	row := s.db.QueryRow(`SELECT id, phone_number, name, status, created_at, updated_at FROM patients WHERE id = ?`, id)
	p, err := scanPatient(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetPatient failed", "error", err, "id", id)
		return nil, err
	}
	return p, nil
}

func (s *SQLiteStore) GetPatientByPhone(phone string) (*models.Patient, error) {
	row := s.db.QueryRow(`SELECT id, phone_number, name, status, created_at, updated_at FROM patients WHERE phone_number = ?`, phone)
	p, err := scanPatient(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetPatientByPhone failed", "error", err, "phone", phone)
		return nil, err
	}
	return p, nil
}

func (s *SQLiteStore) UpdatePatientStatus(id string, status models.PatientStatus) error {
	res, err := s.db.Exec(`UPDATE patients SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now(), id)
	if err != nil {
		slog.Error("SQLiteStore UpdatePatientStatus failed", "error", err, "id", id)
		return fmt.Errorf("failed to update patient %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	slog.Debug("SQLiteStore UpdatePatientStatus succeeded", "id", id, "status", status)
	return nil
}

func (s *SQLiteStore) CreateReminder(r models.Reminder) error {
	_, err := s.db.Exec(
		`INSERT INTO reminders (id, patient_id, title, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.PatientID, r.Title, r.Status, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreateReminder failed", "error", err, "id", r.ID)
		return fmt.Errorf("failed to insert reminder %s: %w", r.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetReminder(id string) (*models.Reminder, error) {
	row := s.db.QueryRow(`SELECT id, patient_id, title, status, created_at, updated_at FROM reminders WHERE id = ?`, id)
	r, err := scanReminder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetReminder failed", "error", err, "id", id)
		return nil, err
	}
	return r, nil
}

func (s *SQLiteStore) UpdateReminderStatus(id string, status models.ReminderStatus) error {
	res, err := s.db.Exec(`UPDATE reminders SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now(), id)
	if err != nil {
		slog.Error("SQLiteStore UpdateReminderStatus failed", "error", err, "id", id)
		return fmt.Errorf("failed to update reminder %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	slog.Debug("SQLiteStore UpdateReminderStatus succeeded", "id", id, "status", status)
	return nil
}

const sqliteConversationStateColumns = `id, patient_id, phone_number, current_context, expected_response_type,
	related_entity_id, related_entity_type, state_data, attempt_count, message_count,
	context_set_at, last_clarification_sent_at, expires_at, is_active, deleted_at,
	created_at, updated_at`

func (s *SQLiteStore) CreateConversationState(state models.ConversationState) error {
	stateData, err := marshalStateData(state.StateData)
	if err != nil {
		slog.Error("SQLiteStore CreateConversationState marshal failed", "error", err, "id", state.ID)
		return err
	}

	_, err = s.db.Exec(`INSERT INTO conversation_states (`+sqliteConversationStateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		state.ID, state.PatientID, state.PhoneNumber, state.CurrentContext, state.ExpectedResponseType,
		nilIfEmpty(state.RelatedEntityID), nilIfEmpty(state.RelatedEntityType), stateData,
		state.AttemptCount, state.MessageCount, state.ContextSetAt,
		nilIfZeroTime(state.LastClarificationSentAt), state.ExpiresAt, state.IsActive,
		nilIfZeroTime(state.DeletedAt), state.CreatedAt, state.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore CreateConversationState failed", "error", err, "id", state.ID, "patientID", state.PatientID)
		return fmt.Errorf("failed to insert conversation state for %s: %w", state.PatientID, err)
	}
	slog.Debug("SQLiteStore CreateConversationState succeeded", "id", state.ID, "patientID", state.PatientID, "context", state.CurrentContext)
	return nil
}

func (s *SQLiteStore) GetActiveConversationState(patientID string) (*models.ConversationState, error) {
	rows, err := s.db.Query(`SELECT `+sqliteConversationStateColumns+` FROM conversation_states
		WHERE patient_id = ? AND is_active = 1 AND deleted_at IS NULL
		ORDER BY created_at DESC`, patientID)
	if err != nil {
		slog.Error("SQLiteStore GetActiveConversationState query failed", "error", err, "patientID", patientID)
		return nil, err
	}
	defer rows.Close()

	var states []*models.ConversationState
	for rows.Next() {
		st, err := scanConversationState(rows)
		if err != nil {
			slog.Error("SQLiteStore GetActiveConversationState scan failed", "error", err, "patientID", patientID)
			return nil, err
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(states) == 0 {
		slog.Debug("SQLiteStore GetActiveConversationState not found", "patientID", patientID)
		return nil, nil
	}
	if len(states) > 1 {
		slog.Error("SQLiteStore single-active invariant violated, using most recent", "patientID", patientID, "count", len(states))
	}
	return states[0], nil
}

func (s *SQLiteStore) UpdateConversationState(state *models.ConversationState, expectedUpdatedAt time.Time) error {
	stateData, err := marshalStateData(state.StateData)
	if err != nil {
		return err
	}

	now := time.Now()
	res, err := s.db.Exec(`UPDATE conversation_states SET
		current_context = ?, expected_response_type = ?, related_entity_id = ?, related_entity_type = ?,
		state_data = ?, attempt_count = ?, message_count = ?, last_clarification_sent_at = ?,
		expires_at = ?, is_active = ?, deleted_at = ?, updated_at = ?
		WHERE id = ? AND updated_at = ?`,
		state.CurrentContext, state.ExpectedResponseType, nilIfEmpty(state.RelatedEntityID), nilIfEmpty(state.RelatedEntityType),
		stateData, state.AttemptCount, state.MessageCount, nilIfZeroTime(state.LastClarificationSentAt),
		state.ExpiresAt, state.IsActive, nilIfZeroTime(state.DeletedAt), now,
		state.ID, expectedUpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore UpdateConversationState failed", "error", err, "id", state.ID)
		return fmt.Errorf("failed to update conversation state %s: %w", state.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		slog.Warn("SQLiteStore UpdateConversationState conflict", "id", state.ID, "patientID", state.PatientID)
		return ErrConflict
	}

	state.UpdatedAt = now
	slog.Debug("SQLiteStore UpdateConversationState succeeded", "id", state.ID, "patientID", state.PatientID)
	return nil
}

func (s *SQLiteStore) DeactivateConversationStates(patientID string, now time.Time) error {
	_, err := s.db.Exec(`UPDATE conversation_states SET
		is_active = 0, deleted_at = ?, current_context = ?, updated_at = ?
		WHERE patient_id = ? AND is_active = 1 AND deleted_at IS NULL`,
		now, models.ContextNone, now, patientID)
	if err != nil {
		slog.Error("SQLiteStore DeactivateConversationStates failed", "error", err, "patientID", patientID)
		return fmt.Errorf("failed to deactivate conversation states for %s: %w", patientID, err)
	}
	slog.Debug("SQLiteStore DeactivateConversationStates succeeded", "patientID", patientID)
	return nil
}

func (s *SQLiteStore) PurgeConversationStatesExpiredBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM conversation_states WHERE expires_at < ?`, cutoff)
	if err != nil {
		slog.Error("SQLiteStore PurgeConversationStatesExpiredBefore failed", "error", err)
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	slog.Debug("SQLiteStore PurgeConversationStatesExpiredBefore succeeded", "removed", n)
	return n, nil
}

func (s *SQLiteStore) AddMessageLog(m models.MessageLog) error {
	_, err := s.db.Exec(
		`INSERT INTO message_logs (id, patient_id, sender, body, outcome, intent, source, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.PatientID, m.From, m.Body, m.Outcome, nilIfEmpty(string(m.Intent)), nilIfEmpty(m.Source), m.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore AddMessageLog failed", "error", err, "patientID", m.PatientID)
		return fmt.Errorf("failed to insert message log: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetMessageLogs(patientID string) ([]models.MessageLog, error) {
	rows, err := s.db.Query(`SELECT id, patient_id, sender, body, outcome, intent, source, created_at
		FROM message_logs WHERE patient_id = ? ORDER BY created_at`, patientID)
	if err != nil {
		slog.Error("SQLiteStore GetMessageLogs query failed", "error", err, "patientID", patientID)
		return nil, err
	}
	defer rows.Close()

	var logs []models.MessageLog
	for rows.Next() {
		m, err := scanMessageLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, *m)
	}
	return logs, rows.Err()
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

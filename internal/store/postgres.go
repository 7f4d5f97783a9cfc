// Package store provides storage backends for the PRIMA conversation engine.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/risetaid/prima-sub007/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) CreatePatient(p models.Patient) error {
	_, err := s.db.Exec(
		`INSERT INTO patients (id, phone_number, name, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.PhoneNumber, nilIfEmpty(p.Name), p.Status, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore CreatePatient failed", "error", err, "id", p.ID)
		return fmt.Errorf("failed to insert patient %s: %w", p.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetPatient(id string) (*models.Patient, error) {
	row := s.db.QueryRow(`SELECT id, phone_number, name, status, created_at, updated_at FROM patients WHERE id = $1`, id)
	p, err := scanPatient(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetPatient failed", "error", err, "id", id)
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) GetPatientByPhone(phone string) (*models.Patient, error) {
	row := s.db.QueryRow(`SELECT id, phone_number, name, status, created_at, updated_at FROM patients WHERE phone_number = $1`, phone)
	p, err := scanPatient(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetPatientByPhone failed", "error", err, "phone", phone)
		return nil, err
	}
	return p, nil
}

func (s *PostgresStore) UpdatePatientStatus(id string, status models.PatientStatus) error {
	res, err := s.db.Exec(`UPDATE patients SET status = $1, updated_at = $2 WHERE id = $3`, status, time.Now(), id)
	if err != nil {
		slog.Error("PostgresStore UpdatePatientStatus failed", "error", err, "id", id)
		return fmt.Errorf("failed to update patient %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateReminder(r models.Reminder) error {
	_, err := s.db.Exec(
		`INSERT INTO reminders (id, patient_id, title, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.PatientID, r.Title, r.Status, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore CreateReminder failed", "error", err, "id", r.ID)
		return fmt.Errorf("failed to insert reminder %s: %w", r.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetReminder(id string) (*models.Reminder, error) {
	row := s.db.QueryRow(`SELECT id, patient_id, title, status, created_at, updated_at FROM reminders WHERE id = $1`, id)
	r, err := scanReminder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetReminder failed", "error", err, "id", id)
		return nil, err
	}
	return r, nil
}

func (s *PostgresStore) UpdateReminderStatus(id string, status models.ReminderStatus) error {
	res, err := s.db.Exec(`UPDATE reminders SET status = $1, updated_at = $2 WHERE id = $3`, status, time.Now(), id)
	if err != nil {
		slog.Error("PostgresStore UpdateReminderStatus failed", "error", err, "id", id)
		return fmt.Errorf("failed to update reminder %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const postgresConversationStateColumns = `id, patient_id, phone_number, current_context, expected_response_type,
	related_entity_id, related_entity_type, state_data, attempt_count, message_count,
	context_set_at, last_clarification_sent_at, expires_at, is_active, deleted_at,
	created_at, updated_at`

func (s *PostgresStore) CreateConversationState(state models.ConversationState) error {
	stateData, err := marshalStateData(state.StateData)
	if err != nil {
		slog.Error("PostgresStore CreateConversationState marshal failed", "error", err, "id", state.ID)
		return err
	}

	_, err = s.db.Exec(`INSERT INTO conversation_states (`+postgresConversationStateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		state.ID, state.PatientID, state.PhoneNumber, state.CurrentContext, state.ExpectedResponseType,
		nilIfEmpty(state.RelatedEntityID), nilIfEmpty(state.RelatedEntityType), stateData,
		state.AttemptCount, state.MessageCount, state.ContextSetAt,
		nilIfZeroTime(state.LastClarificationSentAt), state.ExpiresAt, state.IsActive,
		nilIfZeroTime(state.DeletedAt), state.CreatedAt, state.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore CreateConversationState failed", "error", err, "id", state.ID, "patientID", state.PatientID)
		return fmt.Errorf("failed to insert conversation state for %s: %w", state.PatientID, err)
	}
	slog.Debug("PostgresStore CreateConversationState succeeded", "id", state.ID, "patientID", state.PatientID, "context", state.CurrentContext)
	return nil
}

func (s *PostgresStore) GetActiveConversationState(patientID string) (*models.ConversationState, error) {
	rows, err := s.db.Query(`SELECT `+postgresConversationStateColumns+` FROM conversation_states
		WHERE patient_id = $1 AND is_active = TRUE AND deleted_at IS NULL
		ORDER BY created_at DESC`, patientID)
	if err != nil {
		slog.Error("PostgresStore GetActiveConversationState query failed", "error", err, "patientID", patientID)
		return nil, err
	}
	defer rows.Close()

	var states []*models.ConversationState
	for rows.Next() {
		st, err := scanConversationState(rows)
		if err != nil {
			slog.Error("PostgresStore GetActiveConversationState scan failed", "error", err, "patientID", patientID)
			return nil, err
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(states) == 0 {
		return nil, nil
	}
	if len(states) > 1 {
		slog.Error("PostgresStore single-active invariant violated, using most recent", "patientID", patientID, "count", len(states))
	}
	return states[0], nil
}

func (s *PostgresStore) UpdateConversationState(state *models.ConversationState, expectedUpdatedAt time.Time) error {
	stateData, err := marshalStateData(state.StateData)
	if err != nil {
		return err
	}

	now := time.Now()
	res, err := s.db.Exec(`UPDATE conversation_states SET
		current_context = $1, expected_response_type = $2, related_entity_id = $3, related_entity_type = $4,
		state_data = $5, attempt_count = $6, message_count = $7, last_clarification_sent_at = $8,
		expires_at = $9, is_active = $10, deleted_at = $11, updated_at = $12
		WHERE id = $13 AND updated_at = $14`,
		state.CurrentContext, state.ExpectedResponseType, nilIfEmpty(state.RelatedEntityID), nilIfEmpty(state.RelatedEntityType),
		stateData, state.AttemptCount, state.MessageCount, nilIfZeroTime(state.LastClarificationSentAt),
		state.ExpiresAt, state.IsActive, nilIfZeroTime(state.DeletedAt), now,
		state.ID, expectedUpdatedAt)
	if err != nil {
		slog.Error("PostgresStore UpdateConversationState failed", "error", err, "id", state.ID)
		return fmt.Errorf("failed to update conversation state %s: %w", state.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		slog.Warn("PostgresStore UpdateConversationState conflict", "id", state.ID, "patientID", state.PatientID)
		return ErrConflict
	}

	state.UpdatedAt = now
	return nil
}

func (s *PostgresStore) DeactivateConversationStates(patientID string, now time.Time) error {
	_, err := s.db.Exec(`UPDATE conversation_states SET
		is_active = FALSE, deleted_at = $1, current_context = $2, updated_at = $3
		WHERE patient_id = $4 AND is_active = TRUE AND deleted_at IS NULL`,
		now, models.ContextNone, now, patientID)
	if err != nil {
		slog.Error("PostgresStore DeactivateConversationStates failed", "error", err, "patientID", patientID)
		return fmt.Errorf("failed to deactivate conversation states for %s: %w", patientID, err)
	}
	return nil
}

func (s *PostgresStore) PurgeConversationStatesExpiredBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM conversation_states WHERE expires_at < $1`, cutoff)
	if err != nil {
		slog.Error("PostgresStore PurgeConversationStatesExpiredBefore failed", "error", err)
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresStore) AddMessageLog(m models.MessageLog) error {
	_, err := s.db.Exec(
		`INSERT INTO message_logs (id, patient_id, sender, body, outcome, intent, source, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.PatientID, m.From, m.Body, m.Outcome, nilIfEmpty(string(m.Intent)), nilIfEmpty(m.Source), m.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore AddMessageLog failed", "error", err, "patientID", m.PatientID)
		return fmt.Errorf("failed to insert message log: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMessageLogs(patientID string) ([]models.MessageLog, error) {
	rows, err := s.db.Query(`SELECT id, patient_id, sender, body, outcome, intent, source, created_at
		FROM message_logs WHERE patient_id = $1 ORDER BY created_at`, patientID)
	if err != nil {
		slog.Error("PostgresStore GetMessageLogs query failed", "error", err, "patientID", patientID)
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

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}

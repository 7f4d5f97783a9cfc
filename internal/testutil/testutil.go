// Package testutil provides shared fixtures for PRIMA tests.
package testutil

import (
	"testing"
	"time"

	"github.com/risetaid/prima-sub007/internal/models"
	"github.com/risetaid/prima-sub007/internal/store"
)

// SeedPatient creates a pending patient and fails the test on error.
func SeedPatient(t *testing.T, st store.Store, id, phone string) models.Patient {
	t.Helper()
	now := time.Now()
	p := models.Patient{
		ID:          id,
		PhoneNumber: phone,
		Name:        "Ibu Sari",
		Status:      models.PatientStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := st.CreatePatient(p); err != nil {
		t.Fatalf("failed to seed patient %s: %v", id, err)
	}
	return p
}

// SeedReminder creates a scheduled reminder and fails the test on error.
func SeedReminder(t *testing.T, st store.Store, id, patientID, title string) models.Reminder {
	t.Helper()
	now := time.Now()
	r := models.Reminder{
		ID:        id,
		PatientID: patientID,
		Title:     title,
		Status:    models.ReminderStatusScheduled,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := st.CreateReminder(r); err != nil {
		t.Fatalf("failed to seed reminder %s: %v", id, err)
	}
	return r
}

// NewConversationState builds an active conversation state fixture.
func NewConversationState(id, patientID string, ct models.ContextType, createdAt time.Time) models.ConversationState {
	return models.ConversationState{
		ID:                   id,
		PatientID:            patientID,
		PhoneNumber:          "62811234567",
		CurrentContext:       ct,
		ExpectedResponseType: models.ResponseTypeYesNo,
		ContextSetAt:         createdAt,
		ExpiresAt:            createdAt.Add(48 * time.Hour),
		IsActive:             true,
		CreatedAt:            createdAt,
		UpdatedAt:            createdAt,
	}
}

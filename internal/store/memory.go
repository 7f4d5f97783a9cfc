// Package store provides storage backends for the PRIMA conversation engine.
//
// This file implements an in-memory store used by tests and local development.
package store

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/risetaid/prima-sub007/internal/models"
)

// InMemoryStore keeps all records in process memory. Safe for concurrent use.
type InMemoryStore struct {
	mu          sync.Mutex
	patients    map[string]models.Patient
	reminders   map[string]models.Reminder
	states      map[string]models.ConversationState
	messageLogs []models.MessageLog
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		patients:  make(map[string]models.Patient),
		reminders: make(map[string]models.Reminder),
		states:    make(map[string]models.ConversationState),
	}
}

func (s *InMemoryStore) CreatePatient(p models.Patient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients[p.ID] = p
	return nil
}

func (s *InMemoryStore) GetPatient(id string) (*models.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.patients[id]; ok {
		return &p, nil
	}
	return nil, nil
}

func (s *InMemoryStore) GetPatientByPhone(phone string) (*models.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.patients {
		if p.PhoneNumber == phone {
			return &p, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) UpdatePatientStatus(id string, status models.PatientStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patients[id]
	if !ok {
		return ErrNotFound
	}
	p.Status = status
	p.UpdatedAt = time.Now()
	s.patients[id] = p
	return nil
}

func (s *InMemoryStore) CreateReminder(r models.Reminder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reminders[r.ID] = r
	return nil
}

func (s *InMemoryStore) GetReminder(id string) (*models.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.reminders[id]; ok {
		return &r, nil
	}
	return nil, nil
}

func (s *InMemoryStore) UpdateReminderStatus(id string, status models.ReminderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reminders[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	r.UpdatedAt = time.Now()
	s.reminders[id] = r
	return nil
}

func (s *InMemoryStore) CreateConversationState(state models.ConversationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.ID] = state
	return nil
}

func (s *InMemoryStore) GetActiveConversationState(patientID string) (*models.ConversationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var active []models.ConversationState
	for _, st := range s.states {
		if st.PatientID == patientID && st.IsActive && st.DeletedAt == nil {
			active = append(active, st)
		}
	}
	if len(active) == 0 {
		return nil, nil
	}
	sort.Slice(active, func(i, j int) bool { return active[i].CreatedAt.After(active[j].CreatedAt) })
	if len(active) > 1 {
		slog.Error("InMemoryStore single-active invariant violated, using most recent", "patientID", patientID, "count", len(active))
	}
	st := active[0]
	return &st, nil
}

func (s *InMemoryStore) UpdateConversationState(state *models.ConversationState, expectedUpdatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.states[state.ID]
	if !ok {
		return ErrNotFound
	}
	if !stored.UpdatedAt.Equal(expectedUpdatedAt) {
		return ErrConflict
	}
	state.UpdatedAt = time.Now()
	s.states[state.ID] = *state
	return nil
}

func (s *InMemoryStore) DeactivateConversationStates(patientID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, st := range s.states {
		if st.PatientID == patientID && st.IsActive && st.DeletedAt == nil {
			deleted := now
			st.IsActive = false
			st.DeletedAt = &deleted
			st.CurrentContext = models.ContextNone
			st.UpdatedAt = now
			s.states[id] = st
		}
	}
	return nil
}

func (s *InMemoryStore) PurgeConversationStatesExpiredBefore(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, st := range s.states {
		if st.ExpiresAt.Before(cutoff) {
			delete(s.states, id)
			removed++
		}
	}
	return removed, nil
}

func (s *InMemoryStore) AddMessageLog(m models.MessageLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messageLogs = append(s.messageLogs, m)
	return nil
}

func (s *InMemoryStore) GetMessageLogs(patientID string) ([]models.MessageLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var logs []models.MessageLog
	for _, m := range s.messageLogs {
		if m.PatientID == patientID {
			logs = append(logs, m)
		}
	}
	return logs, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}

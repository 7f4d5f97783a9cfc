// Package status applies terminal business outcomes to patient and reminder
// records.
//
// Apply is idempotent: a retried webhook delivery that reaches the updater a
// second time with the same outcome has no additional effect.
package status

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/risetaid/prima-sub007/internal/cache"
	"github.com/risetaid/prima-sub007/internal/models"
	"github.com/risetaid/prima-sub007/internal/store"
)

// Updater applies a terminal outcome for a patient.
type Updater interface {
	Apply(ctx context.Context, patientID string, outcome models.Outcome, relatedEntityID string) error
}

// StoreUpdater implements Updater against the persistent store, invalidating
// the patient read cache on every applied outcome.
type StoreUpdater struct {
	store store.Store
	cache cache.PatientCache
}

// NewStoreUpdater creates a StoreUpdater. A nil cache defaults to NoopCache.
func NewStoreUpdater(st store.Store, c cache.PatientCache) *StoreUpdater {
	if c == nil {
		c = cache.NewNoopCache()
	}
	return &StoreUpdater{store: st, cache: c}
}

// Apply records the outcome. Patient outcomes update the patient's
// verification status; reminder outcomes update the related reminder.
func (u *StoreUpdater) Apply(ctx context.Context, patientID string, outcome models.Outcome, relatedEntityID string) error {
	slog.Debug("StatusUpdater Apply invoked", "patientID", patientID, "outcome", outcome, "relatedEntityID", relatedEntityID)

	switch outcome {
	case models.OutcomeVerified:
		if err := u.setPatientStatus(patientID, models.PatientStatusVerified); err != nil {
			return err
		}
	case models.OutcomeDeclined:
		if err := u.setPatientStatus(patientID, models.PatientStatusDeclined); err != nil {
			return err
		}
	case models.OutcomeReminderConfirmed:
		if err := u.setReminderStatus(relatedEntityID, models.ReminderStatusConfirmed); err != nil {
			return err
		}
	case models.OutcomeReminderMissed:
		if err := u.setReminderStatus(relatedEntityID, models.ReminderStatusMissed); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown outcome %q", outcome)
	}

	// Cache invalidation is best-effort; the store is the source of truth.
	if err := u.cache.InvalidatePatient(ctx, patientID); err != nil {
		slog.Warn("StatusUpdater cache invalidation failed", "error", err, "patientID", patientID)
	}

	slog.Info("StatusUpdater outcome applied", "patientID", patientID, "outcome", outcome)
	return nil
}

func (u *StoreUpdater) setPatientStatus(patientID string, status models.PatientStatus) error {
	p, err := u.store.GetPatient(patientID)
	if err != nil {
		return fmt.Errorf("failed to load patient %s: %w", patientID, err)
	}
	if p == nil {
		return fmt.Errorf("patient %s: %w", patientID, store.ErrNotFound)
	}
	if p.Status == status {
		slog.Debug("StatusUpdater patient status unchanged", "patientID", patientID, "status", status)
		return nil
	}
	if err := u.store.UpdatePatientStatus(patientID, status); err != nil {
		return fmt.Errorf("failed to update patient %s status: %w", patientID, err)
	}
	return nil
}

func (u *StoreUpdater) setReminderStatus(reminderID string, status models.ReminderStatus) error {
	if reminderID == "" {
		return fmt.Errorf("reminder outcome requires a related entity id")
	}
	r, err := u.store.GetReminder(reminderID)
	if err != nil {
		return fmt.Errorf("failed to load reminder %s: %w", reminderID, err)
	}
	if r == nil {
		return fmt.Errorf("reminder %s: %w", reminderID, store.ErrNotFound)
	}
	if r.Status == status {
		slog.Debug("StatusUpdater reminder status unchanged", "reminderID", reminderID, "status", status)
		return nil
	}
	if err := u.store.UpdateReminderStatus(reminderID, status); err != nil {
		return fmt.Errorf("failed to update reminder %s status: %w", reminderID, err)
	}
	return nil
}

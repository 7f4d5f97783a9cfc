package status

import (
	"context"
	"testing"

	"github.com/risetaid/prima-sub007/internal/models"
	"github.com/risetaid/prima-sub007/internal/store"
	"github.com/risetaid/prima-sub007/internal/testutil"
)

func TestApplyVerified(t *testing.T) {
	st := store.NewInMemoryStore()
	testutil.SeedPatient(t, st, "p1", "62811234567")
	u := NewStoreUpdater(st, nil)

	if err := u.Apply(context.Background(), "p1", models.OutcomeVerified, ""); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	p, _ := st.GetPatient("p1")
	if p.Status != models.PatientStatusVerified {
		t.Errorf("status = %q, want verified", p.Status)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	st := store.NewInMemoryStore()
	testutil.SeedPatient(t, st, "p1", "62811234567")
	u := NewStoreUpdater(st, nil)

	if err := u.Apply(context.Background(), "p1", models.OutcomeDeclined, ""); err != nil {
		t.Fatal(err)
	}
	p1, _ := st.GetPatient("p1")

	// Second application of the same outcome must be a no-op.
	if err := u.Apply(context.Background(), "p1", models.OutcomeDeclined, ""); err != nil {
		t.Fatalf("second apply failed: %v", err)
	}
	p2, _ := st.GetPatient("p1")
	if !p1.UpdatedAt.Equal(p2.UpdatedAt) {
		t.Error("idempotent apply should not rewrite the patient row")
	}
}

func TestApplyReminderOutcome(t *testing.T) {
	st := store.NewInMemoryStore()
	testutil.SeedPatient(t, st, "p1", "62811234567")
	testutil.SeedReminder(t, st, "r1", "p1", "obat pagi")
	u := NewStoreUpdater(st, nil)

	if err := u.Apply(context.Background(), "p1", models.OutcomeReminderConfirmed, "r1"); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	r, _ := st.GetReminder("r1")
	if r.Status != models.ReminderStatusConfirmed {
		t.Errorf("status = %q, want confirmed", r.Status)
	}
}

func TestApplyReminderOutcomeRequiresEntity(t *testing.T) {
	st := store.NewInMemoryStore()
	testutil.SeedPatient(t, st, "p1", "62811234567")
	u := NewStoreUpdater(st, nil)

	if err := u.Apply(context.Background(), "p1", models.OutcomeReminderMissed, ""); err == nil {
		t.Fatal("expected error for missing related entity id")
	}
}

func TestApplyUnknownPatient(t *testing.T) {
	st := store.NewInMemoryStore()
	u := NewStoreUpdater(st, nil)

	if err := u.Apply(context.Background(), "ghost", models.OutcomeVerified, ""); err == nil {
		t.Fatal("expected error for unknown patient")
	}
}

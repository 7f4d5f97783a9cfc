package scheduler

import (
	"testing"
	"time"

	"github.com/risetaid/prima-sub007/internal/models"
	"github.com/risetaid/prima-sub007/internal/ratelimit"
	"github.com/risetaid/prima-sub007/internal/store"
	"github.com/risetaid/prima-sub007/internal/testutil"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	if err := s.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("expected no error adding job, got %v", err)
	}
	if err := s.AddJob("not a cron expr", func() {}); err == nil {
		t.Error("expected error for invalid expression")
	}
}

func TestRegisterHousekeeping(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	st := store.NewInMemoryStore()
	limiter := ratelimit.New(10, time.Hour)

	if err := s.RegisterHousekeeping(st, limiter, "", 0); err != nil {
		t.Fatalf("register failed: %v", err)
	}
}

func TestHousekeepingSweepPurges(t *testing.T) {
	// Exercise the sweep body through the store directly: a row expired past
	// the retention window is removed, a live one survives.
	st := store.NewInMemoryStore()
	now := time.Now()

	old := testutil.NewConversationState("s1", "p1", models.ContextVerification, now.Add(-10*24*time.Hour))
	live := testutil.NewConversationState("s2", "p2", models.ContextVerification, now)

	if err := st.CreateConversationState(old); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateConversationState(live); err != nil {
		t.Fatal(err)
	}

	removed, err := st.PurgeConversationStatesExpiredBefore(now.Add(-DefaultRetention))
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
}

// Package scheduler provides cron-based housekeeping for the conversation
// engine.
//
// Expiry is lazy: expired contexts are treated as absent at read time. The
// scheduled sweep only reclaims storage and rate-limiter memory; correctness
// does not depend on it running.
package scheduler

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/risetaid/prima-sub007/internal/ratelimit"
	"github.com/risetaid/prima-sub007/internal/store"
)

// Housekeeping defaults.
const (
	// DefaultSweepSchedule runs the sweep hourly.
	DefaultSweepSchedule = "0 * * * *"
	// DefaultRetention is how long expired conversation rows are kept for audit
	// before the sweep removes them.
	DefaultRetention = 7 * 24 * time.Hour
)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Standard 5-field cron parser (min, hour, dom, month, dow) with panic recovery.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

// RegisterHousekeeping schedules the periodic sweep that purges long-expired
// conversation rows and prunes stale rate-limiter buckets.
func (s *Scheduler) RegisterHousekeeping(st store.Store, limiter *ratelimit.Limiter, schedule string, retention time.Duration) error {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if retention <= 0 {
		retention = DefaultRetention
	}

	return s.AddJob(schedule, func() {
		cutoff := time.Now().Add(-retention)
		removed, err := st.PurgeConversationStatesExpiredBefore(cutoff)
		if err != nil {
			slog.Error("Housekeeping sweep failed to purge conversation states", "error", err, "cutoff", cutoff)
		} else if removed > 0 {
			slog.Info("Housekeeping sweep purged conversation states", "removed", removed, "cutoff", cutoff)
		}

		if limiter != nil {
			if pruned := limiter.Prune(); pruned > 0 {
				slog.Debug("Housekeeping sweep pruned rate-limiter buckets", "pruned", pruned)
			}
		}
	})
}

/**
 * @description
 * Cron scheduler setup for the periodic purchase reminder sweep.
 */
package app

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron             *cron.Cron
	service          *Service
	reminderSchedule string
	reminderAfter    time.Duration
}

// NewScheduler creates a new scheduler instance. reminderSchedule is a cron
// expression; reminderAfter is how long a claim may sit unpurchased before
// its claimant is nudged.
func NewScheduler(service *Service, reminderSchedule string, reminderAfter time.Duration) *Scheduler {
	cronLogger := cron.PrintfLogger(log.New(os.Stdout, "cron: ", log.LstdFlags))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:             c,
		service:          service,
		reminderSchedule: reminderSchedule,
		reminderAfter:    reminderAfter,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.reminderSchedule, s.runReminderSweep); err != nil {
		log.Printf("Failed to schedule purchase reminder job: %v", err)
	} else {
		log.Printf("Scheduled purchase reminder job (%s)", s.reminderSchedule)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) runReminderSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if _, err := s.service.SendPurchaseReminders(ctx, s.reminderAfter, defaultReminderSweepLimit); err != nil {
		log.Printf("Purchase reminder sweep failed: %v", err)
	}
}

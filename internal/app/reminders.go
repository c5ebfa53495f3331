package app

import (
	"context"
	"fmt"
	"log"
	"time"
)

const (
	defaultReminderSweepLimit = 100
	maxReminderSweepLimit     = 500
)

// ClaimReminderSweepResult summarizes one purchase reminder sweep.
type ClaimReminderSweepResult struct {
	Processed int
	Enqueued  int
	Failed    int
}

// SendPurchaseReminders finds claims that have sat in CLAIMED longer than
// olderThan without a reminder and stages one reminder event per claim. The
// reminder stamp and the event commit together, so a claim is reminded at
// most once even if the sweep reruns. Claims released or purchased between
// the sweep query and the stamp are skipped inside the transaction.
func (s *Service) SendPurchaseReminders(ctx context.Context, olderThan time.Duration, limit int) (*ClaimReminderSweepResult, error) {
	if limit <= 0 {
		limit = defaultReminderSweepLimit
	}
	if limit > maxReminderSweepLimit {
		limit = maxReminderSweepLimit
	}

	cutoff := time.Now().UTC().Add(-olderThan)
	candidates, err := s.repo.FindClaimsNeedingReminder(ctx, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list reminder candidates: %w", err)
	}

	result := &ClaimReminderSweepResult{Processed: len(candidates)}
	for _, claim := range candidates {
		if err := s.repo.EnqueueClaimReminderAtomic(ctx, claim.ID, s.exchange); err != nil {
			result.Failed++
			log.Printf("level=warn component=service flow=claim_reminder msg=\"failed to enqueue reminder\" claim_id=%s err=%v", claim.ID, err)
			continue
		}
		result.Enqueued++
	}

	if result.Enqueued > 0 {
		log.Printf("level=info component=service flow=claim_reminder msg=\"purchase reminders enqueued\" enqueued=%d processed=%d failed=%d", result.Enqueued, result.Processed, result.Failed)
	}
	return result, nil
}

package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/giftbubble/claim-service/internal/domain"
	"github.com/giftbubble/claim-service/internal/store"
	"github.com/google/uuid"
)

type reminderRepoStub struct {
	store.Repository

	candidates []domain.Claim
	findErr    error
	failFor    map[uuid.UUID]error

	requestedBefore time.Time
	requestedLimit  int
	enqueuedIDs     []uuid.UUID
}

func (s *reminderRepoStub) FindClaimsNeedingReminder(ctx context.Context, claimedBefore time.Time, limit int) ([]domain.Claim, error) {
	s.requestedBefore = claimedBefore
	s.requestedLimit = limit
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.candidates, nil
}

func (s *reminderRepoStub) EnqueueClaimReminderAtomic(ctx context.Context, claimID uuid.UUID, exchange string) error {
	if err, ok := s.failFor[claimID]; ok {
		return err
	}
	s.enqueuedIDs = append(s.enqueuedIDs, claimID)
	return nil
}

func TestSendPurchaseReminders_CountsFailuresWithoutAborting(t *testing.T) {
	stale := []domain.Claim{
		{ID: uuid.New(), Status: domain.ClaimStatusClaimed},
		{ID: uuid.New(), Status: domain.ClaimStatusClaimed},
		{ID: uuid.New(), Status: domain.ClaimStatusClaimed},
	}
	repo := &reminderRepoStub{
		candidates: stale,
		failFor:    map[uuid.UUID]error{stale[1].ID: errors.New("deadlock detected")},
	}
	svc := NewService(repo, "giftbubble.events")

	result, err := svc.SendPurchaseReminders(context.Background(), 7*24*time.Hour, 0)
	if err != nil {
		t.Fatalf("expected sweep to succeed, got %v", err)
	}
	if result.Processed != 3 {
		t.Fatalf("expected 3 processed, got %d", result.Processed)
	}
	if result.Enqueued != 2 {
		t.Fatalf("expected 2 enqueued, got %d", result.Enqueued)
	}
	if result.Failed != 1 {
		t.Fatalf("expected 1 failed, got %d", result.Failed)
	}
	if len(repo.enqueuedIDs) != 2 {
		t.Fatalf("expected 2 reminder enqueues, got %d", len(repo.enqueuedIDs))
	}
}

func TestSendPurchaseReminders_ClampsSweepLimit(t *testing.T) {
	repo := &reminderRepoStub{}
	svc := NewService(repo, "giftbubble.events")

	if _, err := svc.SendPurchaseReminders(context.Background(), time.Hour, 0); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if repo.requestedLimit != 100 {
		t.Fatalf("expected default sweep limit 100, got %d", repo.requestedLimit)
	}

	if _, err := svc.SendPurchaseReminders(context.Background(), time.Hour, 10000); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if repo.requestedLimit != 500 {
		t.Fatalf("expected sweep limit capped at 500, got %d", repo.requestedLimit)
	}
}

func TestSendPurchaseReminders_CutoffRespectsAge(t *testing.T) {
	repo := &reminderRepoStub{}
	svc := NewService(repo, "giftbubble.events")

	before := time.Now().UTC().Add(-time.Hour)
	if _, err := svc.SendPurchaseReminders(context.Background(), time.Hour, 10); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	after := time.Now().UTC().Add(-time.Hour)

	if repo.requestedBefore.Before(before) || repo.requestedBefore.After(after) {
		t.Fatalf("expected cutoff about one hour ago, got %s", repo.requestedBefore)
	}
}

func TestSendPurchaseReminders_PropagatesQueryError(t *testing.T) {
	repo := &reminderRepoStub{findErr: errors.New("connection reset")}
	svc := NewService(repo, "giftbubble.events")

	if _, err := svc.SendPurchaseReminders(context.Background(), time.Hour, 10); err == nil {
		t.Fatal("expected candidate query error to surface")
	}
}

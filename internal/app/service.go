/**
 * @description
 * This file contains the core business logic for the claim-service. The `Service`
 * struct orchestrates all gift reservation operations, coordinating between the
 * database repository, the Redis rate limiter, and the transactional outbox.
 *
 * Key features:
 * - Implements the main use cases: claiming, releasing and fulfilling items.
 * - Enforces the claim precondition order: rate limit, bubble membership, then
 *   the item-level checks inside the locked transaction.
 * - Releases claims in bulk when wishlist items or bubble members go away.
 * - Stages notification events in the outbox as part of each claim transaction.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain, internal/store: For domain models and data access.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/giftbubble/claim-service/internal/domain"
	"github.com/giftbubble/claim-service/internal/store"
	"github.com/google/uuid"
)

const (
	claimRateLimitScope  = "claims:create"
	claimRateLimitWindow = time.Minute
)

var ErrNotBubbleMember = errors.New("user is not a member of the bubble")

// RateLimitedError reports that the caller exhausted the claim rate limit.
// RetryAfterSeconds feeds the Retry-After response header.
type RateLimitedError struct {
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %ds", e.RetryAfterSeconds)
}

// ClaimRateLimiter is the distributed limiter consulted before a claim is
// accepted. Implementations return the observed count for the current window
// and how long the caller should wait once over the limit.
type ClaimRateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Service provides the core business logic for claims.
type Service struct {
	repo                 store.Repository
	exchange             string
	rateLimiter          ClaimRateLimiter
	claimRateLimitPerMin int
}

// NewService creates a new claim service instance. The exchange is the topic
// exchange all staged events are published to.
func NewService(repo store.Repository, exchange string) *Service {
	return &Service{
		repo:     repo,
		exchange: exchange,
	}
}

// SetClaimRateLimiter wires the distributed rate limiter. A nil limiter or a
// non-positive limit disables rate limiting.
func (s *Service) SetClaimRateLimiter(limiter ClaimRateLimiter, perMinute int) {
	if perMinute < 0 {
		perMinute = 0
	}
	s.rateLimiter = limiter
	s.claimRateLimitPerMin = perMinute
}

// ResolveInternalUserID converts a Clerk user id string (e.g., "user_abc123") into the
// internal UUID used by our database. This allows handlers to accept Clerk subject ids
// from validated JWTs while our repositories continue to operate on UUIDs.
func (s *Service) ResolveInternalUserID(ctx context.Context, clerkUserID string) (string, error) {
	return s.repo.FindUserIDByClerkUserID(ctx, clerkUserID)
}

// CreateClaim reserves an item for the caller. The checks that need the item
// row run inside the repository transaction while the row is locked, so two
// concurrent claims on the last unit serialize there and exactly one wins.
func (s *Service) CreateClaim(ctx context.Context, userID uuid.UUID, req domain.CreateClaimRequest) (*domain.Claim, error) {
	log.Printf("CreateClaim: user %s claiming item %s in bubble %s (quantity %d)", userID, req.ItemID, req.BubbleID, req.Quantity)

	// 1. Enforce the per-user claim rate limit
	if s.rateLimiter != nil && s.claimRateLimitPerMin > 0 {
		count, retryAfter, err := s.rateLimiter.ConsumeRateLimit(ctx, claimRateLimitScope, userID.String(), s.claimRateLimitPerMin, claimRateLimitWindow)
		if err != nil {
			// The limiter is protective, not load-bearing. The database checks
			// keep claims correct even when Redis is unreachable.
			log.Printf("WARN: CreateClaim: rate limiter unavailable for user %s, allowing request: %v", userID, err)
		} else if count > s.claimRateLimitPerMin {
			return nil, &RateLimitedError{RetryAfterSeconds: retryAfter}
		}
	}

	// 2. Verify the caller is an active member of the bubble
	isMember, err := s.repo.IsActiveBubbleMember(ctx, req.BubbleID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to check bubble membership: %w", err)
	}
	if !isMember {
		return nil, ErrNotBubbleMember
	}

	// 3. Resolve the claimant summary for the denormalized response and event
	actor, err := s.repo.FindUserSummaryByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve claimant: %w", err)
	}

	// 4. Resolve notification recipients: every other active member. The
	// repository drops the item owner from the list so the surprise holds.
	recipients, err := s.notificationRecipients(ctx, req.BubbleID, userID)
	if err != nil {
		return nil, err
	}

	contribution := req.Contribution
	if !req.IsGroupGift {
		contribution = nil
	}

	// 5. Execute the claim, the activity entry and the event staging as one
	// transaction
	claim, err := s.repo.CreateClaimAtomic(ctx, store.CreateClaimParams{
		ItemID:       req.ItemID,
		BubbleID:     req.BubbleID,
		UserID:       userID,
		Quantity:     req.Quantity,
		IsGroupGift:  req.IsGroupGift,
		Contribution: contribution,
		Actor:        *actor,
		RecipientIDs: recipients,
		Exchange:     s.exchange,
	})
	if err != nil {
		return nil, err
	}

	log.Printf("CreateClaim: claim %s created for item %s by user %s", claim.ID, claim.ItemID, userID)
	return claim, nil
}

// ReleaseClaim returns a claimed item to the pool. The claim row survives as
// UNCLAIMED history. Only the claimant may release, and a purchased claim is
// final.
func (s *Service) ReleaseClaim(ctx context.Context, userID, claimID uuid.UUID) (*domain.Claim, error) {
	claim, err := s.findOwnVisibleClaim(ctx, userID, claimID)
	if err != nil {
		return nil, err
	}
	if claim.Status == domain.ClaimStatusPurchased {
		return nil, store.ErrClaimPurchased
	}

	actor, err := s.repo.FindUserSummaryByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve claimant: %w", err)
	}
	recipients, err := s.notificationRecipients(ctx, claim.BubbleID, userID)
	if err != nil {
		return nil, err
	}

	released, err := s.repo.ReleaseClaimAtomic(ctx, store.ReleaseClaimParams{
		ClaimID:      claimID,
		UserID:       userID,
		Actor:        *actor,
		RecipientIDs: recipients,
		Exchange:     s.exchange,
	})
	if err != nil {
		return nil, err
	}

	log.Printf("ReleaseClaim: claim %s on item %s released by user %s", released.ID, released.ItemID, userID)
	return released, nil
}

// FulfillClaim marks the caller's claim as purchased. The transition is
// terminal, so a second fulfillment attempt is rejected rather than
// re-stamped.
func (s *Service) FulfillClaim(ctx context.Context, userID, claimID uuid.UUID) (*domain.Claim, error) {
	claim, err := s.findOwnVisibleClaim(ctx, userID, claimID)
	if err != nil {
		return nil, err
	}
	if claim.Status == domain.ClaimStatusPurchased {
		return nil, store.ErrClaimPurchased
	}

	actor, err := s.repo.FindUserSummaryByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve claimant: %w", err)
	}
	recipients, err := s.notificationRecipients(ctx, claim.BubbleID, userID)
	if err != nil {
		return nil, err
	}

	fulfilled, err := s.repo.FulfillClaimAtomic(ctx, store.FulfillClaimParams{
		ClaimID:      claimID,
		UserID:       userID,
		Actor:        *actor,
		RecipientIDs: recipients,
		Exchange:     s.exchange,
	})
	if err != nil {
		return nil, err
	}

	log.Printf("FulfillClaim: claim %s on item %s fulfilled by user %s", fulfilled.ID, fulfilled.ItemID, userID)
	return fulfilled, nil
}

// ListClaims returns the caller's active claims.
func (s *Service) ListClaims(ctx context.Context, userID uuid.UUID, opts domain.ClaimListOptions) (*domain.ClaimList, error) {
	return s.repo.ListClaimsByUser(ctx, userID, opts)
}

// ItemClaims assembles the claim state of a single item for other services:
// its active claims plus how much quantity is still open.
func (s *Service) ItemClaims(ctx context.Context, itemID uuid.UUID) (*domain.ItemClaimsView, error) {
	item, err := s.repo.FindWishlistItemByID(ctx, itemID)
	if err != nil {
		return nil, err
	}

	claims, err := s.repo.FindActiveClaimsForItem(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to load claims for item: %w", err)
	}

	claimed := 0
	for _, claim := range claims {
		claimed += claim.Quantity
	}
	remaining := item.Quantity - claimed
	if remaining < 0 {
		remaining = 0
	}

	return &domain.ItemClaimsView{
		ItemID:            item.ID,
		TotalQuantity:     item.Quantity,
		RemainingQuantity: remaining,
		Claims:            claims,
	}, nil
}

// HandleItemRemoved releases every open claim on an item the wishlist service
// deleted. Purchased claims are terminal and stay untouched.
func (s *Service) HandleItemRemoved(ctx context.Context, event domain.ItemRemovedEvent) error {
	released, err := s.repo.ReleaseClaimsForItemAtomic(ctx, store.ReleaseClaimsForItemParams{
		ItemID:   event.ItemID,
		Reason:   "item_removed",
		Exchange: s.exchange,
	})
	if err != nil {
		return fmt.Errorf("failed to release claims for removed item %s: %w", event.ItemID, err)
	}
	if released > 0 {
		log.Printf("HandleItemRemoved: released %d claims on removed item %s", released, event.ItemID)
	}
	return nil
}

// HandleMemberRemoved releases a departed member's open claims in the bubble
// they left, so those items become claimable again.
func (s *Service) HandleMemberRemoved(ctx context.Context, event domain.MemberRemovedEvent) error {
	released, err := s.repo.ReleaseClaimsForMemberAtomic(ctx, store.ReleaseClaimsForMemberParams{
		BubbleID: event.BubbleID,
		UserID:   event.UserID,
		Reason:   "member_left",
		Exchange: s.exchange,
	})
	if err != nil {
		return fmt.Errorf("failed to release claims for departed member %s: %w", event.UserID, err)
	}
	if released > 0 {
		log.Printf("HandleMemberRemoved: released %d claims for user %s leaving bubble %s", released, event.UserID, event.BubbleID)
	}
	return nil
}

// findOwnVisibleClaim loads a claim and applies the shared release/fulfill
// preconditions. Rows already back in UNCLAIMED read as not-found because
// soft-released history is invisible to the API.
func (s *Service) findOwnVisibleClaim(ctx context.Context, userID, claimID uuid.UUID) (*domain.Claim, error) {
	claim, err := s.repo.FindClaimByID(ctx, claimID)
	if err != nil {
		return nil, err
	}
	if claim.Status == domain.ClaimStatusUnclaimed {
		return nil, store.ErrClaimNotFound
	}
	if claim.UserID != userID {
		return nil, store.ErrNotClaimOwner
	}
	return claim, nil
}

// notificationRecipients returns the bubble's active members minus the actor.
func (s *Service) notificationRecipients(ctx context.Context, bubbleID, actorID uuid.UUID) ([]uuid.UUID, error) {
	memberIDs, err := s.repo.FindActiveBubbleMemberIDs(ctx, bubbleID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bubble members: %w", err)
	}
	recipients := make([]uuid.UUID, 0, len(memberIDs))
	for _, id := range memberIDs {
		if id == actorID {
			continue
		}
		recipients = append(recipients, id)
	}
	return recipients, nil
}

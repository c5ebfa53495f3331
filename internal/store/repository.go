/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the claim-service. By defining an interface,
 * we decouple the application's business logic from the specific database implementation
 * (e.g., PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context: Standard Go library.
 * - github.com/google/uuid: For UUID generation and handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/giftbubble/claim-service/internal/domain"
	"github.com/google/uuid"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// User and membership read models (owned by auth/bubble services)
	// Resolve internal UUID from Clerk user id (e.g., "user_abc123").
	FindUserIDByClerkUserID(ctx context.Context, clerkUserID string) (string, error)
	FindUserSummaryByID(ctx context.Context, userID uuid.UUID) (*domain.UserSummary, error)
	IsActiveBubbleMember(ctx context.Context, bubbleID, userID uuid.UUID) (bool, error)
	FindActiveBubbleMemberIDs(ctx context.Context, bubbleID uuid.UUID) ([]uuid.UUID, error)

	// Wishlist item read model (owned by the wishlist service)
	FindWishlistItemByID(ctx context.Context, itemID uuid.UUID) (*domain.WishlistItem, error)

	// Claim ledger queries. Active means status IN ('CLAIMED','PURCHASED');
	// released rows stay in the table as history and never count here.
	FindClaimByID(ctx context.Context, claimID uuid.UUID) (*domain.Claim, error)
	FindActiveClaimsForItem(ctx context.Context, itemID uuid.UUID) ([]domain.Claim, error)
	ListClaimsByUser(ctx context.Context, userID uuid.UUID, opts domain.ClaimListOptions) (*domain.ClaimList, error)

	// Claim state transitions. Each runs as one database transaction covering
	// the precondition re-checks, the ledger write, the activity insert and
	// the outbox enqueue, so no partial transition is ever observable.
	CreateClaimAtomic(ctx context.Context, params CreateClaimParams) (*domain.Claim, error)
	ReleaseClaimAtomic(ctx context.Context, params ReleaseClaimParams) (*domain.Claim, error)
	FulfillClaimAtomic(ctx context.Context, params FulfillClaimParams) (*domain.Claim, error)
	ReleaseClaimsForItemAtomic(ctx context.Context, params ReleaseClaimsForItemParams) (int, error)
	ReleaseClaimsForMemberAtomic(ctx context.Context, params ReleaseClaimsForMemberParams) (int, error)

	// Purchase reminders
	FindClaimsNeedingReminder(ctx context.Context, claimedBefore time.Time, limit int) ([]domain.Claim, error)
	EnqueueClaimReminderAtomic(ctx context.Context, claimID uuid.UUID, exchange string) error

	// Transactional outbox
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
}

// CreateClaimParams carries everything CreateClaimAtomic needs to validate and
// record a new claim. Actor and RecipientIDs are resolved by the service layer
// before the transaction begins and embedded into the published event.
type CreateClaimParams struct {
	ItemID       uuid.UUID
	BubbleID     uuid.UUID
	UserID       uuid.UUID
	Quantity     int
	IsGroupGift  bool
	Contribution *float64
	Actor        domain.UserSummary
	RecipientIDs []uuid.UUID
	Exchange     string
}

// ReleaseClaimParams identifies the claim to release and the event fan-out
// context for the resulting claim.released message.
type ReleaseClaimParams struct {
	ClaimID      uuid.UUID
	UserID       uuid.UUID
	Actor        domain.UserSummary
	RecipientIDs []uuid.UUID
	Exchange     string
}

// FulfillClaimParams identifies the claim to mark purchased.
type FulfillClaimParams struct {
	ClaimID      uuid.UUID
	UserID       uuid.UUID
	Actor        domain.UserSummary
	RecipientIDs []uuid.UUID
	Exchange     string
}

// ReleaseClaimsForItemParams releases every open claim on an item, used when
// the wishlist service reports the item as removed. Purchased claims stay.
type ReleaseClaimsForItemParams struct {
	ItemID   uuid.UUID
	Reason   string
	Exchange string
}

// ReleaseClaimsForMemberParams releases a departed member's open claims in one
// bubble. Purchased claims stay.
type ReleaseClaimsForMemberParams struct {
	BubbleID uuid.UUID
	UserID   uuid.UUID
	Reason   string
	Exchange string
}

// OutboxMessage is one claimed row from the event_outbox table, ready to be
// published to RabbitMQ by the dispatcher.
type OutboxMessage struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
}

/**
 * @description
 * This file defines the core domain models for the claim-service. These structs
 * represent the main entities and data transfer objects (DTOs) used throughout
 * the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - A claim row is never deleted when a member un-claims an item; its status is
 *   flipped back to UNCLAIMED and the row is retained as history. Any "is this
 *   item claimed" logic must therefore filter on status, never on row existence.
 * - Contribution amounts are stored as NUMERIC(12,2) and surfaced as *float64.
 *   They are only meaningful when IsGroupGift is true.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Claim lifecycle statuses. PURCHASED is terminal: a purchased claim can
// neither be released nor purchased again.
const (
	ClaimStatusUnclaimed = "UNCLAIMED"
	ClaimStatusClaimed   = "CLAIMED"
	ClaimStatusPurchased = "PURCHASED"
)

// Activity types written by the claim state machine. Activity rows are
// append-only and never mutated.
const (
	ActivityItemClaimed   = "item_claimed"
	ActivityItemUnclaimed = "item_unclaimed"
	ActivityItemPurchased = "item_purchased"
)

// Claim represents a single reservation of a wishlist item by a bubble member.
// This struct maps directly to the `claims` table in the database.
type Claim struct {
	ID             uuid.UUID    `json:"id"`
	ItemID         uuid.UUID    `json:"itemId"`
	BubbleID       uuid.UUID    `json:"bubbleId"`
	UserID         uuid.UUID    `json:"userId"`
	Status         string       `json:"status"` // 'UNCLAIMED', 'CLAIMED' or 'PURCHASED'
	Quantity       int          `json:"quantity"`
	IsGroupGift    bool         `json:"isGroupGift"`
	Contribution   *float64     `json:"contribution,omitempty"`
	ClaimedAt      *time.Time   `json:"claimedAt,omitempty"`
	PurchasedAt    *time.Time   `json:"purchasedAt,omitempty"`
	ReminderSentAt *time.Time   `json:"-"`
	ItemName       string       `json:"itemName,omitempty"`
	Claimant       *UserSummary `json:"claimant,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// IsActive reports whether the claim currently counts against its item's
// available quantity.
func (c *Claim) IsActive() bool {
	return c.Status == ClaimStatusClaimed || c.Status == ClaimStatusPurchased
}

// UserSummary is the denormalized claimant view embedded in claim responses so
// clients can render a claim without a second lookup.
type UserSummary struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	AvatarURL *string   `json:"avatarUrl,omitempty"`
}

// User represents a simplified view of a user, containing only the data
// needed by the claim-service. The users table is maintained by the auth
// service; this service only reads it.
type User struct {
	ID          uuid.UUID `json:"id"`
	ClerkUserID string    `json:"clerkUserId"`
	Name        string    `json:"name"`
	AvatarURL   *string   `json:"avatarUrl,omitempty"`
}

// WishlistItem is a read-only view of a wishlist item joined with its owning
// wishlist, resolving the item's bubble and owner for precondition checks.
type WishlistItem struct {
	ID         uuid.UUID `json:"id"`
	WishlistID uuid.UUID `json:"wishlistId"`
	BubbleID   uuid.UUID `json:"bubbleId"`
	OwnerID    uuid.UUID `json:"ownerId"`
	Name       string    `json:"name"`
	Quantity   int       `json:"quantity"`
}

// Activity is one immutable audit entry describing a claim state transition.
type Activity struct {
	ID        uuid.UUID              `json:"id"`
	BubbleID  uuid.UUID              `json:"bubbleId"`
	UserID    uuid.UUID              `json:"userId"`
	Type      string                 `json:"type"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

// CreateClaimRequest is the DTO for incoming claim creation API requests.
type CreateClaimRequest struct {
	ItemID       uuid.UUID `json:"itemId"`
	BubbleID     uuid.UUID `json:"bubbleId"`
	Quantity     int       `json:"quantity"`
	IsGroupGift  bool      `json:"isGroupGift"`
	Contribution *float64  `json:"contribution,omitempty"`
}

// ReleaseClaimResponse is the body returned after a successful release.
type ReleaseClaimResponse struct {
	Success bool `json:"success"`
}

// ClaimListOptions controls pagination and filtering when listing a member's
// claims.
type ClaimListOptions struct {
	BubbleID *uuid.UUID
	Limit    int
	Offset   int
}

// ClaimList is the paginated response for claim listings.
type ClaimList struct {
	Claims []Claim `json:"claims"`
	Total  int64   `json:"total"`
}

// ItemClaimsView describes the aggregate claim state of one wishlist item. It
// is served on the internal API for the wishlist service to render item
// availability.
type ItemClaimsView struct {
	ItemID            uuid.UUID `json:"itemId"`
	TotalQuantity     int       `json:"totalQuantity"`
	RemainingQuantity int       `json:"remainingQuantity"`
	Claims            []Claim   `json:"claims"`
}

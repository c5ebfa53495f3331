package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys published to the giftbubble.events exchange. The notification
// service binds to claim.* and fans the payload out to recipient devices.
const (
	EventClaimCreated   = "claim.created"
	EventClaimReleased  = "claim.released"
	EventClaimFulfilled = "claim.fulfilled"
	EventClaimReminder  = "claim.reminder"
)

// Routing keys this service consumes from upstream subsystems.
const (
	EventItemRemoved   = "wishlist.item.removed"
	EventMemberRemoved = "bubble.member.removed"
)

// ClaimEvent is the message payload published for every claim state
// transition. RecipientIDs is resolved at enqueue time so the notification
// service does not need membership access.
type ClaimEvent struct {
	EventType    string      `json:"eventType"`
	ClaimID      uuid.UUID   `json:"claimId"`
	ItemID       uuid.UUID   `json:"itemId"`
	ItemName     string      `json:"itemName"`
	BubbleID     uuid.UUID   `json:"bubbleId"`
	ActorID      uuid.UUID   `json:"actorId"`
	ActorName    string      `json:"actorName"`
	Quantity     int         `json:"quantity"`
	IsGroupGift  bool        `json:"isGroupGift"`
	RecipientIDs []uuid.UUID `json:"recipientIds"`
	Reason       string      `json:"reason,omitempty"`
	OccurredAt   time.Time   `json:"occurredAt"`
}

// ItemRemovedEvent is emitted by the wishlist service when an item is deleted.
// Claims held against the item are released so the history stays consistent.
type ItemRemovedEvent struct {
	EventID    string    `json:"eventId"`
	ItemID     uuid.UUID `json:"itemId"`
	BubbleID   uuid.UUID `json:"bubbleId"`
	OccurredAt time.Time `json:"occurredAt"`
}

// MemberRemovedEvent is emitted by the bubble service when a member leaves or
// is removed from a bubble. The departed member's open claims in that bubble
// are released; purchased claims are terminal and left untouched.
type MemberRemovedEvent struct {
	EventID    string    `json:"eventId"`
	BubbleID   uuid.UUID `json:"bubbleId"`
	UserID     uuid.UUID `json:"userId"`
	OccurredAt time.Time `json:"occurredAt"`
}

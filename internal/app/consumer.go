package app

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/giftbubble/claim-service/internal/domain"
	"github.com/google/uuid"
)

// LifecycleConsumer reacts to upstream lifecycle events: wishlist items being
// removed and members leaving bubbles. Both invalidate open claims, which are
// released in bulk so the affected items become claimable again.
//
// Handlers return the ack decision: true acknowledges the message, false
// requeues it. Malformed payloads are acknowledged because redelivery cannot
// fix them.
type LifecycleConsumer struct {
	service *Service
}

func NewLifecycleConsumer(service *Service) *LifecycleConsumer {
	return &LifecycleConsumer{service: service}
}

func (c *LifecycleConsumer) HandleItemRemoved(body []byte) bool {
	var event domain.ItemRemovedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("lifecycle-consumer: failed to unmarshal item removed payload: %v", err)
		return true
	}
	if event.ItemID == uuid.Nil {
		log.Printf("lifecycle-consumer: missing item id in event %+v", event)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.service.HandleItemRemoved(ctx, event); err != nil {
		log.Printf("lifecycle-consumer: processing error for removed item %s: %v", event.ItemID, err)
		return false
	}
	return true
}

func (c *LifecycleConsumer) HandleMemberRemoved(body []byte) bool {
	var event domain.MemberRemovedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("lifecycle-consumer: failed to unmarshal member removed payload: %v", err)
		return true
	}
	if event.BubbleID == uuid.Nil || event.UserID == uuid.Nil {
		log.Printf("lifecycle-consumer: missing bubble or user id in event %+v", event)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := c.service.HandleMemberRemoved(ctx, event); err != nil {
		log.Printf("lifecycle-consumer: processing error for member %s leaving bubble %s: %v", event.UserID, event.BubbleID, err)
		return false
	}
	return true
}

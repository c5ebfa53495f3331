package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/giftbubble/claim-service/internal/domain"
	"github.com/giftbubble/claim-service/internal/store"
	"github.com/google/uuid"
)

type lifecycleRepoStub struct {
	store.Repository

	itemReleaseErr   error
	memberReleaseErr error

	itemReleaseCalled   bool
	memberReleaseCalled bool
}

func (s *lifecycleRepoStub) ReleaseClaimsForItemAtomic(ctx context.Context, params store.ReleaseClaimsForItemParams) (int, error) {
	s.itemReleaseCalled = true
	if s.itemReleaseErr != nil {
		return 0, s.itemReleaseErr
	}
	return 1, nil
}

func (s *lifecycleRepoStub) ReleaseClaimsForMemberAtomic(ctx context.Context, params store.ReleaseClaimsForMemberParams) (int, error) {
	s.memberReleaseCalled = true
	if s.memberReleaseErr != nil {
		return 0, s.memberReleaseErr
	}
	return 1, nil
}

func newLifecycleConsumerWithStub(repo *lifecycleRepoStub) *LifecycleConsumer {
	return NewLifecycleConsumer(NewService(repo, "giftbubble.events"))
}

func TestHandleItemRemoved_AcksMalformedPayload(t *testing.T) {
	repo := &lifecycleRepoStub{}
	consumer := newLifecycleConsumerWithStub(repo)

	if !consumer.HandleItemRemoved([]byte("{not json")) {
		t.Fatal("expected malformed payload to be acknowledged, redelivery cannot fix it")
	}
	if repo.itemReleaseCalled {
		t.Fatal("did not expect a release for a malformed payload")
	}
}

func TestHandleItemRemoved_AcksMissingItemID(t *testing.T) {
	repo := &lifecycleRepoStub{}
	consumer := newLifecycleConsumerWithStub(repo)

	body, _ := json.Marshal(domain.ItemRemovedEvent{BubbleID: uuid.New()})
	if !consumer.HandleItemRemoved(body) {
		t.Fatal("expected event without item id to be acknowledged")
	}
	if repo.itemReleaseCalled {
		t.Fatal("did not expect a release without an item id")
	}
}

func TestHandleItemRemoved_RequeuesOnProcessingError(t *testing.T) {
	repo := &lifecycleRepoStub{itemReleaseErr: errors.New("database unavailable")}
	consumer := newLifecycleConsumerWithStub(repo)

	body, _ := json.Marshal(domain.ItemRemovedEvent{ItemID: uuid.New(), BubbleID: uuid.New()})
	if consumer.HandleItemRemoved(body) {
		t.Fatal("expected processing failure to requeue the message")
	}
	if !repo.itemReleaseCalled {
		t.Fatal("expected a release attempt")
	}
}

func TestHandleItemRemoved_AcksOnSuccess(t *testing.T) {
	repo := &lifecycleRepoStub{}
	consumer := newLifecycleConsumerWithStub(repo)

	body, _ := json.Marshal(domain.ItemRemovedEvent{ItemID: uuid.New(), BubbleID: uuid.New()})
	if !consumer.HandleItemRemoved(body) {
		t.Fatal("expected successful processing to acknowledge the message")
	}
	if !repo.itemReleaseCalled {
		t.Fatal("expected claims on the removed item to be released")
	}
}

func TestHandleMemberRemoved_AcksMalformedPayload(t *testing.T) {
	repo := &lifecycleRepoStub{}
	consumer := newLifecycleConsumerWithStub(repo)

	if !consumer.HandleMemberRemoved([]byte("not json at all")) {
		t.Fatal("expected malformed payload to be acknowledged")
	}
	if repo.memberReleaseCalled {
		t.Fatal("did not expect a release for a malformed payload")
	}
}

func TestHandleMemberRemoved_AcksMissingUserID(t *testing.T) {
	repo := &lifecycleRepoStub{}
	consumer := newLifecycleConsumerWithStub(repo)

	body, _ := json.Marshal(domain.MemberRemovedEvent{BubbleID: uuid.New()})
	if !consumer.HandleMemberRemoved(body) {
		t.Fatal("expected event without user id to be acknowledged")
	}
	if repo.memberReleaseCalled {
		t.Fatal("did not expect a release without a user id")
	}
}

func TestHandleMemberRemoved_RequeuesOnProcessingError(t *testing.T) {
	repo := &lifecycleRepoStub{memberReleaseErr: errors.New("database unavailable")}
	consumer := newLifecycleConsumerWithStub(repo)

	body, _ := json.Marshal(domain.MemberRemovedEvent{BubbleID: uuid.New(), UserID: uuid.New()})
	if consumer.HandleMemberRemoved(body) {
		t.Fatal("expected processing failure to requeue the message")
	}
}

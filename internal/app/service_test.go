package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/giftbubble/claim-service/internal/domain"
	"github.com/giftbubble/claim-service/internal/store"
	"github.com/google/uuid"
)

type claimServiceRepoStub struct {
	store.Repository

	member    bool
	memberErr error
	summary   *domain.UserSummary
	memberIDs []uuid.UUID

	claim    *domain.Claim
	claimErr error

	item         *domain.WishlistItem
	activeClaims []domain.Claim

	createErr error

	membershipCalled bool
	createCalled     bool
	createParams     store.CreateClaimParams
	releaseCalled    bool
	releaseParams    store.ReleaseClaimParams
	fulfillCalled    bool
	fulfillParams    store.FulfillClaimParams

	releaseItemCalled   bool
	releaseItemParams   store.ReleaseClaimsForItemParams
	releaseItemErr      error
	releaseMemberCalled bool
	releaseMemberParams store.ReleaseClaimsForMemberParams
	releaseMemberErr    error
}

func (s *claimServiceRepoStub) IsActiveBubbleMember(ctx context.Context, bubbleID, userID uuid.UUID) (bool, error) {
	s.membershipCalled = true
	return s.member, s.memberErr
}

func (s *claimServiceRepoStub) FindUserSummaryByID(ctx context.Context, userID uuid.UUID) (*domain.UserSummary, error) {
	if s.summary != nil {
		return s.summary, nil
	}
	return &domain.UserSummary{ID: userID, Name: "Test Member"}, nil
}

func (s *claimServiceRepoStub) FindActiveBubbleMemberIDs(ctx context.Context, bubbleID uuid.UUID) ([]uuid.UUID, error) {
	return s.memberIDs, nil
}

func (s *claimServiceRepoStub) CreateClaimAtomic(ctx context.Context, params store.CreateClaimParams) (*domain.Claim, error) {
	s.createCalled = true
	s.createParams = params
	if s.createErr != nil {
		return nil, s.createErr
	}
	now := time.Now()
	return &domain.Claim{
		ID:           uuid.New(),
		ItemID:       params.ItemID,
		BubbleID:     params.BubbleID,
		UserID:       params.UserID,
		Status:       domain.ClaimStatusClaimed,
		Quantity:     params.Quantity,
		IsGroupGift:  params.IsGroupGift,
		Contribution: params.Contribution,
		ClaimedAt:    &now,
		Claimant:     &params.Actor,
	}, nil
}

func (s *claimServiceRepoStub) FindClaimByID(ctx context.Context, claimID uuid.UUID) (*domain.Claim, error) {
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	if s.claim == nil {
		return nil, store.ErrClaimNotFound
	}
	return s.claim, nil
}

func (s *claimServiceRepoStub) ReleaseClaimAtomic(ctx context.Context, params store.ReleaseClaimParams) (*domain.Claim, error) {
	s.releaseCalled = true
	s.releaseParams = params
	released := *s.claim
	released.Status = domain.ClaimStatusUnclaimed
	return &released, nil
}

func (s *claimServiceRepoStub) FulfillClaimAtomic(ctx context.Context, params store.FulfillClaimParams) (*domain.Claim, error) {
	s.fulfillCalled = true
	s.fulfillParams = params
	now := time.Now()
	fulfilled := *s.claim
	fulfilled.Status = domain.ClaimStatusPurchased
	fulfilled.PurchasedAt = &now
	return &fulfilled, nil
}

func (s *claimServiceRepoStub) FindWishlistItemByID(ctx context.Context, itemID uuid.UUID) (*domain.WishlistItem, error) {
	if s.item == nil {
		return nil, store.ErrItemNotFound
	}
	return s.item, nil
}

func (s *claimServiceRepoStub) FindActiveClaimsForItem(ctx context.Context, itemID uuid.UUID) ([]domain.Claim, error) {
	return s.activeClaims, nil
}

func (s *claimServiceRepoStub) ReleaseClaimsForItemAtomic(ctx context.Context, params store.ReleaseClaimsForItemParams) (int, error) {
	s.releaseItemCalled = true
	s.releaseItemParams = params
	if s.releaseItemErr != nil {
		return 0, s.releaseItemErr
	}
	return 2, nil
}

func (s *claimServiceRepoStub) ReleaseClaimsForMemberAtomic(ctx context.Context, params store.ReleaseClaimsForMemberParams) (int, error) {
	s.releaseMemberCalled = true
	s.releaseMemberParams = params
	if s.releaseMemberErr != nil {
		return 0, s.releaseMemberErr
	}
	return 1, nil
}

type stubRateLimiter struct {
	count      int
	retryAfter int
	err        error
	called     bool
}

func (l *stubRateLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	l.called = true
	return l.count, l.retryAfter, l.err
}

func floatPtr(value float64) *float64 {
	return &value
}

func validCreateRequest() domain.CreateClaimRequest {
	return domain.CreateClaimRequest{
		ItemID:   uuid.New(),
		BubbleID: uuid.New(),
		Quantity: 1,
	}
}

// lockedItemRepoStub stands in for the item row lock: CreateClaimAtomic runs
// one claim at a time against a shared remaining count.
type lockedItemRepoStub struct {
	store.Repository

	mu        sync.Mutex
	remaining int
}

func (s *lockedItemRepoStub) IsActiveBubbleMember(ctx context.Context, bubbleID, userID uuid.UUID) (bool, error) {
	return true, nil
}

func (s *lockedItemRepoStub) FindUserSummaryByID(ctx context.Context, userID uuid.UUID) (*domain.UserSummary, error) {
	return &domain.UserSummary{ID: userID, Name: "Test Member"}, nil
}

func (s *lockedItemRepoStub) FindActiveBubbleMemberIDs(ctx context.Context, bubbleID uuid.UUID) ([]uuid.UUID, error) {
	return nil, nil
}

func (s *lockedItemRepoStub) CreateClaimAtomic(ctx context.Context, params store.CreateClaimParams) (*domain.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if params.Quantity > s.remaining {
		return nil, store.ErrInsufficientQuantity
	}
	s.remaining -= params.Quantity
	now := time.Now()
	return &domain.Claim{
		ID:        uuid.New(),
		ItemID:    params.ItemID,
		BubbleID:  params.BubbleID,
		UserID:    params.UserID,
		Status:    domain.ClaimStatusClaimed,
		Quantity:  params.Quantity,
		ClaimedAt: &now,
		Claimant:  &params.Actor,
	}, nil
}

func TestCreateClaim_RateLimitRunsBeforeMembershipCheck(t *testing.T) {
	repo := &claimServiceRepoStub{member: true}
	svc := NewService(repo, "giftbubble.events")
	svc.SetClaimRateLimiter(&stubRateLimiter{count: 31, retryAfter: 20}, 30)

	_, err := svc.CreateClaim(context.Background(), uuid.New(), validCreateRequest())

	var rateLimited *RateLimitedError
	if !errors.As(err, &rateLimited) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if rateLimited.RetryAfterSeconds != 20 {
		t.Fatalf("expected retry-after 20, got %d", rateLimited.RetryAfterSeconds)
	}
	if repo.membershipCalled {
		t.Fatal("expected rate limit rejection before the membership check")
	}
	if repo.createCalled {
		t.Fatal("did not expect a claim to be created")
	}
}

func TestCreateClaim_AllowsRequestWhenLimiterUnavailable(t *testing.T) {
	repo := &claimServiceRepoStub{member: true}
	svc := NewService(repo, "giftbubble.events")
	svc.SetClaimRateLimiter(&stubRateLimiter{err: errors.New("redis unreachable")}, 30)

	claim, err := svc.CreateClaim(context.Background(), uuid.New(), validCreateRequest())
	if err != nil {
		t.Fatalf("expected limiter outage to fail open, got %v", err)
	}
	if claim == nil || !repo.createCalled {
		t.Fatal("expected the claim to be created despite the limiter outage")
	}
}

func TestCreateClaim_SkipsLimiterWhenDisabled(t *testing.T) {
	repo := &claimServiceRepoStub{member: true}
	limiter := &stubRateLimiter{count: 1000}
	svc := NewService(repo, "giftbubble.events")
	svc.SetClaimRateLimiter(limiter, 0)

	if _, err := svc.CreateClaim(context.Background(), uuid.New(), validCreateRequest()); err != nil {
		t.Fatalf("expected success with disabled limiter, got %v", err)
	}
	if limiter.called {
		t.Fatal("did not expect the limiter to be consulted when the limit is 0")
	}
}

func TestCreateClaim_RejectsNonMember(t *testing.T) {
	repo := &claimServiceRepoStub{member: false}
	svc := NewService(repo, "giftbubble.events")

	_, err := svc.CreateClaim(context.Background(), uuid.New(), validCreateRequest())
	if !errors.Is(err, ErrNotBubbleMember) {
		t.Fatalf("expected ErrNotBubbleMember, got %v", err)
	}
	if repo.createCalled {
		t.Fatal("did not expect a claim to be created for a non-member")
	}
}

func TestCreateClaim_DropsContributionForSoloGift(t *testing.T) {
	repo := &claimServiceRepoStub{member: true}
	svc := NewService(repo, "giftbubble.events")

	req := validCreateRequest()
	req.IsGroupGift = false
	req.Contribution = floatPtr(25)

	if _, err := svc.CreateClaim(context.Background(), uuid.New(), req); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if repo.createParams.Contribution != nil {
		t.Fatalf("expected contribution to be dropped for a solo gift, got %v", *repo.createParams.Contribution)
	}
}

func TestCreateClaim_KeepsContributionForGroupGift(t *testing.T) {
	repo := &claimServiceRepoStub{member: true}
	svc := NewService(repo, "giftbubble.events")

	req := validCreateRequest()
	req.IsGroupGift = true
	req.Contribution = floatPtr(25)

	if _, err := svc.CreateClaim(context.Background(), uuid.New(), req); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if repo.createParams.Contribution == nil || *repo.createParams.Contribution != 25 {
		t.Fatalf("expected contribution 25 for a group gift, got %v", repo.createParams.Contribution)
	}
}

func TestCreateClaim_ExcludesActorFromRecipients(t *testing.T) {
	actorID := uuid.New()
	otherA := uuid.New()
	otherB := uuid.New()
	repo := &claimServiceRepoStub{
		member:    true,
		memberIDs: []uuid.UUID{otherA, actorID, otherB},
	}
	svc := NewService(repo, "giftbubble.events")

	if _, err := svc.CreateClaim(context.Background(), actorID, validCreateRequest()); err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	recipients := repo.createParams.RecipientIDs
	if len(recipients) != 2 {
		t.Fatalf("expected 2 recipients, got %d", len(recipients))
	}
	for _, id := range recipients {
		if id == actorID {
			t.Fatal("expected the actor to be excluded from event recipients")
		}
	}
	if repo.createParams.Exchange != "giftbubble.events" {
		t.Fatalf("expected configured exchange on params, got %q", repo.createParams.Exchange)
	}
}

func TestCreateClaim_SerializesConcurrentClaimsOnLastUnit(t *testing.T) {
	repo := &lockedItemRepoStub{remaining: 1}
	svc := NewService(repo, "giftbubble.events")

	req := validCreateRequest()

	const claimants = 16
	results := make(chan error, claimants)
	var wg sync.WaitGroup
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CreateClaim(context.Background(), uuid.New(), req)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	successes := 0
	rejections := 0
	for err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, store.ErrInsufficientQuantity):
			rejections++
		default:
			t.Fatalf("unexpected error from concurrent claim: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly 1 successful claim on the last unit, got %d", successes)
	}
	if rejections != claimants-1 {
		t.Fatalf("expected %d insufficient-quantity rejections, got %d", claimants-1, rejections)
	}
	if repo.remaining != 0 {
		t.Fatalf("expected the last unit to be consumed, got remaining %d", repo.remaining)
	}
}

func TestReleaseClaim_HidesSoftReleasedClaims(t *testing.T) {
	claimant := uuid.New()
	repo := &claimServiceRepoStub{
		claim: &domain.Claim{ID: uuid.New(), UserID: claimant, Status: domain.ClaimStatusUnclaimed},
	}
	svc := NewService(repo, "giftbubble.events")

	_, err := svc.ReleaseClaim(context.Background(), claimant, repo.claim.ID)
	if !errors.Is(err, store.ErrClaimNotFound) {
		t.Fatalf("expected ErrClaimNotFound for released history, got %v", err)
	}
	if repo.releaseCalled {
		t.Fatal("did not expect a release on an already released claim")
	}
}

func TestReleaseClaim_RejectsNonOwner(t *testing.T) {
	repo := &claimServiceRepoStub{
		claim: &domain.Claim{ID: uuid.New(), UserID: uuid.New(), Status: domain.ClaimStatusClaimed},
	}
	svc := NewService(repo, "giftbubble.events")

	_, err := svc.ReleaseClaim(context.Background(), uuid.New(), repo.claim.ID)
	if !errors.Is(err, store.ErrNotClaimOwner) {
		t.Fatalf("expected ErrNotClaimOwner, got %v", err)
	}
	if repo.releaseCalled {
		t.Fatal("did not expect a release by a non-owner")
	}
}

func TestReleaseClaim_RejectsPurchasedClaim(t *testing.T) {
	claimant := uuid.New()
	repo := &claimServiceRepoStub{
		claim: &domain.Claim{ID: uuid.New(), UserID: claimant, Status: domain.ClaimStatusPurchased},
	}
	svc := NewService(repo, "giftbubble.events")

	_, err := svc.ReleaseClaim(context.Background(), claimant, repo.claim.ID)
	if !errors.Is(err, store.ErrClaimPurchased) {
		t.Fatalf("expected ErrClaimPurchased, got %v", err)
	}
	if repo.releaseCalled {
		t.Fatal("did not expect a release of a purchased claim")
	}
}

func TestReleaseClaim_ExcludesActorFromRecipients(t *testing.T) {
	claimant := uuid.New()
	other := uuid.New()
	repo := &claimServiceRepoStub{
		claim:     &domain.Claim{ID: uuid.New(), BubbleID: uuid.New(), UserID: claimant, Status: domain.ClaimStatusClaimed},
		memberIDs: []uuid.UUID{claimant, other},
	}
	svc := NewService(repo, "giftbubble.events")

	released, err := svc.ReleaseClaim(context.Background(), claimant, repo.claim.ID)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if released.Status != domain.ClaimStatusUnclaimed {
		t.Fatalf("expected released claim status UNCLAIMED, got %q", released.Status)
	}
	if len(repo.releaseParams.RecipientIDs) != 1 || repo.releaseParams.RecipientIDs[0] != other {
		t.Fatalf("expected only the other member as recipient, got %v", repo.releaseParams.RecipientIDs)
	}
}

func TestFulfillClaim_RejectsPurchasedClaim(t *testing.T) {
	claimant := uuid.New()
	repo := &claimServiceRepoStub{
		claim: &domain.Claim{ID: uuid.New(), UserID: claimant, Status: domain.ClaimStatusPurchased},
	}
	svc := NewService(repo, "giftbubble.events")

	_, err := svc.FulfillClaim(context.Background(), claimant, repo.claim.ID)
	if !errors.Is(err, store.ErrClaimPurchased) {
		t.Fatalf("expected ErrClaimPurchased, got %v", err)
	}
	if repo.fulfillCalled {
		t.Fatal("did not expect a second fulfillment of a purchased claim")
	}
}

func TestFulfillClaim_MarksClaimPurchased(t *testing.T) {
	claimant := uuid.New()
	repo := &claimServiceRepoStub{
		claim: &domain.Claim{ID: uuid.New(), BubbleID: uuid.New(), UserID: claimant, Status: domain.ClaimStatusClaimed},
	}
	svc := NewService(repo, "giftbubble.events")

	fulfilled, err := svc.FulfillClaim(context.Background(), claimant, repo.claim.ID)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if fulfilled.Status != domain.ClaimStatusPurchased {
		t.Fatalf("expected status PURCHASED, got %q", fulfilled.Status)
	}
	if fulfilled.PurchasedAt == nil {
		t.Fatal("expected purchased timestamp to be set")
	}
}

func TestItemClaims_ComputesRemainingQuantity(t *testing.T) {
	itemID := uuid.New()
	repo := &claimServiceRepoStub{
		item: &domain.WishlistItem{ID: itemID, Quantity: 5},
		activeClaims: []domain.Claim{
			{ID: uuid.New(), ItemID: itemID, Status: domain.ClaimStatusClaimed, Quantity: 2},
			{ID: uuid.New(), ItemID: itemID, Status: domain.ClaimStatusPurchased, Quantity: 1},
		},
	}
	svc := NewService(repo, "giftbubble.events")

	view, err := svc.ItemClaims(context.Background(), itemID)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if view.TotalQuantity != 5 {
		t.Fatalf("expected total quantity 5, got %d", view.TotalQuantity)
	}
	if view.RemainingQuantity != 2 {
		t.Fatalf("expected remaining quantity 2, got %d", view.RemainingQuantity)
	}
	if len(view.Claims) != 2 {
		t.Fatalf("expected 2 claims in view, got %d", len(view.Claims))
	}
}

func TestItemClaims_ClampsRemainingQuantityAtZero(t *testing.T) {
	itemID := uuid.New()
	repo := &claimServiceRepoStub{
		item: &domain.WishlistItem{ID: itemID, Quantity: 1},
		activeClaims: []domain.Claim{
			{ID: uuid.New(), ItemID: itemID, Status: domain.ClaimStatusClaimed, Quantity: 2},
		},
	}
	svc := NewService(repo, "giftbubble.events")

	view, err := svc.ItemClaims(context.Background(), itemID)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if view.RemainingQuantity != 0 {
		t.Fatalf("expected remaining quantity clamped to 0, got %d", view.RemainingQuantity)
	}
}

func TestHandleItemRemoved_ReleasesOpenClaims(t *testing.T) {
	repo := &claimServiceRepoStub{}
	svc := NewService(repo, "giftbubble.events")

	event := domain.ItemRemovedEvent{ItemID: uuid.New(), BubbleID: uuid.New()}
	if err := svc.HandleItemRemoved(context.Background(), event); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if !repo.releaseItemCalled {
		t.Fatal("expected claims on the removed item to be released")
	}
	if repo.releaseItemParams.ItemID != event.ItemID {
		t.Fatalf("expected release for item %s, got %s", event.ItemID, repo.releaseItemParams.ItemID)
	}
	if repo.releaseItemParams.Reason != "item_removed" {
		t.Fatalf("expected reason item_removed, got %q", repo.releaseItemParams.Reason)
	}
}

func TestHandleMemberRemoved_ReleasesMemberClaims(t *testing.T) {
	repo := &claimServiceRepoStub{}
	svc := NewService(repo, "giftbubble.events")

	event := domain.MemberRemovedEvent{BubbleID: uuid.New(), UserID: uuid.New()}
	if err := svc.HandleMemberRemoved(context.Background(), event); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if !repo.releaseMemberCalled {
		t.Fatal("expected the departed member's claims to be released")
	}
	if repo.releaseMemberParams.BubbleID != event.BubbleID || repo.releaseMemberParams.UserID != event.UserID {
		t.Fatal("expected release scoped to the departed member's bubble")
	}
	if repo.releaseMemberParams.Reason != "member_left" {
		t.Fatalf("expected reason member_left, got %q", repo.releaseMemberParams.Reason)
	}
}

/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the necessary SQL queries to interact with the database tables
 * related to claims, activities, bubble membership, and the wishlist read models.
 *
 * Table ownership: `claims`, `activities` and `event_outbox` belong to this
 * service. `users`, `bubble_members`, `wishlists` and `wishlist_items` are
 * read models maintained by the auth, bubble and wishlist services.
 *
 * @dependencies
 * - context, errors, fmt, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/giftbubble/claim-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrItemNotFound         = errors.New("item not found")
	ErrClaimNotFound        = errors.New("claim not found")
	ErrOwnItemClaim         = errors.New("cannot claim own item")
	ErrInsufficientQuantity = errors.New("not enough quantity available")
	ErrDuplicateClaim       = errors.New("active claim already exists for this item")
	ErrClaimPurchased       = errors.New("claim is already purchased")
	ErrNotClaimOwner        = errors.New("claim belongs to another user")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// FindUserIDByClerkUserID resolves the internal UUID from a Clerk user id.
// This mirrors the approach used across the other services: the users table
// carries a clerk_user_id column managed by the auth service.
func (r *PostgresRepository) FindUserIDByClerkUserID(ctx context.Context, clerkUserID string) (string, error) {
	var id string
	err := r.db.QueryRow(ctx, "SELECT id FROM users WHERE clerk_user_id = $1", clerkUserID).Scan(&id)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", ErrUserNotFound
		}
		return "", err
	}
	return id, nil
}

// FindUserSummaryByID retrieves the denormalized claimant view for a user.
func (r *PostgresRepository) FindUserSummaryByID(ctx context.Context, userID uuid.UUID) (*domain.UserSummary, error) {
	var summary domain.UserSummary
	query := `SELECT id, display_name, avatar_url FROM users WHERE id = $1`
	err := r.db.QueryRow(ctx, query, userID).Scan(&summary.ID, &summary.Name, &summary.AvatarURL)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &summary, nil
}

// IsActiveBubbleMember reports whether the user currently belongs to the
// bubble. Members who left keep their row with left_at set, so active
// membership is always left_at IS NULL.
func (r *PostgresRepository) IsActiveBubbleMember(ctx context.Context, bubbleID, userID uuid.UUID) (bool, error) {
	var active bool
	query := `
		SELECT EXISTS (
			SELECT 1 FROM bubble_members
			WHERE bubble_id = $1 AND user_id = $2 AND left_at IS NULL
		)
	`
	if err := r.db.QueryRow(ctx, query, bubbleID, userID).Scan(&active); err != nil {
		return false, err
	}
	return active, nil
}

// FindActiveBubbleMemberIDs returns the ids of all current members of a bubble.
func (r *PostgresRepository) FindActiveBubbleMemberIDs(ctx context.Context, bubbleID uuid.UUID) ([]uuid.UUID, error) {
	query := `SELECT user_id FROM bubble_members WHERE bubble_id = $1 AND left_at IS NULL`
	rows, err := r.db.Query(ctx, query, bubbleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var memberIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		memberIDs = append(memberIDs, id)
	}
	return memberIDs, rows.Err()
}

// FindWishlistItemByID retrieves an item together with its owning wishlist's
// bubble and owner, which the claim preconditions depend on.
func (r *PostgresRepository) FindWishlistItemByID(ctx context.Context, itemID uuid.UUID) (*domain.WishlistItem, error) {
	var item domain.WishlistItem
	query := `
		SELECT i.id, i.wishlist_id, w.bubble_id, w.user_id, i.name, i.quantity
		FROM wishlist_items i
		JOIN wishlists w ON w.id = i.wishlist_id
		WHERE i.id = $1
	`
	err := r.db.QueryRow(ctx, query, itemID).Scan(
		&item.ID, &item.WishlistID, &item.BubbleID, &item.OwnerID, &item.Name, &item.Quantity,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrItemNotFound
		}
		return nil, err
	}
	return &item, nil
}

// FindClaimByID retrieves a single claim row with its claimant summary and
// item name. Rows in any status are returned; callers decide how to treat
// UNCLAIMED history rows.
func (r *PostgresRepository) FindClaimByID(ctx context.Context, claimID uuid.UUID) (*domain.Claim, error) {
	var (
		claim    domain.Claim
		claimant domain.UserSummary
	)
	query := `
		SELECT c.id, c.item_id, c.bubble_id, c.user_id, c.status, c.quantity,
		       c.is_group_gift, c.contribution, c.claimed_at, c.purchased_at,
		       c.reminder_sent_at, c.created_at, c.updated_at,
		       u.id, u.display_name, u.avatar_url, i.name
		FROM claims c
		JOIN users u ON u.id = c.user_id
		JOIN wishlist_items i ON i.id = c.item_id
		WHERE c.id = $1
	`
	err := r.db.QueryRow(ctx, query, claimID).Scan(
		&claim.ID, &claim.ItemID, &claim.BubbleID, &claim.UserID, &claim.Status, &claim.Quantity,
		&claim.IsGroupGift, &claim.Contribution, &claim.ClaimedAt, &claim.PurchasedAt,
		&claim.ReminderSentAt, &claim.CreatedAt, &claim.UpdatedAt,
		&claimant.ID, &claimant.Name, &claimant.AvatarURL, &claim.ItemName,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrClaimNotFound
		}
		return nil, err
	}
	claim.Claimant = &claimant
	return &claim, nil
}

// FindActiveClaimsForItem returns the claims currently counting against an
// item's quantity, oldest first, with claimant summaries for display.
func (r *PostgresRepository) FindActiveClaimsForItem(ctx context.Context, itemID uuid.UUID) ([]domain.Claim, error) {
	query := `
		SELECT c.id, c.item_id, c.bubble_id, c.user_id, c.status, c.quantity,
		       c.is_group_gift, c.contribution, c.claimed_at, c.purchased_at,
		       c.created_at, c.updated_at,
		       u.id, u.display_name, u.avatar_url, i.name
		FROM claims c
		JOIN users u ON u.id = c.user_id
		JOIN wishlist_items i ON i.id = c.item_id
		WHERE c.item_id = $1 AND c.status IN ('CLAIMED', 'PURCHASED')
		ORDER BY c.claimed_at ASC
	`
	rows, err := r.db.Query(ctx, query, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claims []domain.Claim
	for rows.Next() {
		var (
			claim    domain.Claim
			claimant domain.UserSummary
		)
		err := rows.Scan(
			&claim.ID, &claim.ItemID, &claim.BubbleID, &claim.UserID, &claim.Status, &claim.Quantity,
			&claim.IsGroupGift, &claim.Contribution, &claim.ClaimedAt, &claim.PurchasedAt,
			&claim.CreatedAt, &claim.UpdatedAt,
			&claimant.ID, &claimant.Name, &claimant.AvatarURL, &claim.ItemName,
		)
		if err != nil {
			return nil, err
		}
		claim.Claimant = &claimant
		claims = append(claims, claim)
	}
	return claims, rows.Err()
}

// ListClaimsByUser returns the caller's active claims, newest first, with an
// optional bubble filter and a total for pagination.
func (r *PostgresRepository) ListClaimsByUser(ctx context.Context, userID uuid.UUID, opts domain.ClaimListOptions) (*domain.ClaimList, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 30
	}
	if limit > 100 {
		limit = 100
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	filter := `c.user_id = $1 AND c.status IN ('CLAIMED', 'PURCHASED')`
	args := []interface{}{userID}
	if opts.BubbleID != nil {
		filter += ` AND c.bubble_id = $2`
		args = append(args, *opts.BubbleID)
	}

	var total int64
	countQuery := `SELECT COUNT(*) FROM claims c WHERE ` + filter
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, err
	}

	listQuery := fmt.Sprintf(`
		SELECT c.id, c.item_id, c.bubble_id, c.user_id, c.status, c.quantity,
		       c.is_group_gift, c.contribution, c.claimed_at, c.purchased_at,
		       c.created_at, c.updated_at, i.name
		FROM claims c
		JOIN wishlist_items i ON i.id = c.item_id
		WHERE %s
		ORDER BY c.updated_at DESC
		LIMIT %d OFFSET %d
	`, filter, limit, offset)

	rows, err := r.db.Query(ctx, listQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	claims := make([]domain.Claim, 0, limit)
	for rows.Next() {
		var claim domain.Claim
		err := rows.Scan(
			&claim.ID, &claim.ItemID, &claim.BubbleID, &claim.UserID, &claim.Status, &claim.Quantity,
			&claim.IsGroupGift, &claim.Contribution, &claim.ClaimedAt, &claim.PurchasedAt,
			&claim.CreatedAt, &claim.UpdatedAt, &claim.ItemName,
		)
		if err != nil {
			return nil, err
		}
		claims = append(claims, claim)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &domain.ClaimList{Claims: claims, Total: total}, nil
}

// CreateClaimAtomic performs the claim creation as one serialized unit: it
// locks the item row, re-validates availability and the duplicate rule against
// fresh data, inserts the claim, the activity entry and the outbox event, and
// commits. Two concurrent claims on the same item serialize on the item lock,
// so the availability check can never act on a stale sum.
func (r *PostgresRepository) CreateClaimAtomic(ctx context.Context, params CreateClaimParams) (*domain.Claim, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Lock the item row and resolve its owner and bubble
	var (
		itemName     string
		itemQuantity int
		ownerID      uuid.UUID
		itemBubbleID uuid.UUID
	)
	itemQuery := `
		SELECT i.name, i.quantity, w.user_id, w.bubble_id
		FROM wishlist_items i
		JOIN wishlists w ON w.id = i.wishlist_id
		WHERE i.id = $1
		FOR UPDATE OF i
	`
	err = tx.QueryRow(ctx, itemQuery, params.ItemID).Scan(&itemName, &itemQuantity, &ownerID, &itemBubbleID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrItemNotFound
		}
		return nil, fmt.Errorf("failed to get and lock wishlist item: %w", err)
	}

	if itemBubbleID != params.BubbleID {
		return nil, ErrItemNotFound
	}
	if ownerID == params.UserID {
		return nil, ErrOwnItemClaim
	}

	// The item owner never hears about claims on their own wishlist.
	recipients := withoutRecipient(params.RecipientIDs, ownerID)

	// 2. Recompute availability under the lock
	var claimedQuantity int
	sumQuery := `
		SELECT COALESCE(SUM(quantity), 0)
		FROM claims
		WHERE item_id = $1 AND status IN ('CLAIMED', 'PURCHASED')
	`
	if err := tx.QueryRow(ctx, sumQuery, params.ItemID).Scan(&claimedQuantity); err != nil {
		return nil, fmt.Errorf("failed to sum active claims: %w", err)
	}
	if params.Quantity > itemQuantity-claimedQuantity {
		return nil, ErrInsufficientQuantity
	}

	// 3. One active claim per (item, user)
	var existing int
	dupQuery := `
		SELECT COUNT(*)
		FROM claims
		WHERE item_id = $1 AND user_id = $2 AND status IN ('CLAIMED', 'PURCHASED')
	`
	if err := tx.QueryRow(ctx, dupQuery, params.ItemID, params.UserID).Scan(&existing); err != nil {
		return nil, fmt.Errorf("failed to check existing claims: %w", err)
	}
	if existing > 0 {
		return nil, ErrDuplicateClaim
	}

	// 4. Insert the claim row
	claim := &domain.Claim{
		ID:           uuid.New(),
		ItemID:       params.ItemID,
		BubbleID:     params.BubbleID,
		UserID:       params.UserID,
		Status:       domain.ClaimStatusClaimed,
		Quantity:     params.Quantity,
		IsGroupGift:  params.IsGroupGift,
		Contribution: params.Contribution,
		ItemName:     itemName,
	}
	insertQuery := `
		INSERT INTO claims (id, item_id, bubble_id, user_id, status, quantity, is_group_gift, contribution, claimed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		RETURNING claimed_at, created_at, updated_at
	`
	err = tx.QueryRow(ctx, insertQuery,
		claim.ID, claim.ItemID, claim.BubbleID, claim.UserID, claim.Status,
		claim.Quantity, claim.IsGroupGift, claim.Contribution,
	).Scan(&claim.ClaimedAt, &claim.CreatedAt, &claim.UpdatedAt)
	if err != nil {
		// The partial unique index on (item_id, user_id) WHERE status <> 'UNCLAIMED'
		// backs up the duplicate check above.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateClaim
		}
		return nil, fmt.Errorf("failed to insert claim: %w", err)
	}

	// 5. Record the activity entry within the same transaction
	metadata := map[string]interface{}{
		"claimId":  claim.ID,
		"itemId":   claim.ItemID,
		"itemName": itemName,
		"quantity": claim.Quantity,
	}
	if err := insertActivityTx(ctx, tx, claim.BubbleID, claim.UserID, domain.ActivityItemClaimed, metadata); err != nil {
		return nil, err
	}

	// 6. Enqueue the fan-out event; the dispatcher publishes it after commit
	event := domain.ClaimEvent{
		EventType:    domain.EventClaimCreated,
		ClaimID:      claim.ID,
		ItemID:       claim.ItemID,
		ItemName:     itemName,
		BubbleID:     claim.BubbleID,
		ActorID:      params.Actor.ID,
		ActorName:    params.Actor.Name,
		Quantity:     claim.Quantity,
		IsGroupGift:  claim.IsGroupGift,
		RecipientIDs: recipients,
		OccurredAt:   time.Now().UTC(),
	}
	if err := enqueueEventTx(ctx, tx, params.Exchange, domain.EventClaimCreated, event); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	claim.Claimant = &params.Actor
	return claim, nil
}

// ReleaseClaimAtomic flips a claim back to UNCLAIMED. The row is retained as
// history; claimed_at and quantity stay untouched so the audit trail remains
// readable. Re-validation happens under the row lock so a concurrent fulfill
// cannot slip between the service's pre-check and the write.
func (r *PostgresRepository) ReleaseClaimAtomic(ctx context.Context, params ReleaseClaimParams) (*domain.Claim, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	claim, ownerID, err := lockClaimTx(ctx, tx, params.ClaimID)
	if err != nil {
		return nil, err
	}
	if claim.Status == domain.ClaimStatusUnclaimed {
		return nil, ErrClaimNotFound
	}
	if claim.UserID != params.UserID {
		return nil, ErrNotClaimOwner
	}
	if claim.Status == domain.ClaimStatusPurchased {
		return nil, ErrClaimPurchased
	}

	updateQuery := `
		UPDATE claims SET status = $1, updated_at = NOW()
		WHERE id = $2
		RETURNING updated_at
	`
	if err := tx.QueryRow(ctx, updateQuery, domain.ClaimStatusUnclaimed, claim.ID).Scan(&claim.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to release claim: %w", err)
	}
	claim.Status = domain.ClaimStatusUnclaimed

	metadata := map[string]interface{}{
		"claimId":  claim.ID,
		"itemId":   claim.ItemID,
		"itemName": claim.ItemName,
		"quantity": claim.Quantity,
	}
	if err := insertActivityTx(ctx, tx, claim.BubbleID, claim.UserID, domain.ActivityItemUnclaimed, metadata); err != nil {
		return nil, err
	}

	event := domain.ClaimEvent{
		EventType:    domain.EventClaimReleased,
		ClaimID:      claim.ID,
		ItemID:       claim.ItemID,
		ItemName:     claim.ItemName,
		BubbleID:     claim.BubbleID,
		ActorID:      params.Actor.ID,
		ActorName:    params.Actor.Name,
		Quantity:     claim.Quantity,
		IsGroupGift:  claim.IsGroupGift,
		RecipientIDs: withoutRecipient(params.RecipientIDs, ownerID),
		OccurredAt:   time.Now().UTC(),
	}
	if err := enqueueEventTx(ctx, tx, params.Exchange, domain.EventClaimReleased, event); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit release: %w", err)
	}
	return claim, nil
}

// FulfillClaimAtomic marks a claim as PURCHASED. PURCHASED is terminal, so a
// claim that is already purchased is rejected rather than re-stamped.
func (r *PostgresRepository) FulfillClaimAtomic(ctx context.Context, params FulfillClaimParams) (*domain.Claim, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	claim, ownerID, err := lockClaimTx(ctx, tx, params.ClaimID)
	if err != nil {
		return nil, err
	}
	if claim.Status == domain.ClaimStatusUnclaimed {
		return nil, ErrClaimNotFound
	}
	if claim.UserID != params.UserID {
		return nil, ErrNotClaimOwner
	}
	if claim.Status == domain.ClaimStatusPurchased {
		return nil, ErrClaimPurchased
	}

	updateQuery := `
		UPDATE claims SET status = $1, purchased_at = NOW(), updated_at = NOW()
		WHERE id = $2
		RETURNING purchased_at, updated_at
	`
	if err := tx.QueryRow(ctx, updateQuery, domain.ClaimStatusPurchased, claim.ID).Scan(&claim.PurchasedAt, &claim.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to fulfill claim: %w", err)
	}
	claim.Status = domain.ClaimStatusPurchased

	metadata := map[string]interface{}{
		"claimId":  claim.ID,
		"itemId":   claim.ItemID,
		"itemName": claim.ItemName,
		"quantity": claim.Quantity,
	}
	if err := insertActivityTx(ctx, tx, claim.BubbleID, claim.UserID, domain.ActivityItemPurchased, metadata); err != nil {
		return nil, err
	}

	event := domain.ClaimEvent{
		EventType:    domain.EventClaimFulfilled,
		ClaimID:      claim.ID,
		ItemID:       claim.ItemID,
		ItemName:     claim.ItemName,
		BubbleID:     claim.BubbleID,
		ActorID:      params.Actor.ID,
		ActorName:    params.Actor.Name,
		Quantity:     claim.Quantity,
		IsGroupGift:  claim.IsGroupGift,
		RecipientIDs: withoutRecipient(params.RecipientIDs, ownerID),
		OccurredAt:   time.Now().UTC(),
	}
	if err := enqueueEventTx(ctx, tx, params.Exchange, domain.EventClaimFulfilled, event); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit fulfillment: %w", err)
	}
	return claim, nil
}

// ReleaseClaimsForItemAtomic releases every open claim on an item in one
// transaction, used when the wishlist service removes the item. Purchased
// claims are terminal and stay untouched. Each released claimant gets an
// activity entry and a claim.released event addressed to them.
func (r *PostgresRepository) ReleaseClaimsForItemAtomic(ctx context.Context, params ReleaseClaimsForItemParams) (int, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	selectQuery := `
		SELECT c.id, c.item_id, c.bubble_id, c.user_id, c.quantity, c.is_group_gift, u.display_name, i.name
		FROM claims c
		JOIN users u ON u.id = c.user_id
		JOIN wishlist_items i ON i.id = c.item_id
		WHERE c.item_id = $1 AND c.status = 'CLAIMED'
		FOR UPDATE OF c
	`
	released, err := releaseLockedClaimsTx(ctx, tx, selectQuery, params.Reason, params.Exchange, params.ItemID)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit item release: %w", err)
	}
	return released, nil
}

// ReleaseClaimsForMemberAtomic releases a departed member's open claims in a
// bubble so the items become claimable by the remaining members.
func (r *PostgresRepository) ReleaseClaimsForMemberAtomic(ctx context.Context, params ReleaseClaimsForMemberParams) (int, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	selectQuery := `
		SELECT c.id, c.item_id, c.bubble_id, c.user_id, c.quantity, c.is_group_gift, u.display_name, i.name
		FROM claims c
		JOIN users u ON u.id = c.user_id
		JOIN wishlist_items i ON i.id = c.item_id
		WHERE c.bubble_id = $1 AND c.user_id = $2 AND c.status = 'CLAIMED'
		FOR UPDATE OF c
	`
	released, err := releaseLockedClaimsTx(ctx, tx, selectQuery, params.Reason, params.Exchange, params.BubbleID, params.UserID)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit member release: %w", err)
	}
	return released, nil
}

// FindClaimsNeedingReminder returns claims that have sat in CLAIMED since
// before the cutoff without a purchase reminder, oldest first.
func (r *PostgresRepository) FindClaimsNeedingReminder(ctx context.Context, claimedBefore time.Time, limit int) ([]domain.Claim, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT c.id, c.item_id, c.bubble_id, c.user_id, c.status, c.quantity,
		       c.is_group_gift, c.claimed_at, c.created_at, c.updated_at, i.name
		FROM claims c
		JOIN wishlist_items i ON i.id = c.item_id
		WHERE c.status = 'CLAIMED' AND c.claimed_at < $1 AND c.reminder_sent_at IS NULL
		ORDER BY c.claimed_at ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, claimedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claims []domain.Claim
	for rows.Next() {
		var claim domain.Claim
		err := rows.Scan(
			&claim.ID, &claim.ItemID, &claim.BubbleID, &claim.UserID, &claim.Status, &claim.Quantity,
			&claim.IsGroupGift, &claim.ClaimedAt, &claim.CreatedAt, &claim.UpdatedAt, &claim.ItemName,
		)
		if err != nil {
			return nil, err
		}
		claims = append(claims, claim)
	}
	return claims, rows.Err()
}

// EnqueueClaimReminderAtomic stamps reminder_sent_at and enqueues the reminder
// event in one transaction. A claim that was released or purchased since the
// sweep selected it is silently skipped.
func (r *PostgresRepository) EnqueueClaimReminderAtomic(ctx context.Context, claimID uuid.UUID, exchange string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		claim        domain.Claim
		claimantName string
	)
	query := `
		SELECT c.id, c.item_id, c.bubble_id, c.user_id, c.status, c.quantity,
		       c.is_group_gift, c.reminder_sent_at, u.display_name, i.name
		FROM claims c
		JOIN users u ON u.id = c.user_id
		JOIN wishlist_items i ON i.id = c.item_id
		WHERE c.id = $1
		FOR UPDATE OF c
	`
	err = tx.QueryRow(ctx, query, claimID).Scan(
		&claim.ID, &claim.ItemID, &claim.BubbleID, &claim.UserID, &claim.Status, &claim.Quantity,
		&claim.IsGroupGift, &claim.ReminderSentAt, &claimantName, &claim.ItemName,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrClaimNotFound
		}
		return fmt.Errorf("failed to get and lock claim: %w", err)
	}
	if claim.Status != domain.ClaimStatusClaimed || claim.ReminderSentAt != nil {
		return nil
	}

	if _, err := tx.Exec(ctx, `UPDATE claims SET reminder_sent_at = NOW(), updated_at = NOW() WHERE id = $1`, claim.ID); err != nil {
		return fmt.Errorf("failed to stamp reminder: %w", err)
	}

	event := domain.ClaimEvent{
		EventType:    domain.EventClaimReminder,
		ClaimID:      claim.ID,
		ItemID:       claim.ItemID,
		ItemName:     claim.ItemName,
		BubbleID:     claim.BubbleID,
		ActorID:      claim.UserID,
		ActorName:    claimantName,
		Quantity:     claim.Quantity,
		IsGroupGift:  claim.IsGroupGift,
		RecipientIDs: []uuid.UUID{claim.UserID},
		OccurredAt:   time.Now().UTC(),
	}
	if err := enqueueEventTx(ctx, tx, exchange, domain.EventClaimReminder, event); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// lockClaimTx loads a claim row with its item name and item owner under
// FOR UPDATE so the caller can validate and mutate it without racing other
// transitions.
func lockClaimTx(ctx context.Context, tx pgx.Tx, claimID uuid.UUID) (*domain.Claim, uuid.UUID, error) {
	var (
		claim   domain.Claim
		ownerID uuid.UUID
	)
	query := `
		SELECT c.id, c.item_id, c.bubble_id, c.user_id, c.status, c.quantity,
		       c.is_group_gift, c.contribution, c.claimed_at, c.purchased_at,
		       c.reminder_sent_at, c.created_at, c.updated_at, i.name, w.user_id
		FROM claims c
		JOIN wishlist_items i ON i.id = c.item_id
		JOIN wishlists w ON w.id = i.wishlist_id
		WHERE c.id = $1
		FOR UPDATE OF c
	`
	err := tx.QueryRow(ctx, query, claimID).Scan(
		&claim.ID, &claim.ItemID, &claim.BubbleID, &claim.UserID, &claim.Status, &claim.Quantity,
		&claim.IsGroupGift, &claim.Contribution, &claim.ClaimedAt, &claim.PurchasedAt,
		&claim.ReminderSentAt, &claim.CreatedAt, &claim.UpdatedAt, &claim.ItemName, &ownerID,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, uuid.Nil, ErrClaimNotFound
		}
		return nil, uuid.Nil, fmt.Errorf("failed to get and lock claim: %w", err)
	}
	return &claim, ownerID, nil
}

// withoutRecipient drops one user from a recipient list.
func withoutRecipient(ids []uuid.UUID, exclude uuid.UUID) []uuid.UUID {
	filtered := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == exclude {
			continue
		}
		filtered = append(filtered, id)
	}
	return filtered
}

// releaseLockedClaimsTx applies a system-initiated release to every row the
// select query locked: status back to UNCLAIMED, an activity entry per
// claimant and a claim.released event addressed to the claimant alone.
func releaseLockedClaimsTx(ctx context.Context, tx pgx.Tx, selectQuery, reason, exchange string, args ...interface{}) (int, error) {
	rows, err := tx.Query(ctx, selectQuery, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to lock open claims: %w", err)
	}

	type releasedClaim struct {
		id           uuid.UUID
		itemID       uuid.UUID
		bubbleID     uuid.UUID
		userID       uuid.UUID
		quantity     int
		isGroupGift  bool
		claimantName string
		itemName     string
	}
	var releases []releasedClaim
	for rows.Next() {
		var rc releasedClaim
		if err := rows.Scan(&rc.id, &rc.itemID, &rc.bubbleID, &rc.userID, &rc.quantity, &rc.isGroupGift, &rc.claimantName, &rc.itemName); err != nil {
			rows.Close()
			return 0, err
		}
		releases = append(releases, rc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(releases) == 0 {
		return 0, nil
	}

	for _, rc := range releases {
		if _, err := tx.Exec(ctx, `UPDATE claims SET status = 'UNCLAIMED', updated_at = NOW() WHERE id = $1`, rc.id); err != nil {
			return 0, fmt.Errorf("failed to release claim %s: %w", rc.id, err)
		}

		metadata := map[string]interface{}{
			"claimId":  rc.id,
			"itemId":   rc.itemID,
			"itemName": rc.itemName,
			"quantity": rc.quantity,
			"reason":   reason,
		}
		if err := insertActivityTx(ctx, tx, rc.bubbleID, rc.userID, domain.ActivityItemUnclaimed, metadata); err != nil {
			return 0, err
		}

		event := domain.ClaimEvent{
			EventType:    domain.EventClaimReleased,
			ClaimID:      rc.id,
			ItemID:       rc.itemID,
			ItemName:     rc.itemName,
			BubbleID:     rc.bubbleID,
			ActorID:      rc.userID,
			ActorName:    rc.claimantName,
			Quantity:     rc.quantity,
			IsGroupGift:  rc.isGroupGift,
			RecipientIDs: []uuid.UUID{rc.userID},
			Reason:       reason,
			OccurredAt:   time.Now().UTC(),
		}
		if err := enqueueEventTx(ctx, tx, exchange, domain.EventClaimReleased, event); err != nil {
			return 0, err
		}
	}

	return len(releases), nil
}

// insertActivityTx appends one immutable activity entry inside the caller's
// transaction.
func insertActivityTx(ctx context.Context, tx pgx.Tx, bubbleID, userID uuid.UUID, activityType string, metadata map[string]interface{}) error {
	blob, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal activity metadata: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO activities (id, bubble_id, user_id, type, metadata)
		VALUES ($1, $2, $3, $4, $5::jsonb)
	`, uuid.New(), bubbleID, userID, activityType, blob)
	if err != nil {
		return fmt.Errorf("failed to insert activity: %w", err)
	}
	return nil
}

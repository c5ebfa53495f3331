/**
 * @description
 * This file contains the HTTP handlers for the claim-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/giftbubble/claim-service/internal/app"
	"github.com/giftbubble/claim-service/internal/domain"
	"github.com/giftbubble/claim-service/internal/store"
	"github.com/google/uuid"
)

// ClaimHandlers holds the application service that handlers will use.
type ClaimHandlers struct {
	service *app.Service
}

// NewClaimHandlers creates a new instance of ClaimHandlers.
func NewClaimHandlers(service *app.Service) *ClaimHandlers {
	return &ClaimHandlers{service: service}
}

// CreateClaimHandler handles requests to claim a wishlist item.
func (h *ClaimHandlers) CreateClaimHandler(w http.ResponseWriter, r *http.Request) {
	userID, status, message := h.resolveAuthenticatedInternalUserID(r)
	if status != 0 {
		h.writeError(w, status, message)
		return
	}

	var req domain.CreateClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=create_claim outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.ItemID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "Item ID is required")
		return
	}
	if req.BubbleID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "Bubble ID is required")
		return
	}
	// A missing quantity means one unit.
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	if req.Quantity < 1 {
		h.writeError(w, http.StatusBadRequest, "Quantity must be at least 1")
		return
	}
	if req.Contribution != nil && *req.Contribution < 0 {
		h.writeError(w, http.StatusBadRequest, "Contribution cannot be negative")
		return
	}

	claim, err := h.service.CreateClaim(r.Context(), userID, req)
	if err != nil {
		h.handleCreateClaimError(w, userID, req, err)
		return
	}

	log.Printf("level=info component=api endpoint=create_claim outcome=created claim_id=%s item_id=%s user_id=%s", claim.ID, claim.ItemID, userID)
	h.writeJSON(w, http.StatusCreated, claim)
}

func (h *ClaimHandlers) handleCreateClaimError(w http.ResponseWriter, userID uuid.UUID, req domain.CreateClaimRequest, err error) {
	var rateLimited *app.RateLimitedError
	if errors.As(err, &rateLimited) {
		log.Printf("level=warn component=api endpoint=create_claim outcome=reject reason=rate_limited user_id=%s retry_after=%d", userID, rateLimited.RetryAfterSeconds)
		w.Header().Set("Retry-After", strconv.Itoa(rateLimited.RetryAfterSeconds))
		h.writeError(w, http.StatusTooManyRequests, "Too many claim attempts. Please try again shortly.")
		return
	}

	log.Printf("level=warn component=api endpoint=create_claim outcome=failed item_id=%s user_id=%s err=%v", req.ItemID, userID, err)
	switch {
	case errors.Is(err, app.ErrNotBubbleMember):
		h.writeError(w, http.StatusForbidden, "You are not a member of this bubble")
	case errors.Is(err, store.ErrItemNotFound):
		h.writeError(w, http.StatusNotFound, "Item not found")
	case errors.Is(err, store.ErrOwnItemClaim):
		h.writeError(w, http.StatusBadRequest, "cannot claim your own items")
	case errors.Is(err, store.ErrDuplicateClaim):
		h.writeError(w, http.StatusBadRequest, "You already have a claim on this item")
	case errors.Is(err, store.ErrInsufficientQuantity):
		h.writeError(w, http.StatusBadRequest, "already claimed or not enough quantity available")
	case errors.Is(err, store.ErrUserNotFound):
		h.writeError(w, http.StatusBadRequest, "User not found")
	default:
		h.writeError(w, http.StatusInternalServerError, "Failed to create claim")
	}
}

// ReleaseClaimHandler handles requests to release a claim back to the pool.
// The claim id arrives as the `id` query parameter.
func (h *ClaimHandlers) ReleaseClaimHandler(w http.ResponseWriter, r *http.Request) {
	userID, status, message := h.resolveAuthenticatedInternalUserID(r)
	if status != 0 {
		h.writeError(w, status, message)
		return
	}

	claimID, ok := h.parseClaimIDParam(w, r)
	if !ok {
		return
	}

	released, err := h.service.ReleaseClaim(r.Context(), userID, claimID)
	if err != nil {
		log.Printf("level=warn component=api endpoint=release_claim outcome=failed claim_id=%s user_id=%s err=%v", claimID, userID, err)
		switch {
		case errors.Is(err, store.ErrClaimNotFound):
			h.writeError(w, http.StatusNotFound, "Claim not found")
		case errors.Is(err, store.ErrNotClaimOwner):
			h.writeError(w, http.StatusForbidden, "You can only release your own claims")
		case errors.Is(err, store.ErrClaimPurchased):
			h.writeError(w, http.StatusBadRequest, "cannot unclaim a purchased item")
		default:
			h.writeError(w, http.StatusInternalServerError, "Failed to release claim")
		}
		return
	}

	log.Printf("level=info component=api endpoint=release_claim outcome=released claim_id=%s user_id=%s", released.ID, userID)
	h.writeJSON(w, http.StatusOK, domain.ReleaseClaimResponse{Success: true})
}

// FulfillClaimHandler handles requests to mark a claim as purchased. The claim
// id arrives as the `id` query parameter.
func (h *ClaimHandlers) FulfillClaimHandler(w http.ResponseWriter, r *http.Request) {
	userID, status, message := h.resolveAuthenticatedInternalUserID(r)
	if status != 0 {
		h.writeError(w, status, message)
		return
	}

	claimID, ok := h.parseClaimIDParam(w, r)
	if !ok {
		return
	}

	fulfilled, err := h.service.FulfillClaim(r.Context(), userID, claimID)
	if err != nil {
		log.Printf("level=warn component=api endpoint=fulfill_claim outcome=failed claim_id=%s user_id=%s err=%v", claimID, userID, err)
		switch {
		case errors.Is(err, store.ErrClaimNotFound):
			h.writeError(w, http.StatusNotFound, "Claim not found")
		case errors.Is(err, store.ErrNotClaimOwner):
			h.writeError(w, http.StatusForbidden, "You can only fulfill your own claims")
		case errors.Is(err, store.ErrClaimPurchased):
			h.writeError(w, http.StatusBadRequest, "claim has already been purchased")
		default:
			h.writeError(w, http.StatusInternalServerError, "Failed to fulfill claim")
		}
		return
	}

	log.Printf("level=info component=api endpoint=fulfill_claim outcome=fulfilled claim_id=%s user_id=%s", fulfilled.ID, userID)
	h.writeJSON(w, http.StatusOK, fulfilled)
}

// resolveAuthenticatedInternalUserID maps the Clerk subject from the request
// context to the internal user UUID. A non-zero status means the request must
// be rejected with the returned message.
func (h *ClaimHandlers) resolveAuthenticatedInternalUserID(r *http.Request) (uuid.UUID, int, string) {
	clerkUserID, ok := GetClerkUserID(r.Context())
	if !ok {
		return uuid.Nil, http.StatusUnauthorized, "Unauthorized"
	}

	internalIDStr, err := h.service.ResolveInternalUserID(r.Context(), clerkUserID)
	if err != nil {
		log.Printf("level=warn component=api outcome=reject reason=user_resolution_failed clerk_user_id=%s err=%v", clerkUserID, err)
		return uuid.Nil, http.StatusBadRequest, "User not found"
	}

	userID, err := uuid.Parse(internalIDStr)
	if err != nil {
		log.Printf("level=warn component=api outcome=reject reason=invalid_user_id internal_user_id=%s", internalIDStr)
		return uuid.Nil, http.StatusBadRequest, "Invalid user ID format"
	}

	return userID, 0, ""
}

// parseClaimIDParam reads the `id` query parameter. It writes the error
// response itself and reports success through the bool.
func (h *ClaimHandlers) parseClaimIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.URL.Query().Get("id")
	if raw == "" {
		h.writeError(w, http.StatusBadRequest, "Claim ID is required")
		return uuid.Nil, false
	}
	claimID, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid claim ID")
		return uuid.Nil, false
	}
	return claimID, true
}

// writeJSON is a helper for writing JSON responses.
func (h *ClaimHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *ClaimHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

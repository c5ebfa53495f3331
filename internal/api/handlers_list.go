package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/giftbubble/claim-service/internal/domain"
	"github.com/giftbubble/claim-service/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

func parseOptionalPositiveInt(raw string, defaultValue int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if value < 0 {
		return 0, errors.New("must be >= 0")
	}
	return value, nil
}

// ListMyClaimsHandler returns the caller's active claims, optionally filtered
// to one bubble via the `bubbleId` query parameter.
func (h *ClaimHandlers) ListMyClaimsHandler(w http.ResponseWriter, r *http.Request) {
	userID, status, message := h.resolveAuthenticatedInternalUserID(r)
	if status != 0 {
		h.writeError(w, status, message)
		return
	}

	limit, err := parseOptionalPositiveInt(r.URL.Query().Get("limit"), 30)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	offset, err := parseOptionalPositiveInt(r.URL.Query().Get("offset"), 0)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid offset")
		return
	}

	opts := domain.ClaimListOptions{Limit: limit, Offset: offset}
	if raw := strings.TrimSpace(r.URL.Query().Get("bubbleId")); raw != "" {
		bubbleID, err := uuid.Parse(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid bubble ID")
			return
		}
		opts.BubbleID = &bubbleID
	}

	list, err := h.service.ListClaims(r.Context(), userID, opts)
	if err != nil {
		log.Printf("level=warn component=api endpoint=list_claims outcome=failed user_id=%s err=%v", userID, err)
		h.writeError(w, http.StatusInternalServerError, "Failed to list claims")
		return
	}

	h.writeJSON(w, http.StatusOK, list)
}

// ItemClaimsInternalHandler exposes an item's claim state to other services:
// the active claims and the remaining quantity. It sits behind the internal
// API key, not user auth.
func (h *ClaimHandlers) ItemClaimsInternalHandler(w http.ResponseWriter, r *http.Request) {
	itemID, err := uuid.Parse(chi.URLParam(r, "itemID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid item ID")
		return
	}

	view, err := h.service.ItemClaims(r.Context(), itemID)
	if err != nil {
		if errors.Is(err, store.ErrItemNotFound) {
			h.writeError(w, http.StatusNotFound, "Item not found")
			return
		}
		log.Printf("level=warn component=api endpoint=item_claims outcome=failed item_id=%s err=%v", itemID, err)
		h.writeError(w, http.StatusInternalServerError, "Failed to load item claims")
		return
	}

	h.writeJSON(w, http.StatusOK, view)
}

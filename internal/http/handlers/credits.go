package handlers

import (
	"net/http"
	"strconv"
	"time"

	"server/internal/domain"
)

type ledgerEntryView struct {
	ID               string                 `json:"id"`
	Amount           int64                  `json:"amount"`
	RemainingCredits *int64                 `json:"remaining_credits,omitempty"`
	Status           string                 `json:"status"`
	ExpiresAt        *time.Time             `json:"expires_at,omitempty"`
	Scene            string                 `json:"scene,omitempty"`
	Description      string                 `json:"description,omitempty"`
	ConsumedDetail   []domain.ConsumedGrant `json:"consumed_detail,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
}

func newLedgerEntryView(entry *domain.LedgerEntry) ledgerEntryView {
	return ledgerEntryView{
		ID:               entry.ID,
		Amount:           entry.Amount,
		RemainingCredits: entry.RemainingCredits,
		Status:           string(entry.Status),
		ExpiresAt:        entry.ExpiresAt,
		Scene:            entry.Scene,
		Description:      entry.Description,
		ConsumedDetail:   entry.ConsumedDetail,
		CreatedAt:        entry.CreatedAt,
	}
}

func (a *App) CreditsBalance(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	balance, err := a.Credits.Balance(r.Context(), userID)
	if err != nil {
		a.domainError(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]int64{"balance": balance})
}

func (a *App) CreditsHistory(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := a.Credits.ListByOwner(r.Context(), userID, limit)
	if err != nil {
		a.domainError(w, err)
		return
	}
	items := make([]ledgerEntryView, 0, len(entries))
	for i := range entries {
		items = append(items, newLedgerEntryView(&entries[i]))
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}

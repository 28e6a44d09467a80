package domain

import (
	"fmt"
	"time"
)

// LedgerEntryStatus marks whether an entry still participates in the balance.
type LedgerEntryStatus string

const (
	LedgerEntryActive  LedgerEntryStatus = "active"
	LedgerEntryDeleted LedgerEntryStatus = "deleted"
)

// ParseLedgerEntryStatus validates a status read from storage.
func ParseLedgerEntryStatus(s string) (LedgerEntryStatus, error) {
	switch LedgerEntryStatus(s) {
	case LedgerEntryActive, LedgerEntryDeleted:
		return LedgerEntryStatus(s), nil
	}
	return "", fmt.Errorf("unknown ledger entry status %q", s)
}

// ConsumedGrant records one draw against a grant inside a consume entry.
type ConsumedGrant struct {
	GrantID string `json:"grant_id"`
	Amount  int64  `json:"amount"`
}

// LedgerEntry is one row of the append-only credit ledger. Positive amounts
// are grants and carry a remaining-credits counter; negative amounts are
// consumes and record exactly which grants funded them.
type LedgerEntry struct {
	ID               string
	OwnerID          string
	Amount           int64
	RemainingCredits *int64
	Status           LedgerEntryStatus
	ExpiresAt        *time.Time
	Scene            string
	Description      string
	ConsumedDetail   []ConsumedGrant
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Grant reports whether the entry adds credits.
func (e *LedgerEntry) Grant() bool { return e.Amount > 0 }

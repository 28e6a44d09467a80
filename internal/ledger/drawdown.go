// Package ledger holds the credit draw-down arithmetic shared by the
// Postgres and in-memory ledger stores.
package ledger

import (
	"sort"

	"server/internal/domain"
)

// Draw is one planned take from a grant.
type Draw struct {
	GrantID   string
	Amount    int64
	Remaining int64 // grant's remaining credits after the take
}

// PlanDrawDown selects which grants fund a consume of amount credits.
// Grants are spent soonest-expiry first, grants without an expiry last.
// It returns domain.ErrInsufficientCredits when the active grants cannot
// cover the amount; in that case no draw is planned.
func PlanDrawDown(grants []domain.LedgerEntry, amount int64) ([]Draw, error) {
	if amount <= 0 {
		return nil, nil
	}

	candidates := make([]domain.LedgerEntry, 0, len(grants))
	var available int64
	for _, g := range grants {
		if g.Status != domain.LedgerEntryActive || !g.Grant() {
			continue
		}
		if g.RemainingCredits == nil || *g.RemainingCredits <= 0 {
			continue
		}
		available += *g.RemainingCredits
		candidates = append(candidates, g)
	}
	if available < amount {
		return nil, domain.ErrInsufficientCredits
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].ExpiresAt, candidates[j].ExpiresAt
		switch {
		case a == nil && b == nil:
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		case a == nil:
			return false
		case b == nil:
			return true
		case a.Equal(*b):
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		default:
			return a.Before(*b)
		}
	})

	remaining := amount
	draws := make([]Draw, 0, len(candidates))
	for _, g := range candidates {
		if remaining == 0 {
			break
		}
		take := *g.RemainingCredits
		if take > remaining {
			take = remaining
		}
		draws = append(draws, Draw{
			GrantID:   g.ID,
			Amount:    take,
			Remaining: *g.RemainingCredits - take,
		})
		remaining -= take
	}
	return draws, nil
}

// ConsumedDetail converts a plan into the detail persisted on the consume row.
func ConsumedDetail(draws []Draw) []domain.ConsumedGrant {
	detail := make([]domain.ConsumedGrant, 0, len(draws))
	for _, d := range draws {
		detail = append(detail, domain.ConsumedGrant{GrantID: d.GrantID, Amount: d.Amount})
	}
	return detail
}

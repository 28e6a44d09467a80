package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"server/internal/domain"
)

const owner = "owner-1"

func addGrant(t *testing.T, s *Store, id string, amount int64, expiresAt *time.Time) {
	t.Helper()
	remaining := amount
	err := s.Grant(context.Background(), &domain.LedgerEntry{
		ID:               id,
		OwnerID:          owner,
		Amount:           amount,
		RemainingCredits: &remaining,
		ExpiresAt:        expiresAt,
		Scene:            "subscription",
	})
	require.NoError(t, err)
}

func expiresIn(d time.Duration) *time.Time {
	t := time.Now().Add(d)
	return &t
}

func TestConsumeDrawsFIFOByExpiry(t *testing.T) {
	s := New()
	ctx := context.Background()
	addGrant(t, s, "grant-a", 10, expiresIn(time.Hour))
	addGrant(t, s, "grant-b", 5, expiresIn(2*time.Hour))

	entry, err := s.Consume(ctx, owner, 12, "job_submit", "batch of 12")
	require.NoError(t, err)

	assert.Equal(t, int64(-12), entry.Amount)
	require.Len(t, entry.ConsumedDetail, 2)
	assert.Equal(t, domain.ConsumedGrant{GrantID: "grant-a", Amount: 10}, entry.ConsumedDetail[0])
	assert.Equal(t, domain.ConsumedGrant{GrantID: "grant-b", Amount: 2}, entry.ConsumedDetail[1])

	a, err := s.GetEntry(ctx, "grant-a", owner)
	require.NoError(t, err)
	assert.Equal(t, int64(0), *a.RemainingCredits)
	b, err := s.GetEntry(ctx, "grant-b", owner)
	require.NoError(t, err)
	assert.Equal(t, int64(3), *b.RemainingCredits)

	balance, err := s.Balance(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(3), balance)
}

func TestConsumeInsufficientIsAtomic(t *testing.T) {
	s := New()
	ctx := context.Background()
	addGrant(t, s, "grant-a", 5, expiresIn(time.Hour))
	addGrant(t, s, "grant-b", 3, nil)

	_, err := s.Consume(ctx, owner, 10, "job_submit", "")
	assert.ErrorIs(t, err, domain.ErrInsufficientCredits)

	a, _ := s.GetEntry(ctx, "grant-a", owner)
	b, _ := s.GetEntry(ctx, "grant-b", owner)
	assert.Equal(t, int64(5), *a.RemainingCredits)
	assert.Equal(t, int64(3), *b.RemainingCredits)

	balance, err := s.Balance(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(8), balance)
}

func TestRefundRestoresGrants(t *testing.T) {
	s := New()
	ctx := context.Background()
	addGrant(t, s, "grant-a", 10, expiresIn(time.Hour))
	addGrant(t, s, "grant-b", 5, expiresIn(2*time.Hour))

	entry, err := s.Consume(ctx, owner, 12, "job_submit", "")
	require.NoError(t, err)

	refunded, err := s.Refund(ctx, owner, entry.ID)
	require.NoError(t, err)
	assert.True(t, refunded)

	balance, err := s.Balance(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(15), balance)

	reversed, err := s.GetEntry(ctx, entry.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.LedgerEntryDeleted, reversed.Status)
}

func TestRefundTwiceIsNoOp(t *testing.T) {
	s := New()
	ctx := context.Background()
	addGrant(t, s, "grant-a", 10, nil)

	entry, err := s.Consume(ctx, owner, 4, "job_submit", "")
	require.NoError(t, err)

	first, err := s.Refund(ctx, owner, entry.ID)
	require.NoError(t, err)
	assert.True(t, first)
	second, err := s.Refund(ctx, owner, entry.ID)
	require.NoError(t, err)
	assert.False(t, second, "a repeated refund must not act again")

	balance, err := s.Balance(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)
}

func TestRefundOnGrantIDLeavesGrantIntact(t *testing.T) {
	s := New()
	ctx := context.Background()
	addGrant(t, s, "grant-a", 10, nil)

	refunded, err := s.Refund(ctx, owner, "grant-a")
	require.NoError(t, err)
	assert.False(t, refunded)

	grant, err := s.GetEntry(ctx, "grant-a", owner)
	require.NoError(t, err)
	assert.Equal(t, domain.LedgerEntryActive, grant.Status)

	balance, err := s.Balance(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)
}

func TestConsumeRejectsNonPositiveAmount(t *testing.T) {
	s := New()
	ctx := context.Background()
	addGrant(t, s, "grant-a", 10, nil)

	for _, amount := range []int64{0, -3} {
		_, err := s.Consume(ctx, owner, amount, "job_submit", "")
		require.Error(t, err)
	}

	entries, err := s.ListEntriesByOwner(ctx, owner, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no consume rows may be written for a rejected amount")

	balance, err := s.Balance(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)
}

func TestRefundSkipsDeletedGrants(t *testing.T) {
	s := New()
	ctx := context.Background()
	addGrant(t, s, "grant-a", 10, nil)

	entry, err := s.Consume(ctx, owner, 4, "job_submit", "")
	require.NoError(t, err)

	// Simulate the grant being revoked between consume and refund.
	s.mu.Lock()
	s.entries["grant-a"].Status = domain.LedgerEntryDeleted
	s.mu.Unlock()

	_, err = s.Refund(ctx, owner, entry.ID)
	require.NoError(t, err)

	balance, err := s.Balance(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestRefundUnknownEntry(t *testing.T) {
	s := New()
	_, err := s.Refund(context.Background(), owner, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// Conservation: active grant remainings always equal grant originals minus
// still-active consumes.
func TestLedgerConservation(t *testing.T) {
	s := New()
	ctx := context.Background()
	addGrant(t, s, "grant-a", 20, expiresIn(time.Hour))
	addGrant(t, s, "grant-b", 10, nil)

	c1, err := s.Consume(ctx, owner, 7, "job_submit", "")
	require.NoError(t, err)
	c2, err := s.Consume(ctx, owner, 15, "job_submit", "")
	require.NoError(t, err)
	_, err = s.Refund(ctx, owner, c1.ID)
	require.NoError(t, err)
	_, err = s.Consume(ctx, owner, 3, "job_submit", "")
	require.NoError(t, err)
	_, err = s.Refund(ctx, owner, c2.ID)
	require.NoError(t, err)

	entries, err := s.ListEntriesByOwner(ctx, owner, 0)
	require.NoError(t, err)

	var remaining, originals, activeConsumes int64
	for _, e := range entries {
		if e.Grant() {
			originals += e.Amount
			if e.Status == domain.LedgerEntryActive && e.RemainingCredits != nil {
				remaining += *e.RemainingCredits
			}
		} else if e.Status == domain.LedgerEntryActive {
			activeConsumes += -e.Amount
		}
	}
	assert.Equal(t, originals-activeConsumes, remaining)

	balance, err := s.Balance(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, remaining, balance)
}

func TestCreateFundedJobDebitsAndLinks(t *testing.T) {
	s := New()
	ctx := context.Background()
	addGrant(t, s, "grant-a", 20, nil)

	job := &domain.Job{
		OwnerID:    owner,
		Kind:       domain.JobKindImageGenerate,
		Cost:       5,
		SourceRefs: []string{"a_1.jpg"},
	}
	entry, err := s.CreateFundedJob(ctx, job, "job_submit", "image generation")
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.NotNil(t, job.LedgerEntryID)
	assert.Equal(t, entry.ID, *job.LedgerEntryID)

	balance, err := s.Balance(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(15), balance)

	stored, err := s.Get(ctx, job.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, stored.Status)
}

func TestCreateFundedJobInsufficientCreatesNothing(t *testing.T) {
	s := New()
	ctx := context.Background()
	addGrant(t, s, "grant-a", 3, nil)

	job := &domain.Job{OwnerID: owner, Kind: domain.JobKindImageGenerate, Cost: 5}
	_, err := s.CreateFundedJob(ctx, job, "job_submit", "")
	assert.ErrorIs(t, err, domain.ErrInsufficientCredits)

	jobs, err := s.ListByOwner(ctx, owner, domain.JobFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)

	balance, err := s.Balance(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(3), balance)
}

func TestCreateFundedJobZeroCost(t *testing.T) {
	s := New()
	ctx := context.Background()

	job := &domain.Job{OwnerID: owner, Kind: domain.JobKindImageGenerate}
	entry, err := s.CreateFundedJob(ctx, job, "job_submit", "")
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Nil(t, job.LedgerEntryID)
}

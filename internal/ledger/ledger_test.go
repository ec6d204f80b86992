package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grantline/internal/dbtest"
	"grantline/internal/domain"
	"grantline/internal/ledger"
	"grantline/internal/ledger/ledgertest"
	"grantline/internal/repo"
)

func TestJournalSubmissionsAreIdempotent(t *testing.T) {
	clock := dbtest.NewClock()
	j := ledger.NewJournal(repo.Repo{DB: dbtest.Open(t)}, time.Second, nil)
	j.Now = clock.Now
	ctx := context.Background()

	first, err := j.ReleaseMilestoneFund(ctx, "g1", 1, decimal.NewFromInt(500))
	require.NoError(t, err)
	again, err := j.ReleaseMilestoneFund(ctx, "g1", 1, decimal.NewFromInt(500))
	require.NoError(t, err)
	assert.Equal(t, first.TxRef, again.TxRef)

	other, err := j.ReleaseMilestoneFund(ctx, "g1", 2, decimal.NewFromInt(500))
	require.NoError(t, err)
	assert.NotEqual(t, first.TxRef, other.TxRef)

	entries, err := j.Entries(ctx, "g1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Amount.Valid)
	assert.True(t, entries[0].Amount.Decimal.Equal(decimal.NewFromInt(500)))
}

func TestJournalConfirmsAfterDelay(t *testing.T) {
	clock := dbtest.NewClock()
	j := ledger.NewJournal(repo.Repo{DB: dbtest.Open(t)}, 5*time.Second, nil)
	j.Now = clock.Now
	ctx := context.Background()

	r, err := j.SubmitVote(ctx, "g1", "a1", 2, "strong team")
	require.NoError(t, err)
	st, err := j.Confirmation(ctx, r.TxRef)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, st)

	clock.Advance(5 * time.Second)
	st, err = j.Confirmation(ctx, r.TxRef)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusConfirmed, st)

	_, err = j.Confirmation(ctx, "0xmissing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAwaitConfirmation(t *testing.T) {
	ctx := context.Background()
	f := ledgertest.New()
	r, err := f.Disburse(ctx, "g1", "alice", decimal.NewFromInt(10))
	require.NoError(t, err)
	require.NoError(t, ledger.AwaitConfirmation(ctx, f, r.TxRef, ledger.AwaitPolicy{Interval: time.Millisecond}))

	f.Reject(ledger.KindWithdraw, true)
	w, err := f.EmergencyWithdraw(ctx, "w1", "safe", decimal.NewFromInt(10))
	require.NoError(t, err)
	err = ledger.AwaitConfirmation(ctx, f, w.TxRef, ledger.AwaitPolicy{Interval: time.Millisecond})
	assert.ErrorIs(t, err, ledger.ErrRejected)
	assert.True(t, domain.Retryable(err))
}

func TestAwaitConfirmationTimesOut(t *testing.T) {
	j := ledger.NewJournal(repo.Repo{DB: dbtest.Open(t)}, time.Hour, nil)
	ctx := context.Background()
	r, err := j.Disburse(ctx, "g1", "alice", decimal.NewFromInt(10))
	require.NoError(t, err)
	err = ledger.AwaitConfirmation(ctx, j, r.TxRef, ledger.AwaitPolicy{Interval: time.Millisecond, Timeout: 20 * time.Millisecond})
	assert.ErrorIs(t, err, domain.ErrTimeout)
}

func TestFakeFailureInjection(t *testing.T) {
	ctx := context.Background()
	f := ledgertest.New()
	f.FailNext(ledger.KindRelease, 1)
	_, err := f.ReleaseMilestoneFund(ctx, "g1", 1, decimal.NewFromInt(1))
	assert.ErrorIs(t, err, domain.ErrExternalService)
	_, err = f.ReleaseMilestoneFund(ctx, "g1", 1, decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.Len(t, f.Submissions(ledger.KindRelease), 1)
}

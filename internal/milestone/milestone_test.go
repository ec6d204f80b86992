package milestone_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grantline/internal/config"
	"grantline/internal/dbtest"
	"grantline/internal/domain"
	"grantline/internal/ledger"
	"grantline/internal/ledger/ledgertest"
	"grantline/internal/milestone"
	"grantline/internal/treasury"
)

type fixture struct {
	conn     *sql.DB
	ctrl     milestone.Controller
	treasury treasury.Controller
	ledger   *ledgertest.Fake
}

func newFixture(t *testing.T, balance int64) fixture {
	t.Helper()
	conn := dbtest.Open(t)
	clock := dbtest.NewClock()
	fake := ledgertest.New()
	await := ledger.AwaitPolicy{Interval: time.Millisecond, Timeout: time.Second}

	cfg := config.Default().Treasury
	cfg.Admins = []string{"ana", "ben"}
	tr := treasury.New(conn, cfg, fake, await, nil, nil)
	tr.Now = clock.Now
	if balance > 0 {
		_, err := tr.Deposit(context.Background(), "ana", decimal.NewFromInt(balance), "seed")
		require.NoError(t, err)
	}
	c := milestone.New(conn, fake, await, tr, nil, nil)
	c.Now = clock.Now
	return fixture{conn: conn, ctrl: c, treasury: tr, ledger: fake}
}

func plans(amounts ...int64) []domain.MilestonePlan {
	out := make([]domain.MilestonePlan, len(amounts))
	for i, a := range amounts {
		out[i] = domain.MilestonePlan{Title: "Phase", Deliverables: []string{"report"}, Amount: decimal.NewFromInt(a)}
	}
	return out
}

func (f fixture) schedule(t *testing.T, g domain.Grant) []domain.Milestone {
	t.Helper()
	ctx := context.Background()
	tx, err := f.conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	ms, err := f.ctrl.CreateScheduleTx(ctx, tx, g, "orchestrator")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return ms
}

func (f fixture) approve(t *testing.T, id string) domain.Milestone {
	t.Helper()
	ctx := context.Background()
	_, err := f.ctrl.Submit(ctx, id, "ipfs://proof", "done", "alice")
	require.NoError(t, err)
	m, err := f.ctrl.Review(ctx, id, domain.OutcomeApproved, "", "reviewer")
	require.NoError(t, err)
	return m
}

func TestValidatePlan(t *testing.T) {
	total := decimal.NewFromInt(1000)
	assert.NoError(t, milestone.ValidatePlan(total, plans(400, 600)))
	assert.ErrorIs(t, milestone.ValidatePlan(total, plans(400, 500)), domain.ErrValidation)
	assert.ErrorIs(t, milestone.ValidatePlan(total, plans(1000, 0)), domain.ErrValidation)
	assert.ErrorIs(t, milestone.ValidatePlan(total, nil), domain.ErrValidation)
}

func TestScheduleActivatesFirstOnly(t *testing.T) {
	f := newFixture(t, 0)
	g := dbtest.SeedGrant(t, f.conn, "g1", 1000, plans(300, 300, 400)...)
	ms := f.schedule(t, g)
	require.Len(t, ms, 3)
	assert.Equal(t, domain.MilestoneActive, ms[0].Status)
	assert.Equal(t, domain.MilestonePending, ms[1].Status)
	assert.Equal(t, domain.MilestonePending, ms[2].Status)

	again := f.schedule(t, g)
	assert.Equal(t, ms[0].ID, again[0].ID)
}

func TestRejectThenResubmitReachesPaid(t *testing.T) {
	f := newFixture(t, 5000)
	ctx := context.Background()
	g := dbtest.SeedGrant(t, f.conn, "g1", 1000, plans(400, 600)...)
	ms := f.schedule(t, g)
	first := ms[0]

	_, err := f.ctrl.Submit(ctx, first.ID, "", "notes", "alice")
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.ctrl.Submit(ctx, ms[1].ID, "ipfs://early", "notes", "alice")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	m, err := f.ctrl.Submit(ctx, first.ID, "ipfs://v1", "first cut", "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.MilestoneSubmitted, m.Status)
	m, err = f.ctrl.BeginReview(ctx, first.ID, "reviewer")
	require.NoError(t, err)
	assert.Equal(t, domain.MilestoneUnderReview, m.Status)

	_, err = f.ctrl.Review(ctx, first.ID, domain.OutcomeRejected, "", "reviewer")
	assert.ErrorIs(t, err, domain.ErrValidation)
	m, err = f.ctrl.Review(ctx, first.ID, domain.OutcomeRejected, "tests are missing", "reviewer")
	require.NoError(t, err)
	assert.Equal(t, domain.MilestoneRejected, m.Status)
	assert.Equal(t, 1, m.Ordinal)

	_, err = f.ctrl.Release(ctx, first.ID, "ana")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	m, err = f.ctrl.Submit(ctx, first.ID, "ipfs://v2", "added tests", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, m.RevisionCount)
	m, err = f.ctrl.Review(ctx, first.ID, domain.OutcomeApproved, "looks good", "reviewer")
	require.NoError(t, err)
	assert.Equal(t, domain.MilestoneApproved, m.Status)

	second, err := f.ctrl.Get(ctx, ms[1].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MilestoneActive, second.Status)

	m, err = f.ctrl.Release(ctx, first.ID, "ana")
	require.NoError(t, err)
	assert.Equal(t, domain.MilestonePaid, m.Status)
	assert.NotEmpty(t, m.PaymentRef)
	require.NotNil(t, m.PaidAt)

	stored, err := f.ctrl.Repo.GetGrant(ctx, "g1")
	require.NoError(t, err)
	assert.True(t, stored.PaidAmount.Equal(decimal.NewFromInt(400)))
	assert.True(t, stored.Amount.Equal(decimal.NewFromInt(1000)))

	st, err := f.treasury.State(ctx)
	require.NoError(t, err)
	assert.True(t, st.Balance.Equal(decimal.NewFromInt(4600)))
}

func TestRevisionRequestLoops(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	g := dbtest.SeedGrant(t, f.conn, "g1", 100, plans(100)...)
	ms := f.schedule(t, g)
	_, err := f.ctrl.Submit(ctx, ms[0].ID, "ipfs://v1", "", "alice")
	require.NoError(t, err)
	m, err := f.ctrl.Review(ctx, ms[0].ID, domain.OutcomeRevisionRequested, "clarify the metrics", "reviewer")
	require.NoError(t, err)
	assert.Equal(t, domain.MilestoneRevisionRequested, m.Status)
	assert.Equal(t, "clarify the metrics", m.Feedback)
	_, err = f.ctrl.Review(ctx, ms[0].ID, domain.OutcomeApproved, "", "reviewer")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	m, err = f.ctrl.Submit(ctx, ms[0].ID, "ipfs://v2", "", "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.MilestoneSubmitted, m.Status)
}

func TestNoDoubleRelease(t *testing.T) {
	f := newFixture(t, 5000)
	ctx := context.Background()
	g := dbtest.SeedGrant(t, f.conn, "g1", 1000, plans(1000)...)
	ms := f.schedule(t, g)
	f.approve(t, ms[0].ID)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ctrl.Release(ctx, ms[0].ID, "ana")
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrConflict)
	}
	assert.Equal(t, 1, ok)
	assert.Len(t, f.ledger.Submissions(ledger.KindRelease), 1)

	done, err := f.ctrl.Completed(ctx, "g1")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestReleaseBlockedByPause(t *testing.T) {
	f := newFixture(t, 5000)
	ctx := context.Background()
	g := dbtest.SeedGrant(t, f.conn, "g1", 100, plans(100)...)
	ms := f.schedule(t, g)
	f.approve(t, ms[0].ID)

	_, err := f.treasury.Pause(ctx, "ana", "incident")
	require.NoError(t, err)
	_, err = f.ctrl.Release(ctx, ms[0].ID, "ana")
	assert.ErrorIs(t, err, domain.ErrHalted)
	assert.Empty(t, f.ledger.Submissions(ledger.KindRelease))

	_, err = f.treasury.Unpause(ctx, "ben")
	require.NoError(t, err)
	_, err = f.ctrl.Release(ctx, ms[0].ID, "ana")
	require.NoError(t, err)
}

func TestReleaseLedgerFailureLeavesApproved(t *testing.T) {
	f := newFixture(t, 5000)
	ctx := context.Background()
	g := dbtest.SeedGrant(t, f.conn, "g1", 100, plans(100)...)
	ms := f.schedule(t, g)
	f.approve(t, ms[0].ID)

	f.ledger.FailNext(ledger.KindRelease, 1)
	_, err := f.ctrl.Release(ctx, ms[0].ID, "ana")
	assert.ErrorIs(t, err, domain.ErrExternalService)
	m, err := f.ctrl.Get(ctx, ms[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MilestoneApproved, m.Status)

	f.ledger.Reject(ledger.KindRelease, true)
	_, err = f.ctrl.Release(ctx, ms[0].ID, "ana")
	assert.ErrorIs(t, err, ledger.ErrRejected)
	m, err = f.ctrl.Get(ctx, ms[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MilestoneApproved, m.Status)

	// both failed payouts handed their reservation back
	st, err := f.treasury.State(ctx)
	require.NoError(t, err)
	assert.True(t, st.Balance.Equal(decimal.NewFromInt(5000)))
}

func TestConcurrentReleasesCannotOverdraw(t *testing.T) {
	f := newFixture(t, 500)
	ctx := context.Background()
	var ids []string
	for _, grantID := range []string{"g1", "g2"} {
		g := dbtest.SeedGrant(t, f.conn, grantID, 400, plans(400)...)
		ms := f.schedule(t, g)
		f.approve(t, ms[0].ID)
		ids = append(ids, ms[0].ID)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ctrl.Release(ctx, id, "ana")
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrValidation)
	}
	assert.Equal(t, 1, ok)
	assert.Len(t, f.ledger.Submissions(ledger.KindRelease), 1)
	st, err := f.treasury.State(ctx)
	require.NoError(t, err)
	assert.True(t, st.Balance.Equal(decimal.NewFromInt(100)))
}

func TestReleaseNeedsTreasuryFunds(t *testing.T) {
	f := newFixture(t, 50)
	ctx := context.Background()
	g := dbtest.SeedGrant(t, f.conn, "g1", 100, plans(100)...)
	ms := f.schedule(t, g)
	f.approve(t, ms[0].ID)
	_, err := f.ctrl.Release(ctx, ms[0].ID, "ana")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestPaidTotalNeverExceedsGrant(t *testing.T) {
	f := newFixture(t, 5000)
	ctx := context.Background()
	g := dbtest.SeedGrant(t, f.conn, "g1", 1000, plans(500, 500)...)
	ms := f.schedule(t, g)
	for _, m := range ms {
		f.approve(t, m.ID)
		_, err := f.ctrl.Release(ctx, m.ID, "ana")
		require.NoError(t, err)
	}
	stored, err := f.ctrl.Repo.GetGrant(ctx, "g1")
	require.NoError(t, err)
	assert.True(t, stored.PaidAmount.Equal(stored.Amount))

	all, err := f.ctrl.List(ctx, "g1")
	require.NoError(t, err)
	sum := decimal.Zero
	for _, m := range all {
		assert.Equal(t, domain.MilestonePaid, m.Status)
		sum = sum.Add(m.Amount)
	}
	assert.True(t, sum.LessThanOrEqual(stored.Amount))
}

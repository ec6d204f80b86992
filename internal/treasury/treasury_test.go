package treasury_test

import (
	"context"
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
	"grantline/internal/treasury"
)

func newController(t *testing.T) (treasury.Controller, *ledgertest.Fake) {
	t.Helper()
	cfg := config.Default().Treasury
	cfg.Admins = []string{"ana", "ben", "cy"}
	cfg.InitialBalance = "1000"
	fake := ledgertest.New()
	c := treasury.New(dbtest.Open(t), cfg, fake, ledger.AwaitPolicy{Interval: time.Millisecond, Timeout: time.Second}, nil, nil)
	c.Now = dbtest.NewClock().Now
	require.NoError(t, c.Bootstrap(context.Background()))
	return c, fake
}

func TestBootstrapFundsOnce(t *testing.T) {
	c, _ := newController(t)
	ctx := context.Background()
	require.NoError(t, c.Bootstrap(ctx))
	st, err := c.State(ctx)
	require.NoError(t, err)
	assert.True(t, st.Balance.Equal(decimal.NewFromInt(1000)))
}

func TestSwitchesRequireAdminAndGuardNoOps(t *testing.T) {
	c, _ := newController(t)
	ctx := context.Background()

	_, err := c.Pause(ctx, "mallory", "because")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	st, err := c.Pause(ctx, "ana", "suspicious proposals")
	require.NoError(t, err)
	assert.True(t, st.Paused)
	_, err = c.Pause(ctx, "ben", "again")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	// any admin can resume a pause
	st, err = c.Unpause(ctx, "ben")
	require.NoError(t, err)
	assert.False(t, st.Paused)

	_, err = c.EmergencyStop(ctx, "ana", "")
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = c.EmergencyStop(ctx, "ana", "exploit in progress")
	require.NoError(t, err)
	_, err = c.ClearEmergency(ctx, "cy")
	require.NoError(t, err)
	_, err = c.ClearEmergency(ctx, "cy")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestCheckOperational(t *testing.T) {
	c, _ := newController(t)
	ctx := context.Background()
	for _, op := range []treasury.Operation{treasury.OpSubmit, treasury.OpEvaluate, treasury.OpStep, treasury.OpPayment} {
		assert.NoError(t, c.CheckOperational(ctx, op))
	}

	_, err := c.Pause(ctx, "ana", "maintenance")
	require.NoError(t, err)
	assert.ErrorIs(t, c.CheckOperational(ctx, treasury.OpSubmit), domain.ErrHalted)
	assert.ErrorIs(t, c.CheckOperational(ctx, treasury.OpPayment), domain.ErrHalted)
	assert.NoError(t, c.CheckOperational(ctx, treasury.OpStep))

	_, err = c.EmergencyStop(ctx, "ana", "exploit")
	require.NoError(t, err)
	err = c.CheckOperational(ctx, treasury.OpStep)
	assert.ErrorIs(t, err, domain.ErrHalted)
	assert.True(t, treasury.IsHalted(err))
}

func TestWithdrawalOnlyWhileHalted(t *testing.T) {
	c, _ := newController(t)
	ctx := context.Background()
	_, err := c.CreateWithdrawal(ctx, "ana", "0xsafe", decimal.NewFromInt(100), "move to cold wallet")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = c.Pause(ctx, "ana", "incident")
	require.NoError(t, err)
	_, err = c.CreateWithdrawal(ctx, "mallory", "0xsafe", decimal.NewFromInt(100), "mine")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = c.CreateWithdrawal(ctx, "ana", "0xsafe", decimal.Zero, "nothing")
	assert.ErrorIs(t, err, domain.ErrValidation)

	w, err := c.CreateWithdrawal(ctx, "ana", "0xsafe", decimal.NewFromInt(100), "move to cold wallet")
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalPending, w.Status)
	assert.Equal(t, 2, w.RequiredApprovals)
}

func TestWithdrawalExecutesAfterTwoApprovals(t *testing.T) {
	c, fake := newController(t)
	ctx := context.Background()
	_, err := c.EmergencyStop(ctx, "ana", "exploit")
	require.NoError(t, err)
	w, err := c.CreateWithdrawal(ctx, "ana", "0xsafe", decimal.NewFromInt(400), "evacuate funds")
	require.NoError(t, err)

	// a rejection is recorded but does not fail the request
	w, err = c.Decide(ctx, w.ID, "cy", false, "wrong recipient?")
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalPending, w.Status)

	w, err = c.Decide(ctx, w.ID, "ana", true, "")
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalPending, w.Status)
	assert.Empty(t, fake.Submissions(ledger.KindWithdraw))

	_, err = c.Decide(ctx, w.ID, "ana", true, "again")
	assert.ErrorIs(t, err, domain.ErrConflict)
	_, err = c.Execute(ctx, w.ID, "ana")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	w, err = c.Decide(ctx, w.ID, "ben", true, "confirmed recipient")
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalExecuted, w.Status)
	assert.NotEmpty(t, w.LedgerTx)
	assert.Len(t, fake.Submissions(ledger.KindWithdraw), 1)

	st, err := c.State(ctx)
	require.NoError(t, err)
	assert.True(t, st.Balance.Equal(decimal.NewFromInt(600)))

	stored, err := c.Withdrawal(ctx, w.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Decisions, 3)
	assert.Equal(t, 2, stored.Approvals())

	_, err = c.Decide(ctx, w.ID, "cy", true, "late")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestWithdrawalRefusedOnceResumed(t *testing.T) {
	c, fake := newController(t)
	ctx := context.Background()
	_, err := c.Pause(ctx, "ana", "incident")
	require.NoError(t, err)
	w, err := c.CreateWithdrawal(ctx, "ana", "0xsafe", decimal.NewFromInt(100), "evacuate")
	require.NoError(t, err)
	_, err = c.Decide(ctx, w.ID, "ana", true, "")
	require.NoError(t, err)
	_, err = c.Unpause(ctx, "ben")
	require.NoError(t, err)

	w, err = c.Decide(ctx, w.ID, "ben", true, "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, domain.WithdrawalPending, w.Status)
	assert.Empty(t, fake.Submissions(ledger.KindWithdraw))

	// back under pause the approved request can be executed explicitly
	_, err = c.Pause(ctx, "ana", "incident continues")
	require.NoError(t, err)
	w, err = c.Execute(ctx, w.ID, "ben")
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalExecuted, w.Status)
}

func TestWithdrawalLedgerFailureKeepsRequestPending(t *testing.T) {
	c, fake := newController(t)
	ctx := context.Background()
	_, err := c.Pause(ctx, "ana", "incident")
	require.NoError(t, err)
	w, err := c.CreateWithdrawal(ctx, "ana", "0xsafe", decimal.NewFromInt(100), "evacuate")
	require.NoError(t, err)
	_, err = c.Decide(ctx, w.ID, "ana", true, "")
	require.NoError(t, err)

	fake.FailNext(ledger.KindWithdraw, 1)
	_, err = c.Decide(ctx, w.ID, "ben", true, "")
	assert.ErrorIs(t, err, domain.ErrExternalService)
	stored, err := c.Withdrawal(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalPending, stored.Status)

	w, err = c.Execute(ctx, w.ID, "ben")
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalExecuted, w.Status)
}

func TestAbandonWithdrawal(t *testing.T) {
	c, _ := newController(t)
	ctx := context.Background()
	_, err := c.Pause(ctx, "ana", "incident")
	require.NoError(t, err)
	w, err := c.CreateWithdrawal(ctx, "ana", "0xsafe", decimal.NewFromInt(100), "evacuate")
	require.NoError(t, err)
	w, err = c.Abandon(ctx, w.ID, "ben", "false alarm")
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalAbandoned, w.Status)
	_, err = c.Decide(ctx, w.ID, "ana", true, "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	list, err := c.Withdrawals(ctx, domain.WithdrawalAbandoned)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestReserveCannotOverdrawConcurrently(t *testing.T) {
	c, _ := newController(t)
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.Reserve(ctx, treasury.OpPayment, decimal.NewFromInt(600), "grant:g1", "orchestrator")
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
	st, err := c.State(ctx)
	require.NoError(t, err)
	assert.True(t, st.Balance.Equal(decimal.NewFromInt(400)))

	require.NoError(t, c.Release(ctx, decimal.NewFromInt(600), "grant:g1", "orchestrator"))
	st, err = c.State(ctx)
	require.NoError(t, err)
	assert.True(t, st.Balance.Equal(decimal.NewFromInt(1000)))
}

func TestReserveRespectsSwitches(t *testing.T) {
	c, _ := newController(t)
	ctx := context.Background()
	_, err := c.Pause(ctx, "ana", "incident")
	require.NoError(t, err)

	err = c.Reserve(ctx, treasury.OpPayment, decimal.NewFromInt(10), "grant:g1", "orchestrator")
	assert.ErrorIs(t, err, domain.ErrHalted)
	st, err := c.State(ctx)
	require.NoError(t, err)
	assert.True(t, st.Balance.Equal(decimal.NewFromInt(1000)))

	assert.ErrorIs(t, c.Reserve(ctx, treasury.OpPayment, decimal.Zero, "grant:g1", "orchestrator"), domain.ErrValidation)
}

func TestWithdrawalLedgerRejectionRestoresBalance(t *testing.T) {
	c, fake := newController(t)
	ctx := context.Background()
	_, err := c.EmergencyStop(ctx, "ana", "exploit")
	require.NoError(t, err)
	w, err := c.CreateWithdrawal(ctx, "ana", "0xsafe", decimal.NewFromInt(300), "evacuate")
	require.NoError(t, err)
	_, err = c.Decide(ctx, w.ID, "ana", true, "")
	require.NoError(t, err)

	fake.Reject(ledger.KindWithdraw, true)
	_, err = c.Decide(ctx, w.ID, "ben", true, "")
	assert.ErrorIs(t, err, ledger.ErrRejected)
	st, err := c.State(ctx)
	require.NoError(t, err)
	assert.True(t, st.Balance.Equal(decimal.NewFromInt(1000)))
}

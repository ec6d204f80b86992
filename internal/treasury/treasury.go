// Package treasury owns the pause and emergency stop switches, the treasury balance and the
// multi-signature emergency withdrawal flow.
package treasury

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"grantline/internal/config"
	"grantline/internal/domain"
	"grantline/internal/events"
	"grantline/internal/ledger"
	"grantline/internal/lockset"
	"grantline/internal/observability"
	"grantline/internal/repo"
)

// Operation names a class of side effect gated by the safety switches.
type Operation string

const (
	// OpSubmit accepts a new grant.
	OpSubmit Operation = "submit"
	// OpEvaluate dispatches new evaluation work.
	OpEvaluate Operation = "evaluate"
	// OpStep is any side-effecting step of work already in flight.
	OpStep Operation = "step"
	// OpPayment moves funds out of the treasury.
	OpPayment Operation = "payment"
)

type Controller struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  config.Treasury
	Ledger  ledger.Client
	Await   ledger.AwaitPolicy
	Metrics *observability.Metrics
	Now     func() time.Time
	Logger  *slog.Logger

	locks *lockset.Set
}

func New(db *sql.DB, cfg config.Treasury, client ledger.Client, await ledger.AwaitPolicy, logger *slog.Logger, metrics *observability.Metrics) Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return Controller{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{},
		Config:  cfg,
		Ledger:  client,
		Await:   await,
		Metrics: metrics,
		Now:     time.Now,
		Logger:  logger.With("component", "treasury"),
		locks:   &lockset.Set{},
	}
}

func (c Controller) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func (c Controller) lock(key string) func() {
	if c.locks == nil {
		return func() {}
	}
	return c.locks.Lock(key)
}

func (c Controller) requireAdmin(actor string) error {
	if !c.Config.IsAdmin(actor) {
		return fmt.Errorf("%w: %s is not a treasury admin", domain.ErrUnauthorized, actor)
	}
	return nil
}

func (c Controller) State(ctx context.Context) (domain.TreasuryState, error) {
	return c.Repo.GetTreasury(ctx)
}

// CheckOperational returns domain.ErrHalted when the switches block op. Emergency stop blocks
// everything; pause blocks new work and fund movement but lets in-flight steps finish.
func (c Controller) CheckOperational(ctx context.Context, op Operation) error {
	st, err := c.Repo.GetTreasury(ctx)
	if err != nil {
		return err
	}
	return checkState(st, op)
}

// CheckOperationalTx is CheckOperational against the caller's transaction.
func (c Controller) CheckOperationalTx(ctx context.Context, tx *sql.Tx, op Operation) error {
	st, err := c.Repo.GetTreasuryTx(ctx, tx)
	if err != nil {
		return err
	}
	return checkState(st, op)
}

func checkState(st domain.TreasuryState, op Operation) error {
	if st.EmergencyStop {
		return fmt.Errorf("%w: emergency stop engaged (%s)", domain.ErrHalted, op)
	}
	if st.Paused && op != OpStep {
		return fmt.Errorf("%w: treasury paused (%s)", domain.ErrHalted, op)
	}
	return nil
}

func (c Controller) Pause(ctx context.Context, actor, reason string) (domain.TreasuryState, error) {
	return c.flip(ctx, actor, "pause", func(st *domain.TreasuryState) (string, error) {
		if st.Paused {
			return "", domain.BadTransition("treasury", "paused", "paused")
		}
		st.Paused, st.PausedBy, st.PauseReason = true, actor, reason
		return events.TreasuryPaused, nil
	})
}

func (c Controller) Unpause(ctx context.Context, actor string) (domain.TreasuryState, error) {
	return c.flip(ctx, actor, "pause", func(st *domain.TreasuryState) (string, error) {
		if !st.Paused {
			return "", domain.BadTransition("treasury", "running", "running")
		}
		st.Paused, st.PausedBy, st.PauseReason = false, "", ""
		return events.TreasuryUnpaused, nil
	})
}

// EmergencyStop halts all operations until ClearEmergency is called.
func (c Controller) EmergencyStop(ctx context.Context, actor, reason string) (domain.TreasuryState, error) {
	if strings.TrimSpace(reason) == "" {
		return domain.TreasuryState{}, domain.Invalid("emergency stop requires a reason")
	}
	return c.flip(ctx, actor, "emergency_stop", func(st *domain.TreasuryState) (string, error) {
		if st.EmergencyStop {
			return "", domain.BadTransition("treasury", "stopped", "stopped")
		}
		st.EmergencyStop, st.StoppedBy, st.StopReason = true, actor, reason
		return events.TreasuryStopped, nil
	})
}

func (c Controller) ClearEmergency(ctx context.Context, actor string) (domain.TreasuryState, error) {
	return c.flip(ctx, actor, "emergency_stop", func(st *domain.TreasuryState) (string, error) {
		if !st.EmergencyStop {
			return "", domain.BadTransition("treasury", "running", "running")
		}
		st.EmergencyStop, st.StoppedBy, st.StopReason = false, "", ""
		return events.TreasuryResumed, nil
	})
}

func (c Controller) flip(ctx context.Context, actor, name string, fn func(*domain.TreasuryState) (string, error)) (domain.TreasuryState, error) {
	if err := c.requireAdmin(actor); err != nil {
		return domain.TreasuryState{}, err
	}
	unlock := c.lock("treasury")
	defer unlock()
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TreasuryState{}, err
	}
	defer tx.Rollback()
	st, err := c.Repo.GetTreasuryTx(ctx, tx)
	if err != nil {
		return domain.TreasuryState{}, err
	}
	evtType, err := fn(&st)
	if err != nil {
		return domain.TreasuryState{}, err
	}
	st.UpdatedAt = c.now()
	if err := c.Repo.UpdateTreasuryTx(ctx, tx, st); err != nil {
		return domain.TreasuryState{}, err
	}
	if err := c.Events.Append(ctx, tx, evtType, "", "treasury", "treasury", actor, events.EventPayload{
		"paused": st.Paused, "emergency_stop": st.EmergencyStop, "reason": st.PauseReason + st.StopReason,
	}); err != nil {
		return domain.TreasuryState{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TreasuryState{}, err
	}
	engaged := st.Paused
	if name == "emergency_stop" {
		engaged = st.EmergencyStop
	}
	c.Metrics.Switch(name, engaged)
	c.Logger.Warn("treasury switch changed", "switch", name, "engaged", engaged, "actor", actor)
	return st, nil
}

// Deposit credits the treasury balance.
func (c Controller) Deposit(ctx context.Context, actor string, amount decimal.Decimal, note string) (domain.TreasuryState, error) {
	if err := c.requireAdmin(actor); err != nil {
		return domain.TreasuryState{}, err
	}
	return c.deposit(ctx, actor, amount, note)
}

func (c Controller) deposit(ctx context.Context, actor string, amount decimal.Decimal, note string) (domain.TreasuryState, error) {
	if !amount.IsPositive() {
		return domain.TreasuryState{}, domain.Invalid("deposit amount must be positive")
	}
	unlock := c.lock("treasury")
	defer unlock()
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TreasuryState{}, err
	}
	defer tx.Rollback()
	balance, err := c.Repo.AdjustBalanceTx(ctx, tx, amount)
	if err != nil {
		return domain.TreasuryState{}, err
	}
	if err := c.Events.Append(ctx, tx, events.TreasuryDeposit, "", "treasury", "treasury", actor, events.EventPayload{
		"amount": amount.String(), "balance": balance.String(), "note": note,
	}); err != nil {
		return domain.TreasuryState{}, err
	}
	st, err := c.Repo.GetTreasuryTx(ctx, tx)
	if err != nil {
		return domain.TreasuryState{}, err
	}
	return st, tx.Commit()
}

// Reserve debits amount ahead of a ledger payout identified by ref. The switch check, the
// balance check and the debit share one transaction, so two payouts cannot spend the same
// balance. A payout that does not confirm hands the amount back with Release.
func (c Controller) Reserve(ctx context.Context, op Operation, amount decimal.Decimal, ref, actor string) error {
	_, err := c.hold(ctx, amount, ref, actor, func(tx *sql.Tx) error {
		return c.CheckOperationalTx(ctx, tx, op)
	})
	return err
}

// Release credits back a reservation whose payout failed or never confirmed.
func (c Controller) Release(ctx context.Context, amount decimal.Decimal, ref, actor string) error {
	if !amount.IsPositive() {
		return domain.Invalid("released amount must be positive")
	}
	unlock := c.lock("treasury")
	defer unlock()
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	balance, err := c.Repo.AdjustBalanceTx(ctx, tx, amount)
	if err != nil {
		return err
	}
	if err := c.Events.Append(ctx, tx, events.TreasuryReleased, "", "treasury", ref, actor, events.EventPayload{
		"amount": amount.String(), "balance": balance.String(),
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	c.Logger.Warn("treasury reservation released", "ref", ref, "amount", amount.String(), "balance", balance.String())
	return nil
}

func (c Controller) hold(ctx context.Context, amount decimal.Decimal, ref, actor string, check func(*sql.Tx) error) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, domain.Invalid("reserved amount must be positive")
	}
	unlock := c.lock("treasury")
	defer unlock()
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, err
	}
	defer tx.Rollback()
	if err := check(tx); err != nil {
		return decimal.Zero, err
	}
	balance, err := c.Repo.AdjustBalanceTx(ctx, tx, amount.Neg())
	if err != nil {
		return decimal.Zero, err
	}
	if err := c.Events.Append(ctx, tx, events.TreasuryReserved, "", "treasury", ref, actor, events.EventPayload{
		"amount": amount.String(), "balance": balance.String(),
	}); err != nil {
		return decimal.Zero, err
	}
	if err := tx.Commit(); err != nil {
		return decimal.Zero, err
	}
	c.Logger.Debug("treasury reserved", "ref", ref, "amount", amount.String(), "balance", balance.String())
	return balance, nil
}

// Bootstrap credits the configured initial balance once, on a treasury that was never funded.
func (c Controller) Bootstrap(ctx context.Context) error {
	if c.Config.InitialBalance == "" {
		return nil
	}
	amount, err := decimal.NewFromString(c.Config.InitialBalance)
	if err != nil {
		return domain.Invalid("initial balance: %v", err)
	}
	if !amount.IsPositive() {
		return nil
	}
	prior, err := c.Repo.LatestEvents(ctx, repo.EventFilters{Type: events.TreasuryDeposit, Limit: 1})
	if err != nil {
		return err
	}
	if len(prior) > 0 {
		return nil
	}
	_, err = c.deposit(ctx, "system", amount, "initial balance")
	return err
}

// CreateWithdrawal opens an emergency withdrawal. Only allowed while paused or stopped.
func (c Controller) CreateWithdrawal(ctx context.Context, actor, recipient string, amount decimal.Decimal, reason string) (domain.WithdrawalRequest, error) {
	if err := c.requireAdmin(actor); err != nil {
		return domain.WithdrawalRequest{}, err
	}
	if strings.TrimSpace(recipient) == "" {
		return domain.WithdrawalRequest{}, domain.Invalid("recipient is required")
	}
	if !amount.IsPositive() {
		return domain.WithdrawalRequest{}, domain.Invalid("withdrawal amount must be positive")
	}
	if strings.TrimSpace(reason) == "" {
		return domain.WithdrawalRequest{}, domain.Invalid("withdrawal reason is required")
	}
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WithdrawalRequest{}, err
	}
	defer tx.Rollback()
	st, err := c.Repo.GetTreasuryTx(ctx, tx)
	if err != nil {
		return domain.WithdrawalRequest{}, err
	}
	if !st.Halted() {
		return domain.WithdrawalRequest{}, fmt.Errorf("%w: withdrawals require pause or emergency stop", domain.ErrInvalidTransition)
	}
	w := domain.WithdrawalRequest{
		ID:                uuid.NewString(),
		Recipient:         recipient,
		Amount:            amount,
		Reason:            reason,
		CreatedBy:         actor,
		RequiredApprovals: c.Config.RequiredApprovals,
		Status:            domain.WithdrawalPending,
		CreatedAt:         c.now(),
	}
	if err := c.Repo.InsertWithdrawalTx(ctx, tx, w); err != nil {
		return domain.WithdrawalRequest{}, err
	}
	if err := c.Events.Append(ctx, tx, events.WithdrawalCreated, "", "withdrawal", w.ID, actor, events.EventPayload{
		"recipient": recipient, "amount": amount.String(), "reason": reason,
	}); err != nil {
		return domain.WithdrawalRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WithdrawalRequest{}, err
	}
	c.Logger.Warn("emergency withdrawal requested", "withdrawal", w.ID, "recipient", recipient, "amount", amount.String(), "actor", actor)
	return w, nil
}

// Decide records one admin's approval or rejection. Rejections never fail the request; once the
// approvals reach the required count the withdrawal is executed.
func (c Controller) Decide(ctx context.Context, id, actor string, approve bool, comment string) (domain.WithdrawalRequest, error) {
	if err := c.requireAdmin(actor); err != nil {
		return domain.WithdrawalRequest{}, err
	}
	unlock := c.lock(id)
	w, err := c.decide(ctx, id, actor, approve, comment)
	unlock()
	if err != nil {
		return domain.WithdrawalRequest{}, err
	}
	if approve && w.Approvals() >= w.RequiredApprovals {
		executed, err := c.Execute(ctx, id, actor)
		if err != nil {
			// the decision stands; Execute can be retried
			return w, err
		}
		return executed, nil
	}
	return w, nil
}

func (c Controller) decide(ctx context.Context, id, actor string, approve bool, comment string) (domain.WithdrawalRequest, error) {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WithdrawalRequest{}, err
	}
	defer tx.Rollback()
	w, err := c.Repo.GetWithdrawalTx(ctx, tx, id)
	if err != nil {
		return domain.WithdrawalRequest{}, err
	}
	if w.Status != domain.WithdrawalPending {
		return domain.WithdrawalRequest{}, domain.BadTransition("withdrawal", w.Status, "decided")
	}
	d := domain.WithdrawalDecision{Approver: actor, Approve: approve, Comment: comment, DecidedAt: c.now()}
	if err := c.Repo.InsertDecisionTx(ctx, tx, id, d); err != nil {
		return domain.WithdrawalRequest{}, err
	}
	w.Decisions = append(w.Decisions, d)
	if err := c.Events.Append(ctx, tx, events.WithdrawalDecided, "", "withdrawal", id, actor, events.EventPayload{
		"approve": approve, "comment": comment, "approvals": w.Approvals(), "required": w.RequiredApprovals,
	}); err != nil {
		return domain.WithdrawalRequest{}, err
	}
	return w, tx.Commit()
}

// Execute sends an approved withdrawal to the ledger and debits the treasury once confirmed.
func (c Controller) Execute(ctx context.Context, id, actor string) (domain.WithdrawalRequest, error) {
	unlock := c.lock(id)
	defer unlock()

	w, err := c.Repo.GetWithdrawal(ctx, id)
	if err != nil {
		return domain.WithdrawalRequest{}, err
	}
	if w.Status != domain.WithdrawalPending {
		return domain.WithdrawalRequest{}, domain.BadTransition("withdrawal", w.Status, domain.WithdrawalExecuted)
	}
	if got := w.Approvals(); got < w.RequiredApprovals {
		return domain.WithdrawalRequest{}, fmt.Errorf("%w: withdrawal %s has %d of %d approvals", domain.ErrInvalidTransition, id, got, w.RequiredApprovals)
	}
	if c.Ledger == nil {
		return domain.WithdrawalRequest{}, fmt.Errorf("%w: no ledger configured", domain.ErrExternalService)
	}
	ref := "withdrawal:" + w.ID
	if _, err := c.hold(ctx, w.Amount, ref, actor, func(tx *sql.Tx) error {
		st, err := c.Repo.GetTreasuryTx(ctx, tx)
		if err != nil {
			return err
		}
		if !st.Halted() {
			return fmt.Errorf("%w: withdrawals execute only during pause or emergency stop", domain.ErrInvalidTransition)
		}
		return nil
	}); err != nil {
		return domain.WithdrawalRequest{}, err
	}

	receipt, err := c.Ledger.EmergencyWithdraw(ctx, w.ID, w.Recipient, w.Amount)
	if err != nil {
		c.Logger.Error("emergency withdrawal submission failed", "withdrawal", w.ID, "recipient", w.Recipient, "amount", w.Amount.String(), "err", err)
		c.release(ctx, w.Amount, ref, actor)
		return domain.WithdrawalRequest{}, err
	}
	if err := ledger.AwaitConfirmation(ctx, c.Ledger, receipt.TxRef, c.Await); err != nil {
		c.Logger.Error("emergency withdrawal not confirmed", "withdrawal", w.ID, "tx", receipt.TxRef, "amount", w.Amount.String(), "err", err)
		c.release(ctx, w.Amount, ref, actor)
		return domain.WithdrawalRequest{}, err
	}

	executed := c.now()
	w.Status = domain.WithdrawalExecuted
	w.LedgerTx = receipt.TxRef
	w.ExecutedAt = &executed
	if err := c.commitExecution(ctx, w, actor); err != nil {
		c.Logger.Error("withdrawal confirmed on ledger but not recorded", "withdrawal", w.ID, "tx", receipt.TxRef, "amount", w.Amount.String(), "err", err)
		if _, rerr := c.Repo.InsertReconciliationIssue(ctx, nil, domain.ReconciliationIssue{
			EntityKind: "withdrawal",
			EntityID:   w.ID,
			LedgerTx:   receipt.TxRef,
			Detail:     fmt.Sprintf("ledger confirmed withdrawal of %s to %s but local record failed: %v", w.Amount, w.Recipient, err),
			CreatedAt:  executed,
		}); rerr != nil {
			c.Logger.Error("record reconciliation issue", "withdrawal", w.ID, "err", rerr)
		}
		return domain.WithdrawalRequest{}, err
	}
	c.Metrics.Disbursed(w.Amount.InexactFloat64())
	c.Logger.Warn("emergency withdrawal executed", "withdrawal", w.ID, "tx", receipt.TxRef, "amount", w.Amount.String())
	return w, nil
}

func (c Controller) commitExecution(ctx context.Context, w domain.WithdrawalRequest, actor string) error {
	unlock := c.lock("treasury")
	defer unlock()
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := c.Repo.UpdateWithdrawalTx(ctx, tx, w, domain.WithdrawalPending); err != nil {
		return err
	}
	st, err := c.Repo.GetTreasuryTx(ctx, tx)
	if err != nil {
		return err
	}
	if err := c.Events.Append(ctx, tx, events.WithdrawalExecuted, "", "withdrawal", w.ID, actor, events.EventPayload{
		"tx": w.LedgerTx, "amount": w.Amount.String(), "balance": st.Balance.String(),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// release is Release for payout paths that already carry an error; a failed release is logged
// for reconciliation.
func (c Controller) release(ctx context.Context, amount decimal.Decimal, ref, actor string) {
	if err := c.Release(context.WithoutCancel(ctx), amount, ref, actor); err != nil {
		c.Logger.Error("release treasury reservation", "ref", ref, "amount", amount.String(), "err", err)
	}
}

// Abandon closes a pending withdrawal without executing it.
func (c Controller) Abandon(ctx context.Context, id, actor, reason string) (domain.WithdrawalRequest, error) {
	if err := c.requireAdmin(actor); err != nil {
		return domain.WithdrawalRequest{}, err
	}
	unlock := c.lock(id)
	defer unlock()
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WithdrawalRequest{}, err
	}
	defer tx.Rollback()
	w, err := c.Repo.GetWithdrawalTx(ctx, tx, id)
	if err != nil {
		return domain.WithdrawalRequest{}, err
	}
	if w.Status != domain.WithdrawalPending {
		return domain.WithdrawalRequest{}, domain.BadTransition("withdrawal", w.Status, domain.WithdrawalAbandoned)
	}
	w.Status = domain.WithdrawalAbandoned
	if err := c.Repo.UpdateWithdrawalTx(ctx, tx, w, domain.WithdrawalPending); err != nil {
		return domain.WithdrawalRequest{}, err
	}
	if err := c.Events.Append(ctx, tx, events.WithdrawalAbandoned, "", "withdrawal", id, actor, events.EventPayload{"reason": reason}); err != nil {
		return domain.WithdrawalRequest{}, err
	}
	return w, tx.Commit()
}

func (c Controller) Withdrawal(ctx context.Context, id string) (domain.WithdrawalRequest, error) {
	return c.Repo.GetWithdrawal(ctx, id)
}

func (c Controller) Withdrawals(ctx context.Context, status domain.WithdrawalStatus) ([]domain.WithdrawalRequest, error) {
	return c.Repo.ListWithdrawals(ctx, status)
}

// IsHalted reports whether err came from a safety switch.
func IsHalted(err error) bool { return errors.Is(err, domain.ErrHalted) }

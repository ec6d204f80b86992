package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"grantline/internal/domain"
	"grantline/internal/events"
	"grantline/internal/ledger"
	"grantline/internal/treasury"
)

// execute funds an approved grant. Milestone grants get their schedule and then stay in
// Execution until every milestone is paid; lump-sum grants complete after one disbursement.
func (e Engine) execute(ctx context.Context, ws domain.WorkflowState) (domain.WorkflowState, error) {
	if err := e.Treasury.CheckOperational(ctx, treasury.OpStep); err != nil {
		return ws, err
	}
	g, err := e.Repo.GetGrant(ctx, ws.GrantID)
	if err != nil {
		return ws, err
	}
	switch g.Status {
	case domain.GrantCompleted:
		return e.move(ctx, ws, domain.StageComplete, nil)
	case domain.GrantApproved, domain.GrantActive:
	default:
		return ws, fmt.Errorf("%w: grant %s is %s in execution", domain.ErrInvalidTransition, g.ID, g.Status)
	}
	if !g.MilestoneBased() {
		return e.disburse(ctx, ws, g)
	}
	if g.Status == domain.GrantApproved {
		if err := e.schedule(ctx, g); err != nil {
			return ws, err
		}
	}
	done, err := e.Milestones.Completed(ctx, g.ID)
	if err != nil {
		return ws, err
	}
	if !done {
		return ws, nil
	}
	return e.complete(ctx, ws, domain.GrantActive, events.EventPayload{"paid": g.Amount.String(), "milestones": len(g.Milestones)})
}

// schedule registers the milestone schedule on the ledger and activates the grant with its
// first milestone.
func (e Engine) schedule(ctx context.Context, g domain.Grant) error {
	entries := make([]ledger.ScheduleEntry, len(g.Milestones))
	for i, m := range g.Milestones {
		entries[i] = ledger.ScheduleEntry{Ordinal: i + 1, Amount: m.Amount}
	}
	receipt, err := e.Ledger.CreateMilestoneSchedule(ctx, g.ID, entries)
	if err != nil {
		return fmt.Errorf("create milestone schedule: %w", err)
	}
	if err := ledger.AwaitConfirmation(ctx, e.Ledger, receipt.TxRef, e.Await); err != nil {
		return fmt.Errorf("confirm milestone schedule: %w", err)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ms, err := e.Milestones.CreateScheduleTx(ctx, tx, g, ActorID)
	if err != nil {
		return err
	}
	now := e.now()
	if err := e.Repo.SetGrantScheduleTx(ctx, tx, g.ID, receipt.TxRef, now); err != nil {
		return err
	}
	if err := e.Repo.SetGrantStatusTx(ctx, tx, g.ID, domain.GrantApproved, domain.GrantActive, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		e.Logger.Error("milestone schedule confirmed but not stored", "grant_id", g.ID, "ledger_tx", receipt.TxRef, "err", err)
		e.recordReconciliation(ctx, "grant", g.ID, receipt.TxRef, fmt.Errorf("schedule commit: %w", err))
		return err
	}
	e.Logger.Info("milestones scheduled", "grant_id", g.ID, "count", len(ms), "ledger_tx", receipt.TxRef)
	return nil
}

// disburse pays the unpaid remainder of a lump-sum grant and completes it.
func (e Engine) disburse(ctx context.Context, ws domain.WorkflowState, g domain.Grant) (domain.WorkflowState, error) {
	remaining := g.Amount.Sub(g.PaidAmount)
	if !remaining.IsPositive() {
		return e.complete(ctx, ws, domain.GrantApproved, events.EventPayload{"paid": g.PaidAmount.String()})
	}
	ref := "grant:" + g.ID
	if err := e.Treasury.Reserve(ctx, treasury.OpPayment, remaining, ref, ActorID); err != nil {
		return ws, err
	}
	unreserve := func() {
		if err := e.Treasury.Release(context.WithoutCancel(ctx), remaining, ref, ActorID); err != nil {
			e.Logger.Error("release treasury reservation", "grant_id", g.ID, "amount", remaining.String(), "err", err)
		}
	}
	recipient := g.Proposal.WalletAddress
	if recipient == "" {
		recipient = g.Requester
	}
	receipt, err := e.Ledger.Disburse(ctx, g.ID, recipient, remaining)
	if err != nil {
		unreserve()
		return ws, fmt.Errorf("disburse grant %s: %w", g.ID, err)
	}
	if err := ledger.AwaitConfirmation(ctx, e.Ledger, receipt.TxRef, e.Await); err != nil {
		e.Logger.Error("disbursement not confirmed", "grant_id", g.ID, "amount", remaining.String(), "ledger_tx", receipt.TxRef, "err", err)
		unreserve()
		return ws, fmt.Errorf("confirm disbursement %s: %w", g.ID, err)
	}

	next, err := e.commitDisbursement(ctx, ws, g, remaining, receipt.TxRef)
	if err != nil {
		e.Logger.Error("disbursement confirmed but not stored", "grant_id", g.ID, "amount", remaining.String(), "ledger_tx", receipt.TxRef, "err", err)
		e.recordReconciliation(ctx, "grant", g.ID, receipt.TxRef, fmt.Errorf("disbursement commit: %w", err))
		return ws, err
	}
	f, _ := remaining.Float64()
	e.Metrics.Disbursed(f)
	e.Logger.Info("grant disbursed", "grant_id", g.ID, "amount", remaining.String(), "recipient", recipient, "ledger_tx", receipt.TxRef)
	return next, nil
}

func (e Engine) commitDisbursement(ctx context.Context, ws domain.WorkflowState, g domain.Grant, amount decimal.Decimal, txRef string) (domain.WorkflowState, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ws, err
	}
	defer tx.Rollback()
	now := e.now()
	paid, err := e.Repo.AddGrantPaidTx(ctx, tx, g.ID, amount, now)
	if err != nil {
		return ws, err
	}
	if paid.GreaterThan(g.Amount) {
		return ws, domain.Invalid("grant %s paid %s exceeds %s", g.ID, paid, g.Amount)
	}
	if err := e.Repo.SetGrantPaymentTx(ctx, tx, g.ID, txRef, now); err != nil {
		return ws, err
	}
	if err := e.Repo.SetGrantStatusTx(ctx, tx, g.ID, domain.GrantApproved, domain.GrantCompleted, now); err != nil {
		return ws, err
	}
	if err := e.Events.Append(ctx, tx, events.GrantDisbursed, g.ID, "grant", g.ID, ActorID, events.EventPayload{
		"amount": amount.String(), "ledger_tx": txRef,
	}); err != nil {
		return ws, err
	}
	if err := e.Events.Append(ctx, tx, events.GrantCompleted, g.ID, "grant", g.ID, ActorID, events.EventPayload{"paid": paid.String()}); err != nil {
		return ws, err
	}
	next, err := e.moveTx(ctx, tx, ws, domain.StageComplete, ActorID)
	if err != nil {
		return ws, err
	}
	return next, tx.Commit()
}

// complete closes the grant and its workflow.
func (e Engine) complete(ctx context.Context, ws domain.WorkflowState, from domain.GrantStatus, payload events.EventPayload) (domain.WorkflowState, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ws, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetGrantStatusTx(ctx, tx, ws.GrantID, from, domain.GrantCompleted, e.now()); err != nil {
		return ws, err
	}
	if err := e.Events.Append(ctx, tx, events.GrantCompleted, ws.GrantID, "grant", ws.GrantID, ActorID, payload); err != nil {
		return ws, err
	}
	next, err := e.moveTx(ctx, tx, ws, domain.StageComplete, ActorID)
	if err != nil {
		return ws, err
	}
	if err := tx.Commit(); err != nil {
		return ws, err
	}
	e.Logger.Info("grant completed", "grant_id", ws.GrantID)
	return next, nil
}

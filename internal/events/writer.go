package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended to the audit log and fanned out to webhooks.
const (
	GrantSubmitted         = "grant.submitted"
	GrantCancelled         = "grant.cancelled"
	GrantDecided           = "grant.decided"
	GrantDisbursed         = "grant.disbursed"
	GrantCompleted         = "grant.completed"
	WorkflowAdvanced       = "workflow.advanced"
	WorkflowFailed         = "workflow.failed"
	WorkflowRetried        = "workflow.retried"
	EvaluationRecorded     = "evaluation.recorded"
	EvaluationSkipped      = "evaluation.skipped"
	AgentRegistered        = "agent.registered"
	AgentDeactivated       = "agent.deactivated"
	AgentReactivated       = "agent.reactivated"
	AgentUpdated           = "agent.updated"
	VotingOpened           = "voting.opened"
	VoteCast               = "vote.cast"
	VotingFinalized        = "voting.finalized"
	MilestonesScheduled    = "milestones.scheduled"
	MilestoneSubmitted     = "milestone.submitted"
	MilestoneReviewing     = "milestone.reviewing"
	MilestoneReviewed      = "milestone.reviewed"
	MilestonePaid          = "milestone.paid"
	TreasuryPaused         = "treasury.paused"
	TreasuryUnpaused       = "treasury.unpaused"
	TreasuryStopped        = "treasury.emergency_stop"
	TreasuryResumed        = "treasury.emergency_cleared"
	TreasuryDeposit        = "treasury.deposit"
	TreasuryReserved       = "treasury.reserved"
	TreasuryReleased       = "treasury.released"
	WithdrawalCreated      = "withdrawal.created"
	WithdrawalDecided      = "withdrawal.decided"
	WithdrawalExecuted     = "withdrawal.executed"
	WithdrawalAbandoned    = "withdrawal.abandoned"
	ReconciliationRaised   = "reconciliation.raised"
	ReconciliationResolved = "reconciliation.resolved"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes an event inside the caller's transaction so the audit row commits with the state change.
func (w Writer) Append(ctx context.Context, tx Execer, evtType, grantID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,grant_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(grantID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

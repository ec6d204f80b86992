package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"grantline/internal/domain"
	"grantline/internal/events"
	"grantline/internal/ledger"
	"grantline/internal/treasury"
)

// vote opens the grant's session, casts one vote per recorded evaluation and writes each vote
// to the ledger. It waits in Voting until the session deadline passes.
func (e Engine) vote(ctx context.Context, ws domain.WorkflowState) (domain.WorkflowState, time.Duration, error) {
	if err := e.Treasury.CheckOperational(ctx, treasury.OpStep); err != nil {
		return ws, 0, err
	}
	s, err := e.Consensus.Open(ctx, ws.GrantID, ActorID)
	if err != nil {
		return ws, 0, err
	}
	if !s.Finalized {
		if err := e.castVotes(ctx, s); err != nil {
			return ws, 0, err
		}
	}
	if now := e.now(); now.Before(s.Deadline) {
		return ws, s.Deadline.Sub(now), nil
	}
	next, err := e.move(ctx, ws, domain.StageDecision, nil)
	return next, 0, err
}

func (e Engine) castVotes(ctx context.Context, s domain.VotingSession) error {
	evs, err := e.Repo.ListEvaluations(ctx, s.GrantID)
	if err != nil {
		return err
	}
	votes, err := e.Consensus.Votes(ctx, s.ID)
	if err != nil {
		return err
	}
	cast := map[string]domain.Vote{}
	for _, v := range votes {
		cast[v.AgentID] = v
	}
	for _, ev := range evs {
		v, ok := cast[ev.AgentID]
		if !ok {
			v, err = e.Consensus.CastVote(ctx, s.ID, ev.AgentID, ev.VoteScore, rationale(ev))
			switch {
			case errors.Is(err, domain.ErrConflict):
				continue
			case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrNotFound):
				// agent was deactivated or removed since it evaluated
				e.Logger.Warn("vote not cast", "grant_id", s.GrantID, "agent_id", ev.AgentID, "err", err)
				continue
			case errors.Is(err, domain.ErrInvalidTransition):
				e.Logger.Warn("vote refused by session", "grant_id", s.GrantID, "agent_id", ev.AgentID, "err", err)
				continue
			case err != nil:
				return err
			}
		}
		if v.LedgerTx != "" {
			continue
		}
		if err := e.recordVote(ctx, s, v); err != nil {
			return err
		}
	}
	return nil
}

// recordVote writes a cast vote to the ledger and stores the confirmed tx ref on the vote.
func (e Engine) recordVote(ctx context.Context, s domain.VotingSession, v domain.Vote) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.Await.Interval
	if b.InitialInterval <= 0 {
		b.InitialInterval = 200 * time.Millisecond
	}
	receipt, err := backoff.Retry(ctx, func() (ledger.Receipt, error) {
		r, err := e.Ledger.SubmitVote(ctx, s.GrantID, v.AgentID, v.Score, v.Rationale)
		if err != nil && !domain.Retryable(err) {
			return r, backoff.Permanent(err)
		}
		return r, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(3))
	if err != nil {
		return fmt.Errorf("submit vote %s/%s: %w", s.GrantID, v.AgentID, err)
	}
	if err := ledger.AwaitConfirmation(ctx, e.Ledger, receipt.TxRef, e.Await); err != nil {
		return fmt.Errorf("confirm vote %s/%s: %w", s.GrantID, v.AgentID, err)
	}
	return e.Repo.SetVoteLedgerTx(ctx, s.ID, v.AgentID, receipt.TxRef)
}

func rationale(ev domain.Evaluation) string {
	if ev.Reasoning != "" {
		return ev.Reasoning
	}
	return fmt.Sprintf("%s evaluation: %s at %.1f", ev.AgentType, ev.Decision, ev.Score)
}

// decide finalizes the session and records the outcome on the grant in one transaction.
// Approved grants move to Execution; rejected grants complete.
func (e Engine) decide(ctx context.Context, ws domain.WorkflowState) (domain.WorkflowState, time.Duration, error) {
	if err := e.Treasury.CheckOperational(ctx, treasury.OpStep); err != nil {
		return ws, 0, err
	}
	s, err := e.Consensus.SessionForGrant(ctx, ws.GrantID)
	if err != nil {
		return ws, 0, err
	}
	if now := e.now(); !s.Finalized && now.Before(s.Deadline) {
		return ws, s.Deadline.Sub(now), nil
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ws, 0, err
	}
	defer tx.Rollback()
	var res domain.ConsensusResult
	if s.Finalized && s.Result != nil {
		res = *s.Result
	} else if res, err = e.Consensus.FinalizeTx(ctx, tx, s.ID, ActorID); err != nil {
		return ws, 0, err
	}
	g, err := e.Repo.GetGrantTx(ctx, tx, ws.GrantID)
	if err != nil {
		return ws, 0, err
	}
	status, to := domain.GrantRejected, domain.StageComplete
	if res.Approved {
		status, to = domain.GrantApproved, domain.StageExecution
	}
	now := e.now()
	if err := e.Repo.SetGrantScoreTx(ctx, tx, g.ID, res.Score, now); err != nil {
		return ws, 0, err
	}
	if err := e.Repo.SetGrantStatusTx(ctx, tx, g.ID, g.Status, status, now); err != nil {
		return ws, 0, err
	}
	if err := e.Events.Append(ctx, tx, events.GrantDecided, g.ID, "grant", g.ID, ActorID, events.EventPayload{
		"approved": res.Approved, "score": res.Score, "aggregate": res.Aggregate, "votes": res.VoteCount,
	}); err != nil {
		return ws, 0, err
	}
	next, err := e.moveTx(ctx, tx, ws, to, ActorID)
	if err != nil {
		return ws, 0, err
	}
	if err := tx.Commit(); err != nil {
		return ws, 0, err
	}
	e.Metrics.GrantDecided(res.Approved)
	e.Logger.Info("grant decided", "grant_id", g.ID, "approved", res.Approved, "score", res.Score, "votes", res.VoteCount)
	return next, 0, nil
}

// Package consensus runs voting sessions and computes the reputation-weighted aggregate that
// decides whether a grant is funded.
package consensus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"grantline/internal/config"
	"grantline/internal/domain"
	"grantline/internal/events"
	"grantline/internal/lockset"
	"grantline/internal/observability"
	"grantline/internal/repo"
)

// ErrZeroWeight is returned when every vote carries zero weight or zero reputation.
var ErrZeroWeight = fmt.Errorf("%w: total voting weight is zero", domain.ErrInvalidTransition)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  config.Consensus
	Metrics *observability.Metrics
	Now     func() time.Time
	Logger  *slog.Logger

	locks *lockset.Set
}

func New(db *sql.DB, cfg config.Consensus, logger *slog.Logger, metrics *observability.Metrics) Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{},
		Config:  cfg,
		Metrics: metrics,
		Now:     time.Now,
		Logger:  logger.With("component", "consensus"),
		locks:   &lockset.Set{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) lock(sessionID string) func() {
	if e.locks == nil {
		return func() {}
	}
	return e.locks.Lock(sessionID)
}

// Open starts the voting session for a grant. A grant has at most one session; opening again
// returns the existing one.
func (e Engine) Open(ctx context.Context, grantID, actorID string) (domain.VotingSession, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.VotingSession{}, err
	}
	defer tx.Rollback()
	s, err := e.OpenTx(ctx, tx, grantID, actorID)
	if err != nil {
		return domain.VotingSession{}, err
	}
	return s, tx.Commit()
}

func (e Engine) OpenTx(ctx context.Context, tx *sql.Tx, grantID, actorID string) (domain.VotingSession, error) {
	if existing, err := e.Repo.GetSessionByGrantTx(ctx, tx, grantID); err == nil {
		return existing, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.VotingSession{}, err
	}
	period := e.Config.VotingPeriod
	if period < 0 {
		period = 0
	}
	now := e.now()
	s := domain.VotingSession{
		ID:        uuid.NewString(),
		GrantID:   grantID,
		Open:      true,
		StartedAt: now,
		Deadline:  now.Add(period),
		Version:   1,
	}
	if err := e.Repo.InsertSessionTx(ctx, tx, s); err != nil {
		return domain.VotingSession{}, fmt.Errorf("insert voting session: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.VotingOpened, grantID, "voting_session", s.ID, actorID, events.EventPayload{"deadline": s.Deadline}); err != nil {
		return domain.VotingSession{}, err
	}
	return s, nil
}

// CastVote records one agent's score in a session.
func (e Engine) CastVote(ctx context.Context, sessionID, agentID string, score int, rationale string) (domain.Vote, error) {
	unlock := e.lock(sessionID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Vote{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetSessionTx(ctx, tx, sessionID)
	if err != nil {
		return domain.Vote{}, err
	}
	if s.Finalized || !s.Open {
		return domain.Vote{}, domain.BadTransition("voting session", "finalized", "vote")
	}
	now := e.now()
	if now.After(s.Deadline) {
		return domain.Vote{}, fmt.Errorf("%w: voting for session %s closed at %s", domain.ErrInvalidTransition, s.ID, s.Deadline.Format(time.RFC3339))
	}
	agent, err := e.Repo.GetAgentTx(ctx, tx, agentID)
	if err != nil {
		return domain.Vote{}, err
	}
	if !agent.Active {
		return domain.Vote{}, domain.Invalid("agent %s is not active", agentID)
	}
	if score < e.Config.MinScore || score > e.Config.MaxScore {
		return domain.Vote{}, domain.Invalid("score %d outside [%d,%d]", score, e.Config.MinScore, e.Config.MaxScore)
	}
	if strings.TrimSpace(rationale) == "" {
		return domain.Vote{}, domain.Invalid("rationale is required")
	}
	v := domain.Vote{
		SessionID:  s.ID,
		AgentID:    agent.ID,
		AgentType:  agent.Type,
		Score:      score,
		Weight:     agent.Weight,
		Reputation: agent.Reputation,
		Rationale:  rationale,
		CastAt:     now,
	}
	if err := e.Repo.InsertVoteTx(ctx, tx, v); err != nil {
		return domain.Vote{}, err
	}
	if err := e.Repo.IncrementVoteCountTx(ctx, tx, agent.ID); err != nil {
		return domain.Vote{}, err
	}
	if err := e.Events.Append(ctx, tx, events.VoteCast, s.GrantID, "voting_session", s.ID, agent.ID, events.EventPayload{
		"score": score, "weight": agent.Weight, "reputation": agent.Reputation,
	}); err != nil {
		return domain.Vote{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Vote{}, err
	}
	e.Metrics.VoteCast(string(agent.Type))
	return v, nil
}

// Finalize closes a session whose deadline has passed and stores the weighted result.
func (e Engine) Finalize(ctx context.Context, sessionID, actorID string) (domain.ConsensusResult, error) {
	unlock := e.lock(sessionID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ConsensusResult{}, err
	}
	defer tx.Rollback()
	res, err := e.FinalizeTx(ctx, tx, sessionID, actorID)
	if err != nil {
		return domain.ConsensusResult{}, err
	}
	return res, tx.Commit()
}

// FinalizeTx finalizes inside the caller's transaction so the grant decision can commit with it.
func (e Engine) FinalizeTx(ctx context.Context, tx *sql.Tx, sessionID, actorID string) (domain.ConsensusResult, error) {
	s, err := e.Repo.GetSessionTx(ctx, tx, sessionID)
	if err != nil {
		return domain.ConsensusResult{}, err
	}
	if s.Finalized {
		return domain.ConsensusResult{}, domain.BadTransition("voting session", "finalized", "finalized")
	}
	now := e.now()
	if now.Before(s.Deadline) {
		return domain.ConsensusResult{}, fmt.Errorf("%w: voting session %s open until %s", domain.ErrInvalidTransition, s.ID, s.Deadline.Format(time.RFC3339))
	}
	votes, err := e.Repo.ListVotesTx(ctx, tx, s.ID)
	if err != nil {
		return domain.ConsensusResult{}, err
	}
	if len(votes) == 0 {
		return domain.ConsensusResult{}, fmt.Errorf("%w: voting session %s has no votes", domain.ErrInvalidTransition, s.ID)
	}
	agg, err := Aggregate(votes, domain.MaxReputation)
	if err != nil {
		return domain.ConsensusResult{}, err
	}
	score := Scale(agg, e.Config.MinScore, e.Config.MaxScore)
	res := domain.ConsensusResult{
		Aggregate:   agg,
		Score:       score,
		Approved:    score >= e.Config.Threshold(),
		VoteCount:   len(votes),
		FinalizedAt: now,
	}
	if err := e.Repo.FinalizeSessionTx(ctx, tx, s.ID, s.Version, res); err != nil {
		return domain.ConsensusResult{}, err
	}
	if err := e.Events.Append(ctx, tx, events.VotingFinalized, s.GrantID, "voting_session", s.ID, actorID, events.EventPayload{
		"aggregate": agg, "score": score, "approved": res.Approved, "votes": len(votes),
	}); err != nil {
		return domain.ConsensusResult{}, err
	}
	e.Logger.Info("voting finalized", "grant_id", s.GrantID, "session", s.ID, "score", score, "approved", res.Approved, "votes", len(votes))
	return res, nil
}

func (e Engine) Session(ctx context.Context, id string) (domain.VotingSession, error) {
	return e.Repo.GetSession(ctx, id)
}

func (e Engine) SessionForGrant(ctx context.Context, grantID string) (domain.VotingSession, error) {
	return e.Repo.GetSessionByGrant(ctx, grantID)
}

func (e Engine) Votes(ctx context.Context, sessionID string) ([]domain.Vote, error) {
	return e.Repo.ListVotes(ctx, sessionID)
}

// Aggregate computes sum(score*w*rep/max) / sum(w*rep/max). Votes are summed in agent order so
// the result does not depend on arrival order.
func Aggregate(votes []domain.Vote, maxReputation int) (float64, error) {
	if maxReputation <= 0 {
		return 0, domain.Invalid("max reputation must be positive")
	}
	sorted := make([]domain.Vote, len(votes))
	copy(sorted, votes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].AgentID < sorted[j].AgentID })

	var num, den float64
	for _, v := range sorted {
		w := float64(v.Weight) * float64(v.Reputation) / float64(maxReputation)
		num += float64(v.Score) * w
		den += w
	}
	if den <= 0 {
		return 0, ErrZeroWeight
	}
	return num / den, nil
}

// Scale maps an aggregate on [min,max] onto 0..100.
func Scale(agg float64, min, max int) float64 {
	if max <= min {
		return 0
	}
	return (agg - float64(min)) / float64(max-min) * 100
}

package repo

import (
	"context"
	"database/sql"

	"grantline/internal/domain"
)

const sessionColumns = `id,grant_id,open,finalized,started_at,deadline,aggregate,score,approved,vote_count,finalized_at,version`

func (r Repo) scanSession(ctx context.Context, q Querier, row rowScanner) (domain.VotingSession, error) {
	var (
		s                   domain.VotingSession
		open, finalized     int
		started, deadline   string
		aggregate, score    sql.NullFloat64
		approved, voteCount sql.NullInt64
		finalizedAt         sql.NullString
	)
	if err := row.Scan(&s.ID, &s.GrantID, &open, &finalized, &started, &deadline, &aggregate, &score, &approved, &voteCount, &finalizedAt, &s.Version); err != nil {
		return s, err
	}
	s.Open = open == 1
	s.Finalized = finalized == 1
	s.StartedAt = parseTS(started)
	s.Deadline = parseTS(deadline)
	if s.Finalized && aggregate.Valid {
		res := &domain.ConsensusResult{
			Aggregate: aggregate.Float64,
			Score:     score.Float64,
			Approved:  approved.Int64 == 1,
			VoteCount: int(voteCount.Int64),
		}
		if at := timePtr(finalizedAt); at != nil {
			res.FinalizedAt = *at
		}
		s.Result = res
	}
	votes, err := r.listVotes(ctx, q, s.ID)
	if err != nil {
		return s, err
	}
	s.Voters = make([]string, 0, len(votes))
	for _, v := range votes {
		s.Voters = append(s.Voters, v.AgentID)
	}
	return s, nil
}

func (r Repo) InsertSessionTx(ctx context.Context, tx *sql.Tx, s domain.VotingSession) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO voting_sessions(id,grant_id,open,finalized,started_at,deadline,version) VALUES (?,?,?,?,?,?,1)`,
		s.ID, s.GrantID, boolInt(s.Open), boolInt(s.Finalized), ts(s.StartedAt), ts(s.Deadline))
	return err
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.VotingSession, error) {
	return r.GetSessionTx(ctx, nil, id)
}

func (r Repo) GetSessionTx(ctx context.Context, tx *sql.Tx, id string) (domain.VotingSession, error) {
	q := r.on(tx)
	s, err := r.scanSession(ctx, q, q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM voting_sessions WHERE id=?`, id))
	return s, notFound(err, "voting session", id)
}

func (r Repo) GetSessionByGrant(ctx context.Context, grantID string) (domain.VotingSession, error) {
	return r.GetSessionByGrantTx(ctx, nil, grantID)
}

func (r Repo) GetSessionByGrantTx(ctx context.Context, tx *sql.Tx, grantID string) (domain.VotingSession, error) {
	q := r.on(tx)
	s, err := r.scanSession(ctx, q, q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM voting_sessions WHERE grant_id=?`, grantID))
	return s, notFound(err, "voting session for grant", grantID)
}

// FinalizeSessionTx closes an open session exactly once.
func (r Repo) FinalizeSessionTx(ctx context.Context, tx *sql.Tx, id string, version int, res domain.ConsensusResult) error {
	out, err := tx.ExecContext(ctx, `UPDATE voting_sessions SET open=0, finalized=1, aggregate=?, score=?, approved=?, vote_count=?, finalized_at=?, version=version+1
WHERE id=? AND finalized=0 AND version=?`,
		res.Aggregate, res.Score, boolInt(res.Approved), res.VoteCount, ts(res.FinalizedAt), id, version)
	if err != nil {
		return err
	}
	return affectedOne(out, "voting session "+id)
}

// InsertVoteTx records a vote; a repeat vote by the same agent is a conflict.
func (r Repo) InsertVoteTx(ctx context.Context, tx *sql.Tx, v domain.Vote) error {
	res, err := tx.ExecContext(ctx, `INSERT INTO votes(session_id,agent_id,agent_type,score,weight,reputation,rationale,ledger_tx,cast_at) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(session_id,agent_id) DO NOTHING`,
		v.SessionID, v.AgentID, string(v.AgentType), v.Score, v.Weight, v.Reputation, v.Rationale, nullable(v.LedgerTx), ts(v.CastAt))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Conflict("agent %s already voted in session %s", v.AgentID, v.SessionID)
	}
	return nil
}

func (r Repo) SetVoteLedgerTx(ctx context.Context, sessionID, agentID, ledgerTx string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE votes SET ledger_tx=? WHERE session_id=? AND agent_id=?`, ledgerTx, sessionID, agentID)
	return err
}

func (r Repo) ListVotes(ctx context.Context, sessionID string) ([]domain.Vote, error) {
	return r.listVotes(ctx, r.DB, sessionID)
}

func (r Repo) ListVotesTx(ctx context.Context, tx *sql.Tx, sessionID string) ([]domain.Vote, error) {
	return r.listVotes(ctx, tx, sessionID)
}

func (r Repo) listVotes(ctx context.Context, q Querier, sessionID string) ([]domain.Vote, error) {
	rows, err := q.QueryContext(ctx, `SELECT session_id,agent_id,agent_type,score,weight,reputation,rationale,COALESCE(ledger_tx,''),cast_at FROM votes WHERE session_id=? ORDER BY agent_id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Vote
	for rows.Next() {
		var (
			v    domain.Vote
			typ  string
			cast string
		)
		if err := rows.Scan(&v.SessionID, &v.AgentID, &typ, &v.Score, &v.Weight, &v.Reputation, &v.Rationale, &v.LedgerTx, &cast); err != nil {
			return nil, err
		}
		v.AgentType = domain.AgentType(typ)
		v.CastAt = parseTS(cast)
		res = append(res, v)
	}
	return res, rows.Err()
}

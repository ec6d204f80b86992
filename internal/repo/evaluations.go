package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"grantline/internal/domain"
)

type evaluationDetails struct {
	Strengths       []string `json:"strengths,omitempty"`
	Weaknesses      []string `json:"weaknesses,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	RedFlags        []string `json:"red_flags,omitempty"`
}

// InsertEvaluationTx stores one evaluation per grant and agent type. A second evaluation
// for the same pair is a conflict.
func (r Repo) InsertEvaluationTx(ctx context.Context, tx *sql.Tx, ev domain.Evaluation) error {
	details, err := json.Marshal(evaluationDetails{
		Strengths:       ev.Strengths,
		Weaknesses:      ev.Weaknesses,
		Recommendations: ev.Recommendations,
		RedFlags:        ev.RedFlags,
	})
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO evaluations(id,grant_id,agent_type,agent_id,raw_score,score,vote_score,confidence,decision,reasoning,details_json,coverage,latency_ms,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?) ON CONFLICT(grant_id,agent_type) DO NOTHING`,
		ev.ID, ev.GrantID, string(ev.AgentType), ev.AgentID, ev.RawScore, ev.Score, ev.VoteScore, ev.Confidence, ev.Decision, ev.Reasoning, string(details), ev.Coverage, ev.LatencyMS, ts(ev.CreatedAt))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Conflict("grant %s already has a %s evaluation", ev.GrantID, ev.AgentType)
	}
	return nil
}

func (r Repo) ListEvaluations(ctx context.Context, grantID string) ([]domain.Evaluation, error) {
	return r.ListEvaluationsTx(ctx, nil, grantID)
}

func (r Repo) ListEvaluationsTx(ctx context.Context, tx *sql.Tx, grantID string) ([]domain.Evaluation, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT id,grant_id,agent_type,agent_id,raw_score,score,vote_score,confidence,decision,reasoning,details_json,coverage,latency_ms,created_at
FROM evaluations WHERE grant_id=? ORDER BY agent_type ASC`, grantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Evaluation
	for rows.Next() {
		var (
			ev      domain.Evaluation
			typ     string
			details string
			created string
		)
		if err := rows.Scan(&ev.ID, &ev.GrantID, &typ, &ev.AgentID, &ev.RawScore, &ev.Score, &ev.VoteScore, &ev.Confidence, &ev.Decision, &ev.Reasoning, &details, &ev.Coverage, &ev.LatencyMS, &created); err != nil {
			return nil, err
		}
		ev.AgentType = domain.AgentType(typ)
		ev.CreatedAt = parseTS(created)
		var d evaluationDetails
		if err := json.Unmarshal([]byte(details), &d); err == nil {
			ev.Strengths, ev.Weaknesses, ev.Recommendations, ev.RedFlags = d.Strengths, d.Weaknesses, d.Recommendations, d.RedFlags
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// EvaluationStats returns the number of recorded evaluations and their mean latency.
func (r Repo) EvaluationStats(ctx context.Context) (count int, avgLatencyMS float64, err error) {
	err = r.DB.QueryRowContext(ctx, `SELECT count(*), COALESCE(AVG(latency_ms),0) FROM evaluations`).Scan(&count, &avgLatencyMS)
	return count, avgLatencyMS, err
}

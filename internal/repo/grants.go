package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"grantline/internal/domain"
)

const grantColumns = `id,requester,title,amount,currency,COALESCE(content_ref,''),status,proposal_json,COALESCE(milestones_json,''),score,paid_amount,COALESCE(payment_ref,''),COALESCE(schedule_ref,''),created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrant(row rowScanner) (domain.Grant, error) {
	var (
		g                domain.Grant
		proposal, plans  string
		score            sql.NullFloat64
		created, updated string
		status           string
	)
	if err := row.Scan(&g.ID, &g.Requester, &g.Title, &g.Amount, &g.Currency, &g.ContentRef, &status, &proposal, &plans, &score, &g.PaidAmount, &g.PaymentRef, &g.ScheduleRef, &created, &updated); err != nil {
		return g, err
	}
	g.Status = domain.GrantStatus(status)
	if err := json.Unmarshal([]byte(proposal), &g.Proposal); err != nil {
		return g, fmt.Errorf("decode proposal %s: %w", g.ID, err)
	}
	if plans != "" {
		if err := json.Unmarshal([]byte(plans), &g.Milestones); err != nil {
			return g, fmt.Errorf("decode milestone plan %s: %w", g.ID, err)
		}
	}
	if score.Valid {
		v := score.Float64
		g.Score = &v
	}
	g.CreatedAt = parseTS(created)
	g.UpdatedAt = parseTS(updated)
	return g, nil
}

func (r Repo) InsertGrantTx(ctx context.Context, tx *sql.Tx, g domain.Grant) error {
	proposal, err := json.Marshal(g.Proposal)
	if err != nil {
		return err
	}
	var plans any
	if len(g.Milestones) > 0 {
		data, err := json.Marshal(g.Milestones)
		if err != nil {
			return err
		}
		plans = string(data)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO grants(id,requester,title,amount,currency,content_ref,status,proposal_json,milestones_json,paid_amount,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		g.ID, g.Requester, g.Title, g.Amount.String(), g.Currency, nullable(g.ContentRef), string(g.Status), string(proposal), plans, g.PaidAmount.String(), ts(g.CreatedAt), ts(g.UpdatedAt))
	return err
}

func (r Repo) GetGrant(ctx context.Context, id string) (domain.Grant, error) {
	return r.GetGrantTx(ctx, nil, id)
}

func (r Repo) GetGrantTx(ctx context.Context, tx *sql.Tx, id string) (domain.Grant, error) {
	g, err := scanGrant(r.on(tx).QueryRowContext(ctx, `SELECT `+grantColumns+` FROM grants WHERE id=?`, id))
	return g, notFound(err, "grant", id)
}

type GrantFilters struct {
	Status    domain.GrantStatus
	Requester string
	Limit     int
	CursorTS  string
	CursorID  string
}

// ListGrants pages grants newest first.
func (r Repo) ListGrants(ctx context.Context, f GrantFilters) ([]domain.Grant, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.Requester != "" {
		clauses = append(clauses, "requester=?")
		args = append(args, f.Requester)
	}
	if f.CursorTS != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorTS, f.CursorTS, f.CursorID)
	}
	query := `SELECT ` + grantColumns + ` FROM grants WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

// SetGrantStatusTx moves a grant from one status to another, failing with a conflict when the
// stored status is no longer from.
func (r Repo) SetGrantStatusTx(ctx context.Context, tx *sql.Tx, id string, from, to domain.GrantStatus, at time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE grants SET status=?, updated_at=? WHERE id=? AND status=?`, string(to), ts(at), id, string(from))
	if err != nil {
		return err
	}
	return affectedOne(res, "grant "+id)
}

func (r Repo) SetGrantScoreTx(ctx context.Context, tx *sql.Tx, id string, score float64, at time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE grants SET score=?, updated_at=? WHERE id=?`, score, ts(at), id)
	return err
}

func (r Repo) SetGrantScheduleTx(ctx context.Context, tx *sql.Tx, id, scheduleRef string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE grants SET schedule_ref=?, updated_at=? WHERE id=?`, nullable(scheduleRef), ts(at), id)
	return err
}

func (r Repo) SetGrantPaymentTx(ctx context.Context, tx *sql.Tx, id, paymentRef string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE grants SET payment_ref=?, updated_at=? WHERE id=?`, nullable(paymentRef), ts(at), id)
	return err
}

// AddGrantPaidTx adds amount to the grant's paid total and returns the new total.
func (r Repo) AddGrantPaidTx(ctx context.Context, tx *sql.Tx, id string, amount decimal.Decimal, at time.Time) (decimal.Decimal, error) {
	var paid decimal.Decimal
	if err := tx.QueryRowContext(ctx, `SELECT paid_amount FROM grants WHERE id=?`, id).Scan(&paid); err != nil {
		return paid, notFound(err, "grant", id)
	}
	paid = paid.Add(amount)
	if _, err := tx.ExecContext(ctx, `UPDATE grants SET paid_amount=?, updated_at=? WHERE id=?`, paid.String(), ts(at), id); err != nil {
		return paid, err
	}
	return paid, nil
}

const workflowColumns = `grant_id,stage,progress,paused,retries_json,COALESCE(failed_stage,''),COALESCE(failure_reason,''),updated_at,version`

func scanWorkflow(row rowScanner) (domain.WorkflowState, error) {
	var (
		ws      domain.WorkflowState
		stage   string
		failed  string
		retries string
		updated string
		paused  int
	)
	if err := row.Scan(&ws.GrantID, &stage, &ws.Progress, &paused, &retries, &failed, &ws.FailureReason, &updated, &ws.Version); err != nil {
		return ws, err
	}
	ws.Stage = domain.Stage(stage)
	ws.FailedStage = domain.Stage(failed)
	ws.Paused = paused == 1
	ws.Retries = map[domain.Stage]int{}
	if retries != "" {
		if err := json.Unmarshal([]byte(retries), &ws.Retries); err != nil {
			return ws, fmt.Errorf("decode retries %s: %w", ws.GrantID, err)
		}
	}
	ws.UpdatedAt = parseTS(updated)
	return ws, nil
}

func (r Repo) InsertWorkflowTx(ctx context.Context, tx *sql.Tx, ws domain.WorkflowState) error {
	retries, err := json.Marshal(retriesOrEmpty(ws.Retries))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO workflow_states(grant_id,stage,progress,paused,retries_json,failed_stage,failure_reason,updated_at,version) VALUES (?,?,?,?,?,?,?,?,1)`,
		ws.GrantID, string(ws.Stage), ws.Progress, boolInt(ws.Paused), string(retries), nullable(string(ws.FailedStage)), nullable(ws.FailureReason), ts(ws.UpdatedAt))
	return err
}

func (r Repo) GetWorkflow(ctx context.Context, grantID string) (domain.WorkflowState, error) {
	return r.GetWorkflowTx(ctx, nil, grantID)
}

func (r Repo) GetWorkflowTx(ctx context.Context, tx *sql.Tx, grantID string) (domain.WorkflowState, error) {
	ws, err := scanWorkflow(r.on(tx).QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflow_states WHERE grant_id=?`, grantID))
	return ws, notFound(err, "workflow", grantID)
}

// UpdateWorkflowTx writes ws if its version is still current and bumps the version.
func (r Repo) UpdateWorkflowTx(ctx context.Context, tx *sql.Tx, ws domain.WorkflowState) (domain.WorkflowState, error) {
	retries, err := json.Marshal(retriesOrEmpty(ws.Retries))
	if err != nil {
		return ws, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE workflow_states SET stage=?, progress=?, paused=?, retries_json=?, failed_stage=?, failure_reason=?, updated_at=?, version=version+1 WHERE grant_id=? AND version=?`,
		string(ws.Stage), ws.Progress, boolInt(ws.Paused), string(retries), nullable(string(ws.FailedStage)), nullable(ws.FailureReason), ts(ws.UpdatedAt), ws.GrantID, ws.Version)
	if err != nil {
		return ws, err
	}
	if err := affectedOne(res, "workflow "+ws.GrantID); err != nil {
		return ws, err
	}
	ws.Version++
	return ws, nil
}

// ListWorkflowsByStage returns workflows currently in any of the given stages.
func (r Repo) ListWorkflowsByStage(ctx context.Context, stages ...domain.Stage) ([]domain.WorkflowState, error) {
	if len(stages) == 0 {
		return nil, nil
	}
	marks := make([]string, len(stages))
	args := make([]any, len(stages))
	for i, s := range stages {
		marks[i] = "?"
		args[i] = string(s)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+workflowColumns+` FROM workflow_states WHERE stage IN (`+strings.Join(marks, ",")+`) ORDER BY updated_at ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowState
	for rows.Next() {
		ws, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ws)
	}
	return res, rows.Err()
}

func retriesOrEmpty(m map[domain.Stage]int) map[domain.Stage]int {
	if m == nil {
		return map[domain.Stage]int{}
	}
	return m
}

// GrantCursor returns the CursorTS and CursorID values that page past g.
func GrantCursor(g domain.Grant) (string, string) {
	return ts(g.CreatedAt), g.ID
}

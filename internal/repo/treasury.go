package repo

import (
	"context"
	"database/sql"

	"github.com/shopspring/decimal"

	"grantline/internal/domain"
)

func (r Repo) GetTreasury(ctx context.Context) (domain.TreasuryState, error) {
	return r.GetTreasuryTx(ctx, nil)
}

func (r Repo) GetTreasuryTx(ctx context.Context, tx *sql.Tx) (domain.TreasuryState, error) {
	var (
		st              domain.TreasuryState
		paused, stopped int
		updated         string
	)
	err := r.on(tx).QueryRowContext(ctx, `SELECT paused,emergency_stop,balance,COALESCE(paused_by,''),COALESCE(pause_reason,''),COALESCE(stopped_by,''),COALESCE(stop_reason,''),updated_at FROM treasury_state WHERE id=1`).
		Scan(&paused, &stopped, &st.Balance, &st.PausedBy, &st.PauseReason, &st.StoppedBy, &st.StopReason, &updated)
	if err != nil {
		return st, notFound(err, "treasury", "1")
	}
	st.Paused = paused == 1
	st.EmergencyStop = stopped == 1
	st.UpdatedAt = parseTS(updated)
	return st, nil
}

func (r Repo) UpdateTreasuryTx(ctx context.Context, tx *sql.Tx, st domain.TreasuryState) error {
	_, err := tx.ExecContext(ctx, `UPDATE treasury_state SET paused=?, emergency_stop=?, balance=?, paused_by=?, pause_reason=?, stopped_by=?, stop_reason=?, updated_at=? WHERE id=1`,
		boolInt(st.Paused), boolInt(st.EmergencyStop), st.Balance.String(), nullable(st.PausedBy), nullable(st.PauseReason), nullable(st.StoppedBy), nullable(st.StopReason), ts(st.UpdatedAt))
	return err
}

// AdjustBalanceTx adds delta to the treasury balance. The balance never goes negative.
func (r Repo) AdjustBalanceTx(ctx context.Context, tx *sql.Tx, delta decimal.Decimal) (decimal.Decimal, error) {
	st, err := r.GetTreasuryTx(ctx, tx)
	if err != nil {
		return decimal.Zero, err
	}
	next := st.Balance.Add(delta)
	if next.IsNegative() {
		return st.Balance, domain.Invalid("treasury balance %s cannot cover %s", st.Balance, delta.Neg())
	}
	if _, err := tx.ExecContext(ctx, `UPDATE treasury_state SET balance=? WHERE id=1`, next.String()); err != nil {
		return st.Balance, err
	}
	return next, nil
}

const withdrawalColumns = `id,recipient,amount,reason,created_by,required_approvals,status,COALESCE(ledger_tx,''),created_at,executed_at`

func (r Repo) scanWithdrawal(ctx context.Context, q Querier, row rowScanner) (domain.WithdrawalRequest, error) {
	var (
		w        domain.WithdrawalRequest
		status   string
		created  string
		executed sql.NullString
	)
	if err := row.Scan(&w.ID, &w.Recipient, &w.Amount, &w.Reason, &w.CreatedBy, &w.RequiredApprovals, &status, &w.LedgerTx, &created, &executed); err != nil {
		return w, err
	}
	w.Status = domain.WithdrawalStatus(status)
	w.CreatedAt = parseTS(created)
	w.ExecutedAt = timePtr(executed)
	decisions, err := r.listDecisions(ctx, q, w.ID)
	if err != nil {
		return w, err
	}
	w.Decisions = decisions
	return w, nil
}

func (r Repo) InsertWithdrawalTx(ctx context.Context, tx *sql.Tx, w domain.WithdrawalRequest) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO withdrawals(id,recipient,amount,reason,created_by,required_approvals,status,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		w.ID, w.Recipient, w.Amount.String(), w.Reason, w.CreatedBy, w.RequiredApprovals, string(w.Status), ts(w.CreatedAt))
	return err
}

func (r Repo) GetWithdrawal(ctx context.Context, id string) (domain.WithdrawalRequest, error) {
	return r.GetWithdrawalTx(ctx, nil, id)
}

func (r Repo) GetWithdrawalTx(ctx context.Context, tx *sql.Tx, id string) (domain.WithdrawalRequest, error) {
	q := r.on(tx)
	w, err := r.scanWithdrawal(ctx, q, q.QueryRowContext(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id=?`, id))
	return w, notFound(err, "withdrawal", id)
}

func (r Repo) ListWithdrawals(ctx context.Context, status domain.WithdrawalStatus) ([]domain.WithdrawalRequest, error) {
	query := `SELECT ` + withdrawalColumns + ` FROM withdrawals`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var list []domain.WithdrawalRequest
	for rows.Next() {
		var (
			w        domain.WithdrawalRequest
			st       string
			created  string
			executed sql.NullString
		)
		if err := rows.Scan(&w.ID, &w.Recipient, &w.Amount, &w.Reason, &w.CreatedBy, &w.RequiredApprovals, &st, &w.LedgerTx, &created, &executed); err != nil {
			rows.Close()
			return nil, err
		}
		w.Status = domain.WithdrawalStatus(st)
		w.CreatedAt = parseTS(created)
		w.ExecutedAt = timePtr(executed)
		list = append(list, w)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range list {
		decisions, err := r.listDecisions(ctx, r.DB, list[i].ID)
		if err != nil {
			return nil, err
		}
		list[i].Decisions = decisions
	}
	return list, nil
}

// UpdateWithdrawalTx writes status, ledger reference and execution time when the stored
// status still equals expected.
func (r Repo) UpdateWithdrawalTx(ctx context.Context, tx *sql.Tx, w domain.WithdrawalRequest, expected domain.WithdrawalStatus) error {
	res, err := tx.ExecContext(ctx, `UPDATE withdrawals SET status=?, ledger_tx=?, executed_at=? WHERE id=? AND status=?`,
		string(w.Status), nullable(w.LedgerTx), nullableTime(w.ExecutedAt), w.ID, string(expected))
	if err != nil {
		return err
	}
	return affectedOne(res, "withdrawal "+w.ID)
}

// InsertDecisionTx records one admin's decision; an admin decides a withdrawal at most once.
func (r Repo) InsertDecisionTx(ctx context.Context, tx *sql.Tx, withdrawalID string, d domain.WithdrawalDecision) error {
	res, err := tx.ExecContext(ctx, `INSERT INTO withdrawal_decisions(withdrawal_id,approver,approve,comment,decided_at) VALUES (?,?,?,?,?)
ON CONFLICT(withdrawal_id,approver) DO NOTHING`, withdrawalID, d.Approver, boolInt(d.Approve), nullable(d.Comment), ts(d.DecidedAt))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Conflict("%s already decided withdrawal %s", d.Approver, withdrawalID)
	}
	return nil
}

func (r Repo) listDecisions(ctx context.Context, q Querier, withdrawalID string) ([]domain.WithdrawalDecision, error) {
	rows, err := q.QueryContext(ctx, `SELECT approver,approve,COALESCE(comment,''),decided_at FROM withdrawal_decisions WHERE withdrawal_id=? ORDER BY decided_at ASC, approver ASC`, withdrawalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WithdrawalDecision
	for rows.Next() {
		var (
			d       domain.WithdrawalDecision
			approve int
			decided string
		)
		if err := rows.Scan(&d.Approver, &approve, &d.Comment, &decided); err != nil {
			return nil, err
		}
		d.Approve = approve == 1
		d.DecidedAt = parseTS(decided)
		res = append(res, d)
	}
	return res, rows.Err()
}

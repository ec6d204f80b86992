package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"grantline/internal/domain"
)

const milestoneColumns = `id,grant_id,ordinal,title,COALESCE(deliverables_json,''),amount,currency,status,COALESCE(proof_ref,''),COALESCE(notes,''),COALESCE(feedback,''),COALESCE(reviewer_id,''),revision_count,submitted_at,approved_at,paid_at,COALESCE(release_tx,''),COALESCE(payment_ref,''),created_at,updated_at`

func scanMilestone(row rowScanner) (domain.Milestone, error) {
	var (
		m                           domain.Milestone
		deliverables, status        string
		created, updated            string
		submitted, approved, paidAt sql.NullString
	)
	if err := row.Scan(&m.ID, &m.GrantID, &m.Ordinal, &m.Title, &deliverables, &m.Amount, &m.Currency, &status, &m.ProofRef, &m.Notes, &m.Feedback, &m.ReviewerID, &m.RevisionCount,
		&submitted, &approved, &paidAt, &m.ReleaseTx, &m.PaymentRef, &created, &updated); err != nil {
		return m, err
	}
	m.Status = domain.MilestoneStatus(status)
	if deliverables != "" {
		_ = json.Unmarshal([]byte(deliverables), &m.Deliverables)
	}
	m.SubmittedAt = timePtr(submitted)
	m.ApprovedAt = timePtr(approved)
	m.PaidAt = timePtr(paidAt)
	m.CreatedAt = parseTS(created)
	m.UpdatedAt = parseTS(updated)
	return m, nil
}

func (r Repo) InsertMilestoneTx(ctx context.Context, tx *sql.Tx, m domain.Milestone) error {
	var deliverables any
	if len(m.Deliverables) > 0 {
		data, err := json.Marshal(m.Deliverables)
		if err != nil {
			return err
		}
		deliverables = string(data)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO milestones(id,grant_id,ordinal,title,deliverables_json,amount,currency,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.GrantID, m.Ordinal, m.Title, deliverables, m.Amount.String(), m.Currency, string(m.Status), ts(m.CreatedAt), ts(m.UpdatedAt))
	return err
}

func (r Repo) GetMilestone(ctx context.Context, id string) (domain.Milestone, error) {
	return r.GetMilestoneTx(ctx, nil, id)
}

func (r Repo) GetMilestoneTx(ctx context.Context, tx *sql.Tx, id string) (domain.Milestone, error) {
	m, err := scanMilestone(r.on(tx).QueryRowContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id=?`, id))
	return m, notFound(err, "milestone", id)
}

func (r Repo) ListMilestones(ctx context.Context, grantID string) ([]domain.Milestone, error) {
	return r.ListMilestonesTx(ctx, nil, grantID)
}

// ListMilestonesTx returns a grant's milestones in ordinal order.
func (r Repo) ListMilestonesTx(ctx context.Context, tx *sql.Tx, grantID string) ([]domain.Milestone, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE grant_id=? ORDER BY ordinal ASC`, grantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// UpdateMilestoneTx writes m when the stored status still equals expected.
func (r Repo) UpdateMilestoneTx(ctx context.Context, tx *sql.Tx, m domain.Milestone, expected domain.MilestoneStatus) error {
	res, err := tx.ExecContext(ctx, `UPDATE milestones SET status=?, proof_ref=?, notes=?, feedback=?, reviewer_id=?, revision_count=?, submitted_at=?, approved_at=?, paid_at=?, release_tx=?, payment_ref=?, updated_at=?
WHERE id=? AND status=?`,
		string(m.Status), nullable(m.ProofRef), nullable(m.Notes), nullable(m.Feedback), nullable(m.ReviewerID), m.RevisionCount,
		nullableTime(m.SubmittedAt), nullableTime(m.ApprovedAt), nullableTime(m.PaidAt), nullable(m.ReleaseTx), nullable(m.PaymentRef), ts(m.UpdatedAt),
		m.ID, string(expected))
	if err != nil {
		return err
	}
	return affectedOne(res, "milestone "+m.ID)
}

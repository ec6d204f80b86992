package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"grantline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = domain.ErrNotFound

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) on(tx *sql.Tx) Querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

// tsLayout is fixed width so stored timestamps order lexicographically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func timePtr(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseTS(v.String)
	return &t
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// affectedOne maps a zero-row compare-and-swap update to a conflict.
func affectedOne(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.Conflict("%s changed concurrently", what)
	}
	return nil
}

func notFound(err error, kind, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NotFound(kind, id)
	}
	return err
}

type EventFilters struct {
	GrantID    string
	Type       string
	EntityKind string
	EntityID   string
	Cursor     int64
	Limit      int
}

// LatestEvents returns events newest first, paging backwards from Cursor.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.GrantID != "" {
		clauses = append(clauses, "grant_id=?")
		args = append(args, f.GrantID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(grant_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, f.Limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,COALESCE(grant_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.GrantID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) InsertReconciliationIssue(ctx context.Context, tx *sql.Tx, issue domain.ReconciliationIssue) (int64, error) {
	res, err := r.on(tx).ExecContext(ctx, `INSERT INTO reconciliation_issues(entity_kind,entity_id,ledger_tx,detail,created_at) VALUES (?,?,?,?,?)`,
		issue.EntityKind, issue.EntityID, nullable(issue.LedgerTx), issue.Detail, ts(issue.CreatedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListReconciliationIssues(ctx context.Context, openOnly bool) ([]domain.ReconciliationIssue, error) {
	query := `SELECT id,entity_kind,entity_id,COALESCE(ledger_tx,''),detail,created_at,resolved_at FROM reconciliation_issues`
	if openOnly {
		query += ` WHERE resolved_at IS NULL`
	}
	query += ` ORDER BY id ASC`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReconciliationIssue
	for rows.Next() {
		var (
			issue    domain.ReconciliationIssue
			created  string
			resolved sql.NullString
		)
		if err := rows.Scan(&issue.ID, &issue.EntityKind, &issue.EntityID, &issue.LedgerTx, &issue.Detail, &created, &resolved); err != nil {
			return nil, err
		}
		issue.CreatedAt = parseTS(created)
		issue.ResolvedAt = timePtr(resolved)
		res = append(res, issue)
	}
	return res, rows.Err()
}

func (r Repo) ResolveReconciliationIssue(ctx context.Context, tx *sql.Tx, id int64, at time.Time) error {
	res, err := r.on(tx).ExecContext(ctx, `UPDATE reconciliation_issues SET resolved_at=? WHERE id=? AND resolved_at IS NULL`, ts(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFound("reconciliation issue", fmt.Sprint(id))
	}
	return nil
}

func (r Repo) countBy(ctx context.Context, query string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return nil, err
		}
		res[key] = count
	}
	return res, rows.Err()
}

func (r Repo) CountGrantsByStatus(ctx context.Context) (map[string]int, error) {
	return r.countBy(ctx, `SELECT status, count(*) FROM grants GROUP BY status`)
}

func (r Repo) CountWorkflowsByStage(ctx context.Context) (map[string]int, error) {
	return r.countBy(ctx, `SELECT stage, count(*) FROM workflow_states GROUP BY stage`)
}

func (r Repo) CountMilestonesByStatus(ctx context.Context) (map[string]int, error) {
	return r.countBy(ctx, `SELECT status, count(*) FROM milestones GROUP BY status`)
}

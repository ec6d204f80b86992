package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"grantline/internal/domain"
)

const agentColumns = `id,type,weight,reputation,active,healthy,vote_count,last_seen,registered_at,updated_at`

func scanAgent(row rowScanner) (domain.Agent, error) {
	var (
		a                         domain.Agent
		typ                       string
		active, healthy           int
		seen, registered, updated string
	)
	if err := row.Scan(&a.ID, &typ, &a.Weight, &a.Reputation, &active, &healthy, &a.VoteCount, &seen, &registered, &updated); err != nil {
		return a, err
	}
	a.Type = domain.AgentType(typ)
	a.Active = active == 1
	a.Healthy = healthy == 1
	a.LastSeen = parseTS(seen)
	a.RegisteredAt = parseTS(registered)
	a.UpdatedAt = parseTS(updated)
	return a, nil
}

func (r Repo) InsertAgentTx(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO agents(`+agentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, string(a.Type), a.Weight, a.Reputation, boolInt(a.Active), boolInt(a.Healthy), a.VoteCount, ts(a.LastSeen), ts(a.RegisteredAt), ts(a.UpdatedAt))
	return err
}

// UpdateAgentTx rewrites the mutable columns of an agent.
func (r Repo) UpdateAgentTx(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	res, err := tx.ExecContext(ctx, `UPDATE agents SET type=?, weight=?, reputation=?, active=?, healthy=?, last_seen=?, updated_at=? WHERE id=?`,
		string(a.Type), a.Weight, a.Reputation, boolInt(a.Active), boolInt(a.Healthy), ts(a.LastSeen), ts(a.UpdatedAt), a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFound("agent", a.ID)
	}
	return nil
}

func (r Repo) IncrementVoteCountTx(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `UPDATE agents SET vote_count=vote_count+1 WHERE id=?`, id)
	return err
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	return r.GetAgentTx(ctx, nil, id)
}

func (r Repo) GetAgentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Agent, error) {
	a, err := scanAgent(r.on(tx).QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id))
	return a, notFound(err, "agent", id)
}

type AgentFilters struct {
	Type        domain.AgentType
	ActiveOnly  bool
	HealthyOnly bool
	// SeenBefore selects active agents whose last heartbeat is older than the given time.
	SeenBefore *time.Time
}

func (r Repo) ListAgents(ctx context.Context, f AgentFilters) ([]domain.Agent, error) {
	return r.ListAgentsTx(ctx, nil, f)
}

func (r Repo) ListAgentsTx(ctx context.Context, tx *sql.Tx, f AgentFilters) ([]domain.Agent, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, string(f.Type))
	}
	if f.ActiveOnly {
		clauses = append(clauses, "active=1")
	}
	if f.HealthyOnly {
		clauses = append(clauses, "healthy=1")
	}
	if f.SeenBefore != nil {
		clauses = append(clauses, "last_seen<?")
		args = append(args, ts(*f.SeenBefore))
	}
	rows, err := r.on(tx).QueryContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE `+strings.Join(clauses, " AND ")+` ORDER BY id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

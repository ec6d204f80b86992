package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"grantline/internal/domain"
)

// LedgerEntry is a row of the local settlement journal.
type LedgerEntry struct {
	TxRef     string
	IdemKey   string
	Kind      string
	GrantID   string
	Subject   string
	Amount    decimal.NullDecimal
	Payload   string
	Status    string
	CreatedAt time.Time
	ConfirmAt time.Time
}

const ledgerColumns = `tx_ref,idem_key,kind,COALESCE(grant_id,''),COALESCE(subject,''),amount,payload_json,status,created_at,confirm_at`

func scanLedgerEntry(row rowScanner) (LedgerEntry, error) {
	var (
		e                LedgerEntry
		created, confirm string
	)
	if err := row.Scan(&e.TxRef, &e.IdemKey, &e.Kind, &e.GrantID, &e.Subject, &e.Amount, &e.Payload, &e.Status, &created, &confirm); err != nil {
		return e, err
	}
	e.CreatedAt = parseTS(created)
	e.ConfirmAt = parseTS(confirm)
	return e, nil
}

// InsertLedgerEntry appends an entry unless one with the same idempotency key exists, in which
// case the existing entry is returned.
func (r Repo) InsertLedgerEntry(ctx context.Context, e LedgerEntry) (LedgerEntry, error) {
	var amount any
	if e.Amount.Valid {
		amount = e.Amount.Decimal.String()
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO ledger_entries(`+ledgerColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?) ON CONFLICT(idem_key) DO NOTHING`,
		e.TxRef, e.IdemKey, e.Kind, nullable(e.GrantID), nullable(e.Subject), amount, e.Payload, e.Status, ts(e.CreatedAt), ts(e.ConfirmAt))
	if err != nil {
		return e, err
	}
	return scanLedgerEntry(r.DB.QueryRowContext(ctx, `SELECT `+ledgerColumns+` FROM ledger_entries WHERE idem_key=?`, e.IdemKey))
}

func (r Repo) GetLedgerEntry(ctx context.Context, txRef string) (LedgerEntry, error) {
	e, err := scanLedgerEntry(r.DB.QueryRowContext(ctx, `SELECT `+ledgerColumns+` FROM ledger_entries WHERE tx_ref=?`, txRef))
	return e, notFound(err, "ledger entry", txRef)
}

func (r Repo) SetLedgerStatus(ctx context.Context, txRef, status string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE ledger_entries SET status=? WHERE tx_ref=?`, status, txRef)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFound("ledger entry", txRef)
	}
	return nil
}

func (r Repo) ListLedgerEntries(ctx context.Context, grantID string, limit int) ([]LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if grantID != "" {
		rows, err = r.DB.QueryContext(ctx, `SELECT `+ledgerColumns+` FROM ledger_entries WHERE grant_id=? ORDER BY id ASC LIMIT ?`, grantID, limit)
	} else {
		rows, err = r.DB.QueryContext(ctx, `SELECT `+ledgerColumns+` FROM ledger_entries ORDER BY id ASC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"grantline/internal/domain"
	"grantline/internal/repo"
)

// Journal is a Client backed by the local settlement journal. Entries confirm once
// ConfirmDelay has passed since submission.
type Journal struct {
	Repo         repo.Repo
	ConfirmDelay time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

func NewJournal(r repo.Repo, confirmDelay time.Duration, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{Repo: r, ConfirmDelay: confirmDelay, Now: time.Now, Logger: logger.With("component", "ledger")}
}

func (j *Journal) now() time.Time {
	if j.Now != nil {
		return j.Now().UTC()
	}
	return time.Now().UTC()
}

func (j *Journal) submit(ctx context.Context, kind Kind, idemKey, grantID, subject string, amount *decimal.Decimal, payload any) (Receipt, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Receipt{}, err
	}
	now := j.now()
	e := repo.LedgerEntry{
		TxRef:     "0x" + uuid.NewString(),
		IdemKey:   idemKey,
		Kind:      string(kind),
		GrantID:   grantID,
		Subject:   subject,
		Payload:   string(data),
		Status:    string(StatusPending),
		CreatedAt: now,
		ConfirmAt: now.Add(j.ConfirmDelay),
	}
	if amount != nil {
		e.Amount = decimal.NewNullDecimal(*amount)
	}
	stored, err := j.Repo.InsertLedgerEntry(ctx, e)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: journal write: %v", domain.ErrExternalService, err)
	}
	if stored.TxRef == e.TxRef {
		j.Logger.Info("ledger transaction submitted", "kind", kind, "tx", stored.TxRef, "grant_id", grantID, "subject", subject)
	}
	return Receipt{TxRef: stored.TxRef, Kind: Kind(stored.Kind), SubmittedAt: stored.CreatedAt}, nil
}

func (j *Journal) SubmitVote(ctx context.Context, grantID, agentID string, score int, rationale string) (Receipt, error) {
	return j.submit(ctx, KindVote, IdemKey(KindVote, grantID, agentID), grantID, agentID, nil,
		map[string]any{"score": score, "rationale": rationale})
}

func (j *Journal) CreateMilestoneSchedule(ctx context.Context, grantID string, entries []ScheduleEntry) (Receipt, error) {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Amount)
	}
	return j.submit(ctx, KindSchedule, IdemKey(KindSchedule, grantID), grantID, "", &total, map[string]any{"milestones": entries})
}

func (j *Journal) ReleaseMilestoneFund(ctx context.Context, grantID string, ordinal int, amount decimal.Decimal) (Receipt, error) {
	ord := strconv.Itoa(ordinal)
	return j.submit(ctx, KindRelease, IdemKey(KindRelease, grantID, ord), grantID, ord, &amount, map[string]any{"ordinal": ordinal})
}

func (j *Journal) Disburse(ctx context.Context, grantID, recipient string, amount decimal.Decimal) (Receipt, error) {
	return j.submit(ctx, KindDisburse, IdemKey(KindDisburse, grantID), grantID, recipient, &amount, map[string]any{"recipient": recipient})
}

func (j *Journal) EmergencyWithdraw(ctx context.Context, withdrawalID, recipient string, amount decimal.Decimal) (Receipt, error) {
	return j.submit(ctx, KindWithdraw, IdemKey(KindWithdraw, withdrawalID), "", recipient, &amount, map[string]any{"withdrawal_id": withdrawalID})
}

func (j *Journal) Confirmation(ctx context.Context, txRef string) (Status, error) {
	e, err := j.Repo.GetLedgerEntry(ctx, txRef)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", err
		}
		return "", fmt.Errorf("%w: journal read: %v", domain.ErrExternalService, err)
	}
	st := Status(e.Status)
	if st == StatusPending && !j.now().Before(e.ConfirmAt) {
		if err := j.Repo.SetLedgerStatus(ctx, txRef, string(StatusConfirmed)); err != nil {
			return "", fmt.Errorf("%w: journal write: %v", domain.ErrExternalService, err)
		}
		st = StatusConfirmed
	}
	return st, nil
}

// Entries lists journal entries, optionally for one grant.
func (j *Journal) Entries(ctx context.Context, grantID string, limit int) ([]repo.LedgerEntry, error) {
	return j.Repo.ListLedgerEntries(ctx, grantID, limit)
}

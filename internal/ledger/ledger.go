// Package ledger is the settlement boundary: votes, milestone schedules, fund releases and
// emergency withdrawals are submitted here and only count once confirmed.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"

	"grantline/internal/domain"
)

type Kind string

const (
	KindVote     Kind = "vote"
	KindSchedule Kind = "schedule"
	KindRelease  Kind = "release"
	KindDisburse Kind = "disburse"
	KindWithdraw Kind = "withdraw"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Receipt identifies a submitted ledger transaction.
type Receipt struct {
	TxRef       string    `json:"tx_ref"`
	Kind        Kind      `json:"kind"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// ScheduleEntry is one milestone of a schedule registered on the ledger.
type ScheduleEntry struct {
	Ordinal int             `json:"ordinal"`
	Amount  decimal.Decimal `json:"amount"`
}

// Client submits transactions and reports their confirmation. Every submission is idempotent
// on its natural key, so a retried call returns the receipt of the first one.
type Client interface {
	SubmitVote(ctx context.Context, grantID, agentID string, score int, rationale string) (Receipt, error)
	CreateMilestoneSchedule(ctx context.Context, grantID string, entries []ScheduleEntry) (Receipt, error)
	ReleaseMilestoneFund(ctx context.Context, grantID string, ordinal int, amount decimal.Decimal) (Receipt, error)
	Disburse(ctx context.Context, grantID, recipient string, amount decimal.Decimal) (Receipt, error)
	EmergencyWithdraw(ctx context.Context, withdrawalID, recipient string, amount decimal.Decimal) (Receipt, error)
	Confirmation(ctx context.Context, txRef string) (Status, error)
}

// IdemKey is the natural idempotency key for a submission.
func IdemKey(kind Kind, parts ...string) string {
	key := string(kind)
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

// ErrRejected marks a transaction the ledger confirmed as failed.
var ErrRejected = fmt.Errorf("%w: ledger rejected transaction", domain.ErrExternalService)

// AwaitPolicy bounds confirmation polling.
type AwaitPolicy struct {
	Interval time.Duration
	Timeout  time.Duration
}

func (p AwaitPolicy) withDefaults() AwaitPolicy {
	if p.Interval <= 0 {
		p.Interval = 200 * time.Millisecond
	}
	if p.Timeout <= 0 {
		p.Timeout = 2 * time.Minute
	}
	return p
}

var errPending = errors.New("transaction pending")

// AwaitConfirmation polls c until txRef is confirmed. A failed transaction returns ErrRejected;
// running out of time returns domain.ErrTimeout.
func AwaitConfirmation(ctx context.Context, c Client, txRef string, policy AwaitPolicy) error {
	policy = policy.withDefaults()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.Interval
	b.MaxInterval = 10 * policy.Interval
	_, err := backoff.Retry(ctx, func() (Status, error) {
		st, err := c.Confirmation(ctx, txRef)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return st, backoff.Permanent(err)
			}
			return st, err
		}
		switch st {
		case StatusConfirmed:
			return st, nil
		case StatusFailed:
			return st, backoff.Permanent(fmt.Errorf("%w: %s", ErrRejected, txRef))
		}
		return st, errPending
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(policy.Timeout))
	if err == nil {
		return nil
	}
	if errors.Is(err, errPending) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: ledger transaction %s not confirmed within %s", domain.ErrTimeout, txRef, policy.Timeout)
	}
	return err
}

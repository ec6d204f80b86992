// Package ledgertest provides an in-memory ledger client with failure injection.
package ledgertest

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"grantline/internal/domain"
	"grantline/internal/ledger"
)

// Call is one recorded submission.
type Call struct {
	Kind    ledger.Kind
	Key     string
	TxRef   string
	GrantID string
	Subject string
	Amount  decimal.Decimal
}

// Fake confirms every transaction immediately unless told otherwise.
type Fake struct {
	mu       sync.Mutex
	seq      int
	byKey    map[string]ledger.Receipt
	status   map[string]ledger.Status
	failNext map[ledger.Kind]int
	reject   map[ledger.Kind]bool
	Calls    []Call
}

func New() *Fake {
	return &Fake{
		byKey:    map[string]ledger.Receipt{},
		status:   map[string]ledger.Status{},
		failNext: map[ledger.Kind]int{},
		reject:   map[ledger.Kind]bool{},
	}
}

// FailNext makes the next n submissions of kind return an external service error.
func (f *Fake) FailNext(kind ledger.Kind, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[kind] = n
}

// Reject makes submissions of kind confirm as failed.
func (f *Fake) Reject(kind ledger.Kind, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reject[kind] = on
}

// Submissions returns recorded calls of kind.
func (f *Fake) Submissions(kind ledger.Kind) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.Calls {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func (f *Fake) submit(kind ledger.Kind, key, grantID, subject string, amount decimal.Decimal) (ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.failNext[kind]; n > 0 {
		f.failNext[kind] = n - 1
		return ledger.Receipt{}, fmt.Errorf("%w: injected %s failure", domain.ErrExternalService, kind)
	}
	if r, ok := f.byKey[key]; ok {
		return r, nil
	}
	f.seq++
	r := ledger.Receipt{TxRef: fmt.Sprintf("0xfake%04d", f.seq), Kind: kind, SubmittedAt: time.Now().UTC()}
	f.byKey[key] = r
	f.status[r.TxRef] = ledger.StatusConfirmed
	if f.reject[kind] {
		f.status[r.TxRef] = ledger.StatusFailed
	}
	f.Calls = append(f.Calls, Call{Kind: kind, Key: key, TxRef: r.TxRef, GrantID: grantID, Subject: subject, Amount: amount})
	return r, nil
}

func (f *Fake) SubmitVote(ctx context.Context, grantID, agentID string, score int, rationale string) (ledger.Receipt, error) {
	return f.submit(ledger.KindVote, ledger.IdemKey(ledger.KindVote, grantID, agentID), grantID, agentID, decimal.Zero)
}

func (f *Fake) CreateMilestoneSchedule(ctx context.Context, grantID string, entries []ledger.ScheduleEntry) (ledger.Receipt, error) {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Amount)
	}
	return f.submit(ledger.KindSchedule, ledger.IdemKey(ledger.KindSchedule, grantID), grantID, "", total)
}

func (f *Fake) ReleaseMilestoneFund(ctx context.Context, grantID string, ordinal int, amount decimal.Decimal) (ledger.Receipt, error) {
	ord := strconv.Itoa(ordinal)
	return f.submit(ledger.KindRelease, ledger.IdemKey(ledger.KindRelease, grantID, ord), grantID, ord, amount)
}

func (f *Fake) Disburse(ctx context.Context, grantID, recipient string, amount decimal.Decimal) (ledger.Receipt, error) {
	return f.submit(ledger.KindDisburse, ledger.IdemKey(ledger.KindDisburse, grantID), grantID, recipient, amount)
}

func (f *Fake) EmergencyWithdraw(ctx context.Context, withdrawalID, recipient string, amount decimal.Decimal) (ledger.Receipt, error) {
	return f.submit(ledger.KindWithdraw, ledger.IdemKey(ledger.KindWithdraw, withdrawalID), "", recipient, amount)
}

func (f *Fake) Confirmation(ctx context.Context, txRef string) (ledger.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.status[txRef]
	if !ok {
		return "", domain.NotFound("ledger transaction", txRef)
	}
	return st, nil
}

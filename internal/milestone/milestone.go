// Package milestone runs the per-grant milestone state machine: proof-of-work submission,
// review with revision loops, and ledger-confirmed fund release.
package milestone

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"grantline/internal/domain"
	"grantline/internal/events"
	"grantline/internal/ledger"
	"grantline/internal/lockset"
	"grantline/internal/observability"
	"grantline/internal/repo"
	"grantline/internal/treasury"
)

// Gate reports whether an operation is currently allowed by the safety switches and holds
// the treasury balance for payouts in flight.
type Gate interface {
	CheckOperational(ctx context.Context, op treasury.Operation) error
	Reserve(ctx context.Context, op treasury.Operation, amount decimal.Decimal, ref, actor string) error
	Release(ctx context.Context, amount decimal.Decimal, ref, actor string) error
}

type Controller struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Ledger  ledger.Client
	Await   ledger.AwaitPolicy
	Gate    Gate
	Metrics *observability.Metrics
	Now     func() time.Time
	Logger  *slog.Logger

	locks *lockset.Set
}

func New(db *sql.DB, client ledger.Client, await ledger.AwaitPolicy, gate Gate, logger *slog.Logger, metrics *observability.Metrics) Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return Controller{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{},
		Ledger:  client,
		Await:   await,
		Gate:    gate,
		Metrics: metrics,
		Now:     time.Now,
		Logger:  logger.With("component", "milestone"),
		locks:   &lockset.Set{},
	}
}

func (c Controller) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func (c Controller) lock(key string) func() {
	if c.locks == nil {
		return func() {}
	}
	return c.locks.Lock(key)
}

// ValidatePlan checks a milestone plan against the grant total.
func ValidatePlan(total decimal.Decimal, plans []domain.MilestonePlan) error {
	if len(plans) == 0 {
		return domain.Invalid("milestone plan is empty")
	}
	sum := decimal.Zero
	for i, p := range plans {
		if strings.TrimSpace(p.Title) == "" {
			return domain.Invalid("milestone %d has no title", i+1)
		}
		if !p.Amount.IsPositive() {
			return domain.Invalid("milestone %d amount must be positive", i+1)
		}
		sum = sum.Add(p.Amount)
	}
	if !sum.Equal(total) {
		return domain.Invalid("milestone amounts sum to %s, grant total is %s", sum, total)
	}
	return nil
}

// CreateScheduleTx stores the milestones of an approved grant. The first milestone starts
// active, the rest pending. Calling it for a grant that already has milestones returns them.
func (c Controller) CreateScheduleTx(ctx context.Context, tx *sql.Tx, g domain.Grant, actorID string) ([]domain.Milestone, error) {
	existing, err := c.Repo.ListMilestonesTx(ctx, tx, g.ID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing, nil
	}
	if err := ValidatePlan(g.Amount, g.Milestones); err != nil {
		return nil, err
	}
	now := c.now()
	out := make([]domain.Milestone, 0, len(g.Milestones))
	for i, p := range g.Milestones {
		m := domain.Milestone{
			ID:           uuid.NewString(),
			GrantID:      g.ID,
			Ordinal:      i + 1,
			Title:        p.Title,
			Deliverables: p.Deliverables,
			Amount:       p.Amount,
			Currency:     g.Currency,
			Status:       domain.MilestonePending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if i == 0 {
			m.Status = domain.MilestoneActive
		}
		if err := c.Repo.InsertMilestoneTx(ctx, tx, m); err != nil {
			return nil, fmt.Errorf("insert milestone %d: %w", m.Ordinal, err)
		}
		out = append(out, m)
	}
	if err := c.Events.Append(ctx, tx, events.MilestonesScheduled, g.ID, "grant", g.ID, actorID, events.EventPayload{"count": len(out), "total": g.Amount.String()}); err != nil {
		return nil, err
	}
	return out, nil
}

func (c Controller) Get(ctx context.Context, id string) (domain.Milestone, error) {
	return c.Repo.GetMilestone(ctx, id)
}

func (c Controller) List(ctx context.Context, grantID string) ([]domain.Milestone, error) {
	return c.Repo.ListMilestones(ctx, grantID)
}

// Submit records proof of work. Valid from active, and again after a rejection or a revision
// request without changing the ordinal.
func (c Controller) Submit(ctx context.Context, id, proofRef, notes, actorID string) (domain.Milestone, error) {
	if strings.TrimSpace(proofRef) == "" {
		return domain.Milestone{}, domain.Invalid("proof reference is required")
	}
	return c.transition(ctx, id, actorID, events.MilestoneSubmitted, func(m *domain.Milestone) error {
		switch m.Status {
		case domain.MilestoneActive:
		case domain.MilestoneRevisionRequested, domain.MilestoneRejected:
			m.RevisionCount++
		default:
			return domain.BadTransition("milestone", m.Status, domain.MilestoneSubmitted)
		}
		now := c.now()
		m.Status = domain.MilestoneSubmitted
		m.ProofRef = proofRef
		m.Notes = notes
		m.SubmittedAt = &now
		return nil
	})
}

// BeginReview marks a submitted milestone as under review by reviewerID.
func (c Controller) BeginReview(ctx context.Context, id, reviewerID string) (domain.Milestone, error) {
	return c.transition(ctx, id, reviewerID, events.MilestoneReviewing, func(m *domain.Milestone) error {
		if m.Status != domain.MilestoneSubmitted {
			return domain.BadTransition("milestone", m.Status, domain.MilestoneUnderReview)
		}
		m.Status = domain.MilestoneUnderReview
		m.ReviewerID = reviewerID
		return nil
	})
}

// Review settles a submitted or under-review milestone. Approval activates the next pending
// milestone of the grant.
func (c Controller) Review(ctx context.Context, id string, outcome domain.ReviewOutcome, feedback, reviewerID string) (domain.Milestone, error) {
	next, ok := outcome.Status()
	if !ok {
		return domain.Milestone{}, domain.Invalid("unknown review outcome %q", outcome)
	}
	if outcome != domain.OutcomeApproved && strings.TrimSpace(feedback) == "" {
		return domain.Milestone{}, domain.Invalid("feedback is required when a milestone is not approved")
	}
	return c.transitionTx(ctx, id, reviewerID, events.MilestoneReviewed, func(tx *sql.Tx, m *domain.Milestone) error {
		if m.Status != domain.MilestoneSubmitted && m.Status != domain.MilestoneUnderReview {
			return domain.BadTransition("milestone", m.Status, next)
		}
		m.Status = next
		m.Feedback = feedback
		m.ReviewerID = reviewerID
		if next != domain.MilestoneApproved {
			return nil
		}
		now := c.now()
		m.ApprovedAt = &now
		return c.activateNext(ctx, tx, *m)
	})
}

func (c Controller) activateNext(ctx context.Context, tx *sql.Tx, approved domain.Milestone) error {
	all, err := c.Repo.ListMilestonesTx(ctx, tx, approved.GrantID)
	if err != nil {
		return err
	}
	for _, n := range all {
		if n.Ordinal <= approved.Ordinal || n.Status != domain.MilestonePending {
			continue
		}
		n.Status = domain.MilestoneActive
		n.UpdatedAt = c.now()
		return c.Repo.UpdateMilestoneTx(ctx, tx, n, domain.MilestonePending)
	}
	return nil
}

func (c Controller) transition(ctx context.Context, id, actorID, evtType string, fn func(*domain.Milestone) error) (domain.Milestone, error) {
	return c.transitionTx(ctx, id, actorID, evtType, func(_ *sql.Tx, m *domain.Milestone) error { return fn(m) })
}

func (c Controller) transitionTx(ctx context.Context, id, actorID, evtType string, fn func(*sql.Tx, *domain.Milestone) error) (domain.Milestone, error) {
	unlock := c.lock(id)
	defer unlock()
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Milestone{}, err
	}
	defer tx.Rollback()
	m, err := c.Repo.GetMilestoneTx(ctx, tx, id)
	if err != nil {
		return domain.Milestone{}, err
	}
	from := m.Status
	if err := fn(tx, &m); err != nil {
		return domain.Milestone{}, err
	}
	m.UpdatedAt = c.now()
	if err := c.Repo.UpdateMilestoneTx(ctx, tx, m, from); err != nil {
		return domain.Milestone{}, err
	}
	if err := c.Events.Append(ctx, tx, evtType, m.GrantID, "milestone", m.ID, actorID, events.EventPayload{
		"from": from, "to": m.Status, "ordinal": m.Ordinal, "feedback": m.Feedback,
	}); err != nil {
		return domain.Milestone{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Milestone{}, err
	}
	c.Logger.Info("milestone transition", "grant_id", m.GrantID, "milestone", m.ID, "ordinal", m.Ordinal, "from", from, "to", m.Status)
	return m, nil
}

// Release pays out an approved milestone. The ledger transfer must confirm before the milestone
// is marked paid; the paid total of the grant never exceeds its amount.
func (c Controller) Release(ctx context.Context, id, actorID string) (domain.Milestone, error) {
	unlock := c.lock(id)
	defer unlock()

	if c.Gate == nil {
		return domain.Milestone{}, fmt.Errorf("%w: no treasury configured", domain.ErrExternalService)
	}
	if err := c.Gate.CheckOperational(ctx, treasury.OpPayment); err != nil {
		return domain.Milestone{}, err
	}
	m, err := c.Repo.GetMilestone(ctx, id)
	if err != nil {
		return domain.Milestone{}, err
	}
	switch m.Status {
	case domain.MilestonePaid:
		return domain.Milestone{}, domain.Conflict("milestone %s already paid", m.ID)
	case domain.MilestoneApproved:
	default:
		return domain.Milestone{}, domain.BadTransition("milestone", m.Status, domain.MilestonePaid)
	}
	g, err := c.Repo.GetGrant(ctx, m.GrantID)
	if err != nil {
		return domain.Milestone{}, err
	}
	if g.PaidAmount.Add(m.Amount).GreaterThan(g.Amount) {
		return domain.Milestone{}, domain.Invalid("releasing %s would exceed grant total %s (paid %s)", m.Amount, g.Amount, g.PaidAmount)
	}
	if c.Ledger == nil {
		return domain.Milestone{}, fmt.Errorf("%w: no ledger configured", domain.ErrExternalService)
	}
	ref := "milestone:" + m.ID
	if err := c.Gate.Reserve(ctx, treasury.OpPayment, m.Amount, ref, actorID); err != nil {
		return domain.Milestone{}, err
	}
	unreserve := func() {
		if err := c.Gate.Release(context.WithoutCancel(ctx), m.Amount, ref, actorID); err != nil {
			c.Logger.Error("release treasury reservation", "milestone", m.ID, "amount", m.Amount.String(), "err", err)
		}
	}

	receipt, err := c.Ledger.ReleaseMilestoneFund(ctx, m.GrantID, m.Ordinal, m.Amount)
	if err != nil {
		c.Logger.Error("milestone release submission failed", "grant_id", m.GrantID, "milestone", m.ID, "ordinal", m.Ordinal, "amount", m.Amount.String(), "err", err)
		unreserve()
		return domain.Milestone{}, err
	}
	if err := ledger.AwaitConfirmation(ctx, c.Ledger, receipt.TxRef, c.Await); err != nil {
		c.Logger.Error("milestone release not confirmed", "grant_id", m.GrantID, "milestone", m.ID, "tx", receipt.TxRef, "amount", m.Amount.String(), "err", err)
		unreserve()
		return domain.Milestone{}, err
	}

	paidAt := c.now()
	m.Status = domain.MilestonePaid
	m.PaidAt = &paidAt
	m.ReleaseTx = receipt.TxRef
	m.PaymentRef = receipt.TxRef
	m.UpdatedAt = paidAt
	if err := c.commitRelease(ctx, m, actorID); err != nil {
		c.Logger.Error("milestone release confirmed on ledger but not recorded", "grant_id", m.GrantID, "milestone", m.ID, "tx", receipt.TxRef, "amount", m.Amount.String(), "err", err)
		if _, rerr := c.Repo.InsertReconciliationIssue(ctx, nil, domain.ReconciliationIssue{
			EntityKind: "milestone",
			EntityID:   m.ID,
			LedgerTx:   receipt.TxRef,
			Detail:     fmt.Sprintf("ledger confirmed release of %s for grant %s ordinal %d but local record failed: %v", m.Amount, m.GrantID, m.Ordinal, err),
			CreatedAt:  paidAt,
		}); rerr != nil {
			c.Logger.Error("record reconciliation issue", "milestone", m.ID, "err", rerr)
		}
		return domain.Milestone{}, err
	}
	c.Metrics.Released(m.Amount.InexactFloat64())
	c.Logger.Info("milestone paid", "grant_id", m.GrantID, "milestone", m.ID, "ordinal", m.Ordinal, "amount", m.Amount.String(), "tx", receipt.TxRef)
	return m, nil
}

func (c Controller) commitRelease(ctx context.Context, m domain.Milestone, actorID string) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := c.Repo.UpdateMilestoneTx(ctx, tx, m, domain.MilestoneApproved); err != nil {
		return err
	}
	paid, err := c.Repo.AddGrantPaidTx(ctx, tx, m.GrantID, m.Amount, m.UpdatedAt)
	if err != nil {
		return err
	}
	g, err := c.Repo.GetGrantTx(ctx, tx, m.GrantID)
	if err != nil {
		return err
	}
	if paid.GreaterThan(g.Amount) {
		return domain.Invalid("paid total %s exceeds grant total %s", paid, g.Amount)
	}
	if err := c.Events.Append(ctx, tx, events.MilestonePaid, m.GrantID, "milestone", m.ID, actorID, events.EventPayload{
		"ordinal": m.Ordinal, "amount": m.Amount.String(), "tx": m.ReleaseTx, "paid_total": paid.String(),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Completed reports whether every milestone of the grant is paid and the paid total equals the
// grant amount.
func (c Controller) Completed(ctx context.Context, grantID string) (bool, error) {
	g, err := c.Repo.GetGrant(ctx, grantID)
	if err != nil {
		return false, err
	}
	ms, err := c.Repo.ListMilestones(ctx, grantID)
	if err != nil {
		return false, err
	}
	if len(ms) == 0 {
		return false, nil
	}
	for _, m := range ms {
		if m.Status != domain.MilestonePaid {
			return false, nil
		}
	}
	return g.PaidAmount.Equal(g.Amount), nil
}

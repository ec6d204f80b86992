// Package engine is the workflow orchestrator. It drives each grant through submission,
// evaluation, voting, decision and execution, persisting the stage after every step so a
// restarted process resumes where it stopped.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"grantline/internal/config"
	"grantline/internal/consensus"
	"grantline/internal/domain"
	"grantline/internal/evaluator"
	"grantline/internal/events"
	"grantline/internal/ledger"
	"grantline/internal/lockset"
	"grantline/internal/milestone"
	"grantline/internal/observability"
	"grantline/internal/registry"
	"grantline/internal/repo"
	"grantline/internal/router"
	"grantline/internal/treasury"
)

// ActorID is recorded on events the orchestrator emits on its own behalf.
const ActorID = router.OrchestratorAddress

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Registry   registry.Registry
	Router     *router.Router
	Proxies    map[domain.AgentType]*evaluator.Proxy
	Consensus  consensus.Engine
	Milestones milestone.Controller
	Treasury   treasury.Controller
	Ledger     ledger.Client
	Await      ledger.AwaitPolicy
	Metrics    *observability.Metrics
	Now        func() time.Time
	Logger     *slog.Logger

	locks   *lockset.Set
	pending *inflight
	seen    *router.Deduper
	bg      *sync.WaitGroup
}

// Deps are the collaborators the orchestrator coordinates.
type Deps struct {
	Registry   registry.Registry
	Router     *router.Router
	Proxies    map[domain.AgentType]*evaluator.Proxy
	Consensus  consensus.Engine
	Milestones milestone.Controller
	Treasury   treasury.Controller
	Ledger     ledger.Client
	Await      ledger.AwaitPolicy
	Metrics    *observability.Metrics
	Logger     *slog.Logger
	Now        func() time.Time
}

// New builds the orchestrator and registers its router handlers: one address per evaluator
// proxy plus the orchestrator address that receives delivery failures.
func New(db *sql.DB, cfg *config.Config, deps Deps) Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	e := Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Events:     events.Writer{Now: now},
		Config:     cfg,
		Registry:   deps.Registry,
		Router:     deps.Router,
		Proxies:    deps.Proxies,
		Consensus:  deps.Consensus,
		Milestones: deps.Milestones,
		Treasury:   deps.Treasury,
		Ledger:     deps.Ledger,
		Await:      deps.Await,
		Metrics:    deps.Metrics,
		Now:        now,
		Logger:     logger.With("component", "orchestrator"),
		locks:      &lockset.Set{},
		pending:    newInflight(),
		seen:       &router.Deduper{Now: now},
		bg:         &sync.WaitGroup{},
	}
	if e.Router != nil {
		for t := range e.Proxies {
			e.Router.Handle(EvaluatorAddress(t), e.once(EvaluatorAddress(t), e.handleEvaluate))
		}
		e.Router.Handle(router.OrchestratorAddress, e.once(router.OrchestratorAddress, e.handleOrchestrator))
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// SubmitOptions are the parameters of a new grant application.
type SubmitOptions struct {
	ID         string
	Requester  string
	Title      string
	Amount     decimal.Decimal
	Currency   string
	ContentRef string
	Proposal   domain.Proposal
	Milestones []domain.MilestonePlan
}

// SubmitGrant records a grant and its workflow at the Submission stage. Callers start the
// workflow with Kick or Drive.
func (e Engine) SubmitGrant(ctx context.Context, opts SubmitOptions) (domain.Grant, domain.WorkflowState, error) {
	if err := e.Treasury.CheckOperational(ctx, treasury.OpSubmit); err != nil {
		return domain.Grant{}, domain.WorkflowState{}, err
	}
	if strings.TrimSpace(opts.Requester) == "" {
		return domain.Grant{}, domain.WorkflowState{}, domain.Invalid("requester is required")
	}
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Grant{}, domain.WorkflowState{}, domain.Invalid("title is required")
	}
	if !opts.Amount.IsPositive() {
		return domain.Grant{}, domain.WorkflowState{}, domain.Invalid("amount must be positive")
	}
	if len(opts.Milestones) > 0 {
		if err := milestone.ValidatePlan(opts.Amount, opts.Milestones); err != nil {
			return domain.Grant{}, domain.WorkflowState{}, err
		}
	}
	if opts.Currency == "" {
		opts.Currency = e.Config.Treasury.Currency
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	p := opts.Proposal
	if p.Title == "" {
		p.Title = opts.Title
	}
	if p.FundingAmount.IsZero() {
		p.FundingAmount = opts.Amount
	}
	now := e.now()
	g := domain.Grant{
		ID:         opts.ID,
		Requester:  opts.Requester,
		Title:      opts.Title,
		Amount:     opts.Amount,
		Currency:   opts.Currency,
		ContentRef: opts.ContentRef,
		Status:     domain.GrantPending,
		Proposal:   p,
		Milestones: opts.Milestones,
		PaidAmount: decimal.Zero,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	ws := domain.WorkflowState{
		GrantID:   g.ID,
		Stage:     domain.StageSubmission,
		Progress:  domain.StageSubmission.Progress(),
		Retries:   map[domain.Stage]int{},
		UpdatedAt: now,
		Version:   1,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Grant{}, domain.WorkflowState{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetGrantTx(ctx, tx, g.ID); err == nil {
		return domain.Grant{}, domain.WorkflowState{}, domain.Conflict("grant %s already exists", g.ID)
	}
	if err := e.Repo.InsertGrantTx(ctx, tx, g); err != nil {
		return domain.Grant{}, domain.WorkflowState{}, fmt.Errorf("insert grant: %w", err)
	}
	if err := e.Repo.InsertWorkflowTx(ctx, tx, ws); err != nil {
		return domain.Grant{}, domain.WorkflowState{}, fmt.Errorf("insert workflow: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.GrantSubmitted, g.ID, "grant", g.ID, g.Requester, events.EventPayload{
		"amount": g.Amount.String(), "currency": g.Currency, "milestones": len(g.Milestones),
	}); err != nil {
		return domain.Grant{}, domain.WorkflowState{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Grant{}, domain.WorkflowState{}, err
	}
	e.Metrics.GrantSubmitted()
	e.Logger.Info("grant submitted", "grant_id", g.ID, "amount", g.Amount.String(), "milestones", len(g.Milestones))
	return g, ws, nil
}

// CancelGrant withdraws a grant that has not been decided yet. Only the requester or a
// treasury admin may cancel. A driver working on the grant sees the version change and stops.
func (e Engine) CancelGrant(ctx context.Context, grantID, actorID, reason string) (domain.Grant, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Grant{}, err
	}
	defer tx.Rollback()
	g, err := e.Repo.GetGrantTx(ctx, tx, grantID)
	if err != nil {
		return domain.Grant{}, err
	}
	if actorID != g.Requester && !e.Config.Treasury.IsAdmin(actorID) {
		return domain.Grant{}, fmt.Errorf("%w: only the requester or an admin may cancel grant %s", domain.ErrUnauthorized, grantID)
	}
	if g.Status != domain.GrantPending && g.Status != domain.GrantUnderReview {
		return domain.Grant{}, domain.BadTransition("grant", g.Status, domain.GrantCancelled)
	}
	ws, err := e.Repo.GetWorkflowTx(ctx, tx, grantID)
	if err != nil {
		return domain.Grant{}, err
	}
	now := e.now()
	if err := e.Repo.SetGrantStatusTx(ctx, tx, grantID, g.Status, domain.GrantCancelled, now); err != nil {
		return domain.Grant{}, err
	}
	if _, err := e.moveTx(ctx, tx, ws, domain.StageComplete, actorID); err != nil {
		return domain.Grant{}, err
	}
	if err := e.Events.Append(ctx, tx, events.GrantCancelled, grantID, "grant", grantID, actorID, events.EventPayload{"reason": reason, "stage": ws.Stage}); err != nil {
		return domain.Grant{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Grant{}, err
	}
	g.Status = domain.GrantCancelled
	g.UpdatedAt = now
	return g, nil
}

// RetryWorkflow puts a failed workflow back at the stage it failed in with cleared retry
// counters. The caller restarts it with Kick or Drive.
func (e Engine) RetryWorkflow(ctx context.Context, grantID, actorID string) (domain.WorkflowState, error) {
	unlock, ok := e.locks.TryLock(grantID)
	if !ok {
		return domain.WorkflowState{}, domain.Conflict("workflow %s is running", grantID)
	}
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowState{}, err
	}
	defer tx.Rollback()
	ws, err := e.Repo.GetWorkflowTx(ctx, tx, grantID)
	if err != nil {
		return domain.WorkflowState{}, err
	}
	if ws.Stage != domain.StageFailed || ws.FailedStage == "" {
		return domain.WorkflowState{}, domain.BadTransition("workflow", ws.Stage, "retry")
	}
	from, reason := ws.FailedStage, ws.FailureReason
	ws.Stage = from
	ws.FailedStage = ""
	ws.FailureReason = ""
	ws.Paused = false
	ws.Retries = map[domain.Stage]int{}
	ws.UpdatedAt = e.now()
	ws, err = e.Repo.UpdateWorkflowTx(ctx, tx, ws)
	if err != nil {
		return domain.WorkflowState{}, err
	}
	if err := e.Events.Append(ctx, tx, events.WorkflowRetried, grantID, "workflow", grantID, actorID, events.EventPayload{"stage": from, "previous_reason": reason}); err != nil {
		return domain.WorkflowState{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowState{}, err
	}
	e.Logger.Info("workflow retried", "grant_id", grantID, "stage", from, "actor", actorID)
	return ws, nil
}

func (e Engine) Grant(ctx context.Context, id string) (domain.Grant, error) {
	return e.Repo.GetGrant(ctx, id)
}

func (e Engine) Grants(ctx context.Context, f repo.GrantFilters) ([]domain.Grant, error) {
	return e.Repo.ListGrants(ctx, f)
}

func (e Engine) Workflow(ctx context.Context, grantID string) (domain.WorkflowState, error) {
	return e.Repo.GetWorkflow(ctx, grantID)
}

func (e Engine) Evaluations(ctx context.Context, grantID string) ([]domain.Evaluation, error) {
	if _, err := e.Repo.GetGrant(ctx, grantID); err != nil {
		return nil, err
	}
	return e.Repo.ListEvaluations(ctx, grantID)
}

// Kick drives the workflow in the background. Failures are logged; the persisted state
// records where the workflow stopped.
func (e Engine) Kick(ctx context.Context, grantID string) {
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		if _, err := e.Drive(ctx, grantID); err != nil && !errors.Is(err, context.Canceled) {
			e.Logger.Error("drive workflow", "grant_id", grantID, "err", err)
		}
	}()
}

// Wait blocks until every Kick goroutine has returned.
func (e Engine) Wait() { e.bg.Wait() }

// ResumeAll kicks every workflow that is neither terminal nor already running.
func (e Engine) ResumeAll(ctx context.Context) (int, error) {
	list, err := e.Repo.ListWorkflowsByStage(ctx, domain.StageSubmission, domain.StageEvaluation, domain.StageVoting, domain.StageDecision, domain.StageExecution)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ws := range list {
		if e.Running(ws.GrantID) {
			continue
		}
		e.Kick(ctx, ws.GrantID)
		n++
	}
	return n, nil
}

// Running reports whether a driver currently holds the grant's workflow.
func (e Engine) Running(grantID string) bool {
	unlock, ok := e.locks.TryLock(grantID)
	if !ok {
		return true
	}
	unlock()
	return false
}

// Drive advances the workflow until it completes, fails, or parks waiting on something
// outside the orchestrator (a safety switch, milestone reviews). Waits for a voting deadline
// or a retry delay are slept inline. Only one driver runs per grant; a second call returns
// the current state immediately.
func (e Engine) Drive(ctx context.Context, grantID string) (domain.WorkflowState, error) {
	unlock, ok := e.locks.TryLock(grantID)
	if !ok {
		return e.Repo.GetWorkflow(ctx, grantID)
	}
	defer unlock()
	for {
		ws, wait, err := e.step(ctx, grantID)
		if err != nil || ws.Stage.Terminal() || ws.Paused || wait <= 0 {
			return ws, err
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ws, ctx.Err()
		case <-timer.C:
		}
	}
}

// Advance runs a single step of the workflow without sleeping. It returns the resulting state
// and, when the workflow is waiting, how long until it is worth stepping again.
func (e Engine) Advance(ctx context.Context, grantID string) (domain.WorkflowState, time.Duration, error) {
	unlock, ok := e.locks.TryLock(grantID)
	if !ok {
		ws, err := e.Repo.GetWorkflow(ctx, grantID)
		return ws, 0, err
	}
	defer unlock()
	return e.step(ctx, grantID)
}

// step runs the current stage once. A stage that made progress returns a zero wait with
// the next stage already persisted, so Drive loops straight into it.
func (e Engine) step(ctx context.Context, grantID string) (domain.WorkflowState, time.Duration, error) {
	ws, err := e.Repo.GetWorkflow(ctx, grantID)
	if err != nil {
		return ws, 0, err
	}
	if ws.Stage.Terminal() {
		return ws, 0, nil
	}
	ctx, span := startSpan(ctx, "workflow."+string(ws.Stage), grantID)
	defer span.End()

	if ws.Paused {
		if err := e.Treasury.CheckOperational(ctx, stageOperation(ws.Stage)); err != nil {
			return e.onStageError(ctx, ws, err)
		}
		if ws, err = e.update(ctx, ws, func(ws *domain.WorkflowState) { ws.Paused = false }); err != nil {
			return e.reload(ctx, ws, err)
		}
		e.Logger.Info("workflow resumed", "grant_id", grantID, "stage", ws.Stage)
	}

	var (
		next domain.WorkflowState
		wait time.Duration
	)
	switch ws.Stage {
	case domain.StageSubmission:
		next, err = e.startEvaluation(ctx, ws)
	case domain.StageEvaluation:
		next, err = e.evaluate(ctx, ws)
	case domain.StageVoting:
		next, wait, err = e.vote(ctx, ws)
	case domain.StageDecision:
		next, wait, err = e.decide(ctx, ws)
	case domain.StageExecution:
		next, err = e.execute(ctx, ws)
	default:
		err = fmt.Errorf("%w: unknown stage %s", domain.ErrInvalidTransition, ws.Stage)
	}
	if err != nil {
		span.RecordError(err)
		return e.onStageError(ctx, ws, err)
	}
	if next.Stage != ws.Stage && !next.Stage.Terminal() {
		// progressed; loop into the next stage immediately
		return next, time.Nanosecond, nil
	}
	return next, wait, nil
}

// onStageError classifies a failed step. Halts park the workflow, transient failures are
// retried up to workflow.max_retries, everything else fails the workflow.
func (e Engine) onStageError(ctx context.Context, ws domain.WorkflowState, cause error) (domain.WorkflowState, time.Duration, error) {
	switch {
	case errors.Is(cause, context.Canceled), errors.Is(cause, context.DeadlineExceeded) && ctx.Err() != nil:
		return ws, 0, cause
	case errors.Is(cause, domain.ErrHalted):
		if ws.Paused {
			return ws, 0, nil
		}
		e.Logger.Warn("workflow paused by safety switch", "grant_id", ws.GrantID, "stage", ws.Stage, "err", cause)
		next, err := e.update(ctx, ws, func(ws *domain.WorkflowState) { ws.Paused = true })
		if err != nil {
			return e.reload(ctx, ws, err)
		}
		return next, 0, nil
	case errors.Is(cause, domain.ErrConflict):
		// another writer moved the workflow; report what it did
		return e.reload(ctx, ws, nil)
	case domain.Retryable(cause):
		if ws.Retries[ws.Stage] < e.Config.Workflow.MaxRetries {
			next, err := e.update(ctx, ws, func(ws *domain.WorkflowState) {
				if ws.Retries == nil {
					ws.Retries = map[domain.Stage]int{}
				}
				ws.Retries[ws.Stage]++
			})
			if err != nil {
				return e.reload(ctx, ws, err)
			}
			e.Logger.Warn("stage failed, retrying", "grant_id", ws.GrantID, "stage", ws.Stage, "attempt", next.Retries[ws.Stage], "err", cause)
			return next, e.retryDelay(), nil
		}
	}
	next, err := e.fail(ctx, ws, cause)
	if err != nil {
		return e.reload(ctx, ws, err)
	}
	return next, 0, nil
}

func startSpan(ctx context.Context, name, grantID string) (context.Context, trace.Span) {
	return observability.Tracer().Start(ctx, name, trace.WithAttributes(attribute.String("grant.id", grantID)))
}

// stageOperation is the safety-switch class a stage's next step falls under.
func stageOperation(s domain.Stage) treasury.Operation {
	switch s {
	case domain.StageSubmission, domain.StageEvaluation:
		return treasury.OpEvaluate
	}
	return treasury.OpStep
}

func (e Engine) retryDelay() time.Duration {
	if d := e.Config.Workflow.RetryDelay; d > 0 {
		return d
	}
	return time.Second
}

func (e Engine) reload(ctx context.Context, ws domain.WorkflowState, cause error) (domain.WorkflowState, time.Duration, error) {
	cur, err := e.Repo.GetWorkflow(ctx, ws.GrantID)
	if err != nil {
		return ws, 0, errors.Join(cause, err)
	}
	return cur, 0, cause
}

func (e Engine) fail(ctx context.Context, ws domain.WorkflowState, cause error) (domain.WorkflowState, error) {
	stage := ws.Stage
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ws, err
	}
	defer tx.Rollback()
	ws.FailedStage = stage
	ws.FailureReason = cause.Error()
	ws.Stage = domain.StageFailed
	ws.Paused = false
	ws.UpdatedAt = e.now()
	next, err := e.Repo.UpdateWorkflowTx(ctx, tx, ws)
	if err != nil {
		return ws, err
	}
	if err := e.Events.Append(ctx, tx, events.WorkflowFailed, ws.GrantID, "workflow", ws.GrantID, ActorID, events.EventPayload{
		"stage": stage, "reason": cause.Error(), "retries": ws.Retries[stage],
	}); err != nil {
		return ws, err
	}
	if err := tx.Commit(); err != nil {
		return ws, err
	}
	e.Metrics.WorkflowFailed(string(stage))
	e.Logger.Error("workflow failed", "grant_id", ws.GrantID, "stage", stage, "err", cause)
	return next, nil
}

// update persists a change to the workflow outside of a stage transition.
func (e Engine) update(ctx context.Context, ws domain.WorkflowState, fn func(*domain.WorkflowState)) (domain.WorkflowState, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ws, err
	}
	defer tx.Rollback()
	fn(&ws)
	ws.UpdatedAt = e.now()
	next, err := e.Repo.UpdateWorkflowTx(ctx, tx, ws)
	if err != nil {
		return ws, err
	}
	return next, tx.Commit()
}

// moveTx advances the workflow to stage inside tx. Progress never decreases.
func (e Engine) moveTx(ctx context.Context, tx *sql.Tx, ws domain.WorkflowState, to domain.Stage, actorID string) (domain.WorkflowState, error) {
	from := ws.Stage
	ws.Stage = to
	if p := to.Progress(); p > ws.Progress {
		ws.Progress = p
	}
	ws.Paused = false
	ws.UpdatedAt = e.now()
	next, err := e.Repo.UpdateWorkflowTx(ctx, tx, ws)
	if err != nil {
		return ws, err
	}
	if err := e.Events.Append(ctx, tx, events.WorkflowAdvanced, ws.GrantID, "workflow", ws.GrantID, actorID, events.EventPayload{
		"from": from, "to": to, "progress": next.Progress,
	}); err != nil {
		return ws, err
	}
	return next, nil
}

// move is moveTx in its own transaction, with an optional grant status change.
func (e Engine) move(ctx context.Context, ws domain.WorkflowState, to domain.Stage, status *statusChange) (domain.WorkflowState, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ws, err
	}
	defer tx.Rollback()
	if status != nil {
		if err := e.Repo.SetGrantStatusTx(ctx, tx, ws.GrantID, status.from, status.to, e.now()); err != nil {
			return ws, err
		}
	}
	next, err := e.moveTx(ctx, tx, ws, to, ActorID)
	if err != nil {
		return ws, err
	}
	if err := tx.Commit(); err != nil {
		return ws, err
	}
	e.Logger.Info("workflow advanced", "grant_id", ws.GrantID, "from", ws.Stage, "to", to)
	return next, nil
}

type statusChange struct {
	from, to domain.GrantStatus
}

// recordReconciliation notes a confirmed ledger write whose database commit failed.
func (e Engine) recordReconciliation(ctx context.Context, kind, id, txRef string, cause error) {
	issue := domain.ReconciliationIssue{EntityKind: kind, EntityID: id, LedgerTx: txRef, Detail: cause.Error(), CreatedAt: e.now()}
	ctx = context.WithoutCancel(ctx)
	issueID, err := e.Repo.InsertReconciliationIssue(ctx, nil, issue)
	if err != nil {
		e.Logger.Error("record reconciliation issue", "entity", kind, "id", id, "ledger_tx", txRef, "err", err)
		return
	}
	grantID := ""
	if kind == "grant" {
		grantID = id
	}
	_ = e.Events.Append(ctx, e.DB, events.ReconciliationRaised, grantID, "reconciliation", fmt.Sprint(issueID), ActorID, events.EventPayload{
		"entity_kind": kind, "entity_id": id, "ledger_tx": txRef,
	})
}

// ResolveReconciliationIssue marks an issue as handled by an operator.
func (e Engine) ResolveReconciliationIssue(ctx context.Context, id int64, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.ResolveReconciliationIssue(ctx, tx, id, e.now()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.ReconciliationResolved, "", "reconciliation", fmt.Sprint(id), actorID, nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Logger.Info("reconciliation issue resolved", "issue_id", id, "actor_id", actorID)
	return nil
}

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"grantline/internal/domain"
	"grantline/internal/events"
	"grantline/internal/router"
	"grantline/internal/treasury"
)

// EvaluatorAddress is the router address served by the proxy for an agent type.
func EvaluatorAddress(t domain.AgentType) string {
	return "evaluator." + string(t)
}

// EvaluationRequest is the payload of a router.TypeEvaluate message.
type EvaluationRequest struct {
	GrantID   string           `json:"grant_id"`
	AgentType domain.AgentType `json:"agent_type"`
	AgentID   string           `json:"agent_id"`
}

type outcome string

const (
	outcomeEvaluated   outcome = "evaluated"
	outcomeSkipped     outcome = "skipped"
	outcomeFailed      outcome = "failed"
	outcomeUnavailable outcome = "unavailable"
	outcomeHalted      outcome = "halted"
)

type settlement struct {
	Type    domain.AgentType
	Outcome outcome
	Err     error
}

// inflight hands evaluator settlements from router handlers to the stage waiting on them.
type inflight struct {
	mu      sync.Mutex
	waiters map[string]chan settlement
}

func newInflight() *inflight {
	return &inflight{waiters: map[string]chan settlement{}}
}

func (f *inflight) open(grantID string, size int) (<-chan settlement, func()) {
	ch := make(chan settlement, size)
	f.mu.Lock()
	f.waiters[grantID] = ch
	f.mu.Unlock()
	return ch, func() {
		f.mu.Lock()
		if f.waiters[grantID] == ch {
			delete(f.waiters, grantID)
		}
		f.mu.Unlock()
	}
}

// settle never blocks; a settlement nobody waits for is dropped.
func (f *inflight) settle(grantID string, s settlement) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.waiters[grantID]
	if !ok {
		return
	}
	select {
	case ch <- s:
	default:
	}
}

func (e Engine) startEvaluation(ctx context.Context, ws domain.WorkflowState) (domain.WorkflowState, error) {
	if err := e.Treasury.CheckOperational(ctx, treasury.OpEvaluate); err != nil {
		return ws, err
	}
	g, err := e.Repo.GetGrant(ctx, ws.GrantID)
	if err != nil {
		return ws, err
	}
	var change *statusChange
	if g.Status == domain.GrantPending {
		change = &statusChange{from: domain.GrantPending, to: domain.GrantUnderReview}
	}
	return e.move(ctx, ws, domain.StageEvaluation, change)
}

// evaluate dispatches the required agent types that have no evaluation yet and waits until
// they settle or the evaluation timeout passes. It moves to Voting when every type answered,
// or when the minimum quorum answered and nothing else is worth waiting for.
func (e Engine) evaluate(ctx context.Context, ws domain.WorkflowState) (domain.WorkflowState, error) {
	if err := e.Treasury.CheckOperational(ctx, treasury.OpEvaluate); err != nil {
		return ws, err
	}
	g, err := e.Repo.GetGrant(ctx, ws.GrantID)
	if err != nil {
		return ws, err
	}
	required := e.Config.Evaluation.RequiredTypes
	todo, err := e.unevaluated(ctx, g.ID, required)
	if err != nil {
		return ws, err
	}
	var (
		results  map[domain.AgentType]settlement
		timedOut bool
	)
	if len(todo) > 0 {
		results, timedOut, err = e.dispatch(ctx, g, todo)
		if err != nil {
			return ws, err
		}
	}
	for _, s := range results {
		if s.Outcome == outcomeHalted {
			return ws, s.Err
		}
	}
	missing, err := e.unevaluated(ctx, g.ID, required)
	if err != nil {
		return ws, err
	}
	answered := len(required) - len(missing)
	if len(missing) == 0 {
		return e.move(ctx, ws, domain.StageVoting, nil)
	}
	if answered >= e.Config.Evaluation.MinResponses {
		e.Logger.Info("evaluation partial quorum", "grant_id", g.ID, "answered", answered, "missing", missing, "timed_out", timedOut)
		return e.move(ctx, ws, domain.StageVoting, nil)
	}

	transient := timedOut
	var errs []error
	for _, t := range missing {
		s, ok := results[t]
		if !ok {
			continue
		}
		if s.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t, s.Err))
		}
		if s.Outcome == outcomeFailed && domain.Retryable(s.Err) || s.Outcome == outcomeUnavailable {
			transient = true
		}
	}
	detail := errors.Join(errs...)
	if transient {
		return ws, fmt.Errorf("%w: %d of %d evaluations after timeout, need %d: %v", domain.ErrTimeout, answered, len(required), e.Config.Evaluation.MinResponses, detail)
	}
	return ws, fmt.Errorf("%w: %d of %d evaluations, need %d: %v", domain.ErrInsufficientData, answered, len(required), e.Config.Evaluation.MinResponses, detail)
}

func (e Engine) unevaluated(ctx context.Context, grantID string, required []domain.AgentType) ([]domain.AgentType, error) {
	evs, err := e.Repo.ListEvaluations(ctx, grantID)
	if err != nil {
		return nil, err
	}
	done := map[domain.AgentType]bool{}
	for _, ev := range evs {
		done[ev.AgentType] = true
	}
	var out []domain.AgentType
	for _, t := range required {
		if !done[t] {
			out = append(out, t)
		}
	}
	return out, nil
}

// dispatch sends one evaluation request per type in parallel and collects settlements until
// all types settled or the evaluation timeout fires.
func (e Engine) dispatch(ctx context.Context, g domain.Grant, types []domain.AgentType) (map[domain.AgentType]settlement, bool, error) {
	settled, release := e.pending.open(g.ID, 2*len(types))
	defer release()

	var mu sync.Mutex
	results := map[domain.AgentType]settlement{}
	group, gctx := errgroup.WithContext(ctx)
	for _, t := range types {
		group.Go(func() error {
			s, err := e.request(gctx, g.ID, t)
			if err != nil {
				return err
			}
			if s != nil {
				mu.Lock()
				results[t] = *s
				mu.Unlock()
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, false, err
	}

	want := map[domain.AgentType]bool{}
	for _, t := range types {
		want[t] = true
	}
	timer := time.NewTimer(e.Config.Evaluation.Timeout)
	defer timer.Stop()
	for len(results) < len(types) {
		select {
		case s := <-settled:
			if _, seen := results[s.Type]; want[s.Type] && !seen {
				results[s.Type] = s
			}
		case <-timer.C:
			return results, true, nil
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	return results, false, nil
}

// request picks an agent for t and enqueues the evaluation message. A non-nil settlement
// means the type settled without a message being sent.
func (e Engine) request(ctx context.Context, grantID string, t domain.AgentType) (*settlement, error) {
	if _, ok := e.Proxies[t]; !ok {
		return &settlement{Type: t, Outcome: outcomeUnavailable, Err: fmt.Errorf("%w: no evaluator proxy for %s", domain.ErrExternalService, t)}, nil
	}
	agent, err := e.pickAgent(ctx, t)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return &settlement{Type: t, Outcome: outcomeUnavailable, Err: err}, nil
		}
		return nil, err
	}
	msg, err := router.NewMessage(router.OrchestratorAddress, []string{EvaluatorAddress(t)}, router.TypeEvaluate, router.Normal, EvaluationRequest{
		GrantID: grantID, AgentType: t, AgentID: agent.ID,
	})
	if err != nil {
		return nil, err
	}
	id, err := e.Router.Send(ctx, msg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &settlement{Type: t, Outcome: outcomeFailed, Err: fmt.Errorf("%w: send evaluation request: %v", domain.ErrExternalService, err)}, nil
	}
	e.Logger.Debug("evaluation requested", "grant_id", grantID, "agent_type", t, "agent_id", agent.ID, "message", id)
	return nil, nil
}

// pickAgent returns the active healthy agent of type t with the best reputation.
func (e Engine) pickAgent(ctx context.Context, t domain.AgentType) (domain.Agent, error) {
	agents, err := e.Registry.ActiveByType(ctx, t)
	if err != nil {
		return domain.Agent{}, err
	}
	if len(agents) == 0 {
		return domain.Agent{}, domain.NotFound("active agent of type", string(t))
	}
	sort.SliceStable(agents, func(i, j int) bool {
		if agents[i].Reputation != agents[j].Reputation {
			return agents[i].Reputation > agents[j].Reputation
		}
		return agents[i].ID < agents[j].ID
	})
	return agents[0], nil
}

// once wraps a router handler so a message id is handled at most once per address. A handler
// error forgets the id again so the router's redelivery is processed.
func (e Engine) once(address string, h router.Handler) router.Handler {
	return func(ctx context.Context, msg router.Message) error {
		key := address + "/" + msg.ID
		if !e.seen.First(key) {
			e.Logger.Debug("duplicate message dropped", "address", address, "message", msg.ID, "type", msg.Type)
			return nil
		}
		if err := h(ctx, msg); err != nil {
			e.seen.Forget(key)
			return err
		}
		return nil
	}
}

// handleEvaluate serves evaluator addresses. It runs the proxy with evaluation retries and
// records the outcome; returning an error asks the router to redeliver.
func (e Engine) handleEvaluate(ctx context.Context, msg router.Message) error {
	var req EvaluationRequest
	if err := msg.Decode(&req); err != nil {
		return backoff.Permanent(fmt.Errorf("decode evaluation request: %w", err))
	}
	settle := func(o outcome, err error) {
		e.pending.settle(req.GrantID, settlement{Type: req.AgentType, Outcome: o, Err: err})
	}
	if done, err := e.hasEvaluation(ctx, req.GrantID, req.AgentType); err != nil {
		return err
	} else if done {
		settle(outcomeEvaluated, nil)
		return nil
	}
	halted := func(err error) error {
		e.Logger.Warn("evaluation halted by emergency stop", "grant_id", req.GrantID, "agent_type", req.AgentType, "err", err)
		settle(outcomeHalted, err)
		return nil
	}
	// emergency stop aborts in-flight evaluations; checked again per scorer attempt and when recording
	if err := e.Treasury.CheckOperational(ctx, treasury.OpStep); err != nil {
		return halted(err)
	}
	proxy, ok := e.Proxies[req.AgentType]
	if !ok {
		settle(outcomeUnavailable, fmt.Errorf("%w: no evaluator proxy for %s", domain.ErrExternalService, req.AgentType))
		return nil
	}
	g, err := e.Repo.GetGrant(ctx, req.GrantID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}

	ctx, span := startSpan(ctx, "evaluator."+string(req.AgentType), req.GrantID)
	defer span.End()

	attempts := 0
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.Config.Evaluation.RetryDelay
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Second
	}
	ev, err := backoff.Retry(ctx, func() (domain.Evaluation, error) {
		if err := e.Treasury.CheckOperational(ctx, treasury.OpStep); err != nil {
			return domain.Evaluation{}, backoff.Permanent(err)
		}
		attempts++
		ev, err := proxy.Evaluate(ctx, g.ID, g.Proposal)
		if err != nil && !domain.Retryable(err) {
			return ev, backoff.Permanent(err)
		}
		return ev, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(e.Config.Evaluation.MaxRetries+1)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			e.Logger.Warn("evaluator failed, retrying", "grant_id", g.ID, "agent_type", req.AgentType, "attempt", attempts, "wait", wait, "err", err)
		}),
	)
	switch {
	case errors.Is(err, domain.ErrHalted):
		return halted(err)
	case errors.Is(err, domain.ErrInsufficientData):
		if err := e.recordSkip(ctx, req, err); err != nil {
			return err
		}
		settle(outcomeSkipped, err)
		return nil
	case err != nil:
		span.RecordError(err)
		e.Logger.Warn("evaluator non-responsive", "grant_id", g.ID, "agent_type", req.AgentType, "attempts", attempts, "err", err)
		settle(outcomeFailed, err)
		return nil
	}
	ev.AgentID = req.AgentID
	recorded, err := e.recordEvaluation(ctx, ev)
	if errors.Is(err, domain.ErrHalted) {
		return halted(err)
	}
	if err != nil {
		return err
	}
	if recorded {
		settle(outcomeEvaluated, nil)
	}
	return nil
}

// handleOrchestrator receives router escalations. An evaluation request that could not be
// delivered settles its type as failed so the stage does not wait for the timeout.
func (e Engine) handleOrchestrator(ctx context.Context, msg router.Message) error {
	if msg.Type != router.TypeDeliveryFailed {
		return nil
	}
	var f router.DeliveryFailure
	if err := msg.Decode(&f); err != nil {
		return backoff.Permanent(err)
	}
	e.Logger.Error("message undeliverable", "message", f.MessageID, "type", f.Type, "recipient", f.Recipient, "attempts", f.Attempts, "err", f.Error)
	if f.Type != router.TypeEvaluate {
		return nil
	}
	var req EvaluationRequest
	if err := json.Unmarshal(f.Original, &req); err != nil {
		return backoff.Permanent(err)
	}
	e.pending.settle(req.GrantID, settlement{Type: req.AgentType, Outcome: outcomeFailed, Err: fmt.Errorf("%w: %s", domain.ErrExternalService, f.Error)})
	return nil
}

func (e Engine) hasEvaluation(ctx context.Context, grantID string, t domain.AgentType) (bool, error) {
	evs, err := e.Repo.ListEvaluations(ctx, grantID)
	if err != nil {
		return false, err
	}
	for _, ev := range evs {
		if ev.AgentType == t {
			return true, nil
		}
	}
	return false, nil
}

// recordEvaluation stores ev while the workflow is still evaluating and no emergency stop is
// engaged. It reports false when the answer arrived too late to count.
func (e Engine) recordEvaluation(ctx context.Context, ev domain.Evaluation) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if err := e.Treasury.CheckOperationalTx(ctx, tx, treasury.OpStep); err != nil {
		return false, err
	}
	ws, err := e.Repo.GetWorkflowTx(ctx, tx, ev.GrantID)
	if err != nil {
		return false, err
	}
	if ws.Stage != domain.StageEvaluation {
		e.Logger.Info("late evaluation dropped", "grant_id", ev.GrantID, "agent_type", ev.AgentType, "stage", ws.Stage)
		return false, nil
	}
	if err := e.Repo.InsertEvaluationTx(ctx, tx, ev); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return true, nil
		}
		return false, err
	}
	if err := e.Events.Append(ctx, tx, events.EvaluationRecorded, ev.GrantID, "evaluation", ev.ID, ev.AgentID, events.EventPayload{
		"agent_type": ev.AgentType, "score": ev.Score, "vote_score": ev.VoteScore, "decision": ev.Decision, "confidence": ev.Confidence,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	e.Logger.Info("evaluation recorded", "grant_id", ev.GrantID, "agent_type", ev.AgentType, "score", ev.Score, "latency_ms", ev.LatencyMS)
	return true, nil
}

func (e Engine) recordSkip(ctx context.Context, req EvaluationRequest, cause error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, events.EvaluationSkipped, req.GrantID, "evaluation", "", req.AgentID, events.EventPayload{
		"agent_type": req.AgentType, "reason": cause.Error(),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

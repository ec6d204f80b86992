package evaluator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"grantline/internal/domain"
	"grantline/internal/observability"
)

// Vote-scale bounds used by scorers that answer on the discrete voting range.
const (
	VoteMin = -2
	VoteMax = 2
)

// Decision labels for display. Funding decisions come from consensus.
const (
	LabelApprove     = "approve"
	LabelConditional = "conditional"
	LabelReject      = "reject"
)

// Proxy fronts the external scorer for one agent type.
type Proxy struct {
	Type        domain.AgentType
	Scorer      Scorer
	MinCoverage float64
	CallTimeout time.Duration
	Metrics     *observability.Metrics
	Logger      *slog.Logger
	Now         func() time.Time
}

func NewProxy(t domain.AgentType, scorer Scorer, minCoverage float64, callTimeout time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{
		Type:        t,
		Scorer:      scorer,
		MinCoverage: minCoverage,
		CallTimeout: callTimeout,
		Metrics:     metrics,
		Logger:      logger.With("agent_type", string(t)),
		Now:         time.Now,
	}
}

func (p *Proxy) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

// InsufficientDataError carries the coverage report of a proposal the proxy refused to score.
type InsufficientDataError struct {
	Coverage Coverage
}

func (e *InsufficientDataError) Error() string {
	msg := fmt.Sprintf("insufficient data for %s: coverage %.0f%%", e.Coverage.AgentType, e.Coverage.Ratio*100)
	if len(e.Coverage.MissingCritical) > 0 {
		msg += ", missing critical " + strings.Join(e.Coverage.MissingCritical, ",")
	}
	return msg
}

func (e *InsufficientDataError) Unwrap() error { return domain.ErrInsufficientData }

// Evaluate gates the proposal on field coverage, calls the scorer and normalizes its answer.
// The returned evaluation has no agent assignment; the caller records it.
func (p *Proxy) Evaluate(ctx context.Context, grantID string, proposal domain.Proposal) (domain.Evaluation, error) {
	proposal = Prepare(p.Type, proposal)
	cov := Measure(p.Type, proposal)
	minCov := p.MinCoverage
	if minCov <= 0 {
		minCov = 0.7
	}
	if !cov.Sufficient(minCov) {
		p.Metrics.Evaluated(string(p.Type), "insufficient", 0)
		p.Logger.Info("evaluation skipped", "grant_id", grantID, "coverage", cov.Ratio, "missing_critical", cov.MissingCritical)
		return domain.Evaluation{}, &InsufficientDataError{Coverage: cov}
	}
	if p.Scorer == nil {
		return domain.Evaluation{}, fmt.Errorf("%w: no scorer configured for %s", domain.ErrExternalService, p.Type)
	}

	callCtx := ctx
	if p.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.CallTimeout)
		defer cancel()
	}
	start := p.now()
	resp, err := p.Scorer.Score(callCtx, Request{GrantID: grantID, AgentType: p.Type, Fields: Project(p.Type, proposal)})
	elapsed := p.now().Sub(start)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, domain.ErrTimeout) {
			err = fmt.Errorf("%w: %v", domain.ErrTimeout, err)
		}
		outcome := "error"
		if errors.Is(err, domain.ErrTimeout) {
			outcome = "timeout"
		}
		p.Metrics.Evaluated(string(p.Type), outcome, elapsed.Seconds())
		return domain.Evaluation{}, err
	}
	score, err := Normalize(resp.Score, resp.Scale)
	if err != nil {
		p.Metrics.Evaluated(string(p.Type), "error", elapsed.Seconds())
		return domain.Evaluation{}, err
	}
	p.Metrics.Evaluated(string(p.Type), "ok", elapsed.Seconds())
	return domain.Evaluation{
		ID:              uuid.NewString(),
		GrantID:         grantID,
		AgentType:       p.Type,
		RawScore:        resp.Score,
		Score:           score,
		VoteScore:       VoteScore(score),
		Confidence:      clamp(resp.Confidence, 0, 1),
		Decision:        DecisionLabel(score),
		Reasoning:       resp.Reasoning,
		Strengths:       resp.Strengths,
		Weaknesses:      resp.Weaknesses,
		Recommendations: resp.Recommendations,
		RedFlags:        resp.RedFlags,
		Coverage:        cov.Ratio,
		LatencyMS:       elapsed.Milliseconds(),
		CreatedAt:       p.now(),
	}, nil
}

// Normalize maps a raw score onto 0..100. Vote-scale scores are rescaled linearly; percent
// scores pass through, clamped to the axis. A missing scale is an error.
func Normalize(raw float64, scale string) (float64, error) {
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		return 0, fmt.Errorf("%w: scorer returned non-finite score", domain.ErrExternalService)
	}
	switch scale {
	case ScaleVote:
		return fromVote(raw), nil
	case ScalePercent:
		return clamp(raw, 0, 100), nil
	}
	return 0, fmt.Errorf("%w: unknown score scale %q", domain.ErrExternalService, scale)
}

func fromVote(raw float64) float64 {
	raw = clamp(raw, VoteMin, VoteMax)
	return (raw - VoteMin) / (VoteMax - VoteMin) * 100
}

func DecisionLabel(score float64) string {
	switch {
	case score >= 70:
		return LabelApprove
	case score >= 50:
		return LabelConditional
	}
	return LabelReject
}

// VoteScore converts a normalized score back to the discrete vote range cast on behalf of the agent.
func VoteScore(score float64) int {
	v := int(math.Round(score/25)) + VoteMin
	if v < VoteMin {
		return VoteMin
	}
	if v > VoteMax {
		return VoteMax
	}
	return v
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

package engine

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"grantline/internal/domain"
)

type AgentHealth struct {
	ID         string           `json:"id"`
	Type       domain.AgentType `json:"type"`
	Active     bool             `json:"active"`
	Healthy    bool             `json:"healthy"`
	Reputation int              `json:"reputation"`
	Weight     int              `json:"weight"`
	VoteCount  int              `json:"vote_count"`
	LastSeen   time.Time        `json:"last_seen"`
}

// Stats is the health and throughput summary exposed to operators.
type Stats struct {
	GrantsByStatus         map[string]int       `json:"grants_by_status"`
	WorkflowsByStage       map[string]int       `json:"workflows_by_stage"`
	MilestonesByStatus     map[string]int       `json:"milestones_by_status"`
	Processed              int                  `json:"processed"`
	Approved               int                  `json:"approved"`
	Rejected               int                  `json:"rejected"`
	Evaluations            int                  `json:"evaluations"`
	AvgEvaluationLatencyMS float64              `json:"avg_evaluation_latency_ms"`
	Agents                 []AgentHealth        `json:"agents"`
	Treasury               domain.TreasuryState `json:"treasury"`
	OpenIssues             int                  `json:"open_reconciliation_issues"`
	Queue                  map[string]int       `json:"queue,omitempty"`
}

func (e Engine) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		s.GrantsByStatus, err = e.Repo.CountGrantsByStatus(ctx)
		return err
	})
	g.Go(func() (err error) {
		s.WorkflowsByStage, err = e.Repo.CountWorkflowsByStage(ctx)
		return err
	})
	g.Go(func() (err error) {
		s.MilestonesByStatus, err = e.Repo.CountMilestonesByStatus(ctx)
		return err
	})
	g.Go(func() (err error) {
		s.Evaluations, s.AvgEvaluationLatencyMS, err = e.Repo.EvaluationStats(ctx)
		return err
	})
	g.Go(func() error {
		agents, err := e.Registry.List(ctx)
		if err != nil {
			return err
		}
		for _, a := range agents {
			s.Agents = append(s.Agents, AgentHealth{
				ID: a.ID, Type: a.Type, Active: a.Active, Healthy: a.Healthy,
				Reputation: a.Reputation, Weight: a.Weight, VoteCount: a.VoteCount, LastSeen: a.LastSeen,
			})
		}
		return nil
	})
	g.Go(func() (err error) {
		s.Treasury, err = e.Treasury.State(ctx)
		return err
	})
	g.Go(func() error {
		issues, err := e.Repo.ListReconciliationIssues(ctx, true)
		s.OpenIssues = len(issues)
		return err
	})
	if err := g.Wait(); err != nil {
		return Stats{}, err
	}
	approved := s.GrantsByStatus[string(domain.GrantApproved)] + s.GrantsByStatus[string(domain.GrantActive)] + s.GrantsByStatus[string(domain.GrantCompleted)]
	s.Approved = approved
	s.Rejected = s.GrantsByStatus[string(domain.GrantRejected)]
	s.Processed = approved + s.Rejected
	if e.Router != nil {
		s.Queue = e.Router.Pending()
	}
	return s, nil
}

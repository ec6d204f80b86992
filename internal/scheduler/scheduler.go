// Package scheduler runs the periodic reconciliation tasks. Every task works from persisted
// state, so any node may run the scheduler and a restart loses nothing.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"grantline/internal/config"
	"grantline/internal/engine"
	"grantline/internal/observability"
)

type Task struct {
	Name  string
	Every time.Duration
	Fn    func(ctx context.Context) error
}

type Scheduler struct {
	Tasks  []Task
	Logger *slog.Logger
}

func New(tasks []Task, logger *slog.Logger) Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return Scheduler{Tasks: tasks, Logger: logger.With("component", "scheduler")}
}

// Standard returns the health sweep, workflow resume and reconciliation report tasks.
func Standard(cfg config.Scheduler, e engine.Engine, metrics *observability.Metrics) []Task {
	return []Task{
		{
			Name:  "agent-health",
			Every: cfg.HealthInterval,
			Fn: func(ctx context.Context) error {
				_, err := e.Registry.CleanupInactive(ctx, cfg.StaleAfter)
				return err
			},
		},
		{
			Name:  "resume-workflows",
			Every: cfg.ReconcileInterval,
			Fn: func(ctx context.Context) error {
				n, err := e.ResumeAll(ctx)
				if n > 0 {
					e.Logger.Info("workflows resumed", "count", n)
				}
				return err
			},
		},
		{
			Name:  "reconciliation-report",
			Every: cfg.ReconcileInterval,
			Fn: func(ctx context.Context) error {
				issues, err := e.Repo.ListReconciliationIssues(ctx, true)
				if err != nil {
					return err
				}
				metrics.OpenIssues(len(issues))
				for _, is := range issues {
					e.Logger.Error("unreconciled ledger entry", "entity_kind", is.EntityKind, "entity_id", is.EntityID, "ledger_tx", is.LedgerTx, "detail", is.Detail, "since", is.CreatedAt)
				}
				return nil
			},
		},
	}
}

// RunOnce runs every task a single time in parallel and returns the first error.
func (s Scheduler) RunOnce(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range s.Tasks {
		g.Go(func() error { return t.Fn(ctx) })
	}
	return g.Wait()
}

// Run starts every task on its own ticker and blocks until ctx is done. Task errors are logged
// and the task runs again on its next tick.
func (s Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range s.Tasks {
		if t.Every <= 0 {
			s.Logger.Warn("task disabled", "task", t.Name)
			continue
		}
		g.Go(func() error {
			ticker := time.NewTicker(t.Every)
			defer ticker.Stop()
			for {
				s.run(ctx, t)
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		})
	}
	return g.Wait()
}

func (s Scheduler) run(ctx context.Context, t Task) {
	start := time.Now()
	if err := t.Fn(ctx); err != nil && ctx.Err() == nil {
		s.Logger.Warn("task failed", "task", t.Name, "err", err)
		return
	}
	s.Logger.Debug("task ran", "task", t.Name, "elapsed", time.Since(start))
}

package scheduler_test

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grantline/internal/config"
	"grantline/internal/dbtest"
	"grantline/internal/domain"
	"grantline/internal/engine"
	"grantline/internal/observability"
	"grantline/internal/registry"
	"grantline/internal/repo"
	"grantline/internal/scheduler"
)

func TestRunTicksUntilCancelled(t *testing.T) {
	var fast, failing atomic.Int32
	s := scheduler.New([]scheduler.Task{
		{Name: "fast", Every: 5 * time.Millisecond, Fn: func(context.Context) error { fast.Add(1); return nil }},
		{Name: "failing", Every: 5 * time.Millisecond, Fn: func(context.Context) error { failing.Add(1); return errors.New("boom") }},
		{Name: "disabled", Fn: func(context.Context) error { t.Error("disabled task ran"); return nil }},
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))
	assert.GreaterOrEqual(t, fast.Load(), int32(2))
	assert.GreaterOrEqual(t, failing.Load(), int32(2), "a failing task keeps its schedule")
}

func TestRunOnceReturnsFirstError(t *testing.T) {
	s := scheduler.New([]scheduler.Task{
		{Name: "ok", Fn: func(context.Context) error { return nil }},
		{Name: "bad", Fn: func(context.Context) error { return domain.ErrTimeout }},
	}, nil)
	assert.ErrorIs(t, s.RunOnce(context.Background()), domain.ErrTimeout)
}

func TestStandardTasks(t *testing.T) {
	conn := dbtest.Open(t)
	clock := dbtest.NewClock()
	cfg := config.Default()
	reg := registry.New(conn, cfg.Consensus, nil)
	reg.Now = clock.Now
	ctx := context.Background()

	_, err := reg.Register(ctx, registry.RegisterOptions{ID: "budget-1", Type: domain.AgentBudget})
	require.NoError(t, err)
	clock.Advance(cfg.Scheduler.StaleAfter + time.Minute)
	_, err = reg.Register(ctx, registry.RegisterOptions{ID: "budget-2", Type: domain.AgentBudget})
	require.NoError(t, err)

	r := repo.Repo{DB: conn}
	_, err = r.InsertReconciliationIssue(ctx, nil, domain.ReconciliationIssue{
		EntityKind: "grant", EntityID: "g1", LedgerTx: "tx-1", Detail: "disbursement commit failed", CreatedAt: clock.Now(),
	})
	require.NoError(t, err)

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	e := engine.Engine{Repo: r, Registry: reg, Logger: slog.Default()}
	tasks := map[string]scheduler.Task{}
	for _, task := range scheduler.Standard(cfg.Scheduler, e, metrics) {
		tasks[task.Name] = task
	}

	require.NoError(t, tasks["agent-health"].Fn(ctx))
	stale, err := reg.Get(ctx, "budget-1")
	require.NoError(t, err)
	assert.False(t, stale.Healthy)
	fresh, err := reg.Get(ctx, "budget-2")
	require.NoError(t, err)
	assert.True(t, fresh.Healthy)

	require.NoError(t, tasks["reconciliation-report"].Fn(ctx))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ReconciliationOpen))
}

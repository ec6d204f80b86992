package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grantline/internal/config"
	"grantline/internal/dbtest"
	"grantline/internal/domain"
	"grantline/internal/registry"
)

func newRegistry(t *testing.T) (registry.Registry, *dbtest.Clock) {
	t.Helper()
	clock := dbtest.NewClock()
	r := registry.New(dbtest.Open(t), config.Default().Consensus, nil)
	r.Now = clock.Now
	return r, clock
}

func TestRegisterDefaultsAndDuplicate(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()

	a, err := r.Register(ctx, registry.RegisterOptions{ID: "tech-1", Type: domain.AgentTechnical})
	require.NoError(t, err)
	assert.Equal(t, 5, a.Weight)
	assert.Equal(t, 50, a.Reputation)
	assert.True(t, a.Active)

	_, err = r.Register(ctx, registry.RegisterOptions{ID: "tech-1", Type: domain.AgentTechnical})
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = r.Register(ctx, registry.RegisterOptions{ID: "x", Type: "astrology"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = r.Register(ctx, registry.RegisterOptions{ID: "y", Type: domain.AgentBudget, Weight: 11})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestDeactivateReactivateGuards(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()
	_, err := r.Register(ctx, registry.RegisterOptions{ID: "impact-1", Type: domain.AgentImpact})
	require.NoError(t, err)

	_, err = r.Reactivate(ctx, "impact-1", "admin")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	a, err := r.Deactivate(ctx, "impact-1", "admin")
	require.NoError(t, err)
	assert.False(t, a.Active)

	_, err = r.Deactivate(ctx, "impact-1", "admin")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	active, err := r.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	// re-registering an inactive agent brings it back
	a, err = r.Register(ctx, registry.RegisterOptions{ID: "impact-1", Type: domain.AgentImpact, Weight: 7})
	require.NoError(t, err)
	assert.True(t, a.Active)
	assert.Equal(t, 7, a.Weight)

	_, err = r.Deactivate(ctx, "missing", "admin")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReputationBounds(t *testing.T) {
	r, _ := newRegistry(t)
	ctx := context.Background()
	_, err := r.Register(ctx, registry.RegisterOptions{ID: "dd-1", Type: domain.AgentDueDiligence})
	require.NoError(t, err)

	a, err := r.ApplyAccuracyFeedback(ctx, "dd-1", 80, "oracle")
	require.NoError(t, err)
	assert.Equal(t, 100, a.Reputation)

	a, err = r.ApplyAccuracyFeedback(ctx, "dd-1", -250, "oracle")
	require.NoError(t, err)
	assert.Equal(t, 0, a.Reputation)

	_, err = r.SetReputation(ctx, "dd-1", 101, "admin")
	assert.ErrorIs(t, err, domain.ErrValidation)

	a, err = r.SetWeight(ctx, "dd-1", 10, "admin")
	require.NoError(t, err)
	assert.Equal(t, 10, a.Weight)
	_, err = r.SetWeight(ctx, "dd-1", 0, "admin")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCleanupInactiveMarksStaleAgents(t *testing.T) {
	r, clock := newRegistry(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		_, err := r.Register(ctx, registry.RegisterOptions{ID: id, Type: domain.AgentCommunity})
		require.NoError(t, err)
	}
	clock.Advance(5 * time.Minute)
	_, err := r.Heartbeat(ctx, "b")
	require.NoError(t, err)
	clock.Advance(6 * time.Minute)

	marked, err := r.CleanupInactive(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, marked)

	healthy, err := r.ActiveByType(ctx, domain.AgentCommunity)
	require.NoError(t, err)
	require.Len(t, healthy, 1)
	assert.Equal(t, "b", healthy[0].ID)

	// a second sweep has nothing left to mark
	marked, err = r.CleanupInactive(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, marked)
}

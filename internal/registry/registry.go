package registry

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"grantline/internal/config"
	"grantline/internal/domain"
	"grantline/internal/events"
	"grantline/internal/repo"
)

// Registry tracks evaluator agents, their weights, reputations and health.
type Registry struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config config.Consensus
	Now    func() time.Time
	Logger *slog.Logger
}

func New(db *sql.DB, cfg config.Consensus, logger *slog.Logger) Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return Registry{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{},
		Config: cfg,
		Now:    time.Now,
		Logger: logger.With("component", "registry"),
	}
}

func (r Registry) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

type RegisterOptions struct {
	ID         string
	Type       domain.AgentType
	Weight     int
	Reputation *int
	ActorID    string
}

// Register adds an agent. Registering an id that is already active is a conflict; an inactive
// agent with the same id is reactivated with the new settings.
func (r Registry) Register(ctx context.Context, opts RegisterOptions) (domain.Agent, error) {
	if opts.ID == "" {
		return domain.Agent{}, domain.Invalid("agent id is required")
	}
	if !opts.Type.Valid() {
		return domain.Agent{}, domain.Invalid("unknown agent type %q", opts.Type)
	}
	weight := opts.Weight
	if weight == 0 {
		weight = r.Config.DefaultWeight
	}
	if err := checkWeight(weight); err != nil {
		return domain.Agent{}, err
	}
	reputation := r.Config.BaselineReputation
	if opts.Reputation != nil {
		reputation = *opts.Reputation
	}
	if err := checkReputation(reputation); err != nil {
		return domain.Agent{}, err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()

	now := r.now()
	existing, err := r.Repo.GetAgentTx(ctx, tx, opts.ID)
	switch {
	case err == nil && existing.Active:
		return domain.Agent{}, domain.Conflict("agent %s is already registered", opts.ID)
	case err == nil:
		existing.Type = opts.Type
		existing.Weight = weight
		existing.Reputation = reputation
		existing.Active = true
		existing.Healthy = true
		existing.LastSeen = now
		existing.UpdatedAt = now
		if err := r.Repo.UpdateAgentTx(ctx, tx, existing); err != nil {
			return domain.Agent{}, err
		}
		if err := r.Events.Append(ctx, tx, events.AgentReactivated, "", "agent", existing.ID, actor(opts.ActorID, existing.ID), events.EventPayload{"type": existing.Type, "weight": weight, "reputation": reputation}); err != nil {
			return domain.Agent{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.Agent{}, err
		}
		return existing, nil
	case !errors.Is(err, domain.ErrNotFound):
		return domain.Agent{}, err
	}

	a := domain.Agent{
		ID:           opts.ID,
		Type:         opts.Type,
		Weight:       weight,
		Reputation:   reputation,
		Active:       true,
		Healthy:      true,
		LastSeen:     now,
		RegisteredAt: now,
		UpdatedAt:    now,
	}
	if err := r.Repo.InsertAgentTx(ctx, tx, a); err != nil {
		return domain.Agent{}, err
	}
	if err := r.Events.Append(ctx, tx, events.AgentRegistered, "", "agent", a.ID, actor(opts.ActorID, a.ID), events.EventPayload{"type": a.Type, "weight": weight, "reputation": reputation}); err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	r.Logger.Info("agent registered", "agent", a.ID, "type", a.Type, "weight", weight, "reputation", reputation)
	return a, nil
}

// Deactivate marks an active agent inactive. Deactivating an inactive agent is rejected.
func (r Registry) Deactivate(ctx context.Context, id, actorID string) (domain.Agent, error) {
	return r.setActive(ctx, id, actorID, false)
}

// Reactivate marks an inactive agent active. Reactivating an active agent is rejected.
func (r Registry) Reactivate(ctx context.Context, id, actorID string) (domain.Agent, error) {
	return r.setActive(ctx, id, actorID, true)
}

func (r Registry) setActive(ctx context.Context, id, actorID string, active bool) (domain.Agent, error) {
	evtType := events.AgentDeactivated
	if active {
		evtType = events.AgentReactivated
	}
	return r.mutate(ctx, id, actorID, evtType, func(a *domain.Agent) error {
		if a.Active == active {
			return domain.BadTransition("agent", activeLabel(a.Active), activeLabel(active))
		}
		a.Active = active
		if active {
			a.Healthy = true
			a.LastSeen = r.now()
		}
		return nil
	})
}

// SetWeight changes an agent's voting weight.
func (r Registry) SetWeight(ctx context.Context, id string, weight int, actorID string) (domain.Agent, error) {
	if err := checkWeight(weight); err != nil {
		return domain.Agent{}, err
	}
	return r.mutate(ctx, id, actorID, events.AgentUpdated, func(a *domain.Agent) error {
		a.Weight = weight
		return nil
	})
}

// SetReputation overrides an agent's reputation.
func (r Registry) SetReputation(ctx context.Context, id string, reputation int, actorID string) (domain.Agent, error) {
	if err := checkReputation(reputation); err != nil {
		return domain.Agent{}, err
	}
	return r.mutate(ctx, id, actorID, events.AgentUpdated, func(a *domain.Agent) error {
		a.Reputation = reputation
		return nil
	})
}

// ApplyAccuracyFeedback drifts reputation by delta after an outcome is known, clamped to bounds.
func (r Registry) ApplyAccuracyFeedback(ctx context.Context, id string, delta int, actorID string) (domain.Agent, error) {
	return r.mutate(ctx, id, actorID, events.AgentUpdated, func(a *domain.Agent) error {
		a.Reputation = clamp(a.Reputation+delta, domain.MinReputation, domain.MaxReputation)
		return nil
	})
}

// Heartbeat records agent liveness.
func (r Registry) Heartbeat(ctx context.Context, id string) (domain.Agent, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()
	a, err := r.Repo.GetAgentTx(ctx, tx, id)
	if err != nil {
		return domain.Agent{}, err
	}
	now := r.now()
	a.LastSeen = now
	a.UpdatedAt = now
	a.Healthy = true
	if err := r.Repo.UpdateAgentTx(ctx, tx, a); err != nil {
		return domain.Agent{}, err
	}
	return a, tx.Commit()
}

func (r Registry) mutate(ctx context.Context, id, actorID, evtType string, fn func(*domain.Agent) error) (domain.Agent, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()
	a, err := r.Repo.GetAgentTx(ctx, tx, id)
	if err != nil {
		return domain.Agent{}, err
	}
	if err := fn(&a); err != nil {
		return domain.Agent{}, err
	}
	a.UpdatedAt = r.now()
	if err := r.Repo.UpdateAgentTx(ctx, tx, a); err != nil {
		return domain.Agent{}, err
	}
	if err := r.Events.Append(ctx, tx, evtType, "", "agent", a.ID, actor(actorID, a.ID), events.EventPayload{
		"active": a.Active, "weight": a.Weight, "reputation": a.Reputation,
	}); err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	return a, nil
}

func (r Registry) Get(ctx context.Context, id string) (domain.Agent, error) {
	return r.Repo.GetAgent(ctx, id)
}

func (r Registry) List(ctx context.Context) ([]domain.Agent, error) {
	return r.Repo.ListAgents(ctx, repo.AgentFilters{})
}

// ListActive returns every active agent regardless of health.
func (r Registry) ListActive(ctx context.Context) ([]domain.Agent, error) {
	return r.Repo.ListAgents(ctx, repo.AgentFilters{ActiveOnly: true})
}

// ActiveByType returns the active healthy agents of one type.
func (r Registry) ActiveByType(ctx context.Context, t domain.AgentType) ([]domain.Agent, error) {
	return r.Repo.ListAgents(ctx, repo.AgentFilters{Type: t, ActiveOnly: true, HealthyOnly: true})
}

// CleanupInactive marks active agents unhealthy when they have not been seen within staleAfter.
// It returns the ids that were marked.
func (r Registry) CleanupInactive(ctx context.Context, staleAfter time.Duration) ([]string, error) {
	if staleAfter <= 0 {
		return nil, domain.Invalid("stale window must be positive")
	}
	cutoff := r.now().Add(-staleAfter)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	stale, err := r.Repo.ListAgentsTx(ctx, tx, repo.AgentFilters{ActiveOnly: true, HealthyOnly: true, SeenBefore: &cutoff})
	if err != nil {
		return nil, err
	}
	var marked []string
	for _, a := range stale {
		a.Healthy = false
		a.UpdatedAt = r.now()
		if err := r.Repo.UpdateAgentTx(ctx, tx, a); err != nil {
			return nil, err
		}
		if err := r.Events.Append(ctx, tx, events.AgentUpdated, "", "agent", a.ID, "system", events.EventPayload{"healthy": false, "last_seen": a.LastSeen}); err != nil {
			return nil, err
		}
		marked = append(marked, a.ID)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	if len(marked) > 0 {
		r.Logger.Warn("agents marked unhealthy", "count", len(marked), "agents", marked)
	}
	return marked, nil
}

func checkWeight(w int) error {
	if w < domain.MinWeight || w > domain.MaxWeight {
		return domain.Invalid("weight %d outside [%d,%d]", w, domain.MinWeight, domain.MaxWeight)
	}
	return nil
}

func checkReputation(rep int) error {
	if rep < domain.MinReputation || rep > domain.MaxReputation {
		return domain.Invalid("reputation %d outside [%d,%d]", rep, domain.MinReputation, domain.MaxReputation)
	}
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func activeLabel(active bool) string {
	if active {
		return "active"
	}
	return "inactive"
}

func actor(actorID, fallback string) string {
	if actorID != "" {
		return actorID
	}
	return fallback
}

package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"grantline/internal/domain"
	"grantline/internal/engine"
	"grantline/internal/registry"
	"grantline/internal/repo"
)

type agentPath struct {
	AgentID string `path:"agent_id"`
}

type withdrawalPath struct {
	WithdrawalID string `path:"withdrawal_id"`
}

func (h handlers) registerAgents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List registered evaluator agents",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ActiveOnly bool `query:"active"`
	}) (*out[[]domain.Agent], error) {
		list := h.e.Registry.List
		if input.ActiveOnly {
			list = h.e.Registry.ListActive
		}
		agents, err := list(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if agents == nil {
			agents = []domain.Agent{}
		}
		return reply(agents), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}",
		Summary:     "Get an agent",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *agentPath) (*out[domain.Agent], error) {
		a, err := h.e.Registry.Get(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "register-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Register an evaluator agent",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body RegisterAgentRequest `json:"body"`
	}) (*out[domain.Agent], error) {
		actor, herr := requireAdmin(ctx, h.e)
		if herr != nil {
			return nil, herr
		}
		a, err := h.e.Registry.Register(ctx, registry.RegisterOptions{
			ID:         input.Body.ID,
			Type:       domain.AgentType(input.Body.Type),
			Weight:     input.Body.Weight,
			Reputation: input.Body.Reputation,
			ActorID:    actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-agent",
		Method:      http.MethodPatch,
		Path:        "/agents/{agent_id}",
		Summary:     "Change an agent's weight or reputation",
		Description: "feedback_delta adjusts reputation relative to its current value and is applied last.",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		AgentID string             `path:"agent_id"`
		Body    UpdateAgentRequest `json:"body"`
	}) (*out[domain.Agent], error) {
		actor, herr := requireAdmin(ctx, h.e)
		if herr != nil {
			return nil, herr
		}
		b := input.Body
		if b.Weight == nil && b.Reputation == nil && b.FeedbackDelta == nil {
			return nil, handleError(domain.Invalid("one of weight, reputation or feedback_delta is required"))
		}
		var (
			a   domain.Agent
			err error
		)
		if b.Weight != nil {
			if a, err = h.e.Registry.SetWeight(ctx, input.AgentID, *b.Weight, actor); err != nil {
				return nil, handleError(err)
			}
		}
		if b.Reputation != nil {
			if a, err = h.e.Registry.SetReputation(ctx, input.AgentID, *b.Reputation, actor); err != nil {
				return nil, handleError(err)
			}
		}
		if b.FeedbackDelta != nil {
			if a, err = h.e.Registry.ApplyAccuracyFeedback(ctx, input.AgentID, *b.FeedbackDelta, actor); err != nil {
				return nil, handleError(err)
			}
		}
		return reply(a), nil
	})

	toggle := func(verb, summary string, fn func(context.Context, string, string) (domain.Agent, error)) {
		huma.Register(api, huma.Operation{
			OperationID: verb + "-agent",
			Method:      http.MethodPost,
			Path:        "/agents/{agent_id}/" + verb,
			Summary:     summary,
			Errors:      commonErrors,
		}, func(ctx context.Context, input *agentPath) (*out[domain.Agent], error) {
			actor, herr := requireAdmin(ctx, h.e)
			if herr != nil {
				return nil, herr
			}
			a, err := fn(ctx, input.AgentID, actor)
			if err != nil {
				return nil, handleError(err)
			}
			return reply(a), nil
		})
	}
	toggle("deactivate", "Stop routing evaluations to an agent", h.e.Registry.Deactivate)
	toggle("reactivate", "Resume routing evaluations to an agent", h.e.Registry.Reactivate)

	huma.Register(api, huma.Operation{
		OperationID: "agent-heartbeat",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/heartbeat",
		Summary:     "Report an agent as alive",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *agentPath) (*out[domain.Agent], error) {
		if _, herr := currentActor(ctx); herr != nil {
			return nil, herr
		}
		a, err := h.e.Registry.Heartbeat(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(a), nil
	})
}

func (h handlers) registerTreasury(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-treasury",
		Method:      http.MethodGet,
		Path:        "/treasury",
		Summary:     "Get treasury balance and safety switches",
		Errors:      commonErrors,
	}, func(ctx context.Context, _ *struct{}) (*out[domain.TreasuryState], error) {
		st, err := h.e.Treasury.State(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(st), nil
	})

	type switchInput struct {
		Body ReasonRequest `json:"body" required:"false"`
	}
	switches := []struct {
		id, path, summary string
		fn                func(ctx context.Context, actor, reason string) (domain.TreasuryState, error)
	}{
		{"pause-treasury", "/treasury/pause", "Pause grant processing", h.e.Treasury.Pause},
		{"unpause-treasury", "/treasury/unpause", "Resume grant processing", func(ctx context.Context, actor, _ string) (domain.TreasuryState, error) {
			return h.e.Treasury.Unpause(ctx, actor)
		}},
		{"emergency-stop", "/treasury/emergency-stop", "Halt every operation", h.e.Treasury.EmergencyStop},
		{"clear-emergency", "/treasury/emergency-clear", "Lift an emergency stop", func(ctx context.Context, actor, _ string) (domain.TreasuryState, error) {
			return h.e.Treasury.ClearEmergency(ctx, actor)
		}},
	}
	for _, sw := range switches {
		huma.Register(api, huma.Operation{
			OperationID: sw.id,
			Method:      http.MethodPost,
			Path:        sw.path,
			Summary:     sw.summary,
			Errors:      commonErrors,
		}, func(ctx context.Context, input *switchInput) (*out[domain.TreasuryState], error) {
			actor, herr := currentActor(ctx)
			if herr != nil {
				return nil, herr
			}
			st, err := sw.fn(ctx, actor, input.Body.Reason)
			if err != nil {
				return nil, handleError(err)
			}
			return reply(st), nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "deposit",
		Method:      http.MethodPost,
		Path:        "/treasury/deposits",
		Summary:     "Credit the treasury",
		Errors:      append([]int{http.StatusBadGateway, http.StatusGatewayTimeout}, commonErrors...),
	}, func(ctx context.Context, input *struct {
		Body DepositRequest `json:"body"`
	}) (*out[domain.TreasuryState], error) {
		actor, herr := currentActor(ctx)
		if herr != nil {
			return nil, herr
		}
		amount, err := parseAmount("amount", input.Body.Amount)
		if err != nil {
			return nil, handleError(err)
		}
		st, err := h.e.Treasury.Deposit(ctx, actor, amount, input.Body.Note)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(st), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-withdrawals",
		Method:      http.MethodGet,
		Path:        "/treasury/withdrawals",
		Summary:     "List withdrawal requests",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" doc:"pending, executed or abandoned"`
	}) (*out[[]domain.WithdrawalRequest], error) {
		ws, err := h.e.Treasury.Withdrawals(ctx, domain.WithdrawalStatus(input.Status))
		if err != nil {
			return nil, handleError(err)
		}
		if ws == nil {
			ws = []domain.WithdrawalRequest{}
		}
		return reply(ws), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-withdrawal",
		Method:        http.MethodPost,
		Path:          "/treasury/withdrawals",
		Summary:       "Propose a withdrawal for multi-signature approval",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateWithdrawalRequest `json:"body"`
	}) (*out[domain.WithdrawalRequest], error) {
		actor, herr := currentActor(ctx)
		if herr != nil {
			return nil, herr
		}
		amount, err := parseAmount("amount", input.Body.Amount)
		if err != nil {
			return nil, handleError(err)
		}
		w, err := h.e.Treasury.CreateWithdrawal(ctx, actor, input.Body.Recipient, amount, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(w), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-withdrawal",
		Method:      http.MethodGet,
		Path:        "/treasury/withdrawals/{withdrawal_id}",
		Summary:     "Get a withdrawal request",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *withdrawalPath) (*out[domain.WithdrawalRequest], error) {
		w, err := h.e.Treasury.Withdrawal(ctx, input.WithdrawalID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(w), nil
	})

	for _, approve := range []bool{true, false} {
		id, verb := "approve-withdrawal", "approve"
		if !approve {
			id, verb = "reject-withdrawal", "reject"
		}
		huma.Register(api, huma.Operation{
			OperationID: id,
			Method:      http.MethodPost,
			Path:        "/treasury/withdrawals/{withdrawal_id}/" + verb,
			Summary:     "Record a signer's decision on a withdrawal",
			Errors:      commonErrors,
		}, func(ctx context.Context, input *struct {
			WithdrawalID string                    `path:"withdrawal_id"`
			Body         WithdrawalDecisionRequest `json:"body" required:"false"`
		}) (*out[domain.WithdrawalRequest], error) {
			actor, herr := currentActor(ctx)
			if herr != nil {
				return nil, herr
			}
			w, err := h.e.Treasury.Decide(ctx, input.WithdrawalID, actor, approve, input.Body.Comment)
			if err != nil {
				return nil, handleError(err)
			}
			return reply(w), nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "execute-withdrawal",
		Method:      http.MethodPost,
		Path:        "/treasury/withdrawals/{withdrawal_id}/execute",
		Summary:     "Execute a sufficiently approved withdrawal",
		Errors:      append([]int{http.StatusBadGateway, http.StatusGatewayTimeout}, commonErrors...),
	}, func(ctx context.Context, input *withdrawalPath) (*out[domain.WithdrawalRequest], error) {
		actor, herr := currentActor(ctx)
		if herr != nil {
			return nil, herr
		}
		w, err := h.e.Treasury.Execute(ctx, input.WithdrawalID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(w), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "abandon-withdrawal",
		Method:      http.MethodPost,
		Path:        "/treasury/withdrawals/{withdrawal_id}/abandon",
		Summary:     "Abandon a pending withdrawal",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		WithdrawalID string        `path:"withdrawal_id"`
		Body         ReasonRequest `json:"body" required:"false"`
	}) (*out[domain.WithdrawalRequest], error) {
		actor, herr := currentActor(ctx)
		if herr != nil {
			return nil, herr
		}
		w, err := h.e.Treasury.Abandon(ctx, input.WithdrawalID, actor, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(w), nil
	})
}

func (h handlers) registerOperations(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Read the audit log, newest first",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		GrantID    string `query:"grant_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*out[EventPage], error) {
		var cursor int64
		if input.Cursor != "" {
			c, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || c <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursor = c
		}
		limit := normalizeLimit(input.Limit)
		evs, err := h.e.Repo.LatestEvents(ctx, repo.EventFilters{
			GrantID:    input.GrantID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Cursor:     cursor,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		page := EventPage{Items: []EventResponse{}}
		if len(evs) > limit {
			evs = evs[:limit]
			page.NextCursor = strconv.FormatInt(evs[limit-1].ID, 10)
		}
		for _, e := range evs {
			page.Items = append(page.Items, eventResponse(e))
		}
		return reply(page), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Throughput, agent health and treasury summary",
		Errors:      commonErrors,
	}, func(ctx context.Context, _ *struct{}) (*out[engine.Stats], error) {
		s, err := h.e.Stats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reconciliation-issues",
		Method:      http.MethodGet,
		Path:        "/reconciliation-issues",
		Summary:     "Ledger writes whose local commit failed",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		All bool `query:"all" doc:"include resolved issues"`
	}) (*out[[]domain.ReconciliationIssue], error) {
		if _, herr := requireAdmin(ctx, h.e); herr != nil {
			return nil, herr
		}
		issues, err := h.e.Repo.ListReconciliationIssues(ctx, !input.All)
		if err != nil {
			return nil, handleError(err)
		}
		if issues == nil {
			issues = []domain.ReconciliationIssue{}
		}
		return reply(issues), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "resolve-reconciliation-issue",
		Method:        http.MethodPost,
		Path:          "/reconciliation-issues/{issue_id}/resolve",
		Summary:       "Mark a reconciliation issue as handled",
		DefaultStatus: http.StatusNoContent,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		IssueID int64 `path:"issue_id"`
	}) (*struct{}, error) {
		actor, herr := requireAdmin(ctx, h.e)
		if herr != nil {
			return nil, herr
		}
		if err := h.e.ResolveReconciliationIssue(ctx, input.IssueID, actor); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

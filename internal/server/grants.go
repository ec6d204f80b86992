package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"grantline/internal/domain"
	"grantline/internal/engine"
	"grantline/internal/repo"
)

type grantPath struct {
	GrantID string `path:"grant_id"`
}

func (h handlers) registerGrants(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-grant",
		Method:        http.MethodPost,
		Path:          "/grants",
		Summary:       "Submit a grant application",
		Description:   "The authenticated actor becomes the requester. Evaluation starts in the background.",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body SubmitGrantRequest `json:"body"`
	}) (*out[GrantDetail], error) {
		actor, herr := currentActor(ctx)
		if herr != nil {
			return nil, herr
		}
		amount, err := parseAmount("amount", input.Body.Amount)
		if err != nil {
			return nil, handleError(err)
		}
		proposal, err := input.Body.Proposal.toDomain()
		if err != nil {
			return nil, handleError(err)
		}
		plans, err := milestonePlans(input.Body.Milestones)
		if err != nil {
			return nil, handleError(err)
		}
		g, ws, err := h.e.SubmitGrant(ctx, engine.SubmitOptions{
			ID:         strings.TrimSpace(input.Body.ID),
			Requester:  actor,
			Title:      input.Body.Title,
			Amount:     amount,
			Currency:   input.Body.Currency,
			ContentRef: input.Body.ContentRef,
			Proposal:   proposal,
			Milestones: plans,
		})
		if err != nil {
			return nil, handleError(err)
		}
		h.kick(g.ID)
		return reply(GrantDetail{Grant: g, Workflow: ws}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-grants",
		Method:      http.MethodGet,
		Path:        "/grants",
		Summary:     "List grants, newest first",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status" doc:"pending, under_review, approved, rejected, active, completed or cancelled"`
		Requester string `query:"requester"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*out[GrantPage], error) {
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		limit := normalizeLimit(input.Limit)
		items, err := h.e.Grants(ctx, repo.GrantFilters{
			Status:    domain.GrantStatus(input.Status),
			Requester: input.Requester,
			Limit:     limit + 1,
			CursorTS:  cursorTS,
			CursorID:  cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		page := GrantPage{Items: []domain.Grant{}}
		if len(items) > limit {
			items = items[:limit]
			page.NextCursor = composeCursor(repo.GrantCursor(items[limit-1]))
		}
		page.Items = append(page.Items, items...)
		return reply(page), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-grant",
		Method:      http.MethodGet,
		Path:        "/grants/{grant_id}",
		Summary:     "Get a grant with its workflow state",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *grantPath) (*out[GrantDetail], error) {
		g, err := h.e.Grant(ctx, input.GrantID)
		if err != nil {
			return nil, handleError(err)
		}
		ws, err := h.e.Workflow(ctx, input.GrantID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(GrantDetail{Grant: g, Workflow: ws}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/grants/{grant_id}/workflow",
		Summary:     "Get workflow state",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *grantPath) (*out[domain.WorkflowState], error) {
		ws, err := h.e.Workflow(ctx, input.GrantID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ws), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-evaluations",
		Method:      http.MethodGet,
		Path:        "/grants/{grant_id}/evaluations",
		Summary:     "List evaluator opinions recorded for a grant",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *grantPath) (*out[[]domain.Evaluation], error) {
		if _, err := h.e.Grant(ctx, input.GrantID); err != nil {
			return nil, handleError(err)
		}
		evs, err := h.e.Evaluations(ctx, input.GrantID)
		if err != nil {
			return nil, handleError(err)
		}
		if evs == nil {
			evs = []domain.Evaluation{}
		}
		return reply(evs), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-grant",
		Method:      http.MethodPost,
		Path:        "/grants/{grant_id}/cancel",
		Summary:     "Cancel a grant before it is decided",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		GrantID string        `path:"grant_id"`
		Body    ReasonRequest `json:"body" required:"false"`
	}) (*out[domain.Grant], error) {
		actor, herr := currentActor(ctx)
		if herr != nil {
			return nil, herr
		}
		g, err := h.e.CancelGrant(ctx, input.GrantID, actor, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(g), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-workflow",
		Method:      http.MethodPost,
		Path:        "/grants/{grant_id}/retry",
		Summary:     "Restart a failed workflow at the stage it failed in",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *grantPath) (*out[domain.WorkflowState], error) {
		actor, herr := requireAdmin(ctx, h.e)
		if herr != nil {
			return nil, herr
		}
		ws, err := h.e.RetryWorkflow(ctx, input.GrantID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		h.kick(input.GrantID)
		return reply(ws), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-workflow",
		Method:      http.MethodPost,
		Path:        "/grants/{grant_id}/resume",
		Summary:     "Drive a parked workflow again",
		Description: "Use after a safety switch is released or when a voting deadline has passed.",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *grantPath) (*out[domain.WorkflowState], error) {
		if _, herr := requireAdmin(ctx, h.e); herr != nil {
			return nil, herr
		}
		ws, err := h.e.Workflow(ctx, input.GrantID)
		if err != nil {
			return nil, handleError(err)
		}
		if ws.Stage.Terminal() {
			return nil, handleError(domain.BadTransition("workflow", ws.Stage, "resumed"))
		}
		h.kick(input.GrantID)
		return reply(ws), nil
	})
}

func (h handlers) registerVoting(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/grants/{grant_id}/session",
		Summary:     "Get the grant's voting session and votes",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *grantPath) (*out[SessionResponse], error) {
		s, err := h.e.Consensus.SessionForGrant(ctx, input.GrantID)
		if err != nil {
			return nil, handleError(err)
		}
		votes, err := h.e.Consensus.Votes(ctx, s.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if votes == nil {
			votes = []domain.Vote{}
		}
		return reply(SessionResponse{Session: s, Votes: votes}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cast-vote",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/votes",
		Summary:     "Cast a vote on behalf of an agent",
		Description: "Votes are normally cast by the orchestrator from evaluator output; this endpoint exists for operators and tests.",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		SessionID string          `path:"session_id"`
		Body      CastVoteRequest `json:"body"`
	}) (*out[domain.Vote], error) {
		if _, herr := requireAdmin(ctx, h.e); herr != nil {
			return nil, herr
		}
		v, err := h.e.Consensus.CastVote(ctx, input.SessionID, input.Body.AgentID, input.Body.Score, input.Body.Rationale)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(v), nil
	})
}

func (h handlers) registerMilestones(api huma.API) {
	type milestonePath struct {
		MilestoneID string `path:"milestone_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-milestones",
		Method:      http.MethodGet,
		Path:        "/grants/{grant_id}/milestones",
		Summary:     "List a grant's milestones in order",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *grantPath) (*out[[]domain.Milestone], error) {
		ms, err := h.e.GrantMilestones(ctx, input.GrantID)
		if err != nil {
			return nil, handleError(err)
		}
		if ms == nil {
			ms = []domain.Milestone{}
		}
		return reply(ms), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-milestone",
		Method:      http.MethodGet,
		Path:        "/milestones/{milestone_id}",
		Summary:     "Get a milestone",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *milestonePath) (*out[domain.Milestone], error) {
		m, err := h.e.Milestone(ctx, input.MilestoneID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-milestone",
		Method:      http.MethodPost,
		Path:        "/milestones/{milestone_id}/submit",
		Summary:     "Submit proof of work for a milestone",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		MilestoneID string                 `path:"milestone_id"`
		Body        SubmitMilestoneRequest `json:"body"`
	}) (*out[domain.Milestone], error) {
		actor, herr := currentActor(ctx)
		if herr != nil {
			return nil, herr
		}
		m, err := h.e.SubmitMilestone(ctx, input.MilestoneID, input.Body.ProofRef, input.Body.Notes, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "begin-milestone-review",
		Method:      http.MethodPost,
		Path:        "/milestones/{milestone_id}/review/start",
		Summary:     "Mark a submitted milestone as under review",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *milestonePath) (*out[domain.Milestone], error) {
		actor, herr := requireAdmin(ctx, h.e)
		if herr != nil {
			return nil, herr
		}
		m, err := h.e.Milestones.BeginReview(ctx, input.MilestoneID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-milestone",
		Method:      http.MethodPost,
		Path:        "/milestones/{milestone_id}/review",
		Summary:     "Approve, reject or request revision of a milestone",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		MilestoneID string                 `path:"milestone_id"`
		Body        ReviewMilestoneRequest `json:"body"`
	}) (*out[domain.Milestone], error) {
		actor, herr := requireAdmin(ctx, h.e)
		if herr != nil {
			return nil, herr
		}
		m, err := h.e.ReviewMilestone(ctx, input.MilestoneID, domain.ReviewOutcome(input.Body.Outcome), input.Body.Feedback, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-milestone",
		Method:      http.MethodPost,
		Path:        "/milestones/{milestone_id}/release",
		Summary:     "Release the funds of an approved milestone",
		Errors:      append([]int{http.StatusBadGateway, http.StatusGatewayTimeout}, commonErrors...),
	}, func(ctx context.Context, input *milestonePath) (*out[domain.Milestone], error) {
		actor, herr := requireAdmin(ctx, h.e)
		if herr != nil {
			return nil, herr
		}
		m, err := h.e.ReleaseMilestone(ctx, input.MilestoneID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(m), nil
	})
}

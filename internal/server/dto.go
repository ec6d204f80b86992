package server

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"grantline/internal/domain"
)

// Request payloads. Amounts travel as decimal strings.

type BudgetItemRequest struct {
	Category    string `json:"category"`
	Description string `json:"description,omitempty"`
	Amount      string `json:"amount" example:"1500.00"`
}

type ProposalRequest struct {
	Description   string              `json:"description,omitempty"`
	Category      string              `json:"category,omitempty"`
	TechStack     []string            `json:"tech_stack,omitempty"`
	Architecture  string              `json:"architecture,omitempty"`
	TeamSize      int                 `json:"team_size,omitempty"`
	TeamMembers   []domain.TeamMember `json:"team_members,omitempty"`
	Experience    string              `json:"experience,omitempty"`
	BudgetItems   []BudgetItemRequest `json:"budget_items,omitempty"`
	Timeline      string              `json:"timeline,omitempty"`
	Impact        string              `json:"impact,omitempty"`
	TargetUsers   string              `json:"target_users,omitempty"`
	Community     string              `json:"community,omitempty"`
	Deliverables  []string            `json:"deliverables,omitempty"`
	GithubRepo    string              `json:"github_repo,omitempty"`
	WalletAddress string              `json:"wallet_address,omitempty"`
	Website       string              `json:"website,omitempty"`
}

type MilestonePlanRequest struct {
	Title        string   `json:"title"`
	Deliverables []string `json:"deliverables,omitempty"`
	Amount       string   `json:"amount" example:"500"`
}

type SubmitGrantRequest struct {
	ID         string                 `json:"id,omitempty"`
	Title      string                 `json:"title"`
	Amount     string                 `json:"amount" example:"10000"`
	Currency   string                 `json:"currency,omitempty"`
	ContentRef string                 `json:"content_ref,omitempty" doc:"IPFS or other content address of the full proposal"`
	Proposal   ProposalRequest        `json:"proposal,omitempty"`
	Milestones []MilestonePlanRequest `json:"milestones,omitempty"`
}

type ReasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

type CastVoteRequest struct {
	AgentID   string `json:"agent_id"`
	Score     int    `json:"score" minimum:"-2" maximum:"2"`
	Rationale string `json:"rationale"`
}

type SubmitMilestoneRequest struct {
	ProofRef string `json:"proof_ref"`
	Notes    string `json:"notes,omitempty"`
}

type ReviewMilestoneRequest struct {
	Outcome  string `json:"outcome" enum:"approved,rejected,revision_requested"`
	Feedback string `json:"feedback,omitempty"`
}

type RegisterAgentRequest struct {
	ID         string `json:"id"`
	Type       string `json:"type" enum:"technical,impact,due_diligence,budget,community"`
	Weight     int    `json:"weight,omitempty"`
	Reputation *int   `json:"reputation,omitempty"`
}

type UpdateAgentRequest struct {
	Weight        *int `json:"weight,omitempty"`
	Reputation    *int `json:"reputation,omitempty"`
	FeedbackDelta *int `json:"feedback_delta,omitempty" doc:"accuracy feedback applied to reputation"`
}

type DepositRequest struct {
	Amount string `json:"amount"`
	Note   string `json:"note,omitempty"`
}

type CreateWithdrawalRequest struct {
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Reason    string `json:"reason"`
}

type WithdrawalDecisionRequest struct {
	Comment string `json:"comment,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type GrantDetail struct {
	Grant    domain.Grant         `json:"grant"`
	Workflow domain.WorkflowState `json:"workflow"`
}

type GrantPage struct {
	Items      []domain.Grant `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type SessionResponse struct {
	Session domain.VotingSession `json:"session"`
	Votes   []domain.Vote        `json:"votes"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	GrantID    string         `json:"grant_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type EventPage struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(e domain.Event) EventResponse {
	payload := map[string]any{}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		GrantID:    e.GrantID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

func parseAmount(field, v string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(v))
	if err != nil {
		return decimal.Zero, domain.Invalid("%s must be a decimal amount", field)
	}
	return d, nil
}

func (p ProposalRequest) toDomain() (domain.Proposal, error) {
	out := domain.Proposal{
		Description:   p.Description,
		Category:      p.Category,
		TechStack:     p.TechStack,
		Architecture:  p.Architecture,
		TeamSize:      p.TeamSize,
		TeamMembers:   p.TeamMembers,
		Experience:    p.Experience,
		Timeline:      p.Timeline,
		Impact:        p.Impact,
		TargetUsers:   p.TargetUsers,
		Community:     p.Community,
		Deliverables:  p.Deliverables,
		GithubRepo:    p.GithubRepo,
		WalletAddress: p.WalletAddress,
		Website:       p.Website,
	}
	for i, item := range p.BudgetItems {
		amount, err := parseAmount("budget_items["+strconv.Itoa(i)+"].amount", item.Amount)
		if err != nil {
			return domain.Proposal{}, err
		}
		out.BudgetItems = append(out.BudgetItems, domain.BudgetItem{Category: item.Category, Description: item.Description, Amount: amount})
	}
	return out, nil
}

func milestonePlans(in []MilestonePlanRequest) ([]domain.MilestonePlan, error) {
	var plans []domain.MilestonePlan
	for i, m := range in {
		amount, err := parseAmount("milestones["+strconv.Itoa(i)+"].amount", m.Amount)
		if err != nil {
			return nil, err
		}
		plans = append(plans, domain.MilestonePlan{Title: m.Title, Deliverables: m.Deliverables, Amount: amount})
	}
	return plans, nil
}

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type GrantStatus string

const (
	GrantPending     GrantStatus = "pending"
	GrantUnderReview GrantStatus = "under_review"
	GrantApproved    GrantStatus = "approved"
	GrantRejected    GrantStatus = "rejected"
	GrantActive      GrantStatus = "active"
	GrantCompleted   GrantStatus = "completed"
	GrantCancelled   GrantStatus = "cancelled"
)

// Decided reports whether the status records a voting outcome.
func (s GrantStatus) Decided() bool {
	switch s {
	case GrantApproved, GrantRejected, GrantActive, GrantCompleted:
		return true
	}
	return false
}

type Grant struct {
	ID          string          `json:"id"`
	Requester   string          `json:"requester"`
	Title       string          `json:"title"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	ContentRef  string          `json:"content_ref,omitempty"`
	Status      GrantStatus     `json:"status"`
	Proposal    Proposal        `json:"proposal"`
	Milestones  []MilestonePlan `json:"milestones,omitempty"`
	Score       *float64        `json:"score,omitempty"`
	PaidAmount  decimal.Decimal `json:"paid_amount"`
	PaymentRef  string          `json:"payment_ref,omitempty"`
	ScheduleRef string          `json:"schedule_ref,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// MilestoneBased reports whether funds are released per milestone rather than lump sum.
func (g Grant) MilestoneBased() bool { return len(g.Milestones) > 0 }

// Proposal is the typed projection of a grant's detailed proposal consumed by evaluators.
type Proposal struct {
	Title         string          `json:"title"`
	Description   string          `json:"description"`
	FundingAmount decimal.Decimal `json:"funding_amount"`
	Category      string          `json:"category,omitempty"`
	TechStack     []string        `json:"tech_stack,omitempty"`
	Architecture  string          `json:"architecture,omitempty"`
	TeamSize      int             `json:"team_size,omitempty"`
	TeamMembers   []TeamMember    `json:"team_members,omitempty"`
	Experience    string          `json:"experience,omitempty"`
	BudgetItems   []BudgetItem    `json:"budget_items,omitempty"`
	Timeline      string          `json:"timeline,omitempty"`
	Impact        string          `json:"impact,omitempty"`
	TargetUsers   string          `json:"target_users,omitempty"`
	Community     string          `json:"community,omitempty"`
	Deliverables  []string        `json:"deliverables,omitempty"`
	GithubRepo    string          `json:"github_repo,omitempty"`
	WalletAddress string          `json:"wallet_address,omitempty"`
	Website       string          `json:"website,omitempty"`
}

type TeamMember struct {
	Name       string `json:"name"`
	Role       string `json:"role"`
	Experience string `json:"experience,omitempty"`
}

type BudgetItem struct {
	Category    string          `json:"category"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
}

// MilestonePlan is a milestone as requested at submission time.
type MilestonePlan struct {
	Title        string          `json:"title"`
	Deliverables []string        `json:"deliverables,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
}

type AgentType string

const (
	AgentTechnical    AgentType = "technical"
	AgentImpact       AgentType = "impact"
	AgentDueDiligence AgentType = "due_diligence"
	AgentBudget       AgentType = "budget"
	AgentCommunity    AgentType = "community"
)

var AgentTypes = []AgentType{AgentTechnical, AgentImpact, AgentDueDiligence, AgentBudget, AgentCommunity}

func (t AgentType) Valid() bool {
	for _, v := range AgentTypes {
		if v == t {
			return true
		}
	}
	return false
}

const (
	MinWeight     = 1
	MaxWeight     = 10
	MinReputation = 0
	MaxReputation = 100
)

type Agent struct {
	ID           string    `json:"id"`
	Type         AgentType `json:"type"`
	Weight       int       `json:"weight"`
	Reputation   int       `json:"reputation"`
	Active       bool      `json:"active"`
	Healthy      bool      `json:"healthy"`
	VoteCount    int       `json:"vote_count"`
	LastSeen     time.Time `json:"last_seen"`
	RegisteredAt time.Time `json:"registered_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Evaluation is one evaluator's normalized opinion on a grant.
type Evaluation struct {
	ID              string    `json:"id"`
	GrantID         string    `json:"grant_id"`
	AgentType       AgentType `json:"agent_type"`
	AgentID         string    `json:"agent_id"`
	RawScore        float64   `json:"raw_score"`
	Score           float64   `json:"score"`
	VoteScore       int       `json:"vote_score"`
	Confidence      float64   `json:"confidence"`
	Decision        string    `json:"decision"`
	Reasoning       string    `json:"reasoning"`
	Strengths       []string  `json:"strengths,omitempty"`
	Weaknesses      []string  `json:"weaknesses,omitempty"`
	Recommendations []string  `json:"recommendations,omitempty"`
	RedFlags        []string  `json:"red_flags,omitempty"`
	Coverage        float64   `json:"coverage"`
	LatencyMS       int64     `json:"latency_ms"`
	CreatedAt       time.Time `json:"created_at"`
}

type VotingSession struct {
	ID        string           `json:"id"`
	GrantID   string           `json:"grant_id"`
	Open      bool             `json:"open"`
	Finalized bool             `json:"finalized"`
	StartedAt time.Time        `json:"started_at"`
	Deadline  time.Time        `json:"deadline"`
	Voters    []string         `json:"voters"`
	Result    *ConsensusResult `json:"result,omitempty"`
	Version   int              `json:"version"`
}

type Vote struct {
	SessionID  string    `json:"session_id"`
	AgentID    string    `json:"agent_id"`
	AgentType  AgentType `json:"agent_type"`
	Score      int       `json:"score"`
	Weight     int       `json:"weight"`
	Reputation int       `json:"reputation"`
	Rationale  string    `json:"rationale"`
	LedgerTx   string    `json:"ledger_tx,omitempty"`
	CastAt     time.Time `json:"cast_at"`
}

// ConsensusResult is the finalized weighted aggregate of a voting session.
type ConsensusResult struct {
	Aggregate   float64   `json:"aggregate"`
	Score       float64   `json:"score"`
	Approved    bool      `json:"approved"`
	VoteCount   int       `json:"vote_count"`
	FinalizedAt time.Time `json:"finalized_at"`
}

type Stage string

const (
	StageSubmission Stage = "submission"
	StageEvaluation Stage = "evaluation"
	StageVoting     Stage = "voting"
	StageDecision   Stage = "decision"
	StageExecution  Stage = "execution"
	StageComplete   Stage = "complete"
	StageFailed     Stage = "failed"
)

// Progress is the monotonic progress indicator reported for each stage.
func (s Stage) Progress() int {
	switch s {
	case StageSubmission:
		return 10
	case StageEvaluation:
		return 25
	case StageVoting:
		return 50
	case StageDecision:
		return 70
	case StageExecution:
		return 85
	case StageComplete:
		return 100
	}
	return 0
}

func (s Stage) Terminal() bool { return s == StageComplete || s == StageFailed }

type WorkflowState struct {
	GrantID       string        `json:"grant_id"`
	Stage         Stage         `json:"stage"`
	Progress      int           `json:"progress"`
	Paused        bool          `json:"paused"`
	Retries       map[Stage]int `json:"retries"`
	FailedStage   Stage         `json:"failed_stage,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`
	Version       int           `json:"version"`
}

type MilestoneStatus string

const (
	MilestonePending           MilestoneStatus = "pending"
	MilestoneActive            MilestoneStatus = "active"
	MilestoneSubmitted         MilestoneStatus = "submitted"
	MilestoneUnderReview       MilestoneStatus = "under_review"
	MilestoneApproved          MilestoneStatus = "approved"
	MilestoneRejected          MilestoneStatus = "rejected"
	MilestoneRevisionRequested MilestoneStatus = "revision_requested"
	MilestonePaid              MilestoneStatus = "paid"
)

type Milestone struct {
	ID            string          `json:"id"`
	GrantID       string          `json:"grant_id"`
	Ordinal       int             `json:"ordinal"`
	Title         string          `json:"title"`
	Deliverables  []string        `json:"deliverables,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Status        MilestoneStatus `json:"status"`
	ProofRef      string          `json:"proof_ref,omitempty"`
	Notes         string          `json:"notes,omitempty"`
	Feedback      string          `json:"feedback,omitempty"`
	ReviewerID    string          `json:"reviewer_id,omitempty"`
	RevisionCount int             `json:"revision_count"`
	SubmittedAt   *time.Time      `json:"submitted_at,omitempty"`
	ApprovedAt    *time.Time      `json:"approved_at,omitempty"`
	PaidAt        *time.Time      `json:"paid_at,omitempty"`
	ReleaseTx     string          `json:"release_tx,omitempty"`
	PaymentRef    string          `json:"payment_ref,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type ReviewOutcome string

const (
	OutcomeApproved          ReviewOutcome = "approved"
	OutcomeRejected          ReviewOutcome = "rejected"
	OutcomeRevisionRequested ReviewOutcome = "revision_requested"
)

func (o ReviewOutcome) Status() (MilestoneStatus, bool) {
	switch o {
	case OutcomeApproved:
		return MilestoneApproved, true
	case OutcomeRejected:
		return MilestoneRejected, true
	case OutcomeRevisionRequested:
		return MilestoneRevisionRequested, true
	}
	return "", false
}

type TreasuryState struct {
	Paused        bool            `json:"paused"`
	EmergencyStop bool            `json:"emergency_stop"`
	Balance       decimal.Decimal `json:"balance"`
	PausedBy      string          `json:"paused_by,omitempty"`
	PauseReason   string          `json:"pause_reason,omitempty"`
	StoppedBy     string          `json:"stopped_by,omitempty"`
	StopReason    string          `json:"stop_reason,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Halted reports whether either safety switch is engaged.
func (t TreasuryState) Halted() bool { return t.Paused || t.EmergencyStop }

type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "pending"
	WithdrawalExecuted  WithdrawalStatus = "executed"
	WithdrawalAbandoned WithdrawalStatus = "abandoned"
)

type WithdrawalRequest struct {
	ID                string               `json:"id"`
	Recipient         string               `json:"recipient"`
	Amount            decimal.Decimal      `json:"amount"`
	Reason            string               `json:"reason"`
	CreatedBy         string               `json:"created_by"`
	Decisions         []WithdrawalDecision `json:"decisions"`
	RequiredApprovals int                  `json:"required_approvals"`
	Status            WithdrawalStatus     `json:"status"`
	LedgerTx          string               `json:"ledger_tx,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	ExecutedAt        *time.Time           `json:"executed_at,omitempty"`
}

// Approvals counts approving decisions; rejections are kept only for audit.
func (w WithdrawalRequest) Approvals() int {
	n := 0
	for _, d := range w.Decisions {
		if d.Approve {
			n++
		}
	}
	return n
}

type WithdrawalDecision struct {
	Approver  string    `json:"approver"`
	Approve   bool      `json:"approve"`
	Comment   string    `json:"comment,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

type ReconciliationIssue struct {
	ID         int64      `json:"id"`
	EntityKind string     `json:"entity_kind"`
	EntityID   string     `json:"entity_id"`
	LedgerTx   string     `json:"ledger_tx,omitempty"`
	Detail     string     `json:"detail"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	GrantID    string `json:"grant_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

package evaluator

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"grantline/internal/domain"
)

// proposalValidate checks structured list elements against their sub-schemas.
var proposalValidate *validator.Validate

func init() {
	proposalValidate = validator.New()
	proposalValidate.RegisterCustomTypeFunc(func(v reflect.Value) any {
		if d, ok := v.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	_ = proposalValidate.RegisterValidation("specified", func(fl validator.FieldLevel) bool {
		return meaningful(fl.Field().String())
	})
}

type budgetLine struct {
	Category    string          `validate:"required,specified"`
	Description string          `validate:"required,specified,min=3"`
	Amount      decimal.Decimal `validate:"gt=0"`
}

type teamMember struct {
	Name string `validate:"required,specified"`
	Role string `validate:"required,specified"`
}

var sentinels = map[string]bool{
	"unspecified": true, "n/a": true, "na": true, "none": true, "tbd": true,
	"unknown": true, "null": true, "-": true, "todo": true, "not specified": true,
}

func meaningful(s string) bool {
	s = strings.TrimSpace(s)
	return s != "" && !sentinels[strings.ToLower(s)]
}

// FieldRule is one entry of an agent type's required field set.
type FieldRule struct {
	Name     string
	Critical bool
	present  func(p domain.Proposal) bool
}

func text(get func(domain.Proposal) string) func(domain.Proposal) bool {
	return func(p domain.Proposal) bool { return meaningful(get(p)) }
}

func list(get func(domain.Proposal) []string) func(domain.Proposal) bool {
	return func(p domain.Proposal) bool {
		for _, v := range get(p) {
			if meaningful(v) {
				return true
			}
		}
		return false
	}
}

var (
	fTitle       = FieldRule{Name: "title", Critical: true, present: text(func(p domain.Proposal) string { return p.Title })}
	fDescription = FieldRule{Name: "description", Critical: true, present: text(func(p domain.Proposal) string { return p.Description })}
	fFunding     = FieldRule{Name: "funding_amount", present: func(p domain.Proposal) bool { return p.FundingAmount.IsPositive() }}
	fCategory    = FieldRule{Name: "category", present: text(func(p domain.Proposal) string { return p.Category })}
	fTechStack   = FieldRule{Name: "tech_stack", present: list(func(p domain.Proposal) []string { return p.TechStack })}
	fArch        = FieldRule{Name: "architecture", present: text(func(p domain.Proposal) string { return p.Architecture })}
	fTeamSize    = FieldRule{Name: "team_size", present: func(p domain.Proposal) bool { return p.TeamSize > 0 }}
	fTeam        = FieldRule{Name: "team_members", present: validTeam}
	fExperience  = FieldRule{Name: "experience", present: text(func(p domain.Proposal) string { return p.Experience })}
	fBudget      = FieldRule{Name: "budget_items", present: validBudget}
	fTimeline    = FieldRule{Name: "timeline", present: text(func(p domain.Proposal) string { return p.Timeline })}
	fImpact      = FieldRule{Name: "impact", present: text(func(p domain.Proposal) string { return p.Impact })}
	fUsers       = FieldRule{Name: "target_users", present: text(func(p domain.Proposal) string { return p.TargetUsers })}
	fCommunity   = FieldRule{Name: "community", present: text(func(p domain.Proposal) string { return p.Community })}
	fDeliver     = FieldRule{Name: "deliverables", present: list(func(p domain.Proposal) []string { return p.Deliverables })}
	fGithub      = FieldRule{Name: "github_repo", present: text(func(p domain.Proposal) string { return p.GithubRepo })}
	fWallet      = FieldRule{Name: "wallet_address", present: text(func(p domain.Proposal) string { return p.WalletAddress })}
	fWebsite     = FieldRule{Name: "website", present: text(func(p domain.Proposal) string { return p.Website })}
)

func critical(r FieldRule) FieldRule {
	r.Critical = true
	return r
}

// Schemas lists the required fields per agent type.
var Schemas = map[domain.AgentType][]FieldRule{
	domain.AgentTechnical: {
		fTitle, fDescription, critical(fTechStack), fArch, fGithub, fTeam, fTimeline, fDeliver,
	},
	domain.AgentImpact: {
		fTitle, fDescription, critical(fImpact), fUsers, fCommunity, fDeliver, fCategory,
	},
	domain.AgentDueDiligence: {
		fTitle, fDescription, critical(fTeam), fExperience, fGithub, critical(fWallet), fWebsite, fTeamSize,
	},
	domain.AgentBudget: {
		fTitle, critical(fFunding), critical(fBudget), fTimeline, fDeliver, fTeamSize, fDescription,
	},
	domain.AgentCommunity: {
		fTitle, fDescription, critical(fCommunity), fUsers, fImpact, fWebsite, fGithub,
	},
}

func validTeam(p domain.Proposal) bool {
	if len(p.TeamMembers) == 0 {
		return false
	}
	for _, m := range p.TeamMembers {
		if err := proposalValidate.Struct(teamMember{Name: m.Name, Role: m.Role}); err != nil {
			return false
		}
	}
	return true
}

func validBudget(p domain.Proposal) bool {
	if len(p.BudgetItems) == 0 {
		return false
	}
	for _, item := range p.BudgetItems {
		if err := proposalValidate.Struct(budgetLine{Category: item.Category, Description: item.Description, Amount: item.Amount}); err != nil {
			return false
		}
	}
	return true
}

// Coverage reports which required fields of a proposal are meaningfully populated.
type Coverage struct {
	AgentType       domain.AgentType `json:"agent_type"`
	Present         []string         `json:"present"`
	Missing         []string         `json:"missing,omitempty"`
	MissingCritical []string         `json:"missing_critical,omitempty"`
	Ratio           float64          `json:"ratio"`
}

// Sufficient reports whether the proposal can be scored: coverage at or above min and no
// critical field missing.
func (c Coverage) Sufficient(min float64) bool {
	return c.Ratio >= min && len(c.MissingCritical) == 0
}

// Measure computes field coverage of p for agent type t.
func Measure(t domain.AgentType, p domain.Proposal) Coverage {
	rules := Schemas[t]
	c := Coverage{AgentType: t}
	for _, r := range rules {
		if r.present(p) {
			c.Present = append(c.Present, r.Name)
			continue
		}
		c.Missing = append(c.Missing, r.Name)
		if r.Critical {
			c.MissingCritical = append(c.MissingCritical, r.Name)
		}
	}
	if len(rules) > 0 {
		c.Ratio = float64(len(c.Present)) / float64(len(rules))
	}
	return c
}

// Prepare applies per-type fixups before measuring. A budget review of a proposal with a
// positive total and no line items gets a single "general" line item.
func Prepare(t domain.AgentType, p domain.Proposal) domain.Proposal {
	if t == domain.AgentBudget && len(p.BudgetItems) == 0 && p.FundingAmount.IsPositive() {
		p.BudgetItems = []domain.BudgetItem{{
			Category:    "general",
			Description: "General project funding",
			Amount:      p.FundingAmount,
		}}
	}
	return p
}

// Project returns the populated subset of the proposal relevant to t, keyed by field name.
func Project(t domain.AgentType, p domain.Proposal) map[string]any {
	out := map[string]any{}
	for _, r := range Schemas[t] {
		if !r.present(p) {
			continue
		}
		switch r.Name {
		case "title":
			out[r.Name] = p.Title
		case "description":
			out[r.Name] = p.Description
		case "funding_amount":
			out[r.Name] = p.FundingAmount.String()
		case "category":
			out[r.Name] = p.Category
		case "tech_stack":
			out[r.Name] = p.TechStack
		case "architecture":
			out[r.Name] = p.Architecture
		case "team_size":
			out[r.Name] = p.TeamSize
		case "team_members":
			out[r.Name] = p.TeamMembers
		case "experience":
			out[r.Name] = p.Experience
		case "budget_items":
			out[r.Name] = p.BudgetItems
		case "timeline":
			out[r.Name] = p.Timeline
		case "impact":
			out[r.Name] = p.Impact
		case "target_users":
			out[r.Name] = p.TargetUsers
		case "community":
			out[r.Name] = p.Community
		case "deliverables":
			out[r.Name] = p.Deliverables
		case "github_repo":
			out[r.Name] = p.GithubRepo
		case "wallet_address":
			out[r.Name] = p.WalletAddress
		case "website":
			out[r.Name] = p.Website
		}
	}
	return out
}

package app

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grantline/internal/config"
	"grantline/internal/domain"
	"grantline/internal/engine"
	"grantline/internal/evaluator"
	"grantline/internal/registry"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Consensus.VotingPeriod = 0
	cfg.Ledger.ConfirmDelay = 0
	cfg.Ledger.PollInterval = time.Millisecond
	cfg.Workflow.RetryDelay = time.Millisecond
	cfg.Treasury.Admins = []string{"ana", "ben"}
	cfg.Treasury.InitialBalance = "10000"
	return cfg
}

func approving() evaluator.Scorer {
	return evaluator.ScorerFunc(func(ctx context.Context, req evaluator.Request) (evaluator.Response, error) {
		return evaluator.Response{Score: 85, Scale: evaluator.ScalePercent, Confidence: 0.7, Reasoning: "solid plan"}, nil
	})
}

func proposal() domain.Proposal {
	return domain.Proposal{
		Description:   "Open tooling that lets DAOs audit grant payouts end to end.",
		Category:      "infrastructure",
		TechStack:     []string{"go"},
		Architecture:  "indexer plus API",
		TeamSize:      1,
		TeamMembers:   []domain.TeamMember{{Name: "Alice", Role: "lead"}},
		Experience:    "built two indexers",
		BudgetItems:   []domain.BudgetItem{{Category: "engineering", Description: "one engineer", Amount: decimal.NewFromInt(2500)}},
		Timeline:      "3 months",
		Impact:        "transparent funding",
		TargetUsers:   "grant committees",
		Community:     "forum and calls",
		Deliverables:  []string{"indexer"},
		GithubRepo:    "github.com/example/payouts",
		WalletAddress: "0xgrantee",
		Website:       "https://payouts.example",
	}
}

func TestOpenWiresEndToEnd(t *testing.T) {
	workspace := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	a, err := Open(ctx, Options{Workspace: workspace, Config: testConfig(), Scorer: approving()})
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))

	for _, typ := range domain.AgentTypes {
		_, err := a.Engine.Registry.Register(ctx, registry.RegisterOptions{ID: "agent-" + string(typ), Type: typ, ActorID: "ana"})
		require.NoError(t, err)
	}
	_, _, err = a.Engine.SubmitGrant(ctx, engine.SubmitOptions{
		ID: "g1", Requester: "alice", Title: "Payout auditor", Amount: decimal.NewFromInt(2500), Proposal: proposal(),
	})
	require.NoError(t, err)
	ws, err := a.Engine.Drive(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, domain.StageComplete, ws.Stage)

	entries, err := a.Journal.Entries(ctx, "g1", 0)
	require.NoError(t, err)
	assert.Len(t, entries, len(domain.AgentTypes)+1, "one vote per agent plus the disbursement")

	cancel()
	require.NoError(t, a.Close())

	// state survives a restart and nothing is left to resume
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	b, err := Open(ctx2, Options{Workspace: workspace, Config: testConfig(), Scorer: approving()})
	require.NoError(t, err)
	defer b.Close()
	g, err := b.Engine.Grant(ctx2, "g1")
	require.NoError(t, err)
	assert.Equal(t, domain.GrantCompleted, g.Status)
	st, err := b.Engine.Treasury.State(ctx2)
	require.NoError(t, err)
	assert.Equal(t, "7500", st.Balance.String(), "bootstrap credits the initial balance only once")
	n, err := b.Engine.ResumeAll(ctx2)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNewScorerRequiresSettings(t *testing.T) {
	_, err := newScorer(config.Scorer{Kind: "http"})
	assert.ErrorContains(t, err, "endpoint")

	t.Setenv("GL_TEST_OPENAI_KEY", "")
	cfg := config.Scorer{Kind: "openai"}
	cfg.OpenAI.Model = "gpt-4o-mini"
	cfg.OpenAI.APIKeyEnv = "GL_TEST_OPENAI_KEY"
	_, err = newScorer(cfg)
	assert.ErrorContains(t, err, "GL_TEST_OPENAI_KEY")

	t.Setenv("GL_TEST_OPENAI_KEY", "sk-test")
	s, err := newScorer(cfg)
	require.NoError(t, err)
	assert.IsType(t, &evaluator.OpenAIScorer{}, s)

	_, err = newScorer(config.Scorer{Kind: "carrier-pigeon"})
	assert.Error(t, err)
}

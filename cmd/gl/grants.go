package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"grantline/internal/domain"
	"grantline/internal/engine"
	"grantline/internal/repo"
)

// grantFile is the on-disk application format, JSON or YAML.
type grantFile struct {
	ID         string                 `json:"id"`
	Title      string                 `json:"title"`
	Amount     decimal.Decimal        `json:"amount"`
	Currency   string                 `json:"currency"`
	ContentRef string                 `json:"content_ref"`
	Proposal   domain.Proposal        `json:"proposal"`
	Milestones []domain.MilestonePlan `json:"milestones"`
}

// loadGrantFile decodes YAML through a generic document so both formats share the JSON field names.
func loadGrantFile(path string) (grantFile, error) {
	var gf grantFile
	data, err := os.ReadFile(path)
	if err != nil {
		return gf, err
	}
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yml" || ext == ".yaml" {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return gf, fmt.Errorf("parse %s: %w", path, err)
		}
		if data, err = json.Marshal(doc); err != nil {
			return gf, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := json.Unmarshal(data, &gf); err != nil {
		return gf, fmt.Errorf("parse %s: %w", path, err)
	}
	return gf, nil
}

func grantCmd() *cobra.Command {
	g := &cobra.Command{
		Use:   "grant",
		Short: "Submit and follow grant applications",
		Long:  "Grants move submission -> evaluation -> voting -> decision -> execution. 'gl grant submit --wait' runs the whole workflow in this process.",
	}
	g.AddCommand(grantSubmitCmd())
	g.AddCommand(grantListCmd())
	g.AddCommand(grantShowCmd())
	g.AddCommand(grantEvaluationsCmd())
	g.AddCommand(grantDriveCmd())
	g.AddCommand(grantCancelCmd())
	g.AddCommand(grantRetryCmd())
	return g
}

func grantSubmitCmd() *cobra.Command {
	var file, id, title, amount string
	var wait bool
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a grant from a JSON or YAML application file",
		RunE: func(cmd *cobra.Command, args []string) error {
			gf, err := loadGrantFile(file)
			if err != nil {
				return err
			}
			if id != "" {
				gf.ID = id
			}
			if title != "" {
				gf.Title = title
			}
			if amount != "" {
				if gf.Amount, err = decimal.NewFromString(amount); err != nil {
					return fmt.Errorf("--amount: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, ws, err := e.SubmitGrant(ctx, engine.SubmitOptions{
					ID:         gf.ID,
					Requester:  actor(),
					Title:      gf.Title,
					Amount:     gf.Amount,
					Currency:   gf.Currency,
					ContentRef: gf.ContentRef,
					Proposal:   gf.Proposal,
					Milestones: gf.Milestones,
				})
				if err != nil {
					return err
				}
				if wait {
					if ws, err = e.Drive(ctx, g.ID); err != nil {
						return err
					}
					if g, err = e.Grant(ctx, g.ID); err != nil {
						return err
					}
				}
				return printJSONOrTable(map[string]any{"grant": g, "workflow": ws})
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "application file (.json, .yml)")
	cmd.Flags().StringVar(&id, "id", "", "grant id (generated when empty)")
	cmd.Flags().StringVar(&title, "title", "", "override the title")
	cmd.Flags().StringVar(&amount, "amount", "", "override the requested amount")
	cmd.Flags().BoolVar(&wait, "wait", false, "drive the workflow until it completes or parks")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func grantListCmd() *cobra.Command {
	var status, requester string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List grants, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Grants(ctx, repo.GrantFilters{Status: domain.GrantStatus(status), Requester: requester, Limit: limit})
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, g := range items {
					rows = append(rows, table.Row{g.ID, g.Title, g.Requester, g.Amount.String() + " " + g.Currency, g.Status, len(g.Milestones)})
				}
				return printTable(items, table.Row{"ID", "Title", "Requester", "Amount", "Status", "Milestones"}, rows)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&requester, "requester", "", "filter by requester")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func grantShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <grant-id>",
		Short: "Show a grant, its workflow and milestones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.Grant(ctx, args[0])
				if err != nil {
					return err
				}
				ws, err := e.Workflow(ctx, args[0])
				if err != nil {
					return err
				}
				ms, err := e.GrantMilestones(ctx, args[0])
				if err != nil {
					return err
				}
				if isJSON() {
					return printJSON(map[string]any{"grant": g, "workflow": ws, "milestones": ms})
				}
				fmt.Printf("Grant %s: %s\n", g.ID, g.Title)
				fmt.Printf("  requester: %s\n  amount:    %s %s (paid %s)\n  status:    %s\n", g.Requester, g.Amount, g.Currency, g.PaidAmount, g.Status)
				if g.Score != nil {
					fmt.Printf("  score:     %.1f\n", *g.Score)
				}
				fmt.Printf("Workflow: %s (%d%%)", ws.Stage, ws.Progress)
				if ws.Paused {
					fmt.Print(" paused")
				}
				if ws.FailureReason != "" {
					fmt.Printf(" failed at %s: %s", ws.FailedStage, ws.FailureReason)
				}
				fmt.Println()
				for _, m := range ms {
					fmt.Printf("  #%d %s  %s  [%s]\n", m.Ordinal, m.Title, m.Amount, m.Status)
				}
				return nil
			})
		},
	}
}

func grantEvaluationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evaluations <grant-id>",
		Short: "List evaluator opinions for a grant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evs, err := e.Evaluations(ctx, args[0])
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(evs))
				for _, ev := range evs {
					rows = append(rows, table.Row{ev.AgentType, ev.AgentID, fmt.Sprintf("%.1f", ev.Score), ev.VoteScore, fmt.Sprintf("%.2f", ev.Confidence)})
				}
				return printTable(evs, table.Row{"Type", "Agent", "Score", "Vote", "Confidence"}, rows)
			})
		},
	}
}

func grantDriveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drive <grant-id>",
		Short: "Run a workflow until it completes, fails or parks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ws, err := e.Drive(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(ws)
			})
		},
	}
}

func grantCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <grant-id>",
		Short: "Cancel an undecided grant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.CancelGrant(ctx, args[0], actor(), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the grant is withdrawn")
	return cmd
}

func grantRetryCmd() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "retry <grant-id>",
		Short: "Restart a failed workflow at the stage it failed in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if !e.Config.Treasury.IsAdmin(actor()) {
					return fmt.Errorf("%w: %s is not a treasury admin", domain.ErrUnauthorized, actor())
				}
				ws, err := e.RetryWorkflow(ctx, args[0], actor())
				if err != nil {
					return err
				}
				if wait {
					if ws, err = e.Drive(ctx, args[0]); err != nil {
						return err
					}
				}
				return printJSONOrTable(ws)
			})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", true, "drive the workflow after resetting it")
	return cmd
}

func sessionCmd() *cobra.Command {
	s := &cobra.Command{Use: "session", Short: "Voting sessions"}
	s.AddCommand(&cobra.Command{
		Use:   "show <grant-id>",
		Short: "Show a grant's voting session and votes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				session, err := e.Consensus.SessionForGrant(ctx, args[0])
				if err != nil {
					return err
				}
				votes, err := e.Consensus.Votes(ctx, session.ID)
				if err != nil {
					return err
				}
				if isJSON() {
					return printJSON(map[string]any{"session": session, "votes": votes})
				}
				fmt.Printf("Session %s for %s, deadline %s, finalized %t\n", session.ID, session.GrantID, session.Deadline.Format("2006-01-02 15:04:05"), session.Finalized)
				rows := make([]table.Row, 0, len(votes))
				for _, v := range votes {
					rows = append(rows, table.Row{v.AgentID, v.Score, v.Weight, v.LedgerTx, v.Rationale})
				}
				return printTable(votes, table.Row{"Agent", "Score", "Weight", "Ledger tx", "Rationale"}, rows)
			})
		},
	})
	var agentID, rationale string
	var score int
	vote := &cobra.Command{
		Use:   "vote <session-id>",
		Short: "Cast a vote for an agent by hand",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.Consensus.CastVote(ctx, args[0], agentID, score, rationale)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	vote.Flags().StringVar(&agentID, "agent", "", "agent id")
	vote.Flags().IntVar(&score, "score", 0, "vote score (-2..2)")
	vote.Flags().StringVar(&rationale, "rationale", "", "why")
	_ = vote.MarkFlagRequired("agent")
	s.AddCommand(vote)
	return s
}

func milestoneCmd() *cobra.Command {
	m := &cobra.Command{
		Use:   "milestone",
		Short: "Milestone submissions, reviews and releases",
	}
	m.AddCommand(&cobra.Command{
		Use:   "list <grant-id>",
		Short: "List a grant's milestones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ms, err := e.GrantMilestones(ctx, args[0])
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(ms))
				for _, x := range ms {
					rows = append(rows, table.Row{x.ID, x.Ordinal, x.Title, x.Amount.String(), x.Status, x.RevisionCount})
				}
				return printTable(ms, table.Row{"ID", "#", "Title", "Amount", "Status", "Revisions"}, rows)
			})
		},
	})

	var proof, notes string
	submit := &cobra.Command{
		Use:   "submit <milestone-id>",
		Short: "Submit proof of work",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				x, err := e.SubmitMilestone(ctx, args[0], proof, notes, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(x)
			})
		},
	}
	submit.Flags().StringVar(&proof, "proof", "", "proof reference (URL, content hash)")
	submit.Flags().StringVar(&notes, "notes", "", "notes for reviewers")
	_ = submit.MarkFlagRequired("proof")
	m.AddCommand(submit)

	var outcome, feedback string
	review := &cobra.Command{
		Use:   "review <milestone-id>",
		Short: "Record a review outcome (approved, rejected, revision_requested)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				x, err := e.ReviewMilestone(ctx, args[0], domain.ReviewOutcome(outcome), feedback, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(x)
			})
		},
	}
	review.Flags().StringVar(&outcome, "outcome", "", "approved, rejected or revision_requested")
	review.Flags().StringVar(&feedback, "feedback", "", "feedback for the grantee")
	_ = review.MarkFlagRequired("outcome")
	m.AddCommand(review)

	m.AddCommand(&cobra.Command{
		Use:   "release <milestone-id>",
		Short: "Release the funds of an approved milestone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				x, err := e.ReleaseMilestone(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(x)
			})
		},
	})
	return m
}

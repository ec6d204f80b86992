package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"grantline/internal/app"
	"grantline/internal/domain"
	"grantline/internal/engine"
	"grantline/internal/registry"
	"grantline/internal/repo"
	"grantline/internal/server"
)

func agentCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "agent",
		Short: "Manage evaluator agents",
		Long:  "Agents cast the votes. Weight (1-10) and reputation (0-100) scale each vote; inactive or unhealthy agents get no work.",
	}
	var id, typ string
	var weight, reputation int
	register := &cobra.Command{
		Use:   "register",
		Short: "Register an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := registry.RegisterOptions{ID: id, Type: domain.AgentType(typ), Weight: weight, ActorID: actor()}
				if cmd.Flags().Changed("reputation") {
					opts.Reputation = &reputation
				}
				ag, err := e.Registry.Register(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(ag)
			})
		},
	}
	register.Flags().StringVar(&id, "id", "", "agent id")
	register.Flags().StringVar(&typ, "type", "", "technical, impact, due_diligence, budget or community")
	register.Flags().IntVar(&weight, "weight", 0, "vote weight (default from config)")
	register.Flags().IntVar(&reputation, "reputation", 0, "starting reputation (default from config)")
	_ = register.MarkFlagRequired("id")
	_ = register.MarkFlagRequired("type")
	a.AddCommand(register)

	a.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				agents, err := e.Registry.List(ctx)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(agents))
				for _, ag := range agents {
					rows = append(rows, table.Row{ag.ID, ag.Type, ag.Weight, ag.Reputation, ag.Active, ag.Healthy, ag.VoteCount, ag.LastSeen.Format(time.RFC3339)})
				}
				return printTable(agents, table.Row{"ID", "Type", "Weight", "Reputation", "Active", "Healthy", "Votes", "Last seen"}, rows)
			})
		},
	})

	var setWeight, setReputation, feedback int
	set := &cobra.Command{
		Use:   "set <agent-id>",
		Short: "Change weight or reputation, or apply accuracy feedback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if !flags.Changed("weight") && !flags.Changed("reputation") && !flags.Changed("feedback") {
				return fmt.Errorf("one of --weight, --reputation or --feedback is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var (
					ag  domain.Agent
					err error
				)
				if flags.Changed("weight") {
					if ag, err = e.Registry.SetWeight(ctx, args[0], setWeight, actor()); err != nil {
						return err
					}
				}
				if flags.Changed("reputation") {
					if ag, err = e.Registry.SetReputation(ctx, args[0], setReputation, actor()); err != nil {
						return err
					}
				}
				if flags.Changed("feedback") {
					if ag, err = e.Registry.ApplyAccuracyFeedback(ctx, args[0], feedback, actor()); err != nil {
						return err
					}
				}
				return printJSONOrTable(ag)
			})
		},
	}
	set.Flags().IntVar(&setWeight, "weight", 0, "vote weight (1-10)")
	set.Flags().IntVar(&setReputation, "reputation", 0, "reputation (0-100)")
	set.Flags().IntVar(&feedback, "feedback", 0, "relative reputation change after an outcome")
	a.AddCommand(set)

	for _, verb := range []string{"deactivate", "reactivate", "heartbeat"} {
		a.AddCommand(&cobra.Command{
			Use:   verb + " <agent-id>",
			Short: strings.ToUpper(verb[:1]) + verb[1:] + " an agent",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
					var (
						ag  domain.Agent
						err error
					)
					switch verb {
					case "deactivate":
						ag, err = e.Registry.Deactivate(ctx, args[0], actor())
					case "reactivate":
						ag, err = e.Registry.Reactivate(ctx, args[0], actor())
					default:
						ag, err = e.Registry.Heartbeat(ctx, args[0])
					}
					if err != nil {
						return err
					}
					return printJSONOrTable(ag)
				})
			},
		})
	}
	return a
}

func treasuryCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "treasury",
		Short: "Treasury balance and safety switches",
		Long:  "Pause stops new submissions and payouts but lets running evaluations finish. Emergency stop halts everything.",
	}
	t.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show balance and switch state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.Treasury.State(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	})

	var reason string
	switchCmd := func(use, short string, fn func(engine.Engine, context.Context, string) (domain.TreasuryState, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
					st, err := fn(e, ctx, actor())
					if err != nil {
						return err
					}
					return printJSONOrTable(st)
				})
			},
		}
	}
	pause := switchCmd("pause", "Pause submissions and payouts", func(e engine.Engine, ctx context.Context, who string) (domain.TreasuryState, error) {
		return e.Treasury.Pause(ctx, who, reason)
	})
	stop := switchCmd("stop", "Engage the emergency stop", func(e engine.Engine, ctx context.Context, who string) (domain.TreasuryState, error) {
		return e.Treasury.EmergencyStop(ctx, who, reason)
	})
	pause.Flags().StringVar(&reason, "reason", "", "why")
	stop.Flags().StringVar(&reason, "reason", "", "why")
	t.AddCommand(pause, stop)
	t.AddCommand(switchCmd("unpause", "Lift the pause", func(e engine.Engine, ctx context.Context, who string) (domain.TreasuryState, error) {
		return e.Treasury.Unpause(ctx, who)
	}))
	t.AddCommand(switchCmd("clear", "Lift the emergency stop", func(e engine.Engine, ctx context.Context, who string) (domain.TreasuryState, error) {
		return e.Treasury.ClearEmergency(ctx, who)
	}))

	var note string
	deposit := &cobra.Command{
		Use:   "deposit <amount>",
		Short: "Credit the treasury",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(args[0])
			if err != nil {
				return fmt.Errorf("amount: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.Treasury.Deposit(ctx, actor(), amount, note)
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
	deposit.Flags().StringVar(&note, "note", "", "deposit note")
	t.AddCommand(deposit)
	return t
}

func withdrawalCmd() *cobra.Command {
	w := &cobra.Command{
		Use:   "withdrawal",
		Short: "Multi-signature emergency withdrawals",
		Long:  "Withdrawals are only possible while the treasury is paused or stopped, and execute once enough admins approve.",
	}
	var recipient, amount, reason string
	create := &cobra.Command{
		Use:   "create",
		Short: "Propose a withdrawal",
		RunE: func(cmd *cobra.Command, args []string) error {
			amt, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("--amount: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.Treasury.CreateWithdrawal(ctx, actor(), recipient, amt, reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	create.Flags().StringVar(&recipient, "recipient", "", "destination address")
	create.Flags().StringVar(&amount, "amount", "", "amount")
	create.Flags().StringVar(&reason, "reason", "", "justification")
	_ = create.MarkFlagRequired("recipient")
	_ = create.MarkFlagRequired("amount")
	w.AddCommand(create)

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List withdrawals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Treasury.Withdrawals(ctx, domain.WithdrawalStatus(status))
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(items))
				for _, x := range items {
					rows = append(rows, table.Row{x.ID, x.Recipient, x.Amount.String(), x.Status, fmt.Sprintf("%d/%d", x.Approvals(), x.RequiredApprovals), x.CreatedBy})
				}
				return printTable(items, table.Row{"ID", "Recipient", "Amount", "Status", "Approvals", "Created by"}, rows)
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "pending, executed or abandoned")
	w.AddCommand(list)

	var comment string
	for _, approve := range []bool{true, false} {
		use := "approve"
		if !approve {
			use = "reject"
		}
		c := &cobra.Command{
			Use:   use + " <withdrawal-id>",
			Short: "Sign a decision on a withdrawal",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
					req, err := e.Treasury.Decide(ctx, args[0], actor(), approve, comment)
					if err != nil {
						return err
					}
					return printJSONOrTable(req)
				})
			},
		}
		c.Flags().StringVar(&comment, "comment", "", "comment")
		w.AddCommand(c)
	}
	w.AddCommand(&cobra.Command{
		Use:   "execute <withdrawal-id>",
		Short: "Execute an approved withdrawal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.Treasury.Execute(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	})
	var abandonReason string
	abandon := &cobra.Command{
		Use:   "abandon <withdrawal-id>",
		Short: "Abandon a pending withdrawal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.Treasury.Abandon(ctx, args[0], actor(), abandonReason)
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	abandon.Flags().StringVar(&abandonReason, "reason", "", "why")
	w.AddCommand(abandon)
	return w
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Throughput, agent health and treasury summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Stats(ctx)
				if err != nil {
					return err
				}
				if isJSON() {
					return printJSON(s)
				}
				fmt.Printf("Processed %d (approved %d, rejected %d), %d evaluations, avg latency %.0fms\n",
					s.Processed, s.Approved, s.Rejected, s.Evaluations, s.AvgEvaluationLatencyMS)
				fmt.Printf("Treasury %s, paused %t, emergency stop %t, open reconciliation issues %d\n",
					s.Treasury.Balance, s.Treasury.Paused, s.Treasury.EmergencyStop, s.OpenIssues)
				rows := make([]table.Row, 0, len(s.WorkflowsByStage))
				for stage, n := range s.WorkflowsByStage {
					rows = append(rows, table.Row{stage, n})
				}
				return printTable(s, table.Row{"Stage", "Workflows"}, rows)
			})
		},
	}
}

func reconcileCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "reconcile",
		Short: "Ledger writes that confirmed but failed to record locally",
	}
	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List reconciliation issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				issues, err := e.Repo.ListReconciliationIssues(ctx, !all)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(issues))
				for _, i := range issues {
					rows = append(rows, table.Row{i.ID, i.EntityKind, i.EntityID, i.LedgerTx, i.Detail})
				}
				return printTable(issues, table.Row{"ID", "Kind", "Entity", "Ledger tx", "Detail"}, rows)
			})
		},
	}
	list.Flags().BoolVar(&all, "all", false, "include resolved issues")
	r.AddCommand(list)
	r.AddCommand(&cobra.Command{
		Use:   "resolve <issue-id>",
		Short: "Mark an issue as handled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("issue id: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.ResolveReconciliationIssue(ctx, id, actor())
			})
		},
	})
	return r
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every state change: submissions, evaluations, votes, decisions, releases and switch flips.",
	}
	var n int
	var grantID, evtType, entityKind, entityID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				evs, err := e.Repo.LatestEvents(ctx, repo.EventFilters{GrantID: grantID, Type: evtType, EntityKind: entityKind, EntityID: entityID, Limit: n})
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(evs))
				for _, ev := range evs {
					rows = append(rows, table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + "/" + ev.EntityID, ev.ActorID})
				}
				return printTable(evs, table.Row{"ID", "Time", "Type", "Entity", "Actor"}, rows)
			})
		},
	}
	tail.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	tail.Flags().StringVar(&grantID, "grant", "", "grant id")
	tail.Flags().StringVar(&evtType, "type", "", "event type")
	tail.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	l.AddCommand(tail)
	return l
}

func tokenCmd() *cobra.Command {
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <actor-id>",
		Short: "Mint an API bearer token with GRANTLINE_JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("GRANTLINE_JWT_SECRET is required")
			}
			token, err := server.SignToken(secret, args[0], roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim (repeatable), e.g. admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader, devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the orchestrator and its background loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" && !allowActorHeader {
				return fmt.Errorf("GRANTLINE_JWT_SECRET is required unless --allow-actor-header is set")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), Logger: slog.Default()})
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Start(ctx); err != nil {
				return err
			}
			handler, err := server.New(server.Config{
				Engine:     a.Engine,
				BasePath:   basePath,
				Gatherer:   a.Prometheus,
				Background: ctx,
				Auth: server.AuthConfig{
					JWTSecret:              secret,
					AllowLegacyActorHeader: allowActorHeader,
					DevLogin:               devLogin,
					Logger:                 slog.Default(),
				},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Grantline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust X-Actor-Id without a token (local use only)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable POST /auth/dev/login")
	return cmd
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"grantline/internal/app"
	"grantline/internal/config"
	"grantline/internal/db"
	"grantline/internal/engine"
	"grantline/internal/migrate"
	"grantline/internal/observability"
)

var rootCmd = &cobra.Command{
	Use:   "gl",
	Short: "Grantline CLI",
	Long: `Grantline runs grant applications through AI evaluation, weighted voting and treasury payouts.
Core concepts:
- Workspace: a directory holding grantline.yml and the .grantline database.
- Grant: an application for funding; lump sum or split into milestones.
- Agents: evaluator identities per type (technical, impact, due_diligence, budget, community) with a weight and a reputation.
- Workflow: submission -> evaluation -> voting -> decision -> execution -> complete. Failed workflows can be retried.
- Treasury: the funds pool. Admins can pause it, stop it in an emergency, and co-sign emergency withdrawals.
- Event log: every state change, view with 'gl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _, err := db.EnsureWorkspace(viper.GetString("workspace")); err != nil {
			return err
		}
		slog.SetDefault(newLogger(viper.GetString("log-level"), viper.GetString("log-format")))
		if !viper.GetBool("trace") {
			return nil
		}
		shutdown, err := observability.SetupTracing(os.Stderr)
		if err != nil {
			return err
		}
		cobra.OnFinalize(func() { _ = shutdown(context.Background()) })
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GRANTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().Bool("trace", false, "print OpenTelemetry spans to stderr")
	for _, name := range []string{"workspace", "json", "actor-id", "log-level", "log-format", "trace"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(grantCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(milestoneCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(treasuryCmd())
	rootCmd.AddCommand(withdrawalCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelWarn
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create grantline.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Printf("Initialized workspace %s (config %s, database %s)\n", workspace, path, db.Path(workspace))
			fmt.Println("Next: add treasury admins to grantline.yml, then register agents with 'gl agent register'.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(c)
			}
			return yaml.NewEncoder(os.Stdout).Encode(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate grantline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfg
}

// withEngine opens the workspace with the message router running, so workflows can be
// driven in-process. Background loops such as webhooks and the scheduler stay off.
func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	ctx, cancel := context.WithCancel(ctx)
	a, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), Logger: slog.Default()})
	if err != nil {
		cancel()
		return err
	}
	go a.Router.Run(ctx)
	defer func() {
		cancel()
		a.Close()
	}()
	return fn(ctx, a.Engine)
}

func actor() string { return viper.GetString("actor-id") }

func isJSON() bool { return viper.GetBool("json") }

func printJSONOrTable(v any) error {
	if isJSON() {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printTable renders rows unless --json is set, in which case raw is printed.
func printTable(raw any, header table.Row, rows []table.Row) error {
	if isJSON() {
		return printJSON(raw)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.SetStyle(table.StyleLight)
	tw.Render()
	return nil
}

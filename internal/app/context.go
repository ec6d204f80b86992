// Package app assembles the orchestrator, its collaborators and background loops from a
// workspace config. The CLI and the HTTP server both start from here.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"grantline/internal/config"
	"grantline/internal/consensus"
	"grantline/internal/db"
	"grantline/internal/domain"
	"grantline/internal/engine"
	"grantline/internal/evaluator"
	"grantline/internal/ledger"
	"grantline/internal/migrate"
	"grantline/internal/milestone"
	"grantline/internal/notify"
	"grantline/internal/observability"
	"grantline/internal/registry"
	"grantline/internal/repo"
	"grantline/internal/router"
	"grantline/internal/scheduler"
	"grantline/internal/treasury"
)

// Options select the workspace and override pieces of the assembly.
type Options struct {
	Workspace string
	Config    *config.Config
	Logger    *slog.Logger
	// Scorer replaces the configured evaluator backend for every agent type.
	Scorer evaluator.Scorer
}

// App is a wired orchestrator plus the loops that keep it moving.
type App struct {
	DB         *sql.DB
	Config     *config.Config
	Engine     engine.Engine
	Router     *router.Router
	Journal    *ledger.Journal
	Notifier   *notify.Dispatcher
	Scheduler  scheduler.Scheduler
	Metrics    *observability.Metrics
	Prometheus *prometheus.Registry
	Logger     *slog.Logger
}

// Open migrates the workspace database and builds every component. Nothing runs until Start.
func Open(ctx context.Context, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOptional(opts.Workspace); err != nil {
			return nil, err
		}
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(promReg)

	scorer := opts.Scorer
	if scorer == nil {
		if scorer, err = newScorer(cfg.Scorer); err != nil {
			conn.Close()
			return nil, err
		}
	}

	r := router.New(router.Config{
		QueueSize:  cfg.Router.QueueSize,
		MaxRetries: cfg.Router.MaxRetries,
		RetryDelay: cfg.Router.RetryDelay,
	}, logger, metrics)
	journal := ledger.NewJournal(repo.Repo{DB: conn}, cfg.Ledger.ConfirmDelay, logger)
	await := ledger.AwaitPolicy{Interval: cfg.Ledger.PollInterval, Timeout: cfg.Workflow.ConfirmTimeout}

	tr := treasury.New(conn, cfg.Treasury, journal, await, logger, metrics)
	if err := tr.Bootstrap(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bootstrap treasury: %w", err)
	}
	proxies := map[domain.AgentType]*evaluator.Proxy{}
	for _, t := range cfg.Evaluation.RequiredTypes {
		proxies[t] = evaluator.NewProxy(t, scorer, cfg.Evaluation.MinCoverage, cfg.Evaluation.CallTimeout, logger, metrics)
	}
	e := engine.New(conn, cfg, engine.Deps{
		Registry:   registry.New(conn, cfg.Consensus, logger),
		Router:     r,
		Proxies:    proxies,
		Consensus:  consensus.New(conn, cfg.Consensus, logger, metrics),
		Milestones: milestone.New(conn, journal, await, tr, logger, metrics),
		Treasury:   tr,
		Ledger:     journal,
		Await:      await,
		Metrics:    metrics,
		Logger:     logger,
	})

	return &App{
		DB:         conn,
		Config:     cfg,
		Engine:     e,
		Router:     r,
		Journal:    journal,
		Notifier:   notify.New(e.Repo, cfg.Webhooks, logger, metrics),
		Scheduler:  scheduler.New(scheduler.Standard(cfg.Scheduler, e, metrics), logger),
		Metrics:    metrics,
		Prometheus: promReg,
		Logger:     logger,
	}, nil
}

// Start runs the router, the webhook dispatcher and the maintenance scheduler until ctx ends,
// and resumes workflows left unfinished by a previous process.
func (a *App) Start(ctx context.Context) error {
	go a.Router.Run(ctx)
	if len(a.Config.Webhooks) > 0 {
		go a.Notifier.Run(ctx)
	}
	go func() {
		if err := a.Scheduler.Run(ctx); err != nil {
			a.Logger.Error("scheduler stopped", "err", err)
		}
	}()
	n, err := a.Engine.ResumeAll(ctx)
	if err != nil {
		return fmt.Errorf("resume workflows: %w", err)
	}
	if n > 0 {
		a.Logger.Info("resumed workflows", "count", n)
	}
	return nil
}

// Close waits for running workflows and releases the database. Cancel the Start context first.
func (a *App) Close() error {
	a.Engine.Wait()
	a.Router.Stop()
	return a.DB.Close()
}

func newScorer(cfg config.Scorer) (evaluator.Scorer, error) {
	switch cfg.Kind {
	case "openai":
		keyEnv := cfg.OpenAI.APIKeyEnv
		if keyEnv == "" {
			keyEnv = "OPENAI_API_KEY"
		}
		key := os.Getenv(keyEnv)
		if key == "" {
			return nil, fmt.Errorf("scorer kind openai needs %s", keyEnv)
		}
		return evaluator.NewOpenAIScorer(key, cfg.OpenAI.BaseURL, cfg.OpenAI.Model, cfg.RatePerSecond, cfg.Burst), nil
	case "http", "":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("scorer kind http needs an endpoint")
		}
		return evaluator.NewHTTPScorer(cfg.Endpoint, cfg.Scale, cfg.Timeout, cfg.RatePerSecond, cfg.Burst), nil
	default:
		return nil, fmt.Errorf("unknown scorer kind %q", cfg.Kind)
	}
}

package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"grantline/internal/domain"
)

// Config models grantline.yml.
type Config struct {
	Evaluation Evaluation      `yaml:"evaluation" json:"evaluation"`
	Consensus  Consensus       `yaml:"consensus" json:"consensus"`
	Workflow   Workflow        `yaml:"workflow" json:"workflow"`
	Router     Router          `yaml:"router" json:"router"`
	Milestones Milestones      `yaml:"milestones" json:"milestones"`
	Treasury   Treasury        `yaml:"treasury" json:"treasury"`
	Ledger     Ledger          `yaml:"ledger" json:"ledger"`
	Scorer     Scorer          `yaml:"scorer" json:"scorer"`
	Scheduler  Scheduler       `yaml:"scheduler" json:"scheduler"`
	Webhooks   []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
}

type Evaluation struct {
	RequiredTypes []domain.AgentType `yaml:"required_types" json:"required_types"`
	// MinResponses is the partial quorum needed to leave Evaluation after the timeout.
	MinResponses int           `yaml:"min_responses" json:"min_responses"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
	CallTimeout  time.Duration `yaml:"call_timeout" json:"call_timeout"`
	MaxRetries   int           `yaml:"max_retries" json:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay" json:"retry_delay"`
	MinCoverage  float64       `yaml:"min_coverage" json:"min_coverage"`
}

type Consensus struct {
	// ApprovalThreshold is a fraction of the 0-100 scale.
	ApprovalThreshold  float64       `yaml:"approval_threshold" json:"approval_threshold"`
	VotingPeriod       time.Duration `yaml:"voting_period" json:"voting_period"`
	MinScore           int           `yaml:"min_score" json:"min_score"`
	MaxScore           int           `yaml:"max_score" json:"max_score"`
	BaselineReputation int           `yaml:"baseline_reputation" json:"baseline_reputation"`
	DefaultWeight      int           `yaml:"default_weight" json:"default_weight"`
}

type Workflow struct {
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
	// ConfirmTimeout bounds how long a ledger write may stay unconfirmed.
	ConfirmTimeout time.Duration `yaml:"confirm_timeout" json:"confirm_timeout"`
}

type Router struct {
	QueueSize  int           `yaml:"queue_size" json:"queue_size"`
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
}

type Milestones struct {
	AutoRelease bool `yaml:"auto_release" json:"auto_release"`
}

type Treasury struct {
	Admins            []string `yaml:"admins" json:"admins"`
	RequiredApprovals int      `yaml:"required_approvals" json:"required_approvals"`
	Currency          string   `yaml:"currency" json:"currency"`
	InitialBalance    string   `yaml:"initial_balance" json:"initial_balance"`
}

// Ledger configures the local settlement journal and confirmation polling.
type Ledger struct {
	ConfirmDelay time.Duration `yaml:"confirm_delay" json:"confirm_delay"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
}

type Scorer struct {
	Kind          string        `yaml:"kind" json:"kind" enum:"http,openai"`
	Endpoint      string        `yaml:"endpoint" json:"endpoint,omitempty"`
	// Scale is the range the http scorer answers on: vote (-2..2) or percent (0..100).
	Scale         string        `yaml:"scale" json:"scale"`
	RatePerSecond float64       `yaml:"rate_per_second" json:"rate_per_second"`
	Burst         int           `yaml:"burst" json:"burst"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
	OpenAI        struct {
		Model     string `yaml:"model" json:"model,omitempty"`
		BaseURL   string `yaml:"base_url" json:"base_url,omitempty"`
		APIKeyEnv string `yaml:"api_key_env" json:"api_key_env,omitempty"`
	} `yaml:"openai" json:"openai"`
}

type Scheduler struct {
	HealthInterval    time.Duration `yaml:"health_interval" json:"health_interval"`
	StaleAfter        time.Duration `yaml:"stale_after" json:"stale_after"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval" json:"reconcile_interval"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"-"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
}

// Threshold returns the approval threshold on the 0-100 scale.
func (c Consensus) Threshold() float64 { return c.ApprovalThreshold * 100 }

// IsAdmin reports whether actor may flip safety switches and sign withdrawals.
func (t Treasury) IsAdmin(actor string) bool {
	for _, a := range t.Admins {
		if a == actor {
			return true
		}
	}
	return false
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Evaluation.RequiredTypes) == 0 {
		return fmt.Errorf("config.evaluation.required_types is required")
	}
	seen := map[domain.AgentType]bool{}
	for _, t := range c.Evaluation.RequiredTypes {
		if !t.Valid() {
			return fmt.Errorf("config.evaluation.required_types has unknown agent type %s", t)
		}
		if seen[t] {
			return fmt.Errorf("config.evaluation.required_types lists %s twice", t)
		}
		seen[t] = true
	}
	if c.Evaluation.MinResponses < 1 || c.Evaluation.MinResponses > len(c.Evaluation.RequiredTypes) {
		return fmt.Errorf("config.evaluation.min_responses must be between 1 and %d", len(c.Evaluation.RequiredTypes))
	}
	if c.Evaluation.Timeout <= 0 || c.Evaluation.CallTimeout <= 0 {
		return fmt.Errorf("config.evaluation timeouts must be positive")
	}
	if c.Evaluation.MinCoverage <= 0 || c.Evaluation.MinCoverage > 1 {
		return fmt.Errorf("config.evaluation.min_coverage must be in (0,1]")
	}
	if c.Consensus.ApprovalThreshold <= 0 || c.Consensus.ApprovalThreshold > 1 {
		return fmt.Errorf("config.consensus.approval_threshold must be in (0,1]")
	}
	if c.Consensus.MinScore >= c.Consensus.MaxScore {
		return fmt.Errorf("config.consensus.min_score must be below max_score")
	}
	if c.Consensus.VotingPeriod < 0 {
		return fmt.Errorf("config.consensus.voting_period must not be negative")
	}
	if c.Consensus.BaselineReputation < domain.MinReputation || c.Consensus.BaselineReputation > domain.MaxReputation {
		return fmt.Errorf("config.consensus.baseline_reputation must be within [%d,%d]", domain.MinReputation, domain.MaxReputation)
	}
	if c.Consensus.DefaultWeight < domain.MinWeight || c.Consensus.DefaultWeight > domain.MaxWeight {
		return fmt.Errorf("config.consensus.default_weight must be within [%d,%d]", domain.MinWeight, domain.MaxWeight)
	}
	if c.Workflow.MaxRetries < 0 || c.Router.MaxRetries < 0 || c.Evaluation.MaxRetries < 0 {
		return fmt.Errorf("retry bounds must not be negative")
	}
	if c.Router.QueueSize <= 0 {
		return fmt.Errorf("config.router.queue_size must be positive")
	}
	if c.Treasury.RequiredApprovals < 1 {
		return fmt.Errorf("config.treasury.required_approvals must be at least 1")
	}
	if len(c.Treasury.Admins) > 0 && len(c.Treasury.Admins) < c.Treasury.RequiredApprovals {
		return fmt.Errorf("config.treasury.admins has fewer members than required_approvals")
	}
	if c.Treasury.Currency == "" {
		return fmt.Errorf("config.treasury.currency is required")
	}
	if c.Treasury.InitialBalance != "" {
		if _, err := decimal.NewFromString(c.Treasury.InitialBalance); err != nil {
			return fmt.Errorf("config.treasury.initial_balance: %w", err)
		}
	}
	if c.Ledger.ConfirmDelay < 0 || c.Ledger.PollInterval <= 0 {
		return fmt.Errorf("config.ledger.poll_interval must be positive and confirm_delay not negative")
	}
	if c.Workflow.ConfirmTimeout <= 0 {
		return fmt.Errorf("config.workflow.confirm_timeout must be positive")
	}
	switch c.Scorer.Kind {
	case "http", "":
		if c.Scorer.Scale != "vote" && c.Scorer.Scale != "percent" {
			return fmt.Errorf("config.scorer.scale must be vote or percent")
		}
	case "openai":
		if c.Scorer.OpenAI.Model == "" {
			return fmt.Errorf("config.scorer.openai.model is required for kind openai")
		}
	default:
		return fmt.Errorf("config.scorer.kind must be http or openai")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "grantline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with gl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config when the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config on top of the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `evaluation:
  required_types: [technical, impact, due_diligence, budget, community]
  min_responses: 3
  timeout: 10m
  call_timeout: 3m
  max_retries: 2
  retry_delay: 5s
  min_coverage: 0.7

consensus:
  approval_threshold: 0.6
  voting_period: 1m
  min_score: -2
  max_score: 2
  baseline_reputation: 50
  default_weight: 5

workflow:
  max_retries: 3
  retry_delay: 10s
  confirm_timeout: 2m

router:
  queue_size: 256
  max_retries: 3
  retry_delay: 500ms

milestones:
  auto_release: false

treasury:
  admins: []
  required_approvals: 2
  currency: USDC
  initial_balance: "0"

ledger:
  confirm_delay: 2s
  poll_interval: 250ms

scorer:
  kind: http
  endpoint: http://127.0.0.1:8000
  scale: percent
  rate_per_second: 2
  burst: 4
  timeout: 3m
  openai:
    model: gpt-4o-mini
    api_key_env: OPENAI_API_KEY

scheduler:
  health_interval: 1m
  stale_after: 10m
  reconcile_interval: 30s
`

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "grantline"

// Metrics holds the Prometheus collectors. A nil *Metrics records nothing, so components can
// run without a registry in tests.
type Metrics struct {
	GrantsSubmitted    prometheus.Counter
	GrantsDecided      *prometheus.CounterVec
	WorkflowFailures   *prometheus.CounterVec
	EvaluationLatency  *prometheus.HistogramVec
	EvaluatorOutcomes  *prometheus.CounterVec
	RouterDeliveries   *prometheus.CounterVec
	RouterQueueDepth   *prometheus.GaugeVec
	VotesCast          *prometheus.CounterVec
	MilestoneReleases  prometheus.Counter
	FundsReleased      prometheus.Counter
	TreasurySwitches   *prometheus.GaugeVec
	ReconciliationOpen prometheus.Gauge
	WebhookDeliveries  *prometheus.CounterVec
}

// NewMetrics registers all collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		GrantsSubmitted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "grants", Name: "submitted_total",
			Help: "Grants accepted for evaluation",
		}),
		GrantsDecided: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "grants", Name: "decided_total",
			Help: "Grants decided by weighted consensus",
		}, []string{"outcome"}),
		WorkflowFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "workflow", Name: "failures_total",
			Help: "Workflows moved to failed, by stage",
		}, []string{"stage"}),
		EvaluationLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "evaluator", Name: "latency_seconds",
			Help:    "External scorer latency",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"agent_type"}),
		EvaluatorOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "evaluator", Name: "outcomes_total",
			Help: "Evaluator results by outcome (ok, insufficient_data, failed)",
		}, []string{"agent_type", "outcome"}),
		RouterDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "router", Name: "deliveries_total",
			Help: "Message delivery attempts by result (delivered, retried, failed, dropped)",
		}, []string{"type", "result"}),
		RouterQueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "router", Name: "queue_depth",
			Help: "Messages waiting per priority tier",
		}, []string{"priority"}),
		VotesCast: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "voting", Name: "votes_total",
			Help: "Votes accepted by agent type",
		}, []string{"agent_type"}),
		MilestoneReleases: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "milestones", Name: "released_total",
			Help: "Milestones paid out",
		}),
		FundsReleased: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "treasury", Name: "released_amount_total",
			Help: "Sum of released funds in treasury currency units",
		}),
		TreasurySwitches: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "treasury", Name: "switch_engaged",
			Help: "1 while the named safety switch is engaged",
		}, []string{"switch"}),
		ReconciliationOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "reconciliation", Name: "open_issues",
			Help: "Unresolved ledger and database inconsistencies",
		}),
		WebhookDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "webhooks", Name: "deliveries_total",
			Help: "Webhook POSTs by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) GrantSubmitted() {
	if m == nil {
		return
	}
	m.GrantsSubmitted.Inc()
}

func (m *Metrics) GrantDecided(approved bool) {
	if m == nil {
		return
	}
	outcome := "rejected"
	if approved {
		outcome = "approved"
	}
	m.GrantsDecided.WithLabelValues(outcome).Inc()
}

func (m *Metrics) WorkflowFailed(stage string) {
	if m == nil {
		return
	}
	m.WorkflowFailures.WithLabelValues(stage).Inc()
}

func (m *Metrics) Evaluated(agentType, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.EvaluatorOutcomes.WithLabelValues(agentType, outcome).Inc()
	if seconds > 0 {
		m.EvaluationLatency.WithLabelValues(agentType).Observe(seconds)
	}
}

func (m *Metrics) Delivery(msgType, result string) {
	if m == nil {
		return
	}
	m.RouterDeliveries.WithLabelValues(msgType, result).Inc()
}

func (m *Metrics) QueueDepth(priority string, depth int) {
	if m == nil {
		return
	}
	m.RouterQueueDepth.WithLabelValues(priority).Set(float64(depth))
}

func (m *Metrics) VoteCast(agentType string) {
	if m == nil {
		return
	}
	m.VotesCast.WithLabelValues(agentType).Inc()
}

func (m *Metrics) Released(amount float64) {
	if m == nil {
		return
	}
	m.MilestoneReleases.Inc()
	m.FundsReleased.Add(amount)
}

func (m *Metrics) Disbursed(amount float64) {
	if m == nil {
		return
	}
	m.FundsReleased.Add(amount)
}

func (m *Metrics) Switch(name string, engaged bool) {
	if m == nil {
		return
	}
	v := 0.0
	if engaged {
		v = 1
	}
	m.TreasurySwitches.WithLabelValues(name).Set(v)
}

func (m *Metrics) OpenIssues(n int) {
	if m == nil {
		return
	}
	m.ReconciliationOpen.Set(float64(n))
}

func (m *Metrics) Webhook(result string) {
	if m == nil {
		return
	}
	m.WebhookDeliveries.WithLabelValues(result).Inc()
}

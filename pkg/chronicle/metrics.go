package chronicle

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	MetricIsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chronicle",
		Name:      "is_leader",
		Help:      "1 if this node currently holds established leadership, else 0",
	})

	MetricCurrentState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "chronicle",
		Name:      "fsm_state",
		Help:      "1 for the current leader FSM state, 0 for all others",
	}, []string{"state"})

	MetricElectionsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chronicle",
		Name:      "elections_started_total",
		Help:      "Total number of times this node entered the Candidate state",
	})

	MetricElectionsWon = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chronicle",
		Name:      "elections_won_total",
		Help:      "Total number of elections this node won",
	})

	MetricTermChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chronicle",
		Name:      "term_changes_total",
		Help:      "Total number of observed leader term changes",
	})

	MetricCheckMemberRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chronicle",
		Name:      "check_member_runs_total",
		Help:      "Total number of membership self-checks performed",
	})

	MetricRemoved = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chronicle",
		Name:      "removed",
		Help:      "1 if this node believes it has been removed from the cluster",
	})
)

// RegisterMetrics registers chronicle's metrics into the default Prometheus
// registry (idempotent).
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(MetricIsLeader)
		prometheus.MustRegister(MetricCurrentState)
		prometheus.MustRegister(MetricElectionsStarted)
		prometheus.MustRegister(MetricElectionsWon)
		prometheus.MustRegister(MetricTermChanges)
		prometheus.MustRegister(MetricCheckMemberRuns)
		prometheus.MustRegister(MetricRemoved)
	})
}

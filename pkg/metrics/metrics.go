package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pool metrics
	PoolsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_pools_total",
			Help: "Total number of pools",
		},
	)

	PoolDesiredCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_pool_desired_count",
			Help: "Desired resource count per pool",
		},
		[]string{"pool"},
	)

	ResourcesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_resources_total",
			Help: "Total number of deployed resources by state",
		},
		[]string{"state"},
	)

	AssignmentsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_assignments_active",
			Help: "Number of active assignments",
		},
	)

	// Task pipeline metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_tasks_total",
			Help: "Total number of pipeline tasks by kind and status",
		},
		[]string{"kind", "status"},
	)

	TasksSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_tasks_submitted_total",
			Help: "Total number of tasks submitted by kind",
		},
		[]string{"kind"},
	)

	TasksFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_tasks_failed_total",
			Help: "Total number of failed tasks",
		},
	)

	StepRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_step_retries_total",
			Help: "Total number of retried pipeline steps",
		},
	)

	StepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_step_duration_seconds",
			Help:    "Pipeline step duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step"},
	)

	// Tunnel metrics
	TicketsIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_tickets_issued_total",
			Help: "Total number of tunnel tickets issued",
		},
	)

	TicketsRedeemed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_tickets_redeemed_total",
			Help: "Total number of ticket redemptions by result",
		},
		[]string{"result"},
	)

	TunnelConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_tunnel_connections_open",
			Help: "Number of open tunnel relay connections",
		},
	)

	// Control loop metrics
	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_reconcile_duration_seconds",
			Help:    "Time taken for one reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconcileCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_reconcile_cycles_total",
			Help: "Total number of reconciliation cycles",
		},
	)

	ScheduleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_schedule_duration_seconds",
			Help:    "Time taken to resolve an assignment request in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	AssignmentsScheduled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_assignments_scheduled_total",
			Help: "Total number of assignment requests by outcome",
		},
		[]string{"outcome"},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(PoolsTotal)
	prometheus.MustRegister(PoolDesiredCount)
	prometheus.MustRegister(ResourcesTotal)
	prometheus.MustRegister(AssignmentsActive)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TasksSubmitted)
	prometheus.MustRegister(TasksFailed)
	prometheus.MustRegister(StepRetries)
	prometheus.MustRegister(StepDuration)
	prometheus.MustRegister(TicketsIssued)
	prometheus.MustRegister(TicketsRedeemed)
	prometheus.MustRegister(TunnelConnections)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(ReconcileCyclesTotal)
	prometheus.MustRegister(ScheduleDuration)
	prometheus.MustRegister(AssignmentsScheduled)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftAppliedIndex)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Sandbox metrics
	SandboxesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sandboxd_sandboxes_total",
			Help: "Total number of sandboxes by state",
		},
		[]string{"state"},
	)

	SandboxTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_sandbox_transitions_total",
			Help: "Total number of sandbox state transitions",
		},
		[]string{"from", "to"},
	)

	SandboxLifetimeSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandboxd_sandbox_lifetime_seconds",
			Help:    "Time a sandbox spent between creation and termination",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200},
		},
	)

	// Pool metrics
	PoolOccupancy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sandboxd_pool_occupancy",
			Help: "Number of pool entries by pool key and status",
		},
		[]string{"pool_key", "status"},
	)

	PoolAssignmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_pool_assignments_total",
			Help: "Total number of pool entries assigned to sessions",
		},
		[]string{"pool_key"},
	)

	PoolReplenishSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandboxd_pool_replenish_skipped_total",
			Help: "Total number of replenishment cycles aborted due to exhausted creation budget",
		},
	)

	// Scheduler metrics
	SchedulerTickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandboxd_scheduler_tick_duration_seconds",
			Help:    "Time taken for a scheduler task tick",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task"},
	)

	SchedulerTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_scheduler_ticks_total",
			Help: "Total number of scheduler task ticks completed",
		},
		[]string{"task"},
	)

	// Host gateway metrics
	HostGatewayCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandboxd_hostgw_call_duration_seconds",
			Help:    "Host gateway HTTP call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "status"},
	)

	HostGatewayFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_hostgw_failures_total",
			Help: "Total number of host gateway call failures by classification",
		},
		[]string{"operation", "classification"},
	)

	// Agent loop metrics
	AgentIterationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandboxd_agent_iteration_duration_seconds",
			Help:    "Time taken for one agent loop iteration",
			Buckets: prometheus.DefBuckets,
		},
	)

	AgentIterationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_agent_iterations_total",
			Help: "Total number of agent loop iterations by outcome",
		},
		[]string{"outcome"},
	)

	AgentBashDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandboxd_agent_bash_denied_total",
			Help: "Total number of bash commands denied by the deny list",
		},
	)

	// Raft / command-log metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandboxd_raft_is_leader",
			Help: "Whether this process is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandboxd_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandboxd_raft_apply_duration_seconds",
			Help:    "Time taken to apply a command to the store",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Admin/callback API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandboxd_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(SandboxesTotal)
	prometheus.MustRegister(SandboxTransitionsTotal)
	prometheus.MustRegister(SandboxLifetimeSeconds)

	prometheus.MustRegister(PoolOccupancy)
	prometheus.MustRegister(PoolAssignmentsTotal)
	prometheus.MustRegister(PoolReplenishSkippedTotal)

	prometheus.MustRegister(SchedulerTickDuration)
	prometheus.MustRegister(SchedulerTicksTotal)

	prometheus.MustRegister(HostGatewayCallDuration)
	prometheus.MustRegister(HostGatewayFailuresTotal)

	prometheus.MustRegister(AgentIterationDuration)
	prometheus.MustRegister(AgentIterationsTotal)
	prometheus.MustRegister(AgentBashDeniedTotal)

	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(RaftApplyDuration)

	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

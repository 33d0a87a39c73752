/*
Package metrics provides Prometheus metrics collection and exposition for Warren.

The metrics package defines and registers all Warren metrics using the Prometheus
client library, providing observability into cluster health, resource utilization,
operation latency, and system performance. Metrics are exposed via HTTP endpoint
for scraping by Prometheus servers.

# Architecture

Warren's metrics system follows Prometheus best practices with comprehensive
instrumentation across all components:

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  │  - Automatic Go runtime metrics             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Metric Types                   │          │
	│  │                                              │          │
	│  │  Gauge: Instant values (node count)         │          │
	│  │  Counter: Monotonic increases (requests)    │          │
	│  │  Histogram: Distributions (latency)         │          │
	│  │  Summary: Quantiles (percentiles)           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  Sandbox: Count by state, transitions       │          │
	│  │  Pool: Occupancy, assignments, skips        │          │
	│  │  Scheduler: Tick duration, tick count       │          │
	│  │  Host gateway: Call duration, failures      │          │
	│  │  Agent: Iterations, denied commands         │          │
	│  │  Raft: Leader status, applied index         │          │
	│  │  API: Request count, duration               │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint              │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Format: Prometheus text exposition       │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Prometheus Server                   │          │
	│  │  - Scrapes /metrics every 15s               │          │
	│  │  - Stores time series data                  │          │
	│  │  - Provides PromQL query interface          │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Metric Registry:
  - Global Prometheus DefaultRegistry
  - All metrics registered at package init
  - Automatic collection of Go runtime metrics
  - Thread-safe for concurrent updates

Gauge Metrics:
  - Instant value that can go up or down
  - Examples: node count, task count, Raft leader status
  - Operations: Set, Inc, Dec, Add, Sub

Counter Metrics:
  - Monotonically increasing value
  - Examples: requests total, tasks scheduled total
  - Operations: Inc, Add (cannot decrease)

Histogram Metrics:
  - Distribution of observed values
  - Buckets for latency percentiles (p50, p95, p99)
  - Examples: API request duration, scheduling latency
  - Includes: sum, count, buckets

Timer Helper:
  - Convenience wrapper for timing operations
  - Start timer, observe duration to histogram
  - Supports label values for histogram vectors

# Metrics Catalog

Sandbox Metrics:

sandboxd_sandboxes_total{state}:
  - Type: Gauge
  - Description: Sandboxes by state, set by the control plane's metrics collector

sandboxd_sandbox_transitions_total{from, to}:
  - Type: Counter
  - Description: Accepted sandbox state transitions

sandboxd_sandbox_lifetime_seconds:
  - Type: Histogram
  - Description: Time a sandbox spent between creation and termination
  - Buckets: 1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200

Pool Metrics:

sandboxd_pool_occupancy{pool_key, status}:
  - Type: Gauge
  - Description: Pool entries by pool key ("generic" or "repo-affine:<repo>") and status

sandboxd_pool_assignments_total{pool_key}:
  - Type: Counter
  - Description: Pool entries assigned to sessions

sandboxd_pool_replenish_skipped_total:
  - Type: Counter
  - Description: Replenishment cycles cut short by an exhausted creation budget

Scheduler Metrics:

sandboxd_scheduler_tick_duration_seconds{task}:
  - Type: Histogram
  - Description: Duration of one scheduler task tick

sandboxd_scheduler_ticks_total{task}:
  - Type: Counter
  - Description: Scheduler task ticks completed

Host Gateway Metrics:

sandboxd_hostgw_call_duration_seconds{operation, status}:
  - Type: Histogram
  - Description: Host gateway HTTP call duration

sandboxd_hostgw_failures_total{operation, classification}:
  - Type: Counter
  - Description: Host gateway call failures by classification

Agent Loop Metrics:

sandboxd_agent_iteration_duration_seconds:
  - Type: Histogram
  - Description: Duration of one agent loop iteration

sandboxd_agent_iterations_total{outcome}:
  - Type: Counter
  - Description: Agent loop iterations by outcome (ok, stopped, error)

sandboxd_agent_bash_denied_total:
  - Type: Counter
  - Description: Bash commands blocked by the deny list

Raft Metrics:

sandboxd_raft_is_leader:
  - Type: Gauge
  - Description: Whether this process is the Raft leader (1=leader, 0=follower)

sandboxd_raft_applied_index:
  - Type: Gauge
  - Description: Last applied Raft log index

sandboxd_raft_apply_duration_seconds:
  - Type: Histogram
  - Description: Time to apply a command through Raft

API Metrics:

sandboxd_api_requests_total{route, status}:
  - Type: Counter
  - Description: HTTP requests by route and status class (2xx, 4xx, 5xx)

sandboxd_api_request_duration_seconds{route}:
  - Type: Histogram
  - Description: HTTP request duration by route

# Usage

Updating Gauge Metrics:

	import "github.com/cuemby/sandboxd/pkg/metrics"

	// Set absolute value
	metrics.SandboxesTotal.WithLabelValues("ready").Set(5)

	// Set a plain gauge
	metrics.RaftLeader.Set(1)

Updating Counter Metrics:

	// Increment by 1
	metrics.AgentBashDeniedTotal.Inc()

	// Add arbitrary value
	metrics.APIRequestsTotal.WithLabelValues("/v1/sessions", "2xx").Add(1)

Recording Histogram Observations:

	// Direct observation
	metrics.AgentIterationDuration.Observe(0.125) // 125ms

	// Using Timer helper
	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDuration(metrics.RaftApplyDuration)

Using Timer with Labels:

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDurationVec(metrics.APIRequestDuration, "/v1/sessions")

Complete Example:

	package main

	import (
		"net/http"
		"time"
		"github.com/cuemby/sandboxd/pkg/metrics"
	)

	func main() {
		// Update gauges
		metrics.SandboxesTotal.WithLabelValues("ready").Set(3)
		metrics.PoolOccupancy.WithLabelValues("generic", "ready").Set(2)

		// Time an operation
		timer := metrics.NewTimer()
		applyCommand()
		timer.ObserveDuration(metrics.RaftApplyDuration)

		// Expose metrics endpoint
		http.Handle("/metrics", metrics.Handler())
		http.ListenAndServe(":9090", nil)
	}

	func applyCommand() {
		// Command apply logic
		time.Sleep(100 * time.Millisecond)
	}

# Integration Points

This package integrates with:

  - pkg/controlplane: Raft apply duration, leader and applied-index gauges, sandbox and pool gauges
  - pkg/scheduler: Scheduler tick duration and count, sandbox transitions
  - pkg/pool: Pool assignments and skipped replenishments
  - pkg/hostgw: Host gateway call duration and failures
  - pkg/agent: Agent iterations and denied commands
  - pkg/api, pkg/callback, pkg/hostdaemon: HTTP request count and duration
  - Prometheus: Scrapes /metrics endpoint

# Design Patterns

Package Init Registration:
  - All metrics registered in init() function
  - MustRegister panics on duplicate registration
  - Ensures metrics available before main()
  - No runtime registration needed

Label Discipline:
  - Use WithLabelValues for cardinality-bounded labels
  - Avoid high-cardinality labels (IDs, timestamps)
  - Document label values in metric description
  - Keep label count low (< 5 per metric)

Timer Pattern:
  - Create timer at operation start
  - Defer or explicitly call ObserveDuration
  - Automatically calculates elapsed time
  - Supports both simple and vector histograms

Global Metrics:
  - Package-level variables for all metrics
  - Accessible from any Warren package
  - Thread-safe concurrent updates
  - No initialization required by callers

# Performance Characteristics

Metric Update Overhead:
  - Gauge set/inc: ~50ns per operation
  - Counter inc: ~50ns per operation
  - Histogram observe: ~200ns per operation
  - Labels: +100ns per label value
  - Negligible impact on hot path

Memory Usage:
  - Per metric: ~1KB baseline
  - Per label combination: ~100 bytes
  - Histogram buckets: ~50 bytes each
  - Total: ~1-5MB for typical Warren cluster

Scrape Performance:
  - Metrics gathering: ~1-5ms for full scrape
  - HTTP response: ~10ms for typical metric set
  - Recommendation: Scrape interval ≥ 15s
  - Concurrent scrapes: Safe (read-only)

Cardinality Management:
  - Low cardinality: role, status, state (< 10 values)
  - Medium cardinality: method, host (< 100 values)
  - Avoid: task IDs, timestamps (unbounded)
  - Best practice: Aggregate high-cardinality in logs

# Troubleshooting

Common Issues:

Missing Metrics:
  - Symptom: Metric not appearing in /metrics output
  - Check: Metric registered in init() function
  - Check: MustRegister called (panics if duplicate)
  - Solution: Verify metric variable is exported

High Cardinality:
  - Symptom: Prometheus memory usage grows
  - Cause: Using IDs or unbounded values as labels
  - Check: Label cardinality (count unique combinations)
  - Solution: Remove high-cardinality labels, aggregate differently

Histogram Bucket Mismatch:
  - Symptom: No data in desired percentiles
  - Cause: Buckets don't cover observed value range
  - Check: Histogram sum / count for average
  - Solution: Customize buckets for value range

Stale Metrics:
  - Symptom: Metrics not updating
  - Cause: Code not calling metric update methods
  - Check: Add logging around metric updates
  - Solution: Instrument code paths correctly

# Monitoring

Prometheus Queries (PromQL):

Sandbox Health:
  - Sandboxes by state: sandboxd_sandboxes_total
  - Unhealthy sandboxes: sandboxd_sandboxes_total{state="unhealthy"}
  - Transition rate: rate(sandboxd_sandbox_transitions_total[5m])

Pool Health:
  - Ready generic entries: sandboxd_pool_occupancy{pool_key="generic",status="ready"}
  - Assignment rate: rate(sandboxd_pool_assignments_total[5m])
  - Budget-limited cycles: rate(sandboxd_pool_replenish_skipped_total[5m])

API Performance:
  - Request rate: rate(sandboxd_api_requests_total[1m])
  - Error rate: rate(sandboxd_api_requests_total{status="5xx"}[1m])
  - p95 latency: histogram_quantile(0.95, sandboxd_api_request_duration_seconds_bucket)
  - p99 latency: histogram_quantile(0.99, sandboxd_api_request_duration_seconds_bucket)

Raft Health:
  - Has leader: max(sandboxd_raft_is_leader) > 0
  - Leader changes: changes(sandboxd_raft_is_leader[10m])
  - Applied index: sandboxd_raft_applied_index

Host Gateway:
  - Failure rate: rate(sandboxd_hostgw_failures_total[5m])
  - p95 call latency: histogram_quantile(0.95, sandboxd_hostgw_call_duration_seconds_bucket)

# Alerting Rules

Recommended Prometheus alerts:

High Host Gateway Failure Rate:
  - Alert: rate(sandboxd_hostgw_failures_total[5m]) > 0.1
  - Description: More than 0.1 host gateway failures per second
  - Action: Check the host daemon's health and logs

No Raft Leader:
  - Alert: max(sandboxd_raft_is_leader) == 0
  - Description: No process is Raft leader
  - Action: Check manager connectivity, quorum status

Frequent Leader Changes:
  - Alert: changes(sandboxd_raft_is_leader[10m]) > 3
  - Description: Leader changed more than 3 times in 10 minutes
  - Action: Check network latency, manager load

High API Latency:
  - Alert: histogram_quantile(0.95, sandboxd_api_request_duration_seconds_bucket) > 1
  - Description: p95 API latency > 1 second
  - Action: Check Raft performance, database size

# Grafana Dashboards

Recommended dashboard panels:

Sandbox Overview:
  - Time series: Sandboxes by state
  - Time series: Pool occupancy by pool key and status
  - Time series: Agent iterations by outcome

API Performance:
  - Time series: Request rate by route
  - Time series: p95 and p99 latency
  - Time series: Error rate (5xx responses)

Raft Health:
  - Single stat: Leader status (yes/no)
  - Time series: Applied index
  - Time series: Leader changes

Scheduler Performance:
  - Time series: Ticks per task per second
  - Heatmap: Tick duration distribution by task

# See Also

  - Prometheus documentation: https://prometheus.io/docs/
  - Prometheus client library: https://github.com/prometheus/client_golang
  - PromQL tutorial: https://prometheus.io/docs/prometheus/latest/querying/basics/
  - Histogram best practices: https://prometheus.io/docs/practices/histograms/
*/
package metrics

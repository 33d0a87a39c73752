package controlplane

import (
	"time"

	"github.com/cuemby/sandboxd/pkg/metrics"
)

// MetricsCollector periodically reflects the manager's store into the
// gauge metrics consumed by dashboards and alerting: sandbox counts by
// status, pool occupancy by status, and Raft health.
type MetricsCollector struct {
	manager *Manager
	stopCh  chan struct{}
}

// NewMetricsCollector creates a new metrics collector for manager.
func NewMetricsCollector(manager *Manager) *MetricsCollector {
	return &MetricsCollector{
		manager: manager,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting metrics on a 15s interval.
func (c *MetricsCollector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *MetricsCollector) Stop() {
	close(c.stopCh)
}

func (c *MetricsCollector) collect() {
	c.collectSandboxMetrics()
	c.collectPoolMetrics()
	c.manager.RefreshMetrics()
}

func (c *MetricsCollector) collectSandboxMetrics() {
	sandboxes, err := c.manager.Store().ListSandboxes()
	if err != nil {
		return
	}

	counts := make(map[string]int)
	for _, sb := range sandboxes {
		counts[string(sb.Status)]++
	}
	for status, count := range counts {
		metrics.SandboxesTotal.WithLabelValues(status).Set(float64(count))
	}
}

func (c *MetricsCollector) collectPoolMetrics() {
	entries, err := c.manager.Store().ListPoolEntries()
	if err != nil {
		return
	}

	counts := make(map[string]map[string]int)
	for _, e := range entries {
		key := string(e.Kind)
		if e.Kind == "repo-affine" {
			key = "repo-affine:" + e.RepoID
		}
		if counts[key] == nil {
			counts[key] = make(map[string]int)
		}
		counts[key][string(e.Status)]++
	}
	for poolKey, statuses := range counts {
		for status, count := range statuses {
			metrics.PoolOccupancy.WithLabelValues(poolKey, status).Set(float64(count))
		}
	}
}

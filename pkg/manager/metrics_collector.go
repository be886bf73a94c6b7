package manager

import (
	"time"

	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
)

// MetricsCollector periodically snapshots broker state into the
// Prometheus gauges
type MetricsCollector struct {
	manager *Manager
	stopCh  chan struct{}
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(mgr *Manager) *MetricsCollector {
	return &MetricsCollector{
		manager: mgr,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *MetricsCollector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
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

// Stop stops the collector
func (c *MetricsCollector) Stop() {
	close(c.stopCh)
}

func (c *MetricsCollector) collect() {
	c.collectPoolMetrics()
	c.collectResourceMetrics()
	c.collectAssignmentMetrics()
	c.collectTaskMetrics()
	c.collectRaftMetrics()
}

func (c *MetricsCollector) collectPoolMetrics() {
	pools, err := c.manager.ListPools()
	if err != nil {
		return
	}

	metrics.PoolsTotal.Set(float64(len(pools)))
	metrics.PoolDesiredCount.Reset()
	for _, pool := range pools {
		metrics.PoolDesiredCount.WithLabelValues(pool.Name).Set(float64(pool.DesiredCount))
	}
}

func (c *MetricsCollector) collectResourceMetrics() {
	resources, err := c.manager.ListResources()
	if err != nil {
		return
	}

	stateCounts := make(map[types.ResourceState]int)
	for _, res := range resources {
		stateCounts[res.State]++
	}

	metrics.ResourcesTotal.Reset()
	for state, count := range stateCounts {
		metrics.ResourcesTotal.WithLabelValues(string(state)).Set(float64(count))
	}
}

func (c *MetricsCollector) collectAssignmentMetrics() {
	assignments, err := c.manager.ListAssignments()
	if err != nil {
		return
	}

	active := 0
	for _, a := range assignments {
		if a.Active() {
			active++
		}
	}
	metrics.AssignmentsActive.Set(float64(active))
}

func (c *MetricsCollector) collectTaskMetrics() {
	tasks, err := c.manager.ListTasks()
	if err != nil {
		return
	}

	type key struct {
		kind   types.TaskKind
		status types.TaskStatus
	}
	taskCounts := make(map[key]int)
	for _, task := range tasks {
		taskCounts[key{task.Kind, task.Status}]++
	}

	metrics.TasksTotal.Reset()
	for k, count := range taskCounts {
		metrics.TasksTotal.WithLabelValues(string(k.kind), string(k.status)).Set(float64(count))
	}
}

func (c *MetricsCollector) collectRaftMetrics() {
	if c.manager.IsLeader() {
		metrics.RaftLeader.Set(1)
	} else {
		metrics.RaftLeader.Set(0)
	}

	stats := c.manager.GetRaftStats()
	if appliedIndex, ok := stats["applied_index"].(uint64); ok {
		metrics.RaftAppliedIndex.Set(float64(appliedIndex))
	}
}

package dispatch

import (
	"sync"
	"sync/atomic"
	"time"
)

type statsCounters struct {
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64

	mu        sync.Mutex
	usage     map[string]int64
	startedAt time.Time
}

func (c *statsCounters) markStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startedAt.IsZero() {
		c.startedAt = time.Now()
	}
}

func (c *statsCounters) countUsage(agentName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.usage == nil {
		c.usage = make(map[string]int64)
	}
	c.usage[agentName]++
}

// Stats is the aggregate view served by the dashboard and written to
// periodic snapshots.
type Stats struct {
	TasksSubmitted int64            `json:"tasks_submitted"`
	TasksCompleted int64            `json:"tasks_completed"`
	TasksFailed    int64            `json:"tasks_failed"`
	QueueDepth     int              `json:"queue_depth"`
	AgentUsage     map[string]int64 `json:"agent_usage"`
	StartedAt      time.Time        `json:"started_at"`
}

// Stats returns a point-in-time copy of the manager's counters.
func (m *Manager) Stats() Stats {
	m.stats.mu.Lock()
	usage := make(map[string]int64, len(m.stats.usage))
	for k, v := range m.stats.usage {
		usage[k] = v
	}
	startedAt := m.stats.startedAt
	m.stats.mu.Unlock()

	return Stats{
		TasksSubmitted: m.stats.submitted.Load(),
		TasksCompleted: m.stats.completed.Load(),
		TasksFailed:    m.stats.failed.Load(),
		QueueDepth:     m.queue.Len(),
		AgentUsage:     usage,
		StartedAt:      startedAt,
	}
}

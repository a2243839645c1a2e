package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexliatis/stagehand/internal/agent"
	"github.com/alexliatis/stagehand/internal/config"
	"github.com/alexliatis/stagehand/internal/memlog"
	"github.com/alexliatis/stagehand/internal/natsbus"
	"github.com/alexliatis/stagehand/internal/registry"
	"github.com/google/uuid"
)

type waitResult struct {
	result any
	err    error
}

// Manager owns the priority task queue and the dispatch loop. All
// queue mutation happens on the loop goroutine; submissions and waits
// synchronize through the manager's mutex and per-task channels.
type Manager struct {
	registry     *registry.Registry
	audit        memlog.Logger
	events       *natsbus.Client
	pollInterval time.Duration

	queue   *taskQueue
	mu      sync.Mutex
	tasks   map[string]*Task
	waiters map[string][]chan waitResult

	running atomic.Bool
	stats   statsCounters
}

func New(reg *registry.Registry, audit memlog.Logger, events *natsbus.Client, cfg config.DispatcherConfig) *Manager {
	m := &Manager{
		registry:     reg,
		audit:        audit,
		events:       events,
		pollInterval: cfg.PollInterval,
		queue:        newTaskQueue(),
		tasks:        make(map[string]*Task),
		waiters:      make(map[string][]chan waitResult),
	}
	if m.pollInterval == 0 {
		m.pollInterval = 5 * time.Second
	}
	return m
}

// Start runs the dispatch loop until ctx is cancelled. Submissions are
// only accepted while the loop is running.
func (m *Manager) Start(ctx context.Context) {
	m.running.Store(true)
	m.stats.markStarted()
	defer m.running.Store(false)

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	slog.Info("dispatcher started", "poll_interval", m.pollInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("dispatcher stopped")
			return
		case <-ticker.C:
			m.processQueue(ctx)
		}
	}
}

// Running reports whether the dispatch loop is active.
func (m *Manager) Running() bool {
	return m.running.Load()
}

// Submit enqueues a task for the named agent and returns its ID
// immediately; execution happens on a later dispatch tick.
func (m *Manager) Submit(agentName, action string, params map[string]any, priority Priority) (string, error) {
	if !m.running.Load() {
		return "", ErrNotRunning
	}
	if _, ok := m.registry.Get(agentName); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnregisteredAgent, agentName)
	}
	if priority == "" {
		priority = PriorityNormal
	}

	t := &Task{
		ID:        uuid.New().String(),
		Agent:     agentName,
		Action:    action,
		Params:    params,
		Priority:  priority,
		Status:    TaskPending,
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	m.tasks[t.ID] = t
	m.mu.Unlock()

	m.queue.Insert(t)
	m.stats.submitted.Add(1)

	slog.Info("task queued", "task", t.ID, "agent", agentName, "action", action, "priority", priority)
	return t.ID, nil
}

// processQueue drains the queue for one tick. The head task blocks the
// whole queue while its agent is busy: later tasks are not skipped
// ahead, preserving priority ordering at the cost of throughput.
func (m *Manager) processQueue(ctx context.Context) {
	for {
		t := m.queue.Peek()
		if t == nil {
			return
		}

		status, ok := m.registry.Status(t.Agent)
		if !ok {
			// Agent unregistered after enqueue. The task can never
			// run; fail it and keep draining.
			m.queue.Pop()
			m.finish(t, nil, fmt.Errorf("%w: %s", ErrUnregisteredAgent, t.Agent))
			continue
		}
		if status != registry.StatusIdle {
			// Head-of-line blocking: yield until the next tick.
			return
		}

		if err := m.registry.MarkBusy(t.Agent, t.ID); err != nil {
			// Lost the race with another dispatcher of the same agent;
			// treat as busy and yield.
			return
		}

		// Remove the head before invoking the action. A submission
		// arriving mid-execution may insert ahead of the head slot, and
		// a positional pop afterwards would remove that newcomer and
		// leave the finished task queued for a second dispatch.
		m.queue.Pop()
		m.markRunning(t)
		m.execute(ctx, t)
	}
}

func (m *Manager) execute(ctx context.Context, t *Task) {
	a, ok := m.registry.Get(t.Agent)
	if !ok {
		m.registry.MarkIdle(t.Agent)
		m.finish(t, nil, fmt.Errorf("%w: %s", ErrUnregisteredAgent, t.Agent))
		return
	}

	fn, ok := a.Action(t.Action)
	if !ok {
		m.registry.MarkIdle(t.Agent)
		m.finish(t, nil, &agent.UnsupportedActionError{Agent: t.Agent, Action: t.Action})
		return
	}

	result, err := fn(ctx, t.Params)
	m.registry.MarkIdle(t.Agent)
	m.finish(t, result, err)
}

func (m *Manager) markRunning(t *Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	t.Status = TaskRunning
	t.StartedAt = &now
}

// finish records a terminal outcome, updates stats, notifies waiters,
// and emits the completion/error event. Failures never propagate into
// the dispatch loop.
func (m *Manager) finish(t *Task, result any, err error) {
	m.mu.Lock()
	now := time.Now()
	t.CompletedAt = &now
	if err != nil {
		t.Status = TaskFailed
		t.Error = err.Error()
	} else {
		t.Status = TaskCompleted
		t.Result = result
	}
	waiters := m.waiters[t.ID]
	delete(m.waiters, t.ID)
	m.mu.Unlock()

	if err != nil {
		m.stats.failed.Add(1)
		slog.Warn("task failed", "task", t.ID, "agent", t.Agent, "action", t.Action, "error", err)
		m.audit.LogAction("dispatcher", fmt.Sprintf("task %s failed: %v", t.ID, err), false,
			map[string]any{"task_id": t.ID, "agent": t.Agent, "action": t.Action})
		m.events.PublishEvent(natsbus.TopicTaskEvent("failed"), "task_failed",
			map[string]any{"task_id": t.ID, "agent": t.Agent, "error": err.Error()})
	} else {
		m.stats.completed.Add(1)
		m.stats.countUsage(t.Agent)
		slog.Info("task completed", "task", t.ID, "agent", t.Agent, "action", t.Action)
		m.audit.LogAction("dispatcher", fmt.Sprintf("task %s completed", t.ID), true,
			map[string]any{"task_id": t.ID, "agent": t.Agent, "action": t.Action})
		m.events.PublishEvent(natsbus.TopicTaskEvent("completed"), "task_completed",
			map[string]any{"task_id": t.ID, "agent": t.Agent})
	}

	for _, ch := range waiters {
		ch <- waitResult{result: result, err: err}
	}
}

// GetTask returns a snapshot copy of a task, or nil for unknown IDs.
func (m *Manager) GetTask(taskID string) *Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil
	}
	return t.clone()
}

// WaitForTask blocks until the task reaches a terminal state, the
// timeout elapses, or ctx is cancelled. Completed tasks resolve with
// the stored result; failed tasks return the stored error. A task that
// already finished resolves immediately.
func (m *Manager) WaitForTask(ctx context.Context, taskID string, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	m.mu.Lock()
	t, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	switch t.Status {
	case TaskCompleted:
		result := t.Result
		m.mu.Unlock()
		return result, nil
	case TaskFailed:
		msg := t.Error
		m.mu.Unlock()
		return nil, errors.New(msg)
	}

	ch := make(chan waitResult, 1)
	m.waiters[taskID] = append(m.waiters[taskID], ch)
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.result, r.err
	case <-timer.C:
		m.dropWaiter(taskID, ch)
		return nil, fmt.Errorf("%w: %s after %v", ErrWaitTimeout, taskID, timeout)
	case <-ctx.Done():
		m.dropWaiter(taskID, ch)
		return nil, ctx.Err()
	}
}

func (m *Manager) dropWaiter(taskID string, ch chan waitResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	waiters := m.waiters[taskID]
	for i, w := range waiters {
		if w == ch {
			m.waiters[taskID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
}

// QueueDepth reports the number of tasks still waiting for dispatch.
func (m *Manager) QueueDepth() int {
	return m.queue.Len()
}

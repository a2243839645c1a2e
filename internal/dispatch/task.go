package dispatch

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnregisteredAgent reports a submission targeting an agent the
	// registry does not know.
	ErrUnregisteredAgent = errors.New("agent not registered")
	// ErrNotRunning reports a submission while the manager is inactive.
	ErrNotRunning = errors.New("dispatcher not running")
	// ErrUnknownTask reports a lookup for a task ID never submitted.
	ErrUnknownTask = errors.New("unknown task")
	// ErrWaitTimeout reports a WaitForTask call exceeding its bound.
	ErrWaitTimeout = errors.New("timed out waiting for task")
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ParsePriority maps a wire string to a Priority. Empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case "":
		return PriorityNormal, nil
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return Priority(s), nil
	default:
		return "", fmt.Errorf("unknown priority %q", s)
	}
}

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Task is one pending agent invocation. Status moves strictly
// pending -> running -> completed|failed; terminal tasks are never
// mutated again.
type Task struct {
	ID          string         `json:"id"`
	Agent       string         `json:"agent"`
	Action      string         `json:"action"`
	Params      map[string]any `json:"params,omitempty"`
	Priority    Priority       `json:"priority"`
	Status      TaskStatus     `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}

func (t *Task) clone() *Task {
	c := *t
	return &c
}

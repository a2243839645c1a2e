package workflow

import (
	"fmt"
	"time"
)

// Condition gates continuation after a successful step. It receives
// the step's result and the merged run context; a false return
// completes the run early, as a normal termination.
type Condition func(result any, wfctx map[string]any) bool

// Step is pure configuration: which agent, which action, and how long
// the engine waits before treating the step as timed out. OnSuccess
// and OnFailure are advisory labels surfaced with the definition for
// dashboard consumers; the engine itself does not branch on them.
type Step struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params,omitempty"`
	Condition Condition      `json:"-"`
	OnSuccess string         `json:"on_success,omitempty"`
	OnFailure string         `json:"on_failure,omitempty"`
	Timeout   time.Duration  `json:"timeout,omitempty"`
}

// Definition is a registered workflow. Immutable after registration;
// re-registering the same ID overwrites the whole definition.
type Definition struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Steps       []Step         `json:"steps"`
	CreatedAt   time.Time      `json:"created_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunError     RunStatus = "error"
	RunStopped   RunStatus = "stopped"
)

type StepResult struct {
	StepID      string    `json:"step_id"`
	AgentID     string    `json:"agent_id"`
	Action      string    `json:"action"`
	Data        any       `json:"data,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Run tracks one execution of a workflow. Context is the shared
// accumulator each step's partial context is merged into; Results
// grows monotonically. Runs stay in memory until process restart.
type Run struct {
	RunID       string         `json:"run_id"`
	WorkflowID  string         `json:"workflow_id"`
	Status      RunStatus      `json:"status"`
	CurrentStep int            `json:"current_step"`
	Context     map[string]any `json:"context"`
	Results     []StepResult   `json:"results"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// StepError wraps any failure raised inside a step body, including
// timeouts, with the step that produced it.
type StepError struct {
	StepID string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.StepID, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// mergeContext folds src into dst with last-write-wins semantics on
// colliding keys. No deep merging: values are replaced wholesale.
func mergeContext(dst, src map[string]any) {
	for k, v := range src {
		dst[k] = v
	}
}

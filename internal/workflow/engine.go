package workflow

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

var (
	// ErrUnknownWorkflow reports a start request for an unregistered ID.
	ErrUnknownWorkflow = errors.New("unknown workflow")
	// ErrUnknownRun reports a lookup for a run ID never started.
	ErrUnknownRun = errors.New("unknown workflow run")
	// ErrStepTimeout reports a step exceeding its bound. It is treated
	// identically to any other step failure.
	ErrStepTimeout = errors.New("step timed out")
)

type runState struct {
	mu   sync.Mutex
	run  Run
	stop atomic.Bool
}

// Engine executes registered workflows as sequential step runs. Each
// run is fire-and-forget: errors surface on the run record and as
// emitted events, never through the Start call.
type Engine struct {
	registry    *registry.Registry
	audit       memlog.Logger
	events      *natsbus.Client
	stepTimeout time.Duration

	mu   sync.Mutex
	defs map[string]Definition
	runs map[string]*runState
}

func New(reg *registry.Registry, audit memlog.Logger, events *natsbus.Client, cfg config.WorkflowConfig) *Engine {
	e := &Engine{
		registry:    reg,
		audit:       audit,
		events:      events,
		stepTimeout: cfg.StepTimeout,
		defs:        make(map[string]Definition),
		runs:        make(map[string]*runState),
	}
	if e.stepTimeout == 0 {
		e.stepTimeout = 60 * time.Second
	}
	return e
}

// Register stores a workflow definition. An empty ID gets a generated
// one. Registering over an existing ID overwrites it with a warning.
func (e *Engine) Register(def Definition) string {
	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	def.CreatedAt = time.Now()

	e.mu.Lock()
	if _, exists := e.defs[def.ID]; exists {
		slog.Warn("workflow already registered, overwriting", "workflow", def.ID)
	}
	e.defs[def.ID] = def
	e.mu.Unlock()

	slog.Info("workflow registered", "workflow", def.ID, "steps", len(def.Steps))
	return def.ID
}

// Get returns a copy of a registered definition.
func (e *Engine) Get(id string) (Definition, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	def, ok := e.defs[id]
	return def, ok
}

// List returns all registered definitions.
func (e *Engine) List() []Definition {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Definition, 0, len(e.defs))
	for _, def := range e.defs {
		out = append(out, def)
	}
	return out
}

// Start launches a run of the named workflow and returns its ID
// synchronously; execution continues on its own goroutine.
func (e *Engine) Start(workflowID string, initial map[string]any) (string, error) {
	e.mu.Lock()
	def, ok := e.defs[workflowID]
	e.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownWorkflow, workflowID)
	}

	wfctx := make(map[string]any, len(initial))
	mergeContext(wfctx, initial)

	rs := &runState{
		run: Run{
			RunID:      uuid.New().String(),
			WorkflowID: workflowID,
			Status:     RunRunning,
			Context:    wfctx,
			StartedAt:  time.Now(),
		},
	}

	e.mu.Lock()
	e.runs[rs.run.RunID] = rs
	e.mu.Unlock()

	e.logAudit("workflow", fmt.Sprintf("run %s of %s started", rs.run.RunID, workflowID), true,
		map[string]any{"run_id": rs.run.RunID, "workflow": workflowID})
	e.events.PublishEvent(natsbus.TopicWorkflowEvent("run_started"), "workflow_run_started",
		map[string]any{"run_id": rs.run.RunID, "workflow": workflowID})

	go e.execute(rs, def)
	return rs.run.RunID, nil
}

// Stop marks a running run stopped. The in-flight step, if any, runs
// to completion or timeout; only subsequent steps are prevented. Runs
// already terminal are left untouched.
func (e *Engine) Stop(runID string) error {
	e.mu.Lock()
	rs, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}

	rs.stop.Store(true)

	rs.mu.Lock()
	if rs.run.Status == RunRunning {
		now := time.Now()
		rs.run.Status = RunStopped
		rs.run.CompletedAt = &now
	}
	rs.mu.Unlock()

	slog.Info("workflow run stopped", "run", runID)
	e.events.PublishEvent(natsbus.TopicWorkflowEvent("run_stopped"), "workflow_run_stopped",
		map[string]any{"run_id": runID})
	return nil
}

// GetRun returns a snapshot copy of a run, or nil for unknown IDs.
func (e *Engine) GetRun(runID string) *Run {
	e.mu.Lock()
	rs, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		return nil
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	snap := rs.run
	snap.Context = make(map[string]any, len(rs.run.Context))
	mergeContext(snap.Context, rs.run.Context)
	snap.Results = append([]StepResult(nil), rs.run.Results...)
	return &snap
}

func (e *Engine) execute(rs *runState, def Definition) {
	runID := rs.run.RunID

	for i := 0; i < len(def.Steps); i++ {
		// Cooperative cancellation, checked between steps only
		if rs.stop.Load() {
			return
		}

		step := def.Steps[i]
		rs.mu.Lock()
		rs.run.CurrentStep = i
		wfctx := make(map[string]any, len(rs.run.Context))
		mergeContext(wfctx, rs.run.Context)
		rs.mu.Unlock()

		result := StepResult{
			StepID:    step.ID,
			AgentID:   step.AgentID,
			Action:    step.Action,
			StartedAt: time.Now(),
		}

		out, err := e.runStep(step, wfctx)
		result.CompletedAt = time.Now()
		if err != nil {
			result.Error = err.Error()
		} else if out != nil {
			result.Data = out.Data
		}

		rs.mu.Lock()
		rs.run.Results = append(rs.run.Results, result)
		rs.mu.Unlock()

		e.logAudit("workflow", fmt.Sprintf("run %s step %s: %s", runID, step.ID, stepOutcome(err)), err == nil,
			map[string]any{"run_id": runID, "step": step.ID, "agent": step.AgentID})

		if err != nil {
			// One failing step aborts the whole run
			slog.Warn("workflow step failed", "run", runID, "step", step.ID, "error", err)
			e.finish(rs, RunError)
			return
		}

		rs.mu.Lock()
		if out != nil && out.Context != nil {
			mergeContext(rs.run.Context, out.Context)
		}
		wfctx = make(map[string]any, len(rs.run.Context))
		mergeContext(wfctx, rs.run.Context)
		rs.mu.Unlock()

		if step.Condition != nil && !step.Condition(result.Data, wfctx) {
			// Normal early termination, distinct from an error
			slog.Info("workflow condition halted run", "run", runID, "step", step.ID)
			e.finish(rs, RunCompleted)
			return
		}
	}

	e.finish(rs, RunCompleted)
}

// runStep resolves the agent, lazily initializes it if needed, and
// executes the workflow action under the step's timeout. A handler
// that outlives its deadline keeps running, but its outcome is
// discarded: the step has already failed with a timeout.
func (e *Engine) runStep(step Step, wfctx map[string]any) (*agent.StepOutput, error) {
	a, ok := e.registry.Get(step.AgentID)
	if !ok {
		return nil, &StepError{StepID: step.ID, Err: fmt.Errorf("agent not registered: %s", step.AgentID)}
	}

	timeout := step.Timeout
	if timeout == 0 {
		timeout = e.stepTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if act, ok := a.(agent.Activator); ok && !act.Active() {
		if err := act.Init(ctx); err != nil {
			return nil, &StepError{StepID: step.ID, Err: fmt.Errorf("init agent %s: %w", step.AgentID, err)}
		}
	}

	wh, ok := a.(agent.WorkflowHandler)
	if !ok {
		return nil, &StepError{StepID: step.ID, Err: fmt.Errorf("agent %s does not support workflow actions", step.AgentID)}
	}

	type stepReturn struct {
		out *agent.StepOutput
		err error
	}
	done := make(chan stepReturn, 1)
	go func() {
		out, err := wh.HandleWorkflowAction(ctx, step.Action, step.Params, wfctx)
		done <- stepReturn{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, &StepError{StepID: step.ID, Err: r.err}
		}
		return r.out, nil
	case <-ctx.Done():
		return nil, &StepError{StepID: step.ID, Err: fmt.Errorf("%w after %v", ErrStepTimeout, timeout)}
	}
}

// finish sets a terminal status unless the run already reached one
// (a concurrent Stop wins); terminal states are never overwritten.
func (e *Engine) finish(rs *runState, status RunStatus) {
	rs.mu.Lock()
	if rs.run.Status != RunRunning {
		rs.mu.Unlock()
		return
	}
	now := time.Now()
	rs.run.Status = status
	rs.run.CompletedAt = &now
	runID := rs.run.RunID
	workflowID := rs.run.WorkflowID
	rs.mu.Unlock()

	slog.Info("workflow run finished", "run", runID, "status", status)
	e.logAudit("workflow", fmt.Sprintf("run %s finished: %s", runID, status), status != RunError,
		map[string]any{"run_id": runID, "workflow": workflowID, "status": string(status)})
	e.events.PublishEvent(natsbus.TopicWorkflowEvent("run_"+string(status)), "workflow_run_"+string(status),
		map[string]any{"run_id": runID, "workflow": workflowID})
}

// logAudit shields the engine from a misbehaving audit collaborator:
// logging is best-effort and must never fail a run.
func (e *Engine) logAudit(source, message string, success bool, metadata map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("audit logger panicked", "source", source, "panic", r)
		}
	}()
	e.audit.LogAction(source, message, success, metadata)
}

func stepOutcome(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}

package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexliatis/stagehand/internal/agent"
	"github.com/alexliatis/stagehand/internal/config"
)

type Status string

const (
	StatusIdle Status = "idle"
	StatusBusy Status = "busy"
)

// Record is the registry's observable view of one agent. A busy agent
// has exactly one current task ID; an idle agent has none.
type Record struct {
	Name          string    `json:"name"`
	Status        Status    `json:"status"`
	CurrentTaskID string    `json:"current_task_id,omitempty"`
	Provider      string    `json:"provider"`
	Model         string    `json:"model"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastActivity  time.Time `json:"last_activity"`
}

type entry struct {
	agent  agent.Agent
	record Record
}

// Registry tracks named workers and their busy/idle status. Status
// transitions are driven exclusively by the dispatcher through
// MarkBusy/MarkIdle; everything else reads.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*entry
	cfg    config.DefaultsConfig
}

func New(cfg config.DefaultsConfig) *Registry {
	return &Registry{
		agents: make(map[string]*entry),
		cfg:    cfg,
	}
}

// Register adds an agent under its name. Re-registering an existing
// name is a warned no-op, never an overwrite.
func (r *Registry) Register(a agent.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := a.Name()
	if _, ok := r.agents[name]; ok {
		slog.Warn("agent already registered, ignoring", "agent", name)
		return
	}

	now := time.Now()
	provider, model := r.resolvePreference(a)
	r.agents[name] = &entry{
		agent: a,
		record: Record{
			Name:         name,
			Status:       StatusIdle,
			Provider:     provider,
			Model:        model,
			RegisteredAt: now,
			LastActivity: now,
		},
	}
	slog.Info("agent registered", "agent", name, "model", model)
}

// Unregister removes an agent. Absent names are a warned no-op.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[name]; !ok {
		slog.Warn("agent not registered, ignoring unregister", "agent", name)
		return
	}
	delete(r.agents, name)
	slog.Info("agent unregistered", "agent", name)
}

// Get returns the agent instance registered under name.
func (r *Registry) Get(name string) (agent.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[name]
	if !ok {
		return nil, false
	}
	return e.agent, true
}

// Status reports the current busy/idle state of an agent.
func (r *Registry) Status(name string) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[name]
	if !ok {
		return "", false
	}
	return e.record.Status, true
}

// ResolveModel returns the agent's stated provider/model preference if
// present, else the process-wide default. Never fails: unknown names
// resolve to the default too.
func (r *Registry) ResolveModel(name string) (provider, model string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.agents[name]; ok && e.record.Model != "" {
		return e.record.Provider, e.record.Model
	}
	return r.cfg.Provider, r.cfg.Model
}

// MarkBusy transitions an idle agent to busy for the given task. It is
// the dispatcher's re-entrancy guard: the agent is marked before its
// action is awaited, so a later tick can never dispatch a second task
// to the same agent.
func (r *Registry) MarkBusy(name, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[name]
	if !ok {
		return fmt.Errorf("agent not registered: %s", name)
	}
	if e.record.Status == StatusBusy {
		return fmt.Errorf("agent %s already busy with task %s", name, e.record.CurrentTaskID)
	}
	e.record.Status = StatusBusy
	e.record.CurrentTaskID = taskID
	e.record.LastActivity = time.Now()
	return nil
}

// MarkIdle returns an agent to idle, clearing its current task.
func (r *Registry) MarkIdle(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[name]
	if !ok {
		return
	}
	e.record.Status = StatusIdle
	e.record.CurrentTaskID = ""
	e.record.LastActivity = time.Now()
}

// Snapshot returns copies of all records, for the dashboard.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0, len(r.agents))
	for _, e := range r.agents {
		out = append(out, e.record)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

func (r *Registry) resolvePreference(a agent.Agent) (provider, model string) {
	if p, ok := a.(agent.ModelPreferrer); ok {
		provider, model = p.PreferredModel()
	}
	if provider == "" {
		provider = r.cfg.Provider
	}
	if model == "" {
		model = r.cfg.Model
	}
	return provider, model
}

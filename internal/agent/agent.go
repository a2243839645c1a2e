package agent

import (
	"context"
	"sync"
	"sync/atomic"
)

// ActionFunc is a single named operation an agent exposes. Parameters
// arrive as a decoded JSON object; the returned value is stored on the
// task or step result as-is.
type ActionFunc func(ctx context.Context, params map[string]any) (any, error)

// Agent is the contract consumed by the dispatcher and the cron
// scheduler. Actions are resolved through an explicit dispatch table:
// a missing action is an UnsupportedAction failure, never a panic.
type Agent interface {
	Name() string
	Action(name string) (ActionFunc, bool)
}

// StepOutput is what a workflow-capable agent returns from a step:
// the step's result value plus a partial context merged into the run
// context with last-write-wins semantics.
type StepOutput struct {
	Data    any
	Context map[string]any
}

// WorkflowHandler is the optional capability for workflow
// participation.
type WorkflowHandler interface {
	HandleWorkflowAction(ctx context.Context, action string, params, wfctx map[string]any) (*StepOutput, error)
}

// ModelPreferrer lets an agent state its own provider/model choice.
// Empty strings mean no preference.
type ModelPreferrer interface {
	PreferredModel() (provider, model string)
}

// Activator marks agents that need lazy initialization before first
// use. The workflow engine initializes inactive agents before running
// a step against them.
type Activator interface {
	Active() bool
	Init(ctx context.Context) error
}

// Base is a ready-made Agent backed by a plain action table. The
// built-in agents (dev, qa, executor, summary, git-sync) are thin
// wrappers around it; tests use it directly.
type Base struct {
	name     string
	provider string
	model    string

	mu      sync.RWMutex
	actions map[string]ActionFunc

	handler func(ctx context.Context, action string, params, wfctx map[string]any) (*StepOutput, error)

	active atomic.Bool
	initFn func(ctx context.Context) error
}

type Option func(*Base)

// WithAction adds a named action to the dispatch table.
func WithAction(name string, fn ActionFunc) Option {
	return func(b *Base) { b.actions[name] = fn }
}

// WithModel states the agent's provider/model preference.
func WithModel(provider, model string) Option {
	return func(b *Base) {
		b.provider = provider
		b.model = model
	}
}

// WithWorkflowHandler makes the agent workflow-capable.
func WithWorkflowHandler(fn func(ctx context.Context, action string, params, wfctx map[string]any) (*StepOutput, error)) Option {
	return func(b *Base) { b.handler = fn }
}

// WithInit defers activation until first workflow use. Agents without
// an init func start active.
func WithInit(fn func(ctx context.Context) error) Option {
	return func(b *Base) { b.initFn = fn }
}

func New(name string, opts ...Option) *Base {
	b := &Base{
		name:    name,
		actions: make(map[string]ActionFunc),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.initFn == nil {
		b.active.Store(true)
	}
	return b
}

func (b *Base) Name() string { return b.name }

func (b *Base) Action(name string) (ActionFunc, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	fn, ok := b.actions[name]
	return fn, ok
}

// RegisterAction extends the dispatch table after construction.
func (b *Base) RegisterAction(name string, fn ActionFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.actions[name] = fn
}

func (b *Base) PreferredModel() (provider, model string) {
	return b.provider, b.model
}

func (b *Base) HandleWorkflowAction(ctx context.Context, action string, params, wfctx map[string]any) (*StepOutput, error) {
	if b.handler != nil {
		return b.handler(ctx, action, params, wfctx)
	}
	// Fall back to the plain action table: the step result carries no
	// partial context.
	fn, ok := b.Action(action)
	if !ok {
		return nil, &UnsupportedActionError{Agent: b.name, Action: action}
	}
	data, err := fn(ctx, params)
	if err != nil {
		return nil, err
	}
	return &StepOutput{Data: data}, nil
}

func (b *Base) Active() bool { return b.active.Load() }

func (b *Base) Init(ctx context.Context) error {
	if b.initFn != nil {
		if err := b.initFn(ctx); err != nil {
			return err
		}
	}
	b.active.Store(true)
	return nil
}

package registry

import (
	"context"
	"testing"

	"github.com/alexliatis/stagehand/internal/agent"
	"github.com/alexliatis/stagehand/internal/config"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(config.DefaultsConfig{
		Provider: "anthropic",
		Model:    "claude-sonnet-4-5-20250929",
	})
}

func TestRegisterAndGet(t *testing.T) {
	reg := newTestRegistry(t)
	reg.Register(agent.New("dev"))

	a, ok := reg.Get("dev")
	if !ok {
		t.Fatal("expected dev agent")
	}
	if a.Name() != "dev" {
		t.Errorf("expected name dev, got %s", a.Name())
	}

	status, ok := reg.Status("dev")
	if !ok || status != StatusIdle {
		t.Errorf("expected idle status, got %s", status)
	}
}

func TestRegisterDuplicateIsNoOp(t *testing.T) {
	reg := newTestRegistry(t)
	first := agent.New("qa", agent.WithAction("probe", func(ctx context.Context, params map[string]any) (any, error) {
		return nil, nil
	}))
	reg.Register(first)

	// Second registration under the same name must not overwrite
	reg.Register(agent.New("qa"))

	a, _ := reg.Get("qa")
	if _, ok := a.Action("probe"); !ok {
		t.Error("expected original registration to survive duplicate register")
	}
	if reg.Len() != 1 {
		t.Errorf("expected 1 agent, got %d", reg.Len())
	}
}

func TestUnregisterAbsentIsNoOp(t *testing.T) {
	reg := newTestRegistry(t)
	reg.Unregister("ghost") // must not panic

	reg.Register(agent.New("dev"))
	reg.Unregister("dev")
	if _, ok := reg.Get("dev"); ok {
		t.Error("expected dev to be unregistered")
	}
}

func TestResolveModel(t *testing.T) {
	reg := newTestRegistry(t)
	reg.Register(agent.New("dev", agent.WithModel("anthropic", "claude-opus-4-6")))
	reg.Register(agent.New("summary"))

	// Explicit preference wins
	if _, m := reg.ResolveModel("dev"); m != "claude-opus-4-6" {
		t.Errorf("expected dev model claude-opus-4-6, got %s", m)
	}
	// No preference falls back to process default
	if _, m := reg.ResolveModel("summary"); m != "claude-sonnet-4-5-20250929" {
		t.Errorf("expected summary default model, got %s", m)
	}
	// Unknown agent never fails, resolves to default
	if _, m := reg.ResolveModel("ghost"); m != "claude-sonnet-4-5-20250929" {
		t.Errorf("expected ghost default model, got %s", m)
	}
}

func TestBusyIdleTransitions(t *testing.T) {
	reg := newTestRegistry(t)
	reg.Register(agent.New("executor"))

	if err := reg.MarkBusy("executor", "task-1"); err != nil {
		t.Fatalf("mark busy: %v", err)
	}

	status, _ := reg.Status("executor")
	if status != StatusBusy {
		t.Errorf("expected busy, got %s", status)
	}

	// Second MarkBusy while busy must fail: at most one task per agent
	if err := reg.MarkBusy("executor", "task-2"); err == nil {
		t.Error("expected error marking busy agent busy")
	}

	reg.MarkIdle("executor")
	status, _ = reg.Status("executor")
	if status != StatusIdle {
		t.Errorf("expected idle after MarkIdle, got %s", status)
	}

	// Record invariant: idle agent has no current task
	for _, rec := range reg.Snapshot() {
		if rec.Name == "executor" && rec.CurrentTaskID != "" {
			t.Errorf("expected empty current task, got %s", rec.CurrentTaskID)
		}
	}
}

func TestMarkBusyUnknownAgent(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.MarkBusy("ghost", "task-1"); err == nil {
		t.Error("expected error for unknown agent")
	}
}

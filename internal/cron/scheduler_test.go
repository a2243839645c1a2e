package cron

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/alexliatis/stagehand/internal/agent"
	"github.com/alexliatis/stagehand/internal/config"
	"github.com/alexliatis/stagehand/internal/memlog"
	"github.com/alexliatis/stagehand/internal/registry"
	"github.com/alexliatis/stagehand/internal/store"
)

func newTestScheduler(t *testing.T, agents ...agent.Agent) (*Scheduler, *store.Store, *registry.Registry) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := registry.New(config.DefaultsConfig{})
	for _, a := range agents {
		reg.Register(a)
	}

	sched := New(reg, s, memlog.Nop{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("start scheduler: %v", err)
	}
	return sched, s, reg
}

func TestScheduleValidation(t *testing.T) {
	sched, _, _ := newTestScheduler(t, agent.New("git-sync"))

	if _, err := sched.Schedule("git-sync", "bad", "not a cron", "run", nil); !errors.Is(err, ErrInvalidExpression) {
		t.Fatalf("expected ErrInvalidExpression, got %v", err)
	}
	if _, err := sched.Schedule("ghost", "orphan", "0 3 * * *", "run", nil); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("expected ErrUnknownAgent, got %v", err)
	}

	id, err := sched.Schedule("git-sync", "nightly", "0 3 * * *", "run", nil)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if id == "" {
		t.Fatal("expected job id")
	}
	if sched.Len() != 1 {
		t.Errorf("expected 1 armed job, got %d", sched.Len())
	}
}

func TestSchedulePersists(t *testing.T) {
	sched, s, _ := newTestScheduler(t, agent.New("qa"))

	id, err := sched.Schedule("qa", "hourly", "0 * * * *", "run", map[string]any{"suite": "smoke"})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	rec, err := s.GetCronJob(id)
	if err != nil {
		t.Fatalf("get cron job: %v", err)
	}
	if rec == nil {
		t.Fatal("expected persisted job")
	}
	if rec.CronExpr != "0 * * * *" || rec.Status != "active" {
		t.Errorf("unexpected record %+v", rec)
	}
}

func TestRemove(t *testing.T) {
	sched, s, _ := newTestScheduler(t, agent.New("qa"))

	if err := sched.Remove("nope"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob, got %v", err)
	}

	id, _ := sched.Schedule("qa", "hourly", "0 * * * *", "run", nil)
	if err := sched.Remove(id); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if sched.Len() != 0 {
		t.Errorf("expected 0 armed jobs, got %d", sched.Len())
	}
	rec, _ := s.GetCronJob(id)
	if rec != nil {
		t.Error("expected record deleted")
	}
}

func TestFireSuccessUpdatesBookkeeping(t *testing.T) {
	var fired atomic.Int64
	a := agent.New("qa", agent.WithAction("run", func(ctx context.Context, params map[string]any) (any, error) {
		fired.Add(1)
		return nil, nil
	}))
	sched, s, _ := newTestScheduler(t, a)

	id, _ := sched.Schedule("qa", "hourly", "0 * * * *", "run", nil)
	sched.mu.Lock()
	j := sched.jobs[id]
	sched.mu.Unlock()

	sched.fire(context.Background(), j)

	if fired.Load() != 1 {
		t.Fatalf("expected 1 fire, got %d", fired.Load())
	}
	rec, _ := s.GetCronJob(id)
	if rec.LastRunAt == nil || rec.LastStatus != "success" {
		t.Errorf("expected success bookkeeping, got %+v", rec)
	}
}

func TestFireFailureKeepsSchedule(t *testing.T) {
	var fires atomic.Int64
	a := agent.New("qa", agent.WithAction("run", func(ctx context.Context, params map[string]any) (any, error) {
		fires.Add(1)
		return nil, errors.New("agent exploded")
	}))
	sched, s, _ := newTestScheduler(t, a)

	id, _ := sched.Schedule("qa", "hourly", "0 * * * *", "run", nil)
	sched.mu.Lock()
	j := sched.jobs[id]
	sched.mu.Unlock()

	// Two consecutive failing fires: the job keeps firing, lastRun
	// updates, and the schedule is never disabled.
	sched.fire(context.Background(), j)
	sched.fire(context.Background(), j)

	if fires.Load() != 2 {
		t.Fatalf("expected 2 fires despite failures, got %d", fires.Load())
	}
	rec, _ := s.GetCronJob(id)
	if rec.LastStatus != "error" || rec.LastError != "agent exploded" {
		t.Errorf("expected error bookkeeping, got %+v", rec)
	}
	if rec.Status != "active" {
		t.Errorf("expected job still active, got %s", rec.Status)
	}
	if sched.Len() != 1 {
		t.Errorf("expected job still armed, got %d", sched.Len())
	}
}

func TestFireToleratesDeregisteredAgent(t *testing.T) {
	a := agent.New("qa", agent.WithAction("run", func(ctx context.Context, params map[string]any) (any, error) {
		return nil, nil
	}))
	sched, s, reg := newTestScheduler(t, a)

	id, _ := sched.Schedule("qa", "hourly", "0 * * * *", "run", nil)
	sched.mu.Lock()
	j := sched.jobs[id]
	sched.mu.Unlock()

	reg.Unregister("qa")
	sched.fire(context.Background(), j)

	rec, _ := s.GetCronJob(id)
	if rec.LastStatus != "error" {
		t.Errorf("expected error status for missing agent, got %s", rec.LastStatus)
	}
	if sched.Len() != 1 {
		t.Error("expected job to remain armed")
	}

	// Late re-registration: the next fire resolves the agent again
	reg.Register(a)
	sched.fire(context.Background(), j)
	rec, _ = s.GetCronJob(id)
	if rec.LastStatus != "success" {
		t.Errorf("expected success after re-registration, got %s", rec.LastStatus)
	}
}

func TestCustomAction(t *testing.T) {
	var gotArgs map[string]any
	a := agent.New("executor", agent.WithAction("rotate-logs", func(ctx context.Context, params map[string]any) (any, error) {
		gotArgs = params
		return nil, nil
	}))
	sched, s, _ := newTestScheduler(t, a)

	id, _ := sched.Schedule("executor", "rotation", "0 0 * * 0", "custom", map[string]any{
		"method": "rotate-logs",
		"args":   map[string]any{"keep": 7},
	})
	sched.mu.Lock()
	j := sched.jobs[id]
	sched.mu.Unlock()

	sched.fire(context.Background(), j)

	if gotArgs == nil || gotArgs["keep"] != 7 {
		t.Errorf("expected custom args delivered, got %v", gotArgs)
	}
	rec, _ := s.GetCronJob(id)
	if rec.LastStatus != "success" {
		t.Errorf("expected success, got %s", rec.LastStatus)
	}
}

func TestReloadPersistedJobs(t *testing.T) {
	dir := t.TempDir()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	seed := &store.CronJob{ID: "job-1", AgentID: "qa", Name: "seeded", CronExpr: "0 * * * *", Action: "run", Status: "active"}
	if err := s.SaveCronJob(seed); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	paused := &store.CronJob{ID: "job-2", AgentID: "qa", Name: "paused", CronExpr: "0 * * * *", Action: "run", Status: "paused"}
	if err := s.SaveCronJob(paused); err != nil {
		t.Fatalf("seed paused job: %v", err)
	}

	reg := registry.New(config.DefaultsConfig{})
	reg.Register(agent.New("qa"))

	sched := New(reg, s, memlog.Nop{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Only the active job is re-armed
	if sched.Len() != 1 {
		t.Errorf("expected 1 rearmed job, got %d", sched.Len())
	}
}

type fakeGenerator struct {
	expr string
	err  error
}

func (f fakeGenerator) GenerateCron(ctx context.Context, text string) (string, error) {
	return f.expr, f.err
}

func TestScheduleFromTextRevalidates(t *testing.T) {
	sched, _, _ := newTestScheduler(t, agent.New("summary"))

	// Generator output with stray whitespace is accepted after trim
	id, err := sched.ScheduleFromText(context.Background(), fakeGenerator{expr: " 0 9 * * 1 "}, "summary", "weekly", "every monday at 9", "run", nil)
	if err != nil {
		t.Fatalf("schedule from text: %v", err)
	}
	if id == "" {
		t.Fatal("expected job id")
	}

	// Garbage from the generator is rejected, not trusted
	_, err = sched.ScheduleFromText(context.Background(), fakeGenerator{expr: "whenever you feel like it"}, "summary", "vague", "sometime", "run", nil)
	if !errors.Is(err, ErrInvalidExpression) {
		t.Fatalf("expected ErrInvalidExpression, got %v", err)
	}

	// Generator failure propagates
	_, err = sched.ScheduleFromText(context.Background(), fakeGenerator{err: errors.New("model offline")}, "summary", "x", "y", "run", nil)
	if err == nil {
		t.Fatal("expected generator error to propagate")
	}
}

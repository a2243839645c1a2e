package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/alexliatis/stagehand/internal/memlog"
	"github.com/alexliatis/stagehand/internal/natsbus"
	"github.com/alexliatis/stagehand/internal/registry"
	"github.com/alexliatis/stagehand/internal/store"
	"github.com/google/uuid"
)

var (
	// ErrInvalidExpression reports a malformed cron expression.
	ErrInvalidExpression = errors.New("invalid cron expression")
	// ErrUnknownAgent reports a schedule request for an unregistered agent.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrUnknownJob reports a removal of a job ID that does not exist.
	ErrUnknownJob = errors.New("unknown cron job")
)

// TextGenerator turns a natural-language description into a cron
// expression. Its output is untrusted and re-validated before use.
type TextGenerator interface {
	GenerateCron(ctx context.Context, text string) (string, error)
}

type job struct {
	id      string
	agentID string
	name    string
	expr    string
	action  string
	params  map[string]any
	cancel  context.CancelFunc
}

// Scheduler maps recurring cron expressions to deferred agent
// invocations. Each job owns a timer goroutine computing its next
// fire via gronx; a failed fire is logged and swallowed, the schedule
// keeps firing.
type Scheduler struct {
	registry *registry.Registry
	store    *store.Store
	audit    memlog.Logger
	events   *natsbus.Client
	gron     *gronx.Gronx

	mu   sync.Mutex
	jobs map[string]*job
	ctx  context.Context
}

func New(reg *registry.Registry, s *store.Store, audit memlog.Logger, events *natsbus.Client) *Scheduler {
	return &Scheduler{
		registry: reg,
		store:    s,
		audit:    audit,
		events:   events,
		gron:     gronx.New(),
		jobs:     make(map[string]*job),
	}
}

// Start reloads persisted jobs and arms their timers. It returns once
// all loops are launched; ctx cancellation stops every timer.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	persisted, err := s.store.ListCronJobs()
	if err != nil {
		return fmt.Errorf("reload cron jobs: %w", err)
	}

	for _, rec := range persisted {
		if rec.Status != "active" {
			continue
		}
		params, err := decodeParams(rec.Params)
		if err != nil {
			slog.Warn("cron job has bad params, skipping reload", "job", rec.ID, "error", err)
			continue
		}
		s.arm(&job{
			id:      rec.ID,
			agentID: rec.AgentID,
			name:    rec.Name,
			expr:    rec.CronExpr,
			action:  rec.Action,
			params:  params,
		})
	}

	slog.Info("cron scheduler started", "jobs", len(s.jobs))
	return nil
}

// Schedule validates the expression and target agent, persists the
// job, arms its timer, and returns the job ID.
func (s *Scheduler) Schedule(agentID, name, expr, action string, params map[string]any) (string, error) {
	expr = strings.TrimSpace(expr)
	if !s.gron.IsValid(expr) {
		return "", fmt.Errorf("%w: %q", ErrInvalidExpression, expr)
	}
	if _, ok := s.registry.Get(agentID); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}

	j := &job{
		id:      uuid.New().String(),
		agentID: agentID,
		name:    name,
		expr:    expr,
		action:  action,
		params:  params,
	}

	if err := s.store.SaveCronJob(&store.CronJob{
		ID:       j.id,
		AgentID:  agentID,
		Name:     name,
		CronExpr: expr,
		Action:   action,
		Params:   encodeParams(params),
		Status:   "active",
	}); err != nil {
		return "", err
	}

	s.arm(j)
	slog.Info("cron job scheduled", "job", j.id, "agent", agentID, "expr", expr)
	return j.id, nil
}

// ScheduleFromText is the natural-language convenience path. The
// generated expression is treated as untrusted: Schedule re-validates
// it before accepting.
func (s *Scheduler) ScheduleFromText(ctx context.Context, gen TextGenerator, agentID, name, text, action string, params map[string]any) (string, error) {
	expr, err := gen.GenerateCron(ctx, text)
	if err != nil {
		return "", fmt.Errorf("generate cron expression: %w", err)
	}
	return s.Schedule(agentID, name, expr, action, params)
}

// Remove stops the job's timer and deletes its record.
func (s *Scheduler) Remove(jobID string) error {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if ok {
		delete(s.jobs, jobID)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}

	j.cancel()
	if err := s.store.DeleteCronJob(jobID); err != nil {
		return err
	}
	slog.Info("cron job removed", "job", jobID)
	return nil
}

// List returns the persisted job records including run bookkeeping.
func (s *Scheduler) List() ([]store.CronJob, error) {
	return s.store.ListCronJobs()
}

// Len reports the number of armed jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Scheduler) arm(j *job) {
	s.mu.Lock()
	base := s.ctx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	j.cancel = cancel
	s.jobs[j.id] = j
	s.mu.Unlock()

	go s.loop(ctx, j)
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	for {
		next, err := gronx.NextTick(j.expr, false)
		if err != nil {
			// Expression was validated on schedule; a failure here
			// means the clock math broke, not the job.
			slog.Error("cron next tick failed", "job", j.id, "error", err)
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.fire(ctx, j)
		}
	}
}

// fire performs one scheduled execution. The agent is re-resolved at
// fire time, tolerating late registration and deregistration. Failures
// update the job's bookkeeping but never stop the recurring schedule.
func (s *Scheduler) fire(ctx context.Context, j *job) {
	slog.Info("cron job firing", "job", j.id, "name", j.name, "agent", j.agentID)

	err := s.perform(ctx, j)

	lastStatus := "success"
	var lastError string
	if err != nil {
		lastStatus = "error"
		lastError = err.Error()
		slog.Error("cron fire failed", "job", j.id, "error", err)
	}

	if dbErr := s.store.UpdateCronJobRun(j.id, lastStatus, lastError); dbErr != nil {
		slog.Error("cron bookkeeping failed", "job", j.id, "error", dbErr)
	}

	s.audit.LogAction("cron", fmt.Sprintf("job %s (%s) fired: %s", j.id, j.name, lastStatus), err == nil,
		map[string]any{"job_id": j.id, "agent": j.agentID, "action": j.action})
	s.events.PublishEvent(natsbus.TopicCronEvent("fired"), "cron_fired",
		map[string]any{"job_id": j.id, "name": j.name, "status": lastStatus})
}

func (s *Scheduler) perform(ctx context.Context, j *job) error {
	a, ok := s.registry.Get(j.agentID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, j.agentID)
	}

	actionName := j.action
	params := j.params
	if j.action == "custom" {
		method, _ := j.params["method"].(string)
		if method == "" {
			return fmt.Errorf("custom action without method on job %s", j.id)
		}
		actionName = method
		if args, ok := j.params["args"].(map[string]any); ok {
			params = args
		} else {
			params = nil
		}
	}

	fn, ok := a.Action(actionName)
	if !ok {
		return fmt.Errorf("agent %s does not support action %q", j.agentID, actionName)
	}

	_, err := fn(ctx, params)
	return err
}

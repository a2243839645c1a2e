package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alexliatis/stagehand/internal/cron"
	"github.com/alexliatis/stagehand/internal/dispatch"
	"github.com/alexliatis/stagehand/internal/workflow"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Task dispatch
	mux.HandleFunc("POST /api/agent-manager/schedule-task", s.scheduleTask)
	mux.HandleFunc("GET /api/agent-manager/task/{id}", s.getTask)
	mux.HandleFunc("GET /api/agent-manager/status", s.getManagerStatus)

	// Cron scheduler
	mux.HandleFunc("POST /api/scheduler/create", s.createCronJob)
	mux.HandleFunc("GET /api/scheduler/jobs", s.listCronJobs)
	mux.HandleFunc("DELETE /api/scheduler/delete/{id}", s.deleteCronJob)

	// Workflows
	mux.HandleFunc("GET /api/workflows", s.listWorkflows)
	mux.HandleFunc("POST /api/workflows", s.registerWorkflow)
	mux.HandleFunc("POST /api/workflows/{id}/run", s.runWorkflow)
	mux.HandleFunc("GET /api/workflow-runs/{id}", s.getWorkflowRun)
	mux.HandleFunc("POST /api/workflow-runs/{id}/stop", s.stopWorkflowRun)

	// Agents
	mux.HandleFunc("GET /api/agents", s.listAgents)

	// Provider credentials
	mux.HandleFunc("GET /api/providers/{name}/key", s.getProviderKey)
	mux.HandleFunc("PUT /api/providers/{name}/key", s.setProviderKey)
	mux.HandleFunc("DELETE /api/providers/{name}/key", s.deleteProviderKey)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) scheduleTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Agent          string         `json:"agent"`
		Action         string         `json:"action"`
		Params         map[string]any `json:"params"`
		Priority       string         `json:"priority"`
		Wait           bool           `json:"wait"`
		TimeoutSeconds int            `json:"timeout_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Agent == "" || body.Action == "" {
		jsonError(w, "agent and action are required", http.StatusBadRequest)
		return
	}

	priority, err := dispatch.ParsePriority(body.Priority)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	taskID, err := s.dispatcher.Submit(body.Agent, body.Action, body.Params, priority)
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrUnregisteredAgent):
			jsonError(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, dispatch.ErrNotRunning):
			jsonError(w, err.Error(), http.StatusServiceUnavailable)
		default:
			jsonError(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	if !body.Wait {
		jsonResponse(w, map[string]string{"task_id": taskID, "status": string(dispatch.TaskPending)})
		return
	}

	timeout := 30 * time.Second
	if body.TimeoutSeconds > 0 {
		timeout = time.Duration(body.TimeoutSeconds) * time.Second
	}
	result, err := s.dispatcher.WaitForTask(r.Context(), taskID, timeout)
	if err != nil {
		if errors.Is(err, dispatch.ErrWaitTimeout) {
			jsonError(w, err.Error(), http.StatusGatewayTimeout)
			return
		}
		// Task failures surface with the ID so the client can inspect
		jsonResponse(w, map[string]any{"task_id": taskID, "status": string(dispatch.TaskFailed), "error": err.Error()})
		return
	}
	jsonResponse(w, map[string]any{"task_id": taskID, "status": string(dispatch.TaskCompleted), "result": result})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task := s.dispatcher.GetTask(id)
	if task == nil {
		jsonError(w, "task not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, task)
}

func (s *Server) getManagerStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.dispatcher.Stats()
	jsonResponse(w, map[string]any{
		"running":     s.dispatcher.Running(),
		"queue_depth": stats.QueueDepth,
		"stats":       stats,
		"agents":      s.registry.Snapshot(),
	})
}

func (s *Server) createCronJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID    string         `json:"agent_id"`
		Name       string         `json:"name"`
		Expression string         `json:"expression"`
		Text       string         `json:"text"`
		Action     string         `json:"action"`
		Params     map[string]any `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.AgentID == "" || body.Action == "" {
		jsonError(w, "agent_id and action are required", http.StatusBadRequest)
		return
	}
	if body.Expression == "" && body.Text == "" {
		jsonError(w, "expression or text is required", http.StatusBadRequest)
		return
	}

	var (
		jobID string
		err   error
	)
	if body.Expression != "" {
		jobID, err = s.sched.Schedule(body.AgentID, body.Name, body.Expression, body.Action, body.Params)
	} else {
		if s.textGen == nil {
			jsonError(w, "natural-language scheduling is not configured", http.StatusBadRequest)
			return
		}
		jobID, err = s.sched.ScheduleFromText(r.Context(), s.textGen, body.AgentID, body.Name, body.Text, body.Action, body.Params)
	}
	if err != nil {
		switch {
		case errors.Is(err, cron.ErrInvalidExpression):
			jsonError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, cron.ErrUnknownAgent):
			jsonError(w, err.Error(), http.StatusNotFound)
		default:
			jsonError(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	jsonResponse(w, map[string]string{"job_id": jobID, "status": "scheduled"})
}

func (s *Server) listCronJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.sched.List()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, jobs)
}

func (s *Server) deleteCronJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sched.Remove(id); err != nil {
		if errors.Is(err, cron.ErrUnknownJob) {
			jsonError(w, err.Error(), http.StatusNotFound)
			return
		}
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.engine.List())
}

func (s *Server) registerWorkflow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Description string `json:"description"`
		Steps       []struct {
			ID             string         `json:"id"`
			AgentID        string         `json:"agent_id"`
			Action         string         `json:"action"`
			Params         map[string]any `json:"params"`
			TimeoutSeconds int            `json:"timeout_seconds"`
		} `json:"steps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(body.Steps) == 0 {
		jsonError(w, "at least one step is required", http.StatusBadRequest)
		return
	}

	def := workflow.Definition{
		ID:          body.ID,
		Name:        body.Name,
		Description: body.Description,
		CreatedAt:   time.Now(),
	}
	for i, st := range body.Steps {
		if st.AgentID == "" || st.Action == "" {
			jsonError(w, fmt.Sprintf("step %d: agent_id and action are required", i), http.StatusBadRequest)
			return
		}
		step := workflow.Step{
			ID:      st.ID,
			AgentID: st.AgentID,
			Action:  st.Action,
			Params:  st.Params,
		}
		if st.TimeoutSeconds > 0 {
			step.Timeout = time.Duration(st.TimeoutSeconds) * time.Second
		}
		def.Steps = append(def.Steps, step)
	}

	id := s.engine.Register(def)
	jsonResponse(w, map[string]string{"workflow_id": id, "status": "registered"})
}

func (s *Server) runWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body struct {
		Context map[string]any `json:"context"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	runID, err := s.engine.Start(id, body.Context)
	if err != nil {
		if errors.Is(err, workflow.ErrUnknownWorkflow) {
			jsonError(w, err.Error(), http.StatusNotFound)
			return
		}
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"run_id": runID, "status": string(workflow.RunRunning)})
}

func (s *Server) getWorkflowRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run := s.engine.GetRun(id)
	if run == nil {
		jsonError(w, "workflow run not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, run)
}

func (s *Server) stopWorkflowRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.Stop(id); err != nil {
		if errors.Is(err, workflow.ErrUnknownRun) {
			jsonError(w, err.Error(), http.StatusNotFound)
			return
		}
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "stopped"})
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	records := s.registry.Snapshot()
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		out = append(out, map[string]any{
			"name":          rec.Name,
			"status":        string(rec.Status),
			"current_task":  rec.CurrentTaskID,
			"provider":      rec.Provider,
			"model":         rec.Model,
			"registered_at": rec.RegisteredAt,
			"last_activity": rec.LastActivity,
		})
	}
	jsonResponse(w, out)
}

func (s *Server) getProviderKey(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	ciphertext, nonce, err := s.store.GetSecret(name)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if ciphertext == nil {
		jsonError(w, "no key configured for provider", http.StatusNotFound)
		return
	}
	key, err := s.vault.Open(ciphertext, nonce)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]any{
		"provider":   name,
		"configured": true,
		"key_hint":   maskKey(key),
	})
}

func (s *Server) setProviderKey(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var body struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Key == "" {
		jsonError(w, "key is required", http.StatusBadRequest)
		return
	}

	ciphertext, nonce, err := s.vault.Seal(body.Key)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.store.SaveSecret(name, ciphertext, nonce); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"provider": name, "status": "saved"})
}

func (s *Server) deleteProviderKey(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.store.DeleteSecret(name); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"provider": name, "status": "deleted"})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.dispatcher.Stats()
	jobs, _ := s.sched.List()

	jsonResponse(w, map[string]any{
		"status":          "ok",
		"version":         s.version,
		"uptime":          formatUptime(time.Since(s.startedAt)),
		"agents_count":    s.registry.Len(),
		"queue_depth":     stats.QueueDepth,
		"tasks_submitted": stats.TasksSubmitted,
		"tasks_completed": stats.TasksCompleted,
		"tasks_failed":    stats.TasksFailed,
		"cron_jobs":       len(jobs),
		"workflows":       len(s.engine.List()),
		"timestamp":       time.Now().UTC(),
	})
}

// maskKey keeps only enough of a credential to recognize it.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   http.StatusText(code),
		"message": msg,
	})
}

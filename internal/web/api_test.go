package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexliatis/stagehand/internal/agent"
	"github.com/alexliatis/stagehand/internal/config"
	"github.com/alexliatis/stagehand/internal/cron"
	"github.com/alexliatis/stagehand/internal/dispatch"
	"github.com/alexliatis/stagehand/internal/memlog"
	"github.com/alexliatis/stagehand/internal/registry"
	"github.com/alexliatis/stagehand/internal/store"
	"github.com/alexliatis/stagehand/internal/vault"
	"github.com/alexliatis/stagehand/internal/workflow"
)

func newTestServer(t *testing.T) (*Server, *http.ServeMux) {
	t.Helper()

	st, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := registry.New(config.DefaultsConfig{Provider: "anthropic", Model: "test-model"})
	reg.Register(agent.New("dev",
		agent.WithAction("echo", func(ctx context.Context, params map[string]any) (any, error) {
			return params["message"], nil
		}),
		agent.WithWorkflowHandler(func(ctx context.Context, action string, params, wfctx map[string]any) (*agent.StepOutput, error) {
			return &agent.StepOutput{Data: action}, nil
		})))

	disp := dispatch.New(reg, memlog.Nop{}, nil, config.DispatcherConfig{PollInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go disp.Start(ctx)
	for !disp.Running() {
		time.Sleep(time.Millisecond)
	}

	sched := cron.New(reg, st, memlog.Nop{}, nil)
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("scheduler: %v", err)
	}

	engine := workflow.New(reg, memlog.Nop{}, nil, config.WorkflowConfig{StepTimeout: 2 * time.Second})

	srv := NewServer(st, nil, reg, disp, sched, engine, vault.New("test-passphrase"), nil, config.WebConfig{Port: 0}, "test")
	mux := http.NewServeMux()
	srv.registerAPI(mux)
	return srv, mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestScheduleTaskAndFetch(t *testing.T) {
	_, mux := newTestServer(t)

	rec := doJSON(t, mux, "POST", "/api/agent-manager/schedule-task", map[string]any{
		"agent":  "dev",
		"action": "echo",
		"params": map[string]any{"message": "hi"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	out := decodeBody(t, rec)
	taskID, _ := out["task_id"].(string)
	if taskID == "" {
		t.Fatal("expected a task id")
	}

	// Poll until the dispatcher picks it up
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		rec = doJSON(t, mux, "GET", "/api/agent-manager/task/"+taskID, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		task := decodeBody(t, rec)
		if task["status"] == "completed" {
			if task["result"] != "hi" {
				t.Errorf("expected echoed result, got %v", task["result"])
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("task never completed")
}

func TestScheduleTaskWaits(t *testing.T) {
	_, mux := newTestServer(t)

	rec := doJSON(t, mux, "POST", "/api/agent-manager/schedule-task", map[string]any{
		"agent":  "dev",
		"action": "echo",
		"params": map[string]any{"message": "sync"},
		"wait":   true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	out := decodeBody(t, rec)
	if out["status"] != "completed" || out["result"] != "sync" {
		t.Errorf("expected completed result, got %v", out)
	}
}

func TestScheduleTaskValidation(t *testing.T) {
	_, mux := newTestServer(t)

	rec := doJSON(t, mux, "POST", "/api/agent-manager/schedule-task", map[string]any{
		"agent": "dev",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing action: expected 400, got %d", rec.Code)
	}

	rec = doJSON(t, mux, "POST", "/api/agent-manager/schedule-task", map[string]any{
		"agent": "nobody", "action": "echo",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown agent: expected 404, got %d", rec.Code)
	}

	rec = doJSON(t, mux, "POST", "/api/agent-manager/schedule-task", map[string]any{
		"agent": "dev", "action": "echo", "priority": "urgent",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad priority: expected 400, got %d", rec.Code)
	}
}

func TestGetUnknownTask(t *testing.T) {
	_, mux := newTestServer(t)
	rec := doJSON(t, mux, "GET", "/api/agent-manager/task/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestCronJobLifecycle(t *testing.T) {
	_, mux := newTestServer(t)

	rec := doJSON(t, mux, "POST", "/api/scheduler/create", map[string]any{
		"agent_id":   "dev",
		"name":       "nightly",
		"expression": "0 3 * * *",
		"action":     "run",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	jobID, _ := decodeBody(t, rec)["job_id"].(string)
	if jobID == "" {
		t.Fatal("expected a job id")
	}

	rec = doJSON(t, mux, "GET", "/api/scheduler/jobs", nil)
	var jobs []map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&jobs); err != nil {
		t.Fatalf("decode jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0]["id"] != jobID {
		t.Fatalf("expected the created job listed, got %v", jobs)
	}

	rec = doJSON(t, mux, "DELETE", "/api/scheduler/delete/"+jobID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", rec.Code)
	}

	rec = doJSON(t, mux, "DELETE", "/api/scheduler/delete/"+jobID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("double delete: expected 404, got %d", rec.Code)
	}
}

func TestCronJobValidation(t *testing.T) {
	_, mux := newTestServer(t)

	rec := doJSON(t, mux, "POST", "/api/scheduler/create", map[string]any{
		"agent_id": "dev", "expression": "not a cron", "action": "run",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad expression: expected 400, got %d", rec.Code)
	}

	rec = doJSON(t, mux, "POST", "/api/scheduler/create", map[string]any{
		"agent_id": "nobody", "expression": "* * * * *", "action": "run",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown agent: expected 404, got %d", rec.Code)
	}
}

func TestWorkflowEndpoints(t *testing.T) {
	_, mux := newTestServer(t)

	rec := doJSON(t, mux, "POST", "/api/workflows", map[string]any{
		"id":   "pipeline",
		"name": "Pipeline",
		"steps": []map[string]any{
			{"id": "a", "agent_id": "dev", "action": "build"},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("register: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, mux, "GET", "/api/workflows", nil)
	var defs []map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&defs); err != nil {
		t.Fatalf("decode workflows: %v", err)
	}
	if len(defs) != 1 {
		t.Fatalf("expected one workflow, got %d", len(defs))
	}

	rec = doJSON(t, mux, "POST", "/api/workflows/pipeline/run", map[string]any{
		"context": map[string]any{"branch": "main"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("run: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	runID, _ := decodeBody(t, rec)["run_id"].(string)
	if runID == "" {
		t.Fatal("expected a run id")
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		rec = doJSON(t, mux, "GET", "/api/workflow-runs/"+runID, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("get run: expected 200, got %d", rec.Code)
		}
		run := decodeBody(t, rec)
		if run["status"] == "completed" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("workflow run never completed")
}

func TestWorkflowNotFound(t *testing.T) {
	_, mux := newTestServer(t)

	rec := doJSON(t, mux, "POST", "/api/workflows/ghost/run", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("run unknown workflow: expected 404, got %d", rec.Code)
	}

	rec = doJSON(t, mux, "GET", "/api/workflow-runs/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown run: expected 404, got %d", rec.Code)
	}

	rec = doJSON(t, mux, "POST", "/api/workflow-runs/ghost/stop", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("stop unknown run: expected 404, got %d", rec.Code)
	}
}

func TestProviderKeyRoundTrip(t *testing.T) {
	_, mux := newTestServer(t)

	rec := doJSON(t, mux, "GET", "/api/providers/anthropic/key", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing key: expected 404, got %d", rec.Code)
	}

	rec = doJSON(t, mux, "PUT", "/api/providers/anthropic/key", map[string]any{
		"key": "sk-ant-REDACTED",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("set key: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, mux, "GET", "/api/providers/anthropic/key", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get key: expected 200, got %d", rec.Code)
	}
	out := decodeBody(t, rec)
	if out["configured"] != true {
		t.Errorf("expected configured=true, got %v", out)
	}
	hint, _ := out["key_hint"].(string)
	if hint == "" || hint == "sk-ant-REDACTED" {
		t.Errorf("expected a masked hint, got %q", hint)
	}

	rec = doJSON(t, mux, "DELETE", "/api/providers/anthropic/key", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete key: expected 200, got %d", rec.Code)
	}
	rec = doJSON(t, mux, "GET", "/api/providers/anthropic/key", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("after delete: expected 404, got %d", rec.Code)
	}
}

func TestStatusEndpoints(t *testing.T) {
	_, mux := newTestServer(t)

	rec := doJSON(t, mux, "GET", "/api/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", rec.Code)
	}
	out := decodeBody(t, rec)
	if out["status"] != "ok" {
		t.Errorf("expected ok, got %v", out["status"])
	}
	if out["agents_count"] != float64(1) {
		t.Errorf("expected one agent, got %v", out["agents_count"])
	}

	rec = doJSON(t, mux, "GET", "/api/agent-manager/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("manager status: expected 200, got %d", rec.Code)
	}
	mgr := decodeBody(t, rec)
	if mgr["running"] != true {
		t.Errorf("expected running manager, got %v", mgr["running"])
	}

	rec = doJSON(t, mux, "GET", "/api/agents", nil)
	var agents []map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&agents); err != nil {
		t.Fatalf("decode agents: %v", err)
	}
	if len(agents) != 1 || agents[0]["name"] != "dev" {
		t.Errorf("expected the dev agent, got %v", agents)
	}
}

func TestAuthMiddleware(t *testing.T) {
	srv, mux := newTestServer(t)
	srv.cfg.Auth = "hunter2"
	handler := srv.withMiddleware(mux)

	req := httptest.NewRequest("GET", "/api/status", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no credentials: expected 401, got %d", rec.Code)
	}

	req = httptest.NewRequest("GET", "/api/status", nil)
	req.SetBasicAuth("", "hunter2")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("basic auth: expected 200, got %d", rec.Code)
	}

	// OPTIONS preflight always passes
	req = httptest.NewRequest("OPTIONS", "/api/status", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("preflight: expected 200, got %d", rec.Code)
	}
}

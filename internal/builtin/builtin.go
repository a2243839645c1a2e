// Package builtin assembles the agents shipped with the daemon. They
// cover the day-to-day automation surface: command execution, git
// mirroring, and text summarization, plus dev/qa roles intended to be
// driven through workflows.
package builtin

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/alexliatis/stagehand/internal/agent"
	"github.com/alexliatis/stagehand/internal/config"
)

// Agents returns the default agent set, ready for registration.
func Agents(cfg config.DefaultsConfig) []agent.Agent {
	return []agent.Agent{
		newDevAgent(cfg),
		newQAAgent(cfg),
		newExecutorAgent(),
		newSummaryAgent(),
		newGitSyncAgent(),
	}
}

func newDevAgent(cfg config.DefaultsConfig) agent.Agent {
	return agent.New("dev",
		agent.WithModel(cfg.Provider, cfg.Model),
		agent.WithAction("run", func(ctx context.Context, params map[string]any) (any, error) {
			task, _ := params["task"].(string)
			if task == "" {
				return nil, fmt.Errorf("dev agent needs a task")
			}
			return map[string]any{"accepted": task, "at": time.Now().UTC()}, nil
		}),
		agent.WithAction("report", func(ctx context.Context, params map[string]any) (any, error) {
			return map[string]any{"agent": "dev", "status": "idle"}, nil
		}))
}

func newQAAgent(cfg config.DefaultsConfig) agent.Agent {
	return agent.New("qa",
		agent.WithModel(cfg.Provider, cfg.Model),
		agent.WithAction("run", func(ctx context.Context, params map[string]any) (any, error) {
			target, _ := params["target"].(string)
			if target == "" {
				return nil, fmt.Errorf("qa agent needs a target")
			}
			return map[string]any{"reviewed": target, "at": time.Now().UTC()}, nil
		}))
}

func newExecutorAgent() agent.Agent {
	return agent.New("executor",
		agent.WithAction("run", func(ctx context.Context, params map[string]any) (any, error) {
			command, _ := params["command"].(string)
			if command == "" {
				return nil, fmt.Errorf("executor needs a command")
			}
			dir, _ := params["dir"].(string)

			cmd := exec.CommandContext(ctx, "sh", "-c", command)
			cmd.Dir = dir
			var out bytes.Buffer
			cmd.Stdout = &out
			cmd.Stderr = &out
			err := cmd.Run()
			result := map[string]any{
				"output": out.String(),
			}
			if err != nil {
				return result, fmt.Errorf("command failed: %w", err)
			}
			return result, nil
		}))
}

func newSummaryAgent() agent.Agent {
	return agent.New("summary",
		agent.WithAction("summarize", func(ctx context.Context, params map[string]any) (any, error) {
			text, _ := params["text"].(string)
			if text == "" {
				return nil, fmt.Errorf("summary agent needs text")
			}
			limit := 3
			if n, ok := params["sentences"].(float64); ok && n > 0 {
				limit = int(n)
			}
			return map[string]any{"summary": headSentences(text, limit)}, nil
		}))
}

func newGitSyncAgent() agent.Agent {
	// Dispatcher tasks are serialized per agent, but workflow steps
	// invoke actions directly, so the synced list needs its own lock.
	var (
		mu    sync.Mutex
		repos []string
	)
	a := agent.New("git-sync",
		agent.WithInit(func(ctx context.Context) error {
			mu.Lock()
			repos = nil
			mu.Unlock()
			return nil
		}))
	a.RegisterAction("run", func(ctx context.Context, params map[string]any) (any, error) {
		repo, _ := params["repo"].(string)
		if repo == "" {
			return nil, fmt.Errorf("git-sync needs a repo path")
		}
		cmd := exec.CommandContext(ctx, "git", "-C", repo, "pull", "--ff-only")
		out, err := cmd.CombinedOutput()
		if err != nil {
			return nil, fmt.Errorf("git pull %s: %w: %s", repo, err, strings.TrimSpace(string(out)))
		}
		mu.Lock()
		repos = append(repos, repo)
		mu.Unlock()
		return map[string]any{"repo": repo, "output": strings.TrimSpace(string(out))}, nil
	})
	a.RegisterAction("report", func(ctx context.Context, params map[string]any) (any, error) {
		mu.Lock()
		synced := append([]string(nil), repos...)
		mu.Unlock()
		return map[string]any{"synced": synced}, nil
	})
	return a
}

// headSentences keeps the first n sentences, a crude but predictable
// stand-in for model-backed summarization.
func headSentences(text string, n int) string {
	var (
		count int
		end   = len(text)
	)
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			count++
			if count == n {
				end = i + 1
				break
			}
		}
	}
	return strings.TrimSpace(text[:end])
}

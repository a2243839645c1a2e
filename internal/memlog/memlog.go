package memlog

import (
	"encoding/json"
	"log/slog"

	"github.com/alexliatis/stagehand/internal/store"
)

// Logger is the audit-log collaborator consumed by the dispatcher,
// the cron scheduler, and the workflow engine. Calls are
// fire-and-forget: an implementation must never propagate its own
// failures into the caller.
type Logger interface {
	LogAction(source, message string, success bool, metadata map[string]any)
}

// Log writes audit entries to the sqlite store. Write failures are
// logged and swallowed so a broken audit trail cannot abort a
// dispatch loop or a workflow run.
type Log struct {
	store *store.Store
}

func New(s *store.Store) *Log {
	return &Log{store: s}
}

func (l *Log) LogAction(source, message string, success bool, metadata map[string]any) {
	var meta string
	if len(metadata) > 0 {
		data, err := json.Marshal(metadata)
		if err != nil {
			slog.Warn("audit metadata not serializable", "source", source, "error", err)
		} else {
			meta = string(data)
		}
	}

	if err := l.store.SaveAuditEntry(source, message, success, meta); err != nil {
		slog.Warn("audit write failed", "source", source, "error", err)
	}
}

// Nop discards all entries. Used in tests and when no store is
// configured.
type Nop struct{}

func (Nop) LogAction(source, message string, success bool, metadata map[string]any) {}

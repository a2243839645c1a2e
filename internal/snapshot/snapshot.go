// Package snapshot periodically persists dispatcher statistics to
// compressed JSON files so usage history survives restarts.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/alexliatis/stagehand/internal/config"
	"github.com/alexliatis/stagehand/internal/dispatch"
)

// keepFiles bounds how many snapshot files are retained on disk.
const keepFiles = 48

// Source yields the current statistics to persist.
type Source interface {
	Stats() dispatch.Stats
}

// Writer dumps a stats snapshot on a fixed interval.
type Writer struct {
	source   Source
	dir      string
	interval time.Duration
}

func New(source Source, cfg config.SnapshotConfig) *Writer {
	w := &Writer{
		source:   source,
		dir:      cfg.Dir,
		interval: cfg.Interval,
	}
	if w.interval <= 0 {
		w.interval = 5 * time.Minute
	}
	return w
}

// Start blocks writing snapshots until ctx is cancelled. A final
// snapshot is written on shutdown so the last interval is not lost.
func (w *Writer) Start(ctx context.Context) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		slog.Error("snapshot dir unavailable", "dir", w.dir, "error", err)
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	slog.Info("stats snapshots enabled", "dir", w.dir, "interval", w.interval)

	for {
		select {
		case <-ctx.Done():
			if err := w.WriteNow(); err != nil {
				slog.Warn("final snapshot failed", "error", err)
			}
			return
		case <-ticker.C:
			if err := w.WriteNow(); err != nil {
				slog.Warn("snapshot failed", "error", err)
			}
		}
	}
}

// WriteNow persists a single snapshot and prunes old files.
func (w *Writer) WriteNow() error {
	stats := w.source.Stats()

	payload, err := json.Marshal(struct {
		CapturedAt time.Time      `json:"captured_at"`
		Stats      dispatch.Stats `json:"stats"`
	}{
		CapturedAt: time.Now().UTC(),
		Stats:      stats,
	})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	name := fmt.Sprintf("stats-%s.json.zst", time.Now().UTC().Format("20060102T150405"))
	path := filepath.Join(w.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}

	enc, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("init compressor: %w", err)
	}
	if _, err := enc.Write(payload); err != nil {
		enc.Close()
		f.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return fmt.Errorf("flush snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}

	w.prune()
	return nil
}

// Latest reads back the most recent snapshot, or nil when none exist.
func (w *Writer) Latest() (*dispatch.Stats, error) {
	files, err := w.list()
	if err != nil || len(files) == 0 {
		return nil, err
	}

	raw, err := os.ReadFile(files[len(files)-1])
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("init decompressor: %w", err)
	}
	defer dec.Close()

	payload, err := dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot: %w", err)
	}

	var record struct {
		Stats dispatch.Stats `json:"stats"`
	}
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &record.Stats, nil
}

func (w *Writer) list() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(w.dir, "stats-*.json.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func (w *Writer) prune() {
	files, err := w.list()
	if err != nil || len(files) <= keepFiles {
		return
	}
	for _, f := range files[:len(files)-keepFiles] {
		if err := os.Remove(f); err != nil {
			slog.Warn("snapshot prune failed", "file", f, "error", err)
		}
	}
}

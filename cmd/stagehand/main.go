package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexliatis/stagehand/internal/builtin"
	"github.com/alexliatis/stagehand/internal/config"
	"github.com/alexliatis/stagehand/internal/cron"
	"github.com/alexliatis/stagehand/internal/dispatch"
	"github.com/alexliatis/stagehand/internal/memlog"
	"github.com/alexliatis/stagehand/internal/natsbus"
	"github.com/alexliatis/stagehand/internal/registry"
	"github.com/alexliatis/stagehand/internal/snapshot"
	"github.com/alexliatis/stagehand/internal/store"
	"github.com/alexliatis/stagehand/internal/vault"
	"github.com/alexliatis/stagehand/internal/web"
	"github.com/alexliatis/stagehand/internal/workflow"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("stagehand %s\n", version)
	case "gateway":
		if err := runGateway(); err != nil {
			slog.Error("gateway failed", "error", err)
			os.Exit(1)
		}
	case "backup":
		if err := runBackup(os.Args[2:]); err != nil {
			slog.Error("backup failed", "error", err)
			os.Exit(1)
		}
	case "restore":
		if err := runRestore(os.Args[2:]); err != nil {
			slog.Error("restore failed", "error", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: stagehand <command>\n\nCommands:\n  gateway    Start the stagehand orchestration service\n  backup     Archive daemon state to a .tar.zst file\n  restore    Restore daemon state from a backup archive\n  version    Print version\n")
}

func runGateway() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting stagehand gateway", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", bus.Port())

	events, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("init nats client: %w", err)
	}
	defer events.Close()

	// Credential vault
	v := vault.New(cfg.Vault.Passphrase)

	// Agent registry with the built-in roster
	reg := registry.New(cfg.Defaults)
	for _, a := range builtin.Agents(cfg.Defaults) {
		reg.Register(a)
	}
	slog.Info("agents registered", "count", reg.Len())

	// Audit trail
	audit := memlog.New(db)

	// Task dispatcher
	disp := dispatch.New(reg, audit, events, cfg.Dispatcher)
	go disp.Start(ctx)
	slog.Info("dispatcher started", "poll_interval", cfg.Dispatcher.PollInterval)

	// Cron scheduler, rearming persisted jobs
	sched := cron.New(reg, db, audit, events)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	slog.Info("cron scheduler started", "jobs", sched.Len())

	// Workflow engine
	engine := workflow.New(reg, audit, events, cfg.Workflow)

	// Periodic stats snapshots
	if cfg.Snapshot.Enabled {
		writer := snapshot.New(disp, cfg.Snapshot)
		go writer.Start(ctx)
	}

	// Dashboard API
	if cfg.Web.Enabled {
		srv := web.NewServer(db, bus, reg, disp, sched, engine, v, cron.PhraseGenerator{}, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()

	return nil
}

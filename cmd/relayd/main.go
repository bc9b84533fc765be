// Package main is the entry point for the relayd daemon.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/relaydev/relayd/internal/archive"
	"github.com/relaydev/relayd/internal/bridge"
	"github.com/relaydev/relayd/internal/common/config"
	"github.com/relaydev/relayd/internal/common/logger"
	"github.com/relaydev/relayd/internal/diagnostics"
	"github.com/relaydev/relayd/internal/events"
	eventbus "github.com/relaydev/relayd/internal/events/bus"
	"github.com/relaydev/relayd/internal/orchestrator"
	"github.com/relaydev/relayd/internal/orchestrator/engine"
	"github.com/relaydev/relayd/internal/outbox"
	"github.com/relaydev/relayd/internal/release"
	"github.com/relaydev/relayd/internal/server"
	"github.com/relaydev/relayd/internal/session"
	"github.com/relaydev/relayd/internal/tracing"
	"github.com/relaydev/relayd/internal/transport"
	"github.com/relaydev/relayd/internal/worker"
	"github.com/relaydev/relayd/internal/worktree"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (optional)")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting relayd", zap.String("dataDir", cfg.DataDir))

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Release manager and startup integrity gate
	releases, err := release.NewManager(cfg.ReleaseRoot(), log)
	if err != nil {
		log.Fatal("Failed to initialize release manager", zap.Error(err))
	}
	integrityMode := release.IntegrityMode(cfg.Release.StartupIntegrityMode)
	if integrityMode != release.IntegrityOff {
		res := releases.IntegrityCheck(integrityMode)
		if !res.OK {
			if integrityMode == release.IntegrityStrict {
				log.Fatal("Release integrity check failed",
					zap.Strings("missing", res.Missing),
					zap.Strings("mismatches", res.Mismatches))
			}
			log.Warn("Release integrity check reported problems",
				zap.Strings("missing", res.Missing),
				zap.Strings("mismatches", res.Mismatches))
		}
	}

	// 5. Connect event bus (NATS when configured, in-process otherwise)
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to connect event bus", zap.Error(err))
	}
	defer busCleanup()
	bus := provided.Bus

	// 6. Initialize storage and worker components
	sessions, err := session.NewStore(cfg.SessionsDir(), log)
	if err != nil {
		log.Fatal("Failed to initialize session store", zap.Error(err))
	}

	worktrees, err := worktree.NewManager(worktree.Config{
		RootDir:      cfg.WorktreeRoot(),
		BranchPrefix: cfg.Worktree.BranchPrefix,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize worktree manager", zap.Error(err))
	}

	var runner worker.Runner
	switch cfg.Worker.Mode {
	case "proc":
		runner = worker.NewProcRunner(log)
	default:
		tmux := worker.NewTmuxRunner(cfg.Worker.TmuxBinary, log)
		if !tmux.Available() {
			log.Fatal("tmux is not available; install it or set worker.mode to proc",
				zap.String("binary", cfg.Worker.TmuxBinary))
		}
		runner = tmux
	}

	eng := engine.New(cfg.Engine)

	archiveStore, err := archive.Provide(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize task archive", zap.Error(err))
	}
	defer archiveStore.Close()

	// 7. Outbound notifier: transport sender behind a durable outbox
	send, err := transport.New(cfg.Transport, log)
	if err != nil {
		log.Fatal("Failed to initialize notification transport", zap.Error(err))
	}
	notifier, err := outbox.New(outbox.Config{
		Name:          "notifier",
		StatePath:     cfg.OutboxStatePath(),
		RetryBase:     cfg.Bridge.RetryBase(),
		RetryMax:      cfg.Bridge.RetryMax(),
		MaxRetries:    cfg.Bridge.MaxRetries,
		SuccessStatus: outbox.StatusSent,
		OnPoison: func(rec outbox.Record) {
			_ = bus.Publish(context.Background(), events.OutboxPoisoned,
				eventbus.NewEvent(events.OutboxPoisoned, "outbox", map[string]any{
					"idempotencyKey": rec.IdempotencyKey,
					"lastError":      rec.LastError,
				}))
		},
	}, func(ctx context.Context, payload json.RawMessage) (string, error) {
		return "", send(ctx, payload)
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize notifier outbox", zap.Error(err))
	}

	// 8. Create orchestrator service
	orch, err := orchestrator.NewService(orchestrator.Deps{
		Config:    cfg,
		Log:       log,
		Worktrees: worktrees,
		Runner:    runner,
		Engine:    eng,
		Bus:       bus,
		Sessions:  sessions,
		Notifier:  notifier,
		Archive:   archiveStore,
	})
	if err != nil {
		log.Fatal("Failed to initialize orchestrator", zap.Error(err))
	}

	// 9. Webhook bridge submits accepted envelopes as tasks
	br, err := bridge.New(bridge.Config{
		SharedSecret: cfg.Bridge.SharedSecret,
		StatePath:    cfg.BridgeStatePath(),
		RetryBase:    cfg.Bridge.RetryBase(),
		RetryMax:     cfg.Bridge.RetryMax(),
		MaxRetries:   cfg.Bridge.MaxRetries,
		OnPoison: func(rec outbox.Record) {
			_ = bus.Publish(context.Background(), events.OutboxPoisoned,
				eventbus.NewEvent(events.OutboxPoisoned, "bridge", map[string]any{
					"idempotencyKey": rec.IdempotencyKey,
					"lastError":      rec.LastError,
				}))
		},
	}, func(ctx context.Context, env bridge.Envelope) (string, error) {
		task, err := orch.SubmitTask(ctx, orchestrator.SubmitRequest{
			Text:   string(env.Payload),
			Source: orchestrator.SourceWebhook,
		})
		if err != nil {
			return "", err
		}
		return task.ID, nil
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize webhook bridge", zap.Error(err))
	}

	// 10. Diagnostics snapshot writer
	diag := diagnostics.NewWriter(diagnostics.Deps{
		Config:       cfg,
		Log:          log,
		Orchestrator: orch,
		Releases:     releases,
		Bridge:       br,
		Notifier:     notifier,
	})

	// 11. Start background components
	if err := notifier.Start(ctx); err != nil {
		log.Fatal("Failed to start notifier outbox", zap.Error(err))
	}
	if err := br.Start(ctx); err != nil {
		log.Fatal("Failed to start webhook bridge", zap.Error(err))
	}
	if err := orch.Start(ctx); err != nil {
		log.Fatal("Failed to start orchestrator", zap.Error(err))
	}
	log.Info("Orchestrator started",
		zap.Int("maxConcurrentWorkers", cfg.Task.MaxConcurrentWorkers),
		zap.String("workerMode", cfg.Worker.Mode))

	// 12. Control-plane HTTP server
	srv, err := server.New(server.Deps{
		Config:       cfg,
		Log:          log,
		Orchestrator: orch,
		Releases:     releases,
		Bridge:       br,
		Notifier:     notifier,
		Archive:      archiveStore,
		Diagnostics:  diag,
		Bus:          bus,
	})
	if err != nil {
		log.Fatal("Failed to build control server", zap.Error(err))
	}
	if err := srv.Start(ctx); err != nil {
		log.Fatal("Failed to start control server", zap.Error(err))
	}

	// 13. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down relayd...")

	// 14. Graceful shutdown
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error("Control server shutdown error", zap.Error(err))
	}
	orch.Stop()
	br.Stop()
	notifier.Stop()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("relayd stopped")
}

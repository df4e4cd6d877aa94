package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/mattjoyce/jobhost/internal/api"
	"github.com/mattjoyce/jobhost/internal/auth"
	"github.com/mattjoyce/jobhost/internal/config"
	"github.com/mattjoyce/jobhost/internal/dispatch"
	"github.com/mattjoyce/jobhost/internal/events"
	"github.com/mattjoyce/jobhost/internal/history"
	"github.com/mattjoyce/jobhost/internal/inbox"
	"github.com/mattjoyce/jobhost/internal/launcher"
	"github.com/mattjoyce/jobhost/internal/listener"
	"github.com/mattjoyce/jobhost/internal/lock"
	"github.com/mattjoyce/jobhost/internal/log"
	"github.com/mattjoyce/jobhost/internal/manager"
	"github.com/mattjoyce/jobhost/internal/protocol"
	"github.com/mattjoyce/jobhost/internal/storage"
	"github.com/mattjoyce/jobhost/internal/workspace"
)

const janitorInterval = time.Hour

func runStart(args []string) int {
	fs := pflag.NewFlagSet("start", pflag.ContinueOnError)
	configPath := configFlag(fs)
	if err := parseFlags(fs, args); err != nil {
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Agent.LogLevel, cfg.Agent.LogFormat)
	logger := log.WithComponent("main")
	fingerprint, err := cfg.Fingerprint()
	if err != nil {
		logger.Warn("failed to fingerprint config", "error", err)
	}
	logger.Info("jobhost starting",
		"version", currentVersionInfo().Version,
		"agent", cfg.Agent.Name,
		"config", cfg.SourcePath,
		"fingerprint", fingerprint,
	)

	if err := os.MkdirAll(cfg.Agent.WorkDir, 0o755); err != nil {
		logger.Error("failed to create work directory", "path", cfg.Agent.WorkDir, "error", err)
		return 1
	}

	lockPath := lock.PathFor(cfg.Agent.WorkDir)
	if err := storage.AgentLock.CheckLocal(lockPath); err != nil {
		logger.Warn("agent lock may not keep other hosts out", "error", err)
	}
	agentLock, err := lock.Acquire(lockPath)
	if err != nil {
		logger.Error("failed to acquire agent lock (another instance may be running)", "path", lockPath, "error", err)
		return 1
	}
	defer agentLock.Release()
	logger.Info("acquired agent lock", "path", lockPath)

	workerEnv, err := cfg.WorkerEnv()
	if err != nil {
		logger.Error("failed to build worker environment", "error", err)
		return 1
	}
	// Workers log at the agent's level unless agent.env says otherwise.
	workerEnv = append([]string{
		"JOBHOST_LOG_LEVEL=" + cfg.Agent.LogLevel,
		"JOBHOST_LOG_FORMAT=" + cfg.Agent.LogFormat,
	}, workerEnv...)

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	box := inbox.New(db)
	hist := history.New(db)
	hub := events.NewHub(256)
	defer hub.Close()

	wsManager, err := workspace.NewFSManager(cfg.Agent.WorkDir)
	if err != nil {
		logger.Error("failed to initialize workspace manager", "error", err)
		return 1
	}

	spawner := &launcher.Launcher{
		Path:        cfg.Agent.WorkerBinary,
		OutputLimit: cfg.Dispatch.OutputLimit,
		Logger:      log.WithComponent("launcher"),
	}
	factory := manager.FactoryFunc(func(job *protocol.JobRequestMessage, onState func(from, to dispatch.State)) manager.JobRunner {
		return dispatch.New(dispatch.Options{
			Spawner:          spawner,
			Workspace:        wsManager,
			HandshakeTimeout: cfg.Dispatch.HandshakeTimeout,
			ChannelTimeout:   cfg.Dispatch.ChannelTimeout,
			GracePeriod:      cfg.Dispatch.GracePeriod,
			MinCancelTimeout: cfg.Dispatch.MinCancelTimeout,
			CancelKillMargin: cfg.Dispatch.CancelKillMargin,
			KillDelay:        cfg.Dispatch.KillDelay,
			JobTimeout:       cfg.Dispatch.JobTimeout,
			MaxFrameBytes:    cfg.Dispatch.MaxFrameBytes,
			Env:              workerEnv,
			KeepWorkDir:      cfg.Agent.KeepWorkDirs,
			OnState:          onState,
			Logger:           log.WithJob(job.JobID.String()),
		})
	})

	mgr := manager.New(manager.Options{
		Factory:  factory,
		Recorder: hist,
		Events:   hub,
		Logger:   log.WithComponent("manager"),
	})

	lst := listener.New(box, mgr, listener.Options{
		PollInterval:      cfg.Listener.PollInterval,
		MaxBackoff:        cfg.Listener.MaxBackoff,
		MaxConcurrentJobs: cfg.Agent.MaxConcurrentJobs,
		Events:            hub,
		Logger:            log.Get(),
	})

	// The listener gets a context of its own so that it can be stopped
	// before the running jobs are told to shut down.
	listenCtx, stopListening := context.WithCancel(ctx)
	defer stopListening()
	if err := lst.Start(listenCtx); err != nil {
		logger.Error("failed to start listener", "error", err)
		return 1
	}

	serveCtx, stopServing := context.WithCancel(ctx)
	defer stopServing()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 2)

	if cfg.API.Enabled {
		apiServer := api.New(apiConfigFrom(cfg), box, hist, mgr, hub, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(serveCtx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	go runJanitor(serveCtx, cfg, box, hist, wsManager, log.WithComponent("janitor"))

	hub.Publish(events.AgentStarted, map[string]any{
		"agent":               cfg.Agent.Name,
		"max_concurrent_jobs": cfg.Agent.MaxConcurrentJobs,
	})
	logger.Info("jobhost running (press Ctrl+C to stop)")

	kind := protocol.AgentShutdown
	exitCode := 0
	select {
	case sig := <-sigCh:
		kind = shutdownKind(sig)
		logger.Info("received shutdown signal", "signal", sig, "kind", kind)
	case err := <-lst.Errors():
		logger.Error("listener failed", "error", err)
		exitCode = 1
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		exitCode = 1
	}

	hub.Publish(events.AgentStopping, map[string]any{"kind": kind.String(), "active_jobs": mgr.Len()})

	stopListening()
	lst.Stop()

	if err := stopJobs(ctx, mgr, kind, shutdownTimeout(cfg), forceKillTimeout(cfg), logger); err != nil {
		logger.Error("failed to stop every job", "remaining", mgr.Len(), "error", err)
		exitCode = 1
	}

	stopServing()
	logger.Info("jobhost stopped")
	return exitCode
}

// shutdownKind maps SIGTERM to an operating system shutdown and anything
// else to an agent shutdown.
func shutdownKind(sig os.Signal) protocol.MessageType {
	if sig == syscall.SIGTERM {
		return protocol.OperatingSystemShutdown
	}
	return protocol.AgentShutdown
}

// shutdownTimeout covers a worker that honours the grace period, plus the
// kill margin and the time to drain its channel.
func shutdownTimeout(cfg *config.Config) time.Duration {
	d := cfg.Dispatch
	return d.GracePeriod + d.ChannelTimeout + d.CancelKillMargin
}

// forceKillTimeout bounds the reap and cleanup of force-killed workers.
func forceKillTimeout(cfg *config.Config) time.Duration {
	return cfg.Dispatch.ChannelTimeout
}

type jobStopper interface {
	Shutdown(ctx context.Context, kind protocol.MessageType) error
	Kill(ctx context.Context) error
	Len() int
}

// stopJobs cancels every job with kind. Jobs still running at the graceful
// deadline, such as one cancelled earlier with a long orchestrator timeout,
// are force-killed so no worker outlives the agent.
func stopJobs(ctx context.Context, jobs jobStopper, kind protocol.MessageType, graceful, force time.Duration, logger *slog.Logger) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, graceful)
	defer cancel()
	err := jobs.Shutdown(shutdownCtx, kind)
	if err == nil {
		return nil
	}

	logger.Warn("jobs did not finish before the shutdown deadline, killing them",
		"remaining", jobs.Len(), "deadline", graceful, "error", err)
	killCtx, cancelKill := context.WithTimeout(context.WithoutCancel(ctx), force)
	defer cancelKill()
	if err := jobs.Kill(killCtx); err != nil {
		return fmt.Errorf("jobs still running after force kill: %w", err)
	}
	return nil
}

func apiConfigFrom(cfg *config.Config) api.Config {
	tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
	for _, t := range cfg.API.Auth.Tokens {
		tokens = append(tokens, auth.TokenConfig{
			Token:  t.Token,
			Scopes: t.Scopes,
		})
	}
	return api.Config{
		Listen: cfg.API.Listen,
		APIKey: cfg.API.Auth.APIKey,
		Tokens: tokens,
	}
}

// runJanitor prunes history, acked inbox rows and stale work directories
// once at startup and then every janitorInterval.
func runJanitor(ctx context.Context, cfg *config.Config, box *inbox.Inbox, hist *history.Store, ws workspace.Manager, logger *slog.Logger) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		sweep(ctx, cfg, box, hist, ws, logger)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func sweep(ctx context.Context, cfg *config.Config, box *inbox.Inbox, hist *history.Store, ws workspace.Manager, logger *slog.Logger) {
	if cfg.State.HistoryRetention > 0 {
		if n, err := hist.Prune(ctx, cfg.State.HistoryRetention); err != nil {
			logger.Warn("history prune failed", "error", err)
		} else if n > 0 {
			logger.Info("pruned job history", "rows", n)
		}
		if n, err := box.PruneAcked(ctx, cfg.State.HistoryRetention); err != nil {
			logger.Warn("inbox prune failed", "error", err)
		} else if n > 0 {
			logger.Info("pruned acked inbox messages", "rows", n)
		}
	}
	if cfg.Agent.WorkDirRetention > 0 {
		report, err := ws.Cleanup(ctx, cfg.Agent.WorkDirRetention)
		if err != nil {
			logger.Warn("work directory cleanup failed", "error", err)
		} else if report.DeletedDirs > 0 {
			logger.Info("removed stale work directories", "count", report.DeletedDirs)
		}
	}
}

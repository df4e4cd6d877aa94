package main

import (
	"context"
	"errors"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/jobhost/internal/config"
	"github.com/mattjoyce/jobhost/internal/dispatch"
	"github.com/mattjoyce/jobhost/internal/history"
	"github.com/mattjoyce/jobhost/internal/inbox"
	"github.com/mattjoyce/jobhost/internal/log"
	"github.com/mattjoyce/jobhost/internal/protocol"
	"github.com/mattjoyce/jobhost/internal/storage"
	"github.com/mattjoyce/jobhost/internal/workspace"
)

func TestShutdownKindMapsSignals(t *testing.T) {
	if got := shutdownKind(syscall.SIGTERM); got != protocol.OperatingSystemShutdown {
		t.Fatalf("SIGTERM kind = %s", got)
	}
	if got := shutdownKind(syscall.SIGINT); got != protocol.AgentShutdown {
		t.Fatalf("SIGINT kind = %s", got)
	}
}

func TestShutdownTimeoutCoversGraceAndMargin(t *testing.T) {
	cfg := config.Defaults()
	want := cfg.Dispatch.GracePeriod + cfg.Dispatch.ChannelTimeout + cfg.Dispatch.CancelKillMargin
	if got := shutdownTimeout(cfg); got != want {
		t.Fatalf("shutdownTimeout = %s, want %s", got, want)
	}
}

type fakeJobs struct {
	stubborn bool
	killErr  error
	kind     protocol.MessageType
	killed   bool
}

func (f *fakeJobs) Shutdown(ctx context.Context, kind protocol.MessageType) error {
	f.kind = kind
	if f.stubborn {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (f *fakeJobs) Kill(context.Context) error {
	f.killed = true
	return f.killErr
}

func (f *fakeJobs) Len() int {
	if f.stubborn && !f.killed {
		return 1
	}
	return 0
}

func TestStopJobsKillsWhatShutdownLeaves(t *testing.T) {
	logger := log.WithComponent("test")

	polite := &fakeJobs{}
	if err := stopJobs(context.Background(), polite, protocol.OperatingSystemShutdown, time.Second, time.Second, logger); err != nil {
		t.Fatalf("stopJobs: %v", err)
	}
	if polite.killed {
		t.Fatal("jobs that finished in time were force-killed")
	}
	if polite.kind != protocol.OperatingSystemShutdown {
		t.Fatalf("shutdown kind = %s", polite.kind)
	}

	stubborn := &fakeJobs{stubborn: true}
	if err := stopJobs(context.Background(), stubborn, protocol.AgentShutdown, 20*time.Millisecond, time.Second, logger); err != nil {
		t.Fatalf("stopJobs: %v", err)
	}
	if !stubborn.killed {
		t.Fatal("jobs left after the shutdown deadline were not force-killed")
	}

	stuck := &fakeJobs{stubborn: true, killErr: context.DeadlineExceeded}
	err := stopJobs(context.Background(), stuck, protocol.AgentShutdown, 20*time.Millisecond, time.Second, logger)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("stopJobs error = %v, want deadline exceeded", err)
	}
}

func TestAPIConfigFromCopiesTokens(t *testing.T) {
	cfg := config.Defaults()
	cfg.API.Listen = "127.0.0.1:9999"
	cfg.API.Auth.APIKey = "admin"
	cfg.API.Auth.Tokens = []config.APIToken{{Token: "r", Scopes: []string{"jobs:ro"}}}

	got := apiConfigFrom(cfg)
	if got.Listen != "127.0.0.1:9999" || got.APIKey != "admin" {
		t.Fatalf("unexpected api config: %+v", got)
	}
	if len(got.Tokens) != 1 || got.Tokens[0].Token != "r" || got.Tokens[0].Scopes[0] != "jobs:ro" {
		t.Fatalf("unexpected tokens: %+v", got.Tokens)
	}
}

func TestSweepPrunesHistoryAndWorkDirs(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db, err := storage.OpenSQLite(ctx, dir+"/state.db")
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer db.Close()

	hist := history.New(db)
	old := &protocol.JobRequestMessage{JobID: uuid.New(), JobName: "old"}
	fresh := &protocol.JobRequestMessage{JobID: uuid.New(), JobName: "fresh"}
	for _, job := range []*protocol.JobRequestMessage{old, fresh} {
		if err := hist.Start(ctx, job); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}
	finished := time.Now().Add(-48 * time.Hour)
	if err := hist.Finish(ctx, dispatch.Result{
		JobID: old.JobID, State: dispatch.StateCompleted,
		StartedAt: finished.Add(-time.Minute), FinishedAt: finished,
	}); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	ws, err := workspace.NewFSManager(dir + "/work")
	if err != nil {
		t.Fatalf("NewFSManager: %v", err)
	}
	stale, err := ws.Create(ctx, uuid.New())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := os.Chtimes(stale.Dir, finished, finished); err != nil {
		t.Fatal(err)
	}

	cfg := config.Defaults()
	cfg.State.HistoryRetention = 24 * time.Hour
	cfg.Agent.WorkDirRetention = 24 * time.Hour
	sweep(ctx, cfg, inbox.New(db), hist, ws, log.WithComponent("janitor"))

	if _, err := hist.Get(ctx, old.JobID); !errors.Is(err, history.ErrNotFound) {
		t.Fatalf("old job should be pruned, err = %v", err)
	}
	if _, err := hist.Get(ctx, fresh.JobID); err != nil {
		t.Fatalf("unfinished job should survive: %v", err)
	}
	if _, err := os.Stat(stale.Dir); !os.IsNotExist(err) {
		t.Fatalf("stale work dir should be removed, err = %v", err)
	}
}

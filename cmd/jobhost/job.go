package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"

	"github.com/mattjoyce/jobhost/internal/config"
	"github.com/mattjoyce/jobhost/internal/history"
	"github.com/mattjoyce/jobhost/internal/inbox"
	"github.com/mattjoyce/jobhost/internal/inspect"
	"github.com/mattjoyce/jobhost/internal/protocol"
	"github.com/mattjoyce/jobhost/internal/storage"
)

const jobCommandTimeout = 30 * time.Second

// openState loads the config and opens its state database.
func openState(ctx context.Context, configPath string) (*config.Config, *sql.DB, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	return cfg, db, nil
}

// readJobRequest parses a JSON or JSONC job request. A missing jobId is
// generated.
func readJobRequest(r io.Reader) (*protocol.JobRequestMessage, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read job request: %w", err)
	}
	var job protocol.JobRequestMessage
	if err := json.Unmarshal(jsonc.ToJSON(data), &job); err != nil {
		return nil, fmt.Errorf("parse job request: %w", err)
	}
	if job.JobID == uuid.Nil {
		job.JobID = uuid.New()
	}
	return &job, nil
}

func runJobSubmit(args []string) int {
	fs := pflag.NewFlagSet("submit", pflag.ContinueOnError)
	configPath := configFlag(fs)
	if err := parseFlags(fs, args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: jobhost job submit <file|-> [--config PATH]")
		return 1
	}

	var src io.Reader = os.Stdin
	if name := fs.Arg(0); name != "-" {
		f, err := os.Open(name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open job file: %v\n", err)
			return 1
		}
		defer f.Close()
		src = f
	}
	job, err := readJobRequest(src)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid job request: %v\n", err)
		return 1
	}
	body, err := protocol.EncodeJob(job)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid job request: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), jobCommandTimeout)
	defer cancel()
	_, db, err := openState(ctx, *configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer db.Close()

	msgID, err := inbox.New(db).Enqueue(ctx, inbox.KindJob, body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to queue job: %v\n", err)
		return 1
	}
	fmt.Printf("Queued job %s (message %s)\n", job.JobID, msgID)
	return 0
}

func runJobCancel(args []string) int {
	fs := pflag.NewFlagSet("cancel", pflag.ContinueOnError)
	configPath := configFlag(fs)
	timeout := fs.Duration("timeout", 0, "Cancel timeout for the worker (default: dispatch.min_cancel_timeout)")
	if err := parseFlags(fs, args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: jobhost job cancel <job_id> [--timeout DURATION]")
		return 1
	}
	jobID, err := uuid.Parse(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid job id %q: %v\n", fs.Arg(0), err)
		return 1
	}
	if *timeout < 0 {
		fmt.Fprintln(os.Stderr, "--timeout must not be negative")
		return 1
	}

	body, err := protocol.EncodeCancel(protocol.JobCancelMessage{JobID: jobID, Timeout: protocol.Duration(*timeout)})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid cancel request: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), jobCommandTimeout)
	defer cancel()
	_, db, err := openState(ctx, *configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer db.Close()

	msgID, err := inbox.New(db).Enqueue(ctx, inbox.KindCancel, body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to queue cancel: %v\n", err)
		return 1
	}
	fmt.Printf("Queued cancel for job %s (message %s)\n", jobID, msgID)
	return 0
}

func runJobInspect(args []string) int {
	fs := pflag.NewFlagSet("inspect", pflag.ContinueOnError)
	configPath := configFlag(fs)
	jsonOut := fs.Bool("json", false, "Output report as JSON")
	if err := parseFlags(fs, args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: jobhost job inspect <job_id> [--json]")
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), jobCommandTimeout)
	defer cancel()
	cfg, db, err := openState(ctx, *configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer db.Close()

	build := inspect.BuildReport
	if *jsonOut {
		build = inspect.BuildJSONReport
	}
	report, err := build(ctx, history.New(db), cfg.Agent.WorkDir, fs.Arg(0))
	if errors.Is(err, history.ErrNotFound) {
		fmt.Fprintf(os.Stderr, "Job not found: %s\n", fs.Arg(0))
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return 1
	}
	fmt.Println(report)
	return 0
}

func runJobList(args []string) int {
	fs := pflag.NewFlagSet("list", pflag.ContinueOnError)
	configPath := configFlag(fs)
	limit := fs.Int("limit", 20, "Maximum number of jobs")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := parseFlags(fs, args); err != nil {
		return 1
	}
	if *limit < 1 {
		fmt.Fprintln(os.Stderr, "--limit must be at least 1")
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), jobCommandTimeout)
	defer cancel()
	_, db, err := openState(ctx, *configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer db.Close()

	records, err := history.New(db).List(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list jobs: %v\n", err)
		return 1
	}

	if *jsonOut {
		out, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render jobs: %v\n", err)
			return 1
		}
		fmt.Println(string(out))
		return 0
	}

	if len(records) == 0 {
		fmt.Println("No jobs recorded.")
		return 0
	}
	fmt.Printf("%-36s  %-20s  %-10s  %-20s  %s\n", "JOB ID", "NAME", "STATE", "RESULT", "RECEIVED")
	for _, r := range records {
		result := "-"
		if r.Result != nil {
			result = *r.Result
		}
		fmt.Printf("%-36s  %-20s  %-10s  %-20s  %s\n",
			r.JobID, truncate(r.JobName, 20), r.State, result, r.ReceivedAt.Local().Format(time.DateTime))
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

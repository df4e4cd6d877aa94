// Package engine runs the tasks of a job inside the worker process.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/mattjoyce/jobhost/internal/protocol"
)

// ScriptInput is the task input holding the shell script to run.
const ScriptInput = "script"

const defaultKillDelay = 5 * time.Second

// Engine executes one job and reports its outcome. Run must return promptly
// with Canceled once ctx is done.
type Engine interface {
	Run(ctx context.Context, job *protocol.JobRequestMessage) protocol.TaskResult
}

// Func adapts a plain function to Engine.
type Func func(ctx context.Context, job *protocol.JobRequestMessage) protocol.TaskResult

func (f Func) Run(ctx context.Context, job *protocol.JobRequestMessage) protocol.TaskResult {
	return f(ctx, job)
}

// Shell runs each enabled task's script input with `sh -c` in the current
// directory, one after the other. Scripts get their own process group; on
// cancellation the group is sent SIGTERM, then SIGKILL after KillDelay.
type Shell struct {
	// Path of the shell. Defaults to /bin/sh.
	Path      string
	Dir       string
	KillDelay time.Duration
	Stdout    io.Writer
	Stderr    io.Writer
	Logger    *slog.Logger
}

var _ Engine = (*Shell)(nil)

func (s *Shell) Run(ctx context.Context, job *protocol.JobRequestMessage) protocol.TaskResult {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("job_id", job.JobID.String())

	ran := 0
	for i, task := range job.Tasks {
		if ctx.Err() != nil {
			logger.Info("job cancelled before task", "task", task.Name, "cause", context.Cause(ctx))
			return protocol.Canceled
		}
		if !task.Enabled {
			logger.Debug("skipping disabled task", "task", task.Name)
			continue
		}
		script, ok := task.Inputs.Get(ScriptInput)
		if !ok || script == "" {
			logger.Warn("task has no script input, skipping", "task", task.Name)
			continue
		}

		logger.Info("running task", "task", task.Name, "index", i)
		start := time.Now()
		err := s.runScript(ctx, job, task, script)
		ran++
		switch {
		case ctx.Err() != nil:
			logger.Info("task cancelled", "task", task.Name, "duration", time.Since(start), "cause", context.Cause(ctx))
			return protocol.Canceled
		case err != nil:
			logger.Error("task failed", "task", task.Name, "duration", time.Since(start), "error", err)
			return protocol.Failed
		}
		logger.Info("task succeeded", "task", task.Name, "duration", time.Since(start))
	}

	if ran == 0 {
		logger.Info("job has no runnable tasks")
	}
	return protocol.Succeeded
}

func (s *Shell) runScript(ctx context.Context, job *protocol.JobRequestMessage, task protocol.TaskInstance, script string) error {
	path := s.Path
	if path == "" {
		path = "/bin/sh"
	}
	killDelay := s.KillDelay
	if killDelay <= 0 {
		killDelay = defaultKillDelay
	}

	cmd := exec.Command(path, "-c", script)
	cmd.Dir = s.Dir
	cmd.Env = taskEnv(job, task)
	cmd.Stdout = writerOr(s.Stdout, os.Stdout)
	cmd.Stderr = writerOr(s.Stderr, os.Stderr)
	cmd.SysProcAttr = groupAttr()
	cmd.WaitDelay = killDelay

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", task.Name, err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var err error
	select {
	case err = <-waitErr:
	case <-ctx.Done():
		_ = signalGroup(cmd.Process, false)
		select {
		case err = <-waitErr:
		case <-time.After(killDelay):
			_ = signalGroup(cmd.Process, true)
			err = <-waitErr
		}
	}
	// Background children of the script die with it.
	_ = signalGroup(cmd.Process, true)

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("script exited with code %d", exitErr.ExitCode())
	}
	return err
}

func taskEnv(job *protocol.JobRequestMessage, task protocol.TaskInstance) []string {
	env := os.Environ()
	env = append(env, job.Environment.Environ()...)
	for _, in := range task.Inputs {
		if in.Name == ScriptInput {
			continue
		}
		env = append(env, "INPUT_"+envName(in.Name)+"="+in.Value)
	}
	return append(env,
		"JOBHOST_JOB_ID="+job.JobID.String(),
		"JOBHOST_JOB_NAME="+job.JobName,
		"JOBHOST_TASK_NAME="+task.Name,
	)
}

func envName(name string) string {
	b := []byte(name)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z':
			b[i] = c - 'a' + 'A'
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		default:
			b[i] = '_'
		}
	}
	return string(b)
}

func writerOr(w, fallback io.Writer) io.Writer {
	if w != nil {
		return w
	}
	return fallback
}

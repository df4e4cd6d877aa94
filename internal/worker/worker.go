// Package worker is the message loop of the worker process. It connects to
// the agent over the channel handles it was started with, accepts exactly
// one job, runs it through an engine and reports the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/mattjoyce/jobhost/internal/channel"
	"github.com/mattjoyce/jobhost/internal/engine"
	"github.com/mattjoyce/jobhost/internal/launcher"
	"github.com/mattjoyce/jobhost/internal/protocol"
)

const (
	// DefaultJobMessageTimeout is how long a worker waits for its job
	// before giving up.
	DefaultJobMessageTimeout = 30 * time.Second
	defaultSendTimeout       = 30 * time.Second
)

// ErrAgentGone is the cancel cause when the agent closes the channel.
var ErrAgentGone = errors.New("agent closed the channel")

// CancelledError is the cancel cause when the agent asks the job to stop.
type CancelledError struct {
	Kind    protocol.MessageType
	Timeout time.Duration
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("%s received", e.Kind)
}

type Options struct {
	JobMessageTimeout time.Duration
	SendTimeout       time.Duration
	MaxFrameBytes     int
	Logger            *slog.Logger
}

type inbound struct {
	jobs    chan *protocol.JobRequestMessage
	cancels chan *CancelledError
}

// Run serves one job and returns the process exit code. args are the
// process arguments after the program name.
func Run(ctx context.Context, args []string, eng engine.Engine, opts Options) int {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "worker", "pid", os.Getpid())

	if len(args) != 3 || args[0] != launcher.SpawnCommand {
		logger.Error("invalid arguments", "args", args, "usage", launcher.SpawnCommand+" <out> <in>")
		return protocol.ExitTerminatedError
	}
	if eng == nil {
		logger.Error("no execution engine configured")
		return protocol.ExitTerminatedError
	}
	jobTimeout := opts.JobMessageTimeout
	if jobTimeout <= 0 {
		jobTimeout = DefaultJobMessageTimeout
	}
	sendTimeout := opts.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}

	in := inbound{
		jobs:    make(chan *protocol.JobRequestMessage, 1),
		cancels: make(chan *CancelledError, 4),
	}
	ch := channel.New(channel.Options{MaxBody: opts.MaxFrameBytes, Logger: logger})
	ch.OnPacket(func(p protocol.Packet) { route(logger, in, p) })

	if err := ch.StartClient(args[1], args[2]); err != nil {
		logger.Error("failed to connect to agent", "error", err)
		return protocol.ExitTerminatedError
	}
	defer func() { _ = ch.Stop() }()

	send := func(typ protocol.MessageType, body string) error {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
		defer cancel()
		return ch.Send(sctx, typ, body)
	}

	if err := send(protocol.WorkerReady, strconv.Itoa(os.Getpid())); err != nil {
		logger.Error("failed to announce readiness", "error", err)
		return protocol.ExitTerminatedError
	}

	job, ok := awaitJob(ctx, logger, ch, in, jobTimeout)
	if !ok {
		return protocol.ExitTerminatedError
	}
	logger = logger.With("job_id", job.JobID.String())

	if err := send(protocol.JobAccepted, job.JobID.String()); err != nil {
		logger.Error("failed to acknowledge job", "error", err)
		return protocol.ExitTerminatedError
	}
	logger.Info("job accepted", "job_name", job.JobName, "tasks", len(job.Tasks))

	result := execute(ctx, logger, ch, in, eng, job)
	code := protocol.ExitCodeForResult(result)

	body, err := protocol.EncodeCompleted(protocol.JobCompletedMessage{JobID: job.JobID, Result: result, ExitCode: code})
	if err == nil {
		err = send(protocol.JobCompleted, body)
	}
	if err != nil {
		logger.Warn("failed to report job completion", "error", err)
	}
	logger.Info("job finished", "result", result.String(), "exit_code", code)
	return code
}

func route(logger *slog.Logger, in inbound, p protocol.Packet) {
	switch {
	case p.Type == protocol.NewJobRequest:
		job, err := protocol.DecodeJob(p.Body)
		if err != nil {
			logger.Error("discarding malformed job request", "error", err)
			return
		}
		select {
		case in.jobs <- job:
		default:
			logger.Warn("ignoring additional job request", "job_id", job.JobID.String())
		}
	case p.Type.IsCancellation():
		msg, err := protocol.DecodeCancel(p.Body)
		if err != nil {
			logger.Warn("malformed cancel body, cancelling anyway", "type", p.Type.String(), "error", err)
		}
		select {
		case in.cancels <- &CancelledError{Kind: p.Type, Timeout: msg.Timeout.Std()}:
		default:
		}
	default:
		logger.Debug("ignoring unexpected message", "type", p.Type.String())
	}
}

func awaitJob(ctx context.Context, logger *slog.Logger, ch *channel.Channel, in inbound, timeout time.Duration) (*protocol.JobRequestMessage, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case job := <-in.jobs:
			return job, true
		case c := <-in.cancels:
			logger.Info("stop requested before any job arrived", "type", c.Kind.String())
			return nil, false
		case <-timer.C:
			logger.Error("no job received, shutting down", "timeout", timeout)
			return nil, false
		case <-ch.Done():
			logger.Error("agent closed the channel before sending a job", "error", ch.Err())
			return nil, false
		case <-ctx.Done():
			logger.Info("worker stopped before any job arrived", "cause", context.Cause(ctx))
			return nil, false
		}
	}
}

func execute(ctx context.Context, logger *slog.Logger, ch *channel.Channel, in inbound, eng engine.Engine, job *protocol.JobRequestMessage) protocol.TaskResult {
	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	done := make(chan protocol.TaskResult, 1)
	go func() { done <- eng.Run(jobCtx, job) }()

	channelDone := ch.Done()
	for {
		select {
		case r := <-done:
			return r
		case c := <-in.cancels:
			logger.Info("cancelling job", "type", c.Kind.String(), "timeout", c.Timeout)
			cancel(c)
		case <-channelDone:
			channelDone = nil
			logger.Warn("agent closed the channel, cancelling job", "error", ch.Err())
			cancel(ErrAgentGone)
		}
	}
}

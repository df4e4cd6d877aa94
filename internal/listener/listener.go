// Package listener drains the inbox into the worker manager. One loop
// claims jobs while there is capacity, another routes cancellations.
package listener

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/jobhost/internal/events"
	"github.com/mattjoyce/jobhost/internal/inbox"
	"github.com/mattjoyce/jobhost/internal/manager"
	"github.com/mattjoyce/jobhost/internal/protocol"
)

// PollResult tells a loop how to schedule its next poll.
type PollResult int

const (
	// Success polls again after the regular interval.
	Success PollResult = iota
	// Retryable backs off exponentially with jitter.
	Retryable
	// Fatal stops the loop.
	Fatal
)

func (r PollResult) String() string {
	switch r {
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("poll_result(%d)", int(r))
	}
}

type Options struct {
	PollInterval      time.Duration
	MaxBackoff        time.Duration
	MaxConcurrentJobs int
	Events            events.Publisher
	Logger            *slog.Logger
}

type Listener struct {
	src    Source
	jobs   Jobs
	opts   Options
	logger *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	errs     chan error
}

func New(src Source, jobs Jobs, opts Options) *Listener {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.MaxBackoff < opts.PollInterval {
		opts.MaxBackoff = opts.PollInterval
	}
	if opts.MaxConcurrentJobs <= 0 {
		opts.MaxConcurrentJobs = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		src:    src,
		jobs:   jobs,
		opts:   opts,
		logger: logger.With("component", "listener"),
		stopCh: make(chan struct{}),
		errs:   make(chan error, 2),
	}
}

// Start requeues messages a previous process left claimed and starts both
// poll loops.
func (l *Listener) Start(ctx context.Context) error {
	n, err := l.src.RecoverClaimed(ctx)
	if err != nil {
		return fmt.Errorf("listener recovery failed: %w", err)
	}
	if n > 0 {
		l.logger.Warn("requeued messages left claimed by a previous run", "count", n)
	}

	l.wg.Add(2)
	go l.loop(ctx, "jobs", l.pollJobs)
	go l.loop(ctx, "cancels", l.pollCancels)
	return nil
}

// Stop ends both loops and waits for them.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}

// Errors delivers the error of any loop that stopped on a Fatal result.
func (l *Listener) Errors() <-chan error { return l.errs }

func (l *Listener) loop(ctx context.Context, name string, poll func(context.Context) (PollResult, error)) {
	defer l.wg.Done()
	logger := l.logger.With("loop", name)
	failures := 0

	for {
		res, err := poll(ctx)
		switch res {
		case Fatal:
			if ctx.Err() != nil {
				return
			}
			logger.Error("poll loop stopped", "error", err)
			select {
			case l.errs <- fmt.Errorf("%s loop: %w", name, err):
			default:
			}
			return
		case Retryable:
			failures++
			logger.Warn("poll failed, backing off", "error", err, "failures", failures)
		default:
			failures = 0
		}

		timer := time.NewTimer(nextDelay(res, failures, l.opts.PollInterval, l.opts.MaxBackoff))
		select {
		case <-timer.C:
		case <-l.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// nextDelay is the wait before the next poll. Retryable results double the
// interval per consecutive failure up to max, then pick a random point in
// the upper half.
func nextDelay(res PollResult, failures int, base, max time.Duration) time.Duration {
	if res != Retryable || failures <= 0 {
		return base
	}
	d := base
	for i := 1; i < failures && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func (l *Listener) pollJobs(ctx context.Context) (PollResult, error) {
	for l.jobs.Len() < l.opts.MaxConcurrentJobs {
		msg, err := l.src.Claim(ctx, inbox.KindJob)
		if err != nil {
			return classify(ctx, err)
		}
		if msg == nil {
			return Success, nil
		}
		if res, err := l.handleJob(ctx, msg); res != Success {
			return res, err
		}
	}
	return Success, nil
}

func (l *Listener) handleJob(ctx context.Context, msg *inbox.Message) (PollResult, error) {
	job, err := protocol.DecodeJob(msg.Body)
	if err != nil {
		l.logger.Warn("rejecting invalid job message", "message_id", msg.ID, "error", err)
		l.publish(events.JobRejected, map[string]any{"message_id": msg.ID, "reason": err.Error()})
		return l.ack(ctx, msg.ID, inbox.StatusRejected, err)
	}

	err = l.jobs.Run(job)
	switch {
	case err == nil:
		return l.ack(ctx, msg.ID, inbox.StatusDone, nil)
	case errors.Is(err, manager.ErrShuttingDown):
		// Left claimed; the next start requeues it.
		return Fatal, err
	default:
		l.logger.Warn("job rejected by manager", "message_id", msg.ID, "job_id", job.JobID, "error", err)
		return l.ack(ctx, msg.ID, inbox.StatusRejected, err)
	}
}

func (l *Listener) pollCancels(ctx context.Context) (PollResult, error) {
	for {
		msg, err := l.src.Claim(ctx, inbox.KindCancel)
		if err != nil {
			return classify(ctx, err)
		}
		if msg == nil {
			return Success, nil
		}

		cancel, err := protocol.DecodeCancel(msg.Body)
		if err == nil && cancel.JobID == uuid.Nil {
			err = errors.New("cancel request missing required field: jobId")
		}
		if err != nil {
			l.logger.Warn("rejecting invalid cancel message", "message_id", msg.ID, "error", err)
			if res, err := l.ack(ctx, msg.ID, inbox.StatusRejected, err); res != Success {
				return res, err
			}
			continue
		}

		var note error
		if !l.jobs.Cancel(cancel) {
			note = errors.New("no active dispatch for job")
		}
		if res, err := l.ack(ctx, msg.ID, inbox.StatusDone, note); res != Success {
			return res, err
		}
	}
}

func (l *Listener) ack(ctx context.Context, id string, status inbox.Status, reason error) (PollResult, error) {
	var lastError *string
	if reason != nil {
		s := reason.Error()
		lastError = &s
	}
	if err := l.src.Ack(ctx, id, status, lastError); err != nil {
		return classify(ctx, err)
	}
	return Success, nil
}

// classify treats a closed database or a cancelled context as Fatal and
// anything else as transient.
func classify(ctx context.Context, err error) (PollResult, error) {
	if ctx.Err() != nil || errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.Canceled) {
		return Fatal, err
	}
	return Retryable, err
}

func (l *Listener) publish(eventType string, data any) {
	if l.opts.Events != nil {
		l.opts.Events.Publish(eventType, data)
	}
}

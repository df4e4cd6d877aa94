package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/jobhost/internal/channel"
	"github.com/mattjoyce/jobhost/internal/launcher"
	"github.com/mattjoyce/jobhost/internal/log"
	"github.com/mattjoyce/jobhost/internal/protocol"
	"github.com/mattjoyce/jobhost/internal/workspace"
)

const (
	defaultHandshakeTimeout = 30 * time.Second
	defaultChannelTimeout   = 30 * time.Second
	defaultGracePeriod      = 45 * time.Second
	defaultKillDelay        = 5 * time.Second

	// drainTimeout bounds the wait for the last frames after the worker
	// exited. The worker's channel descriptors are close-on-exec, so the
	// read side sees EOF as soon as the worker is gone.
	drainTimeout = 2 * time.Second
)

// Options configures a Dispatcher. Zero durations take the defaults.
type Options struct {
	Spawner   launcher.Spawner
	Workspace workspace.Manager

	HandshakeTimeout time.Duration
	ChannelTimeout   time.Duration
	GracePeriod      time.Duration
	MinCancelTimeout time.Duration
	CancelKillMargin time.Duration
	JobTimeout       time.Duration
	MaxFrameBytes    int

	// KillDelay is how long before the end of the grace period a worker
	// still running gets SIGTERM. SIGKILL follows when the period ends.
	KillDelay time.Duration

	// Env is added to every worker's environment.
	Env         []string
	KeepWorkDir bool

	// OnState observes every transition, on the dispatching goroutine.
	OnState func(from, to State)
	Logger  *slog.Logger
}

// Dispatcher runs exactly one job in one worker process. It is not
// reusable: create a new one per job.
type Dispatcher struct {
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	state State
	used  bool

	force     chan struct{}
	forceOnce sync.Once
}

func New(opts Options) *Dispatcher {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.ChannelTimeout <= 0 {
		opts.ChannelTimeout = defaultChannelTimeout
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaultGracePeriod
	}
	if opts.KillDelay <= 0 {
		opts.KillDelay = defaultKillDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithComponent("dispatch")
	}
	return &Dispatcher{opts: opts, logger: logger, state: StateCreated, force: make(chan struct{})}
}

// Kill abandons cooperative cancellation and kills the worker at once. It
// may be called from any goroutine, at any time, any number of times.
func (d *Dispatcher) Kill() {
	d.forceOnce.Do(func() { close(d.force) })
}

// State returns the current lifecycle state.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Dispatcher) setState(to State) {
	d.mu.Lock()
	from := d.state
	d.state = to
	d.mu.Unlock()
	if from == to {
		return
	}
	if d.opts.OnState != nil {
		d.opts.OnState(from, to)
	}
}

// session holds everything one Run owns.
type session struct {
	job    *protocol.JobRequestMessage
	logger *slog.Logger
	ch     *channel.Channel
	proc   *launcher.Process

	ready     chan struct{}
	accepted  chan struct{}
	completed chan protocol.JobCompletedMessage
}

// Run spawns a worker, hands it job, and supervises it until it exits or
// is killed. Cancelling ctx starts cooperative cancellation; a
// *CancelCause set with context.WithCancelCause picks the message kind and
// timeout. Run always returns a Result and never leaves a worker behind.
func (d *Dispatcher) Run(ctx context.Context, job *protocol.JobRequestMessage) (res Result) {
	res = Result{ExitCode: protocol.ExitSpawnFailed, StartedAt: time.Now()}
	if job == nil {
		res.State = StateCrashed
		res.Err = fmt.Errorf("%w: job is nil", ErrSpawnFailure)
		res.FinishedAt = time.Now()
		return res
	}
	res.JobID = job.JobID

	d.mu.Lock()
	reused := d.used
	d.used = true
	d.mu.Unlock()
	if reused {
		res.State = StateCrashed
		res.Err = fmt.Errorf("%w: dispatcher already used", ErrSpawnFailure)
		res.FinishedAt = time.Now()
		return res
	}

	s := &session{
		job:       job,
		logger:    d.logger.With(slog.String("job_id", job.JobID.String())),
		ch:        channel.New(channel.Options{MaxBody: d.opts.MaxFrameBytes, Logger: d.logger}),
		ready:     make(chan struct{}),
		accepted:  make(chan struct{}),
		completed: make(chan protocol.JobCompletedMessage, 1),
	}
	d.listen(s)

	defer func() {
		d.dispose(s, &res)
		res.FinishedAt = time.Now()
		s.logger.Info("dispatch finished",
			"state", res.State.String(),
			"exit_code", res.ExitCode,
			"duration", res.Duration(),
			"error", errString(res.Err),
		)
	}()

	body, err := protocol.EncodeJob(job)
	if err != nil {
		return d.finish(&res, StateCrashed, protocol.ExitSpawnFailed, fmt.Errorf("%w: %v", ErrSpawnFailure, err))
	}

	if err := d.spawn(ctx, s); err != nil {
		return d.finish(&res, StateCrashed, protocol.ExitSpawnFailed, err)
	}
	res.WorkerPID = s.proc.Pid()

	if r, done := d.handshake(ctx, s, &res); done {
		return r
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.ChannelTimeout)
	err = s.ch.Send(sendCtx, protocol.NewJobRequest, body)
	cancel()
	if err != nil {
		s.logger.Error("failed to send job to worker, killing it", "error", err)
		d.kill(s)
		return d.finish(&res, StateCrashed, protocol.ExitSpawnFailed, fmt.Errorf("%w: %v", ErrSendFailed, err))
	}
	d.setState(StateDispatched)

	return d.supervise(ctx, s, &res)
}

func (d *Dispatcher) listen(s *session) {
	var readyOnce, acceptedOnce sync.Once
	s.ch.OnPacket(func(p protocol.Packet) {
		switch p.Type {
		case protocol.WorkerReady:
			readyOnce.Do(func() { close(s.ready) })
		case protocol.JobAccepted:
			acceptedOnce.Do(func() { close(s.accepted) })
		case protocol.JobCompleted:
			msg, err := protocol.DecodeCompleted(p.Body)
			if err != nil {
				s.logger.Warn("ignoring malformed completion report", "error", err)
				return
			}
			select {
			case s.completed <- msg:
			default:
			}
		default:
			s.logger.Debug("ignoring unexpected message from worker", "type", p.Type.String())
		}
	})
}

func (d *Dispatcher) spawn(ctx context.Context, s *session) error {
	d.setState(StateSpawning)

	var workDir string
	if d.opts.Workspace != nil {
		ws, err := d.opts.Workspace.Create(ctx, s.job.JobID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSpawnFailure, err)
		}
		workDir = ws.Dir
	}
	if d.opts.Spawner == nil {
		return fmt.Errorf("%w: no spawner configured", ErrSpawnFailure)
	}

	err := s.ch.StartServer(func(h channel.Handles) error {
		p, err := d.opts.Spawner.Launch(launcher.Spec{Handles: h, WorkDir: workDir, Env: d.opts.Env})
		if err != nil {
			return err
		}
		s.proc = p
		return nil
	})
	if err != nil {
		s.logger.Error("failed to spawn worker", "error", err)
		return fmt.Errorf("%w: %v", ErrSpawnFailure, err)
	}
	s.logger.Info("worker spawned", "pid", s.proc.Pid(), "work_dir", workDir)
	return nil
}

// handshake waits for the worker to announce itself. done is true when the
// dispatch already ended.
func (d *Dispatcher) handshake(ctx context.Context, s *session, res *Result) (Result, bool) {
	d.setState(StateHandshaking)

	timer := time.NewTimer(d.opts.HandshakeTimeout)
	defer timer.Stop()

	select {
	case <-s.ready:
		s.logger.Debug("worker ready")
		return Result{}, false

	case <-s.proc.Done():
		return d.exitedDuringHandshake(s, res), true

	case <-s.ch.Done():
		err := classifyChannelErr(s.ch.Err())
		select {
		case <-s.proc.Done():
			return d.exitedDuringHandshake(s, res), true
		case <-time.After(drainTimeout):
		}
		s.logger.Error("worker channel closed during handshake", "error", err)
		d.kill(s)
		return d.finish(res, StateCrashed, protocol.ExitSpawnFailed, err), true

	case <-timer.C:
		s.logger.Error("worker handshake timed out, killing it", "timeout", d.opts.HandshakeTimeout)
		d.kill(s)
		return d.finish(res, StateCrashed, protocol.ExitSpawnFailed, ErrHandshakeTimeout), true

	case <-ctx.Done():
		s.logger.Info("dispatch cancelled before the job was sent, killing worker")
		d.kill(s)
		return d.finish(res, StateKilled, protocol.ExitKilled, fmt.Errorf("cancelled during handshake: %w", context.Cause(ctx))), true

	case <-d.force:
		return d.forceKill(s, res, nil), true
	}
}

func (d *Dispatcher) exitedDuringHandshake(s *session, res *Result) Result {
	code := s.proc.ExitCode()
	s.logger.Error("worker exited during handshake", "exit_code", code, "output", s.proc.Output())
	return d.finish(res, StateCrashed, code, fmt.Errorf("%w: exited during handshake with code %d", ErrWorkerCrash, code))
}

func (d *Dispatcher) supervise(ctx context.Context, s *session, res *Result) Result {
	timeout := s.job.Timeout.Std()
	if timeout <= 0 {
		timeout = d.opts.JobTimeout
	}
	var jobTimeout <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		jobTimeout = t.C
	}

	accepted := s.accepted
	channelDone := s.ch.Done()
	var faultDeadline <-chan time.Time
	var faultErr error

	for {
		select {
		case <-accepted:
			accepted = nil
			d.setState(StateRunning)
			s.logger.Debug("worker accepted job")

		case <-s.proc.Done():
			return d.exited(s, res, faultErr)

		case <-ctx.Done():
			return d.cancel(s, res, causeOf(ctx), nil)

		case <-d.force:
			return d.forceKill(s, res, nil)

		case <-jobTimeout:
			s.logger.Warn("job timed out, cancelling", "timeout", timeout)
			return d.cancel(s, res, &CancelCause{Kind: protocol.CancelRequest, Reason: "job timeout"}, ErrJobTimeout)

		case <-channelDone:
			channelDone = nil
			faultErr = classifyChannelErr(s.ch.Err())
			if !errors.Is(faultErr, ErrProtocol) {
				faultErr = nil
			}
			// The worker closes its end right before exiting; give it the
			// grace period to actually do so.
			t := time.NewTimer(d.opts.GracePeriod)
			defer t.Stop()
			faultDeadline = t.C
			s.logger.Debug("worker channel closed, waiting for exit", "error", errString(s.ch.Err()))

		case <-faultDeadline:
			s.logger.Error("worker kept running after its channel closed, killing it")
			d.kill(s)
			err := faultErr
			if err == nil {
				err = fmt.Errorf("%w: channel closed but process kept running", ErrWorkerCrash)
			}
			return d.finish(res, StateCrashed, protocol.ExitKilled, err)
		}
	}
}

// exited resolves a worker that ended on its own.
func (d *Dispatcher) exited(s *session, res *Result, faultErr error) Result {
	code := s.proc.ExitCode()
	msg, reported := d.awaitCompletion(s)
	if reported {
		if msg.ExitCode != code {
			s.logger.Warn("worker exit code differs from its completion report",
				"exit_code", code, "reported_exit_code", msg.ExitCode)
		}
		s.logger.Debug("worker exited", "exit_code", code, "result", msg.Result.String())
		return d.finish(res, StateCompleted, code, nil)
	}

	s.logger.Error("worker exited without reporting completion",
		"exit_code", code, "output", s.proc.Output())
	err := faultErr
	if err == nil {
		err = fmt.Errorf("%w: exit code %d", ErrWorkerCrash, code)
	}
	return d.finish(res, StateCrashed, code, err)
}

// cancel delivers the cancellation message and waits up to the grace
// period. Late in the period the process group gets SIGTERM; at its end
// the group is killed.
func (d *Dispatcher) cancel(s *session, res *Result, cause *CancelCause, reason error) Result {
	d.setState(StateCancelling)

	kind := protocol.CancelRequest
	if cause != nil && cause.Kind.IsCancellation() {
		kind = cause.Kind
	}
	grace := d.gracePeriod(cause)
	s.logger.Info("cancelling job", "kind", kind.String(), "grace_period", grace)

	body, err := protocol.EncodeCancel(protocol.JobCancelMessage{JobID: s.job.JobID, Timeout: protocol.Duration(grace)})
	if err == nil {
		sendCtx, stop := context.WithTimeout(context.Background(), d.opts.ChannelTimeout)
		err = s.ch.Send(sendCtx, kind, body)
		stop()
	}
	if err != nil {
		if s.proc.Exited() {
			return d.exitedDuringCancel(s, res, reason)
		}
		s.logger.Warn("failed to deliver cancellation, killing worker", "error", err)
		d.kill(s)
		return d.finish(res, StateKilled, protocol.ExitKilled, errors.Join(reason, fmt.Errorf("%w: %v", ErrSendFailed, err)))
	}

	killTimer := time.NewTimer(grace)
	defer killTimer.Stop()
	termTimer := time.NewTimer(termAfter(grace, d.opts.KillDelay))
	defer termTimer.Stop()

	terminated := false
	for {
		select {
		case <-s.proc.Done():
			if terminated {
				return d.exitedAfterTerminate(s, res, reason)
			}
			return d.exitedDuringCancel(s, res, reason)
		case <-d.force:
			return d.forceKill(s, res, reason)
		case <-termTimer.C:
			terminated = true
			s.logger.Warn("worker still running after cancellation, sending SIGTERM",
				"kill_in", grace-termAfter(grace, d.opts.KillDelay))
			if err := s.proc.Terminate(); err != nil {
				s.logger.Warn("failed to terminate worker", "pid", s.proc.Pid(), "error", err)
			}
		case <-killTimer.C:
			s.logger.Warn("worker ignored cancellation, killing process group", "grace_period", grace)
			d.kill(s)
			return d.finish(res, StateKilled, protocol.ExitKilled, errors.Join(reason, ErrCancellationTimeout))
		}
	}
}

// termAfter places SIGTERM killDelay before the end of grace, but never in
// its first half.
func termAfter(grace, killDelay time.Duration) time.Duration {
	return max(grace-killDelay, grace/2)
}

// exitedAfterTerminate resolves a worker that exited once SIGTERM was sent.
// One that still reported completion handled the signal as a cancel.
func (d *Dispatcher) exitedAfterTerminate(s *session, res *Result, reason error) Result {
	code := s.proc.ExitCode()
	if _, reported := d.awaitCompletion(s); reported {
		s.logger.Info("worker exited after SIGTERM", "exit_code", code)
		return d.finish(res, StateCompleted, code, reason)
	}
	s.logger.Warn("worker terminated without reporting completion", "exit_code", code)
	return d.finish(res, StateKilled, protocol.ExitKilled, errors.Join(reason, ErrCancellationTimeout))
}

func (d *Dispatcher) forceKill(s *session, res *Result, reason error) Result {
	s.logger.Warn("force-killing worker")
	d.kill(s)
	return d.finish(res, StateKilled, protocol.ExitKilled, errors.Join(reason, ErrForceKilled))
}

func (d *Dispatcher) exitedDuringCancel(s *session, res *Result, reason error) Result {
	code := s.proc.ExitCode()
	d.awaitCompletion(s)
	s.logger.Info("worker exited after cancellation", "exit_code", code)
	return d.finish(res, StateCompleted, code, reason)
}

// gracePeriod is the cancel timeout raised to MinCancelTimeout minus
// CancelKillMargin, or the configured grace period without one.
func (d *Dispatcher) gracePeriod(cause *CancelCause) time.Duration {
	if cause == nil || cause.Timeout <= 0 {
		return d.opts.GracePeriod
	}
	t := max(cause.Timeout, d.opts.MinCancelTimeout) - d.opts.CancelKillMargin
	if t <= 0 {
		return d.opts.GracePeriod
	}
	return t
}

// awaitCompletion drains the channel after exit and reports whether the
// worker finished with a completion message.
func (d *Dispatcher) awaitCompletion(s *session) (protocol.JobCompletedMessage, bool) {
	select {
	case <-s.ch.Done():
	case <-time.After(drainTimeout):
	}
	select {
	case msg := <-s.completed:
		return msg, true
	default:
		return protocol.JobCompletedMessage{}, false
	}
}

// kill force-kills the process group and waits until the worker is reaped.
func (d *Dispatcher) kill(s *session) {
	if s.proc == nil {
		return
	}
	if err := s.proc.Kill(); err != nil {
		s.logger.Error("failed to kill worker", "pid", s.proc.Pid(), "error", err)
	}
	<-s.proc.Done()
}

func (d *Dispatcher) finish(res *Result, state State, code int, err error) Result {
	res.State = state
	res.ExitCode = code
	res.Err = err
	d.setState(state)
	return *res
}

// dispose releases every resource Run acquired. It runs on every path.
func (d *Dispatcher) dispose(s *session, res *Result) {
	_ = s.ch.Stop()
	if s.proc != nil {
		// Reaping sweeps the worker's session, so waiting for Done also
		// waits for anything the job left running to be killed.
		if !s.proc.Exited() {
			d.kill(s)
		}
		<-s.proc.Done()
		res.Output = s.proc.Output()
		if err := s.proc.WaitErr(); err != nil {
			s.logger.Debug("worker reaped with error", "error", err)
		}
	}
	if d.opts.Workspace != nil && !d.opts.KeepWorkDir {
		if err := d.opts.Workspace.Remove(context.Background(), s.job.JobID); err != nil {
			s.logger.Warn("failed to remove work directory", "error", err)
		}
	}
	d.setState(StateDisposed)
}

func causeOf(ctx context.Context) *CancelCause {
	var cause *CancelCause
	if errors.As(context.Cause(ctx), &cause) {
		return cause
	}
	return nil
}

func classifyChannelErr(err error) error {
	var perr *protocol.ProtocolError
	switch {
	case errors.As(err, &perr):
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	case err == nil, errors.Is(err, io.EOF):
		return fmt.Errorf("%w: channel closed by worker", ErrWorkerCrash)
	default:
		return fmt.Errorf("%w: %v", ErrWorkerCrash, err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

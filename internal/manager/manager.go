// Package manager owns the registry of in-flight dispatches. It accepts job
// and cancel messages, starts one dispatcher per job and removes the record
// once the dispatch has been fully disposed of.
package manager

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/jobhost/internal/dispatch"
	"github.com/mattjoyce/jobhost/internal/events"
	"github.com/mattjoyce/jobhost/internal/protocol"
)

var (
	ErrDuplicateJob = errors.New("job is already running")
	ErrShuttingDown = errors.New("manager is shutting down")
	ErrInvalidJob   = errors.New("job request has no job id")
)

// Options configures a Manager. Factory is required.
type Options struct {
	Factory  DispatcherFactory
	Recorder Recorder
	Events   events.Publisher
	Logger   *slog.Logger

	// OnComplete runs after a record has been removed.
	OnComplete func(res dispatch.Result)
}

// ActiveJob is a snapshot of one registered dispatch.
type ActiveJob struct {
	JobID     uuid.UUID `json:"job_id"`
	JobName   string    `json:"job_name"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
}

type record struct {
	job       *protocol.JobRequestMessage
	cancel    context.CancelCauseFunc
	kill      func()
	startedAt time.Time

	mu    sync.Mutex
	state dispatch.State
}

func (r *record) setState(s dispatch.State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *record) snapshot() ActiveJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ActiveJob{
		JobID:     r.job.JobID,
		JobName:   r.job.JobName,
		State:     r.state.String(),
		StartedAt: r.startedAt,
	}
}

type Manager struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	records map[uuid.UUID]*record
	closing bool
	wg      sync.WaitGroup
}

func New(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		opts:    opts,
		logger:  logger.With("component", "manager"),
		records: make(map[uuid.UUID]*record),
	}
}

// Run registers job and starts its dispatch in the background.
func (m *Manager) Run(job *protocol.JobRequestMessage) error {
	if job == nil || job.JobID == uuid.Nil {
		return ErrInvalidJob
	}

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		m.publish(events.JobRejected, map[string]any{"job_id": job.JobID, "reason": ErrShuttingDown.Error()})
		return ErrShuttingDown
	}
	if _, ok := m.records[job.JobID]; ok {
		m.mu.Unlock()
		m.logger.Warn("duplicate job rejected", "job_id", job.JobID)
		m.publish(events.JobRejected, map[string]any{"job_id": job.JobID, "reason": ErrDuplicateJob.Error()})
		return ErrDuplicateJob
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	rec := &record{job: job, cancel: cancel, startedAt: time.Now()}
	runner := m.opts.Factory.NewDispatcher(job, func(from, to dispatch.State) {
		rec.setState(to)
		m.publish(events.JobState, map[string]any{
			"job_id": job.JobID,
			"from":   from.String(),
			"to":     to.String(),
		})
	})
	if k, ok := runner.(Killer); ok {
		rec.kill = k.Kill
	}
	m.records[job.JobID] = rec
	m.wg.Add(1)
	m.mu.Unlock()

	if m.opts.Recorder != nil {
		if err := m.opts.Recorder.Start(ctx, job); err != nil {
			m.logger.Error("failed to record job start", "job_id", job.JobID, "error", err)
		}
	}
	m.logger.Info("job received", "job_id", job.JobID, "job_name", job.JobName)
	m.publish(events.JobReceived, map[string]any{"job_id": job.JobID, "job_name": job.JobName})

	go m.dispatch(ctx, rec, runner)
	return nil
}

func (m *Manager) dispatch(ctx context.Context, rec *record, runner JobRunner) {
	defer m.wg.Done()
	defer rec.cancel(nil)

	res := runner.Run(ctx, rec.job)
	if res.JobID == uuid.Nil {
		res.JobID = rec.job.JobID
	}

	if m.opts.Recorder != nil {
		if err := m.opts.Recorder.Finish(context.WithoutCancel(ctx), res); err != nil {
			m.logger.Error("failed to record job result", "job_id", res.JobID, "error", err)
		}
	}

	attrs := []any{
		"job_id", res.JobID,
		"state", res.State.String(),
		"exit_code", res.ExitCode,
		"duration", res.Duration().String(),
	}
	if res.Err != nil {
		attrs = append(attrs, "error", res.Err.Error())
		m.logger.Warn("job finished", attrs...)
	} else {
		m.logger.Info("job finished", attrs...)
	}
	m.publish(events.JobCompleted, map[string]any{
		"job_id":    res.JobID,
		"state":     res.State.String(),
		"exit_code": res.ExitCode,
		"error":     errText(res.Err),
	})

	m.mu.Lock()
	delete(m.records, rec.job.JobID)
	m.mu.Unlock()

	if m.opts.OnComplete != nil {
		m.opts.OnComplete(res)
	}
}

// Cancel signals the dispatch for msg.JobID. It reports false, and does
// nothing else, when no such dispatch is registered.
func (m *Manager) Cancel(msg protocol.JobCancelMessage) bool {
	m.mu.Lock()
	rec, ok := m.records[msg.JobID]
	m.mu.Unlock()

	if !ok {
		m.logger.Debug("cancel for unknown job ignored", "job_id", msg.JobID)
		m.publish(events.JobCancelMissed, map[string]any{"job_id": msg.JobID})
		return false
	}

	rec.cancel(&dispatch.CancelCause{
		Kind:    protocol.CancelRequest,
		Timeout: msg.Timeout.Std(),
		Reason:  "cancel requested",
	})
	m.logger.Info("job cancel requested", "job_id", msg.JobID, "timeout", msg.Timeout.Std().String())
	m.publish(events.JobCancelRequested, map[string]any{"job_id": msg.JobID, "timeout": msg.Timeout})
	return true
}

// Shutdown refuses new jobs, cancels every dispatch with kind and waits for
// the registry to drain or ctx to end.
func (m *Manager) Shutdown(ctx context.Context, kind protocol.MessageType) error {
	if !kind.IsCancellation() || kind == protocol.CancelRequest {
		kind = protocol.AgentShutdown
	}

	m.mu.Lock()
	m.closing = true
	recs := make([]*record, 0, len(m.records))
	for _, rec := range m.records {
		recs = append(recs, rec)
	}
	m.mu.Unlock()

	if len(recs) > 0 {
		m.logger.Info("cancelling active jobs", "count", len(recs), "kind", kind.String())
	}
	for _, rec := range recs {
		rec.cancel(&dispatch.CancelCause{Kind: kind, Reason: "agent shutting down"})
	}
	return m.Wait(ctx)
}

// Kill refuses new jobs and force-kills every registered dispatch, skipping
// whatever cancellation grace is left, then waits for the registry to
// drain or ctx to end. Runners that are not a Killer are only cancelled.
func (m *Manager) Kill(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	recs := make([]*record, 0, len(m.records))
	for _, rec := range m.records {
		recs = append(recs, rec)
	}
	m.mu.Unlock()

	if len(recs) > 0 {
		m.logger.Warn("force-killing active jobs", "count", len(recs))
	}
	for _, rec := range recs {
		rec.cancel(&dispatch.CancelCause{Kind: protocol.AgentShutdown, Reason: "agent force-killing jobs"})
		if rec.kill != nil {
			rec.kill()
		}
		m.publish(events.JobKillRequested, map[string]any{"job_id": rec.job.JobID})
	}
	return m.Wait(ctx)
}

// Wait blocks until no dispatch is registered or ctx ends.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active lists the ids of registered dispatches, oldest first.
func (m *Manager) Active() []uuid.UUID {
	jobs := m.Jobs()
	ids := make([]uuid.UUID, len(jobs))
	for i, j := range jobs {
		ids[i] = j.JobID
	}
	return ids
}

// Jobs snapshots registered dispatches, oldest first.
func (m *Manager) Jobs() []ActiveJob {
	m.mu.Lock()
	out := make([]ActiveJob, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.snapshot())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *Manager) publish(eventType string, data any) {
	if m.opts.Events != nil {
		m.opts.Events.Publish(eventType, data)
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

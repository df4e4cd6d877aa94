package manager_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/jobhost/internal/dispatch"
	"github.com/mattjoyce/jobhost/internal/events"
	"github.com/mattjoyce/jobhost/internal/manager"
	"github.com/mattjoyce/jobhost/internal/manager/mocks"
	"github.com/mattjoyce/jobhost/internal/protocol"
)

// TestLogBuffer is a bytes.Buffer that can be used to capture log output.
type TestLogBuffer struct {
	bytes.Buffer
}

// NewTestSlogger creates a new *slog.Logger that writes to a TestLogBuffer.
func NewTestSlogger() (*slog.Logger, *TestLogBuffer) {
	var buf TestLogBuffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), &buf
}

type fixture struct {
	m        *manager.Manager
	factory  *mocks.MockDispatcherFactory
	recorder *mocks.MockRecorder
	hub      *events.Hub
	logs     *TestLogBuffer
	done     chan dispatch.Result
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	logger, logs := NewTestSlogger()
	f := &fixture{
		factory:  mocks.NewMockDispatcherFactory(ctrl),
		recorder: mocks.NewMockRecorder(ctrl),
		hub:      events.NewHub(64),
		logs:     logs,
		done:     make(chan dispatch.Result, 8),
	}
	f.m = manager.New(manager.Options{
		Factory:    f.factory,
		Recorder:   f.recorder,
		Events:     f.hub,
		Logger:     logger,
		OnComplete: func(res dispatch.Result) { f.done <- res },
	})
	return f
}

func newJob() *protocol.JobRequestMessage {
	return &protocol.JobRequestMessage{JobID: uuid.New(), JobName: "build"}
}

// blockingRunner returns a runner that parks until its context is cancelled
// and reports the cancel cause it observed.
func (f *fixture) blockingRunner(t *testing.T, job *protocol.JobRequestMessage, started chan<- context.Context) {
	t.Helper()
	runner := mocks.NewMockJobRunner(gomock.NewController(t))
	f.factory.EXPECT().NewDispatcher(job, gomock.Any()).
		DoAndReturn(func(_ *protocol.JobRequestMessage, onState func(from, to dispatch.State)) manager.JobRunner {
			runner.EXPECT().Run(gomock.Any(), job).
				DoAndReturn(func(ctx context.Context, j *protocol.JobRequestMessage) dispatch.Result {
					onState(dispatch.StateCreated, dispatch.StateRunning)
					started <- ctx
					<-ctx.Done()
					return dispatch.Result{JobID: j.JobID, State: dispatch.StateCompleted, ExitCode: 103}
				})
			return runner
		})
	f.recorder.EXPECT().Start(gomock.Any(), job).Return(nil)
	f.recorder.EXPECT().Finish(gomock.Any(), gomock.Any()).Return(nil)
}

func waitStarted(t *testing.T, started <-chan context.Context) context.Context {
	t.Helper()
	select {
	case ctx := <-started:
		return ctx
	case <-time.After(2 * time.Second):
		t.Fatal("runner never started")
		return nil
	}
}

func TestRunRemovesRecordOnEveryOutcome(t *testing.T) {
	outcomes := []dispatch.Result{
		{State: dispatch.StateCompleted, ExitCode: 100},
		{State: dispatch.StateCrashed, ExitCode: 1, Err: dispatch.ErrWorkerCrash},
		{State: dispatch.StateKilled, ExitCode: protocol.ExitKilled, Err: dispatch.ErrCancellationTimeout},
		{State: dispatch.StateCrashed, ExitCode: protocol.ExitSpawnFailed, Err: dispatch.ErrSpawnFailure},
	}

	for _, want := range outcomes {
		t.Run(want.State.String(), func(t *testing.T) {
			f := newFixture(t)
			job := newJob()
			want.JobID = job.JobID

			runner := mocks.NewMockJobRunner(gomock.NewController(t))
			f.factory.EXPECT().NewDispatcher(job, gomock.Any()).Return(runner)
			runner.EXPECT().Run(gomock.Any(), job).Return(want)
			f.recorder.EXPECT().Start(gomock.Any(), job).Return(nil)
			f.recorder.EXPECT().Finish(gomock.Any(), want).
				DoAndReturn(func(context.Context, dispatch.Result) error {
					// History is written before the record goes away.
					assert.Equal(t, 1, f.m.Len())
					return nil
				})

			require.NoError(t, f.m.Run(job))

			select {
			case got := <-f.done:
				assert.Equal(t, want, got)
				assert.Equal(t, 0, f.m.Len())
			case <-time.After(2 * time.Second):
				t.Fatal("job never completed")
			}

			require.NoError(t, f.m.Wait(context.Background()))
			assert.Empty(t, f.m.Active())

			var types []string
			for _, ev := range f.hub.SnapshotSince(0) {
				types = append(types, ev.Type)
			}
			assert.Equal(t, []string{events.JobReceived, events.JobCompleted}, types)
		})
	}
}

func TestRunRejectsDuplicateJob(t *testing.T) {
	f := newFixture(t)
	job := newJob()
	started := make(chan context.Context, 1)
	f.blockingRunner(t, job, started)

	require.NoError(t, f.m.Run(job))
	waitStarted(t, started)

	err := f.m.Run(&protocol.JobRequestMessage{JobID: job.JobID})
	assert.ErrorIs(t, err, manager.ErrDuplicateJob)
	assert.Equal(t, 1, f.m.Len())
	assert.Contains(t, f.logs.String(), "duplicate job rejected")

	assert.Equal(t, []uuid.UUID{job.JobID}, f.m.Active())
	jobs := f.m.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "build", jobs[0].JobName)
	assert.Equal(t, "running", jobs[0].State)

	assert.True(t, f.m.Cancel(protocol.JobCancelMessage{JobID: job.JobID}))
	require.NoError(t, f.m.Wait(context.Background()))
	assert.Equal(t, 0, f.m.Len())
}

func TestRunRejectsJobWithoutID(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.m.Run(nil), manager.ErrInvalidJob)
	assert.ErrorIs(t, f.m.Run(&protocol.JobRequestMessage{}), manager.ErrInvalidJob)
}

func TestCancelUnknownJobIsNoop(t *testing.T) {
	f := newFixture(t)
	job := newJob()
	started := make(chan context.Context, 1)
	f.blockingRunner(t, job, started)

	require.NoError(t, f.m.Run(job))
	ctx := waitStarted(t, started)

	assert.False(t, f.m.Cancel(protocol.JobCancelMessage{JobID: uuid.New()}))
	assert.NoError(t, ctx.Err())
	assert.Equal(t, 1, f.m.Len())
	assert.Contains(t, f.logs.String(), "cancel for unknown job ignored")

	assert.True(t, f.m.Cancel(protocol.JobCancelMessage{
		JobID:   job.JobID,
		Timeout: protocol.Duration(90 * time.Second),
	}))
	<-ctx.Done()

	var cause *dispatch.CancelCause
	require.True(t, errors.As(context.Cause(ctx), &cause))
	assert.Equal(t, protocol.CancelRequest, cause.Kind)
	assert.Equal(t, 90*time.Second, cause.Timeout)

	require.NoError(t, f.m.Wait(context.Background()))
}

func TestShutdownCancelsEveryJobAndRefusesNew(t *testing.T) {
	f := newFixture(t)
	started := make(chan context.Context, 2)
	jobA, jobB := newJob(), newJob()
	f.blockingRunner(t, jobA, started)
	f.blockingRunner(t, jobB, started)

	require.NoError(t, f.m.Run(jobA))
	require.NoError(t, f.m.Run(jobB))
	ctxs := []context.Context{waitStarted(t, started), waitStarted(t, started)}
	assert.Equal(t, 2, f.m.Len())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.m.Shutdown(ctx, protocol.OperatingSystemShutdown))

	for _, c := range ctxs {
		var cause *dispatch.CancelCause
		require.True(t, errors.As(context.Cause(c), &cause))
		assert.Equal(t, protocol.OperatingSystemShutdown, cause.Kind)
		assert.Zero(t, cause.Timeout)
	}
	assert.Equal(t, 0, f.m.Len())
	assert.ErrorIs(t, f.m.Run(newJob()), manager.ErrShuttingDown)
}

func TestShutdownGivesUpWhenContextEnds(t *testing.T) {
	f := newFixture(t)
	job := newJob()
	release := make(chan struct{})

	runner := mocks.NewMockJobRunner(gomock.NewController(t))
	f.factory.EXPECT().NewDispatcher(job, gomock.Any()).Return(runner)
	runner.EXPECT().Run(gomock.Any(), job).
		DoAndReturn(func(context.Context, *protocol.JobRequestMessage) dispatch.Result {
			<-release
			return dispatch.Result{State: dispatch.StateKilled, ExitCode: protocol.ExitKilled}
		})
	f.recorder.EXPECT().Start(gomock.Any(), job).Return(nil)
	f.recorder.EXPECT().Finish(gomock.Any(), gomock.Any()).Return(nil)

	require.NoError(t, f.m.Run(job))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.m.Shutdown(ctx, protocol.AgentShutdown), context.DeadlineExceeded)
	assert.Equal(t, 1, f.m.Len())

	close(release)
	require.NoError(t, f.m.Wait(context.Background()))
	res := <-f.done
	assert.Equal(t, job.JobID, res.JobID)
}

func TestRecorderFailureDoesNotStopDispatch(t *testing.T) {
	f := newFixture(t)
	job := newJob()

	runner := mocks.NewMockJobRunner(gomock.NewController(t))
	f.factory.EXPECT().NewDispatcher(job, gomock.Any()).Return(runner)
	runner.EXPECT().Run(gomock.Any(), job).Return(dispatch.Result{JobID: job.JobID, State: dispatch.StateCompleted})
	f.recorder.EXPECT().Start(gomock.Any(), job).Return(errors.New("disk full"))
	f.recorder.EXPECT().Finish(gomock.Any(), gomock.Any()).Return(errors.New("disk full"))

	require.NoError(t, f.m.Run(job))
	require.NoError(t, f.m.Wait(context.Background()))

	logs := f.logs.String()
	assert.Contains(t, logs, "failed to record job start")
	assert.Contains(t, logs, "failed to record job result")
	assert.Equal(t, 0, f.m.Len())
}

func TestFactoryFuncAdapter(t *testing.T) {
	var called bool
	var factory manager.DispatcherFactory = manager.FactoryFunc(
		func(*protocol.JobRequestMessage, func(from, to dispatch.State)) manager.JobRunner {
			called = true
			return nil
		})
	factory.NewDispatcher(newJob(), nil)
	assert.True(t, called)
}

type runnerFunc func(ctx context.Context, job *protocol.JobRequestMessage) dispatch.Result

func (f runnerFunc) Run(ctx context.Context, job *protocol.JobRequestMessage) dispatch.Result {
	return f(ctx, job)
}

// stubbornRunner ignores cancellation and only returns once killed.
type stubbornRunner struct {
	started chan struct{}
	killed  chan struct{}
	once    sync.Once
}

func newStubbornRunner() *stubbornRunner {
	return &stubbornRunner{started: make(chan struct{}), killed: make(chan struct{})}
}

func (r *stubbornRunner) Run(_ context.Context, job *protocol.JobRequestMessage) dispatch.Result {
	close(r.started)
	<-r.killed
	return dispatch.Result{JobID: job.JobID, State: dispatch.StateKilled, ExitCode: protocol.ExitKilled, Err: dispatch.ErrForceKilled}
}

func (r *stubbornRunner) Kill() { r.once.Do(func() { close(r.killed) }) }

type countingRecorder struct {
	mu       sync.Mutex
	started  map[uuid.UUID]int
	finished map[uuid.UUID]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{started: make(map[uuid.UUID]int), finished: make(map[uuid.UUID]int)}
}

func (r *countingRecorder) Start(_ context.Context, job *protocol.JobRequestMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started[job.JobID]++
	return nil
}

func (r *countingRecorder) Finish(_ context.Context, res dispatch.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished[res.JobID]++
	return nil
}

func (r *countingRecorder) counts(id uuid.UUID) (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started[id], r.finished[id]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestKillEndsJobsThatOutliveShutdown(t *testing.T) {
	runner := newStubbornRunner()
	rec := newCountingRecorder()
	hub := events.NewHub(16)
	done := make(chan dispatch.Result, 1)
	m := manager.New(manager.Options{
		Factory: manager.FactoryFunc(func(*protocol.JobRequestMessage, func(from, to dispatch.State)) manager.JobRunner {
			return runner
		}),
		Recorder:   rec,
		Events:     hub,
		Logger:     quietLogger(),
		OnComplete: func(res dispatch.Result) { done <- res },
	})
	job := newJob()
	require.NoError(t, m.Run(job))
	select {
	case <-runner.started:
	case <-time.After(2 * time.Second):
		t.Fatal("runner never started")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, m.Shutdown(shutdownCtx, protocol.AgentShutdown), context.DeadlineExceeded)
	require.Equal(t, 1, m.Len())

	killCtx, cancelKill := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelKill()
	require.NoError(t, m.Kill(killCtx))

	assert.Equal(t, 0, m.Len())
	res := <-done
	assert.Equal(t, dispatch.StateKilled, res.State)
	assert.ErrorIs(t, res.Err, dispatch.ErrForceKilled)
	_, finished := rec.counts(job.JobID)
	assert.Equal(t, 1, finished)
	assert.ErrorIs(t, m.Run(newJob()), manager.ErrShuttingDown)

	var types []string
	for _, e := range hub.SnapshotSince(0) {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, events.JobKillRequested)
}

func TestKillCancelsRunnersWithoutKill(t *testing.T) {
	f := newFixture(t)
	started := make(chan context.Context, 1)
	job := newJob()
	f.blockingRunner(t, job, started)

	require.NoError(t, f.m.Run(job))
	runCtx := waitStarted(t, started)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.m.Kill(ctx))

	var cause *dispatch.CancelCause
	require.True(t, errors.As(context.Cause(runCtx), &cause))
	assert.Equal(t, protocol.AgentShutdown, cause.Kind)
	assert.Equal(t, 0, f.m.Len())
}

func TestRegistryUnderConcurrentRunAndCancel(t *testing.T) {
	const n = 64
	rec := newCountingRecorder()
	m := manager.New(manager.Options{
		Factory: manager.FactoryFunc(func(_ *protocol.JobRequestMessage, onState func(from, to dispatch.State)) manager.JobRunner {
			return runnerFunc(func(ctx context.Context, job *protocol.JobRequestMessage) dispatch.Result {
				onState(dispatch.StateCreated, dispatch.StateRunning)
				select {
				case <-ctx.Done():
					return dispatch.Result{JobID: job.JobID, State: dispatch.StateCompleted, ExitCode: 103}
				case <-time.After(time.Duration(rand.IntN(3)) * time.Millisecond):
					return dispatch.Result{JobID: job.JobID, State: dispatch.StateCompleted}
				}
			})
		}),
		Recorder: rec,
		Events:   events.NewHub(16),
		Logger:   quietLogger(),
	})

	jobs := make([]*protocol.JobRequestMessage, n)
	for i := range jobs {
		jobs[i] = newJob()
	}

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(3)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Run(job))
		}()
		go func() {
			defer wg.Done()
			m.Cancel(protocol.JobCancelMessage{JobID: job.JobID, Timeout: protocol.Duration(time.Minute)})
		}()
		go func() {
			defer wg.Done()
			assert.False(t, m.Cancel(protocol.JobCancelMessage{JobID: uuid.New()}))
			_ = m.Jobs()
			_ = m.Len()
		}()
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, m.Wait(ctx))

	assert.Equal(t, 0, m.Len())
	assert.Empty(t, m.Jobs())
	for _, job := range jobs {
		started, finished := rec.counts(job.JobID)
		assert.Equal(t, 1, started, "job %s", job.JobID)
		assert.Equal(t, 1, finished, "job %s", job.JobID)
	}
}

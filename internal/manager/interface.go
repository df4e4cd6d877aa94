package manager

import (
	"context"

	"github.com/mattjoyce/jobhost/internal/dispatch"
	"github.com/mattjoyce/jobhost/internal/protocol"
)

//go:generate mockgen -destination=mocks/mock_manager.go -package=mocks github.com/mattjoyce/jobhost/internal/manager JobRunner,DispatcherFactory,Recorder

// JobRunner runs one job to completion. *dispatch.Dispatcher satisfies it.
type JobRunner interface {
	Run(ctx context.Context, job *protocol.JobRequestMessage) dispatch.Result
}

// Killer is implemented by runners that can drop cooperative cancellation
// and kill their worker at once. *dispatch.Dispatcher satisfies it.
type Killer interface {
	Kill()
}

// DispatcherFactory builds a fresh runner per job. onState must be passed
// through to the runner so the manager can observe transitions.
type DispatcherFactory interface {
	NewDispatcher(job *protocol.JobRequestMessage, onState func(from, to dispatch.State)) JobRunner
}

// FactoryFunc adapts a plain function to DispatcherFactory.
type FactoryFunc func(job *protocol.JobRequestMessage, onState func(from, to dispatch.State)) JobRunner

func (f FactoryFunc) NewDispatcher(job *protocol.JobRequestMessage, onState func(from, to dispatch.State)) JobRunner {
	return f(job, onState)
}

// Recorder persists dispatch history.
type Recorder interface {
	Start(ctx context.Context, job *protocol.JobRequestMessage) error
	Finish(ctx context.Context, res dispatch.Result) error
}

package dispatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/jobhost/internal/protocol"
)

// State is the lifecycle position of one dispatch.
type State int

const (
	StateCreated State = iota
	StateSpawning
	StateHandshaking
	StateDispatched
	StateRunning
	StateCancelling
	StateCompleted
	StateKilled
	StateCrashed
	StateDisposed
)

var stateNames = [...]string{
	StateCreated:     "created",
	StateSpawning:    "spawning",
	StateHandshaking: "handshaking",
	StateDispatched:  "dispatched",
	StateRunning:     "running",
	StateCancelling:  "cancelling",
	StateCompleted:   "completed",
	StateKilled:      "killed",
	StateCrashed:     "crashed",
	StateDisposed:    "disposed",
}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether s is an outcome rather than a phase.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateKilled || s == StateCrashed
}

var (
	ErrSpawnFailure        = errors.New("worker spawn failed")
	ErrHandshakeTimeout    = fmt.Errorf("%w: handshake timed out", ErrSpawnFailure)
	ErrSendFailed          = errors.New("send to worker failed")
	ErrProtocol            = errors.New("worker channel protocol error")
	ErrWorkerCrash         = errors.New("worker exited without completing the job")
	ErrCancellationTimeout = errors.New("worker did not exit within the cancellation grace period")
	ErrJobTimeout          = errors.New("job exceeded its timeout")
	ErrForceKilled         = errors.New("worker force-killed")
)

// Result is the outcome of one dispatch. Err classifies failures for logs
// and history; the exit code is authoritative.
type Result struct {
	JobID      uuid.UUID
	State      State
	ExitCode   int
	Err        error
	Output     string
	WorkerPID  int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration is the wall time of the dispatch.
func (r Result) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// CancelCause travels as the context cause of a cancelled dispatch and
// decides which message the worker receives and how long it gets.
type CancelCause struct {
	// Kind is CancelRequest, AgentShutdown or OperatingSystemShutdown.
	Kind protocol.MessageType
	// Timeout is the orchestrator's cancel timeout. Zero means the
	// configured grace period applies as is.
	Timeout time.Duration
	Reason  string
}

func (c *CancelCause) Error() string {
	if c.Reason != "" {
		return fmt.Sprintf("%s: %s", c.Kind, c.Reason)
	}
	return c.Kind.String()
}

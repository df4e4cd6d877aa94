// Package dispatch supervises one job running in one isolated worker process.
//
// A Dispatcher spawns the worker binary with a private pipe channel, waits
// for the worker's ready message, sends the job, and then watches the
// process until it exits. Task code never runs inside the agent.
//
// Lifecycle:
//
//	Created → Spawning → Handshaking → Dispatched → Running
//	        → Completed | Cancelling → (Completed | Killed) | Crashed
//	        → Disposed
//
// Timeouts:
//   - handshake_timeout bounds the wait for WorkerReady (spawn failure, 125)
//   - channel_timeout bounds every send; a failed job send kills the worker
//   - the job timeout starts the same cancellation path as an explicit cancel
//
// Cancellation:
//   - the context cause (*CancelCause) picks CancelRequest, AgentShutdown or
//     OperatingSystemShutdown and may carry the orchestrator's timeout
//   - the grace period is max(timeout, min_cancel_timeout) - cancel_kill_margin,
//     or grace_period when no timeout was given
//   - a worker still alive kill_delay before the grace period ends gets
//     SIGTERM on its process group; one still alive when it ends has the
//     group SIGKILLed and the dispatch reports exit code 124
//   - Kill skips whatever wait is left and SIGKILLs the group at once
//
// Outcomes:
//   - Completed: the worker reported JobCompleted, or exited while cancelling
//   - Crashed: the worker exited without reporting, or the channel faulted
//   - Killed: the worker was force-killed
//
// The worker leads its own session. Every path closes the channel and reaps
// the worker. On Linux, anything still running in that session is killed
// before the reap, including scripts that moved to process groups of their
// own. Finally the job's work directory is removed.
package dispatch

package protocol

import "strings"

// TaskResult is the outcome an execution engine reports for a job.
type TaskResult int

const (
	Succeeded TaskResult = iota
	SucceededWithIssues
	Failed
	Canceled
	Skipped
	Abandoned
)

var taskResultNames = map[TaskResult]string{
	Succeeded:           "succeeded",
	SucceededWithIssues: "succeeded_with_issues",
	Failed:              "failed",
	Canceled:            "canceled",
	Skipped:             "skipped",
	Abandoned:           "abandoned",
}

func (r TaskResult) String() string {
	if s, ok := taskResultNames[r]; ok {
		return s
	}
	return "unknown"
}

// ParseTaskResult is the inverse of String. Unknown names return false.
func ParseTaskResult(s string) (TaskResult, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for r, name := range taskResultNames {
		if name == s {
			return r, true
		}
	}
	return 0, false
}

// Worker process exit codes.
const (
	ExitSuccess         = 0
	ExitTerminatedError = 1
	ExitRetryableError  = 2
	ExitRunnerUpdating  = 3

	// ExitTaskResultOffset is added to a non-success TaskResult.
	ExitTaskResultOffset = 100

	// ExitSpawnFailed is reported when no worker ever took the job.
	ExitSpawnFailed = 125
	// ExitKilled is reported when the agent killed the worker. It lies
	// outside 128+N so a worker killed by anyone else, which reports
	// 128+SIGKILL, is never mistaken for it.
	ExitKilled = 124
)

// ExitCodeForResult maps an engine result onto the worker exit code.
func ExitCodeForResult(r TaskResult) int {
	if r == Succeeded {
		return ExitSuccess
	}
	return ExitTaskResultOffset + int(r)
}

// ResultFromExitCode translates a worker exit code back to a TaskResult.
// Codes outside the known range return false.
func ResultFromExitCode(code int) (TaskResult, bool) {
	if code == ExitSuccess {
		return Succeeded, true
	}
	r := TaskResult(code - ExitTaskResultOffset)
	if _, ok := taskResultNames[r]; ok && r != Succeeded {
		return r, true
	}
	return 0, false
}

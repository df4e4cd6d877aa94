package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of a frame on the agent/worker channel.
type MessageType int32

const (
	NotInitialized          MessageType = -1
	NewJobRequest           MessageType = 1
	CancelRequest           MessageType = 2
	AgentShutdown           MessageType = 3
	OperatingSystemShutdown MessageType = 4

	// Worker to agent.
	WorkerReady  MessageType = 10
	JobAccepted  MessageType = 11
	JobCompleted MessageType = 12
)

func (t MessageType) String() string {
	switch t {
	case NotInitialized:
		return "not_initialized"
	case NewJobRequest:
		return "new_job_request"
	case CancelRequest:
		return "cancel_request"
	case AgentShutdown:
		return "agent_shutdown"
	case OperatingSystemShutdown:
		return "os_shutdown"
	case WorkerReady:
		return "worker_ready"
	case JobAccepted:
		return "job_accepted"
	case JobCompleted:
		return "job_completed"
	default:
		return "type_" + strconv.Itoa(int(t))
	}
}

// IsCancellation reports whether t asks the worker to stop its job.
func (t MessageType) IsCancellation() bool {
	return t == CancelRequest || t == AgentShutdown || t == OperatingSystemShutdown
}

// Packet is one framed message. Body is opaque UTF-8 to the transport.
type Packet struct {
	Type MessageType
	Body string
}

// Variable is one name/value pair. Lists of variables keep their order
// across a JSON round trip, which a Go map would not.
type Variable struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Variables is an ordered name/value list.
type Variables []Variable

// Get returns the value for name and whether it was present.
func (v Variables) Get(name string) (string, bool) {
	for _, kv := range v {
		if kv.Name == name {
			return kv.Value, true
		}
	}
	return "", false
}

// Environ renders the list as KEY=VALUE strings for exec.Cmd.Env.
func (v Variables) Environ() []string {
	out := make([]string, 0, len(v))
	for _, kv := range v {
		out = append(out, kv.Name+"="+kv.Value)
	}
	return out
}

type PlanReference struct {
	PlanID   uuid.UUID `json:"planId"`
	PlanType string    `json:"planType,omitempty"`
	Version  int       `json:"version,omitempty"`
}

type TimelineReference struct {
	TimelineID uuid.UUID `json:"timelineId"`
	ChangeID   int       `json:"changeId,omitempty"`
}

// TaskInstance is one unit of work inside a job.
type TaskInstance struct {
	InstanceID  uuid.UUID `json:"instanceId"`
	Name        string    `json:"name"`
	DisplayName string    `json:"displayName,omitempty"`
	Version     string    `json:"version,omitempty"`
	Enabled     bool      `json:"enabled"`
	Inputs      Variables `json:"inputs,omitempty"`
}

// JobRequestMessage is the full job description sent to a worker. It is
// treated as immutable once built.
type JobRequestMessage struct {
	JobID       uuid.UUID         `json:"jobId"`
	JobName     string            `json:"jobName"`
	Plan        PlanReference     `json:"plan"`
	Timeline    TimelineReference `json:"timeline"`
	Environment Variables         `json:"environment,omitempty"`
	Tasks       []TaskInstance    `json:"tasks,omitempty"`
	Timeout     Duration          `json:"timeout,omitempty"`
}

// JobCancelMessage asks for cooperative cancellation of a running job.
type JobCancelMessage struct {
	JobID   uuid.UUID `json:"jobId"`
	Timeout Duration  `json:"timeout,omitempty"`
}

// JobCompletedMessage is the worker's final report before it exits.
type JobCompletedMessage struct {
	JobID    uuid.UUID  `json:"jobId"`
	Result   TaskResult `json:"result"`
	ExitCode int        `json:"exitCode"`
}

// Duration is a time.Duration that marshals as a duration string ("90s")
// and unmarshals from either a duration string or a number of seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		*d = 0
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	case string:
		if v == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

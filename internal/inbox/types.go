package inbox

import (
	"errors"
	"time"
)

// Kind separates the job and cancel streams.
type Kind string

const (
	KindJob    Kind = "job"
	KindCancel Kind = "cancel"
)

// Status is the delivery state of one message.
type Status string

const (
	StatusPending  Status = "pending"
	StatusClaimed  Status = "claimed"
	StatusDone     Status = "done"
	StatusRejected Status = "rejected"
	StatusFailed   Status = "failed"
)

// Terminal reports whether s may be passed to Ack.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusRejected || s == StatusFailed
}

type Message struct {
	ID        string
	Kind      Kind
	Body      string
	Status    Status
	Attempts  int
	CreatedAt time.Time
	ClaimedAt *time.Time
	AckedAt   *time.Time
	LastError *string
}

var ErrMessageNotFound = errors.New("message not found")

package listener

import (
	"context"

	"github.com/mattjoyce/jobhost/internal/inbox"
	"github.com/mattjoyce/jobhost/internal/protocol"
)

//go:generate mockgen -destination=mocks/mock_listener.go -package=mocks github.com/mattjoyce/jobhost/internal/listener Source,Jobs

// Source is the inbox side the loops consume.
type Source interface {
	Claim(ctx context.Context, kind inbox.Kind) (*inbox.Message, error)
	Ack(ctx context.Context, id string, status inbox.Status, lastError *string) error
	RecoverClaimed(ctx context.Context) (int, error)
}

// Jobs is the manager side the loops feed.
type Jobs interface {
	Run(job *protocol.JobRequestMessage) error
	Cancel(msg protocol.JobCancelMessage) bool
	Len() int
}

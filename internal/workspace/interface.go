package workspace

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Workspace is the working directory a worker runs in for one job.
type Workspace struct {
	JobID uuid.UUID
	Dir   string
}

// CleanupReport summarizes a cleanup run.
type CleanupReport struct {
	DeletedDirs int
}

// Manager governs per-job work directory lifecycle.
type Manager interface {
	// Create initializes a new, empty work directory for jobID.
	Create(ctx context.Context, jobID uuid.UUID) (Workspace, error)

	// Open resolves an existing work directory for jobID.
	Open(ctx context.Context, jobID uuid.UUID) (Workspace, error)

	// Remove deletes the work directory for jobID. Missing is not an error.
	Remove(ctx context.Context, jobID uuid.UUID) error

	// Cleanup removes stale work directories older than olderThan.
	Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error)
}

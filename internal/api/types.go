package api

import (
	"github.com/google/uuid"

	"github.com/mattjoyce/jobhost/internal/history"
	"github.com/mattjoyce/jobhost/internal/manager"
	"github.com/mattjoyce/jobhost/internal/protocol"
)

// SubmitResponse is returned when a job or cancel message is queued.
type SubmitResponse struct {
	MessageID string    `json:"message_id"`
	JobID     uuid.UUID `json:"job_id"`
	Status    string    `json:"status"`
}

// CancelRequest is the optional JSON body for POST /jobs/{jobID}/cancel.
type CancelRequest struct {
	Timeout protocol.Duration `json:"timeout,omitempty"`
}

// JobListResponse is returned by GET /jobs.
type JobListResponse struct {
	Jobs []history.Record `json:"jobs"`
}

// ActiveJobsResponse is returned by GET /jobs/active.
type ActiveJobsResponse struct {
	Jobs []manager.ActiveJob `json:"jobs"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	PendingJobs   int    `json:"pending_jobs"`
	PendingCancel int    `json:"pending_cancels"`
	ActiveJobs    int    `json:"active_jobs"`
}

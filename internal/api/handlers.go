package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mattjoyce/jobhost/internal/history"
	"github.com/mattjoyce/jobhost/internal/inbox"
	"github.com/mattjoyce/jobhost/internal/manager"
	"github.com/mattjoyce/jobhost/internal/protocol"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth, err := s.inbox.Depth(r.Context())
	if err != nil {
		s.logger.Error("failed to compute inbox depth", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute inbox depth")
		return
	}

	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		PendingJobs:   depth[inbox.KindJob],
		PendingCancel: depth[inbox.KindCancel],
	}
	if s.active != nil {
		resp.ActiveJobs = len(s.active.Jobs())
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleSubmitJob handles POST /jobs. A missing jobId is generated.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var job protocol.JobRequestMessage
	if err := s.decodeBody(w, r, &job, false); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if job.JobID == uuid.Nil {
		job.JobID = uuid.New()
	}

	body, err := protocol.EncodeJob(&job)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.inbox.Enqueue(r.Context(), inbox.KindJob, body)
	if err != nil {
		s.logger.Error("failed to enqueue job", "job_id", job.JobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}

	s.logger.Info("job queued", "job_id", job.JobID, "message_id", id)
	respondJSON(w, http.StatusAccepted, SubmitResponse{MessageID: id, JobID: job.JobID, Status: "queued"})
}

// handleCancelJob handles POST /jobs/{jobID}/cancel.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.jobIDParam(w, r)
	if !ok {
		return
	}

	var req CancelRequest
	if err := s.decodeBody(w, r, &req, true); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	body, err := protocol.EncodeCancel(protocol.JobCancelMessage{JobID: jobID, Timeout: req.Timeout})
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.inbox.Enqueue(r.Context(), inbox.KindCancel, body)
	if err != nil {
		s.logger.Error("failed to enqueue cancel", "job_id", jobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to enqueue cancel")
		return
	}

	respondJSON(w, http.StatusAccepted, SubmitResponse{MessageID: id, JobID: jobID, Status: "cancel_queued"})
}

// handleGetJob handles GET /jobs/{jobID}.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.jobIDParam(w, r)
	if !ok {
		return
	}

	rec, err := s.history.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("failed to retrieve job", "job_id", jobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve job")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// handleListJobs handles GET /jobs?limit=N.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	recs, err := s.history.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	respondJSON(w, http.StatusOK, JobListResponse{Jobs: recs})
}

// handleActiveJobs handles GET /jobs/active.
func (s *Server) handleActiveJobs(w http.ResponseWriter, r *http.Request) {
	jobs := []manager.ActiveJob{}
	if s.active != nil {
		jobs = append(jobs, s.active.Jobs()...)
	}
	respondJSON(w, http.StatusOK, ActiveJobsResponse{Jobs: jobs})
}

func (s *Server) jobIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid job id")
		return uuid.Nil, false
	}
	return id, true
}

// decodeBody reads a JSON body into v. An empty body is an error unless
// optional is set.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			if optional {
				return nil
			}
			return errors.New("request body is empty")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.New("request body too large")
		}
		return errors.New("invalid JSON: " + err.Error())
	}
	return nil
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

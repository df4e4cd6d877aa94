// Package history persists one row per dispatched job.
package history

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/zeebo/blake3"

	"github.com/mattjoyce/jobhost/internal/dispatch"
	"github.com/mattjoyce/jobhost/internal/protocol"
)

const (
	maxOutputBytes = 64 * 1024
	timeLayout     = "2006-01-02T15:04:05.000000000Z07:00"

	// StateReceived marks a job whose dispatch has not finished yet.
	StateReceived = "received"
)

var ErrNotFound = errors.New("job history not found")

// Record is one job as the API reports it.
type Record struct {
	JobID       uuid.UUID  `json:"job_id"`
	JobName     string     `json:"job_name"`
	PlanID      *uuid.UUID `json:"plan_id,omitempty"`
	PayloadHash string     `json:"payload_hash"`
	State       string     `json:"state"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Result      *string    `json:"result,omitempty"`
	WorkerPID   *int       `json:"worker_pid,omitempty"`
	Error       *string    `json:"error,omitempty"`
	Output      *string    `json:"output,omitempty"`
	ReceivedAt  time.Time  `json:"received_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

type row struct {
	JobID       string         `db:"job_id"`
	JobName     string         `db:"job_name"`
	PlanID      sql.NullString `db:"plan_id"`
	PayloadHash string         `db:"payload_hash"`
	State       string         `db:"state"`
	ExitCode    sql.NullInt64  `db:"exit_code"`
	Result      sql.NullString `db:"result"`
	WorkerPID   sql.NullInt64  `db:"worker_pid"`
	Error       sql.NullString `db:"error"`
	Output      sql.NullString `db:"output"`
	ReceivedAt  string         `db:"received_at"`
	StartedAt   sql.NullString `db:"started_at"`
	FinishedAt  sql.NullString `db:"finished_at"`
}

const selectColumns = `job_id, job_name, plan_id, payload_hash, state, exit_code, result,
  worker_pid, error, output, received_at, started_at, finished_at`

// Store writes job_history rows through sqlx.
type Store struct {
	db *sqlx.DB
}

// New wraps a database opened by storage.OpenSQLite.
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "sqlite")}
}

// PayloadHash is "blake3:<hex>" of the serialized job body.
func PayloadHash(job *protocol.JobRequestMessage) (string, error) {
	body, err := protocol.EncodeJob(job)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256([]byte(body))
	return "blake3:" + hex.EncodeToString(sum[:]), nil
}

// Start records a received job. A job id seen before is reset.
func (s *Store) Start(ctx context.Context, job *protocol.JobRequestMessage) error {
	hash, err := PayloadHash(job)
	if err != nil {
		return fmt.Errorf("hash job payload: %w", err)
	}
	var planID any
	if job.Plan.PlanID != uuid.Nil {
		planID = job.Plan.PlanID.String()
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO job_history(job_id, job_name, plan_id, payload_hash, state, received_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(job_id) DO UPDATE SET
  job_name = excluded.job_name,
  plan_id = excluded.plan_id,
  payload_hash = excluded.payload_hash,
  state = excluded.state,
  received_at = excluded.received_at,
  exit_code = NULL, result = NULL, worker_pid = NULL, error = NULL,
  output = NULL, started_at = NULL, finished_at = NULL;
`, job.JobID.String(), job.JobName, planID, hash, StateReceived, now())
	if err != nil {
		return fmt.Errorf("record job start: %w", err)
	}
	return nil
}

// Finish stores the outcome of a dispatch.
func (s *Store) Finish(ctx context.Context, res dispatch.Result) error {
	var result any
	if r, ok := protocol.ResultFromExitCode(res.ExitCode); ok {
		result = r.String()
	}
	var errText any
	if res.Err != nil {
		errText = res.Err.Error()
	}
	var pid any
	if res.WorkerPID > 0 {
		pid = res.WorkerPID
	}
	output := res.Output
	if len(output) > maxOutputBytes {
		output = output[len(output)-maxOutputBytes:]
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO job_history(job_id, job_name, payload_hash, state, exit_code, result, worker_pid,
  error, output, received_at, started_at, finished_at)
VALUES(?, '', '', ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(job_id) DO UPDATE SET
  state = excluded.state,
  exit_code = excluded.exit_code,
  result = excluded.result,
  worker_pid = excluded.worker_pid,
  error = excluded.error,
  output = excluded.output,
  started_at = excluded.started_at,
  finished_at = excluded.finished_at;
`, res.JobID.String(), res.State.String(), res.ExitCode, result, pid, errText, output,
		now(), formatTime(res.StartedAt), formatTime(res.FinishedAt))
	if err != nil {
		return fmt.Errorf("record job finish: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, jobID uuid.UUID) (*Record, error) {
	var r row
	err := s.db.GetContext(ctx, &r, `SELECT `+selectColumns+` FROM job_history WHERE job_id = ?;`, jobID.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job history: %w", err)
	}
	return r.record(), nil
}

// List returns the most recently received jobs first.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []row
	err := s.db.SelectContext(ctx, &rows, `SELECT `+selectColumns+`
FROM job_history
ORDER BY received_at DESC, rowid DESC
LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("list job history: %w", err)
	}
	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r.record())
	}
	return out, nil
}

// Prune deletes finished rows older than retention and returns the count.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-retention).Format(timeLayout)
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_history WHERE finished_at IS NOT NULL AND finished_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune job history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune job history: %w", err)
	}
	return int(n), nil
}

func (r row) record() *Record {
	out := &Record{
		JobName:     r.JobName,
		PayloadHash: r.PayloadHash,
		State:       r.State,
		ReceivedAt:  parseTime(r.ReceivedAt),
	}
	out.JobID, _ = uuid.Parse(r.JobID)
	if r.PlanID.Valid {
		if id, err := uuid.Parse(r.PlanID.String); err == nil {
			out.PlanID = &id
		}
	}
	if r.ExitCode.Valid {
		v := int(r.ExitCode.Int64)
		out.ExitCode = &v
	}
	if r.WorkerPID.Valid {
		v := int(r.WorkerPID.Int64)
		out.WorkerPID = &v
	}
	out.Result = nullString(r.Result)
	out.Error = nullString(r.Error)
	out.Output = nullString(r.Output)
	out.StartedAt = nullTime(r.StartedAt)
	out.FinishedAt = nullTime(r.FinishedAt)
	return out
}

func now() string { return time.Now().UTC().Format(timeLayout) }

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func nullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

// Package inbox is the durable hand-off between whoever talks to the
// orchestrator and the listener loops. Messages are claimed oldest first
// and acknowledged once handled.
package inbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Inbox struct {
	db *sql.DB
}

func New(db *sql.DB) *Inbox {
	return &Inbox{db: db}
}

func (b *Inbox) Enqueue(ctx context.Context, kind Kind, body string) (string, error) {
	if kind != KindJob && kind != KindCancel {
		return "", fmt.Errorf("unknown message kind %q", kind)
	}
	if body == "" {
		return "", fmt.Errorf("message body is empty")
	}

	id := uuid.NewString()
	now := time.Now().UTC().Format(timeLayout)
	_, err := b.db.ExecContext(ctx, `
INSERT INTO message_inbox(id, kind, body, status, attempts, created_at)
VALUES(?, ?, ?, ?, 0, ?);
`, id, kind, body, StatusPending, now)
	if err != nil {
		return "", fmt.Errorf("enqueue message: %w", err)
	}
	return id, nil
}

// Claim marks the oldest pending message of kind as claimed and returns it.
// Returns (nil, nil) when there is nothing to claim.
func (b *Inbox) Claim(ctx context.Context, kind Kind) (*Message, error) {
	now := time.Now().UTC().Format(timeLayout)
	row := b.db.QueryRowContext(ctx, `
WITH next AS (
  SELECT id
  FROM message_inbox
  WHERE kind = ? AND status = ?
  ORDER BY created_at ASC, rowid ASC
  LIMIT 1
)
UPDATE message_inbox
SET status = ?, claimed_at = ?, attempts = attempts + 1
WHERE id IN (SELECT id FROM next)
RETURNING id, kind, body, status, attempts, created_at, claimed_at, acked_at, last_error;
`, kind, StatusPending, StatusClaimed, now)

	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim message: %w", err)
	}
	return m, nil
}

// Ack settles a claimed message with a terminal status.
func (b *Inbox) Ack(ctx context.Context, id string, status Status, lastError *string) error {
	if id == "" {
		return fmt.Errorf("message id is empty")
	}
	if !status.Terminal() {
		return fmt.Errorf("invalid terminal status: %q", status)
	}

	now := time.Now().UTC().Format(timeLayout)
	res, err := b.db.ExecContext(ctx, `
UPDATE message_inbox
SET status = ?, acked_at = ?, last_error = ?
WHERE id = ? AND status = ?;
`, status, now, lastError, id, StatusClaimed)
	if err != nil {
		return fmt.Errorf("ack message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ack message: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("ack %s: %w", id, ErrMessageNotFound)
	}
	return nil
}

// Get returns one message by id.
func (b *Inbox) Get(ctx context.Context, id string) (*Message, error) {
	row := b.db.QueryRowContext(ctx, `
SELECT id, kind, body, status, attempts, created_at, claimed_at, acked_at, last_error
FROM message_inbox
WHERE id = ?;
`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// Depth counts pending messages per kind.
func (b *Inbox) Depth(ctx context.Context) (map[Kind]int, error) {
	rows, err := b.db.QueryContext(ctx, `
SELECT kind, COUNT(*)
FROM message_inbox
WHERE status = ?
GROUP BY kind;
`, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("inbox depth: %w", err)
	}
	defer rows.Close()

	out := map[Kind]int{KindJob: 0, KindCancel: 0}
	for rows.Next() {
		var (
			kind  string
			count int
		)
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("scan inbox depth: %w", err)
		}
		out[Kind(kind)] = count
	}
	return out, rows.Err()
}

// RecoverClaimed puts messages left claimed by a previous process back to
// pending. It returns how many were requeued.
func (b *Inbox) RecoverClaimed(ctx context.Context) (int, error) {
	res, err := b.db.ExecContext(ctx, `
UPDATE message_inbox
SET status = ?, claimed_at = NULL
WHERE status = ?;
`, StatusPending, StatusClaimed)
	if err != nil {
		return 0, fmt.Errorf("recover claimed messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover claimed messages: %w", err)
	}
	return int(n), nil
}

// PruneAcked deletes settled messages acknowledged before cutoff.
func (b *Inbox) PruneAcked(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(timeLayout)
	res, err := b.db.ExecContext(ctx, `
DELETE FROM message_inbox
WHERE acked_at IS NOT NULL AND acked_at < ?;
`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune inbox: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune inbox: %w", err)
	}
	return int(n), nil
}

func scanMessage(row *sql.Row) (*Message, error) {
	var (
		m          Message
		kindS      string
		statusS    string
		createdAtS string
		claimedAtS sql.NullString
		ackedAtS   sql.NullString
		lastError  sql.NullString
	)
	if err := row.Scan(&m.ID, &kindS, &m.Body, &statusS, &m.Attempts, &createdAtS, &claimedAtS, &ackedAtS, &lastError); err != nil {
		return nil, err
	}
	m.Kind = Kind(kindS)
	m.Status = Status(statusS)
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		m.CreatedAt = t
	}
	if claimedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, claimedAtS.String); err == nil {
			m.ClaimedAt = &t
		}
	}
	if ackedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, ackedAtS.String); err == nil {
			m.AckedAt = &t
		}
	}
	if lastError.Valid {
		m.LastError = &lastError.String
	}
	return &m, nil
}

package inbox

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattjoyce/jobhost/internal/storage"
)

func openInbox(t *testing.T) *Inbox {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	db, err := storage.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestInboxClaimIsFIFOPerKind(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := openInbox(t)

	id1, err := b.Enqueue(ctx, KindJob, `{"n":1}`)
	if err != nil {
		t.Fatalf("Enqueue 1: %v", err)
	}
	cancelID, err := b.Enqueue(ctx, KindCancel, `{"n":"c"}`)
	if err != nil {
		t.Fatalf("Enqueue cancel: %v", err)
	}
	id2, err := b.Enqueue(ctx, KindJob, `{"n":2}`)
	if err != nil {
		t.Fatalf("Enqueue 2: %v", err)
	}

	m1, err := b.Claim(ctx, KindJob)
	if err != nil {
		t.Fatalf("Claim 1: %v", err)
	}
	if m1 == nil || m1.ID != id1 || m1.Status != StatusClaimed || m1.ClaimedAt == nil || m1.Attempts != 1 {
		t.Fatalf("unexpected message 1: %#v", m1)
	}
	m2, err := b.Claim(ctx, KindJob)
	if err != nil {
		t.Fatalf("Claim 2: %v", err)
	}
	if m2 == nil || m2.ID != id2 || m2.Body != `{"n":2}` {
		t.Fatalf("unexpected message 2: %#v", m2)
	}
	m3, err := b.Claim(ctx, KindJob)
	if err != nil {
		t.Fatalf("Claim 3: %v", err)
	}
	if m3 != nil {
		t.Fatalf("expected no more jobs, got %#v", m3)
	}

	c, err := b.Claim(ctx, KindCancel)
	if err != nil {
		t.Fatalf("Claim cancel: %v", err)
	}
	if c == nil || c.ID != cancelID || c.Kind != KindCancel {
		t.Fatalf("unexpected cancel: %#v", c)
	}
}

func TestInboxAck(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := openInbox(t)

	id, err := b.Enqueue(ctx, KindJob, "body")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := b.Ack(ctx, id, StatusDone, nil); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("ack of unclaimed message: want ErrMessageNotFound, got %v", err)
	}
	if _, err := b.Claim(ctx, KindJob); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := b.Ack(ctx, id, StatusClaimed, nil); err == nil {
		t.Fatal("expected non-terminal status to be rejected")
	}

	reason := "invalid job payload"
	if err := b.Ack(ctx, id, StatusRejected, &reason); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	m, err := b.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if m.Status != StatusRejected || m.AckedAt == nil || m.LastError == nil || *m.LastError != reason {
		t.Fatalf("unexpected acked message: %#v", m)
	}

	if _, err := b.Get(ctx, "missing"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("Get missing: want ErrMessageNotFound, got %v", err)
	}
}

func TestInboxDepthAndRecovery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := openInbox(t)

	for i := 0; i < 3; i++ {
		if _, err := b.Enqueue(ctx, KindJob, "job"); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if _, err := b.Enqueue(ctx, KindCancel, "cancel"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := b.Claim(ctx, KindJob); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	depth, err := b.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth[KindJob] != 2 || depth[KindCancel] != 1 {
		t.Fatalf("unexpected depth: %v", depth)
	}

	n, err := b.RecoverClaimed(ctx)
	if err != nil {
		t.Fatalf("RecoverClaimed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered message, got %d", n)
	}
	depth, err = b.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth[KindJob] != 3 {
		t.Fatalf("expected 3 pending jobs after recovery, got %v", depth)
	}

	m, err := b.Claim(ctx, KindJob)
	if err != nil || m == nil {
		t.Fatalf("Claim after recovery: %v %v", m, err)
	}
	if m.Attempts != 2 {
		t.Fatalf("expected second attempt, got %d", m.Attempts)
	}
}

func TestInboxPruneAcked(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := openInbox(t)

	id, err := b.Enqueue(ctx, KindCancel, "c")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := b.Claim(ctx, KindCancel); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := b.Ack(ctx, id, StatusDone, nil); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	if n, err := b.PruneAcked(ctx, time.Hour); err != nil || n != 0 {
		t.Fatalf("PruneAcked(1h) = %d, %v", n, err)
	}
	if n, err := b.PruneAcked(ctx, -time.Second); err != nil || n != 1 {
		t.Fatalf("PruneAcked(now) = %d, %v", n, err)
	}
}

func TestInboxEnqueueValidation(t *testing.T) {
	t.Parallel()
	b := openInbox(t)
	if _, err := b.Enqueue(context.Background(), Kind("other"), "x"); err == nil {
		t.Fatal("expected unknown kind to fail")
	}
	if _, err := b.Enqueue(context.Background(), KindJob, ""); err == nil {
		t.Fatal("expected empty body to fail")
	}
}

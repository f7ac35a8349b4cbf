package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alpinesboltltd/ticketflow/internal/entity"
)

func newOutboxEntry(id string) *entity.NotificationOutbox {
	return &entity.NotificationOutbox{
		NotificationID: id,
		TemplateKey:    "ticket_completed",
		Recipients:     entity.StringSlice{"requester1@example.com"},
		Payload:        entity.JSONMap{},
		Status:         entity.OutboxPending,
	}
}

func TestOutboxAcquireLeaseIsExclusive(t *testing.T) {
	db := NewTestDB(t)
	repo := NewOutboxRepository(db)
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	entry := newOutboxEntry("n1")
	if err := repo.CreateMany(ctx, []*entity.NotificationOutbox{entry}); err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := repo.AcquireLease(ctx, "n1", "worker-a", 5*time.Minute, now)
	if err != nil || !ok {
		t.Fatalf("expected worker-a to acquire the lease, ok=%v err=%v", ok, err)
	}

	ok, err = repo.AcquireLease(ctx, "n1", "worker-b", 5*time.Minute, now)
	if err != nil {
		t.Fatalf("acquire lease: %v", err)
	}
	if ok {
		t.Fatalf("expected worker-b to be refused while worker-a holds the lease")
	}

	if err := repo.ReleaseLease(ctx, "n1", "worker-b"); err != nil {
		t.Fatalf("release lease: %v", err)
	}

	ok, err = repo.AcquireLease(ctx, "n1", "worker-b", 5*time.Minute, now)
	if err != nil || ok {
		t.Fatalf("a non-holder's ReleaseLease must not steal worker-a's lease, ok=%v err=%v", ok, err)
	}

	if err := repo.ReleaseLease(ctx, "n1", "worker-a"); err != nil {
		t.Fatalf("release lease: %v", err)
	}
	ok, err = repo.AcquireLease(ctx, "n1", "worker-b", 5*time.Minute, now)
	if err != nil || !ok {
		t.Fatalf("expected worker-b to acquire after worker-a released, ok=%v err=%v", ok, err)
	}
}

func TestOutboxAcquireLeaseAfterExpiry(t *testing.T) {
	db := NewTestDB(t)
	repo := NewOutboxRepository(db)
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	entry := newOutboxEntry("n2")
	if err := repo.CreateMany(ctx, []*entity.NotificationOutbox{entry}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ok, err := repo.AcquireLease(ctx, "n2", "worker-a", time.Minute, now); err != nil || !ok {
		t.Fatalf("initial acquire: ok=%v err=%v", ok, err)
	}

	later := now.Add(2 * time.Minute)
	ok, err := repo.AcquireLease(ctx, "n2", "worker-b", 5*time.Minute, later)
	if err != nil || !ok {
		t.Fatalf("expected worker-b to reclaim an expired lease, ok=%v err=%v", ok, err)
	}
}

func TestOutboxCleanupStaleLeasesRecoversFromCrash(t *testing.T) {
	db := NewTestDB(t)
	repo := NewOutboxRepository(db)
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	entry := newOutboxEntry("n3")
	if err := repo.CreateMany(ctx, []*entity.NotificationOutbox{entry}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ok, err := repo.AcquireLease(ctx, "n3", "dead-worker", time.Hour, now); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	muchLater := now.Add(2 * time.Hour)
	n, err := repo.CleanupStaleLeases(ctx, 30*time.Minute, muchLater)
	if err != nil {
		t.Fatalf("cleanup stale leases: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 stale lease recovered, got %d", n)
	}

	ok, err := repo.AcquireLease(ctx, "n3", "new-worker", time.Hour, muchLater)
	if err != nil || !ok {
		t.Fatalf("expected the recovered entry to be re-claimable, ok=%v err=%v", ok, err)
	}
}

func TestOutboxMarkFailedBacksOffThenTerminatesAtMaxRetries(t *testing.T) {
	db := NewTestDB(t)
	repo := NewOutboxRepository(db)
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	entry := newOutboxEntry("n4")
	if err := repo.CreateMany(ctx, []*entity.NotificationOutbox{entry}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := repo.MarkFailed(ctx, "n4", "smtp timeout", 3, now); err != nil {
		t.Fatalf("mark failed (1st): %v", err)
	}
	pending, err := repo.FetchPending(ctx, 10, now)
	if err != nil {
		t.Fatalf("fetch pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected the backed-off entry to not be immediately pending, got %v", pending)
	}
	ready, err := repo.FetchRetryReady(ctx, 10, now.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("fetch retry ready: %v", err)
	}
	if len(ready) != 1 {
		t.Fatalf("expected 1 retry-ready entry after its backoff window elapses, got %v", ready)
	}

	if err := repo.MarkFailed(ctx, "n4", "smtp timeout", 3, now); err != nil {
		t.Fatalf("mark failed (2nd): %v", err)
	}
	if err := repo.MarkFailed(ctx, "n4", "smtp timeout", 3, now); err != nil {
		t.Fatalf("mark failed (3rd): %v", err)
	}

	var final entity.NotificationOutbox
	if err := db.First(&final, "notification_id = ?", "n4").Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if final.Status != entity.OutboxFailed {
		t.Fatalf("expected the entry to be terminally FAILED after max_retries, got %s", final.Status)
	}
}

func TestOutboxMarkSentClearsLease(t *testing.T) {
	db := NewTestDB(t)
	repo := NewOutboxRepository(db)
	ctx := context.Background()
	now := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

	entry := newOutboxEntry("n5")
	if err := repo.CreateMany(ctx, []*entity.NotificationOutbox{entry}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ok, err := repo.AcquireLease(ctx, "n5", "worker-a", time.Minute, now); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if err := repo.MarkSent(ctx, "n5", now); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	var final entity.NotificationOutbox
	if err := db.First(&final, "notification_id = ?", "n5").Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if final.Status != entity.OutboxSent {
		t.Fatalf("expected SENT status, got %s", final.Status)
	}
	if final.LockedBy != "" || final.LockedUntil != nil {
		t.Fatalf("expected MarkSent to clear the lease, got locked_by=%q locked_until=%v", final.LockedBy, final.LockedUntil)
	}
}

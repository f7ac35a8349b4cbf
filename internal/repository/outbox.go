package repository

import (
	"math"
	"time"

	"context"

	"github.com/alpinesboltltd/ticketflow/internal/entity"
	appErrors "github.com/alpinesboltltd/ticketflow/internal/errors"
	"gorm.io/gorm"
)

// OutboxRepository satisfies engine.OutboxStore (spec §4.4). Lease
// acquisition is a conditional UPDATE rather than the teacher's raw
// `WITH c AS (...) FOR UPDATE SKIP LOCKED` claim query
// (internal/engine/store/postgres.go) — the same atomic-claim guarantee,
// expressed so it also runs against the sqlite test database, but still
// a single round-trip compare-and-set exactly like the teacher's pattern.
type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

func (r *OutboxRepository) CreateMany(ctx context.Context, entries []*entity.NotificationOutbox) error {
	if len(entries) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&entries).Error; err != nil {
		return appErrors.WrapExternalError(err, "outbox store")
	}
	return nil
}

func (r *OutboxRepository) FetchPending(ctx context.Context, limit int, asOf time.Time) ([]entity.NotificationOutbox, error) {
	var out []entity.NotificationOutbox
	q := r.db.WithContext(ctx).
		Where("status = ?", entity.OutboxPending).
		Where("next_retry_at IS NULL OR next_retry_at <= ?", asOf).
		Where("locked_until IS NULL OR locked_until <= ?", asOf).
		Order("created_at asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, appErrors.WrapExternalError(err, "outbox store")
	}
	return out, nil
}

// FetchRetryReady returns entries already attempted at least once whose
// backoff window has elapsed and which are currently unleased (spec §4.5
// retry_failed_notifications).
func (r *OutboxRepository) FetchRetryReady(ctx context.Context, limit int, asOf time.Time) ([]entity.NotificationOutbox, error) {
	var out []entity.NotificationOutbox
	q := r.db.WithContext(ctx).
		Where("status = ?", entity.OutboxPending).
		Where("retry_count > 0").
		Where("next_retry_at IS NOT NULL AND next_retry_at <= ?", asOf).
		Where("locked_until IS NULL OR locked_until <= ?", asOf).
		Order("created_at asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, appErrors.WrapExternalError(err, "outbox store")
	}
	return out, nil
}

// AcquireLease atomically claims an entry iff it is PENDING and currently
// unleased or lease-expired (spec §4.4).
func (r *OutboxRepository) AcquireLease(ctx context.Context, notificationID, leaseholderID string, duration time.Duration, asOf time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&entity.NotificationOutbox{}).
		Where("notification_id = ?", notificationID).
		Where("status = ?", entity.OutboxPending).
		Where("locked_until IS NULL OR locked_until <= ?", asOf).
		Updates(map[string]interface{}{
			"locked_until":     asOf.Add(duration),
			"locked_by":        leaseholderID,
			"lock_acquired_at": asOf,
		})
	if res.Error != nil {
		return false, appErrors.WrapExternalError(res.Error, "outbox store")
	}
	return res.RowsAffected > 0, nil
}

// ReleaseLease clears the lease, but only when leaseholderID still matches
// — never steals another leaseholder's lock (spec §4.4).
func (r *OutboxRepository) ReleaseLease(ctx context.Context, notificationID, leaseholderID string) error {
	res := r.db.WithContext(ctx).Model(&entity.NotificationOutbox{}).
		Where("notification_id = ? AND locked_by = ?", notificationID, leaseholderID).
		Updates(map[string]interface{}{
			"locked_until":     nil,
			"locked_by":        "",
			"lock_acquired_at": nil,
		})
	if res.Error != nil {
		return appErrors.WrapExternalError(res.Error, "outbox store")
	}
	return nil
}

// CleanupStaleLeases bulk-clears any lease whose lock_acquired_at is older
// than maxAge, recovering from a crashed leaseholder (spec §4.4).
func (r *OutboxRepository) CleanupStaleLeases(ctx context.Context, maxAge time.Duration, asOf time.Time) (int, error) {
	cutoff := asOf.Add(-maxAge)
	res := r.db.WithContext(ctx).Model(&entity.NotificationOutbox{}).
		Where("locked_until IS NOT NULL AND lock_acquired_at IS NOT NULL AND lock_acquired_at < ?", cutoff).
		Updates(map[string]interface{}{
			"locked_until":     nil,
			"locked_by":        "",
			"lock_acquired_at": nil,
		})
	if res.Error != nil {
		return 0, appErrors.WrapExternalError(res.Error, "outbox store")
	}
	return int(res.RowsAffected), nil
}

func (r *OutboxRepository) MarkSent(ctx context.Context, notificationID string, asOf time.Time) error {
	res := r.db.WithContext(ctx).Model(&entity.NotificationOutbox{}).
		Where("notification_id = ? AND status <> ?", notificationID, entity.OutboxSent).
		Updates(map[string]interface{}{
			"status":           entity.OutboxSent,
			"sent_at":          asOf,
			"locked_until":     nil,
			"locked_by":        "",
			"lock_acquired_at": nil,
		})
	if res.Error != nil {
		return appErrors.WrapExternalError(res.Error, "outbox store")
	}
	return nil
}

// MarkFailed increments retry_count; once it reaches max_retries the entry
// is terminally FAILED, otherwise it returns to PENDING with exponential
// backoff (base 2, in minutes) per spec §4.4.
func (r *OutboxRepository) MarkFailed(ctx context.Context, notificationID string, sendErr string, maxRetries int, asOf time.Time) error {
	var entry entity.NotificationOutbox
	if err := r.db.WithContext(ctx).First(&entry, "notification_id = ?", notificationID).Error; err != nil {
		return appErrors.WrapExternalError(err, "outbox store")
	}
	newRetryCount := entry.RetryCount + 1
	updates := map[string]interface{}{
		"retry_count":      newRetryCount,
		"last_error":       sendErr,
		"locked_until":     nil,
		"locked_by":        "",
		"lock_acquired_at": nil,
	}
	if newRetryCount >= maxRetries {
		updates["status"] = entity.OutboxFailed
	} else {
		updates["status"] = entity.OutboxPending
		backoffMinutes := math.Pow(2, float64(newRetryCount-1))
		updates["next_retry_at"] = asOf.Add(time.Duration(backoffMinutes) * time.Minute)
	}
	res := r.db.WithContext(ctx).Model(&entity.NotificationOutbox{}).
		Where("notification_id = ?", notificationID).
		Updates(updates)
	if res.Error != nil {
		return appErrors.WrapExternalError(res.Error, "outbox store")
	}
	return nil
}

// Requeue moves a FAILED entry back to PENDING for immediate retry, the
// operator-triggered escape hatch referenced by spec §4.4's durability note.
func (r *OutboxRepository) Requeue(ctx context.Context, notificationID string, asOf time.Time) error {
	res := r.db.WithContext(ctx).Model(&entity.NotificationOutbox{}).
		Where("notification_id = ? AND status = ?", notificationID, entity.OutboxFailed).
		Updates(map[string]interface{}{
			"status":        entity.OutboxPending,
			"next_retry_at": asOf,
		})
	if res.Error != nil {
		return appErrors.WrapExternalError(res.Error, "outbox store")
	}
	return nil
}

package entity

import "time"

// OutboxStatus is the lifecycle of a NotificationOutbox entry (spec §3,
// §4.4).
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "PENDING"
	OutboxSent      OutboxStatus = "SENT"
	OutboxFailed    OutboxStatus = "FAILED"
	OutboxCancelled OutboxStatus = "CANCELLED"
)

// NotificationOutbox is a durable, at-least-once queue entry (spec §3,
// §4.4). The teacher's own OutboxEvent (internal/engine/models.go) used a
// single `published bool` flag; the spec's lease/backoff contract needs
// the richer shape below.
type NotificationOutbox struct {
	NotificationID string       `json:"notification_id" gorm:"primaryKey;type:varchar(36)"`
	TemplateKey    string       `json:"template_key" gorm:"type:varchar(100);not null"`
	Recipients     StringSlice  `json:"recipients" gorm:"type:jsonb"`
	Payload        JSONMap      `json:"payload" gorm:"type:jsonb"`
	TicketID       string       `json:"ticket_id" gorm:"index;type:varchar(36)"`
	Status         OutboxStatus `json:"status" gorm:"type:varchar(20);not null;default:PENDING;index:idx_outbox_status_retry"`
	RetryCount     int          `json:"retry_count" gorm:"default:0"`
	LastError      string       `json:"last_error" gorm:"type:text"`
	NextRetryAt    *time.Time   `json:"next_retry_at" gorm:"index:idx_outbox_status_retry"`
	LockedUntil    *time.Time   `json:"locked_until" gorm:"index:idx_outbox_locked_until"`
	LockedBy       string       `json:"locked_by" gorm:"type:varchar(100)"`
	LockAcquiredAt *time.Time   `json:"lock_acquired_at"`
	CreatedAt      time.Time    `json:"created_at"`
	SentAt         *time.Time   `json:"sent_at"`
}

func (NotificationOutbox) TableName() string { return "notification_outbox" }

// AuditEvent is an append-only record of one engine-observable action
// (spec §3).
type AuditEvent struct {
	AuditEventID  string       `json:"audit_event_id" gorm:"primaryKey;type:varchar(36)"`
	TicketID      string       `json:"ticket_id" gorm:"index:idx_audit_ticket_ts;type:varchar(36);not null"`
	Timestamp     time.Time    `json:"timestamp" gorm:"index:idx_audit_ticket_ts"`
	Actor         JSONSnapshot `json:"actor" gorm:"type:jsonb"`
	EventType     string       `json:"event_type" gorm:"type:varchar(60);not null"`
	Details       JSONMap      `json:"details" gorm:"type:jsonb"`
	CorrelationID string       `json:"correlation_id" gorm:"type:varchar(36);index"`
}

func (AuditEvent) TableName() string { return "audit_events" }

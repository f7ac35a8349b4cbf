package engine

import (
	"context"
	"time"

	"github.com/alpinesboltltd/ticketflow/internal/entity"
)

// TicketStore is the record-store contract (spec §6.2) specialized to
// Ticket: get/insert/update-with-CAS/list.
type TicketStore interface {
	Get(ctx context.Context, ticketID string) (*entity.Ticket, error)
	Insert(ctx context.Context, t *entity.Ticket) error
	Update(ctx context.Context, t *entity.Ticket, expectedVersion int) error
	List(ctx context.Context, filter TicketFilter) ([]entity.Ticket, error)
}

// TicketFilter narrows TicketStore.List results.
type TicketFilter struct {
	Status      entity.TicketStatus
	RequesterID string
	Limit       int
	Offset      int
}

// TicketStepStore is the record-store contract specialized to TicketStep.
type TicketStepStore interface {
	Get(ctx context.Context, ticketStepID string) (*entity.TicketStep, error)
	Insert(ctx context.Context, s *entity.TicketStep) error
	InsertMany(ctx context.Context, steps []*entity.TicketStep) error
	Update(ctx context.Context, s *entity.TicketStep, expectedVersion int) error
	ListByTicket(ctx context.Context, ticketID string) ([]entity.TicketStep, error)
	ListByParentSubWorkflowStep(ctx context.Context, parentTicketStepID string) ([]entity.TicketStep, error)
	ListDueForSLAReminder(ctx context.Context, within time.Duration, asOf time.Time) ([]entity.TicketStep, error)
	ListOverdueForEscalation(ctx context.Context, asOf time.Time) ([]entity.TicketStep, error)
}

// ApprovalTaskStore manages ApprovalTask satellite records.
type ApprovalTaskStore interface {
	Insert(ctx context.Context, t *entity.ApprovalTask) error
	InsertMany(ctx context.Context, tasks []*entity.ApprovalTask) error
	Update(ctx context.Context, t *entity.ApprovalTask, expectedVersion int) error
	ListByStep(ctx context.Context, ticketStepID string) ([]entity.ApprovalTask, error)
}

// AssignmentStore manages Assignment satellite records.
type AssignmentStore interface {
	Insert(ctx context.Context, a *entity.Assignment) error
	ListByStep(ctx context.Context, ticketStepID string) ([]entity.Assignment, error)
}

// InfoRequestStore manages InfoRequest satellite records.
type InfoRequestStore interface {
	Insert(ctx context.Context, r *entity.InfoRequest) error
	Update(ctx context.Context, r *entity.InfoRequest, expectedVersion int) error
	GetOpenByStep(ctx context.Context, ticketStepID string) (*entity.InfoRequest, error)
}

// WorkflowStore manages WorkflowTemplate and WorkflowVersion records.
type WorkflowStore interface {
	GetTemplate(ctx context.Context, workflowID string) (*entity.WorkflowTemplate, error)
	InsertTemplate(ctx context.Context, t *entity.WorkflowTemplate) error
	UpdateTemplate(ctx context.Context, t *entity.WorkflowTemplate, expectedVersion int) error
	GetVersion(ctx context.Context, workflowID string, versionNumber int) (*entity.WorkflowVersion, error)
	InsertVersion(ctx context.Context, v *entity.WorkflowVersion) error
	NextVersionNumber(ctx context.Context, workflowID string) (int, error)
}

// AuditStore appends audit events.
type AuditStore interface {
	Append(ctx context.Context, ev *entity.AuditEvent) error
	ListByTicket(ctx context.Context, ticketID string) ([]entity.AuditEvent, error)
}

// OutboxStore is the outbox repository contract of spec §4.4.
type OutboxStore interface {
	CreateMany(ctx context.Context, entries []*entity.NotificationOutbox) error
	FetchPending(ctx context.Context, limit int, asOf time.Time) ([]entity.NotificationOutbox, error)
	FetchRetryReady(ctx context.Context, limit int, asOf time.Time) ([]entity.NotificationOutbox, error)
	AcquireLease(ctx context.Context, notificationID, leaseholderID string, duration time.Duration, asOf time.Time) (bool, error)
	ReleaseLease(ctx context.Context, notificationID, leaseholderID string) error
	CleanupStaleLeases(ctx context.Context, maxAge time.Duration, asOf time.Time) (int, error)
	MarkSent(ctx context.Context, notificationID string, asOf time.Time) error
	MarkFailed(ctx context.Context, notificationID string, sendErr string, maxRetries int, asOf time.Time) error
	Requeue(ctx context.Context, notificationID string, asOf time.Time) error
}

// Clock is re-exported here so engine code depends on one narrow seam
// rather than importing internal/platform/clock directly everywhere.
type Clock interface {
	Now() time.Time
}

// IDGenerator mirrors internal/platform/idgen.Generator.
type IDGenerator interface {
	New() string
}

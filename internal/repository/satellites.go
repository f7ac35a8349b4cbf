package repository

import (
	"context"
	"errors"

	"github.com/alpinesboltltd/ticketflow/internal/entity"
	appErrors "github.com/alpinesboltltd/ticketflow/internal/errors"
	"gorm.io/gorm"
)

// ApprovalTaskRepository satisfies engine.ApprovalTaskStore.
type ApprovalTaskRepository struct {
	db *gorm.DB
}

func NewApprovalTaskRepository(db *gorm.DB) *ApprovalTaskRepository {
	return &ApprovalTaskRepository{db: db}
}

func (r *ApprovalTaskRepository) Insert(ctx context.Context, t *entity.ApprovalTask) error {
	t.Version = 1
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *ApprovalTaskRepository) InsertMany(ctx context.Context, tasks []*entity.ApprovalTask) error {
	if len(tasks) == 0 {
		return nil
	}
	for _, t := range tasks {
		t.Version = 1
	}
	return r.db.WithContext(ctx).Create(&tasks).Error
}

func (r *ApprovalTaskRepository) Update(ctx context.Context, t *entity.ApprovalTask, expectedVersion int) error {
	newVersion := expectedVersion + 1
	res := r.db.WithContext(ctx).Model(&entity.ApprovalTask{}).
		Where("approval_task_id = ? AND version = ?", t.ApprovalTaskID, expectedVersion).
		Updates(map[string]interface{}{
			"status":     t.Status,
			"comment":    t.Comment,
			"decided_at": t.DecidedAt,
			"version":    newVersion,
		})
	if res.Error != nil {
		return appErrors.WrapExternalError(res.Error, "approval task store")
	}
	if res.RowsAffected == 0 {
		return appErrors.NewConcurrencyError("approval task version conflict")
	}
	t.Version = newVersion
	return nil
}

func (r *ApprovalTaskRepository) ListByStep(ctx context.Context, ticketStepID string) ([]entity.ApprovalTask, error) {
	var out []entity.ApprovalTask
	if err := r.db.WithContext(ctx).Where("ticket_step_id = ?", ticketStepID).Find(&out).Error; err != nil {
		return nil, appErrors.WrapExternalError(err, "approval task store")
	}
	return out, nil
}

// AssignmentRepository satisfies engine.AssignmentStore.
type AssignmentRepository struct {
	db *gorm.DB
}

func NewAssignmentRepository(db *gorm.DB) *AssignmentRepository {
	return &AssignmentRepository{db: db}
}

func (r *AssignmentRepository) Insert(ctx context.Context, a *entity.Assignment) error {
	return r.db.WithContext(ctx).Create(a).Error
}

func (r *AssignmentRepository) ListByStep(ctx context.Context, ticketStepID string) ([]entity.Assignment, error) {
	var out []entity.Assignment
	if err := r.db.WithContext(ctx).Where("ticket_step_id = ?", ticketStepID).Order("created_at asc").Find(&out).Error; err != nil {
		return nil, appErrors.WrapExternalError(err, "assignment store")
	}
	return out, nil
}

// InfoRequestRepository satisfies engine.InfoRequestStore.
type InfoRequestRepository struct {
	db *gorm.DB
}

func NewInfoRequestRepository(db *gorm.DB) *InfoRequestRepository {
	return &InfoRequestRepository{db: db}
}

func (r *InfoRequestRepository) Insert(ctx context.Context, ir *entity.InfoRequest) error {
	ir.Version = 1
	return r.db.WithContext(ctx).Create(ir).Error
}

func (r *InfoRequestRepository) Update(ctx context.Context, ir *entity.InfoRequest, expectedVersion int) error {
	newVersion := expectedVersion + 1
	res := r.db.WithContext(ctx).Model(&entity.InfoRequest{}).
		Where("info_request_id = ? AND version = ?", ir.InfoRequestID, expectedVersion).
		Updates(map[string]interface{}{
			"response_text": ir.ResponseText,
			"status":        ir.Status,
			"responded_at":  ir.RespondedAt,
			"version":       newVersion,
		})
	if res.Error != nil {
		return appErrors.WrapExternalError(res.Error, "info request store")
	}
	if res.RowsAffected == 0 {
		return appErrors.NewConcurrencyError("info request version conflict")
	}
	ir.Version = newVersion
	return nil
}

func (r *InfoRequestRepository) GetOpenByStep(ctx context.Context, ticketStepID string) (*entity.InfoRequest, error) {
	var ir entity.InfoRequest
	err := r.db.WithContext(ctx).
		Where("ticket_step_id = ? AND status = ?", ticketStepID, entity.InfoRequestOpen).
		Order("created_at desc").
		First(&ir).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, appErrors.WrapExternalError(err, "info request store")
	}
	return &ir, nil
}

// AuditRepository satisfies engine.AuditStore.
type AuditRepository struct {
	db *gorm.DB
}

func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Append(ctx context.Context, ev *entity.AuditEvent) error {
	return r.db.WithContext(ctx).Create(ev).Error
}

func (r *AuditRepository) ListByTicket(ctx context.Context, ticketID string) ([]entity.AuditEvent, error) {
	var out []entity.AuditEvent
	err := r.db.WithContext(ctx).
		Where("ticket_id = ?", ticketID).
		Order("timestamp desc").
		Find(&out).Error
	if err != nil {
		return nil, appErrors.WrapExternalError(err, "audit store")
	}
	return out, nil
}

package repository

import (
	"context"
	"errors"
	"time"

	"github.com/alpinesboltltd/ticketflow/internal/entity"
	appErrors "github.com/alpinesboltltd/ticketflow/internal/errors"
	"gorm.io/gorm"
)

// TicketStepRepository satisfies engine.TicketStepStore.
type TicketStepRepository struct {
	db *gorm.DB
}

func NewTicketStepRepository(db *gorm.DB) *TicketStepRepository {
	return &TicketStepRepository{db: db}
}

func (r *TicketStepRepository) Get(ctx context.Context, ticketStepID string) (*entity.TicketStep, error) {
	var s entity.TicketStep
	if err := r.db.WithContext(ctx).First(&s, "ticket_step_id = ?", ticketStepID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, appErrors.NewNotFoundError("ticket step not found")
		}
		return nil, appErrors.WrapExternalError(err, "ticket step store")
	}
	return &s, nil
}

func (r *TicketStepRepository) Insert(ctx context.Context, s *entity.TicketStep) error {
	s.Version = 1
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *TicketStepRepository) InsertMany(ctx context.Context, steps []*entity.TicketStep) error {
	if len(steps) == 0 {
		return nil
	}
	for _, s := range steps {
		s.Version = 1
	}
	return r.db.WithContext(ctx).Create(&steps).Error
}

func (r *TicketStepRepository) Update(ctx context.Context, s *entity.TicketStep, expectedVersion int) error {
	s.UpdatedAt = time.Now().UTC()
	newVersion := expectedVersion + 1
	res := r.db.WithContext(ctx).Model(&entity.TicketStep{}).
		Where("ticket_step_id = ? AND version = ?", s.TicketStepID, expectedVersion).
		Updates(map[string]interface{}{
			"state":                     s.State,
			"assigned_to":               s.AssignedTo,
			"data":                      s.Data,
			"due_at":                    s.DueAt,
			"branch_id":                 s.BranchID,
			"branch_name":               s.BranchName,
			"parent_fork_step_id":       s.ParentForkStepID,
			"sla_last_reminder_at":      s.SLALastReminderAt,
			"sla_last_escalation_at":    s.SLALastEscalationAt,
			"sla_acknowledged":          s.SLAAcknowledged,
			"updated_at":                s.UpdatedAt,
			"version":                   newVersion,
		})
	if res.Error != nil {
		return appErrors.WrapExternalError(res.Error, "ticket step store")
	}
	if res.RowsAffected == 0 {
		return appErrors.NewConcurrencyError("ticket step version conflict")
	}
	s.Version = newVersion
	return nil
}

func (r *TicketStepRepository) ListByTicket(ctx context.Context, ticketID string) ([]entity.TicketStep, error) {
	var out []entity.TicketStep
	if err := r.db.WithContext(ctx).Where("ticket_id = ?", ticketID).Order("created_at asc").Find(&out).Error; err != nil {
		return nil, appErrors.WrapExternalError(err, "ticket step store")
	}
	return out, nil
}

func (r *TicketStepRepository) ListByParentSubWorkflowStep(ctx context.Context, parentTicketStepID string) ([]entity.TicketStep, error) {
	var out []entity.TicketStep
	if err := r.db.WithContext(ctx).Where("parent_sub_workflow_step_id = ?", parentTicketStepID).Order("created_at asc").Find(&out).Error; err != nil {
		return nil, appErrors.WrapExternalError(err, "ticket step store")
	}
	return out, nil
}

// ListDueForSLAReminder returns active/waiting-approval steps whose due_at
// falls within `within` of asOf (spec §4.5 sla_reminder_sweep). Dedup
// against the 30-minute reminder window is left to the caller, which
// reads SLALastReminderAt from the returned rows.
func (r *TicketStepRepository) ListDueForSLAReminder(ctx context.Context, within time.Duration, asOf time.Time) ([]entity.TicketStep, error) {
	horizon := asOf.Add(within)
	var out []entity.TicketStep
	err := r.db.WithContext(ctx).
		Where("state IN ?", []entity.StepState{entity.StepActive, entity.StepWaitingApproval}).
		Where("due_at IS NOT NULL AND due_at <= ?", horizon).
		Find(&out).Error
	if err != nil {
		return nil, appErrors.WrapExternalError(err, "ticket step store")
	}
	return out, nil
}

// ListOverdueForEscalation returns non-terminal steps whose due_at has
// already passed and which have not been SLA-acknowledged (spec §4.5
// sla_escalation_sweep).
func (r *TicketStepRepository) ListOverdueForEscalation(ctx context.Context, asOf time.Time) ([]entity.TicketStep, error) {
	var out []entity.TicketStep
	err := r.db.WithContext(ctx).
		Where("state IN ?", []entity.StepState{entity.StepActive, entity.StepWaitingApproval, entity.StepWaitingAssignment}).
		Where("due_at IS NOT NULL AND due_at < ?", asOf).
		Where("sla_acknowledged = ?", false).
		Find(&out).Error
	if err != nil {
		return nil, appErrors.WrapExternalError(err, "ticket step store")
	}
	return out, nil
}

package repository

import (
	"context"
	"errors"
	"time"

	"github.com/alpinesboltltd/ticketflow/internal/engine"
	"github.com/alpinesboltltd/ticketflow/internal/entity"
	appErrors "github.com/alpinesboltltd/ticketflow/internal/errors"
	"gorm.io/gorm"
)

// TicketRepository satisfies engine.TicketStore over a GORM database,
// using the compare-and-swap-on-version idiom for every update (spec
// §6.2), the same way the teacher's repository layer translates
// gorm.ErrRecordNotFound into a typed AppError (internal/repository/user.go).
type TicketRepository struct {
	db *gorm.DB
}

func NewTicketRepository(db *gorm.DB) *TicketRepository {
	return &TicketRepository{db: db}
}

func (r *TicketRepository) Get(ctx context.Context, ticketID string) (*entity.Ticket, error) {
	var t entity.Ticket
	if err := r.db.WithContext(ctx).First(&t, "ticket_id = ?", ticketID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, appErrors.NewNotFoundError("ticket not found")
		}
		return nil, appErrors.WrapExternalError(err, "ticket store")
	}
	return &t, nil
}

func (r *TicketRepository) Insert(ctx context.Context, t *entity.Ticket) error {
	t.Version = 1
	return r.db.WithContext(ctx).Create(t).Error
}

// Update performs an optimistic compare-and-swap: the write only lands if
// the row's current version still equals expectedVersion, mirroring the
// teacher's raw `FOR UPDATE SKIP LOCKED` claim pattern (internal/engine/store/postgres.go)
// but scoped to a single-row version check instead of a queue claim.
func (r *TicketRepository) Update(ctx context.Context, t *entity.Ticket, expectedVersion int) error {
	t.UpdatedAt = time.Now().UTC()
	newVersion := expectedVersion + 1
	res := r.db.WithContext(ctx).Model(&entity.Ticket{}).
		Where("ticket_id = ? AND version = ?", t.TicketID, expectedVersion).
		Updates(map[string]interface{}{
			"workflow_id":              t.WorkflowID,
			"workflow_version_number": t.WorkflowVersionNumber,
			"title":                    t.Title,
			"description":              t.Description,
			"status":                   t.Status,
			"requester":                t.Requester,
			"manager_snapshot":         t.ManagerSnapshot,
			"form_values":              t.FormValues,
			"updated_at":               t.UpdatedAt,
			"version":                  newVersion,
		})
	if res.Error != nil {
		return appErrors.WrapExternalError(res.Error, "ticket store")
	}
	if res.RowsAffected == 0 {
		return appErrors.NewConcurrencyError("ticket version conflict")
	}
	t.Version = newVersion
	return nil
}

func (r *TicketRepository) List(ctx context.Context, filter engine.TicketFilter) ([]entity.Ticket, error) {
	q := r.db.WithContext(ctx).Model(&entity.Ticket{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	var out []entity.Ticket
	if err := q.Order("created_at asc").Find(&out).Error; err != nil {
		return nil, appErrors.WrapExternalError(err, "ticket store")
	}
	if filter.RequesterID == "" {
		return out, nil
	}
	filtered := out[:0]
	for _, t := range out {
		if t.Requester.ID == filter.RequesterID {
			filtered = append(filtered, t)
		}
	}
	return filtered, nil
}

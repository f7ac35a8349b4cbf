package repository

import (
	"context"
	"errors"
	"time"

	"github.com/alpinesboltltd/ticketflow/internal/entity"
	appErrors "github.com/alpinesboltltd/ticketflow/internal/errors"
	"gorm.io/gorm"
)

// WorkflowRepository satisfies engine.WorkflowStore.
type WorkflowRepository struct {
	db *gorm.DB
}

func NewWorkflowRepository(db *gorm.DB) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

func (r *WorkflowRepository) GetTemplate(ctx context.Context, workflowID string) (*entity.WorkflowTemplate, error) {
	var t entity.WorkflowTemplate
	if err := r.db.WithContext(ctx).First(&t, "workflow_id = ?", workflowID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, appErrors.NewNotFoundError("workflow not found")
		}
		return nil, appErrors.WrapExternalError(err, "workflow store")
	}
	return &t, nil
}

func (r *WorkflowRepository) InsertTemplate(ctx context.Context, t *entity.WorkflowTemplate) error {
	t.Version = 1
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *WorkflowRepository) UpdateTemplate(ctx context.Context, t *entity.WorkflowTemplate, expectedVersion int) error {
	t.UpdatedAt = time.Now().UTC()
	newVersion := expectedVersion + 1
	res := r.db.WithContext(ctx).Model(&entity.WorkflowTemplate{}).
		Where("workflow_id = ? AND version = ?", t.WorkflowID, expectedVersion).
		Updates(map[string]interface{}{
			"name":            t.Name,
			"description":     t.Description,
			"category":        t.Category,
			"tags":            t.Tags,
			"status":          t.Status,
			"definition":      t.Definition,
			"current_version": t.CurrentVersion,
			"updated_at":      t.UpdatedAt,
			"version":         newVersion,
		})
	if res.Error != nil {
		return appErrors.WrapExternalError(res.Error, "workflow store")
	}
	if res.RowsAffected == 0 {
		return appErrors.NewConcurrencyError("workflow template version conflict")
	}
	t.Version = newVersion
	return nil
}

func (r *WorkflowRepository) GetVersion(ctx context.Context, workflowID string, versionNumber int) (*entity.WorkflowVersion, error) {
	var v entity.WorkflowVersion
	err := r.db.WithContext(ctx).
		Where("workflow_id = ? AND version_number = ?", workflowID, versionNumber).
		First(&v).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, appErrors.NewNotFoundError("workflow version not found")
		}
		return nil, appErrors.WrapExternalError(err, "workflow store")
	}
	return &v, nil
}

func (r *WorkflowRepository) InsertVersion(ctx context.Context, v *entity.WorkflowVersion) error {
	return r.db.WithContext(ctx).Create(v).Error
}

func (r *WorkflowRepository) NextVersionNumber(ctx context.Context, workflowID string) (int, error) {
	var max int
	err := r.db.WithContext(ctx).Model(&entity.WorkflowVersion{}).
		Where("workflow_id = ?", workflowID).
		Select("COALESCE(MAX(version_number), 0)").
		Scan(&max).Error
	if err != nil {
		return 0, appErrors.WrapExternalError(err, "workflow store")
	}
	return max + 1, nil
}

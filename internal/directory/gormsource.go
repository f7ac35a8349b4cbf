package directory

import (
	"context"
	"errors"

	"github.com/alpinesboltltd/ticketflow/internal/entity"
	appErrors "github.com/alpinesboltltd/ticketflow/internal/errors"
	"gorm.io/gorm"
)

// GormSource is the local Source a CachedAdapter wraps when no external
// identity provider is configured: a directory_users table, grounded on
// the same gorm query shape as the record-store repositories.
type GormSource struct {
	db *gorm.DB
}

func NewGormSource(db *gorm.DB) *GormSource {
	return &GormSource{db: db}
}

func (s *GormSource) Lookup(ctx context.Context, userID string) (entity.UserSnapshot, error) {
	var u entity.DirectoryUser
	if err := s.db.WithContext(ctx).First(&u, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entity.UserSnapshot{}, appErrors.NewNotFoundError("directory user not found")
		}
		return entity.UserSnapshot{}, appErrors.WrapExternalError(err, "directory source")
	}
	return entity.UserSnapshot{ID: u.UserID, Email: u.Email, DisplayName: u.DisplayName}, nil
}

func (s *GormSource) LookupManager(ctx context.Context, userID string) (entity.UserSnapshot, error) {
	var u entity.DirectoryUser
	if err := s.db.WithContext(ctx).First(&u, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entity.UserSnapshot{}, appErrors.NewNotFoundError("directory user not found")
		}
		return entity.UserSnapshot{}, appErrors.WrapExternalError(err, "directory source")
	}
	if u.ManagerID == "" {
		return entity.UserSnapshot{}, appErrors.NewNotFoundError("directory user has no manager on file")
	}
	return s.Lookup(ctx, u.ManagerID)
}

func (s *GormSource) LookupByRole(ctx context.Context, role string) ([]entity.UserSnapshot, error) {
	var users []entity.DirectoryUser
	if err := s.db.WithContext(ctx).Find(&users).Error; err != nil {
		return nil, appErrors.WrapExternalError(err, "directory source")
	}
	var out []entity.UserSnapshot
	for _, u := range users {
		for _, r := range u.Roles {
			if r == role {
				out = append(out, entity.UserSnapshot{ID: u.UserID, Email: u.Email, DisplayName: u.DisplayName})
				break
			}
		}
	}
	return out, nil
}

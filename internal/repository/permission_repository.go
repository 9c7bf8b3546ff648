package repository

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/omnisuite/authcore/internal/domain"
	"github.com/omnisuite/authcore/internal/observability"

	"gorm.io/gorm"
)

var ErrPermissionNotFound = errors.New("permission not found")

// Permission names follow module:resource:action. Shape is enforced here, at
// definition time, so authorization stays plain set membership.
var permissionNamePattern = regexp.MustCompile(`^[a-z0-9_-]+:[a-z0-9_-]+:[a-z0-9_*-]+$`)

func ValidatePermissionName(name string) error {
	if !permissionNamePattern.MatchString(name) {
		return fmt.Errorf("invalid permission name %q: want module:resource:action", name)
	}
	return nil
}

type PermissionRepository interface {
	List(ctx context.Context) ([]domain.Permission, error)
	FindByNames(ctx context.Context, names []string) ([]domain.Permission, error)
	Create(ctx context.Context, permission *domain.Permission) error
	DeleteByID(ctx context.Context, id uint) error
}

type GormPermissionRepository struct{ db *gorm.DB }

func NewPermissionRepository(db *gorm.DB) PermissionRepository {
	return &GormPermissionRepository{db: db}
}

func (r *GormPermissionRepository) List(ctx context.Context) ([]domain.Permission, error) {
	var perms []domain.Permission
	err := r.db.WithContext(ctx).Find(&perms).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "permission", "list", "error")
		return perms, err
	}
	observability.RecordRepositoryOperation(ctx, "permission", "list", "success")
	return perms, nil
}

func (r *GormPermissionRepository) FindByNames(ctx context.Context, names []string) ([]domain.Permission, error) {
	if len(names) == 0 {
		observability.RecordRepositoryOperation(ctx, "permission", "find_by_names", "success")
		return nil, nil
	}
	var perms []domain.Permission
	if err := r.db.WithContext(ctx).Where("name IN ?", names).Find(&perms).Error; err != nil {
		observability.RecordRepositoryOperation(ctx, "permission", "find_by_names", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "permission", "find_by_names", "success")
	return perms, nil
}

func (r *GormPermissionRepository) Create(ctx context.Context, permission *domain.Permission) error {
	if err := ValidatePermissionName(permission.Name); err != nil {
		observability.RecordRepositoryOperation(ctx, "permission", "create", "invalid")
		return err
	}
	err := r.db.WithContext(ctx).Create(permission).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "permission", "create", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "permission", "create", "success")
	return nil
}

func (r *GormPermissionRepository) DeleteByID(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Delete(&domain.Permission{}, id)
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "permission", "delete_by_id", "error")
		return res.Error
	}
	if res.RowsAffected == 0 {
		observability.RecordRepositoryOperation(ctx, "permission", "delete_by_id", "not_found")
		return ErrPermissionNotFound
	}
	observability.RecordRepositoryOperation(ctx, "permission", "delete_by_id", "success")
	return nil
}

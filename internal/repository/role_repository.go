package repository

import (
	"context"
	"errors"

	"github.com/omnisuite/authcore/internal/domain"
	"github.com/omnisuite/authcore/internal/observability"

	"gorm.io/gorm"
)

var ErrRoleNotFound = errors.New("role not found")

type RoleRepository interface {
	FindByID(ctx context.Context, id uint) (*domain.Role, error)
	FindByName(ctx context.Context, tenantID, name string) (*domain.Role, error)
	ListForTenant(ctx context.Context, tenantID string) ([]domain.Role, error)
	Create(ctx context.Context, role *domain.Role, permissionIDs []uint) error
	Update(ctx context.Context, role *domain.Role, permissionIDs []uint) error
	DeleteByID(ctx context.Context, id uint) error
}

type GormRoleRepository struct{ db *gorm.DB }

func NewRoleRepository(db *gorm.DB) RoleRepository { return &GormRoleRepository{db: db} }

func (r *GormRoleRepository) FindByID(ctx context.Context, id uint) (*domain.Role, error) {
	var role domain.Role
	err := r.db.WithContext(ctx).Preload("Permissions").First(&role, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "role", "find_by_id", "not_found")
			return nil, ErrRoleNotFound
		}
		observability.RecordRepositoryOperation(ctx, "role", "find_by_id", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "role", "find_by_id", "success")
	return &role, nil
}

func (r *GormRoleRepository) FindByName(ctx context.Context, tenantID, name string) (*domain.Role, error) {
	var role domain.Role
	err := r.db.WithContext(ctx).Preload("Permissions").
		Where("tenant_id = ? AND name = ?", tenantID, name).First(&role).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "role", "find_by_name", "not_found")
			return nil, ErrRoleNotFound
		}
		observability.RecordRepositoryOperation(ctx, "role", "find_by_name", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "role", "find_by_name", "success")
	return &role, nil
}

// ListForTenant returns the tenant's own roles plus global roles (empty
// tenant_id).
func (r *GormRoleRepository) ListForTenant(ctx context.Context, tenantID string) ([]domain.Role, error) {
	var roles []domain.Role
	err := r.db.WithContext(ctx).Preload("Permissions").
		Where("tenant_id = ? OR tenant_id = ''", tenantID).
		Find(&roles).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "role", "list_for_tenant", "error")
		return roles, err
	}
	observability.RecordRepositoryOperation(ctx, "role", "list_for_tenant", "success")
	return roles, nil
}

func (r *GormRoleRepository) Create(ctx context.Context, role *domain.Role, permissionIDs []uint) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(role).Error; err != nil {
			return err
		}
		if len(permissionIDs) == 0 {
			return nil
		}
		var perms []domain.Permission
		if err := tx.Where("id IN ?", permissionIDs).Find(&perms).Error; err != nil {
			return err
		}
		return tx.Model(role).Association("Permissions").Replace(perms)
	})
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "role", "create", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "role", "create", "success")
	return nil
}

func (r *GormRoleRepository) Update(ctx context.Context, role *domain.Role, permissionIDs []uint) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing domain.Role
		if err := tx.Preload("Permissions").First(&existing, role.ID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRoleNotFound
			}
			return err
		}
		if err := tx.Model(&existing).Updates(map[string]any{
			"name":        role.Name,
			"description": role.Description,
		}).Error; err != nil {
			return err
		}
		var perms []domain.Permission
		if len(permissionIDs) > 0 {
			if err := tx.Where("id IN ?", permissionIDs).Find(&perms).Error; err != nil {
				return err
			}
		}
		return tx.Model(&existing).Association("Permissions").Replace(perms)
	})
	if err != nil {
		if errors.Is(err, ErrRoleNotFound) {
			observability.RecordRepositoryOperation(ctx, "role", "update", "not_found")
		} else {
			observability.RecordRepositoryOperation(ctx, "role", "update", "error")
		}
		return err
	}
	observability.RecordRepositoryOperation(ctx, "role", "update", "success")
	return nil
}

func (r *GormRoleRepository) DeleteByID(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Delete(&domain.Role{}, id)
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "role", "delete_by_id", "error")
		return res.Error
	}
	if res.RowsAffected == 0 {
		observability.RecordRepositoryOperation(ctx, "role", "delete_by_id", "not_found")
		return ErrRoleNotFound
	}
	observability.RecordRepositoryOperation(ctx, "role", "delete_by_id", "success")
	return nil
}

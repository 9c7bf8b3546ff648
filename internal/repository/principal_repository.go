package repository

import (
	"context"
	"errors"

	"github.com/omnisuite/authcore/internal/domain"
	"github.com/omnisuite/authcore/internal/observability"

	"gorm.io/gorm"
)

var ErrPrincipalNotFound = errors.New("principal not found")

type PrincipalRepository interface {
	FindByID(ctx context.Context, id uint) (*domain.Principal, error)
	FindByEmail(ctx context.Context, tenantID, email string) (*domain.Principal, error)
	Create(ctx context.Context, p *domain.Principal) error
	UpdatePasswordHash(ctx context.Context, id uint, hash string) error
	SetMFAEnabled(ctx context.Context, id uint, enabled bool) error
	SetRoles(ctx context.Context, principalID uint, roleIDs []uint) error
	GetRolesVersion(ctx context.Context, principalID uint) (uint64, error)
}

type GormPrincipalRepository struct{ db *gorm.DB }

func NewPrincipalRepository(db *gorm.DB) PrincipalRepository {
	return &GormPrincipalRepository{db: db}
}

func (r *GormPrincipalRepository) FindByID(ctx context.Context, id uint) (*domain.Principal, error) {
	var p domain.Principal
	err := r.db.WithContext(ctx).Preload("Roles.Permissions").First(&p, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "principal", "find_by_id", "not_found")
			return nil, ErrPrincipalNotFound
		}
		observability.RecordRepositoryOperation(ctx, "principal", "find_by_id", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "principal", "find_by_id", "success")
	return &p, nil
}

func (r *GormPrincipalRepository) FindByEmail(ctx context.Context, tenantID, email string) (*domain.Principal, error) {
	var p domain.Principal
	err := r.db.WithContext(ctx).Preload("Roles.Permissions").
		Where("tenant_id = ? AND email = ?", tenantID, email).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "principal", "find_by_email", "not_found")
			return nil, ErrPrincipalNotFound
		}
		observability.RecordRepositoryOperation(ctx, "principal", "find_by_email", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "principal", "find_by_email", "success")
	return &p, nil
}

func (r *GormPrincipalRepository) Create(ctx context.Context, p *domain.Principal) error {
	err := r.db.WithContext(ctx).Create(p).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "principal", "create", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "principal", "create", "success")
	return nil
}

func (r *GormPrincipalRepository) UpdatePasswordHash(ctx context.Context, id uint, hash string) error {
	res := r.db.WithContext(ctx).Model(&domain.Principal{}).
		Where("id = ?", id).
		Update("password_hash", hash)
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "principal", "update_password_hash", "error")
		return res.Error
	}
	if res.RowsAffected == 0 {
		observability.RecordRepositoryOperation(ctx, "principal", "update_password_hash", "not_found")
		return ErrPrincipalNotFound
	}
	observability.RecordRepositoryOperation(ctx, "principal", "update_password_hash", "success")
	return nil
}

func (r *GormPrincipalRepository) SetMFAEnabled(ctx context.Context, id uint, enabled bool) error {
	res := r.db.WithContext(ctx).Model(&domain.Principal{}).
		Where("id = ?", id).
		Update("mfa_enabled", enabled)
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "principal", "set_mfa_enabled", "error")
		return res.Error
	}
	if res.RowsAffected == 0 {
		observability.RecordRepositoryOperation(ctx, "principal", "set_mfa_enabled", "not_found")
		return ErrPrincipalNotFound
	}
	observability.RecordRepositoryOperation(ctx, "principal", "set_mfa_enabled", "success")
	return nil
}

// SetRoles replaces the principal's role set and bumps roles_version so that
// cached permission resolutions for older sessions go stale.
func (r *GormPrincipalRepository) SetRoles(ctx context.Context, principalID uint, roleIDs []uint) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var roles []domain.Role
		if len(roleIDs) > 0 {
			if err := tx.Where("id IN ?", roleIDs).Find(&roles).Error; err != nil {
				return err
			}
		}
		p := domain.Principal{ID: principalID}
		if err := tx.Model(&p).Association("Roles").Replace(roles); err != nil {
			return err
		}
		return tx.Model(&domain.Principal{}).
			Where("id = ?", principalID).
			Update("roles_version", gorm.Expr("roles_version + 1")).Error
	})
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "principal", "set_roles", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "principal", "set_roles", "success")
	return nil
}

// GetRolesVersion reads the bare counter without loading the role graph; the
// permission cache folds it into its key on every resolution.
func (r *GormPrincipalRepository) GetRolesVersion(ctx context.Context, principalID uint) (uint64, error) {
	var version uint64
	res := r.db.WithContext(ctx).Model(&domain.Principal{}).
		Select("roles_version").
		Where("id = ?", principalID).
		Scan(&version)
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "principal", "get_roles_version", "error")
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		observability.RecordRepositoryOperation(ctx, "principal", "get_roles_version", "not_found")
		return 0, ErrPrincipalNotFound
	}
	observability.RecordRepositoryOperation(ctx, "principal", "get_roles_version", "success")
	return version, nil
}

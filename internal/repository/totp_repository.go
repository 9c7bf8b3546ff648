package repository

import (
	"context"
	"errors"
	"time"

	"github.com/omnisuite/authcore/internal/domain"
	"github.com/omnisuite/authcore/internal/observability"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrTotpNotEnrolled = errors.New("totp credential not enrolled")

// TotpRepository persists TOTP secrets and the replay ledger. AdvanceStep is a
// compare-and-set on last_used_step; a matched step at or below the stored
// value leaves the row untouched and reports false.
type TotpRepository interface {
	Upsert(ctx context.Context, cred *domain.TotpCredential) error
	Find(ctx context.Context, principalID uint) (*domain.TotpCredential, error)
	AdvanceStep(ctx context.Context, principalID uint, step int64, at time.Time) (bool, error)
}

type GormTotpRepository struct{ db *gorm.DB }

func NewTotpRepository(db *gorm.DB) TotpRepository { return &GormTotpRepository{db: db} }

// Upsert installs a fresh secret for the principal. Re-enrollment resets the
// ledger and drops confirmation, so MFA is only enforced again after a new
// successful verify.
func (r *GormTotpRepository) Upsert(ctx context.Context, cred *domain.TotpCredential) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "principal_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"secret":         cred.Secret,
			"last_used_step": cred.LastUsedStep,
			"confirmed_at":   nil,
		}),
	}).Create(cred).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "totp", "upsert", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "totp", "upsert", "success")
	return nil
}

func (r *GormTotpRepository) Find(ctx context.Context, principalID uint) (*domain.TotpCredential, error) {
	var cred domain.TotpCredential
	err := r.db.WithContext(ctx).Where("principal_id = ?", principalID).First(&cred).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "totp", "find", "not_found")
			return nil, ErrTotpNotEnrolled
		}
		observability.RecordRepositoryOperation(ctx, "totp", "find", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "totp", "find", "success")
	return &cred, nil
}

func (r *GormTotpRepository) AdvanceStep(ctx context.Context, principalID uint, step int64, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&domain.TotpCredential{}).
		Where("principal_id = ? AND last_used_step < ?", principalID, step).
		Updates(map[string]any{
			"last_used_step": step,
			"confirmed_at":   gorm.Expr("COALESCE(confirmed_at, ?)", at.UTC()),
		})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "totp", "advance_step", "error")
		return false, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "totp", "advance_step", "success")
	return res.RowsAffected > 0, nil
}

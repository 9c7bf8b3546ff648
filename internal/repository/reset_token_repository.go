package repository

import (
	"context"
	"errors"
	"time"

	"github.com/omnisuite/authcore/internal/domain"
	"github.com/omnisuite/authcore/internal/observability"

	"gorm.io/gorm"
)

var ErrResetTokenNotFound = errors.New("reset token not found")

// ResetTokenRepository persists password-reset grants. IssueReplacing keeps
// the one-live-grant-per-principal invariant by superseding outstanding
// unconsumed tokens in the same transaction that creates the new one.
// ConsumeAndSetPassword is a conditional update so double consumption cannot
// both succeed, and it commits together with the password write.
type ResetTokenRepository interface {
	IssueReplacing(ctx context.Context, token *domain.PasswordResetToken) error
	FindByHash(ctx context.Context, hash string) (*domain.PasswordResetToken, error)
	ConsumeAndSetPassword(ctx context.Context, id, principalID uint, passwordHash string, now time.Time) (bool, error)
	CleanupExpired(ctx context.Context, now time.Time) (int64, error)
}

type GormResetTokenRepository struct{ db *gorm.DB }

func NewResetTokenRepository(db *gorm.DB) ResetTokenRepository {
	return &GormResetTokenRepository{db: db}
}

func (r *GormResetTokenRepository) IssueReplacing(ctx context.Context, token *domain.PasswordResetToken) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		if err := tx.Model(&domain.PasswordResetToken{}).
			Where("principal_id = ? AND consumed_at IS NULL AND superseded_at IS NULL", token.PrincipalID).
			Update("superseded_at", now).Error; err != nil {
			return err
		}
		return tx.Create(token).Error
	})
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "reset_token", "issue_replacing", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "reset_token", "issue_replacing", "success")
	return nil
}

func (r *GormResetTokenRepository) FindByHash(ctx context.Context, hash string) (*domain.PasswordResetToken, error) {
	var t domain.PasswordResetToken
	err := r.db.WithContext(ctx).Where("token_hash = ?", hash).First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "reset_token", "find_by_hash", "not_found")
			return nil, ErrResetTokenNotFound
		}
		observability.RecordRepositoryOperation(ctx, "reset_token", "find_by_hash", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "reset_token", "find_by_hash", "success")
	return &t, nil
}

// ConsumeAndSetPassword burns the grant and writes the new hash in one
// transaction: a failed password write rolls the consumption back, so the
// holder can retry with the same token. A lost compare-and-set reads as
// (false, nil).
func (r *GormResetTokenRepository) ConsumeAndSetPassword(ctx context.Context, id, principalID uint, passwordHash string, now time.Time) (bool, error) {
	consumed := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.PasswordResetToken{}).
			Where("id = ? AND consumed_at IS NULL", id).
			Update("consumed_at", now.UTC())
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		upd := tx.Model(&domain.Principal{}).
			Where("id = ?", principalID).
			Update("password_hash", passwordHash)
		if upd.Error != nil {
			return upd.Error
		}
		if upd.RowsAffected == 0 {
			return ErrPrincipalNotFound
		}
		consumed = true
		return nil
	})
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "reset_token", "consume_and_set_password", "error")
		return false, err
	}
	observability.RecordRepositoryOperation(ctx, "reset_token", "consume_and_set_password", "success")
	return consumed, nil
}

func (r *GormResetTokenRepository) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&domain.PasswordResetToken{})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "reset_token", "cleanup_expired", "error")
		return res.RowsAffected, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "reset_token", "cleanup_expired", "success")
	return res.RowsAffected, nil
}

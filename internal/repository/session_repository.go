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

var ErrSessionNotFound = errors.New("session not found")

// SessionRepository persists refresh-token rotation chains. Rotate is the
// serialization point for concurrent refresh calls on the same token: the row
// is locked and matched on revoked_at IS NULL, so exactly one caller wins and
// the loser observes the token already revoked.
type SessionRepository interface {
	Create(ctx context.Context, s *domain.RefreshSession) error
	FindByHash(ctx context.Context, hash string) (*domain.RefreshSession, error)
	ListActiveByPrincipal(ctx context.Context, principalID uint, now time.Time) ([]domain.RefreshSession, error)
	Rotate(ctx context.Context, oldHash string, next *domain.RefreshSession, now time.Time) (*domain.RefreshSession, error)
	MarkReuseDetected(ctx context.Context, hash string) error
	RevokeFamily(ctx context.Context, familyID, reason string) (int64, error)
	RevokeAllForPrincipal(ctx context.Context, principalID uint, reason string) error
	RevokeOthers(ctx context.Context, principalID uint, keepFamilyID, reason string) (int64, error)
	CleanupExpired(ctx context.Context, now time.Time) (int64, error)
}

type GormSessionRepository struct{ db *gorm.DB }

func NewSessionRepository(db *gorm.DB) SessionRepository { return &GormSessionRepository{db: db} }

func (r *GormSessionRepository) Create(ctx context.Context, s *domain.RefreshSession) error {
	err := r.db.WithContext(ctx).Create(s).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "session", "create", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "session", "create", "success")
	return nil
}

func (r *GormSessionRepository) FindByHash(ctx context.Context, hash string) (*domain.RefreshSession, error) {
	var s domain.RefreshSession
	err := r.db.WithContext(ctx).Where("refresh_token_hash = ?", hash).First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "session", "find_by_hash", "not_found")
			return nil, ErrSessionNotFound
		}
		observability.RecordRepositoryOperation(ctx, "session", "find_by_hash", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "session", "find_by_hash", "success")
	return &s, nil
}

func (r *GormSessionRepository) ListActiveByPrincipal(ctx context.Context, principalID uint, now time.Time) ([]domain.RefreshSession, error) {
	var sessions []domain.RefreshSession
	err := r.db.WithContext(ctx).
		Where("principal_id = ? AND revoked_at IS NULL AND expires_at > ?", principalID, now.UTC()).
		Order("created_at DESC").
		Find(&sessions).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "session", "list_active_by_principal", "error")
		return sessions, err
	}
	observability.RecordRepositoryOperation(ctx, "session", "list_active_by_principal", "success")
	return sessions, nil
}

func (r *GormSessionRepository) Rotate(ctx context.Context, oldHash string, next *domain.RefreshSession, now time.Time) (*domain.RefreshSession, error) {
	now = now.UTC()
	var rotated *domain.RefreshSession
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var s domain.RefreshSession
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("refresh_token_hash = ? AND revoked_at IS NULL AND expires_at > ?", oldHash, now).
			First(&s).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSessionNotFound
			}
			return err
		}
		reason := "rotated"
		if err := tx.Model(&domain.RefreshSession{}).
			Where("id = ?", s.ID).
			Updates(map[string]any{"revoked_at": now, "revoked_reason": reason}).Error; err != nil {
			return err
		}
		if err := tx.Create(next).Error; err != nil {
			return err
		}
		s.RevokedAt = &now
		s.RevokedReason = &reason
		rotated = &s
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			observability.RecordRepositoryOperation(ctx, "session", "rotate", "not_found")
		} else {
			observability.RecordRepositoryOperation(ctx, "session", "rotate", "error")
		}
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "session", "rotate", "success")
	return rotated, nil
}

func (r *GormSessionRepository) MarkReuseDetected(ctx context.Context, hash string) error {
	now := time.Now().UTC()
	reason := "reuse_detected"
	err := r.db.WithContext(ctx).Model(&domain.RefreshSession{}).
		Where("refresh_token_hash = ?", hash).
		Updates(map[string]any{"reuse_detected_at": now, "revoked_reason": reason}).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "session", "mark_reuse_detected", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "session", "mark_reuse_detected", "success")
	return nil
}

func (r *GormSessionRepository) RevokeFamily(ctx context.Context, familyID, reason string) (int64, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&domain.RefreshSession{}).
		Where("family_id = ? AND revoked_at IS NULL", familyID).
		Updates(map[string]any{"revoked_at": now, "revoked_reason": reason})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "session", "revoke_family", "error")
		return res.RowsAffected, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "session", "revoke_family", "success")
	return res.RowsAffected, nil
}

func (r *GormSessionRepository) RevokeAllForPrincipal(ctx context.Context, principalID uint, reason string) error {
	now := time.Now().UTC()
	err := r.db.WithContext(ctx).Model(&domain.RefreshSession{}).
		Where("principal_id = ? AND revoked_at IS NULL", principalID).
		Updates(map[string]any{"revoked_at": now, "revoked_reason": reason}).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "session", "revoke_all_for_principal", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "session", "revoke_all_for_principal", "success")
	return nil
}

func (r *GormSessionRepository) RevokeOthers(ctx context.Context, principalID uint, keepFamilyID, reason string) (int64, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&domain.RefreshSession{}).
		Where("principal_id = ? AND family_id <> ? AND revoked_at IS NULL", principalID, keepFamilyID).
		Updates(map[string]any{"revoked_at": now, "revoked_reason": reason})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "session", "revoke_others", "error")
		return res.RowsAffected, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "session", "revoke_others", "success")
	return res.RowsAffected, nil
}

func (r *GormSessionRepository) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&domain.RefreshSession{})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "session", "cleanup_expired", "error")
		return res.RowsAffected, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "session", "cleanup_expired", "success")
	return res.RowsAffected, nil
}

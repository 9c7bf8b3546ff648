package service

import (
	"context"
	"errors"
	"time"

	"github.com/omnisuite/authcore/internal/domain"
	"github.com/omnisuite/authcore/internal/observability"
	"github.com/omnisuite/authcore/internal/repository"
	"github.com/omnisuite/authcore/internal/security"
)

// ResetIssue is returned to the delivery layer, which owns getting the token
// to the user. The raw token is never persisted.
type ResetIssue struct {
	PrincipalID uint
	Token       string
	ExpiresAt   time.Time
}

// PasswordService owns the password lifecycle: change, forgot, reset. Every
// successful credential change revokes all refresh-token families of the
// principal, including the one the request arrived on.
type PasswordService struct {
	principals repository.PrincipalRepository
	resets     repository.ResetTokenRepository
	sessions   repository.SessionRepository
	hasher     *security.PasswordHasher
	misses     UnknownIdentityCache
	pepper     string
	resetTTL   time.Duration
	clock      Clock
}

// unknownIdentityTTL bounds how long a tenant/email miss is remembered.
const unknownIdentityTTL = 5 * time.Minute

func NewPasswordService(
	principals repository.PrincipalRepository,
	resets repository.ResetTokenRepository,
	sessions repository.SessionRepository,
	hasher *security.PasswordHasher,
	misses UnknownIdentityCache,
	pepper string,
	resetTTL time.Duration,
	clock Clock,
) *PasswordService {
	if clock == nil {
		clock = SystemClock()
	}
	if misses == nil {
		misses = NewNoopUnknownIdentityCache()
	}
	return &PasswordService{
		principals: principals,
		resets:     resets,
		sessions:   sessions,
		hasher:     hasher,
		misses:     misses,
		pepper:     pepper,
		resetTTL:   resetTTL,
		clock:      clock,
	}
}

func (s *PasswordService) ChangePassword(ctx context.Context, principalID uint, currentPassword, newPassword string) error {
	p, err := s.principals.FindByID(ctx, principalID)
	if err != nil {
		if errors.Is(err, repository.ErrPrincipalNotFound) {
			observability.RecordPasswordOperation("change", "invalid_credential")
			return ErrInvalidCredential
		}
		return storeFailure(err)
	}
	ok, err := s.hasher.Verify(currentPassword, p.PasswordHash)
	if err != nil {
		return err
	}
	if !ok {
		observability.RecordPasswordOperation("change", "invalid_credential")
		return ErrInvalidCredential
	}
	if err := validatePasswordPolicy(newPassword); err != nil {
		observability.RecordPasswordOperation("change", "weak_password")
		return err
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	if err := s.principals.UpdatePasswordHash(ctx, principalID, hash); err != nil {
		return storeFailure(err)
	}
	if err := s.sessions.RevokeAllForPrincipal(ctx, principalID, "password_changed"); err != nil {
		return storeFailure(err)
	}
	observability.RecordPasswordOperation("change", "success")
	observability.Audit(ctx, "password_changed", "principal_id", principalID)
	return nil
}

// RequestReset issues a fresh single-use reset grant, superseding any
// outstanding one. For an unknown email it returns (nil, nil): the caller
// reports success either way so account existence cannot be probed.
func (s *PasswordService) RequestReset(ctx context.Context, tenantID, email string) (*ResetIssue, error) {
	if seen, err := s.misses.Seen(ctx, tenantID, email); err == nil && seen {
		observability.RecordPasswordOperation("forgot", "unknown_email")
		return nil, nil
	}
	p, err := s.principals.FindByEmail(ctx, tenantID, email)
	if err != nil {
		if errors.Is(err, repository.ErrPrincipalNotFound) {
			_ = s.misses.Mark(ctx, tenantID, email, unknownIdentityTTL)
			observability.RecordPasswordOperation("forgot", "unknown_email")
			observability.Audit(ctx, "password_reset_unknown_email", "tenant_id", tenantID)
			return nil, nil
		}
		return nil, storeFailure(err)
	}
	token, err := security.NewOpaqueToken()
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	record := &domain.PasswordResetToken{
		PrincipalID: p.ID,
		TokenHash:   security.HashToken(token, s.pepper),
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.resetTTL),
	}
	if err := s.resets.IssueReplacing(ctx, record); err != nil {
		return nil, storeFailure(err)
	}
	observability.RecordPasswordOperation("forgot", "issued")
	observability.Audit(ctx, "password_reset_requested", "principal_id", p.ID, "tenant_id", p.TenantID)
	return &ResetIssue{PrincipalID: p.ID, Token: token, ExpiresAt: record.ExpiresAt}, nil
}

func (s *PasswordService) ResetPassword(ctx context.Context, token, newPassword string) error {
	record, err := s.resets.FindByHash(ctx, security.HashToken(token, s.pepper))
	if err != nil {
		if errors.Is(err, repository.ErrResetTokenNotFound) {
			observability.RecordPasswordOperation("reset", "not_found")
			return ErrTokenNotFound
		}
		return storeFailure(err)
	}
	// A superseded grant is no longer live; it reads the same as an unknown
	// token to the holder.
	if record.SupersededAt != nil {
		observability.RecordPasswordOperation("reset", "superseded")
		return ErrTokenNotFound
	}
	if record.ConsumedAt != nil {
		observability.RecordPasswordOperation("reset", "consumed")
		return ErrTokenAlreadyConsumed
	}
	now := s.clock.Now()
	if !record.ExpiresAt.After(now) {
		observability.RecordPasswordOperation("reset", "expired")
		return ErrTokenExpired
	}
	if err := validatePasswordPolicy(newPassword); err != nil {
		observability.RecordPasswordOperation("reset", "weak_password")
		return err
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	// Consumption and the password write commit together; a store failure
	// here leaves the grant live for a retry.
	consumed, err := s.resets.ConsumeAndSetPassword(ctx, record.ID, record.PrincipalID, hash, now)
	if err != nil {
		if errors.Is(err, repository.ErrPrincipalNotFound) {
			observability.RecordPasswordOperation("reset", "not_found")
			return ErrTokenNotFound
		}
		return storeFailure(err)
	}
	if !consumed {
		observability.RecordPasswordOperation("reset", "consumed")
		return ErrTokenAlreadyConsumed
	}
	if err := s.sessions.RevokeAllForPrincipal(ctx, record.PrincipalID, "password_reset"); err != nil {
		return storeFailure(err)
	}
	observability.RecordPasswordOperation("reset", "success")
	observability.Audit(ctx, "password_reset_completed", "principal_id", record.PrincipalID)
	return nil
}

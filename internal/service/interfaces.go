package service

import (
	"context"

	"github.com/omnisuite/authcore/internal/security"
)

// AuthFacade is the surface transports program against.
type AuthFacade interface {
	Login(ctx context.Context, in LoginInput) (*TokenPair, error)
	Refresh(ctx context.Context, refreshToken, ua, ip string) (*TokenPair, error)
	Logout(ctx context.Context, refreshToken string) error
	ChangePassword(ctx context.Context, principalID uint, currentPassword, newPassword string) error
	ForgotPassword(ctx context.Context, tenantID, email, ip string) (*ResetIssue, error)
	ResetPassword(ctx context.Context, token, newPassword string) error
	EnrollTOTP(ctx context.Context, principalID uint) (*TOTPEnrollment, error)
	VerifyTOTP(ctx context.Context, principalID uint, code string) error
	VerifyAccess(raw string) (*security.Claims, error)
	Authorize(ctx context.Context, principalID uint, tenantID, required string) (bool, error)
	ListSessions(ctx context.Context, principalID uint, currentRefreshToken string) ([]SessionView, error)
	RevokeOtherSessions(ctx context.Context, principalID uint, currentRefreshToken string) (int64, error)
}

var _ AuthFacade = (*AuthService)(nil)

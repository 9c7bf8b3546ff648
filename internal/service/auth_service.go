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

// LoginInput carries everything the login operation needs. TenantID selects
// the directory to look the email up in; the issued claims always use the
// tenant stored on the principal record.
type LoginInput struct {
	TenantID  string
	Email     string
	Password  string
	TOTPCode  string
	UserAgent string
	IP        string
}

// AuthService is the facade composing the password lifecycle, TOTP
// verification, token rotation and the permission engine into the user-facing
// operations. Store calls run under the configured timeout.
type AuthService struct {
	principals   repository.PrincipalRepository
	tokens       *TokenService
	passwords    *PasswordService
	totp         *TOTPService
	sessions     *SessionService
	resolver     PermissionResolver
	hasher       *security.PasswordHasher
	guard        AuthAbuseGuard
	storeTimeout time.Duration
	clock        Clock
}

func NewAuthService(
	principals repository.PrincipalRepository,
	tokens *TokenService,
	passwords *PasswordService,
	totp *TOTPService,
	sessions *SessionService,
	resolver PermissionResolver,
	hasher *security.PasswordHasher,
	guard AuthAbuseGuard,
	storeTimeout time.Duration,
	clock Clock,
) *AuthService {
	if guard == nil {
		guard = NewNoopAuthAbuseGuard()
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &AuthService{
		principals:   principals,
		tokens:       tokens,
		passwords:    passwords,
		totp:         totp,
		sessions:     sessions,
		resolver:     resolver,
		hasher:       hasher,
		guard:        guard,
		storeTimeout: storeTimeout,
		clock:        clock,
	}
}

func (s *AuthService) Login(ctx context.Context, in LoginInput) (*TokenPair, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	cooldown, err := s.guard.Check(ctx, AuthAbuseScopeLogin, in.Email, in.IP)
	if err != nil {
		return nil, storeFailure(err)
	}
	if cooldown > 0 {
		observability.RecordAuthLogin(in.TenantID, "throttled")
		return nil, ErrTooManyAttempts
	}

	p, err := s.principals.FindByEmail(ctx, in.TenantID, in.Email)
	if err != nil {
		if errors.Is(err, repository.ErrPrincipalNotFound) {
			return nil, s.loginFailure(ctx, in, "unknown_principal", ErrInvalidCredential)
		}
		return nil, storeFailure(err)
	}
	ok, err := s.hasher.Verify(in.Password, p.PasswordHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.loginFailure(ctx, in, "invalid_password", ErrInvalidCredential)
	}

	if p.MFAEnabled {
		if in.TOTPCode == "" {
			observability.RecordAuthLogin(in.TenantID, "mfa_required")
			return nil, ErrMFARequired
		}
		if err := s.totp.Verify(ctx, p.ID, in.TOTPCode, s.clock.Now()); err != nil {
			if errors.Is(err, ErrInvalidCode) || errors.Is(err, ErrReplayedCode) {
				return nil, s.loginFailure(ctx, in, "invalid_totp", err)
			}
			return nil, err
		}
	}

	if err := s.guard.Reset(ctx, AuthAbuseScopeLogin, in.Email, in.IP); err != nil {
		observability.Audit(ctx, "abuse_guard_reset_failed", "error", err.Error())
	}
	pair, err := s.tokens.Issue(ctx, p, in.UserAgent, in.IP)
	if err != nil {
		return nil, err
	}
	observability.RecordAuthLogin(p.TenantID, "success")
	observability.Audit(ctx, "login", "principal_id", p.ID, "tenant_id", p.TenantID)
	return pair, nil
}

func (s *AuthService) loginFailure(ctx context.Context, in LoginInput, status string, kind error) error {
	if _, err := s.guard.RegisterFailure(ctx, AuthAbuseScopeLogin, in.Email, in.IP); err != nil {
		observability.Audit(ctx, "abuse_guard_register_failed", "error", err.Error())
	}
	observability.RecordAuthLogin(in.TenantID, status)
	return kind
}

// Refresh rotates the presented refresh token. Roles are re-read from the
// store so permission changes take effect on the next rotation.
func (s *AuthService) Refresh(ctx context.Context, refreshToken, ua, ip string) (*TokenPair, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	pair, principalID, err := s.tokens.Rotate(ctx, refreshToken, ua, ip, s.fetchPrincipal)
	if err != nil {
		observability.RecordAuthRefresh(refreshStatus(err))
		return nil, err
	}
	observability.RecordAuthRefresh("success")
	observability.Audit(ctx, "token_refreshed", "principal_id", principalID)
	return pair, nil
}

func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.tokens.RevokeByToken(ctx, refreshToken, "logout"); err != nil {
		observability.RecordAuthLogout("error")
		return err
	}
	observability.RecordAuthLogout("success")
	return nil
}

func (s *AuthService) ChangePassword(ctx context.Context, principalID uint, currentPassword, newPassword string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.passwords.ChangePassword(ctx, principalID, currentPassword, newPassword)
}

// ForgotPassword always succeeds from the caller's point of view; a nil issue
// means the address is unknown and nothing should be delivered.
func (s *AuthService) ForgotPassword(ctx context.Context, tenantID, email, ip string) (*ResetIssue, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	cooldown, err := s.guard.Check(ctx, AuthAbuseScopeForgot, email, ip)
	if err != nil {
		return nil, storeFailure(err)
	}
	if cooldown > 0 {
		return nil, ErrTooManyAttempts
	}
	if _, err := s.guard.RegisterFailure(ctx, AuthAbuseScopeForgot, email, ip); err != nil {
		observability.Audit(ctx, "abuse_guard_register_failed", "error", err.Error())
	}
	return s.passwords.RequestReset(ctx, tenantID, email)
}

func (s *AuthService) ResetPassword(ctx context.Context, token, newPassword string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.passwords.ResetPassword(ctx, token, newPassword)
}

func (s *AuthService) EnrollTOTP(ctx context.Context, principalID uint) (*TOTPEnrollment, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.totp.Enroll(ctx, principalID)
}

func (s *AuthService) VerifyTOTP(ctx context.Context, principalID uint, code string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.totp.Verify(ctx, principalID, code, s.clock.Now())
}

// VerifyAccess validates an access token statelessly.
func (s *AuthService) VerifyAccess(raw string) (*security.Claims, error) {
	return s.tokens.VerifyAccess(raw)
}

// Authorize answers whether the principal holds the required permission in
// the tenant. Deny is (false, nil), never an error.
func (s *AuthService) Authorize(ctx context.Context, principalID uint, tenantID, required string) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.resolver.Authorize(ctx, principalID, tenantID, required)
}

func (s *AuthService) ResolvePermissions(ctx context.Context, principalID uint, tenantID string) ([]string, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.resolver.ResolvePermissions(ctx, principalID, tenantID)
}

func (s *AuthService) ListSessions(ctx context.Context, principalID uint, currentRefreshToken string) ([]SessionView, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.sessions.ListSessions(ctx, principalID, currentRefreshToken)
}

func (s *AuthService) RevokeOtherSessions(ctx context.Context, principalID uint, currentRefreshToken string) (int64, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.sessions.RevokeOtherSessions(ctx, principalID, currentRefreshToken)
}

func (s *AuthService) fetchPrincipal(ctx context.Context, id uint) (*domain.Principal, error) {
	return s.principals.FindByID(ctx, id)
}

func (s *AuthService) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.storeTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.storeTimeout)
}

func refreshStatus(err error) string {
	switch {
	case errors.Is(err, ErrSessionCompromised):
		return "reuse_detected"
	case errors.Is(err, ErrTokenExpired):
		return "expired"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_error"
	default:
		return "not_found"
	}
}

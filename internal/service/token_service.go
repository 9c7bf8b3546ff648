package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/omnisuite/authcore/internal/domain"
	"github.com/omnisuite/authcore/internal/repository"
	"github.com/omnisuite/authcore/internal/security"
)

// TokenPair is the result of a successful login or refresh.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// PrincipalFetcher loads a principal with fresh role data during rotation.
type PrincipalFetcher func(ctx context.Context, id uint) (*domain.Principal, error)

// TokenService mints access/refresh pairs and maintains refresh-token
// rotation chains. Presenting an already-rotated token is treated as
// compromise: the whole family is revoked and the caller gets
// ErrSessionCompromised.
type TokenService struct {
	jwtMgr     *security.JWTManager
	sessions   repository.SessionRepository
	pepper     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	clock      Clock
}

func NewTokenService(jwtMgr *security.JWTManager, sessions repository.SessionRepository, pepper string, accessTTL, refreshTTL time.Duration, clock Clock) *TokenService {
	if clock == nil {
		clock = SystemClock()
	}
	return &TokenService{
		jwtMgr:     jwtMgr,
		sessions:   sessions,
		pepper:     pepper,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		clock:      clock,
	}
}

// Issue starts a new refresh-token family for the principal. The family id is
// the jti of the first refresh token.
func (s *TokenService) Issue(ctx context.Context, p *domain.Principal, ua, ip string) (*TokenPair, error) {
	now := s.clock.Now()
	pair, claims, err := s.mintPair(p, now)
	if err != nil {
		return nil, err
	}
	session := &domain.RefreshSession{
		PrincipalID:      p.ID,
		RefreshTokenHash: security.HashToken(pair.RefreshToken, s.pepper),
		TokenID:          claims.ID,
		FamilyID:         claims.ID,
		UserAgent:        ua,
		IP:               ip,
		ExpiresAt:        now.Add(s.refreshTTL),
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, storeFailure(err)
	}
	return pair, nil
}

// Rotate redeems a refresh token for a new pair. Exactly one of two
// concurrent calls on the same token can win the conditional rotation; the
// loser finds the token revoked and lands on the reuse path.
func (s *TokenService) Rotate(ctx context.Context, refreshToken, ua, ip string, fetch PrincipalFetcher) (*TokenPair, uint, error) {
	claims, err := s.jwtMgr.ParseRefreshToken(refreshToken)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, 0, ErrTokenExpired
		}
		return nil, 0, ErrTokenNotFound
	}
	principalID, err := parseSubject(claims.Subject)
	if err != nil {
		return nil, 0, ErrTokenNotFound
	}

	hash := security.HashToken(refreshToken, s.pepper)
	session, err := s.sessions.FindByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, 0, ErrTokenNotFound
		}
		return nil, 0, storeFailure(err)
	}
	if session.PrincipalID != principalID || session.TokenID != claims.ID {
		return nil, 0, ErrTokenNotFound
	}
	now := s.clock.Now()
	if session.RevokedAt != nil {
		return nil, 0, s.handleReuse(ctx, hash, session.FamilyID, principalID)
	}
	if !session.ExpiresAt.After(now) {
		return nil, 0, ErrTokenExpired
	}

	p, err := fetch(ctx, principalID)
	if err != nil {
		return nil, 0, storeFailure(err)
	}
	pair, newClaims, err := s.mintPair(p, now)
	if err != nil {
		return nil, 0, err
	}
	parent := session.TokenID
	next := &domain.RefreshSession{
		PrincipalID:      principalID,
		RefreshTokenHash: security.HashToken(pair.RefreshToken, s.pepper),
		TokenID:          newClaims.ID,
		FamilyID:         session.FamilyID,
		ParentTokenID:    &parent,
		UserAgent:        ua,
		IP:               ip,
		ExpiresAt:        now.Add(s.refreshTTL),
	}
	if _, err := s.sessions.Rotate(ctx, hash, next, now); err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			// Lost the race: somebody rotated or revoked this token after our
			// read. Conservatively treat it as reuse.
			return nil, 0, s.handleReuse(ctx, hash, session.FamilyID, principalID)
		}
		return nil, 0, storeFailure(err)
	}
	return pair, principalID, nil
}

// RevokeByToken revokes the whole family of the presented refresh token.
// Revoking an already-revoked family is a no-op success.
func (s *TokenService) RevokeByToken(ctx context.Context, refreshToken, reason string) error {
	hash := security.HashToken(refreshToken, s.pepper)
	session, err := s.sessions.FindByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return ErrTokenNotFound
		}
		return storeFailure(err)
	}
	if _, err := s.sessions.RevokeFamily(ctx, session.FamilyID, reason); err != nil {
		return storeFailure(err)
	}
	return nil
}

// RevokeAll invalidates every refresh-token family of the principal.
func (s *TokenService) RevokeAll(ctx context.Context, principalID uint, reason string) error {
	if err := s.sessions.RevokeAllForPrincipal(ctx, principalID, reason); err != nil {
		return storeFailure(err)
	}
	return nil
}

// VerifyAccess is a pure check: signature, expiry, claims extraction. No store
// lookup, so family revocation does not retroactively kill live access tokens
// before their natural expiry.
func (s *TokenService) VerifyAccess(raw string) (*security.Claims, error) {
	claims, err := s.jwtMgr.ParseAccessToken(raw)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenNotFound
	}
	return claims, nil
}

func (s *TokenService) handleReuse(ctx context.Context, hash, familyID string, principalID uint) error {
	_ = s.sessions.MarkReuseDetected(ctx, hash)
	if _, err := s.sessions.RevokeFamily(ctx, familyID, "reuse_detected"); err != nil {
		return storeFailure(err)
	}
	// Reuse is treated as credential theft: force re-authentication of every
	// session of the principal, not just the affected family.
	if err := s.sessions.RevokeAllForPrincipal(ctx, principalID, "suspected_compromise"); err != nil {
		return storeFailure(err)
	}
	return newSessionCompromised(principalID)
}

func (s *TokenService) mintPair(p *domain.Principal, now time.Time) (*TokenPair, *security.Claims, error) {
	roles := make([]string, 0, len(p.Roles))
	for _, r := range p.Roles {
		roles = append(roles, r.Name)
	}
	refresh, err := s.jwtMgr.SignRefreshToken(p.ID, s.refreshTTL, now)
	if err != nil {
		return nil, nil, err
	}
	claims, err := s.jwtMgr.ParseRefreshToken(refresh)
	if err != nil {
		return nil, nil, err
	}
	access, err := s.jwtMgr.SignAccessToken(p.ID, p.TenantID, roles, s.accessTTL, now)
	if err != nil {
		return nil, nil, err
	}
	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  now.Add(s.accessTTL),
		RefreshExpiresAt: now.Add(s.refreshTTL),
	}, claims, nil
}

func parseSubject(subject string) (uint, error) {
	id, err := strconv.ParseUint(subject, 10, 64)
	if err != nil {
		return 0, err
	}
	return uint(id), nil
}

func newSessionCompromised(principalID uint) error {
	return &SessionCompromisedError{PrincipalID: principalID}
}

// SessionCompromisedError carries the affected principal so callers can force
// re-authentication everywhere. It matches ErrSessionCompromised.
type SessionCompromisedError struct {
	PrincipalID uint
}

func (e *SessionCompromisedError) Error() string { return ErrSessionCompromised.Error() }

func (e *SessionCompromisedError) Is(target error) bool { return target == ErrSessionCompromised }

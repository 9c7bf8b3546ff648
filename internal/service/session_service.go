package service

import (
	"context"
	"errors"
	"time"

	"github.com/omnisuite/authcore/internal/observability"
	"github.com/omnisuite/authcore/internal/repository"
	"github.com/omnisuite/authcore/internal/security"
)

type SessionView struct {
	ID        uint      `json:"id"`
	FamilyID  string    `json:"family_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	UserAgent string    `json:"user_agent"`
	IP        string    `json:"ip"`
	IsCurrent bool      `json:"is_current"`
}

// SessionService exposes session introspection and selective revocation on
// top of the refresh-session store. The "current" session is identified by
// the refresh token the caller presents, not by anything in the access token.
type SessionService struct {
	sessions repository.SessionRepository
	pepper   string
	clock    Clock
}

func NewSessionService(sessions repository.SessionRepository, pepper string, clock Clock) *SessionService {
	if clock == nil {
		clock = SystemClock()
	}
	return &SessionService{sessions: sessions, pepper: pepper, clock: clock}
}

func (s *SessionService) ListSessions(ctx context.Context, principalID uint, currentRefreshToken string) ([]SessionView, error) {
	currentFamily, err := s.resolveFamily(ctx, principalID, currentRefreshToken)
	if err != nil {
		return nil, err
	}
	sessions, err := s.sessions.ListActiveByPrincipal(ctx, principalID, s.clock.Now())
	if err != nil {
		return nil, storeFailure(err)
	}
	views := make([]SessionView, 0, len(sessions))
	for _, session := range sessions {
		views = append(views, SessionView{
			ID:        session.ID,
			FamilyID:  session.FamilyID,
			CreatedAt: session.CreatedAt,
			ExpiresAt: session.ExpiresAt,
			UserAgent: session.UserAgent,
			IP:        session.IP,
			IsCurrent: session.FamilyID == currentFamily,
		})
	}
	return views, nil
}

// RevokeOtherSessions revokes every active family of the principal except the
// one the presented refresh token belongs to.
func (s *SessionService) RevokeOtherSessions(ctx context.Context, principalID uint, currentRefreshToken string) (int64, error) {
	currentFamily, err := s.resolveFamily(ctx, principalID, currentRefreshToken)
	if err != nil {
		return 0, err
	}
	if currentFamily == "" {
		return 0, ErrTokenNotFound
	}
	revoked, err := s.sessions.RevokeOthers(ctx, principalID, currentFamily, "principal_revoke_others")
	if err != nil {
		return 0, storeFailure(err)
	}
	observability.Audit(ctx, "sessions_revoked_others", "principal_id", principalID, "count", revoked)
	return revoked, nil
}

func (s *SessionService) resolveFamily(ctx context.Context, principalID uint, refreshToken string) (string, error) {
	if refreshToken == "" {
		return "", nil
	}
	session, err := s.sessions.FindByHash(ctx, security.HashToken(refreshToken, s.pepper))
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return "", nil
		}
		return "", storeFailure(err)
	}
	if session.PrincipalID != principalID || !session.Active(s.clock.Now()) {
		return "", nil
	}
	return session.FamilyID, nil
}

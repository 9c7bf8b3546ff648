package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/omnisuite/authcore/internal/domain"
	"github.com/omnisuite/authcore/internal/repository"
	"github.com/omnisuite/authcore/internal/security"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now().UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type inMemorySessionRepo struct {
	mu     sync.Mutex
	nextID uint
	byHash map[string]*domain.RefreshSession
}

func newInMemorySessionRepo() *inMemorySessionRepo {
	return &inMemorySessionRepo{nextID: 1, byHash: map[string]*domain.RefreshSession{}}
}

func (r *inMemorySessionRepo) Create(_ context.Context, s *domain.RefreshSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	cp.ID = r.nextID
	r.nextID++
	r.byHash[cp.RefreshTokenHash] = &cp
	return nil
}

func (r *inMemorySessionRepo) FindByHash(_ context.Context, hash string) (*domain.RefreshSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byHash[hash]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *inMemorySessionRepo) ListActiveByPrincipal(_ context.Context, principalID uint, now time.Time) ([]domain.RefreshSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.RefreshSession
	for _, s := range r.byHash {
		if s.PrincipalID == principalID && s.Active(now) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *inMemorySessionRepo) Rotate(_ context.Context, oldHash string, next *domain.RefreshSession, now time.Time) (*domain.RefreshSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.byHash[oldHash]
	if !ok || old.RevokedAt != nil || !old.ExpiresAt.After(now) {
		return nil, repository.ErrSessionNotFound
	}
	reason := "rotated"
	old.RevokedAt = &now
	old.RevokedReason = &reason

	cp := *next
	cp.ID = r.nextID
	r.nextID++
	r.byHash[cp.RefreshTokenHash] = &cp
	oc := *old
	return &oc, nil
}

func (r *inMemorySessionRepo) MarkReuseDetected(_ context.Context, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byHash[hash]
	if !ok {
		return repository.ErrSessionNotFound
	}
	now := time.Now().UTC()
	s.ReuseDetectedAt = &now
	return nil
}

func (r *inMemorySessionRepo) RevokeFamily(_ context.Context, familyID, reason string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, s := range r.byHash {
		if s.FamilyID != familyID || s.RevokedAt != nil {
			continue
		}
		now := time.Now().UTC()
		s.RevokedAt = &now
		rs := reason
		s.RevokedReason = &rs
		count++
	}
	return count, nil
}

func (r *inMemorySessionRepo) RevokeAllForPrincipal(_ context.Context, principalID uint, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.byHash {
		if s.PrincipalID != principalID || s.RevokedAt != nil {
			continue
		}
		now := time.Now().UTC()
		s.RevokedAt = &now
		rs := reason
		s.RevokedReason = &rs
	}
	return nil
}

func (r *inMemorySessionRepo) RevokeOthers(_ context.Context, principalID uint, keepFamilyID, reason string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, s := range r.byHash {
		if s.PrincipalID != principalID || s.FamilyID == keepFamilyID || s.RevokedAt != nil {
			continue
		}
		now := time.Now().UTC()
		s.RevokedAt = &now
		rs := reason
		s.RevokedReason = &rs
		count++
	}
	return count, nil
}

func (r *inMemorySessionRepo) CleanupExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}

var _ repository.SessionRepository = (*inMemorySessionRepo)(nil)

func testJWTManager() *security.JWTManager {
	return security.NewJWTManager(
		"authcore-test",
		"authcore-test-clients",
		"access-secret-0123456789abcdefghij",
		"refresh-secret-0123456789abcdefghi",
	)
}

func testPrincipal() *domain.Principal {
	return &domain.Principal{
		ID:       7,
		TenantID: "acme",
		Email:    "user@acme.test",
		Roles:    []domain.Role{{TenantID: "acme", Name: "editor"}},
	}
}

func testFetcher(p *domain.Principal) PrincipalFetcher {
	return func(context.Context, uint) (*domain.Principal, error) { return p, nil }
}

func newTestTokenService(repo repository.SessionRepository, clock Clock) *TokenService {
	return NewTokenService(testJWTManager(), repo, "test-pepper-0123", 15*time.Minute, 24*time.Hour, clock)
}

func TestIssueStartsNewFamily(t *testing.T) {
	ctx := context.Background()
	repo := newInMemorySessionRepo()
	svc := newTestTokenService(repo, newFakeClock())
	p := testPrincipal()

	pair, err := svc.Issue(ctx, p, "ua", "127.0.0.1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := svc.jwtMgr.ParseRefreshToken(pair.RefreshToken)
	if err != nil {
		t.Fatalf("parse refresh: %v", err)
	}
	session, err := repo.FindByHash(ctx, security.HashToken(pair.RefreshToken, svc.pepper))
	if err != nil {
		t.Fatalf("find session: %v", err)
	}
	if session.FamilyID != claims.ID || session.TokenID != claims.ID {
		t.Fatal("expected family id to equal the first token jti")
	}
	if session.ParentTokenID != nil {
		t.Fatal("expected no parent for the first link")
	}
	if session.UserAgent != "ua" || session.IP != "127.0.0.1" {
		t.Fatal("expected device metadata on session")
	}
}

func TestRotatePreservesFamilyAndLineage(t *testing.T) {
	ctx := context.Background()
	repo := newInMemorySessionRepo()
	svc := newTestTokenService(repo, newFakeClock())
	p := testPrincipal()

	pairA, err := svc.Issue(ctx, p, "ua", "127.0.0.1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claimsA, err := svc.jwtMgr.ParseRefreshToken(pairA.RefreshToken)
	if err != nil {
		t.Fatalf("parse refreshA: %v", err)
	}

	pairB, _, err := svc.Rotate(ctx, pairA.RefreshToken, "ua2", "127.0.0.2", testFetcher(p))
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}

	oldSession, err := repo.FindByHash(ctx, security.HashToken(pairA.RefreshToken, svc.pepper))
	if err != nil {
		t.Fatalf("find old session: %v", err)
	}
	if oldSession.RevokedAt == nil || oldSession.RevokedReason == nil || *oldSession.RevokedReason != "rotated" {
		t.Fatal("expected old session revoked with reason rotated")
	}

	newSession, err := repo.FindByHash(ctx, security.HashToken(pairB.RefreshToken, svc.pepper))
	if err != nil {
		t.Fatalf("find new session: %v", err)
	}
	if newSession.FamilyID != claimsA.ID {
		t.Fatal("expected family id preserved across rotation")
	}
	if newSession.ParentTokenID == nil || *newSession.ParentTokenID != claimsA.ID {
		t.Fatal("expected parent token id to point at the rotated jti")
	}
}

func TestRotateReuseRevokesFamilyAndAllSessions(t *testing.T) {
	ctx := context.Background()
	repo := newInMemorySessionRepo()
	svc := newTestTokenService(repo, newFakeClock())
	p := testPrincipal()

	pairA, err := svc.Issue(ctx, p, "ua", "127.0.0.1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	// A second independent login that must also fall when compromise is
	// detected.
	pairOther, err := svc.Issue(ctx, p, "ua-other", "10.0.0.9")
	if err != nil {
		t.Fatalf("issue other: %v", err)
	}

	pairB, _, err := svc.Rotate(ctx, pairA.RefreshToken, "ua2", "127.0.0.2", testFetcher(p))
	if err != nil {
		t.Fatalf("first rotate: %v", err)
	}

	_, _, err = svc.Rotate(ctx, pairA.RefreshToken, "ua3", "127.0.0.3", testFetcher(p))
	if !errors.Is(err, ErrSessionCompromised) {
		t.Fatalf("expected ErrSessionCompromised, got %v", err)
	}
	var compromised *SessionCompromisedError
	if !errors.As(err, &compromised) || compromised.PrincipalID != p.ID {
		t.Fatalf("expected compromise error to carry principal id, got %v", err)
	}

	if _, _, err := svc.Rotate(ctx, pairB.RefreshToken, "ua4", "127.0.0.4", testFetcher(p)); err == nil {
		t.Fatal("expected descendant token to fail after reuse")
	}
	otherSession, err := repo.FindByHash(ctx, security.HashToken(pairOther.RefreshToken, svc.pepper))
	if err != nil {
		t.Fatalf("find other session: %v", err)
	}
	if otherSession.RevokedAt == nil {
		t.Fatal("expected unrelated session revoked on suspected compromise")
	}
}

func TestRotateMalformedTokenLeavesSessionsAlone(t *testing.T) {
	ctx := context.Background()
	repo := newInMemorySessionRepo()
	svc := newTestTokenService(repo, newFakeClock())
	p := testPrincipal()

	pair, err := svc.Issue(ctx, p, "ua", "127.0.0.1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	_, _, err = svc.Rotate(ctx, "not-a-valid-token", "ua", "127.0.0.1", testFetcher(p))
	if !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}

	session, err := repo.FindByHash(ctx, security.HashToken(pair.RefreshToken, svc.pepper))
	if err != nil {
		t.Fatalf("find session: %v", err)
	}
	if session.RevokedAt != nil {
		t.Fatal("expected existing session untouched by malformed token")
	}
}

func TestRotateExpiredTokenFails(t *testing.T) {
	ctx := context.Background()
	repo := newInMemorySessionRepo()
	clock := newFakeClock()
	svc := newTestTokenService(repo, clock)
	p := testPrincipal()

	pair, err := svc.Issue(ctx, p, "ua", "127.0.0.1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	clock.Advance(25 * time.Hour)

	_, _, err = svc.Rotate(ctx, pair.RefreshToken, "ua", "127.0.0.1", testFetcher(p))
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestRevokeByTokenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := newInMemorySessionRepo()
	svc := newTestTokenService(repo, newFakeClock())
	p := testPrincipal()

	pair, err := svc.Issue(ctx, p, "ua", "127.0.0.1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := svc.RevokeByToken(ctx, pair.RefreshToken, "logout"); err != nil {
		t.Fatalf("first revoke: %v", err)
	}
	if err := svc.RevokeByToken(ctx, pair.RefreshToken, "logout"); err != nil {
		t.Fatalf("second revoke should be a no-op success: %v", err)
	}
	if _, _, err := svc.Rotate(ctx, pair.RefreshToken, "ua", "127.0.0.1", testFetcher(p)); err == nil {
		t.Fatal("expected revoked token to be unusable")
	}
}

func TestVerifyAccessRejectsRefreshToken(t *testing.T) {
	ctx := context.Background()
	repo := newInMemorySessionRepo()
	svc := newTestTokenService(repo, newFakeClock())
	p := testPrincipal()

	pair, err := svc.Issue(ctx, p, "ua", "127.0.0.1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := svc.VerifyAccess(pair.AccessToken); err != nil {
		t.Fatalf("verify access: %v", err)
	}
	if _, err := svc.VerifyAccess(pair.RefreshToken); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected refresh token rejected as access token, got %v", err)
	}
}

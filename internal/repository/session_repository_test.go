package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/omnisuite/authcore/internal/domain"
)

func newSessionRepoForTest(t *testing.T) SessionRepository {
	t.Helper()
	return NewSessionRepository(newTestDB(t, &domain.RefreshSession{}))
}

func makeSession(principalID uint, hash, tokenID, familyID string, expiresAt time.Time) *domain.RefreshSession {
	return &domain.RefreshSession{
		PrincipalID:      principalID,
		RefreshTokenHash: hash,
		TokenID:          tokenID,
		FamilyID:         familyID,
		ExpiresAt:        expiresAt,
	}
}

func TestSessionRepositoryListActiveByPrincipal(t *testing.T) {
	ctx := context.Background()
	repo := newSessionRepoForTest(t)
	future := time.Now().UTC().Add(2 * time.Hour)

	active := makeSession(1, "h1", "tok-1", "fam-1", future)
	revoked := makeSession(1, "h2", "tok-2", "fam-2", future)
	revokedAt := time.Now().UTC()
	revoked.RevokedAt = &revokedAt
	expired := makeSession(1, "h3", "tok-3", "fam-3", time.Now().UTC().Add(-time.Hour))
	foreign := makeSession(2, "h4", "tok-4", "fam-4", future)

	for _, s := range []*domain.RefreshSession{active, revoked, expired, foreign} {
		if err := repo.Create(ctx, s); err != nil {
			t.Fatalf("create %s: %v", s.RefreshTokenHash, err)
		}
	}

	sessions, err := repo.ListActiveByPrincipal(ctx, 1, time.Now().UTC())
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(sessions) != 1 || sessions[0].RefreshTokenHash != "h1" {
		t.Fatalf("expected only h1 active, got %+v", sessions)
	}
}

func TestSessionRepositoryListActiveHonorsProvidedTime(t *testing.T) {
	ctx := context.Background()
	repo := newSessionRepoForTest(t)
	expiresAt := time.Now().UTC().Add(time.Hour)

	if err := repo.Create(ctx, makeSession(1, "h1", "tok-1", "fam-1", expiresAt)); err != nil {
		t.Fatalf("create: %v", err)
	}

	sessions, err := repo.ListActiveByPrincipal(ctx, 1, expiresAt.Add(-time.Minute))
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected session listed before expiry, got %d", len(sessions))
	}

	sessions, err = repo.ListActiveByPrincipal(ctx, 1, expiresAt.Add(time.Minute))
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected session excluded after expiry, got %d", len(sessions))
	}
}

func TestSessionRepositoryRotateMarksOldAndLinksNew(t *testing.T) {
	ctx := context.Background()
	repo := newSessionRepoForTest(t)
	future := time.Now().UTC().Add(2 * time.Hour)

	old := makeSession(1, "h-old", "tok-old", "fam-1", future)
	if err := repo.Create(ctx, old); err != nil {
		t.Fatalf("create: %v", err)
	}

	next := makeSession(1, "h-new", "tok-new", "fam-1", future)
	next.ParentTokenID = strPtr("tok-old")
	rotated, err := repo.Rotate(ctx, "h-old", next, time.Now().UTC())
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.RevokedAt == nil || rotated.RevokedReason == nil || *rotated.RevokedReason != "rotated" {
		t.Fatalf("expected old session revoked as rotated, got %+v", rotated)
	}

	stored, err := repo.FindByHash(ctx, "h-new")
	if err != nil {
		t.Fatalf("find new: %v", err)
	}
	if stored.FamilyID != "fam-1" || stored.ParentTokenID == nil || *stored.ParentTokenID != "tok-old" {
		t.Fatalf("unexpected lineage: %+v", stored)
	}
}

func TestSessionRepositoryRotateRevokedFails(t *testing.T) {
	ctx := context.Background()
	repo := newSessionRepoForTest(t)
	future := time.Now().UTC().Add(2 * time.Hour)

	old := makeSession(1, "h-old", "tok-old", "fam-1", future)
	if err := repo.Create(ctx, old); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repo.RevokeFamily(ctx, "fam-1", "logout"); err != nil {
		t.Fatalf("revoke family: %v", err)
	}

	next := makeSession(1, "h-new", "tok-new", "fam-1", future)
	if _, err := repo.Rotate(ctx, "h-old", next, time.Now().UTC()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for revoked row, got %v", err)
	}
	if _, err := repo.FindByHash(ctx, "h-new"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatal("expected no new session created on failed rotation")
	}
}

func TestSessionRepositoryRevokeFamilyCountsOnlyActive(t *testing.T) {
	ctx := context.Background()
	repo := newSessionRepoForTest(t)
	future := time.Now().UTC().Add(2 * time.Hour)

	a := makeSession(1, "h1", "tok-1", "fam-1", future)
	b := makeSession(1, "h2", "tok-2", "fam-1", future)
	other := makeSession(1, "h3", "tok-3", "fam-2", future)
	for _, s := range []*domain.RefreshSession{a, b, other} {
		if err := repo.Create(ctx, s); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	count, err := repo.RevokeFamily(ctx, "fam-1", "reuse_detected")
	if err != nil {
		t.Fatalf("revoke family: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 revoked, got %d", count)
	}
	count, err = repo.RevokeFamily(ctx, "fam-1", "reuse_detected")
	if err != nil {
		t.Fatalf("second revoke: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected idempotent second revoke, got %d", count)
	}
	untouched, err := repo.FindByHash(ctx, "h3")
	if err != nil {
		t.Fatalf("find other family: %v", err)
	}
	if untouched.RevokedAt != nil {
		t.Fatal("expected other family untouched")
	}
}

func TestSessionRepositoryRevokeOthersKeepsFamily(t *testing.T) {
	ctx := context.Background()
	repo := newSessionRepoForTest(t)
	future := time.Now().UTC().Add(2 * time.Hour)

	keep := makeSession(1, "h1", "tok-1", "fam-keep", future)
	drop := makeSession(1, "h2", "tok-2", "fam-drop", future)
	foreign := makeSession(2, "h3", "tok-3", "fam-x", future)
	for _, s := range []*domain.RefreshSession{keep, drop, foreign} {
		if err := repo.Create(ctx, s); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	count, err := repo.RevokeOthers(ctx, 1, "fam-keep", "principal_revoke_others")
	if err != nil {
		t.Fatalf("revoke others: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 revoked, got %d", count)
	}
	kept, _ := repo.FindByHash(ctx, "h1")
	if kept.RevokedAt != nil {
		t.Fatal("expected kept family active")
	}
}

func TestSessionRepositoryCleanupExpired(t *testing.T) {
	ctx := context.Background()
	repo := newSessionRepoForTest(t)
	now := time.Now().UTC()

	live := makeSession(1, "h1", "tok-1", "fam-1", now.Add(time.Hour))
	dead := makeSession(1, "h2", "tok-2", "fam-2", now.Add(-time.Hour))
	for _, s := range []*domain.RefreshSession{live, dead} {
		if err := repo.Create(ctx, s); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	removed, err := repo.CleanupExpired(ctx, now)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := repo.FindByHash(ctx, "h1"); err != nil {
		t.Fatalf("expected live session kept: %v", err)
	}
}

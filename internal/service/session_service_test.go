package service

import (
	"context"
	"testing"
	"time"

	"github.com/omnisuite/authcore/internal/domain"
	"github.com/omnisuite/authcore/internal/security"
)

func TestListSessionsMarksCurrentByRefreshToken(t *testing.T) {
	ctx := context.Background()
	repo := newInMemorySessionRepo()
	svc := NewSessionService(repo, "test-pepper-0123", nil)

	token, err := security.NewOpaqueToken()
	if err != nil {
		t.Fatalf("new token: %v", err)
	}
	expiry := time.Now().UTC().Add(time.Hour)
	current := &domain.RefreshSession{
		PrincipalID:      7,
		RefreshTokenHash: security.HashToken(token, "test-pepper-0123"),
		TokenID:          "jti-a",
		FamilyID:         "fam-a",
		ExpiresAt:        expiry,
	}
	other := &domain.RefreshSession{
		PrincipalID:      7,
		RefreshTokenHash: "other-hash",
		TokenID:          "jti-b",
		FamilyID:         "fam-b",
		ExpiresAt:        expiry,
	}
	for _, s := range []*domain.RefreshSession{current, other} {
		if err := repo.Create(ctx, s); err != nil {
			t.Fatalf("create session: %v", err)
		}
	}

	views, err := svc.ListSessions(ctx, 7, token)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(views))
	}
	currentCount := 0
	for _, v := range views {
		if v.IsCurrent {
			currentCount++
			if v.FamilyID != "fam-a" {
				t.Fatalf("wrong current family %q", v.FamilyID)
			}
		}
	}
	if currentCount != 1 {
		t.Fatalf("expected exactly one current session, got %d", currentCount)
	}
}

func TestRevokeOtherSessionsKeepsPresentedFamily(t *testing.T) {
	ctx := context.Background()
	repo := newInMemorySessionRepo()
	svc := NewSessionService(repo, "test-pepper-0123", nil)

	token, err := security.NewOpaqueToken()
	if err != nil {
		t.Fatalf("new token: %v", err)
	}
	expiry := time.Now().UTC().Add(time.Hour)
	keep := &domain.RefreshSession{
		PrincipalID:      7,
		RefreshTokenHash: security.HashToken(token, "test-pepper-0123"),
		TokenID:          "jti-a",
		FamilyID:         "fam-a",
		ExpiresAt:        expiry,
	}
	drop := &domain.RefreshSession{
		PrincipalID:      7,
		RefreshTokenHash: "other-hash",
		TokenID:          "jti-b",
		FamilyID:         "fam-b",
		ExpiresAt:        expiry,
	}
	foreign := &domain.RefreshSession{
		PrincipalID:      8,
		RefreshTokenHash: "foreign-hash",
		TokenID:          "jti-c",
		FamilyID:         "fam-c",
		ExpiresAt:        expiry,
	}
	for _, s := range []*domain.RefreshSession{keep, drop, foreign} {
		if err := repo.Create(ctx, s); err != nil {
			t.Fatalf("create session: %v", err)
		}
	}

	revoked, err := svc.RevokeOtherSessions(ctx, 7, token)
	if err != nil {
		t.Fatalf("revoke others: %v", err)
	}
	if revoked != 1 {
		t.Fatalf("expected 1 revoked, got %d", revoked)
	}
	kept, _ := repo.FindByHash(ctx, keep.RefreshTokenHash)
	if kept.RevokedAt != nil {
		t.Fatal("expected presented family kept")
	}
	dropped, _ := repo.FindByHash(ctx, "other-hash")
	if dropped.RevokedAt == nil {
		t.Fatal("expected other family revoked")
	}
	untouched, _ := repo.FindByHash(ctx, "foreign-hash")
	if untouched.RevokedAt != nil {
		t.Fatal("expected other principal's session untouched")
	}
}

func TestRevokeOtherSessionsUnknownTokenFails(t *testing.T) {
	svc := NewSessionService(newInMemorySessionRepo(), "test-pepper-0123", nil)
	if _, err := svc.RevokeOtherSessions(context.Background(), 7, "bogus"); err == nil {
		t.Fatal("expected error for unknown refresh token")
	}
}

func TestListSessionsExcludesExpiredAtClockTime(t *testing.T) {
	ctx := context.Background()
	repo := newInMemorySessionRepo()
	clk := newFakeClock()
	svc := NewSessionService(repo, "test-pepper-0123", clk)

	session := &domain.RefreshSession{
		PrincipalID:      7,
		RefreshTokenHash: "h1",
		TokenID:          "jti-a",
		FamilyID:         "fam-a",
		ExpiresAt:        clk.Now().Add(time.Hour),
	}
	if err := repo.Create(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}

	views, err := svc.ListSessions(ctx, 7, "")
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("expected 1 session before expiry, got %d", len(views))
	}

	clk.Advance(2 * time.Hour)
	views, err = svc.ListSessions(ctx, 7, "")
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(views) != 0 {
		t.Fatalf("expected no sessions after expiry, got %d", len(views))
	}
}

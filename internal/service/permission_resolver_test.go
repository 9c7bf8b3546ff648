package service

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/omnisuite/authcore/internal/domain"
)

func seedAuthorizedPrincipal(t *testing.T, repo *inMemoryPrincipalRepo) *domain.Principal {
	t.Helper()
	p := &domain.Principal{
		TenantID:     "acme",
		Email:        "user@acme.test",
		PasswordHash: "x",
		Roles: []domain.Role{
			{
				TenantID: "acme",
				Name:     "editor",
				Permissions: []domain.Permission{
					{Name: "docs:article:read"},
					{Name: "docs:article:write"},
				},
			},
			{
				TenantID: "", // global role
				Name:     "viewer",
				Permissions: []domain.Permission{
					{Name: "docs:article:read"},
				},
			},
			{
				TenantID: "other-tenant",
				Name:     "admin",
				Permissions: []domain.Permission{
					{Name: "iam:role:write"},
				},
			},
		},
	}
	if err := repo.Create(context.Background(), p); err != nil {
		t.Fatalf("create principal: %v", err)
	}
	return p
}

func TestResolvePermissionsUnionsTenantAndGlobalRoles(t *testing.T) {
	ctx := context.Background()
	repo := newInMemoryPrincipalRepo()
	p := seedAuthorizedPrincipal(t, repo)
	resolver := NewCachedPermissionResolver(repo, NewNoopPermissionCacheStore(), 0)

	perms, err := resolver.ResolvePermissions(ctx, p.ID, "acme")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := []string{"docs:article:read", "docs:article:write"}
	if !reflect.DeepEqual(perms, want) {
		t.Fatalf("expected %v, got %v", want, perms)
	}
}

func TestResolvePermissionsOtherTenantIsEmpty(t *testing.T) {
	ctx := context.Background()
	repo := newInMemoryPrincipalRepo()
	p := seedAuthorizedPrincipal(t, repo)
	resolver := NewCachedPermissionResolver(repo, NewNoopPermissionCacheStore(), 0)

	perms, err := resolver.ResolvePermissions(ctx, p.ID, "other-tenant")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(perms) != 0 {
		t.Fatalf("expected empty set outside the principal's tenant, got %v", perms)
	}
}

func TestResolvePermissionsUnknownPrincipalIsEmpty(t *testing.T) {
	resolver := NewCachedPermissionResolver(newInMemoryPrincipalRepo(), NewNoopPermissionCacheStore(), 0)
	perms, err := resolver.ResolvePermissions(context.Background(), 404, "acme")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(perms) != 0 {
		t.Fatalf("expected empty set for unknown principal, got %v", perms)
	}
}

func TestAuthorizeDenyIsNotAnError(t *testing.T) {
	ctx := context.Background()
	repo := newInMemoryPrincipalRepo()
	p := seedAuthorizedPrincipal(t, repo)
	resolver := NewCachedPermissionResolver(repo, NewNoopPermissionCacheStore(), 0)

	allowed, err := resolver.Authorize(ctx, p.ID, "acme", "docs:article:write")
	if err != nil || !allowed {
		t.Fatalf("expected allow, got allowed=%v err=%v", allowed, err)
	}
	allowed, err = resolver.Authorize(ctx, p.ID, "acme", "iam:role:write")
	if err != nil {
		t.Fatalf("deny must not be an error: %v", err)
	}
	if allowed {
		t.Fatal("expected deny for permission from a foreign tenant role")
	}
	// No wildcard expansion at check time.
	allowed, err = resolver.Authorize(ctx, p.ID, "acme", "docs:article:*")
	if err != nil || allowed {
		t.Fatalf("expected literal match only, got allowed=%v err=%v", allowed, err)
	}
}

func TestResolvePermissionsCachesUntilInvalidated(t *testing.T) {
	ctx := context.Background()
	repo := newInMemoryPrincipalRepo()
	p := seedAuthorizedPrincipal(t, repo)
	cache := NewInMemoryPermissionCacheStore()
	resolver := NewCachedPermissionResolver(repo, cache, time.Minute)

	first, err := resolver.ResolvePermissions(ctx, p.ID, "acme")
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}

	// Strip roles in the store; the cached set must keep serving.
	repo.mu.Lock()
	repo.byID[p.ID].Roles = nil
	repo.mu.Unlock()

	cached, err := resolver.ResolvePermissions(ctx, p.ID, "acme")
	if err != nil {
		t.Fatalf("cached resolve: %v", err)
	}
	if !reflect.DeepEqual(cached, first) {
		t.Fatalf("expected cached set %v, got %v", first, cached)
	}

	if err := resolver.InvalidatePrincipal(ctx, p.ID); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	fresh, err := resolver.ResolvePermissions(ctx, p.ID, "acme")
	if err != nil {
		t.Fatalf("fresh resolve: %v", err)
	}
	if len(fresh) != 0 {
		t.Fatalf("expected empty set after invalidation, got %v", fresh)
	}
}

func TestResolvePermissionsSeesRoleAssignmentChange(t *testing.T) {
	ctx := context.Background()
	repo := newInMemoryPrincipalRepo()
	p := seedAuthorizedPrincipal(t, repo)
	cache := NewInMemoryPermissionCacheStore()
	resolver := NewCachedPermissionResolver(repo, cache, time.Minute)

	allowed, err := resolver.Authorize(ctx, p.ID, "acme", "iam:role:write")
	if err != nil || allowed {
		t.Fatalf("expected deny before the grant, got allowed=%v err=%v", allowed, err)
	}

	// A role-assignment change bumps roles_version; no explicit cache
	// invalidation happens here.
	repo.mu.Lock()
	repo.byID[p.ID].Roles = append(repo.byID[p.ID].Roles, domain.Role{
		TenantID:    "acme",
		Name:        "iam-admin",
		Permissions: []domain.Permission{{Name: "iam:role:write"}},
	})
	repo.mu.Unlock()
	if err := repo.SetRoles(ctx, p.ID, nil); err != nil {
		t.Fatalf("set roles: %v", err)
	}

	allowed, err = resolver.Authorize(ctx, p.ID, "acme", "iam:role:write")
	if err != nil || !allowed {
		t.Fatalf("expected the new grant visible immediately, got allowed=%v err=%v", allowed, err)
	}
}

func TestPermissionSetMembership(t *testing.T) {
	set := NewPermissionSet([]string{"docs:article:read"})
	if !set.Has("docs:article:read") {
		t.Fatal("expected membership")
	}
	if set.Has("docs:article:write") {
		t.Fatal("expected miss")
	}
}

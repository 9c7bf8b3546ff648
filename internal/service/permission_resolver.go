package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/omnisuite/authcore/internal/domain"
	"github.com/omnisuite/authcore/internal/observability"
	"github.com/omnisuite/authcore/internal/repository"
)

// PermissionResolver answers authorization queries against a principal's
// effective permission set within one tenant.
type PermissionResolver interface {
	ResolvePermissions(ctx context.Context, principalID uint, tenantID string) ([]string, error)
	Authorize(ctx context.Context, principalID uint, tenantID string, required string) (bool, error)
	InvalidatePrincipal(ctx context.Context, principalID uint) error
	InvalidateAll(ctx context.Context) error
}

type CachedPermissionResolver struct {
	principals repository.PrincipalRepository
	cache      PermissionCacheStore
	cacheTTL   time.Duration
	group      singleflight.Group
}

func NewCachedPermissionResolver(principals repository.PrincipalRepository, cache PermissionCacheStore, cacheTTL time.Duration) *CachedPermissionResolver {
	if cache == nil {
		cache = NewNoopPermissionCacheStore()
	}
	return &CachedPermissionResolver{
		principals: principals,
		cache:      cache,
		cacheTTL:   cacheTTL,
	}
}

// ResolvePermissions unions the permission sets of every role attached to the
// principal that is visible in tenantID. Roles from other tenants never
// contribute, even when the principal record carries them. A principal queried
// outside its own tenant resolves to the empty set.
//
// The principal's roles_version is read first and keyed into the cache, so a
// role-assignment change is visible on the very next resolution: older
// entries sit under the previous version and simply age out.
func (r *CachedPermissionResolver) ResolvePermissions(ctx context.Context, principalID uint, tenantID string) ([]string, error) {
	rolesVersion, err := r.principals.GetRolesVersion(ctx, principalID)
	if err != nil {
		if errors.Is(err, repository.ErrPrincipalNotFound) {
			return []string{}, nil
		}
		return nil, storeFailure(err)
	}

	if cached, ok, err := r.cache.Get(ctx, tenantID, principalID, rolesVersion); err == nil && ok {
		observability.RecordPermissionCacheEvent(ctx, "hit")
		return cached, nil
	} else if err != nil {
		observability.RecordPermissionCacheEvent(ctx, "error")
	} else {
		observability.RecordPermissionCacheEvent(ctx, "miss")
	}

	key := fmt.Sprintf("%s/%d/v%d", tenantID, principalID, rolesVersion)
	result, err, _ := r.group.Do(key, func() (any, error) {
		perms, err := r.resolveFromStore(ctx, principalID, tenantID)
		if err != nil {
			return nil, err
		}
		if err := r.cache.Set(ctx, tenantID, principalID, rolesVersion, perms, r.cacheTTL); err != nil {
			observability.RecordPermissionCacheEvent(ctx, "error")
		}
		return perms, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]string), nil
}

func (r *CachedPermissionResolver) resolveFromStore(ctx context.Context, principalID uint, tenantID string) ([]string, error) {
	principal, err := r.principals.FindByID(ctx, principalID)
	if err != nil {
		if errors.Is(err, repository.ErrPrincipalNotFound) {
			return []string{}, nil
		}
		return nil, storeFailure(err)
	}
	if principal.TenantID != tenantID {
		return []string{}, nil
	}

	set := make(map[string]struct{})
	for _, role := range principal.Roles {
		if role.TenantID != "" && role.TenantID != tenantID {
			continue
		}
		for _, perm := range role.Permissions {
			set[perm.Name] = struct{}{}
		}
	}
	perms := make([]string, 0, len(set))
	for name := range set {
		perms = append(perms, name)
	}
	sort.Strings(perms)
	return perms, nil
}

// Authorize is a set-membership check. Deny is a normal outcome, not an
// error; permission strings are matched by equality only.
func (r *CachedPermissionResolver) Authorize(ctx context.Context, principalID uint, tenantID string, required string) (bool, error) {
	perms, err := r.ResolvePermissions(ctx, principalID, tenantID)
	if err != nil {
		return false, err
	}
	for _, perm := range perms {
		if perm == required {
			return true, nil
		}
	}
	return false, nil
}

func (r *CachedPermissionResolver) InvalidatePrincipal(ctx context.Context, principalID uint) error {
	return r.cache.InvalidatePrincipal(ctx, principalID)
}

func (r *CachedPermissionResolver) InvalidateAll(ctx context.Context) error {
	return r.cache.InvalidateAll(ctx)
}

// PermissionSet is the materialized form handed to middleware for repeated
// membership checks within one request.
type PermissionSet map[string]struct{}

func NewPermissionSet(perms []string) PermissionSet {
	set := make(PermissionSet, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}

func (s PermissionSet) Has(permission string) bool {
	_, ok := s[permission]
	return ok
}

var _ PermissionResolver = (*CachedPermissionResolver)(nil)

// Roles carried in access-token claims are display metadata only;
// authorization always resolves against the store, so a role assignment
// change applies from the next check on.
func RoleNames(roles []domain.Role) []string {
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, r.Name)
	}
	return names
}

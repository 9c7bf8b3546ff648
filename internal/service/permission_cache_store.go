package service

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PermissionCacheStore caches resolved permission sets per (tenant,
// principal, rolesVersion). The version is part of the key, so a
// role-assignment change makes every older entry unreachable at once;
// the epochs cover explicit invalidation for everything else, such as a
// role definition edit.
type PermissionCacheStore interface {
	Get(ctx context.Context, tenantID string, principalID uint, rolesVersion uint64) ([]string, bool, error)
	Set(ctx context.Context, tenantID string, principalID uint, rolesVersion uint64, permissions []string, ttl time.Duration) error
	InvalidatePrincipal(ctx context.Context, principalID uint) error
	InvalidateAll(ctx context.Context) error
}

type NoopPermissionCacheStore struct{}

func NewNoopPermissionCacheStore() *NoopPermissionCacheStore { return &NoopPermissionCacheStore{} }

func (s *NoopPermissionCacheStore) Get(context.Context, string, uint, uint64) ([]string, bool, error) {
	return nil, false, nil
}

func (s *NoopPermissionCacheStore) Set(context.Context, string, uint, uint64, []string, time.Duration) error {
	return nil
}

func (s *NoopPermissionCacheStore) InvalidatePrincipal(context.Context, uint) error { return nil }

func (s *NoopPermissionCacheStore) InvalidateAll(context.Context) error { return nil }

type permCacheEntry struct {
	permissions []string
	expiresAt   time.Time
}

type InMemoryPermissionCacheStore struct {
	mu             sync.RWMutex
	data           map[string]permCacheEntry
	globalEpoch    uint64
	principalEpoch map[uint]uint64
}

func NewInMemoryPermissionCacheStore() *InMemoryPermissionCacheStore {
	return &InMemoryPermissionCacheStore{
		data:           make(map[string]permCacheEntry),
		principalEpoch: make(map[uint]uint64),
	}
}

func (s *InMemoryPermissionCacheStore) Get(_ context.Context, tenantID string, principalID uint, rolesVersion uint64) ([]string, bool, error) {
	now := time.Now().UTC()
	s.mu.RLock()
	key := s.cacheKeyLocked(tenantID, principalID, rolesVersion)
	entry, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if now.After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.data, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	return append([]string(nil), entry.permissions...), true, nil
}

func (s *InMemoryPermissionCacheStore) Set(_ context.Context, tenantID string, principalID uint, rolesVersion uint64, permissions []string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.cacheKeyLocked(tenantID, principalID, rolesVersion)
	s.data[key] = permCacheEntry{
		permissions: append([]string(nil), permissions...),
		expiresAt:   time.Now().UTC().Add(ttl),
	}
	return nil
}

func (s *InMemoryPermissionCacheStore) InvalidatePrincipal(_ context.Context, principalID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.principalEpoch[principalID]++
	return nil
}

func (s *InMemoryPermissionCacheStore) InvalidateAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalEpoch++
	return nil
}

func (s *InMemoryPermissionCacheStore) cacheKeyLocked(tenantID string, principalID uint, rolesVersion uint64) string {
	return buildPermissionCacheKey(s.globalEpoch, s.principalEpoch[principalID], rolesVersion, tenantID, principalID)
}

func buildPermissionCacheKey(globalEpoch, principalEpoch, rolesVersion uint64, tenantID string, principalID uint) string {
	if tenantID == "" {
		tenantID = "none"
	}
	return fmt.Sprintf("perm:g%d:e%d:r%d:tenant:%s:principal:%d", globalEpoch, principalEpoch, rolesVersion, tenantID, principalID)
}

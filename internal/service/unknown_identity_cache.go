package service

import (
	"context"
	"sync"
	"time"
)

// UnknownIdentityCache remembers (tenant, email) lookups that resolved to no
// principal, so repeated forgot-password probes for the same unknown address
// do not hit the store. Entries are forgotten per tenant when a principal is
// provisioned there.
type UnknownIdentityCache interface {
	Seen(ctx context.Context, tenantID, email string) (bool, error)
	Mark(ctx context.Context, tenantID, email string, ttl time.Duration) error
	Forget(ctx context.Context, tenantID string) error
}

type NoopUnknownIdentityCache struct{}

func NewNoopUnknownIdentityCache() *NoopUnknownIdentityCache { return &NoopUnknownIdentityCache{} }

func (c *NoopUnknownIdentityCache) Seen(context.Context, string, string) (bool, error) {
	return false, nil
}

func (c *NoopUnknownIdentityCache) Mark(context.Context, string, string, time.Duration) error {
	return nil
}

func (c *NoopUnknownIdentityCache) Forget(context.Context, string) error { return nil }

type InMemoryUnknownIdentityCache struct {
	mu      sync.RWMutex
	tenants map[string]map[string]time.Time
}

func NewInMemoryUnknownIdentityCache() *InMemoryUnknownIdentityCache {
	return &InMemoryUnknownIdentityCache{tenants: make(map[string]map[string]time.Time)}
}

func (c *InMemoryUnknownIdentityCache) Seen(_ context.Context, tenantID, email string) (bool, error) {
	email = normalizeAuthIdentity(email)
	now := time.Now().UTC()
	c.mu.RLock()
	entries, ok := c.tenants[tenantID]
	if !ok {
		c.mu.RUnlock()
		return false, nil
	}
	expiresAt, ok := entries[email]
	c.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if now.After(expiresAt) {
		c.mu.Lock()
		if entries, ok := c.tenants[tenantID]; ok {
			delete(entries, email)
			if len(entries) == 0 {
				delete(c.tenants, tenantID)
			}
		}
		c.mu.Unlock()
		return false, nil
	}
	return true, nil
}

func (c *InMemoryUnknownIdentityCache) Mark(_ context.Context, tenantID, email string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entries, ok := c.tenants[tenantID]
	if !ok {
		entries = make(map[string]time.Time)
		c.tenants[tenantID] = entries
	}
	entries[normalizeAuthIdentity(email)] = time.Now().UTC().Add(ttl)
	return nil
}

func (c *InMemoryUnknownIdentityCache) Forget(_ context.Context, tenantID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tenants, tenantID)
	return nil
}

package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisUnknownIdentityCache struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisUnknownIdentityCache(client redis.UniversalClient, prefix string) *RedisUnknownIdentityCache {
	if prefix == "" {
		prefix = "authcore_unknown"
	}
	return &RedisUnknownIdentityCache{client: client, prefix: prefix}
}

func (c *RedisUnknownIdentityCache) Seen(ctx context.Context, tenantID, email string) (bool, error) {
	if c.client == nil {
		return false, nil
	}
	_, err := c.client.Get(ctx, c.dataKey(tenantID, email)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *RedisUnknownIdentityCache) Mark(ctx context.Context, tenantID, email string, ttl time.Duration) error {
	if c.client == nil || ttl <= 0 {
		return nil
	}
	dataKey := c.dataKey(tenantID, email)
	tenantIndex := c.tenantIndexKey(tenantID)
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, dataKey, "1", ttl)
	pipe.SAdd(ctx, tenantIndex, dataKey)
	pipe.Expire(ctx, tenantIndex, ttl+time.Minute)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisUnknownIdentityCache) Forget(ctx context.Context, tenantID string) error {
	if c.client == nil {
		return nil
	}
	tenantIndex := c.tenantIndexKey(tenantID)
	keys, err := c.client.SMembers(ctx, tenantIndex).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	pipe := c.client.TxPipeline()
	if len(keys) > 0 {
		pipe.Del(ctx, keys...)
	}
	pipe.Del(ctx, tenantIndex)
	_, err = pipe.Exec(ctx)
	return err
}

// Raw addresses never land in Redis; only a digest of the normalized form.
func (c *RedisUnknownIdentityCache) dataKey(tenantID, email string) string {
	sum := sha256.Sum256([]byte(normalizeAuthIdentity(email)))
	return fmt.Sprintf("%s:data:%s:%s", c.prefix, tenantID, hex.EncodeToString(sum[:]))
}

func (c *RedisUnknownIdentityCache) tenantIndexKey(tenantID string) string {
	return fmt.Sprintf("%s:index:%s", c.prefix, tenantID)
}

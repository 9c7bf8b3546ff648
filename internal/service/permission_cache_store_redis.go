package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPermissionCacheStore keys cached permission sets by a pair of epochs
// read on every access. Invalidation bumps an epoch instead of scanning for
// keys, so stale entries become unreachable immediately and age out with
// their TTL.
type RedisPermissionCacheStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisPermissionCacheStore(client redis.UniversalClient, prefix string) *RedisPermissionCacheStore {
	if prefix == "" {
		prefix = "authcore_perm"
	}
	return &RedisPermissionCacheStore{client: client, prefix: prefix}
}

func (s *RedisPermissionCacheStore) Get(ctx context.Context, tenantID string, principalID uint, rolesVersion uint64) ([]string, bool, error) {
	if s.client == nil {
		return nil, false, nil
	}
	key, err := s.dataKey(ctx, tenantID, principalID, rolesVersion)
	if err != nil {
		return nil, false, err
	}
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var perms []string
	if err := json.Unmarshal(raw, &perms); err != nil {
		return nil, false, err
	}
	return perms, true, nil
}

func (s *RedisPermissionCacheStore) Set(ctx context.Context, tenantID string, principalID uint, rolesVersion uint64, permissions []string, ttl time.Duration) error {
	if s.client == nil || ttl <= 0 {
		return nil
	}
	key, err := s.dataKey(ctx, tenantID, principalID, rolesVersion)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(permissions)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, payload, ttl).Err()
}

func (s *RedisPermissionCacheStore) InvalidatePrincipal(ctx context.Context, principalID uint) error {
	if s.client == nil {
		return nil
	}
	return s.client.Incr(ctx, s.principalEpochKey(principalID)).Err()
}

func (s *RedisPermissionCacheStore) InvalidateAll(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Incr(ctx, s.globalEpochKey()).Err()
}

func (s *RedisPermissionCacheStore) dataKey(ctx context.Context, tenantID string, principalID uint, rolesVersion uint64) (string, error) {
	pipe := s.client.Pipeline()
	cmds := []*redis.StringCmd{
		pipe.Get(ctx, s.globalEpochKey()),
		pipe.Get(ctx, s.principalEpochKey(principalID)),
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return "", err
	}
	epochs := make([]uint64, len(cmds))
	for i, cmd := range cmds {
		epoch, err := parseEpoch(cmd)
		if err != nil {
			return "", err
		}
		epochs[i] = epoch
	}
	return buildPermissionCacheKey(epochs[0], epochs[1], rolesVersion, tenantID, principalID), nil
}

// An absent epoch counter reads as zero, the epoch every store starts at.
func parseEpoch(cmd *redis.StringCmd) (uint64, error) {
	v, err := cmd.Result()
	if err == redis.Nil || (err == nil && v == "") {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(v, 10, 64)
}

func (s *RedisPermissionCacheStore) globalEpochKey() string {
	return s.prefix + ":epoch:global"
}

func (s *RedisPermissionCacheStore) principalEpochKey(principalID uint) string {
	return fmt.Sprintf("%s:epoch:principal:%d", s.prefix, principalID)
}

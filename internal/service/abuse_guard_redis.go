package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisAuthAbuseGuard struct {
	client redis.UniversalClient
	prefix string
	policy AuthAbusePolicy
	clock  Clock
}

func NewRedisAuthAbuseGuard(client redis.UniversalClient, prefix string, policy AuthAbusePolicy) *RedisAuthAbuseGuard {
	if prefix == "" {
		prefix = "authcore_abuse"
	}
	return &RedisAuthAbuseGuard{client: client, prefix: prefix, policy: policy, clock: SystemClock()}
}

func (g *RedisAuthAbuseGuard) Check(ctx context.Context, scope AuthAbuseScope, identity, ip string) (time.Duration, error) {
	if g.client == nil {
		return 0, nil
	}
	now := g.clock.Now()
	var longest time.Duration
	for _, key := range g.subjectKeys(scope, identity, ip) {
		values, err := g.client.HMGet(ctx, key, "cooldown_until_ms").Result()
		if err != nil {
			return 0, err
		}
		until, err := parseAbuseMillisField(values[0])
		if err != nil {
			return 0, fmt.Errorf("abuse guard state %s: %w", key, err)
		}
		if until == 0 {
			continue
		}
		if remaining := time.UnixMilli(until).Sub(now); remaining > longest {
			longest = remaining
		}
	}
	return longest, nil
}

func (g *RedisAuthAbuseGuard) RegisterFailure(ctx context.Context, scope AuthAbuseScope, identity, ip string) (time.Duration, error) {
	if g.client == nil {
		return 0, nil
	}
	now := g.clock.Now()
	var longest time.Duration
	for _, key := range g.subjectKeys(scope, identity, ip) {
		values, err := g.client.HMGet(ctx, key, "failures", "last_failure_ms").Result()
		if err != nil {
			return 0, err
		}
		failures, err := parseAbuseIntField(values[0])
		if err != nil {
			return 0, fmt.Errorf("abuse guard state %s: %w", key, err)
		}
		lastFailure, err := parseAbuseMillisField(values[1])
		if err != nil {
			return 0, fmt.Errorf("abuse guard state %s: %w", key, err)
		}
		if g.policy.ResetWindow > 0 && lastFailure > 0 && now.Sub(time.UnixMilli(lastFailure)) > g.policy.ResetWindow {
			failures = 0
		}
		failures++

		cooldown := g.policy.cooldownFor(failures)
		fields := map[string]any{
			"failures":        failures,
			"last_failure_ms": now.UnixMilli(),
		}
		if cooldown > 0 {
			fields["cooldown_until_ms"] = now.Add(cooldown).UnixMilli()
		}
		if err := g.client.HSet(ctx, key, fields).Err(); err != nil {
			return 0, err
		}
		if ttl := g.stateTTL(cooldown); ttl > 0 {
			if err := g.client.Expire(ctx, key, ttl).Err(); err != nil {
				return 0, err
			}
		}
		if cooldown > longest {
			longest = cooldown
		}
	}
	return longest, nil
}

func (g *RedisAuthAbuseGuard) Reset(ctx context.Context, scope AuthAbuseScope, identity, ip string) error {
	if g.client == nil {
		return nil
	}
	keys := g.subjectKeys(scope, identity, ip)
	if len(keys) == 0 {
		return nil
	}
	return g.client.Del(ctx, keys...).Err()
}

func (g *RedisAuthAbuseGuard) subjectKeys(scope AuthAbuseScope, identity, ip string) []string {
	keys := make([]string, 0, 2)
	if normalized := normalizeAuthIdentity(identity); normalized != "" {
		keys = append(keys, g.stateKey(scope, "id", normalized))
	}
	if ip != "" {
		keys = append(keys, g.stateKey(scope, "ip", ip))
	}
	return keys
}

func (g *RedisAuthAbuseGuard) stateKey(scope AuthAbuseScope, kind, value string) string {
	return fmt.Sprintf("%s:%s:%s:%s", g.prefix, scope, kind, value)
}

func (g *RedisAuthAbuseGuard) stateTTL(cooldown time.Duration) time.Duration {
	ttl := g.policy.ResetWindow
	if cooldown > ttl {
		ttl = cooldown
	}
	return ttl
}

func parseAbuseIntField(raw any) (int, error) {
	if raw == nil {
		return 0, nil
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func parseAbuseMillisField(raw any) (int64, error) {
	if raw == nil {
		return 0, nil
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return n, nil
}

package service

import (
	"context"
	"strings"
	"time"
)

type AuthAbuseScope string

const (
	AuthAbuseScopeLogin  AuthAbuseScope = "login"
	AuthAbuseScopeForgot AuthAbuseScope = "forgot"
)

// AuthAbusePolicy controls the exponential cooldown applied to repeated
// authentication failures for one identity or source address.
type AuthAbusePolicy struct {
	// FreeAttempts is the number of consecutive failures tolerated before
	// any cooldown starts.
	FreeAttempts int
	BaseDelay    time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// ResetWindow is how long after the last failure the counter is
	// forgotten.
	ResetWindow time.Duration
}

func (p AuthAbusePolicy) cooldownFor(failures int) time.Duration {
	over := failures - p.FreeAttempts
	if over <= 0 {
		return 0
	}
	delay := p.BaseDelay
	for i := 1; i < over; i++ {
		delay = time.Duration(float64(delay) * p.Multiplier)
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// AuthAbuseGuard throttles repeated failures per scope. Check returns the
// remaining cooldown (zero when the attempt may proceed), RegisterFailure
// records a failure and returns the cooldown it triggered, Reset clears state
// after a success.
type AuthAbuseGuard interface {
	Check(ctx context.Context, scope AuthAbuseScope, identity, ip string) (time.Duration, error)
	RegisterFailure(ctx context.Context, scope AuthAbuseScope, identity, ip string) (time.Duration, error)
	Reset(ctx context.Context, scope AuthAbuseScope, identity, ip string) error
}

type NoopAuthAbuseGuard struct{}

func NewNoopAuthAbuseGuard() *NoopAuthAbuseGuard { return &NoopAuthAbuseGuard{} }

func (g *NoopAuthAbuseGuard) Check(context.Context, AuthAbuseScope, string, string) (time.Duration, error) {
	return 0, nil
}

func (g *NoopAuthAbuseGuard) RegisterFailure(context.Context, AuthAbuseScope, string, string) (time.Duration, error) {
	return 0, nil
}

func (g *NoopAuthAbuseGuard) Reset(context.Context, AuthAbuseScope, string, string) error {
	return nil
}

func normalizeAuthIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

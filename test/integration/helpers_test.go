package integration

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/omnisuite/authcore/internal/app"
	"github.com/omnisuite/authcore/internal/config"
	"github.com/omnisuite/authcore/internal/domain"
	"github.com/omnisuite/authcore/internal/security"
)

func newAppForTest(t *testing.T, withRedis bool) *app.App {
	t.Helper()
	cfg := &config.Config{
		Profile:            "test",
		DBDriver:           "sqlite",
		DatabaseURL:        fmt.Sprintf("file:integ_%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_")),
		JWTIssuer:          "authcore-test",
		JWTAudience:        "authcore-test-clients",
		JWTAccessSecret:    "access-secret-0123456789abcdefghij",
		JWTRefreshSecret:   "refresh-secret-0123456789abcdefghi",
		JWTAccessTTL:       15 * time.Minute,
		JWTRefreshTTL:      24 * time.Hour,
		TokenPepper:        "pepper-0123456789",
		ResetTokenTTL:      time.Hour,
		TOTPIssuer:         "authcore-test",
		PermissionCacheTTL: time.Minute,
		StoreTimeout:       5 * time.Second,
		AbuseFreeAttempts:  2,
		AbuseBaseDelay:     time.Minute,
		AbuseMultiplier:    2,
		AbuseMaxDelay:      10 * time.Minute,
		AbuseResetWindow:   time.Hour,
	}
	if withRedis {
		server := miniredis.RunT(t)
		cfg.RedisAddr = server.Addr()
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := app.Build(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Close(ctx)
	})
	if err := a.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return a
}

func seedPrincipal(t *testing.T, a *app.App, tenantID, email, password string, permissions ...string) *domain.Principal {
	t.Helper()
	ctx := context.Background()

	var permIDs []uint
	for _, name := range permissions {
		perm := &domain.Permission{Name: name}
		if err := a.Permissions.Create(ctx, perm); err != nil {
			t.Fatalf("create permission %q: %v", name, err)
		}
		permIDs = append(permIDs, perm.ID)
	}

	hasher := security.NewPasswordHasher(security.DefaultArgon2Params())
	hash, err := hasher.Hash(password)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	p := &domain.Principal{TenantID: tenantID, Email: email, PasswordHash: hash}
	if err := a.Principals.Create(ctx, p); err != nil {
		t.Fatalf("create principal: %v", err)
	}

	if len(permIDs) > 0 {
		role := &domain.Role{TenantID: tenantID, Name: "member"}
		if err := a.Roles.Create(ctx, role, permIDs); err != nil {
			t.Fatalf("create role: %v", err)
		}
		if err := a.Principals.SetRoles(ctx, p.ID, []uint{role.ID}); err != nil {
			t.Fatalf("assign role: %v", err)
		}
	}
	return p
}

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/omnisuite/authcore/internal/app"
	"github.com/omnisuite/authcore/internal/config"
	"github.com/omnisuite/authcore/internal/domain"
	"github.com/omnisuite/authcore/internal/observability"
	"github.com/omnisuite/authcore/internal/security"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "authcore",
		Short: "Tenant-scoped authentication and authorization core",
	}
	cmd.AddCommand(newMigrateCommand(), newSeedCommand(), newCleanupCommand())
	return cmd
}

func buildApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return app.Build(ctx, cfg, observability.NewLogger())
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer shutdown(a)
			if err := a.Migrate(); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			a.Logger.Info("schema migrated")
			return nil
		},
	}
}

func newSeedCommand() *cobra.Command {
	var (
		tenantID string
		email    string
		password string
		roleName string
		perms    []string
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Provision a tenant admin with a role and permissions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer shutdown(a)
			if err := a.Migrate(); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}

			var permIDs []uint
			for _, name := range perms {
				perm := &domain.Permission{Name: name}
				if err := a.Permissions.Create(ctx, perm); err != nil {
					return fmt.Errorf("create permission %q: %w", name, err)
				}
				permIDs = append(permIDs, perm.ID)
			}
			role := &domain.Role{TenantID: tenantID, Name: roleName}
			if err := a.Roles.Create(ctx, role, permIDs); err != nil {
				return fmt.Errorf("create role %q: %w", roleName, err)
			}

			hasher := security.NewPasswordHasher(security.DefaultArgon2Params())
			hash, err := hasher.Hash(password)
			if err != nil {
				return fmt.Errorf("hash password: %w", err)
			}
			p := &domain.Principal{TenantID: tenantID, Email: email, PasswordHash: hash}
			if err := a.Principals.Create(ctx, p); err != nil {
				return fmt.Errorf("create principal: %w", err)
			}
			if err := a.Principals.SetRoles(ctx, p.ID, []uint{role.ID}); err != nil {
				return fmt.Errorf("assign role: %w", err)
			}
			// The tenant's cached unknown-address entries may now cover a
			// real principal.
			if err := a.Misses.Forget(ctx, tenantID); err != nil {
				a.Logger.Warn("clear unknown-address cache", "tenant_id", tenantID, "error", err)
			}
			a.Logger.Info("seeded tenant admin",
				"tenant_id", tenantID, "principal_id", p.ID, "role", roleName)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant identifier")
	cmd.Flags().StringVar(&email, "email", "", "admin email")
	cmd.Flags().StringVar(&password, "password", "", "admin password")
	cmd.Flags().StringVar(&roleName, "role", "admin", "role name")
	cmd.Flags().StringSliceVar(&perms, "permission", nil, "permission strings (module:resource:action)")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newCleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Purge expired refresh sessions and reset tokens",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer shutdown(a)

			now := time.Now().UTC()
			sessions, err := a.Sessions.CleanupExpired(ctx, now)
			if err != nil {
				return fmt.Errorf("cleanup sessions: %w", err)
			}
			resets, err := a.Resets.CleanupExpired(ctx, now)
			if err != nil {
				return fmt.Errorf("cleanup reset tokens: %w", err)
			}
			a.Logger.Info("cleanup done", "sessions", sessions, "reset_tokens", resets)
			return nil
		},
	}
}

func shutdown(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		a.Logger.Warn("shutdown", "error", err)
	}
}

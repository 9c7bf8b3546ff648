package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/omnisuite/authcore/internal/config"
	"github.com/omnisuite/authcore/internal/domain"
	"github.com/omnisuite/authcore/internal/middleware"
	"github.com/omnisuite/authcore/internal/observability"
	"github.com/omnisuite/authcore/internal/repository"
	"github.com/omnisuite/authcore/internal/security"
	"github.com/omnisuite/authcore/internal/service"
)

// App is the composition root. Build wires repositories, services and the
// facade from config; callers own the lifecycle via Close.
type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	DB            *gorm.DB
	Redis         *redis.Client
	Observability *observability.Runtime

	Principals  repository.PrincipalRepository
	Sessions    repository.SessionRepository
	Resets      repository.ResetTokenRepository
	Totps       repository.TotpRepository
	Roles       repository.RoleRepository
	Permissions repository.PermissionRepository

	Tokens    *service.TokenService
	Passwords *service.PasswordService
	TOTP      *service.TOTPService
	Resolver  service.PermissionResolver
	Misses    service.UnknownIdentityCache
	Auth      *service.AuthService
	Guard     *middleware.Guard
}

func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	runtime, err := observability.InitRuntime(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
	}

	principals := repository.NewPrincipalRepository(db)
	sessions := repository.NewSessionRepository(db)
	resets := repository.NewResetTokenRepository(db)
	totps := repository.NewTotpRepository(db)
	roles := repository.NewRoleRepository(db)
	permissions := repository.NewPermissionRepository(db)

	hasher := security.NewPasswordHasher(security.DefaultArgon2Params())
	jwtMgr := security.NewJWTManager(cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTAccessSecret, cfg.JWTRefreshSecret)
	clock := service.SystemClock()

	var permCache service.PermissionCacheStore
	var missCache service.UnknownIdentityCache
	var guard service.AuthAbuseGuard
	if redisClient != nil {
		permCache = service.NewRedisPermissionCacheStore(redisClient, "authcore_perm")
		missCache = service.NewRedisUnknownIdentityCache(redisClient, "authcore_unknown")
		guard = service.NewRedisAuthAbuseGuard(redisClient, "authcore_abuse", service.AuthAbusePolicy{
			FreeAttempts: cfg.AbuseFreeAttempts,
			BaseDelay:    cfg.AbuseBaseDelay,
			Multiplier:   float64(cfg.AbuseMultiplier),
			MaxDelay:     cfg.AbuseMaxDelay,
			ResetWindow:  cfg.AbuseResetWindow,
		})
	} else {
		permCache = service.NewInMemoryPermissionCacheStore()
		missCache = service.NewInMemoryUnknownIdentityCache()
		guard = service.NewNoopAuthAbuseGuard()
	}

	tokens := service.NewTokenService(jwtMgr, sessions, cfg.TokenPepper, cfg.JWTAccessTTL, cfg.JWTRefreshTTL, clock)
	passwords := service.NewPasswordService(principals, resets, sessions, hasher, missCache, cfg.TokenPepper, cfg.ResetTokenTTL, clock)
	totpSvc := service.NewTOTPService(totps, principals, cfg.TOTPIssuer, clock)
	sessionSvc := service.NewSessionService(sessions, cfg.TokenPepper, clock)
	resolver := service.NewCachedPermissionResolver(principals, permCache, cfg.PermissionCacheTTL)
	auth := service.NewAuthService(principals, tokens, passwords, totpSvc, sessionSvc, resolver, hasher, guard, cfg.StoreTimeout, clock)

	return &App{
		Config:        cfg,
		Logger:        logger,
		DB:            db,
		Redis:         redisClient,
		Observability: runtime,
		Principals:    principals,
		Sessions:      sessions,
		Resets:        resets,
		Totps:         totps,
		Roles:         roles,
		Permissions:   permissions,
		Tokens:        tokens,
		Passwords:     passwords,
		TOTP:          totpSvc,
		Resolver:      resolver,
		Misses:        missCache,
		Auth:          auth,
		Guard:         middleware.NewGuard(auth),
	}, nil
}

// Migrate creates or updates the schema for every persisted model.
func (a *App) Migrate() error {
	return a.DB.AutoMigrate(
		&domain.Permission{},
		&domain.Role{},
		&domain.Principal{},
		&domain.RefreshSession{},
		&domain.PasswordResetToken{},
		&domain.TotpCredential{},
	)
}

func (a *App) Close(ctx context.Context) error {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Warn("close redis", "error", err)
		}
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			a.Logger.Warn("close database", "error", err)
		}
	}
	if a.Observability != nil {
		return a.Observability.Shutdown(ctx)
	}
	return nil
}

func openDatabase(cfg *config.Config) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}
	switch cfg.DBDriver {
	case "sqlite":
		return gorm.Open(sqlite.Open(cfg.DatabaseURL), gormCfg)
	case "postgres":
		db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), gormCfg)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported db driver %q", cfg.DBDriver)
	}
}

package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Profile string

	DBDriver    string
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JWTIssuer        string
	JWTAudience      string
	JWTAccessSecret  string
	JWTRefreshSecret string
	JWTAccessTTL     time.Duration
	JWTRefreshTTL    time.Duration

	TokenPepper   string
	ResetTokenTTL time.Duration

	TOTPIssuer string

	PermissionCacheTTL time.Duration
	StoreTimeout       time.Duration

	AbuseFreeAttempts int
	AbuseBaseDelay    time.Duration
	AbuseMultiplier   int
	AbuseMaxDelay     time.Duration
	AbuseResetWindow  time.Duration

	OTELEnabled               bool
	OTELExporterOTLPEndpoint  string
	OTELExporterOTLPInsecure  bool
	OTELServiceName           string
	OTELEnvironment           string
	OTELMetricsExportInterval time.Duration
}

// Load reads configuration from the environment, after an optional .env file.
// Values already present in the environment win over the file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Profile:                   getEnv("APP_PROFILE", "dev"),
		DBDriver:                  getEnv("DB_DRIVER", "postgres"),
		DatabaseURL:               os.Getenv("DATABASE_URL"),
		RedisAddr:                 os.Getenv("REDIS_ADDR"),
		RedisPassword:             os.Getenv("REDIS_PASSWORD"),
		JWTIssuer:                 getEnv("JWT_ISSUER", "authcore"),
		JWTAudience:               getEnv("JWT_AUDIENCE", "authcore-clients"),
		JWTAccessSecret:           os.Getenv("JWT_ACCESS_SECRET"),
		JWTRefreshSecret:          os.Getenv("JWT_REFRESH_SECRET"),
		TokenPepper:               os.Getenv("TOKEN_PEPPER"),
		TOTPIssuer:                getEnv("TOTP_ISSUER", "authcore"),
		OTELExporterOTLPEndpoint:  getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTELServiceName:           getEnv("OTEL_SERVICE_NAME", "authcore"),
		OTELEnvironment:           getEnv("OTEL_ENVIRONMENT", "dev"),
		OTELEnabled:               getEnvBool("OTEL_ENABLED", false),
		OTELExporterOTLPInsecure:  getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		AbuseFreeAttempts:         3,
		AbuseMultiplier:           2,
	}

	var err error
	if cfg.JWTAccessTTL, err = getEnvDuration("JWT_ACCESS_TTL", 15*time.Minute); err != nil {
		return nil, recordLoadError(err, cfg.Profile)
	}
	if cfg.JWTRefreshTTL, err = getEnvDuration("JWT_REFRESH_TTL", 30*24*time.Hour); err != nil {
		return nil, recordLoadError(err, cfg.Profile)
	}
	if cfg.ResetTokenTTL, err = getEnvDuration("RESET_TOKEN_TTL", time.Hour); err != nil {
		return nil, recordLoadError(err, cfg.Profile)
	}
	if cfg.PermissionCacheTTL, err = getEnvDuration("PERMISSION_CACHE_TTL", 5*time.Minute); err != nil {
		return nil, recordLoadError(err, cfg.Profile)
	}
	if cfg.StoreTimeout, err = getEnvDuration("STORE_TIMEOUT", 3*time.Second); err != nil {
		return nil, recordLoadError(err, cfg.Profile)
	}
	if cfg.AbuseBaseDelay, err = getEnvDuration("ABUSE_BASE_DELAY", time.Second); err != nil {
		return nil, recordLoadError(err, cfg.Profile)
	}
	if cfg.AbuseMaxDelay, err = getEnvDuration("ABUSE_MAX_DELAY", 5*time.Minute); err != nil {
		return nil, recordLoadError(err, cfg.Profile)
	}
	if cfg.AbuseResetWindow, err = getEnvDuration("ABUSE_RESET_WINDOW", 15*time.Minute); err != nil {
		return nil, recordLoadError(err, cfg.Profile)
	}
	if cfg.OTELMetricsExportInterval, err = getEnvDuration("OTEL_METRICS_EXPORT_INTERVAL", 15*time.Second); err != nil {
		return nil, recordLoadError(err, cfg.Profile)
	}
	if raw := os.Getenv("REDIS_DB"); raw != "" {
		if cfg.RedisDB, err = strconv.Atoi(raw); err != nil {
			return nil, recordLoadError(fmt.Errorf("parse REDIS_DB: %w", err), cfg.Profile)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, recordLoadError(err, cfg.Profile)
	}
	recordConfigValidationEvent(context.Background(), cfg.Profile, "success", "none")
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DBDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("validate config: DB_DRIVER must be postgres or sqlite, got %q", c.DBDriver)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("validate config: DATABASE_URL is required")
	}
	if len(c.JWTAccessSecret) < 32 {
		return fmt.Errorf("validate config: JWT_ACCESS_SECRET must be at least 32 bytes")
	}
	if len(c.JWTRefreshSecret) < 32 {
		return fmt.Errorf("validate config: JWT_REFRESH_SECRET must be at least 32 bytes")
	}
	if c.JWTAccessSecret == c.JWTRefreshSecret {
		return fmt.Errorf("validate config: access and refresh secrets must differ")
	}
	if len(c.TokenPepper) < 16 {
		return fmt.Errorf("validate config: TOKEN_PEPPER must be at least 16 bytes")
	}
	if c.JWTAccessTTL >= c.JWTRefreshTTL {
		return fmt.Errorf("validate config: JWT_ACCESS_TTL must be shorter than JWT_REFRESH_TTL")
	}
	if c.ResetTokenTTL <= 0 {
		return fmt.Errorf("validate config: RESET_TOKEN_TTL must be positive")
	}
	return nil
}

func recordLoadError(err error, profile string) error {
	recordConfigValidationEvent(context.Background(), profile, "failure", classifyConfigLoadError(err))
	return err
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

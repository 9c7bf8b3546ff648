package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/omnisuite/authcore/internal/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

type authMetrics struct {
	loginCounter    metric.Int64Counter
	refreshCounter  metric.Int64Counter
	logoutCounter   metric.Int64Counter
	passwordCounter metric.Int64Counter
	totpCounter     metric.Int64Counter
}

var (
	metricsMu   sync.RWMutex
	appMetrics  *authMetrics
	lazyMu      sync.Mutex
	repoCounter metric.Int64Counter
	rbacCounter metric.Int64Counter
)

func InitMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sdkmetric.MeterProvider, error) {
	if !cfg.OTELEnabled {
		mp := sdkmetric.NewMeterProvider()
		otel.SetMeterProvider(mp)
		logger.Info("otel metrics disabled")
		return mp, nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTELExporterOTLPEndpoint)}
	if cfg.OTELExporterOTLPInsecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp metric exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.OTELServiceName),
			attribute.String("deployment.environment", cfg.OTELEnvironment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create metric resource: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.OTELMetricsExportInterval))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(mp)

	meter := mp.Meter("authcore")
	loginCounter, err := meter.Int64Counter("auth.login.attempts")
	if err != nil {
		return nil, err
	}
	refreshCounter, err := meter.Int64Counter("auth.refresh.attempts")
	if err != nil {
		return nil, err
	}
	logoutCounter, err := meter.Int64Counter("auth.logout.attempts")
	if err != nil {
		return nil, err
	}
	passwordCounter, err := meter.Int64Counter("auth.password.operations")
	if err != nil {
		return nil, err
	}
	totpCounter, err := meter.Int64Counter("auth.totp.verifications")
	if err != nil {
		return nil, err
	}

	metricsMu.Lock()
	appMetrics = &authMetrics{
		loginCounter:    loginCounter,
		refreshCounter:  refreshCounter,
		logoutCounter:   logoutCounter,
		passwordCounter: passwordCounter,
		totpCounter:     totpCounter,
	}
	metricsMu.Unlock()

	logger.Info("otel metrics initialized", "endpoint", cfg.OTELExporterOTLPEndpoint)
	return mp, nil
}

func RecordAuthLogin(tenantID, status string) {
	metricsMu.RLock()
	m := appMetrics
	metricsMu.RUnlock()
	if m == nil {
		return
	}
	m.loginCounter.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("tenant", tenantID),
			attribute.String("status", status),
		),
	)
}

func RecordAuthRefresh(status string) {
	metricsMu.RLock()
	m := appMetrics
	metricsMu.RUnlock()
	if m == nil {
		return
	}
	m.refreshCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", status)))
}

func RecordAuthLogout(status string) {
	metricsMu.RLock()
	m := appMetrics
	metricsMu.RUnlock()
	if m == nil {
		return
	}
	m.logoutCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", status)))
}

func RecordPasswordOperation(operation, status string) {
	metricsMu.RLock()
	m := appMetrics
	metricsMu.RUnlock()
	if m == nil {
		return
	}
	m.passwordCounter.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("status", status),
		),
	)
}

func RecordTOTPVerification(status string) {
	metricsMu.RLock()
	m := appMetrics
	metricsMu.RUnlock()
	if m == nil {
		return
	}
	m.totpCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", status)))
}

func RecordRepositoryOperation(ctx context.Context, entity, operation, status string) {
	lazyMu.Lock()
	if repoCounter == nil {
		counter, err := otel.Meter("authcore").Int64Counter("repository.operations")
		if err == nil {
			repoCounter = counter
		}
	}
	c := repoCounter
	lazyMu.Unlock()
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity", entity),
		attribute.String("operation", operation),
		attribute.String("status", status),
	))
}

func RecordPermissionCacheEvent(ctx context.Context, event string) {
	lazyMu.Lock()
	if rbacCounter == nil {
		counter, err := otel.Meter("authcore").Int64Counter("permission.cache.events")
		if err == nil {
			rbacCounter = counter
		}
	}
	c := rbacCounter
	lazyMu.Unlock()
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

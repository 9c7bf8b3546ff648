package config

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var configCounter = sync.OnceValue(func() metric.Int64Counter {
	counter, err := otel.Meter("authcore").Int64Counter("config.validation.events")
	if err != nil {
		return nil
	}
	return counter
})

// A startup that dies on bad config leaves no trace in the running process;
// the counter is the one signal that survives to the collector.
func recordConfigValidationEvent(ctx context.Context, profile, outcome, errorClass string) {
	counter := configCounter()
	if counter == nil {
		return
	}
	profile = strings.TrimSpace(strings.ToLower(profile))
	if profile == "" {
		profile = "unknown"
	}
	counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("profile", profile),
		attribute.String("outcome", outcome),
		attribute.String("error_class", errorClass),
	))
}

func classifyConfigLoadError(err error) string {
	if err == nil {
		return "none"
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "secret") || strings.Contains(msg, "pepper"):
		return "secret"
	case strings.HasPrefix(msg, "validate config:"):
		return "validation"
	case strings.HasPrefix(msg, "parse "):
		return "parse"
	default:
		return "load"
	}
}

package observability

import (
	"context"
	"log/slog"
)

// Audit emits a structured audit record for a security-relevant event. The
// surrounding transport layer is expected to have put correlation data on the
// context already.
func Audit(ctx context.Context, event string, attrs ...any) {
	base := []any{"event", event}
	base = append(base, attrs...)
	slog.InfoContext(ctx, "audit", base...)
}

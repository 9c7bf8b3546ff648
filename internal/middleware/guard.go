package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/omnisuite/authcore/internal/security"
	"github.com/omnisuite/authcore/internal/service"
)

type contextKey string

const ClaimsContextKey contextKey = "claims"

// Guard authenticates requests with a bearer access token and optionally
// gates them on a permission. It is transport plumbing only; all decisions
// come from the facade.
type Guard struct {
	facade service.AuthFacade
}

func NewGuard(facade service.AuthFacade) *Guard {
	return &Guard{facade: facade}
}

func (g *Guard) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing access token")
			return
		}
		claims, err := g.facade.VerifyAccess(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid access token")
			return
		}
		ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequirePermission resolves the caller's effective permission set and denies
// with 403 unless it contains the required token. Resolution failures map to
// 503 so clients can retry.
func (g *Guard) RequirePermission(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing auth context")
				return
			}
			principalID, err := strconv.ParseUint(claims.Subject, 10, 64)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid subject")
				return
			}
			allowed, err := g.facade.Authorize(r.Context(), uint(principalID), claims.TenantID, permission)
			if err != nil {
				writeError(w, http.StatusServiceUnavailable, "AUTHZ_UNAVAILABLE", "permission resolution unavailable")
				return
			}
			if !allowed {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "insufficient permission")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func ClaimsFromContext(ctx context.Context) (*security.Claims, bool) {
	c, ok := ctx.Value(ClaimsContextKey).(*security.Claims)
	return c, ok
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

type errorEnvelope struct {
	Success bool      `json:"success"`
	Error   *apiError `json:"error"`
	Meta    meta      `json:"meta"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type meta struct {
	Timestamp time.Time `json:"timestamp"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Error: &apiError{Code: code, Message: message},
		Meta:  meta{Timestamp: time.Now().UTC()},
	})
}

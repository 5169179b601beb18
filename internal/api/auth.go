package api

import (
	"context"
	"net/http"

	"github.com/nestassociates/agent-platform/internal/telemetry"
)

type contextKey string

const actorKey contextKey = "actor"

// adminRoles may perform lifecycle operations.
var adminRoles = map[string]bool{
	"admin":       true,
	"super_admin": true,
}

// withServiceToken authenticates service-to-service callers (hooks, admin
// UI) with the shared admin token. Outside production an unset token
// disables the check for local testing.
func (s *Server) withServiceToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" {
			if s.cfg.Env == "production" {
				writeError(w, http.StatusServiceUnavailable, "CONFIG_ERROR", "admin token is not configured")
				return
			}
		} else if r.Header.Get("X-Admin-Token") != s.cfg.AdminToken {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or missing admin token")
			return
		}

		actor := r.Header.Get("X-Admin-Actor")
		if actor == "" {
			actor = "system"
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey, actor)))
	})
}

// requireAdminRole is the single authorization check for lifecycle
// operations: the caller's role must be admin or super_admin.
func (s *Server) requireAdminRole(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !adminRoles[r.Header.Get("X-Admin-Role")] {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withRateLimit throttles admin actions per actor.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			allowed, _, err := s.limiter.Allow(r.Context(), "rl:admin:"+actorFrom(r.Context()))
			if err != nil {
				writeError(w, http.StatusInternalServerError, "RATE_LIMIT_ERROR", "rate limiter unavailable")
				return
			}
			if !allowed {
				telemetry.RateLimitRejects.Inc()
				writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// cronAuthorized validates the shared-secret header on the scheduler
// trigger. Outside production an unset secret allows local invocation.
func (s *Server) cronAuthorized(r *http.Request) bool {
	if s.cfg.CronSecret == "" {
		return s.cfg.Env != "production"
	}
	return r.Header.Get("Authorization") == "Bearer "+s.cfg.CronSecret
}

func actorFrom(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey).(string); ok && actor != "" {
		return actor
	}
	return "system"
}

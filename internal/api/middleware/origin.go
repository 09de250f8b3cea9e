package middleware

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/chatrelay/internal/metrics"
)

// OriginGuard rejects browser requests from origins outside the allow list.
// Requests without an Origin header (server-to-server, CLI) pass.
func OriginGuard(allowed []string, logger zerolog.Logger) func(http.Handler) http.Handler {
	allowAll := false
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			allowAll = true
		}
		set[strings.TrimRight(strings.ToLower(o), "/")] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" || allowAll || set[strings.TrimRight(strings.ToLower(origin), "/")] {
				next.ServeHTTP(w, r)
				return
			}

			metrics.BlockedRequests.WithLabelValues("origin").Inc()
			logger.Warn().
				Str("type", "security").
				Str("event", "origin_rejected").
				Str("origin", origin).
				Str("ip", RealIP(r)).
				Str("endpoint", r.URL.Path).
				Msg("request from disallowed origin")
			jsonError(w, http.StatusForbidden, "origin not allowed")
		})
	}
}

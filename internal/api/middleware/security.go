package middleware

import (
	"net/http"
	"strings"
)

// SecurityHeaders adds security headers to all responses.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")

		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

		next.ServeHTTP(w, r)
	})
}

// MaxBodySize limits request body size.
func MaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				jsonError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// ValidateRequest validates incoming requests for common attack patterns.
func ValidateRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Check Content-Type for POST/PUT/PATCH
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			ct := r.Header.Get("Content-Type")
			// Allow empty body with no content-type
			if r.ContentLength != 0 && !allowedContentType(ct) {
				jsonError(w, http.StatusUnsupportedMediaType, "content-type must be application/json or multipart/form-data")
				return
			}
		}

		// Traversal patterns apply to the path only.
		if containsSuspiciousPatterns(r.URL.Path, pathPatterns) || containsSuspiciousPatterns(r.URL.Path, scriptPatterns) {
			jsonError(w, http.StatusBadRequest, "invalid request")
			return
		}

		if containsSuspiciousPatterns(r.URL.RawQuery, scriptPatterns) {
			jsonError(w, http.StatusBadRequest, "invalid request")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func allowedContentType(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.HasPrefix(ct, "application/json") || strings.HasPrefix(ct, "multipart/form-data")
}

var pathPatterns = []string{
	"..", // Path traversal
	"//", // Path manipulation
}

var scriptPatterns = []string{
	"<script",     // XSS
	"javascript:", // XSS
	"vbscript:",   // XSS
	"onload=",     // XSS event handlers
	"onerror=",    // XSS event handlers
}

// containsSuspiciousPatterns checks input for any of patterns, case-insensitively.
func containsSuspiciousPatterns(input string, patterns []string) bool {
	if input == "" {
		return false
	}

	lower := strings.ToLower(input)
	for _, s := range patterns {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

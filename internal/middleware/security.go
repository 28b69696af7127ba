package middleware

import (
	"net/http"
	"strings"
)

// userContentCSP keeps stored files from running scripts or loading anything
// when opened inline in a browser.
const userContentCSP = "default-src 'none'; img-src 'self'; media-src 'self'; style-src 'unsafe-inline'; sandbox"

// SecurityHeadersMiddleware adds security-related HTTP headers to all responses.
// Responses under filesRoute carry user uploads and get a sandboxing policy.
func SecurityHeadersMiddleware(filesRoute string) func(http.Handler) http.Handler {
	prefix := strings.TrimSuffix(filesRoute, "/") + "/"

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "same-origin")

			if strings.HasPrefix(r.URL.Path, prefix) {
				h.Set("Content-Security-Policy", userContentCSP)
			} else {
				h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			}

			next.ServeHTTP(w, r)
		})
	}
}

package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware instruments HTTP handlers with request metrics.
// filesRoute is the retrieval prefix (e.g. "/raw") so object ids collapse into one label.
func Middleware(filesRoute string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start).Seconds()
			path := normalizePath(r.URL.Path, filesRoute)
			status := strconv.Itoa(wrapped.statusCode)

			HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
			HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		})
	}
}

// normalizePath normalizes URL paths for metric labels to avoid cardinality explosion
func normalizePath(path, filesRoute string) string {
	switch {
	case path == "/metrics", path == "/api/health", path == "/api/upload", path == "/api/upload/incomplete":
		return path

	case strings.HasPrefix(path, "/api/upload/incomplete/") && strings.HasSuffix(path, "/retry"):
		return "/api/upload/incomplete/:id/retry"

	case filesRoute != "" && strings.HasPrefix(path, filesRoute+"/"):
		return filesRoute + "/:id"

	default:
		return "/other"
	}
}

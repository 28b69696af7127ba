package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/fjmerc/stashbox/internal/apperr"
	"github.com/fjmerc/stashbox/internal/models"
)

// ownerHeader carries the caller identity resolved by the fronting auth layer.
const ownerHeader = "X-User-ID"

func ownerID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(ownerHeader))
}

// sendError sends a JSON error response
func sendError(w http.ResponseWriter, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	errResp := models.ErrorResponse{
		Error: message,
		Code:  code,
	}

	json.NewEncoder(w).Encode(errResp)
}

// sendAppError reports err with its own status and code. Unclassified errors
// are logged and hidden behind a generic 500.
func sendAppError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := apperr.As(err)
	if !ok {
		slog.Error("unhandled error", "path", r.URL.Path, "error", err)
		sendError(w, "Internal server error", apperr.CodeInternal, http.StatusInternalServerError)
		return
	}

	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "path", r.URL.Path, "code", e.Code, "error", err)
	}
	sendError(w, e.Message, e.Code, status)
}

func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// buildFileURL constructs the public URL of a stored object.
// An overrideDomain from the request wins over PUBLIC_URL, which wins over
// the reverse proxy headers.
func buildFileURL(r *http.Request, publicURL, overrideDomain, filesRoute, key string) string {
	var base string
	switch {
	case overrideDomain != "":
		base = getScheme(r) + "://" + overrideDomain
	case publicURL != "":
		base = strings.TrimSuffix(publicURL, "/")
	default:
		base = getScheme(r) + "://" + getHost(r)
	}
	return base + filesRoute + "/" + url.PathEscape(key)
}

// getScheme returns the scheme (http/https) respecting reverse proxy headers
func getScheme(r *http.Request) string {
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// getHost returns the host respecting reverse proxy headers
func getHost(r *http.Request) string {
	if host := r.Header.Get("X-Forwarded-Host"); host != "" {
		return host
	}
	return r.Host
}

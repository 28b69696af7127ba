package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"syscall"

	"github.com/fjmerc/stashbox/internal/retrieval"
)

// RawHandler handles GET {FILES_ROUTE}/{id} with optional ?pw= and ?download.
func RawHandler(streamer *retrieval.Streamer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			sendError(w, "Method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed)
			return
		}

		query := r.URL.Query()
		resp, err := streamer.Open(r.Context(), retrieval.Request{
			Key:      r.PathValue("id"),
			Range:    r.Header.Get("Range"),
			Password: query.Get("pw"),
			Download: query.Has("download"),
		})
		if err != nil {
			sendAppError(w, r, err)
			return
		}
		if resp.Body != nil {
			defer resp.Body.Close()
		}

		resp.SetHeaders(w.Header())
		if resp.File != nil && resp.File.PasswordHash != "" {
			w.Header().Set("Cache-Control", "private, no-store")
		}
		w.WriteHeader(resp.Status)

		if r.Method == http.MethodHead || resp.Body == nil {
			return
		}

		if _, err := io.Copy(w, resp.Body); err != nil && !clientGone(err) {
			slog.Warn("failed to stream file", "key", resp.File.Name, "status", resp.Status, "error", err)
		}
	}
}

// clientGone reports whether a copy failed because the client hung up.
func clientGone(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET)
}

package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/docker/go-units"

	"github.com/fjmerc/stashbox/internal/models"
	"github.com/fjmerc/stashbox/internal/repository"
	"github.com/fjmerc/stashbox/internal/storage"
)

// Health check timeout for external dependencies
const healthCheckTimeout = 5 * time.Second

// setHealthCacheHeaders keeps probes from being answered by a cache.
func setHealthCacheHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
}

// HealthHandler handles GET /api/health with capacity and liveness details.
func HealthHandler(backend storage.Backend, uploads repository.IncompleteUploadRepository, startTime time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		setHealthCacheHeaders(w)
		if r.Method != http.MethodGet {
			sendError(w, "Method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		resp, code := checkHealth(ctx, backend, uploads, startTime)
		sendJSON(w, code, resp)
	}
}

func checkHealth(ctx context.Context, backend storage.Backend, uploads repository.IncompleteUploadRepository, startTime time.Time) (models.HealthResponse, int) {
	resp := models.HealthResponse{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(startTime).Seconds()),
		StorageType:   backend.Type(),
	}

	unhealthy := func(msg string, err error) (models.HealthResponse, int) {
		slog.Error("health check failed", "check", msg, "error", err)
		resp.Status = "unhealthy"
		resp.Error = msg
		return resp, http.StatusServiceUnavailable
	}

	if hc, ok := backend.(storage.HealthChecker); ok {
		if err := hc.HealthCheck(ctx); err != nil {
			return unhealthy("storage backend unreachable", err)
		}
	}

	used, err := backend.TotalSize(ctx)
	if err != nil {
		return unhealthy("failed to compute storage usage", err)
	}
	resp.StorageUsedBytes = used
	resp.StorageUsedHuman = units.HumanSize(float64(used))

	if sr, ok := backend.(storage.SpaceReporter); ok {
		free, err := sr.AvailableSpace(ctx)
		if err != nil {
			return unhealthy("failed to read free disk space", err)
		}
		resp.DiskAvailableBytes = free
	}

	active, err := uploads.CountActive(ctx)
	if err != nil {
		return unhealthy("metadata store unreachable", err)
	}
	resp.IncompleteUploads = active

	return resp, http.StatusOK
}

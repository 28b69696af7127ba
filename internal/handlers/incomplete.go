package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/fjmerc/stashbox/internal/assembly"
	"github.com/fjmerc/stashbox/internal/config"
	"github.com/fjmerc/stashbox/internal/models"
	"github.com/fjmerc/stashbox/internal/upload"
)

// DeleteIncompleteRequest is the body of DELETE /api/upload/incomplete.
type DeleteIncompleteRequest struct {
	IDs []string `json:"ids"`
}

// DeleteIncompleteResponse lists the sessions actually removed.
type DeleteIncompleteResponse struct {
	Deleted []string `json:"deleted"`
	Count   int      `json:"count"`
}

// IncompleteUploadsHandler handles GET and DELETE /api/upload/incomplete for the caller's sessions.
func IncompleteUploadsHandler(tracker *assembly.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := ownerID(r)

		switch r.Method {
		case http.MethodGet:
			views, err := tracker.ListByOwner(r.Context(), owner)
			if err != nil {
				sendAppError(w, r, err)
				return
			}
			if views == nil {
				views = []models.IncompleteUploadView{}
			}
			sendJSON(w, http.StatusOK, views)

		case http.MethodDelete:
			var req DeleteIncompleteRequest
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
				sendError(w, "Invalid JSON request body", "INVALID_JSON", http.StatusBadRequest)
				return
			}
			if len(req.IDs) == 0 {
				sendError(w, "ids must not be empty", "INVALID_JSON", http.StatusBadRequest)
				return
			}

			deleted, err := tracker.DeleteByIDs(r.Context(), owner, req.IDs)
			if err != nil {
				sendAppError(w, r, err)
				return
			}
			if deleted == nil {
				deleted = []string{}
			}

			slog.Info("incomplete uploads deleted", "owner", owner, "requested", len(req.IDs), "deleted", len(deleted))
			sendJSON(w, http.StatusOK, DeleteIncompleteResponse{Deleted: deleted, Count: len(deleted)})

		default:
			sendError(w, "Method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed)
		}
	}
}

// RetryAssemblyHandler handles POST /api/upload/incomplete/{id}/retry.
func RetryAssemblyHandler(svc *upload.Service, cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			sendError(w, "Method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed)
			return
		}

		res, err := svc.RetryAssembly(r.Context(), r.PathValue("id"), ownerID(r))
		if err != nil {
			sendAppError(w, r, err)
			return
		}
		if !res.Complete {
			sendJSON(w, http.StatusOK, models.UploadResponse{Pending: true, PartialIdentifier: res.SessionID})
			return
		}
		writeUploadResponse(w, r, cfg, models.UploadOptions{}, []*models.StoredObject{res.Object}, false, res.SessionID)
	}
}

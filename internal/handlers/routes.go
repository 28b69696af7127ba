package handlers

import (
	"net/http"
	"time"

	"github.com/fjmerc/stashbox/internal/assembly"
	"github.com/fjmerc/stashbox/internal/config"
	"github.com/fjmerc/stashbox/internal/repository"
	"github.com/fjmerc/stashbox/internal/retrieval"
	"github.com/fjmerc/stashbox/internal/storage"
	"github.com/fjmerc/stashbox/internal/upload"
	"github.com/fjmerc/stashbox/internal/utils"
)

// Dependencies is everything the HTTP surface needs.
type Dependencies struct {
	Config        *config.Config
	Uploads       *upload.Service
	Streamer      *retrieval.Streamer
	Tracker       *assembly.Tracker
	Sessions      repository.IncompleteUploadRepository
	Storage       storage.Backend
	UploadTracker *utils.UploadTracker
	StartTime     time.Time
}

// NewRouter registers the API and file routes.
func NewRouter(d Dependencies) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/upload", UploadHandler(d.Uploads, d.UploadTracker, d.Config))
	mux.HandleFunc("/api/upload/incomplete", IncompleteUploadsHandler(d.Tracker))
	mux.HandleFunc("/api/upload/incomplete/{id}/retry", RetryAssemblyHandler(d.Uploads, d.Config))
	mux.HandleFunc(d.Config.FilesRoute+"/{id}", RawHandler(d.Streamer))
	mux.HandleFunc("/api/health", HealthHandler(d.Storage, d.Sessions, d.StartTime))

	return mux
}

package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/fjmerc/stashbox/internal/apperr"
	"github.com/fjmerc/stashbox/internal/config"
	"github.com/fjmerc/stashbox/internal/models"
	"github.com/fjmerc/stashbox/internal/upload"
	"github.com/fjmerc/stashbox/internal/utils"
)

// Request header and multipart field names.
const (
	OptionsHeader          = "X-Stashbox-Options"
	PartialIdentifierField = "x-stashbox-partial-identifier"
	PartialIndexField      = "x-stashbox-partial-index"
	PartialTotalField      = "x-stashbox-partial-total"
	PartialFilenameField   = "x-stashbox-partial-filename"
	PartialMimetypeField   = "x-stashbox-partial-mimetype"

	fileField = "file"

	// Multipart parts above this size spill to temp files.
	multipartMemory = 32 << 20
	// Headroom for multipart boundaries and form fields.
	formOverhead = 1 << 20
)

// UploadHandler handles POST /api/upload for whole-file and chunked uploads.
func UploadHandler(svc *upload.Service, tracker *utils.UploadTracker, cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			sendError(w, "Method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed)
			return
		}

		requestID := uuid.NewString()
		if !tracker.Start(requestID, "") {
			sendError(w, "Server is shutting down", "SHUTTING_DOWN", http.StatusServiceUnavailable)
			return
		}
		defer tracker.Finish(requestID)

		opts, err := upload.DecodeOptions(r.Header.Get(OptionsHeader))
		if err != nil {
			sendAppError(w, r, err)
			return
		}

		limit := int64(cfg.MaxFileSize)
		if opts.Partial {
			limit = int64(cfg.ChunkSizeLimit)
		}
		r.Body = http.MaxBytesReader(w, r.Body, limit+formOverhead)
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				sendError(w, fmt.Sprintf("Request exceeds maximum of %d bytes", limit), apperr.CodeFileTooLarge, http.StatusRequestEntityTooLarge)
				return
			}
			sendError(w, "Invalid multipart form data", "INVALID_FORM", http.StatusBadRequest)
			return
		}
		defer r.MultipartForm.RemoveAll()

		parts := r.MultipartForm.File[fileField]
		if len(parts) == 0 {
			sendError(w, "No files provided", apperr.CodeNoFiles, http.StatusBadRequest)
			return
		}

		if opts.Partial {
			handleChunk(w, r, svc, cfg, opts, parts)
			return
		}
		handleWhole(w, r, svc, cfg, opts, parts)
	}
}

// handleWhole stores every file part. Processing stops at the first failure;
// files stored before it are still reported, flagged as a partial success.
func handleWhole(w http.ResponseWriter, r *http.Request, svc *upload.Service, cfg *config.Config, opts models.UploadOptions, parts []*multipart.FileHeader) {
	owner := ownerID(r)
	var stored []*models.StoredObject

	for _, fh := range parts {
		obj, err := storePart(r, svc, owner, opts, fh)
		if err != nil {
			if len(stored) == 0 {
				sendAppError(w, r, err)
				return
			}
			slog.Warn("upload stopped after partial success",
				"stored", len(stored),
				"filename", fh.Filename,
				"error", err,
			)
			writeUploadResponse(w, r, cfg, opts, stored, true, "")
			return
		}
		stored = append(stored, obj)
	}

	writeUploadResponse(w, r, cfg, opts, stored, false, "")
}

func storePart(r *http.Request, svc *upload.Service, owner string, opts models.UploadOptions, fh *multipart.FileHeader) (*models.StoredObject, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open form file: %w", err)
	}
	defer f.Close()

	return svc.UploadWhole(r.Context(), owner, opts, upload.Source{
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Size:        fh.Size,
		Body:        f,
	})
}

func handleChunk(w http.ResponseWriter, r *http.Request, svc *upload.Service, cfg *config.Config, opts models.UploadOptions, parts []*multipart.FileHeader) {
	if len(parts) != 1 {
		sendError(w, "A chunk request must carry exactly one file part", apperr.CodeInvalidChunk, http.StatusBadRequest)
		return
	}
	fh := parts[0]

	index, err := strconv.Atoi(partialValue(r, PartialIndexField))
	if err != nil {
		sendError(w, "Invalid or missing chunk index", apperr.CodeInvalidChunk, http.StatusBadRequest)
		return
	}
	total, err := strconv.Atoi(partialValue(r, PartialTotalField))
	if err != nil {
		sendError(w, "Invalid or missing chunk total", apperr.CodeInvalidChunk, http.StatusBadRequest)
		return
	}

	meta := models.ChunkMeta{
		SessionID:   partialValue(r, PartialIdentifierField),
		Index:       index,
		TotalChunks: total,
		Filename:    lo.CoalesceOrEmpty(partialValue(r, PartialFilenameField), fh.Filename),
		ContentType: lo.CoalesceOrEmpty(partialValue(r, PartialMimetypeField), fh.Header.Get("Content-Type")),
		OwnerID:     ownerID(r),
		Options:     opts,
	}

	f, err := fh.Open()
	if err != nil {
		sendError(w, "Failed to read chunk", apperr.CodeInternal, http.StatusInternalServerError)
		return
	}
	defer f.Close()

	res, err := svc.UploadChunk(r.Context(), meta, f)
	if err != nil {
		sendAppError(w, r, err)
		return
	}

	if !res.Complete {
		sendJSON(w, http.StatusOK, models.UploadResponse{Pending: true, PartialIdentifier: res.SessionID})
		return
	}
	writeUploadResponse(w, r, cfg, opts, []*models.StoredObject{res.Object}, false, res.SessionID)
}

// partialValue reads a chunk parameter from the headers, then the form.
func partialValue(r *http.Request, name string) string {
	if v := r.Header.Get(name); v != "" {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(r.FormValue(name))
}

func writeUploadResponse(w http.ResponseWriter, r *http.Request, cfg *config.Config, opts models.UploadOptions, stored []*models.StoredObject, partial bool, sessionID string) {
	resp := models.UploadResponse{
		PartialSuccess:    partial,
		PartialIdentifier: sessionID,
	}
	for _, obj := range stored {
		resp.Files = append(resp.Files, models.UploadedFile{
			ID:   obj.Key,
			Type: obj.Type,
			URL:  buildFileURL(r, cfg.PublicURL, opts.OverrideDomain, cfg.FilesRoute, obj.Key),
		})
		if resp.DeletesAt == nil {
			resp.DeletesAt = obj.ExpiresAt
		}
	}

	assumed := lo.Map(stored, func(obj *models.StoredObject, _ int) bool { return obj.AssumedMimetype })
	if lo.Contains(assumed, true) {
		resp.AssumedMimetypes = assumed
	}

	if opts.NoJSON {
		urls := lo.Map(resp.Files, func(f models.UploadedFile, _ int) string { return f.URL })
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(strings.Join(urls, ",")))
		return
	}
	sendJSON(w, http.StatusCreated, resp)
}

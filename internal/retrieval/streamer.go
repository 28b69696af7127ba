// Package retrieval serves stored objects with HTTP Range semantics and
// removes files whose lifetime ended.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/fjmerc/stashbox/internal/apperr"
	"github.com/fjmerc/stashbox/internal/metrics"
	"github.com/fjmerc/stashbox/internal/models"
	"github.com/fjmerc/stashbox/internal/repository"
	"github.com/fjmerc/stashbox/internal/storage"
	"github.com/fjmerc/stashbox/internal/utils"
)

// Request is one retrieval.
type Request struct {
	Key      string
	Range    string // raw Range header
	Password string
	Download bool
}

// Response describes what to send. Body is nil for 416; the caller closes it otherwise.
type Response struct {
	Status   int
	Size     int64
	Range    *ByteRange
	File     *models.File
	Download bool
	Body     io.ReadCloser
}

// ContentLength returns the number of body bytes.
func (r *Response) ContentLength() int64 {
	switch {
	case r.Status == http.StatusRequestedRangeNotSatisfiable:
		return 0
	case r.Range != nil:
		return r.Range.Length()
	default:
		return r.Size
	}
}

// SetHeaders writes the response headers for r into h.
func (r *Response) SetHeaders(h http.Header) {
	h.Set("Accept-Ranges", "bytes")

	if r.Status == http.StatusRequestedRangeNotSatisfiable {
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", r.Size))
		h.Set("Content-Length", "0")
		return
	}

	h.Set("Content-Type", r.File.Type)
	h.Set("Content-Length", strconv.FormatInt(r.ContentLength(), 10))
	if r.Range != nil {
		h.Set("Content-Range", r.Range.ContentRange(r.Size))
	}

	disposition := "inline"
	if r.Download {
		disposition = "attachment"
	}
	name := r.File.OriginalName
	if name == "" {
		name = r.File.Name
	}
	h.Set("Content-Disposition", utils.ContentDisposition(disposition, name))
}

// Streamer resolves retrieval requests against the file records and the backend.
type Streamer struct {
	files   repository.FileRepository
	storage storage.Backend
	now     func() time.Time
}

// NewStreamer creates a Streamer.
func NewStreamer(files repository.FileRepository, backend storage.Backend) *Streamer {
	return &Streamer{files: files, storage: backend, now: time.Now}
}

func notFound(key string) error {
	return apperr.NotFound(apperr.CodeNotFound, fmt.Sprintf("file %s not found", key))
}

// Open checks access, resolves the range and opens the matching stream.
// The password is checked before anything else is revealed about the object.
// A request starting at byte 0 counts as one view; once maxViews is reached
// the next request deletes the file and reports not found.
func (s *Streamer) Open(ctx context.Context, req Request) (resp *Response, err error) {
	defer func() {
		status := "error"
		switch {
		case err == nil:
			status = strconv.Itoa(resp.Status)
		case apperr.KindOf(err) == apperr.KindNotFound:
			status = "404"
		case apperr.KindOf(err) == apperr.KindForbidden:
			status = "403"
		}
		metrics.RetrievalsTotal.WithLabelValues(status).Inc()
	}()

	file, err := s.files.GetByName(ctx, req.Key)
	if err != nil {
		return nil, apperr.Storage("failed to load file record", err)
	}
	if file == nil {
		return nil, notFound(req.Key)
	}

	if file.PasswordHash != "" {
		if req.Password == "" {
			return nil, apperr.Forbidden(apperr.CodePasswordRequired, "this file is password protected")
		}
		if !utils.VerifyPassword(file.PasswordHash, req.Password) {
			return nil, apperr.Forbidden(apperr.CodeIncorrectPassword, "incorrect password")
		}
	}

	if file.Expired(s.now()) {
		deleteFile(ctx, s.files, s.storage, file, "expired")
		return nil, notFound(req.Key)
	}

	size, err := s.storage.Size(ctx, file.Name)
	if err != nil {
		if storage.IsNotFound(err) {
			slog.Warn("file record without object", "key", file.Name)
			return nil, notFound(req.Key)
		}
		return nil, apperr.Storage("failed to stat object", err)
	}

	rng, err := ParseRange(req.Range, size)
	if err != nil {
		slog.Debug("unsatisfiable range", "key", file.Name, "range", req.Range, "size", size, "error", err)
		return &Response{Status: http.StatusRequestedRangeNotSatisfiable, Size: size, File: file}, nil
	}

	if rng == nil || rng.Start == 0 {
		counted, err := s.files.TryIncrementViews(ctx, file.ID)
		if err != nil {
			return nil, apperr.Storage("failed to record view", err)
		}
		if !counted {
			deleteFile(ctx, s.files, s.storage, file, "max_views")
			return nil, notFound(req.Key)
		}
	}

	resp = &Response{Status: http.StatusOK, Size: size, File: file, Download: req.Download}
	if rng != nil {
		resp.Status = http.StatusPartialContent
		resp.Range = rng
		resp.Body, err = s.storage.Range(ctx, file.Name, rng.Start, rng.End)
	} else {
		resp.Body, err = s.storage.Get(ctx, file.Name)
	}
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, notFound(req.Key)
		}
		return nil, apperr.Storage("failed to open object", err)
	}
	return resp, nil
}

// deleteFile removes an object, its thumbnail and its record. The record goes
// last so a failed object delete is retried by the next sweep.
func deleteFile(ctx context.Context, files repository.FileRepository, backend storage.Backend, file *models.File, reason string) error {
	var errs []error
	if err := backend.Delete(ctx, file.Name); err != nil {
		errs = append(errs, fmt.Errorf("delete object: %w", err))
	}
	if file.Thumbnail != "" {
		if err := backend.Delete(ctx, file.Thumbnail); err != nil {
			errs = append(errs, fmt.Errorf("delete thumbnail: %w", err))
		}
	}
	if len(errs) == 0 {
		if err := files.Delete(ctx, file.ID); err != nil {
			errs = append(errs, fmt.Errorf("delete record: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		slog.Error("failed to delete file", "key", file.Name, "reason", reason, "error", err)
		return err
	}
	metrics.ExpiredDeletedTotal.WithLabelValues(reason).Inc()
	slog.Info("file deleted", "key", file.Name, "reason", reason)
	return nil
}

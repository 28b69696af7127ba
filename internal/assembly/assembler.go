// Package assembly turns a series of chunk uploads for one session into a
// single stored object and keeps the catalog of sessions still in flight.
package assembly

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/docker/go-units"

	"github.com/fjmerc/stashbox/internal/apperr"
	"github.com/fjmerc/stashbox/internal/metrics"
	"github.com/fjmerc/stashbox/internal/models"
	"github.com/fjmerc/stashbox/internal/repository"
)

// Sink receives the assembled byte stream. The upload service implements it:
// Prepare runs once when a session is created, Materialize once per assembly attempt.
type Sink interface {
	Prepare(ctx context.Context, meta *models.ChunkMeta) error
	Materialize(ctx context.Context, upload *models.IncompleteUpload, r io.Reader, size int64) (*models.StoredObject, error)
}

// Config bounds chunked uploads.
type Config struct {
	MaxChunks          int
	ChunkSizeLimit     int64
	MaxFileSize        int64
	MaxAssemblyRetries int
	TombstoneTTL       time.Duration
}

// Result reports the state of a session after a chunk call.
type Result struct {
	SessionID string
	Complete  bool
	Object    *models.StoredObject
}

// Assembler coordinates scratch fragments, the session catalog and the sink.
type Assembler struct {
	repo    repository.IncompleteUploadRepository
	scratch *ScratchStore
	cfg     Config
	locks   *sessionLocks

	tombMu     sync.Mutex
	tombstones map[string]time.Time
}

// New creates an Assembler.
func New(repo repository.IncompleteUploadRepository, scratch *ScratchStore, cfg Config) *Assembler {
	if cfg.TombstoneTTL <= 0 {
		cfg.TombstoneTTL = 5 * time.Minute
	}
	return &Assembler{
		repo:       repo,
		scratch:    scratch,
		cfg:        cfg,
		locks:      newSessionLocks(),
		tombstones: make(map[string]time.Time),
	}
}

func (a *Assembler) maxAttempts() int {
	return 1 + a.cfg.MaxAssemblyRetries
}

func invalidChunk(format string, args ...any) error {
	return apperr.Validation(apperr.CodeInvalidChunk, fmt.Sprintf(format, args...))
}

func uploadNotFound(id string) error {
	return apperr.NotFound(apperr.CodeUploadNotFound, fmt.Sprintf("upload session %s not found", id))
}

// BeginOrContinue stores one chunk. The first call for a session creates its
// record; the call that completes the index set runs assembly into sink.
func (a *Assembler) BeginOrContinue(ctx context.Context, meta models.ChunkMeta, r io.Reader, sink Sink) (*Result, error) {
	if !ValidSessionID(meta.SessionID) {
		return nil, invalidChunk("invalid session id")
	}
	if meta.TotalChunks < 1 || meta.TotalChunks > a.cfg.MaxChunks {
		return nil, invalidChunk("total chunks must be between 1 and %d, got %d", a.cfg.MaxChunks, meta.TotalChunks)
	}
	if meta.Index < 0 || meta.Index >= meta.TotalChunks {
		return nil, invalidChunk("chunk index %d out of range for %d chunks", meta.Index, meta.TotalChunks)
	}

	unlock := a.locks.lock(meta.SessionID)
	defer unlock()

	if a.tombstoned(meta.SessionID) {
		return nil, uploadNotFound(meta.SessionID)
	}

	upload, err := a.repo.Get(ctx, meta.SessionID)
	if err != nil {
		return nil, apperr.Storage("failed to load upload session", err)
	}

	created := false
	if upload == nil {
		if err := sink.Prepare(ctx, &meta); err != nil {
			return nil, err
		}
		upload = &models.IncompleteUpload{
			ID:          meta.SessionID,
			OwnerID:     meta.OwnerID,
			TotalChunks: meta.TotalChunks,
			Filename:    meta.Filename,
			ContentType: meta.ContentType,
			Options:     meta.Options,
			Chunks:      map[int]int64{},
		}
		created = true
	} else {
		if upload.OwnerID != meta.OwnerID {
			return nil, uploadNotFound(meta.SessionID)
		}
		if upload.TotalChunks != meta.TotalChunks {
			return nil, invalidChunk("total chunks %d does not match session value %d", meta.TotalChunks, upload.TotalChunks)
		}
		switch upload.Status {
		case models.StatusComplete:
			return &Result{SessionID: upload.ID, Complete: true, Object: &models.StoredObject{Key: upload.ResultKey}}, nil
		case models.StatusProcessing:
			return nil, apperr.Validation(apperr.CodeAssemblyInProgress, "upload is being assembled")
		}
	}

	limit := a.chunkLimit(upload, meta.Index)
	if limit < 0 {
		return nil, apperr.Validation(apperr.CodeFileTooLarge,
			fmt.Sprintf("upload exceeds maximum size of %s", units.HumanSize(float64(a.cfg.MaxFileSize))))
	}

	n, err := a.scratch.Write(meta.SessionID, meta.Index, r, limit)
	if err != nil {
		if created {
			a.scratch.Remove(meta.SessionID)
		}
		if errors.Is(err, ErrChunkTooLarge) {
			return nil, apperr.Validation(apperr.CodeFileTooLarge,
				fmt.Sprintf("chunk %d exceeds the allowed size", meta.Index))
		}
		return nil, apperr.Storage("failed to store chunk", err)
	}

	if created {
		if err := a.repo.Create(ctx, upload); err != nil {
			a.scratch.Remove(meta.SessionID)
			return nil, apperr.Storage("failed to create upload session", err)
		}
		slog.Info("chunked upload started",
			"upload_id", upload.ID,
			"filename", upload.Filename,
			"total_chunks", upload.TotalChunks,
		)
	}

	if err := a.repo.MarkChunkReceived(ctx, meta.SessionID, meta.Index, n); err != nil {
		return nil, apperr.Storage("failed to record chunk", err)
	}
	upload.Chunks[meta.Index] = n
	metrics.ChunksReceivedTotal.Inc()

	if !upload.HasAllChunks() {
		return &Result{SessionID: upload.ID}, nil
	}
	return a.assemble(ctx, upload, sink)
}

// chunkLimit returns how many bytes chunk index may hold, or -1 if the session
// is already over the file size limit without it.
func (a *Assembler) chunkLimit(upload *models.IncompleteUpload, index int) int64 {
	others := upload.ReceivedBytes() - upload.Chunks[index]
	remaining := a.cfg.MaxFileSize - others
	if remaining < 0 {
		return -1
	}
	if a.cfg.ChunkSizeLimit > 0 && a.cfg.ChunkSizeLimit < remaining {
		return a.cfg.ChunkSizeLimit
	}
	return remaining
}

// Retry re-runs assembly for a FAILED session whose retry budget is not spent.
func (a *Assembler) Retry(ctx context.Context, id, ownerID string, sink Sink) (*Result, error) {
	if !ValidSessionID(id) {
		return nil, uploadNotFound(id)
	}

	unlock := a.locks.lock(id)
	defer unlock()

	if a.tombstoned(id) {
		return nil, uploadNotFound(id)
	}

	upload, err := a.repo.Get(ctx, id)
	if err != nil {
		return nil, apperr.Storage("failed to load upload session", err)
	}
	if upload == nil || upload.OwnerID != ownerID {
		return nil, uploadNotFound(id)
	}

	switch upload.Status {
	case models.StatusComplete:
		return &Result{SessionID: id, Complete: true, Object: &models.StoredObject{Key: upload.ResultKey}}, nil
	case models.StatusProcessing:
		return nil, apperr.Validation(apperr.CodeAssemblyInProgress, "upload is being assembled")
	}
	if !upload.HasAllChunks() {
		return nil, invalidChunk("upload is missing %d chunks", len(upload.MissingChunks()))
	}
	return a.assemble(ctx, upload, sink)
}

// assemble must be called with the session lock held.
func (a *Assembler) assemble(ctx context.Context, upload *models.IncompleteUpload, sink Sink) (*Result, error) {
	locked, err := a.repo.TryLockForProcessing(ctx, upload.ID, a.maxAttempts())
	if err != nil {
		return nil, apperr.Storage("failed to lock upload session", err)
	}
	// Once the session is claimed its bookkeeping must land even if the
	// client hangs up, or the record is left PROCESSING.
	bg := context.WithoutCancel(ctx)

	if !locked {
		if upload.Status == models.StatusFailed {
			a.abortLocked(bg, upload.ID)
			metrics.AssembliesTotal.WithLabelValues("exhausted").Inc()
			return nil, apperr.Wrap(apperr.KindStorage, apperr.CodeAssemblyRetriesSpent,
				"assembly retries exhausted; restart the upload", errors.New(upload.ErrorMessage))
		}
		return nil, apperr.Validation(apperr.CodeAssemblyInProgress, "upload is being assembled")
	}
	attempt := upload.Attempts + 1

	start := time.Now()
	slog.Info("assembling chunks",
		"upload_id", upload.ID,
		"total_chunks", upload.TotalChunks,
		"total_bytes", upload.ReceivedBytes(),
		"attempt", attempt,
	)

	obj, err := a.concatenate(ctx, upload, sink)
	metrics.AssemblyDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		return nil, a.handleFailure(bg, upload, attempt, err)
	}

	if err := a.repo.MarkCompleted(bg, upload.ID, obj.Key); err != nil {
		// The object is stored; drop the session rather than leave it PROCESSING.
		slog.Error("failed to mark upload complete", "upload_id", upload.ID, "error", err)
		a.abortLocked(bg, upload.ID)
	} else if err := a.scratch.Remove(upload.ID); err != nil {
		slog.Error("failed to delete chunks after assembly", "upload_id", upload.ID, "error", err)
	}

	metrics.AssembliesTotal.WithLabelValues("success").Inc()
	slog.Info("chunk assembly complete",
		"upload_id", upload.ID,
		"key", obj.Key,
		"size", units.HumanSize(float64(obj.Size)),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return &Result{SessionID: upload.ID, Complete: true, Object: obj}, nil
}

// concatenate streams fragments in ascending index order into one Materialize call.
func (a *Assembler) concatenate(ctx context.Context, upload *models.IncompleteUpload, sink Sink) (*models.StoredObject, error) {
	files := make([]*os.File, 0, upload.TotalChunks)
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()

	readers := make([]io.Reader, 0, upload.TotalChunks)
	var total int64
	for i := 0; i < upload.TotalChunks; i++ {
		f, size, err := a.scratch.Open(upload.ID, i)
		if err != nil {
			return nil, apperr.Storage(fmt.Sprintf("chunk %d unreadable", i), err)
		}
		files = append(files, f)
		if size != upload.Chunks[i] {
			return nil, apperr.Storage(fmt.Sprintf("chunk %d size mismatch", i),
				fmt.Errorf("recorded %d bytes, found %d", upload.Chunks[i], size))
		}
		readers = append(readers, f)
		total += size
	}

	return sink.Materialize(ctx, upload, io.MultiReader(readers...), total)
}

// handleFailure records a failed attempt. Policy failures (blocked extension,
// name collision, bad transform input) end the session since a retry would
// fail the same way; storage failures keep the fragments for a retry.
func (a *Assembler) handleFailure(ctx context.Context, upload *models.IncompleteUpload, attempt int, cause error) error {
	slog.Error("chunk assembly failed",
		"upload_id", upload.ID,
		"attempt", attempt,
		"error", cause,
	)

	if !apperr.Retryable(cause) {
		metrics.AssembliesTotal.WithLabelValues("rejected").Inc()
		a.abortLocked(ctx, upload.ID)
		return cause
	}

	metrics.AssembliesTotal.WithLabelValues("failure").Inc()

	if attempt >= a.maxAttempts() {
		a.abortLocked(ctx, upload.ID)
		metrics.AssembliesTotal.WithLabelValues("exhausted").Inc()
		return apperr.Wrap(apperr.KindStorage, apperr.CodeAssemblyRetriesSpent,
			"assembly retries exhausted; restart the upload", cause)
	}

	if err := a.repo.MarkFailed(ctx, upload.ID, cause.Error()); err != nil {
		slog.Error("failed to mark assembly as failed", "upload_id", upload.ID, "error", err)
	}
	return apperr.Wrap(apperr.KindStorage, apperr.CodeAssemblyFailed,
		"assembly failed; chunks were kept, retry to resume", cause)
}

// Abort deletes a session's fragments and record. Aborting an unknown
// session is a no-op.
func (a *Assembler) Abort(ctx context.Context, id string) error {
	if !ValidSessionID(id) {
		return nil
	}
	unlock := a.locks.lock(id)
	defer unlock()
	return a.abortLocked(ctx, id)
}

// abortIf aborts the session only if drop reports true for its current record.
// The record is re-read under the lock so a chunk that arrived meanwhile is seen.
func (a *Assembler) abortIf(ctx context.Context, id string, drop func(*models.IncompleteUpload) bool) (bool, error) {
	unlock := a.locks.lock(id)
	defer unlock()

	upload, err := a.repo.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if upload == nil || !drop(upload) {
		return false, nil
	}
	return true, a.abortLocked(ctx, id)
}

// abortLocked removes fragments before the record so a fragment never outlives its record.
// The record delete ignores cancellation: fragments are already gone by then.
func (a *Assembler) abortLocked(ctx context.Context, id string) error {
	ctx = context.WithoutCancel(ctx)
	a.tombstone(id)

	if err := a.scratch.Remove(id); err != nil {
		slog.Error("failed to delete chunks", "upload_id", id, "error", err)
		return apperr.Storage("failed to delete chunks", err)
	}
	if err := a.repo.Delete(ctx, id); err != nil {
		slog.Error("failed to delete upload session", "upload_id", id, "error", err)
		return apperr.Storage("failed to delete upload session", err)
	}
	slog.Info("upload session removed", "upload_id", id)
	return nil
}

func (a *Assembler) tombstone(id string) {
	a.tombMu.Lock()
	defer a.tombMu.Unlock()

	now := time.Now()
	a.tombstones[id] = now.Add(a.cfg.TombstoneTTL)
	for k, until := range a.tombstones {
		if now.After(until) {
			delete(a.tombstones, k)
		}
	}
}

func (a *Assembler) tombstoned(id string) bool {
	a.tombMu.Lock()
	defer a.tombMu.Unlock()

	until, ok := a.tombstones[id]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(a.tombstones, id)
		return false
	}
	return true
}

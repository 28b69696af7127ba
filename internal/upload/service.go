// Package upload implements upload ingestion: option handling, naming and
// collision policy, payload transforms and the single write to storage, for
// both whole-file and chunked uploads.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/fjmerc/stashbox/internal/apperr"
	"github.com/fjmerc/stashbox/internal/assembly"
	"github.com/fjmerc/stashbox/internal/metrics"
	"github.com/fjmerc/stashbox/internal/models"
	"github.com/fjmerc/stashbox/internal/repository"
	"github.com/fjmerc/stashbox/internal/storage"
	"github.com/fjmerc/stashbox/internal/utils"
)

const (
	sniffLen         = 3072
	maxNameAttempts  = 5
	genericMediaType = "application/octet-stream"
)

// Config holds upload policy.
type Config struct {
	BlockedExtensions []string
	MaxFileSize       int64
	DefaultFormat     string
	RandomNameLength  int
	RemoveGPS         bool
}

// Service is the single entry point for uploads.
type Service struct {
	files     repository.FileRepository
	folders   repository.FolderRepository
	storage   storage.Backend
	assembler *assembly.Assembler
	namer     *Namer
	cfg       Config
	now       func() time.Time
}

// NewService creates a Service.
func NewService(files repository.FileRepository, folders repository.FolderRepository, backend storage.Backend, assembler *assembly.Assembler, cfg Config) *Service {
	return &Service{
		files:     files,
		folders:   folders,
		storage:   backend,
		assembler: assembler,
		namer:     &Namer{DefaultFormat: cfg.DefaultFormat, RandomLength: cfg.RandomNameLength},
		cfg:       cfg,
		now:       time.Now,
	}
}

// Source is a whole-file payload.
type Source struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// target is what store needs to know about an upload, whichever way it arrived.
type target struct {
	Filename    string
	ContentType string
	OwnerID     string
	Options     models.UploadOptions
}

// UploadWhole validates and stores a whole-file upload with exactly one Put.
func (s *Service) UploadWhole(ctx context.Context, ownerID string, opts models.UploadOptions, src Source) (*models.StoredObject, error) {
	if err := sealOptions(&opts, s.now()); err != nil {
		return nil, err
	}
	return s.store(ctx, "whole", target{
		Filename:    src.Filename,
		ContentType: src.ContentType,
		OwnerID:     ownerID,
		Options:     opts,
	}, src.Body, src.Size)
}

// UploadChunk hands one chunk to the assembler. The first chunk may omit the
// session id, in which case one is generated and returned in the result.
func (s *Service) UploadChunk(ctx context.Context, meta models.ChunkMeta, body io.Reader) (*assembly.Result, error) {
	if meta.SessionID == "" {
		if meta.Index != 0 {
			return nil, apperr.Validation(apperr.CodeInvalidChunk, "partial identifier is required after the first chunk")
		}
		meta.SessionID = uuid.NewString()
	}

	res, err := s.assembler.BeginOrContinue(ctx, meta, body, s)
	if err != nil {
		return nil, err
	}
	return s.completeResult(ctx, res)
}

// RetryAssembly re-runs assembly of a failed session.
func (s *Service) RetryAssembly(ctx context.Context, id, ownerID string) (*assembly.Result, error) {
	res, err := s.assembler.Retry(ctx, id, ownerID, s)
	if err != nil {
		return nil, err
	}
	return s.completeResult(ctx, res)
}

// completeResult fills in object details for a session that completed earlier,
// where the tracker only kept the key.
func (s *Service) completeResult(ctx context.Context, res *assembly.Result) (*assembly.Result, error) {
	if !res.Complete || res.Object == nil || res.Object.Type != "" {
		return res, nil
	}
	file, err := s.files.GetByName(ctx, res.Object.Key)
	if err != nil {
		return nil, apperr.Storage("failed to load file record", err)
	}
	if file == nil {
		return nil, apperr.NotFound(apperr.CodeNotFound, "assembled file no longer exists")
	}
	res.Object = &models.StoredObject{
		Key:       file.Name,
		Type:      file.Type,
		Size:      file.Size,
		ExpiresAt: file.ExpiresAt,
	}
	return res, nil
}

// Prepare implements assembly.Sink. It runs once when a session is created
// and rejects what can be rejected before any bytes are kept.
func (s *Service) Prepare(ctx context.Context, meta *models.ChunkMeta) error {
	if err := sealOptions(&meta.Options, s.now()); err != nil {
		return err
	}
	return s.checkExtension(meta.Filename, meta.Options.OverrideExtension)
}

// Materialize implements assembly.Sink: the assembled stream goes through the
// same policy and transforms as a whole-file upload.
func (s *Service) Materialize(ctx context.Context, upload *models.IncompleteUpload, r io.Reader, size int64) (*models.StoredObject, error) {
	return s.store(ctx, "chunked", target{
		Filename:    upload.Filename,
		ContentType: upload.ContentType,
		OwnerID:     upload.OwnerID,
		Options:     upload.Options,
	}, r, size)
}

func (s *Service) checkExtension(filename, overrideExt string) error {
	if filename == "" {
		return apperr.Validation(apperr.CodeNoFiles, "filename is required")
	}
	for _, name := range []string{filename, "x." + strings.TrimPrefix(overrideExt, ".")} {
		if ext, blocked := utils.BlockedExtension(name, s.cfg.BlockedExtensions); blocked {
			return apperr.Validation(apperr.CodeExtensionBlocked,
				fmt.Sprintf("file extension %s is not allowed", ext))
		}
	}
	return nil
}

// store applies the full policy and performs the single Put. Checks run in
// order: extension, size, name collision, folder.
func (s *Service) store(ctx context.Context, mode string, t target, r io.Reader, size int64) (obj *models.StoredObject, err error) {
	defer func() {
		result := "success"
		if err != nil {
			result = "failure"
			if !apperr.Retryable(err) {
				result = "rejected"
			}
		}
		metrics.UploadsTotal.WithLabelValues(mode, result).Inc()
	}()

	opts := t.Options

	if err := s.checkExtension(t.Filename, opts.OverrideExtension); err != nil {
		return nil, err
	}
	if size < 0 || size > s.cfg.MaxFileSize {
		return nil, apperr.Validation(apperr.CodeFileTooLarge,
			fmt.Sprintf("file exceeds maximum size of %s", units.HumanSize(float64(s.cfg.MaxFileSize))))
	}

	name, err := s.namer.Resolve(opts.Format, t.Filename, opts.OverrideFilename, opts.OverrideExtension, opts.AddOriginalName)
	if err != nil {
		return nil, fmt.Errorf("failed to generate name: %w", err)
	}
	if name.Fixed {
		exists, err := s.files.ExistsWithPrefix(ctx, name.Base)
		if err != nil {
			return nil, apperr.Storage("failed to check name", err)
		}
		if exists {
			return nil, apperr.Validation(apperr.CodeNameCollision,
				fmt.Sprintf("a file named %s already exists", name.Base))
		}
	}

	if opts.FolderID != nil {
		folder, err := s.folders.Get(ctx, *opts.FolderID)
		if err != nil {
			return nil, apperr.Storage("failed to load folder", err)
		}
		if folder == nil || folder.OwnerID != t.OwnerID {
			return nil, apperr.NotFound(apperr.CodeFolderNotFound,
				fmt.Sprintf("folder %d not found", *opts.FolderID))
		}
	}

	expiresAt, err := ParseDeletesAt(opts.DeletesAt, s.now())
	if err != nil {
		return nil, err
	}

	contentType, assumed, body, err := detectType(t.ContentType, name.Ext, r)
	if err != nil {
		return nil, apperr.Storage("failed to read upload", err)
	}

	transformed := false
	compress := opts.ImageCompressionPercent > 0 && compressibleTypes[contentType]
	stripGPS := (s.cfg.RemoveGPS || opts.RemoveGPS) && (compress || contentType == "image/jpeg")
	if compress || stripGPS {
		data, err := io.ReadAll(io.LimitReader(body, size+1))
		if err != nil {
			return nil, apperr.Storage("failed to read upload", err)
		}
		if int64(len(data)) != size {
			return nil, apperr.Storage("upload body length mismatch",
				fmt.Errorf("declared %d bytes, read %d", size, len(data)))
		}

		if compress {
			data, err = CompressImage(data, opts.ImageCompressionPercent)
			if err != nil {
				return nil, apperr.Transform("image compression failed", err)
			}
			contentType = "image/jpeg"
			if opts.OverrideExtension == "" {
				name.Ext = ".jpg"
			}
			transformed = true
		}
		if stripGPS {
			var stripped bool
			data, stripped, err = StripGPS(data, contentType)
			if err != nil {
				return nil, apperr.Transform("GPS removal failed", err)
			}
			transformed = transformed || stripped
		}

		body = bytes.NewReader(data)
		size = int64(len(data))
	}

	if !name.Fixed {
		name, err = s.uniqueName(ctx, name, t)
		if err != nil {
			return nil, err
		}
	}
	key := name.Key()

	if err := s.storage.Put(ctx, key, body, size); err != nil {
		return nil, apperr.Storage("failed to store file", err)
	}

	record := &models.File{
		Name:         key,
		OriginalName: utils.SanitizeFilename(t.Filename, "file"),
		Type:         contentType,
		Size:         size,
		PasswordHash: opts.PasswordHash,
		MaxViews:     opts.MaxViews,
		ExpiresAt:    expiresAt,
		FolderID:     opts.FolderID,
		OwnerID:      t.OwnerID,
	}
	if err := s.files.Create(ctx, record); err != nil {
		if errors.Is(err, repository.ErrDuplicateKey) {
			// The object under key now belongs to the record that won the race.
			return nil, apperr.Validation(apperr.CodeNameCollision,
				fmt.Sprintf("a file named %s already exists", key))
		}
		if delErr := s.storage.Delete(ctx, key); delErr != nil {
			slog.Error("failed to remove object after record error", "key", key, "error", delErr)
		}
		return nil, apperr.Storage("failed to save file record", err)
	}

	metrics.UploadSizeBytes.Observe(float64(size))
	slog.Info("file stored",
		"key", key,
		"mode", mode,
		"type", contentType,
		"size", units.HumanSize(float64(size)),
		"assumed_mimetype", assumed,
		"transformed", transformed,
	)

	return &models.StoredObject{
		Key:             key,
		Type:            contentType,
		Size:            size,
		AssumedMimetype: assumed,
		Transformed:     transformed,
		ExpiresAt:       expiresAt,
	}, nil
}

// uniqueName regenerates a generated name until no record uses it.
func (s *Service) uniqueName(ctx context.Context, name Name, t target) (Name, error) {
	opts := t.Options
	for i := 0; i < maxNameAttempts; i++ {
		existing, err := s.files.GetByName(ctx, name.Key())
		if err != nil {
			return Name{}, apperr.Storage("failed to check name", err)
		}
		if existing == nil {
			return name, nil
		}
		ext := name.Ext
		name, err = s.namer.Resolve(opts.Format, t.Filename, "", opts.OverrideExtension, opts.AddOriginalName)
		if err != nil {
			return Name{}, fmt.Errorf("failed to generate name: %w", err)
		}
		name.Ext = ext
	}
	return Name{}, apperr.Validation(apperr.CodeNameCollision, "could not generate a free name, try again")
}

// detectType returns the media type to store, whether it was guessed, and a
// reader that still yields the sniffed prefix.
func detectType(declared, ext string, r io.Reader) (string, bool, io.Reader, error) {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", false, nil, err
	}
	head = head[:n]
	body := io.MultiReader(bytes.NewReader(head), r)

	if declared = baseType(declared); declared != "" && declared != genericMediaType {
		return declared, false, body, nil
	}

	detected := baseType(mimetype.Detect(head).String())
	if detected == genericMediaType || detected == "text/plain" {
		if byExt := baseType(mime.TypeByExtension(ext)); byExt != "" {
			detected = byExt
		}
	}
	return detected, true, body, nil
}

func baseType(contentType string) string {
	mediaType, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(mediaType))
}

package thumbnails

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"os/exec"

	"github.com/disintegration/imaging"

	"github.com/fjmerc/stashbox/internal/metrics"
	"github.com/fjmerc/stashbox/internal/models"
	"github.com/fjmerc/stashbox/internal/repository"
	"github.com/fjmerc/stashbox/internal/storage"
)

const (
	thumbnailPrefix  = "thumbnails/"
	thumbnailMaxSide = 320
	thumbnailQuality = 80
)

// ThumbnailKey returns the storage key of the thumbnail for an object key.
func ThumbnailKey(name string) string {
	return thumbnailPrefix + name + ".jpg"
}

// Extractor pulls a single still frame out of a video file on disk.
type Extractor interface {
	Extract(ctx context.Context, path string) (image.Image, error)
}

// ExecExtractor runs an ffmpeg-compatible command and decodes the PNG frame it
// writes to stdout.
type ExecExtractor struct {
	Command string
}

// Extract implements Extractor.
func (e ExecExtractor) Extract(ctx context.Context, path string) (image.Image, error) {
	cmd := exec.CommandContext(ctx, e.Command,
		"-hide_banner", "-loglevel", "error",
		"-i", path,
		"-frames:v", "1",
		"-f", "image2pipe", "-vcodec", "png",
		"-")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s failed: %w: %s", e.Command, err, bytes.TrimSpace(stderr.Bytes()))
	}

	img, err := imaging.Decode(&stdout)
	if err != nil {
		return nil, fmt.Errorf("failed to decode extracted frame: %w", err)
	}
	return img, nil
}

// LocalWorker generates thumbnails in-process, one file at a time.
type LocalWorker struct {
	name      string
	files     repository.FileRepository
	storage   storage.Backend
	extractor Extractor
	tempDir   string
}

// NewLocalWorker creates a LocalWorker. tempDir may be empty for the OS default.
func NewLocalWorker(name string, files repository.FileRepository, backend storage.Backend, extractor Extractor, tempDir string) *LocalWorker {
	return &LocalWorker{
		name:      name,
		files:     files,
		storage:   backend,
		extractor: extractor,
		tempDir:   tempDir,
	}
}

// Name implements Worker.
func (w *LocalWorker) Name() string { return w.name }

// Send implements Worker. A failing file does not stop the rest of the batch.
func (w *LocalWorker) Send(ctx context.Context, batch Batch) error {
	var errs []error
	for _, id := range batch.FileIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.generate(ctx, id); err != nil {
			metrics.ThumbnailJobsTotal.WithLabelValues("failure").Inc()
			slog.Warn("thumbnail generation failed", "worker", w.name, "file_id", id, "error", err)
			errs = append(errs, fmt.Errorf("file %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (w *LocalWorker) generate(ctx context.Context, id int64) error {
	file, err := w.files.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load file: %w", err)
	}
	if file == nil || !file.IsVideo() || file.Thumbnail != "" {
		metrics.ThumbnailJobsTotal.WithLabelValues("skipped").Inc()
		return nil
	}

	path, cleanup, err := w.download(ctx, file)
	if err != nil {
		return err
	}
	defer cleanup()

	frame, err := w.extractor.Extract(ctx, path)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	thumb := imaging.Fit(frame, thumbnailMaxSide, thumbnailMaxSide, imaging.Lanczos)
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(thumbnailQuality)); err != nil {
		return fmt.Errorf("failed to encode thumbnail: %w", err)
	}

	key := ThumbnailKey(file.Name)
	if err := w.storage.Put(ctx, key, bytes.NewReader(buf.Bytes()), int64(buf.Len())); err != nil {
		return err
	}
	if err := w.files.SetThumbnail(ctx, file.ID, key); err != nil {
		if delErr := w.storage.Delete(ctx, key); delErr != nil {
			slog.Error("failed to remove unrecorded thumbnail", "key", key, "error", delErr)
		}
		return fmt.Errorf("failed to record thumbnail: %w", err)
	}

	metrics.ThumbnailJobsTotal.WithLabelValues("success").Inc()
	slog.Debug("thumbnail generated", "worker", w.name, "file", file.Name, "key", key)
	return nil
}

// download copies the object to a temp file since the extractor needs a seekable path.
func (w *LocalWorker) download(ctx context.Context, file *models.File) (string, func(), error) {
	rc, err := w.storage.Get(ctx, file.Name)
	if err != nil {
		return "", nil, err
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(w.tempDir, "stashbox-thumb-*")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	cleanup := func() { os.Remove(tmp.Name()) }

	if _, err := io.Copy(tmp, rc); err != nil {
		tmp.Close()
		cleanup()
		return "", nil, fmt.Errorf("failed to copy video: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to close temp file: %w", err)
	}
	return tmp.Name(), cleanup, nil
}

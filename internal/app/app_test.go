package app

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fjmerc/stashbox/internal/config"
	"github.com/fjmerc/stashbox/internal/models"
	"github.com/fjmerc/stashbox/internal/repository"
	repomock "github.com/fjmerc/stashbox/internal/repository/mock"
	storagemock "github.com/fjmerc/stashbox/internal/storage/mock"
	"github.com/fjmerc/stashbox/internal/thumbnails"
	"github.com/fjmerc/stashbox/internal/upload"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		DBDriver:            "sqlite",
		DBPath:              filepath.Join(dir, "stashbox.db"),
		StorageType:         "local",
		DataDir:             filepath.Join(dir, "uploads"),
		ScratchDir:          filepath.Join(dir, "uploads", ".partial"),
		MaxFileSize:         1 << 20,
		MaxChunks:           10,
		ChunkSizeLimit:      1 << 20,
		DefaultNamingFormat: "random",
		RandomNameLength:    6,
		IncompleteUploadTTL: time.Hour,
		ThumbnailWorkers:    2,
		ThumbnailCommand:    "ffmpeg",
	}
}

func TestNew_LocalSQLite(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	a, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer a.Close()

	if a.Repos.DatabaseType != repository.DatabaseTypeSQLite {
		t.Errorf("DatabaseType = %s, want sqlite", a.Repos.DatabaseType)
	}
	if a.Storage.Type() != "local" {
		t.Errorf("Storage.Type() = %s, want local", a.Storage.Type())
	}
	if a.Thumbnails != nil {
		t.Error("thumbnail scheduler should be nil when disabled")
	}

	// The graph is usable end to end.
	obj, err := a.Uploads.UploadWhole(ctx, "alice", models.UploadOptions{}, upload.Source{
		Filename: "hello.txt",
		Size:     5,
		Body:     strings.NewReader("hello"),
	})
	if err != nil {
		t.Fatalf("UploadWhole failed: %v", err)
	}
	size, err := a.Storage.Size(ctx, obj.Key)
	if err != nil {
		t.Fatalf("Size failed: %v", err)
	}
	if size != 5 {
		t.Errorf("stored size = %d, want 5", size)
	}
}

func TestNew_ThumbnailsEnabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.ThumbnailsEnabled = true

	a, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer a.Close()

	if a.Thumbnails == nil {
		t.Fatal("thumbnail scheduler should be built when enabled")
	}
}

func TestOpenStorage_BadDirectory(t *testing.T) {
	cfg := testConfig(t)
	cfg.DataDir = "/dev/null/uploads"

	if _, err := OpenStorage(context.Background(), cfg); err == nil {
		t.Fatal("expected error for unusable data directory")
	}
}

func TestThumbnailWorkers(t *testing.T) {
	files := repomock.NewFileRepository()
	backend := storagemock.New()

	cfg := testConfig(t)
	workers := ThumbnailWorkers(cfg, files, backend)
	if len(workers) != 2 {
		t.Fatalf("got %d workers, want 2", len(workers))
	}
	for _, w := range workers {
		if _, ok := w.(*thumbnails.LocalWorker); !ok {
			t.Errorf("worker %s is %T, want local", w.Name(), w)
		}
	}

	cfg.ThumbnailRemoteURLs = []string{"http://thumb-a:9000/jobs", "http://thumb-b:9000/jobs"}
	workers = ThumbnailWorkers(cfg, files, backend)
	if len(workers) != 2 {
		t.Fatalf("got %d workers, want 2", len(workers))
	}
	for _, w := range workers {
		if _, ok := w.(*thumbnails.RemoteWorker); !ok {
			t.Errorf("worker %s is %T, want remote", w.Name(), w)
		}
	}
}

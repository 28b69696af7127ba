// Package app builds the service object graph from configuration. The server
// and the import tool share it so both apply identical upload policy.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fjmerc/stashbox/internal/assembly"
	"github.com/fjmerc/stashbox/internal/config"
	"github.com/fjmerc/stashbox/internal/database"
	"github.com/fjmerc/stashbox/internal/repository"
	"github.com/fjmerc/stashbox/internal/repository/postgres"
	"github.com/fjmerc/stashbox/internal/repository/sqlite"
	"github.com/fjmerc/stashbox/internal/retrieval"
	"github.com/fjmerc/stashbox/internal/storage"
	"github.com/fjmerc/stashbox/internal/storage/filesystem"
	"github.com/fjmerc/stashbox/internal/storage/s3"
	"github.com/fjmerc/stashbox/internal/storage/swift"
	"github.com/fjmerc/stashbox/internal/thumbnails"
	"github.com/fjmerc/stashbox/internal/upload"
)

const postgresMaxConns = 25

// App holds the long-lived components.
type App struct {
	Config     *config.Config
	Repos      *repository.Repositories
	Storage    storage.Backend
	Scratch    *assembly.ScratchStore
	Assembler  *assembly.Assembler
	Tracker    *assembly.Tracker
	Uploads    *upload.Service
	Streamer   *retrieval.Streamer
	Expirer    *retrieval.Expirer
	Thumbnails *thumbnails.Scheduler // nil when disabled
}

// New opens the metadata store and the storage backend and wires the pipeline.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	repos, err := OpenRepositories(ctx, cfg)
	if err != nil {
		return nil, err
	}

	backend, err := OpenStorage(ctx, cfg)
	if err != nil {
		repos.Close()
		return nil, err
	}

	scratch, err := assembly.NewScratchStore(cfg.ScratchDir)
	if err != nil {
		repos.Close()
		return nil, fmt.Errorf("failed to prepare scratch directory: %w", err)
	}

	asm := assembly.New(repos.IncompleteUploads, scratch, assembly.Config{
		MaxChunks:          cfg.MaxChunks,
		ChunkSizeLimit:     int64(cfg.ChunkSizeLimit),
		MaxFileSize:        int64(cfg.MaxFileSize),
		MaxAssemblyRetries: cfg.MaxAssemblyRetries,
	})

	a := &App{
		Config:    cfg,
		Repos:     repos,
		Storage:   backend,
		Scratch:   scratch,
		Assembler: asm,
		Tracker:   assembly.NewTracker(repos.IncompleteUploads, asm, scratch, cfg.IncompleteUploadTTL),
		Uploads: upload.NewService(repos.Files, repos.Folders, backend, asm, upload.Config{
			BlockedExtensions: cfg.BlockedExtensions,
			MaxFileSize:       int64(cfg.MaxFileSize),
			DefaultFormat:     cfg.DefaultNamingFormat,
			RandomNameLength:  cfg.RandomNameLength,
			RemoveGPS:         cfg.RemoveGPS,
		}),
		Streamer: retrieval.NewStreamer(repos.Files, backend),
		Expirer:  retrieval.NewExpirer(repos.Files, backend),
	}

	if cfg.ThumbnailsEnabled {
		dispatcher, err := thumbnails.NewDispatcher(ThumbnailWorkers(cfg, repos.Files, backend))
		if err != nil {
			repos.Close()
			return nil, err
		}
		a.Thumbnails = thumbnails.NewScheduler(repos.Files, dispatcher, 0, cfg.ThumbnailMaxAttempts)
	}

	return a, nil
}

// Close releases the metadata store.
func (a *App) Close() {
	a.Repos.Close()
}

// StartWorkers launches the background loops. They stop when ctx is cancelled.
func (a *App) StartWorkers(ctx context.Context) {
	go a.Tracker.StartReaperWorker(ctx, a.Config.ReaperInterval)
	go a.Assembler.StartRecoveryWorker(ctx, a.Config.RecoveryInterval, a.Config.AssemblyStaleAfter)
	go a.Expirer.StartExpiryWorker(ctx, a.Config.ExpiryInterval)
	if a.Thumbnails != nil {
		go a.Thumbnails.StartThumbnailWorker(ctx, a.Config.ThumbnailInterval)
	}
}

// OpenRepositories connects to the configured metadata store.
func OpenRepositories(ctx context.Context, cfg *config.Config) (*repository.Repositories, error) {
	switch cfg.DBDriver {
	case string(repository.DatabaseTypePostgreSQL):
		repos, err := postgres.NewRepositories(ctx, cfg.DatabaseURL, postgresMaxConns)
		if err != nil {
			return nil, err
		}
		slog.Info("metadata store ready", "driver", "postgres")
		return repos, nil
	default:
		db, err := database.Initialize(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		return sqlite.NewRepositories(db)
	}
}

// OpenStorage creates the configured backend.
func OpenStorage(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	switch cfg.StorageType {
	case "s3":
		backend, err := s3.New(ctx, s3.Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			PathStyle:       cfg.S3.PathStyle,
			Prefix:          cfg.S3.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize s3 storage: %w", err)
		}
		return backend, nil
	case "swift":
		backend, err := swift.New(ctx, swift.Config{
			AuthURL:   cfg.Swift.AuthURL,
			Username:  cfg.Swift.Username,
			APIKey:    cfg.Swift.APIKey,
			Domain:    cfg.Swift.Domain,
			Tenant:    cfg.Swift.Tenant,
			Region:    cfg.Swift.Region,
			Container: cfg.Swift.Container,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize swift storage: %w", err)
		}
		return backend, nil
	default:
		backend, err := filesystem.New(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize local storage: %w", err)
		}
		return backend, nil
	}
}

// ThumbnailWorkers builds the worker pool: one handle per remote URL, or
// THUMBNAIL_WORKERS local handles when no remote worker is configured.
func ThumbnailWorkers(cfg *config.Config, files repository.FileRepository, backend storage.Backend) []thumbnails.Worker {
	var workers []thumbnails.Worker
	for _, url := range cfg.ThumbnailRemoteURLs {
		workers = append(workers, thumbnails.NewRemoteWorker(url, 3))
	}
	if len(workers) > 0 {
		return workers
	}

	extractor := thumbnails.ExecExtractor{Command: cfg.ThumbnailCommand}
	for i := 0; i < cfg.ThumbnailWorkers; i++ {
		workers = append(workers, thumbnails.NewLocalWorker(
			fmt.Sprintf("local-%d", i), files, backend, extractor, ""))
	}
	return workers
}

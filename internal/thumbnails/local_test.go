package thumbnails

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"testing"

	"github.com/disintegration/imaging"

	"github.com/fjmerc/stashbox/internal/models"
	repomock "github.com/fjmerc/stashbox/internal/repository/mock"
	storagemock "github.com/fjmerc/stashbox/internal/storage/mock"
)

type fakeExtractor struct {
	err   error
	paths []string
}

func (f *fakeExtractor) Extract(ctx context.Context, path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f.paths = append(f.paths, string(data))
	if f.err != nil {
		return nil, f.err
	}
	return imaging.New(640, 480, color.NRGBA{R: 200, A: 255}), nil
}

func setupLocal(t *testing.T, extractor Extractor) (*LocalWorker, *repomock.FileRepository, *storagemock.Backend) {
	t.Helper()
	files := repomock.NewFileRepository()
	backend := storagemock.New()
	return NewLocalWorker("local-0", files, backend, extractor, t.TempDir()), files, backend
}

func TestLocalWorker_GeneratesThumbnail(t *testing.T) {
	ctx := context.Background()
	extractor := &fakeExtractor{}
	w, files, backend := setupLocal(t, extractor)

	backend.AddObject("clip.mp4", []byte("fake video bytes"))
	file := &models.File{Name: "clip.mp4", Type: "video/mp4", Size: 16}
	if err := files.Create(ctx, file); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := w.Send(ctx, Batch{FileIDs: []int64{file.ID}}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if len(extractor.paths) != 1 || extractor.paths[0] != "fake video bytes" {
		t.Errorf("extractor saw %q, want the stored video", extractor.paths)
	}

	data, ok := backend.Content(ThumbnailKey("clip.mp4"))
	if !ok {
		t.Fatal("thumbnail object was not stored")
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("thumbnail is not a decodable image: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 320 || b.Dy() != 240 {
		t.Errorf("thumbnail size = %dx%d, want 320x240", b.Dx(), b.Dy())
	}

	got, _ := files.GetByID(ctx, file.ID)
	if got.Thumbnail != "thumbnails/clip.mp4.jpg" {
		t.Errorf("Thumbnail = %q, want thumbnails/clip.mp4.jpg", got.Thumbnail)
	}
}

func TestLocalWorker_SkipsIneligible(t *testing.T) {
	ctx := context.Background()
	extractor := &fakeExtractor{}
	w, files, _ := setupLocal(t, extractor)

	still := &models.File{Name: "a.png", Type: "image/png"}
	done := &models.File{Name: "b.mp4", Type: "video/mp4", Thumbnail: "thumbnails/b.mp4.jpg"}
	for _, f := range []*models.File{still, done} {
		if err := files.Create(ctx, f); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	if err := w.Send(ctx, Batch{FileIDs: []int64{still.ID, done.ID, 999}}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(extractor.paths) != 0 {
		t.Errorf("extractor called %d times, want 0", len(extractor.paths))
	}
}

func TestLocalWorker_ContinuesAfterFailure(t *testing.T) {
	ctx := context.Background()
	w, files, backend := setupLocal(t, &fakeExtractor{})

	missing := &models.File{Name: "missing.mp4", Type: "video/mp4"}
	present := &models.File{Name: "present.mp4", Type: "video/mp4"}
	for _, f := range []*models.File{missing, present} {
		if err := files.Create(ctx, f); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	backend.AddObject("present.mp4", []byte("v"))

	err := w.Send(ctx, Batch{FileIDs: []int64{missing.ID, present.ID}})
	if err == nil {
		t.Fatal("expected error for the missing object")
	}

	got, _ := files.GetByID(ctx, present.ID)
	if got.Thumbnail == "" {
		t.Error("later files in the batch should still be processed")
	}
}

func TestLocalWorker_ExtractorFailureStoresNothing(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("no video stream")
	w, files, backend := setupLocal(t, &fakeExtractor{err: boom})

	backend.AddObject("clip.mp4", []byte("v"))
	file := &models.File{Name: "clip.mp4", Type: "video/mp4"}
	if err := files.Create(ctx, file); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := w.Send(ctx, Batch{FileIDs: []int64{file.ID}}); !errors.Is(err, boom) {
		t.Fatalf("Send error = %v, want %v", err, boom)
	}
	if _, ok := backend.Content(ThumbnailKey("clip.mp4")); ok {
		t.Error("no thumbnail should be stored when extraction fails")
	}
}

// contentExtractor fails for files whose bytes are "corrupt".
type contentExtractor struct {
	calls map[string]int
}

func (e *contentExtractor) Extract(ctx context.Context, path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	e.calls[string(data)]++
	if string(data) == "corrupt" {
		return nil, errors.New("invalid data found when processing input")
	}
	return imaging.New(64, 48, color.NRGBA{B: 200, A: 255}), nil
}

func TestScheduler_GivesUpOnBrokenVideos(t *testing.T) {
	ctx := context.Background()
	extractor := &contentExtractor{calls: map[string]int{}}
	w, files, backend := setupLocal(t, extractor)

	backend.AddObject("broken.mp4", []byte("corrupt"))
	backend.AddObject("fine.mp4", []byte("frames"))
	broken := &models.File{Name: "broken.mp4", Type: "video/mp4", Size: 7}
	fine := &models.File{Name: "fine.mp4", Type: "video/mp4", Size: 6}
	for _, f := range []*models.File{broken, fine} {
		if err := files.Create(ctx, f); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	d, _ := NewDispatcher([]Worker{w})
	s := NewScheduler(files, d, 1, 3)
	for pass := 0; pass < 5; pass++ {
		s.RunOnce(ctx)
	}

	if got := extractor.calls["corrupt"]; got != 3 {
		t.Errorf("broken video extracted %d times, want 3", got)
	}
	if got := files.ThumbnailAttempts(broken.ID); got != 3 {
		t.Errorf("broken video attempts = %d, want 3", got)
	}
	got, _ := files.GetByID(ctx, fine.ID)
	if got.Thumbnail == "" {
		t.Error("good video should get a thumbnail despite the broken one")
	}

	n, err := s.RunOnce(ctx)
	if err != nil || n != 0 {
		t.Errorf("RunOnce after giving up = %d, %v; want 0, nil", n, err)
	}
}

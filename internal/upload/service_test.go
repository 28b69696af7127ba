package upload

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"

	"github.com/fjmerc/stashbox/internal/apperr"
	"github.com/fjmerc/stashbox/internal/assembly"
	"github.com/fjmerc/stashbox/internal/models"
	repomock "github.com/fjmerc/stashbox/internal/repository/mock"
	storagemock "github.com/fjmerc/stashbox/internal/storage/mock"
	"github.com/fjmerc/stashbox/internal/utils"
)

type testEnv struct {
	svc     *Service
	files   *repomock.FileRepository
	folders *repomock.FolderRepository
	backend *storagemock.Backend
	uploads *repomock.IncompleteUploadRepository
	scratch *assembly.ScratchStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	scratch, err := assembly.NewScratchStore(filepath.Join(t.TempDir(), "scratch"))
	if err != nil {
		t.Fatalf("NewScratchStore failed: %v", err)
	}
	uploads := repomock.NewIncompleteUploadRepository()
	asm := assembly.New(uploads, scratch, assembly.Config{
		MaxChunks:          100,
		MaxFileSize:        1 << 20,
		MaxAssemblyRetries: 1,
	})

	env := &testEnv{
		files:   repomock.NewFileRepository(),
		folders: repomock.NewFolderRepository(),
		backend: storagemock.New(),
		uploads: uploads,
		scratch: scratch,
	}
	env.svc = NewService(env.files, env.folders, env.backend, asm, Config{
		BlockedExtensions: []string{".exe", ".sh"},
		MaxFileSize:       1 << 20,
		DefaultFormat:     "random",
		RandomNameLength:  6,
	})
	return env
}

func (e *testEnv) whole(t *testing.T, opts models.UploadOptions, filename, contentType string, data []byte) (*models.StoredObject, error) {
	t.Helper()
	return e.svc.UploadWhole(context.Background(), "owner-1", opts, Source{
		Filename:    filename,
		ContentType: contentType,
		Size:        int64(len(data)),
		Body:        bytes.NewReader(data),
	})
}

func TestUploadWhole_RandomName(t *testing.T) {
	env := newTestEnv(t)

	obj, err := env.whole(t, models.UploadOptions{}, "a.txt", "text/plain", []byte("0123456789"))
	if err != nil {
		t.Fatalf("UploadWhole failed: %v", err)
	}
	if !strings.HasSuffix(obj.Key, ".txt") || len(obj.Key) != len("abcdef.txt") {
		t.Errorf("Key = %q, want 6 random characters plus .txt", obj.Key)
	}
	if obj.Type != "text/plain" {
		t.Errorf("Type = %q, want text/plain", obj.Type)
	}

	size, err := env.backend.Size(context.Background(), obj.Key)
	if err != nil {
		t.Fatalf("Size failed: %v", err)
	}
	if size != 10 {
		t.Errorf("Size = %d, want 10", size)
	}

	record, _ := env.files.GetByName(context.Background(), obj.Key)
	if record == nil || record.OriginalName != "a.txt" || record.OwnerID != "owner-1" {
		t.Errorf("record = %+v", record)
	}
	if env.backend.PutCount() != 1 {
		t.Errorf("PutCount = %d, want 1", env.backend.PutCount())
	}
}

func TestUploadWhole_PolicyErrors(t *testing.T) {
	big := make([]byte, 1<<20+1)
	folderID := int64(99)

	tests := []struct {
		name     string
		opts     models.UploadOptions
		filename string
		data     []byte
		wantCode string
	}{
		{"blocked extension", models.UploadOptions{}, "run.exe", []byte("MZ"), apperr.CodeExtensionBlocked},
		{"blocked double extension", models.UploadOptions{}, "invoice.sh.txt", []byte("x"), apperr.CodeExtensionBlocked},
		{"blocked override extension", models.UploadOptions{OverrideExtension: "exe"}, "a.txt", []byte("x"), apperr.CodeExtensionBlocked},
		{"extension before size", models.UploadOptions{}, "big.exe", big, apperr.CodeExtensionBlocked},
		{"too large", models.UploadOptions{}, "big.bin", big, apperr.CodeFileTooLarge},
		{"size before collision", models.UploadOptions{Format: "name"}, "taken.txt", big, apperr.CodeFileTooLarge},
		{"collision", models.UploadOptions{Format: "name"}, "taken.txt", []byte("x"), apperr.CodeNameCollision},
		{"prefix collision", models.UploadOptions{OverrideFilename: "tak"}, "other.txt", []byte("x"), apperr.CodeNameCollision},
		{"collision before folder", models.UploadOptions{Format: "name", FolderID: &folderID}, "taken.txt", []byte("x"), apperr.CodeNameCollision},
		{"missing folder", models.UploadOptions{FolderID: &folderID}, "a.txt", []byte("x"), apperr.CodeFolderNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.files.Create(context.Background(), &models.File{Name: "taken.txt"})

			_, err := env.whole(t, tt.opts, tt.filename, "", tt.data)
			if !apperr.Is(err, tt.wantCode) {
				t.Fatalf("expected %s, got %v", tt.wantCode, err)
			}
			if apperr.Retryable(err) {
				t.Error("policy errors must not be retryable")
			}
			if env.backend.PutCount() != 0 {
				t.Error("rejected upload must not reach storage")
			}
		})
	}
}

func TestUploadWhole_FolderOwnership(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	mine := &models.Folder{Name: "mine", OwnerID: "owner-1"}
	theirs := &models.Folder{Name: "theirs", OwnerID: "owner-2"}
	env.folders.Create(ctx, mine)
	env.folders.Create(ctx, theirs)

	if _, err := env.whole(t, models.UploadOptions{FolderID: &theirs.ID}, "a.txt", "", []byte("x")); !apperr.Is(err, apperr.CodeFolderNotFound) {
		t.Errorf("foreign folder: expected FOLDER_NOT_FOUND, got %v", err)
	}

	obj, err := env.whole(t, models.UploadOptions{FolderID: &mine.ID}, "a.txt", "", []byte("x"))
	if err != nil {
		t.Fatalf("UploadWhole failed: %v", err)
	}
	record, _ := env.files.GetByName(ctx, obj.Key)
	if record.FolderID == nil || *record.FolderID != mine.ID {
		t.Errorf("FolderID = %v, want %d", record.FolderID, mine.ID)
	}
}

func TestUploadWhole_StoresOptions(t *testing.T) {
	env := newTestEnv(t)
	views := 2

	obj, err := env.whole(t, models.UploadOptions{Password: "pw", MaxViews: &views, DeletesAt: "1d"}, "a.txt", "", []byte("x"))
	if err != nil {
		t.Fatalf("UploadWhole failed: %v", err)
	}
	if obj.ExpiresAt == nil {
		t.Error("ExpiresAt should be set")
	}

	record, _ := env.files.GetByName(context.Background(), obj.Key)
	if !utils.VerifyPassword(record.PasswordHash, "pw") || utils.VerifyPassword(record.PasswordHash, "nope") {
		t.Error("password hash not stored correctly")
	}
	if record.MaxViews == nil || *record.MaxViews != 2 {
		t.Errorf("MaxViews = %v, want 2", record.MaxViews)
	}
}

func TestUploadWhole_AssumedMimetype(t *testing.T) {
	env := newTestEnv(t)
	png := encodeImage(t, imaging.PNG)

	obj, err := env.whole(t, models.UploadOptions{}, "pic", "application/octet-stream", png)
	if err != nil {
		t.Fatalf("UploadWhole failed: %v", err)
	}
	if obj.Type != "image/png" || !obj.AssumedMimetype {
		t.Errorf("Type = %q assumed=%v, want image/png assumed", obj.Type, obj.AssumedMimetype)
	}

	stored, _ := env.backend.Content(obj.Key)
	if !bytes.Equal(stored, png) {
		t.Error("sniffing must not consume payload bytes")
	}
}

func TestUploadWhole_Transforms(t *testing.T) {
	env := newTestEnv(t)

	obj, err := env.whole(t, models.UploadOptions{ImageCompressionPercent: 50}, "pic.png", "image/png", encodeImage(t, imaging.PNG))
	if err != nil {
		t.Fatalf("UploadWhole failed: %v", err)
	}
	if !obj.Transformed || obj.Type != "image/jpeg" || !strings.HasSuffix(obj.Key, ".jpg") {
		t.Errorf("obj = %+v, want transformed jpeg", obj)
	}
	stored, _ := env.backend.Content(obj.Key)
	if int64(len(stored)) != obj.Size {
		t.Errorf("stored %d bytes, reported %d", len(stored), obj.Size)
	}

	obj, err = env.whole(t, models.UploadOptions{RemoveGPS: true}, "gps.jpg", "image/jpeg", jpegWithGPS(t))
	if err != nil {
		t.Fatalf("UploadWhole failed: %v", err)
	}
	stored, _ = env.backend.Content(obj.Key)
	if !obj.Transformed || HasGPS(stored) {
		t.Error("GPS data should be stripped before storage")
	}
}

func TestUploadWhole_TransformFailureStoresNothing(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.whole(t, models.UploadOptions{ImageCompressionPercent: 50}, "broken.png", "image/png", []byte("not really a png"))
	if !apperr.Is(err, apperr.CodeTransformFailed) {
		t.Fatalf("expected TRANSFORM_FAILED, got %v", err)
	}
	if env.backend.PutCount() != 0 || env.files.Count() != 0 {
		t.Error("failed transform must not store anything")
	}
}

func TestUploadWhole_StorageFailures(t *testing.T) {
	env := newTestEnv(t)
	env.backend.PutError = errors.New("bucket offline")

	_, err := env.whole(t, models.UploadOptions{}, "a.txt", "", []byte("x"))
	if !apperr.Is(err, apperr.CodeStorageFailure) || !apperr.Retryable(err) {
		t.Fatalf("expected retryable STORAGE_ERROR, got %v", err)
	}
	if env.files.Count() != 0 {
		t.Error("no record should exist after a failed Put")
	}

	env.backend.PutError = nil
	env.files.CreateError = errors.New("database locked")
	if _, err := env.whole(t, models.UploadOptions{}, "a.txt", "", []byte("x")); err == nil {
		t.Fatal("expected record failure")
	}
	if keys := env.backend.Keys(); len(keys) != 0 {
		t.Errorf("object left behind after record failure: %v", keys)
	}
}

func TestUploadChunk_OutOfOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	send := func(index int, data string) *assembly.Result {
		t.Helper()
		res, err := env.svc.UploadChunk(ctx, models.ChunkMeta{
			SessionID:   "sess-abc",
			Index:       index,
			TotalChunks: 3,
			Filename:    "letters.txt",
			ContentType: "text/plain",
			OwnerID:     "owner-1",
		}, strings.NewReader(data))
		if err != nil {
			t.Fatalf("chunk %d failed: %v", index, err)
		}
		return res
	}

	if send(2, "ghi").Complete || send(0, "abc").Complete {
		t.Fatal("completed before all chunks arrived")
	}
	res := send(1, "def")
	if !res.Complete {
		t.Fatal("expected completion")
	}

	got, _ := env.backend.Content(res.Object.Key)
	if string(got) != "abcdefghi" {
		t.Errorf("assembled = %q, want abcdefghi", got)
	}
	if res.Object.Type != "text/plain" || res.Object.Size != 9 {
		t.Errorf("object = %+v", res.Object)
	}

	again := send(1, "def")
	if !again.Complete || again.Object.Key != res.Object.Key || again.Object.Type != "text/plain" {
		t.Errorf("resend after completion = %+v", again.Object)
	}
	if env.backend.PutCount() != 1 {
		t.Errorf("PutCount = %d, want 1", env.backend.PutCount())
	}
}

func TestUploadChunk_GeneratesSessionID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.svc.UploadChunk(ctx, models.ChunkMeta{Index: 0, TotalChunks: 2, Filename: "a.bin"}, strings.NewReader("a"))
	if err != nil {
		t.Fatalf("UploadChunk failed: %v", err)
	}
	if res.SessionID == "" || res.Complete {
		t.Fatalf("result = %+v", res)
	}

	_, err = env.svc.UploadChunk(ctx, models.ChunkMeta{Index: 1, TotalChunks: 2, Filename: "a.bin"}, strings.NewReader("b"))
	if !apperr.Is(err, apperr.CodeInvalidChunk) {
		t.Errorf("expected INVALID_CHUNK without identifier, got %v", err)
	}
}

func TestUploadChunk_RejectedAtFirstChunk(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.UploadChunk(context.Background(), models.ChunkMeta{
		SessionID: "bad-ext", Index: 0, TotalChunks: 2, Filename: "payload.exe",
	}, strings.NewReader("MZ"))
	if !apperr.Is(err, apperr.CodeExtensionBlocked) {
		t.Fatalf("expected EXTENSION_BLOCKED, got %v", err)
	}
	if got, _ := env.uploads.Get(context.Background(), "bad-ext"); got != nil {
		t.Error("no session should be created")
	}
	if n, _ := env.scratch.ChunkCount("bad-ext"); n != 0 {
		t.Error("no scratch files should remain")
	}
}

func TestUploadChunk_PasswordSurvivesAssembly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	meta := models.ChunkMeta{
		SessionID: "locked", TotalChunks: 2, Filename: "secret.txt", OwnerID: "owner-1",
		Options: models.UploadOptions{Password: "pw"},
	}

	if _, err := env.svc.UploadChunk(ctx, meta, strings.NewReader("se")); err != nil {
		t.Fatalf("chunk 0 failed: %v", err)
	}
	meta.Index = 1
	res, err := env.svc.UploadChunk(ctx, meta, strings.NewReader("cret"))
	if err != nil {
		t.Fatalf("chunk 1 failed: %v", err)
	}

	record, _ := env.files.GetByName(ctx, res.Object.Key)
	if record == nil || !utils.VerifyPassword(record.PasswordHash, "pw") {
		t.Error("assembled file should carry the session's password hash")
	}
}

func TestRetryAssembly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.backend.PutError = errors.New("timeout")

	meta := models.ChunkMeta{SessionID: "retry-me", TotalChunks: 1, Filename: "a.txt", OwnerID: "owner-1"}
	_, err := env.svc.UploadChunk(ctx, meta, strings.NewReader("data"))
	if !apperr.Is(err, apperr.CodeAssemblyFailed) {
		t.Fatalf("expected ASSEMBLY_FAILED, got %v", err)
	}

	if _, err := env.svc.RetryAssembly(ctx, "retry-me", "someone-else"); !apperr.Is(err, apperr.CodeUploadNotFound) {
		t.Errorf("foreign retry: expected UPLOAD_NOT_FOUND, got %v", err)
	}

	env.backend.PutError = nil
	res, err := env.svc.RetryAssembly(ctx, "retry-me", "owner-1")
	if err != nil {
		t.Fatalf("RetryAssembly failed: %v", err)
	}
	got, _ := env.backend.Content(res.Object.Key)
	if string(got) != "data" {
		t.Errorf("content = %q, want data", got)
	}
}

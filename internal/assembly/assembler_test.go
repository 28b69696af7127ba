package assembly

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fjmerc/stashbox/internal/apperr"
	"github.com/fjmerc/stashbox/internal/models"
	repomock "github.com/fjmerc/stashbox/internal/repository/mock"
	storagemock "github.com/fjmerc/stashbox/internal/storage/mock"
)

// testSink stores the assembled stream under the session filename.
type testSink struct {
	backend      *storagemock.Backend
	prepareErr   error
	prepareCalls int
	materialized int
	failNext     []error
}

func (s *testSink) Prepare(ctx context.Context, meta *models.ChunkMeta) error {
	s.prepareCalls++
	return s.prepareErr
}

func (s *testSink) Materialize(ctx context.Context, upload *models.IncompleteUpload, r io.Reader, size int64) (*models.StoredObject, error) {
	s.materialized++
	if len(s.failNext) > 0 {
		err := s.failNext[0]
		s.failNext = s.failNext[1:]
		io.Copy(io.Discard, r)
		return nil, err
	}
	if err := s.backend.Put(ctx, upload.Filename, r, size); err != nil {
		return nil, apperr.Storage("put failed", err)
	}
	return &models.StoredObject{Key: upload.Filename, Type: upload.ContentType, Size: size}, nil
}

type fixture struct {
	asm     *Assembler
	repo    *repomock.IncompleteUploadRepository
	scratch *ScratchStore
	sink    *testSink
	dir     string
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "scratch")
	scratch, err := NewScratchStore(dir)
	if err != nil {
		t.Fatalf("NewScratchStore failed: %v", err)
	}
	if cfg.MaxChunks == 0 {
		cfg.MaxChunks = 100
	}
	if cfg.MaxFileSize == 0 {
		cfg.MaxFileSize = 1 << 20
	}
	repo := repomock.NewIncompleteUploadRepository()
	return &fixture{
		asm:     New(repo, scratch, cfg),
		repo:    repo,
		scratch: scratch,
		sink:    &testSink{backend: storagemock.New()},
		dir:     dir,
	}
}

func (f *fixture) send(t *testing.T, id string, index, total int, data string) (*Result, error) {
	t.Helper()
	meta := models.ChunkMeta{SessionID: id, Index: index, TotalChunks: total, Filename: "out.bin", ContentType: "application/octet-stream"}
	return f.asm.BeginOrContinue(context.Background(), meta, strings.NewReader(data), f.sink)
}

func TestBeginOrContinue_OutOfOrder(t *testing.T) {
	f := newFixture(t, Config{})

	for _, step := range []struct {
		index int
		data  string
	}{{2, "ghi"}, {0, "abc"}} {
		res, err := f.send(t, "sess1", step.index, 3, step.data)
		if err != nil {
			t.Fatalf("chunk %d failed: %v", step.index, err)
		}
		if res.Complete {
			t.Fatalf("chunk %d reported complete too early", step.index)
		}
	}
	if f.sink.materialized != 0 {
		t.Fatal("assembly must not run before all chunks arrive")
	}

	res, err := f.send(t, "sess1", 1, 3, "def")
	if err != nil {
		t.Fatalf("final chunk failed: %v", err)
	}
	if !res.Complete || res.Object.Key != "out.bin" {
		t.Fatalf("result = %+v, want complete with key out.bin", res)
	}

	got, _ := f.sink.backend.Content("out.bin")
	if string(got) != "abcdefghi" {
		t.Errorf("assembled = %q, want %q", got, "abcdefghi")
	}
	if f.scratch.exists("sess1") {
		t.Error("scratch fragments should be removed after assembly")
	}

	upload, _ := f.repo.Get(context.Background(), "sess1")
	if upload.Status != models.StatusComplete || upload.ResultKey != "out.bin" {
		t.Errorf("record = %+v, want COMPLETE with result key", upload)
	}
}

func TestBeginOrContinue_AllPermutations(t *testing.T) {
	parts := []string{"AA", "BBB", "C", "DDDD"}
	want := strings.Join(parts, "")

	var permute func([]int, int) [][]int
	permute = func(a []int, k int) [][]int {
		if k == len(a) {
			return [][]int{append([]int(nil), a...)}
		}
		var out [][]int
		for i := k; i < len(a); i++ {
			a[k], a[i] = a[i], a[k]
			out = append(out, permute(a, k+1)...)
			a[k], a[i] = a[i], a[k]
		}
		return out
	}

	for n, order := range permute([]int{0, 1, 2, 3}, 0) {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			f := newFixture(t, Config{})
			id := fmt.Sprintf("perm%d", n)
			var res *Result
			for _, idx := range order {
				var err error
				res, err = f.send(t, id, idx, len(parts), parts[idx])
				if err != nil {
					t.Fatalf("chunk %d failed: %v", idx, err)
				}
			}
			if !res.Complete {
				t.Fatal("expected completion after last chunk")
			}
			got, _ := f.sink.backend.Content("out.bin")
			if string(got) != want {
				t.Errorf("assembled = %q, want %q", got, want)
			}
			if f.sink.backend.PutCount() != 1 {
				t.Errorf("PutCount = %d, want 1", f.sink.backend.PutCount())
			}
		})
	}
}

func TestBeginOrContinue_DuplicateChunkLastWriteWins(t *testing.T) {
	f := newFixture(t, Config{})

	if _, err := f.send(t, "dup", 0, 2, "old-bytes"); err != nil {
		t.Fatalf("chunk failed: %v", err)
	}
	if _, err := f.send(t, "dup", 0, 2, "new"); err != nil {
		t.Fatalf("resend failed: %v", err)
	}
	if n, _ := f.scratch.ChunkCount("dup"); n != 1 {
		t.Errorf("ChunkCount = %d, want 1", n)
	}

	if _, err := f.send(t, "dup", 1, 2, "-tail"); err != nil {
		t.Fatalf("final chunk failed: %v", err)
	}
	got, _ := f.sink.backend.Content("out.bin")
	if string(got) != "new-tail" {
		t.Errorf("assembled = %q, want %q", got, "new-tail")
	}
}

func TestBeginOrContinue_InvalidChunks(t *testing.T) {
	f := newFixture(t, Config{MaxChunks: 5})

	if _, err := f.send(t, "inv", 0, 3, "abc"); err != nil {
		t.Fatalf("first chunk failed: %v", err)
	}

	tests := []struct {
		name  string
		id    string
		index int
		total int
	}{
		{"index equals total", "inv", 3, 3},
		{"negative index", "inv", -1, 3},
		{"total mismatch", "inv", 1, 4},
		{"too many chunks", "other", 0, 6},
		{"zero total", "other", 0, 0},
		{"bad session id", "../etc", 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.send(t, tt.id, tt.index, tt.total, "x")
			if !apperr.Is(err, apperr.CodeInvalidChunk) {
				t.Fatalf("expected INVALID_CHUNK, got %v", err)
			}
		})
	}

	upload, _ := f.repo.Get(context.Background(), "inv")
	if upload.ReceivedCount() != 1 || upload.TotalChunks != 3 {
		t.Errorf("rejected chunks must not mutate state: %+v", upload)
	}
	if got, _ := f.repo.Get(context.Background(), "other"); got != nil {
		t.Error("rejected first chunk must not create a session")
	}
}

func TestBeginOrContinue_SizeLimits(t *testing.T) {
	f := newFixture(t, Config{MaxFileSize: 10, ChunkSizeLimit: 6})

	_, err := f.send(t, "big", 0, 3, "1234567")
	if !apperr.Is(err, apperr.CodeFileTooLarge) {
		t.Fatalf("oversized chunk: expected FILE_TOO_LARGE, got %v", err)
	}
	if f.scratch.exists("big") {
		t.Error("rejected first chunk must not leave scratch files")
	}

	if _, err := f.send(t, "big", 0, 3, "123456"); err != nil {
		t.Fatalf("chunk 0 failed: %v", err)
	}
	if _, err := f.send(t, "big", 1, 3, "1234"); err != nil {
		t.Fatalf("chunk 1 failed: %v", err)
	}
	if _, err := f.send(t, "big", 2, 3, "1"); !apperr.Is(err, apperr.CodeFileTooLarge) {
		t.Fatalf("cumulative overflow: expected FILE_TOO_LARGE, got %v", err)
	}
}

func TestBeginOrContinue_PrepareOnlyOnCreate(t *testing.T) {
	f := newFixture(t, Config{})
	for i := 0; i < 3; i++ {
		if _, err := f.send(t, "prep", i, 4, "x"); err != nil {
			t.Fatalf("chunk %d failed: %v", i, err)
		}
	}
	if f.sink.prepareCalls != 1 {
		t.Errorf("prepareCalls = %d, want 1", f.sink.prepareCalls)
	}

	f.sink.prepareErr = apperr.Validation(apperr.CodeInvalidOptions, "bad options")
	if _, err := f.send(t, "prep2", 0, 2, "x"); !apperr.Is(err, apperr.CodeInvalidOptions) {
		t.Fatalf("expected Prepare error, got %v", err)
	}
	if f.scratch.exists("prep2") {
		t.Error("rejected session must not leave scratch files")
	}
}

func TestAssembly_FailureKeepsChunksForRetry(t *testing.T) {
	f := newFixture(t, Config{MaxAssemblyRetries: 1})
	f.sink.failNext = []error{apperr.Storage("bucket unavailable", errors.New("503"))}

	if _, err := f.send(t, "flaky", 0, 2, "he"); err != nil {
		t.Fatalf("chunk 0 failed: %v", err)
	}
	_, err := f.send(t, "flaky", 1, 2, "llo")
	if !apperr.Is(err, apperr.CodeAssemblyFailed) {
		t.Fatalf("expected ASSEMBLY_FAILED, got %v", err)
	}
	if !apperr.Retryable(err) {
		t.Error("assembly failure should be retryable")
	}

	upload, _ := f.repo.Get(context.Background(), "flaky")
	if upload.Status != models.StatusFailed {
		t.Fatalf("status = %s, want FAILED", upload.Status)
	}
	if n, _ := f.scratch.ChunkCount("flaky"); n != 2 {
		t.Fatalf("ChunkCount = %d, want 2 retained", n)
	}

	res, err := f.asm.Retry(context.Background(), "flaky", "", f.sink)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if !res.Complete {
		t.Fatal("retry should complete")
	}
	got, _ := f.sink.backend.Content("out.bin")
	if string(got) != "hello" {
		t.Errorf("assembled = %q, want hello", got)
	}
}

func TestAssembly_ResendAfterFailureRetries(t *testing.T) {
	f := newFixture(t, Config{MaxAssemblyRetries: 1})
	f.sink.failNext = []error{errors.New("timeout")}

	f.send(t, "resend", 0, 2, "ab")
	if _, err := f.send(t, "resend", 1, 2, "cd"); err == nil {
		t.Fatal("expected first assembly to fail")
	}

	res, err := f.send(t, "resend", 1, 2, "cd")
	if err != nil || !res.Complete {
		t.Fatalf("resend = %+v, %v; want complete", res, err)
	}
}

func TestAssembly_RetriesExhausted(t *testing.T) {
	f := newFixture(t, Config{MaxAssemblyRetries: 1})
	f.sink.failNext = []error{errors.New("down"), errors.New("still down")}

	f.send(t, "doomed", 0, 1, "x")
	_, err := f.asm.Retry(context.Background(), "doomed", "", f.sink)
	if !apperr.Is(err, apperr.CodeAssemblyRetriesSpent) {
		t.Fatalf("expected ASSEMBLY_RETRIES_EXHAUSTED, got %v", err)
	}

	if f.scratch.exists("doomed") {
		t.Error("exhausted session should lose its scratch files")
	}
	if got, _ := f.repo.Get(context.Background(), "doomed"); got != nil {
		t.Error("exhausted session record should be removed")
	}
}

func TestAssembly_ZeroRetriesAbortsImmediately(t *testing.T) {
	f := newFixture(t, Config{MaxAssemblyRetries: 0})
	f.sink.failNext = []error{errors.New("down")}

	_, err := f.send(t, "once", 0, 1, "x")
	if !apperr.Is(err, apperr.CodeAssemblyRetriesSpent) {
		t.Fatalf("expected ASSEMBLY_RETRIES_EXHAUSTED, got %v", err)
	}
}

func TestAssembly_PolicyFailureEndsSession(t *testing.T) {
	f := newFixture(t, Config{MaxAssemblyRetries: 3})
	f.sink.failNext = []error{apperr.Validation(apperr.CodeExtensionBlocked, "blocked")}

	_, err := f.send(t, "policy", 0, 1, "MZ")
	if !apperr.Is(err, apperr.CodeExtensionBlocked) {
		t.Fatalf("expected EXTENSION_BLOCKED, got %v", err)
	}
	if f.scratch.exists("policy") {
		t.Error("rejected session should not keep scratch files")
	}
}

func TestAbort(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := f.send(t, "cancel", i, 5, "chunk"); err != nil {
			t.Fatalf("chunk %d failed: %v", i, err)
		}
	}

	if err := f.asm.Abort(ctx, "cancel"); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if f.scratch.exists("cancel") {
		t.Error("Abort should remove scratch files")
	}
	if got, _ := f.repo.Get(ctx, "cancel"); got != nil {
		t.Error("Abort should remove the record")
	}
	if _, err := f.sink.backend.Size(ctx, "out.bin"); err == nil {
		t.Error("aborted target key must not exist")
	}

	if err := f.asm.Abort(ctx, "never-existed"); err != nil {
		t.Errorf("Abort on unknown session should be a no-op, got %v", err)
	}

	_, err := f.send(t, "cancel", 3, 5, "late")
	if !apperr.Is(err, apperr.CodeUploadNotFound) {
		t.Errorf("chunk after abort: expected UPLOAD_NOT_FOUND, got %v", err)
	}
}

func TestAbort_RacingChunks(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	if _, err := f.send(t, "race", 0, 50, "first"); err != nil {
		t.Fatalf("first chunk failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 1; i < 50; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			f.send(t, "race", idx, 50, "data")
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.asm.Abort(ctx, "race")
	}()
	wg.Wait()

	record, _ := f.repo.Get(ctx, "race")
	if record == nil && f.scratch.exists("race") {
		t.Error("scratch files survived without a record")
	}
	if record != nil && !f.scratch.exists("race") {
		t.Error("record survived without scratch files")
	}
}

func TestBeginOrContinue_OwnerMismatch(t *testing.T) {
	f := newFixture(t, Config{})
	meta := models.ChunkMeta{SessionID: "owned", Index: 0, TotalChunks: 2, Filename: "f", OwnerID: "alice"}
	if _, err := f.asm.BeginOrContinue(context.Background(), meta, strings.NewReader("a"), f.sink); err != nil {
		t.Fatalf("chunk failed: %v", err)
	}

	meta.Index = 1
	meta.OwnerID = "mallory"
	_, err := f.asm.BeginOrContinue(context.Background(), meta, strings.NewReader("b"), f.sink)
	if !apperr.Is(err, apperr.CodeUploadNotFound) {
		t.Errorf("expected UPLOAD_NOT_FOUND for another owner, got %v", err)
	}
}

func TestScratchStore_WriteLimitKeepsPrevious(t *testing.T) {
	s, err := NewScratchStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewScratchStore failed: %v", err)
	}

	if _, err := s.Write("abc", 0, strings.NewReader("good"), 10); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := s.Write("abc", 0, bytes.NewReader(make([]byte, 11)), 10); !errors.Is(err, ErrChunkTooLarge) {
		t.Fatalf("expected ErrChunkTooLarge, got %v", err)
	}

	f, size, err := s.Open("abc", 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()
	if size != 4 {
		t.Errorf("size = %d, want previous fragment of 4 bytes", size)
	}

	entries, _ := os.ReadDir(filepath.Join(s.dir, "abc"))
	if len(entries) != 1 {
		t.Errorf("entries = %d, want 1 (no temp leftovers)", len(entries))
	}
}

func TestSessionLocks_Released(t *testing.T) {
	l := newSessionLocks()
	unlock := l.lock("a")
	done := make(chan struct{})
	go func() {
		u := l.lock("a")
		u()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second lock acquired while first held")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	<-done
	if l.size() != 0 {
		t.Errorf("lock map size = %d, want 0", l.size())
	}
}

// hangupSink drains the stream, cancels the request context as a client
// disconnect would, then returns result.
type hangupSink struct {
	testSink
	cancel context.CancelFunc
	result error
}

func (s *hangupSink) Materialize(ctx context.Context, upload *models.IncompleteUpload, r io.Reader, size int64) (*models.StoredObject, error) {
	s.materialized++
	data, _ := io.ReadAll(r)
	s.cancel()
	if s.result != nil {
		return nil, s.result
	}
	if err := s.backend.Put(context.Background(), upload.Filename, bytes.NewReader(data), size); err != nil {
		return nil, err
	}
	return &models.StoredObject{Key: upload.Filename, Size: size}, nil
}

func TestAssembly_ClientHangupDuringMaterialize(t *testing.T) {
	tests := []struct {
		name        string
		result      error
		wantStatus  models.UploadStatus
		wantRecord  bool
		wantScratch bool
	}{
		{"storage failure keeps chunks for retry", apperr.Storage("put failed", context.Canceled), models.StatusFailed, true, true},
		{"policy failure drops session", apperr.Validation(apperr.CodeExtensionBlocked, "blocked"), "", false, false},
		{"success is recorded", nil, models.StatusComplete, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{MaxAssemblyRetries: 1})
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			sink := &hangupSink{testSink: testSink{backend: storagemock.New()}, cancel: cancel, result: tt.result}

			meta := models.ChunkMeta{SessionID: "hangup", Index: 0, TotalChunks: 1, Filename: "out.bin"}
			f.asm.BeginOrContinue(ctx, meta, strings.NewReader("payload"), sink)

			record, _ := f.repo.Get(context.Background(), "hangup")
			if (record != nil) != tt.wantRecord {
				t.Fatalf("record = %+v, want present=%v", record, tt.wantRecord)
			}
			if record != nil && record.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", record.Status, tt.wantStatus)
			}
			if got := f.scratch.exists("hangup"); got != tt.wantScratch {
				t.Errorf("scratch exists = %v, want %v", got, tt.wantScratch)
			}
		})
	}
}

func TestAssembly_RetryAfterClientHangup(t *testing.T) {
	f := newFixture(t, Config{MaxAssemblyRetries: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &hangupSink{testSink: testSink{backend: storagemock.New()}, cancel: cancel, result: apperr.Storage("put failed", context.Canceled)}

	meta := models.ChunkMeta{SessionID: "resume", Index: 0, TotalChunks: 1, Filename: "out.bin"}
	if _, err := f.asm.BeginOrContinue(ctx, meta, strings.NewReader("payload"), sink); err == nil {
		t.Fatal("expected the interrupted assembly to fail")
	}

	res, err := f.asm.Retry(context.Background(), "resume", "", f.sink)
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if !res.Complete {
		t.Fatal("retry should complete")
	}
	got, _ := f.sink.backend.Content("out.bin")
	if string(got) != "payload" {
		t.Errorf("assembled = %q, want payload", got)
	}
}

func TestAssembly_MarkCompletedFailureDropsSession(t *testing.T) {
	f := newFixture(t, Config{})
	f.repo.MarkCompleteErr = errors.New("database is locked")

	res, err := f.send(t, "lost", 0, 1, "abc")
	if err != nil || !res.Complete {
		t.Fatalf("send = %+v, %v; want complete", res, err)
	}
	if got, _ := f.repo.Get(context.Background(), "lost"); got != nil {
		t.Errorf("record = %+v, want removed", got)
	}
	if f.scratch.exists("lost") {
		t.Error("scratch should be removed with the record")
	}
}

package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"testing"

	"github.com/fjmerc/stashbox/internal/config"
	"github.com/fjmerc/stashbox/internal/models"
)

func TestUploadHandler_WholeFile(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(multipartRequest(t, []formFile{{"hello.txt", "text/plain", []byte("hello world")}}, nil))
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d\nBody: %s", rr.Code, http.StatusCreated, rr.Body.String())
	}

	resp := decodeJSON[models.UploadResponse](t, rr.Body)
	if len(resp.Files) != 1 {
		t.Fatalf("files = %d, want 1", len(resp.Files))
	}
	f := resp.Files[0]
	if !strings.HasSuffix(f.ID, ".txt") {
		t.Errorf("id = %q, want .txt suffix", f.ID)
	}
	if f.Type != "text/plain" {
		t.Errorf("type = %q, want text/plain", f.Type)
	}
	if f.URL != "http://example.com/raw/"+f.ID {
		t.Errorf("url = %q", f.URL)
	}
	if resp.PartialSuccess || resp.AssumedMimetypes != nil {
		t.Errorf("unexpected flags in %+v", resp)
	}

	data, ok := ts.backend.Content(f.ID)
	if !ok || string(data) != "hello world" {
		t.Errorf("stored content = %q, %v", data, ok)
	}

	record, _ := ts.files.GetByName(context.Background(), f.ID)
	if record == nil || record.OriginalName != "hello.txt" {
		t.Errorf("record = %+v, want original name hello.txt", record)
	}
}

func TestUploadHandler_OptionsHeader(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.PublicURL = "https://share.example.org" })

	req := withOptions(t, multipartRequest(t, []formFile{{"notes.md", "text/markdown", []byte("# hi")}}, nil), map[string]any{
		"format":           "name",
		"deletesAt":        "7d",
		"overrideFilename": "release-notes",
	})
	rr := ts.do(req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d\nBody: %s", rr.Code, rr.Body.String())
	}

	resp := decodeJSON[models.UploadResponse](t, rr.Body)
	if resp.Files[0].ID != "release-notes.md" {
		t.Errorf("id = %q, want release-notes.md", resp.Files[0].ID)
	}
	if resp.Files[0].URL != "https://share.example.org/raw/release-notes.md" {
		t.Errorf("url = %q", resp.Files[0].URL)
	}
	if resp.DeletesAt == nil {
		t.Error("deletesAt should be reported")
	}

	// Same fixed name again is a collision.
	again := withOptions(t, multipartRequest(t, []formFile{{"notes.md", "text/markdown", []byte("# hi")}}, nil), map[string]any{
		"overrideFilename": "release-notes",
	})
	assertError(t, ts.do(again), http.StatusConflict, "NAME_COLLISION")
}

func TestUploadHandler_NoJSON(t *testing.T) {
	ts := newTestServer(t)

	req := withOptions(t, multipartRequest(t, []formFile{
		{"a.txt", "text/plain", []byte("a")},
		{"b.txt", "text/plain", []byte("b")},
	}, nil), map[string]any{"noJson": true})

	rr := ts.do(req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d\nBody: %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
	urls := strings.Split(rr.Body.String(), ",")
	if len(urls) != 2 {
		t.Fatalf("body = %q, want two comma-joined urls", rr.Body.String())
	}
	for _, u := range urls {
		if !strings.HasPrefix(u, "http://example.com/raw/") {
			t.Errorf("url = %q", u)
		}
	}
}

func TestUploadHandler_AssumedMimetype(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(multipartRequest(t, []formFile{{"page.html", "application/octet-stream", []byte("<html><body>x</body></html>")}}, nil))
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d\nBody: %s", rr.Code, rr.Body.String())
	}
	resp := decodeJSON[models.UploadResponse](t, rr.Body)
	if len(resp.AssumedMimetypes) != 1 || !resp.AssumedMimetypes[0] {
		t.Errorf("assumedMimetypes = %v, want [true]", resp.AssumedMimetypes)
	}
	if !strings.HasPrefix(resp.Files[0].Type, "text/html") {
		t.Errorf("type = %q, want text/html", resp.Files[0].Type)
	}
}

func TestUploadHandler_PartialSuccess(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(multipartRequest(t, []formFile{
		{"ok.txt", "text/plain", []byte("fine")},
		{"bad.exe", "application/octet-stream", []byte("MZ")},
		{"later.txt", "text/plain", []byte("never")},
	}, nil))
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d\nBody: %s", rr.Code, rr.Body.String())
	}

	resp := decodeJSON[models.UploadResponse](t, rr.Body)
	if !resp.PartialSuccess {
		t.Error("partialSuccess should be set")
	}
	if len(resp.Files) != 1 {
		t.Errorf("files = %d, want 1", len(resp.Files))
	}
	if ts.files.Count() != 1 {
		t.Errorf("records = %d, want 1", ts.files.Count())
	}
}

func TestUploadHandler_Errors(t *testing.T) {
	tests := []struct {
		name   string
		req    func(t *testing.T) *http.Request
		status int
		code   string
	}{
		{
			name: "blocked extension",
			req: func(t *testing.T) *http.Request {
				return multipartRequest(t, []formFile{{"run.sh", "text/x-sh", []byte("#!/bin/sh")}}, nil)
			},
			status: http.StatusBadRequest,
			code:   "EXTENSION_BLOCKED",
		},
		{
			name: "too large",
			req: func(t *testing.T) *http.Request {
				return multipartRequest(t, []formFile{{"big.bin", "application/octet-stream", make([]byte, 2048)}}, nil)
			},
			status: http.StatusRequestEntityTooLarge,
			code:   "FILE_TOO_LARGE",
		},
		{
			name: "no files",
			req: func(t *testing.T) *http.Request {
				return multipartRequest(t, nil, map[string]string{"note": "empty"})
			},
			status: http.StatusBadRequest,
			code:   "NO_FILES",
		},
		{
			name: "malformed options",
			req: func(t *testing.T) *http.Request {
				req := multipartRequest(t, []formFile{{"a.txt", "text/plain", []byte("a")}}, nil)
				req.Header.Set(OptionsHeader, "{not json")
				return req
			},
			status: http.StatusBadRequest,
			code:   "INVALID_OPTIONS",
		},
		{
			name: "invalid option value",
			req: func(t *testing.T) *http.Request {
				return withOptions(t, multipartRequest(t, []formFile{{"a.txt", "text/plain", []byte("a")}}, nil),
					map[string]any{"imageCompressionPercent": 150})
			},
			status: http.StatusBadRequest,
			code:   "INVALID_OPTIONS",
		},
		{
			name: "missing folder",
			req: func(t *testing.T) *http.Request {
				return withOptions(t, multipartRequest(t, []formFile{{"a.txt", "text/plain", []byte("a")}}, nil),
					map[string]any{"folder": 42})
			},
			status: http.StatusNotFound,
			code:   "FOLDER_NOT_FOUND",
		},
		{
			name: "not a form",
			req: func(t *testing.T) *http.Request {
				req := multipartRequest(t, nil, nil)
				req.Header.Set("Content-Type", "text/plain")
				return req
			},
			status: http.StatusBadRequest,
			code:   "INVALID_FORM",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, func(c *config.Config) { c.MaxFileSize = 1024 })
			assertError(t, ts.do(tt.req(t)), tt.status, tt.code)
			if n := len(ts.backend.Keys()); n != 0 {
				t.Errorf("backend holds %d objects after a rejected upload", n)
			}
		})
	}
}

func TestUploadHandler_MethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)
	req := multipartRequest(t, nil, nil)
	req.Method = http.MethodGet
	assertError(t, ts.do(req), http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED")
}

func TestUploadHandler_ShuttingDown(t *testing.T) {
	ts := newTestServer(t)
	if !ts.tracker.Wait(context.Background()) {
		t.Fatal("Wait with no uploads should return immediately")
	}

	rr := ts.do(multipartRequest(t, []formFile{{"a.txt", "text/plain", []byte("a")}}, nil))
	assertError(t, rr, http.StatusServiceUnavailable, "SHUTTING_DOWN")
}

func chunkRequest(t *testing.T, id string, index, total int, data string, viaHeaders bool) *http.Request {
	t.Helper()
	fields := map[string]string{
		PartialIndexField:    strconv.Itoa(index),
		PartialTotalField:    strconv.Itoa(total),
		PartialFilenameField: "movie.txt",
		PartialMimetypeField: "text/plain",
	}
	if id != "" {
		fields[PartialIdentifierField] = id
	}

	var req *http.Request
	if viaHeaders {
		req = multipartRequest(t, []formFile{{"blob", "application/octet-stream", []byte(data)}}, nil)
		for k, v := range fields {
			req.Header.Set(k, v)
		}
	} else {
		req = multipartRequest(t, []formFile{{"blob", "application/octet-stream", []byte(data)}}, fields)
	}
	req.Header.Set(ownerHeader, "alice")
	return withOptions(t, req, map[string]any{"partial": true})
}

func TestUploadHandler_ChunkedOutOfOrder(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(chunkRequest(t, "", 0, 3, "aaa", false))
	if rr.Code != http.StatusOK {
		t.Fatalf("first chunk status = %d\nBody: %s", rr.Code, rr.Body.String())
	}
	first := decodeJSON[models.UploadResponse](t, rr.Body)
	if !first.Pending || first.PartialIdentifier == "" {
		t.Fatalf("first chunk response = %+v, want pending with identifier", first)
	}
	id := first.PartialIdentifier

	rr = ts.do(chunkRequest(t, id, 2, 3, "ccc", true))
	if rr.Code != http.StatusOK {
		t.Fatalf("chunk 2 status = %d\nBody: %s", rr.Code, rr.Body.String())
	}
	if resp := decodeJSON[models.UploadResponse](t, rr.Body); !resp.Pending {
		t.Error("chunk 2 should still be pending")
	}
	if len(ts.backend.Keys()) != 0 {
		t.Error("nothing should be stored before the last chunk")
	}

	rr = ts.do(chunkRequest(t, id, 1, 3, "bbb", true))
	if rr.Code != http.StatusCreated {
		t.Fatalf("final chunk status = %d\nBody: %s", rr.Code, rr.Body.String())
	}
	final := decodeJSON[models.UploadResponse](t, rr.Body)
	if final.Pending || len(final.Files) != 1 || final.PartialIdentifier != id {
		t.Fatalf("final response = %+v", final)
	}

	data, _ := ts.backend.Content(final.Files[0].ID)
	if string(data) != "aaabbbccc" {
		t.Errorf("assembled content = %q, want aaabbbccc", data)
	}

	record, _ := ts.files.GetByName(context.Background(), final.Files[0].ID)
	if record == nil || record.OwnerID != "alice" {
		t.Errorf("record = %+v, want owner alice", record)
	}
}

func TestUploadHandler_ChunkErrors(t *testing.T) {
	ts := newTestServer(t)

	req := chunkRequest(t, "", 0, 3, "aaa", false)
	req.Header.Set(PartialIndexField, "x")
	assertError(t, ts.do(req), http.StatusBadRequest, "INVALID_CHUNK")

	// Only the first chunk may omit the identifier.
	assertError(t, ts.do(chunkRequest(t, "", 1, 3, "bbb", true)), http.StatusBadRequest, "INVALID_CHUNK")

	twoParts := multipartRequest(t, []formFile{
		{"a", "text/plain", []byte("a")},
		{"b", "text/plain", []byte("b")},
	}, map[string]string{PartialIndexField: "0", PartialTotalField: "2"})
	twoParts = withOptions(t, twoParts, map[string]any{"partial": true})
	assertError(t, ts.do(twoParts), http.StatusBadRequest, "INVALID_CHUNK")

	// A blocked name is refused before any chunk is kept.
	blocked := chunkRequest(t, "", 0, 2, "aa", true)
	blocked.Header.Set(PartialFilenameField, "payload.exe")
	assertError(t, ts.do(blocked), http.StatusBadRequest, "EXTENSION_BLOCKED")
}

func TestRetryAssemblyHandler(t *testing.T) {
	ts := newTestServer(t)
	ts.backend.PutError = errors.New("bucket unavailable")

	rr := ts.do(chunkRequest(t, "", 0, 1, "only", true))
	assertError(t, rr, http.StatusInternalServerError, "ASSEMBLY_FAILED")

	uploads, _ := ts.sessions.ListByOwner(context.Background(), "alice")
	if len(uploads) != 1 || uploads[0].Status != models.StatusFailed {
		t.Fatalf("sessions = %+v, want one FAILED", uploads)
	}
	id := uploads[0].ID

	foreign := httptestRequest(http.MethodPost, "/api/upload/incomplete/"+id+"/retry", "bob")
	assertError(t, ts.do(foreign), http.StatusNotFound, "UPLOAD_NOT_FOUND")

	ts.backend.PutError = nil
	rr = ts.do(httptestRequest(http.MethodPost, "/api/upload/incomplete/"+id+"/retry", "alice"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("retry status = %d\nBody: %s", rr.Code, rr.Body.String())
	}
	resp := decodeJSON[models.UploadResponse](t, rr.Body)
	data, _ := ts.backend.Content(resp.Files[0].ID)
	if string(data) != "only" {
		t.Errorf("content = %q, want only", data)
	}
}

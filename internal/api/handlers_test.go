package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/seanblong/docqa/internal/auth"
	"github.com/seanblong/docqa/internal/extract"
	"github.com/seanblong/docqa/internal/index"
	"github.com/seanblong/docqa/internal/search"
	"github.com/seanblong/docqa/internal/store"
	"github.com/seanblong/docqa/pkg/models"
)

func init() {
	// Suppress logs during testing
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

// MockService implements Service for testing
type MockService struct {
	IngestFilesFunc func(ctx context.Context, paths []string) ([]search.FileResult, error)
	AnswerFunc      func(ctx context.Context, question string, k int) (models.QueryAnswer, error)
	StatsFunc       func() search.Stats
}

func (m *MockService) IngestFiles(ctx context.Context, paths []string) ([]search.FileResult, error) {
	if m.IngestFilesFunc != nil {
		return m.IngestFilesFunc(ctx, paths)
	}
	out := make([]search.FileResult, len(paths))
	for i, p := range paths {
		out[i] = search.FileResult{Path: p, Chunks: 1}
	}
	return out, nil
}

func (m *MockService) Answer(ctx context.Context, question string, k int) (models.QueryAnswer, error) {
	if m.AnswerFunc != nil {
		return m.AnswerFunc(ctx, question, k)
	}
	return models.QueryAnswer{}, nil
}

func (m *MockService) Stats() search.Stats {
	if m.StatsFunc != nil {
		return m.StatsFunc()
	}
	return search.Stats{}
}

type upload struct {
	field, name, body string
}

func multipartRequest(t *testing.T, target string, files ...upload) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range files {
		part, err := mw.CreateFormFile(f.field, f.name)
		if err != nil {
			t.Fatalf("CreateFormFile failed: %v", err)
		}
		if _, err := part.Write([]byte(f.body)); err != nil {
			t.Fatalf("write part failed: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer failed: %v", err)
	}
	req := httptest.NewRequest("POST", target, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode error body %q: %v", w.Body.String(), err)
	}
	return body.Error
}

func TestHandleHealth(t *testing.T) {
	router := NewRouter(NewHandler(&MockService{}, t.TempDir(), 0, 3))

	w := serve(router, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if strings.TrimSpace(w.Body.String()) != `{"status":"healthy"}` {
		t.Errorf("Unexpected body %q", w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected application/json, got %q", ct)
	}
}

func TestHandleStats(t *testing.T) {
	svc := &MockService{StatsFunc: func() search.Stats {
		return search.Stats{State: search.Ready, Count: 2, Dim: 384, Generation: "g1"}
	}}
	router := NewRouter(NewHandler(svc, t.TempDir(), 0, 3))

	w := serve(router, httptest.NewRequest("GET", "/stats", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	want := `{"state":"ready","vector_count":2,"dimension":384,"generation":"g1"}`
	if strings.TrimSpace(w.Body.String()) != want {
		t.Errorf("Expected %s, got %s", want, w.Body.String())
	}
}

func TestHandleQuery(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		answerErr  error
		wantStatus int
		wantK      int
		wantQ      string
	}{
		{name: "default k", target: "/query?question=capital", wantStatus: 200, wantK: 3, wantQ: "capital"},
		{name: "explicit k", target: "/query?question=capital&k=5", wantStatus: 200, wantK: 5, wantQ: "capital"},
		{name: "bad k", target: "/query?question=capital&k=abc", wantStatus: 400},
		{name: "zero k", target: "/query?question=capital&k=0", wantStatus: 400},
		{name: "empty question", target: "/query?question=", answerErr: search.ErrEmptyQuestion, wantStatus: 400},
		{name: "not built", target: "/query?question=x", answerErr: index.ErrIndexNotBuilt, wantStatus: 409},
		{name: "dimension mismatch", target: "/query?question=x", answerErr: fmt.Errorf("wrap: %w", index.ErrDimensionMismatch), wantStatus: 500},
		{name: "model failure", target: "/query?question=x", answerErr: errors.New("answer: backend down"), wantStatus: 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotK int
			var gotQ string
			svc := &MockService{AnswerFunc: func(ctx context.Context, question string, k int) (models.QueryAnswer, error) {
				gotK, gotQ = k, question
				if tt.answerErr != nil {
					return models.QueryAnswer{}, tt.answerErr
				}
				return models.QueryAnswer{
					Answer:     "Paris",
					Confidence: 0.9,
					RelevantChunks: []models.SearchResult{
						{Ordinal: 0, Text: "Paris is the capital of France.", Score: 1},
					},
				}, nil
			}}
			router := NewRouter(NewHandler(svc, t.TempDir(), 0, 3))

			w := serve(router, httptest.NewRequest("POST", tt.target, nil))
			if w.Code != tt.wantStatus {
				t.Fatalf("Expected status %d, got %d (%s)", tt.wantStatus, w.Code, w.Body.String())
			}
			if tt.wantStatus != 200 {
				if decodeError(t, w) == "" {
					t.Error("Expected an error message")
				}
				return
			}
			if gotK != tt.wantK || gotQ != tt.wantQ {
				t.Errorf("Expected Answer(%q, %d), got Answer(%q, %d)", tt.wantQ, tt.wantK, gotQ, gotK)
			}
			var body map[string]any
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("Failed to decode body: %v", err)
			}
			for _, key := range []string{"answer", "confidence", "relevant_chunks"} {
				if _, ok := body[key]; !ok {
					t.Errorf("Response missing %q: %s", key, w.Body.String())
				}
			}
		})
	}
}

func TestHandleQueryEmptyChunksIsArray(t *testing.T) {
	router := NewRouter(NewHandler(&MockService{}, t.TempDir(), 0, 3))
	w := serve(router, httptest.NewRequest("POST", "/query?question=x", nil))
	if w.Code != 200 {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"relevant_chunks":[]`) {
		t.Errorf("Expected empty array for relevant_chunks, got %s", w.Body.String())
	}
}

func TestHandleQueryMethod(t *testing.T) {
	router := NewRouter(NewHandler(&MockService{}, t.TempDir(), 0, 3))
	w := serve(router, httptest.NewRequest("GET", "/query?question=x", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestHandleUpload(t *testing.T) {
	t.Run("stores and ingests", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "uploads")
		var gotPaths []string
		svc := &MockService{IngestFilesFunc: func(ctx context.Context, paths []string) ([]search.FileResult, error) {
			gotPaths = paths
			return []search.FileResult{{Path: paths[0], Chunks: 2}, {Path: paths[1], Chunks: 1}}, nil
		}}
		router := NewRouter(NewHandler(svc, dir, 1<<20, 3))

		req := multipartRequest(t, "/upload",
			upload{"files", "report.PDF", "pdf bytes"},
			upload{"files", "../../etc/deck.pptx", "pptx bytes"},
		)
		w := serve(router, req)
		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d (%s)", w.Code, w.Body.String())
		}

		want := []string{filepath.Join(dir, "report.PDF"), filepath.Join(dir, "deck.pptx")}
		if !reflect.DeepEqual(gotPaths, want) {
			t.Errorf("Expected paths %v, got %v", want, gotPaths)
		}
		b, err := os.ReadFile(want[1])
		if err != nil || string(b) != "pptx bytes" {
			t.Errorf("Stored file mismatch: %q, %v", b, err)
		}

		var body uploadResponse
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("Failed to decode body: %v", err)
		}
		if body.Message != "Files processed successfully" || !reflect.DeepEqual(body.Files, want) {
			t.Errorf("Unexpected response %+v", body)
		}
		if len(body.Details) != 2 || body.Details[0].Chunks != 2 {
			t.Errorf("Unexpected details %+v", body.Details)
		}
	})

	tests := []struct {
		name       string
		files      []upload
		ingestErr  error
		limit      int64
		wantStatus int
		wantErr    string
	}{
		{name: "unsupported type", files: []upload{{"files", "a.pdf", "x"}, {"files", "notes.txt", "x"}}, wantStatus: 400, wantErr: "notes.txt"},
		{name: "no files", files: []upload{{"other", "a.pdf", "x"}}, wantStatus: 400, wantErr: "no files provided"},
		{name: "legacy ppt", files: []upload{{"files", "old.ppt", "x"}}, ingestErr: fmt.Errorf("%w: legacy binary PowerPoint", extract.ErrUnsupportedFormat), wantStatus: 400},
		{name: "corrupt snapshot", files: []upload{{"files", "a.pdf", "x"}}, ingestErr: fmt.Errorf("save index: %w", store.ErrCorruptArtifact), wantStatus: 500},
		{name: "too large", files: []upload{{"files", "a.pdf", strings.Repeat("x", 4096)}}, limit: 1024, wantStatus: 413},
		{name: "duplicate name", files: []upload{{"files", "deck.pptx", "x"}, {"files", "deck.pptx", "y"}}, wantStatus: 400, wantErr: "duplicate file name"},
		{name: "duplicate after path stripping", files: []upload{{"files", "a/report.pdf", "x"}, {"files", `b\report.pdf`, "y"}}, wantStatus: 400, wantErr: "duplicate file name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			svc := &MockService{IngestFilesFunc: func(ctx context.Context, paths []string) ([]search.FileResult, error) {
				called = true
				if tt.ingestErr != nil {
					return nil, tt.ingestErr
				}
				return nil, nil
			}}
			router := NewRouter(NewHandler(svc, t.TempDir(), tt.limit, 3))

			w := serve(router, multipartRequest(t, "/upload", tt.files...))
			if w.Code != tt.wantStatus {
				t.Fatalf("Expected status %d, got %d (%s)", tt.wantStatus, w.Code, w.Body.String())
			}
			if msg := decodeError(t, w); tt.wantErr != "" && !strings.Contains(msg, tt.wantErr) {
				t.Errorf("Expected error containing %q, got %q", tt.wantErr, msg)
			}
			if tt.ingestErr == nil && called {
				t.Error("Ingest should not run for a rejected upload")
			}
		})
	}
}

func TestAuthOnProtectedRoutes(t *testing.T) {
	auth.InitializeAuth("router-secret", true)
	t.Cleanup(func() { auth.InitializeAuth("", false) })

	router := NewRouter(NewHandler(&MockService{}, t.TempDir(), 0, 3))

	if w := serve(router, httptest.NewRequest("POST", "/query?question=x", nil)); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", w.Code)
	}
	if w := serve(router, httptest.NewRequest("GET", "/health", nil)); w.Code != http.StatusOK {
		t.Errorf("Expected health to stay open, got %d", w.Code)
	}

	token, err := auth.GenerateJWT("tester", 0)
	if err != nil {
		t.Fatalf("GenerateJWT failed: %v", err)
	}
	req := httptest.NewRequest("POST", "/query?question=x", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	if w := serve(router, req); w.Code != http.StatusOK {
		t.Errorf("Expected 200 with token, got %d", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	router := NewRouter(NewHandler(&MockService{}, t.TempDir(), 0, 3))
	w := serve(router, httptest.NewRequest("OPTIONS", "/upload", nil))
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for preflight, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Expected wildcard origin, got %q", got)
	}
}

func TestWithLoggingSetsRequestID(t *testing.T) {
	router := NewRouter(NewHandler(&MockService{}, t.TempDir(), 0, 3))
	h := WithLogging(zerolog.Nop(), router)

	w := serve(h, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if w.Header().Get("X-Request-Id") == "" {
		t.Error("Expected X-Request-Id header")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{search.ErrEmptyQuestion, 400},
		{index.ErrInvalidK, 400},
		{fmt.Errorf("x: %w", extract.ErrFileNotFound), 400},
		{fmt.Errorf("x: %w", extract.ErrUnsupportedFormat), 400},
		{index.ErrIndexNotBuilt, 409},
		{store.ErrCountMismatch, 500},
		{store.ErrMissingArtifact, 500},
		{index.ErrIndexOutOfRange, 500},
		{context.DeadlineExceeded, 504},
		{errors.New("boom"), 500},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

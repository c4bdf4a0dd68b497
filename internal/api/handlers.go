// Package api provides the HTTP surface for uploading documents and asking
// questions about them.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/hlog"
	"github.com/seanblong/docqa/internal/extract"
	"github.com/seanblong/docqa/internal/index"
	"github.com/seanblong/docqa/internal/search"
	"github.com/seanblong/docqa/pkg/models"
)

// multipart parts beyond this are spooled to disk by the standard library
const maxMemory = 32 << 20

// Service is the part of search.Service the handlers use.
type Service interface {
	IngestFiles(ctx context.Context, paths []string) ([]search.FileResult, error)
	Answer(ctx context.Context, question string, k int) (models.QueryAnswer, error)
	Stats() search.Stats
}

// Handler holds the dependencies for HTTP handlers.
type Handler struct {
	svc       Service
	uploadDir string
	maxUpload int64
	defaultK  int
}

// NewHandler creates a Handler. maxUpload bounds the request body in bytes.
func NewHandler(svc Service, uploadDir string, maxUpload int64, defaultK int) *Handler {
	if defaultK <= 0 {
		defaultK = search.DefaultK
	}
	return &Handler{
		svc:       svc,
		uploadDir: uploadDir,
		maxUpload: maxUpload,
		defaultK:  defaultK,
	}
}

type uploadResponse struct {
	Message string              `json:"message"`
	Files   []string            `json:"files"`
	Details []search.FileResult `json:"details"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandleUpload handles POST /upload. Every part named "files" is stored under
// the upload directory and the stored set replaces the indexed corpus.
func (h *Handler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if h.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	}
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			sendError(w, r, http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		sendError(w, r, http.StatusBadRequest, fmt.Errorf("invalid multipart form: %w", err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		sendError(w, r, http.StatusBadRequest, errors.New("no files provided"))
		return
	}

	names := make([]string, len(files))
	seen := make(map[string]bool, len(files))
	for i, fh := range files {
		name := filepath.Base(strings.ReplaceAll(fh.Filename, `\`, "/"))
		if !extract.Supported(name) {
			sendError(w, r, http.StatusBadRequest, fmt.Errorf("%w: %s", extract.ErrUnsupportedFormat, fh.Filename))
			return
		}
		if seen[name] {
			sendError(w, r, http.StatusBadRequest, fmt.Errorf("duplicate file name %q", name))
			return
		}
		seen[name] = true
		names[i] = name
	}

	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		sendError(w, r, http.StatusInternalServerError, fmt.Errorf("create upload dir: %w", err))
		return
	}

	paths := make([]string, len(files))
	for i, fh := range files {
		paths[i] = filepath.Join(h.uploadDir, names[i])
		if err := saveUpload(fh, paths[i]); err != nil {
			sendError(w, r, http.StatusInternalServerError, fmt.Errorf("store %s: %w", names[i], err))
			return
		}
	}

	details, err := h.svc.IngestFiles(r.Context(), paths)
	if err != nil {
		sendServiceError(w, r, err)
		return
	}

	hlog.FromRequest(r).Info().Int("files", len(paths)).Dur("dur", time.Since(start)).Msg("upload ingested")
	sendJSON(w, http.StatusOK, uploadResponse{
		Message: "Files processed successfully",
		Files:   paths,
		Details: details,
	})
}

func saveUpload(fh *multipart.FileHeader, dst string) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// HandleQuery handles POST /query?question=...&k=...
func (h *Handler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	q := r.URL.Query().Get("question")
	k := h.defaultK
	if v := r.URL.Query().Get("k"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			sendError(w, r, http.StatusBadRequest, fmt.Errorf("k must be a positive integer, got %q", v))
			return
		}
		k = n
	}

	res, err := h.svc.Answer(r.Context(), q, k)
	if err != nil {
		sendServiceError(w, r, err)
		return
	}
	if res.RelevantChunks == nil {
		res.RelevantChunks = []models.SearchResult{}
	}
	for i := range res.RelevantChunks {
		if math.IsNaN(res.RelevantChunks[i].Score) || math.IsInf(res.RelevantChunks[i].Score, 0) {
			res.RelevantChunks[i].Score = 0
		}
	}

	hlog.FromRequest(r).Info().Str("path", "/query").Str("q", q).Int("k", k).
		Float64("confidence", res.Confidence).Dur("dur", time.Since(start)).Msg("served")
	sendJSON(w, http.StatusOK, res)
}

// HandleHealth handles GET /health. It does not depend on the index.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// HandleStats handles GET /stats.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, h.svc.Stats())
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, search.ErrEmptyQuestion),
		errors.Is(err, index.ErrInvalidK),
		errors.Is(err, extract.ErrUnsupportedFormat),
		errors.Is(err, extract.ErrFileNotFound):
		return http.StatusBadRequest
	case errors.Is(err, index.ErrIndexNotBuilt):
		return http.StatusConflict
	case errors.Is(err, context.Canceled):
		return 499
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func sendServiceError(w http.ResponseWriter, r *http.Request, err error) {
	sendError(w, r, statusFor(err), err)
}

func sendError(w http.ResponseWriter, r *http.Request, status int, err error) {
	ev := hlog.FromRequest(r).Warn()
	if status >= 500 {
		ev = hlog.FromRequest(r).Error()
	}
	ev.Err(err).Int("status", status).Str("path", r.URL.Path).Msg("request failed")
	sendJSON(w, status, errorResponse{Error: err.Error()})
}

func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

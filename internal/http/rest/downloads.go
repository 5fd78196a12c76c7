package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/musichub_downloader/internal/downloader"
	"github.com/italolelis/musichub_downloader/internal/extension"
	"github.com/italolelis/musichub_downloader/internal/logctx"
	"github.com/italolelis/musichub_downloader/internal/storage"
	"github.com/italolelis/musichub_downloader/internal/taskmanager"
)

const maxBodySize = 1 << 20 // 1MB

// DownloadService is the part of the downloader the API exposes.
type DownloadService interface {
	Add(ctx context.Context, requests []downloader.Request) ([]int64, error)
	Status(ctx context.Context) ([]downloader.TaskInfo, error)
	Cancel(ctx context.Context, id int64) error
	Restart(ctx context.Context, id int64) error
	CancelAll(ctx context.Context) error
	DeleteDownload(ctx context.Context, id int64) error
	DeleteContext(ctx context.Context, id int64) error
	Failure(ctx context.Context, id int64) (taskmanager.Failure, error)
	SetConcurrency(n int)
	Concurrency() int
	Feed() []downloader.FeedItem
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type AddResponse struct {
	IDs []int64 `json:"ids"`
}

type ConcurrencyRequest struct {
	Concurrency int `json:"concurrency"`
}

type EnabledRequest struct {
	Enabled bool `json:"enabled"`
}

type Handler struct {
	downloads  DownloadService
	extensions *extension.Registry
}

func NewHandler(downloads DownloadService, extensions *extension.Registry) *Handler {
	return &Handler{downloads: downloads, extensions: extensions}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Route("/downloads", func(r chi.Router) {
		r.Get("/", h.ListDownloads)
		r.Post("/", h.AddDownloads)
		r.Delete("/", h.CancelAll)

		r.Route("/{id}", func(r chi.Router) {
			r.Delete("/", h.CancelDownload)
			r.Post("/restart", h.RestartDownload)
			r.Delete("/record", h.DeleteDownload)
			r.Get("/failure", h.GetFailure)
		})
	})

	r.Delete("/contexts/{id}", h.DeleteContext)

	r.Get("/concurrency", h.GetConcurrency)
	r.Put("/concurrency", h.SetConcurrency)

	r.Get("/feed", h.GetFeed)

	r.Route("/extensions", func(r chi.Router) {
		r.Get("/", h.ListExtensions)

		r.Route("/{id}", func(r chi.Router) {
			r.Put("/", h.SetExtensionEnabled)
			r.Get("/search", h.Search)
			r.Get("/home", h.HomeFeed)
			r.Get("/tracks/{trackID}", h.GetTrack)
			r.Get("/radio/{trackID}", h.Radio)
		})
	})

	return r
}

func (h *Handler) ListDownloads(w http.ResponseWriter, r *http.Request) {
	status, err := h.downloads.Status(r.Context())
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, status)
}

func (h *Handler) AddDownloads(w http.ResponseWriter, r *http.Request) {
	var requests []downloader.Request
	if err := decode(w, r, &requests); err != nil {
		writeJSON(w, r, http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})

		return
	}

	for i, req := range requests {
		if req.Track.ID == "" {
			writeJSON(w, r, http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_request",
				Message: fmt.Sprintf("download %d has no track id", i),
			})

			return
		}
	}

	ids, err := h.downloads.Add(r.Context(), requests)
	if err != nil {
		writeError(w, r, err)

		return
	}

	if ids == nil {
		ids = []int64{}
	}

	writeJSON(w, r, http.StatusAccepted, AddResponse{IDs: ids})
}

func (h *Handler) CancelAll(w http.ResponseWriter, r *http.Request) {
	if err := h.downloads.CancelAll(r.Context()); err != nil {
		writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) CancelDownload(w http.ResponseWriter, r *http.Request) {
	h.withID(w, r, h.downloads.Cancel)
}

func (h *Handler) RestartDownload(w http.ResponseWriter, r *http.Request) {
	h.withID(w, r, h.downloads.Restart)
}

func (h *Handler) DeleteDownload(w http.ResponseWriter, r *http.Request) {
	h.withID(w, r, h.downloads.DeleteDownload)
}

func (h *Handler) DeleteContext(w http.ResponseWriter, r *http.Request) {
	h.withID(w, r, h.downloads.DeleteContext)
}

func (h *Handler) GetFailure(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	failure, err := h.downloads.Failure(r.Context(), id)
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, failure)
}

func (h *Handler) GetConcurrency(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, ConcurrencyRequest{Concurrency: h.downloads.Concurrency()})
}

func (h *Handler) SetConcurrency(w http.ResponseWriter, r *http.Request) {
	var req ConcurrencyRequest
	if err := decode(w, r, &req); err != nil {
		writeJSON(w, r, http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})

		return
	}

	if req.Concurrency < 1 {
		writeJSON(w, r, http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: "concurrency must be positive"})

		return
	}

	h.downloads.SetConcurrency(req.Concurrency)

	writeJSON(w, r, http.StatusOK, ConcurrencyRequest{Concurrency: h.downloads.Concurrency()})
}

func (h *Handler) GetFeed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.downloads.Feed())
}

// withID runs fn with the {id} path parameter and answers 204 on success.
func (h *Handler) withID(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id int64) error) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := fn(r.Context(), id); err != nil {
		writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, r, http.StatusBadRequest, ErrorResponse{Error: "invalid_id", Message: "id must be a positive integer"})

		return 0, false
	}

	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}

	return nil
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

// writeError maps domain errors to status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		status = http.StatusInternalServerError
		code   = "internal_error"

		unsupported *extension.UnsupportedError
	)

	switch {
	case errors.Is(err, storage.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, downloader.ErrNoFailure):
		status, code = http.StatusNotFound, "no_failure"
	case errors.Is(err, extension.ErrNoDownloadExtension):
		status, code = http.StatusConflict, "no_download_extension"
	case errors.Is(err, extension.ErrExtensionNotFound):
		status, code = http.StatusNotFound, "extension_not_found"
	case errors.As(err, &unsupported):
		status, code = http.StatusNotImplemented, "unsupported"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusServiceUnavailable, "cancelled"
	}

	if status >= http.StatusInternalServerError {
		logctx.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
	}

	writeJSON(w, r, status, ErrorResponse{Error: code, Message: err.Error()})
}

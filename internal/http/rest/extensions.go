package rest

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/musichub_downloader/internal/media"
)

func (h *Handler) ListExtensions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.extensions.List())
}

func (h *Handler) SetExtensionEnabled(w http.ResponseWriter, r *http.Request) {
	var req EnabledRequest
	if err := decode(w, r, &req); err != nil {
		writeJSON(w, r, http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: err.Error()})

		return
	}

	if err := h.extensions.SetEnabled(chi.URLParam(r, "id"), req.Enabled); err != nil {
		writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeJSON(w, r, http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: "missing query parameter q"})

		return
	}

	tracks, err := h.extensions.Search(r.Context(), chi.URLParam(r, "id"), query)
	writeTracks(w, r, tracks, err)
}

func (h *Handler) HomeFeed(w http.ResponseWriter, r *http.Request) {
	tracks, err := h.extensions.HomeFeed(r.Context(), chi.URLParam(r, "id"))
	writeTracks(w, r, tracks, err)
}

func (h *Handler) Radio(w http.ResponseWriter, r *http.Request) {
	tracks, err := h.extensions.Radio(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "trackID"))
	writeTracks(w, r, tracks, err)
}

func (h *Handler) GetTrack(w http.ResponseWriter, r *http.Request) {
	track, err := h.extensions.Track(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "trackID"))
	if err != nil {
		writeError(w, r, err)

		return
	}

	if track == nil {
		writeJSON(w, r, http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "track not found"})

		return
	}

	writeJSON(w, r, http.StatusOK, track)
}

func writeTracks(w http.ResponseWriter, r *http.Request, tracks []media.Track, err error) {
	if err != nil {
		writeError(w, r, err)

		return
	}

	if tracks == nil {
		tracks = []media.Track{}
	}

	writeJSON(w, r, http.StatusOK, tracks)
}

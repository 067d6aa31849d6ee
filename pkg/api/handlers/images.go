package handlers

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/linuxmuster/lmn-authority/pkg/authority/images"
)

// ManifestResponse is the body of GET /images/manifest.
type ManifestResponse struct {
	Images []images.Image `json:"images"`
}

// ImagesHandler serves the image manifest and image file downloads.
type ImagesHandler struct {
	store *images.Store
}

// NewImagesHandler creates an images handler.
func NewImagesHandler(store *images.Store) *ImagesHandler {
	return &ImagesHandler{store: store}
}

// Manifest handles GET /api/v1/linbo/images/manifest.
func (h *ImagesHandler) Manifest(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ManifestResponse{Images: h.store.Manifest()})
}

// Download handles GET and HEAD on
// /api/v1/linbo/images/download/{name}/{filename}. ServeFile handles Range
// requests, so clients can resume interrupted image pulls.
func (h *ImagesHandler) Download(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	filename := chi.URLParam(r, "filename")

	path := h.store.ResolvePath(name, filename)
	if path == "" {
		writeNotFound(w, fmt.Sprintf("File not found: %s/%s", name, filename))
		return
	}

	http.ServeFile(w, r, path)
}

package handlers

import (
	"net/http"

	"mediaserve/models"
	"mediaserve/services/source"
)

// StaticHandler serves any authorized local file directly by URL path,
// with the same single-range semantics as the video endpoints.
type StaticHandler struct {
	resolver *source.Resolver
}

func NewStaticHandler(resolver *source.Resolver) *StaticHandler {
	return &StaticHandler{resolver: resolver}
}

func (h *StaticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	loc := models.MediaLocator{Kind: models.LocatorLocal, Path: r.URL.Path}
	src, err := h.resolver.Open(r.Context(), loc)
	if err != nil {
		status, msg := statusForOpenError(err)
		writeJSONError(w, status, msg)
		return
	}
	serveMedia(w, r, src, "static")
}

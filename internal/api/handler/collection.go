package handler

import (
	"net/http"

	"github.com/doctoknow/kbchat/internal/api/response"
	"github.com/doctoknow/kbchat/internal/filter"
)

// CollectionHandler exposes per-collection default generation ids.
type CollectionHandler struct {
	filters *filter.Builder
}

// NewCollectionHandler creates a new collection handler
func NewCollectionHandler(filters *filter.Builder) *CollectionHandler {
	return &CollectionHandler{filters: filters}
}

// Defaults reports the default generation id for each requested path, marking
// collections that were never processed so the UI can grey them out.
func (h *CollectionHandler) Defaults(w http.ResponseWriter, r *http.Request) {
	paths := r.URL.Query()["path"]
	if len(paths) == 0 {
		response.BadRequest(w, "at least one path is required")
		return
	}

	defaults, err := h.filters.Defaults(r.Context(), paths)
	if err != nil {
		response.InternalError(w, err.Error())
		return
	}

	response.OK(w, map[string]any{
		"defaults": defaults,
	})
}

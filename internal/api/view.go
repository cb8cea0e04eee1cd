// Copyright (c) 2026 Relsync. All rights reserved.

package api

import (
	"net/http"

	"github.com/relsync/relsync/internal/ivm/view"
	"github.com/relsync/relsync/internal/platform/respond"
)

// ViewHandler serves the current materialized state of one [view.View].
type ViewHandler struct {
	view *view.View
}

// NewViewHandler constructs the GET /view handler.
func NewViewHandler(v *view.View) *ViewHandler {
	return &ViewHandler{view: v}
}

// ServeHTTP handles GET /view: a snapshot of the current ArrayView tree,
// flushing any buffered changes first so the response is always
// up-to-date with every mutation accepted so far.
func (h *ViewHandler) ServeHTTP(writer http.ResponseWriter, _ *http.Request) {
	respond.OK(writer, h.view.Data())
}

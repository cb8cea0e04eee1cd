// Copyright (c) 2026 Relsync. All rights reserved.

package api

import (
	"net/http"

	"github.com/relsync/relsync/internal/ivm/changelog"
	"github.com/relsync/relsync/internal/platform/apperr"
	"github.com/relsync/relsync/internal/platform/respond"
	"github.com/relsync/relsync/pkg/pagination"
	"github.com/relsync/relsync/pkg/query"
	"github.com/relsync/relsync/pkg/slice"
)

// ChangelogHandler browses the durable changelog, for inspecting what has
// been recorded without replaying it through a view-syncer's cursor.
type ChangelogHandler struct {
	store *changelog.Store
}

// NewChangelogHandler constructs the GET /changelog handler.
func NewChangelogHandler(store *changelog.Store) *ChangelogHandler {
	return &ChangelogHandler{store: store}
}

// entryDTO is the wire shape for a changelog entry, kept separate from
// [changelog.Entry] so the storage layer's field set can evolve without
// reshaping the debug surface's JSON contract.
type entryDTO struct {
	StateVersion string            `json:"stateVersion"`
	Pos          int               `json:"pos"`
	Table        string            `json:"table"`
	RowKey       string            `json:"rowKey"`
	Op           string            `json:"op"`
	Backfilling  map[string]string `json:"backfillingColumnVersions,omitempty"`
}

// ServeHTTP handles GET /changelog?tables=<a,b>&page=<n>&limit=<n>.
func (h *ChangelogHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	params := pagination.FromRequest(request)
	tables := query.StringSlice(request.URL.Query().Get("tables"))

	entries, total, err := h.store.ListPage(request.Context(), tables, params.Page, params.Limit)
	if err != nil {
		respond.Error(writer, request, apperr.Internal(err))
		return
	}

	respond.Paginated(writer, toEntryDTOs(entries), pagination.NewMeta(params.Page, params.Limit, total))
}

// toEntryDTOs maps storage-layer entries to their wire shape.
func toEntryDTOs(entries []changelog.Entry) []entryDTO {
	return slice.Map(entries, func(e changelog.Entry) entryDTO {
		return entryDTO{
			StateVersion: e.StateVersion,
			Pos:          e.Pos,
			Table:        e.Table,
			RowKey:       e.RowKey,
			Op:           string(e.Op),
			Backfilling:  e.BackfillingColumnVersions,
		}
	})
}

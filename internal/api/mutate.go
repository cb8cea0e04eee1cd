// Copyright (c) 2026 Relsync. All rights reserved.

package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/relsync/relsync/internal/ivm/change"
	"github.com/relsync/relsync/internal/ivm/row"
	"github.com/relsync/relsync/internal/ivm/value"
	"github.com/relsync/relsync/internal/platform/apperr"
	requestutil "github.com/relsync/relsync/internal/platform/request"
	"github.com/relsync/relsync/internal/platform/respond"
	"github.com/relsync/relsync/internal/platform/validate"
	"github.com/relsync/relsync/pkg/uuidv7"
)

// mutateRequest is the wire shape accepted by POST /mutate. It is a thin
// JSON envelope over [change.SourceChange], deliberately scoped to a
// demo/test harness: the real mutation path is the out-of-scope CDC
// replication stream that feeds the engine in production.
type mutateRequest struct {
	Table  string         `json:"table"`
	Op     string         `json:"op"`
	Row    map[string]any `json:"row,omitempty"`
	OldRow map[string]any `json:"oldRow,omitempty"`
}

// MutateHandler pushes a demo mutation into the operator graph.
type MutateHandler struct {
	registry *Registry
}

// NewMutateHandler constructs the POST /mutate handler.
func NewMutateHandler(registry *Registry) *MutateHandler {
	return &MutateHandler{registry: registry}
}

// ServeHTTP handles POST /mutate.
func (h *MutateHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	var body mutateRequest
	if err := requestutil.DecodeJSON(request, &body); err != nil {
		respond.Error(writer, request, err)
		return
	}

	var v validate.Validator
	v.Required("table", body.Table).OneOf("op", body.Op, "add", "remove", "edit", "set")
	if err := v.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	sc, err := toSourceChange(body)
	if err != nil {
		respond.Error(writer, request, apperr.ValidationError(err.Error()))
		return
	}

	if err := h.registry.Apply(body.Table, sc); err != nil {
		respond.Error(writer, request, apperr.Unprocessable(err.Error()))
		return
	}

	respond.NoContent(writer)
}

func toSourceChange(body mutateRequest) (change.SourceChange, error) {
	switch body.Op {
	case "add":
		newRow := decodeRow(body.Row)
		if _, hasID := newRow["id"]; !hasID {
			newRow["id"] = value.String(uuidv7.New())
		}
		return change.NewSourceAdd(newRow), nil
	case "remove":
		return change.NewSourceRemove(decodeRow(body.Row)), nil
	case "edit":
		return change.NewSourceEdit(decodeRow(body.OldRow), decodeRow(body.Row)), nil
	case "set":
		return change.NewSourceSet(decodeRow(body.Row)), nil
	default:
		return change.SourceChange{}, fmt.Errorf("unknown op %q", body.Op)
	}
}

// decodeRow converts a JSON-decoded map into a [row.Row], inferring each
// column's [value.Kind] from its Go type the way encoding/json's default
// unmarshal-into-any produces it (string, float64, bool, nil, or a nested
// map/slice encoded back to its raw JSON text as a binary fallback).
func decodeRow(m map[string]any) row.Row {
	r := make(row.Row, len(m))
	for col, raw := range m {
		r[col] = decodeValue(raw)
	}
	return r
}

func decodeValue(raw any) value.Value {
	switch v := raw.(type) {
	case nil:
		return value.Null
	case bool:
		return value.Bool(v)
	case float64:
		return value.Number(v)
	case string:
		return value.String(v)
	default:
		// Nested objects/arrays have no column-level representation in this
		// row model; preserve them losslessly as their canonical JSON text.
		encoded, err := json.Marshal(v)
		if err != nil {
			return value.Null
		}
		return value.Binary(encoded)
	}
}

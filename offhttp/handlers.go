// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package offhttp exposes any offsync.RemoteStore over a small JSON
// HTTP API and provides the matching client-side RemoteStore adapter,
// so the engine can sync against a store it only reaches over the wire.
package offhttp

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/mobiletoly/go-offsync/internal/auth"
	"github.com/mobiletoly/go-offsync/offsync"
)

// documentBody is the wire form of one record.
type documentBody struct {
	ID     string         `json:"id,omitempty"`
	Fields map[string]any `json:"fields"`
}

type listResponse struct {
	Documents []documentBody `json:"documents"`
}

type createResponse struct {
	ID string `json:"id"`
}

// StoreHandlers serves the store API backed by an offsync.RemoteStore.
type StoreHandlers struct {
	store  offsync.RemoteStore
	logger *slog.Logger
}

// NewStoreHandlers creates handlers around the given store.
func NewStoreHandlers(store offsync.RemoteStore, logger *slog.Logger) *StoreHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreHandlers{store: store, logger: logger}
}

// RegisterRoutes mounts the store API on mux. The routes are expected
// to run behind JWTAuth.Middleware; /healthz is left unauthenticated so
// it can serve as a connectivity probe target.
func (h *StoreHandlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /store/{collection}", h.handleCreate)
	mux.HandleFunc("GET /store/{collection}", h.handleQuery)
	mux.HandleFunc("GET /store/{collection}/{id}", h.handleGet)
	mux.HandleFunc("PATCH /store/{collection}/{id}", h.handleUpdate)
	mux.HandleFunc("DELETE /store/{collection}/{id}", h.handleDelete)
}

// HandleHealthz answers connectivity probes.
func (h *StoreHandlers) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (h *StoreHandlers) handleCreate(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	var body documentBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse document")
		return
	}

	id, err := h.store.Create(r.Context(), collection, offsync.NewRecord(body.Fields))
	if err != nil {
		h.logError(r, "create", collection, err)
		h.writeError(w, http.StatusInternalServerError, "create_failed", "Failed to create document")
		return
	}
	h.writeJSON(w, http.StatusCreated, createResponse{ID: id})
}

func (h *StoreHandlers) handleGet(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	id := r.PathValue("id")

	rec, err := h.store.Get(r.Context(), collection, id)
	if errors.Is(err, offsync.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Document not found")
		return
	}
	if err != nil {
		h.logError(r, "get", collection, err)
		h.writeError(w, http.StatusInternalServerError, "get_failed", "Failed to get document")
		return
	}
	h.writeJSON(w, http.StatusOK, documentBody{ID: rec.RemoteID, Fields: rec.Fields})
}

func (h *StoreHandlers) handleQuery(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")

	var filters map[string]any
	if raw := r.URL.Query().Get("filter"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &filters); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse filter")
			return
		}
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid limit")
			return
		}
		limit = n
	}

	records, err := h.store.Query(r.Context(), collection, filters, limit)
	if err != nil {
		h.logError(r, "query", collection, err)
		h.writeError(w, http.StatusInternalServerError, "query_failed", "Failed to query documents")
		return
	}

	resp := listResponse{Documents: make([]documentBody, 0, len(records))}
	for _, rec := range records {
		resp.Documents = append(resp.Documents, documentBody{ID: rec.RemoteID, Fields: rec.Fields})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *StoreHandlers) handleUpdate(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	id := r.PathValue("id")

	var body documentBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse document")
		return
	}

	err := h.store.Update(r.Context(), collection, id, body.Fields)
	if errors.Is(err, offsync.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Document not found")
		return
	}
	if err != nil {
		h.logError(r, "update", collection, err)
		h.writeError(w, http.StatusInternalServerError, "update_failed", "Failed to update document")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *StoreHandlers) handleDelete(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	id := r.PathValue("id")

	if err := h.store.Delete(r.Context(), collection, id); err != nil {
		h.logError(r, "delete", collection, err)
		h.writeError(w, http.StatusInternalServerError, "delete_failed", "Failed to delete document")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *StoreHandlers) logError(r *http.Request, op, collection string, err error) {
	clientID, _ := auth.GetClientID(r.Context())
	h.logger.Error("Store operation failed",
		"op", op, "collection", collection, "client_id", clientID, "error", err)
}

func (h *StoreHandlers) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *StoreHandlers) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}

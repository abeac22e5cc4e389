package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/connexus-ai/ragbox-backend/internal/middleware"
	"github.com/connexus-ai/ragbox-backend/internal/model"
)

// Ingester abstracts the Ingestion Coordinator (component J).
type Ingester interface {
	IngestBlob(ctx context.Context, mem *model.Memory) error
	IngestText(ctx context.Context, mem *model.Memory) error
}

// MemoryDeps bundles dependencies for the memory ingestion endpoints.
type MemoryDeps struct {
	Pipeline Ingester
}

// ingestTextRequest is the request body for POST /api/memories.
type ingestTextRequest struct {
	ContentType model.ContentType `json:"contentType"`
	Content     string            `json:"content"`
	Meta        json.RawMessage   `json:"meta,omitempty"`
}

// IngestText handles plaintext ingestion (notes, web scrape, voice transcript
// already transcribed upstream) — skips the parse step (§4.10).
//
// POST /api/memories
func IngestText(deps MemoryDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserIDFromContext(r.Context())
		if userID == "" {
			respondJSON(w, http.StatusUnauthorized, envelope{Success: false, Error: "unauthorized"})
			return
		}

		var req ingestTextRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "invalid request body"})
			return
		}
		if req.Content == "" {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "content is required"})
			return
		}
		if req.ContentType == "" {
			req.ContentType = model.ContentText
		}

		mem := &model.Memory{
			ID:          uuid.New().String(),
			UserID:      userID,
			ContentType: req.ContentType,
			Content:     req.Content,
			Meta:        req.Meta,
			CreatedAt:   time.Now().UTC(),
		}

		if err := deps.Pipeline.IngestText(r.Context(), mem); err != nil {
			respondJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "ingestion failed"})
			return
		}

		respondJSON(w, http.StatusCreated, envelope{Success: true, Data: mem})
	}
}

// ingestBlobRequest is the request body for POST /api/memories/blob.
type ingestBlobRequest struct {
	ContentType model.ContentType `json:"contentType"`
	BlobRef     string            `json:"blobRef"`
	Meta        json.RawMessage   `json:"meta,omitempty"`
}

// IngestBlob handles blob-backed ingestion (pdf/image/audio) that must first
// be parsed out of object storage (§4.10).
//
// POST /api/memories/blob
func IngestBlob(deps MemoryDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserIDFromContext(r.Context())
		if userID == "" {
			respondJSON(w, http.StatusUnauthorized, envelope{Success: false, Error: "unauthorized"})
			return
		}

		var req ingestBlobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "invalid request body"})
			return
		}
		if req.BlobRef == "" {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "blobRef is required"})
			return
		}

		mem := &model.Memory{
			ID:          uuid.New().String(),
			UserID:      userID,
			ContentType: req.ContentType,
			BlobRef:     &req.BlobRef,
			Meta:        req.Meta,
			CreatedAt:   time.Now().UTC(),
		}

		if err := deps.Pipeline.IngestBlob(r.Context(), mem); err != nil {
			respondJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "ingestion failed"})
			return
		}

		respondJSON(w, http.StatusCreated, envelope{Success: true, Data: mem})
	}
}

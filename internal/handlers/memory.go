package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"velora-sync/internal/middleware"
	"velora-sync/internal/models"
	"velora-sync/internal/services"

	"github.com/rs/zerolog/log"
)

// MemoryHandler handles photo memory requests
type MemoryHandler struct {
	memoryService *services.MemoryService
}

// NewMemoryHandler creates a new memory handler
func NewMemoryHandler(memoryService *services.MemoryService) *MemoryHandler {
	return &MemoryHandler{
		memoryService: memoryService,
	}
}

// MemoriesResponse is a page of memories
type MemoriesResponse struct {
	Memories []*models.Memory `json:"memories"`
	Total    int              `json:"total"`
}

// GetMemories handles GET /api/v1/memories
func (h *MemoryHandler) GetMemories(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	// Parse query parameters
	limit := 50
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil {
			limit = parsedLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if parsedOffset, err := strconv.Atoi(offsetStr); err == nil {
			offset = parsedOffset
		}
	}

	memories, total, err := h.memoryService.ListMemories(ctx, userID, limit, offset)
	if err != nil {
		log.Error().
			Err(err).
			Str("user_id", userID).
			Msg("Failed to get memories")
		respondError(w, "Failed to get memories", http.StatusInternalServerError)
		return
	}

	if memories == nil {
		memories = []*models.Memory{}
	}
	respondJSON(w, MemoriesResponse{Memories: memories, Total: total})
}

// UploadMemory handles POST /api/v1/memories/upload
func (h *MemoryHandler) UploadMemory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req services.UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	// Validate request
	if req.Filename == "" {
		respondError(w, "filename is required", http.StatusBadRequest)
		return
	}

	if req.ContentType == "" {
		req.ContentType = "image/jpeg" // Default
	}

	response, err := h.memoryService.PresignUpload(ctx, userID, req)
	if err != nil {
		if errors.Is(err, services.ErrInvalidUpload) {
			respondError(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Error().
			Err(err).
			Str("user_id", userID).
			Str("filename", req.Filename).
			Msg("Failed to generate pre-signed URL")
		respondError(w, "Failed to generate upload URL", http.StatusInternalServerError)
		return
	}

	respondJSON(w, response)
}

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"velora-sync/internal/backend"
	"velora-sync/internal/middleware"
	"velora-sync/internal/suggest"

	"github.com/rs/zerolog/log"
)

// SuggestHandler serves date-idea suggestions
type SuggestHandler struct {
	suggester backend.Suggester
}

// NewSuggestHandler creates a new suggestion handler
func NewSuggestHandler(suggester backend.Suggester) *SuggestHandler {
	return &SuggestHandler{
		suggester: suggester,
	}
}

// SuggestRequest represents the request body for a suggestion
type SuggestRequest struct {
	Prompt      string `json:"prompt"`
	PartnerName string `json:"partnerName"`
}

// SuggestResponse carries the generated text
type SuggestResponse struct {
	Suggestion string `json:"suggestion"`
}

// Suggest handles POST /api/v1/suggestions
func (h *SuggestHandler) Suggest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req SuggestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	text, err := h.suggester.Suggest(ctx, req.Prompt, req.PartnerName)
	if err != nil {
		switch {
		case errors.Is(err, suggest.ErrEmptyPrompt):
			respondError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, suggest.ErrRateLimited):
			respondError(w, "AI usage limit reached. Please wait 1 minute before trying again.", http.StatusTooManyRequests)
		case errors.Is(err, suggest.ErrNotConfigured):
			respondError(w, "Suggestions are not configured", http.StatusInternalServerError)
		default:
			log.Error().Err(err).Str("user_id", userID).Msg("Failed to generate suggestion")
			respondError(w, err.Error(), http.StatusServiceUnavailable)
		}
		return
	}

	respondJSON(w, SuggestResponse{Suggestion: text})
}

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"velora-sync/internal/middleware"
	"velora-sync/internal/pairing"

	"github.com/rs/zerolog/log"
)

// PairHandler handles pairing code requests
type PairHandler struct {
	pairing *pairing.Service
}

// NewPairHandler creates a new pair handler
func NewPairHandler(pairingService *pairing.Service) *PairHandler {
	return &PairHandler{
		pairing: pairingService,
	}
}

// CodeResponse carries a freshly generated pairing code
type CodeResponse struct {
	Code string `json:"code"`
}

// RedeemRequest represents the request body for redeeming a code
type RedeemRequest struct {
	Code string `json:"code"`
}

// GenerateCode handles POST /api/v1/pairing/code
func (h *PairHandler) GenerateCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	code, err := h.pairing.GenerateCode(ctx, userID)
	if err != nil {
		if errors.Is(err, pairing.ErrNotAuthenticated) {
			respondError(w, "Please log in first", http.StatusUnauthorized)
			return
		}
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to generate pairing code")
		respondError(w, "Failed to generate pairing code", http.StatusInternalServerError)
		return
	}

	respondJSON(w, CodeResponse{Code: code})
}

// RedeemCode handles POST /api/v1/pairing/redeem
func (h *PairHandler) RedeemCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if pairing.NormalizeCode(req.Code) == "" {
		respondError(w, "code is required", http.StatusBadRequest)
		return
	}

	couple, err := h.pairing.RedeemCode(ctx, userID, req.Code)
	if err != nil {
		status, message := redeemStatus(err)
		if status == http.StatusInternalServerError {
			log.Error().
				Err(err).
				Str("user_id", userID).
				Str("code", req.Code).
				Msg("Failed to redeem pairing code")
		}
		respondError(w, message, status)
		return
	}

	respondJSON(w, couple)
}

func redeemStatus(err error) (int, string) {
	switch {
	case errors.Is(err, pairing.ErrNotAuthenticated):
		return http.StatusUnauthorized, "Please log in first"
	case errors.Is(err, pairing.ErrCodeNotFound):
		return http.StatusNotFound, "Invalid code. Check it with your partner and try again"
	case errors.Is(err, pairing.ErrCodeAlreadyUsed):
		return http.StatusConflict, "This code has already been used. Ask your partner for a new one"
	case errors.Is(err, pairing.ErrSelfPairing):
		return http.StatusBadRequest, "You cannot pair with yourself"
	case errors.Is(err, pairing.ErrAlreadyPaired):
		return http.StatusConflict, "You are already paired with a partner"
	default:
		return http.StatusInternalServerError, "Failed to redeem pairing code"
	}
}

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"velora-sync/internal/backend"
	"velora-sync/internal/middleware"
	"velora-sync/internal/services"

	"github.com/rs/zerolog/log"
)

// AuthHandler handles sign-up, sign-in and session refresh
type AuthHandler struct {
	authService *services.AuthService
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(authService *services.AuthService) *AuthHandler {
	return &AuthHandler{
		authService: authService,
	}
}

// SignUp handles POST /api/v1/auth/signup
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req services.SignUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	session, err := h.authService.SignUp(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrInvalidSignUp):
			respondError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, services.ErrEmailTaken):
			respondError(w, err.Error(), http.StatusConflict)
		default:
			log.Error().Err(err).Msg("Failed to sign up")
			respondError(w, "Failed to sign up", http.StatusInternalServerError)
		}
		return
	}

	respondJSON(w, session)
}

// SignIn handles POST /api/v1/auth/signin
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req services.SignInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	session, err := h.authService.SignIn(r.Context(), req)
	if err != nil {
		if errors.Is(err, services.ErrInvalidCredentials) {
			respondError(w, err.Error(), http.StatusUnauthorized)
			return
		}
		log.Error().Err(err).Msg("Failed to sign in")
		respondError(w, "Failed to sign in", http.StatusInternalServerError)
		return
	}

	log.Info().Str("user_id", session.Identity.ID).Msg("Signed in")
	respondJSON(w, session)
}

// Refresh handles POST /api/v1/auth/refresh with the current bearer token
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	token, err := middleware.BearerToken(r)
	if err != nil {
		respondError(w, err.Error(), http.StatusUnauthorized)
		return
	}

	session, err := h.authService.Refresh(r.Context(), token)
	if err != nil {
		if errors.Is(err, services.ErrInvalidToken) {
			respondError(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		log.Error().Err(err).Msg("Failed to refresh session")
		respondError(w, "Failed to refresh session", http.StatusInternalServerError)
		return
	}

	respondJSON(w, session)
}

// Me handles GET /api/v1/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	identity, err := h.authService.Identity(r.Context(), userID)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			respondError(w, "identity not found", http.StatusNotFound)
			return
		}
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to get identity")
		respondError(w, "Failed to get identity", http.StatusInternalServerError)
		return
	}

	respondJSON(w, identity)
}

// PushTokenRequest represents the request body for registering a device
type PushTokenRequest struct {
	PushToken *string `json:"push_token"`
}

// UpdatePushToken handles PUT /api/v1/me/push-token
func (h *AuthHandler) UpdatePushToken(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var req PushTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.authService.UpdatePushToken(r.Context(), userID, req.PushToken); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to update push token")
		respondError(w, "Failed to update push token", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

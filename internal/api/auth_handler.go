// Package api contains HTTP handlers for the Duet REST surface.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/duetapp/duet/internal/auth"
	"github.com/duetapp/duet/internal/database"
	"github.com/duetapp/duet/internal/domain"
)

// AuthHandler handles registration, login, and the authenticated "me" endpoint.
type AuthHandler struct {
	authService *auth.Service
	users       *database.UserRepository
	logger      *slog.Logger
}

func NewAuthHandler(authService *auth.Service, users *database.UserRepository, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		users:       users,
		logger:      logger.With("component", "auth_handler"),
	}
}

// Register creates a new account and returns the user plus an access token.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var input auth.RegisterInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, token, err := h.authService.Register(r.Context(), input)
	if err != nil {
		h.handleAuthError(w, err)
		return
	}

	h.logger.Info("user registered", "user_id", user.ID, "username", user.Username)

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"user":         user,
		"access_token": token.AccessToken,
		"expires_at":   token.ExpiresAt,
	})
}

// Login authenticates with email and password.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var input auth.LoginInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, token, err := h.authService.Login(r.Context(), input)
	if err != nil {
		h.handleAuthError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":         user,
		"access_token": token.AccessToken,
		"expires_at":   token.ExpiresAt,
	})
}

// Me returns the authenticated user's full profile.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.users.GetByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		h.logger.Error("fetch current user", "error", err, "user_id", userID)
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"user": user})
}

func (h *AuthHandler) handleAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid email or password")
	case errors.Is(err, domain.ErrEmailTaken):
		writeError(w, http.StatusConflict, "email already registered")
	case errors.Is(err, domain.ErrUsernameTaken):
		writeError(w, http.StatusConflict, "username already taken")
	case errors.Is(err, domain.ErrTokenInvalid):
		writeError(w, http.StatusUnauthorized, "invalid token")
	case errors.Is(err, domain.ErrTokenExpired):
		writeError(w, http.StatusUnauthorized, "token expired")
	default:
		// Validation errors carry user-facing messages
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

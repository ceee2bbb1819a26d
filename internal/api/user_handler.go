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

// UserHandler handles user lookup and partner linking.
type UserHandler struct {
	authService *auth.Service
	users       *database.UserRepository
	logger      *slog.Logger
}

func NewUserHandler(authService *auth.Service, users *database.UserRepository, logger *slog.Logger) *UserHandler {
	return &UserHandler{
		authService: authService,
		users:       users,
		logger:      logger.With("component", "user_handler"),
	}
}

// GetByUsername returns a public profile, used to find the account to link.
func (h *UserHandler) GetByUsername(w http.ResponseWriter, r *http.Request) {
	username := r.PathValue("username")
	if username == "" {
		writeError(w, http.StatusBadRequest, "username required")
		return
	}

	user, err := h.users.GetByUsername(r.Context(), username)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		h.logger.Error("lookup user", "error", err, "username", username)
		writeError(w, http.StatusInternalServerError, "failed to look up user")
		return
	}

	writeJSON(w, http.StatusOK, user.ToPublic())
}

// LinkPartner links the authenticated user with another account by username.
// Linking is symmetric: both accounts end up pointing at each other.
func (h *UserHandler) LinkPartner(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var input struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if input.Username == "" {
		writeError(w, http.StatusBadRequest, "username required")
		return
	}

	partner, err := h.authService.LinkPartner(r.Context(), userID, input.Username)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrPartnerNotFound):
			writeError(w, http.StatusNotFound, "partner not found")
		case errors.Is(err, domain.ErrSelfPartner):
			writeError(w, http.StatusBadRequest, "cannot link yourself as partner")
		default:
			h.logger.Error("link partner", "error", err, "user_id", userID)
			writeError(w, http.StatusInternalServerError, "failed to link partner")
		}
		return
	}

	h.logger.Info("partner linked", "user_id", userID, "partner_id", partner.ID)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"partner": partner.ToPublic(),
	})
}

package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/duetapp/duet/internal/auth"
	"github.com/duetapp/duet/internal/database"
)

// CallHandler serves call history for the authenticated user.
type CallHandler struct {
	calls  *database.CallRepository
	logger *slog.Logger
}

func NewCallHandler(calls *database.CallRepository, logger *slog.Logger) *CallHandler {
	return &CallHandler{
		calls:  calls,
		logger: logger.With("component", "call_handler"),
	}
}

// GetCallHistory returns the user's calls, most recent first.
// Query params: limit (default 50, max 100), offset (default 0).
func (h *CallHandler) GetCallHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	calls, err := h.calls.ListCallHistory(r.Context(), userID, limit, offset)
	if err != nil {
		h.logger.Error("list call history", "error", err, "user_id", userID)
		writeError(w, http.StatusInternalServerError, "failed to get call history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"calls":  calls,
		"limit":  limit,
		"offset": offset,
	})
}

package delivery

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (a *API) handlePresence(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		respondError(w, http.StatusBadRequest, errors.New("user id is required"))
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"online":  a.registry.IsOnline(userID),
	})
}

func (a *API) handlePresenceStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"online_users":    a.registry.OnlineCount(),
		"active_sessions": a.registry.ActiveSessionCount(),
	})
}

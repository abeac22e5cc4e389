package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/connexus-ai/ragbox-backend/internal/middleware"
	"github.com/connexus-ai/ragbox-backend/internal/model"
)

// PreferencesStore abstracts reading and writing a user's re-ranking preferences.
type PreferencesStore interface {
	GetPreferences(ctx context.Context, userID string) (*model.UserPreference, error)
	SetPreferences(ctx context.Context, p *model.UserPreference) error
}

// PreferencesDeps bundles dependencies for the preferences endpoints.
type PreferencesDeps struct {
	Store PreferencesStore
}

// GetPreferences returns the authenticated user's boost/suppress topics and
// search options, or an empty default if none have been set (§4.8).
//
// GET /api/preferences
func GetPreferences(deps PreferencesDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserIDFromContext(r.Context())
		if userID == "" {
			respondJSON(w, http.StatusUnauthorized, envelope{Success: false, Error: "unauthorized"})
			return
		}

		prefs, err := deps.Store.GetPreferences(r.Context(), userID)
		if err != nil {
			respondJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "failed to load preferences"})
			return
		}
		if prefs == nil {
			prefs = &model.UserPreference{UserID: userID}
		}

		respondJSON(w, http.StatusOK, envelope{Success: true, Data: prefs})
	}
}

// SetPreferences upserts the authenticated user's boost/suppress topics and
// search options (§4.8).
//
// PUT /api/preferences
func SetPreferences(deps PreferencesDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserIDFromContext(r.Context())
		if userID == "" {
			respondJSON(w, http.StatusUnauthorized, envelope{Success: false, Error: "unauthorized"})
			return
		}

		var prefs model.UserPreference
		if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
			respondJSON(w, http.StatusBadRequest, envelope{Success: false, Error: "invalid request body"})
			return
		}
		prefs.UserID = userID

		if err := deps.Store.SetPreferences(r.Context(), &prefs); err != nil {
			respondJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "failed to save preferences"})
			return
		}

		respondJSON(w, http.StatusOK, envelope{Success: true, Data: prefs})
	}
}

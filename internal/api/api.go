// Package api serves the client-facing session endpoints: status polling,
// cancellation, and re-attempting failed sessions.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/posturelab/posture-pipeline/internal/coordinator"
	"github.com/posturelab/posture-pipeline/internal/session"
)

// API exposes session operations over HTTP.
type API struct {
	pipeline *coordinator.Coordinator
}

// New creates the API around a coordinator.
func New(pipeline *coordinator.Coordinator) *API {
	return &API{pipeline: pipeline}
}

// Register attaches the session routes to mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/sessions/status", a.handleStatus)
	mux.HandleFunc("/api/sessions/cancel", a.handleCancel)
	mux.HandleFunc("/api/sessions/retry", a.handleRetry)
}

// sessionRef identifies a session in cancel and retry request bodies.
type sessionRef struct {
	Owner     string `json:"owner"`
	SessionID string `json:"sessionId"`
}

// GET /api/sessions/status?owner=...&session=...
func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	owner := r.URL.Query().Get("owner")
	sessionID := r.URL.Query().Get("session")
	if owner == "" || sessionID == "" {
		httpError(w, http.StatusBadRequest, "owner and session are required")
		return
	}

	view, err := a.pipeline.Status(r.Context(), owner, sessionID)
	if err != nil {
		if errors.Is(err, coordinator.ErrSessionNotFound) {
			httpError(w, http.StatusNotFound, "session not found")
			return
		}
		log.Error().Err(err).Str("owner", owner).Str("session", sessionID).Msg("Status lookup failed")
		httpError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// POST /api/sessions/cancel
func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	ref, ok := a.parseRef(w, r)
	if !ok {
		return
	}

	err := a.pipeline.Cancel(r.Context(), ref.Owner, ref.SessionID)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]string{"status": string(session.StatusCancelled)})
	case errors.Is(err, coordinator.ErrSessionNotFound):
		httpError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, coordinator.ErrInvalidTransition):
		httpError(w, http.StatusConflict, err.Error())
	default:
		log.Error().Err(err).Str("owner", ref.Owner).Str("session", ref.SessionID).Msg("Cancel failed")
		httpError(w, http.StatusInternalServerError, "cancel failed")
	}
}

// POST /api/sessions/retry
func (a *API) handleRetry(w http.ResponseWriter, r *http.Request) {
	ref, ok := a.parseRef(w, r)
	if !ok {
		return
	}

	err := a.pipeline.Retry(r.Context(), ref.Owner, ref.SessionID)
	switch {
	case err == nil:
		respondJSON(w, http.StatusAccepted, map[string]string{"status": string(session.StatusPending)})
	case errors.Is(err, coordinator.ErrSessionNotFound):
		httpError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, coordinator.ErrInvalidTransition):
		httpError(w, http.StatusConflict, err.Error())
	default:
		log.Error().Err(err).Str("owner", ref.Owner).Str("session", ref.SessionID).Msg("Retry failed")
		httpError(w, http.StatusInternalServerError, "retry failed")
	}
}

func (a *API) parseRef(w http.ResponseWriter, r *http.Request) (sessionRef, bool) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return sessionRef{}, false
	}
	var ref sessionRef
	if err := json.NewDecoder(r.Body).Decode(&ref); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return sessionRef{}, false
	}
	if ref.Owner == "" || ref.SessionID == "" {
		httpError(w, http.StatusBadRequest, "owner and sessionId are required")
		return sessionRef{}, false
	}
	return ref, true
}

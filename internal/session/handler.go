package session

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/trillionclues/chronicle-backend/internal/apperrors"
	"github.com/trillionclues/chronicle-backend/internal/models"
)

// Handler exposes the synchronous read-mostly surface. Identity arrives as
// an opaque X-User-ID header placed by the upstream authenticator.
type Handler struct {
	app *App
}

// NewHandler creates the HTTP handler over the session app.
func NewHandler(app *App) *Handler {
	return &Handler{app: app}
}

// Routes mounts the session endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/sessions", h.createSession)
	r.Get("/sessions", h.listSessions)
	r.Get("/sessions/{id}", h.getSession)
	r.Get("/sessions/code/{code}", h.getSessionByCode)
}

type createSessionRequest struct {
	Title            string `json:"title"`
	MaxRounds        int    `json:"max_rounds"`
	RoundDurationSec int    `json:"round_duration_sec"`
	VoteDurationSec  int    `json:"vote_duration_sec"`
	MaxParticipants  int    `json:"max_participants"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
	JoinCode  string `json:"join_code"`
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeInvalidConfig, "invalid request body", err))
		return
	}

	s, err := h.app.CreateSession(r.Context(), models.SessionConfig{
		Title:            req.Title,
		MaxRounds:        req.MaxRounds,
		RoundDurationSec: req.RoundDurationSec,
		VoteDurationSec:  req.VoteDurationSec,
		MaxParticipants:  req.MaxParticipants,
	}, userID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID: s.ID.String(),
		JoinCode:  s.JoinCode,
	})
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, apperrors.New(apperrors.CodeNotFound, "session not found"))
		return
	}

	view, err := h.app.GetView(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) getSessionByCode(w http.ResponseWriter, r *http.Request) {
	view, err := h.app.GetViewByCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var filter ListFilter
	switch r.URL.Query().Get("active") {
	case "true":
		filter.ActiveOnly = true
	case "false":
		filter.FinishedOnly = true
	}

	views, err := h.app.ListViews(r.Context(), userID, filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if views == nil {
		views = []*View{}
	}
	writeJSON(w, http.StatusOK, views)
}

func callerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeError(w, apperrors.New(apperrors.CodeForbidden, "missing user identity"))
		return "", false
	}
	return userID, true
}

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	writeJSON(w, statusFor(code), errorResponse{
		Code:  string(code),
		Error: apperrors.MessageOf(err),
	})
}

func statusFor(code apperrors.Code) int {
	switch code {
	case apperrors.CodeNotFound:
		return http.StatusNotFound
	case apperrors.CodeForbidden:
		return http.StatusForbidden
	case apperrors.CodeInvalidPhase, apperrors.CodeAlreadyActed, apperrors.CodeSessionFull, apperrors.CodeNotParticipant:
		return http.StatusConflict
	case apperrors.CodeInvalidConfig:
		return http.StatusBadRequest
	case apperrors.CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("failed to write response")
	}
}

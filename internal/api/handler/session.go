package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/doctoknow/kbchat/internal/api/response"
	"github.com/doctoknow/kbchat/internal/domain"
	"github.com/doctoknow/kbchat/internal/service"
)

// SessionHandler handles session lifecycle and query endpoints
type SessionHandler struct {
	sessions *service.SessionService
	queries  *service.QueryService
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(sessions *service.SessionService, queries *service.QueryService) *SessionHandler {
	return &SessionHandler{sessions: sessions, queries: queries}
}

type beginRequest struct {
	TabID           string                      `json:"tab_id" validate:"required"`
	Mode            domain.Mode                 `json:"mode" validate:"required"`
	ResumeSelection *domain.CollectionSelection `json:"resume_selection,omitempty"`
}

// Begin binds a tab to a session, continuing across a hard reload or resuming
// a prior selection and otherwise issuing a fresh session id.
func (h *SessionHandler) Begin(w http.ResponseWriter, r *http.Request) {
	var input beginRequest
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}

	if err := validate.Struct(input); err != nil {
		response.BadRequest(w, err.Error())
		return
	}
	if !input.Mode.Valid() {
		response.BadRequest(w, "unknown mode")
		return
	}

	res := h.sessions.Begin(input.TabID, input.Mode, input.ResumeSelection)

	response.OK(w, map[string]any{
		"session":         res.Session,
		"resumed":         res.Resumed,
		"needs_selection": res.NeedsSelection,
	})
}

type resetRequest struct {
	TabID string `json:"tab_id" validate:"required"`
}

// Reset abandons the current session and issues a new one in the same mode.
func (h *SessionHandler) Reset(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	current, err := h.sessions.Session(sessionID)
	if err != nil {
		response.NotFound(w, "session not found")
		return
	}

	var input resetRequest
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}
	if err := validate.Struct(input); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	session := h.sessions.Reset(input.TabID, current.Mode)
	response.OK(w, session)
}

// Transcript returns the session's messages in chronological order.
func (h *SessionHandler) Transcript(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	messages, err := h.sessions.Transcript(sessionID)
	if err != nil {
		response.NotFound(w, "session not found")
		return
	}

	response.OK(w, map[string]any{
		"session_id": sessionID,
		"messages":   messages,
	})
}

type askRequest struct {
	Query        string   `json:"query" validate:"required"`
	Paths        []string `json:"paths"`
	GenerationID string   `json:"generation_id,omitempty"`
	JobReference string   `json:"job_reference,omitempty"`
}

// Ask submits the question and blocks until the query reaches a terminal
// state. Terminal backend outcomes (completed, failed, timed_out) are data,
// not transport errors, and come back 200 with the result state.
func (h *SessionHandler) Ask(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var input askRequest
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}
	if err := validate.Struct(input); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	result, err := h.queries.Ask(r.Context(), service.AskRequest{
		SessionID: sessionID,
		Query:     input.Query,
		Selection: domain.CollectionSelection{
			Paths:                input.Paths,
			ExplicitGenerationID: input.GenerationID,
		},
		JobReference: input.JobReference,
	})
	if err != nil {
		writeAskError(w, err)
		return
	}

	response.OK(w, result)
}

func writeAskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		response.NotFound(w, "session not found")
	case errors.Is(err, domain.ErrQueryInFlight):
		response.Conflict(w, "a query is already running for this session")
	case errors.Is(err, domain.ErrSessionExpired):
		response.Unauthorized(w, "session expired, sign in again")
	case errors.Is(err, domain.ErrEmptyQuery),
		errors.Is(err, domain.ErrNoCollectionSelected),
		errors.Is(err, domain.ErrNoIndexedCollections):
		response.BadRequest(w, err.Error())
	default:
		response.InternalError(w, err.Error())
	}
}

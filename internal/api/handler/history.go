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

// HistoryHandler exposes saved conversation lookups and feedback.
type HistoryHandler struct {
	sessions *service.SessionService
}

// NewHistoryHandler creates a new history handler
func NewHistoryHandler(sessions *service.SessionService) *HistoryHandler {
	return &HistoryHandler{sessions: sessions}
}

func modeParam(r *http.Request) (domain.Mode, bool) {
	mode := domain.Mode(r.URL.Query().Get("mode"))
	if mode == "" {
		mode = domain.ModeGeneral
	}
	return mode, mode.Valid()
}

// List returns per-session summaries for the requested mode.
func (h *HistoryHandler) List(w http.ResponseWriter, r *http.Request) {
	mode, ok := modeParam(r)
	if !ok {
		response.BadRequest(w, "unknown mode")
		return
	}

	summaries, err := h.sessions.HistorySummaries(r.Context(), mode)
	if err != nil {
		writeHistoryError(w, err)
		return
	}

	response.OK(w, map[string]any{
		"histories": summaries,
	})
}

// Detail returns the full stored conversation behind a message id and, when
// the load is confirmed, rebinds the caller's tab to the stored session.
func (h *HistoryHandler) Detail(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")
	tabID := r.URL.Query().Get("tab_id")
	confirm := r.URL.Query().Get("confirm") == "true"

	detail, err := h.sessions.HistoryDetail(r.Context(), messageID, tabID, confirm)
	if err != nil {
		if errors.Is(err, domain.ErrActiveSession) {
			response.Conflict(w, "current conversation is unsaved, confirm to discard it")
			return
		}
		writeHistoryError(w, err)
		return
	}

	response.OK(w, detail)
}

// Search returns conversations whose content matches the query text.
func (h *HistoryHandler) Search(w http.ResponseWriter, r *http.Request) {
	mode, ok := modeParam(r)
	if !ok {
		response.BadRequest(w, "unknown mode")
		return
	}

	results, err := h.sessions.SearchHistories(r.Context(), r.URL.Query().Get("q"), mode)
	if err != nil {
		if errors.Is(err, domain.ErrEmptyQuery) {
			response.BadRequest(w, "search text is required")
			return
		}
		writeHistoryError(w, err)
		return
	}

	response.OK(w, map[string]any{
		"results": results,
	})
}

type feedbackRequest struct {
	MessageID string  `json:"message_id" validate:"required"`
	Rating    *int    `json:"rating,omitempty" validate:"omitempty,min=1,max=10"`
	Comment   *string `json:"comment,omitempty"`
}

// Feedback records a rating and/or comment against an answer.
func (h *HistoryHandler) Feedback(w http.ResponseWriter, r *http.Request) {
	var input feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}
	if err := validate.Struct(input); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	if err := h.sessions.SubmitFeedback(r.Context(), input.MessageID, input.Rating, input.Comment); err != nil {
		if errors.Is(err, domain.ErrMessageNotFound) {
			response.NotFound(w, "message not found")
			return
		}
		writeHistoryError(w, err)
		return
	}

	response.NoContent(w)
}

func writeHistoryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrSessionExpired):
		response.Unauthorized(w, "session expired, sign in again")
	case errors.Is(err, domain.ErrMessageNotFound):
		response.NotFound(w, "message not found")
	case errors.Is(err, domain.ErrEmptyQuery):
		response.BadRequest(w, err.Error())
	default:
		response.InternalError(w, err.Error())
	}
}

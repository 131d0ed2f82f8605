package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/doctoknow/kbchat/internal/api/response"
	"github.com/doctoknow/kbchat/internal/domain"
	"github.com/doctoknow/kbchat/internal/identity"
)

var validate = validator.New()

// AuthHandler handles authentication endpoints
type AuthHandler struct {
	broker *identity.Broker
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(broker *identity.Broker) *AuthHandler {
	return &AuthHandler{broker: broker}
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Login exchanges credentials for a token set via the identity provider.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var input loginRequest
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}

	if err := validate.Struct(input); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	if err := h.broker.SignIn(r.Context(), input.Email, input.Password); err != nil {
		response.Unauthorized(w, err.Error())
		return
	}

	response.OK(w, map[string]any{
		"signed_in": true,
	})
}

// Refresh forces a token refresh, primarily for the UI's retry path.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.broker.Refresh(r.Context()); err != nil {
		if errors.Is(err, domain.ErrRefreshTokenInvalid) || errors.Is(err, domain.ErrNoCredential) {
			response.Unauthorized(w, "session expired, sign in again")
			return
		}
		response.InternalError(w, err.Error())
		return
	}

	response.OK(w, map[string]any{
		"refreshed": true,
	})
}

// Logout clears the stored credential set.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.broker.SignOut(r.Context()); err != nil {
		response.InternalError(w, err.Error())
		return
	}

	response.NoContent(w)
}

package handler

import (
	"errors"
	"net/http"

	"github.com/carevisit/carevisit/internal/auth"
	"github.com/carevisit/carevisit/internal/middleware"
	"github.com/carevisit/carevisit/internal/service"
)

// WriteError maps a service error to its HTTP status and client error code.
// Unrecognized errors are logged and reported as internal_error.
func (h *Handler) WriteError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidCredentials), errors.Is(err, service.ErrAccountInactive):
		writeError(w, r, http.StatusUnauthorized, "invalid_credentials", "The email or password is incorrect.", nil)
	case errors.Is(err, service.ErrRateLimited):
		writeError(w, r, http.StatusTooManyRequests, "rate_limited", "Too many activation attempts. Please try again later.", nil)
	case errors.Is(err, service.ErrActivationInvalid):
		writeError(w, r, http.StatusBadRequest, "activation_invalid", "The activation token is invalid, expired or already used.", nil)
	case errors.Is(err, service.ErrPinPolicyViolation):
		var details map[string]any
		message := "The PIN does not meet the policy."
		var pe *auth.PinPolicyError
		if errors.As(err, &pe) {
			details = map[string]any{"rule": pe.Rule}
			message = pe.Message
		}
		writeError(w, r, http.StatusUnprocessableEntity, "pin_policy_violation", message, details)
	case errors.Is(err, service.ErrReplayDetected):
		writeError(w, r, http.StatusUnauthorized, "replay_detected", "This device session has been revoked. Please activate the device again.", nil)
	case errors.Is(err, service.ErrSessionRevoked):
		writeError(w, r, http.StatusUnauthorized, "session_revoked", "This device session has been revoked.", nil)
	case errors.Is(err, service.ErrSessionExpired):
		writeError(w, r, http.StatusUnauthorized, "session_expired", "This device session has expired.", nil)
	case errors.Is(err, service.ErrUserInactive):
		writeError(w, r, http.StatusForbidden, "user_inactive", "Your account is not active.", nil)
	case errors.Is(err, service.ErrAccessTokenExpired):
		writeError(w, r, http.StatusUnauthorized, "token_expired", "The access token has expired.", nil)
	case errors.Is(err, service.ErrUnauthenticated):
		writeError(w, r, http.StatusUnauthorized, "unauthorized", "Authentication required", nil)
	case errors.Is(err, service.ErrDeviceSessionNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "Device session not found", nil)
	case errors.Is(err, service.ErrPinLocked):
		writeError(w, r, http.StatusLocked, "pin_locked", "Too many incorrect PIN attempts. Please activate the device again.", nil)
	case errors.Is(err, service.ErrPinIncorrect):
		writeError(w, r, http.StatusUnauthorized, "pin_incorrect", "The PIN is incorrect.", nil)
	default:
		h.log.Error().Err(err).
			Str("request_id", middleware.GetRequestID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
		writeError(w, r, http.StatusInternalServerError, "internal_error", "An internal error occurred", nil)
	}
}

func validationError(w http.ResponseWriter, r *http.Request, message string) {
	writeError(w, r, http.StatusBadRequest, "validation_error", message, nil)
}

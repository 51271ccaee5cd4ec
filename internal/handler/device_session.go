package handler

import (
	"errors"
	"net/http"

	"github.com/carevisit/carevisit/internal/middleware"
	"github.com/carevisit/carevisit/internal/model"
	"github.com/carevisit/carevisit/internal/service"
)

// RefreshRequest presents the refresh secret of the current rotation
type RefreshRequest struct {
	DeviceSessionID string `json:"deviceSessionId"`
	RotationID      string `json:"rotationId"`
	RefreshToken    string `json:"refreshToken"`
}

// UnlockRequest is the body of POST /devices/sessions/current/unlock
type UnlockRequest struct {
	PIN string `json:"pin"`
}

// SessionListResponse lists the caller's active device sessions
type SessionListResponse struct {
	Sessions               []*model.DeviceSession `json:"sessions"`
	CurrentDeviceSessionID string                 `json:"currentDeviceSessionId"`
}

// MeResponse describes the authenticated caller and their device
type MeResponse struct {
	User          *service.AuthenticatedUser    `json:"user"`
	DeviceSession *service.DeviceSessionContext `json:"deviceSession"`
}

// Refresh rotates the refresh token of a device session
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := readJSON(w, r, &req); err != nil {
		validationError(w, r, "Invalid request body")
		return
	}
	if req.DeviceSessionID == "" || req.RotationID == "" || req.RefreshToken == "" {
		validationError(w, r, "Device session id, rotation id and refresh token are required")
		return
	}

	creds, err := h.sessions.Rotate(r.Context(), service.RotateRequest{
		DeviceSessionID: req.DeviceSessionID,
		RotationID:      req.RotationID,
		RefreshToken:    req.RefreshToken,
		Client:          clientInfo(r),
	})
	if err != nil {
		h.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, creds)
}

// Unlock verifies the PIN for the current device session
func (h *Handler) Unlock(w http.ResponseWriter, r *http.Request) {
	device := middleware.DeviceSession(r.Context())
	if device == nil {
		h.WriteError(w, r, service.ErrUnauthenticated)
		return
	}

	var req UnlockRequest
	if err := readJSON(w, r, &req); err != nil {
		validationError(w, r, "Invalid request body")
		return
	}
	if req.PIN == "" {
		validationError(w, r, "PIN is required")
		return
	}

	res, err := h.unlock.Unlock(r.Context(), device.DeviceSessionID, req.PIN, clientInfo(r))
	if errors.Is(err, service.ErrPinIncorrect) && res != nil {
		writeError(w, r, http.StatusUnauthorized, "pin_incorrect", "The PIN is incorrect.",
			map[string]any{"remainingAttempts": res.RemainingAttempts})
		return
	}
	if err != nil {
		h.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// Logout revokes the current device session
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	device := middleware.DeviceSession(r.Context())
	if device == nil {
		h.WriteError(w, r, service.ErrUnauthenticated)
		return
	}

	if err := h.sessions.Revoke(r.Context(), device.DeviceSessionID, model.ReasonUserLogout, clientInfo(r)); err != nil {
		h.WriteError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListSessions returns the caller's active device sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	principal := middleware.Principal(r.Context())
	device := middleware.DeviceSession(r.Context())
	if principal == nil || device == nil {
		h.WriteError(w, r, service.ErrUnauthenticated)
		return
	}

	sessions, err := h.sessions.ListActiveSessions(r.Context(), principal.UserID)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []*model.DeviceSession{}
	}

	writeJSON(w, http.StatusOK, SessionListResponse{
		Sessions:               sessions,
		CurrentDeviceSessionID: device.DeviceSessionID,
	})
}

// RevokeSession revokes one of the caller's device sessions
func (h *Handler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	principal := middleware.Principal(r.Context())
	if principal == nil {
		h.WriteError(w, r, service.ErrUnauthenticated)
		return
	}

	id := r.PathValue("id")
	if id == "" {
		validationError(w, r, "Device session id is required")
		return
	}

	if err := h.sessions.RevokeOwned(r.Context(), principal.UserID, id, model.ReasonUserRevoked, clientInfo(r)); err != nil {
		h.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"deviceSessionId": id,
		"status":          "revoked",
	})
}

// Me returns the authenticated caller
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	principal := middleware.Principal(r.Context())
	if principal == nil {
		h.WriteError(w, r, service.ErrUnauthenticated)
		return
	}

	writeJSON(w, http.StatusOK, MeResponse{
		User:          principal,
		DeviceSession: middleware.DeviceSession(r.Context()),
	})
}

package handler

import (
	"net/http"
	"strings"

	"github.com/carevisit/carevisit/internal/model"
	"github.com/carevisit/carevisit/internal/service"
)

// ActivateRequest is the body of POST /devices/activations
type ActivateRequest struct {
	Email             string  `json:"email"`
	Password          string  `json:"password"`
	DeviceFingerprint string  `json:"deviceFingerprint"`
	AppVersion        *string `json:"appVersion,omitempty"`
}

// RedeemRequest is the body of POST /devices/activations/redeem
type RedeemRequest struct {
	ActivationToken   string  `json:"activationToken"`
	PIN               string  `json:"pin"`
	DeviceFingerprint string  `json:"deviceFingerprint,omitempty"`
	DeviceName        *string `json:"deviceName,omitempty"`
	AppVersion        *string `json:"appVersion,omitempty"`
	SupportsBiometric bool    `json:"supportsBiometric"`
}

// RedeemResponse carries the new device session. PinVerifier lets the app
// check the PIN offline.
type RedeemResponse struct {
	DeviceSession *model.DeviceSession       `json:"deviceSession"`
	User          *model.User                `json:"user"`
	Credentials   *service.DeviceCredentials `json:"credentials"`
	PinVerifier   model.PinVerifier          `json:"pinVerifier"`
}

// Activate checks the caller's credentials and issues an activation token
// for their device
func (h *Handler) Activate(w http.ResponseWriter, r *http.Request) {
	var req ActivateRequest
	if err := readJSON(w, r, &req); err != nil {
		validationError(w, r, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" || strings.TrimSpace(req.DeviceFingerprint) == "" {
		validationError(w, r, "Email, password and device fingerprint are required")
		return
	}

	res, err := h.activation.Activate(r.Context(), service.ActivateRequest{
		Email:             req.Email,
		Password:          req.Password,
		DeviceFingerprint: strings.TrimSpace(req.DeviceFingerprint),
		AppVersion:        req.AppVersion,
		Client:            clientInfo(r),
	})
	if err != nil {
		h.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, res)
}

// Redeem exchanges an activation token and a new PIN for a device session
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if err := readJSON(w, r, &req); err != nil {
		validationError(w, r, "Invalid request body")
		return
	}
	if req.ActivationToken == "" || req.PIN == "" {
		validationError(w, r, "Activation token and PIN are required")
		return
	}

	res, err := h.activation.Redeem(r.Context(), service.RedeemRequest{
		ActivationToken:   req.ActivationToken,
		PIN:               req.PIN,
		DeviceFingerprint: strings.TrimSpace(req.DeviceFingerprint),
		DeviceName:        req.DeviceName,
		AppVersion:        req.AppVersion,
		SupportsBiometric: req.SupportsBiometric,
		Client:            clientInfo(r),
	})
	if err != nil {
		h.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, RedeemResponse{
		DeviceSession: res.Session,
		User:          res.User,
		Credentials:   res.Credentials,
		PinVerifier:   res.Session.Pin,
	})
}

package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/carevisit/carevisit/internal/logger"
	"github.com/carevisit/carevisit/internal/middleware"
	"github.com/carevisit/carevisit/internal/model"
	"github.com/carevisit/carevisit/internal/service"
)

// maxBodyBytes caps every JSON request body
const maxBodyBytes = 64 << 10

// HealthChecker is a dependency probed by /health and /ready
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ActivationAPI issues and redeems activation sessions
type ActivationAPI interface {
	Activate(ctx context.Context, req service.ActivateRequest) (*service.ActivateResult, error)
	Redeem(ctx context.Context, req service.RedeemRequest) (*service.RedeemResult, error)
}

// SessionAPI rotates, lists and revokes device sessions
type SessionAPI interface {
	Rotate(ctx context.Context, req service.RotateRequest) (*service.DeviceCredentials, error)
	Revoke(ctx context.Context, deviceSessionID string, reason model.RevocationReason, client service.ClientInfo) error
	RevokeOwned(ctx context.Context, userID, deviceSessionID string, reason model.RevocationReason, client service.ClientInfo) error
	ListActiveSessions(ctx context.Context, userID string) ([]*model.DeviceSession, error)
}

// UnlockAPI checks a PIN against the current device session
type UnlockAPI interface {
	Unlock(ctx context.Context, deviceSessionID, pin string, client service.ClientInfo) (*service.UnlockResult, error)
}

// Handler holds all HTTP handlers
type Handler struct {
	db         HealthChecker
	rdb        HealthChecker
	log        *logger.Logger
	activation ActivationAPI
	sessions   SessionAPI
	unlock     UnlockAPI
}

// New creates a new Handler instance
func New(db, rdb HealthChecker, log *logger.Logger, activation ActivationAPI, sessions SessionAPI, unlock UnlockAPI) *Handler {
	return &Handler{
		db:         db,
		rdb:        rdb,
		log:        log.WithComponent("handler"),
		activation: activation,
		sessions:   sessions,
		unlock:     unlock,
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	body := map[string]any{
		"code":    code,
		"message": message,
	}
	if details != nil {
		body["details"] = details
	}
	if reqID := middleware.GetRequestID(r.Context()); reqID != "" {
		body["requestId"] = reqID
	}
	writeJSON(w, status, map[string]any{"error": body})
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil {
		return errors.New("request body is empty")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return err
	}
	return nil
}

// clientInfo captures the caller's address and user agent for audit
func clientInfo(r *http.Request) service.ClientInfo {
	var info service.ClientInfo
	if ip := middleware.ClientIP(r); ip != "" {
		info.IPAddress = &ip
	}
	if ua := r.UserAgent(); ua != "" {
		info.UserAgent = &ua
	}
	return info
}

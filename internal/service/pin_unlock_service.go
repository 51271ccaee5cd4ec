package service

import (
	"context"
	"errors"
	"time"

	"github.com/carevisit/carevisit/internal/config"
	"github.com/carevisit/carevisit/internal/logger"
	"github.com/carevisit/carevisit/internal/model"
	"github.com/carevisit/carevisit/internal/repository"
)

const pinAttemptKeyPrefix = "carevisit:pin_attempts:"

type sessionRevoker interface {
	Revoke(ctx context.Context, deviceSessionID string, reason model.RevocationReason, client ClientInfo) error
}

// PinUnlockService checks a device PIN online. Failed attempts are counted
// per device session in a fixed window; reaching the limit revokes the
// session.
type PinUnlockService struct {
	sessions DeviceSessionStore
	revoker  sessionRevoker
	pins     PinHasher
	counter  WindowCounter
	audit    auditor
	cfg      config.PINConfig
	log      *logger.Logger
	now      func() time.Time
}

// NewPinUnlockService creates a new PinUnlockService
func NewPinUnlockService(sessions DeviceSessionStore, revoker sessionRevoker, pins PinHasher, counter WindowCounter, audit AuditRecorder, cfg config.PINConfig, log *logger.Logger) *PinUnlockService {
	l := log.WithComponent("pin_unlock_service")
	return &PinUnlockService{
		sessions: sessions,
		revoker:  revoker,
		pins:     pins,
		counter:  counter,
		audit:    auditor{repo: audit, log: l},
		cfg:      cfg,
		log:      l,
		now:      time.Now,
	}
}

// UnlockResult reports the attempts left after a failed unlock
type UnlockResult struct {
	RemainingAttempts int `json:"remainingAttempts"`
}

// Unlock verifies pin for the device session. A wrong PIN returns
// ErrPinIncorrect with the attempts left; the last allowed failure revokes
// the session and returns ErrPinLocked.
func (s *PinUnlockService) Unlock(ctx context.Context, deviceSessionID, pin string, client ClientInfo) (*UnlockResult, error) {
	sw, err := s.sessions.FindByIDWithUser(ctx, deviceSessionID, false)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrDeviceSessionNotFound
	}
	if err != nil {
		return nil, internalError("load device session", err)
	}
	if sw.Session.IsRevoked() {
		return nil, ErrSessionRevoked
	}

	key := pinAttemptKeyPrefix + deviceSessionID
	userID := sw.User.ID

	if s.pins.Verify(ctx, pin, sw.Session.Pin) {
		if err := s.counter.Delete(ctx, key); err != nil {
			s.log.Warn().Err(err).Str("device_session_id", deviceSessionID).Msg("failed to reset pin attempts")
		}
		s.audit.deviceSession(ctx, userID, deviceSessionID, model.AuditActionDeviceSessionUnlocked, client, nil, s.now())
		return &UnlockResult{RemainingAttempts: s.cfg.MaxUnlockAttempts}, nil
	}

	count, _, err := s.counter.CountInWindow(ctx, key, s.cfg.UnlockWindow)
	if err != nil {
		return nil, internalError("count pin attempts", err)
	}
	s.audit.deviceSession(ctx, userID, deviceSessionID, model.AuditActionPinUnlockFailed, client,
		map[string]any{"attempt": count}, s.now())

	remaining := s.cfg.MaxUnlockAttempts - int(count)
	if remaining > 0 {
		return &UnlockResult{RemainingAttempts: remaining}, ErrPinIncorrect
	}

	s.log.Warn().Str("user_id", userID).Str("device_session_id", deviceSessionID).Int64("attempts", count).Msg("pin attempts exceeded")
	if err := s.revoker.Revoke(ctx, deviceSessionID, model.ReasonPinAttemptsExceeded, client); err != nil {
		return nil, err
	}
	return &UnlockResult{}, ErrPinLocked
}

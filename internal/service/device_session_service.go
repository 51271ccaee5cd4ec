package service

import (
	"context"
	"errors"
	"time"

	"github.com/carevisit/carevisit/internal/auth"
	"github.com/carevisit/carevisit/internal/config"
	"github.com/carevisit/carevisit/internal/logger"
	"github.com/carevisit/carevisit/internal/model"
	"github.com/carevisit/carevisit/internal/repository"
)

// touchTimeout bounds the best-effort last-seen update
const touchTimeout = 2 * time.Second

// AuthenticatedUser is the caller behind a valid device access token
type AuthenticatedUser struct {
	UserID string     `json:"userId"`
	Email  string     `json:"email"`
	Role   model.Role `json:"role"`
	ZoneID *string    `json:"zoneId,omitempty"`
}

// DeviceSessionContext describes the device session a request runs under
type DeviceSessionContext struct {
	DeviceSessionID      string    `json:"deviceSessionId"`
	DeviceFingerprint    string    `json:"deviceFingerprint"`
	SupportsBiometric    bool      `json:"supportsBiometric"`
	AccessTokenExpiresAt time.Time `json:"accessTokenExpiresAt"`
}

// RotateRequest presents the refresh secret and the rotation id it was
// issued with
type RotateRequest struct {
	DeviceSessionID string
	RotationID      string
	RefreshToken    string
	Client          ClientInfo
}

// SessionService validates, rotates and revokes device sessions
type SessionService struct {
	tx       TxRunner
	sessions DeviceSessionStore
	tokens   TokenSigner
	hasher   *auth.TokenHasher
	minter   credentialMinter
	audit    auditor
	events   RevocationPublisher
	notifier Notifier
	log      *logger.Logger
	now      func() time.Time
}

// SessionDeps groups the collaborators of SessionService
type SessionDeps struct {
	Tx       TxRunner
	Sessions DeviceSessionStore
	Audit    AuditRecorder
	Tokens   TokenSigner
	Events   RevocationPublisher
	Notifier Notifier
}

// NewSessionService creates a new SessionService
func NewSessionService(deps SessionDeps, cfg config.TokenConfig, log *logger.Logger) *SessionService {
	l := log.WithComponent("session_service")
	hasher := auth.NewTokenHasher(cfg.Pepper)
	s := &SessionService{
		tx:       deps.Tx,
		sessions: deps.Sessions,
		tokens:   deps.Tokens,
		hasher:   hasher,
		minter:   credentialMinter{tokens: deps.Tokens, hasher: hasher, refreshTTL: cfg.RefreshTokenTTL},
		audit:    auditor{repo: deps.Audit, log: l},
		events:   deps.Events,
		notifier: deps.Notifier,
		log:      l,
		now:      time.Now,
	}
	if s.events == nil {
		s.events = nopPublisher{}
	}
	if s.notifier == nil {
		s.notifier = nopNotifier{}
	}
	return s
}

// Authenticate resolves a device access token to its user and session.
// The token must belong to the session's current rotation. A valid access
// token is honoured until its own expiry even when the refresh window has
// closed. Once both have lapsed the session is reported expired.
func (s *SessionService) Authenticate(ctx context.Context, accessToken string) (*AuthenticatedUser, *DeviceSessionContext, error) {
	claims, err := s.tokens.Verify(accessToken)
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		return nil, nil, s.expiredAccess(ctx, claims)
	case err != nil:
		return nil, nil, ErrUnauthenticated
	}

	sw, err := s.sessions.FindByIDWithUser(ctx, claims.DeviceSessionID, false)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil, ErrSessionRevoked
	}
	if err != nil {
		return nil, nil, internalError("load device session", err)
	}

	session, user := &sw.Session, &sw.User
	if session.UserID != claims.UserID {
		return nil, nil, ErrUnauthenticated
	}
	if session.IsRevoked() {
		return nil, nil, ErrSessionRevoked
	}
	// Signed for an earlier rotation; the device has newer credentials.
	if session.TokenID != claims.TokenID {
		return nil, nil, ErrSessionExpired
	}
	if !user.IsActive {
		return nil, nil, ErrUserInactive
	}

	principal := &AuthenticatedUser{
		UserID: user.ID,
		Email:  user.Email,
		Role:   user.Role,
		ZoneID: user.ZoneID,
	}
	device := &DeviceSessionContext{
		DeviceSessionID:      session.ID,
		DeviceFingerprint:    session.DeviceFingerprint,
		SupportsBiometric:    session.SupportsBiometric,
		AccessTokenExpiresAt: claims.ExpiresAt,
	}
	return principal, device, nil
}

// expiredAccess classifies an expired access token by the state of the
// session it was signed for.
func (s *SessionService) expiredAccess(ctx context.Context, claims *auth.AccessClaims) error {
	if claims == nil {
		return ErrAccessTokenExpired
	}
	sw, err := s.sessions.FindByIDWithUser(ctx, claims.DeviceSessionID, false)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrSessionRevoked
	}
	if err != nil {
		return internalError("load device session", err)
	}
	switch {
	case sw.Session.UserID != claims.UserID:
		return ErrUnauthenticated
	case sw.Session.IsRevoked():
		return ErrSessionRevoked
	case sw.Session.RefreshExpired(s.now()):
		return ErrSessionExpired
	}
	return ErrAccessTokenExpired
}

// Rotate exchanges the current refresh credentials for new ones. Presenting
// a stale rotation id or a wrong refresh secret is treated as replay: the
// session is revoked and ErrReplayDetected returned.
func (s *SessionService) Rotate(ctx context.Context, req RotateRequest) (*DeviceCredentials, error) {
	now := s.now()

	var (
		creds    *DeviceCredentials
		userID   string
		replayed *model.DeviceSessionWithUser
		revoked  *model.RevokedSession
	)
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		creds, replayed, revoked = nil, nil, nil

		sw, err := s.sessions.FindByIDWithUser(ctx, req.DeviceSessionID, true)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrSessionRevoked
		}
		if err != nil {
			return err
		}
		session := &sw.Session

		if session.IsRevoked() {
			return ErrSessionRevoked
		}

		if req.RotationID != session.RotationID || !s.hasher.Matches(req.RefreshToken, session.RefreshTokenHash) {
			// Commit the revocation; the error is returned after the transaction.
			revoked, err = s.sessions.Revoke(ctx, session.ID, model.ReasonRotationReplayDetected, now)
			if err != nil {
				return err
			}
			replayed = sw
			return nil
		}

		if session.RefreshExpired(now) {
			return ErrSessionExpired
		}
		if !sw.User.IsActive {
			return ErrUserInactive
		}

		next, rot, err := s.minter.mint(&sw.User, session.ID, now)
		if err != nil {
			return err
		}
		if err := s.sessions.Rotate(ctx, session.ID, session.RotationID, rot); err != nil {
			return err
		}
		creds, userID = next, sw.User.ID
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrSessionRevoked) || errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrUserInactive) {
			return nil, err
		}
		return nil, internalError("rotate device session", err)
	}

	if replayed != nil {
		s.log.Warn().
			Str("user_id", replayed.User.ID).
			Str("device_session_id", replayed.Session.ID).
			Bool("rotation_id_match", req.RotationID == replayed.Session.RotationID).
			Msg("refresh token replay detected, device session revoked")
		if revoked != nil {
			s.events.PublishRevoked(ctx, *revoked)
		}
		s.audit.deviceSession(ctx, replayed.User.ID, replayed.Session.ID, model.AuditActionDeviceSessionReplay, req.Client,
			map[string]any{"reason": model.ReasonRotationReplayDetected}, now)
		s.notifier.ReplayDetected(ctx, &replayed.User, &replayed.Session)
		return nil, ErrReplayDetected
	}

	s.audit.deviceSession(ctx, userID, req.DeviceSessionID, model.AuditActionDeviceSessionRotated, req.Client, nil, now)
	return creds, nil
}

// Touch records device activity. It never fails the caller.
func (s *SessionService) Touch(ctx context.Context, deviceSessionID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), touchTimeout)
	defer cancel()
	if err := s.sessions.Touch(ctx, deviceSessionID, s.now()); err != nil {
		s.log.Warn().Err(err).Str("device_session_id", deviceSessionID).Msg("failed to touch device session")
	}
}

// Revoke ends a device session. Revoking an already revoked session
// succeeds without effect.
func (s *SessionService) Revoke(ctx context.Context, deviceSessionID string, reason model.RevocationReason, client ClientInfo) error {
	now := s.now()
	revoked, err := s.sessions.Revoke(ctx, deviceSessionID, reason, now)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrDeviceSessionNotFound
	}
	if err != nil {
		return internalError("revoke device session", err)
	}
	if revoked == nil {
		return nil
	}

	s.events.PublishRevoked(ctx, *revoked)
	s.audit.deviceSession(ctx, revoked.UserID, revoked.ID, model.AuditActionDeviceSessionRevoked, client,
		map[string]any{"reason": reason}, now)
	s.log.Info().Str("device_session_id", revoked.ID).Str("reason", string(reason)).Msg("device session revoked")
	return nil
}

// RevokeOwned revokes a session only if it belongs to userID
func (s *SessionService) RevokeOwned(ctx context.Context, userID, deviceSessionID string, reason model.RevocationReason, client ClientInfo) error {
	sw, err := s.sessions.FindByIDWithUser(ctx, deviceSessionID, false)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrDeviceSessionNotFound
	}
	if err != nil {
		return internalError("load device session", err)
	}
	if sw.Session.UserID != userID {
		return ErrDeviceSessionNotFound
	}
	return s.Revoke(ctx, deviceSessionID, reason, client)
}

// RevokeAllForUser revokes every active device session of a user and
// returns how many were revoked
func (s *SessionService) RevokeAllForUser(ctx context.Context, userID string, reason model.RevocationReason, client ClientInfo) (int, error) {
	now := s.now()
	revoked, err := s.sessions.RevokeAllForUser(ctx, userID, reason, now)
	if err != nil {
		return 0, internalError("revoke device sessions", err)
	}
	for _, rs := range revoked {
		s.events.PublishRevoked(ctx, rs)
		s.audit.deviceSession(ctx, rs.UserID, rs.ID, model.AuditActionDeviceSessionRevoked, client,
			map[string]any{"reason": reason}, now)
	}
	s.log.Info().Str("user_id", userID).Int("revoked", len(revoked)).Str("reason", string(reason)).Msg("device sessions revoked")
	return len(revoked), nil
}

// ListActiveSessions lists a user's active device sessions
func (s *SessionService) ListActiveSessions(ctx context.Context, userID string) ([]*model.DeviceSession, error) {
	sessions, err := s.sessions.ListActiveByUser(ctx, userID)
	if err != nil {
		return nil, internalError("list device sessions", err)
	}
	return sessions, nil
}

package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/carevisit/carevisit/internal/auth"
	"github.com/carevisit/carevisit/internal/config"
	"github.com/carevisit/carevisit/internal/logger"
	"github.com/carevisit/carevisit/internal/model"
	"github.com/carevisit/carevisit/internal/repository"
)

// activationCreateRetries bounds retries when a concurrent activation for
// the same user and device wins the insert.
const activationCreateRetries = 2

// ActivateRequest is a device activation submission
type ActivateRequest struct {
	Email             string
	Password          string
	DeviceFingerprint string
	AppVersion        *string
	Client            ClientInfo
}

// ActivateResult carries the plaintext activation token. It is never
// stored and cannot be recovered later.
type ActivateResult struct {
	ActivationSessionID string    `json:"activationSessionId"`
	ActivationToken     string    `json:"activationToken"`
	ExpiresAt           time.Time `json:"expiresAt"`
	// AlreadyEnrolled is set when the device already holds an active
	// device session; redemption will supersede it.
	AlreadyEnrolled bool `json:"alreadyEnrolled"`
}

// RedeemRequest exchanges an activation token and a new PIN for a device
// session
type RedeemRequest struct {
	ActivationToken string
	PIN             string
	// DeviceFingerprint, when set, must match the activation session.
	DeviceFingerprint string
	DeviceName        *string
	AppVersion        *string
	SupportsBiometric bool
	Client            ClientInfo
}

// RedeemResult is the new device session and its first credentials
type RedeemResult struct {
	Session     *model.DeviceSession
	User        *model.User
	Credentials *DeviceCredentials
}

// ActivationService runs the activation protocol: credential check and
// throttling, activation session issue, and redemption into a device
// session.
type ActivationService struct {
	tx          TxRunner
	activations ActivationStore
	sessions    DeviceSessionStore
	users       UserStore
	pins        PinHasher
	policy      auth.PinPolicy
	tokens      *auth.TokenHasher
	minter      credentialMinter
	audit       auditor
	events      RevocationPublisher
	notifier    Notifier
	cfg         config.ActivationConfig
	log         *logger.Logger
	now         func() time.Time
}

// ActivationDeps groups the collaborators of ActivationService
type ActivationDeps struct {
	Tx          TxRunner
	Activations ActivationStore
	Sessions    DeviceSessionStore
	Users       UserStore
	Audit       AuditRecorder
	Pins        PinHasher
	Tokens      TokenSigner
	Events      RevocationPublisher
	Notifier    Notifier
}

// NewActivationService creates a new ActivationService
func NewActivationService(deps ActivationDeps, security config.SecurityConfig, log *logger.Logger) *ActivationService {
	l := log.WithComponent("activation_service")
	hasher := auth.NewTokenHasher(security.Tokens.Pepper)
	s := &ActivationService{
		tx:          deps.Tx,
		activations: deps.Activations,
		sessions:    deps.Sessions,
		users:       deps.Users,
		pins:        deps.Pins,
		policy:      auth.NewPinPolicy(security.PIN),
		tokens:      hasher,
		minter:      credentialMinter{tokens: deps.Tokens, hasher: hasher, refreshTTL: security.Tokens.RefreshTokenTTL},
		audit:       auditor{repo: deps.Audit, log: l},
		events:      deps.Events,
		notifier:    deps.Notifier,
		cfg:         security.Activation,
		log:         l,
		now:         time.Now,
	}
	if s.events == nil {
		s.events = nopPublisher{}
	}
	if s.notifier == nil {
		s.notifier = nopNotifier{}
	}
	return s
}

// Activate checks credentials for a device and issues a one-time activation
// token. Every call leaves exactly one row in the attempt ledger.
func (s *ActivationService) Activate(ctx context.Context, req ActivateRequest) (*ActivateResult, error) {
	now := s.now()
	req.Email = strings.TrimSpace(req.Email)
	log := s.log.With().Str("device_fingerprint", req.DeviceFingerprint).Logger()

	user, err := s.activations.FindUserByEmail(ctx, req.Email)
	if errors.Is(err, repository.ErrNotFound) {
		if err := s.recordAttempt(ctx, req, nil, model.OutcomeInvalidCredentials, "unknown_email", now); err != nil {
			return nil, err
		}
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, internalError("find user", err)
	}

	// Throttle before the password is checked so guessing stays cheap for us
	// and expensive for the caller.
	since := now.Add(-s.cfg.AttemptWindow)
	count, err := s.activations.CountRecentAttempts(ctx, req.Email, req.DeviceFingerprint, since)
	if err != nil {
		return nil, internalError("count attempts", err)
	}
	if count >= s.cfg.MaxAttempts {
		if err := s.recordAttempt(ctx, req, &user.ID, model.OutcomeRateLimited, "", now); err != nil {
			return nil, err
		}
		log.Warn().Str("user_id", user.ID).Int("attempts", count).Msg("activation rate limited")
		return nil, ErrRateLimited
	}

	ok, err := auth.VerifyPassword(req.Password, user.PasswordHash)
	if err != nil {
		log.Error().Err(err).Str("user_id", user.ID).Msg("stored password hash is unreadable")
	}
	if !ok {
		if err := s.recordAttempt(ctx, req, &user.ID, model.OutcomeInvalidCredentials, "password_mismatch", now); err != nil {
			return nil, err
		}
		return nil, ErrInvalidCredentials
	}

	// Recorded like a bad password so probing cannot tell deactivated
	// accounts apart.
	if !user.IsActive {
		if err := s.recordAttempt(ctx, req, &user.ID, model.OutcomeInvalidCredentials, "account_inactive", now); err != nil {
			return nil, err
		}
		return nil, ErrAccountInactive
	}

	token, err := auth.GenerateSecret()
	if err != nil {
		return nil, internalError("generate activation token", err)
	}

	session := &model.ActivationSession{
		UserID:              user.ID,
		ActivationTokenHash: s.tokens.Hash(token),
		DeviceFingerprint:   req.DeviceFingerprint,
		AppVersion:          req.AppVersion,
		IPAddress:           req.Client.IPAddress,
		UserAgent:           req.Client.UserAgent,
		ExpiresAt:           now.Add(s.cfg.SessionTTL),
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	var enrolled, superseded bool
	for try := 1; ; try++ {
		session.ID = generateID("as")
		err = s.tx.WithTx(ctx, func(ctx context.Context) error {
			var err error
			if superseded, err = s.activations.HasActiveSession(ctx, user.ID, req.DeviceFingerprint, now); err != nil {
				return err
			}
			if _, err := s.activations.RevokePendingSessions(ctx, user.ID, req.DeviceFingerprint, now); err != nil {
				return err
			}
			if err := s.activations.CreateActivationSession(ctx, session); err != nil {
				return err
			}

			enrolled, err = s.deviceEnrolled(ctx, req.DeviceFingerprint)
			if err != nil {
				return err
			}
			outcome := model.OutcomeSuccess
			if enrolled {
				outcome = model.OutcomeDeviceEnrolled
			}
			// Inside the transaction so the session and its ledger row commit together.
			return s.activations.RecordAttempt(ctx, s.newAttempt(req, &user.ID, outcome, "", now))
		})
		if err == nil {
			break
		}
		if repository.IsDuplicate(err, repository.ConstraintActivationActivePair) && try < activationCreateRetries {
			log.Debug().Str("user_id", user.ID).Msg("concurrent activation won the insert, retrying")
			continue
		}
		return nil, internalError("create activation session", err)
	}

	s.audit.record(ctx, user.ID, model.AuditActionActivationIssued, model.ResourceTypeActivationSession, session.ID, req.Client,
		map[string]any{"device_fingerprint": req.DeviceFingerprint, "device_enrolled": enrolled}, now)

	log.Info().
		Str("user_id", user.ID).
		Str("activation_session_id", session.ID).
		Bool("superseded_pending", superseded).
		Bool("device_enrolled", enrolled).
		Msg("activation session issued")

	return &ActivateResult{
		ActivationSessionID: session.ID,
		ActivationToken:     token,
		ExpiresAt:           session.ExpiresAt,
		AlreadyEnrolled:     enrolled,
	}, nil
}

func (s *ActivationService) deviceEnrolled(ctx context.Context, deviceFingerprint string) (bool, error) {
	_, err := s.sessions.FindActiveByFingerprint(ctx, deviceFingerprint)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Redeem turns a pending activation session into a device session. The
// activation session is completed exactly once; a second redemption of the
// same token fails with ErrActivationInvalid.
func (s *ActivationService) Redeem(ctx context.Context, req RedeemRequest) (*RedeemResult, error) {
	now := s.now()
	if req.ActivationToken == "" {
		return nil, ErrActivationInvalid
	}

	pending, err := s.activations.FindActivationSessionByTokenHash(ctx, s.tokens.Hash(req.ActivationToken))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrActivationInvalid
	}
	if err != nil {
		return nil, internalError("find activation session", err)
	}

	user, err := s.users.GetByID(ctx, pending.UserID)
	if err != nil {
		return nil, internalError("load user", err)
	}

	if !pending.IsActive(now) {
		if pending.IsExpired(now) {
			attempt := &model.ActivationAttempt{
				ID:                generateID("aa"),
				UserID:            &user.ID,
				Email:             user.Email,
				DeviceFingerprint: pending.DeviceFingerprint,
				AppVersion:        req.AppVersion,
				IPAddress:         req.Client.IPAddress,
				UserAgent:         req.Client.UserAgent,
				Detail:            strPtr("activation_session_expired"),
				Outcome:           model.OutcomeExpired,
				CreatedAt:         now,
			}
			if err := s.activations.RecordAttempt(ctx, attempt); err != nil {
				return nil, internalError("record activation attempt", err)
			}
		}
		return nil, ErrActivationInvalid
	}
	if req.DeviceFingerprint != "" && req.DeviceFingerprint != pending.DeviceFingerprint {
		s.log.Warn().Str("activation_session_id", pending.ID).Msg("activation redeemed from a different device")
		return nil, ErrActivationInvalid
	}
	if !user.IsActive {
		return nil, ErrActivationInvalid
	}

	if err := s.policy.Validate(req.PIN); err != nil {
		return nil, err
	}

	// scrypt is the expensive step; keep it out of the transaction.
	verifier, err := s.pins.Hash(ctx, req.PIN)
	if err != nil {
		return nil, internalError("hash pin", err)
	}

	session := &model.DeviceSession{
		ID:                  generateID("ds"),
		UserID:              user.ID,
		ActivationSessionID: pending.ID,
		DeviceFingerprint:   pending.DeviceFingerprint,
		DeviceName:          req.DeviceName,
		AppVersion:          req.AppVersion,
		SupportsBiometric:   req.SupportsBiometric,
		Pin:                 verifier,
		IPAddress:           req.Client.IPAddress,
		UserAgent:           req.Client.UserAgent,
		LastSeenAt:          &now,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if session.AppVersion == nil {
		session.AppVersion = pending.AppVersion
	}

	creds, rot, err := s.minter.mint(user, session.ID, now)
	if err != nil {
		return nil, internalError("mint credentials", err)
	}
	session.TokenID = rot.TokenID
	session.RotationID = rot.RotationID
	session.RefreshTokenHash = rot.RefreshTokenHash
	session.RefreshTokenExpiresAt = rot.RefreshTokenExpiresAt

	var superseded []model.RevokedSession
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		locked, err := s.activations.LockActivationSession(ctx, pending.ID)
		if err != nil {
			return err
		}
		if !locked.IsActive(now) {
			return ErrActivationInvalid
		}

		superseded, err = s.sessions.RevokeActiveByFingerprint(ctx, session.DeviceFingerprint, model.ReasonSupersededByNewActivation, now)
		if err != nil {
			return err
		}
		if err := s.sessions.Create(ctx, session); err != nil {
			return err
		}
		return s.activations.CompleteActivationSession(ctx, pending.ID, now)
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrActivationInvalid),
		errors.Is(err, repository.ErrConflict),
		errors.Is(err, repository.ErrNotFound),
		errors.Is(err, repository.ErrDuplicate):
		// Lost a race with another redemption of this token or device.
		s.log.Info().Err(err).Str("activation_session_id", pending.ID).Msg("activation redemption rejected")
		return nil, ErrActivationInvalid
	default:
		return nil, internalError("redeem activation", err)
	}

	for _, rs := range superseded {
		s.events.PublishRevoked(ctx, rs)
		s.audit.deviceSession(ctx, rs.UserID, rs.ID, model.AuditActionDeviceSessionRevoked, req.Client,
			map[string]any{"reason": rs.Reason, "superseded_by": session.ID}, now)
	}
	s.audit.deviceSession(ctx, user.ID, session.ID, model.AuditActionActivationRedeemed, req.Client,
		map[string]any{"activation_session_id": pending.ID, "superseded": len(superseded)}, now)
	s.notifier.DeviceEnrolled(ctx, user, session)

	s.log.Info().
		Str("user_id", user.ID).
		Str("device_session_id", session.ID).
		Int("superseded", len(superseded)).
		Msg("device session created")

	return &RedeemResult{Session: session, User: user, Credentials: creds}, nil
}

func (s *ActivationService) newAttempt(req ActivateRequest, userID *string, outcome model.ActivationOutcome, detail string, now time.Time) *model.ActivationAttempt {
	return &model.ActivationAttempt{
		ID:                generateID("aa"),
		UserID:            userID,
		Email:             req.Email,
		DeviceFingerprint: req.DeviceFingerprint,
		AppVersion:        req.AppVersion,
		IPAddress:         req.Client.IPAddress,
		UserAgent:         req.Client.UserAgent,
		Detail:            strPtr(detail),
		Outcome:           outcome,
		Success:           outcome == model.OutcomeSuccess || outcome == model.OutcomeDeviceEnrolled,
		CreatedAt:         now,
	}
}

// recordAttempt writes a failed attempt outside any transaction so it
// survives the failure it records.
func (s *ActivationService) recordAttempt(ctx context.Context, req ActivateRequest, userID *string, outcome model.ActivationOutcome, detail string, now time.Time) error {
	if err := s.activations.RecordAttempt(ctx, s.newAttempt(req, userID, outcome, detail, now)); err != nil {
		return internalError("record activation attempt", err)
	}
	return nil
}

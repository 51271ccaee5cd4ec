package service

import (
	"context"
	"time"

	"github.com/carevisit/carevisit/internal/auth"
	"github.com/carevisit/carevisit/internal/model"
)

// TxRunner runs fn in one transaction carried by the context it is given.
// Implemented by *database.Postgres.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ActivationStore is the persistence boundary for activation attempts and
// activation sessions. Implemented by *repository.ActivationRepository.
type ActivationStore interface {
	FindUserByEmail(ctx context.Context, email string) (*model.User, error)
	CountRecentAttempts(ctx context.Context, email, deviceFingerprint string, since time.Time) (int, error)
	RecordAttempt(ctx context.Context, a *model.ActivationAttempt) error
	HasActiveSession(ctx context.Context, userID, deviceFingerprint string, now time.Time) (bool, error)
	RevokePendingSessions(ctx context.Context, userID, deviceFingerprint string, now time.Time) (int64, error)
	CreateActivationSession(ctx context.Context, s *model.ActivationSession) error
	FindActivationSessionByTokenHash(ctx context.Context, tokenHash string) (*model.ActivationSession, error)
	LockActivationSession(ctx context.Context, id string) (*model.ActivationSession, error)
	CompleteActivationSession(ctx context.Context, id string, now time.Time) error
}

// DeviceSessionStore is the persistence boundary for device sessions.
// Implemented by *repository.DeviceSessionRepository.
type DeviceSessionStore interface {
	Create(ctx context.Context, s *model.DeviceSession) error
	FindActiveByFingerprint(ctx context.Context, deviceFingerprint string) (*model.DeviceSession, error)
	FindByIDWithUser(ctx context.Context, id string, lock bool) (*model.DeviceSessionWithUser, error)
	ListActiveByUser(ctx context.Context, userID string) ([]*model.DeviceSession, error)
	Rotate(ctx context.Context, id, expectedRotationID string, rot model.SessionRotation) error
	Revoke(ctx context.Context, id string, reason model.RevocationReason, now time.Time) (*model.RevokedSession, error)
	RevokeActiveByFingerprint(ctx context.Context, deviceFingerprint string, reason model.RevocationReason, now time.Time) ([]model.RevokedSession, error)
	RevokeAllForUser(ctx context.Context, userID string, reason model.RevocationReason, now time.Time) ([]model.RevokedSession, error)
	Touch(ctx context.Context, id string, now time.Time) error
}

// UserStore reads and writes users. Implemented by *repository.UserRepository.
type UserStore interface {
	Create(ctx context.Context, user *model.User) error
	GetByID(ctx context.Context, id string) (*model.User, error)
	SetActive(ctx context.Context, id string, active bool, now time.Time) error
}

// AuditRecorder appends audit log entries
type AuditRecorder interface {
	Create(ctx context.Context, log *model.AuditLog) error
}

// TokenSigner is the access token issuer. Implemented by *auth.TokenIssuer.
type TokenSigner interface {
	Sign(claims auth.AccessClaims) (string, auth.AccessClaims, error)
	Verify(token string) (*auth.AccessClaims, error)
}

// PinHasher derives and checks PIN verifiers. Implemented by *auth.PinHasher.
type PinHasher interface {
	Hash(ctx context.Context, pin string) (model.PinVerifier, error)
	Verify(ctx context.Context, pin string, stored model.PinVerifier) bool
}

// RevocationPublisher announces ended device sessions to other processes
type RevocationPublisher interface {
	PublishRevoked(ctx context.Context, revoked model.RevokedSession)
}

// Notifier sends best-effort security notices to users
type Notifier interface {
	DeviceEnrolled(ctx context.Context, user *model.User, session *model.DeviceSession)
	ReplayDetected(ctx context.Context, user *model.User, session *model.DeviceSession)
}

// WindowCounter is a fixed-window counter. Implemented by *database.Redis.
type WindowCounter interface {
	CountInWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	Delete(ctx context.Context, keys ...string) error
}

type nopPublisher struct{}

func (nopPublisher) PublishRevoked(context.Context, model.RevokedSession) {}

type nopNotifier struct{}

func (nopNotifier) DeviceEnrolled(context.Context, *model.User, *model.DeviceSession) {}
func (nopNotifier) ReplayDetected(context.Context, *model.User, *model.DeviceSession) {}

package model

import "time"

// ActivationOutcome is the recorded result of one activation call
type ActivationOutcome string

const (
	OutcomeInvalidCredentials ActivationOutcome = "invalid_credentials"
	OutcomeExpired            ActivationOutcome = "expired"
	OutcomeRateLimited        ActivationOutcome = "rate_limited"
	OutcomeDeviceEnrolled     ActivationOutcome = "device_enrolled"
	OutcomeSuccess            ActivationOutcome = "success"
)

// ActivationAttempt is an immutable audit record of an activation call.
// Rows are only ever inserted.
type ActivationAttempt struct {
	ID                string            `json:"id"`
	UserID            *string           `json:"userId,omitempty"`
	Email             string            `json:"email"`
	DeviceFingerprint string            `json:"deviceFingerprint"`
	AppVersion        *string           `json:"appVersion,omitempty"`
	IPAddress         *string           `json:"ipAddress,omitempty"`
	UserAgent         *string           `json:"userAgent,omitempty"`
	Detail            *string           `json:"detail,omitempty"`
	Outcome           ActivationOutcome `json:"outcome"`
	Success           bool              `json:"success"`
	CreatedAt         time.Time         `json:"createdAt"`
}

// ActivationSession is one in-flight activation handshake for a
// (user, device fingerprint) pair. Only the token hash is persisted.
type ActivationSession struct {
	ID                  string     `json:"id"`
	UserID              string     `json:"userId"`
	ActivationTokenHash string     `json:"-"`
	DeviceFingerprint   string     `json:"deviceFingerprint"`
	AppVersion          *string    `json:"appVersion,omitempty"`
	IPAddress           *string    `json:"ipAddress,omitempty"`
	UserAgent           *string    `json:"userAgent,omitempty"`
	ExpiresAt           time.Time  `json:"expiresAt"`
	CompletedAt         *time.Time `json:"completedAt,omitempty"`
	RevokedAt           *time.Time `json:"revokedAt,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// IsActive reports whether the session can still be redeemed at now
func (s *ActivationSession) IsActive(now time.Time) bool {
	return s.CompletedAt == nil && s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

// IsExpired reports whether the session is pending but past its expiry
func (s *ActivationSession) IsExpired(now time.Time) bool {
	return s.CompletedAt == nil && s.RevokedAt == nil && !now.Before(s.ExpiresAt)
}

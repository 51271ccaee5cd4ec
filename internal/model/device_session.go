package model

import "time"

// RevocationReason explains why a device session ended
type RevocationReason string

const (
	ReasonSupersededByNewActivation RevocationReason = "superseded_by_new_activation"
	ReasonRotationReplayDetected    RevocationReason = "rotation_replay_detected"
	ReasonPinAttemptsExceeded       RevocationReason = "pin_attempts_exceeded"
	ReasonUserLogout                RevocationReason = "user_logout"
	ReasonUserRevoked               RevocationReason = "user_revoked"
	ReasonAdminRevoked              RevocationReason = "admin_revoked"
	ReasonAccountDeactivated        RevocationReason = "account_deactivated"
)

// Valid reports whether r is a known revocation reason
func (r RevocationReason) Valid() bool {
	switch r {
	case ReasonSupersededByNewActivation, ReasonRotationReplayDetected, ReasonPinAttemptsExceeded,
		ReasonUserLogout, ReasonUserRevoked, ReasonAdminRevoked, ReasonAccountDeactivated:
		return true
	}
	return false
}

// DeviceSession is the durable binding of an enrolled device to a user.
// TokenID and RotationID are the anti-replay nonces of the current rotation.
type DeviceSession struct {
	ID                    string            `json:"id"`
	UserID                string            `json:"userId"`
	ActivationSessionID   string            `json:"activationSessionId"`
	DeviceFingerprint     string            `json:"deviceFingerprint"`
	DeviceName            *string           `json:"deviceName,omitempty"`
	AppVersion            *string           `json:"appVersion,omitempty"`
	SupportsBiometric     bool              `json:"supportsBiometric"`
	Pin                   PinVerifier       `json:"-"`
	TokenID               string            `json:"-"`
	RotationID            string            `json:"-"`
	RefreshTokenHash      string            `json:"-"`
	RefreshTokenExpiresAt time.Time         `json:"refreshTokenExpiresAt"`
	LastRotatedAt         *time.Time        `json:"lastRotatedAt,omitempty"`
	RevokedAt             *time.Time        `json:"revokedAt,omitempty"`
	RevokedReason         *RevocationReason `json:"revokedReason,omitempty"`
	IPAddress             *string           `json:"ipAddress,omitempty"`
	UserAgent             *string           `json:"userAgent,omitempty"`
	LastSeenAt            *time.Time        `json:"lastSeenAt,omitempty"`
	CreatedAt             time.Time         `json:"createdAt"`
	UpdatedAt             time.Time         `json:"updatedAt"`
}

// IsRevoked checks if the session has been revoked
func (s *DeviceSession) IsRevoked() bool {
	return s.RevokedAt != nil
}

// RefreshExpired checks if the refresh token has expired at now
func (s *DeviceSession) RefreshExpired(now time.Time) bool {
	return !now.Before(s.RefreshTokenExpiresAt)
}

// DeviceSessionWithUser is a device session joined with its owner
type DeviceSessionWithUser struct {
	Session DeviceSession
	User    User
}

// SessionRotation is the new nonce set written by a rotation
type SessionRotation struct {
	TokenID               string
	RotationID            string
	RefreshTokenHash      string
	RefreshTokenExpiresAt time.Time
	RotatedAt             time.Time
}

// RevokedSession identifies a device session a revocation just ended
type RevokedSession struct {
	ID        string           `json:"deviceSessionId"`
	UserID    string           `json:"userId"`
	Reason    RevocationReason `json:"reason"`
	RevokedAt time.Time        `json:"revokedAt"`
}

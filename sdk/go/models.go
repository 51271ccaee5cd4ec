package carevisit

import (
	"encoding/json"
	"time"
)

// User is the authenticated caller as returned by /me
type User struct {
	UserID string  `json:"userId"`
	Email  string  `json:"email"`
	Role   string  `json:"role"`
	ZoneID *string `json:"zoneId,omitempty"`
}

// DeviceContext is the device session a token belongs to
type DeviceContext struct {
	DeviceSessionID      string    `json:"deviceSessionId"`
	DeviceFingerprint    string    `json:"deviceFingerprint"`
	SupportsBiometric    bool      `json:"supportsBiometric"`
	AccessTokenExpiresAt time.Time `json:"accessTokenExpiresAt"`
}

// Me is the response of GET /me
type Me struct {
	User          User          `json:"user"`
	DeviceSession DeviceContext `json:"deviceSession"`
}

// ActivateRequest starts activation of a device
type ActivateRequest struct {
	Email             string  `json:"email"`
	Password          string  `json:"password"`
	DeviceFingerprint string  `json:"deviceFingerprint"`
	AppVersion        *string `json:"appVersion,omitempty"`
}

// Activation is a pending activation session
type Activation struct {
	ActivationSessionID string    `json:"activationSessionId"`
	ActivationToken     string    `json:"activationToken"`
	ExpiresAt           time.Time `json:"expiresAt"`
	AlreadyEnrolled     bool      `json:"alreadyEnrolled"`
}

// RedeemRequest completes activation with the user's new PIN
type RedeemRequest struct {
	ActivationToken   string  `json:"activationToken"`
	PIN               string  `json:"pin"`
	DeviceFingerprint string  `json:"deviceFingerprint,omitempty"`
	DeviceName        *string `json:"deviceName,omitempty"`
	AppVersion        *string `json:"appVersion,omitempty"`
	SupportsBiometric bool    `json:"supportsBiometric"`
}

// Credentials are the tokens of one rotation. All three of DeviceSessionID,
// RotationID and RefreshToken are needed to refresh.
type Credentials struct {
	DeviceSessionID       string    `json:"deviceSessionId"`
	AccessToken           string    `json:"accessToken"`
	AccessTokenExpiresAt  time.Time `json:"accessTokenExpiresAt"`
	RefreshToken          string    `json:"refreshToken"`
	RefreshTokenExpiresAt time.Time `json:"refreshTokenExpiresAt"`
	RotationID            string    `json:"rotationId"`
}

// DeviceSession is an enrolled device as listed by the API
type DeviceSession struct {
	ID                    string     `json:"id"`
	UserID                string     `json:"userId"`
	DeviceFingerprint     string     `json:"deviceFingerprint"`
	DeviceName            *string    `json:"deviceName,omitempty"`
	AppVersion            *string    `json:"appVersion,omitempty"`
	SupportsBiometric     bool       `json:"supportsBiometric"`
	RefreshTokenExpiresAt time.Time  `json:"refreshTokenExpiresAt"`
	LastRotatedAt         *time.Time `json:"lastRotatedAt,omitempty"`
	LastSeenAt            *time.Time `json:"lastSeenAt,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
}

// PinVerifier lets the app check the PIN offline. Params is either an
// object or a legacy "N:r:p[:keylen]" string.
type PinVerifier struct {
	Hash   string          `json:"hash"`
	Salt   string          `json:"salt"`
	Params json.RawMessage `json:"params"`
}

// Enrollment is the result of a successful redeem
type Enrollment struct {
	DeviceSession DeviceSession `json:"deviceSession"`
	Credentials   Credentials   `json:"credentials"`
	PinVerifier   PinVerifier   `json:"pinVerifier"`
}

// SessionList is the response of GET /devices/sessions
type SessionList struct {
	Sessions               []DeviceSession `json:"sessions"`
	CurrentDeviceSessionID string          `json:"currentDeviceSessionId"`
}

// UnlockResult is the response of a successful PIN unlock
type UnlockResult struct {
	RemainingAttempts int `json:"remainingAttempts"`
}

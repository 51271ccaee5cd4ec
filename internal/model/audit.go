package model

import "time"

// AuditLog is an append-only entry in the session event ledger
type AuditLog struct {
	ID           string         `json:"id"`
	UserID       *string        `json:"userId,omitempty"`
	Action       string         `json:"action"`
	ResourceType *string        `json:"resourceType,omitempty"`
	ResourceID   *string        `json:"resourceId,omitempty"`
	IPAddress    *string        `json:"ipAddress,omitempty"`
	UserAgent    *string        `json:"userAgent,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// Audit action constants
const (
	AuditActionActivationIssued      = "activation.issued"
	AuditActionActivationRedeemed    = "activation.redeemed"
	AuditActionDeviceSessionRotated  = "device_session.rotated"
	AuditActionDeviceSessionRevoked  = "device_session.revoked"
	AuditActionDeviceSessionReplay   = "device_session.replay_detected"
	AuditActionDeviceSessionUnlocked = "device_session.unlocked"
	AuditActionPinUnlockFailed       = "device_session.unlock_failed"
	AuditActionUserCreated           = "user.created"
	AuditActionKeyRotation           = "key.rotation"
)

// Audit resource types
const (
	ResourceTypeDeviceSession     = "device_session"
	ResourceTypeActivationSession = "activation_session"
	ResourceTypeUser              = "user"
	ResourceTypeSigningKey        = "signing_key"
)

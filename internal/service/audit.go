package service

import (
	"context"
	"time"

	"github.com/carevisit/carevisit/internal/logger"
	"github.com/carevisit/carevisit/internal/model"
)

// ClientInfo is the network context of a request, recorded for audit
type ClientInfo struct {
	IPAddress *string
	UserAgent *string
}

type auditor struct {
	repo AuditRecorder
	log  *logger.Logger
}

// deviceSession appends a device session event
func (a auditor) deviceSession(ctx context.Context, userID, deviceSessionID, action string, client ClientInfo, metadata map[string]any, now time.Time) {
	a.record(ctx, userID, action, model.ResourceTypeDeviceSession, deviceSessionID, client, metadata, now)
}

// record appends an audit entry. Failures are logged only.
func (a auditor) record(ctx context.Context, userID, action, resourceType, resourceID string, client ClientInfo, metadata map[string]any, now time.Time) {
	entry := &model.AuditLog{
		ID:           generateID("aud"),
		UserID:       strPtr(userID),
		Action:       action,
		ResourceType: strPtr(resourceType),
		ResourceID:   strPtr(resourceID),
		IPAddress:    client.IPAddress,
		UserAgent:    client.UserAgent,
		Metadata:     metadata,
		CreatedAt:    now,
	}
	if err := a.repo.Create(ctx, entry); err != nil {
		a.log.Error().Err(err).Str("action", action).Msg("failed to create audit log")
	}
}

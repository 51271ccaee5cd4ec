package service

import (
	"fmt"
	"time"

	"github.com/carevisit/carevisit/internal/auth"
	"github.com/carevisit/carevisit/internal/model"
)

// DeviceCredentials is what a device holds after redemption or rotation.
// RefreshToken and RotationID must be presented together to rotate.
type DeviceCredentials struct {
	DeviceSessionID       string    `json:"deviceSessionId"`
	AccessToken           string    `json:"accessToken"`
	AccessTokenExpiresAt  time.Time `json:"accessTokenExpiresAt"`
	RefreshToken          string    `json:"refreshToken"`
	RefreshTokenExpiresAt time.Time `json:"refreshTokenExpiresAt"`
	RotationID            string    `json:"rotationId"`
}

// credentialMinter creates a fresh token id, rotation id and refresh secret
// and signs an access token bound to them.
type credentialMinter struct {
	tokens     TokenSigner
	hasher     *auth.TokenHasher
	refreshTTL time.Duration
}

func (m credentialMinter) mint(user *model.User, deviceSessionID string, now time.Time) (*DeviceCredentials, model.SessionRotation, error) {
	refresh, err := auth.GenerateSecret()
	if err != nil {
		return nil, model.SessionRotation{}, err
	}

	rot := model.SessionRotation{
		TokenID:               generateID("tok"),
		RotationID:            generateID("rot"),
		RefreshTokenHash:      m.hasher.Hash(refresh),
		RefreshTokenExpiresAt: now.Add(m.refreshTTL),
		RotatedAt:             now,
	}

	access, claims, err := m.tokens.Sign(auth.AccessClaims{
		UserID:          user.ID,
		Role:            user.Role,
		ZoneID:          user.ZoneID,
		DeviceSessionID: deviceSessionID,
		TokenID:         rot.TokenID,
		IssuedAt:        now,
	})
	if err != nil {
		return nil, model.SessionRotation{}, fmt.Errorf("failed to sign access token: %w", err)
	}

	return &DeviceCredentials{
		DeviceSessionID:       deviceSessionID,
		AccessToken:           access,
		AccessTokenExpiresAt:  claims.ExpiresAt,
		RefreshToken:          refresh,
		RefreshTokenExpiresAt: rot.RefreshTokenExpiresAt,
		RotationID:            rot.RotationID,
	}, rot, nil
}

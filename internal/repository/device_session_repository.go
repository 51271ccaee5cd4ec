package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/carevisit/carevisit/internal/database"
	"github.com/carevisit/carevisit/internal/model"
)

const deviceSessionColumns = `ds.id, ds.user_id, ds.activation_session_id, ds.device_fingerprint, ds.device_name,
	ds.app_version, ds.supports_biometric, ds.pin_scrypt_hash, ds.pin_scrypt_salt, ds.pin_scrypt_params,
	ds.token_id, ds.rotation_id, ds.refresh_token_hash, ds.refresh_token_expires_at, ds.last_rotated_at,
	ds.revoked_at, ds.revoked_reason, ds.ip_address, ds.user_agent, ds.last_seen_at, ds.created_at, ds.updated_at`

// DeviceSessionRepository owns device_sessions. Rows are soft-deleted by
// revocation and never removed.
type DeviceSessionRepository struct {
	db *database.Postgres
}

// NewDeviceSessionRepository creates a new DeviceSessionRepository
func NewDeviceSessionRepository(db *database.Postgres) *DeviceSessionRepository {
	return &DeviceSessionRepository{db: db}
}

// Create inserts a new device session
func (r *DeviceSessionRepository) Create(ctx context.Context, s *model.DeviceSession) error {
	params, err := model.EncodePinParams(s.Pin.Params)
	if err != nil {
		return fmt.Errorf("failed to encode pin params: %w", err)
	}

	query := `
		INSERT INTO device_sessions (id, user_id, activation_session_id, device_fingerprint, device_name,
		    app_version, supports_biometric, pin_scrypt_hash, pin_scrypt_salt, pin_scrypt_params,
		    token_id, rotation_id, refresh_token_hash, refresh_token_expires_at,
		    ip_address, user_agent, last_seen_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	_, err = r.db.Conn(ctx).ExecContext(ctx, query,
		s.ID,
		s.UserID,
		s.ActivationSessionID,
		s.DeviceFingerprint,
		s.DeviceName,
		s.AppVersion,
		s.SupportsBiometric,
		s.Pin.Hash,
		s.Pin.Salt,
		params,
		s.TokenID,
		s.RotationID,
		s.RefreshTokenHash,
		s.RefreshTokenExpiresAt,
		s.IPAddress,
		s.UserAgent,
		s.LastSeenAt,
		s.CreatedAt,
		s.UpdatedAt,
	)
	if err != nil {
		return wrapWrite("create device session", err)
	}
	return nil
}

// FindActiveByFingerprint returns the unrevoked session for a device
func (r *DeviceSessionRepository) FindActiveByFingerprint(ctx context.Context, deviceFingerprint string) (*model.DeviceSession, error) {
	query := `SELECT ` + deviceSessionColumns + ` FROM device_sessions ds
		WHERE ds.device_fingerprint = $1 AND ds.revoked_at IS NULL`
	return scanDeviceSession(r.db.Conn(ctx).QueryRowContext(ctx, query, deviceFingerprint))
}

// FindByIDWithUser loads a session joined with its owner. With lock set
// the session row is locked FOR UPDATE, which requires a transaction.
func (r *DeviceSessionRepository) FindByIDWithUser(ctx context.Context, id string, lock bool) (*model.DeviceSessionWithUser, error) {
	query := `SELECT ` + deviceSessionColumns + `,
		u.id, u.email, u.password_hash, u.first_name, u.last_name, u.role, u.zone_id, u.is_active, u.created_at, u.updated_at
		FROM device_sessions ds
		JOIN users u ON u.id = ds.user_id
		WHERE ds.id = $1`
	if lock {
		query += ` FOR UPDATE OF ds`
	}

	var out model.DeviceSessionWithUser
	var params []byte
	u := &out.User
	dest := append(deviceSessionDest(&out.Session, &params),
		&u.ID, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName,
		&u.Role, &u.ZoneID, &u.IsActive, &u.CreatedAt, &u.UpdatedAt,
	)
	err := r.db.Conn(ctx).QueryRowContext(ctx, query, id).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan device session: %w", err)
	}
	out.Session.Pin.Params = decodeStoredParams(params)
	return &out, nil
}

// ListActiveByUser lists a user's unrevoked sessions, newest first
func (r *DeviceSessionRepository) ListActiveByUser(ctx context.Context, userID string) ([]*model.DeviceSession, error) {
	query := `SELECT ` + deviceSessionColumns + ` FROM device_sessions ds
		WHERE ds.user_id = $1 AND ds.revoked_at IS NULL
		ORDER BY ds.created_at DESC`
	rows, err := r.db.Conn(ctx).QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list device sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.DeviceSession
	for rows.Next() {
		s, err := scanDeviceSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Rotate replaces the rotation nonces of an unrevoked session whose current
// rotation id is expectedRotationID. It returns ErrConflict when no such
// row exists.
func (r *DeviceSessionRepository) Rotate(ctx context.Context, id, expectedRotationID string, rot model.SessionRotation) error {
	query := `
		UPDATE device_sessions
		SET token_id = $3, rotation_id = $4, refresh_token_hash = $5, refresh_token_expires_at = $6,
		    last_rotated_at = $7, last_seen_at = $7, updated_at = $7
		WHERE id = $1 AND rotation_id = $2 AND revoked_at IS NULL
	`
	result, err := r.db.Conn(ctx).ExecContext(ctx, query,
		id, expectedRotationID,
		rot.TokenID, rot.RotationID, rot.RefreshTokenHash, rot.RefreshTokenExpiresAt, rot.RotatedAt,
	)
	if err != nil {
		return wrapWrite("rotate device session", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// Revoke revokes a session. It returns nil without error when the
// session was already revoked, and ErrNotFound when it does not exist.
func (r *DeviceSessionRepository) Revoke(ctx context.Context, id string, reason model.RevocationReason, now time.Time) (*model.RevokedSession, error) {
	query := `
		UPDATE device_sessions
		SET revoked_at = $2, revoked_reason = $3, updated_at = $2
		WHERE id = $1 AND revoked_at IS NULL
		RETURNING id, user_id
	`
	revoked := model.RevokedSession{Reason: reason, RevokedAt: now}
	err := r.db.Conn(ctx).QueryRowContext(ctx, query, id, now, reason).Scan(&revoked.ID, &revoked.UserID)
	if err == nil {
		return &revoked, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to revoke device session: %w", err)
	}

	var exists bool
	if err := r.db.Conn(ctx).QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM device_sessions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check device session: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}
	return nil, nil
}

// RevokeActiveByFingerprint revokes the unrevoked session of a device, if any
func (r *DeviceSessionRepository) RevokeActiveByFingerprint(ctx context.Context, deviceFingerprint string, reason model.RevocationReason, now time.Time) ([]model.RevokedSession, error) {
	query := `
		UPDATE device_sessions
		SET revoked_at = $2, revoked_reason = $3, updated_at = $2
		WHERE device_fingerprint = $1 AND revoked_at IS NULL
		RETURNING id, user_id
	`
	return r.revokeMany(ctx, query, deviceFingerprint, reason, now)
}

// RevokeAllForUser revokes every unrevoked session of a user
func (r *DeviceSessionRepository) RevokeAllForUser(ctx context.Context, userID string, reason model.RevocationReason, now time.Time) ([]model.RevokedSession, error) {
	query := `
		UPDATE device_sessions
		SET revoked_at = $2, revoked_reason = $3, updated_at = $2
		WHERE user_id = $1 AND revoked_at IS NULL
		RETURNING id, user_id
	`
	return r.revokeMany(ctx, query, userID, reason, now)
}

func (r *DeviceSessionRepository) revokeMany(ctx context.Context, query, key string, reason model.RevocationReason, now time.Time) ([]model.RevokedSession, error) {
	rows, err := r.db.Conn(ctx).QueryContext(ctx, query, key, now, reason)
	if err != nil {
		return nil, fmt.Errorf("failed to revoke device sessions: %w", err)
	}
	defer rows.Close()

	var revoked []model.RevokedSession
	for rows.Next() {
		rs := model.RevokedSession{Reason: reason, RevokedAt: now}
		if err := rows.Scan(&rs.ID, &rs.UserID); err != nil {
			return nil, fmt.Errorf("failed to scan revoked session: %w", err)
		}
		revoked = append(revoked, rs)
	}
	return revoked, rows.Err()
}

// Touch records that the device was seen at now
func (r *DeviceSessionRepository) Touch(ctx context.Context, id string, now time.Time) error {
	query := `UPDATE device_sessions SET last_seen_at = $2 WHERE id = $1 AND revoked_at IS NULL`
	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, id, now); err != nil {
		return fmt.Errorf("failed to touch device session: %w", err)
	}
	return nil
}

func deviceSessionDest(s *model.DeviceSession, params *[]byte) []any {
	return []any{
		&s.ID, &s.UserID, &s.ActivationSessionID, &s.DeviceFingerprint, &s.DeviceName,
		&s.AppVersion, &s.SupportsBiometric, &s.Pin.Hash, &s.Pin.Salt, params,
		&s.TokenID, &s.RotationID, &s.RefreshTokenHash, &s.RefreshTokenExpiresAt, &s.LastRotatedAt,
		&s.RevokedAt, &s.RevokedReason, &s.IPAddress, &s.UserAgent, &s.LastSeenAt, &s.CreatedAt, &s.UpdatedAt,
	}
}

func scanDeviceSession(row rowScanner) (*model.DeviceSession, error) {
	var s model.DeviceSession
	var params []byte
	err := row.Scan(deviceSessionDest(&s, &params)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan device session: %w", err)
	}
	s.Pin.Params = decodeStoredParams(params)
	return &s, nil
}

// decodeStoredParams returns nil for unreadable params; PIN verification
// against a nil variant fails closed.
func decodeStoredParams(raw []byte) model.PinParams {
	p, err := model.DecodePinParams(raw)
	if err != nil {
		return nil
	}
	return p
}

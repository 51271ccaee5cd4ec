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

const activationSessionColumns = `id, user_id, activation_token_hash, device_fingerprint, app_version,
	ip_address, user_agent, expires_at, completed_at, revoked_at, created_at, updated_at`

// ActivationRepository owns activation_attempts and activation_sessions.
// Attempts are append-only; sessions are never deleted.
type ActivationRepository struct {
	db *database.Postgres
}

// NewActivationRepository creates a new ActivationRepository
func NewActivationRepository(db *database.Postgres) *ActivationRepository {
	return &ActivationRepository{db: db}
}

// FindUserByEmail looks up the user an activation is for
func (r *ActivationRepository) FindUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return findUserByEmail(ctx, r.db.Conn(ctx), email)
}

// CountRecentAttempts counts attempts for the pair created strictly after
// since. Attempts that were themselves rate limited are not counted.
func (r *ActivationRepository) CountRecentAttempts(ctx context.Context, email, deviceFingerprint string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM activation_attempts
		WHERE email = $1 AND device_fingerprint = $2 AND created_at > $3 AND outcome <> $4
	`
	var count int
	err := r.db.Conn(ctx).QueryRowContext(ctx, query, email, deviceFingerprint, since, model.OutcomeRateLimited).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count activation attempts: %w", err)
	}
	return count, nil
}

// RecordAttempt appends an attempt to the ledger
func (r *ActivationRepository) RecordAttempt(ctx context.Context, a *model.ActivationAttempt) error {
	query := `
		INSERT INTO activation_attempts (id, user_id, email, device_fingerprint, app_version,
		    ip_address, user_agent, detail, outcome, success, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.db.Conn(ctx).ExecContext(ctx, query,
		a.ID,
		a.UserID,
		a.Email,
		a.DeviceFingerprint,
		a.AppVersion,
		a.IPAddress,
		a.UserAgent,
		a.Detail,
		a.Outcome,
		a.Success,
		a.CreatedAt,
	)
	if err != nil {
		return wrapWrite("record activation attempt", err)
	}
	return nil
}

// HasActiveSession reports whether the pair has a pending, unexpired session
func (r *ActivationRepository) HasActiveSession(ctx context.Context, userID, deviceFingerprint string, now time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM activation_sessions
			WHERE user_id = $1 AND device_fingerprint = $2
			  AND completed_at IS NULL AND revoked_at IS NULL AND expires_at > $3
		)
	`
	var exists bool
	if err := r.db.Conn(ctx).QueryRowContext(ctx, query, userID, deviceFingerprint, now).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check activation session: %w", err)
	}
	return exists, nil
}

// RevokePendingSessions revokes every pending session of the pair,
// expired ones included, and returns how many it revoked.
func (r *ActivationRepository) RevokePendingSessions(ctx context.Context, userID, deviceFingerprint string, now time.Time) (int64, error) {
	query := `
		UPDATE activation_sessions
		SET revoked_at = $3, updated_at = $3
		WHERE user_id = $1 AND device_fingerprint = $2
		  AND completed_at IS NULL AND revoked_at IS NULL
	`
	result, err := r.db.Conn(ctx).ExecContext(ctx, query, userID, deviceFingerprint, now)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke activation sessions: %w", err)
	}
	return result.RowsAffected()
}

// CreateActivationSession inserts a pending session
func (r *ActivationRepository) CreateActivationSession(ctx context.Context, s *model.ActivationSession) error {
	query := `
		INSERT INTO activation_sessions (id, user_id, activation_token_hash, device_fingerprint, app_version,
		    ip_address, user_agent, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.Conn(ctx).ExecContext(ctx, query,
		s.ID,
		s.UserID,
		s.ActivationTokenHash,
		s.DeviceFingerprint,
		s.AppVersion,
		s.IPAddress,
		s.UserAgent,
		s.ExpiresAt,
		s.CreatedAt,
		s.UpdatedAt,
	)
	if err != nil {
		return wrapWrite("create activation session", err)
	}
	return nil
}

// FindActivationSessionByTokenHash looks a session up by its token hash
// regardless of state
func (r *ActivationRepository) FindActivationSessionByTokenHash(ctx context.Context, tokenHash string) (*model.ActivationSession, error) {
	query := `SELECT ` + activationSessionColumns + ` FROM activation_sessions WHERE activation_token_hash = $1`
	return scanActivationSession(r.db.Conn(ctx).QueryRowContext(ctx, query, tokenHash))
}

// LockActivationSession reads a session under a row lock. It must run
// inside a transaction.
func (r *ActivationRepository) LockActivationSession(ctx context.Context, id string) (*model.ActivationSession, error) {
	query := `SELECT ` + activationSessionColumns + ` FROM activation_sessions WHERE id = $1 FOR UPDATE`
	return scanActivationSession(r.db.Conn(ctx).QueryRowContext(ctx, query, id))
}

// CompleteActivationSession marks a pending session completed. It returns
// ErrConflict if the session is no longer pending.
func (r *ActivationRepository) CompleteActivationSession(ctx context.Context, id string, now time.Time) error {
	query := `
		UPDATE activation_sessions
		SET completed_at = $2, updated_at = $2
		WHERE id = $1 AND completed_at IS NULL AND revoked_at IS NULL
	`
	result, err := r.db.Conn(ctx).ExecContext(ctx, query, id, now)
	if err != nil {
		return fmt.Errorf("failed to complete activation session: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func scanActivationSession(row rowScanner) (*model.ActivationSession, error) {
	var s model.ActivationSession
	err := row.Scan(
		&s.ID, &s.UserID, &s.ActivationTokenHash, &s.DeviceFingerprint, &s.AppVersion,
		&s.IPAddress, &s.UserAgent, &s.ExpiresAt, &s.CompletedAt, &s.RevokedAt,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan activation session: %w", err)
	}
	return &s, nil
}

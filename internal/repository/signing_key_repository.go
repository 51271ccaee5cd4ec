package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/carevisit/carevisit/internal/database"
	"github.com/carevisit/carevisit/internal/model"
)

const signingKeyColumns = `id, algorithm, public_key, private_key, is_active, verify_until, created_at, retired_at`

// SigningKeyRepository handles signing key persistence
type SigningKeyRepository struct {
	db *database.Postgres
}

// NewSigningKeyRepository creates a new SigningKeyRepository
func NewSigningKeyRepository(db *database.Postgres) *SigningKeyRepository {
	return &SigningKeyRepository{db: db}
}

// Create stores a new signing key
func (r *SigningKeyRepository) Create(ctx context.Context, key *model.SigningKey) error {
	query := `
		INSERT INTO signing_keys (id, algorithm, public_key, private_key, is_active, verify_until, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.Conn(ctx).ExecContext(ctx, query,
		key.ID,
		key.Algorithm,
		key.PublicKey,
		key.PrivateKey,
		key.IsActive,
		key.VerifyUntil,
		key.CreatedAt,
	)
	if err != nil {
		return wrapWrite("create signing key", err)
	}
	return nil
}

// ListVerifiable returns keys still valid for verification at now, newest first
func (r *SigningKeyRepository) ListVerifiable(ctx context.Context, now time.Time) ([]*model.SigningKey, error) {
	query := `SELECT ` + signingKeyColumns + ` FROM signing_keys WHERE verify_until > $1 ORDER BY created_at DESC`
	rows, err := r.db.Conn(ctx).QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list signing keys: %w", err)
	}
	defer rows.Close()

	var keys []*model.SigningKey
	for rows.Next() {
		var k model.SigningKey
		if err := rows.Scan(
			&k.ID, &k.Algorithm, &k.PublicKey, &k.PrivateKey,
			&k.IsActive, &k.VerifyUntil, &k.CreatedAt, &k.RetiredAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan signing key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// RetireActive stops the active key from signing and drops its private
// material. It keeps verifying until verify_until.
func (r *SigningKeyRepository) RetireActive(ctx context.Context, now time.Time) error {
	query := `UPDATE signing_keys SET is_active = FALSE, private_key = NULL, retired_at = $1 WHERE is_active`
	if _, err := r.db.Conn(ctx).ExecContext(ctx, query, now); err != nil {
		return fmt.Errorf("failed to retire signing key: %w", err)
	}
	return nil
}

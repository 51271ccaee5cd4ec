package repository

import (
	"errors"
	"fmt"

	"github.com/carevisit/carevisit/internal/database"
)

// Common repository errors
var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
	// ErrConflict means a guarded update matched no row because the row
	// changed state since it was read.
	ErrConflict = errors.New("record state changed")
)

// Unique indexes the services rely on
const (
	ConstraintActivationTokenHash  = "activation_sessions_token_hash_key"
	ConstraintActivationActivePair = "activation_sessions_active_pair_key"
	ConstraintDeviceFingerprint    = "device_sessions_active_fingerprint_key"
	ConstraintDeviceTokenID        = "device_sessions_token_id_key"
	ConstraintDeviceRotationID     = "device_sessions_rotation_id_key"
	ConstraintDeviceActivation     = "device_sessions_activation_session_key"
	ConstraintUserEmail            = "users_email_key"
)

// DuplicateError is a unique violation on a named index. It matches
// ErrDuplicate under errors.Is.
type DuplicateError struct {
	Constraint string
	Err        error
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("record already exists (%s): %v", e.Constraint, e.Err)
}

func (e *DuplicateError) Unwrap() []error {
	return []error{ErrDuplicate, e.Err}
}

// IsDuplicate reports whether err is a unique violation on constraint
func IsDuplicate(err error, constraint string) bool {
	var dup *DuplicateError
	return errors.As(err, &dup) && dup.Constraint == constraint
}

func wrapWrite(op string, err error) error {
	if constraint, ok := database.UniqueViolation(err); ok {
		return &DuplicateError{Constraint: constraint, Err: err}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

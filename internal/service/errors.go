package service

import (
	"errors"
	"fmt"

	"github.com/carevisit/carevisit/internal/auth"
)

// Device activation and session errors. Handlers map each of these to a
// stable client error code.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrRateLimited        = errors.New("too many activation attempts")
	// ErrAccountInactive is reported to clients as ErrInvalidCredentials.
	ErrAccountInactive    = errors.New("account inactive")
	ErrActivationInvalid  = errors.New("activation invalid")
	ErrPinPolicyViolation = auth.ErrPinPolicyViolation
	ErrSessionRevoked     = errors.New("device session revoked")
	ErrSessionExpired     = errors.New("device session expired")
	// ErrReplayDetected is terminal: the device must activate again.
	ErrReplayDetected = errors.New("refresh token replay detected")
	ErrUserInactive   = errors.New("user inactive")

	ErrUnauthenticated       = errors.New("unauthenticated")
	ErrAccessTokenExpired    = errors.New("access token expired")
	ErrDeviceSessionNotFound = errors.New("device session not found")
	ErrPinIncorrect          = errors.New("incorrect pin")
	ErrPinLocked             = errors.New("too many pin attempts")

	// ErrInternal wraps storage and infrastructure failures. Its detail is
	// for logs only.
	ErrInternal = errors.New("internal error")
)

func internalError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrInternal, err)
}

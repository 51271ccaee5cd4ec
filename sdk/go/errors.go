package carevisit

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Sentinel errors returned by the SDK.
var (
	// ErrNoToken is returned when no access token is found in the request.
	ErrNoToken = errors.New("carevisit: no access token provided")

	// ErrTokenInvalid is returned when the access token is invalid, expired
	// or its device session ended.
	ErrTokenInvalid = errors.New("carevisit: token is invalid or expired")
)

// Error codes the API returns that callers usually branch on
const (
	CodeReplayDetected = "replay_detected"
	CodeSessionRevoked = "session_revoked"
	CodeSessionExpired = "session_expired"
	CodePinIncorrect   = "pin_incorrect"
	CodePinLocked      = "pin_locked"
	CodeTokenExpired   = "token_expired"
)

// APIError represents an error response from the CareVisit API.
type APIError struct {
	StatusCode int            `json:"-"`
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	RequestID  string         `json:"requestId,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("carevisit: API error %d [%s]: %s", e.StatusCode, e.Code, e.Message)
}

// apiErrorWrapper matches the CareVisit API error envelope.
type apiErrorWrapper struct {
	Error APIError `json:"error"`
}

func parseAPIError(statusCode int, body []byte) error {
	var wrapper apiErrorWrapper
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Error.Code != "" {
		apiErr := wrapper.Error
		apiErr.StatusCode = statusCode
		return &apiErr
	}

	return &APIError{
		StatusCode: statusCode,
		Code:       "unknown",
		Message:    string(body),
	}
}

// IsAPIError checks whether err is an APIError and returns it.
func IsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// MustReactivate reports whether the device session is gone for good and
// the app has to run activation again.
func MustReactivate(err error) bool {
	apiErr, ok := IsAPIError(err)
	if !ok {
		return false
	}
	switch apiErr.Code {
	case CodeReplayDetected, CodeSessionRevoked, CodeSessionExpired, CodePinLocked:
		return true
	}
	return false
}

// RemainingAttempts returns the PIN attempts left after a pin_incorrect
// error
func RemainingAttempts(err error) (int, bool) {
	apiErr, ok := IsAPIError(err)
	if !ok || apiErr.Code != CodePinIncorrect {
		return 0, false
	}
	n, ok := apiErr.Details["remainingAttempts"].(float64)
	return int(n), ok
}

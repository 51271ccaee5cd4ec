package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/carevisit/carevisit/internal/auth"
	"github.com/carevisit/carevisit/internal/logger"
	"github.com/carevisit/carevisit/internal/middleware"
	"github.com/carevisit/carevisit/internal/model"
	"github.com/carevisit/carevisit/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChecker struct{ err error }

func (s stubChecker) HealthCheck(context.Context) error { return s.err }

type stubActivation struct {
	activateReq service.ActivateRequest
	activateRes *service.ActivateResult
	redeemRes   *service.RedeemResult
	err         error
}

func (s *stubActivation) Activate(_ context.Context, req service.ActivateRequest) (*service.ActivateResult, error) {
	s.activateReq = req
	return s.activateRes, s.err
}

func (s *stubActivation) Redeem(_ context.Context, _ service.RedeemRequest) (*service.RedeemResult, error) {
	return s.redeemRes, s.err
}

type stubSessions struct {
	creds    *service.DeviceCredentials
	list     []*model.DeviceSession
	err      error
	revoked  []string
	reasons  []model.RevocationReason
	listedBy string
}

func (s *stubSessions) Rotate(context.Context, service.RotateRequest) (*service.DeviceCredentials, error) {
	return s.creds, s.err
}

func (s *stubSessions) Revoke(_ context.Context, id string, reason model.RevocationReason, _ service.ClientInfo) error {
	s.revoked = append(s.revoked, id)
	s.reasons = append(s.reasons, reason)
	return s.err
}

func (s *stubSessions) RevokeOwned(_ context.Context, _ string, id string, reason model.RevocationReason, _ service.ClientInfo) error {
	if s.err != nil {
		return s.err
	}
	s.revoked = append(s.revoked, id)
	s.reasons = append(s.reasons, reason)
	return nil
}

func (s *stubSessions) ListActiveSessions(_ context.Context, userID string) ([]*model.DeviceSession, error) {
	s.listedBy = userID
	return s.list, s.err
}

type stubUnlock struct {
	res *service.UnlockResult
	err error
}

func (s stubUnlock) Unlock(context.Context, string, string, service.ClientInfo) (*service.UnlockResult, error) {
	return s.res, s.err
}

type apiError struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apiError {
	t.Helper()
	var e apiError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e
}

func newTestHandler(a ActivationAPI, s SessionAPI, u UnlockAPI) *Handler {
	return New(stubChecker{}, stubChecker{}, logger.Nop(), a, s, u)
}

func authed(r *http.Request) *http.Request {
	return r.WithContext(middleware.WithPrincipal(r.Context(),
		&service.AuthenticatedUser{UserID: "usr_1", Email: "ana@example.com", Role: model.RoleCaregiver},
		&service.DeviceSessionContext{DeviceSessionID: "ds_1", DeviceFingerprint: "fp-1"},
	))
}

func TestWriteErrorMapping(t *testing.T) {
	h := newTestHandler(nil, nil, nil)
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{service.ErrInvalidCredentials, http.StatusUnauthorized, "invalid_credentials"},
		{service.ErrAccountInactive, http.StatusUnauthorized, "invalid_credentials"},
		{service.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
		{service.ErrActivationInvalid, http.StatusBadRequest, "activation_invalid"},
		{service.ErrSessionRevoked, http.StatusUnauthorized, "session_revoked"},
		{service.ErrSessionExpired, http.StatusUnauthorized, "session_expired"},
		{service.ErrReplayDetected, http.StatusUnauthorized, "replay_detected"},
		{service.ErrUserInactive, http.StatusForbidden, "user_inactive"},
		{service.ErrUnauthenticated, http.StatusUnauthorized, "unauthorized"},
		{service.ErrAccessTokenExpired, http.StatusUnauthorized, "token_expired"},
		{service.ErrDeviceSessionNotFound, http.StatusNotFound, "not_found"},
		{service.ErrPinLocked, http.StatusLocked, "pin_locked"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.WriteError(rec, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Error.Code)
		})
	}

	t.Run("pin policy rule", func(t *testing.T) {
		rec := httptest.NewRecorder()
		err := &auth.PinPolicyError{Rule: auth.PinRuleSequential, Message: "PIN must not be a sequence"}
		h.WriteError(rec, httptest.NewRequest(http.MethodGet, "/", nil), err)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		e := decodeError(t, rec)
		assert.Equal(t, "pin_policy_violation", e.Error.Code)
		assert.Equal(t, auth.PinRuleSequential, e.Error.Details["rule"])
	})
}

func TestActivate(t *testing.T) {
	expires := time.Now().Add(10 * time.Minute).UTC().Truncate(time.Second)
	a := &stubActivation{activateRes: &service.ActivateResult{
		ActivationSessionID: "act_1",
		ActivationToken:     "token",
		ExpiresAt:           expires,
	}}
	h := newTestHandler(a, nil, nil)

	r := httptest.NewRequest(http.MethodPost, "/api/v1/devices/activations",
		strings.NewReader(`{"email":"ana@example.com","password":"pw","deviceFingerprint":" fp-1 "}`))
	r.RemoteAddr = "192.0.2.1:4000"
	r.Header.Set("User-Agent", "carevisit-ios/2.1")
	rec := httptest.NewRecorder()
	h.Activate(rec, r)

	require.Equal(t, http.StatusCreated, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "act_1", body["activationSessionId"])
	assert.Equal(t, "token", body["activationToken"])
	assert.Equal(t, false, body["alreadyEnrolled"])

	assert.Equal(t, "fp-1", a.activateReq.DeviceFingerprint)
	require.NotNil(t, a.activateReq.Client.IPAddress)
	assert.Equal(t, "192.0.2.1", *a.activateReq.Client.IPAddress)
	require.NotNil(t, a.activateReq.Client.UserAgent)
	assert.Equal(t, "carevisit-ios/2.1", *a.activateReq.Client.UserAgent)
}

func TestActivateValidation(t *testing.T) {
	h := newTestHandler(&stubActivation{}, nil, nil)
	for _, body := range []string{
		``,
		`{"email":"ana@example.com"}`,
		`{"email":"ana@example.com","password":"pw","deviceFingerprint":"fp","extra":1}`,
	} {
		rec := httptest.NewRecorder()
		h.Activate(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.Equal(t, "validation_error", decodeError(t, rec).Error.Code)
	}
}

func TestActivateServiceError(t *testing.T) {
	h := newTestHandler(&stubActivation{err: service.ErrRateLimited}, nil, nil)
	rec := httptest.NewRecorder()
	h.Activate(rec, httptest.NewRequest(http.MethodPost, "/",
		strings.NewReader(`{"email":"ana@example.com","password":"pw","deviceFingerprint":"fp"}`)))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRedeem(t *testing.T) {
	session := &model.DeviceSession{
		ID:     "ds_1",
		UserID: "usr_1",
		Pin: model.PinVerifier{
			Hash:   "aGFzaA==",
			Salt:   "c2FsdA==",
			Params: model.ScryptParams{Algorithm: model.PinAlgorithmScrypt, N: 1024, R: 8, P: 1, KeyLen: 32},
		},
		TokenID:          "tok_secret",
		RefreshTokenHash: "hash_secret",
	}
	a := &stubActivation{redeemRes: &service.RedeemResult{
		Session:     session,
		User:        &model.User{ID: "usr_1", Email: "ana@example.com", PasswordHash: "argon"},
		Credentials: &service.DeviceCredentials{DeviceSessionID: "ds_1", AccessToken: "at", RefreshToken: "rt", RotationID: "rot_1"},
	}}
	h := newTestHandler(a, nil, nil)

	rec := httptest.NewRecorder()
	h.Redeem(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"activationToken":"t","pin":"2580"}`)))
	require.Equal(t, http.StatusCreated, rec.Code)

	raw := rec.Body.String()
	assert.NotContains(t, raw, "hash_secret")
	assert.NotContains(t, raw, "tok_secret")
	assert.NotContains(t, raw, "argon")

	var body struct {
		DeviceSession map[string]any            `json:"deviceSession"`
		Credentials   service.DeviceCredentials `json:"credentials"`
		PinVerifier   struct {
			Hash   string         `json:"hash"`
			Params map[string]any `json:"params"`
		} `json:"pinVerifier"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ds_1", body.DeviceSession["id"])
	assert.Equal(t, "rot_1", body.Credentials.RotationID)
	assert.Equal(t, "aGFzaA==", body.PinVerifier.Hash)
	assert.Equal(t, "scrypt", body.PinVerifier.Params["algorithm"])
}

func TestRefresh(t *testing.T) {
	s := &stubSessions{creds: &service.DeviceCredentials{DeviceSessionID: "ds_1", RotationID: "rot_2"}}
	h := newTestHandler(nil, s, nil)

	rec := httptest.NewRecorder()
	h.Refresh(rec, httptest.NewRequest(http.MethodPost, "/",
		strings.NewReader(`{"deviceSessionId":"ds_1","rotationId":"rot_1","refreshToken":"rt"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rot_2")

	s.err = service.ErrReplayDetected
	rec = httptest.NewRecorder()
	h.Refresh(rec, httptest.NewRequest(http.MethodPost, "/",
		strings.NewReader(`{"deviceSessionId":"ds_1","rotationId":"rot_1","refreshToken":"rt"}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "replay_detected", decodeError(t, rec).Error.Code)

	rec = httptest.NewRecorder()
	h.Refresh(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"deviceSessionId":"ds_1"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnlock(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		h := newTestHandler(nil, nil, stubUnlock{res: &service.UnlockResult{RemainingAttempts: 5}})
		rec := httptest.NewRecorder()
		h.Unlock(rec, authed(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"pin":"2580"}`))))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("incorrect", func(t *testing.T) {
		h := newTestHandler(nil, nil, stubUnlock{res: &service.UnlockResult{RemainingAttempts: 2}, err: service.ErrPinIncorrect})
		rec := httptest.NewRecorder()
		h.Unlock(rec, authed(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"pin":"1111"}`))))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		e := decodeError(t, rec)
		assert.Equal(t, "pin_incorrect", e.Error.Code)
		assert.EqualValues(t, 2, e.Error.Details["remainingAttempts"])
	})

	t.Run("locked", func(t *testing.T) {
		h := newTestHandler(nil, nil, stubUnlock{res: &service.UnlockResult{}, err: service.ErrPinLocked})
		rec := httptest.NewRecorder()
		h.Unlock(rec, authed(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"pin":"1111"}`))))
		assert.Equal(t, http.StatusLocked, rec.Code)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		h := newTestHandler(nil, nil, stubUnlock{})
		rec := httptest.NewRecorder()
		h.Unlock(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"pin":"1111"}`)))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestLogout(t *testing.T) {
	s := &stubSessions{}
	h := newTestHandler(nil, s, nil)

	rec := httptest.NewRecorder()
	h.Logout(rec, authed(httptest.NewRequest(http.MethodDelete, "/", nil)))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"ds_1"}, s.revoked)
	assert.Equal(t, []model.RevocationReason{model.ReasonUserLogout}, s.reasons)
}

func TestListSessions(t *testing.T) {
	s := &stubSessions{}
	h := newTestHandler(nil, s, nil)

	rec := httptest.NewRecorder()
	h.ListSessions(rec, authed(httptest.NewRequest(http.MethodGet, "/", nil)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "usr_1", s.listedBy)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []any{}, body["sessions"])
	assert.Equal(t, "ds_1", body["currentDeviceSessionId"])
}

func TestRevokeSession(t *testing.T) {
	s := &stubSessions{}
	h := newTestHandler(nil, s, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/devices/sessions/{id}/revoke", h.RevokeSession)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodPost, "/api/v1/devices/sessions/ds_9/revoke", nil)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"ds_9"}, s.revoked)
	assert.Equal(t, []model.RevocationReason{model.ReasonUserRevoked}, s.reasons)

	s.err = service.ErrDeviceSessionNotFound
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodPost, "/api/v1/devices/sessions/ds_other/revoke", nil)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMe(t *testing.T) {
	h := newTestHandler(nil, nil, nil)
	rec := httptest.NewRecorder()
	h.Me(rec, authed(httptest.NewRequest(http.MethodGet, "/", nil)))
	require.Equal(t, http.StatusOK, rec.Code)

	var body MeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "usr_1", body.User.UserID)
	assert.Equal(t, "ds_1", body.DeviceSession.DeviceSessionID)
}

func TestHealth(t *testing.T) {
	h := New(stubChecker{}, stubChecker{err: errors.New("down")}, logger.Nop(), nil, nil, nil)

	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "healthy", body.Services["postgres"])
	assert.Equal(t, "unhealthy", body.Services["redis"])

	rec = httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h = newTestHandler(nil, nil, nil)
	rec = httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

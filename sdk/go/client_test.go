package carevisit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func apiError(w http.ResponseWriter, status int, code string, details map[string]any) {
	writeJSON(w, status, map[string]any{"error": map[string]any{"code": code, "message": code, "details": details}})
}

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL + "/"})
}

func TestActivateAndRedeem(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/devices/activations", func(w http.ResponseWriter, r *http.Request) {
		var req ActivateRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "fp-1", req.DeviceFingerprint)
		writeJSON(w, http.StatusCreated, Activation{ActivationSessionID: "act_1", ActivationToken: "tok"})
	})
	mux.HandleFunc("POST /api/v1/devices/activations/redeem", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"deviceSession":{"id":"ds_1"},"credentials":{"deviceSessionId":"ds_1","rotationId":"rot_1","refreshToken":"rt"},"pinVerifier":{"hash":"h","salt":"s","params":"16384:8:1"}}`))
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	act, err := c.Activate(ctx, ActivateRequest{Email: "ana@example.com", Password: "pw", DeviceFingerprint: "fp-1"})
	require.NoError(t, err)
	assert.Equal(t, "tok", act.ActivationToken)

	enr, err := c.Redeem(ctx, RedeemRequest{ActivationToken: act.ActivationToken, PIN: "2580"})
	require.NoError(t, err)
	assert.Equal(t, "ds_1", enr.DeviceSession.ID)
	assert.Equal(t, "rot_1", enr.Credentials.RotationID)
	assert.JSONEq(t, `"16384:8:1"`, string(enr.PinVerifier.Params))
}

func TestRefreshReplay(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/devices/sessions/refresh", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["rotationId"] != "rot_2" {
			apiError(w, http.StatusUnauthorized, CodeReplayDetected, nil)
			return
		}
		writeJSON(w, http.StatusOK, Credentials{DeviceSessionID: "ds_1", RotationID: "rot_3"})
	})
	c := newTestClient(t, mux)

	next, err := c.Refresh(context.Background(), Credentials{DeviceSessionID: "ds_1", RotationID: "rot_2", RefreshToken: "rt"})
	require.NoError(t, err)
	assert.Equal(t, "rot_3", next.RotationID)

	_, err = c.Refresh(context.Background(), Credentials{DeviceSessionID: "ds_1", RotationID: "rot_1", RefreshToken: "rt"})
	require.Error(t, err)
	apiErr, ok := IsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.True(t, MustReactivate(err))
}

func TestUnlockRemainingAttempts(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/devices/sessions/current/unlock", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer at", r.Header.Get("Authorization"))
		apiError(w, http.StatusUnauthorized, CodePinIncorrect, map[string]any{"remainingAttempts": 2})
	})
	c := newTestClient(t, mux)

	_, err := c.Unlock(context.Background(), "at", "1111")
	n, ok := RemainingAttempts(err)
	require.True(t, ok)
	assert.Equal(t, 2, n)
	assert.False(t, MustReactivate(err))
}

func TestLogoutAndRevoke(t *testing.T) {
	var revoked string
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /api/v1/devices/sessions/current", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /api/v1/devices/sessions/{id}/revoke", func(w http.ResponseWriter, r *http.Request) {
		revoked = r.PathValue("id")
		writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
	})
	c := newTestClient(t, mux)

	require.NoError(t, c.Logout(context.Background(), "at"))
	require.NoError(t, c.RevokeSession(context.Background(), "at", "ds_2"))
	assert.Equal(t, "ds_2", revoked)
}

func TestValidateTokenCaches(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/me", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer good" {
			apiError(w, http.StatusUnauthorized, CodeSessionRevoked, nil)
			return
		}
		writeJSON(w, http.StatusOK, Me{
			User:          User{UserID: "usr_1"},
			DeviceSession: DeviceContext{DeviceSessionID: "ds_1", AccessTokenExpiresAt: time.Now().Add(time.Hour)},
		})
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		me, err := c.ValidateToken(ctx, "good")
		require.NoError(t, err)
		assert.Equal(t, "usr_1", me.User.UserID)
	}
	assert.Equal(t, int32(1), calls.Load())

	c.InvalidateToken("good")
	_, err := c.ValidateToken(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	_, err = c.ValidateToken(ctx, "bad")
	assert.ErrorIs(t, err, ErrTokenInvalid)
	_, err = c.ValidateToken(ctx, "")
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestMiddleware(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			apiError(w, http.StatusUnauthorized, CodeTokenExpired, nil)
			return
		}
		writeJSON(w, http.StatusOK, Me{User: User{UserID: "usr_1"}})
	})
	c := newTestClient(t, mux)

	var seen string
	h := c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		me, ok := FromContext(r.Context())
		require.True(t, ok)
		seen = me.User.UserID
	}))

	r := httptest.NewRequest(http.MethodGet, "/visits", nil)
	r.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "usr_1", seen)

	for _, header := range []string{"", "Bearer bad"} {
		r := httptest.NewRequest(http.MethodGet, "/visits", nil)
		if header != "" {
			r.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}
}

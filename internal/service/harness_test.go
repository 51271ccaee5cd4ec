package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/carevisit/carevisit/internal/auth"
	"github.com/carevisit/carevisit/internal/config"
	"github.com/carevisit/carevisit/internal/logger"
	"github.com/carevisit/carevisit/internal/model"
	"github.com/stretchr/testify/require"
)

const (
	testPassword = "correct horse battery"
	testPIN      = "2580"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testSecurityConfig() config.SecurityConfig {
	return config.SecurityConfig{
		Password: config.PasswordConfig{
			MinLength:         8,
			Argon2Memory:      64,
			Argon2Iterations:  1,
			Argon2Parallelism: 1,
		},
		PIN: config.PINConfig{
			MinLength:           4,
			MaxLength:           8,
			DigitsOnly:          true,
			ScryptN:             1024,
			ScryptR:             8,
			ScryptP:             1,
			ScryptKeyLen:        32,
			MaxConcurrentHashes: 4,
			MaxUnlockAttempts:   3,
			UnlockWindow:        15 * time.Minute,
		},
		Tokens: config.TokenConfig{
			AccessTokenTTL:    15 * time.Minute,
			RefreshTokenTTL:   30 * 24 * time.Hour,
			SigningAlgorithm:  auth.AlgorithmEd25519,
			Issuer:            "carevisit-test",
			Pepper:            "test-pepper",
			KeyRotationPeriod: 90 * 24 * time.Hour,
		},
		Activation: config.ActivationConfig{
			SessionTTL:    10 * time.Minute,
			MaxAttempts:   5,
			AttemptWindow: 15 * time.Minute,
		},
	}
}

type harness struct {
	cfg        config.SecurityConfig
	store      *memStore
	clock      *testClock
	keys       *auth.KeySet
	issuer     *auth.TokenIssuer
	pins       *auth.PinHasher
	events     *recordingPublisher
	notifier   *recordingNotifier
	activation *ActivationService
	sessions   *SessionService
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := testSecurityConfig()
	key, err := auth.GenerateKey("key_test", auth.AlgorithmEd25519, time.Now())
	require.NoError(t, err)
	keys := auth.NewKeySet(key)
	require.NoError(t, keys.Activate(key.ID))

	h := &harness{
		cfg:      cfg,
		store:    newMemStore(),
		clock:    &testClock{now: time.Now()},
		keys:     keys,
		issuer:   auth.NewTokenIssuer(keys, cfg.Tokens),
		pins:     auth.NewPinHasher(cfg.PIN),
		events:   &recordingPublisher{},
		notifier: &recordingNotifier{},
	}

	h.activation = NewActivationService(ActivationDeps{
		Tx:          h.store,
		Activations: memActivations{h.store},
		Sessions:    memSessions{h.store},
		Users:       memUsers{h.store},
		Audit:       memAudit{h.store},
		Pins:        h.pins,
		Tokens:      h.issuer,
		Events:      h.events,
		Notifier:    h.notifier,
	}, cfg, logger.Nop())
	h.activation.now = h.clock.Now

	h.sessions = NewSessionService(SessionDeps{
		Tx:       h.store,
		Sessions: memSessions{h.store},
		Audit:    memAudit{h.store},
		Tokens:   h.issuer,
		Events:   h.events,
		Notifier: h.notifier,
	}, cfg.Tokens, logger.Nop())
	h.sessions.now = h.clock.Now

	return h
}

func (h *harness) addUser(t *testing.T, id, email string, active bool) *model.User {
	t.Helper()
	hash, err := auth.HashPassword(testPassword, auth.NewArgon2Params(h.cfg.Password))
	require.NoError(t, err)
	zone := "zone_north"
	u := &model.User{
		ID:           id,
		Email:        email,
		PasswordHash: hash,
		FirstName:    "Ana",
		LastName:     "Silva",
		Role:         model.RoleCaregiver,
		ZoneID:       &zone,
		IsActive:     active,
		CreatedAt:    h.clock.Now(),
		UpdatedAt:    h.clock.Now(),
	}
	h.store.addUser(u)
	return u
}

func (h *harness) activate(t *testing.T, email, fingerprint string) *ActivateResult {
	t.Helper()
	res, err := h.activation.Activate(context.Background(), ActivateRequest{
		Email:             email,
		Password:          testPassword,
		DeviceFingerprint: fingerprint,
	})
	require.NoError(t, err)
	return res
}

// enroll activates and redeems a device for email
func (h *harness) enroll(t *testing.T, email, fingerprint string) *RedeemResult {
	t.Helper()
	act := h.activate(t, email, fingerprint)
	res, err := h.activation.Redeem(context.Background(), RedeemRequest{
		ActivationToken: act.ActivationToken,
		PIN:             testPIN,
	})
	require.NoError(t, err)
	return res
}

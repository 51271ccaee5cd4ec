// Package carevisit is a client for the CareVisit device session API. The
// mobile app side uses Activate, Redeem and Refresh. Backend services use
// ValidateToken or the Middleware to check device access tokens.
package carevisit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Config holds the configuration for the CareVisit client.
type Config struct {
	// BaseURL is the root URL of the CareVisit server.
	// The "/api/v1" suffix is appended automatically if missing.
	BaseURL string

	// CacheTTL controls how long validated tokens are cached in memory.
	// Negative disables caching. Default: 30 seconds
	CacheTTL time.Duration

	// HTTPClient is an optional custom HTTP client.
	// If nil, a default client with 10s timeout is used.
	HTTPClient *http.Client

	// UserAgent is sent with every request when set
	UserAgent string
}

func (c *Config) defaults() {
	if c.CacheTTL == 0 {
		c.CacheTTL = 30 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")
	if !strings.HasSuffix(c.BaseURL, "/api/v1") {
		c.BaseURL = c.BaseURL + "/api/v1"
	}
}

// Client is the CareVisit SDK client.
type Client struct {
	cfg   Config
	cache *tokenCache
}

// NewClient creates a new CareVisit client with the given configuration.
func NewClient(cfg Config) *Client {
	cfg.defaults()
	return &Client{
		cfg:   cfg,
		cache: newTokenCache(),
	}
}

// Activate checks credentials and returns an activation token for the
// device.
func (c *Client) Activate(ctx context.Context, req ActivateRequest) (*Activation, error) {
	var resp Activation
	if err := c.do(ctx, http.MethodPost, "/devices/activations", req, "", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Redeem exchanges the activation token and a new PIN for a device session.
func (c *Client) Redeem(ctx context.Context, req RedeemRequest) (*Enrollment, error) {
	var resp Enrollment
	if err := c.do(ctx, http.MethodPost, "/devices/activations/redeem", req, "", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Refresh rotates creds. The returned credentials replace creds entirely;
// presenting creds again afterwards revokes the device session.
func (c *Client) Refresh(ctx context.Context, creds Credentials) (*Credentials, error) {
	payload := map[string]string{
		"deviceSessionId": creds.DeviceSessionID,
		"rotationId":      creds.RotationID,
		"refreshToken":    creds.RefreshToken,
	}
	var resp Credentials
	if err := c.do(ctx, http.MethodPost, "/devices/sessions/refresh", payload, "", &resp); err != nil {
		return nil, err
	}
	c.cache.delete(creds.AccessToken)
	return &resp, nil
}

// Unlock checks pin against the device session of accessToken.
func (c *Client) Unlock(ctx context.Context, accessToken, pin string) (*UnlockResult, error) {
	var resp UnlockResult
	if err := c.do(ctx, http.MethodPost, "/devices/sessions/current/unlock", map[string]string{"pin": pin}, accessToken, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Logout ends the device session of accessToken.
func (c *Client) Logout(ctx context.Context, accessToken string) error {
	if err := c.do(ctx, http.MethodDelete, "/devices/sessions/current", nil, accessToken, nil); err != nil {
		return err
	}
	c.cache.delete(accessToken)
	return nil
}

// ListSessions lists the caller's active device sessions.
func (c *Client) ListSessions(ctx context.Context, accessToken string) (*SessionList, error) {
	var resp SessionList
	if err := c.do(ctx, http.MethodGet, "/devices/sessions", nil, accessToken, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RevokeSession revokes another of the caller's device sessions.
func (c *Client) RevokeSession(ctx context.Context, accessToken, deviceSessionID string) error {
	return c.do(ctx, http.MethodPost, "/devices/sessions/"+url.PathEscape(deviceSessionID)+"/revoke", nil, accessToken, nil)
}

// ValidateToken resolves a device access token by calling /me. Results are
// cached according to CacheTTL to reduce network calls.
func (c *Client) ValidateToken(ctx context.Context, accessToken string) (*Me, error) {
	if accessToken == "" {
		return nil, ErrNoToken
	}

	if c.cfg.CacheTTL > 0 {
		if me, ok := c.cache.get(accessToken); ok {
			return me, nil
		}
	}

	var me Me
	err := c.do(ctx, http.MethodGet, "/me", nil, accessToken, &me)
	if apiErr, ok := IsAPIError(err); ok && apiErr.StatusCode == http.StatusUnauthorized {
		return nil, ErrTokenInvalid
	}
	if err != nil {
		return nil, err
	}

	if c.cfg.CacheTTL > 0 {
		ttl := c.cfg.CacheTTL
		if until := time.Until(me.DeviceSession.AccessTokenExpiresAt); until > 0 && until < ttl {
			ttl = until
		}
		c.cache.set(accessToken, &me, ttl)
	}
	return &me, nil
}

// InvalidateToken removes a token from the local cache.
func (c *Client) InvalidateToken(accessToken string) {
	c.cache.delete(accessToken)
}

// do sends a request to the CareVisit API and decodes a successful
// response into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, payload any, token string, out any) error {
	var bodyReader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("carevisit: failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("carevisit: failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("carevisit: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("carevisit: failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseAPIError(resp.StatusCode, body)
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("carevisit: failed to parse response: %w", err)
	}
	return nil
}

// tokenCache provides in-memory caching for validated tokens.
type tokenCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	me        *Me
	expiresAt time.Time
}

func newTokenCache() *tokenCache {
	return &tokenCache{entries: make(map[string]cacheEntry)}
}

func (tc *tokenCache) get(token string) (*Me, bool) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	entry, ok := tc.entries[token]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.me, true
}

func (tc *tokenCache) set(token string, me *Me, ttl time.Duration) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	now := time.Now()
	for k, e := range tc.entries {
		if now.After(e.expiresAt) {
			delete(tc.entries, k)
		}
	}
	tc.entries[token] = cacheEntry{me: me, expiresAt: now.Add(ttl)}
}

func (tc *tokenCache) delete(token string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	delete(tc.entries, token)
}

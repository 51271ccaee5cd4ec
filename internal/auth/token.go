package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/carevisit/carevisit/internal/auth/hybrid"
	"github.com/carevisit/carevisit/internal/config"
	"github.com/carevisit/carevisit/internal/model"
	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrTokenExpired is returned by Verify, with the token's claims, for a
	// well-signed but expired token
	ErrTokenExpired = errors.New("access token expired")
	// ErrTokenInvalid covers every other verification failure
	ErrTokenInvalid = errors.New("access token invalid")
)

// AccessClaims is what a device access token asserts
type AccessClaims struct {
	UserID          string
	Role            model.Role
	ZoneID          *string
	DeviceSessionID string
	// TokenID is the device session's current token id, carried as jti
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Role      string  `json:"role"`
	ZoneID    *string `json:"zone_id,omitempty"`
	SessionID string  `json:"sid"`
}

// TokenIssuer signs and verifies device access tokens with a KeySet
type TokenIssuer struct {
	keys   *KeySet
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer creates a TokenIssuer over keys
func NewTokenIssuer(keys *KeySet, cfg config.TokenConfig) *TokenIssuer {
	return &TokenIssuer{
		keys:   keys,
		issuer: cfg.Issuer,
		ttl:    cfg.AccessTokenTTL,
		now:    time.Now,
	}
}

// TTL returns the access token lifetime
func (t *TokenIssuer) TTL() time.Duration {
	return t.ttl
}

// Sign issues an access token for c. IssuedAt and ExpiresAt are filled in
// when zero. The returned claims carry the effective times.
func (t *TokenIssuer) Sign(c AccessClaims) (string, AccessClaims, error) {
	key, err := t.keys.Active()
	if err != nil {
		return "", c, err
	}

	if c.IssuedAt.IsZero() {
		c.IssuedAt = t.now()
	}
	if c.ExpiresAt.IsZero() {
		c.ExpiresAt = c.IssuedAt.Add(t.ttl)
	}

	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   c.UserID,
			ID:        c.TokenID,
			IssuedAt:  jwt.NewNumericDate(c.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(c.ExpiresAt),
		},
		Role:      string(c.Role),
		ZoneID:    c.ZoneID,
		SessionID: c.DeviceSessionID,
	}

	var (
		token   *jwt.Token
		signKey any
	)
	switch key.Algorithm {
	case AlgorithmHybrid:
		token = jwt.NewWithClaims(hybrid.SigningMethod, claims)
		signKey = key.Pair
	case AlgorithmEd25519:
		token = jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
		signKey = key.Pair.ClassicalPrivate
	default:
		return "", c, fmt.Errorf("%w: %s", ErrUnsupportedKeyAlg, key.Algorithm)
	}
	token.Header["kid"] = key.ID

	signed, err := token.SignedString(signKey)
	if err != nil {
		return "", c, fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, c, nil
}

// Verify checks the signature, issuer and expiry of tokenString. A
// well-signed token that has only expired returns its claims together with
// ErrTokenExpired so callers can still tell which session it belonged to.
func (t *TokenIssuer) Verify(tokenString string) (*AccessClaims, error) {
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, t.keyFunc,
		jwt.WithValidMethods([]string{hybrid.AlgName, jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	expired := errors.Is(err, jwt.ErrTokenExpired)
	if err != nil && !expired {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	// Claims validation joins its errors, so an expired token may hide a
	// wrong issuer.
	if expired && claims.Issuer != t.issuer {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	if claims.Subject == "" || claims.ID == "" || claims.SessionID == "" || claims.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: missing claims", ErrTokenInvalid)
	}

	out := &AccessClaims{
		UserID:          claims.Subject,
		Role:            model.Role(claims.Role),
		ZoneID:          claims.ZoneID,
		DeviceSessionID: claims.SessionID,
		TokenID:         claims.ID,
		ExpiresAt:       claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	if expired {
		return out, ErrTokenExpired
	}
	return out, nil
}

func (t *TokenIssuer) keyFunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	key, err := t.keys.Lookup(kid)
	if err != nil {
		return nil, err
	}

	switch token.Method.Alg() {
	case hybrid.AlgName:
		if key.Algorithm != AlgorithmHybrid {
			return nil, fmt.Errorf("algorithm mismatch for key %s", kid)
		}
		return key.Pair.Public(), nil
	case jwt.SigningMethodEdDSA.Alg():
		if key.Algorithm != AlgorithmEd25519 {
			return nil, fmt.Errorf("algorithm mismatch for key %s", kid)
		}
		return key.Pair.ClassicalPublic, nil
	default:
		return nil, fmt.Errorf("unexpected signing method %s", token.Method.Alg())
	}
}

package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// secretBytes is the entropy of activation tokens and refresh tokens
const secretBytes = 32

// GenerateSecret returns a random URL-safe token
func GenerateSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// TokenHasher hashes opaque bearer secrets for storage. The hash is keyed
// with a server-side pepper so a leaked table cannot be brute forced offline,
// and it is deterministic so rows can be looked up by it.
type TokenHasher struct {
	key []byte
}

// NewTokenHasher creates a TokenHasher keyed with pepper
func NewTokenHasher(pepper string) *TokenHasher {
	return &TokenHasher{key: []byte(pepper)}
}

// Hash returns the hex HMAC-SHA256 of token
func (h *TokenHasher) Hash(token string) string {
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// Matches reports whether token hashes to hash, in constant time
func (h *TokenHasher) Matches(token, hash string) bool {
	return hmac.Equal([]byte(h.Hash(token)), []byte(hash))
}

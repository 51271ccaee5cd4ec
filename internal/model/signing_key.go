package model

import "time"

// SigningKey is a token signing key as persisted in signing_keys.
// RetiredAt is set once the key stops signing; it keeps verifying until
// VerifyUntil.
type SigningKey struct {
	ID          string     `json:"id"`
	Algorithm   string     `json:"algorithm"`
	PublicKey   []byte     `json:"-"`
	PrivateKey  []byte     `json:"-"`
	IsActive    bool       `json:"isActive"`
	VerifyUntil time.Time  `json:"verifyUntil"`
	CreatedAt   time.Time  `json:"createdAt"`
	RetiredAt   *time.Time `json:"retiredAt,omitempty"`
}

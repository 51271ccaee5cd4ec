package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/carevisit/carevisit/internal/config"
	"github.com/carevisit/carevisit/internal/model"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/sync/semaphore"
)

const (
	pinSaltLength = 16

	// Stored params are untrusted. Cap the work a verify can be made to do.
	maxScryptMemory = 256 << 20
	minKeyLength    = 16
	maxKeyLength    = 128

	// Legacy verifiers that omit the key length were always 64 bytes.
	legacyKeyLength = 64
)

// PinHasher derives and verifies offline PIN verifiers with scrypt.
// Concurrent derivations are bounded so bursts of redemptions cannot pin
// every CPU.
type PinHasher struct {
	params model.ScryptParams
	sem    *semaphore.Weighted
}

// NewPinHasher creates a PinHasher from configuration
func NewPinHasher(cfg config.PINConfig) *PinHasher {
	limit := cfg.MaxConcurrentHashes
	if limit <= 0 {
		limit = 1
	}
	return &PinHasher{
		params: model.ScryptParams{
			Algorithm: model.PinAlgorithmScrypt,
			N:         cfg.ScryptN,
			R:         cfg.ScryptR,
			P:         cfg.ScryptP,
			KeyLen:    cfg.ScryptKeyLen,
		},
		sem: semaphore.NewWeighted(limit),
	}
}

// Params returns the parameters new verifiers are written with
func (h *PinHasher) Params() model.ScryptParams {
	return h.params
}

// Hash derives a new verifier for pin with a fresh salt
func (h *PinHasher) Hash(ctx context.Context, pin string) (model.PinVerifier, error) {
	salt := make([]byte, pinSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return model.PinVerifier{}, fmt.Errorf("failed to generate salt: %w", err)
	}

	key, err := h.derive(ctx, pin, salt, h.params)
	if err != nil {
		return model.PinVerifier{}, err
	}

	return model.PinVerifier{
		Hash:   base64.StdEncoding.EncodeToString(key),
		Salt:   base64.StdEncoding.EncodeToString(salt),
		Params: h.params,
	}, nil
}

// Verify reports whether pin matches stored. Any malformed verifier,
// unknown params variant or cancelled context yields false.
func (h *PinHasher) Verify(ctx context.Context, pin string, stored model.PinVerifier) bool {
	want, err := base64.StdEncoding.DecodeString(stored.Hash)
	if err != nil || len(want) == 0 {
		return false
	}
	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil || len(salt) == 0 {
		return false
	}

	var params model.ScryptParams
	switch p := stored.Params.(type) {
	case model.ScryptParams:
		if p.Algorithm != model.PinAlgorithmScrypt {
			return false
		}
		params = p
	case model.LegacyPinParams:
		params, err = parseLegacyParams(p, len(want))
		if err != nil {
			return false
		}
	default:
		return false
	}

	if params.KeyLen != len(want) {
		return false
	}

	got, err := h.derive(ctx, pin, salt, params)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(got, want) == 1
}

func (h *PinHasher) derive(ctx context.Context, pin string, salt []byte, p model.ScryptParams) ([]byte, error) {
	if err := checkParams(p); err != nil {
		return nil, err
	}
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer h.sem.Release(1)

	key, err := scrypt.Key([]byte(pin), salt, p.N, p.R, p.P, p.KeyLen)
	if err != nil {
		return nil, fmt.Errorf("failed to derive pin key: %w", err)
	}
	return key, nil
}

func checkParams(p model.ScryptParams) error {
	switch {
	case p.N < 2 || p.N&(p.N-1) != 0:
		return fmt.Errorf("scrypt N must be a power of two greater than one, got %d", p.N)
	case p.R <= 0 || p.P <= 0:
		return fmt.Errorf("scrypt r and p must be positive, got r=%d p=%d", p.R, p.P)
	case p.KeyLen < minKeyLength || p.KeyLen > maxKeyLength:
		return fmt.Errorf("scrypt key length %d out of range", p.KeyLen)
	case int64(128)*int64(p.N)*int64(p.R) > maxScryptMemory:
		return fmt.Errorf("scrypt params exceed memory limit")
	}
	return nil
}

// parseLegacyParams reads "N:r:p" or "N:r:p:keylen"
func parseLegacyParams(raw model.LegacyPinParams, hashLen int) (model.ScryptParams, error) {
	parts := strings.Split(strings.TrimSpace(string(raw)), ":")
	if len(parts) != 3 && len(parts) != 4 {
		return model.ScryptParams{}, fmt.Errorf("legacy pin params: want 3 or 4 fields, got %d", len(parts))
	}

	nums := make([]int, len(parts))
	for i, s := range parts {
		n, err := strconv.Atoi(s)
		if err != nil {
			return model.ScryptParams{}, fmt.Errorf("legacy pin params: %w", err)
		}
		nums[i] = n
	}

	p := model.ScryptParams{
		Algorithm: model.PinAlgorithmScrypt,
		N:         nums[0],
		R:         nums[1],
		P:         nums[2],
		KeyLen:    legacyKeyLength,
	}
	if len(nums) == 4 {
		p.KeyLen = nums[3]
	} else if hashLen != legacyKeyLength {
		return model.ScryptParams{}, fmt.Errorf("legacy pin params: hash is %d bytes", hashLen)
	}
	return p, nil
}

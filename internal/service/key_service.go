package service

import (
	"context"
	"fmt"
	"time"

	"github.com/carevisit/carevisit/internal/auth"
	"github.com/carevisit/carevisit/internal/auth/hybrid"
	"github.com/carevisit/carevisit/internal/config"
	"github.com/carevisit/carevisit/internal/logger"
	"github.com/carevisit/carevisit/internal/model"
)

// keyVerificationValidity is how long a key keeps verifying after it was
// created and its rotation period elapsed.
const keyVerificationValidity = 365 * 24 * time.Hour

// SigningKeyStore persists signing keys. Implemented by
// *repository.SigningKeyRepository.
type SigningKeyStore interface {
	Create(ctx context.Context, key *model.SigningKey) error
	ListVerifiable(ctx context.Context, now time.Time) ([]*model.SigningKey, error)
	RetireActive(ctx context.Context, now time.Time) error
}

// KeyService keeps the in-memory key set in step with signing_keys
type KeyService struct {
	tx             TxRunner
	repo           SigningKeyStore
	keys           *auth.KeySet
	audit          auditor
	algorithm      string
	rotationPeriod time.Duration
	log            *logger.Logger
	now            func() time.Time
}

// NewKeyService creates a new KeyService over keys
func NewKeyService(tx TxRunner, repo SigningKeyStore, keys *auth.KeySet, audit AuditRecorder, cfg config.TokenConfig, log *logger.Logger) *KeyService {
	l := log.WithComponent("key_service")
	algorithm := cfg.SigningAlgorithm
	if algorithm == "" {
		algorithm = auth.AlgorithmHybrid
	}
	return &KeyService{
		tx:             tx,
		repo:           repo,
		keys:           keys,
		audit:          auditor{repo: audit, log: l},
		algorithm:      algorithm,
		rotationPeriod: cfg.KeyRotationPeriod,
		log:            l,
		now:            time.Now,
	}
}

// Initialize loads stored keys and makes sure a fresh signing key of the
// configured algorithm is active. Call this at server startup.
func (s *KeyService) Initialize(ctx context.Context) error {
	active, err := s.Reload(ctx)
	if err != nil {
		return err
	}

	switch {
	case active == nil:
		s.log.Info().Str("algorithm", s.algorithm).Msg("no active signing key found, generating new one")
	case active.Algorithm != s.algorithm:
		s.log.Info().Str("key_id", active.ID).Str("algorithm", s.algorithm).Msg("signing algorithm changed, rotating")
	case s.NeedsRotation(active):
		s.log.Info().Str("key_id", active.ID).Msg("active key needs rotation")
	default:
		return nil
	}

	if _, err := s.Rotate(ctx, ""); err != nil {
		return fmt.Errorf("failed to rotate signing key: %w", err)
	}
	return nil
}

// Reload installs every key still valid for verification, drops the rest,
// and activates the stored active key. It returns that key, or nil when the
// store has none that can sign.
func (s *KeyService) Reload(ctx context.Context) (*auth.Key, error) {
	stored, err := s.repo.ListVerifiable(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to load signing keys: %w", err)
	}

	seen := make(map[string]bool, len(stored))
	var active *auth.Key
	for _, sk := range stored {
		k, err := auth.ParseKey(sk.ID, sk.Algorithm, sk.PublicKey, sk.PrivateKey, sk.CreatedAt)
		if err != nil {
			s.log.Warn().Err(err).Str("key_id", sk.ID).Msg("skipping unreadable signing key")
			continue
		}
		s.keys.Install(k)
		seen[k.ID] = true
		if sk.IsActive && k.CanSign() && active == nil {
			active = k
		}
	}

	for _, id := range s.keys.IDs() {
		if !seen[id] {
			s.keys.Retire(id)
		}
	}

	if active != nil {
		if err := s.keys.Activate(active.ID); err != nil {
			return nil, fmt.Errorf("failed to activate signing key: %w", err)
		}
	}

	s.log.Debug().Int("count", len(seen)).Msg("loaded signing keys")
	return active, nil
}

// Rotate generates a new signing key, retires the current one and
// activates the new key. An empty algorithm means the configured one.
func (s *KeyService) Rotate(ctx context.Context, algorithm string) (*model.SigningKey, error) {
	if algorithm == "" {
		algorithm = s.algorithm
	}
	now := s.now()

	key, err := auth.GenerateKey(generateID("sk"), algorithm, now)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	pub, priv, err := key.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to encode signing key: %w", err)
	}

	// TODO: encrypt private_key with a KMS-held key before it is stored.
	stored := &model.SigningKey{
		ID:          key.ID,
		Algorithm:   algorithm,
		PublicKey:   pub,
		PrivateKey:  priv,
		IsActive:    true,
		VerifyUntil: now.Add(s.rotationPeriod + keyVerificationValidity),
		CreatedAt:   now,
	}

	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.repo.RetireActive(ctx, now); err != nil {
			return err
		}
		return s.repo.Create(ctx, stored)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store signing key: %w", err)
	}

	previous, _ := s.keys.Active()
	s.keys.Install(key)
	if err := s.keys.Activate(key.ID); err != nil {
		return nil, err
	}
	if previous != nil {
		s.keys.Install(verifyOnly(previous))
	}

	s.audit.record(ctx, "", model.AuditActionKeyRotation, model.ResourceTypeSigningKey, key.ID, ClientInfo{},
		map[string]any{"algorithm": algorithm}, now)
	s.log.Info().Str("new_key_id", key.ID).Str("algorithm", algorithm).Msg("signing key rotated")
	return stored, nil
}

// NeedsRotation reports whether k has been signing longer than the
// rotation period
func (s *KeyService) NeedsRotation(k *auth.Key) bool {
	return s.rotationPeriod > 0 && s.now().Sub(k.CreatedAt) > s.rotationPeriod
}

// Run reloads keys every interval until ctx is done, so keys rotated by
// another process are picked up.
func (s *KeyService) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Reload(ctx); err != nil {
				s.log.Error().Err(err).Msg("failed to reload signing keys")
			}
		}
	}
}

func verifyOnly(k *auth.Key) *auth.Key {
	return &auth.Key{
		ID:        k.ID,
		Algorithm: k.Algorithm,
		Pair: &hybrid.KeyPair{
			ClassicalPublic: k.Pair.ClassicalPublic,
			PQPublic:        k.Pair.PQPublic,
		},
		CreatedAt: k.CreatedAt,
	}
}

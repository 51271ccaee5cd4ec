package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/carevisit/carevisit/internal/auth/hybrid"
)

// Signing algorithms as stored in signing_keys.algorithm
const (
	AlgorithmHybrid  = "hybrid"
	AlgorithmEd25519 = "ed25519"
)

var (
	ErrNoActiveKey       = errors.New("no active signing key")
	ErrUnknownKey        = errors.New("unknown signing key")
	ErrKeyCannotSign     = errors.New("signing key has no private material")
	ErrUnsupportedKeyAlg = errors.New("unsupported signing algorithm")
)

// Key is one signing key. Verify-only keys have no private halves.
type Key struct {
	ID        string
	Algorithm string
	Pair      *hybrid.KeyPair
	CreatedAt time.Time
}

// GenerateKey creates a new signing key for algorithm
func GenerateKey(id, algorithm string, now time.Time) (*Key, error) {
	var pair *hybrid.KeyPair
	switch algorithm {
	case AlgorithmHybrid:
		kp, err := hybrid.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		pair = kp
	case AlgorithmEd25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("ed25519 keygen: %w", err)
		}
		pair = &hybrid.KeyPair{ClassicalPublic: pub, ClassicalPrivate: priv}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKeyAlg, algorithm)
	}
	return &Key{ID: id, Algorithm: algorithm, Pair: pair, CreatedAt: now}, nil
}

// ParseKey rebuilds a key from its stored encoding. priv may be empty.
func ParseKey(id, algorithm string, pub, priv []byte, createdAt time.Time) (*Key, error) {
	k := &Key{ID: id, Algorithm: algorithm, CreatedAt: createdAt}
	switch algorithm {
	case AlgorithmHybrid:
		kp, err := hybrid.UnmarshalKeyPair(pub, priv)
		if err != nil {
			return nil, err
		}
		k.Pair = kp
	case AlgorithmEd25519:
		if len(pub) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("ed25519 public key is %d bytes", len(pub))
		}
		k.Pair = &hybrid.KeyPair{ClassicalPublic: ed25519.PublicKey(pub)}
		if len(priv) > 0 {
			if len(priv) != ed25519.PrivateKeySize {
				return nil, fmt.Errorf("ed25519 private key is %d bytes", len(priv))
			}
			k.Pair.ClassicalPrivate = ed25519.PrivateKey(priv)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKeyAlg, algorithm)
	}
	return k, nil
}

// Marshal returns the stored encoding of the key
func (k *Key) Marshal() (pub, priv []byte, err error) {
	switch k.Algorithm {
	case AlgorithmHybrid:
		if pub, err = hybrid.MarshalPublic(k.Pair.Public()); err != nil {
			return nil, nil, err
		}
		if k.CanSign() {
			if priv, err = hybrid.MarshalPrivate(k.Pair); err != nil {
				return nil, nil, err
			}
		}
		return pub, priv, nil
	case AlgorithmEd25519:
		return []byte(k.Pair.ClassicalPublic), []byte(k.Pair.ClassicalPrivate), nil
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnsupportedKeyAlg, k.Algorithm)
	}
}

// CanSign reports whether the key holds its private material
func (k *Key) CanSign() bool {
	if k.Pair == nil || k.Pair.ClassicalPrivate == nil {
		return false
	}
	return k.Algorithm != AlgorithmHybrid || k.Pair.PQPrivate != nil
}

// KeySet is the set of keys a TokenIssuer signs and verifies with. It is
// built explicitly at startup and may be changed at runtime, so rotation
// does not need a restart.
type KeySet struct {
	mu     sync.RWMutex
	keys   map[string]*Key
	active string
}

// NewKeySet creates a KeySet holding keys. No key is active until Activate.
func NewKeySet(keys ...*Key) *KeySet {
	s := &KeySet{keys: make(map[string]*Key, len(keys))}
	for _, k := range keys {
		s.keys[k.ID] = k
	}
	return s
}

// Install adds or replaces a key used for verification
func (s *KeySet) Install(k *Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[k.ID] = k
}

// Activate makes an installed key the signing key
func (s *KeySet) Activate(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return ErrUnknownKey
	}
	if !k.CanSign() {
		return ErrKeyCannotSign
	}
	s.active = id
	return nil
}

// Retire removes a key. Tokens signed with it no longer verify.
func (s *KeySet) Retire(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, id)
	if s.active == id {
		s.active = ""
	}
}

// Active returns the signing key
func (s *KeySet) Active() (*Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == "" {
		return nil, ErrNoActiveKey
	}
	return s.keys[s.active], nil
}

// Lookup returns the key with the given id
func (s *KeySet) Lookup(id string) (*Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, ErrUnknownKey
	}
	return k, nil
}

// IDs returns the ids of all installed keys, newest first
func (s *KeySet) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]*Key, 0, len(s.keys))
	for _, k := range s.keys {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.After(keys[j].CreatedAt) })
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = k.ID
	}
	return ids
}

// Package hybrid registers a JWT signing method that signs with Ed25519 and
// ML-DSA-65 at once. A signature verifies only if both halves verify.
package hybrid

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/golang-jwt/jwt/v5"
)

// AlgName is the JWT "alg" header value
const AlgName = "EdDSA+ML-DSA-65"

var (
	ErrSignatureInvalid = errors.New("hybrid: signature invalid")
	ErrKeyMaterial      = errors.New("hybrid: malformed key material")
)

// KeyPair holds the classical and post-quantum halves of a signing key
type KeyPair struct {
	ClassicalPrivate ed25519.PrivateKey
	ClassicalPublic  ed25519.PublicKey
	PQPrivate        *mldsa65.PrivateKey
	PQPublic         *mldsa65.PublicKey
}

// PublicKey holds both verification keys
type PublicKey struct {
	Classical ed25519.PublicKey
	PQ        *mldsa65.PublicKey
}

// Public returns the verification half of the pair
func (kp *KeyPair) Public() *PublicKey {
	return &PublicKey{Classical: kp.ClassicalPublic, PQ: kp.PQPublic}
}

// GenerateKeyPair creates a fresh Ed25519 + ML-DSA-65 pair
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ed25519 keygen: %w", err)
	}
	pqPub, pqPriv, err := mldsa65.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ml-dsa-65 keygen: %w", err)
	}
	return &KeyPair{
		ClassicalPrivate: priv,
		ClassicalPublic:  pub,
		PQPrivate:        pqPriv,
		PQPublic:         pqPub,
	}, nil
}

// MarshalPublic encodes the public halves as ed25519 pub || ml-dsa pub
func MarshalPublic(pk *PublicKey) ([]byte, error) {
	pq, err := pk.PQ.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal ml-dsa-65 public key: %w", err)
	}
	return append(append([]byte{}, pk.Classical...), pq...), nil
}

// MarshalPrivate encodes the private halves as ed25519 priv || ml-dsa priv
func MarshalPrivate(kp *KeyPair) ([]byte, error) {
	pq, err := kp.PQPrivate.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal ml-dsa-65 private key: %w", err)
	}
	return append(append([]byte{}, kp.ClassicalPrivate...), pq...), nil
}

// UnmarshalPublic decodes the output of MarshalPublic
func UnmarshalPublic(b []byte) (*PublicKey, error) {
	if len(b) != ed25519.PublicKeySize+mldsa65.PublicKeySize {
		return nil, fmt.Errorf("%w: public key is %d bytes", ErrKeyMaterial, len(b))
	}
	pq := new(mldsa65.PublicKey)
	if err := pq.UnmarshalBinary(b[ed25519.PublicKeySize:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyMaterial, err)
	}
	return &PublicKey{
		Classical: ed25519.PublicKey(append([]byte{}, b[:ed25519.PublicKeySize]...)),
		PQ:        pq,
	}, nil
}

// UnmarshalKeyPair decodes a stored pair. priv may be empty, in which case
// the pair can only verify.
func UnmarshalKeyPair(pub, priv []byte) (*KeyPair, error) {
	pk, err := UnmarshalPublic(pub)
	if err != nil {
		return nil, err
	}
	kp := &KeyPair{ClassicalPublic: pk.Classical, PQPublic: pk.PQ}
	if len(priv) == 0 {
		return kp, nil
	}

	if len(priv) != ed25519.PrivateKeySize+mldsa65.PrivateKeySize {
		return nil, fmt.Errorf("%w: private key is %d bytes", ErrKeyMaterial, len(priv))
	}
	pq := new(mldsa65.PrivateKey)
	if err := pq.UnmarshalBinary(priv[ed25519.PrivateKeySize:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyMaterial, err)
	}
	kp.ClassicalPrivate = ed25519.PrivateKey(append([]byte{}, priv[:ed25519.PrivateKeySize]...))
	kp.PQPrivate = pq
	return kp, nil
}

// signingMethod encodes a signature as
//
//	[2-byte big-endian Ed25519 sig length] || Ed25519 sig || ML-DSA-65 sig
type signingMethod struct{}

// SigningMethod is registered with jwt under AlgName
var SigningMethod jwt.SigningMethod = signingMethod{}

func init() {
	jwt.RegisterSigningMethod(AlgName, func() jwt.SigningMethod { return SigningMethod })
}

func (signingMethod) Alg() string { return AlgName }

// Sign expects a *KeyPair with both private halves
func (signingMethod) Sign(signingString string, key any) ([]byte, error) {
	kp, ok := key.(*KeyPair)
	if !ok || kp.ClassicalPrivate == nil || kp.PQPrivate == nil {
		return nil, jwt.ErrInvalidKeyType
	}

	msg := []byte(signingString)
	classical := ed25519.Sign(kp.ClassicalPrivate, msg)
	pq, err := kp.PQPrivate.Sign(rand.Reader, msg, crypto.Hash(0))
	if err != nil {
		return nil, fmt.Errorf("ml-dsa-65 sign: %w", err)
	}

	out := make([]byte, 2, 2+len(classical)+len(pq))
	binary.BigEndian.PutUint16(out, uint16(len(classical)))
	out = append(out, classical...)
	return append(out, pq...), nil
}

// Verify expects a *PublicKey and checks both signatures
func (signingMethod) Verify(signingString string, sig []byte, key any) error {
	pk, ok := key.(*PublicKey)
	if !ok || pk.PQ == nil {
		return jwt.ErrInvalidKeyType
	}
	if len(sig) < 2 {
		return ErrSignatureInvalid
	}

	n := int(binary.BigEndian.Uint16(sig[:2]))
	if n != ed25519.SignatureSize || 2+n > len(sig) {
		return ErrSignatureInvalid
	}

	msg := []byte(signingString)
	if !ed25519.Verify(pk.Classical, msg, sig[2:2+n]) {
		return ErrSignatureInvalid
	}
	if !mldsa65.Verify(pk.PQ, msg, nil, sig[2+n:]) {
		return ErrSignatureInvalid
	}
	return nil
}

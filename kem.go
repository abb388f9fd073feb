package main

import (
	"crypto/subtle"
	"fmt"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/schemes"
)

// SecurityLevel selects the KEM parameter set.
type SecurityLevel int

const (
	// SecurityLevel1 targets NIST level 1 (128-bit), 800-byte public keys.
	SecurityLevel1 SecurityLevel = 1
	// SecurityLevel3 targets NIST level 3 (192-bit), 1184-byte public keys.
	SecurityLevel3 SecurityLevel = 3
	// SecurityLevel5 targets NIST level 5 (256-bit), 1568-byte public keys.
	SecurityLevel5 SecurityLevel = 5
)

func (l SecurityLevel) schemeName() string {
	switch l {
	case SecurityLevel1:
		return "Kyber512"
	case SecurityLevel3:
		return "Kyber768"
	case SecurityLevel5:
		return "Kyber1024"
	}
	return ""
}

// QuantumKEM wraps a post-quantum KEM at a fixed security level. All
// shared secrets are 32 bytes regardless of level.
type QuantumKEM struct {
	level  SecurityLevel
	scheme kem.Scheme
}

// NewQuantumKEM builds a KEM for the given level. Failure here is fatal
// for the component: without a crypto provider nothing else can start.
func NewQuantumKEM(level SecurityLevel) (*QuantumKEM, error) {
	name := level.schemeName()
	if name == "" {
		return nil, fmt.Errorf("%w: unsupported security level %d", ErrKeyGenerationFailed, level)
	}
	s := schemes.ByName(name)
	if s == nil {
		return nil, fmt.Errorf("%w: scheme %s unavailable", ErrKeyGenerationFailed, name)
	}
	return &QuantumKEM{level: level, scheme: s}, nil
}

func (q *QuantumKEM) Level() SecurityLevel { return q.level }

// PublicKeySize reports the encoded public key length for this level.
func (q *QuantumKEM) PublicKeySize() int { return q.scheme.PublicKeySize() }

// SharedSecretSize reports the shared secret length (32).
func (q *QuantumKEM) SharedSecretSize() int { return q.scheme.SharedKeySize() }

// KEMKeyPair holds an encoded keypair. Zeroize releases the secret key.
type KEMKeyPair struct {
	Public []byte
	secret []byte
}

// Zeroize overwrites the secret key material. Safe to call twice.
func (k *KEMKeyPair) Zeroize() {
	for i := range k.secret {
		k.secret[i] = 0
	}
	k.secret = nil
}

// GenerateKeyPair draws a fresh keypair. Successive calls never repeat.
func (q *QuantumKEM) GenerateKeyPair() (*KEMKeyPair, error) {
	pk, sk, err := q.scheme.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGenerationFailed, err)
	}
	pkb, err := pk.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGenerationFailed, err)
	}
	skb, err := sk.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGenerationFailed, err)
	}
	return &KEMKeyPair{Public: pkb, secret: skb}, nil
}

// Encapsulate produces (ciphertext, sharedSecret) against a public key.
func (q *QuantumKEM) Encapsulate(publicKey []byte) (ct, ss []byte, err error) {
	pk, err := q.scheme.UnmarshalBinaryPublicKey(publicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}
	ct, ss, err = q.scheme.Encapsulate(pk)
	if err != nil {
		return nil, nil, fmt.Errorf("encapsulate: %w", err)
	}
	return ct, ss, nil
}

// Decapsulate recovers the shared secret from a ciphertext. A tampered
// ciphertext yields a different (implicitly rejected) secret, never the
// original one.
func (q *QuantumKEM) Decapsulate(ciphertext []byte, keyPair *KEMKeyPair) ([]byte, error) {
	if keyPair == nil || keyPair.secret == nil {
		return nil, fmt.Errorf("%w: secret key zeroized", ErrDecapsulationFailed)
	}
	sk, err := q.scheme.UnmarshalBinaryPrivateKey(keyPair.secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}
	ss, err := q.scheme.Decapsulate(sk, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecapsulationFailed, err)
	}
	return ss, nil
}

// SharedSecretsEqual compares two secrets in constant time.
func SharedSecretsEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

package main

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Obfuscator wraps traffic as nonce(12) || ChaCha20-Poly1305(payload).
// Nonces are uniformly random; at the expected message volumes the
// birthday bound keeps reuse statistically impossible.
type Obfuscator struct {
	aead cipher.AEAD
}

func NewObfuscator(key []byte) (*Obfuscator, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyFormat, err)
	}
	return &Obfuscator{aead: aead}, nil
}

// Obfuscate seals data under a fresh nonce.
func (o *Obfuscator) Obfuscate(data []byte) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGenerationFailed, err)
	}
	out := make([]byte, 0, len(nonce)+len(data)+chacha20poly1305.Overhead)
	out = append(out, nonce...)
	return o.aead.Seal(out, nonce, data, nil), nil
}

// Deobfuscate opens a wrapped payload. Callers treat a failure as "not
// obfuscated" and fall back to the raw bytes -- inbound only, never on
// send.
func (o *Obfuscator) Deobfuscate(data []byte) ([]byte, error) {
	if len(data) < chacha20poly1305.NonceSize {
		return nil, ErrAuthFailed
	}
	nonce := data[:chacha20poly1305.NonceSize]
	ct := data[chacha20poly1305.NonceSize:]
	plain, err := o.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plain, nil
}

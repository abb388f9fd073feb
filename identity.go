package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
	"os"

	"golang.org/x/crypto/hkdf"
)

// NodeIdentity binds the node's signing keypair to its PeerID. The PeerID
// is derived from the public key, so it cannot be chosen independently.
type NodeIdentity struct {
	Priv   ed25519.PrivateKey
	Pub    ed25519.PublicKey
	PeerID PeerID
}

// deriveIdentity expands a 32-byte seed into the node keypair via HKDF and
// hashes the public key into the PeerID.
func deriveIdentity(seed []byte) (NodeIdentity, error) {
	if len(seed) != 32 {
		return NodeIdentity{}, errors.New("identity seed must be 32 bytes")
	}
	hk := hkdf.New(sha256.New, seed, nil, []byte("qudag-node-identity"))
	expanded := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(hk, expanded); err != nil {
		return NodeIdentity{}, err
	}
	priv := ed25519.NewKeyFromSeed(expanded)
	pub := priv.Public().(ed25519.PublicKey)
	return NodeIdentity{
		Priv:   priv,
		Pub:    pub,
		PeerID: peerIDFromPubKey(pub),
	}, nil
}

func peerIDFromPubKey(pub ed25519.PublicKey) PeerID {
	return PeerID(sha256.Sum256(pub))
}

// loadOrCreateIdentity restores the identity seed from path, creating a
// fresh one on first run (0600, raw 32 bytes).
func loadOrCreateIdentity(path string) (NodeIdentity, error) {
	if b, err := os.ReadFile(path); err == nil {
		if len(b) != 32 {
			return NodeIdentity{}, errors.New("invalid identity seed file size")
		}
		return deriveIdentity(b)
	}
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return NodeIdentity{}, err
	}
	if err := os.WriteFile(path, seed, 0o600); err != nil {
		return NodeIdentity{}, err
	}
	return deriveIdentity(seed)
}

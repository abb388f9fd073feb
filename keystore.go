package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// The keystore persists the node's long-lived key material (traffic
// obfuscation key, onion layer key) sealed under a passphrase. The file
// is a JSON document whose KDF parameters ride along with it, so cost
// factors can be raised later without a format break; only the sealed
// box is opaque.
const keystoreVersion = 1

type kdfParams struct {
	Time      uint32 `json:"time"`
	MemoryKiB uint32 `json:"memory_kib"`
	Threads   uint8  `json:"threads"`
}

var defaultKDF = kdfParams{Time: 3, MemoryKiB: 32 * 1024, Threads: 4}

// keystoreFile is the on-disk shape. Salt and nonce are public; Box is
// XChaCha20-Poly1305 over the secrets JSON with the version bound in as
// associated data.
type keystoreFile struct {
	Version int       `json:"version"`
	KDF     kdfParams `json:"kdf"`
	Salt    []byte    `json:"salt"`
	Nonce   []byte    `json:"nonce"`
	Box     []byte    `json:"box"`
}

func (p kdfParams) derive(pass, salt []byte) []byte {
	return argon2.IDKey(pass, salt, p.Time, p.MemoryKiB, p.Threads, chacha20poly1305.KeySize)
}

func (f *keystoreFile) aad() []byte {
	return []byte(fmt.Sprintf("qudag-keystore-v%d", f.Version))
}

// NodeSecrets is the unsealed key material.
type NodeSecrets struct {
	ObfuscationKey [32]byte
	OnionKey       [32]byte
}

// ObfuscationKeyB64 renders the key in the config encoding.
func (s *NodeSecrets) ObfuscationKeyB64() string {
	return base64.RawURLEncoding.EncodeToString(s.ObfuscationKey[:])
}

// OnionKeyB64 renders the key in the config encoding.
func (s *NodeSecrets) OnionKeyB64() string {
	return base64.RawURLEncoding.EncodeToString(s.OnionKey[:])
}

// secretsPayload is what actually gets sealed. JSON handles the byte
// slices; lengths are validated on open.
type secretsPayload struct {
	ObfuscationKey []byte `json:"obfuscation_key"`
	OnionKey       []byte `json:"onion_key"`
}

func newNodeSecrets() (*NodeSecrets, error) {
	var s NodeSecrets
	if _, err := rand.Read(s.ObfuscationKey[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGenerationFailed, err)
	}
	if _, err := rand.Read(s.OnionKey[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGenerationFailed, err)
	}
	return &s, nil
}

// sealNodeSecrets writes the keystore file for sec under pass.
func sealNodeSecrets(path string, pass []byte, sec *NodeSecrets) error {
	plain, err := json.Marshal(secretsPayload{
		ObfuscationKey: sec.ObfuscationKey[:],
		OnionKey:       sec.OnionKey[:],
	})
	if err != nil {
		return err
	}

	f := keystoreFile{
		Version: keystoreVersion,
		KDF:     defaultKDF,
		Salt:    make([]byte, 16),
		Nonce:   make([]byte, chacha20poly1305.NonceSizeX),
	}
	if _, err := rand.Read(f.Salt); err != nil {
		return err
	}
	if _, err := rand.Read(f.Nonce); err != nil {
		return err
	}

	aead, err := chacha20poly1305.NewX(f.KDF.derive(pass, f.Salt))
	if err != nil {
		return err
	}
	f.Box = aead.Seal(nil, f.Nonce, plain, f.aad())

	out, err := json.MarshalIndent(&f, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o600)
}

// openNodeSecrets unseals an existing keystore file.
func openNodeSecrets(path string, pass []byte) (*NodeSecrets, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f keystoreFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("keystore: not a keystore file: %w", err)
	}
	if f.Version != keystoreVersion {
		return nil, fmt.Errorf("keystore: unsupported version %d", f.Version)
	}
	if len(f.Salt) == 0 || len(f.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, errors.New("keystore: malformed salt or nonce")
	}
	if f.KDF.Time == 0 || f.KDF.MemoryKiB == 0 || f.KDF.Threads == 0 {
		return nil, errors.New("keystore: malformed kdf parameters")
	}

	aead, err := chacha20poly1305.NewX(f.KDF.derive(pass, f.Salt))
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, f.Nonce, f.Box, f.aad())
	if err != nil {
		return nil, errors.New("keystore: wrong passphrase or corrupted file")
	}

	var payload secretsPayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		return nil, fmt.Errorf("keystore: sealed payload: %w", err)
	}
	if len(payload.ObfuscationKey) != 32 || len(payload.OnionKey) != 32 {
		return nil, errors.New("keystore: sealed keys have wrong length")
	}

	var sec NodeSecrets
	copy(sec.ObfuscationKey[:], payload.ObfuscationKey)
	copy(sec.OnionKey[:], payload.OnionKey)
	return &sec, nil
}

// loadOrCreateNodeSecrets opens the keystore, sealing a fresh one on
// first run.
func loadOrCreateNodeSecrets(path string, pass []byte) (*NodeSecrets, error) {
	if _, err := os.Stat(path); err == nil {
		return openNodeSecrets(path, pass)
	}
	sec, err := newNodeSecrets()
	if err != nil {
		return nil, err
	}
	if err := sealNodeSecrets(path, pass, sec); err != nil {
		return nil, err
	}
	return sec, nil
}

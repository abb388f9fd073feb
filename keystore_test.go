package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestKeystoreCreateAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	pass := []byte("correct horse")

	created, err := loadOrCreateNodeSecrets(path, pass)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	reopened, err := loadOrCreateNodeSecrets(path, pass)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if created.ObfuscationKey != reopened.ObfuscationKey {
		t.Fatalf("obfuscation key changed across reopen")
	}
	if created.OnionKey != reopened.OnionKey {
		t.Fatalf("onion key changed across reopen")
	}
}

func TestKeystoreWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	if _, err := loadOrCreateNodeSecrets(path, []byte("right")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := openNodeSecrets(path, []byte("wrong")); err == nil {
		t.Fatalf("wrong passphrase must fail")
	}
}

func TestKeystoreRejectsBadFiles(t *testing.T) {
	dir := t.TempDir()
	pass := []byte("p")

	if _, err := openNodeSecrets(filepath.Join(dir, "missing.json"), pass); err == nil {
		t.Fatalf("missing file must error")
	}

	garbage := filepath.Join(dir, "garbage.json")
	if err := os.WriteFile(garbage, []byte("not a keystore"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := openNodeSecrets(garbage, pass); err == nil {
		t.Fatalf("non-JSON file must be refused")
	}

	// A version bump must be refused rather than misparsed.
	path := filepath.Join(dir, "keys.json")
	if _, err := loadOrCreateNodeSecrets(path, pass); err != nil {
		t.Fatalf("create: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f keystoreFile
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	f.Version = keystoreVersion + 1
	bumped, err := json.Marshal(&f)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, bumped, 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if _, err := openNodeSecrets(path, pass); err == nil {
		t.Fatalf("unknown version must be refused")
	}
}

func TestKeystoreTamperedBox(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	pass := []byte("p")
	if _, err := loadOrCreateNodeSecrets(path, pass); err != nil {
		t.Fatalf("create: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f keystoreFile
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	f.Box[0] ^= 0xff
	tampered, err := json.Marshal(&f)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, tampered, 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if _, err := openNodeSecrets(path, pass); err == nil {
		t.Fatalf("tampered box must fail to open")
	}
}

func TestConfigDefaultsValidate(t *testing.T) {
	cfg := defaultConfig()
	if err := cfg.validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	cfg.KadReplicationFactor = 0
	if err := cfg.validate(); err == nil {
		t.Fatalf("zero replication factor must be rejected")
	}

	cfg = defaultConfig()
	cfg.StoreBackend = "etcd"
	if err := cfg.validate(); err == nil {
		t.Fatalf("unknown backend must be rejected")
	}

	cfg = defaultConfig()
	cfg.ObfuscationKey = "not base64!"
	if err := cfg.validate(); err == nil {
		t.Fatalf("malformed obfuscation key must be rejected")
	}
}

func TestIdentityDeterministic(t *testing.T) {
	seed := make([]byte, 32)
	seed[0] = 42
	a, err := deriveIdentity(seed)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, err := deriveIdentity(seed)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if a.PeerID != b.PeerID {
		t.Fatalf("identity must be deterministic in the seed")
	}
	if _, err := deriveIdentity([]byte("short")); err == nil {
		t.Fatalf("short seed must be rejected")
	}
}

func TestIdentityPersistsAcrossLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.seed")
	first, err := loadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := loadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if first.PeerID != second.PeerID {
		t.Fatalf("peer id must survive restarts")
	}
}

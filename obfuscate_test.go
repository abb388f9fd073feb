package main

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func newTestObfuscator(t *testing.T) *Obfuscator {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("key: %v", err)
	}
	o, err := NewObfuscator(key)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return o
}

func TestObfuscateRoundTrip(t *testing.T) {
	o := newTestObfuscator(t)
	for _, size := range []int{0, 1, 64, 4096} {
		msg := make([]byte, size)
		if _, err := rand.Read(msg); err != nil {
			t.Fatalf("rand: %v", err)
		}
		wrapped, err := o.Obfuscate(msg)
		if err != nil {
			t.Fatalf("size %d: obfuscate: %v", size, err)
		}
		got, err := o.Deobfuscate(wrapped)
		if err != nil {
			t.Fatalf("size %d: deobfuscate: %v", size, err)
		}
		if !bytes.Equal(got, msg) {
			t.Fatalf("size %d: round trip mismatch", size)
		}
	}
}

func TestObfuscateFreshNonces(t *testing.T) {
	o := newTestObfuscator(t)
	msg := []byte("same message")
	a, err := o.Obfuscate(msg)
	if err != nil {
		t.Fatalf("obfuscate: %v", err)
	}
	b, err := o.Obfuscate(msg)
	if err != nil {
		t.Fatalf("obfuscate: %v", err)
	}
	if bytes.Equal(a[:12], b[:12]) {
		t.Fatalf("nonces must be fresh per message")
	}
	if bytes.Equal(a, b) {
		t.Fatalf("ciphertexts must differ")
	}
}

func TestDeobfuscateRejectsRaw(t *testing.T) {
	o := newTestObfuscator(t)
	if _, err := o.Deobfuscate([]byte("plainly not wrapped data")); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("raw data must fail authentication, got %v", err)
	}
	if _, err := o.Deobfuscate([]byte{1, 2, 3}); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("short data must fail, got %v", err)
	}
}

func TestObfuscateBadKey(t *testing.T) {
	if _, err := NewObfuscator([]byte("short")); err == nil {
		t.Fatalf("short key must be rejected")
	}
}

package main

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func makeHops(t *testing.T, n int) ([]OnionHop, []*OnionKeyPair) {
	t.Helper()
	hops := make([]OnionHop, n)
	keys := make([]*OnionKeyPair, n)
	for i := 0; i < n; i++ {
		kp, err := NewOnionKeyPair()
		if err != nil {
			t.Fatalf("keypair: %v", err)
		}
		keys[i] = kp
		hops[i] = OnionHop{Peer: RandomPeerID(), PubKey: kp.Pub[:]}
	}
	return hops, keys
}

func TestOnionLayerCountAndSizes(t *testing.T) {
	payload := make([]byte, 100)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("rand: %v", err)
	}
	hops, keys := makeHops(t, 3)

	layers, err := CreateLayers(payload, hops)
	if err != nil {
		t.Fatalf("create layers: %v", err)
	}
	if len(layers) != 3 {
		t.Fatalf("layers = %d, want 3", len(layers))
	}
	if len(layers[2]) < len(layers[1]) || len(layers[1]) < len(layers[0]) {
		t.Fatalf("layer sizes must be non-decreasing: %d %d %d",
			len(layers[0]), len(layers[1]), len(layers[2]))
	}

	// Peel in reverse order with the matching hop keys.
	ct := layers[2]
	for i := 0; i < 3; i++ {
		routing, inner, err := PeelLayer(ct, keys[i].Priv)
		if err != nil {
			t.Fatalf("peel layer %d: %v", i, err)
		}
		if len(inner) > len(ct) {
			t.Fatalf("peeled layer grew: %d -> %d", len(ct), len(inner))
		}
		if i < 2 {
			if routing.Final {
				t.Fatalf("layer %d must not be final", i)
			}
			if routing.Next != hops[i+1].Peer {
				t.Fatalf("layer %d routes to wrong hop", i)
			}
		} else {
			if !routing.Final {
				t.Fatalf("last layer must be final")
			}
		}
		ct = inner
	}
	if !bytes.Equal(ct, payload) {
		t.Fatalf("recovered payload differs from original")
	}
}

func TestPeelWithWrongKeyFailsSilently(t *testing.T) {
	hops, _ := makeHops(t, 2)
	onion, err := BuildOnion([]byte("secret"), hops)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	wrong, err := NewOnionKeyPair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	if _, _, err := PeelLayer(onion, wrong.Priv); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("wrong key must yield ErrAuthFailed, got %v", err)
	}
}

func TestPeelTamperedCiphertext(t *testing.T) {
	hops, keys := makeHops(t, 1)
	onion, err := BuildOnion([]byte("payload"), hops)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	onion[len(onion)-1] ^= 0xff
	if _, _, err := PeelLayer(onion, keys[0].Priv); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("tampered ciphertext must yield ErrAuthFailed, got %v", err)
	}
}

func TestCreateLayersRejectsBadKey(t *testing.T) {
	hops := []OnionHop{{Peer: RandomPeerID(), PubKey: []byte{1, 2, 3}}}
	if _, err := CreateLayers([]byte("x"), hops); err == nil {
		t.Fatalf("short hop key must be rejected")
	}
	if _, err := CreateLayers([]byte("x"), nil); err == nil {
		t.Fatalf("empty path must be rejected")
	}
}

func TestPadUnpadRoundTrip(t *testing.T) {
	for _, size := range []int{0, 1, 100, 1023, 1024, 1025} {
		payload := make([]byte, size)
		if _, err := rand.Read(payload); err != nil {
			t.Fatalf("rand: %v", err)
		}
		padded := padPayload(payload, 1024)
		if len(padded)%1024 != 0 {
			t.Fatalf("size %d: padded to %d, not a multiple of 1024", size, len(padded))
		}
		got, err := unpadPayload(padded)
		if err != nil {
			t.Fatalf("size %d: unpad: %v", size, err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("size %d: round trip mismatch", size)
		}
	}
}

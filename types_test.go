package main

import (
	"testing"
)

func TestPeerIDEncoding(t *testing.T) {
	id := RandomPeerID()
	parsed, err := PeerIDFromString(id.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != id {
		t.Fatalf("hex round trip mismatch")
	}
	if _, err := PeerIDFromBytes([]byte{1, 2}); err == nil {
		t.Fatalf("short bytes must be rejected")
	}
	if len(id.Short()) != 8 {
		t.Fatalf("short form must be 8 chars")
	}
}

func TestPeerIDGenerationNoCollisions(t *testing.T) {
	const n = 100
	seen := make(map[PeerID]bool, 2*n)
	for round := 0; round < 2; round++ {
		for i := 0; i < n; i++ {
			id := RandomPeerID()
			if seen[id] {
				t.Fatalf("collision after %d ids", len(seen))
			}
			seen[id] = true
		}
	}
}

func TestPeerIDByteUniformity(t *testing.T) {
	// Count byte frequencies over 200 ids (6400 bytes). With a uniform
	// source each of the 256 values expects ~25 hits; a deviation beyond
	// 5x expectation marks a broken generator.
	var counts [256]int
	for i := 0; i < 200; i++ {
		id := RandomPeerID()
		for _, b := range id {
			counts[b]++
		}
	}
	for v, c := range counts {
		if c > 125 {
			t.Fatalf("byte value %#x appeared %d times; distribution is skewed", v, c)
		}
	}
}

func TestDiscoveredPeerHealth(t *testing.T) {
	p := NewDiscoveredPeer(RandomPeerID(), "1.2.3.4:1", DiscoveryMDNS)
	if !p.IsHealthy() {
		t.Fatalf("fresh peer must be healthy")
	}
	p.Quality.ReliabilityScore = 0.1
	if p.IsHealthy() {
		t.Fatalf("unreliable peer must be unhealthy")
	}
}

func TestVersionCompatibility(t *testing.T) {
	v1 := ProtocolVersion{Major: 1, Minor: 0}
	v11 := ProtocolVersion{Major: 1, Minor: 1}
	v2 := ProtocolVersion{Major: 2}
	if !v1.Compatible(v11) {
		t.Fatalf("same major must be compatible")
	}
	if v1.Compatible(v2) {
		t.Fatalf("different major must be incompatible")
	}
}

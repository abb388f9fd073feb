package main

import (
	"testing"
	"time"
)

func collectMessages(t *testing.T, ch <-chan MixMessage, n int, timeout time.Duration) []MixMessage {
	t.Helper()
	out := make([]MixMessage, 0, n)
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case msg := <-ch:
			out = append(out, msg)
		case <-deadline:
			t.Fatalf("got %d of %d messages before timeout", len(out), n)
		}
	}
	return out
}

func TestMixReleasesAtBatchSize(t *testing.T) {
	mix := NewMixNode(MixConfig{BatchSize: 4, BatchTimeout: time.Hour})
	for i := 0; i < 4; i++ {
		mix.Enqueue(MixMessage{Data: []byte{byte(i)}})
	}
	got := collectMessages(t, mix.Output(), 4, time.Second)

	seen := make(map[byte]bool)
	for _, msg := range got {
		seen[msg.Data[0]] = true
	}
	if len(seen) != 4 {
		t.Fatalf("released batch lost messages: %v", seen)
	}
	if mix.PendingCount() != 0 {
		t.Fatalf("pending = %d after release, want 0", mix.PendingCount())
	}
}

func TestMixReleasesOnTimeout(t *testing.T) {
	mix := NewMixNode(MixConfig{BatchSize: 100, BatchTimeout: 50 * time.Millisecond})
	mix.Enqueue(MixMessage{Data: []byte("only")})
	got := collectMessages(t, mix.Output(), 1, time.Second)
	if string(got[0].Data) != "only" {
		t.Fatalf("wrong message released")
	}
}

func TestMixShufflesBatches(t *testing.T) {
	// With 16 messages over many rounds, identity order every time is
	// statistically impossible.
	const size = 16
	identical := 0
	for round := 0; round < 20; round++ {
		mix := NewMixNode(MixConfig{BatchSize: size, BatchTimeout: time.Hour})
		for i := 0; i < size; i++ {
			mix.Enqueue(MixMessage{Data: []byte{byte(i)}})
		}
		got := collectMessages(t, mix.Output(), size, time.Second)
		inOrder := true
		for i, msg := range got {
			if msg.Data[0] != byte(i) {
				inOrder = false
				break
			}
		}
		if inOrder {
			identical++
		}
	}
	if identical > 2 {
		t.Fatalf("output order tracked input order in %d/20 rounds", identical)
	}
}

func TestTimingDelayBounds(t *testing.T) {
	shaper := NewTrafficShaper(OnionConfig{TimingVariance: 100 * time.Millisecond})
	for i := 0; i < 100; i++ {
		d := shaper.TimingDelay()
		if d < 0 || d > 100*time.Millisecond {
			t.Fatalf("delay %v outside [0, 100ms]", d)
		}
	}
}

func TestNormalizeSizePadsAndChunks(t *testing.T) {
	shaper := NewTrafficShaper(OnionConfig{MinSize: 512, MaxSize: 1024})

	small := shaper.NormalizeSize(make([]byte, 10))
	if len(small) != 1 {
		t.Fatalf("small message chunks = %d, want 1", len(small))
	}
	if len(small[0]) < 512 {
		t.Fatalf("undersized message must be padded to min size, got %d", len(small[0]))
	}

	big := shaper.NormalizeSize(make([]byte, 5000))
	if len(big) < 2 {
		t.Fatalf("oversized message must be chunked, got %d chunks", len(big))
	}
	for i, chunk := range big {
		got, err := unpadPayload(chunk)
		if err != nil {
			t.Fatalf("chunk %d: unpad: %v", i, err)
		}
		if len(got) > 1020 { // max size minus length prefix
			t.Fatalf("chunk %d: body %d bytes exceeds max", i, len(got))
		}
	}
}

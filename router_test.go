package main

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func newTestRouter(send func(ctx context.Context, firstHop PeerID, frame []byte) error) *Router {
	if send == nil {
		send = func(context.Context, PeerID, []byte) error { return nil }
	}
	cfg := defaultConfig()
	return NewRouter(cfg.Routing, cfg.DarkAddressing, cfg.MaxMessageSize,
		NewReputationManager(cfg.PeerScoring), send)
}

func populateRouter(r *Router, n int) []PeerID {
	peers := make([]PeerID, n)
	for i := range peers {
		peers[i] = RandomPeerID()
		r.AddPeer(NewDiscoveredPeer(peers[i], fmt.Sprintf("10.0.0.%d:9000", i), DiscoveryKademlia))
	}
	return peers
}

func TestThreeHopAnonymousRoute(t *testing.T) {
	r := newTestRouter(nil)
	peers := populateRouter(r, 10)
	// The local node never appears in its own candidate set.
	source, dest := RandomPeerID(), peers[9]

	criteria := RouteSelectionCriteria{
		MinReliability: 0.5,
		Redundancy:     RedundancyNone,
		RequireOnion:   true,
		HopCount:       3,
	}

	distinct := make(map[string]bool)
	for round := 0; round < 10; round++ {
		paths, err := r.FindPaths(context.Background(), dest, &criteria)
		if err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		path := paths[0]
		intermediates := path.Hops[:len(path.Hops)-1]
		if len(intermediates) != 3 {
			t.Fatalf("round %d: %d intermediate hops, want 3", round, len(intermediates))
		}
		seen := make(map[PeerID]bool)
		key := ""
		for _, hop := range intermediates {
			if hop == source || hop == dest {
				t.Fatalf("round %d: endpoint appears as intermediate hop", round)
			}
			if seen[hop] {
				t.Fatalf("round %d: duplicate hop %s", round, hop.Short())
			}
			seen[hop] = true
			key += hop.String()
		}
		distinct[key] = true
		// Bypass the cache so each round reselects.
		r.InvalidateRoutesThrough(path.Hops[0])
	}
	if len(distinct) < 2 {
		t.Fatalf("10 rounds produced a single route set; selection is not random")
	}
}

func TestOnionPathRejectsThinTopology(t *testing.T) {
	r := newTestRouter(nil)
	populateRouter(r, 2)
	criteria := RouteSelectionCriteria{RequireOnion: true, HopCount: 3, Redundancy: RedundancyNone}
	_, err := r.FindPaths(context.Background(), RandomPeerID(), &criteria)
	if !errors.Is(err, ErrTopologyInsufficient) {
		t.Fatalf("want ErrTopologyInsufficient, got %v", err)
	}
}

func TestMessageTooLargeBeforeIO(t *testing.T) {
	sent := 0
	r := newTestRouter(func(context.Context, PeerID, []byte) error {
		sent++
		return nil
	})
	peers := populateRouter(r, 5)

	big := make([]byte, defaultConfig().MaxMessageSize+1)
	err := r.RouteMessage(context.Background(), PeerDestination(peers[0]), big)
	var tooLarge *MessageTooLargeError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("want MessageTooLargeError, got %v", err)
	}
	if tooLarge.Size != len(big) || tooLarge.Limit != defaultConfig().MaxMessageSize {
		t.Fatalf("error fields %+v", tooLarge)
	}
	if sent != 0 {
		t.Fatalf("no I/O may happen before the size check")
	}
}

func TestCircuitBreakerFailsFast(t *testing.T) {
	r := newTestRouter(nil)
	peers := populateRouter(r, 5)
	dest := peers[0]

	for i := 0; i < breakerFailureThreshold; i++ {
		r.Breakers().RecordFailure(dest)
	}
	err := r.RouteMessage(context.Background(), PeerDestination(dest), []byte("hi"))
	var open *CircuitBreakerOpenError
	if !errors.As(err, &open) {
		t.Fatalf("want CircuitBreakerOpenError, got %v", err)
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	set := NewCircuitBreakerSet(10*time.Millisecond, 2)
	peer := RandomPeerID()
	for i := 0; i < breakerFailureThreshold; i++ {
		set.RecordFailure(peer)
	}
	if !set.IsOpen(peer) {
		t.Fatalf("breaker must open after %d failures", breakerFailureThreshold)
	}
	time.Sleep(15 * time.Millisecond)
	if !set.Allow(peer) {
		t.Fatalf("cooldown end must allow a half-open probe")
	}
	set.RecordSuccess(peer)
	set.RecordSuccess(peer)
	if set.IsOpen(peer) {
		t.Fatalf("two probe successes must close the breaker")
	}
}

func TestRouteDispatchEncodesHeader(t *testing.T) {
	var captured []byte
	var firstHop PeerID
	r := newTestRouter(func(_ context.Context, hop PeerID, frame []byte) error {
		firstHop = hop
		captured = frame
		return nil
	})
	peers := populateRouter(r, 5)
	dest := peers[2]
	payload := []byte("routed payload")

	if err := r.RouteMessage(context.Background(), PeerDestination(dest), payload); err != nil {
		t.Fatalf("route: %v", err)
	}
	hops, got, err := decodeRoutingHeader(captured)
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if len(hops) == 0 || hops[0] != firstHop {
		t.Fatalf("frame first hop %v does not match dispatch target %v", hops, firstHop)
	}
	if string(got) != string(payload) {
		t.Fatalf("payload mangled in framing")
	}
}

func TestRouteCacheHit(t *testing.T) {
	r := newTestRouter(nil)
	peers := populateRouter(r, 6)
	dest := peers[0]
	criteria := DefaultCriteria()

	first, err := r.FindPaths(context.Background(), dest, &criteria)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := r.FindPaths(context.Background(), dest, &criteria)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if len(first) == 0 || len(second) == 0 {
		t.Fatalf("paths missing")
	}
	if r.Metrics().CacheHitRate <= 0 {
		t.Fatalf("second lookup must register a cache hit")
	}
}

func TestCacheInvalidationOnCollapse(t *testing.T) {
	r := newTestRouter(nil)
	peers := populateRouter(r, 6)
	dest := peers[0]
	criteria := DefaultCriteria()

	paths, err := r.FindPaths(context.Background(), dest, &criteria)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	r.OnReputationCollapse(paths[0].Hops[0])

	r.cacheMu.RLock()
	remaining := r.cache[dest]
	r.cacheMu.RUnlock()
	for _, p := range remaining {
		for _, hop := range p.Hops {
			if hop == paths[0].Hops[0] {
				t.Fatalf("collapsed peer still present in cache")
			}
		}
	}
}

func TestCriteriaFiltering(t *testing.T) {
	r := newTestRouter(nil)
	slow := RandomPeerID()
	p := NewDiscoveredPeer(slow, "10.0.0.1:1", DiscoveryManual)
	p.Performance.AvgResponseTime = 400 * time.Millisecond
	p.Quality.ReliabilityScore = 0.3
	r.AddPeer(p)

	criteria := RouteSelectionCriteria{
		MinReliability: 0.8,
		Redundancy:     RedundancyNone,
	}
	if _, err := r.FindPaths(context.Background(), slow, &criteria); err == nil {
		t.Fatalf("unreliable path must be filtered out")
	}
}

func TestPathCostWeights(t *testing.T) {
	r := newTestRouter(nil)
	base := RoutePath{
		Latency:      100 * time.Millisecond,
		Reliability:  0.9,
		LoadFactor:   0.5,
		GeoDiversity: 1,
		Security:     SecurityMaximum,
	}
	cheap := r.pathCost(&base)

	worse := base
	worse.Reliability = 0.3
	if r.pathCost(&worse) <= cheap {
		t.Fatalf("lower reliability must cost more")
	}
	insecure := base
	insecure.Security = SecurityBasic
	if r.pathCost(&insecure) <= cheap {
		t.Fatalf("lower security must cost more")
	}
}

func TestRoutingHeaderRoundTrip(t *testing.T) {
	hops := []PeerID{RandomPeerID(), RandomPeerID(), RandomPeerID()}
	payload := []byte("data")
	frame := encodeRoutingHeader(hops, payload)

	gotHops, gotPayload, err := decodeRoutingHeader(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(gotHops) != 3 {
		t.Fatalf("hops = %d", len(gotHops))
	}
	for i := range hops {
		if gotHops[i] != hops[i] {
			t.Fatalf("hop %d mismatch", i)
		}
	}
	if string(gotPayload) != "data" {
		t.Fatalf("payload mismatch")
	}

	if _, _, err := decodeRoutingHeader(frame[:10]); err == nil {
		t.Fatalf("truncated frame must be rejected")
	}
}

func TestLoadBalancerPolicies(t *testing.T) {
	peers := []PeerID{RandomPeerID(), RandomPeerID(), RandomPeerID()}

	rr := NewLoadBalancer(PolicyWeightedRoundRobin)
	counts := map[PeerID]int{}
	for i := 0; i < 30; i++ {
		id, ok := rr.SelectPeer(peers, nil)
		if !ok {
			t.Fatalf("select failed")
		}
		counts[id]++
	}
	for _, p := range peers {
		if counts[p] != 10 {
			t.Fatalf("round robin skew: %v", counts)
		}
	}

	cw := NewLoadBalancer(PolicyCapacityWeighted)
	weights := map[PeerID]float64{peers[0]: 10, peers[1]: 1, peers[2]: 1}
	heavy := 0
	for i := 0; i < 24; i++ {
		id, _ := cw.SelectPeer(peers, weights)
		if id == peers[0] {
			heavy++
		}
	}
	if heavy <= 12 {
		t.Fatalf("capacity-weighted must favour the big peer, got %d/24", heavy)
	}

	if _, ok := rr.SelectPeer(nil, nil); ok {
		t.Fatalf("empty candidate set must not select")
	}
}

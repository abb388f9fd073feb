package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeNetwork wires several KademliaDHT instances together in memory,
// standing in for the swarm's request-response transport.
type fakeNetwork struct {
	mu      sync.RWMutex
	nodes   map[PeerID]*KademliaDHT
	offline map[PeerID]bool
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		nodes:   make(map[PeerID]*KademliaDHT),
		offline: make(map[PeerID]bool),
	}
}

type fakeTransport struct {
	self PeerID
	net  *fakeNetwork
}

func (t *fakeTransport) SendDHTRequest(_ context.Context, peer PeerID, msg *DHTMessage) (*DHTMessage, error) {
	t.net.mu.RLock()
	target, ok := t.net.nodes[peer]
	down := t.net.offline[peer]
	t.net.mu.RUnlock()
	if !ok || down {
		return nil, ErrPeerUnreachable
	}
	return target.HandleRPC(t.self, msg), nil
}

func (t *fakeTransport) DialPeer(_ context.Context, peer PeerID) error {
	t.net.mu.RLock()
	defer t.net.mu.RUnlock()
	if t.net.offline[peer] {
		return ErrDialFailed
	}
	if _, ok := t.net.nodes[peer]; !ok {
		return ErrPeerUnreachable
	}
	return nil
}

func testBootstrapConfig() BootstrapConfig {
	return BootstrapConfig{
		Timeout:           30 * time.Second,
		MinConnections:    3,
		PeriodicBootstrap: false,
	}
}

func testContentConfig() ContentRoutingConfig {
	return ContentRoutingConfig{
		Enabled:           true,
		ProviderTTL:       24 * time.Hour,
		ReplicationFactor: 20,
		AutoRepublish:     true,
		RepublishInterval: 12 * time.Hour,
		MaxContentSize:    maxRecordSize,
	}
}

func (n *fakeNetwork) addNode(id PeerID) *KademliaDHT {
	d := NewKademliaDHT(id, 20, 3, testBootstrapConfig(), testContentConfig(),
		NewReputationManager(testScoringConfig()), &fakeTransport{self: id, net: n})
	n.mu.Lock()
	n.nodes[id] = d
	n.mu.Unlock()
	return d
}

func TestBootstrapCompletes(t *testing.T) {
	net := newFakeNetwork()
	local := net.addNode(RandomPeerID())

	events := make(chan DiscoveryEvent, 16)
	local.SetEventChannel(events)

	for i := 0; i < 5; i++ {
		id := RandomPeerID()
		net.addNode(id)
		local.AddSeed(NewDiscoveredPeer(id, fmt.Sprintf("10.0.0.%d:4001", i), DiscoveryStatic))
	}

	if local.State().Phase != bootstrapNotStarted {
		t.Fatalf("initial phase must be NotStarted")
	}
	if err := local.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	state := local.State()
	if state.Phase != bootstrapCompleted {
		t.Fatalf("phase = %v, want Completed", state.Phase)
	}
	if state.ConnectedNodes < 3 {
		t.Fatalf("connected = %d, want >= 3", state.ConnectedNodes)
	}
	if !local.IsBootstrapped() {
		t.Fatalf("IsBootstrapped must be true")
	}

	select {
	case ev := <-events:
		if ev.Kind != "bootstrap_completed" {
			t.Fatalf("event kind = %s", ev.Kind)
		}
		if ev.PeersDiscovered < 3 {
			t.Fatalf("event peers = %d, want >= 3", ev.PeersDiscovered)
		}
	default:
		t.Fatalf("BootstrapCompleted event missing")
	}
}

func TestBootstrapFailsWithoutQuorum(t *testing.T) {
	net := newFakeNetwork()
	local := net.addNode(RandomPeerID())

	// Two seeds, both offline.
	for i := 0; i < 2; i++ {
		id := RandomPeerID()
		net.addNode(id)
		net.offline[id] = true
		local.AddSeed(NewDiscoveredPeer(id, "", DiscoveryStatic))
	}
	err := local.Bootstrap(context.Background())
	if !errors.Is(err, ErrBootstrapFailed) {
		t.Fatalf("want ErrBootstrapFailed, got %v", err)
	}
	if local.State().Phase != bootstrapFailed {
		t.Fatalf("phase must be Failed")
	}
}

func TestBootstrapNodesStartAt75(t *testing.T) {
	net := newFakeNetwork()
	local := net.addNode(RandomPeerID())
	seed := RandomPeerID()
	net.addNode(seed)
	local.AddSeed(NewDiscoveredPeer(seed, "", DiscoveryStatic))

	rep := local.reputation.Get(seed)
	if rep == nil || !rep.IsBootstrap {
		t.Fatalf("seed must be marked bootstrap")
	}
	if rep.Score != 75 {
		t.Fatalf("seed score = %.1f, want 75", rep.Score)
	}
}

func TestRecordSizeBoundary(t *testing.T) {
	net := newFakeNetwork()
	local := net.addNode(RandomPeerID())

	exact := make([]byte, maxRecordSize)
	if err := local.StoreRecord(context.Background(), []byte("k1"), exact, 0); err != nil {
		t.Fatalf("record at MAX_RECORD_SIZE must be accepted: %v", err)
	}
	over := make([]byte, maxRecordSize+1)
	if err := local.StoreRecord(context.Background(), []byte("k2"), over, 0); !errors.Is(err, ErrContentTooLarge) {
		t.Fatalf("record over cap must be rejected, got %v", err)
	}
}

func TestStoreAndGetRecordAcrossNodes(t *testing.T) {
	net := newFakeNetwork()
	a := net.addNode(RandomPeerID())
	bID := RandomPeerID()
	b := net.addNode(bID)
	a.AddPeer(NewDiscoveredPeer(bID, "", DiscoveryKademlia))

	if err := a.StoreRecord(context.Background(), []byte("key"), []byte("value"), time.Hour); err != nil {
		t.Fatalf("store: %v", err)
	}
	// The replica landed on b.
	got, err := b.GetRecord(context.Background(), []byte("key"))
	if err != nil {
		t.Fatalf("get on replica: %v", err)
	}
	if !bytes.Equal(got, []byte("value")) {
		t.Fatalf("value mismatch")
	}
}

func TestProviderCapPerKey(t *testing.T) {
	net := newFakeNetwork()
	local := net.addNode(RandomPeerID())
	key := []byte("popular")

	for i := 0; i < maxProvidersPerKey+5; i++ {
		resp := local.HandleRPC(RandomPeerID(), &DHTMessage{Type: rpcAddProvider, Target: key})
		if !resp.OK {
			t.Fatalf("add provider %d refused", i)
		}
	}
	providers := local.FindProviders(context.Background(), key)
	if len(providers) > maxProvidersPerKey {
		t.Fatalf("providers = %d, cap is %d", len(providers), maxProvidersPerKey)
	}
}

func TestDarkAddressRoundTrip(t *testing.T) {
	net := newFakeNetwork()
	local := net.addNode(RandomPeerID())
	owner := RandomPeerID()

	h := NewShadowHandler(NetworkTestnet)
	addr, err := h.GenerateAddress(NetworkTestnet)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := local.StoreDarkAddress(context.Background(), addr, owner); err != nil {
		t.Fatalf("store dark: %v", err)
	}
	got, err := local.FindDarkAddress(context.Background(), addr)
	if err != nil {
		t.Fatalf("find dark: %v", err)
	}
	if got != owner {
		t.Fatalf("resolved %s, want %s", got.Short(), owner.Short())
	}
}

func TestHandleRPCFindNode(t *testing.T) {
	net := newFakeNetwork()
	local := net.addNode(RandomPeerID())
	for i := 0; i < 10; i++ {
		local.AddPeer(NewDiscoveredPeer(RandomPeerID(), "", DiscoveryKademlia))
	}
	from := RandomPeerID()
	resp := local.HandleRPC(from, &DHTMessage{Type: rpcFindNode, Target: RandomPeerID().Bytes()})
	if !resp.OK || len(resp.Peers) == 0 {
		t.Fatalf("find_node must return peers")
	}
	for _, raw := range resp.Peers {
		if id, _ := PeerIDFromBytes(raw); id == from {
			t.Fatalf("reply must not include the requester")
		}
	}
	// The requester itself was learned.
	if !local.table.Contains(from) {
		t.Fatalf("rpc sender must enter the routing table")
	}
}

func TestRecordExpiry(t *testing.T) {
	net := newFakeNetwork()
	local := net.addNode(RandomPeerID())
	if err := local.StoreRecord(context.Background(), []byte("ttl"), []byte("v"), 50*time.Millisecond); err != nil {
		t.Fatalf("store: %v", err)
	}
	if local.RecordCount() != 1 {
		t.Fatalf("count = %d, want 1", local.RecordCount())
	}
	time.Sleep(80 * time.Millisecond)
	local.expireEntries()
	if local.RecordCount() != 0 {
		t.Fatalf("expired record must be dropped")
	}
}

func TestUnroutableCooldown(t *testing.T) {
	net := newFakeNetwork()
	local := net.addNode(RandomPeerID())
	peer := RandomPeerID()
	net.addNode(peer)

	local.MarkUnroutable(peer)
	if _, err := local.query(context.Background(), peer, &DHTMessage{Type: rpcFindNode}); !errors.Is(err, ErrPeerUnreachable) {
		t.Fatalf("cooldown peer must be skipped, got %v", err)
	}
}

func TestQueryFailureDegradesReputation(t *testing.T) {
	net := newFakeNetwork()
	local := net.addNode(RandomPeerID())
	peer := RandomPeerID()
	net.addNode(peer)
	net.offline[peer] = true

	before := local.reputation.Score(peer)
	if _, err := local.query(context.Background(), peer, &DHTMessage{Type: rpcFindNode}); err == nil {
		t.Fatalf("offline peer must fail")
	}
	if after := local.reputation.Score(peer); after >= before {
		t.Fatalf("failed query must lower reputation: %.1f -> %.1f", before, after)
	}
}

func TestNetworkSizeEstimate(t *testing.T) {
	net := newFakeNetwork()
	local := net.addNode(RandomPeerID())
	closest := []PeerID{RandomPeerID(), RandomPeerID(), RandomPeerID()}
	local.updateNetworkEstimate(closest)
	m := local.Metrics()
	if m.NetworkSizeEstimate < 1 {
		t.Fatalf("estimate = %d, want >= 1", m.NetworkSizeEstimate)
	}
	// Random 256-bit IDs almost surely share < 32 leading zero bits, so
	// the exponent cap keeps the estimate sane.
	if m.NetworkSizeEstimate > 1<<31 {
		t.Fatalf("estimate %d exceeds the 2^31 cap", m.NetworkSizeEstimate)
	}
}

func TestPartitionSweep(t *testing.T) {
	net := newFakeNetwork()
	local := net.addNode(RandomPeerID())

	local.mu.Lock()
	local.partitions.lastSuccess[7] = time.Now().Add(-10 * time.Minute)
	local.mu.Unlock()

	local.sweepPartitions()
	parts := local.Partitions()
	if len(parts) == 0 {
		t.Fatalf("stale bucket must be reported")
	}
	found := false
	for _, b := range parts[0].AffectedBuckets {
		if b == 7 {
			found = true
		}
	}
	if !found {
		t.Fatalf("bucket 7 missing from %v", parts[0].AffectedBuckets)
	}
}

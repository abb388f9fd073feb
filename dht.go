package main

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// maxRecordSize caps DHT value records at 1 MiB.
	maxRecordSize = 1 << 20
	// maxProvidersPerKey caps provider records per key.
	maxProvidersPerKey = 20
	// defaultRecordTTL applies when a PUT carries no TTL.
	defaultRecordTTL = 24 * time.Hour
	// partitionThreshold marks a bucket suspect after this long without a
	// successful query.
	partitionThreshold = 5 * time.Minute
	// partitionDecay drops recovered partition reports after an hour.
	partitionDecay = time.Hour
	// unroutableCooldown skips a peer after it proved unreachable.
	unroutableCooldown = 5 * time.Minute
)

// DHT RPC message types, carried over the swarm's request-response
// protocol.
const (
	rpcFindNode     = "FIND_NODE"
	rpcPutRecord    = "PUT_RECORD"
	rpcGetRecord    = "GET_RECORD"
	rpcAddProvider  = "ADD_PROVIDER"
	rpcGetProviders = "GET_PROVIDERS"
	rpcBootstrap    = "BOOTSTRAP"
)

// DHTMessage is the CBOR payload of one Kademlia RPC.
type DHTMessage struct {
	Type      string   `cbor:"type"`
	Target    []byte   `cbor:"target,omitempty"` // peer id or record key
	Value     []byte   `cbor:"value,omitempty"`
	TTL       int64    `cbor:"ttl,omitempty"` // seconds
	Publisher []byte   `cbor:"publisher,omitempty"`
	Peers     [][]byte `cbor:"peers,omitempty"` // FIND_NODE / GET_PROVIDERS reply
	Found     bool     `cbor:"found,omitempty"`
	OK        bool     `cbor:"ok,omitempty"`
}

// dhtTransport is what the DHT needs from the swarm: dialing and one
// request-response round trip.
type dhtTransport interface {
	SendDHTRequest(ctx context.Context, peer PeerID, msg *DHTMessage) (*DHTMessage, error)
	DialPeer(ctx context.Context, peer PeerID) error
}

// DiscoveryEvent notifies listeners about DHT lifecycle changes.
type DiscoveryEvent struct {
	Kind            string // "peer_discovered" | "bootstrap_completed" | "bootstrap_failed" | "partition_detected"
	Peer            *DiscoveredPeer
	PeersDiscovered int
	Duration        time.Duration
	SuccessRate     float64
	Reason          string
	AffectedBuckets []int
}

// Bootstrap state machine.
type bootstrapPhase int

const (
	bootstrapNotStarted bootstrapPhase = iota
	bootstrapInProgress
	bootstrapCompleted
	bootstrapFailed
)

// BootstrapState tracks the bootstrap lifecycle.
type BootstrapState struct {
	Phase          bootstrapPhase
	StartTime      time.Time
	CompletionTime time.Time
	AttemptedNodes int
	ConnectedNodes int
	Duration       time.Duration
	Reason         string
}

type recordEntry struct {
	Value     []byte
	Publisher PeerID
	ExpiresAt time.Time
}

// PartitionInfo reports buckets that went quiet.
type PartitionInfo struct {
	DetectedAt      time.Time
	AffectedBuckets []int
	Recovered       bool
}

type partitionDetector struct {
	lastSuccess map[int]time.Time
	detected    []PartitionInfo
}

// DHTMetrics collects query and storage counters.
type DHTMetrics struct {
	TotalQueries        uint64
	SuccessfulQueries   uint64
	FailedQueries       uint64
	AvgQueryTime        time.Duration
	RecordsStored       uint64
	ProvidersAnnounced  uint64
	BootstrapAttempts   uint64
	SuccessfulBootstraps uint64
	RoutingTableSize    int
	NetworkSizeEstimate int
}

// KademliaDHT provides peer discovery, content routing and the reputation
// feedback loop. All remote calls ride the swarm's request-response
// protocol.
type KademliaDHT struct {
	self       PeerID
	table      *RoutingTable
	alpha      int
	bootstrap  BootstrapConfig
	content    ContentRoutingConfig
	reputation *ReputationManager
	transport  dhtTransport

	mu            sync.RWMutex
	records       map[string]recordEntry
	providers     map[string]map[PeerID]time.Time // key -> provider -> expiry
	published     map[string][]byte               // locally published records, for republish
	provided      map[string]struct{}             // locally provided keys, for republish
	darkCache     map[string]PeerID
	unroutable    map[PeerID]time.Time
	bootstrapSeeds []DiscoveredPeer
	state         BootstrapState
	lastRepublish time.Time

	partitions partitionDetector

	metricsMu sync.Mutex
	metrics   DHTMetrics

	eventCh chan<- DiscoveryEvent
	onQuery func(ok bool)
}

// SetQueryHook observes RPC outcomes (metrics wiring).
func (d *KademliaDHT) SetQueryHook(fn func(ok bool)) { d.onQuery = fn }

func NewKademliaDHT(self PeerID, bucketSize, alpha int, bootstrap BootstrapConfig,
	content ContentRoutingConfig, reputation *ReputationManager, transport dhtTransport) *KademliaDHT {
	return &KademliaDHT{
		self:       self,
		table:      NewRoutingTable(self, bucketSize),
		alpha:      alpha,
		bootstrap:  bootstrap,
		content:    content,
		reputation: reputation,
		transport:  transport,
		records:    make(map[string]recordEntry),
		providers:  make(map[string]map[PeerID]time.Time),
		published:  make(map[string][]byte),
		provided:   make(map[string]struct{}),
		darkCache:  make(map[string]PeerID),
		unroutable: make(map[PeerID]time.Time),
		partitions: partitionDetector{lastSuccess: make(map[int]time.Time)},
	}
}

// SetEventChannel wires the discovery event sink.
func (d *KademliaDHT) SetEventChannel(ch chan<- DiscoveryEvent) { d.eventCh = ch }

func (d *KademliaDHT) emit(ev DiscoveryEvent) {
	if d.eventCh == nil {
		return
	}
	select {
	case d.eventCh <- ev:
	default:
		logrus.Warnf("[dht] event channel full, dropping %s", ev.Kind)
	}
}

// AddSeed registers a bootstrap node before Bootstrap runs.
func (d *KademliaDHT) AddSeed(peer DiscoveredPeer) {
	d.mu.Lock()
	d.bootstrapSeeds = append(d.bootstrapSeeds, peer)
	d.mu.Unlock()
	d.reputation.MarkBootstrap(peer.ID)
}

// AddPeer inserts a discovered peer into the routing table.
func (d *KademliaDHT) AddPeer(peer DiscoveredPeer) {
	if d.table.Add(peer.ID) {
		d.emit(DiscoveryEvent{Kind: "peer_discovered", Peer: &peer})
	}
}

// RemovePeer drops a peer from the routing table.
func (d *KademliaDHT) RemovePeer(id PeerID) { d.table.Remove(id) }

// RoutingTableSize reports the current table occupancy.
func (d *KademliaDHT) RoutingTableSize() int { return d.table.Size() }

// State returns a copy of the bootstrap state.
func (d *KademliaDHT) State() BootstrapState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *KademliaDHT) IsBootstrapped() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state.Phase == bootstrapCompleted
}

// Bootstrap dials the seed nodes and enters Completed once
// min_connections succeed before the timeout.
func (d *KademliaDHT) Bootstrap(ctx context.Context) error {
	d.mu.Lock()
	switch d.state.Phase {
	case bootstrapCompleted:
		d.mu.Unlock()
		logrus.Infof("[dht] already bootstrapped")
		return nil
	case bootstrapInProgress:
		d.mu.Unlock()
		logrus.Warnf("[dht] bootstrap already in progress")
		return nil
	}
	seeds := append([]DiscoveredPeer(nil), d.bootstrapSeeds...)
	d.state = BootstrapState{Phase: bootstrapInProgress, StartTime: time.Now()}
	d.mu.Unlock()

	d.metricsMu.Lock()
	d.metrics.BootstrapAttempts++
	d.metricsMu.Unlock()

	logrus.Infof("[dht] bootstrapping with %d seed nodes", len(seeds))

	deadline := time.Now().Add(d.bootstrap.Timeout)
	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	connected := 0
	attempted := 0
	for _, seed := range seeds {
		attempted++
		if err := d.transport.DialPeer(dialCtx, seed.ID); err != nil {
			logrus.Debugf("[dht] seed dial %s: %v", seed.ID.Short(), err)
			d.reputation.RecordInteraction(seed.ID, false, 0)
			continue
		}
		d.table.Add(seed.ID)
		d.reputation.RecordInteraction(seed.ID, true, 0)
		connected++

		// Self-lookup refresh against the fresh contact.
		if _, err := d.transport.SendDHTRequest(dialCtx, seed.ID, &DHTMessage{
			Type:   rpcBootstrap,
			Target: d.self.Bytes(),
		}); err == nil {
			d.recordBucketSuccess(seed.ID)
		}

		if connected >= d.bootstrap.MinConnections {
			break
		}
	}

	d.mu.Lock()
	if connected >= d.bootstrap.MinConnections && time.Now().Before(deadline) {
		duration := time.Since(d.state.StartTime)
		d.state = BootstrapState{
			Phase:          bootstrapCompleted,
			StartTime:      d.state.StartTime,
			CompletionTime: time.Now(),
			AttemptedNodes: attempted,
			ConnectedNodes: connected,
			Duration:       duration,
		}
		d.mu.Unlock()

		d.metricsMu.Lock()
		d.metrics.SuccessfulBootstraps++
		d.metricsMu.Unlock()

		d.emit(DiscoveryEvent{
			Kind:            "bootstrap_completed",
			PeersDiscovered: connected,
			Duration:        duration,
			SuccessRate:     float64(connected) / float64(attempted),
		})
		logrus.Infof("[dht] bootstrap completed: %d nodes in %v", connected, duration)
		return nil
	}

	reason := fmt.Sprintf("only %d of %d required nodes connected", connected, d.bootstrap.MinConnections)
	d.state = BootstrapState{
		Phase:          bootstrapFailed,
		StartTime:      d.state.StartTime,
		AttemptedNodes: attempted,
		ConnectedNodes: connected,
		Reason:         reason,
	}
	d.mu.Unlock()

	d.emit(DiscoveryEvent{Kind: "bootstrap_failed", Reason: reason, PeersDiscovered: connected})
	return fmt.Errorf("%w: %s", ErrBootstrapFailed, reason)
}

// isUnroutable reports whether a peer is inside its cooldown window.
func (d *KademliaDHT) isUnroutable(id PeerID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	until, ok := d.unroutable[id]
	return ok && time.Now().Before(until)
}

// MarkUnroutable puts a peer on cooldown and degrades its reputation.
func (d *KademliaDHT) MarkUnroutable(id PeerID) {
	d.mu.Lock()
	d.unroutable[id] = time.Now().Add(unroutableCooldown)
	d.mu.Unlock()
	d.reputation.RecordInteraction(id, false, 0)
}

// query sends one RPC and feeds the outcome into reputation and partition
// tracking.
func (d *KademliaDHT) query(ctx context.Context, peer PeerID, msg *DHTMessage) (*DHTMessage, error) {
	if d.isUnroutable(peer) {
		return nil, fmt.Errorf("%w: %s on cooldown", ErrPeerUnreachable, peer.Short())
	}
	start := time.Now()
	resp, err := d.transport.SendDHTRequest(ctx, peer, msg)
	elapsed := time.Since(start)

	d.metricsMu.Lock()
	d.metrics.TotalQueries++
	if err == nil {
		d.metrics.SuccessfulQueries++
		if d.metrics.AvgQueryTime == 0 {
			d.metrics.AvgQueryTime = elapsed
		} else {
			d.metrics.AvgQueryTime = (d.metrics.AvgQueryTime + elapsed) / 2
		}
	} else {
		d.metrics.FailedQueries++
	}
	d.metricsMu.Unlock()

	if d.onQuery != nil {
		d.onQuery(err == nil)
	}
	if err != nil {
		d.reputation.RecordInteraction(peer, false, 0)
		d.MarkUnroutable(peer)
		return nil, err
	}
	d.reputation.RecordInteraction(peer, true, elapsed)
	d.recordBucketSuccess(peer)
	return resp, nil
}

// FindNode asks the closest known peers for contacts near the target and
// merges the answers into the routing table.
func (d *KademliaDHT) FindNode(ctx context.Context, target PeerID) []PeerID {
	contacts := d.table.Closest(target, d.alpha)
	seen := make(map[PeerID]struct{})
	for _, c := range contacts {
		resp, err := d.query(ctx, c, &DHTMessage{Type: rpcFindNode, Target: target.Bytes()})
		if err != nil {
			continue
		}
		for _, raw := range resp.Peers {
			id, err := PeerIDFromBytes(raw)
			if err != nil || id == d.self {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			d.table.Add(id)
		}
	}
	closest := d.table.Closest(target, d.table.bucketSize)
	d.updateNetworkEstimate(closest)
	return closest
}

// StoreRecord writes a value record locally and replicates it to the
// closest peers; the write succeeds when a strict majority of the
// replication set acknowledges.
func (d *KademliaDHT) StoreRecord(ctx context.Context, key, value []byte, ttl time.Duration) error {
	if len(value) > d.content.MaxContentSize {
		return fmt.Errorf("%w: %d bytes", ErrContentTooLarge, len(value))
	}
	if ttl <= 0 {
		ttl = defaultRecordTTL
	}

	d.mu.Lock()
	d.records[string(key)] = recordEntry{
		Value:     append([]byte(nil), value...),
		Publisher: d.self,
		ExpiresAt: time.Now().Add(ttl),
	}
	d.published[string(key)] = append([]byte(nil), value...)
	d.mu.Unlock()

	d.metricsMu.Lock()
	d.metrics.RecordsStored++
	d.metricsMu.Unlock()

	targets := d.table.Closest(peerIDFromKey(key), d.content.ReplicationFactor)
	if len(targets) == 0 {
		return nil // alone in the network; the local copy is the record
	}

	acks := 0
	msg := &DHTMessage{
		Type:      rpcPutRecord,
		Target:    key,
		Value:     value,
		TTL:       int64(ttl.Seconds()),
		Publisher: d.self.Bytes(),
	}
	for _, peer := range targets {
		resp, err := d.query(ctx, peer, msg)
		if err == nil && resp.OK {
			acks++
		}
	}
	if acks*2 <= len(targets) {
		return fmt.Errorf("%w: %d/%d acks", ErrQuorumNotMet, acks, len(targets))
	}
	return nil
}

// GetRecord reads a record, first locally, then from the closest peers
// with majority agreement on the returned value.
func (d *KademliaDHT) GetRecord(ctx context.Context, key []byte) ([]byte, error) {
	d.mu.RLock()
	if entry, ok := d.records[string(key)]; ok && time.Now().Before(entry.ExpiresAt) {
		value := append([]byte(nil), entry.Value...)
		d.mu.RUnlock()
		return value, nil
	}
	d.mu.RUnlock()

	targets := d.table.Closest(peerIDFromKey(key), d.content.ReplicationFactor)
	if len(targets) == 0 {
		return nil, ErrRecordNotFound
	}

	counts := make(map[string]int)
	var best []byte
	for _, peer := range targets {
		resp, err := d.query(ctx, peer, &DHTMessage{Type: rpcGetRecord, Target: key})
		if err != nil || !resp.Found {
			continue
		}
		counts[string(resp.Value)]++
		if counts[string(resp.Value)]*2 > len(targets) {
			best = resp.Value
			break
		}
	}
	if best == nil {
		// Fall back to the most common answer if any peer replied.
		maxCount := 0
		for v, n := range counts {
			if n > maxCount {
				maxCount = n
				best = []byte(v)
			}
		}
	}
	if best == nil {
		return nil, ErrRecordNotFound
	}
	d.mu.Lock()
	d.records[string(key)] = recordEntry{Value: best, ExpiresAt: time.Now().Add(defaultRecordTTL)}
	d.mu.Unlock()
	return best, nil
}

// Provide announces this node as a provider for a key.
func (d *KademliaDHT) Provide(ctx context.Context, key []byte) error {
	if !d.content.Enabled {
		return nil
	}
	d.mu.Lock()
	d.addProviderLocked(key, d.self)
	d.provided[string(key)] = struct{}{}
	d.mu.Unlock()

	d.metricsMu.Lock()
	d.metrics.ProvidersAnnounced++
	d.metricsMu.Unlock()

	msg := &DHTMessage{Type: rpcAddProvider, Target: key, Publisher: d.self.Bytes()}
	for _, peer := range d.table.Closest(peerIDFromKey(key), d.content.ReplicationFactor) {
		if _, err := d.query(ctx, peer, msg); err != nil {
			logrus.Debugf("[dht] add provider to %s: %v", peer.Short(), err)
		}
	}
	return nil
}

// FindProviders returns up to maxProvidersPerKey providers for a key.
func (d *KademliaDHT) FindProviders(ctx context.Context, key []byte) []PeerID {
	found := make(map[PeerID]struct{})

	d.mu.RLock()
	now := time.Now()
	for id, expiry := range d.providers[string(key)] {
		if now.Before(expiry) {
			found[id] = struct{}{}
		}
	}
	d.mu.RUnlock()

	for _, peer := range d.table.Closest(peerIDFromKey(key), d.alpha) {
		if len(found) >= maxProvidersPerKey {
			break
		}
		resp, err := d.query(ctx, peer, &DHTMessage{Type: rpcGetProviders, Target: key})
		if err != nil {
			continue
		}
		for _, raw := range resp.Peers {
			if id, err := PeerIDFromBytes(raw); err == nil {
				found[id] = struct{}{}
			}
		}
	}

	out := make([]PeerID, 0, len(found))
	for id := range found {
		out = append(out, id)
		if len(out) >= maxProvidersPerKey {
			break
		}
	}
	return out
}

func (d *KademliaDHT) addProviderLocked(key []byte, provider PeerID) {
	set, ok := d.providers[string(key)]
	if !ok {
		set = make(map[PeerID]time.Time)
		d.providers[string(key)] = set
	}
	if len(set) >= maxProvidersPerKey {
		if _, present := set[provider]; !present {
			return
		}
	}
	set[provider] = time.Now().Add(d.content.ProviderTTL)
}

// StoreDarkAddress publishes a shadow address -> peer binding.
func (d *KademliaDHT) StoreDarkAddress(ctx context.Context, addr *ShadowAddress, peer PeerID) error {
	key := darkAddressKey(addr)
	d.mu.Lock()
	d.darkCache[string(key)] = peer
	d.mu.Unlock()
	return d.StoreRecord(ctx, key, peer.Bytes(), defaultRecordTTL)
}

// FindDarkAddress resolves a shadow address to its peer.
func (d *KademliaDHT) FindDarkAddress(ctx context.Context, addr *ShadowAddress) (PeerID, error) {
	key := darkAddressKey(addr)
	d.mu.RLock()
	if id, ok := d.darkCache[string(key)]; ok {
		d.mu.RUnlock()
		return id, nil
	}
	d.mu.RUnlock()

	value, err := d.GetRecord(ctx, key)
	if err != nil {
		return PeerID{}, err
	}
	id, err := PeerIDFromBytes(value)
	if err != nil {
		return PeerID{}, fmt.Errorf("%w: malformed dark record", ErrResolutionFailed)
	}
	d.mu.Lock()
	d.darkCache[string(key)] = id
	d.mu.Unlock()
	return id, nil
}

// HandleRPC serves one inbound Kademlia RPC. Called from the swarm's
// request handler.
func (d *KademliaDHT) HandleRPC(from PeerID, msg *DHTMessage) *DHTMessage {
	d.table.Add(from)

	switch msg.Type {
	case rpcFindNode, rpcBootstrap:
		target := d.self
		if id, err := PeerIDFromBytes(msg.Target); err == nil {
			target = id
		}
		closest := d.table.Closest(target, d.table.bucketSize)
		peers := make([][]byte, 0, len(closest))
		for _, id := range closest {
			if id != from {
				peers = append(peers, id.Bytes())
			}
		}
		return &DHTMessage{Type: msg.Type, Peers: peers, OK: true}

	case rpcPutRecord:
		if len(msg.Value) > maxRecordSize {
			return &DHTMessage{Type: msg.Type, OK: false}
		}
		ttl := time.Duration(msg.TTL) * time.Second
		if ttl <= 0 {
			ttl = defaultRecordTTL
		}
		publisher := from
		if id, err := PeerIDFromBytes(msg.Publisher); err == nil {
			publisher = id
		}
		d.mu.Lock()
		d.records[string(msg.Target)] = recordEntry{
			Value:     append([]byte(nil), msg.Value...),
			Publisher: publisher,
			ExpiresAt: time.Now().Add(ttl),
		}
		d.mu.Unlock()
		return &DHTMessage{Type: msg.Type, OK: true}

	case rpcGetRecord:
		d.mu.RLock()
		entry, ok := d.records[string(msg.Target)]
		d.mu.RUnlock()
		if !ok || time.Now().After(entry.ExpiresAt) {
			return &DHTMessage{Type: msg.Type, Found: false, OK: true}
		}
		return &DHTMessage{Type: msg.Type, Found: true, Value: entry.Value, OK: true}

	case rpcAddProvider:
		provider := from
		if id, err := PeerIDFromBytes(msg.Publisher); err == nil {
			provider = id
		}
		d.mu.Lock()
		d.addProviderLocked(msg.Target, provider)
		d.mu.Unlock()
		return &DHTMessage{Type: msg.Type, OK: true}

	case rpcGetProviders:
		d.mu.RLock()
		now := time.Now()
		var peers [][]byte
		for id, expiry := range d.providers[string(msg.Target)] {
			if now.Before(expiry) {
				peers = append(peers, id.Bytes())
				if len(peers) >= maxProvidersPerKey {
					break
				}
			}
		}
		d.mu.RUnlock()
		return &DHTMessage{Type: msg.Type, Peers: peers, OK: true}
	}
	return &DHTMessage{Type: msg.Type, OK: false}
}

// peerIDFromKey reinterprets a record key as a point in the ID space.
func peerIDFromKey(key []byte) PeerID {
	var id PeerID
	copy(id[:], key)
	return id
}

// updateNetworkEstimate derives the network size from the mean
// leading-zero distance to the returned closest set.
func (d *KademliaDHT) updateNetworkEstimate(closest []PeerID) {
	if len(closest) == 0 {
		return
	}
	sum := 0
	for _, peer := range closest {
		sum += leadingZeroBits(d.self, peer)
	}
	mean := sum / len(closest)
	if mean > 31 {
		mean = 31
	}
	estimate := int(math.Pow(2, float64(mean)))

	d.metricsMu.Lock()
	d.metrics.NetworkSizeEstimate = estimate
	d.metricsMu.Unlock()
}

func (d *KademliaDHT) recordBucketSuccess(peer PeerID) {
	idx := bucketIndex(d.self, peer)
	d.mu.Lock()
	d.partitions.lastSuccess[idx] = time.Now()
	d.mu.Unlock()
}

// sweepPartitions flags buckets without recent successful queries and
// retires recovered reports.
func (d *KademliaDHT) sweepPartitions() {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	var affected []int
	for idx, last := range d.partitions.lastSuccess {
		if now.Sub(last) > partitionThreshold {
			affected = append(affected, idx)
		}
	}
	if len(affected) > 0 {
		d.partitions.detected = append(d.partitions.detected, PartitionInfo{
			DetectedAt:      now,
			AffectedBuckets: affected,
		})
		logrus.Warnf("[dht] potential partition in buckets %v", affected)
		d.emit(DiscoveryEvent{Kind: "partition_detected", AffectedBuckets: affected})
	}

	kept := d.partitions.detected[:0]
	for _, p := range d.partitions.detected {
		if !p.Recovered || now.Sub(p.DetectedAt) < partitionDecay {
			kept = append(kept, p)
		}
	}
	d.partitions.detected = kept
}

// Partitions returns the current partition reports.
func (d *KademliaDHT) Partitions() []PartitionInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]PartitionInfo(nil), d.partitions.detected...)
}

// expireEntries drops dead records, providers and cooldowns.
func (d *KademliaDHT) expireEntries() {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, entry := range d.records {
		if now.After(entry.ExpiresAt) {
			delete(d.records, key)
		}
	}
	for key, set := range d.providers {
		for id, expiry := range set {
			if now.After(expiry) {
				delete(set, id)
			}
		}
		if len(set) == 0 {
			delete(d.providers, key)
		}
	}
	for id, until := range d.unroutable {
		if now.After(until) {
			delete(d.unroutable, id)
		}
	}
}

// republish refreshes locally published records and provider
// announcements.
func (d *KademliaDHT) republish(ctx context.Context) {
	if !d.content.AutoRepublish {
		return
	}
	d.mu.Lock()
	if time.Since(d.lastRepublish) < d.content.RepublishInterval {
		d.mu.Unlock()
		return
	}
	d.lastRepublish = time.Now()
	published := make(map[string][]byte, len(d.published))
	for k, v := range d.published {
		published[k] = v
	}
	provided := make([]string, 0, len(d.provided))
	for k := range d.provided {
		provided = append(provided, k)
	}
	d.mu.Unlock()

	for key, value := range published {
		if err := d.StoreRecord(ctx, []byte(key), value, defaultRecordTTL); err != nil {
			logrus.Debugf("[dht] republish record: %v", err)
		}
	}
	for _, key := range provided {
		if err := d.Provide(ctx, []byte(key)); err != nil {
			logrus.Debugf("[dht] republish provider: %v", err)
		}
	}
}

// PerformMaintenance runs one maintenance sweep: reputation decay, entry
// expiry, partition detection, republish and periodic re-bootstrap.
func (d *KademliaDHT) PerformMaintenance(ctx context.Context) {
	d.reputation.Maintain()
	d.expireEntries()
	d.sweepPartitions()
	d.republish(ctx)

	d.metricsMu.Lock()
	d.metrics.RoutingTableSize = d.table.Size()
	d.metricsMu.Unlock()

	d.mu.RLock()
	needsRebootstrap := d.bootstrap.PeriodicBootstrap &&
		d.state.Phase == bootstrapCompleted &&
		time.Since(d.state.CompletionTime) > d.bootstrap.BootstrapInterval
	d.mu.RUnlock()

	if needsRebootstrap {
		logrus.Infof("[dht] periodic re-bootstrap")
		d.mu.Lock()
		d.state = BootstrapState{}
		d.mu.Unlock()
		if err := d.Bootstrap(ctx); err != nil {
			logrus.Warnf("[dht] periodic bootstrap: %v", err)
		}
	}
}

// Metrics returns a snapshot of the DHT counters.
func (d *KademliaDHT) Metrics() DHTMetrics {
	d.metricsMu.Lock()
	defer d.metricsMu.Unlock()
	m := d.metrics
	m.RoutingTableSize = d.table.Size()
	return m
}

// RecordCount reports live (unexpired) value records.
func (d *KademliaDHT) RecordCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	now := time.Now()
	n := 0
	for _, entry := range d.records {
		if now.Before(entry.ExpiresAt) {
			n++
		}
	}
	return n
}

// HasRecord checks a key without touching the network.
func (d *KademliaDHT) HasRecord(key []byte) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.records[string(key)]
	return ok && time.Now().Before(entry.ExpiresAt)
}

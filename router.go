package main

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RouteSecurity grades a path's protection level.
type RouteSecurity int

const (
	SecurityBasic RouteSecurity = iota
	SecurityEnhanced
	SecurityMaximum
)

func (s RouteSecurity) String() string {
	switch s {
	case SecurityBasic:
		return "basic"
	case SecurityEnhanced:
		return "enhanced"
	case SecurityMaximum:
		return "maximum"
	}
	return "unknown"
}

// RedundancyLevel maps to the number of disjoint paths requested.
type RedundancyLevel int

const (
	RedundancyNone RedundancyLevel = iota
	RedundancyBasic
	RedundancyHigh
	RedundancyMaximum
)

func (r RedundancyLevel) PathCount() int {
	switch r {
	case RedundancyBasic:
		return 2
	case RedundancyHigh:
		return 3
	case RedundancyMaximum:
		return 5
	}
	return 1
}

// LoadBalancingPreference picks the dispatch spread strategy.
type LoadBalancingPreference int

const (
	PreferLowLoad LoadBalancingPreference = iota
	PreferEvenDistribution
	PreferWeightedCapacity
	PreferAdaptive
)

// GeographicConstraints limit where hops may live.
type GeographicConstraints struct {
	PreferredRegions []string
	ExcludedRegions  []string
	MaxDistanceKm    float64 // 0 = unlimited
	RequireDiversity bool
}

// RouteSelectionCriteria filters and shapes path construction.
type RouteSelectionCriteria struct {
	MaxLatency       time.Duration // 0 = unlimited
	MinReliability   float64
	RequiredSecurity RouteSecurity
	MinBandwidth     uint64 // 0 = no requirement
	Geographic       GeographicConstraints
	LoadBalancing    LoadBalancingPreference
	Redundancy       RedundancyLevel
	RequireDark      bool
	RequireOnion     bool
	HopCount         int // intermediate hops for onion paths; 0 = default
}

// DefaultCriteria matches the router's baseline route() behaviour.
func DefaultCriteria() RouteSelectionCriteria {
	return RouteSelectionCriteria{
		MinReliability: 0.5,
		Redundancy:     RedundancyBasic,
		LoadBalancing:  PreferAdaptive,
	}
}

// Unknown-hop fallbacks for path scoring.
const (
	defaultHopLatency     = 50 * time.Millisecond
	defaultHopReliability = 0.9
	defaultHopLoad        = 0.5
	defaultOnionHops      = 3
)

// RoutePath is a scored candidate route.
type RoutePath struct {
	Hops          []PeerID
	Latency       time.Duration
	Reliability   float64
	Bandwidth     *uint64
	LoadFactor    float64
	GeoDiversity  float64
	Security      RouteSecurity
	Cost          float64
	CreatedAt     time.Time
	SupportsDark  bool
	SupportsOnion bool
}

// Destination routes either to a known peer or to a shadow address.
type Destination struct {
	Peer   *PeerID
	Shadow *ShadowAddress
}

func PeerDestination(id PeerID) Destination { return Destination{Peer: &id} }

func ShadowDestination(addr *ShadowAddress) Destination { return Destination{Shadow: addr} }

// RouterMetrics tracks router-level performance.
type RouterMetrics struct {
	TotalMessages      uint64
	SuccessfulRoutings uint64
	FailedRoutings     uint64
	CacheHitRate       float64
}

// darkResolver is the slice of the DHT the router needs for shadow
// destinations.
type darkResolver interface {
	FindDarkAddress(ctx context.Context, addr *ShadowAddress) (PeerID, error)
}

// Router selects multi-hop anonymous routes and dispatches messages to
// the transport. Peers are held by value in a PeerID-keyed map; every
// other structure refers to peers by ID only.
type Router struct {
	cfg     RouteOptimizationConfig
	darkCfg DarkAddressingConfig
	maxSize int

	peersMu sync.RWMutex
	peers   map[PeerID]DiscoveredPeer

	cacheMu sync.RWMutex
	cache   map[PeerID][]RoutePath

	reputation *ReputationManager
	resolver   ShadowAddressResolver
	dark       darkResolver
	balancers  map[LoadBalancingPreference]*LoadBalancer
	breakers   *CircuitBreakerSet

	metricsMu sync.Mutex
	metrics   RouterMetrics

	onCacheLookup func(hit bool)
	onDispatch    func(ok bool)

	send func(ctx context.Context, firstHop PeerID, frame []byte) error
}

// SetObservers wires metric callbacks for cache lookups and dispatch
// outcomes.
func (r *Router) SetObservers(onCacheLookup func(hit bool), onDispatch func(ok bool)) {
	r.onCacheLookup = onCacheLookup
	r.onDispatch = onDispatch
}

func NewRouter(cfg RouteOptimizationConfig, darkCfg DarkAddressingConfig, maxMessageSize int,
	reputation *ReputationManager, send func(ctx context.Context, firstHop PeerID, frame []byte) error) *Router {
	return &Router{
		cfg:        cfg,
		darkCfg:    darkCfg,
		maxSize:    maxMessageSize,
		peers:      make(map[PeerID]DiscoveredPeer),
		cache:      make(map[PeerID][]RoutePath),
		reputation: reputation,
		balancers: map[LoadBalancingPreference]*LoadBalancer{
			PreferLowLoad:          NewLoadBalancer(PolicyLeastRecent),
			PreferEvenDistribution: NewLoadBalancer(PolicyWeightedRoundRobin),
			PreferWeightedCapacity: NewLoadBalancer(PolicyCapacityWeighted),
			PreferAdaptive:         NewLoadBalancer(PolicyWeightedRoundRobin),
		},
		breakers: NewCircuitBreakerSet(30*time.Second, 2),
		send:     send,
	}
}

// SetShadowResolver wires the local shadow address resolver.
func (r *Router) SetShadowResolver(res ShadowAddressResolver) { r.resolver = res }

// SetDarkResolver wires the DHT dark-address lookup.
func (r *Router) SetDarkResolver(d darkResolver) { r.dark = d }

// Breakers exposes the circuit breaker set (shared with the dispatcher).
func (r *Router) Breakers() *CircuitBreakerSet { return r.breakers }

// AddPeer registers or refreshes a peer.
func (r *Router) AddPeer(peer DiscoveredPeer) {
	r.peersMu.Lock()
	r.peers[peer.ID] = peer
	r.peersMu.Unlock()
}

// RemovePeer drops a peer and invalidates routes through it.
func (r *Router) RemovePeer(id PeerID) {
	r.peersMu.Lock()
	delete(r.peers, id)
	r.peersMu.Unlock()
	r.InvalidateRoutesThrough(id)
}

// PeerCount reports the known peer population.
func (r *Router) PeerCount() int {
	r.peersMu.RLock()
	defer r.peersMu.RUnlock()
	return len(r.peers)
}

// InvalidateRoutesThrough removes every cached path containing the peer.
// Called on reputation collapse.
func (r *Router) InvalidateRoutesThrough(id PeerID) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	for dest, paths := range r.cache {
		kept := paths[:0]
		for _, p := range paths {
			keep := true
			for _, hop := range p.Hops {
				if hop == id {
					keep = false
					break
				}
			}
			if keep {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(r.cache, dest)
		} else {
			r.cache[dest] = kept
		}
	}
}

// snapshotPeers copies the healthy, non-blacklisted peer set. The read
// lock is never held across path construction.
func (r *Router) snapshotPeers() map[PeerID]DiscoveredPeer {
	r.peersMu.RLock()
	out := make(map[PeerID]DiscoveredPeer, len(r.peers))
	for id, p := range r.peers {
		if p.IsHealthy() && !r.reputation.IsBlacklisted(id) {
			out[id] = p
		}
	}
	r.peersMu.RUnlock()
	return out
}

func (r *Router) bumpCacheHitRate(hit bool) {
	if r.onCacheLookup != nil {
		r.onCacheLookup(hit)
	}
	r.metricsMu.Lock()
	v := 0.0
	if hit {
		v = 1.0
	}
	r.metrics.CacheHitRate = (r.metrics.CacheHitRate + v) / 2
	r.metricsMu.Unlock()
}

// FindPaths returns candidate paths to a peer destination satisfying the
// criteria, consulting the route cache first.
func (r *Router) FindPaths(ctx context.Context, destination PeerID, criteria *RouteSelectionCriteria) ([]RoutePath, error) {
	r.cacheMu.RLock()
	cached := r.cache[destination]
	var valid []RoutePath
	for _, p := range cached {
		if time.Since(p.CreatedAt) < r.cfg.CacheTTL && r.meetsCriteria(&p, criteria) {
			valid = append(valid, p)
		}
	}
	r.cacheMu.RUnlock()

	if len(valid) > 0 {
		r.bumpCacheHitRate(true)
		return valid, nil
	}
	r.bumpCacheHitRate(false)

	peers := r.snapshotPeers()
	if len(peers) == 0 {
		return nil, ErrNoRoute
	}

	want := criteria.Redundancy.PathCount()
	var paths []RoutePath
	for i := 0; i < want; i++ {
		path, err := r.buildPath(destination, peers, criteria)
		if err != nil {
			if len(paths) == 0 {
				return nil, err
			}
			break
		}
		paths = append(paths, *path)
	}

	filtered := paths[:0]
	for _, p := range paths {
		if r.meetsCriteria(&p, criteria) {
			filtered = append(filtered, p)
		}
	}
	if len(filtered) == 0 {
		return nil, ErrNoRoute
	}

	r.cacheMu.Lock()
	r.cache[destination] = append([]RoutePath(nil), filtered...)
	if len(r.cache) > r.cfg.CacheSize {
		// Evict an arbitrary stale destination to stay bounded.
		for dest, ps := range r.cache {
			if len(ps) == 0 || time.Since(ps[0].CreatedAt) >= r.cfg.CacheTTL {
				delete(r.cache, dest)
				break
			}
		}
	}
	r.cacheMu.Unlock()

	return filtered, nil
}

// buildPath constructs one scored path to the destination.
func (r *Router) buildPath(destination PeerID, peers map[PeerID]DiscoveredPeer, criteria *RouteSelectionCriteria) (*RoutePath, error) {
	var hops []PeerID
	if criteria.RequireOnion {
		count := criteria.HopCount
		if count <= 0 {
			count = defaultOnionHops
		}
		selected, err := r.selectOnionHops(destination, peers, count, &criteria.Geographic)
		if err != nil {
			return nil, err
		}
		hops = append(selected, destination)
	} else {
		hops = []PeerID{destination}
	}

	security := SecurityBasic
	switch {
	case criteria.RequireOnion && criteria.RequireDark:
		security = SecurityMaximum
	case criteria.RequireOnion:
		security = SecurityMaximum
	case criteria.RequireDark:
		security = SecurityEnhanced
	}

	path := &RoutePath{
		Hops:          hops,
		Latency:       r.pathLatency(hops, peers),
		Reliability:   r.pathReliability(hops, peers),
		Bandwidth:     r.pathBandwidth(hops, peers),
		LoadFactor:    r.pathLoad(hops, peers),
		GeoDiversity:  r.pathDiversity(hops, peers),
		Security:      security,
		CreatedAt:     time.Now(),
		SupportsDark:  criteria.RequireDark,
		SupportsOnion: criteria.RequireOnion,
	}
	path.Cost = r.pathCost(path)
	return path, nil
}

// selectOnionHops picks hopCount relay-capable intermediates uniformly
// without replacement, excluding the destination and constrained regions.
func (r *Router) selectOnionHops(destination PeerID, peers map[PeerID]DiscoveredPeer,
	hopCount int, geo *GeographicConstraints) ([]PeerID, error) {
	var candidates []PeerID
	for id, p := range peers {
		if id == destination || !p.Caps.CanRelay {
			continue
		}
		if geo != nil && p.Location != nil && regionExcluded(p.Location.Region, geo.ExcludedRegions) {
			continue
		}
		candidates = append(candidates, id)
	}
	if len(candidates) < hopCount {
		return nil, ErrTopologyInsufficient
	}

	// Uniform partial Fisher-Yates from crypto/rand.
	for i := 0; i < hopCount; i++ {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(len(candidates)-i)))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyGenerationFailed, err)
		}
		k := i + int(j.Int64())
		candidates[i], candidates[k] = candidates[k], candidates[i]
	}
	hops := append([]PeerID(nil), candidates[:hopCount]...)

	if geo != nil && geo.RequireDiversity && !r.regionsDiverse(hops, peers) {
		return nil, ErrGeoConstraints
	}
	return hops, nil
}

func regionExcluded(region string, excluded []string) bool {
	for _, e := range excluded {
		if e == region {
			return true
		}
	}
	return false
}

func (r *Router) regionsDiverse(hops []PeerID, peers map[PeerID]DiscoveredPeer) bool {
	seen := make(map[string]struct{})
	for _, hop := range hops {
		p, ok := peers[hop]
		if !ok || p.Location == nil {
			continue
		}
		if _, dup := seen[p.Location.Region]; dup {
			return false
		}
		seen[p.Location.Region] = struct{}{}
	}
	return true
}

func (r *Router) meetsCriteria(p *RoutePath, c *RouteSelectionCriteria) bool {
	if c.MaxLatency > 0 && p.Latency > c.MaxLatency {
		return false
	}
	if p.Reliability < c.MinReliability {
		return false
	}
	if c.MinBandwidth > 0 {
		if p.Bandwidth == nil || *p.Bandwidth < c.MinBandwidth {
			return false
		}
	}
	if p.Security < c.RequiredSecurity {
		return false
	}
	if c.RequireDark && !p.SupportsDark {
		return false
	}
	if c.RequireOnion && !p.SupportsOnion {
		return false
	}
	return true
}

func (r *Router) pathLatency(hops []PeerID, peers map[PeerID]DiscoveredPeer) time.Duration {
	var total time.Duration
	for _, hop := range hops {
		if p, ok := peers[hop]; ok && p.Performance.AvgResponseTime > 0 {
			total += p.Performance.AvgResponseTime
		} else {
			total += defaultHopLatency
		}
	}
	return total
}

func (r *Router) pathReliability(hops []PeerID, peers map[PeerID]DiscoveredPeer) float64 {
	reliability := 1.0
	for _, hop := range hops {
		if p, ok := peers[hop]; ok {
			reliability *= p.Quality.ReliabilityScore
		} else {
			reliability *= defaultHopReliability
		}
	}
	return reliability
}

func (r *Router) pathBandwidth(hops []PeerID, peers map[PeerID]DiscoveredPeer) *uint64 {
	var min uint64 = math.MaxUint64
	for _, hop := range hops {
		p, ok := peers[hop]
		if !ok || p.Caps.BandwidthCapacity == nil {
			return nil
		}
		if *p.Caps.BandwidthCapacity < min {
			min = *p.Caps.BandwidthCapacity
		}
	}
	if min == math.MaxUint64 {
		return nil
	}
	return &min
}

func (r *Router) pathLoad(hops []PeerID, peers map[PeerID]DiscoveredPeer) float64 {
	if len(hops) == 0 {
		return 0
	}
	total := 0.0
	for _, hop := range hops {
		if p, ok := peers[hop]; ok {
			total += p.Load.LoadScore / 100
		} else {
			total += defaultHopLoad
		}
	}
	return total / float64(len(hops))
}

func (r *Router) pathDiversity(hops []PeerID, peers map[PeerID]DiscoveredPeer) float64 {
	if len(hops) == 0 {
		return 1
	}
	regions := make(map[string]struct{})
	located := 0
	for _, hop := range hops {
		if p, ok := peers[hop]; ok && p.Location != nil {
			regions[p.Location.Region] = struct{}{}
			located++
		}
	}
	if located == 0 {
		return 1
	}
	return float64(len(regions)) / float64(located)
}

// pathCost folds latency, reliability, load, security and diversity into
// one weighted score.
func (r *Router) pathCost(p *RoutePath) float64 {
	w := &r.cfg.WeightFactors
	latencyCost := p.Latency.Seconds()
	reliabilityCost := 1 - p.Reliability
	securityCost := 1 - float64(p.Security)/float64(SecurityMaximum)
	diversityCost := 1 - p.GeoDiversity

	return latencyCost*w.Latency +
		reliabilityCost*w.Reliability +
		p.LoadFactor*w.Load +
		securityCost*w.Security +
		diversityCost*w.Diversity
}

// findShadowPaths resolves the shadow address and routes through three
// intermediate relays to the resolved endpoint. When the DHT lookup of
// the endpoint fails, the path ends at the last relay.
func (r *Router) findShadowPaths(ctx context.Context, addr *ShadowAddress) ([]RoutePath, error) {
	if !r.darkCfg.Enabled {
		return nil, ErrDarkAddressingDisabled
	}
	if r.resolver == nil {
		return nil, ErrDarkAddressingDisabled
	}
	if _, err := r.resolver.ResolveAddress(addr); err != nil {
		return nil, err
	}

	var endpoint PeerID
	if r.dark != nil {
		resCtx, cancel := context.WithTimeout(ctx, r.darkCfg.ResolutionTimeout)
		id, err := r.dark.FindDarkAddress(resCtx, addr)
		cancel()
		if err == nil {
			endpoint = id
		}
	}

	peers := r.snapshotPeers()
	if len(peers) == 0 {
		return nil, ErrNoRoute
	}
	relays, err := r.selectOnionHops(endpoint, peers, defaultOnionHops, nil)
	if err != nil {
		return nil, err
	}
	hops := relays
	if !endpoint.IsZero() {
		hops = append(hops, endpoint)
	}

	path := RoutePath{
		Hops:          hops,
		Latency:       r.pathLatency(hops, peers),
		Reliability:   r.pathReliability(hops, peers),
		LoadFactor:    r.pathLoad(hops, peers),
		GeoDiversity:  r.pathDiversity(hops, peers),
		Security:      SecurityMaximum,
		CreatedAt:     time.Now(),
		SupportsDark:  true,
		SupportsOnion: true,
	}
	path.Cost = r.pathCost(&path)
	return []RoutePath{path}, nil
}

// encodeRoutingHeader builds LE4(hop_count) || peer ids || payload.
func encodeRoutingHeader(hops []PeerID, payload []byte) []byte {
	out := make([]byte, 4, 4+len(hops)*32+len(payload))
	binary.LittleEndian.PutUint32(out, uint32(len(hops)))
	for _, hop := range hops {
		out = append(out, hop[:]...)
	}
	return append(out, payload...)
}

// decodeRoutingHeader parses a routed frame back into hops and payload.
func decodeRoutingHeader(frame []byte) ([]PeerID, []byte, error) {
	if len(frame) < 4 {
		return nil, nil, &InvalidDataError{Reason: "routing header truncated"}
	}
	count := binary.LittleEndian.Uint32(frame)
	need := 4 + int(count)*32
	if count > 64 || len(frame) < need {
		return nil, nil, &InvalidDataError{Reason: "routing header malformed"}
	}
	hops := make([]PeerID, count)
	for i := range hops {
		copy(hops[i][:], frame[4+i*32:4+(i+1)*32])
	}
	return hops, frame[need:], nil
}

// RouteMessage selects a path per the default criteria and dispatches the
// message toward its first hop. The size limit is enforced before any
// I/O.
func (r *Router) RouteMessage(ctx context.Context, dest Destination, message []byte) error {
	return r.RouteMessageWithCriteria(ctx, dest, message, DefaultCriteria())
}

// RouteMessageWithCriteria is RouteMessage with explicit criteria.
func (r *Router) RouteMessageWithCriteria(ctx context.Context, dest Destination, message []byte, criteria RouteSelectionCriteria) error {
	if len(message) > r.maxSize {
		return &MessageTooLargeError{Size: len(message), Limit: r.maxSize}
	}

	r.metricsMu.Lock()
	r.metrics.TotalMessages++
	r.metricsMu.Unlock()

	var (
		paths []RoutePath
		err   error
	)
	switch {
	case dest.Peer != nil:
		if r.breakers.IsOpen(*dest.Peer) {
			r.recordFailure()
			return &CircuitBreakerOpenError{Peer: *dest.Peer}
		}
		paths, err = r.FindPaths(ctx, *dest.Peer, &criteria)
	case dest.Shadow != nil:
		paths, err = r.findShadowPaths(ctx, dest.Shadow)
	default:
		err = &InvalidDataError{Reason: "empty destination"}
	}
	if err != nil {
		r.recordFailure()
		return err
	}
	if len(paths) == 0 {
		r.recordFailure()
		return ErrNoRoute
	}

	selected := r.selectPath(paths, criteria.LoadBalancing)

	firstHop := selected.Hops[0]
	if !r.breakers.Allow(firstHop) {
		r.recordFailure()
		return &CircuitBreakerOpenError{Peer: firstHop}
	}

	frame := encodeRoutingHeader(selected.Hops, message)
	if err := r.send(ctx, firstHop, frame); err != nil {
		r.breakers.RecordFailure(firstHop)
		r.recordFailure()
		return err
	}
	r.breakers.RecordSuccess(firstHop)

	r.metricsMu.Lock()
	r.metrics.SuccessfulRoutings++
	r.metricsMu.Unlock()
	if r.onDispatch != nil {
		r.onDispatch(true)
	}
	return nil
}

// selectPath lets the preferred load balancer pick among candidates by
// first hop.
func (r *Router) selectPath(paths []RoutePath, pref LoadBalancingPreference) *RoutePath {
	if len(paths) == 1 {
		return &paths[0]
	}
	firstHops := make([]PeerID, 0, len(paths))
	weights := make(map[PeerID]float64, len(paths))
	for _, p := range paths {
		if len(p.Hops) == 0 {
			continue
		}
		firstHops = append(firstHops, p.Hops[0])
		weights[p.Hops[0]] = 1 / (p.Cost + 0.01)
	}
	balancer, ok := r.balancers[pref]
	if !ok {
		balancer = r.balancers[PreferEvenDistribution]
	}
	chosen, ok := balancer.SelectPeer(firstHops, weights)
	if !ok {
		return &paths[0]
	}
	for i := range paths {
		if len(paths[i].Hops) > 0 && paths[i].Hops[0] == chosen {
			return &paths[i]
		}
	}
	return &paths[0]
}

func (r *Router) recordFailure() {
	r.metricsMu.Lock()
	r.metrics.FailedRoutings++
	r.metricsMu.Unlock()
	if r.onDispatch != nil {
		r.onDispatch(false)
	}
}

// Metrics returns a snapshot of the router counters.
func (r *Router) Metrics() RouterMetrics {
	r.metricsMu.Lock()
	defer r.metricsMu.Unlock()
	return r.metrics
}

// PruneCache drops expired cache entries. Called from maintenance.
func (r *Router) PruneCache() {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	for dest, paths := range r.cache {
		kept := paths[:0]
		for _, p := range paths {
			if time.Since(p.CreatedAt) < r.cfg.CacheTTL {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(r.cache, dest)
		} else {
			r.cache[dest] = kept
		}
	}
}

// OnReputationCollapse invalidates routes through a peer whose score fell
// below the routing floor.
func (r *Router) OnReputationCollapse(id PeerID) {
	logrus.Infof("[router] invalidating routes through %s", id.Short())
	r.InvalidateRoutesThrough(id)
}

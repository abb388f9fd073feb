package main

import (
	"sync"
	"time"
)

// LoadBalancingPolicy selects among candidate first hops.
type LoadBalancingPolicy int

const (
	PolicyWeightedRoundRobin LoadBalancingPolicy = iota
	PolicyLeastRecent
	PolicyCapacityWeighted
)

// LoadBalancer spreads dispatches across candidate peers. Held under a
// short mutex; no I/O happens inside.
type LoadBalancer struct {
	policy LoadBalancingPolicy

	mu       sync.Mutex
	counters map[PeerID]uint64
	lastUsed map[PeerID]time.Time
}

func NewLoadBalancer(policy LoadBalancingPolicy) *LoadBalancer {
	return &LoadBalancer{
		policy:   policy,
		counters: make(map[PeerID]uint64),
		lastUsed: make(map[PeerID]time.Time),
	}
}

// SelectPeer picks one of the candidates according to the policy. The
// weights map (peer -> capacity weight) is only consulted for the
// capacity-weighted policy; missing entries default to 1.
func (lb *LoadBalancer) SelectPeer(candidates []PeerID, weights map[PeerID]float64) (PeerID, bool) {
	if len(candidates) == 0 {
		return PeerID{}, false
	}
	lb.mu.Lock()
	defer lb.mu.Unlock()

	var chosen PeerID
	switch lb.policy {
	case PolicyLeastRecent:
		chosen = candidates[0]
		oldest := lb.lastUsed[chosen]
		for _, c := range candidates[1:] {
			if t := lb.lastUsed[c]; t.Before(oldest) {
				chosen, oldest = c, t
			}
		}

	case PolicyCapacityWeighted:
		// Lowest uses-per-weight wins.
		best := -1.0
		for _, c := range candidates {
			w := weights[c]
			if w <= 0 {
				w = 1
			}
			ratio := float64(lb.counters[c]) / w
			if best < 0 || ratio < best {
				best = ratio
				chosen = c
			}
		}

	default: // weighted round-robin on use counters
		chosen = candidates[0]
		min := lb.counters[chosen]
		for _, c := range candidates[1:] {
			if lb.counters[c] < min {
				chosen, min = c, lb.counters[c]
			}
		}
	}

	lb.counters[chosen]++
	lb.lastUsed[chosen] = time.Now()
	return chosen, true
}

// Circuit breaker defaults: three consecutive failures trip the breaker.
const breakerFailureThreshold = 3

// breakerState is the per-peer circuit state.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

type circuitBreaker struct {
	state       breakerState
	failures    int
	openedAt    time.Time
	testCount   int
	successes   int
}

// CircuitBreakerSet fronts every peer with a breaker. Three consecutive
// failures open it for the cooldown; after cooldown the breaker goes
// half-open and requires testProbes consecutive successes to close.
type CircuitBreakerSet struct {
	cooldown   time.Duration
	testProbes int

	mu       sync.RWMutex
	breakers map[PeerID]*circuitBreaker
}

func NewCircuitBreakerSet(cooldown time.Duration, testProbes int) *CircuitBreakerSet {
	if testProbes <= 0 {
		testProbes = 2
	}
	return &CircuitBreakerSet{
		cooldown:   cooldown,
		testProbes: testProbes,
		breakers:   make(map[PeerID]*circuitBreaker),
	}
}

func (s *CircuitBreakerSet) get(peer PeerID) *circuitBreaker {
	cb, ok := s.breakers[peer]
	if !ok {
		cb = &circuitBreaker{}
		s.breakers[peer] = cb
	}
	return cb
}

// Allow reports whether traffic may flow to the peer, transitioning an
// expired Open breaker to HalfOpen.
func (s *CircuitBreakerSet) Allow(peer PeerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb := s.get(peer)
	switch cb.state {
	case breakerOpen:
		if time.Since(cb.openedAt) >= s.cooldown {
			cb.state = breakerHalfOpen
			cb.testCount = 0
			cb.successes = 0
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess feeds a successful dispatch into the breaker.
func (s *CircuitBreakerSet) RecordSuccess(peer PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb := s.get(peer)
	switch cb.state {
	case breakerHalfOpen:
		cb.testCount++
		cb.successes++
		if cb.successes >= s.testProbes {
			*cb = circuitBreaker{} // closed
		}
	case breakerClosed:
		cb.failures = 0
	}
}

// RecordFailure feeds a failed dispatch; three consecutive failures open
// the breaker.
func (s *CircuitBreakerSet) RecordFailure(peer PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb := s.get(peer)
	switch cb.state {
	case breakerHalfOpen:
		cb.state = breakerOpen
		cb.openedAt = time.Now()
		cb.failures++
	default:
		cb.failures++
		if cb.failures >= breakerFailureThreshold {
			cb.state = breakerOpen
			cb.openedAt = time.Now()
		}
	}
}

// IsOpen reports whether the breaker currently blocks the peer.
func (s *CircuitBreakerSet) IsOpen(peer PeerID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cb, ok := s.breakers[peer]
	if !ok {
		return false
	}
	return cb.state == breakerOpen && time.Since(cb.openedAt) < s.cooldown
}

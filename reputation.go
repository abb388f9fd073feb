package main

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const responseTimeWindow = 100

// PeerReputation tracks one peer's standing. total = successful + failed
// is maintained as an invariant; the score never leaves
// [min_score, max_score].
type PeerReputation struct {
	PeerID          PeerID
	Score           float64
	Total           uint64
	Successful      uint64
	Failed          uint64
	MisbehaviorCount uint32
	LastInteraction time.Time
	LastMisbehavior time.Time

	responseTimes   []time.Duration // ring-buffered, capped
	AvgResponseTime time.Duration

	ContentProvided uint64
	SuccessRate     float64

	UptimeStart       time.Time
	DowntimeIncidents uint32
	IsBootstrap       bool
	Location          *GeographicInfo
}

func NewPeerReputation(id PeerID) *PeerReputation {
	return &PeerReputation{
		PeerID:      id,
		Score:       50,
		UptimeStart: time.Now(),
	}
}

// RecordInteraction applies the success/failure scoring rules and updates
// the response-time window.
func (r *PeerReputation) RecordInteraction(success bool, responseTime time.Duration, cfg *PeerScoringConfig) {
	r.Total++
	r.LastInteraction = time.Now()

	if success {
		r.Successful++
		r.Score += cfg.ConnectionSuccessBonus

		if responseTime > 0 {
			r.responseTimes = append(r.responseTimes, responseTime)
			if len(r.responseTimes) > responseTimeWindow {
				r.responseTimes = r.responseTimes[1:]
			}
			var sum time.Duration
			for _, rt := range r.responseTimes {
				sum += rt
			}
			r.AvgResponseTime = sum / time.Duration(len(r.responseTimes))

			penalty := float64(responseTime.Milliseconds()) * cfg.LatencyPenaltyFactor
			if penalty > 5 {
				penalty = 5
			}
			r.Score -= penalty
		}
	} else {
		r.Failed++
		r.Score -= cfg.ConnectionFailurePenalty
	}

	if r.Total > 0 {
		r.SuccessRate = float64(r.Successful) / float64(r.Total)
	}
	r.clamp(cfg)
}

// RecordMisbehavior applies a heavy penalty scaled by severity, floored
// at -100.
func (r *PeerReputation) RecordMisbehavior(severity float64) {
	r.MisbehaviorCount++
	r.LastMisbehavior = time.Now()
	r.Score -= severity * 10
	if r.Score < -100 {
		r.Score = -100
	}
}

// ApplyDecay drains score proportionally to idle hours.
func (r *PeerReputation) ApplyDecay(cfg *PeerScoringConfig) {
	if r.LastInteraction.IsZero() {
		return
	}
	hours := time.Since(r.LastInteraction).Hours()
	r.Score -= hours * cfg.ScoreDecayRate
	if r.Score < cfg.MinScore {
		r.Score = cfg.MinScore
	}
}

func (r *PeerReputation) clamp(cfg *PeerScoringConfig) {
	if r.Score > cfg.MaxScore {
		r.Score = cfg.MaxScore
	}
	if r.Score < cfg.MinScore {
		r.Score = cfg.MinScore
	}
}

// ReliabilityScore maps the interaction history into [0,1]; new peers sit
// at the neutral 0.5.
func (r *PeerReputation) ReliabilityScore() float64 {
	if r.Total == 0 {
		return 0.5
	}
	return r.SuccessRate
}

// UptimePercentage assumes 5 minutes of downtime per recorded incident.
func (r *PeerReputation) UptimePercentage() float64 {
	total := time.Since(r.UptimeStart)
	if total <= 0 {
		return 100
	}
	down := time.Duration(r.DowntimeIncidents) * 5 * time.Minute
	up := total - down
	if up < 0 {
		up = 0
	}
	return float64(up) / float64(total) * 100
}

// ReputationManager owns the reputation map, the blacklist and the
// trusted set. Everything is keyed by PeerID; no peer references escape.
type ReputationManager struct {
	cfg PeerScoringConfig

	mu        sync.RWMutex
	peers     map[PeerID]*PeerReputation
	blacklist map[PeerID]time.Time // peer -> expiry
	trusted   map[PeerID]struct{}
}

func NewReputationManager(cfg PeerScoringConfig) *ReputationManager {
	return &ReputationManager{
		cfg:       cfg,
		peers:     make(map[PeerID]*PeerReputation),
		blacklist: make(map[PeerID]time.Time),
		trusted:   make(map[PeerID]struct{}),
	}
}

// getLocked returns the entry, creating it at the neutral score (75 for
// trusted peers). Callers hold mu.
func (m *ReputationManager) getLocked(id PeerID) *PeerReputation {
	rep, ok := m.peers[id]
	if !ok {
		rep = NewPeerReputation(id)
		if _, trusted := m.trusted[id]; trusted {
			rep.Score = 75
		}
		m.peers[id] = rep
	}
	return rep
}

// RecordInteraction updates a peer's reputation after one exchange. A
// responseTime of 0 means "not measured".
func (m *ReputationManager) RecordInteraction(id PeerID, success bool, responseTime time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rep := m.getLocked(id)
	rep.RecordInteraction(success, responseTime, &m.cfg)
	m.checkBlacklistLocked(rep)
}

// RecordMisbehavior penalises a peer, possibly blacklisting it.
func (m *ReputationManager) RecordMisbehavior(id PeerID, severity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rep := m.getLocked(id)
	rep.RecordMisbehavior(severity)
	m.checkBlacklistLocked(rep)
}

func (m *ReputationManager) checkBlacklistLocked(rep *PeerReputation) {
	if _, trusted := m.trusted[rep.PeerID]; trusted {
		return
	}
	if rep.Score <= m.cfg.BlacklistThreshold {
		if _, already := m.blacklist[rep.PeerID]; !already {
			logrus.Warnf("[reputation] blacklisting peer %s (score %.1f)", rep.PeerID.Short(), rep.Score)
		}
		m.blacklist[rep.PeerID] = time.Now().Add(m.cfg.BlacklistDuration)
	}
}

// IsBlacklisted reports whether the peer is currently excluded.
func (m *ReputationManager) IsBlacklisted(id PeerID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	expiry, ok := m.blacklist[id]
	return ok && time.Now().Before(expiry)
}

// AddTrusted marks a peer as trusted: it starts at score 75 and is never
// auto-blacklisted.
func (m *ReputationManager) AddTrusted(id PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trusted[id] = struct{}{}
	rep := m.getLocked(id)
	if rep.Score < 75 {
		rep.Score = 75
	}
	delete(m.blacklist, id)
}

// MarkBootstrap seeds a bootstrap node at score 75.
func (m *ReputationManager) MarkBootstrap(id PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rep := m.getLocked(id)
	rep.IsBootstrap = true
	if rep.Score < 75 {
		rep.Score = 75
	}
}

// Get returns a copy of the peer's reputation, or nil when unknown.
func (m *ReputationManager) Get(id PeerID) *PeerReputation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rep, ok := m.peers[id]
	if !ok {
		return nil
	}
	cp := *rep
	return &cp
}

// Score returns the current score, 50 (neutral) for unknown peers.
func (m *ReputationManager) Score(id PeerID) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rep, ok := m.peers[id]; ok {
		return rep.Score
	}
	return 50
}

// TopPeers returns up to limit reputations ordered best-first.
func (m *ReputationManager) TopPeers(limit int) []*PeerReputation {
	m.mu.RLock()
	out := make([]*PeerReputation, 0, len(m.peers))
	for _, rep := range m.peers {
		cp := *rep
		out = append(out, &cp)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Maintain applies decay to every peer and clears expired blacklists.
func (m *ReputationManager) Maintain() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rep := range m.peers {
		rep.ApplyDecay(&m.cfg)
	}
	now := time.Now()
	for id, expiry := range m.blacklist {
		if now.After(expiry) {
			delete(m.blacklist, id)
		}
	}
}

// BlacklistCount reports currently active blacklist entries.
func (m *ReputationManager) BlacklistCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	n := 0
	for _, expiry := range m.blacklist {
		if now.Before(expiry) {
			n++
		}
	}
	return n
}

// Count reports the number of tracked peers.
func (m *ReputationManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

package main

import (
	"testing"
	"time"
)

func testScoringConfig() PeerScoringConfig {
	return PeerScoringConfig{
		MinScore:                 -100,
		MaxScore:                 100,
		ConnectionSuccessBonus:   1.0,
		ConnectionFailurePenalty: 2.0,
		LatencyPenaltyFactor:     0.01,
		ScoreDecayRate:           0.5,
		BlacklistThreshold:       -100,
		BlacklistDuration:        time.Hour,
	}
}

func TestReputationInteractionCounters(t *testing.T) {
	cfg := testScoringConfig()
	rep := NewPeerReputation(RandomPeerID())

	rep.RecordInteraction(true, 50*time.Millisecond, &cfg)
	if rep.Score <= 50 {
		t.Fatalf("score = %.2f, want > 50 after success", rep.Score)
	}
	rep.RecordInteraction(false, 0, &cfg)
	if rep.Total != 2 || rep.Successful != 1 || rep.Failed != 1 {
		t.Fatalf("counters total=%d ok=%d fail=%d", rep.Total, rep.Successful, rep.Failed)
	}
	if rep.Total != rep.Successful+rep.Failed {
		t.Fatalf("total must equal successful + failed")
	}
}

func TestReputationClampAfterMisbehavior(t *testing.T) {
	mgr := NewReputationManager(testScoringConfig())
	peer := RandomPeerID()

	// Start at the neutral 50 and apply 20 misbehaviors of severity 1.
	mgr.RecordInteraction(peer, true, 0)
	for i := 0; i < 20; i++ {
		mgr.RecordMisbehavior(peer, 1)
	}
	if score := mgr.Score(peer); score != -100 {
		t.Fatalf("score = %.2f, want -100 floor", score)
	}
	if !mgr.IsBlacklisted(peer) {
		t.Fatalf("peer at -100 must be blacklisted")
	}
}

func TestReputationStaysInRange(t *testing.T) {
	cfg := testScoringConfig()
	rep := NewPeerReputation(RandomPeerID())
	for i := 0; i < 500; i++ {
		rep.RecordInteraction(i%3 != 0, time.Duration(i)*time.Millisecond, &cfg)
		if i%7 == 0 {
			rep.RecordMisbehavior(0.5)
		}
		if rep.Score < cfg.MinScore || rep.Score > cfg.MaxScore {
			t.Fatalf("score %.2f escaped [%.0f, %.0f]", rep.Score, cfg.MinScore, cfg.MaxScore)
		}
	}
}

func TestLatencyPenaltyCapped(t *testing.T) {
	cfg := testScoringConfig()
	rep := NewPeerReputation(RandomPeerID())
	before := rep.Score
	// 10 s response: raw penalty 10000ms*0.01 = 100, capped at 5.
	rep.RecordInteraction(true, 10*time.Second, &cfg)
	// Net: +1 bonus, -5 capped penalty.
	if want := before + cfg.ConnectionSuccessBonus - 5; rep.Score != want {
		t.Fatalf("score = %.2f, want %.2f", rep.Score, want)
	}
}

func TestReputationDecay(t *testing.T) {
	cfg := testScoringConfig()
	rep := NewPeerReputation(RandomPeerID())
	rep.RecordInteraction(true, 0, &cfg)
	rep.LastInteraction = time.Now().Add(-10 * time.Hour)

	before := rep.Score
	rep.ApplyDecay(&cfg)
	if rep.Score >= before {
		t.Fatalf("decay must lower the score")
	}
	if rep.Score < cfg.MinScore {
		t.Fatalf("decay must floor at min score")
	}
}

func TestTrustedPeerExemptFromBlacklist(t *testing.T) {
	mgr := NewReputationManager(testScoringConfig())
	peer := RandomPeerID()
	mgr.AddTrusted(peer)

	if score := mgr.Score(peer); score != 75 {
		t.Fatalf("trusted peer starts at %.2f, want 75", score)
	}
	for i := 0; i < 30; i++ {
		mgr.RecordMisbehavior(peer, 1)
	}
	if mgr.IsBlacklisted(peer) {
		t.Fatalf("trusted peer must never be auto-blacklisted")
	}
}

func TestBlacklistExpiresOnMaintenance(t *testing.T) {
	cfg := testScoringConfig()
	cfg.BlacklistDuration = -time.Second // already expired when applied
	mgr := NewReputationManager(cfg)
	peer := RandomPeerID()
	for i := 0; i < 20; i++ {
		mgr.RecordMisbehavior(peer, 1)
	}
	if mgr.IsBlacklisted(peer) {
		t.Fatalf("expired blacklist must not apply")
	}
	mgr.Maintain()
	if mgr.IsBlacklisted(peer) {
		t.Fatalf("maintenance must clear expired blacklists")
	}
}

func TestReliabilityScoreNeutralForNewPeers(t *testing.T) {
	rep := NewPeerReputation(RandomPeerID())
	if got := rep.ReliabilityScore(); got != 0.5 {
		t.Fatalf("new peer reliability = %.2f, want 0.5", got)
	}
}

func TestTopPeersOrdering(t *testing.T) {
	mgr := NewReputationManager(testScoringConfig())
	good, bad := RandomPeerID(), RandomPeerID()
	for i := 0; i < 10; i++ {
		mgr.RecordInteraction(good, true, 0)
		mgr.RecordInteraction(bad, false, 0)
	}
	top := mgr.TopPeers(1)
	if len(top) != 1 || top[0].PeerID != good {
		t.Fatalf("top peer must be the well-behaved one")
	}
}

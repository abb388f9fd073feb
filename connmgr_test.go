package main

import (
	"errors"
	"testing"
	"time"
)

func TestConnectRefusesAboveCap(t *testing.T) {
	cm := NewConnectionManager(3, time.Minute, nil)
	peers := make([]PeerID, 4)
	for i := range peers {
		peers[i] = RandomPeerID()
	}
	for i := 0; i < 3; i++ {
		if err := cm.Connect(peers[i]); err != nil {
			t.Fatalf("connect %d: %v", i, err)
		}
	}
	if err := cm.Connect(peers[3]); err == nil {
		t.Fatalf("connect above cap must fail fast")
	}
	if cm.ConnectionCount() > 3 {
		t.Fatalf("count %d exceeds cap", cm.ConnectionCount())
	}
	// Reconnecting an existing peer is not a new slot.
	if err := cm.Connect(peers[0]); err != nil {
		t.Fatalf("re-connect existing: %v", err)
	}
}

func TestUnhealthyDetection(t *testing.T) {
	cm := NewConnectionManager(10, 50*time.Millisecond, nil)
	failed, stale, healthy := RandomPeerID(), RandomPeerID(), RandomPeerID()

	for _, p := range []PeerID{failed, stale, healthy} {
		if err := cm.Connect(p); err != nil {
			t.Fatalf("connect: %v", err)
		}
		cm.UpdateStatus(p, ConnConnected, "")
	}
	cm.UpdateStatus(failed, ConnFailed, "refused")

	time.Sleep(80 * time.Millisecond)
	cm.UpdateMetrics(healthy, 10*time.Millisecond, 0) // refresh activity

	unhealthy := cm.GetUnhealthyConnections()
	found := map[PeerID]bool{}
	for _, id := range unhealthy {
		found[id] = true
	}
	if !found[failed] || !found[stale] {
		t.Fatalf("failed and stale peers must be flagged, got %v", unhealthy)
	}
	if found[healthy] {
		t.Fatalf("recently active peer must not be flagged")
	}
}

func TestAutoRecoverResetsMetrics(t *testing.T) {
	dialed := map[PeerID]int{}
	var failPeer PeerID
	cm := NewConnectionManager(10, time.Nanosecond, func(p PeerID) error {
		dialed[p]++
		if p == failPeer {
			return errors.New("still down")
		}
		return nil
	})

	good, bad := RandomPeerID(), RandomPeerID()
	failPeer = bad
	for _, p := range []PeerID{good, bad} {
		if err := cm.Connect(p); err != nil {
			t.Fatalf("connect: %v", err)
		}
		cm.UpdateStatus(p, ConnFailed, "dropped")
		cm.UpdateMetrics(p, 500*time.Millisecond, 9)
	}

	recovered := cm.AutoRecover()
	if recovered != 1 {
		t.Fatalf("recovered = %d, want 1", recovered)
	}
	if dialed[good] != 1 || dialed[bad] != 1 {
		t.Fatalf("every unhealthy peer must be redialed once: %v", dialed)
	}

	info, ok := cm.Get(good)
	if !ok || info.Status != ConnConnected {
		t.Fatalf("recovered peer must be Connected, got %+v", info)
	}
	if info.LatencyEWMA != 0 || info.QueueDepth != 0 {
		t.Fatalf("recovery must reset rolling metrics, got %+v", info)
	}
	if info, _ := cm.Get(bad); info.Status != ConnFailed {
		t.Fatalf("unrecovered peer must stay Failed")
	}
}

func TestLatencyEWMA(t *testing.T) {
	cm := NewConnectionManager(5, time.Minute, nil)
	p := RandomPeerID()
	if err := cm.Connect(p); err != nil {
		t.Fatalf("connect: %v", err)
	}
	cm.UpdateMetrics(p, 100*time.Millisecond, 1)
	cm.UpdateMetrics(p, 200*time.Millisecond, 2)
	info, _ := cm.Get(p)
	if info.LatencyEWMA <= 100*time.Millisecond || info.LatencyEWMA >= 200*time.Millisecond {
		t.Fatalf("EWMA %v must sit between the samples", info.LatencyEWMA)
	}
	if info.QueueDepth != 2 {
		t.Fatalf("queue depth = %d, want 2", info.QueueDepth)
	}
}

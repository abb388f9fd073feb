package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ConnStatus is the lifecycle state of one managed connection.
type ConnStatus int

const (
	ConnConnecting ConnStatus = iota
	ConnConnected
	ConnFailed
	ConnDisconnected
)

func (s ConnStatus) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnFailed:
		return "failed"
	case ConnDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// ConnectionInfo is the per-peer record the manager maintains.
type ConnectionInfo struct {
	Status       ConnStatus
	FailReason   string
	LastActivity time.Time
	QueueDepth   int
	LatencyEWMA  time.Duration
}

// latencyAlpha weights new samples into the EWMA.
const latencyAlpha = 0.2

// ConnectionManager bounds and tracks transport connections. It refuses
// connects above MaxConnections instead of queueing them, and can re-dial
// unhealthy peers through an injected dial function.
type ConnectionManager struct {
	maxConnections int
	healthTimeout  time.Duration
	dial           func(PeerID) error

	mu    sync.RWMutex
	conns map[PeerID]*ConnectionInfo
}

func NewConnectionManager(maxConnections int, healthTimeout time.Duration, dial func(PeerID) error) *ConnectionManager {
	return &ConnectionManager{
		maxConnections: maxConnections,
		healthTimeout:  healthTimeout,
		dial:           dial,
		conns:          make(map[PeerID]*ConnectionInfo),
	}
}

// Connect registers a new connection attempt. Fails fast at the cap.
func (cm *ConnectionManager) Connect(peer PeerID) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if _, ok := cm.conns[peer]; !ok && len(cm.conns) >= cm.maxConnections {
		return fmt.Errorf("%w: connection limit %d reached", ErrDialFailed, cm.maxConnections)
	}
	cm.conns[peer] = &ConnectionInfo{
		Status:       ConnConnecting,
		LastActivity: time.Now(),
	}
	return nil
}

// UpdateStatus transitions a peer's connection state. O(1).
func (cm *ConnectionManager) UpdateStatus(peer PeerID, status ConnStatus, reason string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	info, ok := cm.conns[peer]
	if !ok {
		return
	}
	info.Status = status
	info.FailReason = reason
	info.LastActivity = time.Now()
}

// UpdateMetrics folds a latency sample into the EWMA and records queue
// depth. O(1).
func (cm *ConnectionManager) UpdateMetrics(peer PeerID, latency time.Duration, queueDepth int) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	info, ok := cm.conns[peer]
	if !ok {
		return
	}
	if info.LatencyEWMA == 0 {
		info.LatencyEWMA = latency
	} else {
		info.LatencyEWMA = time.Duration(float64(info.LatencyEWMA)*(1-latencyAlpha) + float64(latency)*latencyAlpha)
	}
	info.QueueDepth = queueDepth
	info.LastActivity = time.Now()
}

// Disconnect drops a peer from the managed set.
func (cm *ConnectionManager) Disconnect(peer PeerID) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	delete(cm.conns, peer)
}

// Get returns a copy of the peer's connection info.
func (cm *ConnectionManager) Get(peer PeerID) (ConnectionInfo, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	info, ok := cm.conns[peer]
	if !ok {
		return ConnectionInfo{}, false
	}
	return *info, true
}

// ConnectionCount never exceeds MaxConnections.
func (cm *ConnectionManager) ConnectionCount() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.conns)
}

// GetUnhealthyConnections returns peers that failed or went quiet past
// the health timeout.
func (cm *ConnectionManager) GetUnhealthyConnections() []PeerID {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	cutoff := time.Now().Add(-cm.healthTimeout)
	var out []PeerID
	for id, info := range cm.conns {
		if info.Status == ConnFailed || info.LastActivity.Before(cutoff) {
			out = append(out, id)
		}
	}
	return out
}

// AutoRecover re-dials every unhealthy connection. A successful dial
// resets the peer to Connected with fresh metrics. Returns the number of
// recovered connections.
func (cm *ConnectionManager) AutoRecover() int {
	unhealthy := cm.GetUnhealthyConnections()
	recovered := 0
	for _, peer := range unhealthy {
		if cm.dial == nil {
			break
		}
		if err := cm.dial(peer); err != nil {
			cm.UpdateStatus(peer, ConnFailed, err.Error())
			logrus.Debugf("[connmgr] recover dial %s: %v", peer.Short(), err)
			continue
		}
		cm.mu.Lock()
		if info, ok := cm.conns[peer]; ok {
			info.Status = ConnConnected
			info.FailReason = ""
			info.LatencyEWMA = 0
			info.QueueDepth = 0
			info.LastActivity = time.Now()
		}
		cm.mu.Unlock()
		recovered++
	}
	if recovered > 0 {
		logrus.Infof("[connmgr] recovered %d/%d unhealthy connections", recovered, len(unhealthy))
	}
	return recovered
}

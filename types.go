package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"
)

// PeerID is the opaque 32-byte participant identifier. The canonical
// encoding is lowercase hex.
type PeerID [32]byte

func (p PeerID) String() string { return hex.EncodeToString(p[:]) }

// Short returns the 8-char prefix used in log lines.
func (p PeerID) Short() string { return p.String()[:8] }

func (p PeerID) Bytes() []byte { return append([]byte(nil), p[:]...) }

func (p PeerID) IsZero() bool { return p == PeerID{} }

func PeerIDFromBytes(b []byte) (PeerID, error) {
	var id PeerID
	if len(b) != len(id) {
		return id, errors.New("peer id must be 32 bytes")
	}
	copy(id[:], b)
	return id, nil
}

func PeerIDFromString(s string) (PeerID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PeerID{}, err
	}
	return PeerIDFromBytes(b)
}

// RandomPeerID draws a fresh identifier from crypto/rand. Used for tests
// and ephemeral identities.
func RandomPeerID() PeerID {
	var id PeerID
	_, _ = rand.Read(id[:])
	return id
}

// DiscoveryMethod records how a peer entered the peer set.
type DiscoveryMethod string

const (
	DiscoveryKademlia DiscoveryMethod = "kademlia"
	DiscoveryMDNS     DiscoveryMethod = "mdns"
	DiscoveryStatic   DiscoveryMethod = "static"
	DiscoveryRelay    DiscoveryMethod = "relay"
	DiscoveryManual   DiscoveryMethod = "manual"
)

// PeerCapabilities advertises what a peer can do for the network.
type PeerCapabilities struct {
	CanRelay          bool    `json:"can_relay"`
	BandwidthCapacity *uint64 `json:"bandwidth_capacity,omitempty"` // bytes/sec
	SupportsDark      bool    `json:"supports_dark"`
	SupportsOnion     bool    `json:"supports_onion"`
}

// PeerPerformance holds rolling performance figures for a peer.
type PeerPerformance struct {
	AvgResponseTime time.Duration `json:"avg_response_time"`
	MessagesServed  uint64        `json:"messages_served"`
}

// PeerLoad tracks how busy a peer currently is. LoadScore runs 0..100.
type PeerLoad struct {
	LoadScore   float64 `json:"load_score"`
	QueueDepth  int     `json:"queue_depth"`
	ActiveConns int     `json:"active_conns"`
}

// ConnectionQuality captures observed link quality toward a peer.
type ConnectionQuality struct {
	ReliabilityScore float64       `json:"reliability_score"` // 0..1
	RTT              time.Duration `json:"rtt"`
	PacketLoss       float64       `json:"packet_loss"`
}

// GeographicInfo is optional coarse peer location (ISO region code).
type GeographicInfo struct {
	Region    string  `json:"region"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// DiscoveredPeer is the router/DHT view of a known peer.
type DiscoveredPeer struct {
	ID          PeerID            `json:"peer_id"`
	Addr        string            `json:"addr"` // "ip:port"
	Method      DiscoveryMethod   `json:"discovery_method"`
	Caps        PeerCapabilities  `json:"capabilities"`
	Performance PeerPerformance   `json:"performance_metrics"`
	Load        PeerLoad          `json:"load_metrics"`
	Quality     ConnectionQuality `json:"connection_quality"`
	Location    *GeographicInfo   `json:"location,omitempty"`
	FirstSeen   time.Time         `json:"first_seen"`
	LastSeen    time.Time         `json:"last_seen"`
}

// NewDiscoveredPeer seeds a peer record with neutral metrics.
func NewDiscoveredPeer(id PeerID, addr string, method DiscoveryMethod) DiscoveredPeer {
	now := time.Now()
	return DiscoveredPeer{
		ID:     id,
		Addr:   addr,
		Method: method,
		Caps:   PeerCapabilities{CanRelay: true},
		Quality: ConnectionQuality{
			ReliabilityScore: 0.9,
		},
		Load:      PeerLoad{LoadScore: 50},
		FirstSeen: now,
		LastSeen:  now,
	}
}

// IsHealthy reports whether the peer is usable for routing.
func (p *DiscoveredPeer) IsHealthy() bool {
	return p.Quality.ReliabilityScore > 0.2 && time.Since(p.LastSeen) < 30*time.Minute
}

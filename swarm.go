package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ping "github.com/libp2p/go-libp2p/p2p/protocol/ping"
	noise "github.com/libp2p/go-libp2p/p2p/security/noise"
	quic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	tcp "github.com/libp2p/go-libp2p/p2p/transport/tcp"
	websocket "github.com/libp2p/go-libp2p/p2p/transport/websocket"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"
)

const (
	protoFrame   = protocol.ID("/qudag/frame/1.0.0")
	mdnsTag      = "qudag-mdns"
	userAgent    = "qudag/1.0.0"
	maxFrameSize = 16<<20 + 4096 // routed payload cap plus header slack

	// outboundQueueDepth bounds the per-peer FIFO; enqueue errors (never
	// blocks) when full.
	outboundQueueDepth = 256

	// eventBuffer sizes the event channel. Consumers must drain it or
	// events are dropped with a warning.
	eventBuffer = 4096
)

// Envelope kinds multiplexed over the request-response protocol.
const (
	envelopeDHT = "dht"
	envelopeApp = "app"
)

type reqEnvelope struct {
	Kind string `cbor:"kind"`
	Data []byte `cbor:"data"`
}

// SwarmEventKind tags events pushed out of the swarm.
type SwarmEventKind string

const (
	EventPeerDiscovered      SwarmEventKind = "peer_discovered"
	EventPeerConnected       SwarmEventKind = "peer_connected"
	EventPeerDisconnected    SwarmEventKind = "peer_disconnected"
	EventMessageReceived     SwarmEventKind = "message_received"
	EventRequestReceived     SwarmEventKind = "request_received"
	EventResponseReceived    SwarmEventKind = "response_received"
	EventRoutingTableUpdated SwarmEventKind = "routing_table_updated"
	EventFrameDelivered      SwarmEventKind = "frame_delivered"
)

// SwarmEvent is one notification out of the swarm. RequestReceived events
// carry a Reply channel the consumer must answer (or the request times
// out).
type SwarmEvent struct {
	Kind    SwarmEventKind
	Peer    PeerID
	Topic   string
	Data    []byte
	Reply   chan<- []byte
}

// Swarm owns the libp2p host and every attached behaviour. External code
// talks to it through exported methods, called from the SwarmHandle driver
// goroutine, the DHT, the router and libp2p callbacks alike; mu guards the
// shared maps.
type Swarm struct {
	cfg  *Config
	host host.Host
	ps   *pubsub.PubSub

	localPeer PeerID

	obfuscator *Obfuscator
	reqresp    *reqRespService
	pinger     *ping.PingService

	reputation *ReputationManager
	connmgr    *ConnectionManager
	dht        *KademliaDHT // set via AttachDHT

	// onFrame handles a fully deobfuscated routed frame whose last hop is
	// this node. Set via SetFrameHandler.
	onFrame func(hops []PeerID, payload []byte)

	mu         sync.RWMutex
	topics     map[string]*pubsub.Topic
	subs       map[string]*pubsub.Subscription
	subCancels map[string]context.CancelFunc
	peerbook   map[PeerID]peer.ID
	outbound   map[peer.ID]chan []byte

	events chan SwarmEvent

	ctx    context.Context
	cancel context.CancelFunc
}

// peerIDFromLibp2p recovers our 32-byte PeerID from a libp2p peer id by
// hashing the embedded ed25519 public key.
func peerIDFromLibp2p(pid peer.ID) (PeerID, error) {
	pub, err := pid.ExtractPublicKey()
	if err != nil {
		return PeerID{}, fmt.Errorf("extract pubkey: %w", err)
	}
	raw, err := pub.Raw()
	if err != nil {
		return PeerID{}, err
	}
	return PeerID(sha256.Sum256(raw)), nil
}

// NewSwarm assembles the transport stack: TCP (+ optional WebSocket and
// QUIC), Noise channel security, yamux multiplexing and a 20 s dial
// timeout, then attaches gossipsub, mDNS, ping and request-response.
func NewSwarm(ctx context.Context, cfg *Config, id NodeIdentity,
	reputation *ReputationManager, connmgr *ConnectionManager) (*Swarm, error) {
	libPriv, _, err := crypto.KeyPairFromStdKey(&id.Priv)
	if err != nil {
		return nil, fmt.Errorf("identity key: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.Identity(libPriv),
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
		libp2p.Security(noise.ID, noise.New),
		libp2p.DefaultMuxers, // yamux
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.UserAgent(userAgent),
		libp2p.WithDialTimeout(cfg.Timeout),
	}
	if cfg.EnableWebSocket {
		opts = append(opts, libp2p.Transport(websocket.New))
	}
	if cfg.EnableQUIC {
		opts = append(opts, libp2p.Transport(quic.NewTransport))
	}
	if cfg.EnableRelay {
		opts = append(opts, libp2p.EnableRelay(), libp2p.EnableHolePunching())
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("libp2p host: %w", err)
	}

	key := make([]byte, 32)
	if cfg.ObfuscationKey != "" {
		if key, err = cfg.obfuscationKey(); err != nil {
			h.Close()
			return nil, err
		}
	} else if _, err := rand.Read(key); err != nil {
		h.Close()
		return nil, fmt.Errorf("%w: %v", ErrKeyGenerationFailed, err)
	}
	obfuscator, err := NewObfuscator(key)
	if err != nil {
		h.Close()
		return nil, err
	}

	params := pubsub.DefaultGossipSubParams()
	params.HeartbeatInterval = cfg.Gossipsub.HeartbeatInterval
	psOpts := []pubsub.Option{
		pubsub.WithMessageSigning(true),
		pubsub.WithGossipSubParams(params),
	}
	if cfg.Gossipsub.StrictValidation {
		psOpts = append(psOpts, pubsub.WithStrictSignatureVerification(true))
	}
	ps, err := pubsub.NewGossipSub(ctx, h, psOpts...)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("gossipsub: %w", err)
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Swarm{
		cfg:        cfg,
		host:       h,
		ps:         ps,
		localPeer:  id.PeerID,
		obfuscator: obfuscator,
		reputation: reputation,
		connmgr:    connmgr,
		topics:     make(map[string]*pubsub.Topic),
		subs:       make(map[string]*pubsub.Subscription),
		subCancels: make(map[string]context.CancelFunc),
		peerbook:   make(map[PeerID]peer.ID),
		outbound:   make(map[peer.ID]chan []byte),
		events:     make(chan SwarmEvent, eventBuffer),
		ctx:        sctx,
		cancel:     cancel,
	}

	s.reqresp = newReqRespService(h, cfg.Timeout, obfuscator, s.handleRequest)
	s.pinger = ping.NewPingService(h)
	h.SetStreamHandler(protoFrame, s.handleFrameStream)

	h.Network().Notify(&network.NotifyBundle{
		ConnectedF:    s.onConnected,
		DisconnectedF: s.onDisconnected,
	})

	if cfg.EnableMDNS {
		if err := mdns.NewMdnsService(h, mdnsTag, &mdnsNotifee{s: s}).Start(); err != nil {
			logrus.Warnf("[swarm] mdns start: %v", err)
		}
	}

	go s.pingLoop(sctx)

	logrus.Infof("[swarm] node %s listening on %v", id.PeerID.Short(), h.Addrs())
	return s, nil
}

// AttachDHT hands the DHT its inbound RPC path. Must be called before
// traffic flows.
func (s *Swarm) AttachDHT(d *KademliaDHT) { s.dht = d }

// SetFrameHandler wires the routed-frame consumer (the router/onion
// pipeline).
func (s *Swarm) SetFrameHandler(fn func(hops []PeerID, payload []byte)) { s.onFrame = fn }

// Events returns the event stream. Consumers must drain it; the channel
// is large but drops under sustained backpressure.
func (s *Swarm) Events() <-chan SwarmEvent { return s.events }

// LocalPeerID returns the node's 32-byte identifier.
func (s *Swarm) LocalPeerID() PeerID { return s.localPeer }

// Listeners reports the current listen multiaddrs.
func (s *Swarm) Listeners() []string {
	addrs := s.host.Addrs()
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}

// ConnectedPeers returns the 32-byte IDs of live connections.
func (s *Swarm) ConnectedPeers() []PeerID {
	peers := s.host.Network().Peers()
	out := make([]PeerID, 0, len(peers))
	for _, pid := range peers {
		if id, err := peerIDFromLibp2p(pid); err == nil {
			out = append(out, id)
		}
	}
	return out
}

func (s *Swarm) emit(ev SwarmEvent) {
	select {
	case s.events <- ev:
	default:
		logrus.Warnf("[swarm] event channel full, dropping %s", ev.Kind)
	}
}

type mdnsNotifee struct{ s *Swarm }

// HandlePeerFound connects to locally discovered peers.
func (m *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == m.s.host.ID() {
		return
	}
	if err := m.s.host.Connect(m.s.ctx, info); err != nil {
		logrus.Debugf("[swarm] mdns connect %s: %v", info.ID, err)
		return
	}
	if id, err := peerIDFromLibp2p(info.ID); err == nil {
		m.s.rememberPeer(id, info.ID)
		m.s.emit(SwarmEvent{Kind: EventPeerDiscovered, Peer: id})
		if m.s.dht != nil {
			m.s.dht.AddPeer(NewDiscoveredPeer(id, "", DiscoveryMDNS))
			m.s.emit(SwarmEvent{Kind: EventRoutingTableUpdated})
		}
	}
}

func (s *Swarm) rememberPeer(id PeerID, pid peer.ID) {
	s.mu.Lock()
	s.peerbook[id] = pid
	s.mu.Unlock()
}

func (s *Swarm) lookupPeer(id PeerID) (peer.ID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pid, ok := s.peerbook[id]
	return pid, ok
}

func (s *Swarm) onConnected(_ network.Network, conn network.Conn) {
	pid := conn.RemotePeer()
	id, err := peerIDFromLibp2p(pid)
	if err != nil {
		return
	}
	s.rememberPeer(id, pid)
	if s.connmgr != nil {
		if err := s.connmgr.Connect(id); err == nil {
			s.connmgr.UpdateStatus(id, ConnConnected, "")
		}
	}
	s.emit(SwarmEvent{Kind: EventPeerConnected, Peer: id})
}

func (s *Swarm) onDisconnected(_ network.Network, conn network.Conn) {
	pid := conn.RemotePeer()
	id, err := peerIDFromLibp2p(pid)
	if err != nil {
		return
	}
	if s.connmgr != nil {
		s.connmgr.UpdateStatus(id, ConnDisconnected, "")
	}
	s.emit(SwarmEvent{Kind: EventPeerDisconnected, Peer: id})
}

// pingLoop probes connected peers and feeds RTTs into reputation and the
// connection manager.
func (s *Swarm) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, pid := range s.host.Network().Peers() {
			id, err := peerIDFromLibp2p(pid)
			if err != nil {
				continue
			}
			select {
			case res := <-s.pinger.Ping(ctx, pid):
				if res.Error == nil {
					s.reputation.RecordInteraction(id, true, res.RTT)
					if s.connmgr != nil {
						s.connmgr.UpdateMetrics(id, res.RTT, 0)
					}
				} else {
					s.reputation.RecordInteraction(id, false, 0)
				}
			case <-time.After(2 * time.Second):
			}
		}
	}
}

// Subscribe joins a gossipsub topic and starts its reader.
func (s *Swarm) Subscribe(topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[topic]; ok {
		return nil
	}
	t, ok := s.topics[topic]
	if !ok {
		var err error
		t, err = s.ps.Join(topic)
		if err != nil {
			return fmt.Errorf("join topic %s: %w", topic, err)
		}
		s.topics[topic] = t
	}
	sub, err := t.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	s.subs[topic] = sub

	ctx, cancel := context.WithCancel(s.ctx)
	s.subCancels[topic] = cancel
	go s.readSubscription(ctx, topic, sub)
	return nil
}

// Unsubscribe leaves a topic.
func (s *Swarm) Unsubscribe(topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.subCancels[topic]; ok {
		cancel()
		delete(s.subCancels, topic)
	}
	if sub, ok := s.subs[topic]; ok {
		sub.Cancel()
		delete(s.subs, topic)
	}
	return nil
}

func (s *Swarm) readSubscription(ctx context.Context, topic string, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == s.host.ID() {
			continue
		}
		from, err := peerIDFromLibp2p(msg.ReceivedFrom)
		if err != nil {
			continue
		}

		data := msg.Data
		if plain, err := s.obfuscator.Deobfuscate(data); err == nil {
			data = plain
		} // decryption failure means "not obfuscated": keep raw

		s.emit(SwarmEvent{Kind: EventMessageReceived, Peer: from, Topic: topic, Data: data})
	}
}

// Publish wraps the payload with traffic obfuscation and publishes it.
func (s *Swarm) Publish(ctx context.Context, topic string, data []byte) error {
	s.mu.Lock()
	t, ok := s.topics[topic]
	if !ok {
		var err error
		t, err = s.ps.Join(topic)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("join topic %s: %w", topic, err)
		}
		s.topics[topic] = t
	}
	s.mu.Unlock()

	wrapped, err := s.obfuscator.Obfuscate(data)
	if err != nil {
		return err
	}
	return t.Publish(ctx, wrapped)
}

// Dial connects to a peer by multiaddr.
func (s *Swarm) Dial(ctx context.Context, addr string) error {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDialFailed, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDialFailed, err)
	}
	if err := s.host.Connect(ctx, *info); err != nil {
		return fmt.Errorf("%w: %v", ErrDialFailed, err)
	}
	if id, err := peerIDFromLibp2p(info.ID); err == nil {
		s.rememberPeer(id, info.ID)
	}
	return nil
}

// DialPeer connects to an already-known peer (dhtTransport).
func (s *Swarm) DialPeer(ctx context.Context, id PeerID) error {
	pid, ok := s.lookupPeer(id)
	if !ok {
		return fmt.Errorf("%w: %s unknown", ErrPeerUnreachable, id.Short())
	}
	if s.host.Network().Connectedness(pid) == network.Connected {
		return nil
	}
	if err := s.host.Connect(ctx, peer.AddrInfo{ID: pid}); err != nil {
		return fmt.Errorf("%w: %v", ErrDialFailed, err)
	}
	return nil
}

// SendDHTRequest performs one Kademlia RPC round trip (dhtTransport).
func (s *Swarm) SendDHTRequest(ctx context.Context, id PeerID, msg *DHTMessage) (*DHTMessage, error) {
	pid, ok := s.lookupPeer(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s unknown", ErrPeerUnreachable, id.Short())
	}
	data, err := cbor.Marshal(msg)
	if err != nil {
		return nil, err
	}
	env, err := cbor.Marshal(&reqEnvelope{Kind: envelopeDHT, Data: data})
	if err != nil {
		return nil, err
	}
	respData, err := s.reqresp.SendRequest(ctx, pid, env)
	if err != nil {
		return nil, err
	}
	var resp DHTMessage
	if err := cbor.Unmarshal(respData, &resp); err != nil {
		return nil, &InvalidDataError{Reason: "malformed DHT response"}
	}
	return &resp, nil
}

// SendRequest performs an application-level request round trip.
func (s *Swarm) SendRequest(ctx context.Context, id PeerID, payload []byte) ([]byte, error) {
	pid, ok := s.lookupPeer(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s unknown", ErrPeerUnreachable, id.Short())
	}
	env, err := cbor.Marshal(&reqEnvelope{Kind: envelopeApp, Data: payload})
	if err != nil {
		return nil, err
	}
	resp, err := s.reqresp.SendRequest(ctx, pid, env)
	if err == nil {
		s.emit(SwarmEvent{Kind: EventResponseReceived, Peer: id, Data: resp})
	}
	return resp, err
}

// handleRequest demultiplexes inbound request-response payloads: DHT RPCs
// are answered inline, application requests are handed to the event
// consumer with a reply channel.
func (s *Swarm) handleRequest(from peer.ID, payload []byte) []byte {
	fromID, err := peerIDFromLibp2p(from)
	if err != nil {
		return nil
	}
	s.rememberPeer(fromID, from)

	var env reqEnvelope
	if err := cbor.Unmarshal(payload, &env); err != nil {
		return nil
	}

	switch env.Kind {
	case envelopeDHT:
		if s.dht == nil {
			return nil
		}
		var msg DHTMessage
		if err := cbor.Unmarshal(env.Data, &msg); err != nil {
			return nil
		}
		resp := s.dht.HandleRPC(fromID, &msg)
		out, err := cbor.Marshal(resp)
		if err != nil {
			return nil
		}
		return out

	case envelopeApp:
		reply := make(chan []byte, 1)
		s.emit(SwarmEvent{Kind: EventRequestReceived, Peer: fromID, Data: env.Data, Reply: reply})
		select {
		case resp := <-reply:
			return resp
		case <-time.After(s.cfg.Timeout):
			return nil
		}
	}
	return nil
}

// SendFrame queues a routed frame for a peer. Per-peer FIFO order is
// preserved; a full queue errors immediately instead of blocking.
func (s *Swarm) SendFrame(ctx context.Context, to PeerID, frame []byte) error {
	pid, ok := s.lookupPeer(to)
	if !ok {
		return fmt.Errorf("%w: %s unknown", ErrPeerUnreachable, to.Short())
	}
	wrapped, err := s.obfuscator.Obfuscate(frame)
	if err != nil {
		return err
	}

	s.mu.Lock()
	q, ok := s.outbound[pid]
	if !ok {
		q = make(chan []byte, outboundQueueDepth)
		s.outbound[pid] = q
		go s.writeLoop(pid, q)
	}
	s.mu.Unlock()

	select {
	case q <- wrapped:
		return nil
	default:
		return fmt.Errorf("%w: peer %s", ErrQueueFull, to.Short())
	}
}

// writeLoop drains one peer's outbound queue over a persistent stream,
// re-opening it on failure.
func (s *Swarm) writeLoop(pid peer.ID, q chan []byte) {
	var stream network.Stream
	defer func() {
		if stream != nil {
			stream.Close()
		}
	}()
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-q:
			for attempt := 0; attempt < 2; attempt++ {
				if stream == nil {
					var err error
					stream, err = s.host.NewStream(s.ctx, pid, protoFrame)
					if err != nil {
						logrus.Debugf("[swarm] frame stream %s: %v", pid, err)
						break
					}
				}
				var lenbuf [4]byte
				binary.BigEndian.PutUint32(lenbuf[:], uint32(len(frame)))
				if _, err := stream.Write(lenbuf[:]); err == nil {
					if _, err = stream.Write(frame); err == nil {
						break
					}
				}
				stream.Close()
				stream = nil
			}
		}
	}
}

// handleFrameStream consumes length-prefixed routed frames: deobfuscate,
// parse the routing header, then forward to the next hop or deliver.
func (s *Swarm) handleFrameStream(stream network.Stream) {
	defer stream.Close()
	for {
		var lenbuf [4]byte
		if _, err := io.ReadFull(stream, lenbuf[:]); err != nil {
			return
		}
		size := binary.BigEndian.Uint32(lenbuf[:])
		if size == 0 || size > maxFrameSize {
			return
		}
		buf := make([]byte, size)
		if _, err := io.ReadFull(stream, buf); err != nil {
			return
		}

		frame := buf
		if plain, err := s.obfuscator.Deobfuscate(buf); err == nil {
			frame = plain
		}

		hops, payload, err := decodeRoutingHeader(frame)
		if err != nil {
			continue
		}
		s.processFrame(hops, payload)
	}
}

// processFrame advances a routed frame one hop. Frames addressed to this
// node with remaining hops are re-framed and forwarded; final frames are
// delivered upward.
func (s *Swarm) processFrame(hops []PeerID, payload []byte) {
	if len(hops) == 0 {
		return
	}
	if hops[0] != s.localPeer {
		// Not ours: either a stale header or relayed traffic addressed to
		// a hop list we head. Drop rather than guess.
		return
	}
	rest := hops[1:]
	if len(rest) == 0 {
		if s.onFrame != nil {
			s.onFrame(hops, payload)
		}
		s.emit(SwarmEvent{Kind: EventFrameDelivered, Peer: s.localPeer, Data: payload})
		return
	}
	frame := encodeRoutingHeader(rest, payload)
	if err := s.SendFrame(s.ctx, rest[0], frame); err != nil {
		logrus.Debugf("[swarm] forward to %s: %v", rest[0].Short(), err)
	}
}

// Close shuts the swarm down and releases the host.
func (s *Swarm) Close() error {
	s.cancel()
	return s.host.Close()
}

package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
)

// Node wires the subsystems together: swarm transport, Kademlia DHT,
// anonymous router, onion/mix pipeline, shadow addressing, protocol state
// machine and persistence. Each long-lived concern runs as its own task;
// cross-component references go through PeerIDs and narrow interfaces.
type Node struct {
	cfg      *Config
	identity NodeIdentity

	reputation *ReputationManager
	connmgr    *ConnectionManager
	swarm      *Swarm
	dht        *KademliaDHT
	router     *Router
	shadow     *ShadowAddressManager
	mixer      *MixNode
	shaper     *TrafficShaper
	kem        *QuantumKEM
	onionKeys  *OnionKeyPair

	stateMu sync.Mutex
	state   *ProtocolStateMachine

	persist *PersistentRunner
	metrics *Metrics
	handle  *SwarmHandle

	// messages delivers payloads addressed to this node: final onion
	// payloads (peeled, unpadded), frames that do not peel as an onion
	// layer (raw), and application request data from the swarm.
	messages chan []byte

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode assembles a node from configuration. Crypto provider failure is
// fatal: the node refuses to exist without it.
func NewNode(ctx context.Context, cfg *Config, registry *prometheus.Registry) (*Node, error) {
	network, err := cfg.shadowNetwork()
	if err != nil {
		return nil, err
	}

	identity, err := loadOrCreateIdentity(filepath.Join(cfg.DataDir, cfg.IdentityFile))
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}

	kem, err := NewQuantumKEM(SecurityLevel3)
	if err != nil {
		return nil, fmt.Errorf("crypto provider: %w", err)
	}
	onionKeys, err := loadOnionKeys(cfg)
	if err != nil {
		return nil, fmt.Errorf("onion keys: %w", err)
	}

	reputation := NewReputationManager(cfg.PeerScoring)

	store, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	n := &Node{
		cfg:        cfg,
		identity:   identity,
		reputation: reputation,
		shadow:     NewShadowAddressManager(network, cfg.Rotation),
		mixer:      NewMixNode(cfg.Mix),
		shaper:     NewTrafficShaper(cfg.Onion),
		kem:        kem,
		onionKeys:  onionKeys,
		state:      NewProtocolStateMachine(CurrentVersion, cfg.StateMachine),
		persist:    NewPersistentRunner(store),
		metrics:    NewMetrics(registry),
		messages:   make(chan []byte, 256),
	}

	n.connmgr = NewConnectionManager(cfg.MaxConnections, cfg.HealthTimeout, func(peer PeerID) error {
		dialCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		return n.swarm.DialPeer(dialCtx, peer)
	})

	swarm, err := NewSwarm(ctx, cfg, identity, reputation, n.connmgr)
	if err != nil {
		store.Close()
		return nil, err
	}
	n.swarm = swarm

	n.dht = NewKademliaDHT(identity.PeerID, 20, 3, cfg.Bootstrap, cfg.ContentRouting, reputation, swarm)
	swarm.AttachDHT(n.dht)

	n.router = NewRouter(cfg.Routing, cfg.DarkAddressing, cfg.MaxMessageSize, reputation, swarm.SendFrame)
	n.router.SetShadowResolver(n.shadow.Handler())
	n.router.SetDarkResolver(n.dht)

	swarm.SetFrameHandler(n.handleInboundFrame)

	// Metrics wiring.
	n.router.SetObservers(
		func(hit bool) {
			if hit {
				n.metrics.RoutingCacheHits.Inc()
			} else {
				n.metrics.RoutingCacheMisses.Inc()
			}
		},
		func(ok bool) {
			outcome := "ok"
			if !ok {
				outcome = "failed"
			}
			n.metrics.MessagesRoutedTotal.WithLabelValues(outcome).Inc()
		},
	)
	n.dht.SetQueryHook(func(ok bool) {
		outcome := "ok"
		if !ok {
			outcome = "failed"
		}
		n.metrics.DHTQueriesTotal.WithLabelValues(outcome).Inc()
	})
	n.mixer.SetReleaseHook(func(batchSize int) {
		n.metrics.MixBatchesReleased.Inc()
		n.metrics.MixBatchSize.Observe(float64(batchSize))
	})
	n.persist.SetWriteHook(func(entity string) {
		n.metrics.PersistWritesTotal.WithLabelValues(entity).Inc()
	})
	n.state.SetTransitionHook(func(from, to ProtocolState) {
		n.metrics.StateTransitionsTotal.WithLabelValues(string(from.Phase), string(to.Phase)).Inc()
	})

	return n, nil
}

// loadOnionKeys uses the configured X25519 scalar (keystore-provided)
// when present, else draws an ephemeral keypair.
func loadOnionKeys(cfg *Config) (*OnionKeyPair, error) {
	if cfg.OnionKey == "" {
		return NewOnionKeyPair()
	}
	raw, err := base64.RawURLEncoding.DecodeString(cfg.OnionKey)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("%w: onion_key must be base64url(32 bytes)", ErrInvalidKeyFormat)
	}
	var kp OnionKeyPair
	copy(kp.Priv[:], raw)
	pub, err := curve25519.X25519(kp.Priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(kp.Pub[:], pub)
	return &kp, nil
}

func openStore(cfg *Config) (StateStore, error) {
	switch cfg.StoreBackend {
	case "memory":
		return NewMemoryStateStore(), nil
	case "sqlite":
		return NewSqliteStateStore(filepath.Join(cfg.DataDir, "qudag.db"))
	default:
		return NewFileStateStore(cfg.DataDir, cfg.AtomicWrites)
	}
}

// Identity returns the node's identity.
func (n *Node) Identity() NodeIdentity { return n.identity }

// Swarm, DHT, Router, Shadow, Persist expose the subsystems to the outer
// layers (control surfaces, tests).
func (n *Node) Swarm() *Swarm                   { return n.swarm }
func (n *Node) DHT() *KademliaDHT               { return n.dht }
func (n *Node) Router() *Router                 { return n.router }
func (n *Node) Shadow() *ShadowAddressManager   { return n.shadow }
func (n *Node) Persist() *PersistentRunner      { return n.persist }
func (n *Node) Reputation() *ReputationManager  { return n.reputation }
func (n *Node) Connections() *ConnectionManager { return n.connmgr }
func (n *Node) KEM() *QuantumKEM                { return n.kem }

// Handle returns the command-channel front to the swarm driver. Only
// valid after Start.
func (n *Node) Handle() *SwarmHandle { return n.handle }

// Messages delivers payloads addressed to this node.
func (n *Node) Messages() <-chan []byte { return n.messages }

// State runs fn with the protocol state machine under its lock.
func (n *Node) State(fn func(sm *ProtocolStateMachine) error) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return fn(n.state)
}

// Start recovers durable state, bootstraps the DHT and launches the
// long-lived tasks.
func (n *Node) Start(ctx context.Context) error {
	ctx, n.cancel = context.WithCancel(ctx)
	n.handle = NewSwarmHandle(ctx, n.swarm)

	recovered, err := n.persist.LoadStateOnStartup(ctx)
	if err != nil {
		return fmt.Errorf("recover state: %w", err)
	}
	if recovered != nil {
		for idHex, info := range recovered.Peers {
			id, err := PeerIDFromString(idHex)
			if err != nil {
				continue
			}
			peer := NewDiscoveredPeer(id, info.Address, DiscoveryStatic)
			n.router.AddPeer(peer)
			n.dht.AddPeer(peer)
			if info.Trusted {
				n.reputation.AddTrusted(id)
			}
		}
	}

	if err := n.State(func(sm *ProtocolStateMachine) error {
		return sm.TransitionTo(StateHandshake(SubWaiting), "node starting")
	}); err != nil {
		return err
	}

	// Seed and dial bootstrap peers.
	for _, addr := range n.cfg.BootstrapPeers {
		if err := n.swarm.Dial(ctx, addr); err != nil {
			logrus.Warnf("[node] bootstrap dial %s: %v", addr, err)
		}
	}
	for _, id := range n.swarm.ConnectedPeers() {
		n.dht.AddSeed(NewDiscoveredPeer(id, "", DiscoveryStatic))
	}
	if err := n.dht.Bootstrap(ctx); err != nil {
		logrus.Warnf("[node] bootstrap: %v", err)
	}

	// Walk the handshake to Active: the node's own lifecycle mirrors a
	// completed peer handshake.
	if err := n.State(func(sm *ProtocolStateMachine) error {
		for _, step := range []ProtocolState{
			StateHandshake(SubInProgress),
			StateHandshake(SubProcessing),
			StateHandshake(SubCompleted),
			StateActive(SubNormal),
		} {
			if err := sm.TransitionTo(step, "startup"); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}

	n.startTask(func() { n.maintenanceLoop(ctx) })
	n.startTask(func() { n.mixPumpLoop(ctx) })
	n.startTask(func() { n.eventLoop(ctx) })
	n.startTask(func() { n.shaper.RunDummyTraffic(ctx, n.mixer.Enqueue) })
	if n.cfg.AutoSave {
		n.startTask(func() { n.persist.RunAutoSave(ctx, n.cfg.AutoSaveInterval) })
	}

	logrus.Infof("[node] started, peer id %s", n.identity.PeerID.Short())
	return nil
}

func (n *Node) startTask(fn func()) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
}

// maintenanceLoop is the DHT/reputation/cache housekeeping tick.
func (n *Node) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n.dht.PerformMaintenance(ctx)
		n.shadow.Maintain()
		n.router.PruneCache()
		n.connmgr.AutoRecover()

		n.State(func(sm *ProtocolStateMachine) error {
			if purged := sm.PurgeIdleSessions(); purged > 0 {
				logrus.Debugf("[node] purged %d idle sessions", purged)
			}
			n.metrics.ActiveSessions.Set(float64(sm.ActiveSessions()))
			return nil
		})

		n.metrics.ConnectedPeers.Set(float64(len(n.swarm.ConnectedPeers())))
		n.metrics.DHTRecords.Set(float64(n.dht.RecordCount()))
		n.metrics.ReputationBlacklisted.Set(float64(n.reputation.BlacklistCount()))

		// Reputation collapse invalidates routes through the peer.
		for _, rep := range n.reputation.TopPeers(1 << 16) {
			if rep.Score <= n.cfg.PeerScoring.BlacklistThreshold {
				n.router.OnReputationCollapse(rep.PeerID)
			}
		}
	}
}

// mixPumpLoop forwards released mix batches to the wire with the sampled
// timing delay. Dummy messages go out as opaque blobs toward random
// peers.
func (n *Node) mixPumpLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-n.mixer.Output():
			if msg.Dummy {
				// Dummies go to a random connected peer as an opaque
				// blob; the receiver drops it after failing to parse.
				peers := n.swarm.ConnectedPeers()
				if len(peers) > 0 {
					target := peers[randInt(int64(len(peers)))]
					if err := n.swarm.SendFrame(ctx, target, msg.Data); err != nil {
						logrus.Debugf("[node] dummy send: %v", err)
					}
				}
				continue
			}
			delay := n.shaper.TimingDelay()
			if delay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
			}
			hops, payload, err := decodeRoutingHeader(msg.Data)
			if err != nil || len(hops) == 0 {
				continue
			}
			if err := n.swarm.SendFrame(ctx, hops[0], encodeRoutingHeader(hops, payload)); err != nil {
				logrus.Debugf("[node] mix forward: %v", err)
			}
		}
	}
}

// eventLoop drains swarm events into the peer set and session machinery.
func (n *Node) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-n.swarm.Events():
			switch ev.Kind {
			case EventPeerDiscovered, EventPeerConnected:
				peer := NewDiscoveredPeer(ev.Peer, "", DiscoveryKademlia)
				n.router.AddPeer(peer)
				n.dht.AddPeer(peer)
			case EventPeerDisconnected:
				n.connmgr.UpdateStatus(ev.Peer, ConnDisconnected, "")
			case EventRequestReceived:
				// Application requests are echoed to the message stream;
				// the reply channel must always be answered.
				select {
				case n.messages <- ev.Data:
				default:
				}
				if ev.Reply != nil {
					ev.Reply <- nil
				}
			}
		}
	}
}

// handleInboundFrame processes a routed payload terminating at this node:
// peel an onion layer if one is present, forward through the mix when the
// peel reveals a next hop, deliver otherwise.
func (n *Node) handleInboundFrame(_ []PeerID, payload []byte) {
	routing, inner, err := PeelLayer(payload, n.onionKeys.Priv)
	if err != nil {
		// Not layered (or authentication failed): deliver raw. Auth
		// failures are indistinguishable from plain payloads by design.
		select {
		case n.messages <- payload:
		default:
			logrus.Warnf("[node] message buffer full, dropping payload")
		}
		return
	}

	if routing.Final {
		if plain, perr := unpadPayload(inner); perr == nil {
			inner = plain
		}
		select {
		case n.messages <- inner:
		default:
			logrus.Warnf("[node] message buffer full, dropping payload")
		}
		return
	}

	// Relay: batch through the mix before forwarding the inner layer.
	frame := encodeRoutingHeader([]PeerID{routing.Next}, inner)
	n.mixer.Enqueue(MixMessage{Data: frame})
}

// SendAnonymous onion-wraps a payload over a fresh path and dispatches
// it. The destination is the final hop.
func (n *Node) SendAnonymous(ctx context.Context, dest PeerID, payload []byte, hopPubKeys map[PeerID][]byte) error {
	if len(payload) > n.cfg.MaxMessageSize {
		return &MessageTooLargeError{Size: len(payload), Limit: n.cfg.MaxMessageSize}
	}
	criteria := DefaultCriteria()
	criteria.RequireOnion = true
	paths, err := n.router.FindPaths(ctx, dest, &criteria)
	if err != nil {
		return err
	}
	path := paths[0]

	hops := make([]OnionHop, 0, len(path.Hops))
	for _, hop := range path.Hops {
		pub, ok := hopPubKeys[hop]
		if !ok {
			return fmt.Errorf("%w: no layer key for %s", ErrNoRoute, hop.Short())
		}
		hops = append(hops, OnionHop{Peer: hop, PubKey: pub})
	}

	padded := padPayload(payload, n.cfg.Onion.PaddingSize)
	onion, err := BuildOnion(padded, hops)
	if err != nil {
		return err
	}
	frame := encodeRoutingHeader(path.Hops[:1], onion)
	return n.swarm.SendFrame(ctx, path.Hops[0], frame)
}

// SaveSnapshot persists the aggregate node state.
func (n *Node) SaveSnapshot(ctx context.Context) error {
	state := newPersistedState(n.identity.PeerID)
	n.State(func(sm *ProtocolStateMachine) error {
		state.ProtocolState = sm.CurrentState()
		state.Metrics = sm.Metrics()
		for id, s := range sm.Sessions() {
			cp := *s
			state.Sessions[id] = &cp
		}
		return nil
	})
	state.LastSaved = time.Now().Unix()
	return n.persist.Store().SaveState(ctx, state)
}

// Shutdown stops the tasks, marks the machine Shutdown and closes
// resources.
func (n *Node) Shutdown(ctx context.Context) error {
	n.State(func(sm *ProtocolStateMachine) error {
		if err := sm.TransitionTo(StateShutdown, "shutdown requested"); err != nil {
			logrus.Warnf("[node] shutdown transition: %v", err)
		}
		return nil
	})

	if err := n.SaveSnapshot(ctx); err != nil {
		logrus.Warnf("[node] final snapshot: %v", err)
	}

	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()

	if err := n.swarm.Close(); err != nil {
		logrus.Warnf("[node] swarm close: %v", err)
	}
	return n.persist.Store().Close()
}

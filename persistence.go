package main

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// currentStateVersion is the persisted state format version. A mismatch
// on recovery means migration or refusal, never silent reinterpretation.
const currentStateVersion uint32 = 1

// PersistedPeerInfo is the durable slice of what we know about a peer.
type PersistedPeerInfo struct {
	Address         string            `json:"address"`
	LastSeen        int64             `json:"last_seen"`
	Reputation      uint8             `json:"reputation"` // 0-100
	Trusted         bool              `json:"trusted"`
	ConnectionCount uint64            `json:"connection_count"`
	BytesExchanged  uint64            `json:"bytes_exchanged"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// DarkDomainRecord registers a shadow address under its owner.
type DarkDomainRecord struct {
	OwnerID   PeerID        `json:"owner_id"`
	Address   ShadowAddress `json:"address"`
	Domain    string        `json:"domain,omitempty"`
	ExpiresAt int64         `json:"expires_at,omitempty"`
}

// PersistedDagState is the aggregate durable node state.
type PersistedDagState struct {
	Version       uint32                      `json:"version"`
	NodeID        PeerID                      `json:"node_id"`
	ProtocolState ProtocolState               `json:"protocol_state"`
	Sessions      map[uuid.UUID]*SessionInfo  `json:"sessions"`
	Peers         map[string]PersistedPeerInfo `json:"peers"` // hex peer id -> info
	Dag           DagState                    `json:"dag"`
	Metrics       StateMachineMetrics         `json:"metrics"`
	LastSaved     int64                       `json:"last_saved"`
}

func newPersistedState(nodeID PeerID) *PersistedDagState {
	return &PersistedDagState{
		Version:  currentStateVersion,
		NodeID:   nodeID,
		Sessions: make(map[uuid.UUID]*SessionInfo),
		Peers:    make(map[string]PersistedPeerInfo),
		Dag:      newDagState(),
	}
}

// StateStore is the pluggable persistence backend. Implementations
// serialise concurrent operations per entity; distinct entities may
// proceed in parallel.
type StateStore interface {
	SaveVertex(ctx context.Context, v *Vertex) error
	LoadVertex(ctx context.Context, id VertexID) (*Vertex, error) // nil when absent
	RemoveVertex(ctx context.Context, id VertexID) error
	VertexCount(ctx context.Context) (int, error)

	SavePeer(ctx context.Context, id PeerID, info *PersistedPeerInfo) error
	LoadPeers(ctx context.Context) (map[PeerID]PersistedPeerInfo, error)
	RemovePeer(ctx context.Context, id PeerID) error
	PeerCount(ctx context.Context) (int, error)

	SaveDarkRecord(ctx context.Context, rec *DarkDomainRecord) error
	LoadDarkRecords(ctx context.Context) ([]DarkDomainRecord, error)
	RemoveDarkRecord(ctx context.Context, ownerID PeerID) error
	DarkRecordCount(ctx context.Context) (int, error)

	HealthCheck(ctx context.Context) error

	SaveState(ctx context.Context, state *PersistedDagState) error
	RecoverState(ctx context.Context) (*PersistedDagState, error) // nil when no state

	CreateBackup(ctx context.Context, backupPath string) error
	RestoreBackup(ctx context.Context, backupPath string) error

	Close() error
}

// PersistentRunner is the event-driven persistence front: components call
// it after consensus acceptance, peer updates and domain registrations.
type PersistentRunner struct {
	store   StateStore
	enabled bool
	onWrite func(entity string)
}

func NewPersistentRunner(store StateStore) *PersistentRunner {
	return &PersistentRunner{store: store, enabled: true}
}

// SetWriteHook observes event-driven writes (metrics wiring).
func (r *PersistentRunner) SetWriteHook(fn func(entity string)) { r.onWrite = fn }

func (r *PersistentRunner) noteWrite(entity string) {
	if r.onWrite != nil {
		r.onWrite(entity)
	}
}

func (r *PersistentRunner) SetEnabled(enabled bool) { r.enabled = enabled }

func (r *PersistentRunner) Store() StateStore { return r.store }

// SaveVertexAfterConsensus persists a vertex the consensus layer accepted.
func (r *PersistentRunner) SaveVertexAfterConsensus(ctx context.Context, v *Vertex) error {
	if !r.enabled {
		return nil
	}
	r.noteWrite("vertex")
	return r.store.SaveVertex(ctx, v)
}

// PersistPeerInfo records a peer update.
func (r *PersistentRunner) PersistPeerInfo(ctx context.Context, id PeerID, info *PersistedPeerInfo) error {
	if !r.enabled {
		return nil
	}
	r.noteWrite("peer")
	return r.store.SavePeer(ctx, id, info)
}

// StoreDarkDomainRegistration records a dark domain registration.
func (r *PersistentRunner) StoreDarkDomainRegistration(ctx context.Context, rec *DarkDomainRecord) error {
	if !r.enabled {
		return nil
	}
	r.noteWrite("domain")
	return r.store.SaveDarkRecord(ctx, rec)
}

// LoadStateOnStartup recovers durable state. Corruption is fatal: the
// node refuses to start over stale state rather than guessing.
func (r *PersistentRunner) LoadStateOnStartup(ctx context.Context) (*PersistedDagState, error) {
	state, err := r.store.RecoverState(ctx)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, nil
	}
	if state.Version != currentStateVersion {
		return nil, &InvalidDataError{Reason: "persisted state version mismatch"}
	}
	logrus.Infof("[persist] recovered state: %d vertices, %d peers",
		len(state.Dag.Vertices), len(state.Peers))
	return state, nil
}

// RunAutoSave is the liveness task: every interval it only verifies store
// health. Actual persistence is event-driven; a periodic full dump would
// duplicate every event-driven write.
func (r *PersistentRunner) RunAutoSave(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.HealthCheck(ctx); err != nil {
				logrus.Errorf("[persist] health check failed: %v", err)
			}
		}
	}
}

// StorageStats summarises the store contents.
type StorageStats struct {
	Vertices    int
	Peers       int
	DarkRecords int
}

func (r *PersistentRunner) Stats(ctx context.Context) (StorageStats, error) {
	var s StorageStats
	var err error
	if s.Vertices, err = r.store.VertexCount(ctx); err != nil {
		return s, err
	}
	if s.Peers, err = r.store.PeerCount(ctx); err != nil {
		return s, err
	}
	if s.DarkRecords, err = r.store.DarkRecordCount(ctx); err != nil {
		return s, err
	}
	return s, nil
}

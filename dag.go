package main

import (
	"crypto/sha256"
	"encoding/hex"
)

// VertexID names a DAG vertex. Derived from the vertex content hash.
type VertexID [32]byte

func (v VertexID) String() string { return hex.EncodeToString(v[:]) }

func VertexIDFromBytes(b []byte) VertexID {
	var id VertexID
	copy(id[:], b)
	return id
}

// Vertex is a consensus-accepted DAG node. The payload is opaque to the
// core; it is persisted verbatim after consensus accepts it.
type Vertex struct {
	ID      VertexID   `json:"id"`
	Payload []byte     `json:"payload"`
	Parents []VertexID `json:"parents"`
	Sig     []byte     `json:"sig"`
}

// NewVertex computes the content-addressed ID over payload and parents.
func NewVertex(payload []byte, parents []VertexID, sig []byte) Vertex {
	h := sha256.New()
	h.Write(payload)
	for _, p := range parents {
		h.Write(p[:])
	}
	var id VertexID
	copy(id[:], h.Sum(nil))
	return Vertex{ID: id, Payload: payload, Parents: parents, Sig: sig}
}

// ConsensusStatus tracks where a vertex sits in the voting protocol. The
// core persists these records; the voting algorithm itself lives outside.
type ConsensusStatus string

const (
	ConsensusPending  ConsensusStatus = "pending"
	ConsensusAccepted ConsensusStatus = "accepted"
	ConsensusRejected ConsensusStatus = "rejected"
	ConsensusTimedOut ConsensusStatus = "timed_out"
)

// VotingRecord is the persisted consensus bookkeeping for one vertex.
type VotingRecord struct {
	VertexID  VertexID        `json:"vertex_id"`
	Votes     map[string]bool `json:"votes"` // voter peer id (hex) -> vote
	StartedAt int64           `json:"started_at"`
	Status    ConsensusStatus `json:"status"`
}

// CheckpointInfo snapshots the DAG at a safe point.
type CheckpointInfo struct {
	ID          []byte `json:"id"`
	Timestamp   int64  `json:"timestamp"`
	VertexCount int    `json:"vertex_count"`
	MerkleRoot  []byte `json:"merkle_root"`
}

// DagState is the durable slice of DAG bookkeeping.
type DagState struct {
	Vertices      map[string]Vertex       `json:"vertices"` // hex vertex id -> vertex
	Tips          []string                `json:"tips"`
	VotingRecords map[string]VotingRecord `json:"voting_records"`
	LastCheckpoint *CheckpointInfo        `json:"last_checkpoint,omitempty"`
}

func newDagState() DagState {
	return DagState{
		Vertices:      make(map[string]Vertex),
		VotingRecords: make(map[string]VotingRecord),
	}
}

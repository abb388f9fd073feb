package main

import (
	"math/big"
	"math/bits"
	"sort"
	"sync"
)

// 256-bit identifier space: one bucket per possible shared-prefix length.
const bucketCount = 256

// xorDistance interprets both IDs as unsigned big-endian integers and
// XORs them.
func xorDistance(a, b PeerID) *big.Int {
	var diff [32]byte
	for i := range diff {
		diff[i] = a[i] ^ b[i]
	}
	return new(big.Int).SetBytes(diff[:])
}

// leadingZeroBits counts shared prefix bits between two IDs.
func leadingZeroBits(a, b PeerID) int {
	n := 0
	for i := range a {
		x := a[i] ^ b[i]
		if x == 0 {
			n += 8
			continue
		}
		n += bits.LeadingZeros8(x)
		break
	}
	return n
}

// bucketIndex maps a peer to its k-bucket. Identical IDs land in the last
// bucket.
func bucketIndex(self, peer PeerID) int {
	lz := leadingZeroBits(self, peer)
	if lz >= bucketCount {
		return bucketCount - 1
	}
	return lz
}

// RoutingTable is the k-bucket table. Buckets hold at most bucketSize
// peers; a full bucket rejects newcomers (oldest-contact preference).
type RoutingTable struct {
	self       PeerID
	bucketSize int

	mu      sync.RWMutex
	buckets [bucketCount][]PeerID
}

func NewRoutingTable(self PeerID, bucketSize int) *RoutingTable {
	return &RoutingTable{self: self, bucketSize: bucketSize}
}

// Add inserts a peer into its bucket. Returns false when the peer was
// already present, is self, or the bucket is full.
func (rt *RoutingTable) Add(peer PeerID) bool {
	if peer == rt.self {
		return false
	}
	idx := bucketIndex(rt.self, peer)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, p := range rt.buckets[idx] {
		if p == peer {
			return false
		}
	}
	if len(rt.buckets[idx]) >= rt.bucketSize {
		return false
	}
	rt.buckets[idx] = append(rt.buckets[idx], peer)
	return true
}

// Remove drops a peer from the table.
func (rt *RoutingTable) Remove(peer PeerID) {
	idx := bucketIndex(rt.self, peer)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	bucket := rt.buckets[idx]
	for i, p := range bucket {
		if p == peer {
			rt.buckets[idx] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

// Contains reports membership.
func (rt *RoutingTable) Contains(peer PeerID) bool {
	idx := bucketIndex(rt.self, peer)
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	for _, p := range rt.buckets[idx] {
		if p == peer {
			return true
		}
	}
	return false
}

// Closest returns up to n peers ordered by XOR distance to target.
func (rt *RoutingTable) Closest(target PeerID, n int) []PeerID {
	rt.mu.RLock()
	var all []PeerID
	for _, bucket := range rt.buckets {
		all = append(all, bucket...)
	}
	rt.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return xorDistance(all[i], target).Cmp(xorDistance(all[j], target)) < 0
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// Size counts all peers in the table.
func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	n := 0
	for _, bucket := range rt.buckets {
		n += len(bucket)
	}
	return n
}

// BucketSizes returns the per-bucket occupancy (sparse: only non-empty).
func (rt *RoutingTable) BucketSizes() map[int]int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make(map[int]int)
	for i, bucket := range rt.buckets {
		if len(bucket) > 0 {
			out[i] = len(bucket)
		}
	}
	return out
}

package main

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const expiredAddressCap = 1000

// ShadowAddressPool groups rotatable addresses under one identifier.
type ShadowAddressPool struct {
	ID        string
	MaxSize   int
	Addresses []*ShadowAddress
	CreatedAt time.Time
	ExpiresAt time.Time // zero = never
}

// ShadowAddressManager owns the active address set and the rotation
// lifecycle. Expired addresses are retained (bounded) for late lookups.
type ShadowAddressManager struct {
	handler *ShadowHandler

	mu       sync.RWMutex
	active   map[string]*ShadowAddress
	pools    map[string]*ShadowAddressPool
	expired  []*ShadowAddress
	rotation RotationConfig
}

func NewShadowAddressManager(network NetworkType, rotation RotationConfig) *ShadowAddressManager {
	return &ShadowAddressManager{
		handler:  NewShadowHandler(network),
		active:   make(map[string]*ShadowAddress),
		pools:    make(map[string]*ShadowAddressPool),
		rotation: rotation,
	}
}

// Handler exposes the underlying generator/resolver.
func (m *ShadowAddressManager) Handler() *ShadowHandler { return m.handler }

func addressID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("shadow_%016x", binary.BigEndian.Uint64(b[:]))
}

// CreateTemporaryAddress mints and tracks a TTL-bounded address.
func (m *ShadowAddressManager) CreateTemporaryAddress(ttl time.Duration) (*ShadowAddress, error) {
	addr, err := m.handler.GenerateTemporaryAddress(m.handler.network, ttl)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.active[addressID()] = addr
	m.mu.Unlock()
	return addr, nil
}

// CreateStealthAddress mints and tracks a one-time stealth address for the
// given recipient keys.
func (m *ShadowAddressManager) CreateStealthAddress(recipientView, recipientSpend []byte) (*ShadowAddress, error) {
	addr, err := m.handler.GenerateStealthAddress(m.handler.network, recipientView, recipientSpend)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.active[addressID()] = addr
	m.mu.Unlock()
	return addr, nil
}

// CreateAddressPool fills a named pool with fresh addresses. Size is
// clamped to the configured max pool size.
func (m *ShadowAddressManager) CreateAddressPool(poolID string, size int, ttl time.Duration) error {
	if size > m.rotation.MaxPoolSize {
		size = m.rotation.MaxPoolSize
	}
	pool := &ShadowAddressPool{
		ID:        poolID,
		MaxSize:   size,
		CreatedAt: time.Now(),
	}
	if ttl > 0 {
		pool.ExpiresAt = pool.CreatedAt.Add(ttl)
	}
	for i := 0; i < size; i++ {
		addr, err := m.handler.GenerateAddress(m.handler.network)
		if err != nil {
			return err
		}
		addr.Features.PoolID = poolID
		pool.Addresses = append(pool.Addresses, addr)
	}
	m.mu.Lock()
	m.pools[poolID] = pool
	m.mu.Unlock()
	return nil
}

// GetPoolAddress returns a uniformly random address from the pool, or nil
// when the pool is missing or empty.
func (m *ShadowAddressManager) GetPoolAddress(poolID string) *ShadowAddress {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pool, ok := m.pools[poolID]
	if !ok || len(pool.Addresses) == 0 {
		return nil
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(pool.Addresses))))
	if err != nil {
		return pool.Addresses[0]
	}
	return pool.Addresses[n.Int64()]
}

// RotatePool retires every address in the pool and refills it. Old
// addresses land on the bounded expired list.
func (m *ShadowAddressManager) RotatePool(poolID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pool, ok := m.pools[poolID]
	if !ok {
		return fmt.Errorf("%w: pool %s", ErrResolutionFailed, poolID)
	}

	m.expired = append(m.expired, pool.Addresses...)
	m.trimExpiredLocked()
	pool.Addresses = pool.Addresses[:0]
	pool.CreatedAt = time.Now()

	for i := 0; i < pool.MaxSize; i++ {
		addr, err := m.handler.GenerateAddress(m.handler.network)
		if err != nil {
			return err
		}
		addr.Features.PoolID = poolID
		pool.Addresses = append(pool.Addresses, addr)
	}
	logrus.Debugf("[shadow] rotated pool %s (%d addresses)", poolID, pool.MaxSize)
	return nil
}

// trimExpiredLocked drops the oldest half once the expired list overflows
// its cap.
func (m *ShadowAddressManager) trimExpiredLocked() {
	if len(m.expired) > expiredAddressCap {
		m.expired = append([]*ShadowAddress(nil), m.expired[len(m.expired)/2:]...)
	}
}

// MarkAddressUsed bumps the usage counter and triggers pool rotation when
// the rotate-after-uses policy fires.
func (m *ShadowAddressManager) MarkAddressUsed(addr *ShadowAddress) {
	addr.Metadata.UsageCount++
	addr.Metadata.LastUsed = time.Now().Unix()

	if m.rotation.RotateAfterUses != 0 && addr.Metadata.UsageCount >= m.rotation.RotateAfterUses {
		if pid := addr.Features.PoolID; pid != "" {
			if err := m.RotatePool(pid); err != nil {
				logrus.Warnf("[shadow] rotate pool %s: %v", pid, err)
			}
		}
	}
}

// Maintain expires addresses past their TTL and rotates pools past their
// age limit. Called from the node maintenance loop.
func (m *ShadowAddressManager) Maintain() {
	now := time.Now()

	m.mu.Lock()
	for id, addr := range m.active {
		if addr.Metadata.ExpiresAt != 0 && now.Unix() >= addr.Metadata.ExpiresAt {
			m.expired = append(m.expired, addr)
			delete(m.active, id)
		}
	}
	m.trimExpiredLocked()

	var stale []string
	for id, pool := range m.pools {
		if m.rotation.RotateAfterDuration > 0 && now.Sub(pool.CreatedAt) > m.rotation.RotateAfterDuration {
			stale = append(stale, id)
		}
		if !pool.ExpiresAt.IsZero() && now.After(pool.ExpiresAt) {
			m.expired = append(m.expired, pool.Addresses...)
			m.trimExpiredLocked()
			delete(m.pools, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		if err := m.RotatePool(id); err != nil {
			logrus.Warnf("[shadow] maintenance rotate %s: %v", id, err)
		}
	}
}

// ActiveCount reports the number of tracked (non-pool) addresses.
func (m *ShadowAddressManager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// ExpiredCount reports the retained expired addresses.
func (m *ShadowAddressManager) ExpiredCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.expired)
}

package main

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/crypto/curve25519"
)

// NetworkType discriminates the shadow address network.
type NetworkType uint8

const (
	NetworkMainnet NetworkType = iota
	NetworkTestnet
	NetworkDevnet
)

func (n NetworkType) String() string {
	switch n {
	case NetworkMainnet:
		return "mainnet"
	case NetworkTestnet:
		return "testnet"
	case NetworkDevnet:
		return "devnet"
	}
	return "unknown"
}

// Shadow address flag bits.
const (
	shadowFlagTemporary = 0x01
	shadowFlagStealth   = 0x02
	shadowFlagHDDerived = 0x04
)

// ShadowMetadata carries lifecycle and privacy bookkeeping for an address.
type ShadowMetadata struct {
	Version    uint8       `json:"version"`
	Network    NetworkType `json:"network"`
	ExpiresAt  int64       `json:"expires_at,omitempty"` // unix seconds, 0 = never
	CreatedAt  int64       `json:"created_at"`
	LastUsed   int64       `json:"last_used,omitempty"`
	Flags      uint32      `json:"flags"`
	TTL        int64       `json:"ttl,omitempty"` // seconds
	UsageCount uint32      `json:"usage_count"`
	MaxUses    uint32      `json:"max_uses,omitempty"` // 0 = unlimited
}

// ShadowFeatures marks the privacy variants of an address.
type ShadowFeatures struct {
	IsTemporary     bool    `json:"is_temporary"`
	DerivationIndex *uint32 `json:"derivation_index,omitempty"`
	StealthPrefix   []byte  `json:"stealth_prefix,omitempty"` // 4 bytes
	MixingEnabled   bool    `json:"mixing_enabled"`
	PoolID          string  `json:"pool_id,omitempty"`
}

// ShadowAddress is a stealth-capable routable address. View and spend keys
// are always 32 bytes for a valid address.
type ShadowAddress struct {
	ViewKey   []byte         `json:"view_key"`
	SpendKey  []byte         `json:"spend_key"`
	PaymentID []byte         `json:"payment_id,omitempty"` // 32 bytes when set
	Metadata  ShadowMetadata `json:"metadata"`
	Features  ShadowFeatures `json:"shadow_features"`
}

func (a *ShadowAddress) String() string {
	return fmt.Sprintf("ShadowAddress(v%d %s flags=%#x)", a.Metadata.Version, a.Metadata.Network, a.Metadata.Flags)
}

// keyAgreement computes a shared secret between a fresh ephemeral secret
// and a recipient public key. X25519 by default; swappable so a
// post-quantum primitive can take its place.
type keyAgreement func(ephemeralPriv, recipientPub []byte) ([]byte, error)

func x25519Agreement(ephemeralPriv, recipientPub []byte) ([]byte, error) {
	return curve25519.X25519(ephemeralPriv, recipientPub)
}

// ShadowAddressGenerator creates and validates shadow addresses.
type ShadowAddressGenerator interface {
	GenerateAddress(network NetworkType) (*ShadowAddress, error)
	GenerateTemporaryAddress(network NetworkType, ttl time.Duration) (*ShadowAddress, error)
	GenerateStealthAddress(network NetworkType, recipientView, recipientSpend []byte) (*ShadowAddress, error)
	DeriveAddress(base *ShadowAddress) (*ShadowAddress, error)
	DeriveFromMaster(master []byte, index uint32) (*ShadowAddress, error)
	ValidateAddress(addr *ShadowAddress) bool
}

// ShadowAddressResolver maps a shadow address to its one-time address.
type ShadowAddressResolver interface {
	ResolveAddress(addr *ShadowAddress) ([]byte, error)
	CheckAddress(shadow *ShadowAddress, onetime []byte) (bool, error)
}

// ShadowHandler is the default generator/resolver implementation.
type ShadowHandler struct {
	network NetworkType
	dh      keyAgreement
	now     func() time.Time
}

func NewShadowHandler(network NetworkType) *ShadowHandler {
	return &ShadowHandler{network: network, dh: x25519Agreement, now: time.Now}
}

func (h *ShadowHandler) generateSeed() ([32]byte, error) {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return seed, fmt.Errorf("%w: %v", ErrKeyGenerationFailed, err)
	}
	return seed, nil
}

// deriveKeys produces the (view, spend) pair from a seed with domain
// separation tags.
func deriveKeys(seed []byte) (view, spend []byte) {
	v := sha256.New()
	v.Write([]byte("SHADOW_VIEW_KEY"))
	v.Write(seed)
	s := sha256.New()
	s.Write([]byte("SHADOW_SPEND_KEY"))
	s.Write(seed)
	return v.Sum(nil), s.Sum(nil)
}

func (h *ShadowHandler) GenerateAddress(network NetworkType) (*ShadowAddress, error) {
	seed, err := h.generateSeed()
	if err != nil {
		return nil, err
	}
	view, spend := deriveKeys(seed[:])
	return &ShadowAddress{
		ViewKey:  view,
		SpendKey: spend,
		Metadata: ShadowMetadata{
			Version:   1,
			Network:   network,
			CreatedAt: h.now().Unix(),
		},
	}, nil
}

func (h *ShadowHandler) GenerateTemporaryAddress(network NetworkType, ttl time.Duration) (*ShadowAddress, error) {
	addr, err := h.GenerateAddress(network)
	if err != nil {
		return nil, err
	}
	now := h.now().Unix()
	addr.Metadata.ExpiresAt = now + int64(ttl.Seconds())
	addr.Metadata.Flags = shadowFlagTemporary
	addr.Metadata.TTL = int64(ttl.Seconds())
	addr.Features.IsTemporary = true
	return addr, nil
}

func (h *ShadowHandler) GenerateStealthAddress(network NetworkType, recipientView, recipientSpend []byte) (*ShadowAddress, error) {
	if len(recipientView) != 32 || len(recipientSpend) != 32 {
		return nil, fmt.Errorf("%w: recipient keys must be 32 bytes", ErrInvalidKeyFormat)
	}

	ephPriv := make([]byte, 32)
	if _, err := rand.Read(ephPriv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGenerationFailed, err)
	}
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGenerationFailed, err)
	}
	shared, err := h.dh(ephPriv, recipientView)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGenerationFailed, err)
	}

	sv := sha256.New()
	sv.Write(shared)
	sv.Write([]byte("STEALTH_VIEW"))
	ss := sha256.New()
	ss.Write(shared)
	ss.Write([]byte("STEALTH_SPEND"))

	prefix := sha256.Sum256(ephPub)

	return &ShadowAddress{
		ViewKey:   sv.Sum(nil),
		SpendKey:  ss.Sum(nil),
		PaymentID: ephPub,
		Metadata: ShadowMetadata{
			Version:   2,
			Network:   network,
			CreatedAt: h.now().Unix(),
			Flags:     shadowFlagStealth,
			MaxUses:   1,
		},
		Features: ShadowFeatures{
			StealthPrefix: prefix[:4],
			MixingEnabled: true,
		},
	}, nil
}

// DeriveAddress mints a fresh one-time address that inherits the base's
// lifecycle settings with a reset usage counter.
func (h *ShadowHandler) DeriveAddress(base *ShadowAddress) (*ShadowAddress, error) {
	seed, err := h.generateSeed()
	if err != nil {
		return nil, err
	}
	view, spend := deriveKeys(seed[:])
	features := base.Features
	return &ShadowAddress{
		ViewKey:   view,
		SpendKey:  spend,
		PaymentID: base.PaymentID,
		Metadata: ShadowMetadata{
			Version:   base.Metadata.Version,
			Network:   base.Metadata.Network,
			ExpiresAt: base.Metadata.ExpiresAt,
			CreatedAt: h.now().Unix(),
			Flags:     base.Metadata.Flags,
			TTL:       base.Metadata.TTL,
			MaxUses:   base.Metadata.MaxUses,
		},
		Features: features,
	}, nil
}

func (h *ShadowHandler) DeriveFromMaster(master []byte, index uint32) (*ShadowAddress, error) {
	d := sha256.New()
	d.Write([]byte("SHADOW_HD_DERIVE"))
	d.Write(master)
	var le [4]byte
	binary.LittleEndian.PutUint32(le[:], index)
	d.Write(le[:])
	seed := d.Sum(nil)

	view, spend := deriveKeys(seed)
	idx := index
	return &ShadowAddress{
		ViewKey:  view,
		SpendKey: spend,
		Metadata: ShadowMetadata{
			Version:   1,
			Network:   h.network,
			CreatedAt: h.now().Unix(),
			Flags:     shadowFlagHDDerived,
		},
		Features: ShadowFeatures{DerivationIndex: &idx},
	}, nil
}

func (h *ShadowHandler) ValidateAddress(addr *ShadowAddress) bool {
	if len(addr.ViewKey) != 32 || len(addr.SpendKey) != 32 {
		return false
	}
	if addr.Metadata.ExpiresAt != 0 && h.now().Unix() >= addr.Metadata.ExpiresAt {
		return false
	}
	if addr.Metadata.MaxUses != 0 && addr.Metadata.UsageCount >= addr.Metadata.MaxUses {
		return false
	}
	return addr.Metadata.Network == h.network
}

// ResolveAddress flattens the address into its one-time wire form:
// view_key || spend_key || payment_id?.
func (h *ShadowHandler) ResolveAddress(addr *ShadowAddress) ([]byte, error) {
	if len(addr.ViewKey) != 32 || len(addr.SpendKey) != 32 {
		return nil, fmt.Errorf("%w: bad key lengths", ErrResolutionFailed)
	}
	out := make([]byte, 0, 96)
	out = append(out, addr.ViewKey...)
	out = append(out, addr.SpendKey...)
	out = append(out, addr.PaymentID...)
	return out, nil
}

func (h *ShadowHandler) CheckAddress(shadow *ShadowAddress, onetime []byte) (bool, error) {
	resolved, err := h.ResolveAddress(shadow)
	if err != nil {
		return false, err
	}
	return bytes.Equal(resolved, onetime), nil
}

// darkAddressKey derives the DHT key a shadow address is published under.
func darkAddressKey(addr *ShadowAddress) []byte {
	h := sha256.New()
	h.Write(addr.ViewKey)
	h.Write(addr.SpendKey)
	return h.Sum(nil)
}

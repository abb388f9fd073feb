package main

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// Onion layer wire format:
//
//	eph_pub[32] || nonce[24] || aead_ct
//
// where the AEAD key is SHA-256 of the X25519 shared secret between the
// layer's ephemeral key and the hop's long-term key. The layer plaintext
// is a routing header followed by the inner layer (or, at the final hop,
// the padded payload).
const (
	onionEphSize   = 32
	onionNonceSize = chacha20poly1305.NonceSizeX
	onionMinSize   = onionEphSize + onionNonceSize + chacha20poly1305.Overhead
)

// OnionRouting is the per-hop plaintext header: whether this hop is final
// and, if not, which peer the inner layer is for.
type OnionRouting struct {
	Final bool
	Next  PeerID
}

const onionRoutingSize = 1 + 32

func (r OnionRouting) encode() []byte {
	out := make([]byte, onionRoutingSize)
	if r.Final {
		out[0] = 1
	}
	copy(out[1:], r.Next[:])
	return out
}

func decodeOnionRouting(b []byte) (OnionRouting, []byte, error) {
	if len(b) < onionRoutingSize {
		return OnionRouting{}, nil, errors.New("onion layer truncated")
	}
	var r OnionRouting
	r.Final = b[0] == 1
	copy(r.Next[:], b[1:onionRoutingSize])
	return r, b[onionRoutingSize:], nil
}

// OnionKeyPair is a hop's long-term X25519 layer keypair.
type OnionKeyPair struct {
	Priv [32]byte
	Pub  [32]byte
}

func NewOnionKeyPair() (*OnionKeyPair, error) {
	var kp OnionKeyPair
	if _, err := rand.Read(kp.Priv[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGenerationFailed, err)
	}
	pub, err := curve25519.X25519(kp.Priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGenerationFailed, err)
	}
	copy(kp.Pub[:], pub)
	return &kp, nil
}

func layerKey(shared []byte) []byte {
	sum := sha256.Sum256(shared)
	return sum[:]
}

// sealLayer encrypts plain to the hop public key under a fresh ephemeral.
func sealLayer(hopPub []byte, plain []byte) ([]byte, error) {
	ephPriv := make([]byte, 32)
	if _, err := rand.Read(ephPriv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGenerationFailed, err)
	}
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(ephPriv, hopPub)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(layerKey(shared))
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, onionNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, onionEphSize+onionNonceSize+len(plain)+chacha20poly1305.Overhead)
	out = append(out, ephPub...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plain, nil), nil
}

// OnionHop pairs a relay identity with its layer public key.
type OnionHop struct {
	Peer   PeerID
	PubKey []byte // 32 bytes
}

// CreateLayers builds the nested ciphertexts for the given path. The
// returned slice is ordered innermost first: layers[0] is what the final
// hop decrypts, layers[len-1] is the packet handed to the first hop.
// Sizes are non-decreasing along the slice.
func CreateLayers(payload []byte, hops []OnionHop) ([][]byte, error) {
	if len(hops) == 0 {
		return nil, errors.New("onion path needs at least one hop")
	}
	for _, h := range hops {
		if len(h.PubKey) != 32 {
			return nil, fmt.Errorf("%w: hop %s key must be 32 bytes", ErrInvalidKeyFormat, h.Peer.Short())
		}
	}

	layers := make([][]byte, 0, len(hops))
	inner := payload
	for i := len(hops) - 1; i >= 0; i-- {
		routing := OnionRouting{Final: i == len(hops)-1}
		if !routing.Final {
			routing.Next = hops[i+1].Peer
		}
		plain := append(routing.encode(), inner...)
		ct, err := sealLayer(hops[i].PubKey, plain)
		if err != nil {
			return nil, err
		}
		layers = append(layers, ct)
		inner = ct
	}
	return layers, nil
}

// BuildOnion returns only the outermost packet for the first hop.
func BuildOnion(payload []byte, hops []OnionHop) ([]byte, error) {
	layers, err := CreateLayers(payload, hops)
	if err != nil {
		return nil, err
	}
	return layers[len(layers)-1], nil
}

// PeelLayer removes one layer with the hop's private key. On an
// authentication failure the caller must drop the packet without any
// response to the sender; the returned error is ErrAuthFailed in that
// case and carries no detail an upstream oracle could use.
func PeelLayer(ct []byte, priv [32]byte) (OnionRouting, []byte, error) {
	if len(ct) < onionMinSize {
		return OnionRouting{}, nil, ErrAuthFailed
	}
	ephPub := ct[:onionEphSize]
	nonce := ct[onionEphSize : onionEphSize+onionNonceSize]
	body := ct[onionEphSize+onionNonceSize:]

	shared, err := curve25519.X25519(priv[:], ephPub)
	if err != nil {
		return OnionRouting{}, nil, ErrAuthFailed
	}
	aead, err := chacha20poly1305.NewX(layerKey(shared))
	if err != nil {
		return OnionRouting{}, nil, ErrAuthFailed
	}
	plain, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return OnionRouting{}, nil, ErrAuthFailed
	}
	routing, rest, err := decodeOnionRouting(plain)
	if err != nil {
		return OnionRouting{}, nil, ErrAuthFailed
	}
	return routing, rest, nil
}

// padPayload length-prefixes and pads a payload up to the next multiple
// of floor. The prefix makes padding reversible.
func padPayload(payload []byte, floor int) []byte {
	if floor <= 0 {
		floor = 1
	}
	raw := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(raw, uint32(len(payload)))
	copy(raw[4:], payload)

	target := ((len(raw) + floor - 1) / floor) * floor
	if target < floor {
		target = floor
	}
	padded := make([]byte, target)
	copy(padded, raw)
	return padded
}

func unpadPayload(padded []byte) ([]byte, error) {
	if len(padded) < 4 {
		return nil, errors.New("padded payload too short")
	}
	n := binary.LittleEndian.Uint32(padded)
	if int(n) > len(padded)-4 {
		return nil, errors.New("padding length out of range")
	}
	return padded[4 : 4+n], nil
}

package main

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared across components. Operations wrap these with
// context via fmt.Errorf("...: %w", err) so callers can branch with
// errors.Is.
var (
	// Transport
	ErrDialFailed      = errors.New("dial failed")
	ErrPeerUnreachable = errors.New("peer unreachable")
	ErrTimeout         = errors.New("operation timed out")
	ErrQueueFull       = errors.New("message queue full")

	// Crypto
	ErrKeyGenerationFailed = errors.New("key generation failed")
	ErrInvalidKeyFormat    = errors.New("invalid key format")
	ErrAuthFailed          = errors.New("authentication failed")
	ErrDecapsulationFailed = errors.New("decapsulation failed")

	// Routing
	ErrNoRoute                = errors.New("no route to destination")
	ErrAllPeersOverloaded     = errors.New("all peers overloaded")
	ErrGeoConstraints         = errors.New("geographic constraints unsatisfied")
	ErrTopologyInsufficient   = errors.New("network topology insufficient")
	ErrDarkAddressingDisabled = errors.New("dark addressing unavailable")

	// DHT
	ErrContentTooLarge = errors.New("content exceeds maximum record size")
	ErrQuorumNotMet    = errors.New("write quorum not reached")
	ErrBootstrapFailed = errors.New("bootstrap failed")
	ErrRecordNotFound  = errors.New("record not found")

	// State
	ErrSessionNotFound = errors.New("session not found")

	// Persistence
	ErrCorruptState = errors.New("persisted state corrupt")
	ErrFileNotFound = errors.New("file not found")

	// Shadow addresses
	ErrResolutionFailed = errors.New("address resolution failed")
)

// MessageTooLargeError is returned by the router before any I/O when a
// payload exceeds the configured limit.
type MessageTooLargeError struct {
	Size  int
	Limit int
}

func (e *MessageTooLargeError) Error() string {
	return fmt.Sprintf("message too large: %d bytes (limit %d)", e.Size, e.Limit)
}

// CircuitBreakerOpenError fails a route fast when the first hop's breaker
// is open.
type CircuitBreakerOpenError struct {
	Peer PeerID
}

func (e *CircuitBreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for peer %s", e.Peer.Short())
}

// InvalidTransitionError rejects a protocol state transition not present
// in the transition table.
type InvalidTransitionError struct {
	From ProtocolState
	To   ProtocolState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

// VersionMismatchError rejects a session whose negotiated version is
// incompatible with the local node.
type VersionMismatchError struct {
	Expected ProtocolVersion
	Actual   ProtocolVersion
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("protocol version mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// InvalidDataError carries a reason for a rejected input (session caps,
// malformed records).
type InvalidDataError struct {
	Reason string
}

func (e *InvalidDataError) Error() string {
	return "invalid data: " + e.Reason
}

// TimeoutError reports how long an expired operation waited. It
// unwraps to ErrTimeout so callers can treat all timeouts alike.
type TimeoutError struct {
	Op      string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Op, e.Elapsed)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// IsRetryable reports whether an error is transient (transport, timeout)
// rather than terminal (bad data, version mismatch).
func IsRetryable(err error) bool {
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrDialFailed) ||
		errors.Is(err, ErrPeerUnreachable) || errors.Is(err, ErrQueueFull) {
		return true
	}
	var cb *CircuitBreakerOpenError
	return errors.As(err, &cb)
}

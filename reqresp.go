package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/sirupsen/logrus"
)

const protoReqResp = protocol.ID("/qudag/req/1.0.0")

// SwarmRequest is one CBOR-framed request on the request-response
// protocol. The payload may be obfuscated.
type SwarmRequest struct {
	RequestID string `cbor:"request_id"`
	Payload   []byte `cbor:"payload"`
}

// SwarmResponse answers a SwarmRequest with the matching RequestID.
type SwarmResponse struct {
	RequestID string `cbor:"request_id"`
	Payload   []byte `cbor:"payload"`
}

// reqRespService runs the request-response protocol over libp2p streams.
// Outbound requests are tracked in a pending table keyed by request id;
// cancelled requests drop their entry and late responses vanish silently.
type reqRespService struct {
	host       hostStreamOpener
	timeout    time.Duration
	obfuscator *Obfuscator

	mu      sync.RWMutex
	pending map[string]chan *SwarmResponse

	onRequest func(from peer.ID, payload []byte) []byte
}

// hostStreamOpener is the slice of host.Host the service uses.
type hostStreamOpener interface {
	NewStream(ctx context.Context, p peer.ID, pids ...protocol.ID) (network.Stream, error)
	SetStreamHandler(pid protocol.ID, handler network.StreamHandler)
}

func newReqRespService(h hostStreamOpener, timeout time.Duration, obfuscator *Obfuscator,
	onRequest func(from peer.ID, payload []byte) []byte) *reqRespService {
	s := &reqRespService{
		host:       h,
		timeout:    timeout,
		obfuscator: obfuscator,
		pending:    make(map[string]chan *SwarmResponse),
		onRequest:  onRequest,
	}
	h.SetStreamHandler(protoReqResp, s.handleStream)
	return s
}

// handleStream serves inbound requests on one substream.
func (s *reqRespService) handleStream(stream network.Stream) {
	defer stream.Close()
	from := stream.Conn().RemotePeer()
	dec := cbor.NewDecoder(stream)
	enc := cbor.NewEncoder(stream)
	for {
		var req SwarmRequest
		if err := dec.Decode(&req); err != nil {
			return
		}

		payload := req.Payload
		if plain, err := s.obfuscator.Deobfuscate(payload); err == nil {
			payload = plain
		} // else: not obfuscated, keep raw

		var replyPayload []byte
		if s.onRequest != nil {
			replyPayload = s.onRequest(from, payload)
		}
		wrapped, err := s.obfuscator.Obfuscate(replyPayload)
		if err != nil {
			return
		}
		if err := enc.Encode(&SwarmResponse{RequestID: req.RequestID, Payload: wrapped}); err != nil {
			return
		}
	}
}

// SendRequest performs one round trip with the per-request timeout.
func (s *reqRespService) SendRequest(ctx context.Context, to peer.ID, payload []byte) ([]byte, error) {
	wrapped, err := s.obfuscator.Obfuscate(payload)
	if err != nil {
		return nil, err
	}
	req := &SwarmRequest{RequestID: uuid.NewString(), Payload: wrapped}

	ch := make(chan *SwarmResponse, 1)
	s.mu.Lock()
	s.pending[req.RequestID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, req.RequestID)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stream, err := s.host.NewStream(ctx, to, protoReqResp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDialFailed, err)
	}
	defer stream.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}

	if err := cbor.NewEncoder(stream).Encode(req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	// Responses come back on the same stream; a reader goroutine resolves
	// the pending entry so cancellation semantics stay uniform.
	go func() {
		var resp SwarmResponse
		if err := cbor.NewDecoder(stream).Decode(&resp); err != nil {
			return
		}
		s.mu.RLock()
		waiting, ok := s.pending[resp.RequestID]
		s.mu.RUnlock()
		if !ok {
			logrus.Debugf("[reqresp] dropping late response %s", resp.RequestID)
			return
		}
		select {
		case waiting <- &resp:
		default:
		}
	}()

	select {
	case <-ctx.Done():
		return nil, &TimeoutError{Op: "request to " + to.String(), Elapsed: s.timeout}
	case resp := <-ch:
		payload := resp.Payload
		if plain, err := s.obfuscator.Deobfuscate(payload); err == nil {
			payload = plain
		}
		return payload, nil
	}
}

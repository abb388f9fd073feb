package main

import (
	"context"
	"errors"
)

// Swarm commands. Each carries a one-shot reply channel; the driver
// goroutine is the only place they execute, preserving single-writer
// semantics over the transport.
type swarmCommand interface{ isSwarmCommand() }

type cmdSubscribe struct {
	topic string
	reply chan error
}

type cmdUnsubscribe struct {
	topic string
	reply chan error
}

type cmdPublish struct {
	topic string
	data  []byte
	reply chan error
}

type cmdSendRequest struct {
	peer    PeerID
	payload []byte
	reply   chan requestResult
}

type requestResult struct {
	data []byte
	err  error
}

type cmdDial struct {
	addr  string
	reply chan error
}

type cmdConnectedPeers struct {
	reply chan []PeerID
}

type cmdLocalPeerID struct {
	reply chan PeerID
}

type cmdListeners struct {
	reply chan []string
}

func (cmdSubscribe) isSwarmCommand()      {}
func (cmdUnsubscribe) isSwarmCommand()    {}
func (cmdPublish) isSwarmCommand()        {}
func (cmdSendRequest) isSwarmCommand()    {}
func (cmdDial) isSwarmCommand()           {}
func (cmdConnectedPeers) isSwarmCommand() {}
func (cmdLocalPeerID) isSwarmCommand()    {}
func (cmdListeners) isSwarmCommand()      {}

// SwarmHandle is the command-channel front to the swarm driver. The
// command channel buffers 1024 commands; a full channel blocks submit
// until there is room or ctx ends. Replies are one-shot buffered channels.
type SwarmHandle struct {
	commands chan swarmCommand
}

// NewSwarmHandle starts the driver task for a swarm and returns its
// handle. The driver executes every command serially until ctx ends.
func NewSwarmHandle(ctx context.Context, s *Swarm) *SwarmHandle {
	h := &SwarmHandle{commands: make(chan swarmCommand, 1024)}
	go h.drive(ctx, s)
	return h
}

func (h *SwarmHandle) drive(ctx context.Context, s *Swarm) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.commands:
			switch c := cmd.(type) {
			case cmdSubscribe:
				c.reply <- s.Subscribe(c.topic)
			case cmdUnsubscribe:
				c.reply <- s.Unsubscribe(c.topic)
			case cmdPublish:
				c.reply <- s.Publish(ctx, c.topic, c.data)
			case cmdSendRequest:
				// The round trip blocks on the remote peer; run it off the
				// driver so slow peers cannot stall the command stream.
				go func(c cmdSendRequest) {
					data, err := s.SendRequest(ctx, c.peer, c.payload)
					c.reply <- requestResult{data: data, err: err}
				}(c)
			case cmdDial:
				c.reply <- s.Dial(ctx, c.addr)
			case cmdConnectedPeers:
				c.reply <- s.ConnectedPeers()
			case cmdLocalPeerID:
				c.reply <- s.LocalPeerID()
			case cmdListeners:
				c.reply <- s.Listeners()
			}
		}
	}
}

var errDriverStopped = errors.New("swarm driver stopped")

func (h *SwarmHandle) submit(ctx context.Context, cmd swarmCommand) error {
	select {
	case h.commands <- cmd:
		return nil
	case <-ctx.Done():
		return errDriverStopped
	}
}

// Subscribe joins a gossipsub topic.
func (h *SwarmHandle) Subscribe(ctx context.Context, topic string) error {
	reply := make(chan error, 1)
	if err := h.submit(ctx, cmdSubscribe{topic: topic, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unsubscribe leaves a topic.
func (h *SwarmHandle) Unsubscribe(ctx context.Context, topic string) error {
	reply := make(chan error, 1)
	if err := h.submit(ctx, cmdUnsubscribe{topic: topic, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish sends obfuscated data to a topic.
func (h *SwarmHandle) Publish(ctx context.Context, topic string, data []byte) error {
	reply := make(chan error, 1)
	if err := h.submit(ctx, cmdPublish{topic: topic, data: data, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendRequest performs one application request round trip.
func (h *SwarmHandle) SendRequest(ctx context.Context, peer PeerID, payload []byte) ([]byte, error) {
	reply := make(chan requestResult, 1)
	if err := h.submit(ctx, cmdSendRequest{peer: peer, payload: payload, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case res := <-reply:
		return res.data, res.err
	case <-ctx.Done():
		// Cancellation: the round trip keeps running under the driver
		// context until it answers or times out; its result lands in the
		// buffered reply channel and is dropped silently.
		return nil, ctx.Err()
	}
}

// Dial connects to a multiaddr.
func (h *SwarmHandle) Dial(ctx context.Context, addr string) error {
	reply := make(chan error, 1)
	if err := h.submit(ctx, cmdDial{addr: addr, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConnectedPeers lists live connections.
func (h *SwarmHandle) ConnectedPeers(ctx context.Context) []PeerID {
	reply := make(chan []PeerID, 1)
	if err := h.submit(ctx, cmdConnectedPeers{reply: reply}); err != nil {
		return nil
	}
	select {
	case peers := <-reply:
		return peers
	case <-ctx.Done():
		return nil
	}
}

// LocalPeerID returns the node identifier.
func (h *SwarmHandle) LocalPeerID(ctx context.Context) PeerID {
	reply := make(chan PeerID, 1)
	if err := h.submit(ctx, cmdLocalPeerID{reply: reply}); err != nil {
		return PeerID{}
	}
	select {
	case id := <-reply:
		return id
	case <-ctx.Done():
		return PeerID{}
	}
}

// Listeners returns the listen multiaddrs.
func (h *SwarmHandle) Listeners(ctx context.Context) []string {
	reply := make(chan []string, 1)
	if err := h.submit(ctx, cmdListeners{reply: reply}); err != nil {
		return nil
	}
	select {
	case addrs := <-reply:
		return addrs
	case <-ctx.Done():
		return nil
	}
}

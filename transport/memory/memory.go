// Package memory provides an in-process mesh substrate.
//
// A Network joins any number of Endpoints. A broadcast from one endpoint is
// delivered synchronously to every other started endpoint, and endpoints
// see each other come and go as identify and connection-closed peer events.
// It backs tests and single-process demos.
package memory

import (
	"context"
	"sync"

	"github.com/kabili207/zeta-go/transport"
)

// Compile-time interface checks.
var (
	_ transport.Mesh      = (*Endpoint)(nil)
	_ transport.Discovery = (*Endpoint)(nil)
)

// Network is a set of in-process endpoints.
type Network struct {
	mu        sync.RWMutex
	endpoints []*Endpoint
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{}
}

// Endpoint creates an endpoint for peerID. The endpoint joins the network
// when started.
func (n *Network) Endpoint(peerID, address string) *Endpoint {
	return &Endpoint{net: n, peerID: peerID, address: address}
}

func (n *Network) members(except *Endpoint) []*Endpoint {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Endpoint, 0, len(n.endpoints))
	for _, e := range n.endpoints {
		if e != except {
			out = append(out, e)
		}
	}
	return out
}

func (n *Network) join(e *Endpoint) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, m := range n.endpoints {
		if m == e {
			return false
		}
	}
	n.endpoints = append(n.endpoints, e)
	return true
}

func (n *Network) leave(e *Endpoint) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, m := range n.endpoints {
		if m == e {
			n.endpoints = append(n.endpoints[:i:i], n.endpoints[i+1:]...)
			return true
		}
	}
	return false
}

// Endpoint is one participant's view of a Network.
type Endpoint struct {
	net     *Network
	peerID  string
	address string

	mu             sync.RWMutex
	connected      bool
	broadcasts     int
	broadcastErr   error
	messageHandler transport.MessageHandler
	peerHandler    transport.PeerHandler
	stateHandler   transport.StateHandler
}

// Name returns "memory".
func (e *Endpoint) Name() string {
	return "memory"
}

// PeerID returns the endpoint's peer ID.
func (e *Endpoint) PeerID() string {
	return e.peerID
}

// Start joins the network. Every endpoint already present is reported to
// this one, and this one to them, as identified peers.
func (e *Endpoint) Start(_ context.Context) error {
	if !e.net.join(e) {
		return nil
	}

	e.mu.Lock()
	e.connected = true
	state := e.stateHandler
	e.mu.Unlock()

	if state != nil {
		state(e, transport.EventConnected)
	}

	for _, other := range e.net.members(e) {
		other.emitPeer(transport.PeerEvent{
			Kind:      transport.PeerIdentified,
			PeerID:    e.peerID,
			Addresses: []string{e.address},
			Substrate: e.Name(),
		})
		e.emitPeer(transport.PeerEvent{
			Kind:      transport.PeerIdentified,
			PeerID:    other.peerID,
			Addresses: []string{other.address},
			Substrate: e.Name(),
		})
	}
	return nil
}

// Stop leaves the network and reports the closed connection to the others.
func (e *Endpoint) Stop() error {
	if !e.net.leave(e) {
		return nil
	}

	e.mu.Lock()
	e.connected = false
	state := e.stateHandler
	e.mu.Unlock()

	for _, other := range e.net.members(e) {
		other.emitPeer(transport.PeerEvent{
			Kind:      transport.PeerConnectionClosed,
			PeerID:    e.peerID,
			Substrate: e.Name(),
		})
	}

	if state != nil {
		state(e, transport.EventDisconnected)
	}
	return nil
}

// IsConnected returns true while the endpoint is joined.
func (e *Endpoint) IsConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

// SetMessageHandler sets the callback for inbound mesh messages.
func (e *Endpoint) SetMessageHandler(fn transport.MessageHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.messageHandler = fn
}

// SetPeerHandler sets the callback for peer events.
func (e *Endpoint) SetPeerHandler(fn transport.PeerHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peerHandler = fn
}

// SetStateHandler sets the callback for state changes.
func (e *Endpoint) SetStateHandler(fn transport.StateHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stateHandler = fn
}

// SetBroadcastError makes every subsequent Broadcast fail with err.
// Pass nil to restore normal delivery.
func (e *Endpoint) SetBroadcastError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.broadcastErr = err
}

// Broadcasts returns the number of Broadcast calls made on this endpoint.
func (e *Endpoint) Broadcasts() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.broadcasts
}

// Broadcast delivers a copy of data to every other joined endpoint.
func (e *Endpoint) Broadcast(data []byte) error {
	e.mu.Lock()
	e.broadcasts++
	connected := e.connected
	err := e.broadcastErr
	e.mu.Unlock()

	if err != nil {
		return err
	}
	if !connected {
		return transport.ErrNotConnected
	}

	src := transport.Source{Substrate: e.Name(), PeerID: e.peerID}
	for _, other := range e.net.members(e) {
		msg := make([]byte, len(data))
		copy(msg, data)
		other.deliver(msg, src)
	}
	return nil
}

func (e *Endpoint) deliver(data []byte, src transport.Source) {
	e.mu.RLock()
	handler := e.messageHandler
	e.mu.RUnlock()

	if handler != nil {
		handler(data, src)
	}
}

func (e *Endpoint) emitPeer(ev transport.PeerEvent) {
	e.mu.RLock()
	handler := e.peerHandler
	e.mu.RUnlock()

	if handler != nil {
		handler(ev)
	}
}

// Package transport defines the substrates a node uses to reach the mesh:
// broadcast channels that carry serialised mesh messages, and discovery
// mechanisms that report peers coming and going.
package transport

import (
	"context"
	"errors"
)

// ErrNotConnected is returned by Broadcast when the substrate is down.
var ErrNotConnected = errors.New("not connected")

// Transport is the lifecycle shared by every substrate.
type Transport interface {
	// Start begins the substrate's connection and message handling.
	// The provided context controls the substrate's lifetime.
	Start(ctx context.Context) error
	// Stop gracefully shuts down the substrate.
	Stop() error
	// IsConnected returns true if the substrate is currently usable.
	IsConnected() bool
	// Name identifies the substrate in logs and metrics (e.g. "mqtt").
	Name() string
	// SetStateHandler sets the callback for substrate state changes.
	SetStateHandler(fn StateHandler)
}

// Mesh is a substrate that broadcasts opaque mesh messages.
type Mesh interface {
	Transport
	// Broadcast delivers data, best effort, to every mesh subscriber.
	Broadcast(data []byte) error
	// SetMessageHandler sets the callback for inbound mesh messages.
	SetMessageHandler(fn MessageHandler)
}

// Discovery is a substrate that reports peer lifecycle events.
type Discovery interface {
	Transport
	// SetPeerHandler sets the callback for peer events.
	SetPeerHandler(fn PeerHandler)
}

// Source describes where an inbound mesh message came from.
type Source struct {
	// Substrate is the Name of the substrate that delivered the message.
	Substrate string
	// PeerID is the sending peer, when the substrate knows it.
	PeerID string
}

// MessageHandler is called when a mesh message is received.
type MessageHandler func(data []byte, src Source)

// PeerHandler is called when a peer event occurs.
type PeerHandler func(ev PeerEvent)

// StateHandler is called when the substrate state changes.
type StateHandler func(t Transport, event Event)

// PeerEventKind identifies a peer lifecycle signal.
type PeerEventKind int

const (
	// PeerDiscovered is fired when a peer is first seen, with one address.
	PeerDiscovered PeerEventKind = iota
	// PeerExpired is fired when a discovery record for a peer lapses.
	PeerExpired
	// PeerIdentified is fired when a peer announces its listen addresses.
	PeerIdentified
	// PeerConnectionClosed is fired when the connection to a peer closes.
	PeerConnectionClosed
)

func (k PeerEventKind) String() string {
	switch k {
	case PeerDiscovered:
		return "discovered"
	case PeerExpired:
		return "expired"
	case PeerIdentified:
		return "identified"
	case PeerConnectionClosed:
		return "connection_closed"
	default:
		return "unknown"
	}
}

// PeerEvent is a peer lifecycle signal reported by a substrate.
type PeerEvent struct {
	Kind      PeerEventKind
	PeerID    string
	Addresses []string
	// Substrate is the Name of the reporting substrate.
	Substrate string
}

// Event represents substrate state change events.
type Event int

const (
	// EventConnected is fired when the substrate connects.
	EventConnected Event = iota
	// EventDisconnected is fired when the substrate disconnects.
	EventDisconnected
	// EventReconnecting is fired when the substrate is attempting to reconnect.
	EventReconnecting
	// EventError is fired when an error occurs.
	EventError
)

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

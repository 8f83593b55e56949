// Package transport defines the narrow port the session coordinators speak
// through, plus two implementations: an in-process network for tests and
// same-process play, and a websocket port backed by the relay server.
//
// The coordinators never reach past this interface into transport internals.
package transport

import (
	"context"
	"errors"

	"github.com/SchizoDuckie/unicornpoep-sub004/internal/protocol"
)

var ErrNotOpen = errors.New("transport not open")
var ErrClosed = errors.New("transport closed")
var ErrUnknownPeer = errors.New("unknown peer")

// Event is one of PeerConnected, PeerDisconnected or MessageReceived.
type Event interface{ isTransportEvent() }

type PeerConnected struct{ PeerID string }

type PeerDisconnected struct{ PeerID string }

type MessageReceived struct {
	From     string
	Envelope protocol.Envelope
}

func (PeerConnected) isTransportEvent()    {}
func (PeerDisconnected) isTransportEvent() {}
func (MessageReceived) isTransportEvent()  {}

// Port is a peer endpoint. A host opens one and waits for inbound peers; a
// client opens one and dials exactly one host. All delivery notifications
// arrive on Events, which stays open until Close.
type Port interface {
	// Open claims selfID as this endpoint's peer identifier.
	Open(selfID string) error

	// ConnectTo dials a remote peer. It returns once the connection is
	// established or failed; there is no retry loop behind it.
	ConnectTo(ctx context.Context, peerID string) error

	// Send delivers one envelope to a connected peer.
	Send(peerID string, env protocol.Envelope) error

	// Broadcast delivers one envelope to every connected peer.
	Broadcast(env protocol.Envelope) error

	// Events exposes connection and message notifications. The channel is
	// closed when the port closes.
	Events() <-chan Event

	// Close tears the endpoint down and notifies connected peers.
	Close() error
}

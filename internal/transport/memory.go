package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/SchizoDuckie/unicornpoep-sub004/internal/protocol"
)

const portEventBuffer = 64

// Network is an in-process message fabric. Every port created from the same
// network can dial every other by peer id, with per-peer FIFO delivery.
type Network struct {
	mu    sync.Mutex
	ports map[string]*MemoryPort
}

func NewNetwork() *Network {
	return &Network{ports: make(map[string]*MemoryPort)}
}

// NewPort creates an unopened endpoint on this network.
func (n *Network) NewPort() *MemoryPort {
	return &MemoryPort{
		network: n,
		peers:   make(map[string]bool),
		events:  make(chan Event, portEventBuffer),
	}
}

func (n *Network) lookup(peerID string) (*MemoryPort, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.ports[peerID]
	return p, ok
}

// MemoryPort implements Port over channels, no sockets involved.
type MemoryPort struct {
	network *Network

	mu     sync.Mutex
	selfID string
	open   bool
	closed bool
	peers  map[string]bool
	events chan Event
}

func (p *MemoryPort) Open(selfID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.open {
		return fmt.Errorf("already open as %s", p.selfID)
	}

	p.network.mu.Lock()
	defer p.network.mu.Unlock()
	if _, taken := p.network.ports[selfID]; taken {
		return fmt.Errorf("peer id %s already registered", selfID)
	}
	p.network.ports[selfID] = p
	p.selfID = selfID
	p.open = true
	return nil
}

func (p *MemoryPort) ConnectTo(ctx context.Context, peerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	if !p.open {
		p.mu.Unlock()
		return ErrNotOpen
	}
	self := p.selfID
	p.mu.Unlock()

	remote, ok := p.network.lookup(peerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}

	p.mu.Lock()
	p.peers[peerID] = true
	p.mu.Unlock()

	remote.mu.Lock()
	remote.peers[self] = true
	remote.mu.Unlock()

	remote.deliver(PeerConnected{PeerID: self})
	p.deliver(PeerConnected{PeerID: peerID})
	return nil
}

func (p *MemoryPort) Send(peerID string, env protocol.Envelope) error {
	p.mu.Lock()
	if !p.open {
		p.mu.Unlock()
		return ErrNotOpen
	}
	self := p.selfID
	connected := p.peers[peerID]
	p.mu.Unlock()

	if !connected {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	remote, ok := p.network.lookup(peerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	remote.deliver(MessageReceived{From: self, Envelope: env})
	return nil
}

func (p *MemoryPort) Broadcast(env protocol.Envelope) error {
	p.mu.Lock()
	if !p.open {
		p.mu.Unlock()
		return ErrNotOpen
	}
	self := p.selfID
	targets := make([]string, 0, len(p.peers))
	for id := range p.peers {
		targets = append(targets, id)
	}
	p.mu.Unlock()

	for _, id := range targets {
		if remote, ok := p.network.lookup(id); ok {
			remote.deliver(MessageReceived{From: self, Envelope: env})
		}
	}
	return nil
}

func (p *MemoryPort) Events() <-chan Event { return p.events }

func (p *MemoryPort) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	wasOpen := p.open
	p.open = false
	self := p.selfID
	targets := make([]string, 0, len(p.peers))
	for id := range p.peers {
		targets = append(targets, id)
	}
	p.peers = make(map[string]bool)
	p.mu.Unlock()

	if wasOpen {
		p.network.mu.Lock()
		delete(p.network.ports, self)
		p.network.mu.Unlock()

		for _, id := range targets {
			if remote, ok := p.network.lookup(id); ok {
				remote.mu.Lock()
				delete(remote.peers, self)
				remote.mu.Unlock()
				remote.deliver(PeerDisconnected{PeerID: self})
			}
		}
	}

	close(p.events)
	return nil
}

// deliver drops the event if the receiver stopped draining its queue; a
// dead consumer must not wedge every other peer on the network.
func (p *MemoryPort) deliver(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.events <- ev:
	default:
	}
}

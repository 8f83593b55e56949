package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/SchizoDuckie/unicornpoep-sub004/internal/protocol"
)

const writeTimeout = 3 * time.Second

// RelayPort implements Port over a websocket to the relay server. A host
// port attaches a session keyed by its own peer id; a client port dials the
// host's session code.
type RelayPort struct {
	baseURL string
	asHost  bool
	log     *zap.Logger

	mu     sync.Mutex
	selfID string
	conn   *websocket.Conn
	peers  map[string]bool
	open   bool
	closed bool
	ctx    context.Context
	cancel context.CancelFunc

	events       chan Event
	eventsClosed bool
}

// NewRelayPort builds a port against baseURL (e.g. "ws://localhost:8080").
func NewRelayPort(baseURL string, asHost bool, log *zap.Logger) *RelayPort {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RelayPort{
		baseURL: baseURL,
		asHost:  asHost,
		log:     log,
		peers:   make(map[string]bool),
		ctx:     ctx,
		cancel:  cancel,
		events:  make(chan Event, portEventBuffer),
	}
}

func (p *RelayPort) Open(selfID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.open {
		return fmt.Errorf("already open as %s", p.selfID)
	}
	p.selfID = selfID

	if !p.asHost {
		// Clients only register their id here; the socket is dialed by
		// ConnectTo once the user submits a session code.
		p.open = true
		return nil
	}

	url := fmt.Sprintf("%s/ws?session=%s&peer=%s&role=host", p.baseURL, selfID, selfID)
	conn, _, err := websocket.Dial(p.ctx, url, nil)
	if err != nil {
		return fmt.Errorf("attach session %s: %w", selfID, err)
	}
	p.conn = conn
	p.open = true
	go p.readLoop(conn)
	return nil
}

func (p *RelayPort) ConnectTo(ctx context.Context, peerID string) error {
	p.mu.Lock()
	if !p.open {
		p.mu.Unlock()
		return ErrNotOpen
	}
	if p.asHost {
		p.mu.Unlock()
		return fmt.Errorf("host port does not dial peers")
	}
	if p.conn != nil {
		p.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	self := p.selfID
	p.mu.Unlock()

	url := fmt.Sprintf("%s/ws?session=%s&peer=%s&role=client", p.baseURL, peerID, self)
	conn, resp, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
		}
		return fmt.Errorf("dial %s: %w", peerID, err)
	}

	// The relay acks the attach with a peer_joined frame for the host, or a
	// denied frame when the session is gone.
	var f Frame
	if err := readFrame(ctx, conn, &f); err != nil {
		conn.Close(websocket.StatusProtocolError, "no attach ack")
		return fmt.Errorf("await attach ack: %w", err)
	}
	switch f.Kind {
	case FramePeerJoined:
		// f.Peer is the host's id
	case FrameDenied:
		conn.Close(websocket.StatusNormalClosure, "denied")
		return fmt.Errorf("%w: %s", ErrUnknownPeer, f.Reason)
	default:
		conn.Close(websocket.StatusProtocolError, "bad attach ack")
		return fmt.Errorf("unexpected attach ack %q", f.Kind)
	}

	p.mu.Lock()
	p.conn = conn
	p.peers[f.Peer] = true
	p.mu.Unlock()

	p.deliver(PeerConnected{PeerID: f.Peer})
	go p.readLoop(conn)
	return nil
}

func (p *RelayPort) Send(peerID string, env protocol.Envelope) error {
	p.mu.Lock()
	if !p.peers[peerID] {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}
	p.mu.Unlock()
	return p.writeFrame(Frame{Kind: FrameSend, Peer: peerID, Envelope: &env})
}

func (p *RelayPort) Broadcast(env protocol.Envelope) error {
	return p.writeFrame(Frame{Kind: FrameBroadcast, Envelope: &env})
}

func (p *RelayPort) Events() <-chan Event { return p.events }

func (p *RelayPort) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conn := p.conn
	p.mu.Unlock()

	p.cancel()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "bye")
	}
	p.closeEvents()
	return nil
}

func (p *RelayPort) writeFrame(f Frame) error {
	p.mu.Lock()
	conn := p.conn
	open := p.open && !p.closed
	p.mu.Unlock()

	if !open || conn == nil {
		return ErrNotOpen
	}

	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	ctx, cancel := context.WithTimeout(p.ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (p *RelayPort) readLoop(conn *websocket.Conn) {
	defer func() {
		// A dead relay socket means every peer is unreachable.
		p.mu.Lock()
		alreadyClosed := p.closed
		p.closed = true
		peers := make([]string, 0, len(p.peers))
		for id := range p.peers {
			peers = append(peers, id)
		}
		p.peers = make(map[string]bool)
		p.mu.Unlock()

		if !alreadyClosed {
			for _, id := range peers {
				p.deliver(PeerDisconnected{PeerID: id})
			}
		}
		p.closeEvents()
	}()

	for {
		var f Frame
		if err := readFrame(p.ctx, conn, &f); err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				p.log.Debug("relay read ended", zap.Error(err))
			}
			return
		}

		switch f.Kind {
		case FrameDeliver:
			if f.Envelope == nil {
				p.log.Warn("deliver frame without envelope", zap.String("from", f.Peer))
				continue
			}
			p.deliver(MessageReceived{From: f.Peer, Envelope: *f.Envelope})

		case FramePeerJoined:
			p.mu.Lock()
			p.peers[f.Peer] = true
			p.mu.Unlock()
			p.deliver(PeerConnected{PeerID: f.Peer})

		case FramePeerLeft:
			p.mu.Lock()
			delete(p.peers, f.Peer)
			p.mu.Unlock()
			p.deliver(PeerDisconnected{PeerID: f.Peer})

		case FrameDenied:
			p.log.Warn("relay denied frame", zap.String("reason", f.Reason))

		default:
			p.log.Warn("unknown relay frame", zap.String("kind", string(f.Kind)))
		}
	}
}

func (p *RelayPort) deliver(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.eventsClosed {
		return
	}
	select {
	case p.events <- ev:
	default:
		p.log.Warn("transport event dropped, consumer too slow")
	}
}

func (p *RelayPort) closeEvents() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.eventsClosed {
		p.eventsClosed = true
		close(p.events)
	}
}

func readFrame(ctx context.Context, conn *websocket.Conn, into *Frame) error {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}

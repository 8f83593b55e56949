// Package relay is the rendezvous between peers: the host attaches a
// session under its own 6-character id, clients attach to that id, and the
// relay forwards envelopes between them. It implements the transport the
// coordinators consume; no game rules live here.
package relay

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/SchizoDuckie/unicornpoep-sub004/internal/protocol"
	"github.com/SchizoDuckie/unicornpoep-sub004/internal/transport"
)

var ErrUnknownSession = errors.New("unknown session")
var ErrSessionExists = errors.New("session already exists")
var ErrDuplicatePeer = errors.New("peer id already attached")

type Msg interface{ isRelayMsg() }

// AttachHost claims Code for a new session; the host's frames arrive on Out.
type AttachHost struct {
	Code  string
	Out   chan transport.Frame
	Reply chan error
}

// AttachPeer joins an existing session. On success the relay acks with a
// peer_joined frame carrying the host id as the first frame on Out.
type AttachPeer struct {
	Code   string
	PeerID string
	Out    chan transport.Frame
	Reply  chan error
}

// Detach removes a peer. A detaching host ends the whole session.
type Detach struct {
	Code   string
	PeerID string
}

// Route forwards one envelope to a single peer in the session.
type Route struct {
	Code string
	From string
	To   string
	Env  protocol.Envelope
}

// Broadcast forwards one envelope to every other peer in the session.
type Broadcast struct {
	Code string
	From string
	Env  protocol.Envelope
}

// HasSession reports whether Code is currently claimed.
type HasSession struct {
	Code  string
	Reply chan bool
}

type Shutdown struct{}

func (AttachHost) isRelayMsg() {}
func (AttachPeer) isRelayMsg() {}
func (Detach) isRelayMsg()     {}
func (Route) isRelayMsg()      {}
func (Broadcast) isRelayMsg()  {}
func (HasSession) isRelayMsg() {}
func (Shutdown) isRelayMsg()   {}

type relaySession struct {
	hostID string
	peers  map[string]chan transport.Frame
}

// Relay is a single goroutine owning all sessions; every mutation flows
// through its inbox.
type Relay struct {
	inbox    chan Msg
	sessions map[string]*relaySession
	log      *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

func New(parent context.Context, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	r := &Relay{
		inbox:    make(chan Msg, 64),
		sessions: make(map[string]*relaySession),
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}
	go r.loop()
	return r
}

func (r *Relay) Inbox() chan<- Msg { return r.inbox }

// Done is closed once the relay stops accepting messages.
func (r *Relay) Done() <-chan struct{} { return r.ctx.Done() }

// post delivers m unless the relay has stopped. A buffered inbox accepts
// sends even after the loop exits, so callers must never follow a post with
// an unguarded reply read; select on Done alongside it.
func (r *Relay) post(m Msg) bool {
	select {
	case r.inbox <- m:
		return true
	case <-r.ctx.Done():
		return false
	}
}

// Has is a convenience wrapper around the HasSession message.
func (r *Relay) Has(code string) bool {
	reply := make(chan bool, 1)
	if !r.post(HasSession{Code: code, Reply: reply}) {
		return false
	}
	select {
	case ok := <-reply:
		return ok
	case <-r.ctx.Done():
		return false
	}
}

func (r *Relay) loop() {
	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case AttachHost:
				msg.Reply <- r.attachHost(msg)
			case AttachPeer:
				msg.Reply <- r.attachPeer(msg)
			case Detach:
				r.detach(msg.Code, msg.PeerID)
			case Route:
				r.route(msg)
			case Broadcast:
				r.broadcast(msg)
			case HasSession:
				_, ok := r.sessions[msg.Code]
				msg.Reply <- ok
			case Shutdown:
				r.shutdown()
				return
			}
		}
	}
}

func (r *Relay) attachHost(msg AttachHost) error {
	if _, taken := r.sessions[msg.Code]; taken {
		return ErrSessionExists
	}
	r.sessions[msg.Code] = &relaySession{
		hostID: msg.Code,
		peers:  map[string]chan transport.Frame{msg.Code: msg.Out},
	}
	r.log.Info("session opened", zap.String("session", msg.Code))
	return nil
}

func (r *Relay) attachPeer(msg AttachPeer) error {
	s, ok := r.sessions[msg.Code]
	if !ok {
		return ErrUnknownSession
	}
	if _, dup := s.peers[msg.PeerID]; dup {
		return ErrDuplicatePeer
	}
	s.peers[msg.PeerID] = msg.Out

	// Ack the newcomer with the host id, then tell the host who arrived.
	r.deliver(s, msg.PeerID, transport.Frame{Kind: transport.FramePeerJoined, Peer: s.hostID})
	r.deliver(s, s.hostID, transport.Frame{Kind: transport.FramePeerJoined, Peer: msg.PeerID})
	r.log.Info("peer attached", zap.String("session", msg.Code), zap.String("peer", msg.PeerID))
	return nil
}

func (r *Relay) detach(code, peerID string) {
	s, ok := r.sessions[code]
	if !ok {
		return
	}
	out, present := s.peers[peerID]
	if !present {
		return
	}
	delete(s.peers, peerID)
	close(out)

	if peerID == s.hostID {
		// No host migration: the session dies with its host.
		for id, ch := range s.peers {
			select {
			case ch <- transport.Frame{Kind: transport.FramePeerLeft, Peer: s.hostID}:
			default:
			}
			close(ch)
			delete(s.peers, id)
		}
		delete(r.sessions, code)
		r.log.Info("session closed", zap.String("session", code))
		return
	}

	r.deliver(s, s.hostID, transport.Frame{Kind: transport.FramePeerLeft, Peer: peerID})
	r.log.Info("peer detached", zap.String("session", code), zap.String("peer", peerID))
}

func (r *Relay) route(msg Route) {
	s, ok := r.sessions[msg.Code]
	if !ok {
		return
	}
	if _, sender := s.peers[msg.From]; !sender {
		return
	}
	if _, target := s.peers[msg.To]; !target {
		r.deliver(s, msg.From, transport.Frame{Kind: transport.FrameDenied, Reason: "unknown peer " + msg.To})
		return
	}
	env := msg.Env
	r.deliver(s, msg.To, transport.Frame{Kind: transport.FrameDeliver, Peer: msg.From, Envelope: &env})
}

func (r *Relay) broadcast(msg Broadcast) {
	s, ok := r.sessions[msg.Code]
	if !ok {
		return
	}
	if _, sender := s.peers[msg.From]; !sender {
		return
	}
	env := msg.Env
	for id := range s.peers {
		if id == msg.From {
			continue
		}
		r.deliver(s, id, transport.Frame{Kind: transport.FrameDeliver, Peer: msg.From, Envelope: &env})
	}
}

// deliver drops peers whose writer stopped draining, so one dead socket
// cannot wedge the whole session.
func (r *Relay) deliver(s *relaySession, peerID string, f transport.Frame) {
	ch, ok := s.peers[peerID]
	if !ok {
		return
	}
	select {
	case ch <- f:
	default:
		r.log.Warn("dropping slow peer", zap.String("peer", peerID))
		delete(s.peers, peerID)
		close(ch)
	}
}

func (r *Relay) shutdown() {
	for code, s := range r.sessions {
		for id, ch := range s.peers {
			close(ch)
			delete(s.peers, id)
		}
		delete(r.sessions, code)
	}
	r.cancel()
}

package transport

import "github.com/SchizoDuckie/unicornpoep-sub004/internal/protocol"

// FrameKind tags one relay websocket frame. Peers and the relay server
// share this wire format; game payloads ride inside Envelope untouched.
type FrameKind string

const (
	// peer -> relay
	FrameSend      FrameKind = "send"
	FrameBroadcast FrameKind = "broadcast"

	// relay -> peer
	FrameDeliver    FrameKind = "deliver"
	FramePeerJoined FrameKind = "peer_joined"
	FramePeerLeft   FrameKind = "peer_left"
	FrameDenied     FrameKind = "denied"
)

// Frame is the relay wire unit. Peer is the recipient on send frames and
// the originating peer on deliver/joined/left frames, so the sender id a
// coordinator sees always comes from the relay, never from the payload.
type Frame struct {
	Kind     FrameKind          `json:"kind"`
	Peer     string             `json:"peer,omitempty"`
	Envelope *protocol.Envelope `json:"envelope,omitempty"`
	Reason   string             `json:"reason,omitempty"`
}

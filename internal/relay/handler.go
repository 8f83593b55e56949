package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SchizoDuckie/unicornpoep-sub004/internal/transport"
)

const frameWriteTimeout = 3 * time.Second

// Handler upgrades a peer websocket and bridges it onto the relay: inbound
// frames become Route/Broadcast messages, relay frames stream back out.
//
// Query parameters: session (required), peer (generated when absent), and
// role=host to claim the session instead of joining it.
func Handler(rl *Relay, log *zap.Logger) http.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}

	return func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("session")
		if code == "" {
			http.Error(w, "missing session", http.StatusBadRequest)
			return
		}
		asHost := r.URL.Query().Get("role") == "host"

		peerID := r.URL.Query().Get("peer")
		if asHost {
			peerID = code
		} else if peerID == "" {
			peerID = uuid.NewString()
		}

		// Reject before upgrading so a failed dial carries an HTTP status
		// the client transport can map to a typed reason.
		if asHost && rl.Has(code) {
			http.Error(w, "session already exists", http.StatusConflict)
			return
		}
		if !asHost && !rl.Has(code) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		out := make(chan transport.Frame, 16)
		reply := make(chan error, 1)
		var attached bool
		if asHost {
			attached = rl.post(AttachHost{Code: code, Out: out, Reply: reply})
		} else {
			attached = rl.post(AttachPeer{Code: code, PeerID: peerID, Out: out, Reply: reply})
		}
		if !attached {
			return
		}

		select {
		case err := <-reply:
			if err != nil {
				// Lost the pre-upgrade race; tell the peer why before hanging up.
				denied, _ := json.Marshal(transport.Frame{Kind: transport.FrameDenied, Reason: err.Error()})
				_ = conn.Write(r.Context(), websocket.MessageText, denied)
				return
			}
		case <-rl.Done():
			return
		case <-r.Context().Done():
			return
		}
		defer rl.post(Detach{Code: code, PeerID: peerID})

		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for f := range out {
				payload, err := json.Marshal(f)
				if err != nil {
					continue
				}
				ctx, cancel := context.WithTimeout(writeCtx, frameWriteTimeout)
				_ = conn.Write(ctx, websocket.MessageText, payload)
				cancel()
			}
		}()

		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					return
				}
				return
			}

			var f transport.Frame
			if err := json.Unmarshal(data, &f); err != nil {
				log.Warn("bad frame", zap.String("peer", peerID), zap.Error(err))
				continue
			}

			switch f.Kind {
			case transport.FrameSend:
				if f.Envelope == nil || f.Peer == "" {
					continue
				}
				if !rl.post(Route{Code: code, From: peerID, To: f.Peer, Env: *f.Envelope}) {
					return
				}
			case transport.FrameBroadcast:
				if f.Envelope == nil {
					continue
				}
				if !rl.post(Broadcast{Code: code, From: peerID, Env: *f.Envelope}) {
					return
				}
			default:
				log.Warn("unexpected frame kind", zap.String("peer", peerID), zap.String("kind", string(f.Kind)))
			}
		}
	}
}

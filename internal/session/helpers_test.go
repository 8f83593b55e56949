package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SchizoDuckie/unicornpoep-sub004/internal/protocol"
	"github.com/SchizoDuckie/unicornpoep-sub004/internal/questions"
	"github.com/SchizoDuckie/unicornpoep-sub004/internal/transport"
)

const testTimeout = 2 * time.Second

// waitForEvent drains ch until an event of type T shows up, so tests don't
// care about interleaved roster broadcasts.
func waitForEvent[T Event](t *testing.T, ch <-chan Event, within time.Duration) T {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed while waiting for %T", *new(T))
			}
			if typed, match := ev.(T); match {
				return typed
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %T event", *new(T))
		}
	}
}

// waitForMessage drains a raw port until an envelope of the wanted type
// arrives.
func waitForMessage(t *testing.T, ch <-chan transport.Event, want protocol.MessageType, within time.Duration) protocol.Envelope {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("transport events closed while waiting for %s", want)
			}
			if msg, match := ev.(transport.MessageReceived); match && msg.Envelope.Canonical() == want {
				return msg.Envelope
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
			return protocol.Envelope{}
		}
	}
}

// waitForPeer drains a raw port until peerID connects.
func waitForPeer(t *testing.T, ch <-chan transport.Event, peerID string, within time.Duration) {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("transport events closed while waiting for peer %s", peerID)
			}
			if conn, match := ev.(transport.PeerConnected); match && conn.PeerID == peerID {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for peer %s", peerID)
		}
	}
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never held: %s", msg)
}

func threeQuestionSource() questions.StaticSource {
	return questions.StaticSource{
		Sheets: map[string]questions.Sheet{
			"animals": {
				ID:   "animals",
				Name: "Animals",
				Questions: []questions.Question{
					{Text: "What does a duck say?", Answer: "kwak"},
					{Text: "What does a cow say?", Answer: "moo"},
					{Text: "What does a cat say?", Answer: "meow"},
				},
			},
		},
	}
}

func newTestHost(t *testing.T, net *transport.Network, source questions.Source) *Host {
	t.Helper()
	h, err := NewHost(context.Background(), HostConfig{
		SelfID:   "HOST01",
		Name:     "quizmaster",
		Settings: protocol.Settings{SheetIDs: []string{"animals"}},
		Port:     net.NewPort(),
		Source:   source,
	})
	require.NoError(t, err)
	t.Cleanup(h.Leave)
	return h
}

func newTestClient(t *testing.T, net *transport.Network, selfID, name string) *Client {
	t.Helper()
	c, err := NewClient(context.Background(), ClientConfig{
		SelfID: selfID,
		Name:   name,
		Port:   net.NewPort(),
	})
	require.NoError(t, err)
	t.Cleanup(c.Leave)
	return c
}

// joinRawPeer connects a bare port to the host and completes the join
// handshake, giving the test full control over subsequent envelopes.
func joinRawPeer(t *testing.T, net *transport.Network, hostID, selfID, name string) *transport.MemoryPort {
	t.Helper()
	port := net.NewPort()
	require.NoError(t, port.Open(selfID))
	require.NoError(t, port.ConnectTo(context.Background(), hostID))

	waitForMessage(t, port.Events(), protocol.MsgGameInfo, testTimeout)
	require.NoError(t, port.Send(hostID,
		protocol.MustEnvelope(protocol.MsgRequestJoin, protocol.HelloPayload{Name: name})))
	waitForMessage(t, port.Events(), protocol.MsgPlayerList, testTimeout)
	return port
}

package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SchizoDuckie/unicornpoep-sub004/internal/protocol"
	"github.com/SchizoDuckie/unicornpoep-sub004/internal/questions"
	"github.com/SchizoDuckie/unicornpoep-sub004/internal/roster"
	"github.com/SchizoDuckie/unicornpoep-sub004/internal/transport"
)

// fakeHost opens a bare port under the host id so client tests can script
// the host side of the conversation envelope by envelope.
func fakeHost(t *testing.T, net *transport.Network) *transport.MemoryPort {
	t.Helper()
	port := net.NewPort()
	require.NoError(t, port.Open("HOST01"))
	return port
}

func hostPlayers() []roster.PlayerRecord {
	return []roster.PlayerRecord{
		{PeerID: "HOST01", Name: "quizmaster", IsHost: true, Connected: true},
	}
}

func testSheets() []questions.Sheet {
	return []questions.Sheet{threeQuestionSource().Sheets["animals"]}
}

// connectAndJoin walks a client through the two-step handshake against a
// scripted host and leaves it in WaitingForStart.
func connectAndJoin(t *testing.T, cl *Client, host *transport.MemoryPort) {
	t.Helper()
	cl.Connect(context.Background(), "HOST01")
	waitForPeer(t, host.Events(), "CL0001", testTimeout)

	require.NoError(t, host.Send("CL0001", protocol.MustEnvelope(protocol.MsgGameInfo, protocol.GameInfoPayload{
		Settings: protocol.Settings{SheetIDs: []string{"animals"}},
		Players:  hostPlayers(),
	})))

	waitForEvent[GameInfoReceived](t, cl.Events(), testTimeout)
	cl.ConfirmJoin()
	waitForMessage(t, host.Events(), protocol.MsgRequestJoin, testTimeout)
}

func TestClientConnectToMissingHost(t *testing.T) {
	net := transport.NewNetwork()
	cl := newTestClient(t, net, "CL0001", "daphne")

	cl.Connect(context.Background(), "NOSUCH")

	ev := waitForEvent[ConnectionFailed](t, cl.Events(), testTimeout)
	assert.Equal(t, ReasonHostNotFound, ev.Reason)
	assert.Equal(t, ClientAborted, cl.View().State)
}

func TestClientJoinHandshake(t *testing.T) {
	net := transport.NewNetwork()
	host := fakeHost(t, net)
	cl := newTestClient(t, net, "CL0001", "daphne")

	cl.Connect(context.Background(), "HOST01")
	eventually(t, func() bool { return cl.View().State == ClientAwaitingGameInfo }, "connected")

	require.NoError(t, host.Send("CL0001", protocol.MustEnvelope(protocol.MsgGameInfo, protocol.GameInfoPayload{
		Settings: protocol.Settings{SheetIDs: []string{"animals"}, Difficulty: "hard"},
		Players:  hostPlayers(),
	})))

	info := waitForEvent[GameInfoReceived](t, cl.Events(), testTimeout)
	assert.Equal(t, "HOST01", info.HostID)
	assert.Equal(t, "hard", info.Settings.Difficulty)

	// Nothing is sent to the host until the human confirms.
	assert.Equal(t, ClientAwaitingConfirm, cl.View().State)

	cl.ConfirmJoin()
	join := waitForMessage(t, host.Events(), protocol.MsgRequestJoin, testTimeout)
	p, err := protocol.DecodeHello(join.Payload)
	require.NoError(t, err)
	assert.Equal(t, "daphne", p.Name)
	assert.Equal(t, ClientWaitingForStart, cl.View().State)
}

func TestClientReplicaIsReplacedNotMerged(t *testing.T) {
	net := transport.NewNetwork()
	host := fakeHost(t, net)
	cl := newTestClient(t, net, "CL0001", "daphne")
	connectAndJoin(t, cl, host)

	three := append(hostPlayers(),
		roster.PlayerRecord{PeerID: "CL0001", Name: "daphne", Connected: true},
		roster.PlayerRecord{PeerID: "CL0002", Name: "ghost", Connected: true})
	require.NoError(t, host.Send("CL0001",
		protocol.MustEnvelope(protocol.MsgPlayerList, protocol.PlayerListPayload{Players: three})))
	eventually(t, func() bool { return len(cl.View().Players) == 3 }, "replica grew")

	two := three[:2]
	require.NoError(t, host.Send("CL0001",
		protocol.MustEnvelope(protocol.MsgPlayerList, protocol.PlayerListPayload{Players: two})))
	eventually(t, func() bool { return len(cl.View().Players) == 2 }, "replica shrank")

	for _, rec := range cl.View().Players {
		assert.NotEqual(t, "CL0002", rec.PeerID, "removed player must not survive in the replica")
	}
}

func TestClientPlaysItsOwnSequence(t *testing.T) {
	net := transport.NewNetwork()
	host := fakeHost(t, net)
	cl := newTestClient(t, net, "CL0001", "daphne")
	connectAndJoin(t, cl, host)

	require.NoError(t, host.Send("CL0001", protocol.MustEnvelope(protocol.MsgGameStart, protocol.GameStartPayload{
		Settings: protocol.Settings{SheetIDs: []string{"animals"}},
		Sheets:   testSheets(),
	})))
	started := waitForEvent[GameStarted](t, cl.Events(), testTimeout)
	assert.Equal(t, 3, started.QuestionCount)

	// Two right, one wrong: each answer reports the running score and the
	// index it belongs to.
	cl.SubmitAnswer("kwak")
	first := waitForMessage(t, host.Events(), protocol.MsgScoreUpdate, testTimeout)
	p, err := protocol.DecodeScoreUpdate(first.Payload)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Score)
	assert.Equal(t, 0, p.QuestionIndex)

	cl.SubmitAnswer("oink")
	second := waitForMessage(t, host.Events(), protocol.MsgScoreUpdate, testTimeout)
	p, err = protocol.DecodeScoreUpdate(second.Payload)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Score)
	assert.Equal(t, 1, p.QuestionIndex)

	cl.SubmitAnswer("MEOW ")
	fin := waitForMessage(t, host.Events(), protocol.MsgClientFinished, testTimeout)
	f, err := protocol.DecodeFinished(fin.Payload)
	require.NoError(t, err)
	assert.Equal(t, 2, f.Score)
	assert.Equal(t, ClientWaitingForOthers, cl.View().State)
}

func TestClientGameOverIsIdempotent(t *testing.T) {
	net := transport.NewNetwork()
	host := fakeHost(t, net)
	cl := newTestClient(t, net, "CL0001", "daphne")
	connectAndJoin(t, cl, host)

	require.NoError(t, host.Send("CL0001", protocol.MustEnvelope(protocol.MsgGameStart, protocol.GameStartPayload{
		Settings: protocol.Settings{SheetIDs: []string{"animals"}},
		Sheets:   testSheets(),
	})))
	waitForEvent[GameStarted](t, cl.Events(), testTimeout)

	results := []protocol.Result{
		{Rank: 1, PeerID: "HOST01", Name: "quizmaster", Score: 3, IsHost: true},
		{Rank: 2, PeerID: "CL0001", Name: "daphne", Score: 1},
	}
	over := protocol.MustEnvelope(protocol.MsgGameOver, protocol.GameOverPayload{Results: results})
	require.NoError(t, host.Send("CL0001", over))
	require.NoError(t, host.Send("CL0001", over))

	waitForEvent[GameFinished](t, cl.Events(), testTimeout)
	eventually(t, func() bool { return cl.View().State == ClientFinished }, "finished")

	v := cl.View()
	assert.Equal(t, results, v.Results)
	assert.Zero(t, v.Violations)

	// The duplicate must not produce a second finish announcement.
	extra := 0
	deadline := time.After(100 * time.Millisecond)
drain:
	for {
		select {
		case ev, ok := <-cl.Events():
			if !ok {
				break drain
			}
			if _, isFinish := ev.(GameFinished); isFinish {
				extra++
			}
		case <-deadline:
			break drain
		}
	}
	assert.Zero(t, extra)
}

func TestClientAbortsWhenHostVanishesMidGame(t *testing.T) {
	net := transport.NewNetwork()
	host := fakeHost(t, net)
	cl := newTestClient(t, net, "CL0001", "daphne")
	connectAndJoin(t, cl, host)

	require.NoError(t, host.Close())

	ev := waitForEvent[ConnectionFailed](t, cl.Events(), testTimeout)
	assert.Equal(t, ReasonHostDisconnected, ev.Reason)
}

func TestClientShrugsOffHostLeavingAfterGameOver(t *testing.T) {
	net := transport.NewNetwork()
	host := fakeHost(t, net)
	cl := newTestClient(t, net, "CL0001", "daphne")
	connectAndJoin(t, cl, host)

	require.NoError(t, host.Send("CL0001", protocol.MustEnvelope(protocol.MsgGameOver, protocol.GameOverPayload{
		Results: []protocol.Result{{Rank: 1, PeerID: "HOST01", Name: "quizmaster", Score: 0, IsHost: true}},
	})))
	waitForEvent[GameFinished](t, cl.Events(), testTimeout)

	require.NoError(t, host.Close())

	// The session ended properly; losing the host afterwards is not an
	// error. The event stream just ends.
	for ev := range cl.Events() {
		_, failed := ev.(ConnectionFailed)
		assert.False(t, failed, "no failure after a proper game over")
	}
}

func TestClientIgnoresNonHostTraffic(t *testing.T) {
	net := transport.NewNetwork()
	host := fakeHost(t, net)
	cl := newTestClient(t, net, "CL0001", "daphne")
	connectAndJoin(t, cl, host)

	intruder := net.NewPort()
	require.NoError(t, intruder.Open("EVIL01"))
	require.NoError(t, intruder.ConnectTo(context.Background(), "CL0001"))
	require.NoError(t, intruder.Send("CL0001", protocol.MustEnvelope(protocol.MsgGameOver, protocol.GameOverPayload{
		Results: []protocol.Result{},
	})))

	eventually(t, func() bool { return cl.View().Violations == 1 }, "violation recorded")
	assert.Equal(t, ClientWaitingForStart, cl.View().State)
}

package session

import (
	"github.com/SchizoDuckie/unicornpoep-sub004/internal/protocol"
	"github.com/SchizoDuckie/unicornpoep-sub004/internal/roster"
)

// Event is a domain event emitted by a coordinator for the consuming UI.
// The set is closed: every event a coordinator can emit is enumerated here.
type Event interface{ isSessionEvent() }

// HostReady fires once the host port is open and the session is joinable
// under HostID.
type HostReady struct{ HostID string }

// ClientConnected and ClientDisconnected report lobby churn on the host.
type ClientConnected struct{ PeerID string }

type ClientDisconnected struct{ PeerID string }

// PlayerListUpdated carries the full roster snapshot after any change.
type PlayerListUpdated struct{ Players []roster.PlayerRecord }

// GameInfoReceived fires on the client when the host's session snapshot
// arrives, so the UI can ask the human to confirm before joining.
type GameInfoReceived struct {
	HostID   string
	Settings protocol.Settings
	Players  []roster.PlayerRecord
}

// GameStarted fires on both roles when the shared question set is resolved.
type GameStarted struct {
	Settings      protocol.Settings
	QuestionCount int
}

// AllPlayersAnswered fires on the host when every connected, unfinished
// player has reported a score for the host's current question. It paces the
// host UI only; nothing blocks on it.
type AllPlayersAnswered struct{ QuestionIndex int }

// HostWaiting fires when the host finished its own questions but connected
// peers are still playing.
type HostWaiting struct{}

// GameFinished carries the authoritative final ranking.
type GameFinished struct{ Results []protocol.Result }

// ConnectionFailed reports a fatal transport outcome with a short typed
// reason the UI can localize (see reason keys in errors.go).
type ConnectionFailed struct{ Reason string }

// ErrorOccurred reports a non-fatal failure, keyed for the UI.
type ErrorOccurred struct {
	Key    string
	Detail string
}

func (HostReady) isSessionEvent()          {}
func (ClientConnected) isSessionEvent()    {}
func (ClientDisconnected) isSessionEvent() {}
func (PlayerListUpdated) isSessionEvent()  {}
func (GameInfoReceived) isSessionEvent()   {}
func (GameStarted) isSessionEvent()        {}
func (AllPlayersAnswered) isSessionEvent() {}
func (HostWaiting) isSessionEvent()        {}
func (GameFinished) isSessionEvent()       {}
func (ConnectionFailed) isSessionEvent()   {}
func (ErrorOccurred) isSessionEvent()      {}

package session

import "errors"

var ErrNotInLobby = errors.New("game already started")
var ErrAlreadyStarted = errors.New("session already past lobby")
var ErrBadState = errors.New("operation not valid in current state")

// Reason keys surfaced in ConnectionFailed and ErrorOccurred events. The UI
// maps these to localized text; raw error strings never reach the user.
const (
	ReasonHostNotFound      = "host-not-found"
	ReasonConnectionFailed  = "connection-failed"
	ReasonHostDisconnected  = "host-disconnected"
	ReasonGameStarted       = "game-already-started"
	ReasonNoQuestions       = "no-questions"
	ReasonSendFailed        = "send-failed"
	ReasonProtocolViolation = "protocol-violation"
	ReasonPeerError         = "peer-error"
)

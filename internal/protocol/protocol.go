package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/SchizoDuckie/unicornpoep-sub004/internal/questions"
	"github.com/SchizoDuckie/unicornpoep-sub004/internal/roster"
)

var ErrMalformedPayload = errors.New("malformed payload")
var ErrUnknownType = errors.New("unknown message type")

type MessageType string

const (
	// Client -> Host
	MsgClientHello    MessageType = "client_hello"
	MsgRequestJoin    MessageType = "c_requestJoin"
	MsgUpdateName     MessageType = "c_updateName"
	MsgClientReady    MessageType = "client_ready"
	MsgPlayerLeft     MessageType = "player_left"
	MsgScoreUpdate    MessageType = "c_score_update"
	MsgClientFinished MessageType = "client_finished"

	// Host -> Client
	MsgGameInfo     MessageType = "game_info"
	MsgPlayerList   MessageType = "player_list_update"
	MsgGameStart    MessageType = "game_start"
	MsgScoresUpdate MessageType = "h_player_scores_update"
	MsgGameOver     MessageType = "game_over"

	// Either direction
	MsgError MessageType = "error"
	MsgKwek  MessageType = "kwek"  // liveness ping
	MsgKwaak MessageType = "kwaak" // liveness pong
)

// Long-form aliases some peers use on the wire for the same messages.
const (
	msgGameStartAlias MessageType = "h_start_multiplayer_game"
	msgGameOverAlias  MessageType = "h_command_game_over"
)

// Envelope is the unit sent through the transport. The sender's peer id is
// supplied by the transport out-of-band and is never part of the payload,
// so it cannot be spoofed by message content.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Canonical folds wire aliases onto a single message type so dispatch
// switches only ever see one spelling.
func (e Envelope) Canonical() MessageType {
	switch e.Type {
	case msgGameStartAlias:
		return MsgGameStart
	case msgGameOverAlias:
		return MsgGameOver
	default:
		return e.Type
	}
}

// NewEnvelope marshals payload into an envelope of the given type. A nil
// payload produces an empty-object payload so receivers can always decode.
func NewEnvelope(t MessageType, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: t, Payload: json.RawMessage(`{}`)}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Envelope{Type: t, Payload: raw}, nil
}

// MustEnvelope is NewEnvelope for payload types that cannot fail to marshal.
func MustEnvelope(t MessageType, payload any) Envelope {
	env, err := NewEnvelope(t, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Settings describes what the session will play: which question sheets, and
// any difficulty knob the host picked. Sent in game_info and game_start.
type Settings struct {
	SheetIDs   []string `json:"sheetIds"`
	Difficulty string   `json:"difficulty,omitempty"`
}

// HelloPayload announces a client before the formal join, and doubles as the
// join request body. An empty name is legal; the roster generates one.
type HelloPayload struct {
	Name string `json:"name"`
}

type GameInfoPayload struct {
	Settings Settings              `json:"settings"`
	Players  []roster.PlayerRecord `json:"players"`
}

type PlayerListPayload struct {
	Players []roster.PlayerRecord `json:"players"`
}

type GameStartPayload struct {
	Settings Settings          `json:"settings"`
	Sheets   []questions.Sheet `json:"questions"`
}

// ScoreUpdatePayload is a per-round progress report: the client's running
// score and the question index it just answered.
type ScoreUpdatePayload struct {
	Score         int `json:"score"`
	QuestionIndex int `json:"questionIndex"`
}

type FinishedPayload struct {
	Score int `json:"score"`
}

// Result is one row of the authoritative final ranking.
type Result struct {
	Rank   int    `json:"rank"`
	PeerID string `json:"peerId"`
	Name   string `json:"name"`
	Score  int    `json:"score"`
	IsHost bool   `json:"isHost"`
}

type GameOverPayload struct {
	Results []Result `json:"results"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// DecodeHello parses client_hello, c_requestJoin and c_updateName payloads.
func DecodeHello(raw json.RawMessage) (HelloPayload, error) {
	var p HelloPayload
	if err := decode(raw, &p); err != nil {
		return HelloPayload{}, err
	}
	return p, nil
}

func DecodeGameInfo(raw json.RawMessage) (GameInfoPayload, error) {
	var w struct {
		Settings *Settings             `json:"settings"`
		Players  []roster.PlayerRecord `json:"players"`
	}
	if err := decode(raw, &w); err != nil {
		return GameInfoPayload{}, err
	}
	if w.Settings == nil || w.Players == nil {
		return GameInfoPayload{}, fmt.Errorf("%w: game_info requires settings and players", ErrMalformedPayload)
	}
	return GameInfoPayload{Settings: *w.Settings, Players: w.Players}, nil
}

func DecodePlayerList(raw json.RawMessage) (PlayerListPayload, error) {
	var w struct {
		Players []roster.PlayerRecord `json:"players"`
	}
	if err := decode(raw, &w); err != nil {
		return PlayerListPayload{}, err
	}
	if w.Players == nil {
		return PlayerListPayload{}, fmt.Errorf("%w: player list requires players", ErrMalformedPayload)
	}
	return PlayerListPayload{Players: w.Players}, nil
}

func DecodeGameStart(raw json.RawMessage) (GameStartPayload, error) {
	var w struct {
		Settings *Settings         `json:"settings"`
		Sheets   []questions.Sheet `json:"questions"`
	}
	if err := decode(raw, &w); err != nil {
		return GameStartPayload{}, err
	}
	if w.Settings == nil || len(w.Sheets) == 0 {
		return GameStartPayload{}, fmt.Errorf("%w: game_start requires settings and questions", ErrMalformedPayload)
	}
	return GameStartPayload{Settings: *w.Settings, Sheets: w.Sheets}, nil
}

func DecodeScoreUpdate(raw json.RawMessage) (ScoreUpdatePayload, error) {
	var w struct {
		Score         *int `json:"score"`
		QuestionIndex *int `json:"questionIndex"`
	}
	if err := decode(raw, &w); err != nil {
		return ScoreUpdatePayload{}, err
	}
	if w.Score == nil || w.QuestionIndex == nil {
		return ScoreUpdatePayload{}, fmt.Errorf("%w: c_score_update requires score and questionIndex", ErrMalformedPayload)
	}
	if *w.Score < 0 || *w.QuestionIndex < 0 {
		return ScoreUpdatePayload{}, fmt.Errorf("%w: negative score or question index", ErrMalformedPayload)
	}
	return ScoreUpdatePayload{Score: *w.Score, QuestionIndex: *w.QuestionIndex}, nil
}

func DecodeFinished(raw json.RawMessage) (FinishedPayload, error) {
	var w struct {
		Score *int `json:"score"`
	}
	if err := decode(raw, &w); err != nil {
		return FinishedPayload{}, err
	}
	if w.Score == nil || *w.Score < 0 {
		return FinishedPayload{}, fmt.Errorf("%w: client_finished requires a non-negative score", ErrMalformedPayload)
	}
	return FinishedPayload{Score: *w.Score}, nil
}

func DecodeGameOver(raw json.RawMessage) (GameOverPayload, error) {
	var w struct {
		Results []Result `json:"results"`
	}
	if err := decode(raw, &w); err != nil {
		return GameOverPayload{}, err
	}
	if w.Results == nil {
		return GameOverPayload{}, fmt.Errorf("%w: game_over requires results", ErrMalformedPayload)
	}
	return GameOverPayload{Results: w.Results}, nil
}

func DecodeError(raw json.RawMessage) (ErrorPayload, error) {
	var p ErrorPayload
	if err := decode(raw, &p); err != nil {
		return ErrorPayload{}, err
	}
	if p.Message == "" {
		return ErrorPayload{}, fmt.Errorf("%w: error requires a message", ErrMalformedPayload)
	}
	return p, nil
}

func decode(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformedPayload)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}

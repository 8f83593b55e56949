package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SchizoDuckie/unicornpoep-sub004/internal/roster"
)

func TestCanonicalFoldsWireAliases(t *testing.T) {
	assert.Equal(t, MsgGameStart, Envelope{Type: "h_start_multiplayer_game"}.Canonical())
	assert.Equal(t, MsgGameOver, Envelope{Type: "h_command_game_over"}.Canonical())
	assert.Equal(t, MsgGameStart, Envelope{Type: MsgGameStart}.Canonical())
	assert.Equal(t, MsgKwek, Envelope{Type: MsgKwek}.Canonical())
}

func TestNewEnvelopeNilPayload(t *testing.T) {
	env, err := NewEnvelope(MsgKwek, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(env.Payload), "receivers can always decode the payload")
}

func TestDecodeScoreUpdate(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		want    ScoreUpdatePayload
		wantErr bool
	}{
		{name: "valid", raw: `{"score":2,"questionIndex":1}`, want: ScoreUpdatePayload{Score: 2, QuestionIndex: 1}},
		{name: "zero values are legal", raw: `{"score":0,"questionIndex":0}`},
		{name: "missing fields", raw: `{}`, wantErr: true},
		{name: "missing index", raw: `{"score":2}`, wantErr: true},
		{name: "negative score", raw: `{"score":-1,"questionIndex":0}`, wantErr: true},
		{name: "not json", raw: `kwak`, wantErr: true},
		{name: "empty", raw: ``, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeScoreUpdate(json.RawMessage(tc.raw))
			if tc.wantErr {
				require.ErrorIs(t, err, ErrMalformedPayload)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDecodeGameInfoRequiresSettingsAndPlayers(t *testing.T) {
	_, err := DecodeGameInfo(json.RawMessage(`{"players":[]}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = DecodeGameInfo(json.RawMessage(`{"settings":{"sheetIds":["a"]}}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)

	got, err := DecodeGameInfo(json.RawMessage(`{"settings":{"sheetIds":["a"]},"players":[{"peerId":"h","name":"q","isHost":true}]}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got.Settings.SheetIDs)
	require.Len(t, got.Players, 1)
	assert.True(t, got.Players[0].IsHost)
}

func TestDecodeGameStartRequiresQuestions(t *testing.T) {
	_, err := DecodeGameStart(json.RawMessage(`{"settings":{"sheetIds":["a"]}}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = DecodeGameStart(json.RawMessage(`{"settings":{"sheetIds":["a"]},"questions":[]}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)

	raw := `{"settings":{"sheetIds":["a"]},"questions":[{"id":"a","name":"A","questions":[{"question":"q?","answer":"a"}]}]}`
	got, err := DecodeGameStart(json.RawMessage(raw))
	require.NoError(t, err)
	require.Len(t, got.Sheets, 1)
	assert.Equal(t, "q?", got.Sheets[0].Questions[0].Text)
}

func TestDecodeFinished(t *testing.T) {
	_, err := DecodeFinished(json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = DecodeFinished(json.RawMessage(`{"score":-3}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)

	got, err := DecodeFinished(json.RawMessage(`{"score":0}`))
	require.NoError(t, err)
	assert.Zero(t, got.Score)
}

func TestDecodeGameOverRequiresResults(t *testing.T) {
	_, err := DecodeGameOver(json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)

	got, err := DecodeGameOver(json.RawMessage(`{"results":[{"rank":1,"peerId":"h","name":"q","score":3,"isHost":true}]}`))
	require.NoError(t, err)
	require.Len(t, got.Results, 1)
	assert.Equal(t, 1, got.Results[0].Rank)
}

func TestDecodeErrorRequiresMessage(t *testing.T) {
	_, err := DecodeError(json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)

	got, err := DecodeError(json.RawMessage(`{"message":"game already started"}`))
	require.NoError(t, err)
	assert.Equal(t, "game already started", got.Message)
}

func TestEnvelopeRoundTripKeepsPlayerRecords(t *testing.T) {
	env := MustEnvelope(MsgPlayerList, PlayerListPayload{Players: []roster.PlayerRecord{
		{PeerID: "h", Name: "quizmaster", Score: 2, IsHost: true, Connected: true},
	}})

	wire, err := json.Marshal(env)
	require.NoError(t, err)

	var back Envelope
	require.NoError(t, json.Unmarshal(wire, &back))
	got, err := DecodePlayerList(back.Payload)
	require.NoError(t, err)
	require.Len(t, got.Players, 1)
	assert.Equal(t, "quizmaster", got.Players[0].Name)
	assert.True(t, got.Players[0].Connected)
}

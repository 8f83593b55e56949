// Package session holds the two multiplayer coordinators: the authoritative
// host state machine and the subordinate client state machine. Each runs as
// a single goroutine that serializes transport events and local commands
// through one inbox, so roster and phase state never see concurrent writes.
package session

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/SchizoDuckie/unicornpoep-sub004/internal/protocol"
	"github.com/SchizoDuckie/unicornpoep-sub004/internal/questions"
	"github.com/SchizoDuckie/unicornpoep-sub004/internal/roster"
	"github.com/SchizoDuckie/unicornpoep-sub004/internal/transport"
)

type HostState string

const (
	HostLobby          HostState = "lobby"
	HostStarting       HostState = "starting"
	HostInProgress     HostState = "in_progress"
	HostAwaitingOthers HostState = "awaiting_others"
	HostFinished       HostState = "finished"
	HostAborted        HostState = "aborted"
)

const eventBuffer = 32

type hostMsg interface{ isHostMsg() }

type hostStart struct{}

type hostAnswer struct{ Answer string }

type hostRematch struct{ KeepScores bool }

type hostLeave struct{}

type hostGetView struct{ Reply chan HostView }

func (hostStart) isHostMsg()   {}
func (hostAnswer) isHostMsg()  {}
func (hostRematch) isHostMsg() {}
func (hostLeave) isHostMsg()   {}
func (hostGetView) isHostMsg() {}

// HostView is a race-free copy of coordinator state, for tests and UI polls.
type HostView struct {
	State           HostState
	Players         []roster.PlayerRecord
	QuestionIndex   int
	QuestionCount   int
	CurrentQuestion *questions.Question
	Violations      int
}

// HostConfig wires a host coordinator to its collaborators.
type HostConfig struct {
	SelfID   string
	Name     string
	Settings protocol.Settings
	Port     transport.Port
	Source   questions.Source
	Logger   *zap.Logger
}

// Host is the authoritative session coordinator. It owns the roster, drives
// phase transitions, aggregates scores and decides when the game is over.
type Host struct {
	inbox  chan hostMsg
	events chan Event
	done   chan struct{}

	port   transport.Port
	source questions.Source
	log    *zap.Logger

	selfID   string
	settings protocol.Settings
	state    HostState
	roster   *roster.Roster

	quiz          []questions.Question
	sheets        []questions.Sheet
	questionIndex int
	answered      map[string]bool // peers that reported a score for questionIndex
	allAnsweredAt int
	violations    int

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHost opens the port under cfg.SelfID and starts the coordinator loop.
// The session is joinable as soon as this returns.
func NewHost(parent context.Context, cfg HostConfig) (*Host, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	if err := cfg.Port.Open(cfg.SelfID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(parent)
	h := &Host{
		inbox:         make(chan hostMsg, 64),
		events:        make(chan Event, eventBuffer),
		done:          make(chan struct{}),
		port:          cfg.Port,
		source:        cfg.Source,
		log:           log.With(zap.String("role", "host"), zap.String("peer", cfg.SelfID)),
		selfID:        cfg.SelfID,
		settings:      cfg.Settings,
		state:         HostLobby,
		roster:        roster.New(),
		answered:      make(map[string]bool),
		allAnsweredAt: -1,
		ctx:           ctx,
		cancel:        cancel,
	}
	h.roster.Upsert(cfg.SelfID, cfg.Name, true)

	h.emit(HostReady{HostID: cfg.SelfID})
	go h.loop()
	return h, nil
}

func (h *Host) Events() <-chan Event { return h.events }

// Start freezes the lobby, resolves the question sheets and begins the game.
// Starting with zero connected clients is allowed.
func (h *Host) Start() { h.post(hostStart{}) }

// SubmitAnswer advances the host's own quiz by one question.
func (h *Host) SubmitAnswer(answer string) { h.post(hostAnswer{Answer: answer}) }

// Rematch returns a finished session to the lobby on the same connections.
// Whether scores carry over is the caller's policy, not the coordinator's.
func (h *Host) Rematch(keepScores bool) { h.post(hostRematch{KeepScores: keepScores}) }

// Leave tears the session down. Calling it twice is a no-op.
func (h *Host) Leave() { h.post(hostLeave{}) }

// View reflects coordinator state without data races.
func (h *Host) View() HostView {
	reply := make(chan HostView, 1)
	select {
	case h.inbox <- hostGetView{Reply: reply}:
		select {
		case v := <-reply:
			return v
		case <-h.done:
		}
	case <-h.done:
	}
	return HostView{State: HostAborted}
}

func (h *Host) post(m hostMsg) {
	select {
	case h.inbox <- m:
	case <-h.done:
	}
}

func (h *Host) loop() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.teardown(HostAborted)
			return

		case ev, ok := <-h.port.Events():
			if !ok {
				// Our own transport died underneath us; nothing to salvage.
				h.teardown(HostAborted)
				return
			}
			h.handleTransport(ev)

		case m := <-h.inbox:
			switch msg := m.(type) {
			case hostStart:
				h.handleStart()
			case hostAnswer:
				h.handleOwnAnswer(msg.Answer)
			case hostRematch:
				h.handleRematch(msg.KeepScores)
			case hostGetView:
				msg.Reply <- h.view()
			case hostLeave:
				h.teardown(HostAborted)
				return
			}
		}
	}
}

func (h *Host) teardown(final HostState) {
	if h.state != HostFinished {
		h.state = final
	}
	_ = h.port.Close()
	h.cancel()
	close(h.events)
}

func (h *Host) view() HostView {
	v := HostView{
		State:         h.state,
		Players:       h.roster.Snapshot(),
		QuestionIndex: h.questionIndex,
		QuestionCount: len(h.quiz),
		Violations:    h.violations,
	}
	if h.questionIndex < len(h.quiz) {
		q := h.quiz[h.questionIndex]
		v.CurrentQuestion = &q
	}
	return v
}

func (h *Host) handleTransport(ev transport.Event) {
	switch e := ev.(type) {
	case transport.PeerConnected:
		h.handlePeerConnected(e.PeerID)
	case transport.PeerDisconnected:
		h.handlePeerDisconnected(e.PeerID)
	case transport.MessageReceived:
		h.handleEnvelope(e.From, e.Envelope)
	}
}

func (h *Host) handlePeerConnected(peerID string) {
	if h.state != HostLobby {
		h.sendError(peerID, "game already started")
		return
	}

	h.log.Info("peer connected", zap.String("from", peerID))
	h.emit(ClientConnected{PeerID: peerID})

	// Initial session snapshot so the newcomer can decide whether to join.
	info := protocol.GameInfoPayload{Settings: h.settings, Players: h.roster.Snapshot()}
	if err := h.port.Send(peerID, protocol.MustEnvelope(protocol.MsgGameInfo, info)); err != nil {
		h.log.Warn("game_info send failed", zap.String("to", peerID), zap.Error(err))
		h.emit(ErrorOccurred{Key: ReasonSendFailed, Detail: peerID})
	}
}

func (h *Host) handlePeerDisconnected(peerID string) {
	if _, ok := h.roster.Get(peerID); !ok {
		return
	}
	h.log.Info("peer disconnected", zap.String("from", peerID), zap.String("state", string(h.state)))

	switch h.state {
	case HostLobby, HostStarting:
		h.roster.Remove(peerID)
	default:
		// Mid-game the record stays so final results can still show the
		// player; it just stops blocking the finish condition.
		h.roster.SetConnected(peerID, false)
	}
	delete(h.answered, peerID)

	h.emit(ClientDisconnected{PeerID: peerID})
	h.broadcastRoster()
	h.checkAllAnswered()
	h.checkAllFinished()
}

func (h *Host) handleEnvelope(from string, env protocol.Envelope) {
	switch env.Canonical() {
	case protocol.MsgClientHello, protocol.MsgRequestJoin:
		if h.state != HostLobby {
			h.sendError(from, ErrNotInLobby.Error())
			return
		}
		p, err := protocol.DecodeHello(env.Payload)
		if err != nil {
			h.violation(from, env, err)
			return
		}
		h.roster.Upsert(from, p.Name, false)
		h.broadcastRoster()

	case protocol.MsgUpdateName:
		if h.state != HostLobby {
			h.violation(from, env, ErrNotInLobby)
			return
		}
		p, err := protocol.DecodeHello(env.Payload)
		if err != nil {
			h.violation(from, env, err)
			return
		}
		h.roster.SetName(from, p.Name)
		h.broadcastRoster()

	case protocol.MsgClientReady:
		// Readiness is informational; the game starts on an explicit host
		// action, never automatically.
		h.log.Info("client ready", zap.String("from", from))

	case protocol.MsgPlayerLeft:
		if h.roster.Remove(from) {
			h.emit(ClientDisconnected{PeerID: from})
			delete(h.answered, from)
			h.broadcastRoster()
			h.checkAllAnswered()
			h.checkAllFinished()
		}

	case protocol.MsgScoreUpdate:
		if h.state != HostInProgress && h.state != HostAwaitingOthers {
			h.violation(from, env, ErrBadState)
			return
		}
		p, err := protocol.DecodeScoreUpdate(env.Payload)
		if err != nil {
			h.violation(from, env, err)
			return
		}
		if _, ok := h.roster.Get(from); !ok {
			h.violation(from, env, transport.ErrUnknownPeer)
			return
		}
		h.roster.SetScore(from, p.Score)
		if p.QuestionIndex == h.questionIndex {
			h.answered[from] = true
		}
		h.broadcastScores()
		h.checkAllAnswered()

	case protocol.MsgClientFinished:
		if h.state != HostInProgress && h.state != HostAwaitingOthers {
			h.violation(from, env, ErrBadState)
			return
		}
		p, err := protocol.DecodeFinished(env.Payload)
		if err != nil {
			h.violation(from, env, err)
			return
		}
		if _, ok := h.roster.Get(from); !ok {
			h.violation(from, env, transport.ErrUnknownPeer)
			return
		}
		h.roster.MarkFinished(from, p.Score)
		h.broadcastScores()
		h.checkAllAnswered()
		h.checkAllFinished()

	case protocol.MsgKwek:
		h.reply(from, protocol.MsgKwaak)

	case protocol.MsgKwaak:
		h.log.Debug("kwaak", zap.String("from", from))

	case protocol.MsgError:
		p, err := protocol.DecodeError(env.Payload)
		if err != nil {
			h.violation(from, env, err)
			return
		}
		h.emit(ErrorOccurred{Key: ReasonPeerError, Detail: p.Message})

	default:
		h.violation(from, env, protocol.ErrUnknownType)
	}
}

func (h *Host) handleStart() {
	if h.state != HostLobby {
		h.log.Warn("start ignored", zap.String("state", string(h.state)))
		return
	}
	h.state = HostStarting

	catalog, err := h.source.GetQuestionsForSheets(h.settings.SheetIDs)
	if err != nil {
		// DataFailure is fatal to starting but leaves the lobby intact.
		h.log.Error("question resolution failed", zap.Error(err))
		h.emit(ErrorOccurred{Key: ReasonNoQuestions, Detail: err.Error()})
		h.state = HostLobby
		return
	}

	h.quiz = catalog.Flatten()
	h.sheets = catalog.Sheets
	h.questionIndex = 0
	h.answered = make(map[string]bool)
	h.allAnsweredAt = -1

	start := protocol.GameStartPayload{Settings: h.settings, Sheets: h.sheets}
	if err := h.port.Broadcast(protocol.MustEnvelope(protocol.MsgGameStart, start)); err != nil {
		h.log.Warn("game_start broadcast failed", zap.Error(err))
		h.emit(ErrorOccurred{Key: ReasonSendFailed})
	}

	h.state = HostInProgress
	h.log.Info("game started", zap.Int("questions", len(h.quiz)), zap.Int("players", h.roster.Len()))
	h.emit(GameStarted{Settings: h.settings, QuestionCount: len(h.quiz)})
}

func (h *Host) handleOwnAnswer(answer string) {
	if h.state != HostInProgress || h.questionIndex >= len(h.quiz) {
		return
	}

	if answersMatch(h.quiz[h.questionIndex].Answer, answer) {
		if rec, ok := h.roster.Get(h.selfID); ok {
			h.roster.SetScore(h.selfID, rec.Score+1)
		}
	}

	// Advancing moves the shared round index, which resets the soft
	// "all answered" gate for the new question.
	h.questionIndex++
	h.answered = make(map[string]bool)
	h.broadcastScores()

	if h.questionIndex >= len(h.quiz) {
		rec, _ := h.roster.Get(h.selfID)
		h.roster.MarkFinished(h.selfID, rec.Score)
		if !h.checkAllFinished() {
			h.state = HostAwaitingOthers
			h.emit(HostWaiting{})
		}
	}
}

func (h *Host) handleRematch(keepScores bool) {
	if h.state != HostFinished {
		h.log.Warn("rematch ignored", zap.String("state", string(h.state)))
		return
	}

	h.roster.ResetForRematch(keepScores)
	h.quiz = nil
	h.sheets = nil
	h.questionIndex = 0
	h.answered = make(map[string]bool)
	h.allAnsweredAt = -1
	h.state = HostLobby

	h.log.Info("rematch, back to lobby", zap.Int("players", h.roster.Len()))
	h.broadcastRoster()
}

// checkAllAnswered drives host-side pacing only: it fires when every
// connected, unfinished client has reported a score for the host's current
// question. Clients never wait on it.
func (h *Host) checkAllAnswered() {
	if h.state != HostInProgress || h.allAnsweredAt == h.questionIndex {
		return
	}

	eligible := 0
	for _, rec := range h.roster.Snapshot() {
		if rec.IsHost || !rec.Connected || rec.IsFinished {
			continue
		}
		if !h.answered[rec.PeerID] {
			return
		}
		eligible++
	}
	if eligible == 0 {
		return
	}

	h.allAnsweredAt = h.questionIndex
	h.emit(AllPlayersAnswered{QuestionIndex: h.questionIndex})
}

// checkAllFinished transitions to Finished when no connected player is
// still mid-quiz. Disconnected players never block it.
func (h *Host) checkAllFinished() bool {
	if h.state != HostInProgress && h.state != HostAwaitingOthers {
		return false
	}
	if !h.roster.AllConnectedFinished() {
		return false
	}

	h.state = HostFinished
	results := h.rankResults()
	over := protocol.GameOverPayload{Results: results}
	if err := h.port.Broadcast(protocol.MustEnvelope(protocol.MsgGameOver, over)); err != nil {
		h.log.Warn("game_over broadcast failed", zap.Error(err))
		h.emit(ErrorOccurred{Key: ReasonSendFailed})
	}
	h.log.Info("game finished", zap.Int("players", len(results)))
	h.emit(GameFinished{Results: results})
	return true
}

func (h *Host) rankResults() []protocol.Result {
	ranked := h.roster.Rank()
	results := make([]protocol.Result, 0, len(ranked))
	for i, rec := range ranked {
		results = append(results, protocol.Result{
			Rank:   i + 1,
			PeerID: rec.PeerID,
			Name:   rec.Name,
			Score:  rec.Score,
			IsHost: rec.IsHost,
		})
	}
	return results
}

func (h *Host) broadcastRoster() {
	players := h.roster.Snapshot()
	env := protocol.MustEnvelope(protocol.MsgPlayerList, protocol.PlayerListPayload{Players: players})
	if err := h.port.Broadcast(env); err != nil {
		h.log.Warn("player_list_update broadcast failed", zap.Error(err))
		h.emit(ErrorOccurred{Key: ReasonSendFailed})
	}
	h.emit(PlayerListUpdated{Players: players})
}

func (h *Host) broadcastScores() {
	players := h.roster.Snapshot()
	env := protocol.MustEnvelope(protocol.MsgScoresUpdate, protocol.PlayerListPayload{Players: players})
	if err := h.port.Broadcast(env); err != nil {
		h.log.Warn("score broadcast failed", zap.Error(err))
		h.emit(ErrorOccurred{Key: ReasonSendFailed})
	}
	h.emit(PlayerListUpdated{Players: players})
}

func (h *Host) sendError(peerID, message string) {
	env := protocol.MustEnvelope(protocol.MsgError, protocol.ErrorPayload{Message: message})
	if err := h.port.Send(peerID, env); err != nil {
		h.log.Warn("error reply failed", zap.String("to", peerID), zap.Error(err))
	}
}

func (h *Host) reply(peerID string, t protocol.MessageType) {
	if err := h.port.Send(peerID, protocol.MustEnvelope(t, nil)); err != nil {
		h.log.Debug("reply failed", zap.String("to", peerID), zap.Error(err))
	}
}

// violation records a malformed or state-inappropriate envelope. It never
// propagates: the coordinator logs, counts and keeps its current state.
func (h *Host) violation(from string, env protocol.Envelope, err error) {
	h.violations++
	h.log.Warn("protocol violation",
		zap.String("from", from),
		zap.String("type", string(env.Type)),
		zap.Error(err))
}

func (h *Host) emit(ev Event) {
	select {
	case h.events <- ev:
	default:
		h.log.Warn("session event dropped, consumer too slow")
	}
}

func answersMatch(expected, got string) bool {
	return strings.EqualFold(strings.TrimSpace(expected), strings.TrimSpace(got))
}

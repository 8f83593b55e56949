package session

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/SchizoDuckie/unicornpoep-sub004/internal/protocol"
	"github.com/SchizoDuckie/unicornpoep-sub004/internal/questions"
	"github.com/SchizoDuckie/unicornpoep-sub004/internal/roster"
	"github.com/SchizoDuckie/unicornpoep-sub004/internal/transport"
)

type ClientState string

const (
	ClientIdle             ClientState = "idle"
	ClientConnecting       ClientState = "connecting"
	ClientAwaitingGameInfo ClientState = "awaiting_game_info"
	ClientAwaitingConfirm  ClientState = "awaiting_confirm"
	ClientWaitingForStart  ClientState = "waiting_for_start"
	ClientInGame           ClientState = "in_game"
	ClientWaitingForOthers ClientState = "waiting_for_others"
	ClientFinished         ClientState = "finished"
	ClientAborted          ClientState = "aborted"
)

type clientMsg interface{ isClientMsg() }

type clientConnect struct {
	HostID string
	Ctx    context.Context
}

type clientConfirmJoin struct{}

type clientUpdateName struct{ Name string }

type clientReady struct{}

type clientAnswer struct{ Answer string }

type clientLeave struct{}

type clientGetView struct{ Reply chan ClientView }

func (clientConnect) isClientMsg()     {}
func (clientConfirmJoin) isClientMsg() {}
func (clientUpdateName) isClientMsg()  {}
func (clientReady) isClientMsg()       {}
func (clientAnswer) isClientMsg()      {}
func (clientLeave) isClientMsg()       {}
func (clientGetView) isClientMsg()     {}

// ClientView is a race-free copy of coordinator state.
type ClientView struct {
	State           ClientState
	Players         []roster.PlayerRecord
	Score           int
	QuestionIndex   int
	QuestionCount   int
	CurrentQuestion *questions.Question
	Results         []protocol.Result
	Violations      int
}

// ClientConfig wires a client coordinator to its collaborators.
type ClientConfig struct {
	SelfID string
	Name   string
	Port   transport.Port
	Logger *zap.Logger
}

// Client is the subordinate session coordinator. It sends intents to the
// host, keeps a replica of the roster, advances its own question sequence
// and treats every host broadcast as truth.
type Client struct {
	inbox  chan clientMsg
	events chan Event
	done   chan struct{}

	port transport.Port
	log  *zap.Logger

	selfID string
	name   string
	hostID string
	state  ClientState

	replica  *roster.Roster
	settings protocol.Settings
	quiz     []questions.Question

	questionIndex int
	score         int
	results       []protocol.Result
	gameOverSeen  bool
	violations    int

	ctx    context.Context
	cancel context.CancelFunc
}

// NewClient opens the port under cfg.SelfID and starts the coordinator
// loop in the Idle state; call Connect to dial a host.
func NewClient(parent context.Context, cfg ClientConfig) (*Client, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	if err := cfg.Port.Open(cfg.SelfID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(parent)
	c := &Client{
		inbox:   make(chan clientMsg, 64),
		events:  make(chan Event, eventBuffer),
		done:    make(chan struct{}),
		port:    cfg.Port,
		log:     log.With(zap.String("role", "client"), zap.String("peer", cfg.SelfID)),
		selfID:  cfg.SelfID,
		name:    cfg.Name,
		state:   ClientIdle,
		replica: roster.New(),
		ctx:     ctx,
		cancel:  cancel,
	}

	go c.loop()
	return c, nil
}

func (c *Client) Events() <-chan Event { return c.events }

// Connect dials the host identified by a 6-character session code. One
// attempt: it resolves or fails, retries are the user's call.
func (c *Client) Connect(ctx context.Context, hostID string) {
	c.post(clientConnect{HostID: hostID, Ctx: ctx})
}

// ConfirmJoin commits the join after the human has seen the game info.
func (c *Client) ConfirmJoin() { c.post(clientConfirmJoin{}) }

// UpdateName pushes a lobby name change to the host.
func (c *Client) UpdateName(name string) { c.post(clientUpdateName{Name: name}) }

// Ready signals readiness; the host treats it as informational only.
func (c *Client) Ready() { c.post(clientReady{}) }

// SubmitAnswer answers the client's current question and reports progress
// to the host. The client never waits for other players between questions.
func (c *Client) SubmitAnswer(answer string) { c.post(clientAnswer{Answer: answer}) }

// Leave notifies the host and tears the session down. Idempotent.
func (c *Client) Leave() { c.post(clientLeave{}) }

// View reflects coordinator state without data races.
func (c *Client) View() ClientView {
	reply := make(chan ClientView, 1)
	select {
	case c.inbox <- clientGetView{Reply: reply}:
		select {
		case v := <-reply:
			return v
		case <-c.done:
		}
	case <-c.done:
	}
	return ClientView{State: ClientAborted}
}

func (c *Client) post(m clientMsg) {
	select {
	case c.inbox <- m:
	case <-c.done:
	}
}

func (c *Client) loop() {
	defer close(c.done)

	for {
		select {
		case <-c.ctx.Done():
			c.teardown(false)
			return

		case ev, ok := <-c.port.Events():
			if !ok {
				if c.state != ClientFinished {
					c.state = ClientAborted
					c.emit(ConnectionFailed{Reason: ReasonConnectionFailed})
				}
				c.teardown(false)
				return
			}
			if c.handleTransport(ev) {
				return
			}

		case m := <-c.inbox:
			switch msg := m.(type) {
			case clientConnect:
				c.handleConnect(msg.Ctx, msg.HostID)
			case clientConfirmJoin:
				c.handleConfirmJoin()
			case clientUpdateName:
				c.handleUpdateName(msg.Name)
			case clientReady:
				c.handleReady()
			case clientAnswer:
				c.handleAnswer(msg.Answer)
			case clientGetView:
				msg.Reply <- c.view()
			case clientLeave:
				c.teardown(true)
				return
			}
		}
	}
}

// teardown stops all protocol traffic and releases the transport. The
// player_left notice is best effort; the host also learns via disconnect.
func (c *Client) teardown(notifyHost bool) {
	if notifyHost && c.hostID != "" {
		_ = c.port.Send(c.hostID, protocol.MustEnvelope(protocol.MsgPlayerLeft, nil))
	}
	if c.state != ClientFinished {
		c.state = ClientAborted
	}
	_ = c.port.Close()
	c.cancel()
	close(c.events)
}

func (c *Client) view() ClientView {
	v := ClientView{
		State:         c.state,
		Players:       c.replica.Snapshot(),
		Score:         c.score,
		QuestionIndex: c.questionIndex,
		QuestionCount: len(c.quiz),
		Results:       c.results,
		Violations:    c.violations,
	}
	if c.state == ClientInGame && c.questionIndex < len(c.quiz) {
		q := c.quiz[c.questionIndex]
		v.CurrentQuestion = &q
	}
	return v
}

func (c *Client) handleConnect(ctx context.Context, hostID string) {
	if c.state != ClientIdle {
		c.log.Warn("connect ignored", zap.String("state", string(c.state)))
		return
	}
	if ctx == nil {
		ctx = c.ctx
	}
	c.state = ClientConnecting

	// The one suspension point in this state machine: a single dial that
	// either resolves or fails.
	if err := c.port.ConnectTo(ctx, hostID); err != nil {
		reason := ReasonConnectionFailed
		if errors.Is(err, transport.ErrUnknownPeer) {
			reason = ReasonHostNotFound
		}
		c.log.Warn("connect failed", zap.String("host", hostID), zap.Error(err))
		c.state = ClientAborted
		c.emit(ConnectionFailed{Reason: reason})
		return
	}

	c.hostID = hostID
	c.state = ClientAwaitingGameInfo
	c.log.Info("connected to host", zap.String("host", hostID))
}

func (c *Client) handleConfirmJoin() {
	if c.state != ClientAwaitingConfirm {
		c.log.Warn("confirm ignored", zap.String("state", string(c.state)))
		return
	}
	c.sendToHost(protocol.MustEnvelope(protocol.MsgRequestJoin, protocol.HelloPayload{Name: c.name}))
	c.state = ClientWaitingForStart
}

func (c *Client) handleUpdateName(name string) {
	c.name = name
	if c.state == ClientWaitingForStart {
		c.sendToHost(protocol.MustEnvelope(protocol.MsgUpdateName, protocol.HelloPayload{Name: name}))
	}
}

func (c *Client) handleReady() {
	if c.state != ClientWaitingForStart {
		return
	}
	c.sendToHost(protocol.MustEnvelope(protocol.MsgClientReady, nil))
}

func (c *Client) handleAnswer(answer string) {
	if c.state != ClientInGame || c.questionIndex >= len(c.quiz) {
		return
	}

	answered := c.questionIndex
	if answersMatch(c.quiz[answered].Answer, answer) {
		c.score++
	}
	c.questionIndex++

	c.sendToHost(protocol.MustEnvelope(protocol.MsgScoreUpdate, protocol.ScoreUpdatePayload{
		Score:         c.score,
		QuestionIndex: answered,
	}))

	if c.questionIndex >= len(c.quiz) {
		c.sendToHost(protocol.MustEnvelope(protocol.MsgClientFinished, protocol.FinishedPayload{Score: c.score}))
		if c.gameOverSeen {
			c.state = ClientFinished
		} else {
			c.state = ClientWaitingForOthers
		}
	}
}

// handleTransport returns true when the loop must exit.
func (c *Client) handleTransport(ev transport.Event) bool {
	switch e := ev.(type) {
	case transport.PeerConnected:
		// Connection outcomes are handled synchronously in handleConnect.

	case transport.PeerDisconnected:
		if e.PeerID != c.hostID {
			return false
		}
		if c.gameOverSeen {
			// The game properly ended; the host going away afterwards is
			// not an error.
			c.teardown(false)
			return true
		}
		c.log.Warn("host disconnected", zap.String("host", e.PeerID))
		c.state = ClientAborted
		c.emit(ConnectionFailed{Reason: ReasonHostDisconnected})
		c.teardown(false)
		return true

	case transport.MessageReceived:
		c.handleEnvelope(e.From, e.Envelope)
	}
	return false
}

func (c *Client) handleEnvelope(from string, env protocol.Envelope) {
	if from != c.hostID {
		c.violation(from, env, errors.New("message from non-host peer"))
		return
	}

	switch env.Canonical() {
	case protocol.MsgGameInfo:
		if c.state != ClientAwaitingGameInfo {
			c.violation(from, env, ErrBadState)
			return
		}
		p, err := protocol.DecodeGameInfo(env.Payload)
		if err != nil {
			c.violation(from, env, err)
			return
		}
		c.settings = p.Settings
		c.replica.ReplaceAll(p.Players)
		c.state = ClientAwaitingConfirm
		c.emit(GameInfoReceived{HostID: c.hostID, Settings: p.Settings, Players: p.Players})

	case protocol.MsgPlayerList, protocol.MsgScoresUpdate:
		p, err := protocol.DecodePlayerList(env.Payload)
		if err != nil {
			c.violation(from, env, err)
			return
		}
		// Replace, never merge: the host copy is the only truth.
		c.replica.ReplaceAll(p.Players)
		c.emit(PlayerListUpdated{Players: p.Players})

	case protocol.MsgGameStart:
		switch c.state {
		case ClientWaitingForStart:
		case ClientWaitingForOthers, ClientFinished:
			// A start after the previous game ended is the host's rematch;
			// the connection carries straight into the next game.
		default:
			c.violation(from, env, ErrBadState)
			return
		}
		p, err := protocol.DecodeGameStart(env.Payload)
		if err != nil {
			c.violation(from, env, err)
			return
		}
		catalog := questions.Catalog{Sheets: p.Sheets}
		c.settings = p.Settings
		c.quiz = catalog.Flatten()
		c.questionIndex = 0
		c.score = 0
		c.gameOverSeen = false
		c.results = nil
		c.state = ClientInGame
		c.log.Info("game started", zap.Int("questions", len(c.quiz)))
		c.emit(GameStarted{Settings: p.Settings, QuestionCount: len(c.quiz)})

	case protocol.MsgGameOver:
		if c.gameOverSeen {
			// Duplicate game_over broadcasts must not change anything.
			return
		}
		p, err := protocol.DecodeGameOver(env.Payload)
		if err != nil {
			c.violation(from, env, err)
			return
		}
		// The host's ranking is authoritative; nothing is recomputed here.
		c.gameOverSeen = true
		c.results = p.Results
		c.state = ClientFinished
		c.emit(GameFinished{Results: p.Results})

	case protocol.MsgError:
		p, err := protocol.DecodeError(env.Payload)
		if err != nil {
			c.violation(from, env, err)
			return
		}
		c.log.Warn("host error", zap.String("message", p.Message))
		c.emit(ErrorOccurred{Key: ReasonPeerError, Detail: p.Message})

	case protocol.MsgKwek:
		c.sendToHost(protocol.MustEnvelope(protocol.MsgKwaak, nil))

	case protocol.MsgKwaak:
		c.log.Debug("kwaak", zap.String("from", from))

	default:
		c.violation(from, env, protocol.ErrUnknownType)
	}
}

func (c *Client) sendToHost(env protocol.Envelope) {
	if c.hostID == "" {
		return
	}
	if err := c.port.Send(c.hostID, env); err != nil {
		c.log.Warn("send to host failed", zap.String("type", string(env.Type)), zap.Error(err))
		c.emit(ErrorOccurred{Key: ReasonSendFailed, Detail: string(env.Type)})
	}
}

func (c *Client) violation(from string, env protocol.Envelope, err error) {
	c.violations++
	c.log.Warn("protocol violation",
		zap.String("from", from),
		zap.String("type", string(env.Type)),
		zap.Error(err))
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn("session event dropped, consumer too slow")
	}
}

// Package game implements the Tic-Tac-Toe state machine of spec §4.10: one
// session per GAME_ID, local deterministic win/draw detection ported from
// original_source's models/game.py, and MOVE_NO-ordered resync when a move
// arrives out of sequence.
package game

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lsnp/lsnp/internal/ids"
	"github.com/lsnp/lsnp/internal/logger"
	"github.com/lsnp/lsnp/internal/lsnperr"
	"github.com/lsnp/lsnp/internal/registry"
	"github.com/lsnp/lsnp/internal/router"
	"github.com/lsnp/lsnp/internal/token"
	"github.com/lsnp/lsnp/internal/transport"
	"github.com/lsnp/lsnp/internal/uiadapter"
	"github.com/lsnp/lsnp/internal/wire"
)

// Symbol is a board mark.
type Symbol string

const (
	SymbolNone Symbol = ""
	SymbolX    Symbol = "X"
	SymbolO    Symbol = "O"
)

func other(s Symbol) Symbol {
	if s == SymbolX {
		return SymbolO
	}
	return SymbolX
}

// State is a game's position in the spec §4.10 state diagram.
type State string

const (
	StateInvited   State = "invited"
	StateActive    State = "active"
	StateWon       State = "won"
	StateDrawn     State = "drawn"
	StateCancelled State = "cancelled"
	StateAbandoned State = "abandoned"
)

// Outcome records why a finished game ended.
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeWon       Outcome = "won"
	OutcomeDrawn     Outcome = "drawn"
	OutcomeDeclined  Outcome = "declined"
	OutcomeForfeit   Outcome = "forfeit"
	OutcomeResigned  Outcome = "resigned"
	OutcomeAbandoned Outcome = "abandoned"
)

// move is one accepted board placement, kept for resync replay.
type move struct {
	MoveNo   int
	Position int
	Player   Symbol
}

// Game is a snapshot of one session's public state.
type Game struct {
	GameID         string
	Opponent       string
	SelfSymbol     Symbol
	OpponentSymbol Symbol
	Board          [9]Symbol
	MoveNo         int
	LastMover      Symbol
	Winner         Symbol
	State          State
	Outcome        Outcome
}

var winCombos = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8},
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8},
	{0, 4, 8}, {2, 4, 6},
}

func checkWinner(board [9]Symbol) Symbol {
	for _, c := range winCombos {
		a, b, cc := board[c[0]], board[c[1]], board[c[2]]
		if a != SymbolNone && a == b && b == cc {
			return a
		}
	}
	return SymbolNone
}

func isDraw(board [9]Symbol) bool {
	for _, s := range board {
		if s == SymbolNone {
			return false
		}
	}
	return checkWinner(board) == SymbolNone
}

func serializeBoard(board [9]Symbol) string {
	var b strings.Builder
	for _, s := range board {
		if s == SymbolNone {
			b.WriteByte('-')
		} else {
			b.WriteString(string(s))
		}
	}
	return b.String()
}

func deserializeBoard(s string) [9]Symbol {
	var board [9]Symbol
	for i := 0; i < 9 && i < len(s); i++ {
		switch s[i] {
		case 'X':
			board[i] = SymbolX
		case 'O':
			board[i] = SymbolO
		}
	}
	return board
}

// session is the mutable state behind a Game, reached only through the
// Service's handler/API methods.
type session struct {
	mu          sync.Mutex
	g           Game
	self        string
	dest        *net.UDPAddr
	moves       []move
	inviteTimer *time.Timer
}

// Service owns every known game session for the local identity.
type Service struct {
	selfUserID     string
	peerPort       int
	reg            *registry.Registry
	tr             *transport.Transport
	bus            *uiadapter.Bus
	tokenTTL       time.Duration
	staleThreshold time.Duration
	log            *logger.Logger

	mu    sync.Mutex
	games map[string]*session
}

// New creates a game service. peerPort is the well-known LSNP port every
// peer listens on (spec §6.3); staleThreshold feeds the abandonment check
// (spec §4.10: inactive > 2x STALE_THRESHOLD during an active game).
func New(selfUserID string, peerPort int, reg *registry.Registry, tr *transport.Transport, bus *uiadapter.Bus, tokenTTL, staleThreshold time.Duration) *Service {
	return &Service{
		selfUserID:     selfUserID,
		peerPort:       peerPort,
		reg:            reg,
		tr:             tr,
		bus:            bus,
		tokenTTL:       tokenTTL,
		staleThreshold: staleThreshold,
		log:            logger.New("game"),
		games:          make(map[string]*session),
	}
}

// RegisterHandlers installs the six game frame types. Every handler here
// echoes its own low-level transport ACK via ackDelivery; inbound ACK frames
// themselves are still routed through messaging.Service's generic ACK
// registration (this service never registers wire.TypeAck), so callers must
// wire messaging alongside game for invite/move delivery results to resolve.
func (s *Service) RegisterHandlers(r *router.Router) {
	r.Register(wire.TypeGameInvite, s.handleInvite)
	r.Register(wire.TypeGameInviteAck, s.handleInviteAck)
	r.Register(wire.TypeGameMove, s.handleMove)
	r.Register(wire.TypeGameResult, s.handleResult)
	r.Register(wire.TypeGameResign, s.handleResign)
	r.Register(wire.TypeGameResync, s.handleResync)
}

func (s *Service) mintToken() string {
	return token.Mint(s.selfUserID, token.ScopeGame, s.tokenTTL, time.Now())
}

func (s *Service) resolveAddr(userID string) *net.UDPAddr {
	_, ip, ok := strings.Cut(userID, "@")
	if !ok {
		return nil
	}
	return &net.UDPAddr{IP: net.ParseIP(ip), Port: s.peerPort}
}

// ackDelivery replies to a reliably-sent frame with the low-level transport
// ACK its sender is blocked waiting on. Distinct from the higher-level
// INVITE_ACK/RESULT application frames — it only confirms the frame arrived,
// the same two-layer scheme CHAT/ACK and filetransfer use.
func (s *Service) ackDelivery(f wire.Frame, key string) {
	if f.Source == nil {
		return
	}
	raw, err := wire.Encode(wire.TypeAck, wire.NewFields().Set("MESSAGE_ID", key), nil)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.tr.SendUnicast(ctx, raw, f.Source)
}

// Run sweeps for abandoned games (opponent inactive over 2x the stale
// threshold) until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.staleThreshold)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepAbandoned(time.Now())
		}
	}
}

func (s *Service) sweepAbandoned(now time.Time) {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.games))
	for _, sess := range s.games {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.mu.Lock()
		if sess.g.State != StateActive {
			sess.mu.Unlock()
			continue
		}
		opponent := sess.g.Opponent
		gameID := sess.g.GameID
		sess.mu.Unlock()

		peer, ok := s.reg.Get(opponent)
		if !ok || now.Sub(peer.LastSeen) <= 2*s.staleThreshold {
			continue
		}

		sess.mu.Lock()
		if sess.g.State == StateActive {
			sess.g.State = StateAbandoned
			sess.g.Outcome = OutcomeAbandoned
		}
		sess.mu.Unlock()

		s.bus.Publish(uiadapter.Event{Kind: uiadapter.EventGameEnded, Payload: GameEnded{GameID: gameID, Outcome: OutcomeAbandoned}})
	}
}

// Invite starts a new game by inviting toUserID; symbol is the inviter's
// choice (default X per spec §4.10).
func (s *Service) Invite(ctx context.Context, toUserID string, symbol Symbol) (string, error) {
	if symbol == SymbolNone {
		symbol = SymbolX
	}
	dest := s.resolveAddr(toUserID)
	if dest == nil {
		return "", fmt.Errorf("game: %s: %w", toUserID, lsnperr.ErrUnknownPeer)
	}

	gameID := ids.NewGameID()
	sess := &session{g: Game{
		GameID: gameID, Opponent: toUserID, SelfSymbol: symbol, OpponentSymbol: other(symbol),
		State: StateInvited,
	}, self: s.selfUserID, dest: dest}

	s.mu.Lock()
	s.games[gameID] = sess
	s.mu.Unlock()
	sess.inviteTimer = time.AfterFunc(30*time.Second, func() { s.expireInvite(gameID) })

	fields := wire.NewFields().
		Set("GAME_ID", gameID).
		Set("MESSAGE_ID", gameID).
		Set("FROM", s.selfUserID).
		Set("TO", toUserID).
		Set("SYMBOL", string(symbol)).
		Set("TOKEN", s.mintToken())
	raw, err := wire.Encode(wire.TypeGameInvite, fields, nil)
	if err != nil {
		s.mu.Lock()
		delete(s.games, gameID)
		s.mu.Unlock()
		return "", err
	}
	<-s.tr.SendReliable(ctx, gameID, raw, dest)
	return gameID, nil
}

func (s *Service) expireInvite(gameID string) {
	s.mu.Lock()
	sess, ok := s.games[gameID]
	s.mu.Unlock()
	if !ok {
		return
	}
	sess.mu.Lock()
	if sess.g.State != StateInvited {
		sess.mu.Unlock()
		return
	}
	sess.g.State = StateCancelled
	sess.mu.Unlock()

	s.log.Debug("game %s: %v", gameID, lsnperr.ErrSessionTimeout)
	s.bus.Publish(uiadapter.Event{Kind: uiadapter.EventGameEnded, Payload: GameEnded{GameID: gameID, Outcome: OutcomeNone}})
}

func (s *Service) handleInvite(f wire.Frame) {
	if f.Get("TO") != s.selfUserID {
		return
	}
	gameID := f.Get("GAME_ID")
	s.ackDelivery(f, gameID)
	from := f.Get("FROM")
	inviterSymbol := Symbol(f.Get("SYMBOL"))
	if inviterSymbol == SymbolNone {
		inviterSymbol = SymbolX
	}

	s.mu.Lock()
	_, exists := s.games[gameID]
	s.mu.Unlock()
	if exists {
		return
	}

	sess := &session{g: Game{
		GameID: gameID, Opponent: from, SelfSymbol: other(inviterSymbol), OpponentSymbol: inviterSymbol,
		State: StateInvited,
	}, self: s.selfUserID, dest: f.Source}
	s.mu.Lock()
	s.games[gameID] = sess
	s.mu.Unlock()
	sess.inviteTimer = time.AfterFunc(30*time.Second, func() { s.expireInvite(gameID) })

	s.bus.Publish(uiadapter.Event{Kind: uiadapter.EventGameInvited, Payload: GameInvited{GameID: gameID, From: from, Symbol: string(inviterSymbol)}})
}

// AcceptInvite accepts a pending invite: both sides initialize an empty
// board with X moving first (spec §4.10).
func (s *Service) AcceptInvite(ctx context.Context, gameID string) error {
	s.mu.Lock()
	sess, ok := s.games[gameID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("game: unknown game %s", gameID)
	}

	sess.mu.Lock()
	if sess.g.State != StateInvited {
		sess.mu.Unlock()
		return fmt.Errorf("game: %s not awaiting a local decision", gameID)
	}
	if sess.inviteTimer != nil {
		sess.inviteTimer.Stop()
	}
	sess.g.State = StateActive
	opponent, dest := sess.g.Opponent, sess.dest
	sess.mu.Unlock()

	fields := wire.NewFields().
		Set("GAME_ID", gameID).
		Set("MESSAGE_ID", gameID+"#ack").
		Set("FROM", s.selfUserID).
		Set("TO", opponent).
		Set("ACCEPT", "true").
		Set("TOKEN", s.mintToken())
	raw, err := wire.Encode(wire.TypeGameInviteAck, fields, nil)
	if err != nil {
		return err
	}
	<-s.tr.SendReliable(ctx, gameID+"#ack", raw, dest)

	s.bus.Publish(uiadapter.Event{Kind: uiadapter.EventGameStarted, Payload: GameStarted{GameID: gameID, Opponent: opponent}})
	return nil
}

// DeclineInvite rejects a pending invite. In addition to the INVITE_ACK
// decline, an informational GAME_RESULT{RESULT=FORFEIT} is echoed back
// (original_source's game_service.py::reject_invite) so the inviter's UI
// closes the invite the same way any other terminal outcome does.
func (s *Service) DeclineInvite(ctx context.Context, gameID string) error {
	s.mu.Lock()
	sess, ok := s.games[gameID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("game: unknown game %s", gameID)
	}

	sess.mu.Lock()
	if sess.g.State != StateInvited {
		sess.mu.Unlock()
		return fmt.Errorf("game: %s not awaiting a local decision", gameID)
	}
	if sess.inviteTimer != nil {
		sess.inviteTimer.Stop()
	}
	sess.g.State = StateCancelled
	sess.g.Outcome = OutcomeDeclined
	opponent, dest := sess.g.Opponent, sess.dest
	sess.mu.Unlock()

	ackFields := wire.NewFields().
		Set("GAME_ID", gameID).
		Set("MESSAGE_ID", gameID+"#ack").
		Set("FROM", s.selfUserID).
		Set("TO", opponent).
		Set("ACCEPT", "false").
		Set("TOKEN", s.mintToken())
	ackRaw, err := wire.Encode(wire.TypeGameInviteAck, ackFields, nil)
	if err != nil {
		return err
	}
	<-s.tr.SendReliable(ctx, gameID+"#ack", ackRaw, dest)

	resultFields := wire.NewFields().
		Set("GAME_ID", gameID).
		Set("MESSAGE_ID", gameID+"#decline-result").
		Set("FROM", s.selfUserID).
		Set("TO", opponent).
		Set("RESULT", string(OutcomeForfeit)).
		Set("TOKEN", s.mintToken())
	resultRaw, err := wire.Encode(wire.TypeGameResult, resultFields, nil)
	if err != nil {
		return err
	}
	<-s.tr.SendReliable(ctx, gameID+"#decline-result", resultRaw, dest)
	return nil
}

func (s *Service) handleInviteAck(f wire.Frame) {
	gameID := f.Get("GAME_ID")
	s.ackDelivery(f, gameID+"#ack")
	s.mu.Lock()
	sess, ok := s.games[gameID]
	s.mu.Unlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	if sess.g.State != StateInvited {
		sess.mu.Unlock()
		return
	}
	if sess.inviteTimer != nil {
		sess.inviteTimer.Stop()
	}
	accepted := f.Get("ACCEPT") == "true"
	opponent := sess.g.Opponent
	if accepted {
		sess.g.State = StateActive
	} else {
		sess.g.State = StateCancelled
		sess.g.Outcome = OutcomeDeclined
	}
	sess.mu.Unlock()

	if accepted {
		s.bus.Publish(uiadapter.Event{Kind: uiadapter.EventGameStarted, Payload: GameStarted{GameID: gameID, Opponent: opponent}})
	} else {
		s.bus.Publish(uiadapter.Event{Kind: uiadapter.EventGameEnded, Payload: GameEnded{GameID: gameID, Outcome: OutcomeDeclined}})
	}
}

// expectedSymbol returns the symbol that must move next, given how many
// moves have been applied (X always moves first).
func expectedSymbol(moveNo int) Symbol {
	if moveNo%2 == 0 {
		return SymbolX
	}
	return SymbolO
}

// Move plays position for the local player.
func (s *Service) Move(ctx context.Context, gameID string, position int) error {
	s.mu.Lock()
	sess, ok := s.games[gameID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("game: unknown game %s", gameID)
	}

	sess.mu.Lock()
	if sess.g.State != StateActive {
		sess.mu.Unlock()
		return fmt.Errorf("game: %s is not active: %w", gameID, lsnperr.ErrProtocolViolation)
	}
	if position < 0 || position > 8 || sess.g.Board[position] != SymbolNone {
		sess.mu.Unlock()
		return fmt.Errorf("game: invalid move at position %d: %w", position, lsnperr.ErrProtocolViolation)
	}
	want := expectedSymbol(sess.g.MoveNo)
	if want != sess.g.SelfSymbol {
		sess.mu.Unlock()
		return fmt.Errorf("game: not your turn")
	}

	sess.g.Board[position] = sess.g.SelfSymbol
	sess.g.MoveNo++
	sess.g.LastMover = sess.g.SelfSymbol
	sess.moves = append(sess.moves, move{MoveNo: sess.g.MoveNo, Position: position, Player: sess.g.SelfSymbol})
	moveNo, opponent, dest := sess.g.MoveNo, sess.g.Opponent, sess.dest
	sess.mu.Unlock()

	fields := wire.NewFields().
		Set("GAME_ID", gameID).
		Set("MESSAGE_ID", fmt.Sprintf("%s#%d", gameID, moveNo)).
		Set("MOVE_NO", strconv.Itoa(moveNo)).
		Set("POSITION", strconv.Itoa(position)).
		Set("PLAYER", string(sess.g.SelfSymbol)).
		Set("FROM", s.selfUserID).
		Set("TO", opponent).
		Set("TOKEN", s.mintToken())
	raw, err := wire.Encode(wire.TypeGameMove, fields, nil)
	if err != nil {
		return err
	}
	<-s.tr.SendReliable(ctx, fmt.Sprintf("%s#%d", gameID, moveNo), raw, dest)

	s.concludeIfOver(ctx, sess)
	return nil
}

func (s *Service) handleMove(f wire.Frame) {
	gameID := f.Get("GAME_ID")
	moveNo, err := strconv.Atoi(f.Get("MOVE_NO"))
	if err != nil {
		return
	}
	position, err := strconv.Atoi(f.Get("POSITION"))
	if err != nil {
		return
	}
	player := Symbol(f.Get("PLAYER"))
	s.ackDelivery(f, fmt.Sprintf("%s#%d", gameID, moveNo))

	s.mu.Lock()
	sess, ok := s.games[gameID]
	s.mu.Unlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	if sess.g.State != StateActive {
		sess.mu.Unlock()
		return
	}

	valid := moveNo == sess.g.MoveNo+1 &&
		position >= 0 && position <= 8 &&
		sess.g.Board[position] == SymbolNone &&
		player == sess.g.OpponentSymbol &&
		player == expectedSymbol(sess.g.MoveNo)

	if !valid {
		localMoveNo, board, lastMover, opponent, dest := sess.g.MoveNo, sess.g.Board, sess.g.LastMover, sess.g.Opponent, sess.dest
		sess.mu.Unlock()
		s.sendResync(localMoveNo, board, lastMover, gameID, opponent, dest)
		return
	}

	sess.g.Board[position] = player
	sess.g.MoveNo = moveNo
	sess.g.LastMover = player
	sess.moves = append(sess.moves, move{MoveNo: moveNo, Position: position, Player: player})
	sess.mu.Unlock()

	s.bus.Publish(uiadapter.Event{Kind: uiadapter.EventGameMoveApplied, Payload: GameMoveApplied{GameID: gameID, Position: position, Player: string(player)}})

	s.concludeIfOver(context.Background(), sess)
}

// concludeIfOver checks for a win/draw after a move and, the first time it
// fires for this game, publishes the terminal event and echoes an
// informational GAME_RESULT to the opponent (spec §4.10: "RESULT is
// exchanged for UI closure but is informational, not authoritative" — both
// sides independently reach the same conclusion from the same board).
func (s *Service) concludeIfOver(ctx context.Context, sess *session) {
	sess.mu.Lock()
	if sess.g.State != StateActive {
		sess.mu.Unlock()
		return
	}
	winner := checkWinner(sess.g.Board)
	draw := winner == SymbolNone && isDraw(sess.g.Board)
	if winner == SymbolNone && !draw {
		sess.mu.Unlock()
		return
	}

	var outcome Outcome
	if winner != SymbolNone {
		sess.g.State = StateWon
		sess.g.Winner = winner
		outcome = OutcomeWon
	} else {
		sess.g.State = StateDrawn
		outcome = OutcomeDrawn
	}
	sess.g.Outcome = outcome
	gameID, opponent, dest := sess.g.GameID, sess.g.Opponent, sess.dest
	sess.mu.Unlock()

	s.bus.Publish(uiadapter.Event{Kind: uiadapter.EventGameEnded, Payload: GameEnded{GameID: gameID, Outcome: outcome, Winner: string(winner)}})

	fields := wire.NewFields().
		Set("GAME_ID", gameID).
		Set("MESSAGE_ID", gameID+"#result").
		Set("FROM", s.selfUserID).
		Set("TO", opponent).
		Set("RESULT", string(outcome)).
		Set("TOKEN", s.mintToken())
	raw, err := wire.Encode(wire.TypeGameResult, fields, nil)
	if err != nil {
		return
	}
	s.tr.SendReliable(ctx, gameID+"#result", raw, dest)
}

func (s *Service) handleResult(f wire.Frame) {
	gameID := f.Get("GAME_ID")
	s.ackDelivery(f, f.Get("MESSAGE_ID"))
	s.mu.Lock()
	sess, ok := s.games[gameID]
	s.mu.Unlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	// An active game ends only through this side's own concludeIfOver; a
	// RESULT only closes a game still at the invite stage.
	if sess.g.State != StateInvited {
		sess.mu.Unlock()
		return
	}
	result := Outcome(f.Get("RESULT"))
	sess.g.State = StateCancelled
	sess.g.Outcome = result
	sess.mu.Unlock()

	s.bus.Publish(uiadapter.Event{Kind: uiadapter.EventGameEnded, Payload: GameEnded{GameID: gameID, Outcome: result}})
}

// Resign concedes an active game.
func (s *Service) Resign(ctx context.Context, gameID string) error {
	s.mu.Lock()
	sess, ok := s.games[gameID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("game: unknown game %s", gameID)
	}

	sess.mu.Lock()
	if sess.g.State != StateActive {
		sess.mu.Unlock()
		return fmt.Errorf("game: %s is not active", gameID)
	}
	sess.g.State = StateCancelled
	sess.g.Outcome = OutcomeResigned
	opponent, dest := sess.g.Opponent, sess.dest
	sess.mu.Unlock()

	fields := wire.NewFields().
		Set("GAME_ID", gameID).
		Set("MESSAGE_ID", gameID+"#resign").
		Set("FROM", s.selfUserID).
		Set("TO", opponent).
		Set("TOKEN", s.mintToken())
	raw, err := wire.Encode(wire.TypeGameResign, fields, nil)
	if err != nil {
		return err
	}
	<-s.tr.SendReliable(ctx, gameID+"#resign", raw, dest)

	s.bus.Publish(uiadapter.Event{Kind: uiadapter.EventGameEnded, Payload: GameEnded{GameID: gameID, Outcome: OutcomeResigned}})
	return nil
}

func (s *Service) handleResign(f wire.Frame) {
	gameID := f.Get("GAME_ID")
	s.ackDelivery(f, gameID+"#resign")
	s.mu.Lock()
	sess, ok := s.games[gameID]
	s.mu.Unlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	if sess.g.State != StateActive {
		sess.mu.Unlock()
		return
	}
	sess.g.State = StateCancelled
	sess.g.Outcome = OutcomeResigned
	sess.mu.Unlock()

	s.bus.Publish(uiadapter.Event{Kind: uiadapter.EventGameEnded, Payload: GameEnded{GameID: gameID, Outcome: OutcomeResigned}})
}

func (s *Service) sendResync(localMoveNo int, board [9]Symbol, lastMover Symbol, gameID, opponent string, dest *net.UDPAddr) {
	messageID := ids.NewMessageID()
	fields := wire.NewFields().
		Set("GAME_ID", gameID).
		Set("MESSAGE_ID", messageID).
		Set("FROM", s.selfUserID).
		Set("TO", opponent).
		Set("MOVE_NO", strconv.Itoa(localMoveNo)).
		Set("BOARD", serializeBoard(board)).
		Set("LAST_MOVER", string(lastMover)).
		Set("TOKEN", s.mintToken())
	raw, err := wire.Encode(wire.TypeGameResync, fields, nil)
	if err != nil {
		s.log.Warn("encode GAME_RESYNC: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.tr.SendReliable(ctx, messageID, raw, dest)
}

// handleResync reconciles a move-order mismatch: the higher MOVE_NO wins. If
// the remote is ahead, its snapshot is accepted outright (the snapshot
// carries who made the last accepted move, so whose turn it is next is
// never ambiguous). If the remote is behind, the missing moves are replayed
// from the local move log rather than pushed as a raw snapshot, so the
// remote's own move log stays authoritative for anything it already knows.
func (s *Service) handleResync(f wire.Frame) {
	gameID := f.Get("GAME_ID")
	remoteMoveNo, err := strconv.Atoi(f.Get("MOVE_NO"))
	if err != nil {
		return
	}
	s.ackDelivery(f, f.Get("MESSAGE_ID"))

	s.mu.Lock()
	sess, ok := s.games[gameID]
	s.mu.Unlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	if sess.g.State != StateActive {
		sess.mu.Unlock()
		return
	}

	if remoteMoveNo > sess.g.MoveNo {
		board := deserializeBoard(f.Get("BOARD"))
		sess.g.Board = board
		sess.g.MoveNo = remoteMoveNo
		sess.g.LastMover = Symbol(f.Get("LAST_MOVER"))
		sess.mu.Unlock()
		s.concludeIfOver(context.Background(), sess)
		return
	}

	missing := make([]move, 0)
	for _, m := range sess.moves {
		if m.MoveNo > remoteMoveNo {
			missing = append(missing, m)
		}
	}
	opponent, dest := sess.g.Opponent, sess.dest
	sess.mu.Unlock()

	for _, m := range missing {
		fields := wire.NewFields().
			Set("GAME_ID", gameID).
			Set("MESSAGE_ID", fmt.Sprintf("%s#%d", gameID, m.MoveNo)).
			Set("MOVE_NO", strconv.Itoa(m.MoveNo)).
			Set("POSITION", strconv.Itoa(m.Position)).
			Set("PLAYER", string(m.Player)).
			Set("FROM", s.selfUserID).
			Set("TO", opponent).
			Set("TOKEN", s.mintToken())
		raw, err := wire.Encode(wire.TypeGameMove, fields, nil)
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.tr.SendReliable(ctx, fmt.Sprintf("%s#%d", gameID, m.MoveNo), raw, dest)
		cancel()
	}
}

// Get returns a snapshot of a known game.
func (s *Service) Get(gameID string) (Game, bool) {
	s.mu.Lock()
	sess, ok := s.games[gameID]
	s.mu.Unlock()
	if !ok {
		return Game{}, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.g, true
}

// All returns a snapshot of every known game, for status reporting.
func (s *Service) All() []Game {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.games))
	for _, sess := range s.games {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	out := make([]Game, 0, len(sessions))
	for _, sess := range sessions {
		sess.mu.Lock()
		out = append(out, sess.g)
		sess.mu.Unlock()
	}
	return out
}

// GameInvited is the payload of an EventGameInvited event.
type GameInvited struct {
	GameID string
	From   string
	Symbol string
}

// GameStarted is the payload of an EventGameStarted event.
type GameStarted struct {
	GameID   string
	Opponent string
}

// GameMoveApplied is the payload of an EventGameMoveApplied event.
type GameMoveApplied struct {
	GameID   string
	Position int
	Player   string
}

// GameEnded is the payload of an EventGameEnded event.
type GameEnded struct {
	GameID  string
	Outcome Outcome
	Winner  string
}

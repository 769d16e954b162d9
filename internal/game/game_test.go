package game

import (
	"context"
	"testing"
	"time"

	"github.com/lsnp/lsnp/internal/dedupe"
	"github.com/lsnp/lsnp/internal/messaging"
	"github.com/lsnp/lsnp/internal/registry"
	"github.com/lsnp/lsnp/internal/router"
	"github.com/lsnp/lsnp/internal/token"
	"github.com/lsnp/lsnp/internal/transport"
	"github.com/lsnp/lsnp/internal/uiadapter"
)

type node struct {
	userID string
	tr     *transport.Transport
	game   *Service
	bus    *uiadapter.Bus
}

// newGameNode wires a transport+router+messaging+game stack. peerPort must
// be the real listener's ephemeral port for frames to actually reach it in
// a test; production addressing assumes one well-known shared port.
func newGameNode(t *testing.T, userID string, peerPort int) *node {
	t.Helper()
	tr, err := transport.New(transport.Options{Port: 0})
	if err != nil {
		t.Fatalf("transport.New() error = %v", err)
	}
	t.Cleanup(func() { tr.Close() })

	checker := token.NewChecker(token.NewRevocationSet(time.Hour))
	r := router.New(dedupe.New(dedupe.DefaultCap, dedupe.DefaultTTL), checker)
	bus := uiadapter.NewBus()
	reg := registry.New()

	msg := messaging.New(userID, tr, bus, time.Hour)
	g := New(userID, peerPort, reg, tr, bus, time.Hour, time.Minute)
	msg.RegisterHandlers(r)
	g.RegisterHandlers(r)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go tr.Run(ctx)
	go router.Run(ctx, tr, r)

	return &node{userID: userID, tr: tr, game: g, bus: bus}
}

func waitForEvent(t *testing.T, bus *uiadapter.Bus, kind uiadapter.EventKind, timeout time.Duration) uiadapter.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case e := <-bus.Events():
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func TestInviteAcceptAndPlayToWin(t *testing.T) {
	bob := newGameNode(t, "bob@127.0.0.1", 0)
	alice := newGameNode(t, "alice@127.0.0.1", bob.tr.LocalAddr().Port)
	bob.game.peerPort = alice.tr.LocalAddr().Port

	gameID, err := alice.game.Invite(context.Background(), "bob@127.0.0.1", SymbolX)
	if err != nil {
		t.Fatalf("Invite() error = %v", err)
	}

	invited := waitForEvent(t, bob.bus, uiadapter.EventGameInvited, 3*time.Second)
	gi := invited.Payload.(GameInvited)
	if gi.GameID != gameID {
		t.Fatalf("invited game id = %q, want %q", gi.GameID, gameID)
	}

	if err := bob.game.AcceptInvite(context.Background(), gameID); err != nil {
		t.Fatalf("AcceptInvite() error = %v", err)
	}
	waitForEvent(t, alice.bus, uiadapter.EventGameStarted, 3*time.Second)

	// X (alice) wins with top row: 0, 1, 2. O (bob) plays elsewhere.
	xMoves := []int{0, 1, 2}
	oMoves := []int{3, 4}
	for i := 0; i < len(xMoves); i++ {
		if err := alice.game.Move(context.Background(), gameID, xMoves[i]); err != nil {
			t.Fatalf("alice Move(%d) error = %v", xMoves[i], err)
		}
		if i == len(xMoves)-1 {
			break
		}
		waitForEvent(t, bob.bus, uiadapter.EventGameMoveApplied, 3*time.Second)
		if err := bob.game.Move(context.Background(), gameID, oMoves[i]); err != nil {
			t.Fatalf("bob Move(%d) error = %v", oMoves[i], err)
		}
		waitForEvent(t, alice.bus, uiadapter.EventGameMoveApplied, 3*time.Second)
	}

	ended := waitForEvent(t, bob.bus, uiadapter.EventGameEnded, 3*time.Second)
	ge := ended.Payload.(GameEnded)
	if ge.Outcome != OutcomeWon || ge.Winner != string(SymbolX) {
		t.Fatalf("GameEnded = %+v, want won by X", ge)
	}

	g, ok := alice.game.Get(gameID)
	if !ok || g.State != StateWon {
		t.Fatalf("alice game state = %+v, want won", g)
	}
}

func TestDeclineInviteSendsForfeitResult(t *testing.T) {
	bob := newGameNode(t, "bob@127.0.0.1", 0)
	alice := newGameNode(t, "alice@127.0.0.1", bob.tr.LocalAddr().Port)
	bob.game.peerPort = alice.tr.LocalAddr().Port

	gameID, err := alice.game.Invite(context.Background(), "bob@127.0.0.1", SymbolX)
	if err != nil {
		t.Fatalf("Invite() error = %v", err)
	}
	waitForEvent(t, bob.bus, uiadapter.EventGameInvited, 3*time.Second)

	if err := bob.game.DeclineInvite(context.Background(), gameID); err != nil {
		t.Fatalf("DeclineInvite() error = %v", err)
	}

	ended := waitForEvent(t, alice.bus, uiadapter.EventGameEnded, 3*time.Second)
	ge := ended.Payload.(GameEnded)
	if ge.Outcome != OutcomeForfeit && ge.Outcome != OutcomeDeclined {
		t.Fatalf("GameEnded outcome = %v, want forfeit or declined", ge.Outcome)
	}
}

func TestWinDrawDetection(t *testing.T) {
	var board [9]Symbol
	board[0], board[1], board[2] = SymbolO, SymbolO, SymbolO
	if checkWinner(board) != SymbolO {
		t.Fatalf("checkWinner() = %v, want O", checkWinner(board))
	}

	draw := [9]Symbol{SymbolX, SymbolO, SymbolX, SymbolX, SymbolO, SymbolO, SymbolO, SymbolX, SymbolX}
	if checkWinner(draw) != SymbolNone || !isDraw(draw) {
		t.Fatalf("expected a draw, got winner=%v draw=%v", checkWinner(draw), isDraw(draw))
	}
}

func TestSerializeDeserializeBoardRoundTrip(t *testing.T) {
	var board [9]Symbol
	board[0] = SymbolX
	board[4] = SymbolO
	s := serializeBoard(board)
	got := deserializeBoard(s)
	if got != board {
		t.Fatalf("round trip mismatch: got %v, want %v", got, board)
	}
}

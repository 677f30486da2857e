package game

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/lsnp-go/lsnp/transport"
	"github.com/lsnp-go/lsnp/wire"
)

func mustTransport(t *testing.T) *transport.Transport {
	t.Helper()
	tr, err := transport.New(context.Background(), transport.Options{Port: 0})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func loopbackAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

type fakeEvents struct {
	mu       sync.Mutex
	invited  int
	started  []Game
	moves    []Game
	ended    []Outcome
}

func (e *fakeEvents) GameInvited(gameID, from, symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.invited++
}

func (e *fakeEvents) GameStarted(gameID string, g Game) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = append(e.started, g)
}

func (e *fakeEvents) GameMoveApplied(gameID string, g Game) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.moves = append(e.moves, g)
}

func (e *fakeEvents) GameEnded(gameID string, outcome Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ended = append(e.ended, outcome)
}

func pump(t *testing.T, tr *transport.Transport, svc *Service, stop <-chan struct{}) {
	t.Helper()
	go func() {
		for {
			select {
			case <-stop:
				return
			case in := <-tr.Inbound():
				switch in.Frame.Type {
				case wire.TypeGameInvite:
					svc.HandleGameInvite(in.Frame, in.Addr)
				case wire.TypeGameInviteAk:
					svc.HandleGameInviteAck(in.Frame, in.Addr)
				case wire.TypeGameMove:
					svc.HandleGameMove(in.Frame, in.Addr)
				case wire.TypeGameResync:
					svc.HandleGameResync(in.Frame, in.Addr)
				case wire.TypeGameResign:
					svc.HandleGameResign(in.Frame, in.Addr)
				}
			}
		}
	}()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestBoardWinnerDetectsRowsColsDiagsAndDraw(t *testing.T) {
	row := Board{X, X, X, Empty, O, O, Empty, Empty, Empty}
	if row.Winner() != WinX {
		t.Fatalf("expected WinX for a completed row, got %v", row.Winner())
	}

	diag := Board{O, X, X, X, O, Empty, Empty, Empty, O}
	if diag.Winner() != WinO {
		t.Fatalf("expected WinO for a completed diagonal, got %v", diag.Winner())
	}

	draw := Board{X, O, X, X, O, O, O, X, X}
	if draw.Winner() != Draw {
		t.Fatalf("expected a full non-winning board to be a draw, got %v", draw.Winner())
	}

	empty := Board{}
	if empty.Winner() != InProgress {
		t.Fatalf("expected an empty board to be in progress, got %v", empty.Winner())
	}
}

func TestInviteAcceptAndPlayThroughToWin(t *testing.T) {
	a := mustTransport(t)
	b := mustTransport(t)

	aEvents := &fakeEvents{}
	bEvents := &fakeEvents{}
	aSvc := New(Identity{UserID: "alice@127.0.0.1", TokenTTL: time.Hour}, a, aEvents, 0, nil)
	bSvc := New(Identity{UserID: "bob@127.0.0.1", TokenTTL: time.Hour}, b, bEvents, 0, nil)

	stop := make(chan struct{})
	defer close(stop)
	pump(t, a, aSvc, stop)
	pump(t, b, bSvc, stop)

	aAddr := loopbackAddr(a.Port())
	bAddr := loopbackAddr(b.Port())

	if err := aSvc.InviteGame("g1", "bob@127.0.0.1", bAddr, X); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		bEvents.mu.Lock()
		defer bEvents.mu.Unlock()
		return bEvents.invited == 1
	})

	if err := bSvc.RespondInvite("g1", true, aAddr); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		aEvents.mu.Lock()
		defer aEvents.mu.Unlock()
		return len(aEvents.started) == 1
	})

	// X plays 0,1,2 (top row win); O plays 3,4 in between. SubmitMove
	// emits GameMoveApplied for the local move too, so each side's count
	// includes its own moves as well as the opponent's.
	xMoves := []int{0, 1, 2}
	oMoves := []int{3, 4}
	for i := 0; i < len(xMoves); i++ {
		if err := aSvc.SubmitMove("g1", xMoves[i], bAddr); err != nil {
			t.Fatalf("move %d: %v", i, err)
		}
		waitFor(t, func() bool {
			bEvents.mu.Lock()
			defer bEvents.mu.Unlock()
			return len(bEvents.moves) == 2*i+1
		})
		if i < len(oMoves) {
			if err := bSvc.SubmitMove("g1", oMoves[i], aAddr); err != nil {
				t.Fatalf("o move %d: %v", i, err)
			}
			waitFor(t, func() bool {
				aEvents.mu.Lock()
				defer aEvents.mu.Unlock()
				return len(aEvents.moves) == 2*i+2
			})
		}
	}

	waitFor(t, func() bool {
		aEvents.mu.Lock()
		defer aEvents.mu.Unlock()
		return len(aEvents.ended) == 1
	})
	aEvents.mu.Lock()
	if aEvents.ended[0] != WinX {
		t.Fatalf("expected WinX, got %v", aEvents.ended[0])
	}
	aEvents.mu.Unlock()
}

func TestSubmitMoveRejectsOutOfTurn(t *testing.T) {
	events := &fakeEvents{}
	svc := New(Identity{UserID: "alice@127.0.0.1", TokenTTL: time.Hour}, nil, events, 0, nil)

	svc.mu.Lock()
	svc.games["g2"] = &Game{GameID: "g2", LocalSymbol: O, Turn: X, Outcome: InProgress}
	svc.mu.Unlock()

	if err := svc.SubmitMove("g2", 0, nil); err != ErrNotYourTurn {
		t.Fatalf("expected ErrNotYourTurn, got %v", err)
	}
}

func TestSubmitMoveRejectsOccupiedCell(t *testing.T) {
	events := &fakeEvents{}
	svc := New(Identity{UserID: "alice@127.0.0.1", TokenTTL: time.Hour}, nil, events, 0, nil)

	g := &Game{GameID: "g3", LocalSymbol: X, Turn: X, Outcome: InProgress}
	g.Board[0] = X
	svc.mu.Lock()
	svc.games["g3"] = g
	svc.mu.Unlock()

	if err := svc.SubmitMove("g3", 0, nil); err != ErrCellOccupied {
		t.Fatalf("expected ErrCellOccupied, got %v", err)
	}
}

func TestSubmitMoveRejectsOutOfRangePosition(t *testing.T) {
	events := &fakeEvents{}
	svc := New(Identity{UserID: "alice@127.0.0.1", TokenTTL: time.Hour}, nil, events, 0, nil)
	if err := svc.SubmitMove("ghost", 9, nil); err != ErrOutOfRange {
		t.Fatalf("expected ErrOutOfRange, got %v", err)
	}
}

func TestHandleGameResyncAppliesHigherMoveNoAndIgnoresStale(t *testing.T) {
	events := &fakeEvents{}
	svc := New(Identity{UserID: "alice@127.0.0.1", TokenTTL: time.Hour}, nil, events, 0, nil)

	g := &Game{GameID: "g4", LocalSymbol: O, Turn: O, MoveNo: 1}
	g.Board[0] = X
	svc.mu.Lock()
	svc.games["g4"] = g
	svc.mu.Unlock()

	staleBoard := Board{}.String()
	svc.HandleGameResync(wire.NewGameResync("g4", staleBoard, 1, "tok"), nil)
	current, _ := svc.Game("g4")
	if current.MoveNo != 1 || current.Board[0] != X {
		t.Fatal("expected a resync at the same move_no to be ignored")
	}

	newer := Board{}
	newer[0] = X
	newer[1] = O
	svc.HandleGameResync(wire.NewGameResync("g4", newer.String(), 3, "tok"), nil)
	current, _ = svc.Game("g4")
	if current.MoveNo != 3 || current.Board[1] != O {
		t.Fatalf("expected a higher move_no resync to be applied, got %+v", current)
	}
}

func TestAbandonStaleOpponentsEndsOnlyStaleInProgressGames(t *testing.T) {
	events := &fakeEvents{}
	svc := New(Identity{UserID: "alice@127.0.0.1", TokenTTL: time.Hour}, nil, events, 0, nil)

	svc.mu.Lock()
	svc.games["stale"] = &Game{GameID: "stale", Opponent: "bob@127.0.0.1", Outcome: InProgress}
	svc.games["fresh"] = &Game{GameID: "fresh", Opponent: "carol@127.0.0.1", Outcome: InProgress}
	svc.games["finished"] = &Game{GameID: "finished", Opponent: "dave@127.0.0.1", Outcome: WinX}
	svc.mu.Unlock()

	svc.AbandonStaleOpponents(func(opponent string) bool {
		return opponent == "bob@127.0.0.1" || opponent == "dave@127.0.0.1"
	})

	if _, ok := svc.Game("stale"); ok {
		t.Fatal("expected the stale in-progress game to be removed")
	}
	if _, ok := svc.Game("finished"); !ok {
		t.Fatal("expected an already-finished game to be left alone")
	}
	if _, ok := svc.Game("fresh"); !ok {
		t.Fatal("expected a game with a non-stale opponent to survive")
	}

	events.mu.Lock()
	defer events.mu.Unlock()
	if len(events.ended) != 1 || events.ended[0] != Abandoned {
		t.Fatalf("expected exactly one GameEnded(Abandoned), got %v", events.ended)
	}
}

func TestInviteGameTimesOutWhenUnanswered(t *testing.T) {
	a := mustTransport(t)
	b := mustTransport(t)

	aEvents := &fakeEvents{}
	aSvc := New(Identity{UserID: "alice@127.0.0.1", TokenTTL: time.Hour}, a, aEvents, 20*time.Millisecond, nil)

	if err := aSvc.InviteGame("g5", "bob@127.0.0.1", loopbackAddr(b.Port()), X); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		aEvents.mu.Lock()
		defer aEvents.mu.Unlock()
		return len(aEvents.ended) == 1
	})

	aEvents.mu.Lock()
	if aEvents.ended[0] != Abandoned {
		t.Fatalf("expected an unanswered invite to end Abandoned, got %v", aEvents.ended[0])
	}
	aEvents.mu.Unlock()

	if _, ok := aSvc.Game("g5"); ok {
		t.Fatal("expected the timed-out game to be removed")
	}
}

// Package game implements the turn-based Tic-Tac-Toe state machine of
// spec.md §4.10: INVITE/INVITE_ACK negotiation, MOVE validation, local
// win/draw detection, and RESYNC recovery. There is no teacher analog for
// a turn-based game; this package borrows node.go's sequence-number
// validation pattern (msg header's Sequence field rejecting
// out-of-order frames) and reapplies it to MOVE_NO, and its resync
// behavior resolves spec.md §9's Open Question: on a MOVE_NO mismatch,
// the higher MOVE_NO's board state wins.
package game

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lsnp-go/lsnp/token"
	"github.com/lsnp-go/lsnp/transport"
	"github.com/lsnp-go/lsnp/wire"
)

// Sender is the subset of transport.Transport game needs.
type Sender interface {
	SendReliable(f *wire.Frame, addr *net.UDPAddr, messageID string) (*transport.Delivery, error)
	Ack(messageID string, to *net.UDPAddr) error
}

// Mark is a board cell occupant.
type Mark byte

const (
	Empty Mark = 0
	X     Mark = 'X'
	O     Mark = 'O'
)

// Outcome is a finished game's result.
type Outcome int

const (
	InProgress Outcome = iota
	WinX
	WinO
	Draw
	// Abandoned is a distinct terminal state from Draw -- spec.md §3 lists
	// state ∈ {invited, active, won, lost, drawn, abandoned} as six values,
	// and §4.10 names abandoned as its own outcome of opponent inactivity,
	// not a board-contents draw.
	Abandoned
)

// Board is the 3x3 grid, row-major, index 0..8.
type Board [9]Mark

func (b Board) String() string {
	var sb strings.Builder
	for _, m := range b {
		if m == Empty {
			sb.WriteByte('-')
		} else {
			sb.WriteByte(byte(m))
		}
	}
	return sb.String()
}

func parseBoard(s string) (Board, error) {
	var b Board
	if len(s) != 9 {
		return b, fmt.Errorf("game: malformed board %q", s)
	}
	for i := 0; i < 9; i++ {
		switch s[i] {
		case '-':
			b[i] = Empty
		case 'X':
			b[i] = X
		case 'O':
			b[i] = O
		default:
			return b, fmt.Errorf("game: malformed board %q", s)
		}
	}
	return b, nil
}

var winLines = [8][3]int{
	{0, 1, 2}, {3, 4, 5}, {6, 7, 8},
	{0, 3, 6}, {1, 4, 7}, {2, 5, 8},
	{0, 4, 8}, {2, 4, 6},
}

// Winner returns the outcome implied purely by the board contents.
func (b Board) Winner() Outcome {
	for _, line := range winLines {
		a, c, d := b[line[0]], b[line[1]], b[line[2]]
		if a != Empty && a == c && c == d {
			if a == X {
				return WinX
			}
			return WinO
		}
	}
	for _, m := range b {
		if m == Empty {
			return InProgress
		}
	}
	return Draw
}

// Game is one in-progress or finished match.
type Game struct {
	GameID      string
	Opponent    string
	LocalSymbol Mark
	Board       Board
	MoveNo      int
	Turn        Mark
	Outcome     Outcome
	LastMoveAt  time.Time

	// Started is false while a sent/received invite still awaits the
	// other side's accept -- used only to tell a pending invite apart
	// from a genuinely active 0-move game for session-timeout purposes.
	Started bool
}

func opponentMark(m Mark) Mark {
	if m == X {
		return O
	}
	return X
}

// Identity is this node's own identity.
type Identity struct {
	UserID   string
	TokenTTL time.Duration
}

// Events is the subset of the UI event surface game emits.
type Events interface {
	GameInvited(gameID, from, symbol string)
	GameStarted(gameID string, g Game)
	GameMoveApplied(gameID string, g Game)
	GameEnded(gameID string, outcome Outcome)
}

var (
	// ErrUnknownGame is returned for operations against a game_id this
	// node has no record of.
	ErrUnknownGame = fmt.Errorf("game: unknown game")
	// ErrNotYourTurn is returned when a move is attempted out of turn.
	ErrNotYourTurn = fmt.Errorf("game: not your turn")
	// ErrCellOccupied is returned when a move targets a non-empty cell.
	ErrCellOccupied = fmt.Errorf("game: cell already occupied")
	// ErrOutOfRange is returned for a position outside 0..8.
	ErrOutOfRange = fmt.Errorf("game: position out of range")
	// ErrGameOver is returned for a move on a finished game.
	ErrGameOver = fmt.Errorf("game: game already finished")
)

// DefaultSessionTimeout is how long a sent GAME_INVITE waits for its
// accept/decline before the match is abandoned (spec.md §7).
const DefaultSessionTimeout = 60 * time.Second

// Service tracks every active/finished game this node is a party to.
type Service struct {
	identity Identity
	sender   Sender
	events   Events
	log      *logrus.Entry

	mu             sync.Mutex
	games          map[string]*Game
	sessionTimeout time.Duration
}

// New creates a game service. sessionTimeout falls back to
// DefaultSessionTimeout when non-positive.
func New(id Identity, sender Sender, events Events, sessionTimeout time.Duration, log *logrus.Entry) *Service {
	if sessionTimeout <= 0 {
		sessionTimeout = DefaultSessionTimeout
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Service{
		identity:       id,
		sender:         sender,
		events:         events,
		log:            log,
		games:          make(map[string]*Game),
		sessionTimeout: sessionTimeout,
	}
}

// InviteGame starts a new match, proposing gameID and this node's symbol.
// If the invite goes unanswered past the configured session timeout, the
// game is abandoned and the UI is notified.
func (s *Service) InviteGame(gameID, to string, addr *net.UDPAddr, symbol Mark) error {
	s.mu.Lock()
	s.games[gameID] = &Game{
		GameID:      gameID,
		Opponent:    to,
		LocalSymbol: symbol,
		Turn:        X,
		Outcome:     InProgress,
		LastMoveAt:  time.Now(),
	}
	s.mu.Unlock()

	tok := token.Mint(s.identity.UserID, wire.ScopeGame, s.identity.TokenTTL)
	f := wire.NewGameInvite(gameID, s.identity.UserID, to, string(symbol), tok.String())
	_, err := s.sender.SendReliable(f, addr, gameID+":invite")
	if err != nil {
		return err
	}
	time.AfterFunc(s.sessionTimeout, func() { s.expireInvite(gameID) })
	return nil
}

// expireInvite abandons a game whose invite is still unanswered once the
// session timeout elapses.
func (s *Service) expireInvite(gameID string) {
	s.mu.Lock()
	g, ok := s.games[gameID]
	if ok && !g.Started && g.Outcome == InProgress {
		delete(s.games, gameID)
	} else {
		ok = false
	}
	s.mu.Unlock()
	if ok {
		s.events.GameEnded(gameID, Abandoned)
	}
}

// HandleGameInvite records a pending invitation and surfaces it to the UI.
func (s *Service) HandleGameInvite(f *wire.Frame, addr *net.UDPAddr) {
	gameID, _ := f.Get(wire.HGameID)
	from, _ := f.Get(wire.HFrom)
	symbol, _ := f.Get(wire.HSymbol)

	localSymbol := opponentMark(Mark(firstByte(symbol, byte(X))))

	s.mu.Lock()
	s.games[gameID] = &Game{
		GameID:      gameID,
		Opponent:    from,
		LocalSymbol: localSymbol,
		Turn:        X,
		Outcome:     InProgress,
		LastMoveAt:  time.Now(),
	}
	s.mu.Unlock()

	s.ackInbound(f, addr)
	s.events.GameInvited(gameID, from, symbol)
}

func firstByte(s string, fallback byte) byte {
	if len(s) == 0 {
		return fallback
	}
	return s[0]
}

// RespondInvite accepts or declines a pending invitation.
func (s *Service) RespondInvite(gameID string, accept bool, addr *net.UDPAddr) error {
	s.mu.Lock()
	g, ok := s.games[gameID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownGame
	}
	if accept {
		g.Started = true
	} else {
		delete(s.games, gameID)
	}
	opponent := g.Opponent
	s.mu.Unlock()

	tok := token.Mint(s.identity.UserID, wire.ScopeGame, s.identity.TokenTTL)
	f := wire.NewGameInviteAck(gameID, s.identity.UserID, opponent, accept, tok.String())
	_, err := s.sender.SendReliable(f, addr, gameID+":invite_ack")
	return err
}

// HandleGameInviteAck applies the remote accept/decline to an invite this
// node sent.
func (s *Service) HandleGameInviteAck(f *wire.Frame, addr *net.UDPAddr) {
	gameID, _ := f.Get(wire.HGameID)
	accept, _ := f.Get(wire.HAccept)

	s.mu.Lock()
	g, ok := s.games[gameID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if accept != "1" {
		delete(s.games, gameID)
		s.mu.Unlock()
		s.ackInbound(f, addr)
		s.events.GameEnded(gameID, InProgress)
		return
	}
	g.Started = true
	gameCopy := *g
	s.mu.Unlock()

	s.ackInbound(f, addr)
	s.events.GameStarted(gameID, gameCopy)
}

// SubmitMove validates and applies a local move, then sends it to the
// opponent. The move is sent with a MOVE_NO exactly one past the game's
// previous MoveNo (spec.md §4.10's monotonic MOVE_NO invariant).
func (s *Service) SubmitMove(gameID string, position int, addr *net.UDPAddr) error {
	if position < 0 || position > 8 {
		return ErrOutOfRange
	}

	s.mu.Lock()
	g, ok := s.games[gameID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownGame
	}
	if g.Outcome != InProgress {
		s.mu.Unlock()
		return ErrGameOver
	}
	if g.Turn != g.LocalSymbol {
		s.mu.Unlock()
		return ErrNotYourTurn
	}
	if g.Board[position] != Empty {
		s.mu.Unlock()
		return ErrCellOccupied
	}

	g.Board[position] = g.LocalSymbol
	g.MoveNo++
	g.Turn = opponentMark(g.LocalSymbol)
	g.LastMoveAt = time.Now()
	g.Outcome = g.Board.Winner()
	moveNo := g.MoveNo
	gameCopy := *g
	ended := g.Outcome != InProgress
	s.mu.Unlock()

	s.events.GameMoveApplied(gameID, gameCopy)
	if ended {
		s.events.GameEnded(gameID, gameCopy.Outcome)
	}

	tok := token.Mint(s.identity.UserID, wire.ScopeGame, s.identity.TokenTTL)
	f := wire.NewGameMove(gameID, moveNo, position, string(g.LocalSymbol), tok.String())
	_, err := s.sender.SendReliable(f, addr, fmt.Sprintf("%s:move:%d", gameID, moveNo))
	return err
}

// HandleGameMove validates and applies an inbound move (spec.md §4.10:
// position range, cell empty, correct player, MOVE_NO == local+1).
// A MOVE_NO mismatch triggers a RESYNC rather than rejecting the move
// outright.
func (s *Service) HandleGameMove(f *wire.Frame, addr *net.UDPAddr) {
	gameID, _ := f.Get(wire.HGameID)
	moveNo, _ := f.GetInt(wire.HMoveNo)
	position, _ := f.GetInt(wire.HPosition)
	player, _ := f.Get(wire.HPlayer)

	s.mu.Lock()
	g, ok := s.games[gameID]
	if !ok {
		s.mu.Unlock()
		return
	}

	s.ackInbound(f, addr)

	if moveNo != g.MoveNo+1 {
		s.log.WithFields(logrus.Fields{"game_id": gameID, "want": g.MoveNo + 1, "got": moveNo}).Debug("move_no mismatch, requesting resync")
		gameCopy := *g
		s.mu.Unlock()
		s.sendResync(&gameCopy, addr)
		return
	}
	if position < 0 || position > 8 || g.Board[position] != Empty || Mark(firstByte(player, 0)) != g.Turn {
		s.mu.Unlock()
		return
	}

	g.Board[position] = g.Turn
	g.MoveNo = moveNo
	g.Turn = opponentMark(g.Turn)
	g.LastMoveAt = time.Now()
	g.Outcome = g.Board.Winner()
	gameCopy := *g
	ended := g.Outcome != InProgress
	s.mu.Unlock()

	s.events.GameMoveApplied(gameID, gameCopy)
	if ended {
		s.events.GameEnded(gameID, gameCopy.Outcome)
	}
}

func (s *Service) sendResync(g *Game, addr *net.UDPAddr) {
	tok := token.Mint(s.identity.UserID, wire.ScopeGame, s.identity.TokenTTL)
	f := wire.NewGameResync(g.GameID, g.Board.String(), g.MoveNo, tok.String())
	if _, err := s.sender.SendReliable(f, addr, g.GameID+":resync:"+strconv.Itoa(g.MoveNo)); err != nil {
		s.log.WithError(err).Debug("failed to send resync")
	}
}

// HandleGameResync reconciles local state against a peer's board snapshot.
// Per spec.md §9's Open Question resolution, the higher MOVE_NO's board
// always wins; this node's own state is discarded if the peer's is ahead.
func (s *Service) HandleGameResync(f *wire.Frame, addr *net.UDPAddr) {
	gameID, _ := f.Get(wire.HGameID)
	boardStr, _ := f.Get(wire.HBoard)
	moveNo, _ := f.GetInt(wire.HMoveNo)

	board, err := parseBoard(boardStr)
	if err != nil {
		s.log.WithError(err).Debug("dropping malformed resync")
		return
	}

	s.mu.Lock()
	g, ok := s.games[gameID]
	if !ok {
		s.mu.Unlock()
		return
	}
	s.ackInbound(f, addr)

	if moveNo <= g.MoveNo {
		s.mu.Unlock()
		return
	}
	g.Board = board
	g.MoveNo = moveNo
	g.Turn = opponentMark(turnFromMoveNo(moveNo, g.LocalSymbol))
	g.Outcome = g.Board.Winner()
	gameCopy := *g
	s.mu.Unlock()

	s.events.GameMoveApplied(gameID, gameCopy)
}

// turnFromMoveNo infers whose mark was just placed from parity: X always
// moves on odd-numbered plies.
func turnFromMoveNo(moveNo int, localSymbol Mark) Mark {
	if moveNo%2 == 1 {
		return X
	}
	return O
}

// Resign concedes the match to the opponent.
func (s *Service) Resign(gameID string, addr *net.UDPAddr) error {
	s.mu.Lock()
	g, ok := s.games[gameID]
	if ok {
		if g.LocalSymbol == X {
			g.Outcome = WinO
		} else {
			g.Outcome = WinX
		}
	}
	s.mu.Unlock()
	if !ok {
		return ErrUnknownGame
	}

	tok := token.Mint(s.identity.UserID, wire.ScopeGame, s.identity.TokenTTL)
	f := wire.NewGameResign(gameID, tok.String())
	_, err := s.sender.SendReliable(f, addr, gameID+":resign")
	return err
}

// HandleGameResign marks the local game won by forfeit.
func (s *Service) HandleGameResign(f *wire.Frame, addr *net.UDPAddr) {
	gameID, _ := f.Get(wire.HGameID)

	s.mu.Lock()
	g, ok := s.games[gameID]
	var outcome Outcome
	if ok {
		if g.LocalSymbol == X {
			g.Outcome = WinX
		} else {
			g.Outcome = WinO
		}
		outcome = g.Outcome
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.ackInbound(f, addr)
	s.events.GameEnded(gameID, outcome)
}

// Abandon marks a game ended due to opponent inactivity beyond
// 2*stale_threshold (spec.md §4.10).
func (s *Service) Abandon(gameID string) {
	s.mu.Lock()
	g, ok := s.games[gameID]
	if ok {
		g.Outcome = Abandoned
		delete(s.games, gameID)
	}
	s.mu.Unlock()
	if ok {
		s.events.GameEnded(gameID, Abandoned)
	}
}

// AbandonStaleOpponents ends every in-progress game whose opponent
// isStale reports inactive, per spec.md §4.10: "if the opponent becomes
// inactive for > 2*stale_threshold during an active game, the game enters
// abandoned and the UI is notified." A reap ticker (engine.go) calls this
// once per tick against the peer registry's last-seen age, the same shape
// presence.go's own reap loop uses against peer.Registry.Evict.
func (s *Service) AbandonStaleOpponents(isStale func(opponent string) bool) {
	s.mu.Lock()
	var toAbandon []string
	for id, g := range s.games {
		if g.Outcome == InProgress && isStale(g.Opponent) {
			toAbandon = append(toAbandon, id)
		}
	}
	s.mu.Unlock()

	for _, id := range toAbandon {
		s.Abandon(id)
	}
}

// Game returns a copy of a known game.
func (s *Service) Game(gameID string) (Game, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.games[gameID]
	if !ok {
		return Game{}, false
	}
	return *g, true
}

func (s *Service) ackInbound(f *wire.Frame, addr *net.UDPAddr) {
	messageID, ok := f.Get(wire.HMessageID)
	if !ok {
		return
	}
	if err := s.sender.Ack(messageID, addr); err != nil {
		s.log.WithError(err).Debug("game: failed to ack inbound frame")
	}
}

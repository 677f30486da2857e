// Package lsnp wires the UDP transport, dedupe cache, token registry,
// peer registry, router, and the presence/messaging/groupsvc/filetransfer/
// game services into one running node. It generalizes node.go's single
// actor goroutine -- a select loop over shutdown/command/inbound-datagram
// signals that owned every piece of mutable state -- into a thinner
// engine: the services already serialize their own state, so the actor's
// job shrinks to dispatch and command routing.
package lsnp

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lsnp-go/lsnp/config"
	"github.com/lsnp-go/lsnp/dedupe"
	"github.com/lsnp-go/lsnp/filetransfer"
	"github.com/lsnp-go/lsnp/game"
	"github.com/lsnp-go/lsnp/groupsvc"
	"github.com/lsnp-go/lsnp/messaging"
	"github.com/lsnp-go/lsnp/peer"
	"github.com/lsnp-go/lsnp/presence"
	"github.com/lsnp-go/lsnp/router"
	"github.com/lsnp-go/lsnp/token"
	"github.com/lsnp-go/lsnp/transport"
	"github.com/lsnp-go/lsnp/wire"
)

// engine holds every wired-together piece a running node needs. It has no
// exported surface; Node is the public API in front of it.
type engine struct {
	cfg      config.Config
	identity Identity

	transport *transport.Transport
	dedupe    *dedupe.Cache
	tokens    *token.Registry
	peers     *peer.Registry
	router    *router.Router

	presence *presence.Service
	messages *messaging.Service
	groups   *groupsvc.Service
	files    *filetransfer.Service
	games    *game.Service

	events *eventSink
	log    *logrus.Entry

	quit chan struct{}
}

// Identity is this node's own name and address on the LAN.
type Identity struct {
	Name string
}

// userAddr parses a UserID of the form "name@A.B.C.D" into a UDP address
// using this engine's bound port -- spec.md §3 fixes the IP in UserID to
// the peer's own outbound interface address, so no separate address table
// is needed: the ID carries its own routing information.
func (e *engine) userAddr(userID string) (*net.UDPAddr, bool) {
	idx := strings.LastIndex(userID, "@")
	if idx < 0 {
		return nil, false
	}
	ip := net.ParseIP(userID[idx+1:])
	if ip == nil {
		return nil, false
	}
	return &net.UDPAddr{IP: ip, Port: e.transport.Port()}, true
}

func newEngine(ctx context.Context, cfg config.Config, name string, log *logrus.Entry) (*engine, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	tr, err := transport.New(ctx, transport.Options{
		Port:          cfg.Port,
		RetrySchedule: cfg.RetrySchedule,
		Logger:        log,
	})
	if err != nil {
		return nil, fmt.Errorf("lsnp: starting transport: %w", err)
	}

	userID := fmt.Sprintf("%s@%s", name, tr.LocalIP().String())

	e := &engine{
		cfg:       cfg,
		identity:  Identity{Name: name},
		transport: tr,
		dedupe:    dedupe.New(cfg.DedupeCap, cfg.DedupeTTL),
		tokens:    token.NewRegistry(cfg.TokenTTL),
		peers:     peer.New(cfg.StaleThreshold, cfg.EvictThreshold),
		events:    newEventSink(),
		log:       log,
		quit:      make(chan struct{}),
	}
	e.router = router.New(e.dedupe, e.tokens, log)

	e.presence = presence.New(
		presence.Config{
			ProfileInterval: cfg.ProfileInterval,
			PingInterval:    cfg.PingInterval,
			ReapInterval:    time.Second,
			TokenTTL:        cfg.TokenTTL,
		},
		presence.Identity{UserID: userID, DisplayName: name, Status: "online"},
		tr, e.peers, e.tokens, e.events, log,
	)
	e.messages = messaging.New(
		messaging.Identity{UserID: userID, TokenTTL: cfg.TokenTTL},
		tr, e.events, e.userAddr, log,
	)
	e.groups = groupsvc.New(
		groupsvc.Identity{UserID: userID, TokenTTL: cfg.TokenTTL},
		tr, e.peers, e.events, e.userAddr, log,
	)
	e.files = filetransfer.New(
		filetransfer.Identity{UserID: userID, TokenTTL: cfg.TokenTTL},
		tr, e.events, cfg.FileWindow, cfg.FileChunkSize, cfg.SessionTimeout, log,
	)
	e.games = game.New(
		game.Identity{UserID: userID, TokenTTL: cfg.TokenTTL},
		tr, e.events, cfg.SessionTimeout, log,
	)

	e.registerHandlers()
	return e, nil
}

// registerHandlers wires every frame type to its owning service through
// the router's dedupe+token gate (spec.md §4.5).
func (e *engine) registerHandlers() {
	e.router.Handle(wire.TypeProfile, e.presence.HandleProfile)
	e.router.Handle(wire.TypePing, e.presence.HandlePing)
	e.router.Handle(wire.TypePong, e.presence.HandlePong)
	e.router.Handle(wire.TypeRevoke, e.presence.HandleRevoke)

	e.router.Handle(wire.TypePost, e.messages.HandlePost)
	e.router.Handle(wire.TypeLike, e.messages.HandleLike)
	e.router.Handle(wire.TypeChat, e.messages.HandleChat)

	e.router.Handle(wire.TypeGroupUpdate, e.groups.HandleGroupUpdate)
	e.router.Handle(wire.TypeGroupChat, e.groups.HandleGroupChat)

	e.router.Handle(wire.TypeFileOffer, e.files.HandleFileOffer)
	e.router.Handle(wire.TypeFileAccept, e.files.HandleFileAccept)
	e.router.Handle(wire.TypeFileReject, e.files.HandleFileReject)
	e.router.Handle(wire.TypeFileData, e.files.HandleFileData)
	e.router.Handle(wire.TypeFileComplete, e.files.HandleFileComplete)
	e.router.Handle(wire.TypeFileCancel, e.files.HandleFileCancel)

	e.router.Handle(wire.TypeGameInvite, e.games.HandleGameInvite)
	e.router.Handle(wire.TypeGameInviteAk, e.games.HandleGameInviteAck)
	e.router.Handle(wire.TypeGameMove, e.games.HandleGameMove)
	e.router.Handle(wire.TypeGameResync, e.games.HandleGameResync)
	e.router.Handle(wire.TypeGameResign, e.games.HandleGameResign)
}

// senderID resolves the sender_user_id half of the frame's fingerprint
// (spec.md §3); the router pairs it with MESSAGE_ID. Most types name their
// sender FROM or USER_ID; GAME_MOVE carries only PLAYER (the mover's
// symbol, not a UserID), and the types that carry none of these (GAME_RESIGN,
// GAME_RESYNC, FILE_DATA/COMPLETE/CANCEL, whose session is already scoped
// by transfer_id/game_id) fall back to the source address, which is enough
// to distinguish replays from distinct senders without a protocol-level
// identity claim.
func senderID(f *wire.Frame, addr *net.UDPAddr) string {
	if v, ok := f.Get(wire.HFrom); ok && v != "" {
		return v
	}
	if v, ok := f.Get(wire.HUserID); ok && v != "" {
		return v
	}
	if v, ok := f.Get(wire.HPlayer); ok && v != "" {
		return v
	}
	if addr != nil {
		return addr.String()
	}
	return ""
}

// run is the engine's one receive pump: inbound datagram -> dispatch.
// Presence's own timers run in their own goroutine (Run), same shape as
// the teacher's beacon ticker running alongside node.go's actor loop.
func (e *engine) run() {
	go e.presence.Run()
	go e.reapAbandonedGames()

	for {
		select {
		case <-e.quit:
			return
		case in := <-e.transport.Inbound():
			id := senderID(in.Frame, in.Addr)
			if strings.Contains(id, "@") && id != e.presenceUserID() {
				e.presence.TouchAny(id)
			}
			e.router.Dispatch(in.Frame, in.Addr, id)
		}
	}
}

func (e *engine) presenceUserID() string {
	return fmt.Sprintf("%s@%s", e.identity.Name, e.transport.LocalIP().String())
}

// opponentStale reports whether userID has gone silent for more than
// 2*stale_threshold, the abandonment bar spec.md §4.10 sets.
func (e *engine) opponentStale(userID string) bool {
	age, ok := e.peers.Age(userID)
	if !ok {
		return true
	}
	return age > 2*e.cfg.StaleThreshold
}

// reapAbandonedGames ticks once a second, ending any in-progress game
// whose opponent has gone stale for too long -- the same reap-loop shape
// presence.go uses against peer.Registry.Evict.
func (e *engine) reapAbandonedGames() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-e.quit:
			return
		case <-ticker.C:
			e.games.AbandonStaleOpponents(e.opponentStale)
		}
	}
}

func (e *engine) stop() {
	close(e.quit)
	e.presence.Stop()
	e.transport.Close()
}

// resolvePeerAddr exposes userAddr for the public Node API's commands.
func (e *engine) resolvePeerAddr(userID string) (*net.UDPAddr, error) {
	addr, ok := e.userAddr(userID)
	if !ok {
		return nil, fmt.Errorf("lsnp: cannot resolve address for %q", userID)
	}
	return addr, nil
}

// newMessageID mints a reasonably-unique id from the local clock and the
// sender's own identity, the same scheme gyre.go used for UUIDs (just
// simpler, since collision here only needs to avoid dedupe false-hits
// within one node's own reliable sends).
func newMessageID(prefix string) string {
	return prefix + ":" + strconv.FormatInt(time.Now().UnixNano(), 36)
}

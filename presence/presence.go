// Package presence drives the periodic PROFILE/PING broadcasts and the
// stale/evict reaping of spec.md §4.6. It generalizes beacon.go's
// signal() ticker (periodic transmit of a fixed payload) into two
// independently-scheduled broadcasts, and node.go's pingPeer reap loop
// (evasiveAt/expiredAt) into calls against peer.Registry's
// clock-driven classification.
package presence

import (
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lsnp-go/lsnp/peer"
	"github.com/lsnp-go/lsnp/token"
	"github.com/lsnp-go/lsnp/wire"
)

// Sender is the subset of transport.Transport presence needs.
type Sender interface {
	SendBroadcast(f *wire.Frame) error
	SendUnicast(f *wire.Frame, addr *net.UDPAddr) error
}

// Config holds the timing knobs of spec.md §6.3.
type Config struct {
	ProfileInterval time.Duration
	PingInterval    time.Duration
	ReapInterval    time.Duration
	TokenTTL        time.Duration
}

// DefaultConfig returns spec.md §6.3's defaults.
func DefaultConfig() Config {
	return Config{
		ProfileInterval: 30 * time.Second,
		PingInterval:    10 * time.Second,
		ReapInterval:    time.Second,
		TokenTTL:        time.Hour,
	}
}

// Identity is this node's own presence fields.
type Identity struct {
	UserID      string
	DisplayName string
	Status      string
}

// Events is the subset of the UI event surface presence emits.
type Events interface {
	PeerAdded(id peer.Peer)
	PeerUpdated(id peer.Peer)
	PeerRemoved(userID string)
}

// Service runs the presence timers against a Sender and a peer.Registry.
type Service struct {
	cfg    Config
	sender Sender
	registry *peer.Registry
	tokens   *token.Registry
	events   Events
	log      *logrus.Entry

	identMu  sync.Mutex
	identity Identity

	quit chan struct{}
}

// New creates a presence service. Call Run in its own goroutine.
func New(cfg Config, id Identity, sender Sender, registry *peer.Registry, tokens *token.Registry, events Events, log *logrus.Entry) *Service {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Service{
		cfg: cfg, identity: id, sender: sender, registry: registry,
		tokens: tokens, events: events, log: log,
		quit: make(chan struct{}),
	}
}

// Run drives the PROFILE/PING/reap schedule until Stop is called.
// spec.md §4.6's "initial burst": PROFILE then PING are sent immediately
// on startup, then the service falls into its periodic schedule.
func (s *Service) Run() {
	s.broadcastProfile()
	s.broadcastPing()

	profileTicker := time.NewTicker(s.cfg.ProfileInterval)
	pingTicker := time.NewTicker(s.cfg.PingInterval)
	reapTicker := time.NewTicker(s.cfg.ReapInterval)
	defer profileTicker.Stop()
	defer pingTicker.Stop()
	defer reapTicker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-profileTicker.C:
			s.broadcastProfile()
		case <-pingTicker.C:
			s.broadcastPing()
		case <-reapTicker.C:
			s.reap()
		}
	}
}

// SetIdentity updates this node's own display name/status and immediately
// broadcasts a fresh PROFILE, so a UI-driven profile edit propagates
// without waiting for the next scheduled tick.
func (s *Service) SetIdentity(displayName, status string) {
	s.identMu.Lock()
	s.identity.DisplayName = displayName
	s.identity.Status = status
	s.identMu.Unlock()
	s.broadcastProfile()
}

func (s *Service) currentIdentity() Identity {
	s.identMu.Lock()
	defer s.identMu.Unlock()
	return s.identity
}

// Stop halts the service and broadcasts a REVOKE so peers mark this node
// inactive immediately (spec.md §4.6).
func (s *Service) Stop() {
	close(s.quit)
	_ = s.sender.SendBroadcast(wire.NewRevoke(s.currentIdentity().UserID))
}

func (s *Service) broadcastProfile() {
	id := s.currentIdentity()
	tok := token.Mint(id.UserID, wire.ScopeBroadcast, s.cfg.TokenTTL)
	f := wire.NewProfile(id.UserID, id.DisplayName, id.Status, tok.String())
	if err := s.sender.SendBroadcast(f); err != nil {
		s.log.WithError(err).Warn("presence: failed to broadcast PROFILE")
	}
}

func (s *Service) broadcastPing() {
	id := s.currentIdentity()
	tok := token.Mint(id.UserID, wire.ScopePresence, s.cfg.TokenTTL)
	f := wire.NewPing(id.UserID, tok.String())
	if err := s.sender.SendBroadcast(f); err != nil {
		s.log.WithError(err).Warn("presence: failed to broadcast PING")
	}
}

func (s *Service) reap() {
	for _, userID := range s.registry.Evict() {
		s.events.PeerRemoved(userID)
	}
}

// HandleProfile applies an inbound PROFILE frame: updates the registry and
// notifies the UI of an enter or an update.
func (s *Service) HandleProfile(f *wire.Frame, addr *net.UDPAddr) {
	userID, _ := f.Get(wire.HUserID)
	if userID == "" || userID == s.identity.UserID {
		return
	}
	_, created := s.registry.Touch(userID)
	displayName, _ := f.Get(wire.HDisplayName)
	status, _ := f.Get(wire.HStatus)
	s.registry.UpdateProfile(userID, displayName, status)

	p, _ := s.registry.Get(userID)
	if created {
		s.events.PeerAdded(p)
	} else {
		s.events.PeerUpdated(p)
	}
}

// HandlePing applies an inbound PING by refreshing the sender and
// unicasting a PONG, per spec.md §4.6.
func (s *Service) HandlePing(f *wire.Frame, addr *net.UDPAddr) {
	userID, _ := f.Get(wire.HUserID)
	if userID == "" || userID == s.identity.UserID {
		return
	}
	_, created := s.registry.Touch(userID)
	if created {
		p, _ := s.registry.Get(userID)
		s.events.PeerAdded(p)
	}

	tok := token.Mint(s.identity.UserID, wire.ScopePresence, s.cfg.TokenTTL)
	reply := wire.NewPong(s.identity.UserID, userID, tok.String())
	if err := s.sender.SendUnicast(reply, addr); err != nil {
		s.log.WithError(err).Warn("presence: failed to send PONG")
	}
}

// HandlePong refreshes the sender's last_seen; no reply is sent.
func (s *Service) HandlePong(f *wire.Frame, addr *net.UDPAddr) {
	userID, _ := f.Get(wire.HUserID)
	if userID == "" || userID == s.identity.UserID {
		return
	}
	_, created := s.registry.Touch(userID)
	if created {
		p, _ := s.registry.Get(userID)
		s.events.PeerAdded(p)
	}
}

// HandleRevoke marks the sender's peer removed immediately and revokes
// its tokens, per spec.md §4.6 and Testable Property 7.
func (s *Service) HandleRevoke(f *wire.Frame, addr *net.UDPAddr) {
	userID, _ := f.Get(wire.HUserID)
	if userID == "" {
		return
	}
	s.registry.Remove(userID)
	s.tokens.Revoke(userID)
	s.events.PeerRemoved(userID)
}

// TouchAny refreshes last_seen for userID without any frame-specific
// handling -- spec.md §4.6: "last_seen is updated by any authentic frame
// from that peer, not only PONG." Other services call this once they've
// identified a frame's sender.
func (s *Service) TouchAny(userID string) {
	if userID == "" || userID == s.identity.UserID {
		return
	}
	_, created := s.registry.Touch(userID)
	if created {
		p, _ := s.registry.Get(userID)
		s.events.PeerAdded(p)
	}
}

// Package messaging implements direct chat, the public POST timeline, and
// LIKE reactions of spec.md §4.7. It generalizes the teacher's whisper/shout
// (gyre.go Whisper/Shout, routed through node.go's DEALER sockets with no
// delivery feedback) by layering spec.md's explicit ack/delivery-state
// tracking on top of transport.SendReliable's Delivery future.
package messaging

import (
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lsnp-go/lsnp/token"
	"github.com/lsnp-go/lsnp/transport"
	"github.com/lsnp-go/lsnp/wire"
)

// DeliveryState mirrors transport.DeliveryState for the UI layer.
type DeliveryState = transport.DeliveryState

const (
	Pending = transport.Pending
	Acked   = transport.Acked
	Failed  = transport.Failed
)

// Sender is the subset of transport.Transport messaging needs.
type Sender interface {
	SendBroadcast(f *wire.Frame) error
	SendReliable(f *wire.Frame, addr *net.UDPAddr, messageID string) (*transport.Delivery, error)
	Ack(messageID string, to *net.UDPAddr) error
}

// ChatMessage is one direct message, tracked by its delivery state.
type ChatMessage struct {
	MessageID string
	From      string
	To        string
	Text      string
	SentAt    time.Time
	State     DeliveryState
}

// Post is one broadcast timeline entry.
type Post struct {
	PostID    string
	From      string
	Text      string
	ReceivedAt time.Time
	Likes     map[string]bool
}

// Events is the subset of the UI event surface messaging emits.
type Events interface {
	DMReceived(msg ChatMessage)
	DMDeliveryChanged(messageID string, state DeliveryState)
	PostReceived(p Post)
	LikeReceived(postID, from string)
}

// Identity is this node's own identity, needed to mint tokens and stamp
// FROM headers.
type Identity struct {
	UserID   string
	TokenTTL time.Duration
}

// Service tracks outbound chat delivery state and the inbound post
// timeline.
type Service struct {
	identity Identity
	sender   Sender
	events   Events
	log      *logrus.Entry

	mu        sync.Mutex
	outbox    map[string]*ChatMessage
	posts     map[string]*Post
	addrOf    func(userID string) (*net.UDPAddr, bool)
}

// New creates a messaging service. addrOf resolves a peer's UserID to a
// UDP address (the node parses the IP embedded in the "name@ip" UserID;
// the caller supplies this lookup so messaging doesn't depend on how
// addresses are derived).
func New(id Identity, sender Sender, events Events, addrOf func(string) (*net.UDPAddr, bool), log *logrus.Entry) *Service {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Service{
		identity: id,
		sender:   sender,
		events:   events,
		log:      log,
		outbox:   make(map[string]*ChatMessage),
		posts:    make(map[string]*Post),
		addrOf:   addrOf,
	}
}

// SendChat sends a direct message, tracking its delivery state until the
// ACK arrives or retries are exhausted (spec.md §4.4, §4.7).
func (s *Service) SendChat(messageID, to, text string) error {
	addr, ok := s.addrOf(to)
	if !ok {
		return errUnknownPeer(to)
	}

	tok := token.Mint(s.identity.UserID, wire.ScopeChat, s.identity.TokenTTL)
	f := wire.NewChat(messageID, s.identity.UserID, to, tok.String(), text)

	msg := &ChatMessage{
		MessageID: messageID,
		From:      s.identity.UserID,
		To:        to,
		Text:      text,
		SentAt:    time.Now(),
		State:     Pending,
	}
	s.mu.Lock()
	s.outbox[messageID] = msg
	s.mu.Unlock()

	delivery, err := s.sender.SendReliable(f, addr, messageID)
	if err != nil {
		s.mu.Lock()
		msg.State = Failed
		s.mu.Unlock()
		return err
	}

	go s.awaitDelivery(messageID, delivery)
	return nil
}

func (s *Service) awaitDelivery(messageID string, delivery *transport.Delivery) {
	result := delivery.Wait()
	if result.Err != nil {
		s.log.WithError(result.Err).WithField("message_id", messageID).Debug("chat delivery wait error")
	}

	s.mu.Lock()
	msg, ok := s.outbox[messageID]
	if ok {
		msg.State = result.State
	}
	s.mu.Unlock()

	if ok {
		s.events.DMDeliveryChanged(messageID, result.State)
	}
}

// HandleChat applies an inbound CHAT frame: ACKs it and notifies the UI.
func (s *Service) HandleChat(f *wire.Frame, addr *net.UDPAddr) {
	messageID, _ := f.Get(wire.HMessageID)
	from, _ := f.Get(wire.HFrom)
	to, _ := f.Get(wire.HTo)
	if to != s.identity.UserID {
		return
	}

	msg := ChatMessage{
		MessageID: messageID,
		From:      from,
		To:        to,
		Text:      string(f.Body),
		SentAt:    time.Now(),
		State:     Acked,
	}
	s.events.DMReceived(msg)

	if err := s.sender.Ack(messageID, addr); err != nil {
		s.log.WithError(err).Debug("failed to ack inbound chat")
	}
}

// Post broadcasts a new timeline entry.
func (s *Service) Post(postID, text string) error {
	tok := token.Mint(s.identity.UserID, wire.ScopeBroadcast, s.identity.TokenTTL)
	f := wire.NewPost(postID, s.identity.UserID, tok.String(), text)
	return s.sender.SendBroadcast(f)
}

// HandlePost applies an inbound POST by appending it to the timeline. POST
// frames carry no MESSAGE_ID, so the router does not dedupe them; a
// post_id already on the timeline is dropped here instead.
func (s *Service) HandlePost(f *wire.Frame, addr *net.UDPAddr) {
	postID, _ := f.Get(wire.HPostID)
	from, _ := f.Get(wire.HFrom)
	if postID == "" || from == s.identity.UserID {
		return
	}

	p := &Post{PostID: postID, From: from, Text: string(f.Body), ReceivedAt: time.Now(), Likes: make(map[string]bool)}
	s.mu.Lock()
	if _, seen := s.posts[postID]; seen {
		s.mu.Unlock()
		return
	}
	s.posts[postID] = p
	s.mu.Unlock()

	s.events.PostReceived(*p)
}

// Like broadcasts a LIKE for postID.
func (s *Service) Like(postID string) error {
	tok := token.Mint(s.identity.UserID, wire.ScopeBroadcast, s.identity.TokenTTL)
	f := wire.NewLike(postID, s.identity.UserID, tok.String())
	return s.sender.SendBroadcast(f)
}

// HandleLike applies an inbound LIKE with set semantics: a repeat like from
// the same user_id on the same post is a no-op (spec.md §4.7).
func (s *Service) HandleLike(f *wire.Frame, addr *net.UDPAddr) {
	postID, _ := f.Get(wire.HPostID)
	from, _ := f.Get(wire.HFrom)

	s.mu.Lock()
	p, ok := s.posts[postID]
	if ok {
		if p.Likes[from] {
			s.mu.Unlock()
			return
		}
		p.Likes[from] = true
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	s.events.LikeReceived(postID, from)
}

type errUnknownPeer string

func (e errUnknownPeer) Error() string {
	return "messaging: unknown peer address for " + string(e)
}

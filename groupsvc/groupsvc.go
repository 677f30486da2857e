// Package groupsvc implements spec.md §4.8 groups: creator-authoritative
// membership, a broadcast GROUP_UPDATE announcement, and per-member unicast
// GROUP_CHAT fan-out. It generalizes the teacher's group.go (a bare
// name+peer-set with join/leave/send) into a record with a creator,
// a local receive timestamp, and a send path that resolves each member's
// address from its UserID instead of holding direct mailbox references to
// each member.
package groupsvc

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lsnp-go/lsnp/peer"
	"github.com/lsnp-go/lsnp/token"
	"github.com/lsnp-go/lsnp/transport"
	"github.com/lsnp-go/lsnp/wire"
)

// Group is one group's membership record.
type Group struct {
	GroupID   string
	Creator   string
	Name      string
	Members   map[string]bool
	UpdatedAt time.Time
}

// memberList renders Members as a sorted, comma-joined string for the
// MEMBERS header.
func (g *Group) memberList() string {
	out := make([]string, 0, len(g.Members))
	for m := range g.Members {
		out = append(out, m)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}

func parseMembers(s string) map[string]bool {
	out := make(map[string]bool)
	if s == "" {
		return out
	}
	for _, m := range strings.Split(s, ",") {
		if m != "" {
			out[m] = true
		}
	}
	return out
}

// Sender is the subset of transport.Transport groupsvc needs. Per-member
// fan-out still rides the reliable retry discipline (spec.md §6.2 marks
// GROUP_CHAT reliable); groupsvc just doesn't wait on the Delivery before
// moving to the next member.
type Sender interface {
	SendBroadcast(f *wire.Frame) error
	SendReliable(f *wire.Frame, addr *net.UDPAddr, messageID string) (*transport.Delivery, error)
	Ack(messageID string, to *net.UDPAddr) error
}

// DeliveryState mirrors transport.DeliveryState for the UI layer, the same
// alias messaging.go uses.
type DeliveryState = transport.DeliveryState

const (
	Pending = transport.Pending
	Acked   = transport.Acked
	Failed  = transport.Failed
)

// Identity is this node's own identity.
type Identity struct {
	UserID   string
	TokenTTL time.Duration
}

// Events is the subset of the UI event surface groupsvc emits.
type Events interface {
	GroupUpdated(g Group)
	GroupMessageReceived(groupID, from, text string)
	GroupDeliveryChanged(groupID, messageID string, state DeliveryState)
}

// Service owns the local group table.
type Service struct {
	identity Identity
	sender   Sender
	registry *peer.Registry
	events   Events
	log      *logrus.Entry
	addrOf   func(userID string) (*net.UDPAddr, bool)

	mu     sync.Mutex
	groups map[string]*Group
	seq    int
}

// New creates a group service. addrOf resolves a peer's UserID to a UDP
// address, same contract as messaging.New.
func New(id Identity, sender Sender, registry *peer.Registry, events Events, addrOf func(string) (*net.UDPAddr, bool), log *logrus.Entry) *Service {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Service{
		identity: id,
		sender:   sender,
		registry: registry,
		events:   events,
		addrOf:   addrOf,
		log:      log,
		groups:   make(map[string]*Group),
	}
}

// CreateGroup forms a new group with this node as creator, per spec.md
// §9's Open Question resolution: group_id embeds the creator's UserID so
// any node can locally verify update authority without a lookup.
func (s *Service) CreateGroup(name string, members []string) (*Group, error) {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	groupID := fmt.Sprintf("%s:%d", s.identity.UserID, seq)
	memberSet := map[string]bool{s.identity.UserID: true}
	for _, m := range members {
		memberSet[m] = true
	}

	g := &Group{
		GroupID:   groupID,
		Creator:   s.identity.UserID,
		Name:      name,
		Members:   memberSet,
		UpdatedAt: time.Now(),
	}

	s.mu.Lock()
	s.groups[groupID] = g
	s.mu.Unlock()

	return g, s.announce(g)
}

func (s *Service) announce(g *Group) error {
	tok := token.Mint(s.identity.UserID, wire.ScopeBroadcast, s.identity.TokenTTL)
	f := wire.NewGroupUpdate(g.GroupID, g.Creator, g.Name, g.memberList(), tok.String())
	return s.sender.SendBroadcast(f)
}

// groupCreator extracts the creator's UserID from a group_id of the form
// "creator:seq" (spec.md §9).
func groupCreator(groupID string) string {
	idx := strings.LastIndex(groupID, ":")
	if idx < 0 {
		return groupID
	}
	return groupID[:idx]
}

// HandleGroupUpdate applies an inbound GROUP_UPDATE, accepting it only if
// it comes from the group's creator (embedded in group_id). GROUP_UPDATE
// frames carry no creator timestamp, so updates are applied in arrival
// order and stamped with the local receive time: an older update that
// arrives after a newer one replaces it.
func (s *Service) HandleGroupUpdate(f *wire.Frame, addr *net.UDPAddr) {
	groupID, _ := f.Get(wire.HGroupID)
	creator, _ := f.Get(wire.HCreator)
	name, _ := f.Get(wire.HName)
	membersStr, _ := f.Get(wire.HMembers)

	if creator == "" || creator != groupCreator(groupID) {
		s.log.WithField("group_id", groupID).Debug("dropping group_update from non-creator")
		return
	}

	now := time.Now()
	s.mu.Lock()
	existing, ok := s.groups[groupID]
	if ok && !now.After(existing.UpdatedAt) {
		s.mu.Unlock()
		return
	}
	g := &Group{
		GroupID:   groupID,
		Creator:   creator,
		Name:      name,
		Members:   parseMembers(membersStr),
		UpdatedAt: now,
	}
	s.groups[groupID] = g
	s.mu.Unlock()

	s.events.GroupUpdated(*g)
}

// SendGroupChat fans a message out to every member but the sender, unicast
// per member, resolving each member's address from its UserID via addrOf;
// the peer registry is not consulted. Delivery is tracked
// per-recipient against transport's retry discipline, then aggregated into
// a single GroupDeliveryChanged event per spec.md §4.8: acked once any
// recipient acks, failed only once every recipient has failed.
func (s *Service) SendGroupChat(messageID, groupID, text string) error {
	s.mu.Lock()
	g, ok := s.groups[groupID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("groupsvc: unknown group %q", groupID)
	}

	tok := token.Mint(s.identity.UserID, wire.ScopeChat, s.identity.TokenTTL)

	var deliveries []*transport.Delivery
	var lastErr error
	for member := range g.Members {
		if member == s.identity.UserID {
			continue
		}
		addr, ok := s.addrOf(member)
		if !ok {
			lastErr = fmt.Errorf("groupsvc: unknown address for %s", member)
			continue
		}
		f := wire.NewGroupChat(messageID, groupID, s.identity.UserID, member, tok.String(), text)
		delivery, err := s.sender.SendReliable(f, addr, messageID+":"+member)
		if err != nil {
			lastErr = err
			continue
		}
		deliveries = append(deliveries, delivery)
	}

	if len(deliveries) == 0 {
		return lastErr
	}

	go s.awaitGroupDelivery(groupID, messageID, deliveries)
	return nil
}

// awaitGroupDelivery fans every member's Delivery future in concurrently
// and reports one aggregate outcome: Acked as soon as any recipient acks,
// Failed only once every recipient's delivery has failed.
func (s *Service) awaitGroupDelivery(groupID, messageID string, deliveries []*transport.Delivery) {
	results := make(chan transport.Result, len(deliveries))
	for _, d := range deliveries {
		d := d
		go func() { results <- d.Wait() }()
	}

	state := Failed
	for range deliveries {
		if r := <-results; r.State == Acked {
			state = Acked
			break
		}
	}
	s.events.GroupDeliveryChanged(groupID, messageID, state)
}

// HandleGroupChat applies an inbound GROUP_CHAT addressed to this node.
func (s *Service) HandleGroupChat(f *wire.Frame, addr *net.UDPAddr) {
	groupID, _ := f.Get(wire.HGroupID)
	from, _ := f.Get(wire.HFrom)
	to, _ := f.Get(wire.HTo)
	if to != s.identity.UserID {
		return
	}
	s.events.GroupMessageReceived(groupID, from, string(f.Body))

	if messageID, ok := f.Get(wire.HMessageID); ok {
		if err := s.sender.Ack(messageID, addr); err != nil {
			s.log.WithError(err).Debug("failed to ack inbound group_chat")
		}
	}
}

// Group returns a copy of a known group.
func (s *Service) Group(groupID string) (Group, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return Group{}, false
	}
	return *g, true
}

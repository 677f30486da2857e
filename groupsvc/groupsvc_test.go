package groupsvc

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/lsnp-go/lsnp/peer"
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

type fakeEvents struct {
	mu         sync.Mutex
	updated    []Group
	received   []string
	deliveries []DeliveryState
}

func (e *fakeEvents) GroupUpdated(g Group) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.updated = append(e.updated, g)
}

func (e *fakeEvents) GroupMessageReceived(groupID, from, text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.received = append(e.received, groupID+":"+from+":"+text)
}

func (e *fakeEvents) GroupDeliveryChanged(groupID, messageID string, state DeliveryState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deliveries = append(e.deliveries, state)
}

func loopbackAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

type recordingBroadcaster struct {
	*transport.Transport
	mu         sync.Mutex
	broadcasts []*wire.Frame
}

func (r *recordingBroadcaster) SendBroadcast(f *wire.Frame) error {
	r.mu.Lock()
	r.broadcasts = append(r.broadcasts, f)
	r.mu.Unlock()
	return r.Transport.SendBroadcast(f)
}

func TestCreateGroupBroadcastsUpdate(t *testing.T) {
	a := &recordingBroadcaster{Transport: mustTransport(t)}

	events := &fakeEvents{}
	registry := peer.New(60*time.Second, 300*time.Second)
	svc := New(Identity{UserID: "alice@127.0.0.1", TokenTTL: time.Hour}, a, registry, events, nil, nil)

	g, err := svc.CreateGroup("study-group", []string{"bob@127.0.0.1"})
	if err != nil {
		t.Fatal(err)
	}
	if g.Creator != "alice@127.0.0.1" {
		t.Fatalf("expected alice as creator, got %s", g.Creator)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.broadcasts) != 1 || a.broadcasts[0].Type != wire.TypeGroupUpdate {
		t.Fatalf("expected exactly one GROUP_UPDATE broadcast, got %v", a.broadcasts)
	}
}

func TestHandleGroupUpdateRejectsNonCreator(t *testing.T) {
	events := &fakeEvents{}
	registry := peer.New(60*time.Second, 300*time.Second)
	svc := New(Identity{UserID: "bob@127.0.0.1", TokenTTL: time.Hour}, nil, registry, events, nil, nil)

	groupID := "alice@127.0.0.1:1"
	f := wire.NewGroupUpdate(groupID, "mallory@127.0.0.1", "evil", "bob@127.0.0.1", "tok")
	svc.HandleGroupUpdate(f, nil)

	if _, ok := svc.Group(groupID); ok {
		t.Fatal("expected a non-creator GROUP_UPDATE to be rejected")
	}
	if len(events.updated) != 0 {
		t.Fatal("expected no group_updated event for a rejected update")
	}
}

func TestHandleGroupUpdateAppliesLastWriterWins(t *testing.T) {
	events := &fakeEvents{}
	registry := peer.New(60*time.Second, 300*time.Second)
	svc := New(Identity{UserID: "bob@127.0.0.1", TokenTTL: time.Hour}, nil, registry, events, nil, nil)

	groupID := "alice@127.0.0.1:1"
	f1 := wire.NewGroupUpdate(groupID, "alice@127.0.0.1", "study", "alice@127.0.0.1,bob@127.0.0.1", "tok")
	svc.HandleGroupUpdate(f1, nil)

	g, ok := svc.Group(groupID)
	if !ok || g.Name != "study" {
		t.Fatalf("expected group to be recorded with name 'study', got %+v ok=%v", g, ok)
	}

	f2 := wire.NewGroupUpdate(groupID, "alice@127.0.0.1", "renamed", "alice@127.0.0.1", "tok")
	svc.HandleGroupUpdate(f2, nil)

	g2, _ := svc.Group(groupID)
	if g2.Name != "renamed" {
		t.Fatalf("expected a later update from the creator to win, got name %q", g2.Name)
	}
}

func TestSendGroupChatFansOutToEachMemberButSelf(t *testing.T) {
	a := mustTransport(t)
	b := mustTransport(t)
	c := mustTransport(t)

	events := &fakeEvents{}
	registry := peer.New(60*time.Second, 300*time.Second)
	addrOf := func(userID string) (*net.UDPAddr, bool) {
		switch userID {
		case "bob@127.0.0.1":
			return loopbackAddr(b.Port()), true
		case "carol@127.0.0.1":
			return loopbackAddr(c.Port()), true
		}
		return nil, false
	}
	svc := New(Identity{UserID: "alice@127.0.0.1", TokenTTL: time.Hour}, a, registry, events, addrOf, nil)

	g, err := svc.CreateGroup("study-group", []string{"bob@127.0.0.1", "carol@127.0.0.1"})
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.SendGroupChat("m1", g.GroupID, "hello group"); err != nil {
		t.Fatal(err)
	}

	for _, tr := range []*transport.Transport{b, c} {
		select {
		case in := <-tr.Inbound():
			if in.Frame.Type != wire.TypeGroupChat {
				t.Fatalf("expected GROUP_CHAT, got %s", in.Frame.Type)
			}
			if messageID, ok := in.Frame.Get(wire.HMessageID); ok {
				if err := tr.Ack(messageID, loopbackAddr(a.Port())); err != nil {
					t.Fatal(err)
				}
			}
		case <-time.After(time.Second):
			t.Fatal("member never received the fanned-out GROUP_CHAT")
		}
	}

	deadline := time.After(time.Second)
	for {
		events.mu.Lock()
		n := len(events.deliveries)
		events.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected a GroupDeliveryChanged event once any recipient acked")
		case <-time.After(10 * time.Millisecond):
		}
	}

	events.mu.Lock()
	defer events.mu.Unlock()
	if events.deliveries[0] != Acked {
		t.Fatalf("expected the aggregate group delivery to report Acked, got %v", events.deliveries[0])
	}
}

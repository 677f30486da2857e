package lsnp

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/lsnp-go/lsnp/config"
	"github.com/lsnp-go/lsnp/game"
)

// Node is the public handle a UI adapter drives, generalizing gyre.go's
// Gyre wrapper (cmds/events channels in front of one node actor) to the
// full LSNP command/event surface of spec.md §6.4. Unlike the teacher,
// commands here are plain method calls rather than a cmds channel: every
// underlying service already serializes its own state, so there is no
// shared mutable state left for a command channel to protect.
type Node struct {
	e      *engine
	cancel context.CancelFunc
}

// New starts a node named name, bound per cfg, and begins broadcasting
// presence immediately.
func New(cfg config.Config, name string, log *logrus.Entry) (*Node, error) {
	ctx, cancel := context.WithCancel(context.Background())
	e, err := newEngine(ctx, cfg, name, log)
	if err != nil {
		cancel()
		return nil, err
	}
	go e.run()
	return &Node{e: e, cancel: cancel}, nil
}

// UserID returns this node's full name@ip identity.
func (n *Node) UserID() string { return n.e.presenceUserID() }

// Events returns the channel of UI notifications (spec.md §6.4's event
// list). Callers must keep draining it; a full buffer drops the oldest
// pending notification rather than blocking the receive pump.
func (n *Node) Events() <-chan Event { return n.e.events.ch }

// SendChat sends a direct message to peer.
func (n *Node) SendChat(peerID, text string) error {
	return n.e.messages.SendChat(newMessageID("chat"), peerID, text)
}

// Post broadcasts a new timeline entry.
func (n *Node) Post(text string) error {
	return n.e.messages.Post(newMessageID("post"), text)
}

// Like reacts to a post.
func (n *Node) Like(postID string) error {
	return n.e.messages.Like(postID)
}

// CreateGroup forms a new group with this node as creator.
func (n *Node) CreateGroup(name string, members []string) (string, error) {
	g, err := n.e.groups.CreateGroup(name, members)
	if err != nil {
		return "", err
	}
	return g.GroupID, nil
}

// SendGroupChat fans a message out to a group's members.
func (n *Node) SendGroupChat(groupID, text string) error {
	return n.e.groups.SendGroupChat(newMessageID("gchat"), groupID, text)
}

// OfferFile begins a send-side file transfer to peer.
func (n *Node) OfferFile(peerID, filename string, data []byte) (string, error) {
	addr, err := n.e.resolvePeerAddr(peerID)
	if err != nil {
		return "", err
	}
	transferID := newMessageID("file")
	if err := n.e.files.OfferFile(transferID, peerID, addr, filename, data); err != nil {
		return "", err
	}
	return transferID, nil
}

// AcceptFile accepts a pending incoming file offer.
func (n *Node) AcceptFile(transferID string) error {
	return n.e.files.AcceptFile(transferID)
}

// RejectFile declines a pending incoming file offer.
func (n *Node) RejectFile(transferID string) error {
	return n.e.files.RejectFile(transferID)
}

// CancelFile aborts an in-flight transfer.
func (n *Node) CancelFile(transferID string) error {
	return n.e.files.CancelFile(transferID)
}

// InviteGame proposes a new Tic-Tac-Toe match to peer, taking symbol X.
func (n *Node) InviteGame(peerID string) (string, error) {
	addr, err := n.e.resolvePeerAddr(peerID)
	if err != nil {
		return "", err
	}
	gameID := newMessageID("game")
	if err := n.e.games.InviteGame(gameID, peerID, addr, game.X); err != nil {
		return "", err
	}
	return gameID, nil
}

// RespondGameInvite accepts or declines a pending invitation from peer.
func (n *Node) RespondGameInvite(gameID, peerID string, accept bool) error {
	addr, err := n.e.resolvePeerAddr(peerID)
	if err != nil {
		return err
	}
	return n.e.games.RespondInvite(gameID, accept, addr)
}

// SubmitMove plays a move against peer in an active game.
func (n *Node) SubmitMove(gameID, peerID string, position int) error {
	addr, err := n.e.resolvePeerAddr(peerID)
	if err != nil {
		return err
	}
	return n.e.games.SubmitMove(gameID, position, addr)
}

// ResignGame concedes an active game to peer.
func (n *Node) ResignGame(gameID, peerID string) error {
	addr, err := n.e.resolvePeerAddr(peerID)
	if err != nil {
		return err
	}
	return n.e.games.Resign(gameID, addr)
}

// UpdateProfile changes this node's display name/status and immediately
// re-broadcasts PROFILE so peers pick up the change without waiting for
// the next scheduled tick.
func (n *Node) UpdateProfile(displayName, status string) {
	n.e.presence.SetIdentity(displayName, status)
}

// Shutdown broadcasts REVOKE and closes the socket.
func (n *Node) Shutdown() {
	n.e.stop()
	n.cancel()
}

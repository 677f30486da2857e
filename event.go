package lsnp

import (
	"github.com/lsnp-go/lsnp/filetransfer"
	"github.com/lsnp-go/lsnp/game"
	"github.com/lsnp-go/lsnp/groupsvc"
	"github.com/lsnp-go/lsnp/messaging"
	"github.com/lsnp-go/lsnp/peer"
)

// EventKind names one of the UI adapter contract's event types (spec.md
// §6.4). A single Event carries whichever of its fields its Kind uses,
// the same flavor as the teacher's Event{Type, Peer, Group, Key, Content}
// covering ENTER/EXIT/WHISPER/SHOUT/JOIN/LEAVE/SET.
type EventKind string

const (
	EventPeerAdded            EventKind = "peer_added"
	EventPeerUpdated          EventKind = "peer_updated"
	EventPeerRemoved          EventKind = "peer_removed"
	EventDMReceived           EventKind = "dm_received"
	EventDMDeliveryChanged    EventKind = "dm_delivery_changed"
	EventPostReceived         EventKind = "post_received"
	EventLikeReceived         EventKind = "like_received"
	EventGroupUpdated         EventKind = "group_updated"
	EventGroupMessageReceived EventKind = "group_message_received"
	EventGroupDeliveryChanged EventKind = "group_delivery_changed"
	EventFileOffered          EventKind = "file_offered"
	EventFileProgress         EventKind = "file_progress"
	EventFileCompleted        EventKind = "file_completed"
	EventFileFailed           EventKind = "file_failed"
	EventGameInvited          EventKind = "game_invited"
	EventGameStarted          EventKind = "game_started"
	EventGameMoveApplied      EventKind = "game_move_applied"
	EventGameEnded            EventKind = "game_ended"
	EventVerboseLog           EventKind = "verbose_log"
)

// Event is one notification delivered to the UI adapter over Node.Events().
type Event struct {
	Kind EventKind

	Peer      peer.Peer
	UserID    string
	MessageID string
	Message   messaging.ChatMessage
	State     messaging.DeliveryState
	Post      messaging.Post
	PostID    string
	From      string
	Group     groupsvc.Group
	GroupID   string
	Text      string

	TransferID  string
	Filename    string
	Size        int
	ChunksDone  int
	ChunksTotal int
	Data        []byte
	Reason      string

	GameID string
	Symbol string
	Game   game.Game
	Outcome game.Outcome

	Log string
}

// eventSink adapts every service's Events interface onto one buffered
// channel, mirroring the teacher's events channel ("do not block on
// sending events"). When the buffer is full the oldest pending event is
// dropped to make room.
type eventSink struct {
	ch chan Event
}

func newEventSink() *eventSink {
	return &eventSink{ch: make(chan Event, 4096)}
}

func (s *eventSink) emit(e Event) {
	select {
	case s.ch <- e:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- e:
	default:
	}
}

// presence.Events

func (s *eventSink) PeerAdded(p peer.Peer)       { s.emit(Event{Kind: EventPeerAdded, Peer: p}) }
func (s *eventSink) PeerUpdated(p peer.Peer)     { s.emit(Event{Kind: EventPeerUpdated, Peer: p}) }
func (s *eventSink) PeerRemoved(userID string)    { s.emit(Event{Kind: EventPeerRemoved, UserID: userID}) }

// messaging.Events

func (s *eventSink) DMReceived(msg messaging.ChatMessage) {
	s.emit(Event{Kind: EventDMReceived, Message: msg})
}
func (s *eventSink) DMDeliveryChanged(messageID string, state messaging.DeliveryState) {
	s.emit(Event{Kind: EventDMDeliveryChanged, MessageID: messageID, State: state})
}
func (s *eventSink) PostReceived(p messaging.Post) { s.emit(Event{Kind: EventPostReceived, Post: p}) }
func (s *eventSink) LikeReceived(postID, from string) {
	s.emit(Event{Kind: EventLikeReceived, PostID: postID, From: from})
}

// groupsvc.Events

func (s *eventSink) GroupUpdated(g groupsvc.Group) {
	s.emit(Event{Kind: EventGroupUpdated, Group: g})
}
func (s *eventSink) GroupMessageReceived(groupID, from, text string) {
	s.emit(Event{Kind: EventGroupMessageReceived, GroupID: groupID, From: from, Text: text})
}
func (s *eventSink) GroupDeliveryChanged(groupID, messageID string, state groupsvc.DeliveryState) {
	s.emit(Event{Kind: EventGroupDeliveryChanged, GroupID: groupID, MessageID: messageID, State: state})
}

// filetransfer.Events

func (s *eventSink) FileOffered(transferID, from, filename string, size int) {
	s.emit(Event{Kind: EventFileOffered, TransferID: transferID, From: from, Filename: filename, Size: size})
}
func (s *eventSink) FileProgress(transferID string, chunksDone, chunksTotal int) {
	s.emit(Event{Kind: EventFileProgress, TransferID: transferID, ChunksDone: chunksDone, ChunksTotal: chunksTotal})
}
func (s *eventSink) FileCompleted(transferID, filename string, data []byte) {
	s.emit(Event{Kind: EventFileCompleted, TransferID: transferID, Filename: filename, Data: data})
}
func (s *eventSink) FileFailed(transferID, reason string) {
	s.emit(Event{Kind: EventFileFailed, TransferID: transferID, Reason: reason})
}

// game.Events

func (s *eventSink) GameInvited(gameID, from, symbol string) {
	s.emit(Event{Kind: EventGameInvited, GameID: gameID, From: from, Symbol: symbol})
}
func (s *eventSink) GameStarted(gameID string, g game.Game) {
	s.emit(Event{Kind: EventGameStarted, GameID: gameID, Game: g})
}
func (s *eventSink) GameMoveApplied(gameID string, g game.Game) {
	s.emit(Event{Kind: EventGameMoveApplied, GameID: gameID, Game: g})
}
func (s *eventSink) GameEnded(gameID string, outcome game.Outcome) {
	s.emit(Event{Kind: EventGameEnded, GameID: gameID, Outcome: outcome})
}

func (s *eventSink) verboseLog(msg string) {
	s.emit(Event{Kind: EventVerboseLog, Log: msg})
}

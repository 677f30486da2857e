// Package filetransfer implements spec.md §4.9's chunked file transfer:
// OFFER/ACCEPT/REJECT negotiation, a windowed DATA/ACK transfer phase, and
// COMPLETE/CANCEL termination. There is no teacher analog for chunked
// transfer (gyre moves whole messages over ZeroMQ's own flow control), so
// this package is grounded on the wider pack's transfer state machines:
// the offer/accept negotiation mirrors gotftp's peer.go request handshake,
// and the sliding window of in-flight chunks mirrors torrent's peer.go
// block-request bookkeeping, both adapted onto transport.SendReliable's
// per-chunk ack/retry instead of a bespoke socket loop.
package filetransfer

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lsnp-go/lsnp/token"
	"github.com/lsnp-go/lsnp/transport"
	"github.com/lsnp-go/lsnp/wire"
)

// DefaultChunkSize and DefaultWindow are spec.md §6.3's transfer defaults.
const (
	DefaultChunkSize = 1024
	DefaultWindow    = 8
)

// State is a transfer's lifecycle stage.
type State int

const (
	Offered State = iota
	Accepted
	Rejected
	Transferring
	Completed
	Cancelled
)

// Sender is the subset of transport.Transport filetransfer needs.
type Sender interface {
	SendReliable(f *wire.Frame, addr *net.UDPAddr, messageID string) (*transport.Delivery, error)
	Ack(messageID string, to *net.UDPAddr) error
}

// ackInbound replies to a reliable frame's sender with an ACK, the
// counterpart to transport.SendReliable's retry discipline (spec.md
// §4.4: every reliable type is ACK'd by its recipient).
func (s *Service) ackInbound(f *wire.Frame, addr *net.UDPAddr) {
	messageID, ok := f.Get(wire.HMessageID)
	if !ok {
		return
	}
	if err := s.sender.Ack(messageID, addr); err != nil {
		s.log.WithError(err).Debug("filetransfer: failed to ack inbound frame")
	}
}

// Identity is this node's own identity.
type Identity struct {
	UserID   string
	TokenTTL time.Duration
}

// Events is the subset of the UI event surface filetransfer emits.
type Events interface {
	FileOffered(transferID, from, filename string, size int)
	FileProgress(transferID string, chunksDone, chunksTotal int)
	FileCompleted(transferID, filename string, data []byte)
	FileFailed(transferID, reason string)
}

// ErrSessionTimeout is surfaced as FileFailed's reason when an offer goes
// unanswered past the configured session timeout (spec.md §7).
var ErrSessionTimeout = fmt.Errorf("filetransfer: session timed out")

// outgoingTransfer tracks a send-side transfer this node initiated.
type outgoingTransfer struct {
	transferID string
	to         string
	addr       *net.UDPAddr
	filename   string
	chunks     [][]byte
	window     int
	nextToSend int
	acked      map[int]bool
	state      State
}

// incomingTransfer tracks a receive-side transfer offered to this node.
type incomingTransfer struct {
	transferID  string
	from        string
	addr        *net.UDPAddr
	filename    string
	size        int
	chunkCount  int
	chunks      map[int][]byte
	state       State
}

// DefaultSessionTimeout is how long an OfferFile waits for ACCEPT/REJECT
// before giving up, spec.md §7's session_timeout error surfaced as
// FileFailed.
const DefaultSessionTimeout = 60 * time.Second

// Service runs both sides of file transfer state machines, keyed by
// transfer_id.
type Service struct {
	identity Identity
	sender   Sender
	events   Events
	log      *logrus.Entry

	mu             sync.Mutex
	outgoing       map[string]*outgoingTransfer
	incoming       map[string]*incomingTransfer
	window         int
	chunkSize      int
	sessionTimeout time.Duration
}

// New creates a file transfer service. chunkSize and sessionTimeout fall
// back to their package defaults when non-positive, mirroring window's
// existing fallback.
func New(id Identity, sender Sender, events Events, window, chunkSize int, sessionTimeout time.Duration, log *logrus.Entry) *Service {
	if window <= 0 {
		window = DefaultWindow
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
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
		outgoing:       make(map[string]*outgoingTransfer),
		incoming:       make(map[string]*incomingTransfer),
		window:         window,
		chunkSize:      chunkSize,
		sessionTimeout: sessionTimeout,
	}
}

func chunkData(data []byte, chunkSize int) [][]byte {
	var chunks [][]byte
	for i := 0; i < len(data); i += chunkSize {
		end := i + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[i:end])
	}
	if len(chunks) == 0 {
		chunks = [][]byte{{}}
	}
	return chunks
}

// OfferFile begins a send-side transfer by mailing a FILE_OFFER and
// waiting for the peer's accept/reject (spec.md §4.9). If the offer goes
// unanswered past the configured session timeout, it is withdrawn and
// FileFailed(transferID, session_timeout) is raised.
func (s *Service) OfferFile(transferID, to string, addr *net.UDPAddr, filename string, data []byte) error {
	chunks := chunkData(data, s.chunkSize)

	s.mu.Lock()
	s.outgoing[transferID] = &outgoingTransfer{
		transferID: transferID,
		to:         to,
		addr:       addr,
		filename:   filename,
		chunks:     chunks,
		window:     s.window,
		acked:      make(map[int]bool),
		state:      Offered,
	}
	s.mu.Unlock()

	tok := token.Mint(s.identity.UserID, wire.ScopeFile, s.identity.TokenTTL)
	f := wire.NewFileOffer(transferID, s.identity.UserID, to, filename, len(data), s.chunkSize, len(chunks), tok.String())
	_, err := s.sender.SendReliable(f, addr, transferID+":offer")
	if err != nil {
		return err
	}
	time.AfterFunc(s.sessionTimeout, func() { s.expireOffer(transferID) })
	return nil
}

// expireOffer withdraws an outgoing transfer still awaiting ACCEPT/REJECT
// once the session timeout elapses.
func (s *Service) expireOffer(transferID string) {
	s.mu.Lock()
	out, ok := s.outgoing[transferID]
	if ok && out.state == Offered {
		delete(s.outgoing, transferID)
	} else {
		ok = false
	}
	s.mu.Unlock()
	if ok {
		s.events.FileFailed(transferID, ErrSessionTimeout.Error())
	}
}

// HandleFileOffer records an inbound offer and surfaces it to the UI,
// which accepts or rejects via AcceptFile/RejectFile.
func (s *Service) HandleFileOffer(f *wire.Frame, addr *net.UDPAddr) {
	transferID, _ := f.Get(wire.HTransferID)
	from, _ := f.Get(wire.HFrom)
	filename, _ := f.Get(wire.HFilename)
	size, _ := f.GetInt(wire.HSize)
	chunkCount, _ := f.GetInt(wire.HChunkCount)

	s.mu.Lock()
	s.incoming[transferID] = &incomingTransfer{
		transferID: transferID,
		from:       from,
		addr:       addr,
		filename:   filename,
		size:       size,
		chunkCount: chunkCount,
		chunks:     make(map[int][]byte),
		state:      Offered,
	}
	s.mu.Unlock()

	s.ackInbound(f, addr)
	s.events.FileOffered(transferID, from, filename, size)
}

// AcceptFile accepts a pending incoming offer.
func (s *Service) AcceptFile(transferID string) error {
	s.mu.Lock()
	in, ok := s.incoming[transferID]
	if ok {
		in.state = Accepted
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("filetransfer: unknown transfer %q", transferID)
	}

	tok := token.Mint(s.identity.UserID, wire.ScopeFile, s.identity.TokenTTL)
	f := wire.NewFileAccept(transferID, s.identity.UserID, in.from, tok.String())
	_, err := s.sender.SendReliable(f, in.addr, transferID+":accept")
	return err
}

// RejectFile declines a pending incoming offer.
func (s *Service) RejectFile(transferID string) error {
	s.mu.Lock()
	in, ok := s.incoming[transferID]
	if ok {
		in.state = Rejected
		delete(s.incoming, transferID)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("filetransfer: unknown transfer %q", transferID)
	}

	tok := token.Mint(s.identity.UserID, wire.ScopeFile, s.identity.TokenTTL)
	f := wire.NewFileReject(transferID, s.identity.UserID, in.from, tok.String())
	_, err := s.sender.SendReliable(f, in.addr, transferID+":reject")
	return err
}

// HandleFileAccept moves an outgoing transfer into Transferring and sends
// the first window of chunks (spec.md §4.9's windowed DATA phase).
func (s *Service) HandleFileAccept(f *wire.Frame, addr *net.UDPAddr) {
	transferID, _ := f.Get(wire.HTransferID)

	s.mu.Lock()
	out, ok := s.outgoing[transferID]
	if ok {
		out.state = Transferring
	}
	s.mu.Unlock()
	s.ackInbound(f, addr)
	if !ok {
		return
	}
	s.sendWindow(out)
}

// HandleFileReject marks an outgoing transfer rejected and notifies the UI.
func (s *Service) HandleFileReject(f *wire.Frame, addr *net.UDPAddr) {
	transferID, _ := f.Get(wire.HTransferID)

	s.mu.Lock()
	out, ok := s.outgoing[transferID]
	if ok {
		out.state = Rejected
		delete(s.outgoing, transferID)
	}
	s.mu.Unlock()
	s.ackInbound(f, addr)
	if !ok {
		return
	}
	s.events.FileFailed(transferID, "rejected by peer")
}

// sendWindow transmits further chunks so that at most out.window of them
// are sent but not yet acked, per the torrent peer.go in-flight block
// bookkeeping this is grounded on.
func (s *Service) sendWindow(out *outgoingTransfer) {
	tok := token.Mint(s.identity.UserID, wire.ScopeFile, s.identity.TokenTTL)

	inFlight := out.nextToSend - len(out.acked)
	if inFlight < 0 {
		inFlight = 0
	}
	end := out.nextToSend + out.window - inFlight
	if end > len(out.chunks) {
		end = len(out.chunks)
	}
	for i := out.nextToSend; i < end; i++ {
		f := wire.NewFileData(out.transferID, i, tok.String(), out.chunks[i])
		messageID := fmt.Sprintf("%s:chunk:%d", out.transferID, i)
		delivery, err := s.sender.SendReliable(f, out.addr, messageID)
		if err != nil {
			s.log.WithError(err).WithField("transfer_id", out.transferID).Warn("failed to send chunk")
			continue
		}
		go s.awaitChunkAck(out.transferID, i, delivery)
	}
	out.nextToSend = end
}

func (s *Service) awaitChunkAck(transferID string, index int, delivery *transport.Delivery) {
	result := delivery.Wait()

	s.mu.Lock()
	out, ok := s.outgoing[transferID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if result.State != transport.Acked {
		out.state = Cancelled
		s.mu.Unlock()
		s.events.FileFailed(transferID, "chunk delivery failed")
		return
	}
	out.acked[index] = true
	allAcked := len(out.acked) == len(out.chunks)
	if !allAcked && out.nextToSend < len(out.chunks) {
		s.sendWindow(out)
	}
	s.mu.Unlock()

	if allAcked {
		s.finishOutgoing(transferID)
	}
}

func (s *Service) finishOutgoing(transferID string) {
	s.mu.Lock()
	out, ok := s.outgoing[transferID]
	if ok {
		out.state = Completed
		delete(s.outgoing, transferID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	tok := token.Mint(s.identity.UserID, wire.ScopeFile, s.identity.TokenTTL)
	f := wire.NewFileComplete(transferID, tok.String())
	_, _ = s.sender.SendReliable(f, out.addr, transferID+":complete")
}

// HandleFileData stores an inbound chunk and reports progress.
func (s *Service) HandleFileData(f *wire.Frame, addr *net.UDPAddr) {
	transferID, _ := f.Get(wire.HTransferID)
	index, _ := f.GetInt(wire.HChunkIndex)

	s.mu.Lock()
	in, ok := s.incoming[transferID]
	if ok {
		in.chunks[index] = append([]byte(nil), f.Body...)
		in.state = Transferring
	}
	done := 0
	total := 0
	if ok {
		done = len(in.chunks)
		total = in.chunkCount
	}
	s.mu.Unlock()
	s.ackInbound(f, addr)
	if !ok {
		return
	}

	s.events.FileProgress(transferID, done, total)
}

// CancelFile aborts an in-flight transfer on either side.
func (s *Service) CancelFile(transferID string) error {
	s.mu.Lock()
	out, outOK := s.outgoing[transferID]
	in, inOK := s.incoming[transferID]
	delete(s.outgoing, transferID)
	delete(s.incoming, transferID)
	s.mu.Unlock()

	tok := token.Mint(s.identity.UserID, wire.ScopeFile, s.identity.TokenTTL)
	f := wire.NewFileCancel(transferID, tok.String())

	switch {
	case outOK:
		_, err := s.sender.SendReliable(f, out.addr, transferID+":cancel")
		return err
	case inOK:
		_, err := s.sender.SendReliable(f, in.addr, transferID+":cancel")
		return err
	}
	return fmt.Errorf("filetransfer: unknown transfer %q", transferID)
}

// HandleFileCancel marks a transfer cancelled on whichever side holds it.
func (s *Service) HandleFileCancel(f *wire.Frame, addr *net.UDPAddr) {
	transferID, _ := f.Get(wire.HTransferID)

	s.mu.Lock()
	delete(s.outgoing, transferID)
	delete(s.incoming, transferID)
	s.mu.Unlock()

	s.ackInbound(f, addr)
	s.events.FileFailed(transferID, "cancelled by peer")
}

// HandleFileComplete assembles and surfaces the completed file.
func (s *Service) HandleFileComplete(f *wire.Frame, addr *net.UDPAddr) {
	transferID, _ := f.Get(wire.HTransferID)

	s.mu.Lock()
	in, ok := s.incoming[transferID]
	if !ok {
		s.mu.Unlock()
		return
	}
	in.state = Completed
	var buf bytes.Buffer
	for i := 0; i < in.chunkCount; i++ {
		buf.Write(in.chunks[i])
	}
	filename := in.filename
	delete(s.incoming, transferID)
	s.mu.Unlock()

	s.ackInbound(f, addr)
	s.events.FileCompleted(transferID, filename, buf.Bytes())
}

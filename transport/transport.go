// Package transport owns the single UDP socket LSNP runs over: broadcast
// and unicast send, a per-destination retry queue for frames that require
// an ACK, and the inbound receive pump. Structurally this generalizes the
// teacher's beacon.go (interface/broadcast-address resolution, one socket,
// one background sender/listener pair) from a multicast discovery-only
// channel into the one transport every LSNP frame type rides over.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"

	"github.com/lsnp-go/lsnp/wire"
)

// Inbound is a received frame paired with its source address, handed to
// the router (spec.md §4.5). LocalAddr is the interface address the
// datagram actually arrived on (via the ipv4 control message), useful on a
// multi-homed host where LocalIP alone doesn't say which NIC heard a peer.
type Inbound struct {
	Frame     *wire.Frame
	Addr      *net.UDPAddr
	LocalAddr net.IP
}

// Transport is the node's single UDP socket.
type Transport struct {
	conn      *net.UDPConn
	pconn     *ipv4.PacketConn
	broadcast *net.UDPAddr
	localIP   net.IP
	port      int

	retries        *retryQueue
	pendingAddrsMu sync.Mutex
	pendingAddrs   map[string]pendingSendTarget
	inbound        chan Inbound
	log            *logrus.Entry

	closed chan struct{}
}

type pendingSendTarget struct {
	frame *wire.Frame
	addr  *net.UDPAddr
}

// Options configure a Transport at construction.
type Options struct {
	Port          int
	Interface     string
	RetrySchedule []time.Duration
	Logger        *logrus.Entry
}

// New binds the LSNP UDP socket and starts its receive pump.
func New(ctx context.Context, opts Options) (*Transport, error) {
	port := opts.Port

	conn, err := bind(ctx, port)
	if err != nil {
		return nil, err
	}
	// Port 0 asks the kernel for an ephemeral port; record the one bound.
	port = conn.LocalAddr().(*net.UDPAddr).Port

	bcast, localIP, err := directedBroadcast(opts.Interface, port)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: resolving broadcast address: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	t := &Transport{
		conn:      conn,
		pconn:     ipv4PacketConn(conn),
		broadcast: bcast,
		localIP:   localIP,
		port:      port,
		inbound:      make(chan Inbound, 256),
		pendingAddrs: make(map[string]pendingSendTarget),
		log:          logger,
		closed:       make(chan struct{}),
	}
	t.retries = newRetryQueue(opts.RetrySchedule, t.resend)

	go t.receiveLoop()

	return t, nil
}

// LocalIP returns the bound interface's IPv4 address, used to build this
// node's UserID ("name@ipv4").
func (t *Transport) LocalIP() net.IP { return t.localIP }

// Port returns the bound UDP port.
func (t *Transport) Port() int { return t.port }

// Inbound returns the channel of decoded frames. Decode failures are
// swallowed here (spec.md §7: "codec errors are contained within the
// receive pump, never crash it"); only successfully parsed frames reach
// the router.
func (t *Transport) Inbound() <-chan Inbound { return t.inbound }

// SendBroadcast emits a best-effort frame to the directed broadcast
// address: no ACK, no retry (PROFILE, PING, POST, LIKE, GROUP_UPDATE,
// REVOKE per spec.md §6.2).
func (t *Transport) SendBroadcast(f *wire.Frame) error {
	return t.write(f, t.broadcast)
}

// SendUnicast emits a best-effort frame to a single peer (PONG per
// spec.md §6.2 is unicast but not ACK'd).
func (t *Transport) SendUnicast(f *wire.Frame, addr *net.UDPAddr) error {
	return t.write(f, addr)
}

// SendReliable queues f for delivery to addr under the retry discipline
// of spec.md §4.4: initial send, then retransmit at 2/4/8s, capped at 3
// retries (~14s total lifetime). messageID is the fingerprint under which
// a matching ACK discharges the delivery -- for FILE_DATA and GAME_* types
// that carry no literal MESSAGE_ID header, callers synthesize one (e.g.
// "transferID:chunk:index") and SendReliable stamps it onto the frame.
func (t *Transport) SendReliable(f *wire.Frame, addr *net.UDPAddr, messageID string) (*Delivery, error) {
	f.Set(wire.HMessageID, messageID)

	if err := t.write(f, addr); err != nil {
		return nil, err
	}

	t.pendingAddrsMu.Lock()
	t.pendingAddrs[messageID] = pendingSendTarget{frame: f, addr: addr}
	t.pendingAddrsMu.Unlock()

	return t.retries.register(messageID), nil
}

// handleAck discharges a reliable send when its ACK arrives.
func (t *Transport) handleAck(f *wire.Frame) {
	id, ok := f.Get(wire.HMessageID)
	if !ok {
		return
	}
	t.retries.ack(id)
	t.pendingAddrsMu.Lock()
	delete(t.pendingAddrs, id)
	t.pendingAddrsMu.Unlock()
}

// Ack replies to a received reliable frame's sender with an ACK.
func (t *Transport) Ack(messageID string, to *net.UDPAddr) error {
	return t.write(wire.NewAck(messageID), to)
}

func (t *Transport) resend(messageID string, attempt int) {
	t.pendingAddrsMu.Lock()
	target, ok := t.pendingAddrs[messageID]
	t.pendingAddrsMu.Unlock()
	if !ok {
		return
	}
	t.log.WithFields(logrus.Fields{"message_id": messageID, "attempt": attempt}).Debug("retrying reliable send")
	_ = t.write(target.frame, target.addr)
}

func (t *Transport) write(f *wire.Frame, addr *net.UDPAddr) error {
	data, err := f.Encode()
	if err != nil {
		return fmt.Errorf("transport: encode: %w", err)
	}
	if _, err := t.conn.WriteToUDP(data, addr); err != nil {
		return fmt.Errorf("transport_error: %w", err)
	}
	return nil
}

func (t *Transport) receiveLoop() {
	buf := make([]byte, wire.MaxDatagram+512)
	for {
		n, cm, src, err := t.pconn.ReadFrom(buf)
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
				t.log.WithError(err).Warn("transport: read error")
				continue
			}
		}
		addr, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		f, err := wire.Decode(data, addr)
		if err != nil {
			t.log.WithError(err).WithField("addr", addr).Debug("dropping malformed_frame")
			continue
		}

		if f.Type == wire.TypeAck {
			t.handleAck(f)
			continue
		}

		in := Inbound{Frame: f, Addr: addr}
		if cm != nil {
			in.LocalAddr = cm.Src
		}

		select {
		case t.inbound <- in:
		default:
			t.log.Warn("transport: inbound queue full, dropping frame")
		}
	}
}

// Close shuts down the socket. In-flight reliable sends are cancelled
// rather than resolved, since there is no longer anyone to deliver a
// result to.
func (t *Transport) Close() error {
	t.retries.mu.Lock()
	ids := make([]string, 0, len(t.retries.pending))
	for id := range t.retries.pending {
		ids = append(ids, id)
	}
	t.retries.mu.Unlock()
	for _, id := range ids {
		t.retries.cancel(id)
	}
	close(t.closed)
	return t.conn.Close()
}

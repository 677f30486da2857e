package filetransfer

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

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

func loopbackAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

type fakeEvents struct {
	mu            sync.Mutex
	offered       int
	progress      []int
	completed     []string
	failed        []string
	failedReasons []string
	lastData      []byte
}

func (e *fakeEvents) FileOffered(transferID, from, filename string, size int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.offered++
}

func (e *fakeEvents) FileProgress(transferID string, chunksDone, chunksTotal int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.progress = append(e.progress, chunksDone)
}

func (e *fakeEvents) FileCompleted(transferID, filename string, data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.completed = append(e.completed, transferID)
	e.lastData = data
}

func (e *fakeEvents) FileFailed(transferID, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failed = append(e.failed, transferID)
	e.failedReasons = append(e.failedReasons, reason)
}

// pump runs one side's receive loop, dispatching inbound frames into a
// filetransfer.Service by type, until the test stops it.
func pump(t *testing.T, tr *transport.Transport, svc *Service, stop <-chan struct{}) {
	t.Helper()
	go func() {
		for {
			select {
			case <-stop:
				return
			case in := <-tr.Inbound():
				switch in.Frame.Type {
				case wire.TypeFileOffer:
					svc.HandleFileOffer(in.Frame, in.Addr)
				case wire.TypeFileAccept:
					svc.HandleFileAccept(in.Frame, in.Addr)
				case wire.TypeFileReject:
					svc.HandleFileReject(in.Frame, in.Addr)
				case wire.TypeFileData:
					svc.HandleFileData(in.Frame, in.Addr)
				case wire.TypeFileComplete:
					svc.HandleFileComplete(in.Frame, in.Addr)
				case wire.TypeFileCancel:
					svc.HandleFileCancel(in.Frame, in.Addr)
				}
			}
		}
	}()
}

func TestFullTransferAcrossMultipleWindows(t *testing.T) {
	sender := mustTransport(t)
	receiver := mustTransport(t)

	senderEvents := &fakeEvents{}
	receiverEvents := &fakeEvents{}

	senderSvc := New(Identity{UserID: "alice@127.0.0.1", TokenTTL: time.Hour}, sender, senderEvents, 2, 0, 0, nil)
	receiverSvc := New(Identity{UserID: "bob@127.0.0.1", TokenTTL: time.Hour}, receiver, receiverEvents, 2, 0, 0, nil)

	stop := make(chan struct{})
	defer close(stop)
	pump(t, sender, senderSvc, stop)
	pump(t, receiver, receiverSvc, stop)

	data := make([]byte, DefaultChunkSize*5) // 5 chunks, window 2: exercises multiple send-window refills
	for i := range data {
		data[i] = byte(i % 251)
	}

	if err := senderSvc.OfferFile("t1", "bob@127.0.0.1", loopbackAddr(receiver.Port()), "photo.bin", data); err != nil {
		t.Fatal(err)
	}

	acceptDeadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(acceptDeadline) {
		receiverEvents.mu.Lock()
		offered := receiverEvents.offered
		receiverEvents.mu.Unlock()
		if offered > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := receiverSvc.AcceptFile("t1"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		receiverEvents.mu.Lock()
		got := len(receiverEvents.completed)
		receiverEvents.mu.Unlock()
		if got > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	receiverEvents.mu.Lock()
	defer receiverEvents.mu.Unlock()
	if len(receiverEvents.completed) != 1 {
		t.Fatalf("expected the transfer to complete, got completed=%v failed=%v", receiverEvents.completed, receiverEvents.failed)
	}
	if len(receiverEvents.lastData) != len(data) {
		t.Fatalf("expected reassembled data length %d, got %d", len(data), len(receiverEvents.lastData))
	}
	for i := range data {
		if receiverEvents.lastData[i] != data[i] {
			t.Fatalf("reassembled data differs at byte %d", i)
		}
	}

	if receiverEvents.offered != 1 {
		t.Fatalf("expected exactly one file_offered event, got %d", receiverEvents.offered)
	}
}

func TestRejectFileNotifiesSender(t *testing.T) {
	sender := mustTransport(t)
	receiver := mustTransport(t)

	senderEvents := &fakeEvents{}
	receiverEvents := &fakeEvents{}

	senderSvc := New(Identity{UserID: "alice@127.0.0.1", TokenTTL: time.Hour}, sender, senderEvents, 0, 0, 0, nil)
	receiverSvc := New(Identity{UserID: "bob@127.0.0.1", TokenTTL: time.Hour}, receiver, receiverEvents, 0, 0, 0, nil)

	stop := make(chan struct{})
	defer close(stop)
	pump(t, sender, senderSvc, stop)
	pump(t, receiver, receiverSvc, stop)

	if err := senderSvc.OfferFile("t2", "bob@127.0.0.1", loopbackAddr(receiver.Port()), "secret.bin", []byte("hello")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		receiverEvents.mu.Lock()
		offered := receiverEvents.offered
		receiverEvents.mu.Unlock()
		if offered > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := receiverSvc.RejectFile("t2"); err != nil {
		t.Fatal(err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		senderEvents.mu.Lock()
		failed := len(senderEvents.failed)
		senderEvents.mu.Unlock()
		if failed > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	senderEvents.mu.Lock()
	defer senderEvents.mu.Unlock()
	if len(senderEvents.failed) != 1 {
		t.Fatalf("expected sender to be notified of rejection, got %v", senderEvents.failed)
	}
}

func TestOfferFileUsesConfiguredChunkSize(t *testing.T) {
	sender := mustTransport(t)
	receiver := mustTransport(t)

	senderEvents := &fakeEvents{}
	senderSvc := New(Identity{UserID: "alice@127.0.0.1", TokenTTL: time.Hour}, sender, senderEvents, 0, 4, 0, nil)

	data := make([]byte, 10) // 4-byte chunks: 3 chunks (4, 4, 2)
	if err := senderSvc.OfferFile("t3", "bob@127.0.0.1", loopbackAddr(receiver.Port()), "tiny.bin", data); err != nil {
		t.Fatal(err)
	}

	senderSvc.mu.Lock()
	out := senderSvc.outgoing["t3"]
	senderSvc.mu.Unlock()
	if out == nil {
		t.Fatal("expected transfer t3 to be tracked")
	}
	if len(out.chunks) != 3 {
		t.Fatalf("expected 3 chunks with chunk size 4 over 10 bytes, got %d", len(out.chunks))
	}

	select {
	case in := <-receiver.Inbound():
		if in.Frame.Type != wire.TypeFileOffer {
			t.Fatalf("expected FILE_OFFER, got %s", in.Frame.Type)
		}
		chunkSize, _ := in.Frame.GetInt(wire.HChunkSize)
		if chunkSize != 4 {
			t.Fatalf("expected offer to advertise chunk size 4, got %d", chunkSize)
		}
	case <-time.After(time.Second):
		t.Fatal("receiver never saw the FILE_OFFER")
	}
}

func TestOfferFileTimesOutWhenUnanswered(t *testing.T) {
	sender := mustTransport(t)
	receiver := mustTransport(t)

	senderEvents := &fakeEvents{}
	senderSvc := New(Identity{UserID: "alice@127.0.0.1", TokenTTL: time.Hour}, sender, senderEvents, 0, 0, 20*time.Millisecond, nil)

	if err := senderSvc.OfferFile("t4", "bob@127.0.0.1", loopbackAddr(receiver.Port()), "secret.bin", []byte("hello")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		senderEvents.mu.Lock()
		failed := len(senderEvents.failed)
		senderEvents.mu.Unlock()
		if failed > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	senderEvents.mu.Lock()
	defer senderEvents.mu.Unlock()
	if len(senderEvents.failed) != 1 || senderEvents.failed[0] != "t4" {
		t.Fatalf("expected t4 to fail on session timeout, got %v", senderEvents.failed)
	}
	if senderEvents.failedReasons[0] != ErrSessionTimeout.Error() {
		t.Fatalf("expected reason %q, got %q", ErrSessionTimeout.Error(), senderEvents.failedReasons[0])
	}

	senderSvc.mu.Lock()
	_, stillTracked := senderSvc.outgoing["t4"]
	senderSvc.mu.Unlock()
	if stillTracked {
		t.Fatal("expected the timed-out transfer to be removed from outgoing")
	}
}

func TestChunkDataHandlesExactMultipleAndEmpty(t *testing.T) {
	chunks := chunkData(make([]byte, DefaultChunkSize*2), DefaultChunkSize)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks for an exact multiple, got %d", len(chunks))
	}

	empty := chunkData(nil, DefaultChunkSize)
	if len(empty) != 1 || len(empty[0]) != 0 {
		t.Fatalf("expected a single empty chunk for zero-length data, got %v", empty)
	}
}

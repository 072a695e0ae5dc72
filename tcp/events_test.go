package tcp

import (
	"errors"
	"net/netip"
	"testing"
)

type eventRecorder struct {
	events []Event
	errs   []error
}

func (r *eventRecorder) record(ev Event, err error) {
	r.events = append(r.events, ev)
	r.errs = append(r.errs, err)
}

func (r *eventRecorder) has(ev Event) bool {
	for _, got := range r.events {
		if got == ev {
			return true
		}
	}
	return false
}

// newEventConn wires a listening Conn and an active peer Handler through the
// three-way handshake via the Conn's segment API, recording every wake-up.
func newEventConn(t *testing.T) (conn *Conn, peer *Handler, rec *eventRecorder, buf []byte) {
	t.Helper()
	const mtu = 1500
	conn = new(Conn)
	err := conn.Configure(ConnConfig{
		RxBuf:             make([]byte, mtu),
		TxBuf:             make([]byte, mtu),
		TxPacketQueueSize: 4,
	})
	if err != nil {
		t.Fatal(err)
	}
	rec = new(eventRecorder)
	conn.SetEventFunc(rec.record)
	if err := conn.OpenListen(800, 300); err != nil {
		t.Fatal(err)
	}
	peer = newHandler(t, mtu, 4)
	if err := peer.OpenActive(900, 800, 100); err != nil {
		t.Fatal(err)
	}
	buf = make([]byte, mtu)
	return conn, peer, rec, buf
}

var testPeerAddr = netip.AddrFrom4([4]byte{192, 168, 1, 4})

func establishEventConn(t *testing.T, conn *Conn, peer *Handler, buf []byte) {
	t.Helper()
	n, err := peer.Send(buf) // SYN
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.RecvSegment(testPeerAddr, buf[:n]); err != nil {
		t.Fatal(err)
	}
	n, err = conn.SendSegment(buf) // SYN-ACK
	if err != nil || n == 0 {
		t.Fatalf("SYN-ACK: n=%d err=%v", n, err)
	}
	if err := peer.Recv(buf[:n]); err != nil {
		t.Fatal(err)
	}
	n, err = peer.Send(buf) // ACK
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.RecvSegment(testPeerAddr, buf[:n]); err != nil {
		t.Fatal(err)
	}
	if conn.State() != StateEstablished {
		t.Fatalf("state = %v, want Established", conn.State())
	}
}

func TestEventConnEstablishedFires(t *testing.T) {
	conn, peer, rec, buf := newEventConn(t)
	establishEventConn(t, conn, peer, buf)
	if !rec.has(EventConnEstablished) {
		t.Fatalf("events = %v, want CON_ESTABLISHED", rec.events)
	}
	if rec.has(EventError) || rec.has(EventConnClosed) {
		t.Fatalf("unexpected terminal events during handshake: %v", rec.events)
	}
}

func TestEventRxqNonEmptyFires(t *testing.T) {
	conn, peer, rec, buf := newEventConn(t)
	establishEventConn(t, conn, peer, buf)
	if rec.has(EventRxqNonEmpty) {
		t.Fatal("RXQ_NON_EMPTY before any data")
	}
	if _, err := peer.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	n, err := peer.Send(buf)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.RecvSegment(testPeerAddr, buf[:n]); err != nil {
		t.Fatal(err)
	}
	if !rec.has(EventRxqNonEmpty) {
		t.Fatalf("events = %v, want RXQ_NON_EMPTY after data", rec.events)
	}
}

func TestEventTxqEmptyFiresOnDrain(t *testing.T) {
	conn, peer, rec, buf := newEventConn(t)
	establishEventConn(t, conn, peer, buf)
	// Enough data that the transmit queue is above half of the buffer, so
	// draining it crosses both wake thresholds at once.
	if _, err := conn.Write(make([]byte, 800)); err != nil {
		t.Fatal(err)
	}
	n, err := conn.SendSegment(buf)
	if err != nil || n == 0 {
		t.Fatalf("SendSegment: n=%d err=%v", n, err)
	}
	_ = peer // Peer never sees the segment; drain is a local property.
	if !rec.has(EventTxqEmpty) {
		t.Fatalf("events = %v, want TXQ_EMPTY after full drain", rec.events)
	}
	if !rec.has(EventTxqHalfEmpty) {
		t.Fatalf("events = %v, want TXQ_HALF_EMPTY crossing on full drain", rec.events)
	}
}

func TestEventErrorOnPeerReset(t *testing.T) {
	conn, peer, rec, buf := newEventConn(t)
	establishEventConn(t, conn, peer, buf)

	// Forge a RST at exactly RCV.NXT from the peer.
	rst := make([]byte, sizeHeaderTCP)
	frm, err := NewFrame(rst)
	if err != nil {
		t.Fatal(err)
	}
	frm.SetSourcePort(peer.LocalPort())
	frm.SetDestinationPort(conn.LocalPort())
	scb := conn.InternalHandler().InternalControlBlock()
	frm.SetSegment(Segment{SEQ: scb.RecvNext(), Flags: FlagRST, WND: 1024}, 5)

	err = conn.RecvSegment(testPeerAddr, rst)
	if err == nil {
		t.Fatal("RST should surface an error from RecvSegment")
	}
	if !rec.has(EventError) {
		t.Fatalf("events = %v, want ERROR after RST", rec.events)
	}
	for i, ev := range rec.events {
		if ev == EventError && !errors.Is(rec.errs[i], ErrConnReset) {
			t.Fatalf("ERROR payload = %v, want ECONNRESET", rec.errs[i])
		}
	}
}

func TestAbortWithErrorLatchesAndWakes(t *testing.T) {
	conn, peer, rec, buf := newEventConn(t)
	establishEventConn(t, conn, peer, buf)
	conn.abortWithError(ErrTimedOut)
	if !rec.has(EventError) {
		t.Fatalf("events = %v, want ERROR", rec.events)
	}
	// The error is retained: all further I/O reports it.
	if _, err := conn.Read(buf); !errors.Is(err, ErrTimedOut) {
		t.Fatalf("Read after timeout abort = %v, want ETIMEDOUT", err)
	}
	if _, err := conn.Write([]byte("x")); !errors.Is(err, ErrTimedOut) {
		t.Fatalf("Write after timeout abort = %v, want ETIMEDOUT", err)
	}
}

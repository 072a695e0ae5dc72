package tcp

import (
	"net/netip"
	"testing"
)

func TestRSTResponseRules(t *testing.T) {
	// A stray carrying an ACK: the reset claims its ACK as sequence so the
	// peer believes it, and needs no ACK of its own.
	rst, ok := RSTResponse(Segment{SEQ: 500, ACK: 900, Flags: FlagACK, DATALEN: 10})
	if !ok || rst.Flags != FlagRST || rst.SEQ != 900 {
		t.Fatalf("ACK-bearing stray: got %+v ok=%v", rst, ok)
	}
	// A stray without an ACK: RST|ACK acknowledging everything it sent,
	// the SYN occupying one sequence number.
	rst, ok = RSTResponse(Segment{SEQ: 500, Flags: FlagSYN, DATALEN: 10})
	if !ok || rst.Flags != FlagRST|FlagACK || rst.ACK != 511 || rst.SEQ != 0 {
		t.Fatalf("SYN stray: got %+v ok=%v", rst, ok)
	}
	// Never reset a reset.
	if _, ok = RSTResponse(Segment{SEQ: 500, Flags: FlagRST}); ok {
		t.Fatal("incoming RST must not generate a reset")
	}
}

func TestRSTQueueDrainAndOverflow(t *testing.T) {
	var q RSTQueue
	remote := netip.MustParseAddrPort("10.0.0.9:4040")
	for i := 0; i < 12; i++ {
		q.QueueResponse(remote, 80, Segment{SEQ: Value(i), ACK: 77, Flags: FlagACK})
	}
	if q.Pending() != 8 {
		t.Fatalf("pending = %d, want bounded at 8", q.Pending())
	}
	buf := make([]byte, 64)
	n, gotRemote, err := q.Drain(buf)
	if err != nil || n != sizeHeaderTCP {
		t.Fatalf("Drain: n=%d err=%v", n, err)
	}
	if gotRemote != remote {
		t.Fatalf("remote = %v, want %v", gotRemote, remote)
	}
	frm, err := NewFrame(buf[:n])
	if err != nil {
		t.Fatal(err)
	}
	if frm.SourcePort() != 80 || frm.DestinationPort() != 4040 {
		t.Fatalf("ports = %d->%d, want 80->4040", frm.SourcePort(), frm.DestinationPort())
	}
	seg := frm.Segment(0)
	if !seg.Flags.HasAll(FlagRST) || seg.SEQ != 77 {
		t.Fatalf("reset frame = %+v", seg)
	}
	for q.Pending() > 0 {
		if n, _, _ := q.Drain(buf); n == 0 {
			t.Fatal("drain stalled with entries pending")
		}
	}
	if n, _, _ := q.Drain(buf); n != 0 {
		t.Fatal("empty queue drained a frame")
	}
}

func TestListenerResetsStraySegments(t *testing.T) {
	var listener Listener
	if err := listener.Reset(80, newTestPool(t, 1)); err != nil {
		t.Fatal(err)
	}
	remote := netip.MustParseAddr("10.0.0.7")
	stray := make([]byte, sizeHeaderTCP)
	frm, err := NewFrame(stray)
	if err != nil {
		t.Fatal(err)
	}
	frm.SetSourcePort(3333)
	frm.SetDestinationPort(80)
	frm.SetSegment(Segment{SEQ: 100, ACK: 200, Flags: FlagACK, WND: 1024}, 5)
	if err := listener.Accept(remote, stray); err != errPacketDrop {
		t.Fatalf("Accept stray = %v, want packet drop", err)
	}
	buf := make([]byte, 64)
	n, gotRemote, err := listener.PollRST(buf)
	if err != nil || n == 0 {
		t.Fatalf("PollRST: n=%d err=%v", n, err)
	}
	if gotRemote != netip.AddrPortFrom(remote, 3333) {
		t.Fatalf("reset addressed to %v, want %v:3333", gotRemote, remote)
	}
	rfrm, err := NewFrame(buf[:n])
	if err != nil {
		t.Fatal(err)
	}
	seg := rfrm.Segment(0)
	if !seg.Flags.HasAny(FlagRST) || seg.SEQ != 200 {
		t.Fatalf("reset = %+v, want RST with SEQ=200", seg)
	}
	// An incoming RST never generates a response.
	frm.SetSegment(Segment{SEQ: 100, Flags: FlagRST, WND: 1024}, 5)
	_ = listener.Accept(remote, stray)
	if n, _, _ := listener.PollRST(buf); n != 0 {
		t.Fatal("reset answered with a reset")
	}
}

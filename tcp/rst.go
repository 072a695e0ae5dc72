package tcp

import "net/netip"

// RSTResponse derives the reset segment RFC 9293 §3.5.2 prescribes for a
// segment arriving with no owning connection: echo the peer's ACK as our
// sequence when it sent one, otherwise claim sequence zero and acknowledge
// everything it sent so the reset is believable. ok is false for an
// incoming RST, which must never be answered with another reset.
func RSTResponse(incoming Segment) (rst Segment, ok bool) {
	if incoming.Flags.HasAny(FlagRST) {
		return Segment{}, false
	}
	if incoming.Flags.HasAny(FlagACK) {
		return Segment{SEQ: incoming.ACK, Flags: FlagRST}, true
	}
	return Segment{ACK: Add(incoming.SEQ, incoming.LEN()), Flags: FlagRST | FlagACK}, true
}

// RSTQueue is a small fixed-size queue of pending stateless reset
// responses, owned by a [Listener] and drained by the carrier alongside its
// regular outgoing segments. Bounded so a flood of stray segments costs a
// fixed amount of memory; the excess is silently dropped, which a reset
// may legitimately be. It is not safe for concurrent use; callers must
// synchronize access.
type RSTQueue struct {
	buf [8]rstEntry
	len uint8
}

type rstEntry struct {
	remote    netip.AddrPort
	localPort uint16
	seg       Segment
}

// QueueResponse enqueues the reset answering incoming, a segment addressed
// to localPort from remote that no connection owns. Drops silently when
// incoming needs no reset or the queue is full.
func (q *RSTQueue) QueueResponse(remote netip.AddrPort, localPort uint16, incoming Segment) {
	rst, ok := RSTResponse(incoming)
	if !ok || q.len >= uint8(len(q.buf)) {
		return
	}
	q.buf[q.len] = rstEntry{remote: remote, localPort: localPort, seg: rst}
	q.len++
}

// Pending returns the number of queued reset responses.
func (q *RSTQueue) Pending() int { return int(q.len) }

// Drain encodes one pending reset as a TCP frame into buf, returning its
// length and the peer it must be carried to. n is zero when the queue is
// empty.
func (q *RSTQueue) Drain(buf []byte) (n int, remote netip.AddrPort, err error) {
	if q.len == 0 {
		return 0, netip.AddrPort{}, nil
	}
	tfrm, err := NewFrame(buf)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	q.len--
	e := &q.buf[q.len]
	tfrm.SetSourcePort(e.localPort)
	tfrm.SetDestinationPort(e.remote.Port())
	tfrm.SetSegment(e.seg, 5)
	tfrm.SetUrgentPtr(0)
	return sizeHeaderTCP, e.remote, nil
}

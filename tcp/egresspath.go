package tcp

import (
	"log/slog"

	"github.com/flowstack/tcpcore/internal"
)

// egressPath carries a connection's outgoing segments through the packet
// plane: every frame the Handler encodes is wrapped in an annotated, owned
// [Packet], split to the negotiated MSS by the [Segmenter], queued for
// transmission in a [PacketQueue], and retained in the [RtxQueue] until its
// bytes are cumulatively acknowledged. The annotation slots stamped at
// staging time (sequence, MSS, advertised window, ingress timestamp) are
// what the split and retransmission stages downstream consume. The zero
// value is ready to use.
type egressPath struct {
	seg     Segmenter
	outq    PacketQueue
	rtxq    RtxQueue
	staging []byte
}

// reset drops every queued and retained packet; used on connection
// teardown and slot reuse.
func (eg *egressPath) reset() {
	eg.outq.Clear()
	eg.rtxq.Flush()
}

// retain records a transmitted data packet for retransmission bookkeeping
// unless the queue already holds an entry covering the same sequence range,
// which happens when a timer-driven retransmission re-sends bytes the queue
// still retains.
func (eg *egressPath) retain(p *Packet) {
	seq, end := pktSeqSpan(p)
	for q := eg.rtxq.Head(); q != nil; q = q.next {
		qs, qe := pktSeqSpan(q)
		if qs == seq && qe == end {
			return
		}
	}
	eg.rtxq.Push(p)
}

// onACK performs the packet-plane half of ACK processing: mark every
// retained packet covered by a parsed SACK block, then drop packets whose
// bytes the cumulative ACK covers. Returns whether the ACK released
// anything, the signal the retransmission timer logic keys on.
func (eg *egressPath) onACK(ack Value, opts AckOptions) (removed bool) {
	if opts.NumSACK > 0 {
		eg.rtxq.MarkSACK(opts.Blocks())
	}
	return eg.rtxq.Clean(ack)
}

// stageLocked encodes the next pending frame via the Handler and fans it
// out through the segmenter into the outbound packet queue. It is a no-op
// while previously staged segments are still waiting to drain. conn.mu
// must be held.
func (conn *Conn) stageLocked(limit int) error {
	eg := &conn.eg
	if eg.outq.Len() > 0 {
		return nil
	}
	if cap(eg.staging) < limit {
		eg.staging = make([]byte, limit)
	}
	staging := eg.staging[:limit]
	n, err := conn.h.Send(staging)
	if err != nil || n == 0 {
		return err
	}
	p := NewPacket(make([]byte, n), 0, 0)
	copy(p.Put(n), staging[:n])
	scb := &conn.h.scb
	if frm, ferr := NewFrame(p.Data()); ferr == nil {
		p.Anno.SetSeq(frm.Seq())
	}
	p.Anno.SetMSS(scb.MSS())
	p.Anno.SetWindow(uint32(scb.RecvWindow()))
	p.Timestamp = internal.Now()
	nseg := eg.seg.Split(p, func(np *Packet) { eg.outq.PushBack(np) })
	if nseg > 1 {
		conn.trace("conn:segmented", slog.Int("segments", nseg), slog.Int("framelen", n))
	}
	return nil
}

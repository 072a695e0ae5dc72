package tcp

// Segmenter splits oversized outgoing TCP frames into MSS-sized segments.
// The MSS is read from each packet's annotation (already adjusted for TCP
// options per the SYN-options encoder); DefaultMSS backs packets that carry
// no annotation, e.g. frames injected by tests or a retransmission path
// that bypassed annotation stamping.
type Segmenter struct {
	DefaultMSS uint16
}

// Split forwards p to emit unchanged when its payload fits the MSS, or
// slices it into ceil(payload/mss) segments otherwise. Every segment except
// the last is a fresh copy of the original header plus one MSS of payload;
// the last segment reuses the original packet's buffer. The SYN flag
// survives only on the first segment and FIN only on the last, and each
// segment's sequence number is the original's advanced by its payload
// offset. All segments but the last carry the more-segments annotation
// flag. Returns the number of packets emitted.
func (s *Segmenter) Split(p *Packet, emit func(*Packet)) int {
	frm, err := NewFrame(p.Data())
	if err != nil || frm.ValidateSize() != nil {
		emit(p)
		return 1
	}
	hdrLen := frm.HeaderLength()
	payload := p.Len() - hdrLen
	mss := int(p.Anno.MSS())
	if mss == 0 {
		mss = int(s.DefaultMSS)
	}
	if mss <= 0 || payload <= mss {
		emit(p)
		return 1
	}
	seq := frm.Seq()
	offsetWords, flags := frm.OffsetAndFlags()
	header := p.Data()[:hdrLen]

	count := 0
	off := 0
	for payload-off > mss {
		sflags := flags &^ FlagFIN
		if off != 0 {
			sflags &^= FlagSYN
		}
		buf := make([]byte, p.Headroom()+hdrLen+mss)
		np := NewPacket(buf, p.Headroom(), 0)
		view := np.Put(hdrLen + mss)
		copy(view, header)
		copy(view[hdrLen:], p.Data()[hdrLen+off:hdrLen+off+mss])
		nfrm, _ := NewFrame(view)
		nfrm.SetOffsetAndFlags(offsetWords, sflags)
		nfrm.SetSeq(Add(seq, Size(off)))
		np.Anno = p.Anno
		np.Anno.SetSeq(Add(seq, Size(off)))
		np.Anno.AddFlag(AnnoFlagMoreSegments)
		np.Timestamp = p.Timestamp
		emit(np)
		count++
		off += mss
	}

	// Last slice keeps the original buffer: shift the tail payload up
	// against the header and shrink the view.
	lastFlags := flags &^ FlagSYN
	copy(p.Data()[hdrLen:], p.Data()[hdrLen+off:])
	p.Take(off)
	lfrm, _ := NewFrame(p.Data())
	lfrm.SetOffsetAndFlags(offsetWords, lastFlags)
	lfrm.SetSeq(Add(seq, Size(off)))
	p.Anno.SetSeq(Add(seq, Size(off)))
	p.Anno.ClearFlag(AnnoFlagMoreSegments)
	emit(p)
	return count + 1
}

// RtxQueue is the retransmission queue: transmitted-but-unacknowledged
// packets ordered by sequence number, head oldest. It owns its packets the
// same way [PacketQueue] does.
type RtxQueue struct {
	head  *Packet
	size  int
	bytes int
}

// Len returns the number of queued packets.
func (q *RtxQueue) Len() int { return q.size }

// Bytes returns the total payload bytes across queued packets.
func (q *RtxQueue) Bytes() int { return q.bytes }

// Head returns the oldest unacknowledged packet without removing it.
func (q *RtxQueue) Head() *Packet { return q.head }

// Push inserts p in sequence order, stamping its sequence annotation from
// the TCP header (the frame is authoritative, so a packet legitimately
// sequenced at zero needs no sentinel). The common case, appending freshly
// sent data behind everything already in flight, walks to the tail.
func (q *RtxQueue) Push(p *Packet) {
	seq, _ := pktSeqSpan(p)
	p.Anno.SetSeq(seq)
	p.next = nil
	q.size++
	q.bytes += pktPayloadLen(p)
	if q.head == nil || seq.LessThan(q.head.Anno.Seq()) {
		p.next = q.head
		q.head = p
		return
	}
	cur := q.head
	for cur.next != nil && cur.next.Anno.Seq().LessThanEq(seq) {
		cur = cur.next
	}
	p.next = cur.next
	cur.next = p
}

// PopFront removes and returns the oldest packet, or nil if empty. Used by
// the retransmission-timeout path to reinject the head.
func (q *RtxQueue) PopFront() *Packet {
	p := q.head
	if p == nil {
		return nil
	}
	q.head = p.next
	p.next = nil
	q.size--
	q.bytes -= pktPayloadLen(p)
	return p
}

// Clean removes every packet whose end sequence is at or below ack,
// reporting whether any packet was removed — the signal the caller uses to
// detect that the send window advanced and the retransmission timer should
// be rescheduled or cancelled.
func (q *RtxQueue) Clean(ack Value) (removed bool) {
	for q.head != nil {
		_, end := pktSeqSpan(q.head)
		if !end.LessThanEq(ack) {
			break
		}
		q.PopFront()
		removed = true
	}
	return removed
}

// MarkSACK sets the SACK annotation flag on every queued packet whose
// sequence span is fully covered by one of blocks, returning how many
// packets were newly marked. Marked packets are still retained until
// cumulatively acknowledged, per RFC 2018's reneging rule.
func (q *RtxQueue) MarkSACK(blocks []SACKBlock) (marked int) {
	for p := q.head; p != nil; p = p.next {
		if p.Anno.HasFlag(AnnoFlagSACK) {
			continue
		}
		seq, end := pktSeqSpan(p)
		length := Sizeof(seq, end)
		for _, b := range blocks {
			if b.Covers(seq, length) {
				p.Anno.AddFlag(AnnoFlagSACK)
				marked++
				break
			}
		}
	}
	return marked
}

// Flush drops every queued packet, used on connection teardown.
func (q *RtxQueue) Flush() {
	q.head = nil
	q.size = 0
	q.bytes = 0
}

// pktSeqSpan returns the sequence range [seq, end) a packet occupies,
// counting SYN and FIN flags as one octet each per RFC 9293.
func pktSeqSpan(p *Packet) (seq, end Value) {
	frm, err := NewFrame(p.Data())
	if err != nil {
		seq = p.Anno.Seq()
		return seq, seq
	}
	seg := frm.Segment(pktPayloadLen(p))
	return seg.SEQ, Add(seg.SEQ, seg.LEN())
}

// pktPayloadLen returns the TCP payload length of the frame held in p.
func pktPayloadLen(p *Packet) int {
	frm, err := NewFrame(p.Data())
	if err != nil || frm.ValidateSize() != nil {
		return 0
	}
	return len(p.Data()) - frm.HeaderLength()
}
